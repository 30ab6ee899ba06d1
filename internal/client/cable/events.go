package cable

import (
	"encoding/json"
	"sync"
)

// ConnState is the state of the shared cable connection.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

// String returns the name of ConnState
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ChannelState is the subscription state of one channel.
type ChannelState int

const (
	ChannelUnsubscribed ChannelState = iota
	ChannelSubscribing
	ChannelSubscribed
	ChannelRejected
)

// String returns the name of ChannelState
func (s ChannelState) String() string {
	switch s {
	case ChannelUnsubscribed:
		return "unsubscribed"
	case ChannelSubscribing:
		return "subscribing"
	case ChannelSubscribed:
		return "subscribed"
	case ChannelRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ConnEventType represents the type of connection event
type ConnEventType int

const (
	EventConnected ConnEventType = iota
	EventDisconnected
	EventError
)

// String returns the name of ConnEventType
func (t ConnEventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// ConnEvent reports a connection state change or an undecodable frame.
// Err is the cause of EventDisconnected (nil after Disconnect) or the
// decode failure of EventError.
type ConnEvent struct {
	Type ConnEventType
	Err  error
}

// EventType represents the type of channel event
type EventType int

const (
	EventSubscribed EventType = iota
	EventUnsubscribed
	EventRejected
	EventReceived
)

// String returns the name of EventType
func (t EventType) String() string {
	switch t {
	case EventSubscribed:
		return "subscribed"
	case EventUnsubscribed:
		return "unsubscribed"
	case EventRejected:
		return "rejected"
	case EventReceived:
		return "received"
	default:
		return "unknown"
	}
}

// Event is delivered on Channel.Events. For EventReceived either Payload
// holds the pushed message or Err reports why it could not be decoded.
type Event struct {
	Type    EventType
	Payload json.RawMessage
	Err     error
}

// eventQueue delivers events in order without ever blocking the producer.
type eventQueue struct {
	mu      sync.Mutex
	pending []Event
	closed  bool

	out      chan Event
	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		out:  make(chan Event),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *eventQueue) push(e Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, e)
	q.mu.Unlock()
	q.signal()
}

// close delivers what is pending, then closes out.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// abandon drops undelivered events and closes out without waiting for a
// reader.
func (q *eventQueue) abandon() {
	q.mu.Lock()
	q.closed = true
	q.pending = nil
	q.mu.Unlock()
	q.stopOnce.Do(func() { close(q.stop) })
}

func (q *eventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	defer close(q.out)
	for {
		select {
		case <-q.stop:
			return
		case <-q.wake:
		}

		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		closed := q.closed
		q.mu.Unlock()

		if !q.deliver(batch) {
			return
		}
		if closed {
			q.mu.Lock()
			rest := q.pending
			q.pending = nil
			q.mu.Unlock()
			q.deliver(rest)
			return
		}
	}
}

// deliver reports false once the queue is abandoned.
func (q *eventQueue) deliver(batch []Event) bool {
	for _, e := range batch {
		select {
		case q.out <- e:
		case <-q.stop:
			return false
		}
	}
	return true
}
