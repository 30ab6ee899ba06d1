package cable

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/omochice/donut-chat/internal/chat"
	"github.com/omochice/donut-chat/pkg/protocol"
)

// Channel is one subscription multiplexed over the client connection.
//
// All commands of a channel are written while holding its lock, so
// buffered actions always reach the wire before later ones.
type Channel struct {
	client     *Client
	identifier string
	opts       ChannelOptions
	log        logrus.FieldLogger

	mu      sync.Mutex
	state   ChannelState
	pending []string // encoded action data awaiting confirmation
	events  *eventQueue
	done    bool
}

func newChannel(c *Client, identifier string, opts ChannelOptions) *Channel {
	return &Channel{
		client:     c,
		identifier: identifier,
		opts:       opts,
		log:        c.log.WithField("identifier", identifier),
		events:     newEventQueue(),
	}
}

// Identifier returns the channel identifier sent on the wire.
func (ch *Channel) Identifier() string {
	return ch.identifier
}

// State returns the subscription state.
func (ch *Channel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Events returns the channel events. The stream is closed once the channel
// is unsubscribed or rejected.
func (ch *Channel) Events() <-chan Event {
	return ch.events.out
}

// Subscribe asks the server for the subscription, now if connected or
// after the next welcome otherwise.
func (ch *Channel) Subscribe() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	switch ch.state {
	case ChannelRejected:
		return chat.ErrRejected
	case ChannelSubscribing, ChannelSubscribed:
		return nil
	}
	if ch.done {
		// Create a new channel to subscribe again.
		return chat.ErrNotSubscribed
	}

	ch.state = ChannelSubscribing
	ch.client.add(ch)
	ch.sendSubscribe()
	return nil
}

// Action invokes a server-side action of the channel. Payload fields are
// sent next to the "action" key.
func (ch *Channel) Action(name string, payload map[string]any) error {
	data, err := protocol.ActionData(name, payload)
	if err != nil {
		return err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	switch {
	case ch.state == ChannelSubscribed:
		err := ch.client.send(protocol.Command{Type: protocol.CommandMessage, Identifier: ch.identifier, Data: data})
		if errors.Is(err, ErrNotConnected) && ch.opts.BufferActions {
			// The connection dropped under us; the channel is about to resubscribe.
			ch.pending = append(ch.pending, data)
			return nil
		}
		return err
	case ch.state == ChannelSubscribing && ch.opts.BufferActions:
		ch.pending = append(ch.pending, data)
		return nil
	case ch.state == ChannelRejected:
		return fmt.Errorf("%w: %w", chat.ErrNotSubscribed, chat.ErrRejected)
	default:
		return chat.ErrNotSubscribed
	}
}

// Unsubscribe ends the subscription. Pending actions are discarded.
func (ch *Channel) Unsubscribe() {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.state != ChannelSubscribing && ch.state != ChannelSubscribed {
		return
	}
	if err := ch.client.send(protocol.Command{Type: protocol.CommandUnsubscribe, Identifier: ch.identifier}); err != nil && !errors.Is(err, ErrNotConnected) {
		ch.log.WithError(err).Warn("Failed to send unsubscribe")
	}
	ch.client.remove(ch)
	ch.finish(ChannelUnsubscribed, EventUnsubscribed)
}

// Release closes Events without delivering what is still queued. Call it
// when nothing reads Events anymore, typically after Unsubscribe.
func (ch *Channel) Release() {
	ch.events.abandon()
}

// sendSubscribe must be called with ch.mu held. Without a connection the
// subscribe is sent after the welcome instead.
func (ch *Channel) sendSubscribe() {
	err := ch.client.send(protocol.Command{Type: protocol.CommandSubscribe, Identifier: ch.identifier})
	if err != nil && !errors.Is(err, ErrNotConnected) {
		ch.log.WithError(err).Warn("Failed to send subscribe")
	}
}

func (ch *Channel) resubscribe() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state == ChannelSubscribing {
		ch.sendSubscribe()
	}
}

func (ch *Channel) lost() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state == ChannelSubscribed {
		ch.state = ChannelSubscribing
		ch.log.Debug("Connection lost, channel will resubscribe")
	}
}

func (ch *Channel) confirmed() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state != ChannelSubscribing {
		return
	}

	ch.state = ChannelSubscribed
	ch.events.push(Event{Type: EventSubscribed})

	pending := ch.pending
	ch.pending = nil
	for i, data := range pending {
		err := ch.client.send(protocol.Command{Type: protocol.CommandMessage, Identifier: ch.identifier, Data: data})
		if err != nil {
			// Keep the rest for the next confirmation.
			ch.pending = pending[i:]
			ch.log.WithError(err).WithField("pending", len(ch.pending)).Warn("Failed to flush buffered actions")
			return
		}
	}
}

func (ch *Channel) rejected() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state != ChannelSubscribing && ch.state != ChannelSubscribed {
		return
	}
	if n := len(ch.pending); n > 0 {
		ch.log.WithField("dropped", n).Warn("Subscription rejected, dropping buffered actions")
	}
	ch.finish(ChannelRejected, EventRejected)
}

func (ch *Channel) received(payload json.RawMessage) {
	ch.push(Event{Type: EventReceived, Payload: payload})
}

func (ch *Channel) push(e Event) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state == ChannelUnsubscribed || ch.state == ChannelRejected {
		return
	}
	ch.events.push(e)
}

// finish must be called with ch.mu held.
func (ch *Channel) finish(state ChannelState, event EventType) {
	ch.state = state
	ch.done = true
	ch.pending = nil
	ch.events.push(Event{Type: event})
	ch.events.close()
}
