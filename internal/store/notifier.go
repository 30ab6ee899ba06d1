package store

import "sync"

// Notifier fans committed changes out to watchers. Publish never blocks:
// each subscription queues changes until its consumer reads them.
type Notifier struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// NewNotifier creates an empty Notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[*Subscription]struct{})}
}

// Watch registers a subscription for changes matching filter.
// A nil filter matches everything.
func (n *Notifier) Watch(filter Filter) *Subscription {
	s := &Subscription{
		n:      n,
		filter: filter,
		out:    make(chan Change),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	n.mu.Lock()
	n.subs[s] = struct{}{}
	n.mu.Unlock()

	go s.run()
	return s
}

// Publish delivers c to every matching subscription.
func (n *Notifier) Publish(c Change) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for s := range n.subs {
		if s.filter == nil || s.filter(c) {
			s.enqueue(c)
		}
	}
}

// Close ends every subscription.
func (n *Notifier) Close() {
	n.mu.Lock()
	subs := n.subs
	n.subs = make(map[*Subscription]struct{})
	n.mu.Unlock()

	for s := range subs {
		s.stop()
	}
}

func (n *Notifier) remove(s *Subscription) {
	n.mu.Lock()
	delete(n.subs, s)
	n.mu.Unlock()
}

// Subscription yields committed changes in commit order.
type Subscription struct {
	n      *Notifier
	filter Filter

	mu      sync.Mutex
	pending []Change

	out      chan Change
	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Changes returns the channel of changes. It is closed after Close.
func (s *Subscription) Changes() <-chan Change {
	return s.out
}

// Close stops the subscription.
func (s *Subscription) Close() {
	s.n.remove(s)
	s.stop()
}

func (s *Subscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Subscription) enqueue(c Change) {
	s.mu.Lock()
	s.pending = append(s.pending, c)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, c := range batch {
			select {
			case s.out <- c:
			case <-s.done:
				return
			}
		}
	}
}
