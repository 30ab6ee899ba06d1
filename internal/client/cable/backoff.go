package cable

import "time"

// backoff doubles the reconnect delay from initial up to max.
type backoff struct {
	initial time.Duration
	max     time.Duration
	next    time.Duration
}

func newBackoff(initial, maxDelay time.Duration) *backoff {
	return &backoff{initial: initial, max: maxDelay, next: initial}
}

// Next returns the delay to wait before the coming attempt.
func (b *backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

// Reset starts over after a successful connection.
func (b *backoff) Reset() {
	b.next = b.initial
}
