package cable

import (
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	b := newBackoff(100*time.Millisecond, time.Second)
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("Next() #%d = %s, want %s", i, got, w)
		}
	}

	b.Reset()
	if got := b.Next(); got != 100*time.Millisecond {
		t.Errorf("Next() after Reset = %s, want 100ms", got)
	}
}

func TestEventQueue_DeliversPendingBeforeClose(t *testing.T) {
	q := newEventQueue()
	for i := 0; i < 100; i++ {
		q.push(Event{Type: EventReceived})
	}
	q.push(Event{Type: EventUnsubscribed})
	q.close()
	q.push(Event{Type: EventReceived}) // ignored after close

	n := 0
	var last Event
	timeout := time.After(time.Second)
	for {
		select {
		case e, ok := <-q.out:
			if !ok {
				if n != 101 {
					t.Errorf("received %d events, want 101", n)
				}
				if last.Type != EventUnsubscribed {
					t.Errorf("last event = %v, want unsubscribed", last.Type)
				}
				return
			}
			n++
			last = e
		case <-timeout:
			t.Fatal("timeout draining queue")
		}
	}
}
