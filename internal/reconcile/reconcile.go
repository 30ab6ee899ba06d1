// Package reconcile merges REST snapshots and push events into the local
// store. A Reconciler is the only writer of its store: every upsert runs on
// one goroutine, so concurrent sources can never interleave a read-merge-write.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/omochice/donut-chat/internal/chat"
	"github.com/omochice/donut-chat/internal/metrics"
	"github.com/omochice/donut-chat/internal/store"
)

// ErrClosed is returned by upserts submitted after Close.
var ErrClosed = errors.New("reconciler closed")

const queueSize = 64

type job struct {
	ctx   context.Context
	run   func(ctx context.Context) error
	reply chan error
}

// Reconciler serializes writes to a store.Store.
type Reconciler struct {
	store store.Store
	log   logrus.FieldLogger

	jobs      chan job
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// New starts a Reconciler writing to s.
func New(s store.Store, log logrus.FieldLogger) *Reconciler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Reconciler{
		store:   s,
		log:     log.WithField("component", "reconciler"),
		jobs:    make(chan job, queueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go r.writer()
	return r
}

// Close stops the writer after the job in progress. Queued jobs fail with
// ErrClosed.
func (r *Reconciler) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	<-r.stopped
}

func (r *Reconciler) writer() {
	defer close(r.stopped)
	for {
		select {
		case <-r.done:
			r.drain()
			return
		case j := <-r.jobs:
			if err := j.ctx.Err(); err != nil {
				j.reply <- err
				continue
			}
			j.reply <- j.run(j.ctx)
		}
	}
}

func (r *Reconciler) drain() {
	for {
		select {
		case j := <-r.jobs:
			j.reply <- ErrClosed
		default:
			return
		}
	}
}

// submit queues fn on the writer goroutine and waits for it. A job whose
// context is cancelled before it starts is skipped; a running job observes
// its context through the store calls.
func (r *Reconciler) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	j := job{ctx: ctx, run: fn, reply: make(chan error, 1)}

	select {
	case <-r.done:
		return ErrClosed
	default:
	}

	select {
	case r.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrClosed
	}

	select {
	case err := <-j.reply:
		return err
	case <-r.stopped:
		// The writer replies before it stops, so a reply is either buffered
		// now or the job was never taken.
		select {
		case err := <-j.reply:
			return err
		default:
			return ErrClosed
		}
	}
}

// UpsertRoom inserts room or merges it into the stored version and returns
// the canonical record.
func (r *Reconciler) UpsertRoom(ctx context.Context, room chat.Room) (chat.Room, error) {
	var out chat.Room
	err := r.submit(ctx, func(ctx context.Context) error {
		var err error
		out, err = r.upsertRoom(ctx, room)
		return err
	})
	return out, err
}

// UpsertRooms upserts a batch in order as one writer job. Every room is
// attempted; the returned slice holds the canonical records that were
// written and the error joins every failure.
func (r *Reconciler) UpsertRooms(ctx context.Context, rooms []chat.Room) ([]chat.Room, error) {
	out := make([]chat.Room, 0, len(rooms))
	err := r.submit(ctx, func(ctx context.Context) error {
		var errs []error
		for _, room := range rooms {
			got, err := r.upsertRoom(ctx, room)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			out = append(out, got)
		}
		return errors.Join(errs...)
	})
	return out, err
}

// UpsertMessage inserts msg or merges it into the stored version and
// returns the canonical record. A placeholder room is created first when
// msg references a room the store does not know.
func (r *Reconciler) UpsertMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	var out chat.Message
	err := r.submit(ctx, func(ctx context.Context) error {
		var err error
		out, err = r.upsertMessage(ctx, msg)
		return err
	})
	return out, err
}

// UpsertMessages upserts a batch in order as one writer job, like UpsertRooms.
func (r *Reconciler) UpsertMessages(ctx context.Context, msgs []chat.Message) ([]chat.Message, error) {
	out := make([]chat.Message, 0, len(msgs))
	err := r.submit(ctx, func(ctx context.Context) error {
		var errs []error
		for _, msg := range msgs {
			got, err := r.upsertMessage(ctx, msg)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			out = append(out, got)
		}
		return errors.Join(errs...)
	})
	return out, err
}

// upsertRoom runs on the writer goroutine.
func (r *Reconciler) upsertRoom(ctx context.Context, room chat.Room) (chat.Room, error) {
	existing, err := r.store.Room(ctx, room.ID)
	switch {
	case errors.Is(err, chat.ErrNotFound):
		return r.writeRoom(ctx, room)
	case err != nil:
		metrics.UpsertsTotal.WithLabelValues(store.EntityRoom.String(), "error").Inc()
		return chat.Room{}, &chat.PersistenceError{Entity: store.EntityRoom.String(), ID: room.ID, Err: err}
	}

	merged := MergeRoom(existing, room)
	if SameRoom(merged, existing) {
		metrics.UpsertsTotal.WithLabelValues(store.EntityRoom.String(), "noop").Inc()
		return existing, nil
	}
	return r.writeRoom(ctx, merged)
}

func (r *Reconciler) writeRoom(ctx context.Context, room chat.Room) (chat.Room, error) {
	out, op, err := r.store.UpsertRoom(ctx, room)
	if err != nil {
		metrics.UpsertsTotal.WithLabelValues(store.EntityRoom.String(), "error").Inc()
		r.log.WithError(err).WithField("room_id", room.ID).Error("Failed to upsert room")
		return chat.Room{}, &chat.PersistenceError{Entity: store.EntityRoom.String(), ID: room.ID, Err: err}
	}
	metrics.UpsertsTotal.WithLabelValues(store.EntityRoom.String(), op.String()).Inc()
	return out, nil
}

// upsertMessage runs on the writer goroutine.
func (r *Reconciler) upsertMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	existing, err := r.store.Message(ctx, msg.ID)
	found := true
	switch {
	case errors.Is(err, chat.ErrNotFound):
		found = false
	case err != nil:
		metrics.UpsertsTotal.WithLabelValues(store.EntityMessage.String(), "error").Inc()
		return chat.Message{}, &chat.PersistenceError{Entity: store.EntityMessage.String(), ID: msg.ID, Err: err}
	}

	if found {
		if existing.RoomID != msg.RoomID {
			r.log.WithFields(logrus.Fields{
				"message_id": msg.ID,
				"room_id":    existing.RoomID,
				"incoming":   msg.RoomID,
			}).Warn("Ignoring room change of an existing message")
		}
		merged := MergeMessage(existing, msg)
		if SameMessage(merged, existing) {
			metrics.UpsertsTotal.WithLabelValues(store.EntityMessage.String(), "noop").Inc()
			return existing, nil
		}
		msg = merged
	} else if err := r.ensureRoom(ctx, msg.RoomID); err != nil {
		return chat.Message{}, err
	}

	out, op, err := r.store.UpsertMessage(ctx, msg)
	if err != nil {
		metrics.UpsertsTotal.WithLabelValues(store.EntityMessage.String(), "error").Inc()
		r.log.WithError(err).WithFields(logrus.Fields{
			"message_id": msg.ID,
			"room_id":    msg.RoomID,
		}).Error("Failed to upsert message")
		return chat.Message{}, &chat.PersistenceError{Entity: store.EntityMessage.String(), ID: msg.ID, Err: err}
	}
	metrics.UpsertsTotal.WithLabelValues(store.EntityMessage.String(), op.String()).Inc()
	return out, nil
}

func (r *Reconciler) ensureRoom(ctx context.Context, roomID int64) error {
	_, err := r.store.Room(ctx, roomID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, chat.ErrNotFound) {
		return &chat.PersistenceError{Entity: store.EntityRoom.String(), ID: roomID, Err: err}
	}

	r.log.WithField("room_id", roomID).Debug("Creating placeholder room")
	if _, err := r.writeRoom(ctx, chat.Room{ID: roomID}); err != nil {
		return fmt.Errorf("failed to create placeholder room: %w", err)
	}
	metrics.PlaceholderRooms.Inc()
	return nil
}

// MergeRoom applies incoming over existing. A placeholder never overwrites
// a known room, and a missing creation time keeps the stored one.
func MergeRoom(existing, incoming chat.Room) chat.Room {
	if incoming.Placeholder() {
		return existing
	}
	merged := incoming
	merged.ID = existing.ID
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = existing.CreatedAt
	}
	return merged
}

// MergeMessage applies incoming over existing. The room of a message never
// changes; fields absent from incoming keep their stored value; everything
// else is last write wins.
func MergeMessage(existing, incoming chat.Message) chat.Message {
	merged := incoming
	merged.ID = existing.ID
	merged.RoomID = existing.RoomID
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = existing.CreatedAt
	}
	if merged.AuthorID == 0 {
		merged.AuthorID = existing.AuthorID
	}
	return merged
}

// SameRoom reports whether a and b carry the same values.
func SameRoom(a, b chat.Room) bool {
	return a.ID == b.ID && a.Title == b.Title && a.CreatedAt.Equal(b.CreatedAt)
}

// SameMessage reports whether a and b carry the same values.
func SameMessage(a, b chat.Message) bool {
	return a.ID == b.ID &&
		a.RoomID == b.RoomID &&
		a.Content == b.Content &&
		a.AuthorID == b.AuthorID &&
		a.CreatedAt.Equal(b.CreatedAt)
}
