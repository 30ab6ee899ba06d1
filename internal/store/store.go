// Package store defines the local record store for rooms and messages and
// its change notification.
package store

import (
	"context"

	"github.com/omochice/donut-chat/internal/chat"
)

// Entity identifies the record type of a change.
type Entity int

const (
	EntityRoom Entity = iota
	EntityMessage
)

// String returns the entity name used in logs and metrics
func (e Entity) String() string {
	switch e {
	case EntityRoom:
		return "room"
	case EntityMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Op tells whether an upsert inserted or overwrote a record.
type Op int

const (
	OpInsert Op = iota
	OpUpdate
)

// String returns the op name used in logs and metrics
func (o Op) String() string {
	if o == OpInsert {
		return "insert"
	}
	return "update"
}

// Change is a committed write, delivered to watchers after commit.
type Change struct {
	Entity  Entity
	Op      Op
	Room    chat.Room
	Message chat.Message
}

// Filter selects the changes a watcher is interested in.
type Filter func(Change) bool

// RoomChanges matches every room change.
func RoomChanges() Filter {
	return func(c Change) bool { return c.Entity == EntityRoom }
}

// MessagesIn matches message changes for one room.
func MessagesIn(roomID int64) Filter {
	return func(c Change) bool {
		return c.Entity == EntityMessage && c.Message.RoomID == roomID
	}
}

// Store is durable keyed storage of rooms and messages.
//
// Upserts write the record as given, keyed by ID, and return the stored
// record. Merging with a previous version is the caller's job: the
// reconciler is the only writer.
type Store interface {
	UpsertRoom(ctx context.Context, room chat.Room) (chat.Room, Op, error)
	UpsertMessage(ctx context.Context, msg chat.Message) (chat.Message, Op, error)

	// Room and Message return chat.ErrNotFound for unknown ids.
	Room(ctx context.Context, id int64) (chat.Room, error)
	Message(ctx context.Context, id int64) (chat.Message, error)

	// Rooms returns every room in room list order.
	Rooms(ctx context.Context) ([]chat.Room, error)
	// Messages returns the timeline of a room.
	Messages(ctx context.Context, roomID int64) ([]chat.Message, error)

	// Watch subscribes to committed changes matching filter.
	Watch(filter Filter) *Subscription

	Close() error
}
