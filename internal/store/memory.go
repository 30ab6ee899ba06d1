package store

import (
	"context"
	"sync"

	"github.com/omochice/donut-chat/internal/chat"
)

// Memory is an in-process Store. It is the default cache when no database
// path is configured and the store used by most tests.
type Memory struct {
	mu       sync.RWMutex
	rooms    map[int64]chat.Room
	messages map[int64]chat.Message
	byRoom   map[int64]map[int64]struct{}
	notifier *Notifier
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		rooms:    make(map[int64]chat.Room),
		messages: make(map[int64]chat.Message),
		byRoom:   make(map[int64]map[int64]struct{}),
		notifier: NewNotifier(),
	}
}

// UpsertRoom implements Store.
func (m *Memory) UpsertRoom(ctx context.Context, room chat.Room) (chat.Room, Op, error) {
	if err := ctx.Err(); err != nil {
		return chat.Room{}, OpInsert, err
	}

	m.mu.Lock()
	op := OpInsert
	if _, ok := m.rooms[room.ID]; ok {
		op = OpUpdate
	}
	m.rooms[room.ID] = room
	// Publish under the lock: watchers observe commit order.
	m.notifier.Publish(Change{Entity: EntityRoom, Op: op, Room: room})
	m.mu.Unlock()

	return room, op, nil
}

// UpsertMessage implements Store.
func (m *Memory) UpsertMessage(ctx context.Context, msg chat.Message) (chat.Message, Op, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, OpInsert, err
	}

	m.mu.Lock()
	op := OpInsert
	if prev, ok := m.messages[msg.ID]; ok {
		op = OpUpdate
		if prev.RoomID != msg.RoomID {
			delete(m.byRoom[prev.RoomID], msg.ID)
		}
	}
	m.messages[msg.ID] = msg
	ids, ok := m.byRoom[msg.RoomID]
	if !ok {
		ids = make(map[int64]struct{})
		m.byRoom[msg.RoomID] = ids
	}
	ids[msg.ID] = struct{}{}
	m.notifier.Publish(Change{Entity: EntityMessage, Op: op, Message: msg})
	m.mu.Unlock()

	return msg, op, nil
}

// Room implements Store.
func (m *Memory) Room(ctx context.Context, id int64) (chat.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	if !ok {
		return chat.Room{}, chat.ErrNotFound
	}
	return r, nil
}

// Message implements Store.
func (m *Memory) Message(ctx context.Context, id int64) (chat.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return chat.Message{}, chat.ErrNotFound
	}
	return msg, nil
}

// Rooms implements Store.
func (m *Memory) Rooms(ctx context.Context) ([]chat.Room, error) {
	m.mu.RLock()
	rooms := make([]chat.Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()

	chat.SortRooms(rooms)
	return rooms, nil
}

// Messages implements Store.
func (m *Memory) Messages(ctx context.Context, roomID int64) ([]chat.Message, error) {
	m.mu.RLock()
	ids := m.byRoom[roomID]
	msgs := make([]chat.Message, 0, len(ids))
	for id := range ids {
		msgs = append(msgs, m.messages[id])
	}
	m.mu.RUnlock()

	chat.SortTimeline(msgs)
	return msgs, nil
}

// Watch implements Store.
func (m *Memory) Watch(filter Filter) *Subscription {
	return m.notifier.Watch(filter)
}

// Close implements Store.
func (m *Memory) Close() error {
	m.notifier.Close()
	return nil
}

var _ Store = (*Memory)(nil)
