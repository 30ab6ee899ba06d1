// Package storetest runs the behavioural contract every store.Store must meet.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/donut-chat/internal/chat"
	"github.com/omochice/donut-chat/internal/store"
)

// Run exercises a store implementation. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("UpsertRoomInsertThenUpdate", func(t *testing.T) { testUpsertRoom(t, newStore(t)) })
	t.Run("UpsertMessageIdempotent", func(t *testing.T) { testUpsertMessageIdempotent(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("TimelineOrder", func(t *testing.T) { testTimelineOrder(t, newStore(t)) })
	t.Run("RoomOrder", func(t *testing.T) { testRoomOrder(t, newStore(t)) })
	t.Run("WatchFilters", func(t *testing.T) { testWatch(t, newStore(t)) })
}

var t0 = time.Date(2017, 6, 29, 12, 0, 0, 0, time.UTC)

func testUpsertRoom(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, op, err := s.UpsertRoom(ctx, chat.Room{ID: 5, Title: "Redes", CreatedAt: t0})
	require.NoError(t, err)
	assert.Equal(t, store.OpInsert, op)

	got, op, err := s.UpsertRoom(ctx, chat.Room{ID: 5, Title: "Redes II", CreatedAt: t0})
	require.NoError(t, err)
	assert.Equal(t, store.OpUpdate, op)
	assert.Equal(t, "Redes II", got.Title)

	stored, err := s.Room(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "Redes II", stored.Title)
	assert.True(t, stored.CreatedAt.Equal(t0))

	rooms, err := s.Rooms(ctx)
	require.NoError(t, err)
	assert.Len(t, rooms, 1)
}

func testUpsertMessageIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _, err := s.UpsertMessage(ctx, chat.Message{ID: 1, Content: "hi", RoomID: 5, CreatedAt: t0})
		require.NoError(t, err)
	}
	_, op, err := s.UpsertMessage(ctx, chat.Message{ID: 1, Content: "hi (edited)", RoomID: 5, CreatedAt: t0, AuthorID: 2})
	require.NoError(t, err)
	assert.Equal(t, store.OpUpdate, op)

	msgs, err := s.Messages(ctx, 5)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi (edited)", msgs[0].Content)
	assert.Equal(t, int64(2), msgs[0].AuthorID)
	assert.True(t, msgs[0].CreatedAt.Equal(t0))

	one, err := s.Message(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), one.RoomID)
}

func testNotFound(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.Room(ctx, 404)
	assert.True(t, errors.Is(err, chat.ErrNotFound), "Room error = %v", err)
	_, err = s.Message(ctx, 404)
	assert.True(t, errors.Is(err, chat.ErrNotFound), "Message error = %v", err)

	msgs, err := s.Messages(ctx, 404)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func testTimelineOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	in := []chat.Message{
		{ID: 4, RoomID: 1, CreatedAt: t0.Add(2 * time.Second)},
		{ID: 3, RoomID: 1, CreatedAt: t0},
		{ID: 2, RoomID: 1, CreatedAt: t0},
		{ID: 9, RoomID: 2, CreatedAt: t0},
		{ID: 1, RoomID: 1, CreatedAt: t0.Add(time.Second)},
	}
	for _, m := range in {
		_, _, err := s.UpsertMessage(ctx, m)
		require.NoError(t, err)
	}

	msgs, err := s.Messages(ctx, 1)
	require.NoError(t, err)
	var ids []int64
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []int64{2, 3, 1, 4}, ids)
}

func testRoomOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	for _, r := range []chat.Room{
		{ID: 1, Title: "redes"},
		{ID: 2, Title: "Banco de Dados"},
		{ID: 3, Title: "algoritmos"},
	} {
		_, _, err := s.UpsertRoom(ctx, r)
		require.NoError(t, err)
	}

	rooms, err := s.Rooms(ctx)
	require.NoError(t, err)
	var ids []int64
	for _, r := range rooms {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []int64{3, 2, 1}, ids)
}

func testWatch(t *testing.T, s store.Store) {
	ctx := context.Background()
	sub := s.Watch(store.MessagesIn(5))
	defer sub.Close()

	_, _, err := s.UpsertMessage(ctx, chat.Message{ID: 10, RoomID: 6, CreatedAt: t0})
	require.NoError(t, err)
	_, _, err = s.UpsertRoom(ctx, chat.Room{ID: 5, Title: "x"})
	require.NoError(t, err)
	_, _, err = s.UpsertMessage(ctx, chat.Message{ID: 11, RoomID: 5, Content: "a", CreatedAt: t0})
	require.NoError(t, err)
	_, _, err = s.UpsertMessage(ctx, chat.Message{ID: 11, RoomID: 5, Content: "b", CreatedAt: t0})
	require.NoError(t, err)

	want := []struct {
		op      store.Op
		content string
	}{
		{store.OpInsert, "a"},
		{store.OpUpdate, "b"},
	}
	for _, w := range want {
		select {
		case c := <-sub.Changes():
			assert.Equal(t, store.EntityMessage, c.Entity)
			assert.Equal(t, int64(11), c.Message.ID)
			assert.Equal(t, w.op, c.Op)
			assert.Equal(t, w.content, c.Message.Content)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for change")
		}
	}

	select {
	case c := <-sub.Changes():
		t.Fatalf("unexpected change %+v", c)
	case <-time.After(50 * time.Millisecond):
	}

	sub.Close()
	select {
	case _, ok := <-sub.Changes():
		assert.False(t, ok, "changes channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("changes channel not closed after Close")
	}
}
