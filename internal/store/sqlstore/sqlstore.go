// Package sqlstore is a durable store.Store backed by SQLite through GORM.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/omochice/donut-chat/internal/chat"
	"github.com/omochice/donut-chat/internal/store"
)

type roomRecord struct {
	ID      int64     `gorm:"primaryKey;autoIncrement:false"`
	Title   string    `gorm:"not null"`
	Created time.Time `gorm:"column:created_at"`
}

func (roomRecord) TableName() string { return "rooms" }

type messageRecord struct {
	ID       int64     `gorm:"primaryKey;autoIncrement:false"`
	RoomID   int64     `gorm:"not null;index:idx_messages_room_created,priority:1"`
	Content  string    `gorm:"type:text;not null"`
	Created  time.Time `gorm:"column:created_at;index:idx_messages_room_created,priority:2"`
	AuthorID int64     `gorm:"not null"`
}

func (messageRecord) TableName() string { return "messages" }

// Store persists rooms and messages in one SQLite database.
type Store struct {
	db       *gorm.DB
	writeMu  sync.Mutex
	notifier *store.Notifier
}

// Open opens (creating if needed) the database at path and migrates it.
// Use ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql handle: %w", err)
	}
	// One connection keeps ":memory:" databases alive and serializes SQLite writes.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&roomRecord{}, &messageRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db, notifier: store.NewNotifier()}, nil
}

// UpsertRoom implements store.Store.
func (s *Store) UpsertRoom(ctx context.Context, room chat.Room) (chat.Room, store.Op, error) {
	rec := roomRecord{ID: room.ID, Title: room.Title, Created: room.CreatedAt.UTC()}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	op, err := s.upsert(ctx, &roomRecord{}, rec.ID, &rec)
	if err != nil {
		return chat.Room{}, op, fmt.Errorf("failed to upsert room %d: %w", room.ID, err)
	}
	out := rec.toRoom()
	s.notifier.Publish(store.Change{Entity: store.EntityRoom, Op: op, Room: out})
	return out, op, nil
}

// UpsertMessage implements store.Store.
func (s *Store) UpsertMessage(ctx context.Context, msg chat.Message) (chat.Message, store.Op, error) {
	rec := messageRecord{
		ID:       msg.ID,
		RoomID:   msg.RoomID,
		Content:  msg.Content,
		Created:  msg.CreatedAt.UTC(),
		AuthorID: msg.AuthorID,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	op, err := s.upsert(ctx, &messageRecord{}, rec.ID, &rec)
	if err != nil {
		return chat.Message{}, op, fmt.Errorf("failed to upsert message %d: %w", msg.ID, err)
	}
	out := rec.toMessage()
	s.notifier.Publish(store.Change{Entity: store.EntityMessage, Op: op, Message: out})
	return out, op, nil
}

func (s *Store) upsert(ctx context.Context, model any, id int64, rec any) (store.Op, error) {
	op := store.OpInsert
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(model).Where("id = ?", id).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			op = store.OpUpdate
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(rec).Error
	})
	return op, err
}

// Room implements store.Store.
func (s *Store) Room(ctx context.Context, id int64) (chat.Room, error) {
	var rec roomRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return chat.Room{}, chat.ErrNotFound
		}
		return chat.Room{}, fmt.Errorf("failed to find room %d: %w", id, err)
	}
	return rec.toRoom(), nil
}

// Message implements store.Store.
func (s *Store) Message(ctx context.Context, id int64) (chat.Message, error) {
	var rec messageRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return chat.Message{}, chat.ErrNotFound
		}
		return chat.Message{}, fmt.Errorf("failed to find message %d: %w", id, err)
	}
	return rec.toMessage(), nil
}

// Rooms implements store.Store.
func (s *Store) Rooms(ctx context.Context) ([]chat.Room, error) {
	var recs []roomRecord
	if err := s.db.WithContext(ctx).Order("id asc").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	rooms := make([]chat.Room, 0, len(recs))
	for _, r := range recs {
		rooms = append(rooms, r.toRoom())
	}
	chat.SortRooms(rooms)
	return rooms, nil
}

// Messages implements store.Store.
func (s *Store) Messages(ctx context.Context, roomID int64) ([]chat.Message, error) {
	var recs []messageRecord
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at asc, id asc").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list messages of room %d: %w", roomID, err)
	}
	msgs := make([]chat.Message, 0, len(recs))
	for _, r := range recs {
		msgs = append(msgs, r.toMessage())
	}
	chat.SortTimeline(msgs)
	return msgs, nil
}

// Watch implements store.Store.
func (s *Store) Watch(filter store.Filter) *store.Subscription {
	return s.notifier.Watch(filter)
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.notifier.Close()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r roomRecord) toRoom() chat.Room {
	return chat.Room{ID: r.ID, Title: r.Title, CreatedAt: r.Created.UTC()}
}

func (r messageRecord) toMessage() chat.Message {
	return chat.Message{
		ID:        r.ID,
		RoomID:    r.RoomID,
		Content:   r.Content,
		CreatedAt: r.Created.UTC(),
		AuthorID:  r.AuthorID,
	}
}

var _ store.Store = (*Store)(nil)
