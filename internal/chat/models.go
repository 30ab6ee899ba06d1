package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

// Room is a chat room as known by the server. ID is the natural key.
type Room struct {
	ID        int64     `json:"id"`
	Title     string    `json:"curricular_component"`
	CreatedAt time.Time `json:"created_at"`
}

// UnmarshalJSON accepts either curricular_component or title as the label.
func (r *Room) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID                  *int64    `json:"id"`
		CurricularComponent *string   `json:"curricular_component"`
		Title               *string   `json:"title"`
		CreatedAt           time.Time `json:"created_at"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.ID == nil {
		return fmt.Errorf("room: missing id: %w", ErrMalformedPayload)
	}

	r.ID = *raw.ID
	r.CreatedAt = raw.CreatedAt
	switch {
	case raw.CurricularComponent != nil:
		r.Title = *raw.CurricularComponent
	case raw.Title != nil:
		r.Title = *raw.Title
	default:
		r.Title = ""
	}
	return nil
}

// Placeholder reports whether the room was created implicitly from a
// message and has not been seen in a room listing yet.
func (r Room) Placeholder() bool {
	return r.Title == "" && r.CreatedAt.IsZero()
}

// Message is a chat message. ID is the natural key; RoomID is immutable.
type Message struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	RoomID    int64     `json:"room_id"`
	CreatedAt time.Time `json:"created_at"`
	AuthorID  int64     `json:"user_id,omitempty"`
}

// UnmarshalJSON decodes a message, accepting author_id as an alias of
// user_id and a nested room object in place of room_id.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID        *int64    `json:"id"`
		Content   string    `json:"content"`
		RoomID    *int64    `json:"room_id"`
		CreatedAt time.Time `json:"created_at"`
		UserID    *int64    `json:"user_id"`
		AuthorID  *int64    `json:"author_id"`
		Room      *struct {
			ID int64 `json:"id"`
		} `json:"room"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.ID == nil {
		return fmt.Errorf("message: missing id: %w", ErrMalformedPayload)
	}

	m.ID = *raw.ID
	m.Content = raw.Content
	m.CreatedAt = raw.CreatedAt

	switch {
	case raw.RoomID != nil:
		m.RoomID = *raw.RoomID
	case raw.Room != nil:
		m.RoomID = raw.Room.ID
	default:
		return fmt.Errorf("message %d: missing room_id: %w", m.ID, ErrMalformedPayload)
	}

	m.AuthorID = 0
	if raw.UserID != nil {
		m.AuthorID = *raw.UserID
	} else if raw.AuthorID != nil {
		m.AuthorID = *raw.AuthorID
	}
	return nil
}

// User is a chat participant.
type User struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}
