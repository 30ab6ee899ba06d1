package chat

import (
	"sort"
	"strings"
)

// LessMessage orders messages by CreatedAt, then ID.
func LessMessage(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SortTimeline sorts messages in place into timeline order.
func SortTimeline(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return LessMessage(msgs[i], msgs[j])
	})
}

// LessRoom orders rooms by title ignoring case, then ID.
func LessRoom(a, b Room) bool {
	at, bt := strings.ToLower(a.Title), strings.ToLower(b.Title)
	if at != bt {
		return at < bt
	}
	return a.ID < b.ID
}

// SortRooms sorts rooms in place into room list order.
func SortRooms(rooms []Room) {
	sort.SliceStable(rooms, func(i, j int) bool {
		return LessRoom(rooms[i], rooms[j])
	})
}
