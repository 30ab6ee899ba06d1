package chat_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/omochice/donut-chat/internal/chat"
)

func TestSortTimeline(t *testing.T) {
	t1 := time.Date(2017, 6, 29, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	tests := []struct {
		name string
		in   []chat.Message
		want []int64
	}{
		{
			name: "distinct timestamps ascend",
			in: []chat.Message{
				{ID: 1, CreatedAt: t2},
				{ID: 2, CreatedAt: t1},
			},
			want: []int64{2, 1},
		},
		{
			name: "equal timestamps break ties by id",
			in: []chat.Message{
				{ID: 9, CreatedAt: t1},
				{ID: 3, CreatedAt: t1},
				{ID: 5, CreatedAt: t1},
			},
			want: []int64{3, 5, 9},
		},
		{
			name: "mixed",
			in: []chat.Message{
				{ID: 4, CreatedAt: t2},
				{ID: 7, CreatedAt: t1},
				{ID: 2, CreatedAt: t2},
			},
			want: []int64{7, 2, 4},
		},
		{
			name: "empty",
			in:   nil,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chat.SortTimeline(tt.in)
			if len(tt.in) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(tt.in), len(tt.want))
			}
			for i, m := range tt.in {
				if m.ID != tt.want[i] {
					t.Errorf("position %d: id = %d, want %d", i, m.ID, tt.want[i])
				}
			}
		})
	}
}

func TestSortTimeline_ShuffledInputIsDeterministic(t *testing.T) {
	base := time.Date(2017, 6, 29, 12, 0, 0, 0, time.UTC)
	var msgs []chat.Message
	for i := int64(1); i <= 50; i++ {
		msgs = append(msgs, chat.Message{ID: i, CreatedAt: base.Add(time.Duration(i%5) * time.Second)})
	}

	r := rand.New(rand.NewSource(1))
	r.Shuffle(len(msgs), func(i, j int) { msgs[i], msgs[j] = msgs[j], msgs[i] })
	chat.SortTimeline(msgs)

	for i := 1; i < len(msgs); i++ {
		if chat.LessMessage(msgs[i], msgs[i-1]) {
			t.Fatalf("messages out of order at %d: %+v before %+v", i, msgs[i-1], msgs[i])
		}
	}
}

func TestSortRooms_CaseInsensitive(t *testing.T) {
	rooms := []chat.Room{
		{ID: 1, Title: "banco de dados"},
		{ID: 2, Title: "Algoritmos"},
		{ID: 3, Title: "algoritmos"},
		{ID: 4, Title: "Redes"},
	}

	chat.SortRooms(rooms)

	want := []int64{2, 3, 1, 4}
	for i, r := range rooms {
		if r.ID != want[i] {
			t.Errorf("position %d: id = %d, want %d", i, r.ID, want[i])
		}
	}
}
