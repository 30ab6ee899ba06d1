// Package devserver is a local chat service speaking the same REST and
// cable protocol as the production backend. It exists for development and
// end-to-end tests of the sync engine.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/omochice/donut-chat/internal/chat"
	"github.com/omochice/donut-chat/internal/metrics"
	"github.com/omochice/donut-chat/internal/store"
)

const (
	defaultPingInterval = 3 * time.Second
	writeWait           = time.Second
)

// ChannelClass is the only channel class the server accepts.
const ChannelClass = "ChatRoomsChannel"

// Options configures a Server.
type Options struct {
	Addr  string
	Store store.Store
	// Tokens maps accepted bearer tokens to user ids.
	Tokens map[string]int64
	// Users are listed by /api/users. Users missing for a token are
	// made up from the user id.
	Users        []chat.User
	PingInterval time.Duration
	Logger       logrus.FieldLogger
	// Now stamps new messages; defaults to time.Now.
	Now func() time.Time
}

// Server serves the REST API under /api and the cable under /cable.
type Server struct {
	opts   Options
	log    logrus.FieldLogger
	hub    *Hub
	engine *gin.Engine
	users  map[int64]chat.User

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server

	idMu   sync.Mutex
	nextID int64 // zero until loaded from the store

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Server. Call Seed to fill an empty store.
func New(opts Options) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "devserver")

	users := make(map[int64]chat.User)
	for _, u := range opts.Users {
		users[u.ID] = u
	}
	for _, id := range opts.Tokens {
		if _, ok := users[id]; !ok {
			users[id] = chat.User{ID: id, Name: fmt.Sprintf("user%d", id)}
		}
	}

	s := &Server{
		opts:  opts,
		log:   log,
		hub:   NewHub(log),
		users: users,
		quit:  make(chan struct{}),
	}
	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler of the server, for use without Start.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Hub returns the subscription hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.server = &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	srv := s.server
	s.mu.Unlock()

	s.log.WithField("addr", listener.Addr().String()).Info("Dev server started")

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("failed to serve: %w", err)
	case <-s.quit:
		return nil
	}
}

// Stop disconnects all cable clients and stops the server.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)

		s.mu.Lock()
		srv := s.server
		s.mu.Unlock()
		if srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = srv.Shutdown(ctx)
			cancel()
		}

		s.hub.Disconnect("server_restart", true)
		s.wg.Wait()
	})
}

// Addr returns the listening address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ClientCount returns the number of connected cable clients.
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

// DefaultRooms are the rooms Seed creates.
var DefaultRooms = []chat.Room{
	{ID: 1, Title: "Redes de Computadores"},
	{ID: 2, Title: "Banco de Dados"},
	{ID: 3, Title: "Algoritmos e Estruturas de Dados"},
	{ID: 4, Title: "Engenharia de Software"},
}

// Seed creates rooms that do not exist yet.
func (s *Server) Seed(ctx context.Context, rooms []chat.Room) error {
	for _, r := range rooms {
		if _, err := s.opts.Store.Room(ctx, r.ID); err == nil {
			continue
		} else if !errors.Is(err, chat.ErrNotFound) {
			return err
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = s.opts.Now().UTC().Truncate(time.Second)
		}
		if _, _, err := s.opts.Store.UpsertRoom(ctx, r); err != nil {
			return fmt.Errorf("failed to seed room %d: %w", r.ID, err)
		}
	}
	return nil
}

// CreateMessage stores a new message from userID in roomID and pushes it to
// the room's subscribers.
func (s *Server) CreateMessage(ctx context.Context, roomID, userID int64, content string) (chat.Message, error) {
	s.idMu.Lock()
	defer s.idMu.Unlock()

	if s.nextID == 0 {
		last, err := s.lastMessageID(ctx)
		if err != nil {
			return chat.Message{}, err
		}
		s.nextID = last + 1
	}

	msg := chat.Message{
		ID:        s.nextID,
		Content:   content,
		RoomID:    roomID,
		CreatedAt: s.opts.Now().UTC(),
		AuthorID:  userID,
	}
	msg, _, err := s.opts.Store.UpsertMessage(ctx, msg)
	if err != nil {
		return chat.Message{}, fmt.Errorf("failed to store message: %w", err)
	}
	s.nextID++
	metrics.DevServerMessagesTotal.Inc()

	payload, err := pushPayload(msg)
	if err != nil {
		return msg, err
	}
	s.hub.Broadcast(roomID, payload)
	return msg, nil
}

func (s *Server) lastMessageID(ctx context.Context) (int64, error) {
	rooms, err := s.opts.Store.Rooms(ctx)
	if err != nil {
		return 0, err
	}
	var last int64
	for _, r := range rooms {
		msgs, err := s.opts.Store.Messages(ctx, r.ID)
		if err != nil {
			return 0, err
		}
		for _, m := range msgs {
			last = max(last, m.ID)
		}
	}
	return last, nil
}

func (s *Server) userList() []chat.User {
	users := make([]chat.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}
