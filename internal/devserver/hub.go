package devserver

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/omochice/donut-chat/internal/chat"
	"github.com/omochice/donut-chat/internal/metrics"
	"github.com/omochice/donut-chat/pkg/protocol"
)

// Client is one cable connection accepted by the server.
type Client struct {
	Conn     chat.Conn
	UserID   int64
	Outgoing chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn chat.Conn, userID int64) *Client {
	return &Client{
		Conn:     conn,
		UserID:   userID,
		Outgoing: make(chan []byte, 16),
		done:     make(chan struct{}),
	}
}

// send queues data for the writer, waiting while the client is alive.
func (c *Client) send(data []byte) bool {
	select {
	case c.Outgoing <- data:
		return true
	case <-c.done:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.Conn.Close()
	})
}

// Hub tracks connected clients and their room subscriptions.
type Hub struct {
	log logrus.FieldLogger

	mu      sync.RWMutex
	clients map[*Client]bool
	// room id -> subscriber -> identifier the subscriber used
	rooms map[int64]map[*Client]string
}

// NewHub creates an empty Hub.
func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{
		log:     log,
		clients: make(map[*Client]bool),
		rooms:   make(map[int64]map[*Client]string),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
	metrics.DevServerClients.Inc()
}

// Unregister removes a client and all of its subscriptions.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	metrics.DevServerClients.Dec()
	for roomID, subs := range h.rooms {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Subscribe adds c to the subscribers of roomID under identifier.
func (h *Hub) Subscribe(c *Client, roomID int64, identifier string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.rooms[roomID]
	if !ok {
		subs = make(map[*Client]string)
		h.rooms[roomID] = subs
	}
	subs[c] = identifier
}

// Unsubscribe removes the subscription of c with identifier, if any.
func (h *Hub) Unsubscribe(c *Client, identifier string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for roomID, subs := range h.rooms {
		if subs[c] == identifier {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.rooms, roomID)
			}
		}
	}
}

// Subscription returns the room c subscribed to under identifier.
func (h *Hub) Subscription(c *Client, identifier string) (int64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for roomID, subs := range h.rooms {
		if id, ok := subs[c]; ok && id == identifier {
			return roomID, true
		}
	}
	return 0, false
}

// SubscriberCount returns the number of subscribers of a room.
func (h *Hub) SubscriberCount(roomID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// Broadcast pushes payload to every subscriber of roomID. Subscribers
// whose queue is full miss the message.
func (h *Hub) Broadcast(roomID int64, payload json.RawMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c, identifier := range h.rooms[roomID] {
		f := protocol.Frame{Type: protocol.FrameMessage, Identifier: identifier, Message: payload}
		data, err := f.Encode()
		if err != nil {
			h.log.WithError(err).Error("Failed to encode broadcast")
			return
		}
		select {
		case c.Outgoing <- data:
		default:
			h.log.WithFields(logrus.Fields{
				"room_id": roomID,
				"user_id": c.UserID,
			}).Warn("Client channel full, skipping message")
		}
	}
}

// Disconnect tells every client to go away, then closes its connection.
func (h *Hub) Disconnect(reason string, reconnect bool) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	f := protocol.Frame{Type: protocol.FrameDisconnect, Reason: reason, Reconnect: reconnect}
	data, _ := f.Encode()
	for _, c := range clients {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		_ = c.Conn.Write(ctx, data)
		cancel()
		c.close()
	}
}
