// Package ws provides websocket dialers for the cable client.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omochice/donut-chat/internal/chat"
	"github.com/omochice/donut-chat/pkg/protocol"
)

const writeWait = 10 * time.Second

// Conn adapts gorilla/websocket to chat.Conn.
type Conn struct {
	conn       *websocket.Conn
	remoteAddr string
	writeMu    sync.Mutex
}

// NewConn wraps a websocket.Conn with empty remote address.
func NewConn(conn *websocket.Conn) *Conn {
	return &Conn{conn: conn}
}

// NewConnWithAddr wraps a websocket.Conn with the specified remote address.
func NewConnWithAddr(conn *websocket.Conn, addr string) *Conn {
	return &Conn{conn: conn, remoteAddr: addr}
}

// Read implements chat.Conn.
// Reads the next text or binary message; control frames are handled by gorilla.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	_, data, err := c.conn.ReadMessage()
	return data, err
}

// Write implements chat.Conn.
// Writes a text message to the WebSocket connection.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close implements chat.Conn.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// GorillaDialer dials the cable endpoint with gorilla/websocket.
type GorillaDialer struct {
	HandshakeTimeout time.Duration
}

// Dial opens a connection negotiating the cable subprotocol.
func (d GorillaDialer) Dial(ctx context.Context, url string, header http.Header) (chat.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
		Subprotocols:     []string{protocol.Subprotocol},
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 45 * time.Second
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to %s (status %d): %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	return NewConnWithAddr(conn, conn.RemoteAddr().String()), nil
}
