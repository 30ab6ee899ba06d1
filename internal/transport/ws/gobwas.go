package ws

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/omochice/donut-chat/internal/chat"
	"github.com/omochice/donut-chat/pkg/protocol"
)

// GobwasConn adapts a gobwas/ws client connection to chat.Conn.
type GobwasConn struct {
	conn    net.Conn
	rw      io.ReadWriter
	readMu  sync.Mutex
	writeMu sync.Mutex
}

// NewGobwasConn wraps an upgraded net.Conn. br is the reader returned by
// the handshake and may be nil.
func NewGobwasConn(conn net.Conn, br *bufio.Reader) *GobwasConn {
	var r io.Reader = conn
	if br != nil {
		r = br
	}
	return &GobwasConn{
		conn: conn,
		rw: struct {
			io.Reader
			io.Writer
		}{r, conn},
	}
}

// Read implements chat.Conn. Control frames are answered under writeMu so
// a pong never interleaves with a concurrent Write.
func (c *GobwasConn) Read(ctx context.Context) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}

	rd := wsutil.Reader{
		Source:         c.rw,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: c.handleControl,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, &rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(&rd)
	}
}

// handleControl answers ping and close frames. The reply is built in
// memory and written in one call with writeMu held.
func (c *GobwasConn) handleControl(hdr ws.Header, r io.Reader) error {
	var reply bytes.Buffer
	err := wsutil.ControlFrameHandler(&reply, ws.StateClientSide)(hdr, r)
	if reply.Len() > 0 {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_, werr := c.conn.Write(reply.Bytes())
		c.writeMu.Unlock()
		if err == nil {
			err = werr
		}
	}
	return err
}

// Write implements chat.Conn.
func (c *GobwasConn) Write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return wsutil.WriteClientText(c.conn, data)
}

// Close implements chat.Conn.
func (c *GobwasConn) Close() error {
	c.writeMu.Lock()
	_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// RemoteAddr implements chat.Conn.
func (c *GobwasConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// GobwasDialer dials the cable endpoint with gobwas/ws.
type GobwasDialer struct {
	Timeout time.Duration
}

// Dial opens a connection negotiating the cable subprotocol.
func (d GobwasDialer) Dial(ctx context.Context, url string, header http.Header) (chat.Conn, error) {
	dialer := ws.Dialer{
		Header:    ws.HandshakeHeaderHTTP(header),
		Protocols: []string{protocol.Subprotocol},
		Timeout:   d.Timeout,
	}
	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	return NewGobwasConn(conn, br), nil
}
