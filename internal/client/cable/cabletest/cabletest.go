// Package cabletest provides an in-memory cable transport for tests.
package cabletest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/omochice/donut-chat/internal/chat"
	"github.com/omochice/donut-chat/pkg/protocol"
)

// Conn is a chat.Conn driven by the test: frames pushed on ReadCh are
// returned by Read, and everything written lands on Written.
type Conn struct {
	ReadCh  chan []byte
	Written chan []byte
	Closed  chan struct{}
	once    sync.Once
}

// NewConn creates an open Conn.
func NewConn() *Conn {
	return &Conn{
		ReadCh:  make(chan []byte, 16),
		Written: make(chan []byte, 64),
		Closed:  make(chan struct{}),
	}
}

func (m *Conn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-m.ReadCh:
		return data, nil
	case <-m.Closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Conn) Write(ctx context.Context, data []byte) error {
	select {
	case <-m.Closed:
		return errors.New("write on closed connection")
	default:
	}
	m.Written <- data
	return nil
}

// Close closes the conn; pending and later Reads fail with io.EOF.
func (m *Conn) Close() error {
	m.once.Do(func() { close(m.Closed) })
	return nil
}

func (m *Conn) RemoteAddr() string { return "cabletest" }

// Send encodes f and queues it for the client to read.
func (m *Conn) Send(t testing.TB, f protocol.Frame) {
	t.Helper()
	data, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	m.ReadCh <- data
}

// Expect returns the next command written by the client.
func (m *Conn) Expect(t testing.TB) protocol.Command {
	t.Helper()
	select {
	case data := <-m.Written:
		var cmd protocol.Command
		if err := cmd.Decode(data); err != nil {
			t.Fatalf("failed to decode command %s: %v", data, err)
		}
		return cmd
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for command")
		return protocol.Command{}
	}
}

// ExpectNone fails if the client writes a command within 50ms.
func (m *Conn) ExpectNone(t testing.TB) {
	t.Helper()
	select {
	case data := <-m.Written:
		t.Fatalf("unexpected command %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

// Dialer hands out a new Conn on every Dial and publishes it on Conns.
type Dialer struct {
	Conns   chan *Conn
	Headers chan http.Header
}

// NewDialer creates a Dialer.
func NewDialer() *Dialer {
	return &Dialer{Conns: make(chan *Conn, 8), Headers: make(chan http.Header, 8)}
}

func (d *Dialer) Dial(ctx context.Context, url string, header http.Header) (chat.Conn, error) {
	c := NewConn()
	select {
	case d.Headers <- header:
	default:
	}
	select {
	case d.Conns <- c:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Next returns the connection of the next Dial.
func (d *Dialer) Next(t testing.TB) *Conn {
	t.Helper()
	select {
	case c := <-d.Conns:
		return c
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for dial")
		return nil
	}
}
