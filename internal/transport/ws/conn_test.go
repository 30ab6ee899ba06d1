package ws_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omochice/donut-chat/internal/transport/ws"
	"github.com/omochice/donut-chat/pkg/protocol"
)

type handshake struct {
	token       string
	subprotocol string
}

// newEchoServer starts a websocket server that reports the handshake and
// echoes every text frame back with an "echo:" prefix.
func newEchoServer(t *testing.T, greeting string) (*httptest.Server, <-chan handshake) {
	t.Helper()
	seen := make(chan handshake, 1)
	upgrader := websocket.Upgrader{Subprotocols: []string{protocol.Subprotocol}}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("failed to upgrade: %v", err)
			return
		}
		defer c.Close()
		seen <- handshake{token: r.Header.Get("token"), subprotocol: c.Subprotocol()}

		if greeting != "" {
			if err := c.WriteMessage(websocket.TextMessage, []byte(greeting)); err != nil {
				return
			}
		}
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(websocket.TextMessage, append([]byte("echo:"), data...)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server, seen
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestDialers_HandshakeAndEcho(t *testing.T) {
	dialers := []struct {
		name   string
		dialer ws.Dialer
	}{
		{"gorilla", ws.GorillaDialer{}},
		{"gobwas", ws.GobwasDialer{}},
	}

	for _, tt := range dialers {
		t.Run(tt.name, func(t *testing.T) {
			server, seen := newEchoServer(t, `{"type":"welcome"}`)

			header := http.Header{}
			header.Set("token", "secret")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			conn, err := tt.dialer.Dial(ctx, wsURL(server), header)
			if err != nil {
				t.Fatalf("Dial() error = %v", err)
			}
			defer conn.Close()

			select {
			case hs := <-seen:
				if hs.token != "secret" {
					t.Errorf("token header = %q, want %q", hs.token, "secret")
				}
				if hs.subprotocol != protocol.Subprotocol {
					t.Errorf("subprotocol = %q, want %q", hs.subprotocol, protocol.Subprotocol)
				}
			case <-time.After(time.Second):
				t.Fatal("timeout waiting for handshake")
			}

			data, err := conn.Read(ctx)
			if err != nil {
				t.Fatalf("Read() error = %v", err)
			}
			if string(data) != `{"type":"welcome"}` {
				t.Errorf("Read() = %q, want welcome frame", data)
			}

			if err := conn.Write(ctx, []byte("hello")); err != nil {
				t.Fatalf("Write() error = %v", err)
			}
			data, err = conn.Read(ctx)
			if err != nil {
				t.Fatalf("Read() error = %v", err)
			}
			if string(data) != "echo:hello" {
				t.Errorf("Read() = %q, want %q", data, "echo:hello")
			}

			if conn.RemoteAddr() == "" {
				t.Error("RemoteAddr() returned empty string")
			}
		})
	}
}

func TestDialers_ReadAfterServerClose(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		c.Close()
	}))
	defer server.Close()

	for _, d := range []ws.Dialer{ws.GorillaDialer{}, ws.GobwasDialer{}} {
		conn, err := d.Dial(context.Background(), wsURL(server), nil)
		if err != nil {
			t.Fatalf("Dial() error = %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if _, err := conn.Read(ctx); err == nil {
			t.Errorf("%T: expected error reading from closed connection", d)
		}
		cancel()
		conn.Close()
	}
}

func TestGobwasConn_PongsDoNotInterleaveWithWrites(t *testing.T) {
	const (
		pings    = 200
		messages = 200
	)
	type result struct {
		got   []string
		pongs int
		err   error
	}
	results := make(chan result, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{Subprotocols: []string{protocol.Subprotocol}}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			results <- result{err: err}
			return
		}
		defer c.Close()

		var res result
		c.SetPongHandler(func(string) error {
			res.pongs++
			return nil
		})
		go func() {
			for i := 0; i < pings; i++ {
				if err := c.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(time.Second)); err != nil {
					return
				}
			}
		}()

		_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
		for len(res.got) < messages || res.pongs < pings {
			_, data, err := c.ReadMessage()
			if err != nil {
				res.err = err
				break
			}
			res.got = append(res.got, string(data))
		}
		results <- res
	}))
	defer server.Close()

	conn, err := (ws.GobwasDialer{}).Dial(context.Background(), wsURL(server), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	go func() {
		for {
			if _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	}()
	for i := 0; i < messages; i++ {
		if err := conn.Write(context.Background(), []byte(fmt.Sprintf("msg-%d", i))); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	select {
	case res := <-results:
		if res.err != nil {
			t.Fatalf("server read error = %v (messages=%d pongs=%d)", res.err, len(res.got), res.pongs)
		}
		for i, got := range res.got {
			if want := fmt.Sprintf("msg-%d", i); got != want {
				t.Fatalf("message %d = %q, want %q", i, got, want)
			}
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for server")
	}
}

func TestDial_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := (ws.GorillaDialer{}).Dial(ctx, "ws://127.0.0.1:1", nil); err == nil {
		t.Error("expected error dialing unreachable address")
	}
}

func TestNewDialer(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"", false},
		{"gorilla", false},
		{"gobwas", false},
		{"carrier-pigeon", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ws.NewDialer(tt.name)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewDialer(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
		})
	}
}
