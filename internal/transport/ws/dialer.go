package ws

import (
	"context"
	"fmt"
	"net/http"

	"github.com/omochice/donut-chat/internal/chat"
)

// Dialer opens cable connections.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (chat.Conn, error)
}

// NewDialer returns the dialer registered under name ("gorilla" or "gobwas").
func NewDialer(name string) (Dialer, error) {
	switch name {
	case "", "gorilla":
		return GorillaDialer{}, nil
	case "gobwas":
		return GobwasDialer{}, nil
	default:
		return nil, fmt.Errorf("unknown cable transport %q", name)
	}
}

var (
	_ chat.Conn = (*Conn)(nil)
	_ chat.Conn = (*GobwasConn)(nil)
	_ Dialer    = GorillaDialer{}
	_ Dialer    = GobwasDialer{}
)
