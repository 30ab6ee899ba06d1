// Package client wires the sync engine together: local store, reconciler,
// REST fetcher, cable client and room session, all sharing one auth
// session.
package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/omochice/donut-chat/internal/auth"
	"github.com/omochice/donut-chat/internal/chat"
	"github.com/omochice/donut-chat/internal/client/cable"
	"github.com/omochice/donut-chat/internal/client/rest"
	"github.com/omochice/donut-chat/internal/config"
	"github.com/omochice/donut-chat/internal/reconcile"
	"github.com/omochice/donut-chat/internal/session"
	"github.com/omochice/donut-chat/internal/store"
	"github.com/omochice/donut-chat/internal/store/sqlstore"
	"github.com/omochice/donut-chat/internal/transport/ws"
)

// Client is a signed-in chat client.
type Client struct {
	log        logrus.FieldLogger
	auth       *auth.Session
	store      store.Store
	reconciler *reconcile.Reconciler
	rest       *rest.Fetcher
	cable      *cable.Client
	session    *session.Controller
}

// New builds a Client from cfg. Nothing touches the network until Start or
// OpenRoom.
func New(cfg *config.Config, log logrus.FieldLogger) (*Client, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	dialer, err := ws.NewDialer(cfg.Cable.Transport)
	if err != nil {
		return nil, err
	}
	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	authState := auth.NewSession(auth.State{Token: cfg.Auth.Token, UserID: cfg.Auth.UserID})
	reconciler := reconcile.New(st, log)
	fetcher := rest.New(cfg.Server.BaseURL, authState, rest.WithLogger(log))
	cableClient := cable.New(cable.Options{
		URL:              cfg.Cable.URL,
		Dialer:           dialer,
		Auth:             authState,
		ReconnectInitial: cfg.Cable.ReconnectInitial,
		ReconnectMax:     cfg.Cable.ReconnectMax,
		StaleAfter:       cfg.Cable.StaleAfter,
		Logger:           log,
	})

	return &Client{
		log:        log.WithField("component", "client"),
		auth:       authState,
		store:      st,
		reconciler: reconciler,
		rest:       fetcher,
		cable:      cableClient,
		session: session.New(session.Options{
			History:      fetcher,
			Writer:       reconciler,
			Store:        st,
			Cable:        cableClient,
			ChannelClass: cfg.Cable.ChannelClass,
			Logger:       log,
		}),
	}, nil
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return store.NewMemory(), nil
	case "sqlite":
		return sqlstore.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Auth returns the auth session shared by all components.
func (c *Client) Auth() *auth.Session { return c.auth }

// Store returns the local store, for reading.
func (c *Client) Store() store.Store { return c.store }

// Cable returns the realtime connection.
func (c *Client) Cable() *cable.Client { return c.cable }

// Session returns the room session controller.
func (c *Client) Session() *session.Controller { return c.session }

// Start resolves the signed-in user when its id is not configured.
func (c *Client) Start(ctx context.Context) error {
	if !c.auth.State().Authenticated() {
		return chat.ErrUnauthenticated
	}
	if c.auth.State().UserID != 0 {
		return nil
	}
	me, err := c.rest.CurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch current user: %w", err)
	}
	c.auth.SetUserID(me.ID)
	c.log.WithFields(logrus.Fields{"user_id": me.ID, "name": me.Name}).Info("Signed in")
	return nil
}

// RefreshRooms fetches the room list and merges it into the store. It
// returns the stored rooms in display order.
func (c *Client) RefreshRooms(ctx context.Context) ([]chat.Room, error) {
	rooms, err := c.rest.ListRooms(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := c.reconciler.UpsertRooms(ctx, rooms); err != nil {
		return nil, err
	}
	return c.store.Rooms(ctx)
}

// Rooms returns the cached rooms in display order.
func (c *Client) Rooms(ctx context.Context) ([]chat.Room, error) {
	return c.store.Rooms(ctx)
}

// Users returns the participants known to the server.
func (c *Client) Users(ctx context.Context) ([]chat.User, error) {
	return c.rest.ListUsers(ctx)
}

// OpenRoom opens the room with id, cached or not.
func (c *Client) OpenRoom(ctx context.Context, id int64) error {
	room, err := c.store.Room(ctx, id)
	if errors.Is(err, chat.ErrNotFound) {
		room = chat.Room{ID: id}
	} else if err != nil {
		return err
	}
	return c.session.Open(ctx, room)
}

// SendMessage posts text to the open room.
func (c *Client) SendMessage(text string) error {
	return c.session.SendMessage(text)
}

// Close closes the room, the connection and the store.
func (c *Client) Close() error {
	c.session.Close()
	c.cable.Disconnect()
	c.reconciler.Close()
	return c.store.Close()
}
