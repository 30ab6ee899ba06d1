// Package cable is a client for the publish/subscribe cable protocol: one
// shared websocket connection multiplexing any number of channels.
package cable

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/omochice/donut-chat/internal/auth"
	"github.com/omochice/donut-chat/internal/chat"
	"github.com/omochice/donut-chat/internal/metrics"
	"github.com/omochice/donut-chat/internal/transport/ws"
	"github.com/omochice/donut-chat/pkg/protocol"
)

var (
	// ErrNotConnected is returned when a command is sent without a live connection.
	ErrNotConnected = errors.New("cable not connected")
	// ErrServerDisconnect reports a disconnect frame that forbids reconnecting.
	ErrServerDisconnect = errors.New("server closed the connection")
	// ErrStale reports a connection whose server went quiet for too long.
	ErrStale = errors.New("connection stale")
)

const (
	defaultReconnectInitial = time.Second
	defaultReconnectMax     = 30 * time.Second
	connEventBuffer         = 16
)

// Options configures a Client.
type Options struct {
	URL    string
	Dialer ws.Dialer // defaults to ws.GorillaDialer
	Auth   *auth.Session

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	// StaleAfter drops a connection that received nothing, pings
	// included, for this long. Zero disables the check.
	StaleAfter time.Duration

	Logger logrus.FieldLogger
}

type runLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Client owns the shared connection and its channels.
type Client struct {
	opts Options
	log  logrus.FieldLogger

	mu       sync.Mutex
	state    ConnState
	conn     chat.Conn
	loop     *runLoop
	channels map[string]*Channel

	events chan ConnEvent
}

// New creates a disconnected Client.
func New(opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = ws.GorillaDialer{}
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = defaultReconnectInitial
	}
	if opts.ReconnectMax < opts.ReconnectInitial {
		opts.ReconnectMax = max(opts.ReconnectInitial, defaultReconnectMax)
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		opts:     opts,
		log:      log.WithField("component", "cable"),
		channels: make(map[string]*Channel),
		events:   make(chan ConnEvent, connEventBuffer),
	}
}

// Events returns connection events. Events are dropped with a warning when
// nobody reads them.
func (c *Client) Events() <-chan ConnEvent {
	return c.events
}

// State returns the connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ChannelCount returns the number of channels that still want a subscription.
func (c *Client) ChannelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

// Connect starts connecting in the background and returns at once. The
// client keeps reconnecting until Disconnect. Calling Connect while
// connecting or connected does nothing.
func (c *Client) Connect() error {
	if _, err := c.opts.Auth.Token(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loop != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	loop := &runLoop{cancel: cancel, done: make(chan struct{})}
	c.loop = loop
	c.state = StateConnecting
	go c.run(ctx, loop)
	return nil
}

// Disconnect closes the connection and stops reconnecting. Channels keep
// their subscription intent and resubscribe on the next Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	loop := c.loop
	c.mu.Unlock()
	if loop == nil {
		return
	}

	loop.cancel()
	<-loop.done
}

func (c *Client) run(ctx context.Context, loop *runLoop) {
	defer close(loop.done)

	b := newBackoff(c.opts.ReconnectInitial, c.opts.ReconnectMax)
	for {
		welcomed, err := c.session(ctx)
		c.dropped()

		stop := ctx.Err() != nil || errors.Is(err, ErrServerDisconnect)
		if stop {
			c.mu.Lock()
			c.state = StateDisconnected
			if c.loop == loop {
				c.loop = nil
			}
			c.mu.Unlock()
			if ctx.Err() != nil {
				err = nil
			}
			c.emit(ConnEvent{Type: EventDisconnected, Err: err})
			return
		}

		c.setState(StateConnecting)
		c.emit(ConnEvent{Type: EventDisconnected, Err: err})
		if welcomed {
			b.Reset()
		}

		delay := b.Next()
		c.log.WithError(err).WithField("retry_in", delay).Warn("Cable connection lost")
		select {
		case <-ctx.Done():
			continue
		case <-time.After(delay):
		}
		metrics.CableReconnects.Inc()
	}
}

// session dials once and reads frames until the connection ends. It
// reports whether the server welcomed the connection.
func (c *Client) session(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	token, err := c.opts.Auth.Token()
	if err != nil {
		return false, err
	}

	header := http.Header{}
	header.Set("token", token)
	conn, err := c.opts.Dialer.Dial(ctx, c.opts.URL, header)
	if err != nil {
		return false, &chat.NetworkError{Op: "dial", Err: err}
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-sessionDone:
		}
	}()
	defer conn.Close()

	welcomed := false
	for {
		data, err := c.read(ctx, conn)
		if err != nil {
			if ctx.Err() != nil {
				return welcomed, ctx.Err()
			}
			return welcomed, err
		}

		var f protocol.Frame
		if err := f.Decode(data); err != nil {
			c.malformed(f.Identifier, err)
			continue
		}
		metrics.CableFramesTotal.WithLabelValues(f.Type.String()).Inc()

		switch f.Type {
		case protocol.FrameWelcome:
			welcomed = true
			c.connected()
		case protocol.FramePing:
			// Receiving it already refreshed the read deadline.
		case protocol.FrameConfirm:
			if ch := c.channel(f.Identifier); ch != nil {
				ch.confirmed()
			}
		case protocol.FrameReject:
			if ch := c.channel(f.Identifier); ch != nil {
				c.remove(ch)
				ch.rejected()
			}
		case protocol.FrameDisconnect:
			c.log.WithFields(logrus.Fields{
				"reason":    f.Reason,
				"reconnect": f.Reconnect,
			}).Info("Server requested disconnect")
			if !f.Reconnect {
				return welcomed, fmt.Errorf("%w: %s", ErrServerDisconnect, f.Reason)
			}
			return welcomed, fmt.Errorf("server disconnect: %s", f.Reason)
		case protocol.FrameMessage:
			ch := c.channel(f.Identifier)
			if ch == nil {
				c.log.WithField("identifier", f.Identifier).Debug("Dropping message for unknown channel")
				continue
			}
			ch.received(f.Message)
		default:
			c.log.WithField("frame", string(data)).Debug("Skipping unknown frame")
		}
	}
}

func (c *Client) read(ctx context.Context, conn chat.Conn) ([]byte, error) {
	if c.opts.StaleAfter <= 0 {
		return conn.Read(ctx)
	}
	readCtx, cancel := context.WithTimeout(ctx, c.opts.StaleAfter)
	defer cancel()
	data, err := conn.Read(readCtx)
	if err != nil && ctx.Err() == nil && readCtx.Err() != nil {
		return nil, fmt.Errorf("%w: nothing received for %s: %v", ErrStale, c.opts.StaleAfter, err)
	}
	return data, err
}

func (c *Client) malformed(identifier string, err error) {
	err = fmt.Errorf("%w: %v", chat.ErrMalformedPayload, err)
	c.log.WithError(err).Warn("Dropping malformed frame")
	metrics.CableFramesTotal.WithLabelValues("malformed").Inc()
	if identifier != "" {
		if ch := c.channel(identifier); ch != nil {
			ch.push(Event{Type: EventReceived, Err: err})
		}
	}
	c.emit(ConnEvent{Type: EventError, Err: err})
}

func (c *Client) connected() {
	c.setState(StateConnected)
	c.log.Info("Cable connected")
	c.emit(ConnEvent{Type: EventConnected})

	for _, ch := range c.snapshot() {
		ch.resubscribe()
	}
}

// dropped reverts subscribed channels to subscribing; they are subscribed
// again after the next welcome.
func (c *Client) dropped() {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()

	for _, ch := range c.snapshot() {
		ch.lost()
	}
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) emit(e ConnEvent) {
	select {
	case c.events <- e:
	default:
		c.log.WithField("event", e.Type).Warn("Dropping connection event, nobody is listening")
	}
}

func (c *Client) channel(identifier string) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[identifier]
}

func (c *Client) snapshot() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	chans := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		chans = append(chans, ch)
	}
	return chans
}

func (c *Client) add(ch *Channel) {
	c.mu.Lock()
	c.channels[ch.identifier] = ch
	c.mu.Unlock()
}

func (c *Client) remove(ch *Channel) {
	c.mu.Lock()
	if c.channels[ch.identifier] == ch {
		delete(c.channels, ch.identifier)
	}
	c.mu.Unlock()
}

// send writes cmd on the live connection.
func (c *Client) send(cmd protocol.Command) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if conn == nil || state != StateConnected {
		return ErrNotConnected
	}

	data, err := cmd.Encode()
	if err != nil {
		return err
	}
	if err := conn.Write(context.Background(), data); err != nil {
		return &chat.NetworkError{Op: cmd.Type.String(), Err: err}
	}
	return nil
}

// ChannelOptions configures CreateChannel.
type ChannelOptions struct {
	// AutoSubscribe subscribes as soon as the connection allows.
	AutoSubscribe bool
	// BufferActions queues actions issued while subscribing and sends
	// them in order once the subscription is confirmed.
	BufferActions bool
}

// CreateChannel returns the channel for class and params. The identifier
// is the JSON object {"channel": class, ...params} with sorted keys, so
// equal arguments name the same channel; a live channel with that
// identifier is returned as is.
func (c *Client) CreateChannel(class string, params map[string]any, opts ChannelOptions) (*Channel, error) {
	identifier, err := protocol.Identifier(class, params)
	if err != nil {
		return nil, err
	}

	if ch := c.channel(identifier); ch != nil {
		return ch, nil
	}

	ch := newChannel(c, identifier, opts)
	if opts.AutoSubscribe {
		if err := ch.Subscribe(); err != nil {
			return nil, err
		}
	}
	return ch, nil
}
