// Package session drives one open chat room: it fetches history, keeps the
// room channel subscribed, routes pushes through the reconciler and streams
// the ordered timeline to its consumer.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/omochice/donut-chat/internal/chat"
	"github.com/omochice/donut-chat/internal/client/cable"
	"github.com/omochice/donut-chat/internal/metrics"
	"github.com/omochice/donut-chat/internal/store"
)

// ErrEmptyMessage is returned by SendMessage for blank text.
var ErrEmptyMessage = errors.New("message is empty")

// DefaultChannelClass is the server-side channel of chat rooms.
const DefaultChannelClass = "ChatRoomsChannel"

// SendAction is the channel action that posts a message.
const SendAction = "send_message"

// State is the state of the controller.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateLive
	StateClosed
)

// String returns the name of State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// History fetches the message history of a room.
type History interface {
	ListMessages(ctx context.Context, roomID int64) ([]chat.Message, error)
}

// Writer is the single writer of the local store.
type Writer interface {
	UpsertMessage(ctx context.Context, msg chat.Message) (chat.Message, error)
	UpsertMessages(ctx context.Context, msgs []chat.Message) ([]chat.Message, error)
}

// Reader reads committed state from the local store.
type Reader interface {
	Messages(ctx context.Context, roomID int64) ([]chat.Message, error)
	Watch(filter store.Filter) *store.Subscription
}

// Cable is the shared realtime connection.
type Cable interface {
	Connect() error
	Disconnect()
	ChannelCount() int
	CreateChannel(class string, params map[string]any, opts cable.ChannelOptions) (*cable.Channel, error)
}

// Timeline is an ordered snapshot of the messages of a room. Appended is
// set when the newest message changed since the previous snapshot, the cue
// for a view to scroll to the bottom.
type Timeline struct {
	RoomID   int64
	Messages []chat.Message
	Appended bool
}

// Options configures a Controller.
type Options struct {
	History History
	Writer  Writer
	Store   Reader
	Cable   Cable

	ChannelClass string // defaults to DefaultChannelClass
	Logger       logrus.FieldLogger
}

type roomSession struct {
	room    chat.Room
	channel *cable.Channel
	sub     *store.Subscription
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	newest  int64
	log     logrus.FieldLogger
}

// Controller manages at most one open room at a time.
type Controller struct {
	history History
	writer  Writer
	store   Reader
	cable   Cable
	class   string
	log     logrus.FieldLogger

	mu     sync.Mutex
	state  State
	active *roomSession

	// Serializes teardown and setup of rooms.
	openMu sync.Mutex

	emitMu   sync.Mutex
	timeline chan Timeline
	errs     chan error
}

// New creates an idle Controller.
func New(opts Options) *Controller {
	class := opts.ChannelClass
	if class == "" {
		class = DefaultChannelClass
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Controller{
		history:  opts.History,
		writer:   opts.Writer,
		store:    opts.Store,
		cable:    opts.Cable,
		class:    class,
		log:      log.WithField("component", "session"),
		timeline: make(chan Timeline, 1),
		errs:     make(chan error, 8),
	}
}

// Timeline returns the snapshot stream. Only the latest unread snapshot is
// kept: a slow reader skips intermediate ones.
func (c *Controller) Timeline() <-chan Timeline {
	return c.timeline
}

// Errors returns failures of background work (history fetch, rejected
// subscription, persistence). They are also logged; unread ones are dropped.
func (c *Controller) Errors() <-chan error {
	return c.errs
}

// State returns the controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Room returns the open room.
func (c *Controller) Room() (chat.Room, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return chat.Room{}, false
	}
	return c.active.room, true
}

// Open makes room the active room, closing the previous one first. It
// emits the cached timeline at once and returns without waiting for the
// network: history and subscription complete in the background. ctx bounds
// the lifetime of the room session.
func (c *Controller) Open(ctx context.Context, room chat.Room) error {
	c.openMu.Lock()
	defer c.openMu.Unlock()

	// The connection is shared across room switches.
	c.teardown(true)

	log := c.log.WithField("room_id", room.ID)
	if err := c.cable.Connect(); err != nil {
		c.setState(StateIdle)
		return fmt.Errorf("failed to connect cable: %w", err)
	}
	ch, err := c.cable.CreateChannel(c.class, map[string]any{"room_id": room.ID}, cable.ChannelOptions{
		AutoSubscribe: true,
		BufferActions: true,
	})
	if err != nil {
		if c.cable.ChannelCount() == 0 {
			c.cable.Disconnect()
		}
		c.setState(StateIdle)
		return fmt.Errorf("failed to create channel: %w", err)
	}

	rctx, cancel := context.WithCancel(ctx)
	rs := &roomSession{
		room:    room,
		channel: ch,
		// Watch before the first read so no commit falls in between.
		sub:    c.store.Watch(store.MessagesIn(room.ID)),
		cancel: cancel,
		log:    log,
	}

	c.mu.Lock()
	c.active = rs
	c.state = StateLoading
	if ch.State() == cable.ChannelSubscribed {
		c.state = StateLive
	}
	c.mu.Unlock()
	log.Info("Room opened")

	c.refresh(rctx, rs, false)

	rs.wg.Add(3)
	go c.fetchHistory(rctx, rs)
	go c.watch(rctx, rs)
	go c.pump(rctx, rs)
	return nil
}

// Close closes the open room. The shared connection is dropped when no
// other channel needs it.
func (c *Controller) Close() {
	c.openMu.Lock()
	defer c.openMu.Unlock()

	c.teardown(false)
	c.setState(StateClosed)
}

// SendMessage posts text to the open room. The message shows up in the
// timeline once the server echoes it back. While the subscription is still
// being confirmed the action is queued and sent on confirmation.
func (c *Controller) SendMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	state, rs := c.state, c.active
	c.mu.Unlock()
	if rs == nil || (state != StateLoading && state != StateLive) {
		return fmt.Errorf("%w: state %s", chat.ErrNotReady, state)
	}

	err := rs.channel.Action(SendAction, map[string]any{
		"content": text,
		"room_id": rs.room.ID,
	})
	if errors.Is(err, chat.ErrNotSubscribed) {
		return fmt.Errorf("%w: %w", chat.ErrNotReady, err)
	}
	return err
}

// teardown stops the active room and must be called with openMu held.
func (c *Controller) teardown(keepConnection bool) {
	c.mu.Lock()
	rs := c.active
	c.active = nil
	c.mu.Unlock()
	if rs == nil {
		return
	}

	rs.cancel()
	rs.channel.Unsubscribe()
	rs.sub.Close()
	rs.wg.Wait()
	// pump is gone, so the final unsubscribed event has no reader.
	rs.channel.Release()

	if !keepConnection && c.cable.ChannelCount() == 0 {
		c.cable.Disconnect()
	}
	rs.log.Info("Room closed")
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// isActive must be called with c.mu held.
func (c *Controller) isActive(rs *roomSession) bool {
	return c.active == rs
}

func (c *Controller) fetchHistory(ctx context.Context, rs *roomSession) {
	defer rs.wg.Done()

	msgs, err := c.history.ListMessages(ctx, rs.room.ID)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		rs.log.WithError(err).Warn("Failed to fetch history")
		c.report(fmt.Errorf("failed to fetch history of room %d: %w", rs.room.ID, err))
		return
	}

	if _, err := c.writer.UpsertMessages(ctx, msgs); err != nil && ctx.Err() == nil {
		rs.log.WithError(err).Warn("Failed to store history")
		c.report(err)
	}
	rs.log.WithField("count", len(msgs)).Debug("History fetched")
}

// watch re-emits the timeline after every committed change to the room.
func (c *Controller) watch(ctx context.Context, rs *roomSession) {
	defer rs.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-rs.sub.Changes():
			if !ok {
				return
			}
			c.coalesce(rs.sub)
			c.refresh(ctx, rs, true)
		}
	}
}

// coalesce swallows changes that are already queued: the next read of the
// store includes them.
func (c *Controller) coalesce(sub *store.Subscription) {
	for {
		select {
		case _, ok := <-sub.Changes():
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (c *Controller) refresh(ctx context.Context, rs *roomSession, live bool) {
	msgs, err := c.store.Messages(ctx, rs.room.ID)
	if err != nil {
		if ctx.Err() == nil {
			rs.log.WithError(err).Warn("Failed to read timeline")
		}
		return
	}

	var newest int64
	if n := len(msgs); n > 0 {
		newest = msgs[n-1].ID
	}
	appended := live && newest != 0 && newest != rs.newest
	rs.newest = newest

	c.emit(Timeline{RoomID: rs.room.ID, Messages: msgs, Appended: appended})
}

func (c *Controller) emit(t Timeline) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	for {
		select {
		case c.timeline <- t:
			return
		default:
		}
		// Replace the unread snapshot.
		select {
		case <-c.timeline:
		default:
		}
	}
}

func (c *Controller) report(err error) {
	select {
	case c.errs <- err:
	default:
	}
}

// pump routes channel events of the room.
func (c *Controller) pump(ctx context.Context, rs *roomSession) {
	defer rs.wg.Done()
	events := rs.channel.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			c.handle(ctx, rs, e)
		}
	}
}

func (c *Controller) handle(ctx context.Context, rs *roomSession, e cable.Event) {
	switch e.Type {
	case cable.EventSubscribed:
		c.mu.Lock()
		if c.isActive(rs) && c.state == StateLoading {
			c.state = StateLive
		}
		c.mu.Unlock()
		rs.log.Info("Room live")
	case cable.EventRejected:
		rs.log.Warn("Subscription rejected")
		c.report(fmt.Errorf("room %d: %w", rs.room.ID, chat.ErrRejected))
	case cable.EventUnsubscribed:
	case cable.EventReceived:
		if e.Err != nil {
			metrics.PushEventsTotal.WithLabelValues("malformed").Inc()
			rs.log.WithError(e.Err).Warn("Dropping malformed push")
			return
		}
		msg, err := DecodePush(e.Payload)
		if err != nil {
			metrics.PushEventsTotal.WithLabelValues("malformed").Inc()
			rs.log.WithError(err).Warn("Dropping malformed push")
			return
		}
		metrics.PushEventsTotal.WithLabelValues("ok").Inc()
		if _, err := c.writer.UpsertMessage(ctx, msg); err != nil && ctx.Err() == nil {
			rs.log.WithError(err).WithField("message_id", msg.ID).Warn("Failed to store pushed message")
			c.report(err)
		}
	}
}

// DecodePush extracts the message of a push payload {"message": {...}}.
func DecodePush(payload json.RawMessage) (chat.Message, error) {
	var p struct {
		Message *chat.Message `json:"message"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		if errors.Is(err, chat.ErrMalformedPayload) {
			return chat.Message{}, err
		}
		return chat.Message{}, fmt.Errorf("failed to decode push: %v: %w", err, chat.ErrMalformedPayload)
	}
	if p.Message == nil {
		return chat.Message{}, fmt.Errorf("push without message: %w", chat.ErrMalformedPayload)
	}
	return *p.Message, nil
}
