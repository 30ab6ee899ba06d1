// Package rest fetches room and message snapshots from the chat service.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/omochice/donut-chat/internal/auth"
	"github.com/omochice/donut-chat/internal/chat"
	"github.com/omochice/donut-chat/internal/metrics"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodySize    = 8 << 20
)

// Fetcher issues authenticated GET requests against the REST API.
// It never retries; callers decide.
type Fetcher struct {
	baseURL string
	auth    *auth.Session
	client  *http.Client
	log     logrus.FieldLogger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(f *Fetcher) { f.log = log }
}

// New creates a Fetcher for the service at baseURL, e.g. http://host:3000.
func New(baseURL string, session *auth.Session, opts ...Option) *Fetcher {
	f := &Fetcher{
		baseURL: baseURL,
		auth:    session,
		client:  &http.Client{Timeout: defaultTimeout},
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.log = f.log.WithField("component", "rest")
	return f
}

// ListRooms returns every room visible to the user.
func (f *Fetcher) ListRooms(ctx context.Context) ([]chat.Room, error) {
	var rooms []chat.Room
	if err := f.get(ctx, "rooms", "/api/rooms", &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// ListMessages returns the message history of a room.
func (f *Fetcher) ListMessages(ctx context.Context, roomID int64) ([]chat.Message, error) {
	var msgs []chat.Message
	path := "/api/rooms/" + strconv.FormatInt(roomID, 10) + "/messages"
	if err := f.get(ctx, "messages", path, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// CurrentUser returns the user the token belongs to.
func (f *Fetcher) CurrentUser(ctx context.Context) (chat.User, error) {
	var u chat.User
	if err := f.get(ctx, "users_me", "/api/users/me", &u); err != nil {
		return chat.User{}, err
	}
	return u, nil
}

// ListUsers returns every user.
func (f *Fetcher) ListUsers(ctx context.Context) ([]chat.User, error) {
	var users []chat.User
	if err := f.get(ctx, "users", "/api/users", &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (f *Fetcher) get(ctx context.Context, endpoint, path string, out any) error {
	token, err := f.auth.Token()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Authorization", "Token "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	log := f.log.WithFields(logrus.Fields{
		"endpoint":   endpoint,
		"request_id": requestID,
	})

	start := time.Now()
	resp, err := f.client.Do(req)
	metrics.RESTRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RESTRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		log.WithError(err).Warn("Request failed")
		return &chat.NetworkError{Op: "GET " + path, Err: err}
	}
	defer resp.Body.Close()
	metrics.RESTRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	contentType := resp.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if resp.StatusCode < 200 || resp.StatusCode > 299 || mediaType != "application/json" {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		log.WithFields(logrus.Fields{
			"status":       resp.StatusCode,
			"content_type": contentType,
		}).Warn("Unexpected response")
		return &chat.ServerError{StatusCode: resp.StatusCode, ContentType: contentType}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return &chat.NetworkError{Op: "read " + path, Err: err}
	}
	if err := json.Unmarshal(body, out); err != nil {
		log.WithError(err).Warn("Undecodable response body")
		if errors.Is(err, chat.ErrMalformedPayload) {
			return err
		}
		return fmt.Errorf("failed to decode %s: %v: %w", endpoint, err, chat.ErrMalformedPayload)
	}
	log.WithField("status", resp.StatusCode).Debug("Request done")
	return nil
}
