package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated is returned when no bearer token is available.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrNotSubscribed is returned by actions on a channel that is not subscribed.
	ErrNotSubscribed = errors.New("channel not subscribed")
	// ErrNotReady is returned when a room session cannot send yet.
	ErrNotReady = errors.New("session not ready")
	// ErrRejected reports that the server refused a channel subscription.
	ErrRejected = errors.New("subscription rejected")
	// ErrMalformedPayload reports an undecodable REST body or push frame.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrNotFound is returned by store lookups for unknown keys.
	ErrNotFound = errors.New("record not found")
)

// NetworkError wraps a transport failure.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError reports a non-2xx status or a non-JSON response.
type ServerError struct {
	StatusCode  int
	ContentType string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: status %d (content type %q)", e.StatusCode, e.ContentType)
}

// PersistenceError reports a failed local store write.
type PersistenceError struct {
	Entity string
	ID     int64
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error: %s %d: %v", e.Entity, e.ID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
