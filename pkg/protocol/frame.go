package protocol

import (
	"encoding/json"
	"fmt"
)

// FrameType represents the type of server frame
type FrameType int

const (
	FrameMessage FrameType = iota
	FrameWelcome
	FramePing
	FrameConfirm
	FrameReject
	FrameDisconnect
	FrameUnknown
)

// String returns the wire name of FrameType
func (ft FrameType) String() string {
	switch ft {
	case FrameMessage:
		return "message"
	case FrameWelcome:
		return "welcome"
	case FramePing:
		return "ping"
	case FrameConfirm:
		return "confirm_subscription"
	case FrameReject:
		return "reject_subscription"
	case FrameDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

func frameTypeFromString(s string) FrameType {
	switch s {
	case "":
		return FrameMessage
	case "welcome":
		return FrameWelcome
	case "ping":
		return FramePing
	case "confirm_subscription":
		return FrameConfirm
	case "reject_subscription":
		return FrameReject
	case "disconnect":
		return FrameDisconnect
	default:
		return FrameUnknown
	}
}

// Frame is a server-to-client cable frame.
// Message is set only on FrameMessage; Ping only on FramePing;
// Reason and Reconnect only on FrameDisconnect.
type Frame struct {
	Type       FrameType
	Identifier string
	Message    json.RawMessage
	Ping       int64
	Reason     string
	Reconnect  bool
}

type wireFrame struct {
	Type       string          `json:"type,omitempty"`
	Identifier string          `json:"identifier,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Reconnect  *bool           `json:"reconnect,omitempty"`
}

// Encode encodes the frame into a JSON text frame
func (f *Frame) Encode() ([]byte, error) {
	w, err := f.toWire()
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return data, nil
}

// Decode decodes a JSON text frame. Unknown frame types decode to
// FrameUnknown without error so callers can skip them.
func (f *Frame) Decode(data []byte) error {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("failed to decode frame: %v: %w", err, ErrMalformed)
	}
	return f.fromWire(w)
}

func (f *Frame) toWire() (wireFrame, error) {
	w := wireFrame{Identifier: f.Identifier}
	switch f.Type {
	case FrameMessage:
		w.Message = f.Message
	case FramePing:
		w.Type = f.Type.String()
		raw, err := json.Marshal(f.Ping)
		if err != nil {
			return w, err
		}
		w.Message = raw
	case FrameDisconnect:
		w.Type = f.Type.String()
		w.Reason = f.Reason
		reconnect := f.Reconnect
		w.Reconnect = &reconnect
	default:
		w.Type = f.Type.String()
	}
	return w, nil
}

func (f *Frame) fromWire(w wireFrame) error {
	f.Type = frameTypeFromString(w.Type)
	f.Identifier = w.Identifier
	f.Message = nil
	f.Ping = 0
	f.Reason = ""
	f.Reconnect = false

	switch f.Type {
	case FrameMessage:
		if w.Identifier == "" {
			return fmt.Errorf("failed to decode frame: message without identifier: %w", ErrMalformed)
		}
		if len(w.Message) == 0 || string(w.Message) == "null" {
			return fmt.Errorf("failed to decode frame: empty message for %s: %w", w.Identifier, ErrMalformed)
		}
		f.Message = w.Message
	case FramePing:
		if len(w.Message) > 0 {
			if err := json.Unmarshal(w.Message, &f.Ping); err != nil {
				return fmt.Errorf("failed to decode ping: %v: %w", err, ErrMalformed)
			}
		}
	case FrameDisconnect:
		f.Reason = w.Reason
		if w.Reconnect != nil {
			f.Reconnect = *w.Reconnect
		}
	}
	return nil
}
