// Package protocol implements the cable wire format: JSON commands sent by
// clients and JSON frames pushed by the server over one websocket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Subprotocol is the websocket subprotocol both sides negotiate.
const Subprotocol = "actioncable-v1-json"

// ErrMalformed is returned when a command or frame cannot be decoded.
var ErrMalformed = errors.New("malformed cable payload")

// CommandType represents the type of client command
type CommandType int

const (
	CommandSubscribe CommandType = iota
	CommandUnsubscribe
	CommandMessage
)

// String returns the wire name of CommandType
func (ct CommandType) String() string {
	switch ct {
	case CommandSubscribe:
		return "subscribe"
	case CommandUnsubscribe:
		return "unsubscribe"
	case CommandMessage:
		return "message"
	default:
		return "unknown"
	}
}

func commandTypeFromString(s string) (CommandType, error) {
	switch s {
	case "subscribe":
		return CommandSubscribe, nil
	case "unsubscribe":
		return CommandUnsubscribe, nil
	case "message":
		return CommandMessage, nil
	default:
		return 0, fmt.Errorf("unknown command %q: %w", s, ErrMalformed)
	}
}

// Command is a client-to-server cable command addressed to one channel.
// Data holds the JSON-encoded action payload of a CommandMessage.
type Command struct {
	Type       CommandType
	Identifier string
	Data       string
}

type wireCommand struct {
	Command    string `json:"command"`
	Identifier string `json:"identifier"`
	Data       string `json:"data,omitempty"`
}

// Encode encodes the command into a JSON text frame
func (c *Command) Encode() ([]byte, error) {
	data, err := json.Marshal(c.toWire())
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}
	return data, nil
}

// Decode decodes a JSON text frame into the command
func (c *Command) Decode(data []byte) error {
	var w wireCommand
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("failed to decode command: %v: %w", err, ErrMalformed)
	}
	if w.Identifier == "" {
		return fmt.Errorf("failed to decode command: missing identifier: %w", ErrMalformed)
	}
	return c.fromWire(w)
}

func (c *Command) toWire() wireCommand {
	w := wireCommand{
		Command:    c.Type.String(),
		Identifier: c.Identifier,
	}
	if c.Type == CommandMessage {
		w.Data = c.Data
	}
	return w
}

func (c *Command) fromWire(w wireCommand) error {
	ct, err := commandTypeFromString(w.Command)
	if err != nil {
		return fmt.Errorf("failed to decode command: %w", err)
	}
	c.Type = ct
	c.Identifier = w.Identifier
	c.Data = w.Data
	return nil
}
