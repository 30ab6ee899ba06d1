package protocol

import (
	"encoding/json"
	"fmt"
)

// Identifier builds the channel identifier for a channel class and its
// identifying parameters. Keys are emitted sorted, so equal inputs always
// produce the same identifier string.
func Identifier(channelClass string, params map[string]any) (string, error) {
	fields := make(map[string]any, len(params)+1)
	for k, v := range params {
		fields[k] = v
	}
	fields["channel"] = channelClass

	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to encode identifier: %w", err)
	}
	return string(data), nil
}

// ParseIdentifier returns the channel class and parameters of an identifier.
func ParseIdentifier(identifier string) (string, map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(identifier), &fields); err != nil {
		return "", nil, fmt.Errorf("failed to decode identifier: %v: %w", err, ErrMalformed)
	}

	var class string
	if raw, ok := fields["channel"]; ok {
		if err := json.Unmarshal(raw, &class); err != nil {
			return "", nil, fmt.Errorf("failed to decode channel class: %v: %w", err, ErrMalformed)
		}
	}
	if class == "" {
		return "", nil, fmt.Errorf("identifier without channel: %w", ErrMalformed)
	}
	delete(fields, "channel")
	return class, fields, nil
}

// ActionData encodes an action invocation into the Data of a CommandMessage.
func ActionData(action string, payload map[string]any) (string, error) {
	fields := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		fields[k] = v
	}
	fields["action"] = action

	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to encode action %s: %w", action, err)
	}
	return string(data), nil
}

// ParseActionData splits the Data of a CommandMessage into the action name
// and its remaining payload fields.
func ParseActionData(data string) (string, map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return "", nil, fmt.Errorf("failed to decode action data: %v: %w", err, ErrMalformed)
	}

	var action string
	if raw, ok := fields["action"]; ok {
		if err := json.Unmarshal(raw, &action); err != nil {
			return "", nil, fmt.Errorf("failed to decode action name: %v: %w", err, ErrMalformed)
		}
	}
	if action == "" {
		return "", nil, fmt.Errorf("action data without action: %w", ErrMalformed)
	}
	delete(fields, "action")
	return action, fields, nil
}
