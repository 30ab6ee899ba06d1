package protocol_test

import (
	"errors"
	"testing"

	"github.com/omochice/donut-chat/pkg/protocol"
)

func TestFrame_Decode(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		check   func(t *testing.T, f protocol.Frame)
		wantErr bool
	}{
		{
			name: "welcome",
			data: `{"type":"welcome"}`,
			check: func(t *testing.T, f protocol.Frame) {
				if f.Type != protocol.FrameWelcome {
					t.Errorf("Type = %v, want welcome", f.Type)
				}
			},
		},
		{
			name: "ping carries timestamp",
			data: `{"type":"ping","message":1498900000}`,
			check: func(t *testing.T, f protocol.Frame) {
				if f.Type != protocol.FramePing || f.Ping != 1498900000 {
					t.Errorf("got %+v, want ping 1498900000", f)
				}
			},
		},
		{
			name: "confirm subscription",
			data: `{"identifier":"{\"channel\":\"C\"}","type":"confirm_subscription"}`,
			check: func(t *testing.T, f protocol.Frame) {
				if f.Type != protocol.FrameConfirm || f.Identifier != `{"channel":"C"}` {
					t.Errorf("got %+v", f)
				}
			},
		},
		{
			name: "reject subscription",
			data: `{"identifier":"{\"channel\":\"C\"}","type":"reject_subscription"}`,
			check: func(t *testing.T, f protocol.Frame) {
				if f.Type != protocol.FrameReject {
					t.Errorf("Type = %v, want reject", f.Type)
				}
			},
		},
		{
			name: "disconnect without reconnect",
			data: `{"type":"disconnect","reason":"unauthorized","reconnect":false}`,
			check: func(t *testing.T, f protocol.Frame) {
				if f.Type != protocol.FrameDisconnect || f.Reason != "unauthorized" || f.Reconnect {
					t.Errorf("got %+v", f)
				}
			},
		},
		{
			name: "channel message",
			data: `{"identifier":"{\"channel\":\"C\"}","message":{"message":{"id":1}}}`,
			check: func(t *testing.T, f protocol.Frame) {
				if f.Type != protocol.FrameMessage {
					t.Errorf("Type = %v, want message", f.Type)
				}
				if string(f.Message) != `{"message":{"id":1}}` {
					t.Errorf("Message = %s", f.Message)
				}
			},
		},
		{
			name: "unknown type is skipped not rejected",
			data: `{"type":"confirm_everything"}`,
			check: func(t *testing.T, f protocol.Frame) {
				if f.Type != protocol.FrameUnknown {
					t.Errorf("Type = %v, want unknown", f.Type)
				}
			},
		},
		{
			name:    "message without identifier",
			data:    `{"message":{"id":1}}`,
			wantErr: true,
		},
		{
			name:    "message null",
			data:    `{"identifier":"x","message":null}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			data:    `not json`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f protocol.Frame
			err := f.Decode([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Frame.Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, protocol.ErrMalformed) {
					t.Errorf("Frame.Decode() error = %v, want ErrMalformed", err)
				}
				return
			}
			tt.check(t, f)
		})
	}
}

func TestFrame_EncodeDecodeRoundTrip(t *testing.T) {
	frames := []protocol.Frame{
		{Type: protocol.FrameWelcome},
		{Type: protocol.FramePing, Ping: 42},
		{Type: protocol.FrameConfirm, Identifier: `{"channel":"C"}`},
		{Type: protocol.FrameReject, Identifier: `{"channel":"C"}`},
		{Type: protocol.FrameDisconnect, Reason: "server_restart", Reconnect: true},
		{Type: protocol.FrameMessage, Identifier: `{"channel":"C"}`, Message: []byte(`{"message":{"id":7}}`)},
	}

	for _, original := range frames {
		t.Run(original.Type.String(), func(t *testing.T) {
			encoded, err := original.Encode()
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			var decoded protocol.Frame
			if err := decoded.Decode(encoded); err != nil {
				t.Fatalf("Decode failed: %v", err)
			}

			if decoded.Type != original.Type {
				t.Errorf("Type mismatch: got %v, want %v", decoded.Type, original.Type)
			}
			if decoded.Identifier != original.Identifier {
				t.Errorf("Identifier mismatch: got %q, want %q", decoded.Identifier, original.Identifier)
			}
			if decoded.Ping != original.Ping || decoded.Reason != original.Reason || decoded.Reconnect != original.Reconnect {
				t.Errorf("got %+v, want %+v", decoded, original)
			}
			if string(decoded.Message) != string(original.Message) {
				t.Errorf("Message mismatch: got %s, want %s", decoded.Message, original.Message)
			}
		})
	}
}
