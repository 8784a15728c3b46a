package socket

import (
	"encoding/json"
	"fmt"

	"github.com/nerrad567/apollo-bridge/internal/protocol"
)

// Message types used by the authentication handshake.
const (
	TypeAuthRequired = "auth_required"
	TypeAuth         = "auth"
	TypeAuthOK       = "auth_ok"
	TypeAuthInvalid  = "auth_invalid"
	TypeResult       = "result"
)

// Message is an outbound JSON object. The "id" field is assigned by SendMessage.
type Message map[string]any

// Reply is an inbound frame that answered a pending call.
type Reply struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ReplyError     `json:"error,omitempty"`

	// Raw is the full frame as received.
	Raw json.RawMessage `json:"-"`
}

// ReplyError is the error object of a failed result frame.
type ReplyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Err converts a failed result into a *protocol.CollaboratorError attributed
// to service. Non-result frames and successful results return nil.
func (r Reply) Err(service string) error {
	if r.Type != TypeResult || r.Success {
		return nil
	}
	msg := "request failed"
	if r.Error != nil && r.Error.Message != "" {
		msg = r.Error.Message
	}
	return &protocol.CollaboratorError{Service: service, Message: msg}
}

// Decode unmarshals the result payload into v.
func (r Reply) Decode(v any) error {
	if len(r.Result) == 0 {
		return fmt.Errorf("socket: reply %d has no result", r.ID)
	}
	if err := json.Unmarshal(r.Result, v); err != nil {
		return fmt.Errorf("socket: decoding reply %d: %w", r.ID, err)
	}
	return nil
}

// frame is the routing header of any inbound message.
type frame struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// withID returns a copy of msg carrying id, leaving the caller's map untouched.
func withID(msg Message, id int64) Message {
	out := make(Message, len(msg)+1)
	for k, v := range msg {
		out[k] = v
	}
	out["id"] = id
	return out
}
