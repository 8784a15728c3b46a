package hub

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// recordSeparator terminates every JSON hub protocol record.
const recordSeparator = 0x1e

// Record types of the JSON hub protocol.
const (
	typeInvocation       = 1
	typeStreamItem       = 2
	typeCompletion       = 3
	typeStreamInvocation = 4
	typeCancelInvocation = 5
	typePing             = 6
	typeClose            = 7
)

// handshakeRequest selects the JSON protocol.
var handshakeRequest = []byte(`{"protocol":"json","version":1}` + "\x1e")

// pingRecord is the keep-alive record.
var pingRecord = []byte(`{"type":6}` + "\x1e")

// record is the union of the record shapes this client reads and writes.
type record struct {
	Type           int               `json:"type"`
	InvocationID   string            `json:"invocationId,omitempty"`
	Target         string            `json:"target,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

// handshakeResponse is the server's answer to the handshake.
type handshakeResponse struct {
	Error string `json:"error,omitempty"`
}

// encodeRecord marshals v and appends the record separator.
func encodeRecord(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("hub: encoding record: %w", err)
	}
	return append(b, recordSeparator), nil
}

// splitRecords returns the non-empty records in a frame, separators removed.
func splitRecords(frame []byte) [][]byte {
	parts := bytes.Split(frame, []byte{recordSeparator})
	out := parts[:0]
	for _, p := range parts {
		if len(bytes.TrimSpace(p)) > 0 {
			out = append(out, p)
		}
	}
	return out
}

// invocation builds an outbound invocation record. An empty id makes it
// non-blocking; the server sends no completion.
func invocation(id, target string, args []any) (record, error) {
	rec := record{Type: typeInvocation, InvocationID: id, Target: target}
	rec.Arguments = make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return record{}, fmt.Errorf("hub: encoding argument for %s: %w", target, err)
		}
		rec.Arguments = append(rec.Arguments, b)
	}
	return rec, nil
}

// completion builds the completion answering a server invocation.
func completion(id string, result any, errMsg string) (record, error) {
	rec := record{Type: typeCompletion, InvocationID: id}
	if errMsg != "" {
		rec.Error = errMsg
		return rec, nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return record{}, fmt.Errorf("hub: encoding completion %s: %w", id, err)
	}
	rec.Result = b
	return rec, nil
}
