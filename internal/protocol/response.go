package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Response is the normalized reply to a Request.
// Exactly one of Result and Error is meaningful, gated by Success.
type Response struct {
	Success bool       `json:"success"`
	Result  any        `json:"result"`
	Error   *ErrorBody `json:"error"`
}

// ErrorBody describes a failed Response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Success builds a successful Response.
func Success(result any) Response {
	return Response{Success: true, Result: result}
}

// Failure builds a failed Response.
func Failure(code, message string) Response {
	return Response{Success: false, Error: &ErrorBody{Code: code, Message: message}}
}

// FromError converts err into a failed Response carrying code. A
// *CollaboratorError contributes only its service message.
func FromError(err error, code string) Response {
	if err == nil {
		return Success(nil)
	}

	var ce *CollaboratorError
	if errors.As(err, &ce) {
		return Failure(code, ce.Message)
	}
	return Failure(code, err.Error())
}

// ErrorMessage returns the failure message, or "" for a successful Response.
func (r Response) ErrorMessage() string {
	if r.Success || r.Error == nil {
		return ""
	}
	return r.Error.Message
}

// Err converts a failed Response into an error. Invalid-command codes wrap
// ErrInvalidCommand; every other failure is a *CollaboratorError attributed
// to service.
func (r Response) Err(service string) error {
	if r.Success {
		return nil
	}
	msg := "unknown error"
	if r.Error != nil && r.Error.Message != "" {
		msg = r.Error.Message
	}
	if r.Error != nil && (r.Error.Code == CodeInvalidCommand || r.Error.Code == CodeInvalidCommandNoResult) {
		return fmt.Errorf("%w: %s: %s", ErrInvalidCommand, service, msg)
	}
	return &CollaboratorError{Service: service, Message: msg}
}

// DecodeResult converts the Result, whatever its dynamic type, into v.
func (r Response) DecodeResult(v any) error {
	var raw []byte
	switch res := r.Result.(type) {
	case json.RawMessage:
		raw = res
	case []byte:
		raw = res
	default:
		b, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}
		raw = b
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding result: %w", err)
	}
	return nil
}

// DecodeResponse parses a wire body into a Response. Bodies that are a JSON
// string holding an encoded Response (as some hub methods return) are
// unwrapped first.
func DecodeResponse(body []byte) (Response, error) {
	var wrapped string
	if err := json.Unmarshal(body, &wrapped); err == nil {
		body = []byte(wrapped)
	}

	var wire struct {
		Success bool            `json:"success"`
		Result  json.RawMessage `json:"result"`
		Error   *ErrorBody      `json:"error"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return Response{}, fmt.Errorf("decoding response: %w", err)
	}

	resp := Response{Success: wire.Success}
	if len(wire.Result) > 0 && string(wire.Result) != "null" {
		resp.Result = wire.Result
	}
	if !wire.Success {
		resp.Error = wire.Error
		if resp.Error == nil {
			resp.Error = &ErrorBody{Code: CodeCollaboratorFailure, Message: "unknown error"}
		}
	}
	return resp, nil
}
