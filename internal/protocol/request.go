package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Command names a dispatcher route.
type Command string

// Routed commands.
const (
	CommandGet         Command = "GET"
	CommandPost        Command = "POST"
	CommandCreateUser  Command = "CREATE_USER"
	CommandDeleteUser  Command = "DELETE_USER"
	CommandUpdateToken Command = "UPDATE_TOKEN"
)

// Normalize returns the canonical upper-case form of c. The wire uses both
// "create_user" and "CREATE_USER".
func (c Command) Normalize() Command {
	return Command(strings.ToUpper(strings.TrimSpace(string(c))))
}

// Known reports whether the dispatcher has a route for c.
func (c Command) Known() bool {
	switch c.Normalize() {
	case CommandGet, CommandPost, CommandCreateUser, CommandDeleteUser, CommandUpdateToken:
		return true
	}
	return false
}

// Request is the normalized inbound request.
type Request struct {
	Command   Command         `json:"command"`
	Data      json.RawMessage `json:"data,omitempty"`
	HasResult bool            `json:"hasResult"`

	// ResponseTopicNoAwait optionally names a broker topic where the
	// settlement of a fire-and-forget request is published for observers.
	ResponseTopicNoAwait string `json:"responseTopicNoAwait,omitempty"`
}

// DecodeRequest parses a wire body into a Request.
func DecodeRequest(body []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return Request{}, fmt.Errorf("decoding request: %w", err)
	}
	return req, nil
}

// DecodeData unmarshals the command-specific payload into v.
func (r Request) DecodeData(v any) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("%s: missing data", r.Command)
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("%s: decoding data: %w", r.Command, err)
	}
	return nil
}

// PathData is the payload of GET and POST.
type PathData struct {
	Data string `json:"data"`
}

// UserData is the payload of CREATE_USER.
type UserData struct {
	Username string `json:"username"`
	Password string `json:"password"`
	RoleType string `json:"roleType"`
}

// DeleteUserData is the payload of DELETE_USER.
type DeleteUserData struct {
	Username string `json:"username"`
}

// CredentialsData is the payload of UPDATE_TOKEN.
type CredentialsData struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
