package homeassistant

import (
	"errors"

	"github.com/nerrad567/apollo-bridge/internal/protocol"
)

// Domain errors.
var (
	// ErrUserExists is returned when creating an account whose name is taken.
	ErrUserExists = errors.New("homeassistant: user already exists")

	// ErrUserNotFound is returned when deleting an unknown account.
	ErrUserNotFound = errors.New("homeassistant: user not found")

	// ErrNoEthernet is returned when no ethernet interface reports a MAC.
	ErrNoEthernet = errors.New("homeassistant: no ethernet interface")

	// ErrNoProviders is returned when the login flow lists no auth providers.
	ErrNoProviders = errors.New("homeassistant: no authentication providers")

	// ErrLoginFlow is returned when the login flow answers out of sequence.
	ErrLoginFlow = errors.New("homeassistant: unexpected login flow response")

	// ErrNotConnected is returned when a socket never became ready.
	ErrNotConnected = errors.New("homeassistant: connection could not be established")
)

// Service names used in collaborator errors.
const (
	serviceControlPlane = "control-plane"
	serviceAccounts     = "accounts"
	serviceLoginFlow    = "login-flow"
	serviceMinter       = "token-minter"
)

// collaboratorError attributes a domain error to service, keeping the
// controller-style message the wire expects.
func collaboratorError(service, message string, err error) error {
	return &protocol.CollaboratorError{Service: service, Message: message, Err: err}
}
