package apollo

import "errors"

var (
	// ErrLoginRejected is returned when the login answer carries no access token.
	ErrLoginRejected = errors.New("apollo: login returned no access token")

	// ErrHubUnavailable is returned when the hub connection is not ready for setup.
	ErrHubUnavailable = errors.New("apollo: hub connection could not be established")

	// ErrSetupRejected is returned when the hub answers setupApollo with a failure.
	ErrSetupRejected = errors.New("apollo: setup rejected by hub")
)
