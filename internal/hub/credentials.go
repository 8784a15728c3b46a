package hub

import "context"

// Credential is a hub login result.
type Credential struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Authenticator obtains a fresh Credential, typically by logging in.
type Authenticator interface {
	Authenticate(ctx context.Context) (Credential, error)
}

// CredentialStore holds the current Credential between connections.
type CredentialStore interface {
	// Load returns the stored credential, or false when there is none or it
	// has expired.
	Load() (Credential, bool)

	// Save replaces the stored credential.
	Save(c Credential)
}
