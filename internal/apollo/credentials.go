package apollo

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nerrad567/apollo-bridge/internal/hub"
)

// expirySkew treats a token as expired slightly early so a connect does not
// race its expiry.
const expirySkew = 30 * time.Second

// MemoryCredentials caches the hub credential in memory.
// It implements hub.CredentialStore.
//
// Thread Safety: All methods are safe for concurrent use.
type MemoryCredentials struct {
	mu   sync.RWMutex
	cred hub.Credential
	set  bool

	// now is replaceable in tests.
	now func() time.Time
}

// NewMemoryCredentials creates an empty store.
func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{now: time.Now}
}

// Load returns the cached credential unless none is cached or its access
// token is a JWT whose exp has passed. Opaque tokens never expire here; the
// hub rejects them with a 401 instead.
func (m *MemoryCredentials) Load() (hub.Credential, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.set || m.cred.AccessToken == "" {
		return hub.Credential{}, false
	}
	if exp, ok := tokenExpiry(m.cred.AccessToken); ok && !m.now().Add(expirySkew).Before(exp) {
		return hub.Credential{}, false
	}
	return m.cred, true
}

// Save replaces the cached credential.
func (m *MemoryCredentials) Save(c hub.Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = c
	m.set = true
}

// Clear forgets the cached credential.
func (m *MemoryCredentials) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = hub.Credential{}
	m.set = false
}

// tokenExpiry reads the exp claim without verifying the signature; the
// bridge only needs to know whether the hub will still accept the token.
func tokenExpiry(token string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
