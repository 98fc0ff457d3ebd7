package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/harborhealth/gatekeep/internal/cache"
)

const csrfKeyPrefix = "csrf:"

// CSRFTokenManager issues and validates double-submit tokens. Each token is
// bound to the network identifier it was issued to and expires after the
// configured TTL. Tokens live in the shared ephemeral store so any instance
// can validate a token another instance minted.
type CSRFTokenManager struct {
	store    cache.Store
	tokenTTL time.Duration
}

// NewCSRFTokenManager creates a new CSRF token manager
func NewCSRFTokenManager(store cache.Store, tokenTTL time.Duration) *CSRFTokenManager {
	return &CSRFTokenManager{
		store:    store,
		tokenTTL: tokenTTL,
	}
}

// GenerateToken creates a new CSRF token bound to the caller's client IP
func (m *CSRFTokenManager) GenerateToken(ctx context.Context, clientIP string) (string, error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", err
	}

	token := hex.EncodeToString(randomBytes)
	if err := m.store.Set(ctx, csrfKeyPrefix+token, []byte(clientIP), m.tokenTTL); err != nil {
		return "", err
	}

	return token, nil
}

// ValidateToken checks that a CSRF token exists, has not expired, and was
// issued to the same network identifier. Fails closed when the store is
// unreachable.
func (m *CSRFTokenManager) ValidateToken(ctx context.Context, token, clientIP string) bool {
	boundIP, err := m.store.Get(ctx, csrfKeyPrefix+token)
	if err != nil {
		return false
	}
	return string(boundIP) == clientIP
}

// RevokeToken invalidates a CSRF token
func (m *CSRFTokenManager) RevokeToken(ctx context.Context, token string) error {
	return m.store.Delete(ctx, csrfKeyPrefix+token)
}
