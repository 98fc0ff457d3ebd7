package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/harborhealth/gatekeep/internal/models"
)

// TokenManager mints and validates signed session and pending-registration
// tokens. Tokens are stateless: there is no server-side revocation list, so
// a re-issued token (e.g. after an organization switch) does not invalidate
// its predecessor before natural expiry.
type TokenManager struct {
	secret        []byte
	sessionExpiry time.Duration
	pendingExpiry time.Duration
}

// NewTokenManager creates a new TokenManager. The secret must come from
// process configuration; config.Load refuses to start without one.
func NewTokenManager(secret string, sessionExpiry, pendingExpiry time.Duration) *TokenManager {
	return &TokenManager{
		secret:        []byte(secret),
		sessionExpiry: sessionExpiry,
		pendingExpiry: pendingExpiry,
	}
}

// PendingExpiry returns the pending-registration token lifetime, which also
// bounds the single-use jti record.
func (tm *TokenManager) PendingExpiry() time.Duration {
	return tm.pendingExpiry
}

// IssueSession mints a session token carrying subject and organization claims.
func (tm *TokenManager) IssueSession(userID, organizationID string) (string, error) {
	now := time.Now()
	claims := &models.SessionClaims{
		Type:           models.TokenTypeSession,
		UserID:         userID,
		OrganizationID: organizationID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.sessionExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// VerifySession validates a session token and returns its claims. Failures
// map to the token sentinels and never escape as panics or raw jwt errors.
func (tm *TokenManager) VerifySession(tokenString string) (*models.SessionClaims, error) {
	claims := &models.SessionClaims{}
	if err := tm.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.Type != models.TokenTypeSession {
		return nil, models.ErrTokenInvalid
	}
	if claims.UserID == "" || claims.OrganizationID == "" {
		return nil, models.ErrTokenMalformed
	}
	return claims, nil
}

// IssuePendingRegistration mints a short-lived token bridging an external
// identity assertion to a not-yet-created local account. The returned jti
// lets the caller enforce single use.
func (tm *TokenManager) IssuePendingRegistration(email string) (token string, jti string, err error) {
	now := time.Now()
	jti = uuid.New().String()
	claims := &models.PendingRegistrationClaims{
		Type:  models.TokenTypePendingRegistration,
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.pendingExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign pending-registration token: %w", err)
	}
	return signed, jti, nil
}

// VerifyPendingRegistration validates a pending-registration token and
// returns its claims. Single-use consumption of the jti is the caller's job.
func (tm *TokenManager) VerifyPendingRegistration(tokenString string) (*models.PendingRegistrationClaims, error) {
	claims := &models.PendingRegistrationClaims{}
	if err := tm.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.Type != models.TokenTypePendingRegistration {
		return nil, models.ErrTokenInvalid
	}
	if claims.Email == "" || claims.ID == "" {
		return nil, models.ErrTokenMalformed
	}
	return claims, nil
}

func (tm *TokenManager) parse(tokenString string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tm.secret, nil
	})

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return models.ErrTokenMalformed
		case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
			return models.ErrTokenExpired
		default:
			return models.ErrTokenInvalid
		}
	}

	if !token.Valid {
		return models.ErrTokenInvalid
	}
	return nil
}
