package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// Token types carried in the "type" claim.
const (
	TokenTypeSession             = "session"
	TokenTypePendingRegistration = "pending_registration"
)

// SessionClaims are the claims of a scoped session token.
type SessionClaims struct {
	Type           string `json:"type"`
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
	jwt.RegisteredClaims
}

// PendingRegistrationClaims bridge an external identity assertion to a
// not-yet-created local account. Single use, enforced via the jti.
type PendingRegistrationClaims struct {
	Type  string `json:"type"`
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// AuthResponse is returned by login and registration. Token is empty and
// MFARequired true when a second factor must still be presented.
type AuthResponse struct {
	User        *UserResponse `json:"user"`
	Token       string        `json:"token,omitempty"`
	MFARequired bool          `json:"mfa_required,omitempty"`
}
