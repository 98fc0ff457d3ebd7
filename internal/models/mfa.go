package models

import (
	"time"
)

// MFA methods form a closed enumeration.
const (
	MFAMethodNone              = "none"
	MFAMethodTOTP              = "totp"
	MFAMethodWebAuthn          = "webauthn"
	MFAMethodBoth              = "both"
	MFAMethodSecurityQuestions = "security_questions"
)

// Security question set size constraints.
const (
	MinSecurityQuestions = 3
	MaxSecurityQuestions = 5
)

// MFAProfile holds all second-factor state for a single user. It is mutated
// only by the MFA service, one atomic update per mutation.
type MFAProfile struct {
	UserID              string
	Enabled             bool
	Method              string
	TOTPSecret          string // base32 shared secret, empty unless TOTP enrolled
	EnrolledAt          *time.Time
	BackupCodes         []BackupCodeEntry
	WebAuthnCredentials []WebAuthnCredential
	SecurityQuestions   []SecurityQuestionEntry
	UpdatedAt           time.Time
}

// BackupCodeEntry is a single-use fallback credential. Entries are removed
// on consumption; the collection length is the remaining-uses counter.
type BackupCodeEntry struct {
	CodeHash  string    `json:"code_hash"` // SHA-256 hex
	CreatedAt time.Time `json:"created_at"`
}

// WebAuthnCredential stores one registered authenticator, with enough
// material to verify assertion signatures and detect cloned credentials.
type WebAuthnCredential struct {
	CredentialID    []byte          `json:"credential_id"`
	PublicKey       []byte          `json:"public_key"`
	AttestationType string          `json:"attestation_type"`
	Transport       []string        `json:"transport,omitempty"`
	Flags           CredentialFlags `json:"flags"`
	SignCount       uint32          `json:"sign_count"`
	DeviceLabel     string          `json:"device_label"`
	CreatedAt       time.Time       `json:"created_at"`
	LastUsedAt      *time.Time      `json:"last_used_at,omitempty"`
}

// CredentialFlags mirrors the authenticator data flags observed at
// registration time.
type CredentialFlags struct {
	UserPresent    bool `json:"user_present"`
	UserVerified   bool `json:"user_verified"`
	BackupEligible bool `json:"backup_eligible"`
	BackupState    bool `json:"backup_state"`
}

// SecurityQuestionEntry stores one knowledge-based factor entry. Answers are
// trimmed and case-folded before hashing.
type SecurityQuestionEntry struct {
	QuestionID string `json:"question_id"`
	AnswerHash string `json:"answer_hash"` // bcrypt
}

// HasTOTP reports whether a confirmed TOTP secret is enrolled.
func (p *MFAProfile) HasTOTP() bool {
	return p.TOTPSecret != ""
}

// HasWebAuthn reports whether at least one authenticator is registered.
func (p *MFAProfile) HasWebAuthn() bool {
	return len(p.WebAuthnCredentials) > 0
}

// CredentialByID returns the registered credential with the given ID.
func (p *MFAProfile) CredentialByID(credentialID []byte) *WebAuthnCredential {
	for i := range p.WebAuthnCredentials {
		if string(p.WebAuthnCredentials[i].CredentialID) == string(credentialID) {
			return &p.WebAuthnCredentials[i]
		}
	}
	return nil
}
