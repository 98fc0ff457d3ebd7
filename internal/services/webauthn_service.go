package services

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/harborhealth/gatekeep/internal/auth"
	"github.com/harborhealth/gatekeep/internal/cache"
	"github.com/harborhealth/gatekeep/internal/config"
	"github.com/harborhealth/gatekeep/internal/models"
	pkglogger "github.com/harborhealth/gatekeep/pkg/logger"
)

const (
	webauthnRegistrationKeyPrefix = "webauthn:reg:"
	webauthnLoginKeyPrefix        = "webauthn:auth:"
)

// registrationSession is the server-side ceremony state persisted between
// begin and finish. Stored in the shared TTL store so any instance can
// complete a ceremony another instance started.
type registrationSession struct {
	Session     webauthn.SessionData `json:"session"`
	DeviceLabel string               `json:"device_label"`
}

// WebAuthnService runs registration and login ceremonies for
// platform-authenticator credentials.
type WebAuthnService struct {
	web          *webauthn.WebAuthn
	store        cache.Store
	userRepo     UserRepository
	profileRepo  MFAProfileRepository
	totp         *auth.TOTPManager
	tm           *auth.TokenManager
	logger       *slog.Logger
	auditLogger  *pkglogger.AuditLogger
	challengeTTL time.Duration
	codeCount    int
	repoTimeout  time.Duration
}

// RegistrationResult is returned when a credential registration completes.
// BackupCodes is populated only when this registration enabled MFA and no
// backup set existed yet.
type RegistrationResult struct {
	CredentialID []byte
	DeviceLabel  string
	BackupCodes  []string
}

// NewWebAuthnService creates a new WebAuthnService for the configured
// relying party.
func NewWebAuthnService(cfg config.WebAuthnConfig, store cache.Store, userRepo UserRepository, profileRepo MFAProfileRepository, totp *auth.TOTPManager, tm *auth.TokenManager, logger *slog.Logger, auditLogger *pkglogger.AuditLogger, challengeTTL time.Duration, codeCount int, repoTimeout time.Duration) (*WebAuthnService, error) {
	web, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, err
	}

	return &WebAuthnService{
		web:          web,
		store:        store,
		userRepo:     userRepo,
		profileRepo:  profileRepo,
		totp:         totp,
		tm:           tm,
		logger:       logger,
		auditLogger:  auditLogger,
		challengeTTL: challengeTTL,
		codeCount:    codeCount,
		repoTimeout:  repoTimeout,
	}, nil
}

// BeginRegistration starts a credential registration ceremony. The options
// require a platform authenticator with user verification; the session data
// lives server-side until finish or expiry.
func (s *WebAuthnService) BeginRegistration(ctx context.Context, userID, deviceLabel string) (*protocol.CredentialCreation, error) {
	wu, _, err := s.loadWebauthnUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	options, session, err := s.web.BeginRegistration(wu,
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			AuthenticatorAttachment: protocol.Platform,
			UserVerification:        protocol.VerificationRequired,
		}),
		webauthn.WithConveyancePreference(protocol.PreferNoAttestation),
	)
	if err != nil {
		s.logger.Error("failed to begin webauthn registration", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if err := s.putSession(ctx, webauthnRegistrationKeyPrefix+userID, registrationSession{
		Session:     *session,
		DeviceLabel: deviceLabel,
	}); err != nil {
		return nil, err
	}

	return options, nil
}

// FinishRegistration verifies the authenticator's attestation response and
// stores the new credential. The ceremony session is consumed regardless of
// the outcome, so a response cannot be replayed.
func (s *WebAuthnService) FinishRegistration(ctx context.Context, userID string, r *http.Request) (*RegistrationResult, error) {
	var stored registrationSession
	if err := s.takeSession(ctx, webauthnRegistrationKeyPrefix+userID, &stored); err != nil {
		return nil, err
	}

	wu, profile, err := s.loadWebauthnUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	credential, err := s.web.FinishRegistration(wu, stored.Session, r)
	if err != nil {
		s.logger.Info("webauthn registration rejected", slog.String("user_id", userID), slog.Any("error", err))
		return nil, models.ErrBadRequest
	}

	return s.storeCredential(ctx, userID, profile, credential, stored.DeviceLabel)
}

// storeCredential persists a verified attestation: appends the credential,
// advances the factor method and provisions backup codes on first
// enrollment.
func (s *WebAuthnService) storeCredential(ctx context.Context, userID string, profile *models.MFAProfile, credential *webauthn.Credential, deviceLabel string) (*RegistrationResult, error) {
	now := time.Now()
	profile.WebAuthnCredentials = append(profile.WebAuthnCredentials, fromLibraryCredential(credential, deviceLabel, now))
	profile.Enabled = true
	if profile.HasTOTP() {
		profile.Method = models.MFAMethodBoth
	} else {
		profile.Method = models.MFAMethodWebAuthn
	}
	if profile.EnrolledAt == nil {
		profile.EnrolledAt = &now
	}

	result := &RegistrationResult{CredentialID: credential.ID, DeviceLabel: deviceLabel}

	// First factor enrollment also provisions the fallback code set.
	if len(profile.BackupCodes) == 0 {
		codes, err := s.totp.GenerateBackupCodes(s.codeCount)
		if err != nil {
			s.logger.Error("failed to generate backup codes", slog.Any("error", err))
			return nil, models.ErrInternalServer
		}
		entries := make([]models.BackupCodeEntry, len(codes))
		for i, code := range codes {
			entries[i] = models.BackupCodeEntry{CodeHash: s.totp.HashBackupCode(code), CreatedAt: now}
		}
		profile.BackupCodes = entries
		result.BackupCodes = codes
	}

	rctx, cancel := context.WithTimeout(ctx, s.repoTimeout)
	defer cancel()
	if err := s.profileRepo.Upsert(rctx, profile); err != nil {
		s.logger.Error("failed to persist webauthn credential", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.auditLogger.LogAccountAction("mfa_webauthn_registered", userID, "", map[string]string{
		"device_label": deviceLabel,
	})
	return result, nil
}

// BeginLogin starts an assertion ceremony against the user's registered
// credentials. ErrNotFound when none are registered.
func (s *WebAuthnService) BeginLogin(ctx context.Context, userID string) (*protocol.CredentialAssertion, error) {
	wu, profile, err := s.loadWebauthnUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !profile.HasWebAuthn() {
		return nil, models.ErrNotFound
	}

	options, session, err := s.web.BeginLogin(wu)
	if err != nil {
		s.logger.Error("failed to begin webauthn login", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if err := s.putSession(ctx, webauthnLoginKeyPrefix+userID, session); err != nil {
		return nil, err
	}
	return options, nil
}

// FinishLogin verifies the assertion signature against the stored public
// key, enforces a strictly increasing signature counter and issues a
// session token.
func (s *WebAuthnService) FinishLogin(ctx context.Context, userID string, r *http.Request) (*VerifyOutcome, error) {
	var session webauthn.SessionData
	if err := s.takeSession(ctx, webauthnLoginKeyPrefix+userID, &session); err != nil {
		return nil, err
	}

	wu, _, err := s.loadWebauthnUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	credential, err := s.web.FinishLogin(wu, session, r)
	if err != nil {
		s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
			EventType:     "mfa_failed",
			UserID:        userID,
			FailureReason: "invalid_assertion",
			Success:       false,
		})
		return nil, models.ErrUnauthorized
	}

	return s.completeAssertion(ctx, userID, credential)
}

// completeAssertion finalizes a verified assertion: rejects suspected clones,
// records the advanced signature counter and issues a session token.
func (s *WebAuthnService) completeAssertion(ctx context.Context, userID string, credential *webauthn.Credential) (*VerifyOutcome, error) {
	// A non-increasing counter means the credential may have been cloned.
	if credential.Authenticator.CloneWarning {
		s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
			EventType:     "mfa_failed",
			UserID:        userID,
			FailureReason: "credential_clone_suspected",
			Success:       false,
		})
		return nil, models.ErrUnauthorized
	}

	rctx, cancel := context.WithTimeout(ctx, s.repoTimeout)
	defer cancel()
	if err := s.profileRepo.UpdateCredentialUsage(rctx, userID, credential.ID, credential.Authenticator.SignCount, time.Now()); err != nil {
		s.logger.Error("failed to record credential usage", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	user, err := s.userRepo.GetByID(rctx, userID)
	if err != nil {
		s.logger.Error("failed to load user after webauthn login", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	token, err := s.tm.IssueSession(user.ID, user.CurrentOrganizationID)
	if err != nil {
		s.logger.Error("failed to issue session token", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
		EventType: "mfa_verified",
		UserID:    userID,
		Success:   true,
		Metadata:  map[string]string{"factor": "webauthn"},
	})

	return &VerifyOutcome{Token: token, RemainingBackupCodes: -1}, nil
}

// loadWebauthnUser resolves the user and MFA profile into the adapter the
// ceremony library consumes. A missing profile yields an empty credential
// set, which is fine for registration.
func (s *WebAuthnService) loadWebauthnUser(ctx context.Context, userID string) (*webauthnUser, *models.MFAProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, s.repoTimeout)
	defer cancel()

	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil, models.ErrNotFound
		}
		s.logger.Error("failed to get user", slog.Any("error", err))
		return nil, nil, models.ErrInternalServer
	}

	profile, err := s.profileRepo.GetByUserID(ctx, userID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			s.logger.Error("failed to load mfa profile", slog.Any("error", err))
			return nil, nil, models.ErrInternalServer
		}
		profile = &models.MFAProfile{UserID: userID, Method: models.MFAMethodNone}
	}

	return &webauthnUser{user: user, credentials: profile.WebAuthnCredentials}, profile, nil
}

func (s *WebAuthnService) putSession(ctx context.Context, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		s.logger.Error("failed to encode ceremony session", slog.Any("error", err))
		return models.ErrInternalServer
	}
	if err := s.store.Set(ctx, key, encoded, s.challengeTTL); err != nil {
		s.logger.Error("failed to store ceremony session", slog.Any("error", err))
		return models.ErrUnavailable
	}
	return nil
}

// takeSession consumes the ceremony session in a single operation. A miss
// means the ceremony expired, was never started, or was already finished.
func (s *WebAuthnService) takeSession(ctx context.Context, key string, value any) error {
	encoded, err := s.store.GetDel(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return models.ErrUnauthorized
		}
		s.logger.Error("failed to load ceremony session", slog.Any("error", err))
		return models.ErrUnavailable
	}
	if err := json.Unmarshal(encoded, value); err != nil {
		s.logger.Error("failed to decode ceremony session", slog.Any("error", err))
		return models.ErrInternalServer
	}
	return nil
}

// webauthnUser adapts a user and their registered credentials to the
// ceremony library's user interface.
type webauthnUser struct {
	user        *models.User
	credentials []models.WebAuthnCredential
}

func (u *webauthnUser) WebAuthnID() []byte {
	return []byte(u.user.ID)
}

func (u *webauthnUser) WebAuthnName() string {
	return u.user.Email
}

func (u *webauthnUser) WebAuthnDisplayName() string {
	return u.user.FullName
}

func (u *webauthnUser) WebAuthnIcon() string {
	return ""
}

func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential {
	out := make([]webauthn.Credential, 0, len(u.credentials))
	for _, c := range u.credentials {
		out = append(out, toLibraryCredential(c))
	}
	return out
}

func toLibraryCredential(c models.WebAuthnCredential) webauthn.Credential {
	transport := make([]protocol.AuthenticatorTransport, 0, len(c.Transport))
	for _, t := range c.Transport {
		transport = append(transport, protocol.AuthenticatorTransport(t))
	}
	return webauthn.Credential{
		ID:              c.CredentialID,
		PublicKey:       c.PublicKey,
		AttestationType: c.AttestationType,
		Transport:       transport,
		Flags: webauthn.CredentialFlags{
			UserPresent:    c.Flags.UserPresent,
			UserVerified:   c.Flags.UserVerified,
			BackupEligible: c.Flags.BackupEligible,
			BackupState:    c.Flags.BackupState,
		},
		Authenticator: webauthn.Authenticator{
			SignCount: c.SignCount,
		},
	}
}

func fromLibraryCredential(c *webauthn.Credential, deviceLabel string, createdAt time.Time) models.WebAuthnCredential {
	transport := make([]string, 0, len(c.Transport))
	for _, t := range c.Transport {
		transport = append(transport, string(t))
	}
	return models.WebAuthnCredential{
		CredentialID:    c.ID,
		PublicKey:       c.PublicKey,
		AttestationType: c.AttestationType,
		Transport:       transport,
		Flags: models.CredentialFlags{
			UserPresent:    c.Flags.UserPresent,
			UserVerified:   c.Flags.UserVerified,
			BackupEligible: c.Flags.BackupEligible,
			BackupState:    c.Flags.BackupState,
		},
		SignCount:   c.Authenticator.SignCount,
		DeviceLabel: deviceLabel,
		CreatedAt:   createdAt,
	}
}
