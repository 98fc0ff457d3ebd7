package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/harborhealth/gatekeep/internal/auth"
	"github.com/harborhealth/gatekeep/internal/cache"
	"github.com/harborhealth/gatekeep/internal/config"
	"github.com/harborhealth/gatekeep/internal/models"
	pkglogger "github.com/harborhealth/gatekeep/pkg/logger"
	"golang.org/x/oauth2"
)

const (
	ssoStateKeyPrefix   = "sso:state:"
	ssoPendingKeyPrefix = "sso:pending:"

	ssoStateTTL = 10 * time.Minute
)

// SSOResult is the outcome of a completed callback. Either Auth is set (the
// external identity mapped to an existing account) or RegistrationRequired
// is true and PendingToken must be redeemed to finish account creation.
type SSOResult struct {
	Auth                 *models.AuthResponse `json:"auth,omitempty"`
	RegistrationRequired bool                 `json:"registration_required,omitempty"`
	PendingToken         string               `json:"pending_token,omitempty"`
}

// SSOService bridges an external OIDC identity provider to local accounts.
// The provider is discovered lazily on first use so a misconfigured or
// unreachable issuer does not block process startup.
type SSOService struct {
	cfg         config.SSOConfig
	tm          *auth.TokenManager
	userRepo    UserRepository
	store       cache.Store
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
	repoTimeout time.Duration

	mu       sync.Mutex
	provider *oidc.Provider
	oauth    *oauth2.Config
	verifier *oidc.IDTokenVerifier
}

// NewSSOService creates a new SSOService. When the bridge is disabled every
// operation returns ErrUnavailable without network calls.
func NewSSOService(cfg config.SSOConfig, tm *auth.TokenManager, userRepo UserRepository, store cache.Store, logger *slog.Logger, auditLogger *pkglogger.AuditLogger, repoTimeout time.Duration) *SSOService {
	return &SSOService{
		cfg:         cfg,
		tm:          tm,
		userRepo:    userRepo,
		store:       store,
		logger:      logger,
		auditLogger: auditLogger,
		repoTimeout: repoTimeout,
	}
}

// Enabled reports whether the bridge has usable credentials.
func (s *SSOService) Enabled() bool {
	return s.cfg.Enabled()
}

// AuthURL generates the provider authorization URL with a fresh single-use
// state value.
func (s *SSOService) AuthURL(ctx context.Context) (string, error) {
	oauthCfg, _, err := s.connect(ctx)
	if err != nil {
		return "", err
	}

	state := uuid.New().String()
	if err := s.store.Set(ctx, ssoStateKeyPrefix+state, []byte("1"), ssoStateTTL); err != nil {
		s.logger.Error("failed to store sso state", slog.Any("error", err))
		return "", models.ErrUnavailable
	}

	return oauthCfg.AuthCodeURL(state), nil
}

// HandleCallback validates the state, exchanges the code and verifies the
// identity token. A known email logs straight in; an unknown one gets a
// pending-registration token instead of an account.
func (s *SSOService) HandleCallback(ctx context.Context, state, code string) (*SSOResult, error) {
	if state == "" || code == "" {
		return nil, models.ErrBadRequest
	}

	// Consuming the state makes replayed callbacks fail.
	if _, err := s.store.GetDel(ctx, ssoStateKeyPrefix+state); err != nil {
		if errors.Is(err, cache.ErrMiss) {
			s.logger.Warn("sso callback with unknown state")
			return nil, models.ErrUnauthorized
		}
		s.logger.Error("failed to check sso state", slog.Any("error", err))
		return nil, models.ErrUnavailable
	}

	oauthCfg, verifier, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	oauthToken, err := oauthCfg.Exchange(ctx, code)
	if err != nil {
		s.logger.Warn("sso code exchange failed", slog.Any("error", err))
		return nil, models.ErrUnauthorized
	}

	rawIDToken, ok := oauthToken.Extra("id_token").(string)
	if !ok {
		s.logger.Warn("sso token response missing id_token")
		return nil, models.ErrUnauthorized
	}

	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		s.logger.Warn("sso id token verification failed", slog.Any("error", err))
		return nil, models.ErrUnauthorized
	}

	var claims struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		s.logger.Warn("failed to decode sso claims", slog.Any("error", err))
		return nil, models.ErrUnauthorized
	}

	email := strings.ToLower(strings.TrimSpace(claims.Email))
	if email == "" {
		s.logger.Warn("sso identity has no email claim")
		return nil, models.ErrUnauthorized
	}

	rctx, cancel := context.WithTimeout(ctx, s.repoTimeout)
	defer cancel()

	user, err := s.userRepo.GetByEmail(rctx, email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return s.pendingRegistration(ctx, email)
		}
		s.logger.Error("failed to get user by email", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	token, err := s.tm.IssueSession(user.ID, user.CurrentOrganizationID)
	if err != nil {
		s.logger.Error("failed to issue session token", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
		EventType: "sso_login",
		UserID:    user.ID,
		Success:   true,
	})

	return &SSOResult{Auth: &models.AuthResponse{User: user.ToResponse(), Token: token}}, nil
}

// CompleteRegistration redeems a pending-registration token, collecting the
// profile fields the external identity did not carry. The token's jti is
// consumed so redemption happens at most once.
func (s *SSOService) CompleteRegistration(ctx context.Context, pendingToken, fullName string, dateOfBirth *time.Time) (*models.AuthResponse, error) {
	claims, err := s.tm.VerifyPendingRegistration(pendingToken)
	if err != nil {
		return nil, err
	}

	// Input validation happens before the jti is consumed: a rejected
	// request must not burn the single-use token.
	fullName = strings.TrimSpace(fullName)
	if fullName == "" {
		return nil, models.ErrBadRequest
	}

	if _, err := s.store.GetDel(ctx, ssoPendingKeyPrefix+claims.ID); err != nil {
		if errors.Is(err, cache.ErrMiss) {
			s.logger.Warn("pending registration token already redeemed or expired")
			return nil, models.ErrUnauthorized
		}
		s.logger.Error("failed to check pending registration", slog.Any("error", err))
		return nil, models.ErrUnavailable
	}

	rctx, cancel := context.WithTimeout(ctx, s.repoTimeout)
	defer cancel()

	// No password hash: the account authenticates through the bridge.
	user, err := s.userRepo.Create(rctx, &models.User{
		Email:       claims.Email,
		FullName:    fullName,
		DateOfBirth: dateOfBirth,
	})
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, models.ErrConflict
		}
		s.logger.Error("failed to create sso user", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	token, err := s.tm.IssueSession(user.ID, user.CurrentOrganizationID)
	if err != nil {
		s.logger.Error("failed to issue session token", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
		EventType: "sso_registration",
		UserID:    user.ID,
		Success:   true,
	})

	return &models.AuthResponse{User: user.ToResponse(), Token: token}, nil
}

func (s *SSOService) pendingRegistration(ctx context.Context, email string) (*SSOResult, error) {
	token, jti, err := s.tm.IssuePendingRegistration(email)
	if err != nil {
		s.logger.Error("failed to issue pending registration token", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if err := s.store.Set(ctx, ssoPendingKeyPrefix+jti, []byte(email), s.tm.PendingExpiry()); err != nil {
		s.logger.Error("failed to store pending registration", slog.Any("error", err))
		return nil, models.ErrUnavailable
	}

	s.logger.Info("sso identity has no local account, registration required",
		slog.String("email", pkglogger.SanitizedEmail(email)))

	return &SSOResult{RegistrationRequired: true, PendingToken: token}, nil
}

// connect performs lazy OIDC discovery. A failed attempt is retried on the
// next call rather than cached.
func (s *SSOService) connect(ctx context.Context) (*oauth2.Config, *oidc.IDTokenVerifier, error) {
	if !s.Enabled() {
		return nil, nil, models.ErrUnavailable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.provider == nil {
		provider, err := oidc.NewProvider(ctx, s.cfg.IssuerURL)
		if err != nil {
			s.logger.Error("oidc discovery failed", slog.Any("error", err))
			return nil, nil, fmt.Errorf("oidc discovery: %w", models.ErrUnavailable)
		}

		s.provider = provider
		s.verifier = provider.Verifier(&oidc.Config{ClientID: s.cfg.ClientID})
		s.oauth = &oauth2.Config{
			ClientID:     s.cfg.ClientID,
			ClientSecret: s.cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  s.cfg.RedirectURL,
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		}
	}

	return s.oauth, s.verifier, nil
}
