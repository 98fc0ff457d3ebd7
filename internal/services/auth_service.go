package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/harborhealth/gatekeep/internal/auth"
	"github.com/harborhealth/gatekeep/internal/models"
	pkgauth "github.com/harborhealth/gatekeep/pkg/auth"
	pkglogger "github.com/harborhealth/gatekeep/pkg/logger"
)

// dummyHash is a bcrypt hash of a random string. Compared against when the
// account does not exist so login latency does not reveal which emails are
// registered.
const dummyHash = "$2a$12$R9h/cIPz0gi.URNNX3kh2OPST9/PgBkqquzi.Ss7KIUgO2t0jWMUW"

// AuthService handles registration, password login and organization context
// switches.
type AuthService struct {
	userRepo    UserRepository
	profileRepo MFAProfileRepository
	tm          *auth.TokenManager
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
	repoTimeout time.Duration
}

// NewAuthService creates a new AuthService.
func NewAuthService(userRepo UserRepository, profileRepo MFAProfileRepository, tm *auth.TokenManager, logger *slog.Logger, auditLogger *pkglogger.AuditLogger, repoTimeout time.Duration) *AuthService {
	return &AuthService{
		userRepo:    userRepo,
		profileRepo: profileRepo,
		tm:          tm,
		logger:      logger,
		auditLogger: auditLogger,
		repoTimeout: repoTimeout,
	}
}

// Register creates a local account with a hashed password. The new user gets
// a personal organization so the membership set is never empty.
func (s *AuthService) Register(ctx context.Context, fullName, email, password string) (*models.UserResponse, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, models.ErrBadRequest
	}

	if err := pkgauth.ValidatePassword(password); err != nil {
		return nil, err
	}

	hash, err := pkgauth.HashPassword(password)
	if err != nil {
		s.logger.Error("failed to hash password", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	ctx, cancel := context.WithTimeout(ctx, s.repoTimeout)
	defer cancel()

	user, err := s.userRepo.Create(ctx, &models.User{
		Email:        email,
		PasswordHash: hash,
		FullName:     strings.TrimSpace(fullName),
	})
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			s.logger.Info("registration rejected: email already in use")
			return nil, models.ErrConflict
		}
		s.logger.Error("failed to create user", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
		EventType: "registration",
		UserID:    user.ID,
		Success:   true,
	})

	return user.ToResponse(), nil
}

// Login verifies the password factor. When the account has MFA enabled the
// response carries no token; the caller must complete a second factor to get
// one.
func (s *AuthService) Login(ctx context.Context, email, password, ipAddress string) (*models.AuthResponse, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, models.ErrUnauthorized
	}

	ctx, cancel := context.WithTimeout(ctx, s.repoTimeout)
	defer cancel()

	user, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkgauth.CheckPassword(dummyHash, password)
			s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
				EventType:     "login_failed",
				IPAddress:     ipAddress,
				FailureReason: "invalid_credentials",
				Success:       false,
			})
			return nil, models.ErrUnauthorized
		}
		s.logger.Error("failed to get user by email", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	// SSO-only accounts have no password hash; CheckPassword rejects those.
	if !pkgauth.CheckPassword(user.PasswordHash, password) {
		s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
			EventType:     "login_failed",
			UserID:        user.ID,
			IPAddress:     ipAddress,
			FailureReason: "invalid_credentials",
			Success:       false,
		})
		return nil, models.ErrUnauthorized
	}

	profile, err := s.profileRepo.GetByUserID(ctx, user.ID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		s.logger.Error("failed to load mfa profile", slog.String("user_id", user.ID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if profile != nil && profile.Enabled {
		s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
			EventType: "login_first_factor",
			UserID:    user.ID,
			IPAddress: ipAddress,
			Success:   true,
		})
		return &models.AuthResponse{User: user.ToResponse(), MFARequired: true}, nil
	}

	token, err := s.tm.IssueSession(user.ID, user.CurrentOrganizationID)
	if err != nil {
		s.logger.Error("failed to issue session token", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
		EventType: "login",
		UserID:    user.ID,
		IPAddress: ipAddress,
		Success:   true,
	})

	return &models.AuthResponse{User: user.ToResponse(), Token: token}, nil
}

// SwitchOrganization re-scopes a session to another organization the user
// belongs to and returns a fresh token. The previous token stays valid until
// natural expiry.
func (s *AuthService) SwitchOrganization(ctx context.Context, claims *models.SessionClaims, organizationID string) (*models.AuthResponse, error) {
	if organizationID == "" {
		return nil, models.ErrBadRequest
	}

	ctx, cancel := context.WithTimeout(ctx, s.repoTimeout)
	defer cancel()

	user, err := s.userRepo.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		s.logger.Error("failed to load user", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if !user.MemberOf(organizationID) {
		s.auditLogger.LogAccountAction("organization_switch_denied", claims.UserID, "", map[string]string{
			"organization_id": organizationID,
		})
		return nil, models.ErrForbidden
	}

	if err := s.userRepo.UpdateCurrentOrganization(ctx, claims.UserID, organizationID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		s.logger.Error("failed to update current organization", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	user.CurrentOrganizationID = organizationID

	token, err := s.tm.IssueSession(user.ID, organizationID)
	if err != nil {
		s.logger.Error("failed to issue session token", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.auditLogger.LogAccountAction("organization_switch", user.ID, "", map[string]string{
		"organization_id": organizationID,
	})

	return &models.AuthResponse{User: user.ToResponse(), Token: token}, nil
}
