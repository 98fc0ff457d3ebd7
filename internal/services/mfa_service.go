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
	"golang.org/x/crypto/bcrypt"
)

// FactorKind identifies a second-factor type. The set is closed: dispatch
// rejects anything outside it.
type FactorKind string

const (
	FactorTOTP              FactorKind = "totp"
	FactorBackupCode        FactorKind = "backup_code"
	FactorSecurityQuestions FactorKind = "security_questions"
)

// SecurityAnswer pairs a question with the subject's answer, for both setup
// and verification.
type SecurityAnswer struct {
	QuestionID string
	Answer     string
}

// FactorCandidate is one second-factor submission.
type FactorCandidate struct {
	Kind    FactorKind
	Code    string
	Answers []SecurityAnswer
}

// VerifyOutcome is the result of a successful second-factor verification.
// RemainingBackupCodes is -1 unless a backup code was consumed.
type VerifyOutcome struct {
	Token                string
	RemainingBackupCodes int
}

// MFAStatus summarizes a user's enrolled factors without exposing secrets.
type MFAStatus struct {
	Enabled              bool               `json:"enabled"`
	Method               string             `json:"method"`
	EnrolledAt           *time.Time         `json:"enrolled_at,omitempty"`
	RemainingBackupCodes int                `json:"remaining_backup_codes"`
	Credentials          []CredentialStatus `json:"credentials"`
	SecurityQuestionIDs  []string           `json:"security_question_ids"`
}

// CredentialStatus describes one registered authenticator.
type CredentialStatus struct {
	DeviceLabel string     `json:"device_label"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
}

// MFAService orchestrates second-factor enrollment and verification for
// every non-ceremony factor. WebAuthn ceremonies live in WebAuthnService.
type MFAService struct {
	userRepo    UserRepository
	profileRepo MFAProfileRepository
	totp        *auth.TOTPManager
	tm          *auth.TokenManager
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
	codeCount   int
	repoTimeout time.Duration
}

// NewMFAService creates a new MFAService. codeCount is the size of a freshly
// issued backup code set.
func NewMFAService(userRepo UserRepository, profileRepo MFAProfileRepository, totp *auth.TOTPManager, tm *auth.TokenManager, logger *slog.Logger, auditLogger *pkglogger.AuditLogger, codeCount int, repoTimeout time.Duration) *MFAService {
	return &MFAService{
		userRepo:    userRepo,
		profileRepo: profileRepo,
		totp:        totp,
		tm:          tm,
		logger:      logger,
		auditLogger: auditLogger,
		codeCount:   codeCount,
		repoTimeout: repoTimeout,
	}
}

// BeginTOTPEnrollment generates a fresh secret with provisioning URI and QR
// code. Nothing is persisted; the secret only takes effect once a confirm
// code proves the authenticator has it.
func (s *MFAService) BeginTOTPEnrollment(ctx context.Context, userID string) (*auth.TOTPEnrollment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.repoTimeout)
	defer cancel()

	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		s.logger.Error("failed to get user", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	enrollment, err := s.totp.GenerateEnrollment(user.Email)
	if err != nil {
		s.logger.Error("failed to generate totp enrollment", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	return enrollment, nil
}

// ConfirmTOTPEnrollment validates the first code against the candidate
// secret, then persists the secret, enables MFA and issues a backup code
// set. The plaintext codes are returned exactly once.
func (s *MFAService) ConfirmTOTPEnrollment(ctx context.Context, userID, secret, code string) ([]string, error) {
	if secret == "" || code == "" {
		return nil, models.ErrBadRequest
	}
	if !s.totp.ValidateCode(secret, code) {
		s.logger.Info("totp enrollment rejected: invalid confirm code", slog.String("user_id", userID))
		return nil, models.ErrBadRequest
	}

	ctx, cancel := context.WithTimeout(ctx, s.repoTimeout)
	defer cancel()

	profile, err := s.loadOrInitProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	profile.TOTPSecret = secret
	profile.Enabled = true
	profile.EnrolledAt = &now
	if profile.HasWebAuthn() {
		profile.Method = models.MFAMethodBoth
	} else {
		profile.Method = models.MFAMethodTOTP
	}

	codes, err := s.issueBackupCodes(profile)
	if err != nil {
		return nil, err
	}

	if err := s.profileRepo.Upsert(ctx, profile); err != nil {
		s.logger.Error("failed to persist mfa profile", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.auditLogger.LogAccountAction("mfa_totp_enrolled", userID, "", nil)
	return codes, nil
}

// VerifySecondFactor dispatches one factor submission against the closed
// factor set and, on success, issues a session token scoped to the user's
// current organization.
func (s *MFAService) VerifySecondFactor(ctx context.Context, userID string, candidate FactorCandidate) (*VerifyOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, s.repoTimeout)
	defer cancel()

	profile, err := s.profileRepo.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrUnauthorized
		}
		s.logger.Error("failed to load mfa profile", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	switch candidate.Kind {
	case FactorTOTP:
		return s.verifyTOTP(ctx, profile, candidate.Code)
	case FactorBackupCode:
		return s.verifyBackupCode(ctx, profile, candidate.Code)
	case FactorSecurityQuestions:
		return s.verifySecurityQuestions(ctx, profile, candidate.Answers)
	default:
		return nil, models.ErrBadRequest
	}
}

func (s *MFAService) verifyTOTP(ctx context.Context, profile *models.MFAProfile, code string) (*VerifyOutcome, error) {
	if !profile.HasTOTP() || !s.totp.ValidateCode(profile.TOTPSecret, code) {
		s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
			EventType:     "mfa_failed",
			UserID:        profile.UserID,
			FailureReason: "invalid_totp_code",
			Success:       false,
		})
		return nil, models.ErrUnauthorized
	}
	return s.completeVerification(ctx, profile.UserID, "totp", -1)
}

func (s *MFAService) verifyBackupCode(ctx context.Context, profile *models.MFAProfile, code string) (*VerifyOutcome, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, models.ErrUnauthorized
	}

	remaining, err := s.profileRepo.ConsumeBackupCode(ctx, profile.UserID, s.totp.HashBackupCode(code))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
				EventType:     "mfa_failed",
				UserID:        profile.UserID,
				FailureReason: "invalid_backup_code",
				Success:       false,
			})
			return nil, models.ErrUnauthorized
		}
		s.logger.Error("failed to consume backup code", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if remaining == 0 {
		s.logger.Warn("last backup code consumed", slog.String("user_id", profile.UserID))
	}
	return s.completeVerification(ctx, profile.UserID, "backup_code", remaining)
}

func (s *MFAService) verifySecurityQuestions(ctx context.Context, profile *models.MFAProfile, answers []SecurityAnswer) (*VerifyOutcome, error) {
	stored := profile.SecurityQuestions
	if len(stored) == 0 || len(answers) != len(stored) {
		return nil, models.ErrUnauthorized
	}

	byQuestion := make(map[string]string, len(answers))
	for _, a := range answers {
		byQuestion[a.QuestionID] = normalizeAnswer(a.Answer)
	}

	// All or nothing: every stored question must be answered correctly.
	for _, entry := range stored {
		answer, ok := byQuestion[entry.QuestionID]
		if !ok || bcrypt.CompareHashAndPassword([]byte(entry.AnswerHash), []byte(answer)) != nil {
			s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
				EventType:     "mfa_failed",
				UserID:        profile.UserID,
				FailureReason: "invalid_security_answers",
				Success:       false,
			})
			return nil, models.ErrUnauthorized
		}
	}

	return s.completeVerification(ctx, profile.UserID, "security_questions", -1)
}

func (s *MFAService) completeVerification(ctx context.Context, userID, factor string, remaining int) (*VerifyOutcome, error) {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		s.logger.Error("failed to load user after mfa", slog.Any("error", err))
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
		Metadata:  map[string]string{"factor": factor},
	})

	return &VerifyOutcome{Token: token, RemainingBackupCodes: remaining}, nil
}

// SetupSecurityQuestions stores between three and five answered questions,
// replacing any previous set. Answers are normalized and bcrypt-hashed.
func (s *MFAService) SetupSecurityQuestions(ctx context.Context, userID string, answers []SecurityAnswer) error {
	if len(answers) < models.MinSecurityQuestions || len(answers) > models.MaxSecurityQuestions {
		return models.ErrBadRequest
	}

	seen := make(map[string]bool, len(answers))
	entries := make([]models.SecurityQuestionEntry, 0, len(answers))
	for _, a := range answers {
		answer := normalizeAnswer(a.Answer)
		if a.QuestionID == "" || answer == "" || seen[a.QuestionID] {
			return models.ErrBadRequest
		}
		seen[a.QuestionID] = true

		hash, err := bcrypt.GenerateFromPassword([]byte(answer), pkgauth.BcryptCost)
		if err != nil {
			s.logger.Error("failed to hash security answer", slog.Any("error", err))
			return models.ErrInternalServer
		}
		entries = append(entries, models.SecurityQuestionEntry{
			QuestionID: a.QuestionID,
			AnswerHash: string(hash),
		})
	}

	ctx, cancel := context.WithTimeout(ctx, s.repoTimeout)
	defer cancel()

	profile, err := s.loadOrInitProfile(ctx, userID)
	if err != nil {
		return err
	}

	profile.SecurityQuestions = entries
	profile.Enabled = true
	// Questions are a fallback; they only set the method when no stronger
	// factor is enrolled.
	if !profile.HasTOTP() && !profile.HasWebAuthn() {
		profile.Method = models.MFAMethodSecurityQuestions
	}
	if profile.EnrolledAt == nil {
		now := time.Now()
		profile.EnrolledAt = &now
	}

	if err := s.profileRepo.Upsert(ctx, profile); err != nil {
		s.logger.Error("failed to persist security questions", slog.Any("error", err))
		return models.ErrInternalServer
	}

	s.auditLogger.LogAccountAction("mfa_security_questions_set", userID, "", nil)
	return nil
}

// RegenerateBackupCodes replaces the backup code set after re-verifying the
// password. Previously issued codes stop working.
func (s *MFAService) RegenerateBackupCodes(ctx context.Context, userID, password string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.repoTimeout)
	defer cancel()

	profile, err := s.requirePassword(ctx, userID, password)
	if err != nil {
		return nil, err
	}
	if !profile.Enabled {
		return nil, models.ErrBadRequest
	}

	codes, err := s.issueBackupCodes(profile)
	if err != nil {
		return nil, err
	}

	if err := s.profileRepo.Upsert(ctx, profile); err != nil {
		s.logger.Error("failed to persist backup codes", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.auditLogger.LogAccountAction("mfa_backup_codes_regenerated", userID, "", nil)
	return codes, nil
}

// DisableMFA clears every enrolled factor after re-verifying the password.
func (s *MFAService) DisableMFA(ctx context.Context, userID, password string) error {
	ctx, cancel := context.WithTimeout(ctx, s.repoTimeout)
	defer cancel()

	profile, err := s.requirePassword(ctx, userID, password)
	if err != nil {
		return err
	}

	profile.Enabled = false
	profile.Method = models.MFAMethodNone
	profile.TOTPSecret = ""
	profile.EnrolledAt = nil
	profile.BackupCodes = nil
	profile.WebAuthnCredentials = nil
	profile.SecurityQuestions = nil

	if err := s.profileRepo.Upsert(ctx, profile); err != nil {
		s.logger.Error("failed to disable mfa", slog.Any("error", err))
		return models.ErrInternalServer
	}

	s.auditLogger.LogAccountAction("mfa_disabled", userID, "", nil)
	return nil
}

// Status reports the enrolled factors for the given user. A user with no
// profile gets a disabled status rather than an error.
func (s *MFAService) Status(ctx context.Context, userID string) (*MFAStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, s.repoTimeout)
	defer cancel()

	profile, err := s.profileRepo.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return &MFAStatus{
				Method:               models.MFAMethodNone,
				RemainingBackupCodes: 0,
				Credentials:          []CredentialStatus{},
				SecurityQuestionIDs:  []string{},
			}, nil
		}
		s.logger.Error("failed to load mfa profile", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	credentials := make([]CredentialStatus, 0, len(profile.WebAuthnCredentials))
	for _, c := range profile.WebAuthnCredentials {
		credentials = append(credentials, CredentialStatus{
			DeviceLabel: c.DeviceLabel,
			CreatedAt:   c.CreatedAt,
			LastUsedAt:  c.LastUsedAt,
		})
	}

	questionIDs := make([]string, 0, len(profile.SecurityQuestions))
	for _, q := range profile.SecurityQuestions {
		questionIDs = append(questionIDs, q.QuestionID)
	}

	return &MFAStatus{
		Enabled:              profile.Enabled,
		Method:               profile.Method,
		EnrolledAt:           profile.EnrolledAt,
		RemainingBackupCodes: len(profile.BackupCodes),
		Credentials:          credentials,
		SecurityQuestionIDs:  questionIDs,
	}, nil
}

// requirePassword re-verifies the account password before a sensitive
// profile mutation and returns the profile.
func (s *MFAService) requirePassword(ctx context.Context, userID, password string) (*models.MFAProfile, error) {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		s.logger.Error("failed to get user", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if !pkgauth.CheckPassword(user.PasswordHash, password) {
		s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
			EventType:     "mfa_change_denied",
			UserID:        userID,
			FailureReason: "invalid_password",
			Success:       false,
		})
		return nil, models.ErrUnauthorized
	}

	profile, err := s.loadOrInitProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	return profile, nil
}

func (s *MFAService) loadOrInitProfile(ctx context.Context, userID string) (*models.MFAProfile, error) {
	profile, err := s.profileRepo.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return &models.MFAProfile{UserID: userID, Method: models.MFAMethodNone}, nil
		}
		s.logger.Error("failed to load mfa profile", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	return profile, nil
}

// issueBackupCodes replaces the profile's backup code set in memory and
// returns the plaintext codes.
func (s *MFAService) issueBackupCodes(profile *models.MFAProfile) ([]string, error) {
	codes, err := s.totp.GenerateBackupCodes(s.codeCount)
	if err != nil {
		s.logger.Error("failed to generate backup codes", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	now := time.Now()
	entries := make([]models.BackupCodeEntry, len(codes))
	for i, code := range codes {
		entries[i] = models.BackupCodeEntry{CodeHash: s.totp.HashBackupCode(code), CreatedAt: now}
	}
	profile.BackupCodes = entries
	return codes, nil
}

func normalizeAnswer(answer string) string {
	return strings.ToLower(strings.TrimSpace(answer))
}
