package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/harborhealth/gatekeep/internal/auth"
	"github.com/harborhealth/gatekeep/internal/services"
	pkghttp "github.com/harborhealth/gatekeep/pkg/http"
)

// MFAServiceInterface defines the interface for second-factor orchestration
type MFAServiceInterface interface {
	BeginTOTPEnrollment(ctx context.Context, userID string) (*auth.TOTPEnrollment, error)
	ConfirmTOTPEnrollment(ctx context.Context, userID, secret, code string) ([]string, error)
	VerifySecondFactor(ctx context.Context, userID string, candidate services.FactorCandidate) (*services.VerifyOutcome, error)
	SetupSecurityQuestions(ctx context.Context, userID string, answers []services.SecurityAnswer) error
	RegenerateBackupCodes(ctx context.Context, userID, password string) ([]string, error)
	DisableMFA(ctx context.Context, userID, password string) error
	Status(ctx context.Context, userID string) (*services.MFAStatus, error)
}

// MFAHandler handles second-factor enrollment and verification requests
type MFAHandler struct {
	service MFAServiceInterface
}

// NewMFAHandler creates a new MFAHandler
func NewMFAHandler(service MFAServiceInterface) *MFAHandler {
	return &MFAHandler{service: service}
}

// Request DTOs

// TOTPSetupRequest starts a TOTP enrollment
type TOTPSetupRequest struct {
	UserID string `json:"user_id" validate:"required,uuid"`
}

// TOTPConfirmRequest proves possession of an unconfirmed TOTP secret
type TOTPConfirmRequest struct {
	UserID string `json:"user_id" validate:"required,uuid"`
	Secret string `json:"secret" validate:"required"`
	Code   string `json:"code" validate:"required,len=6"`
}

// TOTPVerifyRequest presents a TOTP code as the second factor
type TOTPVerifyRequest struct {
	UserID string `json:"user_id" validate:"required,uuid"`
	Code   string `json:"code" validate:"required,len=6"`
}

// BackupCodeVerifyRequest presents a single-use backup code
type BackupCodeVerifyRequest struct {
	UserID string `json:"user_id" validate:"required,uuid"`
	Code   string `json:"code" validate:"required"`
}

// SecurityAnswerDTO pairs a question with its answer
type SecurityAnswerDTO struct {
	QuestionID string `json:"question_id" validate:"required"`
	Answer     string `json:"answer" validate:"required"`
}

// SecurityQuestionsSetupRequest stores a fresh answered-question set
type SecurityQuestionsSetupRequest struct {
	UserID  string              `json:"user_id" validate:"required,uuid"`
	Answers []SecurityAnswerDTO `json:"answers" validate:"required,min=3,max=5,dive"`
}

// SecurityQuestionsVerifyRequest presents answers as the second factor
type SecurityQuestionsVerifyRequest struct {
	UserID  string              `json:"user_id" validate:"required,uuid"`
	Answers []SecurityAnswerDTO `json:"answers" validate:"required,min=1,dive"`
}

// PasswordGatedRequest re-verifies the password before a sensitive change
type PasswordGatedRequest struct {
	UserID   string `json:"user_id" validate:"required,uuid"`
	Password string `json:"password" validate:"required"`
}

// Response DTOs

// TOTPSetupResponse carries unconfirmed enrollment material
type TOTPSetupResponse struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
	QRCode          string `json:"qr_code"`
}

// BackupCodesResponse carries plaintext backup codes, shown exactly once
type BackupCodesResponse struct {
	BackupCodes []string `json:"backup_codes"`
}

// VerifyResponse is returned on successful second-factor verification
type VerifyResponse struct {
	Success        bool   `json:"success"`
	Token          string `json:"token"`
	RemainingCodes *int   `json:"remaining_codes,omitempty"`
}

// TOTPSetup generates an unconfirmed secret with provisioning URI and QR code
func (h *MFAHandler) TOTPSetup(w http.ResponseWriter, r *http.Request) {
	var req TOTPSetupRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if !requireSameUser(w, r, req.UserID) {
		return
	}

	enrollment, err := h.service.BeginTOTPEnrollment(r.Context(), req.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, TOTPSetupResponse{
		Secret:          enrollment.Secret,
		ProvisioningURI: enrollment.ProvisioningURI,
		QRCode:          enrollment.QRCode,
	})
}

// TOTPConfirm activates TOTP after the first valid code and returns the
// backup code set
func (h *MFAHandler) TOTPConfirm(w http.ResponseWriter, r *http.Request) {
	var req TOTPConfirmRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if !requireSameUser(w, r, req.UserID) {
		return
	}

	codes, err := h.service.ConfirmTOTPEnrollment(r.Context(), req.UserID, req.Secret, req.Code)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, BackupCodesResponse{BackupCodes: codes})
}

// TOTPVerify completes login with a TOTP code
func (h *MFAHandler) TOTPVerify(w http.ResponseWriter, r *http.Request) {
	var req TOTPVerifyRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	outcome, err := h.service.VerifySecondFactor(r.Context(), req.UserID, services.FactorCandidate{
		Kind: services.FactorTOTP,
		Code: req.Code,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, VerifyResponse{Success: true, Token: outcome.Token})
}

// BackupCodeVerify completes login with a single-use backup code
func (h *MFAHandler) BackupCodeVerify(w http.ResponseWriter, r *http.Request) {
	var req BackupCodeVerifyRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	outcome, err := h.service.VerifySecondFactor(r.Context(), req.UserID, services.FactorCandidate{
		Kind: services.FactorBackupCode,
		Code: req.Code,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	remaining := outcome.RemainingBackupCodes
	pkghttp.WriteJSON(w, http.StatusOK, VerifyResponse{
		Success:        true,
		Token:          outcome.Token,
		RemainingCodes: &remaining,
	})
}

// SecurityQuestionsSetup stores between three and five answered questions
func (h *MFAHandler) SecurityQuestionsSetup(w http.ResponseWriter, r *http.Request) {
	var req SecurityQuestionsSetupRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if !requireSameUser(w, r, req.UserID) {
		return
	}

	if err := h.service.SetupSecurityQuestions(r.Context(), req.UserID, toSecurityAnswers(req.Answers)); err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// SecurityQuestionsVerify completes login by answering the stored questions
func (h *MFAHandler) SecurityQuestionsVerify(w http.ResponseWriter, r *http.Request) {
	var req SecurityQuestionsVerifyRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	outcome, err := h.service.VerifySecondFactor(r.Context(), req.UserID, services.FactorCandidate{
		Kind:    services.FactorSecurityQuestions,
		Answers: toSecurityAnswers(req.Answers),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, VerifyResponse{Success: true, Token: outcome.Token})
}

// RegenerateBackupCodes replaces the backup code set after a password check
func (h *MFAHandler) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	var req PasswordGatedRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if !requireSameUser(w, r, req.UserID) {
		return
	}

	codes, err := h.service.RegenerateBackupCodes(r.Context(), req.UserID, req.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, BackupCodesResponse{BackupCodes: codes})
}

// Disable clears every enrolled factor after a password check
func (h *MFAHandler) Disable(w http.ResponseWriter, r *http.Request) {
	var req PasswordGatedRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if !requireSameUser(w, r, req.UserID) {
		return
	}

	if err := h.service.DisableMFA(r.Context(), req.UserID, req.Password); err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Status reports the caller's enrolled factors
func (h *MFAHandler) Status(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetSessionFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	status, err := h.service.Status(r.Context(), claims.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, status)
}

func toSecurityAnswers(dtos []SecurityAnswerDTO) []services.SecurityAnswer {
	answers := make([]services.SecurityAnswer, len(dtos))
	for i, dto := range dtos {
		answers[i] = services.SecurityAnswer{QuestionID: dto.QuestionID, Answer: dto.Answer}
	}
	return answers
}

// decodeAndValidate decodes the JSON body into req and validates it,
// writing a 400 response on failure.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, req interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return false
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return false
	}
	return true
}

// requireSameUser ensures the authenticated session matches the user the
// request is about. Enrollment changes are strictly self-service.
func requireSameUser(w http.ResponseWriter, r *http.Request, userID string) bool {
	claims := auth.GetSessionFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return false
	}
	if claims.UserID != userID {
		pkghttp.WriteForbidden(w, "Access denied")
		return false
	}
	return true
}
