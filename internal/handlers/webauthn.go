package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/harborhealth/gatekeep/internal/auth"
	"github.com/harborhealth/gatekeep/internal/services"
	pkghttp "github.com/harborhealth/gatekeep/pkg/http"
)

// WebAuthnServiceInterface defines the interface for credential ceremonies
type WebAuthnServiceInterface interface {
	BeginRegistration(ctx context.Context, userID, deviceLabel string) (*protocol.CredentialCreation, error)
	FinishRegistration(ctx context.Context, userID string, r *http.Request) (*services.RegistrationResult, error)
	BeginLogin(ctx context.Context, userID string) (*protocol.CredentialAssertion, error)
	FinishLogin(ctx context.Context, userID string, r *http.Request) (*services.VerifyOutcome, error)
}

// WebAuthnHandler handles platform-authenticator registration and login
// ceremonies. Finish endpoints pass the raw request through because the
// ceremony library parses the credential response body itself.
type WebAuthnHandler struct {
	service WebAuthnServiceInterface
}

// NewWebAuthnHandler creates a new WebAuthnHandler
func NewWebAuthnHandler(service WebAuthnServiceInterface) *WebAuthnHandler {
	return &WebAuthnHandler{service: service}
}

// RegisterBeginRequest names the authenticator being registered
type RegisterBeginRequest struct {
	DeviceLabel string `json:"device_label" validate:"required,min=1,max=100"`
}

// RegisterFinishResponse confirms a stored credential
type RegisterFinishResponse struct {
	CredentialID string   `json:"credential_id"`
	DeviceLabel  string   `json:"device_label"`
	BackupCodes  []string `json:"backup_codes,omitempty"`
}

// LoginBeginRequest identifies whose credentials to challenge
type LoginBeginRequest struct {
	UserID string `json:"user_id" validate:"required,uuid"`
}

// RegisterBegin starts a credential registration ceremony for the caller
func (h *WebAuthnHandler) RegisterBegin(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetSessionFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req RegisterBeginRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	options, err := h.service.BeginRegistration(r.Context(), claims.UserID, req.DeviceLabel)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, options)
}

// RegisterFinish verifies the attestation response and stores the credential
func (h *WebAuthnHandler) RegisterFinish(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetSessionFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	result, err := h.service.FinishRegistration(r.Context(), claims.UserID, r)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, RegisterFinishResponse{
		CredentialID: base64.RawURLEncoding.EncodeToString(result.CredentialID),
		DeviceLabel:  result.DeviceLabel,
		BackupCodes:  result.BackupCodes,
	})
}

// LoginBegin starts an assertion ceremony as the second login factor
func (h *WebAuthnHandler) LoginBegin(w http.ResponseWriter, r *http.Request) {
	var req LoginBeginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	options, err := h.service.BeginLogin(r.Context(), req.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, options)
}

// LoginFinish verifies the assertion and issues a session token
func (h *WebAuthnHandler) LoginFinish(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		pkghttp.WriteBadRequest(w, "Missing user id")
		return
	}

	outcome, err := h.service.FinishLogin(r.Context(), userID, r)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, VerifyResponse{Success: true, Token: outcome.Token})
}
