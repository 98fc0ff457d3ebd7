package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/harborhealth/gatekeep/internal/auth"
	"github.com/harborhealth/gatekeep/internal/models"
	pkghttp "github.com/harborhealth/gatekeep/pkg/http"
)

// AuthServiceInterface defines the interface for auth business logic
type AuthServiceInterface interface {
	Register(ctx context.Context, fullName, email, password string) (*models.UserResponse, error)
	Login(ctx context.Context, email, password, ipAddress string) (*models.AuthResponse, error)
	SwitchOrganization(ctx context.Context, claims *models.SessionClaims, organizationID string) (*models.AuthResponse, error)
}

// AuthHandler handles registration, login and session scoping requests
type AuthHandler struct {
	service  AuthServiceInterface
	csrf     *auth.CSRFTokenManager
	ipConfig *pkghttp.IPConfig
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(service AuthServiceInterface, csrf *auth.CSRFTokenManager, ipConfig *pkghttp.IPConfig) *AuthHandler {
	return &AuthHandler{
		service:  service,
		csrf:     csrf,
		ipConfig: ipConfig,
	}
}

// RegisterRequest represents the request body for registration
type RegisterRequest struct {
	FullName string `json:"full_name" validate:"required,min=1,max=200"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// LoginRequest represents the request body for login
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// SwitchOrganizationRequest represents the request body for an org switch
type SwitchOrganizationRequest struct {
	OrganizationID string `json:"organization_id" validate:"required,uuid"`
}

// CSRFTokenResponse carries a freshly minted anti-forgery token
type CSRFTokenResponse struct {
	CSRFToken string `json:"csrf_token"`
}

// Register handles account creation with a password credential
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	user, err := h.service.Register(r.Context(), req.FullName, req.Email, req.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusCreated, models.AuthResponse{User: user})
}

// Login handles the password factor. The response carries either a session
// token or an mfa_required marker.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	ipAddress := pkghttp.ExtractClientIP(r, h.ipConfig)

	resp, err := h.service.Login(r.Context(), req.Email, req.Password, ipAddress)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

// SwitchOrganization re-scopes the caller's session to another organization
func (h *AuthHandler) SwitchOrganization(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetSessionFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req SwitchOrganizationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	resp, err := h.service.SwitchOrganization(r.Context(), claims, req.OrganizationID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

// CSRFToken mints an anti-forgery token bound to the caller's IP and
// mirrors it in a cookie for double-submit checks.
func (h *AuthHandler) CSRFToken(w http.ResponseWriter, r *http.Request) {
	ipAddress := pkghttp.ExtractClientIP(r, h.ipConfig)

	token, err := h.csrf.GenerateToken(r.Context(), ipAddress)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "csrf_token",
		Value:    token,
		Path:     "/",
		HttpOnly: false, // the client script must read it back into a header
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})

	pkghttp.WriteJSON(w, http.StatusOK, CSRFTokenResponse{CSRFToken: token})
}
