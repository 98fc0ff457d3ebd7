package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/harborhealth/gatekeep/internal/models"
	"github.com/harborhealth/gatekeep/internal/services"
	pkghttp "github.com/harborhealth/gatekeep/pkg/http"
)

// SSOServiceInterface defines the interface for the external identity bridge
type SSOServiceInterface interface {
	Enabled() bool
	AuthURL(ctx context.Context) (string, error)
	HandleCallback(ctx context.Context, state, code string) (*services.SSOResult, error)
	CompleteRegistration(ctx context.Context, pendingToken, fullName string, dateOfBirth *time.Time) (*models.AuthResponse, error)
}

// SSOHandler handles external identity provider login
type SSOHandler struct {
	service SSOServiceInterface
}

// NewSSOHandler creates a new SSOHandler
func NewSSOHandler(service SSOServiceInterface) *SSOHandler {
	return &SSOHandler{service: service}
}

// CompleteRegistrationRequest supplies the profile fields the external
// identity did not carry
type CompleteRegistrationRequest struct {
	PendingToken string `json:"pending_token" validate:"required"`
	FullName     string `json:"full_name" validate:"required,min=1,max=200"`
	DateOfBirth  string `json:"date_of_birth" validate:"required,datetime=2006-01-02"`
}

// Login redirects the browser to the external provider's authorization page
func (h *SSOHandler) Login(w http.ResponseWriter, r *http.Request) {
	if !h.service.Enabled() {
		pkghttp.WriteUnavailable(w, "Single sign-on is not configured")
		return
	}

	url, err := h.service.AuthURL(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	http.Redirect(w, r, url, http.StatusFound)
}

// Callback finishes the provider round trip. A known identity gets a
// session; an unknown one gets a pending-registration token.
func (h *SSOHandler) Callback(w http.ResponseWriter, r *http.Request) {
	if !h.service.Enabled() {
		pkghttp.WriteUnavailable(w, "Single sign-on is not configured")
		return
	}

	result, err := h.service.HandleCallback(r.Context(), r.URL.Query().Get("state"), r.URL.Query().Get("code"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, result)
}

// CompleteRegistration redeems a pending-registration token into an account
func (h *SSOHandler) CompleteRegistration(w http.ResponseWriter, r *http.Request) {
	var req CompleteRegistrationRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	dateOfBirth, err := time.Parse("2006-01-02", req.DateOfBirth)
	if err != nil {
		pkghttp.WriteBadRequest(w, "Invalid date of birth")
		return
	}

	resp, err := h.service.CompleteRegistration(r.Context(), req.PendingToken, req.FullName, &dateOfBirth)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusCreated, resp)
}
