package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/harborhealth/gatekeep/internal/auth"
	"github.com/harborhealth/gatekeep/internal/handlers"
	"github.com/harborhealth/gatekeep/internal/middleware"
	"github.com/harborhealth/gatekeep/internal/realtime"
)

// RegisterRoutes registers all application routes
func RegisterRoutes(
	router chi.Router,
	authHandler *handlers.AuthHandler,
	mfaHandler *handlers.MFAHandler,
	webauthnHandler *handlers.WebAuthnHandler,
	ssoHandler *handlers.SSOHandler,
	gate *realtime.Gate,
	tokenManager *auth.TokenManager,
	healthCheck http.HandlerFunc,
) {
	authRateLimit := middleware.RateLimitByIP(middleware.DefaultAuthRateLimit())

	router.Get("/health", healthCheck)
	router.Get("/auth/csrf", authHandler.CSRFToken)

	// Public routes: primary factor, second-factor verification and the
	// external identity bridge. All credential-guessing surfaces share the
	// strict per-IP limit.
	router.Group(func(r chi.Router) {
		r.Use(authRateLimit)

		r.Post("/auth/register", authHandler.Register)
		r.Post("/auth/login", authHandler.Login)

		r.Post("/mfa/totp/verify", mfaHandler.TOTPVerify)
		r.Post("/mfa/backup-code/verify", mfaHandler.BackupCodeVerify)
		r.Post("/mfa/security-questions/verify", mfaHandler.SecurityQuestionsVerify)

		r.Post("/auth/webauthn/login/begin", webauthnHandler.LoginBegin)
		r.Post("/auth/webauthn/login/finish/{userID}", webauthnHandler.LoginFinish)

		r.Get("/sso/login", ssoHandler.Login)
		r.Get("/sso/callback", ssoHandler.Callback)
		r.Post("/sso/complete", ssoHandler.CompleteRegistration)
	})

	// Protected routes: session token required
	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware(tokenManager))

		r.Post("/auth/switch-organization", authHandler.SwitchOrganization)

		r.Get("/mfa/status", mfaHandler.Status)
		r.Post("/mfa/totp/setup", mfaHandler.TOTPSetup)
		r.Post("/mfa/totp/confirm", mfaHandler.TOTPConfirm)
		r.Post("/mfa/security-questions/setup", mfaHandler.SecurityQuestionsSetup)
		r.Post("/mfa/backup-codes/regenerate", mfaHandler.RegenerateBackupCodes)
		r.Post("/mfa/disable", mfaHandler.Disable)

		r.Post("/mfa/webauthn/register/begin", webauthnHandler.RegisterBegin)
		r.Post("/mfa/webauthn/register/finish", webauthnHandler.RegisterFinish)
	})

	// Realtime channel upgrades carry their own token check
	router.Get("/ws", gate.ServeHTTP)
}

// CSRFExemptPaths lists endpoints driven purely by bearer tokens or
// provider redirects, where an anti-forgery token cannot exist yet.
func CSRFExemptPaths() []string {
	return []string{
		"/auth/register",
		"/auth/login",
		"/auth/webauthn/login",
		"/mfa/totp/verify",
		"/mfa/backup-code/verify",
		"/mfa/security-questions/verify",
		"/sso",
	}
}
