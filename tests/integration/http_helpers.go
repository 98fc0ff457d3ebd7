package integration

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/harborhealth/gatekeep/internal/auth"
	"github.com/harborhealth/gatekeep/internal/cache"
	"github.com/harborhealth/gatekeep/internal/config"
	"github.com/harborhealth/gatekeep/internal/database"
	"github.com/harborhealth/gatekeep/internal/handlers"
	"github.com/harborhealth/gatekeep/internal/realtime"
	"github.com/harborhealth/gatekeep/internal/repositories"
	"github.com/harborhealth/gatekeep/internal/routes"
	"github.com/harborhealth/gatekeep/internal/services"
	pkghttp "github.com/harborhealth/gatekeep/pkg/http"
	pkglogger "github.com/harborhealth/gatekeep/pkg/logger"
)

// TestServer wires the full stack against a test database with an
// in-process ephemeral store
type TestServer struct {
	Router       chi.Router
	TokenManager *auth.TokenManager
	TOTPManager  *auth.TOTPManager
	Store        cache.Store
	UserRepo     *repositories.UserRepository
	ProfileRepo  *repositories.MFAProfileRepository
}

// NewTestServer builds the API exactly as cmd/api does, minus rate
// limiting and CSRF so tests can hammer endpoints directly
func NewTestServer(db *database.DB) *TestServer {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auditLogger := pkglogger.NewAuditLogger(logger)
	store := cache.NewMemoryStore()
	ipConfig := &pkghttp.IPConfig{}

	userRepo := repositories.NewUserRepository(db)
	profileRepo := repositories.NewMFAProfileRepository(db)

	tokenManager := auth.NewTokenManager("integration-test-secret-key", 8*time.Hour, 10*time.Minute)
	totpManager := auth.NewTOTPManager("Harbor Health")
	csrfManager := auth.NewCSRFTokenManager(store, 15*time.Minute)

	authService := services.NewAuthService(userRepo, profileRepo, tokenManager, logger, auditLogger, 5*time.Second)
	mfaService := services.NewMFAService(userRepo, profileRepo, totpManager, tokenManager, logger, auditLogger, 10, 5*time.Second)
	webauthnService, err := services.NewWebAuthnService(config.WebAuthnConfig{
		RPID:          "localhost",
		RPDisplayName: "Harbor Health",
		RPOrigins:     []string{"http://localhost:3000"},
	}, store, userRepo, profileRepo, totpManager, tokenManager, logger, auditLogger, 5*time.Minute, 10, 5*time.Second)
	if err != nil {
		panic(err)
	}
	ssoService := services.NewSSOService(config.SSOConfig{}, tokenManager, userRepo, store, logger, auditLogger, 5*time.Second)

	authHandler := handlers.NewAuthHandler(authService, csrfManager, ipConfig)
	mfaHandler := handlers.NewMFAHandler(mfaService)
	webauthnHandler := handlers.NewWebAuthnHandler(webauthnService)
	ssoHandler := handlers.NewSSOHandler(ssoService)
	gate := realtime.NewGate(tokenManager, userRepo, logger, "production", nil)

	router := chi.NewRouter()
	router.Use(chiMiddleware.RequestID)
	router.Use(chiMiddleware.Recoverer)

	healthCheck := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}

	routes.RegisterRoutes(router, authHandler, mfaHandler, webauthnHandler, ssoHandler, gate, tokenManager, healthCheck)

	return &TestServer{
		Router:       router,
		TokenManager: tokenManager,
		TOTPManager:  totpManager,
		Store:        store,
		UserRepo:     userRepo,
		ProfileRepo:  profileRepo,
	}
}

// DoJSON performs a request with a JSON body and optional bearer token
func (s *TestServer) DoJSON(method, path, token string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			panic(err)
		}
		reader = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	return rec
}

// DecodeJSON decodes a response recorder body into out
func DecodeJSON(rec *httptest.ResponseRecorder, out any) error {
	return json.NewDecoder(rec.Body).Decode(out)
}
