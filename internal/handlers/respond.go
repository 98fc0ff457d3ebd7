package handlers

import (
	"errors"
	"net/http"

	"github.com/harborhealth/gatekeep/internal/models"
	pkgauth "github.com/harborhealth/gatekeep/pkg/auth"
	pkghttp "github.com/harborhealth/gatekeep/pkg/http"
)

// writeServiceError maps service sentinels onto HTTP responses with generic
// messages. Token failures collapse into 401 so callers cannot distinguish
// expired from forged.
func writeServiceError(w http.ResponseWriter, err error) {
	var validationErr *pkgauth.PasswordValidationError
	switch {
	case errors.As(err, &validationErr):
		pkghttp.WriteBadRequest(w, "Password does not meet requirements")
	case errors.Is(err, models.ErrBadRequest):
		pkghttp.WriteBadRequest(w, "Invalid request")
	case errors.Is(err, models.ErrUnauthorized),
		errors.Is(err, models.ErrTokenInvalid),
		errors.Is(err, models.ErrTokenExpired),
		errors.Is(err, models.ErrTokenMalformed):
		pkghttp.WriteUnauthorized(w, "Authentication failed")
	case errors.Is(err, models.ErrForbidden):
		pkghttp.WriteForbidden(w, "Access denied")
	case errors.Is(err, models.ErrNotFound):
		pkghttp.WriteNotFound(w, "Resource not found")
	case errors.Is(err, models.ErrConflict):
		pkghttp.WriteConflict(w, "Resource already exists")
	case errors.Is(err, models.ErrUnavailable):
		pkghttp.WriteUnavailable(w, "Service not configured")
	default:
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}
