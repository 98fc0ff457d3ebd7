package services

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/harborhealth/gatekeep/internal/auth"
	"github.com/harborhealth/gatekeep/internal/models"
	pkgauth "github.com/harborhealth/gatekeep/pkg/auth"
	pkglogger "github.com/harborhealth/gatekeep/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "test-secret-key-for-auth-service-tests"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTokenManager() *auth.TokenManager {
	return auth.NewTokenManager(testJWTSecret, 8*time.Hour, 10*time.Minute)
}

func newTestAuthService(userRepo *MockUserRepository, profileRepo *MockMFAProfileRepository) *AuthService {
	logger := testLogger()
	return NewAuthService(userRepo, profileRepo, newTestTokenManager(), logger, pkglogger.NewAuditLogger(logger), 5*time.Second)
}

func testUser(t *testing.T, password string) *models.User {
	t.Helper()
	hash, err := pkgauth.HashPassword(password)
	require.NoError(t, err)
	return &models.User{
		ID:                    "user-1",
		Email:                 "sam@example.com",
		PasswordHash:          hash,
		FullName:              "Sam Rivera",
		Role:                  models.RolePatient,
		CurrentOrganizationID: "org-1",
		OrganizationIDs:       []string{"org-1", "org-2"},
	}
}

func TestAuthService_Register_Success(t *testing.T) {
	userRepo := &MockUserRepository{
		CreateFunc: func(ctx context.Context, user *models.User) (*models.User, error) {
			user.ID = "user-1"
			user.CurrentOrganizationID = "org-1"
			user.OrganizationIDs = []string{"org-1"}
			return user, nil
		},
	}
	svc := newTestAuthService(userRepo, &MockMFAProfileRepository{})

	resp, err := svc.Register(context.Background(), "Sam Rivera", "  Sam@Example.com ", "Str0ngPassw0rd")
	require.NoError(t, err)
	assert.Equal(t, "user-1", resp.ID)
	assert.Equal(t, "sam@example.com", resp.Email)
}

func TestAuthService_Register_DuplicateEmail(t *testing.T) {
	userRepo := &MockUserRepository{
		CreateFunc: func(ctx context.Context, user *models.User) (*models.User, error) {
			return nil, models.ErrConflict
		},
	}
	svc := newTestAuthService(userRepo, &MockMFAProfileRepository{})

	_, err := svc.Register(context.Background(), "Sam Rivera", "sam@example.com", "Str0ngPassw0rd")
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestAuthService_Register_WeakPassword(t *testing.T) {
	svc := newTestAuthService(&MockUserRepository{}, &MockMFAProfileRepository{})

	_, err := svc.Register(context.Background(), "Sam Rivera", "sam@example.com", "short")
	require.Error(t, err)

	var validationErr *pkgauth.PasswordValidationError
	assert.ErrorAs(t, err, &validationErr)
}

func TestAuthService_Login_Success(t *testing.T) {
	user := testUser(t, "Str0ngPassw0rd")
	userRepo := &MockUserRepository{
		GetByEmailFunc: func(ctx context.Context, email string) (*models.User, error) {
			assert.Equal(t, "sam@example.com", email)
			return user, nil
		},
	}
	svc := newTestAuthService(userRepo, &MockMFAProfileRepository{})

	resp, err := svc.Login(context.Background(), "Sam@Example.com", "Str0ngPassw0rd", "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, resp.MFARequired)
	require.NotEmpty(t, resp.Token)

	claims, err := newTestTokenManager().VerifySession(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "org-1", claims.OrganizationID)
}

func TestAuthService_Login_UnknownEmail(t *testing.T) {
	svc := newTestAuthService(&MockUserRepository{}, &MockMFAProfileRepository{})

	_, err := svc.Login(context.Background(), "nobody@example.com", "Str0ngPassw0rd", "")
	assert.ErrorIs(t, err, models.ErrUnauthorized)
}

func TestAuthService_Login_WrongPassword(t *testing.T) {
	user := testUser(t, "Str0ngPassw0rd")
	userRepo := &MockUserRepository{
		GetByEmailFunc: func(ctx context.Context, email string) (*models.User, error) {
			return user, nil
		},
	}
	svc := newTestAuthService(userRepo, &MockMFAProfileRepository{})

	_, err := svc.Login(context.Background(), "sam@example.com", "WrongPassw0rd", "")
	assert.ErrorIs(t, err, models.ErrUnauthorized)
}

func TestAuthService_Login_NoPasswordHash(t *testing.T) {
	// SSO-only accounts cannot log in with a password
	user := testUser(t, "Str0ngPassw0rd")
	user.PasswordHash = ""
	userRepo := &MockUserRepository{
		GetByEmailFunc: func(ctx context.Context, email string) (*models.User, error) {
			return user, nil
		},
	}
	svc := newTestAuthService(userRepo, &MockMFAProfileRepository{})

	_, err := svc.Login(context.Background(), "sam@example.com", "", "")
	assert.ErrorIs(t, err, models.ErrUnauthorized)
}

func TestAuthService_Login_MFARequired(t *testing.T) {
	user := testUser(t, "Str0ngPassw0rd")
	userRepo := &MockUserRepository{
		GetByEmailFunc: func(ctx context.Context, email string) (*models.User, error) {
			return user, nil
		},
	}
	profileRepo := &MockMFAProfileRepository{
		GetByUserIDFunc: func(ctx context.Context, userID string) (*models.MFAProfile, error) {
			return &models.MFAProfile{UserID: userID, Enabled: true, Method: models.MFAMethodTOTP, TOTPSecret: "SECRET"}, nil
		},
	}
	svc := newTestAuthService(userRepo, profileRepo)

	resp, err := svc.Login(context.Background(), "sam@example.com", "Str0ngPassw0rd", "")
	require.NoError(t, err)
	assert.True(t, resp.MFARequired)
	assert.Empty(t, resp.Token, "no session token before the second factor")
}

func TestAuthService_SwitchOrganization_Success(t *testing.T) {
	user := testUser(t, "Str0ngPassw0rd")
	updated := false
	userRepo := &MockUserRepository{
		GetByIDFunc: func(ctx context.Context, id string) (*models.User, error) {
			u := *user
			return &u, nil
		},
		UpdateCurrentOrganizationFunc: func(ctx context.Context, userID, organizationID string) error {
			assert.Equal(t, "org-2", organizationID)
			updated = true
			return nil
		},
	}
	svc := newTestAuthService(userRepo, &MockMFAProfileRepository{})

	claims := &models.SessionClaims{UserID: "user-1", OrganizationID: "org-1"}
	resp, err := svc.SwitchOrganization(context.Background(), claims, "org-2")
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Equal(t, "org-2", resp.User.CurrentOrganizationID)

	newClaims, err := newTestTokenManager().VerifySession(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "org-2", newClaims.OrganizationID)
}

func TestAuthService_SwitchOrganization_NotAMember(t *testing.T) {
	user := testUser(t, "Str0ngPassw0rd") // member of org-1 and org-2 only
	userRepo := &MockUserRepository{
		GetByIDFunc: func(ctx context.Context, id string) (*models.User, error) {
			u := *user
			return &u, nil
		},
		UpdateCurrentOrganizationFunc: func(ctx context.Context, userID, organizationID string) error {
			t.Fatal("must not update organization for a non-member")
			return nil
		},
	}
	svc := newTestAuthService(userRepo, &MockMFAProfileRepository{})

	claims := &models.SessionClaims{UserID: "user-1", OrganizationID: "org-1"}
	_, err := svc.SwitchOrganization(context.Background(), claims, "org-9")
	assert.ErrorIs(t, err, models.ErrForbidden)
}
