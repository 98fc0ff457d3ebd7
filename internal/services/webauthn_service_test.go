package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/harborhealth/gatekeep/internal/auth"
	"github.com/harborhealth/gatekeep/internal/cache"
	"github.com/harborhealth/gatekeep/internal/config"
	"github.com/harborhealth/gatekeep/internal/models"
	pkglogger "github.com/harborhealth/gatekeep/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWebAuthnService(t *testing.T, userRepo *MockUserRepository, profileRepo *MockMFAProfileRepository, store cache.Store) *WebAuthnService {
	t.Helper()
	logger := testLogger()
	svc, err := NewWebAuthnService(config.WebAuthnConfig{
		RPID:          "localhost",
		RPDisplayName: "Harbor Health",
		RPOrigins:     []string{"http://localhost:3000"},
	}, store, userRepo, profileRepo, auth.NewTOTPManager("Harbor Health"),
		newTestTokenManager(), logger, pkglogger.NewAuditLogger(logger), 5*time.Minute, 10, 5*time.Second)
	require.NoError(t, err)
	return svc
}

func testWebauthnCredential() models.WebAuthnCredential {
	return models.WebAuthnCredential{
		CredentialID:    []byte("cred-1"),
		PublicKey:       []byte("public-key"),
		AttestationType: "none",
		SignCount:       3,
		DeviceLabel:     "Pixel 8",
		CreatedAt:       time.Now(),
	}
}

func credentialResponseRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestWebAuthnService_BeginRegistration_StoresCeremonySession(t *testing.T) {
	user := testUser(t, "Str0ngPassw0rd")
	store := cache.NewMemoryStore()
	svc := newTestWebAuthnService(t, userRepoReturning(user), &MockMFAProfileRepository{}, store)

	options, err := svc.BeginRegistration(context.Background(), "user-1", "Pixel 8")
	require.NoError(t, err)
	require.NotEmpty(t, options.Response.Challenge)
	require.NotNil(t, options.Response.AuthenticatorSelection)
	assert.Equal(t, protocol.VerificationRequired, options.Response.AuthenticatorSelection.UserVerification)

	// The ceremony state must survive a JSON round trip through the store so
	// another instance can run the finish step.
	encoded, err := store.Get(context.Background(), webauthnRegistrationKeyPrefix+"user-1")
	require.NoError(t, err)

	var stored registrationSession
	require.NoError(t, json.Unmarshal(encoded, &stored))
	assert.Equal(t, "Pixel 8", stored.DeviceLabel)
	assert.Equal(t, []byte("user-1"), []byte(stored.Session.UserID))
	assert.NotEmpty(t, stored.Session.Challenge)
}

func TestWebAuthnService_BeginRegistration_UnknownUser(t *testing.T) {
	svc := newTestWebAuthnService(t, &MockUserRepository{}, &MockMFAProfileRepository{}, cache.NewMemoryStore())

	_, err := svc.BeginRegistration(context.Background(), "ghost", "Pixel 8")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestWebAuthnService_FinishRegistration_WithoutCeremony(t *testing.T) {
	user := testUser(t, "Str0ngPassw0rd")
	svc := newTestWebAuthnService(t, userRepoReturning(user), &MockMFAProfileRepository{}, cache.NewMemoryStore())

	_, err := svc.FinishRegistration(context.Background(), "user-1", credentialResponseRequest("{}"))
	assert.ErrorIs(t, err, models.ErrUnauthorized)
}

func TestWebAuthnService_FinishRegistration_ConsumesCeremony(t *testing.T) {
	user := testUser(t, "Str0ngPassw0rd")
	store := cache.NewMemoryStore()
	svc := newTestWebAuthnService(t, userRepoReturning(user), &MockMFAProfileRepository{}, store)

	encoded, err := json.Marshal(registrationSession{
		Session: webauthn.SessionData{
			Challenge: "dGVzdC1jaGFsbGVuZ2U",
			UserID:    []byte("user-1"),
			Expires:   time.Now().Add(5 * time.Minute),
		},
		DeviceLabel: "Pixel 8",
	})
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), webauthnRegistrationKeyPrefix+"user-1", encoded, time.Minute))

	// An unparseable response is rejected, and the ceremony is consumed
	// before verification so the same session cannot be retried.
	_, err = svc.FinishRegistration(context.Background(), "user-1", credentialResponseRequest("{}"))
	assert.ErrorIs(t, err, models.ErrBadRequest)

	_, err = store.Get(context.Background(), webauthnRegistrationKeyPrefix+"user-1")
	assert.ErrorIs(t, err, cache.ErrMiss, "ceremony session must be consumed on the first finish attempt")

	_, err = svc.FinishRegistration(context.Background(), "user-1", credentialResponseRequest("{}"))
	assert.ErrorIs(t, err, models.ErrUnauthorized)
}

func TestWebAuthnService_BeginLogin_RequiresRegisteredCredential(t *testing.T) {
	user := testUser(t, "Str0ngPassw0rd")
	profileRepo := &MockMFAProfileRepository{
		GetByUserIDFunc: func(ctx context.Context, userID string) (*models.MFAProfile, error) {
			return &models.MFAProfile{UserID: userID, Enabled: true, Method: models.MFAMethodTOTP, TOTPSecret: "SECRET"}, nil
		},
	}
	svc := newTestWebAuthnService(t, userRepoReturning(user), profileRepo, cache.NewMemoryStore())

	_, err := svc.BeginLogin(context.Background(), "user-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestWebAuthnService_BeginLogin_StoresCeremonySession(t *testing.T) {
	user := testUser(t, "Str0ngPassw0rd")
	store := cache.NewMemoryStore()
	profileRepo := &MockMFAProfileRepository{
		GetByUserIDFunc: func(ctx context.Context, userID string) (*models.MFAProfile, error) {
			return &models.MFAProfile{
				UserID:              userID,
				Enabled:             true,
				Method:              models.MFAMethodWebAuthn,
				WebAuthnCredentials: []models.WebAuthnCredential{testWebauthnCredential()},
			}, nil
		},
	}
	svc := newTestWebAuthnService(t, userRepoReturning(user), profileRepo, store)

	options, err := svc.BeginLogin(context.Background(), "user-1")
	require.NoError(t, err)
	require.NotEmpty(t, options.Response.Challenge)
	require.Len(t, options.Response.AllowedCredentials, 1)
	assert.Equal(t, []byte("cred-1"), []byte(options.Response.AllowedCredentials[0].CredentialID))

	encoded, err := store.Get(context.Background(), webauthnLoginKeyPrefix+"user-1")
	require.NoError(t, err)

	var session webauthn.SessionData
	require.NoError(t, json.Unmarshal(encoded, &session))
	require.Len(t, session.AllowedCredentialIDs, 1)
	assert.Equal(t, []byte("cred-1"), session.AllowedCredentialIDs[0])
}

func TestWebAuthnService_FinishLogin_WithoutCeremony(t *testing.T) {
	user := testUser(t, "Str0ngPassw0rd")
	svc := newTestWebAuthnService(t, userRepoReturning(user), &MockMFAProfileRepository{}, cache.NewMemoryStore())

	_, err := svc.FinishLogin(context.Background(), "user-1", credentialResponseRequest("{}"))
	assert.ErrorIs(t, err, models.ErrUnauthorized)
}

func TestWebAuthnService_FinishLogin_ConsumesCeremonyOnFailure(t *testing.T) {
	user := testUser(t, "Str0ngPassw0rd")
	store := cache.NewMemoryStore()
	profileRepo := &MockMFAProfileRepository{
		GetByUserIDFunc: func(ctx context.Context, userID string) (*models.MFAProfile, error) {
			return &models.MFAProfile{
				UserID:              userID,
				Enabled:             true,
				Method:              models.MFAMethodWebAuthn,
				WebAuthnCredentials: []models.WebAuthnCredential{testWebauthnCredential()},
			}, nil
		},
	}
	svc := newTestWebAuthnService(t, userRepoReturning(user), profileRepo, store)

	encoded, err := json.Marshal(webauthn.SessionData{
		Challenge:            "dGVzdC1jaGFsbGVuZ2U",
		UserID:               []byte("user-1"),
		AllowedCredentialIDs: [][]byte{[]byte("cred-1")},
		Expires:              time.Now().Add(5 * time.Minute),
	})
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), webauthnLoginKeyPrefix+"user-1", encoded, time.Minute))

	_, err = svc.FinishLogin(context.Background(), "user-1", credentialResponseRequest("{}"))
	assert.ErrorIs(t, err, models.ErrUnauthorized)

	// The rejected assertion burned the ceremony: a replay finds no session.
	_, err = store.Get(context.Background(), webauthnLoginKeyPrefix+"user-1")
	assert.ErrorIs(t, err, cache.ErrMiss)
}

func TestWebAuthnService_CompleteAssertion_RejectsClonedCredential(t *testing.T) {
	user := testUser(t, "Str0ngPassw0rd")
	usageRecorded := false
	profileRepo := &MockMFAProfileRepository{
		UpdateCredentialUsageFunc: func(ctx context.Context, userID string, credentialID []byte, signCount uint32, usedAt time.Time) error {
			usageRecorded = true
			return nil
		},
	}
	svc := newTestWebAuthnService(t, userRepoReturning(user), profileRepo, cache.NewMemoryStore())

	credential := &webauthn.Credential{
		ID: []byte("cred-1"),
		Authenticator: webauthn.Authenticator{
			SignCount:    3,
			CloneWarning: true,
		},
	}

	_, err := svc.completeAssertion(context.Background(), "user-1", credential)
	assert.ErrorIs(t, err, models.ErrUnauthorized)
	assert.False(t, usageRecorded, "a suspected clone must not advance the counter")
}

func TestWebAuthnService_CompleteAssertion_RecordsCounterAndIssuesSession(t *testing.T) {
	user := testUser(t, "Str0ngPassw0rd")
	var recordedID []byte
	var recordedCount uint32
	profileRepo := &MockMFAProfileRepository{
		UpdateCredentialUsageFunc: func(ctx context.Context, userID string, credentialID []byte, signCount uint32, usedAt time.Time) error {
			recordedID = credentialID
			recordedCount = signCount
			return nil
		},
	}
	svc := newTestWebAuthnService(t, userRepoReturning(user), profileRepo, cache.NewMemoryStore())

	credential := &webauthn.Credential{
		ID:            []byte("cred-1"),
		Authenticator: webauthn.Authenticator{SignCount: 4},
	}

	outcome, err := svc.completeAssertion(context.Background(), "user-1", credential)
	require.NoError(t, err)
	assert.Equal(t, []byte("cred-1"), recordedID)
	assert.Equal(t, uint32(4), recordedCount)
	assert.Equal(t, -1, outcome.RemainingBackupCodes)

	claims, err := newTestTokenManager().VerifySession(outcome.Token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "org-1", claims.OrganizationID)
}

func TestWebAuthnService_StoreCredential_FirstEnrollment(t *testing.T) {
	user := testUser(t, "Str0ngPassw0rd")
	var saved *models.MFAProfile
	profileRepo := &MockMFAProfileRepository{
		UpsertFunc: func(ctx context.Context, profile *models.MFAProfile) error {
			saved = profile
			return nil
		},
	}
	svc := newTestWebAuthnService(t, userRepoReturning(user), profileRepo, cache.NewMemoryStore())

	profile := &models.MFAProfile{UserID: "user-1", Method: models.MFAMethodNone}
	credential := &webauthn.Credential{ID: []byte("cred-1"), PublicKey: []byte("public-key"), AttestationType: "none"}

	result, err := svc.storeCredential(context.Background(), "user-1", profile, credential, "Pixel 8")
	require.NoError(t, err)
	assert.Equal(t, []byte("cred-1"), result.CredentialID)
	assert.Len(t, result.BackupCodes, 10, "first enrollment provisions the fallback code set")

	require.NotNil(t, saved)
	assert.True(t, saved.Enabled)
	assert.Equal(t, models.MFAMethodWebAuthn, saved.Method)
	require.NotNil(t, saved.EnrolledAt)
	require.Len(t, saved.WebAuthnCredentials, 1)
	assert.Equal(t, "Pixel 8", saved.WebAuthnCredentials[0].DeviceLabel)
	assert.Len(t, saved.BackupCodes, 10)
}

func TestWebAuthnService_StoreCredential_UpgradesMethodToBoth(t *testing.T) {
	user := testUser(t, "Str0ngPassw0rd")
	var saved *models.MFAProfile
	profileRepo := &MockMFAProfileRepository{
		UpsertFunc: func(ctx context.Context, profile *models.MFAProfile) error {
			saved = profile
			return nil
		},
	}
	svc := newTestWebAuthnService(t, userRepoReturning(user), profileRepo, cache.NewMemoryStore())

	enrolledAt := time.Now().Add(-24 * time.Hour)
	profile := &models.MFAProfile{
		UserID:      "user-1",
		Enabled:     true,
		Method:      models.MFAMethodTOTP,
		TOTPSecret:  "SECRET",
		EnrolledAt:  &enrolledAt,
		BackupCodes: []models.BackupCodeEntry{{CodeHash: "hash", CreatedAt: enrolledAt}},
	}
	credential := &webauthn.Credential{ID: []byte("cred-1"), PublicKey: []byte("public-key"), AttestationType: "none"}

	result, err := svc.storeCredential(context.Background(), "user-1", profile, credential, "Pixel 8")
	require.NoError(t, err)
	assert.Empty(t, result.BackupCodes, "an existing code set is not reissued")

	require.NotNil(t, saved)
	assert.Equal(t, models.MFAMethodBoth, saved.Method)
	assert.Equal(t, enrolledAt, *saved.EnrolledAt)
	require.Len(t, saved.BackupCodes, 1)
}
