package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateCodeAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

func TestTOTPManager_GenerateEnrollment(t *testing.T) {
	tm := NewTOTPManager("Harbor Health")

	enrollment, err := tm.GenerateEnrollment("alice@example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, enrollment.Secret)
	assert.Contains(t, enrollment.ProvisioningURI, "otpauth://totp/")
	assert.Contains(t, enrollment.ProvisioningURI, "Harbor%20Health")
	assert.True(t, strings.HasPrefix(enrollment.QRCode, "data:image/png;base64,"))
}

func TestTOTPManager_ValidateCode_CurrentStep(t *testing.T) {
	tm := NewTOTPManager("Harbor Health")
	enrollment, err := tm.GenerateEnrollment("alice@example.com")
	require.NoError(t, err)

	code := generateCodeAt(t, enrollment.Secret, time.Now())
	assert.True(t, tm.ValidateCode(enrollment.Secret, code))
}

func TestTOTPManager_ValidateCode_AdjacentSteps(t *testing.T) {
	tm := NewTOTPManager("Harbor Health")
	enrollment, err := tm.GenerateEnrollment("alice@example.com")
	require.NoError(t, err)

	previous := generateCodeAt(t, enrollment.Secret, time.Now().Add(-30*time.Second))
	next := generateCodeAt(t, enrollment.Secret, time.Now().Add(30*time.Second))

	assert.True(t, tm.ValidateCode(enrollment.Secret, previous))
	assert.True(t, tm.ValidateCode(enrollment.Secret, next))
}

func TestTOTPManager_ValidateCode_TwoStepsAway(t *testing.T) {
	tm := NewTOTPManager("Harbor Health")
	enrollment, err := tm.GenerateEnrollment("alice@example.com")
	require.NoError(t, err)

	// 90s guarantees we are at least two steps from the current window
	stale := generateCodeAt(t, enrollment.Secret, time.Now().Add(-91*time.Second))
	future := generateCodeAt(t, enrollment.Secret, time.Now().Add(91*time.Second))

	assert.False(t, tm.ValidateCode(enrollment.Secret, stale))
	assert.False(t, tm.ValidateCode(enrollment.Secret, future))
}

func TestTOTPManager_ValidateCode_Garbage(t *testing.T) {
	tm := NewTOTPManager("Harbor Health")
	enrollment, err := tm.GenerateEnrollment("alice@example.com")
	require.NoError(t, err)

	assert.False(t, tm.ValidateCode(enrollment.Secret, "000000"))
	assert.False(t, tm.ValidateCode(enrollment.Secret, "abc"))
	assert.False(t, tm.ValidateCode(enrollment.Secret, ""))
}

func TestTOTPManager_GenerateBackupCodes(t *testing.T) {
	tm := NewTOTPManager("Harbor Health")

	codes, err := tm.GenerateBackupCodes(10)
	require.NoError(t, err)
	require.Len(t, codes, 10)

	seen := make(map[string]bool)
	for _, code := range codes {
		assert.Len(t, code, backupCodeLength)
		for _, c := range code {
			assert.Contains(t, backupCodeCharset, string(c))
		}
		assert.False(t, seen[code], "backup codes must be unique")
		seen[code] = true
	}
}

func TestTOTPManager_HashBackupCode_Deterministic(t *testing.T) {
	tm := NewTOTPManager("Harbor Health")

	h1 := tm.HashBackupCode("ABCD2345")
	h2 := tm.HashBackupCode("ABCD2345")
	h3 := tm.HashBackupCode("ABCD2346")

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 64)
}
