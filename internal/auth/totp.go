package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
)

// TOTPManager handles TOTP secret generation and code validation, plus
// generation and hashing of single-use backup codes.
type TOTPManager struct {
	issuer string
}

// TOTPEnrollment is the material returned by secret generation. Nothing is
// persisted until the subject proves the secret with a confirm code.
type TOTPEnrollment struct {
	Secret          string
	ProvisioningURI string
	QRCode          string // PNG data URL
}

func NewTOTPManager(issuer string) *TOTPManager {
	return &TOTPManager{issuer: issuer}
}

// GenerateEnrollment creates a fresh TOTP secret with its provisioning URI
// and QR code for the given account.
func (tm *TOTPManager) GenerateEnrollment(accountEmail string) (*TOTPEnrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      tm.issuer,
		AccountName: accountEmail,
		SecretSize:  32, // 256 bits
		Period:      30,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	qr, err := qrcode.New(key.URL(), qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("failed to create QR code: %w", err)
	}

	qrImage, err := qr.PNG(200)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QR code: %w", err)
	}

	return &TOTPEnrollment{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		QRCode:          "data:image/png;base64," + base64.StdEncoding.EncodeToString(qrImage),
	}, nil
}

// ValidateCode validates a 6-digit code against a base32 secret. A skew of
// one step is allowed in each direction, so codes from the adjacent 30s
// windows are accepted and anything 2+ steps away is not.
func (tm *TOTPManager) ValidateCode(secret, code string) bool {
	valid, err := totp.ValidateCustom(code, secret, time.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return false
	}
	return valid
}

// Backup code charset excludes ambiguous characters (0/O, 1/I/L).
const backupCodeCharset = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

const backupCodeLength = 8

// GenerateBackupCodes generates n random single-use codes. The plaintext is
// returned exactly once; only hashes are stored.
func (tm *TOTPManager) GenerateBackupCodes(n int) ([]string, error) {
	codes := make([]string, n)
	for i := 0; i < n; i++ {
		buf := make([]byte, backupCodeLength)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("failed to generate backup code: %w", err)
		}
		code := make([]byte, backupCodeLength)
		for j, b := range buf {
			code[j] = backupCodeCharset[int(b)%len(backupCodeCharset)]
		}
		codes[i] = string(code)
	}
	return codes, nil
}

// HashBackupCode returns the SHA-256 hex digest of a backup code. The hash
// is deterministic so consumption can be a single equality-matched delete.
func (tm *TOTPManager) HashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
