package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/harborhealth/gatekeep/internal/database"
	"github.com/harborhealth/gatekeep/internal/models"
	"github.com/jackc/pgx/v5"
)

type MFAProfileRepository struct {
	db *database.DB
}

func NewMFAProfileRepository(db *database.DB) *MFAProfileRepository {
	return &MFAProfileRepository{db: db}
}

// GetByUserID returns the user's MFA profile, or ErrNotFound when the user
// has never enrolled a factor.
func (r *MFAProfileRepository) GetByUserID(ctx context.Context, userID string) (*models.MFAProfile, error) {
	var profile models.MFAProfile
	var totpSecret *string
	var enrolledAt *time.Time
	var backupCodes, credentials, questions []byte

	err := r.db.Pool.QueryRow(ctx, `
		SELECT user_id, enabled, method, totp_secret, enrolled_at,
		       backup_codes, webauthn_credentials, security_questions, updated_at
		FROM mfa_profiles WHERE user_id = $1
	`, userID).Scan(
		&profile.UserID, &profile.Enabled, &profile.Method, &totpSecret, &enrolledAt,
		&backupCodes, &credentials, &questions, &profile.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	if totpSecret != nil {
		profile.TOTPSecret = *totpSecret
	}
	profile.EnrolledAt = enrolledAt

	if err := unmarshalJSONB(backupCodes, &profile.BackupCodes); err != nil {
		return nil, fmt.Errorf("failed to decode backup codes: %w", err)
	}
	if err := unmarshalJSONB(credentials, &profile.WebAuthnCredentials); err != nil {
		return nil, fmt.Errorf("failed to decode webauthn credentials: %w", err)
	}
	if err := unmarshalJSONB(questions, &profile.SecurityQuestions); err != nil {
		return nil, fmt.Errorf("failed to decode security questions: %w", err)
	}

	return &profile, nil
}

// Upsert writes the whole profile in a single statement. Every profile
// mutation goes through here or one of the targeted updates below, so a
// cancelled request never leaves half-updated factor state.
func (r *MFAProfileRepository) Upsert(ctx context.Context, profile *models.MFAProfile) error {
	backupCodes, err := marshalJSONB(profile.BackupCodes)
	if err != nil {
		return fmt.Errorf("failed to encode backup codes: %w", err)
	}
	credentials, err := marshalJSONB(profile.WebAuthnCredentials)
	if err != nil {
		return fmt.Errorf("failed to encode webauthn credentials: %w", err)
	}
	questions, err := marshalJSONB(profile.SecurityQuestions)
	if err != nil {
		return fmt.Errorf("failed to encode security questions: %w", err)
	}

	var totpSecret *string
	if profile.TOTPSecret != "" {
		totpSecret = &profile.TOTPSecret
	}

	profile.UpdatedAt = time.Now()

	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO mfa_profiles (user_id, enabled, method, totp_secret, enrolled_at,
		                          backup_codes, webauthn_credentials, security_questions, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			method = EXCLUDED.method,
			totp_secret = EXCLUDED.totp_secret,
			enrolled_at = EXCLUDED.enrolled_at,
			backup_codes = EXCLUDED.backup_codes,
			webauthn_credentials = EXCLUDED.webauthn_credentials,
			security_questions = EXCLUDED.security_questions,
			updated_at = EXCLUDED.updated_at
	`, profile.UserID, profile.Enabled, profile.Method, totpSecret, profile.EnrolledAt,
		backupCodes, credentials, questions, profile.UpdatedAt)
	if err != nil {
		return database.MapPostgresError(err)
	}
	return nil
}

// ConsumeBackupCode removes the entry matching codeHash and returns the
// remaining count. The removal is one conditional UPDATE whose WHERE clause
// re-checks presence, so two concurrent uses of the same code cannot both
// succeed. ErrNotFound means the code is unknown or already consumed.
func (r *MFAProfileRepository) ConsumeBackupCode(ctx context.Context, userID, codeHash string) (int, error) {
	var remaining int
	err := r.db.Pool.QueryRow(ctx, `
		UPDATE mfa_profiles
		SET backup_codes = COALESCE(
			(SELECT jsonb_agg(entry)
			 FROM jsonb_array_elements(backup_codes) AS entry
			 WHERE entry->>'code_hash' <> $2),
			'[]'::jsonb),
		    updated_at = now()
		WHERE user_id = $1
		  AND backup_codes @> jsonb_build_array(jsonb_build_object('code_hash', $2::text))
		RETURNING jsonb_array_length(backup_codes)
	`, userID, codeHash).Scan(&remaining)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return remaining, nil
}

// UpdateCredentialUsage records a successful assertion: new signature
// counter and last-used timestamp. Runs under a row lock so concurrent
// assertions against the same profile serialize.
func (r *MFAProfileRepository) UpdateCredentialUsage(ctx context.Context, userID string, credentialID []byte, signCount uint32, usedAt time.Time) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		var raw []byte
		err := tx.QueryRow(ctx, `
			SELECT webauthn_credentials FROM mfa_profiles WHERE user_id = $1 FOR UPDATE
		`, userID).Scan(&raw)
		if err != nil {
			return database.MapPostgresError(err)
		}

		profile := models.MFAProfile{UserID: userID}
		if err := unmarshalJSONB(raw, &profile.WebAuthnCredentials); err != nil {
			return fmt.Errorf("failed to decode webauthn credentials: %w", err)
		}

		credential := profile.CredentialByID(credentialID)
		if credential == nil {
			return models.ErrNotFound
		}
		credential.SignCount = signCount
		credential.LastUsedAt = &usedAt

		encoded, err := marshalJSONB(profile.WebAuthnCredentials)
		if err != nil {
			return fmt.Errorf("failed to encode webauthn credentials: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE mfa_profiles SET webauthn_credentials = $2, updated_at = now() WHERE user_id = $1
		`, userID, encoded)
		return database.MapPostgresError(err)
	})
}

// marshalJSONB normalizes nil slices to empty jsonb arrays so
// jsonb_array_length never sees a json null.
func marshalJSONB[T any](v []T) ([]byte, error) {
	if v == nil {
		v = []T{}
	}
	return json.Marshal(v)
}

func unmarshalJSONB(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
