package services

import (
	"context"
	"time"

	"github.com/harborhealth/gatekeep/internal/models"
)

// UserRepository defines the persistence operations services need for users.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, user *models.User) (*models.User, error)
	UpdateCurrentOrganization(ctx context.Context, userID, organizationID string) error
}

// MFAProfileRepository defines the persistence operations for second-factor
// state.
type MFAProfileRepository interface {
	GetByUserID(ctx context.Context, userID string) (*models.MFAProfile, error)
	Upsert(ctx context.Context, profile *models.MFAProfile) error
	ConsumeBackupCode(ctx context.Context, userID, codeHash string) (int, error)
	UpdateCredentialUsage(ctx context.Context, userID string, credentialID []byte, signCount uint32, usedAt time.Time) error
}
