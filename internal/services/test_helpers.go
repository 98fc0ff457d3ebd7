package services

import (
	"context"
	"time"

	"github.com/harborhealth/gatekeep/internal/models"
)

// MockUserRepository implements UserRepository for testing
type MockUserRepository struct {
	GetByIDFunc                   func(ctx context.Context, id string) (*models.User, error)
	GetByEmailFunc                func(ctx context.Context, email string) (*models.User, error)
	CreateFunc                    func(ctx context.Context, user *models.User) (*models.User, error)
	UpdateCurrentOrganizationFunc func(ctx context.Context, userID, organizationID string) error
}

func (m *MockUserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	if m.GetByEmailFunc != nil {
		return m.GetByEmailFunc(ctx, email)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, user)
	}
	return nil, models.ErrInternalServer
}

func (m *MockUserRepository) UpdateCurrentOrganization(ctx context.Context, userID, organizationID string) error {
	if m.UpdateCurrentOrganizationFunc != nil {
		return m.UpdateCurrentOrganizationFunc(ctx, userID, organizationID)
	}
	return nil
}

// MockMFAProfileRepository implements MFAProfileRepository for testing
type MockMFAProfileRepository struct {
	GetByUserIDFunc           func(ctx context.Context, userID string) (*models.MFAProfile, error)
	UpsertFunc                func(ctx context.Context, profile *models.MFAProfile) error
	ConsumeBackupCodeFunc     func(ctx context.Context, userID, codeHash string) (int, error)
	UpdateCredentialUsageFunc func(ctx context.Context, userID string, credentialID []byte, signCount uint32, usedAt time.Time) error
}

func (m *MockMFAProfileRepository) GetByUserID(ctx context.Context, userID string) (*models.MFAProfile, error) {
	if m.GetByUserIDFunc != nil {
		return m.GetByUserIDFunc(ctx, userID)
	}
	return nil, models.ErrNotFound
}

func (m *MockMFAProfileRepository) Upsert(ctx context.Context, profile *models.MFAProfile) error {
	if m.UpsertFunc != nil {
		return m.UpsertFunc(ctx, profile)
	}
	return nil
}

func (m *MockMFAProfileRepository) ConsumeBackupCode(ctx context.Context, userID, codeHash string) (int, error) {
	if m.ConsumeBackupCodeFunc != nil {
		return m.ConsumeBackupCodeFunc(ctx, userID, codeHash)
	}
	return 0, models.ErrNotFound
}

func (m *MockMFAProfileRepository) UpdateCredentialUsage(ctx context.Context, userID string, credentialID []byte, signCount uint32, usedAt time.Time) error {
	if m.UpdateCredentialUsageFunc != nil {
		return m.UpdateCredentialUsageFunc(ctx, userID, credentialID, signCount, usedAt)
	}
	return nil
}
