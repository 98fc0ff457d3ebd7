package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/harborhealth/gatekeep/internal/database"
	"github.com/harborhealth/gatekeep/internal/models"
	"github.com/jackc/pgx/v5"
)

type UserRepository struct {
	db *database.DB
}

func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{db: db}
}

// rowScanner interface for scanning user rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const userColumns = `
	u.id, u.email, u.password_hash, u.full_name, u.role,
	u.current_organization_id, u.date_of_birth, u.created_at, u.updated_at,
	COALESCE(array_agg(m.organization_id) FILTER (WHERE m.organization_id IS NOT NULL), '{}')
`

// scanUserRow handles nullable fields and populates a User model from a database row
func scanUserRow(scanner rowScanner) (*models.User, error) {
	var user models.User
	var passwordHash *string
	var dateOfBirth *time.Time

	err := scanner.Scan(
		&user.ID, &user.Email, &passwordHash, &user.FullName, &user.Role,
		&user.CurrentOrganizationID, &dateOfBirth,
		&user.CreatedAt, &user.UpdatedAt, &user.OrganizationIDs,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	if passwordHash != nil {
		user.PasswordHash = *passwordHash
	}
	user.DateOfBirth = dateOfBirth

	return &user, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users u
		LEFT JOIN user_organizations m ON m.user_id = u.id
		WHERE u.id = $1
		GROUP BY u.id
	`

	return scanUserRow(r.db.Pool.QueryRow(ctx, query, id))
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users u
		LEFT JOIN user_organizations m ON m.user_id = u.id
		WHERE u.email = $1
		GROUP BY u.id
	`

	return scanUserRow(r.db.Pool.QueryRow(ctx, query, email))
}

// Create inserts the user and its organization memberships in one
// transaction. Missing ID and membership set are filled in: a user created
// without an organization gets a personal one so the membership set is
// never empty.
func (r *UserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}

	if len(user.OrganizationIDs) == 0 {
		user.OrganizationIDs = []string{uuid.New().String()}
	}
	if user.CurrentOrganizationID == "" {
		user.CurrentOrganizationID = user.OrganizationIDs[0]
	}

	if user.Role == "" {
		user.Role = models.RolePatient
	} else if !models.ValidRole(user.Role) {
		return nil, models.ErrBadRequest
	}

	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		var passwordHash *string
		if user.PasswordHash != "" {
			passwordHash = &user.PasswordHash
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO users (id, email, password_hash, full_name, role, current_organization_id, date_of_birth, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, user.ID, user.Email, passwordHash, user.FullName, user.Role,
			user.CurrentOrganizationID, user.DateOfBirth, user.CreatedAt, user.UpdatedAt)
		if err != nil {
			return database.MapPostgresError(err)
		}

		for _, orgID := range user.OrganizationIDs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO user_organizations (user_id, organization_id) VALUES ($1, $2)
				ON CONFLICT DO NOTHING
			`, user.ID, orgID); err != nil {
				return database.MapPostgresError(err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return user, nil
}

// UpdateCurrentOrganization moves the user's active organizational context.
// Membership must be verified by the caller beforehand.
func (r *UserRepository) UpdateCurrentOrganization(ctx context.Context, userID, organizationID string) error {
	result, err := r.db.Pool.Exec(ctx, `
		UPDATE users SET current_organization_id = $1, updated_at = $2 WHERE id = $3
	`, organizationID, time.Now(), userID)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
