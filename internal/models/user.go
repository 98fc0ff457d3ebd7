package models

import (
	"time"
)

// Roles form a closed enumeration. Anything else is rejected at the
// validation boundary.
const (
	RoleAdmin     = "admin"
	RoleClinician = "clinician"
	RoleStaff     = "staff"
	RolePatient   = "patient"
)

// ValidRole reports whether role is one of the known staff/patient roles.
func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleClinician, RoleStaff, RolePatient:
		return true
	}
	return false
}

type User struct {
	ID                    string
	Email                 string
	PasswordHash          string // empty for external-identity-only users
	FullName              string
	Role                  string
	CurrentOrganizationID string
	OrganizationIDs       []string
	DateOfBirth           *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// MemberOf reports whether the user belongs to the given organization.
func (u *User) MemberOf(organizationID string) bool {
	for _, id := range u.OrganizationIDs {
		if id == organizationID {
			return true
		}
	}
	return false
}

// UserResponse is the client-facing projection of a User. Password hash and
// token material never leave the server.
type UserResponse struct {
	ID                    string     `json:"id"`
	Email                 string     `json:"email"`
	FullName              string     `json:"full_name"`
	Role                  string     `json:"role"`
	CurrentOrganizationID string     `json:"current_organization_id"`
	OrganizationIDs       []string   `json:"organization_ids"`
	DateOfBirth           *time.Time `json:"date_of_birth,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
}

// ToResponse converts a User to its client-facing projection.
func (u *User) ToResponse() *UserResponse {
	return &UserResponse{
		ID:                    u.ID,
		Email:                 u.Email,
		FullName:              u.FullName,
		Role:                  u.Role,
		CurrentOrganizationID: u.CurrentOrganizationID,
		OrganizationIDs:       u.OrganizationIDs,
		DateOfBirth:           u.DateOfBirth,
		CreatedAt:             u.CreatedAt,
	}
}
