package auth

import (
	"errors"
	"regexp"
	"time"
)

// loginPattern defines the valid format for logins:
// alphanumeric, dots, hyphens, underscores, 1-64 characters.
var loginPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// maxLoginLength is the maximum allowed login length.
const maxLoginLength = 64

// IsValidLogin checks if a login meets format requirements.
// Logins must be 1-64 characters, alphanumeric with dots, hyphens, underscores.
func IsValidLogin(login string) bool {
	return len(login) <= maxLoginLength && loginPattern.MatchString(login)
}

// Role represents an authorisation tier in the system.
type Role string

const (
	// RoleClient is a regular API consumer. Access to devices is scoped by
	// explicit network grants; zero grants means no device visibility.
	RoleClient Role = "client"

	// RoleAdmin has full control: devices, networks, users, grants.
	// Bypasses network scoping entirely.
	RoleAdmin Role = "admin"
)

// ValidRoles is the set of valid user roles.
var ValidRoles = []Role{RoleClient, RoleAdmin}

// IsValidRole returns true if the role is recognised.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// User status values.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// User represents an authenticated account.
type User struct {
	ID           string    `json:"id"`
	Login        string    `json:"login"`
	PasswordHash string    `json:"-"` // never serialised
	Role         Role      `json:"role"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IsAdmin returns true for administrator accounts.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// IsActive returns true if the account may authenticate.
func (u *User) IsActive() bool {
	return u != nil && u.Status == StatusActive
}

// Sentinel errors for auth operations.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrUserNotFound       = errors.New("auth: user not found")
	ErrUserDisabled       = errors.New("auth: user account is disabled")
	ErrLoginExists        = errors.New("auth: login already exists")
	ErrTokenInvalid       = errors.New("auth: invalid token")
	ErrAccessDenied       = errors.New("auth: access denied")
)
