package model

import (
	"errors"
	"time"
)

// User represents an authentication account (separate from persons).
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	Role         string     `json:"role"`
	CreatedAt    time.Time  `json:"created_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// Roles. Admin is the elevated role, manager the mid-level one.
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleUser    = "user"
)

// MinPasswordLength is the shortest accepted password.
const MinPasswordLength = 8

// RoleAtLeast checks if role meets or exceeds the minimum required role.
func RoleAtLeast(role, minimum string) bool {
	levels := map[string]int{
		RoleAdmin:   3,
		RoleManager: 2,
		RoleUser:    1,
	}
	return levels[role] >= levels[minimum] && levels[minimum] > 0
}

// ValidRole reports whether r is a known role.
func ValidRole(r string) bool {
	return r == RoleAdmin || r == RoleManager || r == RoleUser
}

// ValidatePassword checks password strength requirements.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return errors.New("password must be at least 8 characters")
	}
	return nil
}

// Actor is the authenticated principal a write is evaluated against.
type Actor struct {
	UserID   string `json:"user_id"`
	PersonID string `json:"person_id,omitempty"`
	UnitID   string `json:"unit_id,omitempty"`
	ScopeID  string `json:"scope_id,omitempty"`
	Role     string `json:"role"`
}

// Elevated reports whether the actor holds the elevated role.
func (a Actor) Elevated() bool {
	return a.Role == RoleAdmin
}

// Principal returns the id recorded as the creator of documents: the
// actor's person when linked, otherwise the account.
func (a Actor) Principal() string {
	if a.PersonID != "" {
		return a.PersonID
	}
	return a.UserID
}
