package core

import (
	"errors"
	"fmt"
	"time"
	"unicode"
)

// Role names, from least to most privileged
const (
	RoleViewer  = "viewer"
	RoleAnalyst = "analyst"
	RoleAdmin   = "admin"
)

// Roles lists every role in ascending privilege
var Roles = []string{RoleViewer, RoleAnalyst, RoleAdmin}

var roleRank = map[string]int{RoleViewer: 1, RoleAnalyst: 2, RoleAdmin: 3}

// IsValidRole checks a role name
func IsValidRole(role string) bool {
	_, ok := roleRank[role]
	return ok
}

// RoleAllows reports whether role grants at least the privileges of required
func RoleAllows(role, required string) bool {
	have, ok := roleRank[role]
	if !ok {
		return false
	}
	return have >= roleRank[required]
}

// User is an account of the knowledge base
type User struct {
	ID           int64      `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email,omitempty"`
	FullName     string     `json:"full_name,omitempty"`
	Role         string     `json:"role"`
	IsActive     bool       `json:"is_active"`
	PasswordHash string     `json:"-"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// IsAdmin reports whether the user has the admin role
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Session is a login session. The session row is authoritative: a token whose
// session is inactive or expired is rejected.
type Session struct {
	ID           string    `json:"id"`
	UserID       int64     `json:"user_id"`
	IPAddress    string    `json:"ip_address,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	Remember     bool      `json:"remember"`
	IsActive     bool      `json:"is_active"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"created_at"`
}

// Valid reports whether the session can authenticate a request at now
func (s *Session) Valid(now time.Time) bool {
	return s.IsActive && now.Before(s.ExpiresAt)
}

// ErrWeakPassword is returned when a password fails the password policy
var ErrWeakPassword = errors.New("password does not meet policy")

// ValidatePassword enforces the password policy: at least minLength characters with
// an upper-case letter, a lower-case letter and a digit
func ValidatePassword(password string, minLength int) error {
	if len(password) < minLength {
		return fmt.Errorf("%w: must be at least %d characters", ErrWeakPassword, minLength)
	}
	var upper, lower, digit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !upper || !lower || !digit {
		return fmt.Errorf("%w: must contain upper-case, lower-case and digit characters", ErrWeakPassword)
	}
	return nil
}
