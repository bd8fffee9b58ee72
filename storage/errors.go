package storage

import (
	"errors"
	"strings"

	"attackmatrix/core"
)

// Storage error constants
var (
	// ErrTechniqueNotFound is returned when a technique is not found
	ErrTechniqueNotFound = errors.New("technique not found")

	// ErrTacticNotFound is returned when a tactic is not found
	ErrTacticNotFound = errors.New("tactic not found")

	// ErrRuleNotFound is returned when a rule is not found or has been deleted
	ErrRuleNotFound = errors.New("rule not found")

	// ErrCommentNotFound is returned when a comment is not found
	ErrCommentNotFound = errors.New("comment not found")

	// ErrUserNotFound is returned when a user is not found
	ErrUserNotFound = errors.New("user not found")

	// ErrSessionNotFound is returned when a session is not found
	ErrSessionNotFound = errors.New("session not found")

	// ErrAuditEntryNotFound is returned when an audit entry is not found
	ErrAuditEntryNotFound = errors.New("audit entry not found")

	// ErrDuplicateRule is returned when a non-deleted rule with the same name exists
	ErrDuplicateRule = errors.New("rule already exists")

	// ErrDuplicateUser is returned when the username is taken
	ErrDuplicateUser = errors.New("user already exists")

	// ErrInvalidTransition is returned when a workflow change is not allowed
	ErrInvalidTransition = core.ErrInvalidTransition

	// ErrInvalidCredentials is returned when a username/password pair does not match
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint failure
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
