package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRoleAllows(t *testing.T) {
	assert.True(t, RoleAllows(RoleAdmin, RoleViewer))
	assert.True(t, RoleAllows(RoleAnalyst, RoleAnalyst))
	assert.False(t, RoleAllows(RoleViewer, RoleAnalyst))
	assert.False(t, RoleAllows("root", RoleViewer))
	assert.False(t, IsValidRole("engineer"))
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		password string
		valid    bool
	}{
		{"Str0ngPass", true},
		{"short1A", false},
		{"alllowercase1", false},
		{"ALLUPPERCASE1", false},
		{"NoDigitsHere", false},
	}
	for _, tt := range tests {
		err := ValidatePassword(tt.password, 8)
		if tt.valid {
			assert.NoError(t, err, tt.password)
		} else {
			assert.ErrorIs(t, err, ErrWeakPassword, tt.password)
		}
	}
}

func TestSessionValid(t *testing.T) {
	now := time.Now()
	s := Session{IsActive: true, ExpiresAt: now.Add(time.Hour)}
	assert.True(t, s.Valid(now))
	assert.False(t, s.Valid(now.Add(2*time.Hour)))

	s.IsActive = false
	assert.False(t, s.Valid(now))
}
