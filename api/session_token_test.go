package api

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attackmatrix/core"
)

func TestSessionTokens_SignParse(t *testing.T) {
	tokens, generated, err := newSessionTokens("secret-one")
	require.NoError(t, err)
	assert.False(t, generated)

	session := &core.Session{ID: "session-1", UserID: 7, ExpiresAt: time.Now().Add(time.Hour)}
	signed, err := tokens.Sign(session, "alice")
	require.NoError(t, err)

	id, err := tokens.Parse(signed)
	require.NoError(t, err)
	assert.Equal(t, "session-1", id)

	other, _, err := newSessionTokens("secret-two")
	require.NoError(t, err)
	_, err = other.Parse(signed)
	assert.Error(t, err, "a token signed with another secret is rejected")

	_, err = tokens.Parse(signed + "x")
	assert.Error(t, err)
	_, err = tokens.Parse("not-a-token")
	assert.Error(t, err)
}

func TestSessionTokens_Expired(t *testing.T) {
	tokens, _, err := newSessionTokens("secret")
	require.NoError(t, err)

	signed, err := tokens.Sign(&core.Session{ID: "old", ExpiresAt: time.Now().Add(-time.Minute)}, "alice")
	require.NoError(t, err)
	_, err = tokens.Parse(signed)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestSessionTokens_RejectsForeignTokens(t *testing.T) {
	tokens, _, err := newSessionTokens("secret")
	require.NoError(t, err)

	wrongIssuer := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ID:        "s",
		Issuer:    "someone-else",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := wrongIssuer.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = tokens.Parse(signed)
	assert.Error(t, err)

	noSession := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err = noSession.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = tokens.Parse(signed)
	assert.Error(t, err)

	noExpiry := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{ID: "s", Issuer: tokenIssuer})
	signed, err = noExpiry.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = tokens.Parse(signed)
	assert.Error(t, err)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		ID:        "s",
		Issuer:    tokenIssuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err = unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = tokens.Parse(signed)
	assert.Error(t, err)
}

func TestNewSessionTokens_GeneratesSecret(t *testing.T) {
	a, generated, err := newSessionTokens("")
	require.NoError(t, err)
	assert.True(t, generated)
	assert.Len(t, a.secret, 64)

	b, _, err := newSessionTokens("")
	require.NoError(t, err)
	assert.NotEqual(t, a.secret, b.secret)
}

func TestSessionCache(t *testing.T) {
	cache := newSessionCache(8, time.Minute)
	alice := &core.User{ID: 1, Username: "alice"}
	bob := &core.User{ID: 2, Username: "bob"}

	cache.Add(&core.Session{ID: "a1", UserID: 1}, alice)
	cache.Add(&core.Session{ID: "a2", UserID: 1}, alice)
	cache.Add(&core.Session{ID: "b1", UserID: 2}, bob)

	entry, ok := cache.Get("a1")
	require.True(t, ok)
	assert.Equal(t, "alice", entry.user.Username)

	cache.EvictUser(1)
	_, ok = cache.Get("a1")
	assert.False(t, ok)
	_, ok = cache.Get("a2")
	assert.False(t, ok)
	_, ok = cache.Get("b1")
	assert.True(t, ok)

	cache.Evict("b1")
	_, ok = cache.Get("b1")
	assert.False(t, ok)
}

func TestSessionCache_Disabled(t *testing.T) {
	cache := newSessionCache(0, time.Minute)
	assert.Nil(t, cache)

	cache.Add(&core.Session{ID: "a1"}, &core.User{ID: 1})
	_, ok := cache.Get("a1")
	assert.False(t, ok)
	cache.Evict("a1")
	cache.EvictUser(1)
}
