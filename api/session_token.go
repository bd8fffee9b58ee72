package api

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"attackmatrix/core"
	"attackmatrix/metrics"
)

const tokenIssuer = "attackmatrix"

// sessionClaims carries a session ID. The token only proves which session the caller
// holds; the session row decides whether it is still valid.
type sessionClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// sessionTokens signs and verifies session tokens with HS256
type sessionTokens struct {
	secret []byte
}

// newSessionTokens creates a signer. An empty secret is replaced by a random one,
// which invalidates every token on restart.
func newSessionTokens(secret string) (*sessionTokens, bool, error) {
	if secret != "" {
		return &sessionTokens{secret: []byte(secret)}, false, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, false, fmt.Errorf("failed to generate session secret: %w", err)
	}
	return &sessionTokens{secret: []byte(hex.EncodeToString(buf))}, true, nil
}

// Sign issues a token for session
func (st *sessionTokens) Sign(session *core.Session, username string) (string, error) {
	claims := &sessionClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        session.ID,
			Subject:   username,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now().Add(-time.Second)),
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(st.secret)
}

// Parse verifies a token and returns the session ID it names
func (st *sessionTokens) Parse(tokenString string) (string, error) {
	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return st.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", err
	}
	if claims.ID == "" {
		return "", errors.New("token carries no session")
	}
	return claims.ID, nil
}

// cachedSession pairs a session with its user so authenticated requests skip two queries
type cachedSession struct {
	session core.Session
	user    core.User
}

// sessionCache is a bounded, expiring cache of validated sessions. Entries are evicted
// explicitly on logout, deactivation and password changes.
type sessionCache struct {
	lru *expirable.LRU[string, cachedSession]
}

// newSessionCache returns nil when size is 0, which disables caching
func newSessionCache(size int, ttl time.Duration) *sessionCache {
	if size <= 0 {
		return nil
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &sessionCache{lru: expirable.NewLRU[string, cachedSession](size, nil, ttl)}
}

func (sc *sessionCache) Get(sessionID string) (cachedSession, bool) {
	if sc == nil {
		return cachedSession{}, false
	}
	entry, ok := sc.lru.Get(sessionID)
	if ok {
		metrics.CacheHits.WithLabelValues("session").Inc()
	} else {
		metrics.CacheMisses.WithLabelValues("session").Inc()
	}
	return entry, ok
}

func (sc *sessionCache) Add(session *core.Session, user *core.User) {
	if sc == nil {
		return
	}
	sc.lru.Add(session.ID, cachedSession{session: *session, user: *user})
}

func (sc *sessionCache) Evict(sessionIDs ...string) {
	if sc == nil {
		return
	}
	for _, id := range sessionIDs {
		sc.lru.Remove(id)
	}
}

// EvictUser drops every cached session of userID
func (sc *sessionCache) EvictUser(userID int64) {
	if sc == nil {
		return
	}
	for _, id := range sc.lru.Keys() {
		if entry, ok := sc.lru.Peek(id); ok && entry.user.ID == userID {
			sc.lru.Remove(id)
		}
	}
}
