package api

import (
	"context"

	"attackmatrix/core"
)

// contextKey is a private type to prevent context key collisions across packages.
// Only this package can create these keys, so handlers can trust the identity they carry.
type contextKey string

const (
	// ContextKeyUser stores the authenticated *core.User
	ContextKeyUser contextKey = "user"

	// ContextKeySession stores the *core.Session backing the request
	ContextKeySession contextKey = "session"

	// ContextKeyRequestID stores the unique request identifier (string)
	ContextKeyRequestID contextKey = "request_id"
)

// GetUser extracts the authenticated user from the context
func GetUser(ctx context.Context) (*core.User, bool) {
	user, ok := ctx.Value(ContextKeyUser).(*core.User)
	return user, ok && user != nil
}

// WithUser creates a new context carrying the authenticated user
func WithUser(ctx context.Context, user *core.User) context.Context {
	return context.WithValue(ctx, ContextKeyUser, user)
}

// GetSession extracts the current session from the context. Requests served with
// authentication disabled have no session.
func GetSession(ctx context.Context) (*core.Session, bool) {
	session, ok := ctx.Value(ContextKeySession).(*core.Session)
	return session, ok && session != nil
}

// WithSession creates a new context carrying the session
func WithSession(ctx context.Context, session *core.Session) context.Context {
	return context.WithValue(ctx, ContextKeySession, session)
}

// GetRequestID extracts the request ID from the context
func GetRequestID(ctx context.Context) (string, bool) {
	requestID, ok := ctx.Value(ContextKeyRequestID).(string)
	return requestID, ok
}

// GetRequestIDOrDefault extracts the request ID from the context or returns "unknown"
func GetRequestIDOrDefault(ctx context.Context) string {
	if requestID, ok := GetRequestID(ctx); ok && requestID != "" {
		return requestID
	}
	return "unknown"
}

// WithRequestID creates a new context with the request ID value
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// actorID returns the database ID of the caller for created_by style columns.
// The built-in admin used when authentication is disabled has no row, so it maps to nil.
func actorID(ctx context.Context) *int64 {
	user, ok := GetUser(ctx)
	if !ok || user.ID == 0 {
		return nil
	}
	id := user.ID
	return &id
}

// usernameFromContext returns the caller's username or ""
func usernameFromContext(ctx context.Context) string {
	if user, ok := GetUser(ctx); ok {
		return user.Username
	}
	return ""
}
