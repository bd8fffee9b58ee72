package api

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"attackmatrix/core"
	"attackmatrix/metrics"
	"attackmatrix/storage"
)

const authCookieName = "auth_token"

// incoming request IDs are accepted only when they look like IDs
var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// requestIDMiddleware tags every request with an ID, reusing a well-formed X-Request-ID
func (a *API) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if !requestIDPattern.MatchString(requestID) {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), requestID)))
	})
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// metricsMiddleware records request counts and latency per route template
func (a *API) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		metrics.HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
	})
}

// corsMiddleware adds CORS headers for the configured origins and answers preflight requests
func (a *API) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		for _, allowed := range a.config.API.AllowedOrigins {
			if origin != "" && (origin == allowed || allowed == "*") {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				break
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// builtinAdmin is the identity every request carries when authentication is disabled
func (a *API) builtinAdmin() *core.User {
	return &core.User{
		ID:       0,
		Username: a.config.Auth.AdminUsername,
		Role:     core.RoleAdmin,
		IsActive: true,
	}
}

// tokenFromRequest reads the session token from the Authorization header or the auth cookie
func tokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if cookie, err := r.Cookie(authCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// authMiddleware resolves the session token to a session and user. The session row
// decides validity; the cache only saves the lookups while an entry is fresh.
func (a *API) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.config.Auth.Enabled {
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), a.builtinAdmin())))
			return
		}

		token := tokenFromRequest(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "Authentication required", nil, a.logger)
			return
		}

		sessionID, err := a.tokens.Parse(token)
		if err != nil {
			a.logger.Debugw("Rejected session token", "error", sanitizeLogMessage(err.Error()), "ip", a.clientIP(r))
			writeError(w, http.StatusUnauthorized, "Invalid or expired session", err, a.logger)
			return
		}

		session, user, err := a.resolveSession(r, sessionID)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired session", err, a.logger)
			return
		}

		ctx := WithSession(WithUser(r.Context(), user), session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

var errSessionInvalid = errors.New("session is inactive or expired")

func (a *API) resolveSession(r *http.Request, sessionID string) (*core.Session, *core.User, error) {
	now := a.now()
	if cached, ok := a.sessions.Get(sessionID); ok {
		if cached.session.Valid(now) && cached.user.IsActive {
			return &cached.session, &cached.user, nil
		}
		a.sessions.Evict(sessionID)
	}

	session, err := a.stores.Sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		return nil, nil, err
	}
	if !session.Valid(now) {
		return nil, nil, errSessionInvalid
	}

	user, err := a.stores.Users.GetUserByID(r.Context(), session.UserID)
	if err != nil {
		return nil, nil, err
	}
	if !user.IsActive {
		return nil, nil, storage.ErrUserNotFound
	}

	a.sessions.Add(session, user)
	return session, user, nil
}

// requireRole wraps a handler so only callers holding at least role reach it
func (a *API) requireRole(role string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := GetUser(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "Authentication required", nil, a.logger)
			return
		}
		if !core.RoleAllows(user.Role, role) {
			a.audit(r, core.AuditEntry{
				EventType:   core.EventPermissionDenied,
				Level:       core.AuditWarn,
				Description: "Access denied to " + r.Method + " " + sanitizeLogMessage(r.URL.Path),
				Metadata:    mustJSON(map[string]string{"required_role": role, "role": user.Role}),
			})
			writeError(w, http.StatusForbidden, "Insufficient permissions", nil, a.logger)
			return
		}
		handler(w, r)
	}
}
