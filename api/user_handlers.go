package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"attackmatrix/core"
	"attackmatrix/metrics"
	"attackmatrix/storage"
)

// Failed-login lockout, tracked in Redis when it is configured
const (
	maxFailedLogins = 10
	lockoutWindow   = 15 * time.Minute
)

// LoginRequest is the body of POST /api/users/login
type LoginRequest struct {
	Username string `json:"username" validate:"required,max=50"`
	Password string `json:"password" validate:"required,max=128"`
	Remember bool   `json:"remember"`
}

// CreateUserRequest is the body of POST /api/users
type CreateUserRequest struct {
	Username string `json:"username" validate:"required,username"`
	Password string `json:"password" validate:"required,max=128"`
	Email    string `json:"email" validate:"omitempty,email,max=255"`
	FullName string `json:"full_name" validate:"max=255"`
	Role     string `json:"role" validate:"omitempty,role"`
	IsActive *bool  `json:"is_active"`
}

// UpdateUserRequest is the body of PUT /api/users/{id}. Role and IsActive are admin only.
type UpdateUserRequest struct {
	Email    *string `json:"email" validate:"omitempty,email,max=255"`
	FullName *string `json:"full_name" validate:"omitempty,max=255"`
	Role     *string `json:"role" validate:"omitempty,role"`
	IsActive *bool   `json:"is_active"`
}

// ChangePasswordRequest is the body of POST /api/users/{id}/password
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"max=128"`
	NewPassword     string `json:"new_password" validate:"required,max=128"`
}

// login authenticates and opens a session
func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := a.decodeJSONBody(w, r, &req); err != nil {
		return
	}
	if !a.validateRequest(w, &req) {
		return
	}
	username := strings.TrimSpace(req.Username)
	ctx := r.Context()

	if locked, retryAfter := a.lockedOut(r, username); locked {
		metrics.LoginAttempts.WithLabelValues("locked").Inc()
		a.audit(r, core.AuditEntry{
			EventType:   core.EventLoginFailed,
			Level:       core.AuditSecurity,
			Username:    username,
			Description: "Login rejected: account temporarily locked",
		})
		if retryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
		}
		writeError(w, http.StatusTooManyRequests, "Too many failed login attempts, try again later", nil, a.logger)
		return
	}

	user, err := a.stores.Users.Authenticate(ctx, username, req.Password)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidCredentials) {
			a.recordFailedLogin(r, username)
			metrics.LoginAttempts.WithLabelValues("invalid_credentials").Inc()
			a.audit(r, core.AuditEntry{
				EventType:   core.EventLoginFailed,
				Level:       core.AuditWarn,
				Username:    username,
				Description: "Login failed: invalid credentials",
			})
			writeError(w, http.StatusUnauthorized, "Invalid username or password", nil, a.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "Login failed", err, a.logger)
		return
	}

	if !user.IsActive {
		metrics.LoginAttempts.WithLabelValues("inactive").Inc()
		a.audit(r, core.AuditEntry{
			EventType:   core.EventLoginFailed,
			Level:       core.AuditWarn,
			UserID:      &user.ID,
			Username:    user.Username,
			Description: "Login failed: account is deactivated",
		})
		writeError(w, http.StatusForbidden, "Account is deactivated", nil, a.logger)
		return
	}

	ttl := a.config.Auth.SessionTTL
	if req.Remember {
		ttl = a.config.Auth.RememberTTL
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := a.now()
	session := &core.Session{
		UserID:       user.ID,
		IPAddress:    a.clientIP(r),
		UserAgent:    truncate(r.UserAgent(), 500),
		Remember:     req.Remember,
		ExpiresAt:    now.Add(ttl),
		LastActivity: now,
	}
	if err := a.stores.Sessions.CreateSession(ctx, session); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create session", err, a.logger)
		return
	}
	token, err := a.tokens.Sign(session, user.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue session token", err, a.logger)
		return
	}

	if err := a.stores.Users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		a.logger.Warnw("Failed to update last login", "user_id", user.ID, "error", err)
	} else {
		user.LastLogin = &now
	}
	a.clearFailedLogins(r, username)
	a.setAuthCookie(w, token, session.ExpiresAt)
	metrics.LoginAttempts.WithLabelValues("success").Inc()

	a.audit(r.WithContext(WithSession(WithUser(ctx, user), session)), core.AuditEntry{
		EventType:   core.EventLoginSuccess,
		Description: fmt.Sprintf("User %s logged in", user.Username),
		EntityType:  core.EntityUser,
		EntityID:    fmt.Sprint(user.ID),
		Metadata:    mustJSON(map[string]interface{}{"remember": req.Remember}),
	})

	a.respondJSON(w, map[string]interface{}{
		"token":      token,
		"user":       user,
		"expires_at": session.ExpiresAt,
	}, http.StatusOK)
}

// lockedOut reports whether username has exhausted its failed-login allowance and how
// long the lock has left
func (a *API) lockedOut(r *http.Request, username string) (bool, time.Duration) {
	if a.redis == nil {
		return false, 0
	}
	key := core.LockoutKey(strings.ToLower(username))
	var failures int64
	found, err := a.redis.Get(r.Context(), key, &failures)
	if err != nil || !found || failures < maxFailedLogins {
		return false, 0
	}
	remaining, err := a.redis.TTL(r.Context(), key)
	if err != nil || remaining < 0 {
		return true, 0
	}
	return true, remaining
}

// recordFailedLogin counts a failure. The failure that reaches the limit restarts the
// window, so a lock always lasts lockoutWindow.
func (a *API) recordFailedLogin(r *http.Request, username string) {
	if a.redis == nil {
		return
	}
	key := core.LockoutKey(strings.ToLower(username))
	count, err := a.redis.IncrWindow(r.Context(), key, lockoutWindow)
	if err != nil {
		a.logger.Warnw("Failed to record failed login", "error", err)
		return
	}
	if count == maxFailedLogins {
		if err := a.redis.Set(r.Context(), key, count, lockoutWindow); err != nil {
			a.logger.Warnw("Failed to lock account", "error", err)
			return
		}
		a.logger.Warnw("Account locked after failed logins", "username", username, "failures", count)
	}
}

func (a *API) clearFailedLogins(r *http.Request, username string) {
	if a.redis == nil {
		return
	}
	if err := a.redis.Delete(r.Context(), core.LockoutKey(strings.ToLower(username))); err != nil {
		a.logger.Warnw("Failed to clear failed logins", "error", err)
	}
}

func (a *API) setAuthCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     authCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   a.config.API.TLS,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *API) clearAuthCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     authCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.config.API.TLS,
		SameSite: http.SameSiteStrictMode,
	})
}

// logout deactivates the current session
func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	if session, ok := GetSession(r.Context()); ok {
		if err := a.stores.Sessions.DeactivateSession(r.Context(), session.ID); err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
			writeError(w, http.StatusInternalServerError, "Failed to end session", err, a.logger)
			return
		}
		a.sessions.Evict(session.ID)
		a.audit(r, core.AuditEntry{
			EventType:   core.EventLogout,
			Description: fmt.Sprintf("User %s logged out", usernameFromContext(r.Context())),
		})
	}
	a.clearAuthCookie(w)
	a.respondJSON(w, map[string]string{"message": "Logged out"}, http.StatusOK)
}

// checkAuth returns the current user and when the session ends
func (a *API) checkAuth(w http.ResponseWriter, r *http.Request) {
	user, _ := GetUser(r.Context())
	data := map[string]interface{}{
		"authenticated": true,
		"auth_enabled":  a.config.Auth.Enabled,
		"user":          user,
	}
	if session, ok := GetSession(r.Context()); ok {
		data["expires_at"] = session.ExpiresAt
		data["session_id"] = session.ID
	}
	a.respondJSON(w, data, http.StatusOK)
}

// refreshSession pushes the session expiry forward by its TTL and reissues the token
func (a *API) refreshSession(w http.ResponseWriter, r *http.Request) {
	session, ok := GetSession(r.Context())
	if !ok {
		writeError(w, http.StatusBadRequest, "No session to refresh", nil, a.logger)
		return
	}
	user, _ := GetUser(r.Context())

	ttl := a.config.Auth.SessionTTL
	if session.Remember {
		ttl = a.config.Auth.RememberTTL
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	refreshed := *session
	refreshed.ExpiresAt = a.now().Add(ttl)

	if err := a.stores.Sessions.ExtendSession(r.Context(), session.ID, refreshed.ExpiresAt); err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			writeError(w, http.StatusUnauthorized, "Invalid or expired session", err, a.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to refresh session", err, a.logger)
		return
	}
	a.sessions.Evict(session.ID)

	token, err := a.tokens.Sign(&refreshed, user.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue session token", err, a.logger)
		return
	}
	a.setAuthCookie(w, token, refreshed.ExpiresAt)

	a.audit(r, core.AuditEntry{
		EventType:   core.EventSessionRefreshed,
		Level:       core.AuditDebug,
		Description: fmt.Sprintf("Session of %s refreshed", user.Username),
	})
	a.respondJSON(w, map[string]interface{}{"token": token, "expires_at": refreshed.ExpiresAt}, http.StatusOK)
}

// getProfile returns the caller's account
func (a *API) getProfile(w http.ResponseWriter, r *http.Request) {
	user, _ := GetUser(r.Context())
	if user.ID == 0 {
		a.respondJSON(w, user, http.StatusOK)
		return
	}
	fresh, err := a.stores.Users.GetUserByID(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load profile", err, a.logger)
		return
	}
	a.respondJSON(w, fresh, http.StatusOK)
}

func (a *API) parseUserFilter(w http.ResponseWriter, r *http.Request) (storage.UserFilter, bool) {
	filter := storage.UserFilter{
		Role:     r.URL.Query().Get("role"),
		IsActive: queryOptionalBool(r, "active"),
		Search:   strings.TrimSpace(r.URL.Query().Get("search")),
	}
	if filter.Role != "" && !core.IsValidRole(filter.Role) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid role %q", filter.Role), nil, a.logger)
		return filter, false
	}
	return filter, true
}

// listUsers lists user accounts
func (a *API) listUsers(w http.ResponseWriter, r *http.Request) {
	params := ParsePaginationParams(r, 20, 1, 100)
	filter, ok := a.parseUserFilter(w, r)
	if !ok {
		return
	}
	filter.Limit = params.Limit
	filter.Offset = params.CalculateOffset()

	users, total, err := a.stores.Users.ListUsers(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list users", err, a.logger)
		return
	}
	a.respondJSONWithMeta(w, users, params.Meta(total), http.StatusOK)
}

// searchUsers matches username, full name and email
func (a *API) searchUsers(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "Query parameter q is required", nil, a.logger)
		return
	}
	if len(query) > 100 {
		writeError(w, http.StatusBadRequest, "Query is too long", nil, a.logger)
		return
	}
	users, total, err := a.stores.Users.ListUsers(r.Context(), storage.UserFilter{Search: query, Limit: 50})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to search users", err, a.logger)
		return
	}
	a.respondJSONWithMeta(w, users, map[string]interface{}{"query": query, "total": total}, http.StatusOK)
}

func (a *API) getUserStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := a.stores.Users.UserStatistics(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute user statistics", err, a.logger)
		return
	}
	a.respondJSON(w, stats, http.StatusOK)
}

// createUser adds an account; the password must satisfy the policy
func (a *API) createUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := a.decodeJSONBody(w, r, &req); err != nil {
		return
	}
	if !a.validateRequest(w, &req) {
		return
	}
	if err := core.ValidatePassword(req.Password, a.config.Auth.PasswordMinLength); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), err, a.logger)
		return
	}

	user := &core.User{
		Username: req.Username,
		Email:    req.Email,
		FullName: req.FullName,
		Role:     req.Role,
		IsActive: true,
	}
	if req.IsActive != nil {
		user.IsActive = *req.IsActive
	}
	if err := a.stores.Users.CreateUser(r.Context(), user, req.Password); err != nil {
		if errors.Is(err, storage.ErrDuplicateUser) {
			writeError(w, http.StatusConflict, "Username already exists", err, a.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to create user", err, a.logger)
		return
	}

	a.audit(r, core.AuditEntry{
		EventType:   core.EventUserCreated,
		Description: fmt.Sprintf("User %s created with role %s", user.Username, user.Role),
		EntityType:  core.EntityUser,
		EntityID:    fmt.Sprint(user.ID),
		NewValues:   mustJSON(user),
	})
	a.respondJSON(w, user, http.StatusCreated)
}

// loadTargetUser resolves {id} and checks the caller is that user or an admin
func (a *API) loadTargetUser(w http.ResponseWriter, r *http.Request) (*core.User, *core.User, bool) {
	caller, ok := GetUser(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required", nil, a.logger)
		return nil, nil, false
	}
	id, err := parseInt64Param(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid user ID", err, a.logger)
		return nil, nil, false
	}
	if caller.ID != id && !caller.IsAdmin() {
		writeError(w, http.StatusForbidden, "Insufficient permissions", nil, a.logger)
		return nil, nil, false
	}

	target, err := a.stores.Users.GetUserByID(r.Context(), id)
	if errors.Is(err, storage.ErrUserNotFound) {
		writeError(w, http.StatusNotFound, "User not found", err, a.logger)
		return nil, nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get user", err, a.logger)
		return nil, nil, false
	}
	return caller, target, true
}

// getUser returns an account; self or admin
func (a *API) getUser(w http.ResponseWriter, r *http.Request) {
	_, target, ok := a.loadTargetUser(w, r)
	if !ok {
		return
	}
	a.respondJSON(w, target, http.StatusOK)
}

// updateUser edits profile fields. Only admins change role and active flag.
func (a *API) updateUser(w http.ResponseWriter, r *http.Request) {
	var req UpdateUserRequest
	if err := a.decodeJSONBody(w, r, &req); err != nil {
		return
	}
	if !a.validateRequest(w, &req) {
		return
	}
	caller, target, ok := a.loadTargetUser(w, r)
	if !ok {
		return
	}
	if (req.Role != nil || req.IsActive != nil) && !caller.IsAdmin() {
		writeError(w, http.StatusForbidden, "Only administrators can change role or status", nil, a.logger)
		return
	}
	if caller.ID == target.ID && req.IsActive != nil && !*req.IsActive {
		writeError(w, http.StatusBadRequest, "You cannot deactivate your own account", nil, a.logger)
		return
	}
	before := *target

	setString(&target.Email, req.Email)
	setString(&target.FullName, req.FullName)
	setString(&target.Role, req.Role)
	if req.IsActive != nil {
		target.IsActive = *req.IsActive
	}

	if err := a.stores.Users.UpdateUser(r.Context(), target); err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "User not found", err, a.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to update user", err, a.logger)
		return
	}
	if before.IsActive && !target.IsActive {
		a.revokeSessions(r, target.ID, "")
	}
	if before.Role != target.Role {
		a.sessions.EvictUser(target.ID)
	}

	a.audit(r, core.AuditEntry{
		EventType:   core.EventUserUpdated,
		Description: fmt.Sprintf("User %s updated", target.Username),
		EntityType:  core.EntityUser,
		EntityID:    fmt.Sprint(target.ID),
		OldValues:   mustJSON(before),
		NewValues:   mustJSON(target),
	})
	a.respondJSON(w, target, http.StatusOK)
}

// changePassword sets a new password. Users changing their own password must prove the
// current one; admins may reset anyone's. Other sessions of the user are revoked.
func (a *API) changePassword(w http.ResponseWriter, r *http.Request) {
	var req ChangePasswordRequest
	if err := a.decodeJSONBody(w, r, &req); err != nil {
		return
	}
	if !a.validateRequest(w, &req) {
		return
	}
	caller, target, ok := a.loadTargetUser(w, r)
	if !ok {
		return
	}

	if caller.ID == target.ID {
		if req.CurrentPassword == "" {
			writeError(w, http.StatusBadRequest, "current_password is required", nil, a.logger)
			return
		}
		if err := a.stores.Users.CheckPassword(r.Context(), target.ID, req.CurrentPassword); err != nil {
			if errors.Is(err, storage.ErrInvalidCredentials) {
				writeError(w, http.StatusUnauthorized, "Current password is incorrect", nil, a.logger)
				return
			}
			writeError(w, http.StatusInternalServerError, "Failed to verify password", err, a.logger)
			return
		}
		if req.CurrentPassword == req.NewPassword {
			writeError(w, http.StatusBadRequest, "New password must differ from the current one", nil, a.logger)
			return
		}
	}
	if err := core.ValidatePassword(req.NewPassword, a.config.Auth.PasswordMinLength); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), err, a.logger)
		return
	}

	if err := a.stores.Users.SetPassword(r.Context(), target.ID, req.NewPassword); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to change password", err, a.logger)
		return
	}

	keep := ""
	if session, ok := GetSession(r.Context()); ok && caller.ID == target.ID {
		keep = session.ID
	}
	revoked := a.revokeSessions(r, target.ID, keep)

	a.audit(r, core.AuditEntry{
		EventType:   core.EventPasswordChanged,
		Level:       core.AuditSecurity,
		Description: fmt.Sprintf("Password of %s changed", target.Username),
		EntityType:  core.EntityUser,
		EntityID:    fmt.Sprint(target.ID),
		Metadata:    mustJSON(map[string]interface{}{"sessions_revoked": revoked, "by_admin": caller.ID != target.ID}),
	})
	a.respondJSON(w, map[string]interface{}{"message": "Password changed", "sessions_revoked": revoked}, http.StatusOK)
}

// toggleUser flips the active flag. Deactivation ends every session of the user.
func (a *API) toggleUser(w http.ResponseWriter, r *http.Request) {
	caller, target, ok := a.loadTargetUser(w, r)
	if !ok {
		return
	}
	if caller.ID == target.ID && target.IsActive {
		writeError(w, http.StatusBadRequest, "You cannot deactivate your own account", nil, a.logger)
		return
	}

	active := !target.IsActive
	if err := a.stores.Users.SetActive(r.Context(), target.ID, active); err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "User not found", err, a.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to update user", err, a.logger)
		return
	}
	target.IsActive = active

	revoked := 0
	if !active {
		revoked = a.revokeSessions(r, target.ID, "")
	}

	a.audit(r, core.AuditEntry{
		EventType:   core.EventUserToggled,
		Level:       core.AuditWarn,
		Description: fmt.Sprintf("User %s set active=%t", target.Username, active),
		EntityType:  core.EntityUser,
		EntityID:    fmt.Sprint(target.ID),
		NewValues:   mustJSON(map[string]bool{"is_active": active}),
		Metadata:    mustJSON(map[string]int{"sessions_revoked": revoked}),
	})
	a.respondJSON(w, target, http.StatusOK)
}

// revokeSessions deactivates the user's sessions except exceptID and drops them from
// the cache. It returns how many were revoked.
func (a *API) revokeSessions(r *http.Request, userID int64, exceptID string) int {
	ids, err := a.stores.Sessions.RevokeUserSessions(r.Context(), userID, exceptID)
	if err != nil {
		a.logger.Errorw("Failed to revoke sessions", "user_id", userID, "error", err)
	}
	a.sessions.Evict(ids...)
	if exceptID == "" {
		a.sessions.EvictUser(userID)
	}
	return len(ids)
}
