package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"attackmatrix/core"
	"attackmatrix/metrics"
)

// auditWriteTimeout bounds an audit insert so a slow database cannot stall the response
const auditWriteTimeout = 5 * time.Second

// audit records entry, filling caller, client and request details from r. Failures are
// logged and never reach the client.
func (a *API) audit(r *http.Request, entry core.AuditEntry) {
	ctx := r.Context()
	if user, ok := GetUser(ctx); ok {
		if entry.UserID == nil {
			entry.UserID = actorID(ctx)
		}
		if entry.Username == "" {
			entry.Username = user.Username
		}
	}
	if session, ok := GetSession(ctx); ok && entry.SessionID == "" {
		entry.SessionID = session.ID
	}
	if entry.Level == "" {
		entry.Level = core.AuditInfo
	}
	if entry.RiskScore == 0 {
		entry.RiskScore = core.DefaultRiskScore(entry.Level, entry.EventType)
	}
	entry.UserIP = a.clientIP(r)
	entry.UserAgent = truncate(r.UserAgent(), 500)
	entry.RequestID = GetRequestIDOrDefault(ctx)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
	defer cancel()

	if err := a.stores.Audit.CreateAuditEntry(writeCtx, &entry); err != nil {
		metrics.StorageErrors.WithLabelValues("audit_insert").Inc()
		a.logger.Errorw("Failed to write audit entry",
			"event_type", entry.EventType, "error", err)
		return
	}
	metrics.AuditEntriesWritten.WithLabelValues(string(entry.Level)).Inc()
}

// mustJSON marshals v for audit old/new values; values that cannot be encoded are dropped
func mustJSON(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
