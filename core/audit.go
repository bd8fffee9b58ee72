package core

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// AuditLevel is the severity of an audit entry
type AuditLevel string

const (
	AuditDebug    AuditLevel = "DEBUG"
	AuditInfo     AuditLevel = "INFO"
	AuditWarn     AuditLevel = "WARN"
	AuditError    AuditLevel = "ERROR"
	AuditCritical AuditLevel = "CRITICAL"
	AuditSecurity AuditLevel = "SECURITY"
)

// AuditLevels lists every level in ascending severity
var AuditLevels = []AuditLevel{AuditDebug, AuditInfo, AuditWarn, AuditError, AuditCritical, AuditSecurity}

// IsValid checks the level
func (l AuditLevel) IsValid() bool {
	for _, level := range AuditLevels {
		if l == level {
			return true
		}
	}
	return false
}

// HighRiskThreshold is the risk score from which an entry is reported as high risk
const HighRiskThreshold = 70

// Audit event types written by the service itself
const (
	EventLoginSuccess     = "user_login"
	EventLoginFailed      = "user_login_failed"
	EventLogout           = "user_logout"
	EventUserCreated      = "user_created"
	EventUserUpdated      = "user_updated"
	EventUserToggled      = "user_toggled"
	EventPasswordChanged  = "password_changed"
	EventRuleCreated      = "rule_created"
	EventRuleUpdated      = "rule_updated"
	EventRuleDeleted      = "rule_deleted"
	EventRulesImported    = "rules_imported"
	EventWorkflowChanged  = "workflow_status_changed"
	EventCommentCreated   = "comment_created"
	EventCommentUpdated   = "comment_updated"
	EventCommentDeleted   = "comment_deleted"
	EventAttackImported   = "attack_imported"
	EventAuditExported    = "audit_exported"
	EventPermissionDenied = "permission_denied"
	EventSessionRefreshed = "session_refreshed"
)

// AuditEntry is one row of the audit trail
type AuditEntry struct {
	ID          string          `json:"id"`
	EventType   string          `json:"event_type"`
	Level       AuditLevel      `json:"level"`
	Description string          `json:"description"`
	UserID      *int64          `json:"user_id,omitempty"`
	Username    string          `json:"username,omitempty"`
	UserIP      string          `json:"user_ip,omitempty"`
	UserAgent   string          `json:"user_agent,omitempty"`
	EntityType  string          `json:"entity_type,omitempty"`
	EntityID    string          `json:"entity_id,omitempty"`
	OldValues   json.RawMessage `json:"old_values,omitempty"`
	NewValues   json.RawMessage `json:"new_values,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	SessionID   string          `json:"session_id,omitempty"`
	RequestID   string          `json:"request_id,omitempty"`
	RiskScore   int             `json:"risk_score"`
	CreatedAt   time.Time       `json:"created_at"`
}

// RiskLevel buckets the risk score for display
func (e *AuditEntry) RiskLevel() string {
	switch {
	case e.RiskScore >= 90:
		return "critical"
	case e.RiskScore >= HighRiskThreshold:
		return "high"
	case e.RiskScore >= 40:
		return "medium"
	default:
		return "low"
	}
}

var levelBaseRisk = map[AuditLevel]float64{
	AuditCritical: 10,
	AuditSecurity: 8.5,
	AuditError:    6,
	AuditWarn:     4,
	AuditInfo:     2,
	AuditDebug:    1,
}

// riskModifiers are checked in order; the first keyword found in the event type applies
var riskModifiers = []struct {
	keyword    string
	multiplier float64
}{
	{"security", 1.5},
	{"login", 1.3},
	{"admin", 1.4},
	{"delete", 1.2},
	{"export", 1.1},
}

// DefaultRiskScore derives a 0..100 risk score from the level and event type for
// entries submitted without one
func DefaultRiskScore(level AuditLevel, eventType string) int {
	base, ok := levelBaseRisk[level]
	if !ok {
		base = levelBaseRisk[AuditInfo]
	}

	eventType = strings.ToLower(eventType)
	for _, m := range riskModifiers {
		if strings.Contains(eventType, m.keyword) {
			base *= m.multiplier
			break
		}
	}

	score := int(math.Round(base * 10))
	if score > 100 {
		score = 100
	}
	return score
}
