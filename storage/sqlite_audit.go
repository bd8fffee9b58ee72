package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"attackmatrix/core"
)

// SQLiteAuditStorage implements AuditStorage using SQLite. Entries are append-only.
type SQLiteAuditStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteAuditStorage creates a new SQLite-based audit storage
func NewSQLiteAuditStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteAuditStorage {
	return &SQLiteAuditStorage{
		sqlite: sqlite,
		logger: logger,
	}
}

const auditColumns = `id, event_type, level, description, user_id, username, user_ip, user_agent,
	entity_type, entity_id, old_values, new_values, metadata, session_id, request_id, risk_score, created_at`

var auditSortColumns = map[string]string{
	"created_at": "created_at",
	"level": `CASE level WHEN 'SECURITY' THEN 6 WHEN 'CRITICAL' THEN 5 WHEN 'ERROR' THEN 4
		WHEN 'WARN' THEN 3 WHEN 'INFO' THEN 2 ELSE 1 END`,
	"event_type": "event_type",
	"risk_score": "risk_score",
}

func scanAuditEntry(row rowScanner) (*core.AuditEntry, error) {
	var e core.AuditEntry
	var userID sql.NullInt64
	var oldValues, newValues, metadata sql.NullString
	err := row.Scan(
		&e.ID,
		&e.EventType,
		&e.Level,
		&e.Description,
		&userID,
		&e.Username,
		&e.UserIP,
		&e.UserAgent,
		&e.EntityType,
		&e.EntityID,
		&oldValues,
		&newValues,
		&metadata,
		&e.SessionID,
		&e.RequestID,
		&e.RiskScore,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.UserID = nullableID(userID)
	e.OldValues = rawJSON(oldValues)
	e.NewValues = rawJSON(newValues)
	e.Metadata = rawJSON(metadata)
	return &e, nil
}

func rawJSON(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}

func jsonArg(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// CreateAuditEntry appends an entry. The risk score is clamped to 0..100.
func (sas *SQLiteAuditStorage) CreateAuditEntry(ctx context.Context, entry *core.AuditEntry) error {
	if entry.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if entry.Level == "" {
		entry.Level = core.AuditInfo
	}
	if !entry.Level.IsValid() {
		return fmt.Errorf("invalid audit level %q", entry.Level)
	}
	for _, raw := range []json.RawMessage{entry.OldValues, entry.NewValues, entry.Metadata} {
		if len(raw) > 0 && !json.Valid(raw) {
			return fmt.Errorf("audit values must be valid JSON")
		}
	}
	if entry.RiskScore < 0 {
		entry.RiskScore = 0
	}
	if entry.RiskScore > 100 {
		entry.RiskScore = 100
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := sas.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO audit_logs (`+auditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.EventType, entry.Level, entry.Description, entry.UserID, entry.Username,
		entry.UserIP, entry.UserAgent, entry.EntityType, entry.EntityID,
		jsonArg(entry.OldValues), jsonArg(entry.NewValues), jsonArg(entry.Metadata),
		entry.SessionID, entry.RequestID, entry.RiskScore, entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// GetAuditEntry retrieves an entry by ID
func (sas *SQLiteAuditStorage) GetAuditEntry(ctx context.Context, id string) (*core.AuditEntry, error) {
	entry, err := scanAuditEntry(sas.sqlite.ReadDB.QueryRowContext(ctx,
		`SELECT `+auditColumns+` FROM audit_logs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAuditEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit entry: %w", err)
	}
	return entry, nil
}

// ListAuditEntries returns the entries matching filter and the total match count
func (sas *SQLiteAuditStorage) ListAuditEntries(ctx context.Context, filter AuditFilter) ([]core.AuditEntry, int64, error) {
	var q queryBuilder
	q.addIf(string(filter.Level), "level = ?")
	q.addIf(filter.EventType, "event_type = ?")
	q.addIf(filter.EntityType, "entity_type = ?")
	q.addIf(filter.EntityID, "entity_id = ?")
	if filter.UserID != nil {
		q.add("user_id = ?", *filter.UserID)
	}
	if filter.From != nil {
		q.add("created_at >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		q.add("created_at <= ?", filter.To.UTC())
	}
	if filter.Search != "" {
		pattern := likePattern(filter.Search)
		q.add(`(LOWER(description) LIKE ? ESCAPE '\' OR LOWER(event_type) LIKE ? ESCAPE '\')`, pattern, pattern)
	}

	var total int64
	if err := sas.sqlite.ReadDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_logs`+q.where(), q.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit entries: %w", err)
	}

	// rowid breaks ties between entries written within the same instant
	order := orderBy(filter.SortBy, filter.SortOrder, auditSortColumns, "created_at")
	order += ", rowid " + order[strings.LastIndex(order, " ")+1:]
	query := `SELECT ` + auditColumns + ` FROM audit_logs` + q.where() + order +
		limitClause(filter.Limit, filter.Offset)
	rows, err := sas.sqlite.ReadDB.QueryContext(ctx, query, q.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]core.AuditEntry, 0)
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, total, rows.Err()
}

// AuditStatistics summarizes entries created at or after since
func (sas *SQLiteAuditStorage) AuditStatistics(ctx context.Context, since time.Time) (*AuditStatistics, error) {
	db := sas.sqlite.ReadDB
	since = since.UTC()
	stats := &AuditStatistics{Since: since}

	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN risk_score >= ? THEN 1 ELSE 0 END), 0)
		FROM audit_logs WHERE created_at >= ?`, core.HighRiskThreshold, since,
	).Scan(&stats.Total, &stats.HighRisk)
	if err != nil {
		return nil, fmt.Errorf("failed to count audit entries: %w", err)
	}

	rows, err := db.QueryContext(ctx,
		`SELECT level, COUNT(*) FROM audit_logs WHERE created_at >= ? GROUP BY level`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to group audit entries by level: %w", err)
	}
	if stats.ByLevel, err = scanCounts(rows); err != nil {
		return nil, err
	}

	rows, err = db.QueryContext(ctx,
		`SELECT event_type, COUNT(*) FROM audit_logs WHERE created_at >= ? GROUP BY event_type`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to group audit entries by event type: %w", err)
	}
	if stats.ByEventType, err = scanCounts(rows); err != nil {
		return nil, err
	}

	rows, err = db.QueryContext(ctx, `
		SELECT user_id, MAX(username), COUNT(*) AS n FROM audit_logs
		WHERE created_at >= ? AND user_id IS NOT NULL
		GROUP BY user_id
		ORDER BY n DESC
		LIMIT 10`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query top users: %w", err)
	}
	if stats.TopUsers, err = scanAuthorCounts(rows); err != nil {
		return nil, err
	}
	return stats, nil
}
