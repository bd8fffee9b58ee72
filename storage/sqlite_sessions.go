package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"attackmatrix/core"
)

// SQLiteSessionStorage implements SessionStorage using SQLite
type SQLiteSessionStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteSessionStorage creates a new SQLite-based session storage
func NewSQLiteSessionStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteSessionStorage {
	return &SQLiteSessionStorage{
		sqlite: sqlite,
		logger: logger,
	}
}

// CreateSession inserts an active session, assigning a random ID when none is set
func (sss *SQLiteSessionStorage) CreateSession(ctx context.Context, session *core.Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	session.IsActive = true
	session.CreatedAt = now
	session.LastActivity = now
	session.ExpiresAt = session.ExpiresAt.UTC()

	_, err := sss.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO user_sessions (id, user_id, ip_address, user_agent, remember, is_active,
		                           expires_at, last_activity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.UserID, session.IPAddress, session.UserAgent, session.Remember,
		session.IsActive, session.ExpiresAt, session.LastActivity, session.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID whether or not it is still valid
func (sss *SQLiteSessionStorage) GetSession(ctx context.Context, id string) (*core.Session, error) {
	var s core.Session
	err := sss.sqlite.ReadDB.QueryRowContext(ctx, `
		SELECT id, user_id, ip_address, user_agent, remember, is_active, expires_at, last_activity, created_at
		FROM user_sessions WHERE id = ?`, id,
	).Scan(&s.ID, &s.UserID, &s.IPAddress, &s.UserAgent, &s.Remember, &s.IsActive,
		&s.ExpiresAt, &s.LastActivity, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &s, nil
}

// ExtendSession moves the expiry of an active session and records activity
func (sss *SQLiteSessionStorage) ExtendSession(ctx context.Context, id string, expiresAt time.Time) error {
	result, err := sss.sqlite.WriteDB.ExecContext(ctx, `
		UPDATE user_sessions SET expires_at = ?, last_activity = ?
		WHERE id = ? AND is_active = 1`,
		expiresAt.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to extend session: %w", err)
	}
	return requireAffected(result, ErrSessionNotFound)
}

// DeactivateSession marks a session inactive
func (sss *SQLiteSessionStorage) DeactivateSession(ctx context.Context, id string) error {
	result, err := sss.sqlite.WriteDB.ExecContext(ctx,
		`UPDATE user_sessions SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate session: %w", err)
	}
	return requireAffected(result, ErrSessionNotFound)
}

// RevokeUserSessions deactivates every active session of a user except exceptID and
// returns the IDs it revoked
func (sss *SQLiteSessionStorage) RevokeUserSessions(ctx context.Context, userID int64, exceptID string) ([]string, error) {
	revoked := make([]string, 0)
	err := sss.sqlite.WithTransaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM user_sessions WHERE user_id = ? AND is_active = 1 AND id != ?`, userID, exceptID)
		if err != nil {
			return fmt.Errorf("failed to query sessions: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan session id: %w", err)
			}
			revoked = append(revoked, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE user_sessions SET is_active = 0 WHERE user_id = ? AND is_active = 1 AND id != ?`, userID, exceptID)
		if err != nil {
			return fmt.Errorf("failed to revoke sessions: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(revoked) > 0 {
		sss.logger.Infow("User sessions revoked", "user_id", userID, "count", len(revoked))
	}
	return revoked, nil
}

// DeleteExpiredSessions removes sessions that expired or were deactivated before now
func (sss *SQLiteSessionStorage) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	result, err := sss.sqlite.WriteDB.ExecContext(ctx,
		`DELETE FROM user_sessions WHERE expires_at <= ? OR is_active = 0`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return result.RowsAffected()
}
