package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"attackmatrix/core"
)

// SQLiteUserStorage implements UserStorage using SQLite
type SQLiteUserStorage struct {
	sqlite     *SQLite
	logger     *zap.SugaredLogger
	bcryptCost int
}

// NewSQLiteUserStorage creates a new SQLite-based user storage. A cost outside the
// bcrypt range falls back to bcrypt.DefaultCost.
func NewSQLiteUserStorage(sqlite *SQLite, bcryptCost int, logger *zap.SugaredLogger) *SQLiteUserStorage {
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		bcryptCost = bcrypt.DefaultCost
	}
	return &SQLiteUserStorage{
		sqlite:     sqlite,
		logger:     logger,
		bcryptCost: bcryptCost,
	}
}

const userColumns = `id, username, email, full_name, role, is_active, password_hash, last_login, created_at, updated_at`

func scanUser(row rowScanner) (*core.User, error) {
	var u core.User
	var lastLogin sql.NullTime
	err := row.Scan(
		&u.ID,
		&u.Username,
		&u.Email,
		&u.FullName,
		&u.Role,
		&u.IsActive,
		&u.PasswordHash,
		&lastLogin,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLogin = &t
	}
	return &u, nil
}

func (sus *SQLiteUserStorage) hashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), sus.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashed), nil
}

// CreateUser hashes password and inserts the user. Username uniqueness is enforced by the schema.
func (sus *SQLiteUserStorage) CreateUser(ctx context.Context, user *core.User, password string) error {
	user.Username = strings.TrimSpace(user.Username)
	if user.Username == "" {
		return fmt.Errorf("username is required")
	}
	if user.Role == "" {
		user.Role = core.RoleViewer
	}
	if !core.IsValidRole(user.Role) {
		return fmt.Errorf("invalid role %q", user.Role)
	}

	hash, err := sus.hashPassword(password)
	if err != nil {
		return err
	}
	user.PasswordHash = hash

	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	result, err := sus.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO users (username, email, full_name, role, is_active, password_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		user.Username, user.Email, user.FullName, user.Role, user.IsActive, user.PasswordHash,
		user.CreatedAt, user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateUser
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read user id: %w", err)
	}
	user.ID = id

	sus.logger.Infow("User created", "user_id", user.ID, "username", user.Username, "role", user.Role)
	return nil
}

// GetUserByID retrieves a user by ID
func (sus *SQLiteUserStorage) GetUserByID(ctx context.Context, id int64) (*core.User, error) {
	return sus.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

// GetUserByUsername retrieves a user by username
func (sus *SQLiteUserStorage) GetUserByUsername(ctx context.Context, username string) (*core.User, error) {
	return sus.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
}

func (sus *SQLiteUserStorage) getUser(ctx context.Context, query string, arg interface{}) (*core.User, error) {
	user, err := scanUser(sus.sqlite.ReadDB.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// Authenticate checks a username/password pair. Unknown users and wrong passwords both
// return ErrInvalidCredentials; the caller decides what to do with inactive accounts.
func (sus *SQLiteUserStorage) Authenticate(ctx context.Context, username, password string) (*core.User, error) {
	user, err := sus.GetUserByUsername(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// CheckPassword verifies the current password of a user
func (sus *SQLiteUserStorage) CheckPassword(ctx context.Context, id int64, password string) error {
	user, err := sus.GetUserByID(ctx, id)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// ListUsers returns the users matching filter ordered by username, and the total match count
func (sus *SQLiteUserStorage) ListUsers(ctx context.Context, filter UserFilter) ([]core.User, int64, error) {
	var q queryBuilder
	q.addIf(filter.Role, "role = ?")
	if filter.IsActive != nil {
		q.add("is_active = ?", *filter.IsActive)
	}
	if filter.Search != "" {
		pattern := likePattern(filter.Search)
		q.add(`(LOWER(username) LIKE ? ESCAPE '\' OR LOWER(email) LIKE ? ESCAPE '\' OR LOWER(full_name) LIKE ? ESCAPE '\')`,
			pattern, pattern, pattern)
	}

	var total int64
	if err := sus.sqlite.ReadDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users`+q.where(), q.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count users: %w", err)
	}

	rows, err := sus.sqlite.ReadDB.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users`+q.where()+` ORDER BY username`+limitClause(filter.Limit, filter.Offset),
		q.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	users := make([]core.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, total, rows.Err()
}

// UpdateUser overwrites email, full name, role and active flag
func (sus *SQLiteUserStorage) UpdateUser(ctx context.Context, user *core.User) error {
	if !core.IsValidRole(user.Role) {
		return fmt.Errorf("invalid role %q", user.Role)
	}
	user.UpdatedAt = time.Now().UTC()

	result, err := sus.sqlite.WriteDB.ExecContext(ctx, `
		UPDATE users SET email = ?, full_name = ?, role = ?, is_active = ?, updated_at = ?
		WHERE id = ?`,
		user.Email, user.FullName, user.Role, user.IsActive, user.UpdatedAt, user.ID)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return requireAffected(result, ErrUserNotFound)
}

// SetPassword replaces the password hash of a user
func (sus *SQLiteUserStorage) SetPassword(ctx context.Context, id int64, password string) error {
	hash, err := sus.hashPassword(password)
	if err != nil {
		return err
	}
	result, err := sus.sqlite.WriteDB.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`, hash, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	return requireAffected(result, ErrUserNotFound)
}

// SetActive activates or deactivates a user
func (sus *SQLiteUserStorage) SetActive(ctx context.Context, id int64, active bool) error {
	result, err := sus.sqlite.WriteDB.ExecContext(ctx,
		`UPDATE users SET is_active = ?, updated_at = ? WHERE id = ?`, active, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update user status: %w", err)
	}
	return requireAffected(result, ErrUserNotFound)
}

// UpdateLastLogin records a successful login
func (sus *SQLiteUserStorage) UpdateLastLogin(ctx context.Context, id int64, at time.Time) error {
	_, err := sus.sqlite.WriteDB.ExecContext(ctx, `UPDATE users SET last_login = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

// CountUsers returns the number of accounts
func (sus *SQLiteUserStorage) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	if err := sus.sqlite.ReadDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

// UserStatistics summarizes accounts and their active sessions
func (sus *SQLiteUserStorage) UserStatistics(ctx context.Context) (*UserStatistics, error) {
	db := sus.sqlite.ReadDB
	stats := &UserStatistics{}

	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN is_active = 1 THEN 1 ELSE 0 END), 0) FROM users`,
	).Scan(&stats.Total, &stats.Active)
	if err != nil {
		return nil, fmt.Errorf("failed to count users: %w", err)
	}
	stats.Inactive = stats.Total - stats.Active

	rows, err := db.QueryContext(ctx, `SELECT role, COUNT(*) FROM users GROUP BY role`)
	if err != nil {
		return nil, fmt.Errorf("failed to group users by role: %w", err)
	}
	if stats.ByRole, err = scanCounts(rows); err != nil {
		return nil, err
	}

	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_sessions WHERE is_active = 1 AND expires_at > ?`, time.Now().UTC(),
	).Scan(&stats.ActiveSessions); err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}
	return stats, nil
}
