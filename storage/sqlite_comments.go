package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"attackmatrix/core"
)

// SQLiteCommentStorage implements CommentStorage using SQLite
type SQLiteCommentStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteCommentStorage creates a new SQLite-based comment storage
func NewSQLiteCommentStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteCommentStorage {
	return &SQLiteCommentStorage{
		sqlite: sqlite,
		logger: logger,
	}
}

const commentSelect = `SELECT c.id, c.entity_type, c.entity_id, c.parent_comment_id, c.text, c.comment_type,
	c.priority, c.visibility, c.status, COALESCE(NULLIF(u.full_name, ''), u.username, ''), c.created_by,
	c.created_at, c.updated_at
	FROM comments c LEFT JOIN users u ON u.id = c.created_by`

func scanComment(row rowScanner) (*core.Comment, error) {
	var c core.Comment
	var parent, createdBy sql.NullInt64
	err := row.Scan(
		&c.ID,
		&c.EntityType,
		&c.EntityID,
		&parent,
		&c.Text,
		&c.CommentType,
		&c.Priority,
		&c.Visibility,
		&c.Status,
		&c.AuthorName,
		&createdBy,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.ParentCommentID = nullableID(parent)
	c.CreatedBy = nullableID(createdBy)
	return &c, nil
}

func validateComment(c *core.Comment) error {
	if !core.IsValidEntityType(c.EntityType) {
		return fmt.Errorf("invalid entity_type %q", c.EntityType)
	}
	if c.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	if c.Text == "" {
		return fmt.Errorf("comment text is required")
	}
	if !core.Contains(core.CommentTypes, c.CommentType) {
		return fmt.Errorf("invalid comment_type %q", c.CommentType)
	}
	if !core.Contains(core.CommentPriorities, c.Priority) {
		return fmt.Errorf("invalid priority %q", c.Priority)
	}
	if !core.Contains(core.CommentVisibilities, c.Visibility) {
		return fmt.Errorf("invalid visibility %q", c.Visibility)
	}
	if !core.Contains(core.CommentStatuses, c.Status) {
		return fmt.Errorf("invalid status %q", c.Status)
	}
	return nil
}

// CreateComment inserts a comment. A reply's parent must exist on the same entity.
func (scs *SQLiteCommentStorage) CreateComment(ctx context.Context, comment *core.Comment) error {
	comment.ApplyDefaults()
	if err := validateComment(comment); err != nil {
		return err
	}

	if comment.ParentCommentID != nil {
		parent, err := scs.GetComment(ctx, *comment.ParentCommentID)
		if err != nil {
			return fmt.Errorf("parent comment: %w", err)
		}
		if parent.EntityType != comment.EntityType || parent.EntityID != comment.EntityID {
			return fmt.Errorf("parent comment %d belongs to another entity", parent.ID)
		}
	}

	now := time.Now().UTC()
	comment.CreatedAt = now
	comment.UpdatedAt = now

	result, err := scs.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO comments (entity_type, entity_id, parent_comment_id, text, comment_type, priority,
		                      visibility, status, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		comment.EntityType, comment.EntityID, comment.ParentCommentID, comment.Text, comment.CommentType,
		comment.Priority, comment.Visibility, comment.Status, comment.CreatedBy, comment.CreatedAt, comment.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert comment: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read comment id: %w", err)
	}
	comment.ID = id
	return nil
}

// GetComment retrieves a comment by ID, including deleted ones
func (scs *SQLiteCommentStorage) GetComment(ctx context.Context, id int64) (*core.Comment, error) {
	comment, err := scanComment(scs.sqlite.ReadDB.QueryRowContext(ctx, commentSelect+` WHERE c.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCommentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get comment: %w", err)
	}
	return comment, nil
}

// UpdateComment overwrites text and classification of a comment
func (scs *SQLiteCommentStorage) UpdateComment(ctx context.Context, comment *core.Comment) error {
	comment.ApplyDefaults()
	if err := validateComment(comment); err != nil {
		return err
	}
	comment.UpdatedAt = time.Now().UTC()

	result, err := scs.sqlite.WriteDB.ExecContext(ctx, `
		UPDATE comments SET text = ?, comment_type = ?, priority = ?, visibility = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		comment.Text, comment.CommentType, comment.Priority, comment.Visibility, comment.Status,
		comment.UpdatedAt, comment.ID)
	if err != nil {
		return fmt.Errorf("failed to update comment: %w", err)
	}
	return requireAffected(result, ErrCommentNotFound)
}

// DeleteComment soft-deletes a comment
func (scs *SQLiteCommentStorage) DeleteComment(ctx context.Context, id int64) error {
	result, err := scs.sqlite.WriteDB.ExecContext(ctx,
		`UPDATE comments SET status = ?, updated_at = ? WHERE id = ? AND status != ?`,
		core.CommentStatusDeleted, time.Now().UTC(), id, core.CommentStatusDeleted)
	if err != nil {
		return fmt.Errorf("failed to delete comment: %w", err)
	}
	return requireAffected(result, ErrCommentNotFound)
}

// ListComments returns the comments matching filter, newest first, and the total match count
func (scs *SQLiteCommentStorage) ListComments(ctx context.Context, filter CommentFilter) ([]core.Comment, int64, error) {
	var q queryBuilder
	if !filter.IncludeDeleted {
		q.add("c.status != ?", core.CommentStatusDeleted)
	}
	q.addIf(filter.EntityType, "c.entity_type = ?")
	q.addIf(filter.EntityID, "c.entity_id = ?")
	q.addIf(filter.CommentType, "c.comment_type = ?")
	q.addIf(filter.Status, "c.status = ?")
	q.addIf(filter.Priority, "c.priority = ?")
	if filter.AuthorID != nil {
		q.add("c.created_by = ?", *filter.AuthorID)
	}
	if filter.Search != "" {
		q.add(`LOWER(c.text) LIKE ? ESCAPE '\'`, likePattern(filter.Search))
	}

	var total int64
	if err := scs.sqlite.ReadDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM comments c`+q.where(), q.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count comments: %w", err)
	}

	rows, err := scs.sqlite.ReadDB.QueryContext(ctx,
		commentSelect+q.where()+` ORDER BY c.created_at DESC, c.id DESC`+limitClause(filter.Limit, filter.Offset),
		q.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query comments: %w", err)
	}
	defer rows.Close()

	comments := make([]core.Comment, 0)
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan comment: %w", err)
		}
		comments = append(comments, *c)
	}
	return comments, total, rows.Err()
}

// CountByEntity returns the number of non-deleted comments per entity ID
func (scs *SQLiteCommentStorage) CountByEntity(ctx context.Context, entityType string) (map[string]int, error) {
	rows, err := scs.sqlite.ReadDB.QueryContext(ctx, `
		SELECT entity_id, COUNT(*) FROM comments
		WHERE entity_type = ? AND status != ?
		GROUP BY entity_id`, entityType, core.CommentStatusDeleted)
	if err != nil {
		return nil, fmt.Errorf("failed to count comments: %w", err)
	}
	counts, err := scanCounts(rows)
	if err != nil {
		return nil, err
	}
	result := make(map[string]int, len(counts))
	for id, n := range counts {
		result[id] = int(n)
	}
	return result, nil
}

// CommentStatistics summarizes non-deleted comments
func (scs *SQLiteCommentStorage) CommentStatistics(ctx context.Context) (*CommentStatistics, error) {
	db := scs.sqlite.ReadDB
	stats := &CommentStatistics{}

	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM comments WHERE status != ?`, core.CommentStatusDeleted).Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("failed to count comments: %w", err)
	}

	groups := []struct {
		column string
		target *map[string]int64
	}{
		{"comment_type", &stats.ByType},
		{"status", &stats.ByStatus},
		{"priority", &stats.ByPriority},
		{"entity_type", &stats.ByEntityType},
	}
	for _, g := range groups {
		rows, err := db.QueryContext(ctx, fmt.Sprintf(
			`SELECT %s, COUNT(*) FROM comments WHERE status != ? GROUP BY %s`, g.column, g.column),
			core.CommentStatusDeleted)
		if err != nil {
			return nil, fmt.Errorf("failed to group comments by %s: %w", g.column, err)
		}
		counts, err := scanCounts(rows)
		if err != nil {
			return nil, err
		}
		*g.target = counts
	}

	rows, err := db.QueryContext(ctx, `
		SELECT u.id, u.username, COUNT(*) AS n
		FROM comments c JOIN users u ON u.id = c.created_by
		WHERE c.status != ?
		GROUP BY u.id, u.username
		ORDER BY n DESC, u.username
		LIMIT 10`, core.CommentStatusDeleted)
	if err != nil {
		return nil, fmt.Errorf("failed to query top authors: %w", err)
	}
	stats.TopAuthors, err = scanAuthorCounts(rows)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func scanAuthorCounts(rows *sql.Rows) ([]AuthorCount, error) {
	defer rows.Close()
	authors := make([]AuthorCount, 0)
	for rows.Next() {
		var a AuthorCount
		if err := rows.Scan(&a.UserID, &a.Username, &a.Count); err != nil {
			return nil, fmt.Errorf("failed to scan author count: %w", err)
		}
		authors = append(authors, a)
	}
	return authors, rows.Err()
}
