package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"attackmatrix/core"
)

// SQLiteKnowledgeBase implements KnowledgeBaseStorage using SQLite
type SQLiteKnowledgeBase struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteKnowledgeBase creates a new SQLite-based ATT&CK knowledge base
func NewSQLiteKnowledgeBase(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteKnowledgeBase {
	return &SQLiteKnowledgeBase{
		sqlite: sqlite,
		logger: logger,
	}
}

const techniqueColumns = `t.id, t.attack_id, t.name, t.name_ru, t.description, t.description_ru,
	t.platforms, t.data_sources, t.permissions_required, t.version, t.deprecated, t.revoked,
	t.created_at, t.updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTechnique(row rowScanner) (core.Technique, error) {
	var t core.Technique
	var platforms, dataSources, permissions string
	err := row.Scan(
		&t.ID,
		&t.AttackID,
		&t.Name,
		&t.NameRU,
		&t.Description,
		&t.DescriptionRU,
		&platforms,
		&dataSources,
		&permissions,
		&t.Version,
		&t.Deprecated,
		&t.Revoked,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return t, err
	}
	t.Platforms = unmarshalStrings(platforms)
	t.DataSources = unmarshalStrings(dataSources)
	t.PermissionsRequired = unmarshalStrings(permissions)
	return t, nil
}

func scanTactic(row rowScanner) (core.Tactic, error) {
	var t core.Tactic
	err := row.Scan(&t.ID, &t.Name, &t.NameRU, &t.ShortName, &t.Description, &t.DescriptionRU, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

// UpsertTactic inserts a tactic or refreshes its English fields. Translations are kept.
func (kb *SQLiteKnowledgeBase) UpsertTactic(ctx context.Context, tactic *core.Tactic) error {
	now := time.Now().UTC()
	if tactic.CreatedAt.IsZero() {
		tactic.CreatedAt = now
	}
	if tactic.UpdatedAt.IsZero() {
		tactic.UpdatedAt = now
	}

	_, err := kb.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO tactics (id, name, name_ru, shortname, description, description_ru, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			shortname = excluded.shortname,
			description = excluded.description,
			updated_at = excluded.updated_at
	`, tactic.ID, tactic.Name, tactic.NameRU, tactic.ShortName, tactic.Description, tactic.DescriptionRU,
		tactic.CreatedAt, tactic.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert tactic %s: %w", tactic.ID, err)
	}
	return nil
}

// UpsertTechnique inserts a technique keyed by ATT&CK ID or refreshes its bundle
// fields. The row ID and translations survive re-imports.
func (kb *SQLiteKnowledgeBase) UpsertTechnique(ctx context.Context, technique *core.Technique) error {
	if !core.ValidTechniqueID(technique.AttackID) {
		return fmt.Errorf("invalid technique ID %q", technique.AttackID)
	}
	if technique.ID == "" {
		technique.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if technique.CreatedAt.IsZero() {
		technique.CreatedAt = now
	}
	if technique.UpdatedAt.IsZero() {
		technique.UpdatedAt = now
	}

	platforms, err := marshalStrings(technique.Platforms)
	if err != nil {
		return err
	}
	dataSources, err := marshalStrings(technique.DataSources)
	if err != nil {
		return err
	}
	permissions, err := marshalStrings(technique.PermissionsRequired)
	if err != nil {
		return err
	}

	_, err = kb.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO techniques (id, attack_id, name, name_ru, description, description_ru, platforms,
		                        data_sources, permissions_required, version, deprecated, revoked, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(attack_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			platforms = excluded.platforms,
			data_sources = excluded.data_sources,
			permissions_required = excluded.permissions_required,
			version = excluded.version,
			deprecated = excluded.deprecated,
			revoked = excluded.revoked,
			updated_at = excluded.updated_at
	`, technique.ID, technique.AttackID, technique.Name, technique.NameRU, technique.Description, technique.DescriptionRU,
		platforms, dataSources, permissions, technique.Version, technique.Deprecated, technique.Revoked,
		technique.CreatedAt, technique.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert technique %s: %w", technique.AttackID, err)
	}
	return nil
}

// ReplaceTechniqueTactics sets the tactics of a technique to exactly tacticIDs
func (kb *SQLiteKnowledgeBase) ReplaceTechniqueTactics(ctx context.Context, techniqueID string, tacticIDs []string) error {
	return kb.sqlite.WithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM technique_tactics WHERE technique_id = ?`, techniqueID); err != nil {
			return fmt.Errorf("failed to clear tactics of %s: %w", techniqueID, err)
		}
		for _, tacticID := range tacticIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO technique_tactics (technique_id, tactic_id) VALUES (?, ?)`,
				techniqueID, tacticID); err != nil {
				return fmt.Errorf("failed to link %s to %s: %w", techniqueID, tacticID, err)
			}
		}
		return nil
	})
}

// ListTechniques returns the techniques matching filter ordered by ATT&CK ID
func (kb *SQLiteKnowledgeBase) ListTechniques(ctx context.Context, filter TechniqueFilter) ([]core.Technique, error) {
	var q queryBuilder
	if !filter.IncludeRevoked {
		q.add("t.revoked = 0")
	}
	if !filter.IncludeDeprecated {
		q.add("t.deprecated = 0")
	}
	if filter.Platform != "" {
		q.add(`EXISTS (SELECT 1 FROM json_each(t.platforms) p WHERE LOWER(p.value) = LOWER(?))`, filter.Platform)
	}
	if filter.Tactic != "" {
		q.add(`EXISTS (SELECT 1 FROM technique_tactics tt JOIN tactics ta ON ta.id = tt.tactic_id
			WHERE tt.technique_id = t.attack_id AND (ta.shortname = ? OR ta.id = ?))`, filter.Tactic, filter.Tactic)
	}
	if filter.Search != "" {
		pattern := likePattern(filter.Search)
		q.add(`(LOWER(t.attack_id) LIKE ? ESCAPE '\' OR LOWER(t.name) LIKE ? ESCAPE '\' OR LOWER(t.name_ru) LIKE ? ESCAPE '\')`,
			pattern, pattern, pattern)
	}
	if filter.ParentID != "" {
		q.add("t.attack_id LIKE ? ESCAPE '\\'", strings.ReplaceAll(filter.ParentID, "_", `\_`)+".%")
	}
	if filter.ParentsOnly {
		q.add("INSTR(t.attack_id, '.') = 0")
	}

	query := `SELECT ` + techniqueColumns + ` FROM techniques t` + q.where() + ` ORDER BY t.attack_id`
	return kb.queryTechniques(ctx, query, q.args...)
}

func (kb *SQLiteKnowledgeBase) queryTechniques(ctx context.Context, query string, args ...interface{}) ([]core.Technique, error) {
	rows, err := kb.sqlite.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query techniques: %w", err)
	}
	defer rows.Close()

	techniques := make([]core.Technique, 0)
	for rows.Next() {
		t, err := scanTechnique(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan technique: %w", err)
		}
		techniques = append(techniques, t)
	}
	return techniques, rows.Err()
}

// GetTechnique retrieves a technique by ATT&CK ID, including revoked and deprecated ones
func (kb *SQLiteKnowledgeBase) GetTechnique(ctx context.Context, attackID string) (*core.Technique, error) {
	row := kb.sqlite.ReadDB.QueryRowContext(ctx,
		`SELECT `+techniqueColumns+` FROM techniques t WHERE t.attack_id = ?`, core.NormalizeTechniqueID(attackID))
	t, err := scanTechnique(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTechniqueNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get technique: %w", err)
	}
	return &t, nil
}

// SearchTechniques matches ID, name or description of non-revoked techniques
func (kb *SQLiteKnowledgeBase) SearchTechniques(ctx context.Context, query string, limit int) ([]core.Technique, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	pattern := likePattern(query)
	return kb.queryTechniques(ctx, `
		SELECT `+techniqueColumns+` FROM techniques t
		WHERE t.revoked = 0 AND (
			LOWER(t.attack_id) LIKE ? ESCAPE '\' OR LOWER(t.name) LIKE ? ESCAPE '\' OR
			LOWER(t.name_ru) LIKE ? ESCAPE '\' OR LOWER(t.description) LIKE ? ESCAPE '\')
		ORDER BY CASE WHEN LOWER(t.attack_id) = ? THEN 0 ELSE 1 END, t.attack_id
		LIMIT ?`,
		pattern, pattern, pattern, pattern, strings.ToLower(strings.TrimSpace(query)), limit)
}

// ListTactics returns every tactic ordered by TA code
func (kb *SQLiteKnowledgeBase) ListTactics(ctx context.Context) ([]core.Tactic, error) {
	rows, err := kb.sqlite.ReadDB.QueryContext(ctx, `
		SELECT id, name, name_ru, shortname, description, description_ru, created_at, updated_at
		FROM tactics ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tactics: %w", err)
	}
	defer rows.Close()

	tactics := make([]core.Tactic, 0)
	for rows.Next() {
		t, err := scanTactic(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tactic: %w", err)
		}
		tactics = append(tactics, t)
	}
	return tactics, rows.Err()
}

// ListTacticLinks returns every technique-tactic association
func (kb *SQLiteKnowledgeBase) ListTacticLinks(ctx context.Context) ([]core.TacticLink, error) {
	rows, err := kb.sqlite.ReadDB.QueryContext(ctx,
		`SELECT technique_id, tactic_id FROM technique_tactics ORDER BY tactic_id, technique_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tactic links: %w", err)
	}
	defer rows.Close()

	links := make([]core.TacticLink, 0)
	for rows.Next() {
		var l core.TacticLink
		if err := rows.Scan(&l.TechniqueID, &l.TacticID); err != nil {
			return nil, fmt.Errorf("failed to scan tactic link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// TacticsForTechnique returns the tactics a technique is linked to
func (kb *SQLiteKnowledgeBase) TacticsForTechnique(ctx context.Context, attackID string) ([]core.Tactic, error) {
	rows, err := kb.sqlite.ReadDB.QueryContext(ctx, `
		SELECT ta.id, ta.name, ta.name_ru, ta.shortname, ta.description, ta.description_ru, ta.created_at, ta.updated_at
		FROM tactics ta
		JOIN technique_tactics tt ON tt.tactic_id = ta.id
		WHERE tt.technique_id = ?
		ORDER BY ta.id`, attackID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tactics for technique: %w", err)
	}
	defer rows.Close()

	tactics := make([]core.Tactic, 0)
	for rows.Next() {
		t, err := scanTactic(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tactic: %w", err)
		}
		tactics = append(tactics, t)
	}
	return tactics, rows.Err()
}
