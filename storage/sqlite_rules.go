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

// SQLiteRuleStorage implements RuleStorage using SQLite
type SQLiteRuleStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteRuleStorage creates a new SQLite-based rule storage
func NewSQLiteRuleStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteRuleStorage {
	return &SQLiteRuleStorage{
		sqlite: sqlite,
		logger: logger,
	}
}

const ruleColumns = `id, name, name_ru, description, description_ru, technique_id, logic, logic_type,
	severity, confidence, active, status, folder, author, rule_references, false_positives, tags,
	workflow_status, assignee_id, tested_by_id, stopped_reason, deployment_mr_url, workflow_updated_at,
	created_by, updated_by, created_at, updated_at`

var ruleSortColumns = map[string]string{
	"name":       "name",
	"created_at": "created_at",
	"updated_at": "updated_at",
	"severity": `CASE severity WHEN 'critical' THEN 4 WHEN 'high' THEN 3
		WHEN 'medium' THEN 2 WHEN 'low' THEN 1 ELSE 0 END`,
}

func scanRule(row rowScanner) (*core.CorrelationRule, error) {
	var rule core.CorrelationRule
	var references, falsePositives, tags string
	var assignee, testedBy, createdBy, updatedBy sql.NullInt64
	var workflowUpdated sql.NullTime

	err := row.Scan(
		&rule.ID,
		&rule.Name,
		&rule.NameRU,
		&rule.Description,
		&rule.DescriptionRU,
		&rule.TechniqueID,
		&rule.Logic,
		&rule.LogicType,
		&rule.Severity,
		&rule.Confidence,
		&rule.Active,
		&rule.Status,
		&rule.Folder,
		&rule.Author,
		&references,
		&falsePositives,
		&tags,
		&rule.WorkflowStatus,
		&assignee,
		&testedBy,
		&rule.StoppedReason,
		&rule.DeploymentMRURL,
		&workflowUpdated,
		&createdBy,
		&updatedBy,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.References = unmarshalStrings(references)
	rule.FalsePositives = unmarshalStrings(falsePositives)
	rule.Tags = unmarshalStrings(tags)
	rule.AssigneeID = nullableID(assignee)
	rule.TestedByID = nullableID(testedBy)
	rule.CreatedBy = nullableID(createdBy)
	rule.UpdatedBy = nullableID(updatedBy)
	if workflowUpdated.Valid {
		t := workflowUpdated.Time
		rule.WorkflowUpdatedAt = &t
	}
	return &rule, nil
}

func nullableID(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

// CreateRule inserts a new rule. Defaults are applied and the rule is validated first.
func (srs *SQLiteRuleStorage) CreateRule(ctx context.Context, rule *core.CorrelationRule) error {
	rule.ApplyDefaults()
	if err := rule.Validate(); err != nil {
		return err
	}
	if err := srs.checkNameAvailable(ctx, rule.Name, ""); err != nil {
		return err
	}

	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	if rule.UpdatedBy == nil {
		rule.UpdatedBy = rule.CreatedBy
	}

	references, falsePositives, tags, err := marshalRuleLists(rule)
	if err != nil {
		return err
	}

	_, err = srs.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO correlation_rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.Name, rule.NameRU, rule.Description, rule.DescriptionRU, rule.TechniqueID,
		rule.Logic, rule.LogicType, rule.Severity, rule.Confidence, rule.Active, rule.Status,
		rule.Folder, rule.Author, references, falsePositives, tags,
		rule.WorkflowStatus, rule.AssigneeID, rule.TestedByID, rule.StoppedReason, rule.DeploymentMRURL,
		rule.WorkflowUpdatedAt, rule.CreatedBy, rule.UpdatedBy, rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRule
		}
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	srs.logger.Debugw("Rule created", "rule_id", rule.ID, "technique_id", rule.TechniqueID)
	return nil
}

func marshalRuleLists(rule *core.CorrelationRule) (string, string, string, error) {
	references, err := marshalStrings(rule.References)
	if err != nil {
		return "", "", "", err
	}
	falsePositives, err := marshalStrings(rule.FalsePositives)
	if err != nil {
		return "", "", "", err
	}
	tags, err := marshalStrings(rule.Tags)
	if err != nil {
		return "", "", "", err
	}
	return references, falsePositives, tags, nil
}

// checkNameAvailable returns ErrDuplicateRule when another non-deleted rule uses name
func (srs *SQLiteRuleStorage) checkNameAvailable(ctx context.Context, name, exceptID string) error {
	var count int
	err := srs.sqlite.ReadDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM correlation_rules WHERE name = ? AND status != 'deleted' AND id != ?`,
		name, exceptID).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check rule name: %w", err)
	}
	if count > 0 {
		return ErrDuplicateRule
	}
	return nil
}

// GetRule retrieves a non-deleted rule by ID
func (srs *SQLiteRuleStorage) GetRule(ctx context.Context, id string) (*core.CorrelationRule, error) {
	row := srs.sqlite.ReadDB.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM correlation_rules WHERE id = ? AND status != 'deleted'`, id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// UpdateRule overwrites the editable fields of an existing rule. Workflow fields are
// only changed through TransitionWorkflow.
func (srs *SQLiteRuleStorage) UpdateRule(ctx context.Context, rule *core.CorrelationRule) error {
	rule.ApplyDefaults()
	if err := rule.Validate(); err != nil {
		return err
	}
	if err := srs.checkNameAvailable(ctx, rule.Name, rule.ID); err != nil {
		return err
	}

	references, falsePositives, tags, err := marshalRuleLists(rule)
	if err != nil {
		return err
	}
	rule.UpdatedAt = time.Now().UTC()

	result, err := srs.sqlite.WriteDB.ExecContext(ctx, `
		UPDATE correlation_rules SET
			name = ?, name_ru = ?, description = ?, description_ru = ?, technique_id = ?,
			logic = ?, logic_type = ?, severity = ?, confidence = ?, active = ?, status = ?,
			folder = ?, author = ?, rule_references = ?, false_positives = ?, tags = ?,
			updated_by = ?, updated_at = ?
		WHERE id = ? AND status != 'deleted'`,
		rule.Name, rule.NameRU, rule.Description, rule.DescriptionRU, rule.TechniqueID,
		rule.Logic, rule.LogicType, rule.Severity, rule.Confidence, rule.Active, rule.Status,
		rule.Folder, rule.Author, references, falsePositives, tags,
		rule.UpdatedBy, rule.UpdatedAt, rule.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return requireAffected(result, ErrRuleNotFound)
}

// DeleteRule soft-deletes a rule: status becomes deleted and the rule is deactivated
func (srs *SQLiteRuleStorage) DeleteRule(ctx context.Context, id string, actorID *int64) error {
	result, err := srs.sqlite.WriteDB.ExecContext(ctx, `
		UPDATE correlation_rules SET status = 'deleted', active = 0, updated_by = ?, updated_at = ?
		WHERE id = ? AND status != 'deleted'`,
		actorID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return requireAffected(result, ErrRuleNotFound)
}

func requireAffected(result sql.Result, notFound error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return notFound
	}
	return nil
}

func ruleConditions(filter RuleFilter) queryBuilder {
	var q queryBuilder
	q.add("status != 'deleted'")
	q.addIf(core.NormalizeTechniqueID(filter.TechniqueID), "technique_id = ?")
	q.addIf(string(filter.Status), "status = ?")
	q.addIf(filter.Severity, "severity = ?")
	q.addIf(filter.Folder, "folder = ?")
	q.addIf(filter.Author, "author = ?")
	q.addIf(string(filter.WorkflowStatus), "workflow_status = ?")
	if filter.Active != nil {
		q.add("active = ?", *filter.Active)
	}
	if filter.Search != "" {
		pattern := likePattern(filter.Search)
		q.add(`(LOWER(name) LIKE ? ESCAPE '\' OR LOWER(description) LIKE ? ESCAPE '\' OR LOWER(technique_id) LIKE ? ESCAPE '\')`,
			pattern, pattern, pattern)
	}
	return q
}

// ListRules returns the non-deleted rules matching filter and the total match count
func (srs *SQLiteRuleStorage) ListRules(ctx context.Context, filter RuleFilter) ([]core.CorrelationRule, int64, error) {
	q := ruleConditions(filter)

	var total int64
	if err := srs.sqlite.ReadDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM correlation_rules`+q.where(), q.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count rules: %w", err)
	}

	query := `SELECT ` + ruleColumns + ` FROM correlation_rules` + q.where() +
		orderBy(filter.SortBy, filter.SortOrder, ruleSortColumns, "created_at") +
		limitClause(filter.Limit, filter.Offset)

	rows, err := srs.sqlite.ReadDB.QueryContext(ctx, query, q.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	rules := make([]core.CorrelationRule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, *rule)
	}
	return rules, total, rows.Err()
}

// RuleStatistics summarizes the non-deleted rules
func (srs *SQLiteRuleStorage) RuleStatistics(ctx context.Context) (*RuleStatistics, error) {
	stats := &RuleStatistics{}
	db := srs.sqlite.ReadDB

	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN active = 1 THEN 1 ELSE 0 END), 0),
		       COUNT(DISTINCT technique_id),
		       COUNT(DISTINCT CASE WHEN active = 1 THEN technique_id END)
		FROM correlation_rules WHERE status != 'deleted'`,
	).Scan(&stats.Total, &stats.Active, &stats.TechniquesCovered, &stats.ActiveTechniques)
	if err != nil {
		return nil, fmt.Errorf("failed to count rules: %w", err)
	}
	stats.Inactive = stats.Total - stats.Active

	groups := []struct {
		column string
		target *map[string]int64
	}{
		{"status", &stats.ByStatus},
		{"severity", &stats.BySeverity},
		{"logic_type", &stats.ByLogicType},
		{"workflow_status", &stats.ByWorkflowStatus},
	}
	for _, g := range groups {
		rows, err := db.QueryContext(ctx, fmt.Sprintf(
			`SELECT %s, COUNT(*) FROM correlation_rules WHERE status != 'deleted' GROUP BY %s`, g.column, g.column))
		if err != nil {
			return nil, fmt.Errorf("failed to group rules by %s: %w", g.column, err)
		}
		counts, err := scanCounts(rows)
		if err != nil {
			return nil, err
		}
		*g.target = counts
	}
	return stats, nil
}

// TransitionWorkflow moves a rule to a new workflow status. The rule update and the
// optional workflow comment are written in one transaction.
func (srs *SQLiteRuleStorage) TransitionWorkflow(ctx context.Context, id string, transition core.WorkflowTransition, actorID *int64) (*core.CorrelationRule, error) {
	var updated *core.CorrelationRule

	err := srs.sqlite.WithTransaction(ctx, func(tx *sql.Tx) error {
		rule, err := scanRule(tx.QueryRowContext(ctx,
			`SELECT `+ruleColumns+` FROM correlation_rules WHERE id = ? AND status != 'deleted'`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrRuleNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load rule: %w", err)
		}

		transition.From = rule.WorkflowStatus
		now := time.Now().UTC()
		if err := transition.Apply(rule, actorID, now); err != nil {
			return err
		}
		rule.UpdatedBy = actorID
		rule.UpdatedAt = now

		if _, err := tx.ExecContext(ctx, `
			UPDATE correlation_rules SET
				workflow_status = ?, assignee_id = ?, tested_by_id = ?, stopped_reason = ?,
				deployment_mr_url = ?, workflow_updated_at = ?, updated_by = ?, updated_at = ?
			WHERE id = ?`,
			rule.WorkflowStatus, rule.AssigneeID, rule.TestedByID, rule.StoppedReason,
			rule.DeploymentMRURL, rule.WorkflowUpdatedAt, rule.UpdatedBy, rule.UpdatedAt, rule.ID,
		); err != nil {
			return fmt.Errorf("failed to update workflow status: %w", err)
		}

		if transition.Comment != "" {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO comments (entity_type, entity_id, text, comment_type, priority, visibility,
				                      status, created_by, created_at, updated_at)
				VALUES (?, ?, ?, 'note', 'normal', 'public', 'active', ?, ?, ?)`,
				core.EntityRule, rule.ID, transition.WorkflowComment(), actorID, now, now,
			); err != nil {
				return fmt.Errorf("failed to insert workflow comment: %w", err)
			}
		}

		updated = rule
		return nil
	})
	if err != nil {
		return nil, err
	}

	srs.logger.Infow("Rule workflow status changed",
		"rule_id", id, "from", transition.From, "to", transition.To)
	return updated, nil
}
