package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// queryBuilder accumulates WHERE conditions with their positional arguments
type queryBuilder struct {
	conditions []string
	args       []interface{}
}

func (q *queryBuilder) add(condition string, args ...interface{}) {
	q.conditions = append(q.conditions, condition)
	q.args = append(q.args, args...)
}

// addIf adds condition when value is non-empty
func (q *queryBuilder) addIf(value, condition string) {
	if value != "" {
		q.add(condition, value)
	}
}

func (q *queryBuilder) where() string {
	if len(q.conditions) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.conditions, " AND ")
}

// orderBy maps a user-supplied sort field through an allowlist. Unknown fields fall
// back to fallback; order defaults to DESC.
func orderBy(sortBy, sortOrder string, allowed map[string]string, fallback string) string {
	column, ok := allowed[sortBy]
	if !ok {
		column = fallback
	}
	direction := "DESC"
	if strings.EqualFold(sortOrder, "asc") {
		direction = "ASC"
	}
	return fmt.Sprintf(" ORDER BY %s %s", column, direction)
}

// limitClause returns a LIMIT/OFFSET clause, or "" when limit is 0
func limitClause(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	if offset < 0 {
		offset = 0
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
}

// likePattern escapes LIKE wildcards in s and wraps it for a contains match
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + strings.ToLower(r.Replace(s)) + "%"
}

func marshalStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("failed to marshal string list: %w", err)
	}
	return string(data), nil
}

func unmarshalStrings(raw string) []string {
	values := []string{}
	if raw == "" {
		return values
	}
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return []string{}
	}
	return values
}

// scanCounts reads "SELECT key, COUNT(*) ... GROUP BY key" rows into a map and closes them
func scanCounts(rows *sql.Rows) (map[string]int64, error) {
	defer rows.Close()
	counts := make(map[string]int64)
	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[key] = count
	}
	return counts, rows.Err()
}
