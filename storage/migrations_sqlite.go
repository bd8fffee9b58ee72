package storage

import (
	"database/sql"
	"fmt"
)

func execStatements(tx *sql.Tx, statements ...string) error {
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}

// RegisterSQLiteMigrations registers every schema migration with the runner
func RegisterSQLiteMigrations(runner *MigrationRunner) {
	runner.Register(Migration{
		Version:     "1.0.0",
		Name:        "knowledge_base",
		Description: "ATT&CK techniques, tactics and their many-to-many links",
		Up: func(tx *sql.Tx) error {
			return execStatements(tx,
				`CREATE TABLE IF NOT EXISTS techniques (
					id TEXT PRIMARY KEY,
					attack_id TEXT NOT NULL UNIQUE,
					name TEXT NOT NULL,
					name_ru TEXT NOT NULL DEFAULT '',
					description TEXT NOT NULL DEFAULT '',
					description_ru TEXT NOT NULL DEFAULT '',
					platforms TEXT NOT NULL DEFAULT '[]', -- JSON array
					data_sources TEXT NOT NULL DEFAULT '[]', -- JSON array
					permissions_required TEXT NOT NULL DEFAULT '[]', -- JSON array
					version TEXT NOT NULL DEFAULT '',
					deprecated INTEGER NOT NULL DEFAULT 0,
					revoked INTEGER NOT NULL DEFAULT 0,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_techniques_flags ON techniques(revoked, deprecated)`,
				`CREATE TABLE IF NOT EXISTS tactics (
					id TEXT PRIMARY KEY, -- TA code
					name TEXT NOT NULL,
					name_ru TEXT NOT NULL DEFAULT '',
					shortname TEXT NOT NULL UNIQUE,
					description TEXT NOT NULL DEFAULT '',
					description_ru TEXT NOT NULL DEFAULT '',
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS technique_tactics (
					technique_id TEXT NOT NULL REFERENCES techniques(attack_id) ON DELETE CASCADE,
					tactic_id TEXT NOT NULL REFERENCES tactics(id) ON DELETE CASCADE,
					PRIMARY KEY (technique_id, tactic_id)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_technique_tactics_tactic ON technique_tactics(tactic_id)`,
			)
		},
	})

	runner.Register(Migration{
		Version:     "1.1.0",
		Name:        "users_and_sessions",
		Description: "User accounts with bcrypt hashes and login sessions",
		Up: func(tx *sql.Tx) error {
			return execStatements(tx,
				`CREATE TABLE IF NOT EXISTS users (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					username TEXT NOT NULL UNIQUE,
					email TEXT NOT NULL DEFAULT '',
					full_name TEXT NOT NULL DEFAULT '',
					role TEXT NOT NULL DEFAULT 'viewer',
					is_active INTEGER NOT NULL DEFAULT 1,
					password_hash TEXT NOT NULL,
					last_login DATETIME,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS user_sessions (
					id TEXT PRIMARY KEY,
					user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					ip_address TEXT NOT NULL DEFAULT '',
					user_agent TEXT NOT NULL DEFAULT '',
					remember INTEGER NOT NULL DEFAULT 0,
					is_active INTEGER NOT NULL DEFAULT 1,
					expires_at DATETIME NOT NULL,
					last_activity DATETIME NOT NULL,
					created_at DATETIME NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_user_sessions_user ON user_sessions(user_id, is_active)`,
			)
		},
	})

	runner.Register(Migration{
		Version:     "1.2.0",
		Name:        "correlation_rules",
		Description: "Detection rules attached to a single technique ID",
		Up: func(tx *sql.Tx) error {
			return execStatements(tx,
				`CREATE TABLE IF NOT EXISTS correlation_rules (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					name_ru TEXT NOT NULL DEFAULT '',
					description TEXT NOT NULL DEFAULT '',
					description_ru TEXT NOT NULL DEFAULT '',
					technique_id TEXT NOT NULL,
					logic TEXT NOT NULL,
					logic_type TEXT NOT NULL DEFAULT 'sigma',
					severity TEXT NOT NULL DEFAULT 'medium',
					confidence TEXT NOT NULL DEFAULT '',
					active INTEGER NOT NULL DEFAULT 0,
					status TEXT NOT NULL DEFAULT 'draft',
					folder TEXT NOT NULL DEFAULT '',
					author TEXT NOT NULL DEFAULT '',
					rule_references TEXT NOT NULL DEFAULT '[]', -- JSON array
					false_positives TEXT NOT NULL DEFAULT '[]', -- JSON array
					tags TEXT NOT NULL DEFAULT '[]', -- JSON array
					created_by INTEGER REFERENCES users(id) ON DELETE SET NULL,
					updated_by INTEGER REFERENCES users(id) ON DELETE SET NULL,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_rules_technique ON correlation_rules(technique_id, status)`,
				`CREATE INDEX IF NOT EXISTS idx_rules_status_active ON correlation_rules(status, active)`,
				`CREATE INDEX IF NOT EXISTS idx_rules_created_at ON correlation_rules(created_at DESC)`,
			)
		},
	})

	runner.Register(Migration{
		Version:     "1.3.0",
		Name:        "add_rule_workflow_columns",
		Description: "Engineering workflow state on correlation rules",
		Up: func(tx *sql.Tx) error {
			columns := []struct {
				name       string
				definition string
			}{
				{"workflow_status", "TEXT NOT NULL DEFAULT 'not_started'"},
				{"assignee_id", "INTEGER REFERENCES users(id) ON DELETE SET NULL"},
				{"tested_by_id", "INTEGER REFERENCES users(id) ON DELETE SET NULL"},
				{"stopped_reason", "TEXT NOT NULL DEFAULT ''"},
				{"deployment_mr_url", "TEXT NOT NULL DEFAULT ''"},
				{"workflow_updated_at", "DATETIME"},
			}
			for _, col := range columns {
				if err := addColumnIfNotExists(tx, "correlation_rules", col.name, col.definition); err != nil {
					return err
				}
			}
			return createIndexIfNotExists(tx, "idx_rules_workflow_status", "correlation_rules", "workflow_status")
		},
	})

	runner.Register(Migration{
		Version:     "1.4.0",
		Name:        "comments",
		Description: "Threaded comments on techniques, rules, users and the system",
		Up: func(tx *sql.Tx) error {
			return execStatements(tx,
				`CREATE TABLE IF NOT EXISTS comments (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					entity_type TEXT NOT NULL,
					entity_id TEXT NOT NULL,
					parent_comment_id INTEGER REFERENCES comments(id) ON DELETE SET NULL,
					text TEXT NOT NULL,
					comment_type TEXT NOT NULL DEFAULT 'comment',
					priority TEXT NOT NULL DEFAULT 'normal',
					visibility TEXT NOT NULL DEFAULT 'public',
					status TEXT NOT NULL DEFAULT 'active',
					created_by INTEGER REFERENCES users(id) ON DELETE SET NULL,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_comments_entity ON comments(entity_type, entity_id, status)`,
				`CREATE INDEX IF NOT EXISTS idx_comments_created_at ON comments(created_at DESC)`,
			)
		},
	})

	runner.Register(Migration{
		Version:     "1.5.0",
		Name:        "audit_logs",
		Description: "Append-only audit trail",
		Up: func(tx *sql.Tx) error {
			return execStatements(tx,
				`CREATE TABLE IF NOT EXISTS audit_logs (
					id TEXT PRIMARY KEY,
					event_type TEXT NOT NULL,
					level TEXT NOT NULL DEFAULT 'INFO',
					description TEXT NOT NULL DEFAULT '',
					user_id INTEGER, -- kept after the user is deleted
					username TEXT NOT NULL DEFAULT '',
					user_ip TEXT NOT NULL DEFAULT '',
					user_agent TEXT NOT NULL DEFAULT '',
					entity_type TEXT NOT NULL DEFAULT '',
					entity_id TEXT NOT NULL DEFAULT '',
					old_values TEXT, -- JSON
					new_values TEXT, -- JSON
					metadata TEXT, -- JSON
					session_id TEXT NOT NULL DEFAULT '',
					request_id TEXT NOT NULL DEFAULT '',
					risk_score INTEGER NOT NULL DEFAULT 0,
					created_at DATETIME NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON audit_logs(created_at DESC)`,
				`CREATE INDEX IF NOT EXISTS idx_audit_logs_event ON audit_logs(event_type)`,
				`CREATE INDEX IF NOT EXISTS idx_audit_logs_user ON audit_logs(user_id)`,
				`CREATE INDEX IF NOT EXISTS idx_audit_logs_entity ON audit_logs(entity_type, entity_id)`,
			)
		},
	})
}
