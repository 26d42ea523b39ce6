package memory

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 2

type migration struct {
	version int
	name    string
	stmts   []string
}

// Statements run in order inside one transaction per migration.
var migrations = []migration{
	{
		version: 1,
		name:    "conversations, messages, transactions",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS conversations (
				id          TEXT PRIMARY KEY,
				chat_key    TEXT NOT NULL DEFAULT '',
				remote_id   TEXT NOT NULL DEFAULT '',
				title       TEXT,
				created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
				updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS idx_conversations_key ON conversations(chat_key, updated_at)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id              TEXT PRIMARY KEY,
				conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
				from_user       INTEGER NOT NULL DEFAULT 0,
				type            TEXT NOT NULL DEFAULT 'text',
				text            TEXT,
				message_id      TEXT NOT NULL DEFAULT '',
				created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at)`,
			`CREATE TABLE IF NOT EXISTS transactions (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				message_id  TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
				seq         INTEGER NOT NULL,
				month       TEXT NOT NULL,
				income      REAL NOT NULL DEFAULT 0,
				expense     REAL NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_transactions_msg ON transactions(message_id, seq)`,
		},
	},
	{
		version: 2,
		name:    "confirm state and suggested questions",
		stmts: []string{
			`ALTER TABLE messages ADD COLUMN confirm_action TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE messages ADD COLUMN confirm_processed INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE messages ADD COLUMN suggested_questions TEXT`,
		},
	},
}

// RunMigrations brings db up to schemaVersion. A statement whose effect is
// already present (a column added before a crash) is skipped.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version     INTEGER PRIMARY KEY,
		description TEXT,
		applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	current, err := GetSchemaVersion(db)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := m.apply(db, logger); err != nil {
			return err
		}
		logger.Info("schema migrated", "version", m.version, "name", m.name)
	}
	return nil
}

func (m migration) apply(db *sql.DB, logger *slog.Logger) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migration v%d: %w", m.version, err)
	}
	defer tx.Rollback()

	for i, stmt := range m.stmts {
		if _, err := tx.Exec(stmt); err != nil {
			if isAlreadyApplied(err) {
				logger.Debug("migration statement already applied", "version", m.version, "stmt", i)
				continue
			}
			return fmt.Errorf("migration v%d statement %d: %w\n%s", m.version, i, err, abbrev(stmt, 120))
		}
	}
	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)`,
		m.version, m.name,
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.version, err)
	}
	return tx.Commit()
}

func isAlreadyApplied(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

// abbrev collapses whitespace and cuts s to n bytes.
func abbrev(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// GetSchemaVersion returns the highest applied version, 0 for a fresh db.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var n int
	if err := db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_version'`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	var version int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return version, nil
}
