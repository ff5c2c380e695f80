package migrations

import (
	"database/sql"

	"github.com/pkg/errors"

	"github.com/orbitdesk/skillhub/pkg/db"
)

// Migration20260115090002CreateExecutionLogs creates the append-only
// execution log. The reverted flag is the only column that is ever
// updated after insert.
func Migration20260115090002CreateExecutionLogs() db.Migration {
	return db.Migration{
		Version:     20260115090002,
		Description: "Create execution_logs table",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS execution_logs (
					id TEXT PRIMARY KEY,
					installation_id TEXT NOT NULL REFERENCES installations(id),
					action TEXT NOT NULL,
					target TEXT NOT NULL DEFAULT '',
					before_state TEXT,
					after_state TEXT,
					reversible INTEGER NOT NULL DEFAULT 0,
					reverted INTEGER NOT NULL DEFAULT 0,
					succeeded INTEGER NOT NULL DEFAULT 0,
					error TEXT,
					created_at DATETIME NOT NULL
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create execution_logs table")
			}

			if _, err := tx.Exec(`
				CREATE INDEX IF NOT EXISTS idx_execution_logs_installation
				ON execution_logs(installation_id, created_at DESC)
			`); err != nil {
				return errors.Wrap(err, "failed to create execution_logs index")
			}

			return nil
		},
		Down: func(tx *sql.Tx) error {
			if _, err := tx.Exec("DROP TABLE IF EXISTS execution_logs"); err != nil {
				return errors.Wrap(err, "failed to drop execution_logs table")
			}
			return nil
		},
	}
}
