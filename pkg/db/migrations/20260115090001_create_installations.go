package migrations

import (
	"database/sql"

	"github.com/pkg/errors"

	"github.com/orbitdesk/skillhub/pkg/db"
)

// Migration20260115090001CreateInstallations creates the installations
// table. Rows are never deleted; uninstall is a status transition so
// the execution history keeps a valid parent.
func Migration20260115090001CreateInstallations() db.Migration {
	return db.Migration{
		Version:     20260115090001,
		Description: "Create installations table",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS installations (
					id TEXT PRIMARY KEY,
					operator_id TEXT NOT NULL,
					skill_id TEXT NOT NULL REFERENCES skills(id),
					status TEXT NOT NULL,
					config TEXT,
					environment TEXT,
					permissions_granted TEXT,
					installed_at DATETIME NOT NULL,
					last_run DATETIME
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create installations table")
			}

			if _, err := tx.Exec(`
				CREATE INDEX IF NOT EXISTS idx_installations_operator ON installations(operator_id)
			`); err != nil {
				return errors.Wrap(err, "failed to create installations operator index")
			}

			return nil
		},
		Down: func(tx *sql.Tx) error {
			if _, err := tx.Exec("DROP TABLE IF EXISTS installations"); err != nil {
				return errors.Wrap(err, "failed to drop installations table")
			}
			return nil
		},
	}
}
