package migrations

import (
	"database/sql"

	"github.com/pkg/errors"

	"github.com/orbitdesk/skillhub/pkg/db"
)

// Migration20260115090000CreateSkills creates the skills table. The
// (slug, version) pair is unique: a new version of a skill is a new
// row, never an update of an old one.
func Migration20260115090000CreateSkills() db.Migration {
	return db.Migration{
		Version:     20260115090000,
		Description: "Create skills table",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS skills (
					id TEXT PRIMARY KEY,
					slug TEXT NOT NULL,
					name TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					icon TEXT,
					category TEXT NOT NULL DEFAULT 'general',
					version TEXT NOT NULL,
					author TEXT,
					manifest TEXT NOT NULL,
					files TEXT,
					is_marketplace INTEGER NOT NULL DEFAULT 0,
					created_at DATETIME NOT NULL,
					UNIQUE (slug, version)
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create skills table")
			}

			if _, err := tx.Exec(`
				CREATE INDEX IF NOT EXISTS idx_skills_slug ON skills(slug)
			`); err != nil {
				return errors.Wrap(err, "failed to create skills slug index")
			}

			return nil
		},
		Down: func(tx *sql.Tx) error {
			if _, err := tx.Exec("DROP TABLE IF EXISTS skills"); err != nil {
				return errors.Wrap(err, "failed to drop skills table")
			}
			return nil
		},
	}
}
