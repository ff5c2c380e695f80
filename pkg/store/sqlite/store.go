// Package sqlite implements the platform's persistence over a single
// SQLite database: skill definitions, installations, and the
// append-only execution log.
package sqlite

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/orbitdesk/skillhub/pkg/db"
	"github.com/orbitdesk/skillhub/pkg/db/migrations"
	"github.com/orbitdesk/skillhub/pkg/types/platform"
)

// Store implements the registry, installation, and engine persistence
// contracts over one SQLite database.
type Store struct {
	db *sqlx.DB
}

// NewStore opens (or creates) the database at dbPath and brings the
// schema up to date.
func NewStore(ctx context.Context, dbPath string) (*Store, error) {
	sqlDB, err := db.Open(ctx, dbPath)
	if err != nil {
		return nil, err
	}

	runner := db.NewMigrationRunner(sqlDB)
	if err := runner.Run(ctx, migrations.All()); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "failed to run migrations")
	}

	return &Store{db: sqlDB}, nil
}

// NewStoreWithDB wraps an already-configured database handle. The
// caller keeps ownership of the handle's lifecycle.
func NewStoreWithDB(sqlDB *sqlx.DB) *Store {
	return &Store{db: sqlDB}
}

// CreateSkill inserts a new skill record. A (slug, version) collision
// fails with DuplicateSlug; a new version of an existing slug is a new
// record.
func (s *Store) CreateSkill(ctx context.Context, skill *platform.Skill) error {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM skills WHERE slug = ? AND version = ?", skill.Slug, skill.Version)
	if err != nil {
		return errors.Wrap(err, "failed to check slug uniqueness")
	}
	if count > 0 {
		return errors.Wrapf(platform.ErrDuplicateSlug, "%s@%s", skill.Slug, skill.Version)
	}

	query := `
		INSERT INTO skills (
			id, slug, name, description, icon, category, version, author,
			manifest, files, is_marketplace, created_at
		) VALUES (
			:id, :slug, :name, :description, :icon, :category, :version, :author,
			:manifest, :files, :is_marketplace, :created_at
		)
	`
	if _, err := s.db.NamedExecContext(ctx, query, fromSkill(skill)); err != nil {
		return errors.Wrap(err, "failed to insert skill")
	}
	return nil
}

// GetSkill retrieves a skill by id.
func (s *Store) GetSkill(ctx context.Context, id string) (*platform.Skill, error) {
	var record dbSkill
	err := s.db.GetContext(ctx, &record, "SELECT * FROM skills WHERE id = ?", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(platform.ErrNotFound, "skill %s", id)
		}
		return nil, errors.Wrap(err, "failed to load skill")
	}
	skill := record.ToSkill()
	return &skill, nil
}

// GetLatestBySlug retrieves the most recently created record for a slug.
func (s *Store) GetLatestBySlug(ctx context.Context, slug string) (*platform.Skill, error) {
	var record dbSkill
	err := s.db.GetContext(ctx, &record,
		"SELECT * FROM skills WHERE slug = ? ORDER BY created_at DESC, version DESC LIMIT 1", slug)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(platform.ErrNotFound, "skill %s", slug)
		}
		return nil, errors.Wrap(err, "failed to load skill")
	}
	skill := record.ToSkill()
	return &skill, nil
}

// ListSkills returns every skill record.
func (s *Store) ListSkills(ctx context.Context) ([]platform.Skill, error) {
	var records []dbSkill
	err := s.db.SelectContext(ctx, &records, "SELECT * FROM skills ORDER BY created_at DESC")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list skills")
	}

	skills := make([]platform.Skill, len(records))
	for i := range records {
		skills[i] = records[i].ToSkill()
	}
	return skills, nil
}

// CreateInstallation inserts a new installation row.
func (s *Store) CreateInstallation(ctx context.Context, inst *platform.Installation) error {
	query := `
		INSERT INTO installations (
			id, operator_id, skill_id, status, config, environment,
			permissions_granted, installed_at, last_run
		) VALUES (
			:id, :operator_id, :skill_id, :status, :config, :environment,
			:permissions_granted, :installed_at, :last_run
		)
	`
	if _, err := s.db.NamedExecContext(ctx, query, fromInstallation(inst)); err != nil {
		return errors.Wrap(err, "failed to insert installation")
	}
	return nil
}

// GetInstallation retrieves an installation scoped to its owner. A
// missing row and a row owned by someone else are indistinguishable to
// the caller.
func (s *Store) GetInstallation(ctx context.Context, operatorID, id string) (*platform.Installation, error) {
	var record dbInstallation
	err := s.db.GetContext(ctx, &record,
		"SELECT * FROM installations WHERE id = ? AND operator_id = ?", id, operatorID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(platform.ErrNotFound, "installation %s", id)
		}
		return nil, errors.Wrap(err, "failed to load installation")
	}
	inst := record.ToInstallation()
	return &inst, nil
}

// UpdateInstallation persists status, config, environment, granted
// permissions, and last_run.
func (s *Store) UpdateInstallation(ctx context.Context, inst *platform.Installation) error {
	query := `
		UPDATE installations SET
			status = :status,
			config = :config,
			environment = :environment,
			permissions_granted = :permissions_granted,
			last_run = :last_run
		WHERE id = :id AND operator_id = :operator_id
	`
	result, err := s.db.NamedExecContext(ctx, query, fromInstallation(inst))
	if err != nil {
		return errors.Wrap(err, "failed to update installation")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check update result")
	}
	if affected == 0 {
		return errors.Wrapf(platform.ErrNotFound, "installation %s", inst.ID)
	}
	return nil
}

// UpdateInstallationState persists the fields the execution engine owns:
// config, environment, and last_run. Status and granted permissions are
// left alone, so a lifecycle transition committed while an action was in
// flight is never undone by the action's own write.
func (s *Store) UpdateInstallationState(ctx context.Context, inst *platform.Installation) error {
	query := `
		UPDATE installations SET
			config = :config,
			environment = :environment,
			last_run = :last_run
		WHERE id = :id AND operator_id = :operator_id
	`
	result, err := s.db.NamedExecContext(ctx, query, fromInstallation(inst))
	if err != nil {
		return errors.Wrap(err, "failed to update installation state")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check update result")
	}
	if affected == 0 {
		return errors.Wrapf(platform.ErrNotFound, "installation %s", inst.ID)
	}
	return nil
}

// TransitionStatus moves an installation from one status to another. The
// guard on the current status makes the write a no-op when a concurrent
// transition got there first; losing that race is not an error.
func (s *Store) TransitionStatus(ctx context.Context, operatorID, id string, from, to platform.InstallationStatus) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE installations SET status = ? WHERE id = ? AND operator_id = ? AND status = ?",
		to, id, operatorID, from)
	return errors.Wrap(err, "failed to transition installation status")
}

// ListInstallations returns the operator's installations, newest first.
func (s *Store) ListInstallations(ctx context.Context, operatorID string) ([]platform.Installation, error) {
	var records []dbInstallation
	err := s.db.SelectContext(ctx, &records,
		"SELECT * FROM installations WHERE operator_id = ? ORDER BY installed_at DESC", operatorID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list installations")
	}

	insts := make([]platform.Installation, len(records))
	for i := range records {
		insts[i] = records[i].ToInstallation()
	}
	return insts, nil
}

// AppendLogEntry inserts a new execution log entry. Entries are never
// updated afterwards except through MarkReverted.
func (s *Store) AppendLogEntry(ctx context.Context, entry *platform.ExecutionLogEntry) error {
	query := `
		INSERT INTO execution_logs (
			id, installation_id, action, target, before_state, after_state,
			reversible, reverted, succeeded, error, created_at
		) VALUES (
			:id, :installation_id, :action, :target, :before_state, :after_state,
			:reversible, :reverted, :succeeded, :error, :created_at
		)
	`
	if _, err := s.db.NamedExecContext(ctx, query, fromLogEntry(entry)); err != nil {
		return errors.Wrap(err, "failed to insert log entry")
	}
	return nil
}

// GetLogEntry retrieves one log entry belonging to an installation.
func (s *Store) GetLogEntry(ctx context.Context, installationID, id string) (*platform.ExecutionLogEntry, error) {
	var record dbLogEntry
	err := s.db.GetContext(ctx, &record,
		"SELECT * FROM execution_logs WHERE id = ? AND installation_id = ?", id, installationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(platform.ErrNotFound, "log entry %s", id)
		}
		return nil, errors.Wrap(err, "failed to load log entry")
	}
	entry := record.ToLogEntry()
	return &entry, nil
}

// MarkReverted flips the reverted flag of a reversible, not yet
// reverted entry. The WHERE clause enforces the false-to-true-only
// transition at the storage layer as well.
func (s *Store) MarkReverted(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE execution_logs SET reverted = 1 WHERE id = ? AND reversible = 1 AND reverted = 0", id)
	if err != nil {
		return errors.Wrap(err, "failed to mark entry reverted")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check revert result")
	}
	if affected == 0 {
		return errors.Wrapf(platform.ErrNotReversible, "log entry %s", id)
	}
	return nil
}

// ListLogEntries returns an installation's log entries, newest first.
// A non-positive limit returns everything.
func (s *Store) ListLogEntries(ctx context.Context, installationID string, limit int) ([]platform.ExecutionLogEntry, error) {
	query := "SELECT * FROM execution_logs WHERE installation_id = ? ORDER BY created_at DESC, id DESC"
	args := []any{installationID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var records []dbLogEntry
	if err := s.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to list log entries")
	}

	entries := make([]platform.ExecutionLogEntry, len(records))
	for i := range records {
		entries[i] = records[i].ToLogEntry()
	}
	return entries, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
