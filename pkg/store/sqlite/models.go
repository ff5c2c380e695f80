package sqlite

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/orbitdesk/skillhub/pkg/types/platform"
)

// JSONField is a generic type for handling JSON marshaling/unmarshaling in database columns
type JSONField[T any] struct {
	Data T
}

// Scan implements the sql.Scanner interface for reading from database
func (j *JSONField[T]) Scan(value any) error {
	if value == nil {
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.Errorf("cannot scan %T into JSONField", value)
		}
		bytes = []byte(str)
	}

	return json.Unmarshal(bytes, &j.Data)
}

// Value implements the driver.Valuer interface for writing to database
func (j JSONField[T]) Value() (driver.Value, error) {
	return json.Marshal(j.Data)
}

// dbSkill represents the skills table structure
type dbSkill struct {
	ID            string                       `db:"id"`
	Slug          string                       `db:"slug"`
	Name          string                       `db:"name"`
	Description   string                       `db:"description"`
	Icon          *string                      `db:"icon"`
	Category      string                       `db:"category"`
	Version       string                       `db:"version"`
	Author        *string                      `db:"author"`
	Manifest      JSONField[platform.Manifest] `db:"manifest"`
	Files         JSONField[map[string]string] `db:"files"`
	IsMarketplace bool                         `db:"is_marketplace"`
	CreatedAt     time.Time                    `db:"created_at"`
}

// dbInstallation represents the installations table structure
type dbInstallation struct {
	ID                 string                       `db:"id"`
	OperatorID         string                       `db:"operator_id"`
	SkillID            string                       `db:"skill_id"`
	Status             string                       `db:"status"`
	Config             JSONField[map[string]any]    `db:"config"`
	Environment        JSONField[map[string]string] `db:"environment"`
	PermissionsGranted JSONField[[]string]          `db:"permissions_granted"`
	InstalledAt        time.Time                    `db:"installed_at"`
	LastRun            *time.Time                   `db:"last_run"`
}

// dbLogEntry represents the execution_logs table structure
type dbLogEntry struct {
	ID             string                    `db:"id"`
	InstallationID string                    `db:"installation_id"`
	Action         string                    `db:"action"`
	Target         string                    `db:"target"`
	BeforeState    JSONField[map[string]any] `db:"before_state"`
	AfterState     JSONField[map[string]any] `db:"after_state"`
	Reversible     bool                      `db:"reversible"`
	Reverted       bool                      `db:"reverted"`
	Succeeded      bool                      `db:"succeeded"`
	Error          *string                   `db:"error"`
	CreatedAt      time.Time                 `db:"created_at"`
}

// ToSkill converts a database record to the domain model
func (s *dbSkill) ToSkill() platform.Skill {
	skill := platform.Skill{
		ID:            s.ID,
		Slug:          s.Slug,
		Name:          s.Name,
		Description:   s.Description,
		Category:      s.Category,
		Version:       s.Version,
		Manifest:      s.Manifest.Data,
		Files:         s.Files.Data,
		IsMarketplace: s.IsMarketplace,
		CreatedAt:     s.CreatedAt,
	}
	if s.Icon != nil {
		skill.Icon = *s.Icon
	}
	if s.Author != nil {
		skill.Author = *s.Author
	}
	return skill
}

// fromSkill converts the domain model to a database record
func fromSkill(skill *platform.Skill) *dbSkill {
	record := &dbSkill{
		ID:            skill.ID,
		Slug:          skill.Slug,
		Name:          skill.Name,
		Description:   skill.Description,
		Category:      skill.Category,
		Version:       skill.Version,
		Manifest:      JSONField[platform.Manifest]{Data: skill.Manifest},
		Files:         JSONField[map[string]string]{Data: skill.Files},
		IsMarketplace: skill.IsMarketplace,
		CreatedAt:     skill.CreatedAt,
	}
	if skill.Icon != "" {
		record.Icon = &skill.Icon
	}
	if skill.Author != "" {
		record.Author = &skill.Author
	}
	return record
}

// ToInstallation converts a database record to the domain model
func (i *dbInstallation) ToInstallation() platform.Installation {
	inst := platform.Installation{
		ID:                 i.ID,
		OperatorID:         i.OperatorID,
		SkillID:            i.SkillID,
		Status:             platform.InstallationStatus(i.Status),
		Config:             i.Config.Data,
		Environment:        i.Environment.Data,
		PermissionsGranted: i.PermissionsGranted.Data,
		InstalledAt:        i.InstalledAt,
		LastRun:            i.LastRun,
	}
	if inst.Config == nil {
		inst.Config = map[string]any{}
	}
	if inst.Environment == nil {
		inst.Environment = map[string]string{}
	}
	return inst
}

// fromInstallation converts the domain model to a database record
func fromInstallation(inst *platform.Installation) *dbInstallation {
	return &dbInstallation{
		ID:                 inst.ID,
		OperatorID:         inst.OperatorID,
		SkillID:            inst.SkillID,
		Status:             string(inst.Status),
		Config:             JSONField[map[string]any]{Data: inst.Config},
		Environment:        JSONField[map[string]string]{Data: inst.Environment},
		PermissionsGranted: JSONField[[]string]{Data: inst.PermissionsGranted},
		InstalledAt:        inst.InstalledAt,
		LastRun:            inst.LastRun,
	}
}

// ToLogEntry converts a database record to the domain model
func (l *dbLogEntry) ToLogEntry() platform.ExecutionLogEntry {
	entry := platform.ExecutionLogEntry{
		ID:             l.ID,
		InstallationID: l.InstallationID,
		Action:         l.Action,
		Target:         l.Target,
		BeforeState:    l.BeforeState.Data,
		AfterState:     l.AfterState.Data,
		Reversible:     l.Reversible,
		Reverted:       l.Reverted,
		Succeeded:      l.Succeeded,
		CreatedAt:      l.CreatedAt,
	}
	if l.Error != nil {
		entry.Error = *l.Error
	}
	return entry
}

// fromLogEntry converts the domain model to a database record
func fromLogEntry(entry *platform.ExecutionLogEntry) *dbLogEntry {
	record := &dbLogEntry{
		ID:             entry.ID,
		InstallationID: entry.InstallationID,
		Action:         entry.Action,
		Target:         entry.Target,
		BeforeState:    JSONField[map[string]any]{Data: entry.BeforeState},
		AfterState:     JSONField[map[string]any]{Data: entry.AfterState},
		Reversible:     entry.Reversible,
		Reverted:       entry.Reverted,
		Succeeded:      entry.Succeeded,
		CreatedAt:      entry.CreatedAt,
	}
	if entry.Error != "" {
		record.Error = &entry.Error
	}
	return record
}
