// Package migrations holds the platform's database migrations. Each
// migration lives in its own file, named by timestamp.
package migrations

import "github.com/orbitdesk/skillhub/pkg/db"

// All returns every known migration in declaration order. The runner
// sorts by version before applying.
func All() []db.Migration {
	return []db.Migration{
		Migration20260115090000CreateSkills(),
		Migration20260115090001CreateInstallations(),
		Migration20260115090002CreateExecutionLogs(),
	}
}
