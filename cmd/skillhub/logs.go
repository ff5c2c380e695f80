package main

import (
	"encoding/json"
	"fmt"

	"github.com/aymanbagabas/go-udiff"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/orbitdesk/skillhub/pkg/db"
	"github.com/orbitdesk/skillhub/pkg/presenter"
	"github.com/orbitdesk/skillhub/pkg/store/sqlite"
	"github.com/orbitdesk/skillhub/pkg/types/platform"
)

var logsCmd = &cobra.Command{
	Use:   "logs <installation-id>",
	Short: "Show the execution log of an installation",
	Long: `Prints the execution log entries of an installation, newest first.
With --diff, renders the before/after state of one entry as a unified diff.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		installationID := args[0]

		limit, _ := cmd.Flags().GetInt("limit")
		diffID, _ := cmd.Flags().GetString("diff")
		dbPath, _ := cmd.Flags().GetString("db-path")

		if dbPath == "" {
			var err error
			dbPath, err = db.DefaultDBPath()
			if err != nil {
				return err
			}
		}

		store, err := sqlite.NewStore(ctx, dbPath)
		if err != nil {
			return errors.Wrap(err, "failed to open database")
		}
		defer store.Close()

		if diffID != "" {
			entry, err := store.GetLogEntry(ctx, installationID, diffID)
			if err != nil {
				return err
			}
			return printEntryDiff(entry)
		}

		entries, err := store.ListLogEntries(ctx, installationID, limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			presenter.Info("No log entries")
			return nil
		}

		for _, entry := range entries {
			printEntry(entry)
		}
		return nil
	},
}

func init() {
	logsCmd.Flags().Int("limit", 20, "Maximum number of entries to show")
	logsCmd.Flags().String("diff", "", "Render the before/after diff of one log entry by id")
	logsCmd.Flags().String("db-path", "", "SQLite database path (default ~/.skillhub/platform.db)")
}

func printEntry(entry platform.ExecutionLogEntry) {
	status := "ok"
	if !entry.Succeeded {
		status = "failed"
	}
	if entry.Reverted {
		status += ", reverted"
	}

	presenter.Info(fmt.Sprintf("%s  %s  %-16s %s (%s)",
		entry.CreatedAt.Format("2006-01-02 15:04:05"),
		entry.ID,
		entry.Action,
		entry.Target,
		status,
	))
	if entry.Error != "" {
		presenter.Info(fmt.Sprintf("    error: %s", entry.Error))
	}
}

func printEntryDiff(entry *platform.ExecutionLogEntry) error {
	before, err := stateJSON(entry.BeforeState)
	if err != nil {
		return err
	}
	after, err := stateJSON(entry.AfterState)
	if err != nil {
		return err
	}

	presenter.Section(fmt.Sprintf("%s on %s", entry.Action, entry.Target))
	diff := udiff.Unified("before", "after", before, after)
	if diff == "" {
		presenter.Info("No state change recorded")
		return nil
	}
	fmt.Print(diff)
	return nil
}

func stateJSON(state map[string]any) (string, error) {
	if state == nil {
		return "null\n", nil
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to render state")
	}
	return string(data) + "\n", nil
}
