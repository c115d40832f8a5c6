package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ubs-connector/ubssync/internal/sync"
)

// idPrefixLen is the number of characters shown for run and conflict ids
// in table output.
const idPrefixLen = 8

const defaultConflictLimit = 50

func newConflictsCmd() *cobra.Command {
	var (
		runID string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List rows that changed on both stores within one window",
		Long: `Display the conflict log from the state database.

A conflict is recorded when a row changed on both stores since the window
start and the more recent edit overwrote the other. The log is informational;
the losing values are not kept.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConflicts(cmd, runID, limit)
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "only conflicts of this run id")
	cmd.Flags().IntVar(&limit, "limit", defaultConflictLimit, "maximum number of conflicts to list")

	return cmd
}

// conflictJSON is the JSON-serializable representation of a conflict.
type conflictJSON struct {
	ID         string `json:"id"`
	RunID      string `json:"run_id"`
	Entity     string `json:"entity"`
	Key        string `json:"key"`
	Winner     string `json:"winner"`
	RecencyA   string `json:"recency_a"`
	RecencyB   string `json:"recency_b"`
	DetectedAt string `json:"detected_at"`
}

func runConflicts(cmd *cobra.Command, runID string, limit int) error {
	logger := buildLogger()

	env, err := openEnv(cmd.Context(), resolvedCfg, envNeeds{state: true}, logger)
	if err != nil {
		return err
	}
	defer env.Close()

	conflicts, err := env.state.Conflicts(cmd.Context(), runID, limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	if flagJSON {
		return printConflictsJSON(out, conflicts)
	}

	if len(conflicts) == 0 {
		fmt.Fprintln(out, "No conflicts recorded.")
		return nil
	}

	printConflictsTable(out, conflicts)

	return nil
}

func printConflictsJSON(w io.Writer, conflicts []sync.ConflictRecord) error {
	items := make([]conflictJSON, len(conflicts))
	for i := range conflicts {
		c := &conflicts[i]
		items[i] = conflictJSON{
			ID:         c.ID,
			RunID:      c.RunID,
			Entity:     c.Entity,
			Key:        c.Key,
			Winner:     c.Winner,
			RecencyA:   formatTime(c.RecencyA),
			RecencyB:   formatTime(c.RecencyB),
			DetectedAt: c.DetectedAt.Format(time.RFC3339),
		}
	}

	return writeJSON(w, items)
}

func printConflictsTable(w io.Writer, conflicts []sync.ConflictRecord) {
	headers := []string{"RUN", "ENTITY", "KEY", "WINNER", "CHANGED IN A", "CHANGED IN B"}
	rows := make([][]string, len(conflicts))

	for i := range conflicts {
		c := &conflicts[i]
		rows[i] = []string{shortID(c.RunID), c.Entity, c.Key, c.Winner, formatTime(c.RecencyA), formatTime(c.RecencyB)}
	}

	printTable(w, headers, rows)
}

func shortID(id string) string {
	if len(id) > idPrefixLen {
		return id[:idPrefixLen]
	}

	return id
}
