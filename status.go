package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ubs-connector/ubssync/internal/lock"
	"github.com/ubs-connector/ubssync/internal/record"
	"github.com/ubs-connector/ubssync/internal/sync"
)

const defaultStatusRuns = 5

func newStatusCmd() *cobra.Command {
	var (
		runs    int
		noScope bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the watermark, recent runs, locks, and what the next run would see",
		Long: `Display the current sync state without writing anything.

Shows the watermark, the most recent runs, which runner locks are held, and
per-entity in-scope row counts on both stores for the next run. Counting
connects to both stores; use --no-scope to report local state only.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, runs, noScope)
		},
	}

	cmd.Flags().IntVar(&runs, "runs", defaultStatusRuns, "number of recent runs to show")
	cmd.Flags().BoolVar(&noScope, "no-scope", false, "skip per-entity scope counts")

	return cmd
}

// statusReport is the JSON form of the status output.
type statusReport struct {
	ConfigPath string         `json:"config_path"`
	Watermark  string         `json:"watermark,omitempty"`
	Runs       []statusRun    `json:"runs"`
	Locks      []statusLock   `json:"locks"`
	Scope      []statusEntity `json:"scope,omitempty"`
}

type statusRun struct {
	ID        string `json:"id"`
	Runner    string `json:"runner"`
	Status    string `json:"status"`
	StartedAt string `json:"started_at"`
	Duration  string `json:"duration,omitempty"`
	DryRun    bool   `json:"dry_run,omitempty"`
	Scoped    bool   `json:"scoped,omitempty"`
	Advanced  bool   `json:"watermark_advanced"`
}

type statusLock struct {
	Runner string `json:"runner"`
	Held   bool   `json:"held"`
	PID    int    `json:"pid,omitempty"`
}

type statusEntity struct {
	Entity string `json:"entity"`
	Window string `json:"window"`
	CountA int64  `json:"count_a"`
	CountB int64  `json:"count_b"`
	Error  string `json:"error,omitempty"`
}

func runStatus(cmd *cobra.Command, runs int, noScope bool) error {
	logger := buildLogger()
	ctx := cmd.Context()

	env, err := openEnv(ctx, resolvedCfg, envNeeds{state: true, catalog: !noScope, stores: !noScope}, logger)
	if err != nil {
		return err
	}
	defer env.Close()

	rep, err := collectStatus(ctx, env, runs, !noScope)
	if err != nil {
		return err
	}

	if flagJSON {
		return writeJSON(cmd.OutOrStdout(), rep)
	}

	printStatus(cmd.OutOrStdout(), rep)

	return nil
}

func collectStatus(ctx context.Context, env *syncEnv, runs int, withScope bool) (*statusReport, error) {
	rep := &statusReport{ConfigPath: env.cfg.Path, Runs: []statusRun{}}

	watermark, ok, err := env.state.LastRunAt(ctx)
	if err != nil {
		return nil, err
	}

	if ok {
		rep.Watermark = formatTime(watermark)
	}

	records, err := env.state.RecentRuns(ctx, runs)
	if err != nil {
		return nil, err
	}

	for i := range records {
		r := &records[i]
		sr := statusRun{
			ID:        r.ID,
			Runner:    r.Runner,
			Status:    string(r.Status),
			StartedAt: formatTime(r.StartedAt),
			DryRun:    r.DryRun,
			Scoped:    r.Scoped,
			Advanced:  !r.WatermarkAt.IsZero(),
		}

		if !r.FinishedAt.IsZero() {
			sr.Duration = r.FinishedAt.Sub(r.StartedAt).String()
		}

		rep.Runs = append(rep.Runs, sr)
	}

	rep.Locks = lockStates(env.locks, append([]string{env.cfg.Sync.Runner}, env.cfg.Sync.SiblingRunners...))

	if !withScope {
		return rep, nil
	}

	// Store timestamps are wall-clock values; compare against the local clock.
	now, _ := record.ParseTime(time.Now())

	counts, err := sync.ScopeCounts(ctx, sync.ScopeConfig{
		A:         env.a,
		B:         env.b,
		Catalog:   env.catalog,
		Watermark: watermark,
		Now:       now,
		Grace:     env.cfg.Timing.GracePeriod,
	})
	if err != nil {
		return nil, err
	}

	for _, c := range counts {
		se := statusEntity{Entity: c.Entity, Window: string(c.Window), CountA: c.CountA, CountB: c.CountB}
		if c.Err != nil {
			se.Error = c.Err.Error()
		}

		rep.Scope = append(rep.Scope, se)
	}

	return rep, nil
}

// lockStates probes each runner's lock. Probe failures read as not held.
func lockStates(p *lock.FileProvider, runners []string) []statusLock {
	out := make([]statusLock, 0, len(runners))

	for _, name := range runners {
		held, _ := p.IsHeld(name)
		sl := statusLock{Runner: name, Held: held}

		if held {
			if pid, ok, err := p.Holder(name); ok && err == nil {
				sl.PID = pid
			}
		}

		out = append(out, sl)
	}

	return out
}

func printStatus(w io.Writer, rep *statusReport) {
	fmt.Fprintf(w, "Config:    %s\n", rep.ConfigPath)

	if rep.Watermark == "" {
		fmt.Fprintln(w, "Watermark: none (next run compares every row)")
	} else {
		fmt.Fprintf(w, "Watermark: %s\n", rep.Watermark)
	}

	fmt.Fprintln(w)

	lockRows := make([][]string, 0, len(rep.Locks))
	for _, l := range rep.Locks {
		state := "free"
		if l.Held {
			state = "held"
			if l.PID > 0 {
				state += " by pid " + strconv.Itoa(l.PID)
			}
		}

		lockRows = append(lockRows, []string{l.Runner, state})
	}

	printTable(w, []string{"RUNNER", "LOCK"}, lockRows)
	fmt.Fprintln(w)

	if len(rep.Runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
	} else {
		runRows := make([][]string, 0, len(rep.Runs))

		for _, r := range rep.Runs {
			flags := ""
			switch {
			case r.DryRun:
				flags = "dry run"
			case r.Scoped:
				flags = "scoped"
			case r.Advanced:
				flags = "advanced watermark"
			}

			runRows = append(runRows, []string{r.ID, r.StartedAt, r.Status, r.Duration, flags})
		}

		printTable(w, []string{"RUN", "STARTED", "STATUS", "DURATION", "NOTE"}, runRows)
	}

	if len(rep.Scope) == 0 {
		return
	}

	fmt.Fprintln(w)

	scopeRows := make([][]string, 0, len(rep.Scope))
	for _, s := range rep.Scope {
		a, b := strconv.FormatInt(s.CountA, 10), strconv.FormatInt(s.CountB, 10)
		if s.Error != "" {
			a, b = "?", "?"
		}

		scopeRows = append(scopeRows, []string{s.Entity, s.Window, a, b, s.Error})
	}

	printTable(w, []string{"ENTITY", "NEXT WINDOW", "IN A", "IN B", "ERROR"}, scopeRows)
}
