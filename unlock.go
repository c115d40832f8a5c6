package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newUnlockCmd() *cobra.Command {
	var (
		runner string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Remove a stale runner lock",
		Long: `Remove the lock file left behind by a sync process that did not exit
cleanly.

A lock that is still held is never removed. A lock file whose recorded
process is alive is only removed with --force, for the case where the pid
was reused by an unrelated process.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if runner == "" {
				runner = resolvedCfg.Sync.Runner
			}

			env, err := openEnv(cmd.Context(), resolvedCfg, envNeeds{}, buildLogger())
			if err != nil {
				return err
			}
			defer env.Close()

			if err := env.locks.Remove(runner, force); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Lock %s is free.\n", runner)

			return nil
		},
	}

	cmd.Flags().StringVar(&runner, "runner", "", "runner whose lock to remove (default: sync.runner)")
	cmd.Flags().BoolVar(&force, "force", false, "remove even if the recorded pid is alive")

	return cmd
}
