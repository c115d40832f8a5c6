package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/ubs-connector/ubssync/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides, with DSN passwords masked",
		RunE:  runConfigShow,
	}
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	if resolvedCfg == nil {
		return errors.New("no configuration loaded")
	}

	if flagJSON {
		masked := *resolvedCfg
		masked.StoreA.DSN = config.MaskDSN(masked.StoreA.DSN)
		masked.StoreB.DSN = config.MaskDSN(masked.StoreB.DSN)

		return writeJSON(cmd.OutOrStdout(), &masked)
	}

	return config.RenderEffective(resolvedCfg, cmd.OutOrStdout())
}
