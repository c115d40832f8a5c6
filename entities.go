package main

import (
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ubs-connector/ubssync/internal/config"
	"github.com/ubs-connector/ubssync/internal/schema"
)

func newEntitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "entities",
		Short: "List the entities of the mapping file in processing order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			catalog, err := config.LoadMapping(resolvedCfg.Sync.MappingFile)
			if err != nil {
				return err
			}

			if flagJSON {
				return writeJSON(cmd.OutOrStdout(), entityRows(catalog))
			}

			printEntities(cmd.OutOrStdout(), catalog)

			return nil
		},
	}
}

// entityJSON is the JSON form of one entity in the entities listing.
type entityJSON struct {
	Name        string   `json:"name"`
	Mode        string   `json:"mode"`
	TableA      string   `json:"table_a"`
	TableB      string   `json:"table_b"`
	KeyA        []string `json:"key_a"`
	KeyB        []string `json:"key_b"`
	Parent      string   `json:"parent,omitempty"`
	Children    string   `json:"require_children,omitempty"`
	Fields      int      `json:"fields"`
	Rolling     int      `json:"rolling_days,omitempty"`
	OrphanSweep bool     `json:"orphan_sweep"`
	CrossCheck  bool     `json:"cross_check"`
}

func entityRows(c *schema.Catalog) []entityJSON {
	out := make([]entityJSON, 0, c.Len())

	for _, e := range c.Entities() {
		ej := entityJSON{
			Name:        e.Name,
			Mode:        string(e.Mode),
			TableA:      e.A.Name,
			TableB:      e.B.Name,
			KeyA:        e.A.Key,
			KeyB:        e.B.Key,
			Fields:      len(e.Fields),
			OrphanSweep: e.OrphanSweep,
			CrossCheck:  e.CrossCheck,
		}

		if e.Mode == schema.ModeRollingWindow {
			ej.Rolling = e.RollingDays
		}

		if e.Parent != nil {
			ej.Parent = e.Parent.Entity
		}

		if e.RequireChildren != nil {
			ej.Children = e.RequireChildren.Entity
		}

		out = append(out, ej)
	}

	return out
}

func printEntities(w io.Writer, c *schema.Catalog) {
	rows := entityRows(c)
	table := make([][]string, 0, len(rows))

	for _, e := range rows {
		parent := e.Parent
		if parent == "" {
			parent = "-"
		}

		// Orphan sweep is on unless disabled, so only the exception is shown.
		var options []string
		if !e.OrphanSweep {
			options = append(options, "no-sweep")
		}

		if e.CrossCheck {
			options = append(options, "cross-check")
		}

		if e.Children != "" {
			options = append(options, "needs "+e.Children)
		}

		table = append(table, []string{
			e.Name,
			e.Mode,
			e.TableA + " (" + strings.Join(e.KeyA, ", ") + ")",
			e.TableB + " (" + strings.Join(e.KeyB, ", ") + ")",
			parent,
			strings.Join(options, ", "),
		})
	}

	printTable(w, []string{"ENTITY", "MODE", "STORE A", "STORE B", "PARENT", "OPTIONS"}, table)
}
