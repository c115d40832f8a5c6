// Applies DDL scripts to the two stores named in a ubssync config file, so
// integration and E2E runs start from known tables.
//
// Usage: go run ./cmd/integration-bootstrap --config e2e.toml --ddl-a a.sql --ddl-b b.sql
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ubs-connector/ubssync/internal/config"
	"github.com/ubs-connector/ubssync/internal/store"
)

func main() {
	cfgPath := flag.String("config", "", "ubssync config file naming both stores")
	ddlA := flag.String("ddl-a", "", "SQL script applied to store A")
	ddlB := flag.String("ddl-b", "", "SQL script applied to store B")
	flag.Parse()

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := run(ctx, *cfgPath, *ddlA, *ddlB, logger); err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Stores bootstrapped.")
}

func run(ctx context.Context, cfgPath, ddlA, ddlB string, logger *slog.Logger) error {
	resolved, err := config.Resolve(config.ReadEnvOverrides(), config.CLIOverrides{ConfigPath: cfgPath})
	if err != nil {
		return err
	}

	if err := config.ValidateStores(&resolved.Config); err != nil {
		return err
	}

	for _, target := range []struct {
		name string
		sc   *config.StoreConfig
		ddl  string
	}{
		{"A", &resolved.StoreA, ddlA},
		{"B", &resolved.StoreB, ddlB},
	} {
		if target.ddl == "" {
			continue
		}

		if err := apply(ctx, target.name, target.sc, target.ddl, logger); err != nil {
			return fmt.Errorf("store %s: %w", target.name, err)
		}
	}

	return nil
}

func apply(ctx context.Context, name string, sc *config.StoreConfig, path string, logger *slog.Logger) error {
	script, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	dialect, err := store.ParseDialect(sc.Driver)
	if err != nil {
		return err
	}

	s, err := store.Open(ctx, store.Options{Name: name, Dialect: dialect, DSN: sc.DSN}, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	// One statement per Exec: the MySQL driver rejects multi-statement
	// strings unless the DSN enables them.
	for _, stmt := range splitStatements(string(script)) {
		if _, err := s.DB().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing %q: %w", firstLine(stmt), err)
		}
	}

	logger.Info("ddl applied", slog.String("store", name), slog.String("script", path))

	return nil
}

// splitStatements splits a script on ';' at line ends. Scripts must not use
// semicolons inside string literals at the end of a line.
func splitStatements(script string) []string {
	var (
		out []string
		cur strings.Builder
	)

	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}

		cur.WriteString(line)
		cur.WriteString("\n")

		if strings.HasSuffix(trimmed, ";") {
			out = append(out, strings.TrimSuffix(strings.TrimSpace(cur.String()), ";"))
			cur.Reset()
		}
	}

	if rest := strings.TrimSpace(cur.String()); rest != "" {
		out = append(out, rest)
	}

	return out
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")

	return line
}
