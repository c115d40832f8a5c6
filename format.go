package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/ubs-connector/ubssync/internal/record"
	"github.com/ubs-connector/ubssync/internal/sync"
)

// maxListedKeys caps how many keys per direction the text summary prints.
const maxListedKeys = 20

// formatTime returns a timestamp for display, or "-" for the zero time.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	return record.FormatDateTime(t)
}

// printTable writes aligned columns to the given writer.
// headers and each row must have the same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

// printRow writes a single padded row without trailing spaces.
func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
	}

	fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

// printRunReport renders a run summary: one line per entity with counts,
// then the keys written per entity and direction.
func printRunReport(w io.Writer, r *sync.RunReport) {
	fmt.Fprintf(w, "Run %s %s in %s", r.RunID, r.Status, r.Duration().Round(time.Millisecond))

	switch {
	case r.DryRun:
		fmt.Fprint(w, " (dry run, nothing written)")
	case r.Advanced:
		fmt.Fprintf(w, " (watermark advanced to %s)", formatTime(r.StartedAt))
	default:
		fmt.Fprint(w, " (watermark unchanged)")
	}

	fmt.Fprintln(w)

	if len(r.Entities) == 0 {
		fmt.Fprintln(w, "No entities processed.")
		return
	}

	fmt.Fprintln(w)

	headers := []string{"ENTITY", "WINDOW", "IN A", "IN B", "A->B NEW", "A->B UPD", "B->A NEW", "B->A UPD", "SAME", "HELD", "STATUS"}
	rows := make([][]string, 0, len(r.Entities))

	for _, e := range r.Entities {
		rows = append(rows, []string{
			e.Entity,
			string(e.Window),
			strconv.FormatInt(e.CountA, 10),
			strconv.FormatInt(e.CountB, 10),
			strconv.Itoa(len(e.InsertedB)),
			strconv.Itoa(len(e.UpdatedB)),
			strconv.Itoa(len(e.InsertedA)),
			strconv.Itoa(len(e.UpdatedA)),
			strconv.Itoa(e.NoOp),
			strconv.Itoa(len(e.Held)),
			entityStatus(e),
		})
	}

	printTable(w, headers, rows)

	var keyLines []string

	for _, e := range r.Entities {
		keyLines = appendKeyLine(keyLines, e.Entity, "A->B inserted", e.InsertedB)
		keyLines = appendKeyLine(keyLines, e.Entity, "A->B updated", e.UpdatedB)
		keyLines = appendKeyLine(keyLines, e.Entity, "B->A inserted", e.InsertedA)
		keyLines = appendKeyLine(keyLines, e.Entity, "B->A updated", e.UpdatedA)
		keyLines = appendKeyLine(keyLines, e.Entity, "held for parent", e.Held)
	}

	if len(keyLines) > 0 {
		fmt.Fprintln(w)

		for _, l := range keyLines {
			fmt.Fprintln(w, l)
		}
	}

	for _, e := range r.Entities {
		if e.Err != nil {
			fmt.Fprintf(w, "\n%s: %v\n", e.Entity, e.Err)
		}
	}
}

func entityStatus(e *sync.EntityReport) string {
	switch {
	case e.Skipped:
		return "skipped"
	case e.Err != nil:
		return "failed"
	default:
		return "ok"
	}
}

func appendKeyLine(lines []string, entity, label string, keys []string) []string {
	if len(keys) == 0 {
		return lines
	}

	shown := keys
	if len(shown) > maxListedKeys {
		shown = shown[:maxListedKeys]
	}

	line := fmt.Sprintf("%s %s: %s", entity, label, strings.Join(shown, ", "))
	if extra := len(keys) - len(shown); extra > 0 {
		line += fmt.Sprintf(" (+%d more)", extra)
	}

	return append(lines, line)
}

// runReportJSON is the JSON form of a sync.RunReport.
type runReportJSON struct {
	RunID             string             `json:"run_id"`
	Runner            string             `json:"runner"`
	Status            string             `json:"status"`
	DryRun            bool               `json:"dry_run"`
	StartedAt         string             `json:"started_at"`
	FinishedAt        string             `json:"finished_at"`
	DurationMS        int64              `json:"duration_ms"`
	Watermark         string             `json:"watermark,omitempty"`
	WatermarkAdvanced bool               `json:"watermark_advanced"`
	Entities          []entityReportJSON `json:"entities"`
}

type entityReportJSON struct {
	Entity    string   `json:"entity"`
	Window    string   `json:"window"`
	CountA    int64    `json:"count_a"`
	CountB    int64    `json:"count_b"`
	Chunks    int      `json:"chunks"`
	InsertedB []string `json:"inserted_b"`
	UpdatedB  []string `json:"updated_b"`
	InsertedA []string `json:"inserted_a"`
	UpdatedA  []string `json:"updated_a"`
	NoOp      int      `json:"noop"`
	Held      []string `json:"held"`
	Conflicts int      `json:"conflicts"`
	Skipped   bool     `json:"skipped,omitempty"`
	Error     string   `json:"error,omitempty"`
}

func printRunReportJSON(w io.Writer, r *sync.RunReport) error {
	out := runReportJSON{
		RunID:             r.RunID,
		Runner:            r.Runner,
		Status:            string(r.Status),
		DryRun:            r.DryRun,
		StartedAt:         r.StartedAt.Format(time.RFC3339),
		FinishedAt:        r.FinishedAt.Format(time.RFC3339),
		DurationMS:        r.Duration().Milliseconds(),
		WatermarkAdvanced: r.Advanced,
		Entities:          make([]entityReportJSON, 0, len(r.Entities)),
	}

	if !r.Watermark.IsZero() {
		out.Watermark = r.Watermark.Format(time.RFC3339)
	}

	for _, e := range r.Entities {
		ej := entityReportJSON{
			Entity:    e.Entity,
			Window:    string(e.Window),
			CountA:    e.CountA,
			CountB:    e.CountB,
			Chunks:    e.Chunks,
			InsertedB: nonNil(e.InsertedB),
			UpdatedB:  nonNil(e.UpdatedB),
			InsertedA: nonNil(e.InsertedA),
			UpdatedA:  nonNil(e.UpdatedA),
			NoOp:      e.NoOp,
			Held:      nonNil(e.Held),
			Conflicts: e.Conflicts,
			Skipped:   e.Skipped,
		}

		if e.Err != nil {
			ej.Error = e.Err.Error()
		}

		out.Entities = append(out.Entities, ej)
	}

	return writeJSON(w, out)
}

// nonNil keeps empty key lists as [] rather than null in JSON.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}

	return s
}
