package cli

// This file contains the list command for displaying previous sweep runs.

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/perfgo/sweepgo/history"
	"github.com/perfgo/sweepgo/model"
	"github.com/urfave/cli/v2"
)

func (a *App) list(ctx *cli.Context) error {
	filterPath := ctx.String("path")
	limit := ctx.Int("limit")
	status := model.Status(ctx.String("status"))

	// Load all run records below the runs directory
	entries, err := history.LoadEntries(a.logger, ctx.String("runs"))
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	filteredEntries := history.Filter(entries, filterPath, status)
	if len(filteredEntries) == 0 {
		if filterPath != "" || status != "" {
			fmt.Println("No sweep runs found matching the filter")
		} else {
			fmt.Println("No sweep runs found")
		}
		return nil
	}

	// Apply limit
	displayRuns := filteredEntries
	if limit > 0 && limit < len(displayRuns) {
		displayRuns = displayRuns[:limit]
	}

	fmt.Printf("\n=== Sweeps (%d total) ===\n\n", len(filteredEntries))
	for _, entry := range displayRuns {
		printEntry(entry)
	}

	fmt.Println("\nView a run: sweepgo view <ID>")
	return nil
}

func printEntry(entry history.Entry) {
	r := entry.Run
	timestamp := r.Timestamp.Format("2006-01-02 15:04:05")
	duration := r.Duration.Round(time.Second)

	fmt.Printf("%s  %s  [%s]  %s  id=%s\n", statusMark(r.Status), timestamp, duration, r.Status, shortID(r.ID))
	fmt.Printf("   Job: %s (%s, %d threads, %d databases on %s)\n",
		filepath.Base(r.Config), r.Target, r.Threads, r.DBNum, r.DBHost)
	if r.Toggles > 0 {
		fmt.Printf("   Toggles: %d\n", r.Toggles)
	}
	if r.Error != "" {
		fmt.Printf("   Error: %s\n", r.Error)
	}
	if len(r.Logs) > 0 {
		fmt.Printf("   Logs: %d (%s)\n", len(r.Logs), summarizeLogs(r.Logs))
	}
	for _, artifact := range r.Artifacts {
		fmt.Printf("   %s: %s (%s)\n", artifact.Type, artifact.File, humanize.IBytes(artifact.Size))
	}
	fmt.Printf("   %s\n", entry.FullPath)
	fmt.Println()
}

func statusMark(s model.Status) string {
	switch s {
	case model.StatusFinished:
		return "✓"
	case model.StatusCanceled:
		return "-"
	}
	return "✗"
}

// Show short ID (last 8 chars, the leading ones only encode the time)
func shortID(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}

// summarizeLogs groups log files by the tool that wrote them.
func summarizeLogs(logs []string) string {
	counts := make(map[string]int)
	var order []string
	for _, l := range logs {
		tool := l
		if i := strings.IndexByte(l, '_'); i > 0 {
			tool = l[:i]
		}
		tool = strings.TrimSuffix(tool, ".log")
		if counts[tool] == 0 {
			order = append(order, tool)
		}
		counts[tool]++
	}

	parts := make([]string, 0, len(order))
	for _, tool := range order {
		if counts[tool] > 1 {
			parts = append(parts, fmt.Sprintf("%s x%d", tool, counts[tool]))
		} else {
			parts = append(parts, tool)
		}
	}
	return strings.Join(parts, ", ")
}
