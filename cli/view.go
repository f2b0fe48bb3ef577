package cli

// This file contains the view command for displaying sweep runs.

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/perfgo/sweepgo/history"
	"github.com/perfgo/sweepgo/model"
	"github.com/urfave/cli/v2"
)

func removeFirstDashDash(in []string) []string {
	if len(in) > 0 && in[0] == "--" {
		return in[1:]
	}
	return in
}

func parseViewArgs(in []string) (idArg string, pprofArgs []string) {
	if len(in) == 0 {
		return "0", nil
	}

	// If first arg is "--", use default "0" and rest are pprof args
	if in[0] == "--" {
		return "0", in[1:]
	}

	// A negative index is "-" followed by only digits (e.g., "-1", "-2");
	// anything else starting with "-" is a pprof flag (e.g., "-top")
	if len(in[0]) > 1 && in[0][0] == '-' {
		if _, err := strconv.ParseInt(in[0], 10, 64); err != nil {
			return "0", in
		}
	}

	// First arg is the ID/index, rest are pprof args (with optional "--" removed)
	return in[0], removeFirstDashDash(in[1:])
}

// selectEntry resolves an index (0 is the newest, -1 the one before) or a
// run ID prefix or suffix. entries are sorted newest first.
func selectEntry(entries []history.Entry, arg string) (*history.Entry, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("no sweep runs found")
	}

	if parsed, err := strconv.ParseInt(arg, 10, 64); err == nil {
		if parsed > 0 {
			return nil, fmt.Errorf("invalid index: %s (use 0 for last, -1 for second-to-last, -2 for third-to-last, etc.)", arg)
		}
		index := int(-parsed)
		if index >= len(entries) {
			return nil, fmt.Errorf("index %s out of range (only %d runs)", arg, len(entries))
		}
		return &entries[index], nil
	}

	id := strings.ToUpper(arg)
	for i := range entries {
		runID := strings.ToUpper(entries[i].Run.ID)
		if strings.HasPrefix(runID, id) || strings.HasSuffix(runID, id) {
			return &entries[i], nil
		}
	}
	return nil, fmt.Errorf("no sweep run found matching ID: %s", arg)
}

func (a *App) view(ctx *cli.Context) error {
	arg, pprofArgs := parseViewArgs(ctx.Args().Slice())

	entries, err := history.LoadEntries(a.logger, ctx.String("runs"))
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	entry, err := selectEntry(entries, arg)
	if err != nil {
		return err
	}
	return a.displayEntry(entry, pprofArgs)
}

func (a *App) displayEntry(entry *history.Entry, pprofArgs []string) error {
	r := entry.Run

	fmt.Printf("=== Sweep: %s ===\n", r.ID)
	fmt.Printf("Job: %s\n", r.Config)
	fmt.Printf("Time: %s\n", r.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Printf("Duration: %s\n", r.Duration)
	fmt.Printf("Status: %s", r.Status)
	if r.Phase != "" {
		fmt.Printf(" (reached %s)", r.Phase)
	}
	fmt.Println()
	fmt.Printf("Target: %s, %d threads, %d databases on %s\n", r.Target, r.Threads, r.DBNum, r.DBHost)
	if r.Error != "" {
		fmt.Printf("Error: %s\n", r.Error)
	}
	fmt.Println()

	var profile *model.Artifact
	for i := range r.Artifacts {
		if r.Artifacts[i].Type == model.ArtifactTypePprofProfile {
			profile = &r.Artifacts[i]
			break
		}
	}
	if profile != nil {
		return a.displayProfile(entry.FullPath, profile, pprofArgs)
	}

	for _, l := range r.Logs {
		size := "missing"
		if info, err := os.Stat(filepath.Join(entry.FullPath, l)); err == nil {
			size = humanize.IBytes(uint64(info.Size()))
		}
		fmt.Printf("log: %s (%s)\n", l, size)
	}
	for _, artifact := range r.Artifacts {
		fmt.Printf("%s: %s (%s)\n", artifact.Type, artifact.File, humanize.IBytes(artifact.Size))
	}
	fmt.Printf("Run directory: %s\n", entry.FullPath)
	return nil
}

func (a *App) displayProfile(runDir string, artifact *model.Artifact, pprofArgs []string) error {
	profilePath := filepath.Join(runDir, artifact.File)
	fmt.Printf("Profile: %s (%s)\n", profilePath, humanize.IBytes(artifact.Size))

	// Build pprof command with any additional args
	args := []string{"tool", "pprof"}
	args = append(args, pprofArgs...)
	args = append(args, profilePath)

	cmd := exec.Command("go", args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Dir = runDir

	return cmd.Run()
}
