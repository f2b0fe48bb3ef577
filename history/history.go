package history

// This file contains shared history utilities for loading and parsing
// sweep run records.

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/perfgo/sweepgo/model"
	"github.com/rs/zerolog"
)

type Entry struct {
	Run      model.Run
	FullPath string
}

// LoadEntries loads every run record found below root, newest first.
func LoadEntries(logger zerolog.Logger, root string) ([]Entry, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("no sweep runs found in %s: %w", root, err)
	}

	var entries []Entry
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}

		recordPath := filepath.Join(path, model.RecordFile)
		if _, err := os.Stat(recordPath); err != nil {
			return nil
		}
		run, err := model.ReadRun(recordPath)
		if err != nil {
			logger.Warn().Err(err).Str("path", recordPath).Msg("Failed to parse run record")
			return nil
		}
		entries = append(entries, Entry{Run: run, FullPath: path})
		// run directories do not nest
		return filepath.SkipDir
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Run.Timestamp.After(entries[j].Run.Timestamp)
	})
	return entries, nil
}

// Filter keeps the entries whose path contains substr and whose status
// matches status. Empty arguments match everything.
func Filter(entries []Entry, substr string, status model.Status) []Entry {
	var out []Entry
	for _, e := range entries {
		if substr != "" && !strings.Contains(e.FullPath, substr) {
			continue
		}
		if status != "" && e.Run.Status != status {
			continue
		}
		out = append(out, e)
	}
	return out
}
