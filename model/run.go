package model

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
)

// RecordFile is the name of the run record inside a run directory.
const RecordFile = "run.json"

// Status is the terminal state of a sweep.
type Status string

const (
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// Run represents a single sweep execution.
type Run struct {
	// Unique, time ordered ID for this run (ULID)
	ID string `json:"id"`
	// Job file the run was started from
	Config string `json:"config"`
	Status Status `json:"status"`
	// Last controller state reached
	Phase string `json:"phase,omitempty"`
	// Timestamp when the sweep started
	Timestamp time.Time `json:"timestamp"`
	// Duration of the whole sweep, cleanup and collection included
	Duration time.Duration `json:"duration"`
	Target   string        `json:"target"`
	Threads  int           `json:"threads"`
	DBNum    int           `json:"db_num"`
	DBHost   string        `json:"db_host"`
	// Toggle ticks fired during the main batch
	Toggles int `json:"toggles,omitempty"`
	// Error that ended the run, if any
	Error string `json:"error,omitempty"`
	// Log files written by the workload and the probes (relative to run dir)
	Logs []string `json:"logs,omitempty"`
	// Artifacts collected after the run
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// ArtifactType identifies the type of artifact
type ArtifactType uint8

const (
	ArtifactTypePprofProfile ArtifactType = iota
	ArtifactTypeMySQLConfig
	ArtifactTypeServerInfo
	ArtifactTypeErrorLog
)

func (t ArtifactType) String() string {
	switch t {
	case ArtifactTypePprofProfile:
		return "profile"
	case ArtifactTypeMySQLConfig:
		return "config"
	case ArtifactTypeServerInfo:
		return "info"
	case ArtifactTypeErrorLog:
		return "errlog"
	}
	return "file"
}

// Artifact represents a file generated during execution
type Artifact struct {
	Type ArtifactType `json:"type"`
	Size uint64       `json:"size"`
	File string       `json:"file"` // relative to run dir
}

// NewID returns a ULID for a run started at t.
func NewID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Write stores the record as dir/run.json.
func (r *Run) Write(dir string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, RecordFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write run record: %w", err)
	}
	return nil
}

// ReadRun loads a run record.
func ReadRun(path string) (Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Run{}, err
	}

	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}
