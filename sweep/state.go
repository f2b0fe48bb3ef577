package sweep

import "errors"

var (
	// ErrFatal aborts the sweep: the database host is unreachable before
	// the workload started or the database could not be prepared.
	ErrFatal = errors.New("fatal sweep error")
	// ErrCanceled is returned when the run was interrupted.
	ErrCanceled = errors.New("sweep canceled")
)

// State is the position of the sweep in its strictly sequential life.
type State int

const (
	StateIdle State = iota
	StateConfigValidated
	StateClientCleaned
	StateDBCleaned
	StateRunning
	StateCollected
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfigValidated:
		return "config_validated"
	case StateClientCleaned:
		return "client_cleaned"
	case StateDBCleaned:
		return "db_cleaned"
	case StateRunning:
		return "running"
	case StateCollected:
		return "collected"
	case StateDone:
		return "done"
	}
	return "unknown"
}

// Directory suffixes of runs that did not finish.
const (
	FailedSuffix   = "_FAILED"
	CanceledSuffix = "_CANCELED"
)
