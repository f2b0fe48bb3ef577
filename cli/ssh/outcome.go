package ssh

import "errors"

// ErrUnreachable is carried by a fatal outcome once the database host failed
// too often before the workload started.
var ErrUnreachable = errors.New("database host unreachable")

// Status tells the caller how to treat a remote command.
type Status int

const (
	// StatusOK means the command ran; ExitStatus holds its exit code.
	StatusOK Status = iota
	// StatusRecoverable means the command could not run but the sweep may go on.
	StatusRecoverable
	// StatusFatal means the sweep must abort.
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRecoverable:
		return "recoverable"
	case StatusFatal:
		return "fatal"
	}
	return "unknown"
}

// Outcome is the result of one remote command.
type Outcome struct {
	Status Status
	// ExitStatus is -1 unless the command ran.
	ExitStatus int
	// Output is the combined stdout and stderr with carriage returns removed.
	Output string
	Err    error
}

// Succeeded reports whether the command ran and exited zero.
func (o Outcome) Succeeded() bool {
	return o.Status == StatusOK && o.ExitStatus == 0
}
