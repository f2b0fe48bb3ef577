// Package command wraps one external program invocation together with the
// log file its output is appended to.
package command

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Runnable is the unit the supervisor launches and tracks.
type Runnable interface {
	Start() error
	// Stop terminates the whole process group. Stopping something that
	// already exited returns nil.
	Stop() error
	// Kill is the escalation of Stop for processes ignoring SIGTERM.
	Kill() error
	IsCritical() bool
	// ResourceKey is the database port the workload targets, 0 for probes.
	ResourceKey() int
	// Remote reports whether the process talks to the database host.
	Remote() bool
	// Output is the read end of the merged stdout/stderr pipe.
	Output() *os.File
	HandleOutput(chunk []byte)
	// Close flushes and releases the log and the pipe.
	Close() error
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// ExitCode is valid after Done is closed.
	ExitCode() int
	Pid() int
	String() string
}

// StartMarker prefixes the unix timestamp lines written into every log.
const StartMarker = "START_TIME: "

const tailLines = 5

// Command runs Argv in its own process group and appends its output to
// LogPath. An empty LogPath or os.DevNull discards output.
type Command struct {
	Argv     []string
	LogPath  string
	Critical bool
	Port     int
	OnDB     bool
	Filter   LineFilter

	// BenchmarkStart, when set, is written as a start marker ahead of the
	// command's own marker if the log does not exist yet, so that logs of
	// late starters share the timeline of the benchmark.
	BenchmarkStart time.Time

	cmd      *exec.Cmd
	log      *os.File
	out      *os.File
	partial  []byte
	tail     []string
	done     chan struct{}
	exitCode int
	stopped  bool
	now      func() time.Time
}

// Shell wraps script in sh -c.
func Shell(script string) *Command {
	return &Command{Argv: []string{"sh", "-c", script}}
}

func (c *Command) Start() error {
	if c.cmd != nil {
		return fmt.Errorf("command already started: %s", c)
	}
	if len(c.Argv) == 0 {
		return errors.New("empty command")
	}

	logFile, err := c.openLog()
	if err != nil {
		return err
	}

	r, w, err := os.Pipe()
	if err != nil {
		logFile.Close()
		return fmt.Errorf("failed to create output pipe: %w", err)
	}

	cmd := exec.Command(c.Argv[0], c.Argv[1:]...)
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		logFile.Close()
		return fmt.Errorf("failed to start %s: %w", c, err)
	}
	// the child holds its own copy of the write end
	w.Close()

	c.cmd = cmd
	c.log = logFile
	c.out = r
	c.done = make(chan struct{})

	go func() {
		err := cmd.Wait()
		c.exitCode = exitCode(err)
		close(c.done)
	}()

	return nil
}

func (c *Command) openLog() (*os.File, error) {
	if c.LogPath == "" || c.LogPath == os.DevNull {
		f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", os.DevNull, err)
		}
		return f, nil
	}

	_, statErr := os.Stat(c.LogPath)
	fresh := errors.Is(statErr, fs.ErrNotExist)

	f, err := os.OpenFile(c.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log %s: %w", c.LogPath, err)
	}

	if fresh && !c.BenchmarkStart.IsZero() {
		if err := writeMarker(f, c.BenchmarkStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	if err := writeMarker(f, c.clock()); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func writeMarker(f *os.File, t time.Time) error {
	if _, err := fmt.Fprintf(f, "%s%d\n", StartMarker, t.Unix()); err != nil {
		return fmt.Errorf("failed to write start marker: %w", err)
	}
	return nil
}

func (c *Command) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

// Stop sends SIGTERM to the process group and closes the log. It is safe to
// call more than once.
func (c *Command) Stop() error {
	if c.cmd == nil || c.stopped {
		return nil
	}
	c.stopped = true

	err := c.signal(unix.SIGTERM)
	c.closeLog()
	return err
}

func (c *Command) Kill() error {
	if c.cmd == nil {
		return nil
	}
	return c.signal(unix.SIGKILL)
}

func (c *Command) signal(sig unix.Signal) error {
	// Setpgid makes the child the leader of a group with its own pid.
	err := unix.Kill(-c.cmd.Process.Pid, sig)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return fmt.Errorf("failed to signal process group %d: %w", c.cmd.Process.Pid, err)
}

func (c *Command) closeLog() {
	if c.log == nil {
		return
	}
	if len(c.partial) > 0 {
		c.emit(string(c.partial))
		c.partial = nil
	}
	_ = c.log.Close()
	c.log = nil
}

// Close releases the read end of the output pipe. The supervisor calls it
// after the final drain.
func (c *Command) Close() error {
	c.closeLog()
	if c.out == nil {
		return nil
	}
	err := c.out.Close()
	c.out = nil
	return err
}

// HandleOutput splits chunk into lines, applies the filter and appends the
// surviving lines to the log. A trailing partial line is kept for the next
// chunk.
func (c *Command) HandleOutput(chunk []byte) {
	c.partial = append(c.partial, chunk...)
	for {
		i := bytes.IndexByte(c.partial, '\n')
		if i < 0 {
			return
		}
		line := string(c.partial[:i])
		c.partial = c.partial[i+1:]
		c.emit(line)
	}
}

func (c *Command) emit(line string) {
	line = strings.TrimSuffix(line, "\r")
	c.tail = append(c.tail, line)
	if len(c.tail) > tailLines {
		c.tail = c.tail[len(c.tail)-tailLines:]
	}
	if c.log == nil || !c.Filter.Allow(line) {
		return
	}
	_, _ = c.log.WriteString(line + "\n")
}

// Tail returns the last few lines of raw output, filtered or not.
func (c *Command) Tail() []string {
	return append([]string(nil), c.tail...)
}

func (c *Command) Done() <-chan struct{} { return c.done }

func (c *Command) ExitCode() int { return c.exitCode }

func (c *Command) IsCritical() bool { return c.Critical }

func (c *Command) ResourceKey() int { return c.Port }

func (c *Command) Remote() bool { return c.OnDB }

func (c *Command) Output() *os.File { return c.out }

func (c *Command) Pid() int {
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

func (c *Command) String() string {
	return Digest(strings.Join(c.Argv, " "))
}

// Digest shortens long command lines for logging.
func Digest(s string) string {
	const keep = 40
	if len(s) <= 2*keep+3 {
		return s
	}
	return s[:keep] + "..." + s[len(s)-keep:]
}

// exitCode maps a Wait error to a shell style exit code, 128+n for a
// process killed by signal n.
func exitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
		return exitErr.ExitCode()
	}
	return 1
}
