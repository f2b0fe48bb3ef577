// Package sweep drives one benchmark run from a job file to a finished run
// directory on the client host.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/perfgo/sweepgo/cli/ssh"
	"github.com/perfgo/sweepgo/command"
	"github.com/perfgo/sweepgo/config"
	"github.com/perfgo/sweepgo/metrics"
	"github.com/perfgo/sweepgo/model"
	"github.com/perfgo/sweepgo/supervisor"
	"github.com/rs/zerolog"
)

const (
	defaultStagingRoot = "/tmp"
	teardownTimeout    = 30 * time.Second
	copyDeadline       = 180 * time.Second
	auxDeadline        = 600 * time.Second
)

// Remote is the session to the database host.
type Remote interface {
	Execute(ctx context.Context, cmd string, quiet bool) ssh.Outcome
	// Command and CopyFrom build local argv reaching the host, for
	// commands that run under the supervisor.
	Command(remote string) []string
	CopyFrom(remote, local string) []string
	MarkCriticalStarted()
	Healthy() bool
	Close()
}

// WorkloadFunc builds the workload command against port. logPath is
// os.DevNull during warm-up.
type WorkloadFunc func(port int, maxTime time.Duration, logPath string) command.Runnable

type Sweep struct {
	logger      zerolog.Logger
	cfg         *config.Config
	remote      Remote
	sup         *supervisor.Supervisor
	metrics     *metrics.Collector
	rng         *rand.Rand
	now         func() time.Time
	stagingRoot string
	killNames   []string
	workload    WorkloadFunc

	state      State
	dir        string
	staging    string
	benchStart time.Time
	launched   bool
	success    bool
	pids       map[int]int
	logs       []string
	record     *model.Run

	sizesKnown bool
	bufferPool int64
	redoSize   int64
}

type Option func(*Sweep)

func WithSupervisor(sup *supervisor.Supervisor) Option {
	return func(s *Sweep) {
		s.sup = sup
	}
}

func WithMetrics(c *metrics.Collector) Option {
	return func(s *Sweep) {
		s.metrics = c
	}
}

// WithStagingRoot sets the directory on the database host under which the
// per-run staging directory is created. Defaults to /tmp.
func WithStagingRoot(dir string) Option {
	return func(s *Sweep) {
		s.stagingRoot = dir
	}
}

// WithKillNames replaces the command line fragments matched when leftover
// client processes are killed.
func WithKillNames(names ...string) Option {
	return func(s *Sweep) {
		s.killNames = names
	}
}

func WithWorkload(fn WorkloadFunc) Option {
	return func(s *Sweep) {
		s.workload = fn
	}
}

func WithRand(rng *rand.Rand) Option {
	return func(s *Sweep) {
		s.rng = rng
	}
}

// New creates a sweep for cfg. The sweep owns remote and closes it when Run
// returns.
func New(logger zerolog.Logger, cfg *config.Config, remote Remote, opts ...Option) *Sweep {
	s := &Sweep{
		logger:      logger.With().Str("component", "sweep").Logger(),
		cfg:         cfg,
		remote:      remote,
		now:         time.Now,
		stagingRoot: defaultStagingRoot,
		killNames:   defaultKillNames(),
	}
	s.workload = s.sysbench
	for _, opt := range opts {
		opt(s)
	}
	if s.sup == nil {
		s.sup = supervisor.New(logger, supervisor.WithMetrics(s.metrics))
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return s
}

func (s *Sweep) State() State {
	return s.state
}

// Dir returns the run directory, including any suffix added at the end.
func (s *Sweep) Dir() string {
	return s.dir
}

func (s *Sweep) setState(st State) {
	s.state = st
	s.record.Phase = st.String()
	s.logger.Debug().Str("state", st.String()).Msg("Sweep state changed")
}

// Run executes the sweep. It returns a nil record only when the job was
// rejected before a run directory existed. The error wraps ErrFatal,
// ErrCanceled or config.ErrInvalid when the run did not complete; a
// workload failure is reported through the record's status alone.
func (s *Sweep) Run(ctx context.Context) (*model.Run, error) {
	start := s.now()
	defer s.remote.Close()

	s.record = &model.Run{
		ID:        model.NewID(start),
		Config:    s.cfg.Path,
		Status:    model.StatusRunning,
		Timestamp: start,
		Target:    string(s.cfg.Benchmark.Target),
		Threads:   s.cfg.Benchmark.Threads,
		DBNum:     s.cfg.Benchmark.DBNum,
		DBHost:    s.cfg.Server.DBIP,
	}

	if err := s.validate(ctx); err != nil {
		s.metrics.SweepFinished(string(model.StatusFailed))
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
		}
		return nil, err
	}
	s.setState(StateConfigValidated)

	if err := s.prepareDir(start); err != nil {
		s.metrics.SweepFinished(string(model.StatusFailed))
		return nil, err
	}

	err := s.execute(ctx)
	s.teardown()
	status := s.finish(ctx, err)

	s.record.Status = status
	s.record.Duration = s.now().Sub(start)
	if err != nil {
		s.record.Error = err.Error()
	}
	s.record.Logs = s.logs
	s.record.Artifacts = s.artifacts()
	if werr := s.record.Write(s.dir); werr != nil {
		s.logger.Error().Err(werr).Msg("Failed to write run record")
	}

	s.metrics.SweepFinished(string(status))
	s.logger.Info().
		Str("dir", s.dir).
		Str("status", string(status)).
		Dur("elapsed", s.record.Duration).
		Msg("Sweep finished")
	return s.record, err
}

func (s *Sweep) prepareDir(start time.Time) error {
	s.dir = s.cfg.RunDirName(start)
	s.staging = path.Join(s.stagingRoot, filepath.Base(s.dir))

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	if s.cfg.Path != "" {
		if err := copyFile(s.cfg.Path, filepath.Join(s.dir, filepath.Base(s.cfg.Path))); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to copy job file into the run directory")
		}
	}
	s.logger.Info().Str("dir", s.dir).Str("staging", s.staging).Msg("Sweep started")
	return nil
}

// execute runs the phases up to collection. Collection happens whenever
// the workload phase was reached and the run was not interrupted.
func (s *Sweep) execute(ctx context.Context) error {
	if err := s.cleanClient(ctx); err != nil {
		return err
	}
	s.setState(StateClientCleaned)

	if err := s.cleanDB(ctx); err != nil {
		return err
	}
	s.setState(StateDBCleaned)

	if err := s.runWorkload(ctx); err != nil {
		return err
	}

	s.postCheck()
	if err := s.collect(ctx); err != nil {
		return err
	}
	s.setState(StateCollected)
	return nil
}

// teardown stops the long-running tools on the database host. It is
// skipped when the workload never started or the session had failed.
func (s *Sweep) teardown() {
	s.sup.SignalAll()
	if !s.launched {
		return
	}
	if !s.remote.Healthy() {
		s.logger.Warn().Msg("Skipping remote teardown, the session to the database host failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	s.remote.Execute(ctx, "killall tdctl monitor", true)
}

// exec runs cmd on the database host and maps fatal and canceled outcomes
// to errors. Recoverable outcomes are returned for the caller to judge.
func (s *Sweep) exec(ctx context.Context, cmd string, quiet bool) (ssh.Outcome, error) {
	out := s.remote.Execute(ctx, cmd, quiet)
	if ctx.Err() != nil {
		return out, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
	}
	if out.Status == ssh.StatusFatal {
		return out, fmt.Errorf("%w: %w", ErrFatal, out.Err)
	}
	return out, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func canceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}
