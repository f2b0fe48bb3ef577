// Package supervisor runs batches of local processes under one deadline,
// forwarding their output to the commands' logs and failing fast when a
// workload process dies.
package supervisor

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/perfgo/sweepgo/command"
	"github.com/perfgo/sweepgo/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

const (
	defaultTick      = time.Second
	defaultStagger   = 200 * time.Millisecond
	defaultKillGrace = 2 * time.Second
)

type chunk struct {
	token int
	data  []byte
}

type multiplexer interface {
	add(f *os.File) (int, error)
	remove(token int)
	wait(timeout time.Duration) ([]chunk, error)
	drain(token int) []byte
	close() error
}

// Batch describes one phase handed to RunBatch.
type Batch struct {
	Commands []command.Runnable
	// Deadline bounds the whole batch. Commands are expected to finish on
	// their own before it.
	Deadline time.Duration
	// RunTime is the window in which toggling may fire. Defaults to Deadline.
	RunTime time.Duration
	// Universe lists every port workload may target. Defaults to the ports
	// of Commands.
	Universe []int
	Toggler  *Toggler
	// Warmup suppresses toggling and keeps its clock reset.
	Warmup  bool
	Message string
}

type Result struct {
	Success  bool
	Canceled bool
	Elapsed  time.Duration
	Toggles  int
	// Failed lists the critical commands that exited non-zero.
	Failed []string
}

type tracked struct {
	r     command.Runnable
	token int
}

type Supervisor struct {
	logger    zerolog.Logger
	metrics   *metrics.Collector
	limiter   *rate.Limiter
	tick      time.Duration
	killGrace time.Duration
	now       func() time.Time

	// Batch state. Only the RunBatch loop touches these.
	mux      multiplexer
	procs    []*tracked
	byToken  map[int]*tracked
	pool     *Pool
	critical int

	// Process groups that may need signalling from outside the loop.
	mu     sync.Mutex
	groups map[int]struct{}
}

type Option func(*Supervisor)

func WithMetrics(c *metrics.Collector) Option {
	return func(s *Supervisor) { s.metrics = c }
}

// WithStagger sets the pause between launches of commands that connect to
// the database host.
func WithStagger(d time.Duration) Option {
	return func(s *Supervisor) {
		if d <= 0 {
			s.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		s.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithTick sets the bounded wait of each loop iteration.
func WithTick(d time.Duration) Option {
	return func(s *Supervisor) { s.tick = d }
}

func WithKillGrace(d time.Duration) Option {
	return func(s *Supervisor) { s.killGrace = d }
}

func New(logger zerolog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		logger:    logger.With().Str("component", "supervisor").Logger(),
		limiter:   rate.NewLimiter(rate.Every(defaultStagger), 1),
		tick:      defaultTick,
		killGrace: defaultKillGrace,
		now:       time.Now,
		groups:    make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunBatch launches every command and supervises them until all exit, the
// deadline passes, a critical command fails or ctx is canceled. Whatever is
// still running on return has been stopped and every tracking structure is
// empty again, so RunBatch may be called repeatedly.
func (s *Supervisor) RunBatch(ctx context.Context, b Batch) (res Result) {
	start := s.now()
	res = Result{Success: true}
	deadline := start.Add(b.Deadline)
	runTime := b.RunTime
	if runTime <= 0 {
		runTime = b.Deadline
	}

	if err := s.begin(b); err != nil {
		s.logger.Error().Err(err).Msg("Failed to set up batch")
		res.Success = false
		return res
	}
	defer func() {
		s.finish()
		res.Elapsed = s.now().Sub(start)
	}()

	// Signals go out as soon as ctx is canceled, even while the loop is
	// blocked in a wait. Tracking state is still only changed by the loop.
	stopSignals := context.AfterFunc(ctx, s.SignalAll)
	defer stopSignals()

	// ending is set once the deadline was cut short; no more toggling then.
	ending := false
	for _, r := range b.Commands {
		if r.Remote() {
			if err := s.limiter.Wait(ctx); err != nil {
				res.Canceled = true
				return res
			}
		}
		if !s.launch(r) && r.IsCritical() {
			res.Success = false
			deadline = s.now()
			ending = true
		}
	}

	toggling := b.Toggler.Enabled() && !b.Warmup
	if b.Toggler != nil {
		b.Toggler.Reset(start)
	}

	if b.Message != "" {
		s.logger.Info().Dur("deadline", b.Deadline).Msg(b.Message)
	}

	for len(s.procs) > 0 {
		if ctx.Err() != nil {
			res.Canceled = true
			break
		}
		now := s.now()

		// (a) toggle. A tick scheduled at the very end of the run still
		// fires, even when the deadline falls on the same instant.
		if toggling && !ending && b.Toggler.Next().Sub(start) > runTime {
			toggling = false
		}
		if toggling && !ending && b.Toggler.Due(now) {
			if s.toggle(b.Toggler, runTime-now.Sub(start), &res) {
				deadline = now
				ending = true
			}
			b.Toggler.Advance()
			res.Toggles++
		}

		if !now.Before(deadline) {
			break
		}

		// (b) drain output
		timeout := min(s.tick, deadline.Sub(now))
		if toggling && !ending {
			timeout = max(min(timeout, b.Toggler.Next().Sub(now)), 0)
		}
		chunks, err := s.mux.wait(timeout)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Waiting for output failed")
		}
		for _, c := range chunks {
			if t := s.byToken[c.token]; t != nil {
				t.r.HandleOutput(c.data)
			}
		}

		// (c) classify exits
		for _, t := range append([]*tracked(nil), s.procs...) {
			select {
			case <-t.r.Done():
			default:
				continue
			}
			s.release(t)
			if s.classify(t.r, &res) {
				deadline = s.now()
				ending = true
			}
		}
	}

	if ctx.Err() != nil {
		res.Canceled = true
	}
	return res
}

// classify records the exit of r and reports whether the batch is over.
func (s *Supervisor) classify(r command.Runnable, res *Result) bool {
	code := r.ExitCode()
	logger := s.logger.With().Int("pid", r.Pid()).Int("exit", code).Str("cmd", r.String()).Logger()

	switch {
	case code != 0 && r.IsCritical():
		s.critical--
		s.metrics.ProcessFailed(true)
		ev := logger.Error()
		if tl, ok := r.(interface{ Tail() []string }); ok {
			ev = ev.Strs("tail", tl.Tail())
		}
		ev.Msg("Workload command failed")
		res.Success = false
		res.Failed = append(res.Failed, r.String())
		return true
	case code != 0:
		s.metrics.ProcessFailed(false)
		logger.Warn().Msg("Monitoring command exited with error")
	case r.IsCritical():
		s.critical--
		logger.Debug().Int("remaining", s.critical).Msg("Workload command finished")
		if s.critical == 0 {
			return true
		}
	default:
		logger.Debug().Msg("Command finished")
	}
	return false
}

func (s *Supervisor) begin(b Batch) error {
	mux, err := newMux()
	if err != nil {
		return err
	}
	s.mux = mux
	s.procs = nil
	s.byToken = make(map[int]*tracked)
	s.critical = 0

	universe := b.Universe
	capacity := 0
	for _, r := range b.Commands {
		if k := r.ResourceKey(); k != 0 {
			capacity++
			if len(b.Universe) == 0 {
				universe = append(universe, k)
			}
		}
	}
	s.pool = NewPool(universe, capacity)
	return nil
}

// launch starts r and registers it everywhere. It reports success.
func (s *Supervisor) launch(r command.Runnable) bool {
	logger := s.logger.With().Str("cmd", r.String()).Logger()

	if err := r.Start(); err != nil {
		logger.Error().Err(err).Bool("critical", r.IsCritical()).Msg("Failed to start command")
		return false
	}

	token, err := s.mux.add(r.Output())
	if err != nil {
		logger.Error().Err(err).Msg("Failed to watch command output")
		_ = r.Stop()
		_ = r.Close()
		return false
	}

	if key := r.ResourceKey(); key != 0 {
		if err := s.pool.Add(key, r); err != nil {
			logger.Error().Err(err).Msg("Refusing to run workload")
			s.mux.remove(token)
			_ = r.Stop()
			_ = r.Close()
			return false
		}
		s.metrics.SetActive(s.pool.Len())
	}

	t := &tracked{r: r, token: token}
	s.procs = append(s.procs, t)
	s.byToken[token] = t
	if r.IsCritical() {
		s.critical++
	}
	s.addGroup(r.Pid())
	s.metrics.ProcessStarted(r.IsCritical())

	logger.Debug().Int("pid", r.Pid()).Int("port", r.ResourceKey()).Msg("Started")
	return true
}

// release drains what is left of t's output, stops it and removes it from
// every structure in one step.
func (s *Supervisor) release(t *tracked) {
	if data := s.mux.drain(t.token); len(data) > 0 {
		t.r.HandleOutput(data)
	}
	s.mux.remove(t.token)
	delete(s.byToken, t.token)
	for i, p := range s.procs {
		if p == t {
			s.procs = append(s.procs[:i], s.procs[i+1:]...)
			break
		}
	}
	if key := t.r.ResourceKey(); key != 0 && s.pool.Remove(key, t.r) {
		s.metrics.SetActive(s.pool.Len())
	}

	if err := t.r.Stop(); err != nil {
		s.logger.Warn().Err(err).Str("cmd", t.r.String()).Msg("Failed to stop command")
	}
	if err := t.r.Close(); err != nil {
		s.logger.Debug().Err(err).Str("cmd", t.r.String()).Msg("Failed to close command output")
	}
	s.removeGroup(t.r.Pid())
}

// toggle swaps workload between ports and reports whether the batch is over,
// which happens when a workload picked for toggling out had already exited
// and its exit ends the batch.
func (s *Supervisor) toggle(tg *Toggler, remaining time.Duration, res *Result) bool {
	out, in := tg.Plan(s.pool)
	if len(out) == 0 {
		return false
	}
	s.logger.Info().Ints("out", out).Ints("in", in).Msg("Toggling active databases")

	over := false
	for _, port := range out {
		r := s.pool.Get(port)
		t := s.find(r)
		if t == nil {
			s.pool.Remove(port, nil)
			continue
		}

		select {
		case <-r.Done():
			s.release(t)
			if s.classify(r, res) {
				over = true
			}
			continue
		default:
		}

		if r.IsCritical() {
			s.critical--
		}
		s.release(t)
	}
	s.metrics.Toggled()
	if over {
		return true
	}

	remaining = max(remaining, time.Second)
	for _, port := range in {
		s.launch(tg.launch(port, remaining))
	}
	return false
}

func (s *Supervisor) find(r command.Runnable) *tracked {
	for _, t := range s.procs {
		if t.r == r {
			return t
		}
	}
	return nil
}

// finish stops everything still tracked. A failure to stop one process
// does not keep the others running.
func (s *Supervisor) finish() {
	if len(s.procs) > 0 {
		s.logger.Debug().Int("count", len(s.procs)).Msg("Stopping remaining processes")
	}
	for _, t := range s.procs {
		if err := t.r.Stop(); err != nil {
			s.logger.Warn().Err(err).Str("cmd", t.r.String()).Msg("Failed to stop command")
		}
	}

	grace := time.NewTimer(s.killGrace)
	defer grace.Stop()
	for _, t := range s.procs {
		select {
		case <-t.r.Done():
		case <-grace.C:
			// the timer fired once; everything left gets SIGKILL right away
			grace.Reset(0)
			s.logger.Warn().Int("pid", t.r.Pid()).Str("cmd", t.r.String()).Msg("Force killing process")
			if err := t.r.Kill(); err != nil {
				s.logger.Warn().Err(err).Int("pid", t.r.Pid()).Msg("Failed to kill process")
			}
		}
	}

	for len(s.procs) > 0 {
		s.release(s.procs[0])
	}
	s.pool.active = make(map[int]command.Runnable)
	s.metrics.SetActive(0)
	s.critical = 0

	if s.mux != nil {
		if err := s.mux.close(); err != nil {
			s.logger.Debug().Err(err).Msg("Failed to close multiplexer")
		}
		s.mux = nil
	}
	s.byToken = nil
}

// Tracked returns the number of processes the supervisor still follows.
func (s *Supervisor) Tracked() int {
	return len(s.procs)
}

// Active returns the ports currently under workload.
func (s *Supervisor) Active() []int {
	return s.pool.Active()
}

func (s *Supervisor) addGroup(pid int) {
	if pid <= 0 {
		return
	}
	s.mu.Lock()
	s.groups[pid] = struct{}{}
	s.mu.Unlock()
}

func (s *Supervisor) removeGroup(pid int) {
	s.mu.Lock()
	delete(s.groups, pid)
	s.mu.Unlock()
}

// SignalAll sends SIGTERM to every process group launched by the current
// batch. It is safe to call from any goroutine.
func (s *Supervisor) SignalAll() {
	s.mu.Lock()
	pids := make([]int, 0, len(s.groups))
	for pid := range s.groups {
		pids = append(pids, pid)
	}
	s.mu.Unlock()
	sort.Ints(pids)

	for _, pid := range pids {
		if err := unix.Kill(-pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
			s.logger.Warn().Err(err).Int("pgid", pid).Msg("Failed to signal process group")
		}
	}
}
