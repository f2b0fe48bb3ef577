package sweep

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/perfgo/sweepgo/cli/probe"
	"github.com/perfgo/sweepgo/cli/sysbench"
	"github.com/perfgo/sweepgo/command"
	"github.com/perfgo/sweepgo/config"
	"github.com/perfgo/sweepgo/supervisor"
)

// sysbench is the default WorkloadFunc.
func (s *Sweep) sysbench(port int, maxTime time.Duration, logPath string) command.Runnable {
	return &command.Command{
		Argv:           sysbench.BuildArgs(sysbench.FromConfig(s.cfg, port, maxTime)),
		LogPath:        logPath,
		Critical:       true,
		Port:           port,
		Filter:         command.SysbenchFilter,
		BenchmarkStart: s.benchStart,
	}
}

// workloadFor builds the main-phase workload against port and records its
// log.
func (s *Sweep) workloadFor(port int, maxTime time.Duration) command.Runnable {
	b := s.cfg.Benchmark
	name := sysbench.LogName(b.Target, b.Threads, port)
	if !slices.Contains(s.logs, name) {
		s.logs = append(s.logs, name)
	}
	return s.workload(port, maxTime, filepath.Join(s.dir, name))
}

// runWorkload runs the optional warm-up and the main batch. A failed
// warm-up skips the main batch and fails the run.
func (s *Sweep) runWorkload(ctx context.Context) error {
	s.setState(StateRunning)

	w := s.cfg.Workload
	ports := s.cfg.Ports()
	tg := supervisor.NewToggler(w.TogglePct, s.cfg.ToggleInterval(), s.workloadFor, s.rng)

	if ok, err := s.warmup(ctx, ports, tg); err != nil || !ok {
		return err
	}

	if err := s.lookupPids(ctx); err != nil {
		return err
	}

	s.benchStart = s.now()
	var cmds []command.Runnable
	for _, port := range supervisor.InitialPorts(ports, w.ActivePct, s.rng) {
		cmds = append(cmds, s.workloadFor(port, s.cfg.Duration()))
	}

	env := probe.Env{
		Config:  s.cfg,
		Remote:  s.remote,
		RunDir:  s.dir,
		Staging: s.staging,
		Pids:    s.pids,
	}
	for _, p := range probe.All(env) {
		cmds = append(cmds, p.Command())
		if p.Log != probe.PerfProfileData {
			s.logs = append(s.logs, p.Log)
		}
	}

	s.remote.MarkCriticalStarted()
	s.launched = true

	res := s.sup.RunBatch(ctx, supervisor.Batch{
		Commands: cmds,
		Deadline: s.cfg.Duration() + s.cfg.Misc.BatchMargin,
		RunTime:  s.cfg.Duration(),
		Universe: ports,
		Toggler:  tg,
		Message: fmt.Sprintf("Running %s workload with %d threads on %d of %d databases",
			w.Type, s.cfg.Benchmark.Threads, w.ActivePct*len(ports)/100, len(ports)),
	})
	s.record.Toggles = res.Toggles
	if res.Canceled {
		return fmt.Errorf("%w: %w", ErrCanceled, context.Cause(ctx))
	}

	s.success = res.Success
	if !res.Success {
		s.logger.Error().Strs("failed", res.Failed).Msg("Workload failed")
	} else {
		s.logger.Info().Dur("elapsed", res.Elapsed).Int("toggles", res.Toggles).Msg("Workload done")
	}
	return nil
}

// warmup loads every database for warmup_time with output discarded. It
// reports false when the main batch must be skipped.
func (s *Sweep) warmup(ctx context.Context, ports []int, tg *supervisor.Toggler) (bool, error) {
	d := time.Duration(s.cfg.Benchmark.WarmupTime) * time.Second
	if d <= 0 {
		return true, nil
	}

	cmds := make([]command.Runnable, 0, len(ports))
	for _, port := range ports {
		cmds = append(cmds, s.workload(port, d, os.DevNull))
	}
	res := s.sup.RunBatch(ctx, supervisor.Batch{
		Commands: cmds,
		Deadline: d + s.cfg.Misc.BatchMargin,
		RunTime:  d,
		Universe: ports,
		Toggler:  tg,
		Warmup:   true,
		Message:  fmt.Sprintf("Warming up %d databases", len(ports)),
	})
	if res.Canceled {
		return false, fmt.Errorf("%w: %w", ErrCanceled, context.Cause(ctx))
	}
	if !res.Success {
		s.logger.Error().Strs("failed", res.Failed).Msg("Warm-up failed, skipping the benchmark")
		s.success = false
		return false, nil
	}
	s.logger.Info().Dur("elapsed", res.Elapsed).Msg("Warm-up done")
	return true, nil
}

// lookupPids caches the mysqld pid of every port for the monitor probes.
func (s *Sweep) lookupPids(ctx context.Context) error {
	if s.cfg.Benchmark.Target != config.TargetDMX || s.cfg.Poll.Monitor <= 0 {
		return nil
	}
	out, err := s.exec(ctx, probe.PidsCommand, true)
	if err != nil {
		return err
	}
	if !out.Succeeded() {
		s.logger.Warn().Int("exit", out.ExitStatus).Msg("Failed to list mysqld processes, monitor is disabled")
		return nil
	}
	s.pids = probe.ParsePids(out.Output)
	return nil
}
