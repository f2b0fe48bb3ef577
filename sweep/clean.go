package sweep

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"github.com/perfgo/sweepgo/cli/ssh"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"
)

// readyMarker is printed by the cleanup script once every instance is up.
const readyMarker = "***Database is ready.***"

// defaultKillNames lists the tools a previous run may have left behind on
// the client, plus earlier instances of this program.
func defaultKillNames() []string {
	names := []string{"iostat", "mpstat", "vmstat", "tdctl", "sysbench", "mysql"}
	if exe, err := os.Executable(); err == nil {
		names = append(names, filepath.Base(exe))
	}
	return names
}

// cleanClient kills leftovers on the client and gives the hosts time to
// settle.
func (s *Sweep) cleanClient(ctx context.Context) error {
	s.logger.Info().Strs("names", s.killNames).Msg("Cleaning up the client")
	n, err := killProcesses(ctx, s.logger, s.killNames, int32(os.Getpid()))
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to list client processes")
	}
	if n > 0 {
		s.logger.Info().Int("killed", n).Msg("Killed leftover processes")
	}
	return sleep(ctx, s.cfg.Misc.SettleTime)
}

// killProcesses kills every process whose command line contains one of
// names, except self.
func killProcesses(ctx context.Context, logger zerolog.Logger, names []string, self int32) (int, error) {
	if len(names) == 0 {
		return 0, nil
	}
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, err
	}

	killed := 0
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			continue
		}
		if !matchesAny(cmdline, names) {
			continue
		}
		if err := p.KillWithContext(ctx); err != nil {
			logger.Debug().Err(err).Int32("pid", p.Pid).Msg("Failed to kill process")
			continue
		}
		logger.Debug().Int32("pid", p.Pid).Str("cmd", cmdline).Msg("Killed process")
		killed++
	}
	return killed, nil
}

func matchesAny(cmdline string, names []string) bool {
	for _, name := range names {
		if name != "" && strings.Contains(cmdline, name) {
			return true
		}
	}
	return false
}

// cleanDB recreates the databases through the cleanup script on the
// database host. In fast mode only the staging directory is created.
func (s *Sweep) cleanDB(ctx context.Context) error {
	if s.cfg.Benchmark.FastMode {
		s.logger.Warn().Msg("Fast mode, the databases are not recreated")
		out, err := s.exec(ctx, "mkdir -p "+shellescape.Quote(s.staging), false)
		if err != nil {
			return err
		}
		if !out.Succeeded() {
			s.logger.Warn().Int("exit", out.ExitStatus).Msg("Failed to create the staging directory")
		}
		return nil
	}

	s.logger.Info().Msg("Recreating the databases")
	out, err := s.exec(ctx, s.cleanDBCommand(), false)
	if err != nil {
		return err
	}
	if !databaseReady(out) {
		if out.Err != nil {
			return fmt.Errorf("%w: database cleanup failed: %w", ErrFatal, out.Err)
		}
		return fmt.Errorf("%w: database cleanup failed with exit status %d", ErrFatal, out.ExitStatus)
	}
	s.logger.Info().Msg("Database is ready")
	return nil
}

func databaseReady(out ssh.Outcome) bool {
	if out.Status != ssh.StatusOK {
		return false
	}
	return out.ExitStatus == 0 || strings.Contains(out.Output, readyMarker)
}

func (s *Sweep) cleanDBCommand() string {
	b := s.cfg.Benchmark
	params := s.cfg.Database.Params(map[string]string{
		"db_name":     b.DBName,
		"sock_prefix": b.SocketPrefix,
	})

	args := []string{
		path.Join(s.cfg.Server.ScriptDir, "cleandb.py"),
		strconv.Itoa(b.DBNum),
	}
	if s.cfg.Misc.SkipDBRecreation {
		args = append(args, "-o")
	}
	args = append(args,
		"-n", s.staging,
		"-d", b.BaseDir,
		"-z", b.Tarball,
		"-t", strconv.Itoa(b.DBStartTimeout),
		"-s", strconv.Itoa(b.TarStrips),
		"-v",
		"-p", params,
	)
	return shellescape.QuoteCommand(args) + " 2>&1"
}
