package sweep

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"github.com/perfgo/sweepgo/cli/probe"
	"github.com/perfgo/sweepgo/cli/sysbench"
	"github.com/perfgo/sweepgo/command"
	"github.com/perfgo/sweepgo/config"
	"github.com/perfgo/sweepgo/stackprof"
	"github.com/perfgo/sweepgo/supervisor"
)

const (
	perfScriptFile  = "perf.script"
	perfProfileFile = "perf.pb.gz"
	barfInfoFile    = "barf.out"
	serverInfoFile  = "server_os_info.out"
)

const lscpuCommand = "lscpu | grep -Ev 'Architecture|Order|cache|[F|f]amily|Vendor|Stepping|op-mode|Model:|node[0-9]|MIPS'"

// copyJob copies Remote on the database host to Local in the run
// directory.
type copyJob struct {
	Remote string
	Local  string
}

// postCheck fails the run when a workload log ends with a FATAL line.
// sysbench may exit zero after reporting one.
func (s *Sweep) postCheck() {
	if !s.success {
		return
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to read run directory")
		return
	}
	for _, e := range entries {
		if e.IsDir() || !sysbench.IsLog(e.Name()) {
			continue
		}
		lines, err := lastLines(filepath.Join(s.dir, e.Name()), 2)
		if err != nil {
			s.logger.Warn().Err(err).Str("log", e.Name()).Msg("Failed to read workload log")
			continue
		}
		for _, line := range lines {
			if fatalLine(line) {
				s.logger.Error().Str("log", e.Name()).Str("line", line).Msg("Workload reported a fatal error")
				s.success = false
			}
		}
	}
}

func fatalLine(line string) bool {
	fields := strings.Fields(line)
	for i := 0; i < len(fields) && i < 2; i++ {
		if strings.Contains(fields[i], "FATAL") {
			return true
		}
	}
	return false
}

func lastLines(file string, n int) ([]string, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines, scanner.Err()
}

// collect brings the staged probe output, configuration and host
// information back into the run directory.
func (s *Sweep) collect(ctx context.Context) error {
	s.logger.Info().Msg("Collecting results")

	if s.cfg.Misc.PerfProfile && s.launched {
		cmd := fmt.Sprintf("perf script -i %s > %s 2>/dev/null",
			shellescape.Quote(path.Join(s.staging, probe.PerfProfileData)),
			shellescape.Quote(path.Join(s.staging, perfScriptFile)))
		if _, err := s.exec(ctx, cmd, false); err != nil {
			return err
		}
	}

	jobs := []copyJob{
		{"/etc/my.cnf", "my.cnf"},
		{path.Join(s.staging, "*"), "."},
	}
	if s.cfg.Benchmark.Target == config.TargetDMX {
		jobs = append(jobs,
			copyJob{"/dmx/etc/bfapp.d/mysqld", "bfappd.mysqld"},
			copyJob{"/dmx/etc/bfcs.d/mysqld", "bfcsd.mysqld"},
			copyJob{"/dmx/etc/config", "dmx_etc_config"},
		)
	}
	if err := s.copyFiles(ctx, jobs); err != nil {
		return err
	}

	info := []struct {
		cmd  string
		file string
	}{
		{"barf --dv", barfInfoFile},
		{"barf -v -l", barfInfoFile},
		{"free", serverInfoFile},
		{lscpuCommand, serverInfoFile},
	}
	for _, i := range info {
		if err := s.appendRemote(ctx, i.cmd, i.file); err != nil {
			return err
		}
	}

	if s.cfg.Misc.PerfProfile {
		s.convertProfile()
	}
	return nil
}

// copyFiles runs one scp per job under the supervisor.
func (s *Sweep) copyFiles(ctx context.Context, jobs []copyJob) error {
	cmds := make([]command.Runnable, 0, len(jobs))
	for _, j := range jobs {
		cmds = append(cmds, &command.Command{
			Argv: s.remote.CopyFrom(j.Remote, filepath.Join(s.dir, j.Local)),
			OnDB: true,
		})
	}
	res := s.sup.RunBatch(ctx, supervisor.Batch{
		Commands: cmds,
		Deadline: copyDeadline,
		Message:  fmt.Sprintf("Copying %d items from %s", len(jobs), s.cfg.Server.DBIP),
	})
	if res.Canceled {
		return fmt.Errorf("%w: %w", ErrCanceled, context.Cause(ctx))
	}
	return nil
}

// appendRemote appends the output of cmd to file in the run directory.
func (s *Sweep) appendRemote(ctx context.Context, cmd, file string) error {
	out, err := s.exec(ctx, cmd, false)
	if err != nil {
		return err
	}
	if !out.Succeeded() {
		s.logger.Warn().Str("cmd", cmd).Int("exit", out.ExitStatus).Msg("Remote command failed")
		return nil
	}

	f, err := os.OpenFile(filepath.Join(s.dir, file), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		s.logger.Warn().Err(err).Str("file", file).Msg("Failed to open info file")
		return nil
	}
	defer f.Close()

	text := out.Output
	if text != "" && !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if _, err := f.WriteString(text); err != nil {
		s.logger.Warn().Err(err).Str("file", file).Msg("Failed to write info file")
	}
	return nil
}

// convertProfile turns the copied perf script output into a pprof
// profile. The text file is removed once converted.
func (s *Sweep) convertProfile() {
	src := filepath.Join(s.dir, perfScriptFile)
	if _, err := os.Stat(src); err != nil {
		s.logger.Warn().Msg("No perf script output was collected")
		return
	}
	prof, err := stackprof.ConvertFile(src, filepath.Join(s.dir, perfProfileFile), s.cfg.Duration())
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to convert perf profile")
		return
	}
	os.Remove(src)
	os.Remove(filepath.Join(s.dir, probe.PerfProfileData))
	s.logger.Info().Int("samples", len(prof.Sample)).Str("file", perfProfileFile).Msg("Wrote profile")
}

// copyErrorLogs fetches the MySQL error log of every instance.
func (s *Sweep) copyErrorLogs(ctx context.Context) error {
	out, err := s.exec(ctx, "hostname", true)
	if err != nil {
		return err
	}
	host := firstLine(out.Output)
	if !out.Succeeded() || host == "" {
		s.logger.Warn().Msg("Failed to read the database hostname, skipping error logs")
		return nil
	}

	var jobs []copyJob
	for i := 1; i <= s.cfg.Benchmark.DBNum; i++ {
		jobs = append(jobs, copyJob{
			Remote: path.Join(s.cfg.Benchmark.BaseDir, fmt.Sprintf("mysql%d", i), host+".err"),
			Local:  fmt.Sprintf("mysql%d_%s.err", i, host),
		})
	}
	return s.copyFiles(ctx, jobs)
}
