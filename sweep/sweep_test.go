package sweep

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/perfgo/sweepgo/cli/ssh"
	"github.com/perfgo/sweepgo/command"
	"github.com/perfgo/sweepgo/config"
	"github.com/perfgo/sweepgo/model"
	"github.com/perfgo/sweepgo/supervisor"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRemote runs "remote" commands on the local host and answers Execute
// from a script.
type fakeRemote struct {
	mu       sync.Mutex
	executed []string
	critical bool
	closed   int
	failures int
	respond  func(cmd string) ssh.Outcome
}

func (f *fakeRemote) Execute(ctx context.Context, cmd string, quiet bool) ssh.Outcome {
	f.mu.Lock()
	f.executed = append(f.executed, cmd)
	respond := f.respond
	f.mu.Unlock()

	if ctx.Err() != nil {
		return ssh.Outcome{Status: ssh.StatusRecoverable, ExitStatus: -1, Err: ctx.Err()}
	}
	if respond != nil {
		return respond(cmd)
	}
	switch {
	case cmd == "hostname":
		return ssh.Outcome{Status: ssh.StatusOK, Output: "dbhost\n"}
	case strings.HasPrefix(cmd, "mkdir -p "):
		if err := exec.CommandContext(ctx, "sh", "-c", cmd).Run(); err != nil {
			return ssh.Outcome{Status: ssh.StatusOK, ExitStatus: 1, Output: err.Error()}
		}
	}
	return ssh.Outcome{Status: ssh.StatusOK}
}

func (f *fakeRemote) Command(remote string) []string {
	return []string{"sh", "-c", remote}
}

func (f *fakeRemote) CopyFrom(remote, local string) []string {
	return []string{"sh", "-c", "cp -r " + remote + " " + shellescape.Quote(local)}
}

func (f *fakeRemote) MarkCriticalStarted() {
	f.mu.Lock()
	f.critical = true
	f.mu.Unlock()
}

func (f *fakeRemote) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures == 0
}

func (f *fakeRemote) Close() {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
}

func (f *fakeRemote) ran(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cmd := range f.executed {
		if strings.HasPrefix(cmd, prefix) {
			return true
		}
	}
	return false
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Path = filepath.Join(dir, "job.yaml")
	require.NoError(t, os.WriteFile(cfg.Path, []byte("# job\n"), 0644))

	cfg.Server.DBIP = config.LocalHost
	cfg.Server.ClientIP = config.LocalHost
	cfg.Server.DBPort = 3306
	cfg.Server.ScriptDir = "/opt/bench"
	cfg.Benchmark.Target = config.TargetRAM
	cfg.Benchmark.DBNum = 2
	cfg.Benchmark.Threads = 4
	cfg.Benchmark.Duration = 2
	cfg.Benchmark.Tarball = "/data/mysql.tar.gz"
	cfg.Workload.Type = config.WorkloadRO
	cfg.Database["track_active"] = "0"
	cfg.Poll = config.PollIntervals{Sysbench: 1}
	cfg.Misc.CheckConfig = false
	cfg.Misc.SettleTime = 0
	return cfg
}

// scriptWorkload returns a workload running script with the sysbench log
// filter applied.
func scriptWorkload(script func(logPath string) string) WorkloadFunc {
	return func(port int, maxTime time.Duration, logPath string) command.Runnable {
		c := command.Shell(script(logPath))
		c.LogPath = logPath
		c.Critical = true
		c.Port = port
		c.Filter = command.SysbenchFilter
		return c
	}
}

func quickWorkload(string) string {
	return "echo '[ 1s ] thds: 4 tps: 100.00'; echo 'noise'; sleep 0.1"
}

func newTestSweep(t *testing.T, cfg *config.Config, remote *fakeRemote, opts ...Option) *Sweep {
	t.Helper()
	sup := supervisor.New(zerolog.Nop(),
		supervisor.WithStagger(0),
		supervisor.WithTick(20*time.Millisecond),
		supervisor.WithKillGrace(200*time.Millisecond),
	)
	all := []Option{
		WithSupervisor(sup),
		WithKillNames(),
		WithStagingRoot(t.TempDir()),
		WithWorkload(scriptWorkload(quickWorkload)),
	}
	return New(zerolog.Nop(), cfg, remote, append(all, opts...)...)
}

func TestRunFinished(t *testing.T) {
	cfg := testConfig(t)
	remote := &fakeRemote{}
	s := newTestSweep(t, cfg, remote)

	run, err := s.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, run)

	assert.Equal(t, model.StatusFinished, run.Status)
	assert.Equal(t, StateDone, s.State())
	assert.Equal(t, "done", run.Phase)
	assert.False(t, strings.HasSuffix(s.Dir(), FailedSuffix), s.Dir())
	assert.Equal(t, []string{"sb_RAM_4_db3306.log", "sb_RAM_4_db3307.log"}, run.Logs)

	data, err := os.ReadFile(filepath.Join(s.Dir(), "sb_RAM_4_db3306.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "tps: 100.00")
	assert.NotContains(t, string(data), "noise")

	// the job file is copied into the run directory
	_, err = os.Stat(filepath.Join(s.Dir(), "job.yaml"))
	assert.NoError(t, err)

	assert.True(t, remote.ran("/opt/bench/cleandb.py 2 "), "cleandb was not run")
	assert.True(t, remote.ran("barf --dv"))
	assert.True(t, remote.ran("killall tdctl monitor"))
	assert.False(t, remote.ran("hostname"))
	assert.True(t, remote.critical)
	assert.Equal(t, 1, remote.closed)

	saved, err := model.ReadRun(filepath.Join(s.Dir(), model.RecordFile))
	require.NoError(t, err)
	assert.Equal(t, run.ID, saved.ID)
	assert.Equal(t, model.StatusFinished, saved.Status)

	var types []model.ArtifactType
	for _, a := range run.Artifacts {
		types = append(types, a.Type)
	}
	assert.Contains(t, types, model.ArtifactTypeServerInfo)
}

func TestRunWorkloadFailure(t *testing.T) {
	cfg := testConfig(t)
	remote := &fakeRemote{}
	s := newTestSweep(t, cfg, remote, WithWorkload(scriptWorkload(func(string) string {
		return "echo 'FATAL: connection refused'; exit 1"
	})))

	run, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, run.Status)
	assert.True(t, strings.HasSuffix(s.Dir(), FailedSuffix), s.Dir())
	assert.True(t, remote.ran("hostname"), "error logs were not collected")
	assert.True(t, remote.ran("killall tdctl monitor"))

	_, err = os.Stat(filepath.Join(s.Dir(), model.RecordFile))
	assert.NoError(t, err)
}

func TestRunFatalLineFailsRun(t *testing.T) {
	cfg := testConfig(t)
	s := newTestSweep(t, cfg, &fakeRemote{}, WithWorkload(scriptWorkload(func(string) string {
		return "echo '[ 1s ] tps: 1'; echo 'FATAL: mysql_stmt_execute() returned error'"
	})))

	run, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, run.Status)
}

func TestRunCleanDBNotReady(t *testing.T) {
	tests := []struct {
		name    string
		outcome ssh.Outcome
	}{
		{"non-zero exit", ssh.Outcome{Status: ssh.StatusOK, ExitStatus: 1, Output: "tar: error"}},
		{"transport failure", ssh.Outcome{Status: ssh.StatusRecoverable, ExitStatus: -1, Err: ssh.ErrUnreachable}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			remote := &fakeRemote{respond: func(cmd string) ssh.Outcome {
				if strings.Contains(cmd, "cleandb.py") {
					return tt.outcome
				}
				return ssh.Outcome{Status: ssh.StatusOK, Output: "dbhost"}
			}}
			s := newTestSweep(t, cfg, remote)

			run, err := s.Run(context.Background())
			require.ErrorIs(t, err, ErrFatal)
			assert.Equal(t, model.StatusFailed, run.Status)
			assert.Equal(t, "client_cleaned", run.Phase)
			assert.True(t, strings.HasSuffix(s.Dir(), FailedSuffix))
			assert.False(t, remote.critical)
			assert.False(t, remote.ran("killall"), "teardown must not run before the workload")
		})
	}
}

func TestRunReadyMarker(t *testing.T) {
	cfg := testConfig(t)
	remote := &fakeRemote{respond: func(cmd string) ssh.Outcome {
		if strings.Contains(cmd, "cleandb.py") {
			return ssh.Outcome{Status: ssh.StatusOK, ExitStatus: 3, Output: "warning\n***Database is ready.***\n"}
		}
		return ssh.Outcome{Status: ssh.StatusOK}
	}}

	run, err := newTestSweep(t, cfg, remote).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.StatusFinished, run.Status)
}

func TestRunUnreachable(t *testing.T) {
	cfg := testConfig(t)
	remote := &fakeRemote{respond: func(string) ssh.Outcome {
		return ssh.Outcome{Status: ssh.StatusFatal, ExitStatus: -1, Err: ssh.ErrUnreachable}
	}}
	s := newTestSweep(t, cfg, remote)

	run, err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrFatal)
	require.ErrorIs(t, err, ssh.ErrUnreachable)
	assert.Equal(t, model.StatusFailed, run.Status)
	assert.Equal(t, 1, remote.closed)
}

func TestRunCanceled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Benchmark.Duration = 30
	remote := &fakeRemote{}
	s := newTestSweep(t, cfg, remote, WithWorkload(scriptWorkload(func(string) string {
		return "sleep 30"
	})))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(300*time.Millisecond, cancel)

	start := time.Now()
	run, err := s.Run(ctx)
	require.ErrorIs(t, err, ErrCanceled)
	assert.Less(t, time.Since(start), 10*time.Second)

	assert.Equal(t, model.StatusCanceled, run.Status)
	assert.True(t, strings.HasSuffix(s.Dir(), CanceledSuffix), s.Dir())
	assert.True(t, remote.ran("killall tdctl monitor"))
	assert.False(t, remote.ran("barf --dv"), "canceled runs are not collected")
}

func TestRunWarmupFailureSkipsBenchmark(t *testing.T) {
	cfg := testConfig(t)
	cfg.Benchmark.WarmupTime = 1
	remote := &fakeRemote{}
	s := newTestSweep(t, cfg, remote, WithWorkload(scriptWorkload(func(logPath string) string {
		if logPath == os.DevNull {
			return "exit 2"
		}
		return "true"
	})))

	run, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, run.Status)
	assert.Empty(t, run.Logs)
	assert.False(t, remote.critical)
	assert.False(t, remote.ran("killall"))
}

func TestRunFastMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Benchmark.FastMode = true
	remote := &fakeRemote{}
	staging := t.TempDir()
	s := newTestSweep(t, cfg, remote, WithStagingRoot(staging))

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, remote.ran("mkdir -p "+staging+"/job_"))
	assert.False(t, remote.ran("/opt/bench/cleandb.py"))
}

func TestRunCollectsStagedProbes(t *testing.T) {
	cfg := testConfig(t)
	cfg.Benchmark.FastMode = true
	cfg.Poll.VMStat = 1
	s := newTestSweep(t, cfg, &fakeRemote{})

	// vmstat is replaced by a stand-in writing into the staging directory
	// through the probe's own redirect.
	binDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(binDir, "vmstat"), []byte("#!/bin/sh\necho procs memory\n"), 0755))
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	run, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Contains(t, run.Logs, "vmstat_RAM_4.log")

	data, err := os.ReadFile(filepath.Join(s.Dir(), "vmstat_RAM_4.log"))
	require.NoError(t, err)
	assert.Equal(t, "procs memory\n", string(data))
}

func TestRunChangeCnfExt(t *testing.T) {
	cfg := testConfig(t)
	cfg.Misc.ChangeCnfExt = true
	s := newTestSweep(t, cfg, &fakeRemote{})

	_, err := s.Run(context.Background())
	require.NoError(t, err)

	_, err = os.Stat(strings.TrimSuffix(cfg.Path, ".yaml") + ".done")
	assert.NoError(t, err)
	_, err = os.Stat(cfg.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestRunInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Benchmark.DBNum = 0
	remote := &fakeRemote{}

	run, err := newTestSweep(t, cfg, remote).Run(context.Background())
	require.ErrorIs(t, err, config.ErrInvalid)
	assert.Nil(t, run)
	assert.Empty(t, remote.executed)
	assert.Equal(t, 1, remote.closed)
}

func TestCleanDBCommand(t *testing.T) {
	cfg := testConfig(t)
	cfg.Misc.SkipDBRecreation = true
	cfg.Database["innodb_flush"] = "2"
	s := newTestSweep(t, cfg, &fakeRemote{}, WithStagingRoot("/tmp"))
	s.staging = "/tmp/job_20240101000000"

	assert.Equal(t,
		"/opt/bench/cleandb.py 2 -o -n /tmp/job_20240101000000 -d /var/lib/mysql -z /data/mysql.tar.gz -t 1800 -s 0 -v "+
			"-p 'db_name=sbtest innodb_flush=2 sock_prefix=/tmp/mysql.sock track_active=0' 2>&1",
		s.cleanDBCommand())
}

func TestKillProcesses(t *testing.T) {
	cmd := newSleeper(t, "sweepgo-kill-marker")

	n, err := killProcesses(context.Background(), zerolog.Nop(), []string{"sweepgo-kill-marker"}, int32(os.Getpid()))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("process survived")
	}
}

// newSleeper starts a shell whose command line carries marker.
func newSleeper(t *testing.T, marker string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sh", "-c", "sleep 5; true", marker)
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	require.Eventually(t, func() bool {
		p, err := process.NewProcess(int32(cmd.Process.Pid))
		if err != nil {
			return false
		}
		cmdline, err := p.Cmdline()
		return err == nil && strings.Contains(cmdline, marker)
	}, 2*time.Second, 10*time.Millisecond)
	return cmd
}

func TestMatchesAny(t *testing.T) {
	tests := []struct {
		cmdline string
		want    bool
	}{
		{"/usr/bin/iostat -dmx nvme0n1 -y 10 30", true},
		{"sysbench --mysql-socket=/tmp/mysql.sock3306 run", true},
		{"/usr/lib/systemd/systemd-journald", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := matchesAny(tt.cmdline, defaultKillNames()); got != tt.want {
			t.Errorf("matchesAny(%q) = %v, want %v", tt.cmdline, got, tt.want)
		}
	}
	assert.False(t, matchesAny("anything", []string{""}))
}
