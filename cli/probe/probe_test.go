package probe

import (
	"strings"
	"testing"

	"github.com/perfgo/sweepgo/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRemote struct{}

func (fakeRemote) Command(remote string) []string {
	return []string{"ssh", "root@db", remote}
}

func testEnv(target config.Target) Env {
	cfg := config.Default()
	cfg.Server.DBIP = "10.0.0.5"
	cfg.Server.ClientIP = "10.0.0.9"
	cfg.Server.DBPort = 3306
	cfg.Benchmark.DBNum = 2
	cfg.Benchmark.Threads = 8
	cfg.Benchmark.Duration = 300
	cfg.Benchmark.Target = target
	cfg.Misc.SSDDevice = "nvme0n1"
	return Env{
		Config:  cfg,
		Remote:  fakeRemote{},
		RunDir:  "/runs/job_20240101000000",
		Staging: "/tmp/job_20240101000000",
		Pids:    map[int]int{3306: 111, 3307: 222},
	}
}

func logs(probes []Probe) []string {
	var names []string
	for _, p := range probes {
		names = append(names, p.Log)
	}
	return names
}

func TestAllDMX(t *testing.T) {
	probes := All(testEnv(config.TargetDMX))

	assert.Equal(t, []string{
		"innodb_status_db3306.log",
		"innodb_status_db3307.log",
		"iostat_DMX_8.log",
		"mpstat_DMX_8.log",
		"vmstat_DMX_8.log",
		"tdctl_DMX_8.log",
		"vmstat_DMX_8_client.log",
		"network_traffic.log",
		"barffr_.log",
		"barf_a_ct_algo.log",
		"barf_a_ct_bf.log",
		"monitor_p_db3306.log",
		"monitor_p_db3307.log",
	}, logs(probes))

	for _, p := range probes {
		cmd := p.Command()
		assert.False(t, cmd.IsCritical(), p.Log)
		assert.Equal(t, 0, cmd.ResourceKey(), p.Log)
	}
}

func TestAllRAMLocal(t *testing.T) {
	env := testEnv(config.TargetRAM)
	env.Config.Server.DBIP = config.LocalHost

	assert.Equal(t, []string{
		"innodb_status_db3306.log",
		"innodb_status_db3307.log",
		"iostat_RAM_8.log",
		"mpstat_RAM_8.log",
		"vmstat_RAM_8.log",
		"tdctl_RAM_8.log",
	}, logs(All(env)))
}

func TestDisabledPolls(t *testing.T) {
	env := testEnv(config.TargetDMX)
	env.Config.Poll = config.PollIntervals{Sysbench: 1}
	assert.Empty(t, All(env))
}

func TestSystemCommands(t *testing.T) {
	probes := System(testEnv(config.TargetRAM))
	require.Len(t, probes, 4)

	tests := []struct {
		log    string
		remote string
	}{
		{"iostat_RAM_8.log", "iostat -dmx nvme0n1 -y 10 30 > /tmp/job_20240101000000/iostat_RAM_8.log 2>&1"},
		{"mpstat_RAM_8.log", "mpstat 10 30 > /tmp/job_20240101000000/mpstat_RAM_8.log 2>&1"},
		{"vmstat_RAM_8.log", "vmstat -S M -w 10 30 > /tmp/job_20240101000000/vmstat_RAM_8.log 2>&1"},
		{"tdctl_RAM_8.log", "tdctl -v --dp + 10 > /tmp/job_20240101000000/tdctl_RAM_8.log 2>&1"},
	}

	for i, tt := range tests {
		p := probes[i]
		if p.Log != tt.log {
			t.Errorf("probe %d log = %q, want %q", i, p.Log, tt.log)
		}
		if got := p.Argv[len(p.Argv)-1]; got != tt.remote {
			t.Errorf("probe %s remote = %q, want %q", tt.log, got, tt.remote)
		}
		if !p.OnDB {
			t.Errorf("probe %s should run against the database host", tt.log)
		}
	}
}

func TestInnoDBLoops(t *testing.T) {
	probes := InnoDB(testEnv(config.TargetDMX))
	require.Len(t, probes, 2)

	argv := probes[0].Argv
	require.Equal(t, []string{"sh", "-c"}, argv[:2])
	script := argv[2]
	assert.True(t, strings.HasPrefix(script, "while true; do ssh root@db "), script)
	assert.True(t, strings.HasSuffix(script, "; sleep 60; done"), script)
	assert.Contains(t, script, "/tmp/mysql.sock3306")
	assert.Contains(t, script, "/tmp/job_20240101000000/innodb_status_db3306.log")
}

func TestClientProbesWriteLocally(t *testing.T) {
	probes := Client(testEnv(config.TargetDMX))
	require.Len(t, probes, 2)

	assert.Equal(t, "vmstat -S M -w 10 30 > /runs/job_20240101000000/vmstat_DMX_8_client.log 2>&1", probes[0].Argv[2])
	assert.False(t, probes[0].OnDB)
	assert.Contains(t, probes[1].Argv[2], "sar -n DEV 10 30")
	assert.Contains(t, probes[1].Argv[2], "10.0.0.9")
}

func TestMonitorSkipsUnknownPids(t *testing.T) {
	env := testEnv(config.TargetDMX)
	env.Pids = map[int]int{3307: 222, 3306: 0}

	var monitors []string
	for _, p := range DMX(env) {
		if strings.HasPrefix(p.Log, "monitor_") {
			monitors = append(monitors, p.Argv[len(p.Argv)-1])
		}
	}
	assert.Equal(t, []string{"monitor -p 222 -D 10 > /tmp/job_20240101000000/monitor_p_db3307.log 2>&1"}, monitors)
}

func TestPerfRecord(t *testing.T) {
	env := testEnv(config.TargetDMX)
	_, ok := PerfRecord(env)
	assert.False(t, ok)

	env.Config.Misc.PerfProfile = true
	p, ok := PerfRecord(env)
	require.True(t, ok)
	assert.Equal(t, PerfProfileData, p.Log)
	assert.Equal(t, "perf record -a -g -F 99 -o /tmp/job_20240101000000/perf.data -- sleep 300 > /dev/null 2>&1", p.Argv[2])
}

func TestParsePids(t *testing.T) {
	out := `  PID CMD
 4242 /usr/sbin/mysqld --defaults-file=/etc/my.cnf --port=3306 --socket=/tmp/mysql.sock3306
 4243 /usr/sbin/mysqld --defaults-file=/etc/my.cnf --port=3307
 9999 /usr/sbin/mysqld --no-port
`
	assert.Equal(t, map[int]int{3306: 4242, 3307: 4243}, ParsePids(out))
	assert.Empty(t, ParsePids(""))
}
