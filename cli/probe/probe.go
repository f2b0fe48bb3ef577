package probe

// probe.go builds the monitoring commands that run next to the workload.
// Remote probes write into a staging directory on the database host which
// is copied back after the run; client probes write into the run directory.

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"github.com/perfgo/sweepgo/command"
	"github.com/perfgo/sweepgo/config"
)

// Remote turns a shell command for the database host into a local argv.
type Remote interface {
	Command(remote string) []string
}

// Env is what probe builders need to know about the current run.
type Env struct {
	Config *config.Config
	Remote Remote
	// RunDir is the local run directory.
	RunDir string
	// Staging is the directory on the database host collected after the run.
	Staging string
	// Pids maps the port of each MySQL instance to its pid.
	Pids map[int]int
}

// Probe is one monitoring command.
type Probe struct {
	// Log is the file name the probe writes, relative to the run or staging
	// directory.
	Log  string
	Argv []string
	// OnDB marks probes that connect to the database host.
	OnDB bool
}

// Command wraps p for the supervisor. Probes are never critical.
func (p Probe) Command() *command.Command {
	return &command.Command{Argv: p.Argv, OnDB: p.OnDB}
}

func (p Probe) String() string {
	return command.Digest(strings.Join(p.Argv, " "))
}

// All returns every enabled probe for the run.
func All(env Env) []Probe {
	var probes []Probe
	probes = append(probes, InnoDB(env)...)
	probes = append(probes, System(env)...)
	probes = append(probes, Client(env)...)
	probes = append(probes, DMX(env)...)
	if p, ok := PerfRecord(env); ok {
		probes = append(probes, p)
	}
	return probes
}

// InnoDB polls "show engine innodb status" of every instance, including the
// ones without workload.
func InnoDB(env Env) []Probe {
	cfg := env.Config
	poll := cfg.Poll.InnoDB
	if poll <= 0 {
		return nil
	}

	var probes []Probe
	for _, port := range cfg.Ports() {
		name := fmt.Sprintf("innodb_status_db%d.log", port)
		remote := fmt.Sprintf("mysql -S %s -e 'show engine innodb status\\G' | grep -A 28 -E 'LOG|END' >> %s 2>&1",
			shellescape.Quote(cfg.Socket(port)), env.staged(name))
		probes = append(probes, Probe{
			Log:  name,
			Argv: loop(env.Remote.Command(remote), poll),
			OnDB: true,
		})
	}
	return probes
}

// System runs iostat, mpstat, vmstat and tdctl on the database host for the
// length of the run. tdctl has no count and runs until it is killed.
func System(env Env) []Probe {
	cfg := env.Config
	tools := []struct {
		cmd   string
		poll  int
		count bool
	}{
		{fmt.Sprintf("iostat -dmx %s -y", cfg.Misc.SSDDevice), cfg.Poll.IOStat, true},
		{"mpstat", cfg.Poll.MPStat, true},
		{"vmstat -S M -w", cfg.Poll.VMStat, true},
		{"tdctl -v --dp +", cfg.Poll.TDCtl, false},
	}

	var probes []Probe
	for _, tool := range tools {
		if tool.poll <= 0 {
			continue
		}
		name := fmt.Sprintf("%s_%s_%d.log", strings.Fields(tool.cmd)[0], cfg.Benchmark.Target, cfg.Benchmark.Threads)
		remote := fmt.Sprintf("%s %d", tool.cmd, tool.poll)
		if tool.count {
			remote += " " + strconv.Itoa(cfg.Benchmark.Duration/tool.poll)
		}
		remote += fmt.Sprintf(" > %s 2>&1", env.staged(name))
		probes = append(probes, Probe{
			Log:  name,
			Argv: env.Remote.Command(remote),
			OnDB: true,
		})
	}
	return probes
}

// Client records vmstat and network traffic of the client host. Both are
// skipped when the database runs on the client.
func Client(env Env) []Probe {
	cfg := env.Config
	if cfg.LocalDB() {
		return nil
	}

	var probes []Probe
	if poll := cfg.Poll.VMStat; poll > 0 {
		name := fmt.Sprintf("vmstat_%s_%d_client.log", cfg.Benchmark.Target, cfg.Benchmark.Threads)
		script := fmt.Sprintf("vmstat -S M -w %d %d > %s 2>&1",
			poll, cfg.Benchmark.Duration/poll, env.local(name))
		probes = append(probes, Probe{Log: name, Argv: command.Shell(script).Argv})
	}

	if poll := cfg.Poll.Network; poll > 0 {
		name := "network_traffic.log"
		iface := fmt.Sprintf("$(ip addr show | grep -F %s | awk '{print $NF}')", shellescape.Quote(cfg.Server.ClientIP))
		script := fmt.Sprintf("sar -n DEV %d %d | grep -E \"%s\" > %s 2>&1",
			poll, cfg.Benchmark.Duration/poll, iface, env.local(name))
		probes = append(probes, Probe{Log: name, Argv: command.Shell(script).Argv})
	}
	return probes
}

// DMX polls the barf counters and runs monitor against every instance with
// a known pid. Only DMX targets have these tools.
func DMX(env Env) []Probe {
	cfg := env.Config
	if cfg.Benchmark.Target != config.TargetDMX {
		return nil
	}

	barfs := []struct {
		name string
		cmd  string
		poll int
	}{
		{"barffr_.log", "barf --fr", cfg.Poll.BarfFR},
		{"barf_a_ct_algo.log", "barf -a --ct algo", cfg.Poll.BarfActAlgo},
		{"barf_a_ct_bf.log", "barf -a --ct bf", cfg.Poll.BarfActBF},
	}

	var probes []Probe
	for _, b := range barfs {
		if b.poll <= 0 {
			continue
		}
		remote := fmt.Sprintf("%s >> %s 2>&1", b.cmd, env.staged(b.name))
		probes = append(probes, Probe{
			Log:  b.name,
			Argv: loop(env.Remote.Command(remote), b.poll),
			OnDB: true,
		})
	}

	if poll := cfg.Poll.Monitor; poll > 0 {
		ports := make([]int, 0, len(env.Pids))
		for port := range env.Pids {
			ports = append(ports, port)
		}
		sort.Ints(ports)

		for _, port := range ports {
			pid := env.Pids[port]
			if pid <= 0 {
				continue
			}
			name := fmt.Sprintf("monitor_p_db%d.log", port)
			remote := fmt.Sprintf("monitor -p %d -D %d > %s 2>&1", pid, poll, env.staged(name))
			probes = append(probes, Probe{
				Log:  name,
				Argv: env.Remote.Command(remote),
				OnDB: true,
			})
		}
	}
	return probes
}

// PerfProfileData is the perf.data file name in the staging directory.
const PerfProfileData = "perf.data"

// PerfRecord samples the whole database host for the length of the run.
func PerfRecord(env Env) (Probe, bool) {
	cfg := env.Config
	if !cfg.Misc.PerfProfile {
		return Probe{}, false
	}
	remote := fmt.Sprintf("perf record -a -g -F 99 -o %s -- sleep %d > /dev/null 2>&1",
		env.staged(PerfProfileData), cfg.Benchmark.Duration)
	return Probe{Log: PerfProfileData, Argv: env.Remote.Command(remote), OnDB: true}, true
}

var pidPattern = regexp.MustCompile(`^\s*(\d+)\s.*--port=(\d+)`)

// ParsePids reads the output of "ps -C mysqld -o pid,cmd" into a port to
// pid map.
func ParsePids(output string) map[int]int {
	pids := make(map[int]int)
	for _, line := range strings.Split(output, "\n") {
		m := pidPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		pid, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		pids[port] = pid
	}
	return pids
}

// PidsCommand lists the running MySQL servers on the database host.
const PidsCommand = "ps -C mysqld -o pid,cmd"

func (e Env) staged(name string) string {
	return shellescape.Quote(path.Join(e.Staging, name))
}

func (e Env) local(name string) string {
	return shellescape.Quote(filepath.Join(e.RunDir, name))
}

// loop repeats argv every poll seconds until the process group is stopped.
func loop(argv []string, poll int) []string {
	quoted := make([]string, 0, len(argv))
	for _, arg := range argv {
		quoted = append(quoted, shellescape.Quote(arg))
	}
	script := fmt.Sprintf("while true; do %s; sleep %d; done", strings.Join(quoted, " "), poll)
	return command.Shell(script).Argv
}
