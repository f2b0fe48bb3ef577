// Package config loads sweep job files. A job file is YAML with the
// sections server, benchmark, poll_intervals, workload, database and misc.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid marks every error caused by the job file itself.
var ErrInvalid = errors.New("invalid config")

// Target is the storage target the databases run on.
type Target string

const (
	TargetDMX Target = "DMX"
	TargetRAM Target = "RAM"
)

// WorkloadType selects read-only, read-write or write-only OLTP.
type WorkloadType string

const (
	WorkloadRO WorkloadType = "RO"
	WorkloadRW WorkloadType = "RW"
	WorkloadWO WorkloadType = "WO"
)

// LocalHost is the db_ip value for a database running next to the client.
const LocalHost = "127.0.0.1"

type Config struct {
	Server    Server        `yaml:"server"`
	Benchmark Benchmark     `yaml:"benchmark"`
	Poll      PollIntervals `yaml:"poll_intervals"`
	Workload  Workload      `yaml:"workload"`
	Database  Database      `yaml:"database"`
	Misc      Misc          `yaml:"misc"`

	// Path is the file the config was loaded from.
	Path string `yaml:"-"`
}

type Server struct {
	DBIP           string `yaml:"db_ip"`
	DBPort         int    `yaml:"db_port"`
	ClientIP       string `yaml:"client_ip"`
	ScriptDir      string `yaml:"dbscript_path"`
	User           string `yaml:"dbserver_user"`
	SSHPort        int    `yaml:"ssh_port"`
	IdentityFile   string `yaml:"identity_file"`
	KnownHostsFile string `yaml:"known_hosts_file"`
}

type Benchmark struct {
	Threads        int    `yaml:"sysbench_threads"`
	DBNum          int    `yaml:"db_num"`
	Target         Target `yaml:"target"`
	Duration       int    `yaml:"duration"` // seconds
	LuaScript      string `yaml:"lua_script"`
	Tarball        string `yaml:"tarball_path"`
	TarStrips      int    `yaml:"tar_strip_components"`
	DBName         string `yaml:"db_name"`
	DBUser         string `yaml:"db_user"`
	DBPassword     string `yaml:"db_pwd"`
	TableRows      int    `yaml:"table_rows"`
	TableNum       int    `yaml:"table_num"`
	BaseDir        string `yaml:"mysql_base_dir"`
	SocketPrefix   string `yaml:"mysql_socket_prefix"`
	DBStartTimeout int    `yaml:"db_start_timeout"`
	WarmupTime     int    `yaml:"warmup_time"`
	FastMode       bool   `yaml:"fast_mode"`
}

// PollIntervals are in seconds. Zero disables the probe.
type PollIntervals struct {
	Sysbench    int `yaml:"sysbench"`
	InnoDB      int `yaml:"innodb"`
	IOStat      int `yaml:"iostat"`
	VMStat      int `yaml:"vmstat"`
	MPStat      int `yaml:"mpstat"`
	TDCtl       int `yaml:"tdctl"`
	Network     int `yaml:"network"`
	Monitor     int `yaml:"monitor"`
	BarfActBF   int `yaml:"barf_act_bf_poll"`
	BarfActAlgo int `yaml:"barf_act_algo_poll"`
	BarfFR      int `yaml:"barf_fr_poll"`
}

type Workload struct {
	Type            WorkloadType `yaml:"workload_type"`
	RandType        string       `yaml:"rand_type"`
	PointSelects    int          `yaml:"oltp_point_selects"`
	SimpleRanges    int          `yaml:"oltp_simple_ranges"`
	SumRanges       int          `yaml:"oltp_sum_ranges"`
	OrderRanges     int          `yaml:"oltp_order_ranges"`
	DistinctRanges  int          `yaml:"oltp_distinct_ranges"`
	IndexUpdates    int          `yaml:"oltp_index_updates"`
	NonIndexUpdates int          `yaml:"oltp_non_index_updates"`
	ActivePct       int          `yaml:"db_active_pct"`
	ToggleTime      int          `yaml:"db_toggle_time"` // seconds
	TogglePct       int          `yaml:"db_toggle_pct"`
}

// Database holds the free-form parameters handed to the cleanup script.
// Keys prefixed with mysql_ override MySQL server variables.
type Database map[string]string

type Misc struct {
	Plot             bool          `yaml:"plot"`
	SendMail         bool          `yaml:"send_mail"`
	MailSender       string        `yaml:"mail_sender"`
	MailRecipients   string        `yaml:"mail_recipients"`
	SMTPServer       string        `yaml:"smtp_server"`
	SMTPPort         int           `yaml:"smtp_port"`
	SSDDevice        string        `yaml:"ssd_device"`
	SkipDBRecreation bool          `yaml:"skip_db_recreation"`
	CheckConfig      bool          `yaml:"check_config"`
	ChangeCnfExt     bool          `yaml:"change_cnf_ext"`
	Plotter          string        `yaml:"plotter"`
	Mailer           string        `yaml:"mailer"`
	SettleTime       time.Duration `yaml:"settle_time"`
	BatchMargin      time.Duration `yaml:"batch_margin"`
	PerfProfile      bool          `yaml:"perf_profile"`
}

// Default returns a config with every optional field set.
func Default() *Config {
	return &Config{
		Server: Server{
			User:         "root",
			SSHPort:      22,
			IdentityFile: "~/.ssh/id_rsa",
		},
		Benchmark: Benchmark{
			DBName:         "sbtest",
			DBUser:         "sbtest",
			DBPassword:     "sbtest",
			BaseDir:        "/var/lib/mysql",
			SocketPrefix:   "/tmp/mysql.sock",
			DBStartTimeout: 1800,
		},
		Poll: PollIntervals{
			Sysbench:    1,
			InnoDB:      60,
			IOStat:      10,
			VMStat:      10,
			MPStat:      10,
			TDCtl:       10,
			Network:     10,
			Monitor:     10,
			BarfActBF:   10,
			BarfActAlgo: 10,
			BarfFR:      30,
		},
		Workload: Workload{
			RandType:  "uniform",
			ActivePct: 100,
		},
		Database: Database{},
		Misc: Misc{
			CheckConfig: true,
			Plotter:     "./plotter.py",
			Mailer:      "./mailto.py",
			SettleTime:  5 * time.Second,
		},
	}
}

// Load reads and decodes a job file. It does not validate it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %w", ErrInvalid, path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalid, path, err)
	}
	cfg.Path = path
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Database == nil {
		cfg.Database = Database{}
	}
	return cfg, nil
}

// Ports returns the resource universe db_port .. db_port+db_num-1.
func (c *Config) Ports() []int {
	ports := make([]int, 0, c.Benchmark.DBNum)
	for i := 0; i < c.Benchmark.DBNum; i++ {
		ports = append(ports, c.Server.DBPort+i)
	}
	return ports
}

// Socket returns the MySQL unix socket of the instance listening on port.
func (c *Config) Socket(port int) string {
	return fmt.Sprintf("%s%d", c.Benchmark.SocketPrefix, port)
}

// RunDirName derives the run directory from the job file name and start time.
func (c *Config) RunDirName(start time.Time) string {
	base := strings.TrimSuffix(c.Path, filepath.Ext(c.Path))
	return fmt.Sprintf("%s_%s", base, start.Format("20060102150405"))
}

// LocalDB reports whether client and database share a host.
func (c *Config) LocalDB() bool {
	return c.Server.DBIP == LocalHost
}

func (c *Config) Duration() time.Duration {
	return time.Duration(c.Benchmark.Duration) * time.Second
}

func (c *Config) ToggleInterval() time.Duration {
	return time.Duration(c.Workload.ToggleTime) * time.Second
}

// TrackActive returns database.track_active, 80 when unset.
func (d Database) TrackActive() (int, error) {
	v, ok := d["track_active"]
	if !ok || v == "" {
		return 80, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("track_active: %w", err)
	}
	return n, nil
}

// MySQL returns the override for a MySQL variable, if the job sets one.
func (d Database) MySQL(variable string) (string, bool) {
	v, ok := d["mysql_"+variable]
	return v, ok && v != ""
}

// Params renders the database section plus extra pairs as k=v words,
// sorted by key.
func (d Database) Params(extra map[string]string) string {
	merged := make(map[string]string, len(d)+len(extra))
	for k, v := range d {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+merged[k])
	}
	return strings.Join(parts, " ")
}
