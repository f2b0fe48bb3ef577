package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJob = `
server:
  db_ip: 10.0.0.2
  db_port: 3306
  client_ip: 10.0.0.1
  dbscript_path: /opt/bench
benchmark:
  sysbench_threads: 16
  db_num: 4
  target: DMX
  duration: 600
  lua_script: /usr/share/sysbench/oltp.lua
  tarball_path: /data/mysql.tar.gz
  table_rows: 1000000
  table_num: 8
workload:
  workload_type: RW
  oltp_point_selects: 10
  oltp_simple_ranges: 1
  oltp_sum_ranges: 1
  oltp_order_ranges: 1
  oltp_distinct_ranges: 1
  oltp_index_updates: 1
  oltp_non_index_updates: 1
  db_active_pct: 50
  db_toggle_pct: 25
  db_toggle_time: 30
database:
  track_active: 70
  mysql_innodb_buffer_pool_size: 32G
  mysql_max_connections: 2000
misc:
  ssd_device: nvme0n1
  settle_time: 1s
`

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleJob), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, "10.0.0.2", cfg.Server.DBIP)
	assert.Equal(t, TargetDMX, cfg.Benchmark.Target)
	assert.Equal(t, 600*time.Second, cfg.Duration())
	assert.Equal(t, 30*time.Second, cfg.ToggleInterval())
	assert.Equal(t, time.Second, cfg.Misc.SettleTime)

	// defaults survive when the file does not mention a key
	assert.Equal(t, "root", cfg.Server.User)
	assert.Equal(t, "sbtest", cfg.Benchmark.DBName)
	assert.Equal(t, 60, cfg.Poll.InnoDB)
	assert.Equal(t, 30, cfg.Poll.BarfFR)
	assert.True(t, cfg.Misc.CheckConfig)

	ta, err := cfg.Database.TrackActive()
	require.NoError(t, err)
	assert.Equal(t, 70, ta)

	bp, ok := cfg.Database.MySQL("innodb_buffer_pool_size")
	assert.True(t, ok)
	assert.Equal(t, "32G", bp)
	_, ok = cfg.Database.MySQL("innodb_log_file_size")
	assert.False(t, ok)

	assert.NoError(t, cfg.Validate())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("server:\n  db_host: x\n"))
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestPortsAndNames(t *testing.T) {
	cfg := Default()
	cfg.Path = "jobs/rw_16.yaml"
	cfg.Server.DBPort = 3306
	cfg.Benchmark.DBNum = 3

	assert.Equal(t, []int{3306, 3307, 3308}, cfg.Ports())
	assert.Equal(t, "/tmp/mysql.sock3307", cfg.Socket(3307))

	start := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	assert.Equal(t, "jobs/rw_16_20240309140507", cfg.RunDirName(start))
}

func TestParams(t *testing.T) {
	db := Database{"track_active": "80", "mysql_max_connections": "500"}
	got := db.Params(map[string]string{"db_name": "sbtest"})
	assert.Equal(t, "db_name=sbtest mysql_max_connections=500 track_active=80", got)
}

func validConfig() *Config {
	cfg := Default()
	cfg.Server.DBIP = "10.0.0.2"
	cfg.Server.ClientIP = "10.0.0.1"
	cfg.Server.DBPort = 3306
	cfg.Benchmark.Target = TargetDMX
	cfg.Benchmark.DBNum = 4
	cfg.Benchmark.Duration = 60
	cfg.Benchmark.Threads = 8
	cfg.Workload.Type = WorkloadRO
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		fields []string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:   "unknown target",
			mutate: func(c *Config) { c.Benchmark.Target = "SSD" },
			fields: []string{"benchmark.target"},
		},
		{
			name: "zero counts",
			mutate: func(c *Config) {
				c.Benchmark.DBNum = 0
				c.Benchmark.Duration = 0
				c.Poll.Sysbench = 0
			},
			fields: []string{"benchmark.db_num", "benchmark.duration", "poll_intervals.sysbench"},
		},
		{
			name: "active plus toggle above 100",
			mutate: func(c *Config) {
				c.Workload.ActivePct = 80
				c.Workload.TogglePct = 30
				c.Workload.ToggleTime = 10
			},
			fields: []string{"workload.db_toggle_pct"},
		},
		{
			name:   "toggle without interval",
			mutate: func(c *Config) { c.Workload.ActivePct = 50; c.Workload.TogglePct = 10 },
			fields: []string{"workload.db_toggle_time"},
		},
		{
			name:   "ram needs track_active 0",
			mutate: func(c *Config) { c.Benchmark.Target = TargetRAM },
			fields: []string{"database.track_active"},
		},
		{
			name: "ram with track_active 0",
			mutate: func(c *Config) {
				c.Benchmark.Target = TargetRAM
				c.Database["track_active"] = "0"
			},
		},
		{
			name:   "track_active out of range",
			mutate: func(c *Config) { c.Database["track_active"] = "101" },
			fields: []string{"database.track_active"},
		},
		{
			name: "mail without addresses",
			mutate: func(c *Config) {
				c.Misc.SendMail = true
				c.Misc.SMTPServer = "smtp.local"
				c.Misc.SMTPPort = 25
				c.Misc.MailSender = "bench"
				c.Misc.MailRecipients = "ops@example.com"
			},
			fields: []string{"misc.mail_sender"},
		},
		{
			name:   "bad workload type",
			mutate: func(c *Config) { c.Workload.Type = "RX" },
			fields: []string{"workload.workload_type"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()

			if len(tt.fields) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))

			var got []string
			for _, e := range unwrapAll(err) {
				var ve ValidationError
				if errors.As(e, &ve) {
					got = append(got, ve.Field)
				}
			}
			for _, f := range tt.fields {
				assert.Contains(t, got, f, "errors: %v", err)
			}
		})
	}
}

func unwrapAll(err error) []error {
	var out []error
	var walk func(error)
	walk = func(e error) {
		if e == nil {
			return
		}
		out = append(out, e)
		switch u := e.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				walk(inner)
			}
		case interface{ Unwrap() error }:
			walk(u.Unwrap())
		}
	}
	walk(err)
	return out
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "50331648", want: 50331648},
		{in: "128M", want: 128 << 20},
		{in: "32G", want: 32 << 30},
		{in: "32GB", want: 32 << 30},
		{in: "1t", want: 1 << 40},
		{in: "  4k ", want: 4 << 10},
		{in: "", wantErr: true},
		{in: "lots", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseSize(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseSize(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
