package sweep

import (
	"context"
	"strings"
	"testing"

	"github.com/perfgo/sweepgo/cli/ssh"
	"github.com/perfgo/sweepgo/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hostAnswers replies to the my.cnf.default and meminfo lookups. Variables
// missing from vars are not found by grep.
func hostAnswers(vars map[string]string, memKB string) func(string) ssh.Outcome {
	return func(cmd string) ssh.Outcome {
		if strings.Contains(cmd, "MemTotal") {
			return ssh.Outcome{Status: ssh.StatusOK, Output: memKB + "\n"}
		}
		for name, v := range vars {
			if strings.HasPrefix(cmd, "grep "+name+" ") {
				return ssh.Outcome{Status: ssh.StatusOK, Output: v + "\n"}
			}
		}
		return ssh.Outcome{Status: ssh.StatusOK, ExitStatus: 1}
	}
}

func TestPrecheck(t *testing.T) {
	tests := []struct {
		name      string
		threads   int
		overrides map[string]string
		vars      map[string]string
		memKB     string
		wantErrs  []string
		wantBP    int64
		wantRedo  int64
	}{
		{
			name:     "defaults fit",
			threads:  64,
			memKB:    "16384000",
			wantBP:   128 << 20,
			wantRedo: 96 << 20,
		},
		{
			name:     "values from my.cnf.default",
			threads:  64,
			vars:     map[string]string{"innodb_buffer_pool_size": "4G", "innodb_log_file_size": "1G", "innodb_log_files_in_group": "3"},
			memKB:    "16384000",
			wantBP:   4 << 30,
			wantRedo: 3 << 30,
		},
		{
			name:      "job overrides win",
			threads:   64,
			overrides: map[string]string{"mysql_innodb_buffer_pool_size": "1G"},
			vars:      map[string]string{"innodb_buffer_pool_size": "64G"},
			memKB:     "16384000",
			wantBP:    1 << 30,
			wantRedo:  96 << 20,
		},
		{
			name:     "too many threads",
			threads:  151,
			memKB:    "16384000",
			wantErrs: []string{"benchmark.sysbench_threads"},
		},
		{
			name:     "max_connections from the host",
			threads:  200,
			vars:     map[string]string{"max_connections": "100"},
			memKB:    "1024",
			wantErrs: []string{"benchmark.sysbench_threads", "database.mysql_innodb_buffer_pool_size"},
		},
		{
			name:     "unreadable memory",
			threads:  8,
			memKB:    "",
			wantErrs: []string{"cannot read MemTotal"},
		},
		{
			name:      "bad size",
			threads:   8,
			overrides: map[string]string{"mysql_innodb_buffer_pool_size": "lots"},
			memKB:     "16384000",
			wantErrs:  []string{"database.mysql_innodb_buffer_pool_size"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Benchmark.Threads = tt.threads
			for k, v := range tt.overrides {
				cfg.Database[k] = v
			}
			s := newTestSweep(t, cfg, &fakeRemote{respond: hostAnswers(tt.vars, tt.memKB)})

			err := s.precheck(context.Background())
			if len(tt.wantErrs) > 0 {
				require.ErrorIs(t, err, config.ErrInvalid)
				for _, want := range tt.wantErrs {
					assert.Contains(t, err.Error(), want)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBP, s.bufferPool)
			assert.Equal(t, tt.wantRedo, s.redoSize)
		})
	}
}

func TestPrecheckUnreachable(t *testing.T) {
	cfg := testConfig(t)
	s := newTestSweep(t, cfg, &fakeRemote{respond: func(string) ssh.Outcome {
		return ssh.Outcome{Status: ssh.StatusFatal, ExitStatus: -1, Err: ssh.ErrUnreachable}
	}})

	err := s.precheck(context.Background())
	require.ErrorIs(t, err, ErrFatal)
	assert.NotErrorIs(t, err, config.ErrInvalid)
}

func TestMysqlVarLookupOrder(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database["mysql_max_connections"] = " 500 "
	remote := &fakeRemote{respond: hostAnswers(map[string]string{"max_connections": "100", "innodb_log_file_size": "256M"}, "1")}
	s := newTestSweep(t, cfg, remote)
	ctx := context.Background()

	tests := []struct {
		name string
		want string
	}{
		{"max_connections", "500"},
		{"innodb_log_file_size", "256M"},
		{"innodb_log_files_in_group", defaultFilesInGroup},
	}
	for _, tt := range tests {
		got, err := s.mysqlVar(ctx, tt.name, defaultFilesInGroup)
		if err != nil {
			t.Errorf("mysqlVar(%q) error = %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("mysqlVar(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
	assert.False(t, remote.ran("grep max_connections"))
}

func TestCheck(t *testing.T) {
	cfg := testConfig(t)
	cfg.Benchmark.Threads = 500
	remote := &fakeRemote{respond: hostAnswers(nil, "16384000")}

	require.NoError(t, newTestSweep(t, cfg, remote).Check(context.Background(), false))
	assert.Empty(t, remote.executed)

	err := newTestSweep(t, cfg, remote).Check(context.Background(), true)
	require.ErrorIs(t, err, config.ErrInvalid)
	assert.Contains(t, err.Error(), "max_connections=151")
	assert.Equal(t, 2, remote.closed)
}
