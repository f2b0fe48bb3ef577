package sysbench

// sysbench.go contains utilities for building sysbench 0.5 OLTP commands.

import (
	"fmt"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/perfgo/sweepgo/config"
)

// Options contains options for one sysbench run against one database.
type Options struct {
	LuaScript      string // OLTP lua script (--test)
	TableRows      int
	TableNum       int
	Host           string
	Port           int
	DBName         string
	User           string
	Password       string
	Threads        int
	MaxTime        int // seconds
	ReportInterval int // seconds
	ReadOnly       bool
	RandType       string // "off" disables --rand-init
	PointSelects   int
	SimpleRanges   int
	SumRanges      int
	OrderRanges    int
	DistinctRanges int
	IndexUpdates   int
	NonIndexUpd    int
}

// FromConfig returns the options for a run of maxTime against port.
func FromConfig(cfg *config.Config, port int, maxTime time.Duration) Options {
	secs := int(maxTime.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return Options{
		LuaScript:      cfg.Benchmark.LuaScript,
		TableRows:      cfg.Benchmark.TableRows,
		TableNum:       cfg.Benchmark.TableNum,
		Host:           cfg.Server.DBIP,
		Port:           port,
		DBName:         cfg.Benchmark.DBName,
		User:           cfg.Benchmark.DBUser,
		Password:       cfg.Benchmark.DBPassword,
		Threads:        cfg.Benchmark.Threads,
		MaxTime:        secs,
		ReportInterval: cfg.Poll.Sysbench,
		ReadOnly:       cfg.Workload.Type == config.WorkloadRO,
		RandType:       cfg.Workload.RandType,
		PointSelects:   cfg.Workload.PointSelects,
		SimpleRanges:   cfg.Workload.SimpleRanges,
		SumRanges:      cfg.Workload.SumRanges,
		OrderRanges:    cfg.Workload.OrderRanges,
		DistinctRanges: cfg.Workload.DistinctRanges,
		IndexUpdates:   cfg.Workload.IndexUpdates,
		NonIndexUpd:    cfg.Workload.NonIndexUpdates,
	}
}

// BuildArgs builds the sysbench argv, binary included.
func BuildArgs(opts Options) []string {
	args := []string{
		"sysbench",
		"--test=" + opts.LuaScript,
		fmt.Sprintf("--oltp-table-size=%d", opts.TableRows),
		fmt.Sprintf("--oltp-tables-count=%d", opts.TableNum),
		"--mysql-host=" + opts.Host,
		fmt.Sprintf("--mysql-port=%d", opts.Port),
		"--mysql-db=" + opts.DBName,
		"--mysql-user=" + opts.User,
		"--mysql-password=" + opts.Password,
		fmt.Sprintf("--num-threads=%d", opts.Threads),
		"--max-requests=0",
		fmt.Sprintf("--max-time=%d", opts.MaxTime),
		fmt.Sprintf("--report-interval=%d", opts.ReportInterval),
		"--oltp-read-only=" + onOff(opts.ReadOnly),
		fmt.Sprintf("--oltp-point-selects=%d", opts.PointSelects),
		fmt.Sprintf("--oltp-simple-ranges=%d", opts.SimpleRanges),
		fmt.Sprintf("--oltp-sum-ranges=%d", opts.SumRanges),
		fmt.Sprintf("--oltp-order-ranges=%d", opts.OrderRanges),
		fmt.Sprintf("--oltp-distinct-ranges=%d", opts.DistinctRanges),
		fmt.Sprintf("--oltp-index-updates=%d", opts.IndexUpdates),
		// sysbench 0.5 only accepts this one with underscores.
		fmt.Sprintf("--oltp_non_index_updates=%d", opts.NonIndexUpd),
	}

	if opts.RandType == "" || opts.RandType == "off" {
		args = append(args, "--rand-init=off")
	} else {
		args = append(args, "--rand-init=on", "--rand-type="+opts.RandType)
	}

	return append(args, "run")
}

// BuildCommand builds the sysbench command line with proper shell escaping.
func BuildCommand(opts Options) string {
	args := BuildArgs(opts)
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, shellescape.Quote(arg))
	}
	return strings.Join(parts, " ")
}

// LogName returns the log file name of the workload against port.
func LogName(target config.Target, threads, port int) string {
	return fmt.Sprintf("sb_%s_%d_db%d.log", target, threads, port)
}

// IsLog reports whether name is a workload log.
func IsLog(name string) bool {
	return strings.HasPrefix(name, "sb_") && strings.HasSuffix(name, ".log")
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
