package sweep

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/perfgo/sweepgo/config"
)

// Server defaults of MySQL for variables absent from the job and from
// /etc/my.cnf.default.
const (
	defaultMaxConnections = "151"
	defaultBufferPool     = "128M"
	defaultLogFileSize    = "48M"
	defaultFilesInGroup   = "2"
)

// validate runs the local checks and, with misc.check_config, the checks
// that need the database host.
func (s *Sweep) validate(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if !s.cfg.Misc.CheckConfig {
		return nil
	}
	return s.precheck(ctx)
}

func (s *Sweep) precheck(ctx context.Context) error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, config.ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	v, err := s.mysqlVar(ctx, "max_connections", defaultMaxConnections)
	if err != nil {
		return err
	}
	maxConn, err := strconv.Atoi(v)
	if err != nil {
		add("database.mysql_max_connections", "invalid value %q", v)
	} else if s.cfg.Benchmark.Threads >= maxConn {
		add("benchmark.sysbench_threads", "%d threads need more than max_connections=%d", s.cfg.Benchmark.Threads, maxConn)
	}

	bp, _, err := s.sizes(ctx)
	if err != nil {
		var verr config.ValidationError
		if !errors.As(err, &verr) {
			return err
		}
		errs = append(errs, verr)
	} else {
		mem, err := s.memTotal(ctx)
		if err != nil {
			return err
		}
		switch {
		case mem <= 0:
			add("database.mysql_innodb_buffer_pool_size", "cannot read MemTotal of %s", s.cfg.Server.DBIP)
		case bp >= mem:
			add("database.mysql_innodb_buffer_pool_size", "buffer pool of %s does not fit in %s of memory",
				units.BytesSize(float64(bp)), units.BytesSize(float64(mem)))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", config.ErrInvalid, errors.Join(errs...))
	}
	s.logger.Info().
		Str("buffer_pool", units.BytesSize(float64(s.bufferPool))).
		Str("redo", units.BytesSize(float64(s.redoSize))).
		Msg("Database host checks passed")
	return nil
}

// mysqlVar looks a server variable up in the job, then in
// /etc/my.cnf.default on the database host, then falls back to def.
func (s *Sweep) mysqlVar(ctx context.Context, name, def string) (string, error) {
	if v, ok := s.cfg.Database.MySQL(name); ok {
		return strings.TrimSpace(v), nil
	}

	out, err := s.exec(ctx, fmt.Sprintf("grep %s /etc/my.cnf.default | awk -F= '{print $NF}'", name), true)
	if err != nil {
		return "", err
	}
	if out.Succeeded() {
		if v := firstLine(out.Output); v != "" {
			return v, nil
		}
	}
	return def, nil
}

// sizes returns the buffer pool and total redo log size in bytes. Both are
// looked up once.
func (s *Sweep) sizes(ctx context.Context) (bufferPool, redo int64, err error) {
	if s.sizesKnown {
		return s.bufferPool, s.redoSize, nil
	}

	size := func(name, def string) (int64, error) {
		v, err := s.mysqlVar(ctx, name, def)
		if err != nil {
			return 0, err
		}
		n, perr := config.ParseSize(v)
		if perr != nil {
			return 0, config.ValidationError{Field: "database.mysql_" + name, Message: perr.Error()}
		}
		return n, nil
	}

	if bufferPool, err = size("innodb_buffer_pool_size", defaultBufferPool); err != nil {
		return 0, 0, err
	}
	logFile, err := size("innodb_log_file_size", defaultLogFileSize)
	if err != nil {
		return 0, 0, err
	}
	v, err := s.mysqlVar(ctx, "innodb_log_files_in_group", defaultFilesInGroup)
	if err != nil {
		return 0, 0, err
	}
	files, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, 0, config.ValidationError{Field: "database.mysql_innodb_log_files_in_group", Message: fmt.Sprintf("invalid value %q", v)}
	}

	s.bufferPool, s.redoSize, s.sizesKnown = bufferPool, logFile*files, true
	return s.bufferPool, s.redoSize, nil
}

// memTotal returns the memory of the database host in bytes, or 0 when it
// cannot be read.
func (s *Sweep) memTotal(ctx context.Context) (int64, error) {
	out, err := s.exec(ctx, "grep MemTotal /proc/meminfo | awk '{print $2}'", true)
	if err != nil {
		return 0, err
	}
	if !out.Succeeded() {
		return 0, nil
	}
	kb, perr := strconv.ParseInt(firstLine(out.Output), 10, 64)
	if perr != nil {
		return 0, nil
	}
	return kb * 1024, nil
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

// Check runs the validation Run starts with and nothing else. remote adds
// the database host checks regardless of misc.check_config.
func (s *Sweep) Check(ctx context.Context, remote bool) error {
	defer s.remote.Close()
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if !remote {
		return nil
	}
	return s.precheck(ctx)
}
