package config

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError represents a single problem found in a job file.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate runs the local sanity checks. It never touches the network, so it
// is cheap enough to run before anything else. All problems are returned
// together, wrapped in ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Server.DBIP == "" {
		add("server.db_ip", "is required")
	}
	if c.Server.ClientIP == "" {
		add("server.client_ip", "is required")
	}
	if c.Server.DBPort <= 0 {
		add("server.db_port", "must be positive (got %d)", c.Server.DBPort)
	}

	switch c.Benchmark.Target {
	case TargetDMX, TargetRAM:
	default:
		add("benchmark.target", "must be one of: %s, %s (got %q)", TargetDMX, TargetRAM, c.Benchmark.Target)
	}
	if c.Benchmark.DBNum <= 0 {
		add("benchmark.db_num", "must be positive (got %d)", c.Benchmark.DBNum)
	}
	if c.Benchmark.Duration <= 0 {
		add("benchmark.duration", "must be positive (got %d)", c.Benchmark.Duration)
	}
	if c.Benchmark.Threads <= 0 {
		add("benchmark.sysbench_threads", "must be positive (got %d)", c.Benchmark.Threads)
	}
	if c.Benchmark.WarmupTime < 0 {
		add("benchmark.warmup_time", "must not be negative (got %d)", c.Benchmark.WarmupTime)
	}
	if c.Poll.Sysbench <= 0 {
		add("poll_intervals.sysbench", "must be positive (got %d)", c.Poll.Sysbench)
	}

	switch c.Workload.Type {
	case WorkloadRO, WorkloadRW, WorkloadWO:
	default:
		add("workload.workload_type", "must be one of: %s, %s, %s (got %q)", WorkloadRO, WorkloadRW, WorkloadWO, c.Workload.Type)
	}
	if !inPercent(c.Workload.ActivePct) {
		add("workload.db_active_pct", "must be within 0..100 (got %d)", c.Workload.ActivePct)
	}
	if !inPercent(c.Workload.TogglePct) {
		add("workload.db_toggle_pct", "must be within 0..100 (got %d)", c.Workload.TogglePct)
	}
	if c.Workload.ActivePct+c.Workload.TogglePct > 100 {
		add("workload.db_toggle_pct", "db_active_pct + db_toggle_pct must not exceed 100 (got %d)",
			c.Workload.ActivePct+c.Workload.TogglePct)
	}
	if c.Workload.TogglePct > 0 && c.Workload.ToggleTime <= 0 {
		add("workload.db_toggle_time", "must be positive when db_toggle_pct is set")
	}

	ta, err := c.Database.TrackActive()
	switch {
	case err != nil:
		add("database.track_active", "%v", err)
	case !inPercent(ta):
		add("database.track_active", "must be within 0..100 (got %d)", ta)
	case c.Benchmark.Target == TargetRAM && ta != 0:
		add("database.track_active", "must be 0 for target %s (got %d)", TargetRAM, ta)
	}

	if c.Misc.SendMail {
		if c.Misc.SMTPServer == "" {
			add("misc.smtp_server", "is required when send_mail is set")
		}
		if c.Misc.SMTPPort <= 0 {
			add("misc.smtp_port", "is required when send_mail is set")
		}
		if !strings.Contains(c.Misc.MailSender, "@") {
			add("misc.mail_sender", "invalid email address %q", c.Misc.MailSender)
		}
		if !strings.Contains(c.Misc.MailRecipients, "@") {
			add("misc.mail_recipients", "invalid email address %q", c.Misc.MailRecipients)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

func inPercent(v int) bool {
	return v >= 0 && v <= 100
}
