package cli

// This file contains the run and check commands.

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/perfgo/sweepgo/cli/ssh"
	"github.com/perfgo/sweepgo/config"
	"github.com/perfgo/sweepgo/metrics"
	"github.com/perfgo/sweepgo/model"
	"github.com/perfgo/sweepgo/sweep"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
)

func (a *App) run(ctx *cli.Context) error {
	startTime := time.Now()

	cfg, err := loadJob(ctx)
	if err != nil {
		return err
	}

	var collector *metrics.Collector
	if addr := ctx.String("metrics-addr"); addr != "" {
		reg := prometheus.NewRegistry()
		collector = metrics.New(reg)
		srv := metrics.NewServer(a.logger, addr, reg)
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn().Err(err).Msg("Failed to stop metrics server")
			}
		}()
	}

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sw := sweep.New(a.logger, cfg, a.newSession(cfg, collector), sweep.WithMetrics(collector))
	run, err := sw.Run(sigCtx)

	status := model.StatusFailed
	if run != nil {
		status = run.Status
	} else if errors.Is(err, sweep.ErrCanceled) {
		status = model.StatusCanceled
	}
	fmt.Printf("The sweep is %s (time taken: %ds)\n", status, int(time.Since(startTime).Seconds()))
	if sw.Dir() != "" {
		fmt.Printf("Results: %s\n", sw.Dir())
	}

	if errors.Is(err, config.ErrInvalid) {
		printProblems(err)
	}
	if err != nil {
		return err
	}
	if status != model.StatusFinished {
		return cli.Exit("", 1)
	}
	return nil
}

func (a *App) check(ctx *cli.Context) error {
	cfg, err := loadJob(ctx)
	if err != nil {
		return err
	}

	remote := ctx.Bool("remote")
	sw := sweep.New(a.logger, cfg, a.newSession(cfg, nil))
	if err := sw.Check(ctx.Context, remote); err != nil {
		if errors.Is(err, config.ErrInvalid) {
			printProblems(err)
		}
		return err
	}

	fmt.Printf("%s: OK\n", cfg.Path)
	fmt.Printf("   Target: %s, %d databases from port %d on %s\n",
		cfg.Benchmark.Target, cfg.Benchmark.DBNum, cfg.Server.DBPort, cfg.Server.DBIP)
	fmt.Printf("   Workload: %s, %d threads for %s\n",
		cfg.Workload.Type, cfg.Benchmark.Threads, cfg.Duration())
	if !remote {
		fmt.Println("   Database host not checked (use --remote)")
	}
	return nil
}

func loadJob(ctx *cli.Context) (*config.Config, error) {
	if ctx.NArg() != 1 {
		return nil, fmt.Errorf("expected exactly one job file, got %d arguments", ctx.NArg())
	}
	return config.Load(ctx.Args().First())
}

func (a *App) newSession(cfg *config.Config, m *metrics.Collector) *ssh.Session {
	opts := []ssh.SSHOption{
		ssh.WithUser(cfg.Server.User),
		ssh.WithPort(cfg.Server.SSHPort),
		ssh.WithMetrics(m),
	}
	if cfg.Server.IdentityFile != "" {
		opts = append(opts, ssh.WithIdentityFile(cfg.Server.IdentityFile))
	}
	if cfg.Server.KnownHostsFile != "" {
		opts = append(opts, ssh.WithKnownHostsFile(cfg.Server.KnownHostsFile))
	}
	return ssh.New(a.logger, cfg.Server.DBIP, opts...)
}

// printProblems lists every validation error contained in err.
func printProblems(err error) {
	for _, p := range problems(err) {
		fmt.Printf("   %s\n", p)
	}
}

func problems(err error) []string {
	if verr, ok := err.(config.ValidationError); ok {
		return []string{verr.Error()}
	}

	var out []string
	switch e := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range e.Unwrap() {
			out = append(out, problems(inner)...)
		}
	case interface{ Unwrap() error }:
		out = append(out, problems(e.Unwrap())...)
	}
	return out
}
