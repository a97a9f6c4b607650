package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/baikal/hostpulse/internal/api"
	"github.com/baikal/hostpulse/internal/collector"
	"github.com/baikal/hostpulse/internal/config"
	"github.com/baikal/hostpulse/internal/health"
	"github.com/baikal/hostpulse/internal/logging"
	"github.com/baikal/hostpulse/internal/metrics"
	"github.com/baikal/hostpulse/internal/observer"
	"github.com/baikal/hostpulse/internal/patterns"
	"github.com/baikal/hostpulse/internal/pipeline"
	"github.com/baikal/hostpulse/internal/ring"
	"github.com/baikal/hostpulse/internal/scheduler"
	"github.com/baikal/hostpulse/internal/store"
)

// runAgent wires the full agent and blocks until a signal or a fatal
// component error. The returned value is the process exit code.
func runAgent(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	m := metrics.New()
	reg := health.NewRegistry()

	st, err := store.Open(cfg.Store, log)
	if err != nil {
		log.Error("store_open_failed", zap.String("path", cfg.Store.Path), zap.Error(err))
		log.Sync() //nolint:errcheck
		return exitStore
	}

	buf := ring.New(cfg.Ring.Capacity, cfg.Ring.SubCapacity)
	srv := api.New(cfg, buf, st, reg, m, log)
	ln, err := srv.Listen()
	if err != nil {
		log.Error("bind_failed", zap.String("bind", cfg.HTTP.Bind), zap.Error(err))
		st.Close() //nolint:errcheck
		log.Sync() //nolint:errcheck
		return exitBind
	}

	cs := collector.Registry(cfg, &collector.ExecCommandRunner{})
	pipe := pipeline.New(cs, cfg.TickBudget(), log, reg, m)
	engine := patterns.New(cfg.Patterns, st, log, m)
	sched := scheduler.New(cfg, pipe, buf, st, engine, log, reg, m)
	mon := observer.New(cfg.Limits, collector.OptionalCollectors, pipe, log, m)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("agent_started",
		zap.String("version", version),
		zap.String("bind", cfg.HTTP.Bind),
		zap.String("store", cfg.Store.Path),
		zap.Int("collectors", len(cs)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx, ln) })
	g.Go(func() error {
		engine.Run(gctx, buf.Subscribe())
		return nil
	})
	g.Go(func() error {
		mon.Run(gctx)
		return nil
	})

	var errs *multierror.Error
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		errs = multierror.Append(errs, err)
	}
	if err := st.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("close store: %w", err))
	}

	interrupted := ctx.Err() != nil
	switch {
	case interrupted:
		log.Info("agent_stopped", zap.String("reason", "signal"))
	case errs.ErrorOrNil() != nil:
		log.Error("agent_failed", zap.Error(errs))
	default:
		log.Info("agent_stopped", zap.String("reason", "component exit"))
	}
	log.Sync() //nolint:errcheck

	if interrupted {
		return exitInterrupt
	}
	if errs.ErrorOrNil() != nil {
		return 1
	}
	return 0
}
