// Watchtower probes configured HTTP endpoints, records their uptime history
// in Postgres and streams live results to dashboard subscribers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/renatoka/watchtower/pkg/breaker"
	"github.com/renatoka/watchtower/pkg/bus"
	"github.com/renatoka/watchtower/pkg/config"
	"github.com/renatoka/watchtower/pkg/metrics"
	"github.com/renatoka/watchtower/pkg/monitor"
	"github.com/renatoka/watchtower/pkg/retention"
	"github.com/renatoka/watchtower/pkg/server"
	"github.com/renatoka/watchtower/pkg/stats"
	"github.com/renatoka/watchtower/pkg/store"
)

const shutdownGrace = 15 * time.Second

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("watchtower exited", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := st.Migrate(ctx); err != nil {
		return err
	}

	m := metrics.New("watchtower")
	breakers := breaker.NewRegistry(func(id uuid.UUID, from, to breaker.State) {
		logger.Info("circuit breaker transition",
			zap.String("endpoint_id", id.String()),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		m.BreakerTransitions.WithLabelValues(id.String(), to.String()).Inc()
	})

	hub := bus.NewHub(cfg.Bus, m, logger)
	statsEngine := stats.NewEngine(st, logger)
	prober := monitor.NewProber(breakers, m, logger)
	scheduler := monitor.NewScheduler(st, statsEngine, hub, prober, breakers, logger)
	job := retention.NewJob(st, cfg.Retention, m, logger)
	engine := monitor.NewEngine(st, scheduler, statsEngine, hub, job, logger)

	srv := server.New(fmt.Sprintf(":%d", cfg.HTTPPort), engine, st, m, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(ctx)
	})
	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("watchtower started", zap.Int("port", cfg.HTTPPort))
	return g.Wait()
}
