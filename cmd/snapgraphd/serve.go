package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"snapgraph/config"
	"snapgraph/rebase"
	"snapgraph/service"
	"snapgraph/store"
	"snapgraph/transport"
)

var serveMetricsListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the rebase service",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveMetricsListen != "" {
		cfg.MetricsListen = serveMetricsListen
	}
	log := newLogger(cfg)

	allow, err := cfg.AllowList()
	if err != nil {
		return err
	}
	actor, err := cfg.ActorID()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	queue, release, err := openQueue(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer release()

	switch q := queue.(type) {
	case *transport.RedisQueue:
		n, err := q.RecoverInFlight(ctx)
		if err != nil {
			return fmt.Errorf("recovering in-flight requests: %w", err)
		}
		if n > 0 {
			log.Info("requeued in-flight requests", "count", n)
		}
	case *store.Queue:
		go recoverStale(ctx, q, cfg.StaleAfter, log)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engine := rebase.NewEngine(db, db, rebase.Options{
		Actor:     actor,
		AllowList: allow,
		Logger:    log,
	})
	svc := service.New(engine, queue, db, service.Options{
		Concurrency: cfg.Concurrency,
		ReceiveWait: cfg.ReceiveWait,
		Replay:      cfg.ReplayToOpenChangeSets,
		Evict:       cfg.EvictSnapshots,
		Registry:    reg,
		Logger:      log,
	})

	log.Info("snapgraphd starting",
		"version", Version,
		"data", cfg.DataDir,
		"transport", cfg.Transport,
		"concurrency", cfg.Concurrency,
		"actor", engine.Actor().String(),
		"legacy_cycle_allow_list", allow.Len())

	if cfg.MetricsListen != "" {
		srv := metricsServer(cfg, reg)
		go func() {
			log.Info("metrics listening", "addr", cfg.MetricsListen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if err := svc.Run(ctx); err != nil {
		return err
	}
	log.Info("snapgraphd stopped")
	return nil
}

func metricsServer(cfg *config.Config, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	return &http.Server{
		Addr:         cfg.MetricsListen,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// recoverStale periodically requeues SQLite deliveries whose consumer died
// mid-rebase.
func recoverStale(ctx context.Context, q *store.Queue, olderThan time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(olderThan / 2)
	defer ticker.Stop()

	for {
		n, err := q.RecoverStale(ctx, olderThan)
		if err != nil && ctx.Err() == nil {
			log.Warn("recovering stale requests", "error", err)
		} else if n > 0 {
			log.Info("requeued stale requests", "count", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
