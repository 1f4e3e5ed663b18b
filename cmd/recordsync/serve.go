package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"recordsync/internal/api"
	"recordsync/internal/batch"
	"recordsync/internal/cache"
	"recordsync/internal/config"
	"recordsync/internal/entity"
	"recordsync/internal/locks"
	"recordsync/internal/obs"
	"recordsync/internal/storage"
	"recordsync/pkg/restclient"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	// Cancel context on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := obs.NewLogger()
	defer func() { _ = logger.Sync() }()
	metrics := obs.NewMetrics(prometheus.DefaultRegisterer)

	for _, w := range cfg.WarningMsgs {
		logger.Warn(map[string]interface{}{"op": "config", "warning": w})
	}

	store, closeStore, err := openCache(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	defer closeStore()

	var clientOpts []restclient.Option
	if cfg.Remote.RateLimit > 0 {
		clientOpts = append(clientOpts, restclient.WithRateLimit(rate.Limit(cfg.Remote.RateLimit), cfg.Remote.RateBurst))
	}
	client := restclient.New(cfg.Remote.URL, &http.Client{Timeout: cfg.Remote.Timeout.Duration}, clientOpts...)

	configs := entity.NewConfigs()
	if err := configs.Load(cfg.EntityConfigs()...); err != nil {
		return err
	}

	table := locks.NewTable(locks.WithLogger(logger), locks.WithMetrics(metrics))
	proc := batch.New(
		batch.WithDeferrer(batch.WindowDeferrer{Window: cfg.Batch.Window.Duration}),
		batch.WithLogger(logger),
		batch.WithMetrics(metrics),
	)
	size := client.MaxBatchSize
	if n := cfg.Batch.MaxSize; n > 0 {
		size = func(context.Context) int { return n }
	}
	for _, q := range entity.SaveQueues(configs.All()) {
		entity.RegisterSaveQueue(proc, q, client, size)
	}

	status := entity.NewStatus(0)
	coord := entity.NewCoordinator(configs, store, table, client,
		entity.WithEnqueuer(proc),
		entity.WithNotifier(status),
		entity.WithLogger(logger),
		entity.WithMetrics(metrics),
	)
	apiServer := api.NewServer(coord, table, status)
	mon := locks.NewMonitor(table, logger, metrics, cfg.Locks.MonitorInterval.Duration, cfg.Locks.StaleAfter.Duration)

	mux := http.NewServeMux()
	mux.Handle("/", apiServer.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		mon.Run(ctx) // exits when ctx is cancelled
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info(map[string]interface{}{
			"op":       "startup",
			"addr":     cfg.Server.Addr,
			"remote":   cfg.Remote.URL,
			"cache":    cfg.Cache.Backend,
			"entities": len(cfg.Entities),
		})
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(map[string]interface{}{"op": "http_serve", "error": err.Error()})
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info(map[string]interface{}{"op": "shutdown", "reason": "signal"})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(map[string]interface{}{"op": "http_shutdown", "error": err.Error()})
	}

	wg.Wait()
	logger.Info(map[string]interface{}{"op": "stopped"})
	return nil
}

func openCache(ctx context.Context, cfg config.Cache) (entity.Cache, func(), error) {
	switch cfg.Backend {
	case "sqlite":
		db, err := storage.Open(ctx, cfg.Storage())
		if err != nil {
			return nil, nil, fmt.Errorf("db open: %w", err)
		}
		return cache.NewSQLite(db), func() { _ = db.Close() }, nil
	default:
		mem, err := cache.NewMemory(cfg.MemoryRecords)
		if err != nil {
			return nil, nil, err
		}
		return mem, func() {}, nil
	}
}
