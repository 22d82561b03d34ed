package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"limitboard/internal/api"
	"limitboard/internal/coalesce"
	"limitboard/internal/company"
	"limitboard/internal/config"
	"limitboard/internal/domain"
	"limitboard/internal/kv"
	"limitboard/internal/pool"
	"limitboard/internal/scheduler"
	"limitboard/internal/upstream"
	"limitboard/internal/util"
)

func main() {
	// .env is optional; real environment variables take precedence.
	_ = godotenv.Load()

	cfgPath := "config/limitboard.yaml"
	if p := os.Getenv("LIMITBOARD_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	storage, err := kv.Open(cfg.Storage)
	if err != nil {
		log.Fatalf("opening %s storage: %v", cfg.Storage.Backend, err)
	}
	defer storage.Close()

	// Outbound calls share one coalescer.
	transport := coalesce.NewHTTPTransport(time.Duration(cfg.Upstream.TimeoutSec) * time.Second)
	transport.Limiter = util.NewRateLimiter(cfg.Upstream.QPS, cfg.Upstream.Burst)
	co := coalesce.New(transport, coalesce.Options{
		Throttle:   time.Duration(cfg.Coalesce.ThrottleMS) * time.Millisecond,
		Registerer: prometheus.DefaultRegisterer,
		Logger:     logger,
	})

	records := company.NewStore(ctx, storage, company.Options{
		Key:      cfg.Storage.Key,
		Snapshot: company.NewSnapshotSource(cfg.Snapshot.Path, cfg.Snapshot.URL, co),
		Logger:   logger,
	})
	records.Initialize(ctx)
	logger.Info("company records loaded", "count", records.Len(), "degraded", records.Degraded())

	license := upstream.NewLicense(cfg.Upstream.License, storage)
	client := upstream.NewClient(co, license, upstream.Options{
		BaseURL:     cfg.Upstream.BaseURL,
		MaxAttempts: cfg.Upstream.MaxAttempts,
		RetryDelay:  time.Duration(cfg.Upstream.RetryDelayMS) * time.Millisecond,
		Logger:      logger,
	})
	pools := pool.NewService(client, records, cfg.Upstream.ProfileWorker, logger)

	sched := scheduler.New(logger)
	if cfg.Refresh.PurgeInterval != "" {
		if err := sched.AddJob(cfg.Refresh.PurgeInterval, &scheduler.PurgeJob{Cache: co, Logger: logger}); err != nil {
			log.Fatalf("scheduling purge: %v", err)
		}
	}
	if cfg.Refresh.Cron != "" {
		job := &scheduler.RefreshJob{
			Pools:        pools,
			Kinds:        []domain.PoolKind{domain.PoolLimitUp, domain.PoolLimitDown, domain.PoolStrong},
			FillProfiles: cfg.Refresh.FillProfiles,
			Logger:       logger,
		}
		if err := sched.AddJob(cfg.Refresh.Cron, job); err != nil {
			log.Fatalf("scheduling refresh: %v", err)
		}
	}
	sched.Start()
	defer sched.Stop()

	srv := api.NewServer(api.Options{
		Pools:   pools,
		Records: records,
		License: license,
		Metrics: promhttp.Handler(),
		Logger:  logger,
	})
	httpServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("limitboard server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down limitboard server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
