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

	"github.com/shopspring/decimal"

	"github.com/kasperiio/api/internal/api"
	"github.com/kasperiio/api/internal/config"
	"github.com/kasperiio/api/internal/db"
	"github.com/kasperiio/api/internal/external"
	"github.com/kasperiio/api/internal/httputil"
	"github.com/kasperiio/api/internal/logging"
	"github.com/kasperiio/api/internal/metrics"
	"github.com/kasperiio/api/internal/models"
	"github.com/kasperiio/api/internal/notifications"
	"github.com/kasperiio/api/internal/query"
	"github.com/kasperiio/api/internal/ratelimit"
	"github.com/kasperiio/api/internal/repository"
	"github.com/kasperiio/api/internal/scheduler"
	"github.com/kasperiio/api/internal/syncer"
	"github.com/kasperiio/api/internal/timegrid"
)

const banner = `
╔══════════════════════════════════════╗
║    Electricity Spot Price API v1.0   ║
║                                      ║
╚══════════════════════════════════════╝
`

func main() {
	fmt.Print(banner)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	cfg.Print()

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	grid, err := cfg.Grid()
	if err != nil {
		fmt.Fprintf(os.Stderr, "grid: %v\n", err)
		os.Exit(1)
	}

	// Graceful shutdown context
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	series := models.Series{
		Area:        cfg.EntsoeArea,
		Resolution:  grid.Resolution(),
		Currency:    cfg.Currency,
		Unit:        "c/kWh",
		VATIncluded: cfg.ApplyVAT,
	}

	// Cache
	store, closeStore, err := openStore(ctx, cfg, series, grid, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[CACHE] %v\n", err)
		os.Exit(1)
	}
	defer closeStore()

	// Provider
	limiter, err := ratelimit.New(cfg.RateLimitPerSecond)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[SYNC] %v\n", err)
		os.Exit(1)
	}
	entsoe := external.NewEntsoeClient(external.EntsoeConfig{
		BaseURL:    cfg.EntsoeBaseURL,
		APIKey:     cfg.EntsoeAPIKey,
		Area:       cfg.EntsoeArea,
		Grid:       grid,
		VATPercent: decimal.NewFromFloat(cfg.VATPercent),
		ApplyVAT:   cfg.ApplyVAT,
		Timeout:    time.Duration(cfg.FetchTimeoutSeconds) * time.Second,
	}, logger)

	m := metrics.New("price_cache")

	syncCfg := syncer.DefaultConfig()
	syncCfg.MaxSpan = cfg.ChunkSpan()
	syncCfg.Concurrency = cfg.FetchConcurrency
	syncCfg.FetchRetry = httputil.RetryConfig{
		MaxAttempts: cfg.FetchMaxAttempts,
		BaseDelay:   time.Duration(cfg.FetchBaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.FetchMaxDelayMs) * time.Millisecond,
	}
	syncCfg.SyncTimeout = time.Duration(cfg.SyncTimeoutSeconds) * time.Second
	engine := syncer.New(store, entsoe, limiter, grid, syncCfg, m, logger)

	queries := query.New(store, grid, m)

	// Notifications
	notify := notifications.NewSender(cfg.WebhookURL, cfg.ServiceName, logger)

	// 1. API server
	srv := api.NewServer(engine, queries, store, m, api.Options{
		Port:         cfg.APIPort,
		APIKey:       cfg.APIKey,
		CORSOrigin:   cfg.CORSAllowOrigin,
		MaxRangeDays: cfg.MaxRangeDays,
	}, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "[API] Server error: %v\n", err)
			os.Exit(1)
		}
	}()

	// 2. Prefetch scheduler
	prefetch := scheduler.NewPrefetchScheduler(engine, grid, notify, scheduler.PrefetchConfig{
		Interval: cfg.PrefetchInterval(),
	}, logger)
	prefetch.Start()

	fmt.Println("\nAll services started successfully")

	// Wait for shutdown signal
	<-ctx.Done()
	fmt.Println("\nShutting down gracefully...")

	prefetch.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "[API] Shutdown error: %v\n", err)
	}
	fmt.Println("[API] Server closed")

	// Detached syncs finish committing before the store closes.
	engine.Wait()
	fmt.Println("[SYNC] In-flight syncs finished")
	fmt.Println("Shutdown complete")
}

func openStore(ctx context.Context, cfg *config.Config, series models.Series, grid *timegrid.Grid,
	logger *slog.Logger) (repository.CacheStore, func(), error) {
	switch cfg.CacheBackend {
	case config.BackendMemory:
		fmt.Println("[CACHE] Using in-memory store")
		return repository.NewMemoryPriceRepo(grid), func() {}, nil

	case config.BackendRedis:
		fmt.Printf("\n[REDIS] Connecting to %s ...\n", cfg.RedisAddr)
		rdb, err := repository.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		closeFn := func() {
			rdb.Close()
			fmt.Println("[REDIS] Connection closed")
		}
		return repository.NewRedisPriceRepo(rdb, series, grid), closeFn, nil

	default:
		fmt.Printf("\n[DB] Connecting to %s:%d/%s ...\n", cfg.DBHost, cfg.DBPort, cfg.DBName)
		pool, err := db.Open(ctx, cfg.DSN(), db.PoolOptions{MaxConns: int32(cfg.DBMaxConns)})
		if err != nil {
			return nil, nil, fmt.Errorf("connection failed: %w", err)
		}
		closeFn := func() {
			pool.Close()
			fmt.Println("[DB] Connection pool closed")
		}
		return repository.NewPriceRepo(pool, series, grid, logger), closeFn, nil
	}
}
