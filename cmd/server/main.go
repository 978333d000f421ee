// Package main is the entrypoint for the analysis API server. Depending on
// DISPATCH_MODE it also runs the polling dispatcher or the queue consumer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/api"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/api/handler"
	mw "github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/api/middleware"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/config"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/dispatch"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/jobs"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	keyUser := flag.String("create-key", "", "create an API key for this user id, print it and exit")
	keyName := flag.String("key-name", "default", "label stored with a key made by -create-key")
	flag.Parse()

	if *keyUser != "" {
		if err := createKey(*keyUser, *keyName); err != nil {
			slog.Error("create key failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"ai_provider", cfg.AI.Provider,
		"store_backend", cfg.Store.Backend,
		"cache_backend", cfg.Cache.Backend,
		"dispatch_mode", cfg.Dispatch.Mode,
		"env", cfg.Server.Env,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := build(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer c.Close()

	var svcOpts []jobs.ServiceOption
	if c.stream != nil {
		svcOpts = append(svcOpts, jobs.WithPublisher(c.stream))
	}
	svc := jobs.NewService(c.repo, svcOpts...)

	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(c.keys),
		RateLimit: mw.NewRateLimit(c.counter, cfg.Server.RequestsPerMinute),

		HealthHandler:   handler.NewHealthHandler(c.proxy, c.cache, c.proxy),
		AnalyzeHandler:  handler.NewAnalyzeHandler(svc),
		StatusHandler:   handler.NewStatusHandler(svc),
		ListJobsHandler: handler.NewListJobsHandler(svc),
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Dispatchers stop with ctx. A job in hand is aborted and recorded as failed;
	// wg lets shutdown wait for that write.
	var wg sync.WaitGroup
	startDispatcher(ctx, &wg, cfg, c)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		stop()
		wg.Wait()
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	wg.Wait()

	slog.Info("server stopped gracefully")
	return nil
}

func startDispatcher(ctx context.Context, wg *sync.WaitGroup, cfg *config.Config, c *components) {
	switch cfg.Dispatch.Mode {
	case "poll":
		poller := dispatch.NewPoller(c.repo, c.runner, cfg.Dispatch,
			dispatch.WithTenant(cfg.Store.TenantID),
			dispatch.WithPollerLogger(slog.Default()),
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			poller.Run(ctx)
		}()
	case "queue":
		events := dispatch.NewEventHandler(c.repo, c.runner, cfg.Dispatch.JobTimeout,
			dispatch.WithEventTenant(cfg.Store.TenantID),
			dispatch.WithEventLogger(slog.Default()),
		)
		sweeper := dispatch.NewPoller(c.repo, c.runner, cfg.Dispatch,
			dispatch.WithTenant(cfg.Store.TenantID),
			dispatch.WithPollerLogger(slog.Default()),
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := c.stream.Run(ctx, events); err != nil {
				slog.Error("queue consumer failed", "error", err)
			}
		}()
		go func() {
			defer wg.Done()
			sweeper.RunRecovery(ctx)
		}()
	default:
		slog.Info("dispatcher disabled")
	}
}

// createKey issues a key for userID in the configured tenant. The raw key is
// printed once and never stored.
func createKey(userID, name string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	c := &components{}
	defer c.Close()
	db, err := openStore(ctx, cfg, c)
	if err != nil {
		return err
	}

	raw, key, err := mw.NewStoreKeys(db).Create(ctx, cfg.Store.TenantID, userID, name)
	if err != nil {
		return err
	}
	slog.Info("api key created", "id", key.ID, "prefix", key.KeyPrefix, "user_id", userID)
	fmt.Println(raw)
	return nil
}
