package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/ai"
	mw "github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/api/middleware"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/analysis"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/cache"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/config"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/dispatch"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/jobs"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/persist"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/queue"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/store"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/pkg/models"
	"github.com/redis/go-redis/v9"
)

// components is everything run() wires together.
type components struct {
	proxy   *cache.Proxy
	cache   cache.Cache
	counter cache.Counter
	keys    *mw.StoreKeys
	repo    *jobs.Repository
	runner  *dispatch.Runner
	stream  *queue.RedisStream

	closers []func()
}

func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *components, err error) {
	c := &components{}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	db, err := openStore(ctx, cfg, c)
	if err != nil {
		return nil, err
	}

	if err := openCache(ctx, cfg, c); err != nil {
		return nil, err
	}

	c.proxy = cache.NewProxy(db, c.cache,
		cache.WithScope(cfg.Store.TenantID+"/"+cfg.Store.Namespace),
		cache.WithQueryTTL(cfg.Cache.QueryTTL),
		cache.WithMetadataTTL(cfg.Cache.MetadataTTL),
		cache.WithNeverCache(cfg.Cache.NeverTables...),
		cache.WithLogger(logger),
	)
	c.keys = mw.NewStoreKeys(c.proxy)
	c.repo = jobs.NewRepository(c.proxy)

	llm, err := ai.NewProvider(ctx, cfg.AI, logger)
	if err != nil {
		return nil, fmt.Errorf("create AI provider: %w", err)
	}
	slog.Info("AI provider initialized", "provider", llm.Name())

	sources := []analysis.PromptSource{analysis.NewTablePrompts(c.proxy)}
	if cfg.AI.PromptsDir != "" {
		sources = append(sources, analysis.NewFSPrompts(os.DirFS(cfg.AI.PromptsDir)))
	}
	sources = append(sources, analysis.NewFSPrompts(nil))
	prompts := analysis.NewPrompts(logger, sources...)

	categoryModels := make(map[models.Category]string, len(cfg.AI.CategoryModels))
	for name, model := range cfg.AI.CategoryModels {
		categoryModels[models.ParseCategory(name)] = model
	}
	extractor, err := analysis.NewExtractor(llm, prompts, cfg.AI.ExtractMaxTokens, logger,
		analysis.WithCategoryModels(categoryModels))
	if err != nil {
		return nil, fmt.Errorf("create extractor: %w", err)
	}
	executor := analysis.NewExecutor(
		analysis.NewClassifier(llm, cfg.AI.ClassifyMaxTokens, logger, analysis.WithClassifierModel(cfg.AI.ClassifierModel)),
		extractor,
		analysis.WithUsageStore(c.proxy),
		analysis.WithCostPer1KTokens(cfg.AI.CostPer1KTokens),
		analysis.WithExecutorLogger(logger),
	)
	c.runner = dispatch.NewRunner(c.repo, executor, persist.NewPersister(c.proxy, logger), logger)

	if cfg.Dispatch.Mode == "queue" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis URL: %w", err)
		}
		client := redis.NewClient(opts)
		c.closers = append(c.closers, func() { client.Close() })
		c.stream = queue.NewRedisStream(client, cfg.Redis.Stream, cfg.Redis.Group,
			queue.WithClaimIdle(cfg.Dispatch.ClaimIdle),
			queue.WithErrorDelay(cfg.Dispatch.ErrorDelay),
			queue.WithLogger(logger),
		)
		if err := c.stream.EnsureGroup(ctx); err != nil {
			return nil, err
		}
		slog.Info("queue ready", "stream", cfg.Redis.Stream, "group", cfg.Redis.Group)
	}

	return c, nil
}

func openStore(ctx context.Context, cfg *config.Config, c *components) (store.Binding, error) {
	switch cfg.Store.Backend {
	case "postgres":
		pool, err := store.Connect(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		c.closers = append(c.closers, pool.Close)
		slog.Info("database connected")

		if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database migrations applied")
		return store.NewPostgresBinding(pool), nil

	case "memory":
		slog.Warn("using in-memory store; data is lost on restart")
		return store.NewMemoryBinding(), nil

	default:
		db := store.NewRemoteBinding(cfg.Store.URL, cfg.Store.APIKey, cfg.Store.TenantID, cfg.Store.Namespace, cfg.Store.Timeout)
		if err := db.Ping(ctx); err != nil {
			// The dispatcher retries on its own; the API reports it on /health.
			slog.Warn("data service unreachable at startup", "url", cfg.Store.URL, "error", err)
		}
		return db, nil
	}
}

func openCache(ctx context.Context, cfg *config.Config, c *components) error {
	switch cfg.Cache.Backend {
	case "redis":
		rc, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		c.closers = append(c.closers, func() { rc.Close() })
		if err := rc.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		slog.Info("redis connected")
		c.cache, c.counter = rc, rc

	case "off":
		counters, err := cache.NewMemoryCache(cfg.Cache.MaxEntries)
		if err != nil {
			return fmt.Errorf("create rate limit counters: %w", err)
		}
		c.cache, c.counter = cache.Noop{}, counters

	default:
		mc, err := cache.NewMemoryCache(cfg.Cache.MaxEntries)
		if err != nil {
			return fmt.Errorf("create memory cache: %w", err)
		}
		c.cache, c.counter = mc, mc
	}
	return nil
}
