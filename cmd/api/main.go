package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/planpilot-ai/planpilot/internal/admin"
	"github.com/planpilot-ai/planpilot/internal/api"
	"github.com/planpilot-ai/planpilot/internal/assembler"
	"github.com/planpilot-ai/planpilot/internal/chat"
	"github.com/planpilot-ai/planpilot/internal/config"
	"github.com/planpilot-ai/planpilot/internal/database"
	"github.com/planpilot-ai/planpilot/internal/embedding"
	"github.com/planpilot-ai/planpilot/internal/entity"
	"github.com/planpilot-ai/planpilot/internal/index"
	"github.com/planpilot-ai/planpilot/internal/indexer"
	"github.com/planpilot-ai/planpilot/internal/llm"
	"github.com/planpilot-ai/planpilot/internal/metrics"
	mw "github.com/planpilot-ai/planpilot/internal/middleware"
	inats "github.com/planpilot-ai/planpilot/internal/nats"
	"github.com/planpilot-ai/planpilot/internal/planfix"
	"github.com/planpilot-ai/planpilot/internal/query"
	iredis "github.com/planpilot-ai/planpilot/internal/redis"
	"github.com/planpilot-ai/planpilot/internal/server"
	"github.com/planpilot-ai/planpilot/internal/sync"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// PostgreSQL
	pool, err := database.NewPostgresPool(ctx, cfg.DB)
	if err != nil {
		slog.Error("connecting to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := database.RunMigrations(cfg.DB.DSN(), cfg.DB.MigrationsPath); err != nil {
		slog.Error("running migrations", "error", err)
		os.Exit(1)
	}

	// Redis
	redisClient, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		slog.Error("connecting to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// NATS JetStream
	natsClient, err := inats.NewClient(ctx, cfg.NATS)
	if err != nil {
		slog.Error("connecting to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()
	publisher := inats.NewPublisher(natsClient.JetStream())

	// Storage and clients
	store := entity.NewStore(pool)
	records := index.NewRecordStore(pool)
	embedder := embedding.NewClient(cfg.Embedding)
	gateway := llm.New(llm.Config{
		BaseURL:    cfg.LLM.BaseURL,
		APIKey:     cfg.LLM.APIKey,
		Model:      cfg.LLM.Model,
		MaxTokens:  cfg.LLM.MaxTokens,
		MaxRetries: cfg.LLM.MaxRetries,
		Timeout:    cfg.LLM.Timeout,
	})

	// Serving index: disk snapshot first, durable records second.
	ix := index.New(cfg.Embedding.Model)
	indexReady := false
	if err := index.Warm(ctx, ix, records, cfg.Index.Path); err != nil {
		slog.Error("warming index, serving empty until next sync", "error", err)
	} else {
		indexReady = true
	}
	metrics.IndexRecords.Set(float64(ix.Len()))

	idx := indexer.New(embedder, ix, records, store, cfg.Embedding.BatchSize, cfg.Embedding.Workers)

	// Sync pipeline
	source := planfix.NewClient(cfg.Planfix)
	runs := sync.NewRunRepository(pool)
	engine := sync.NewEngine(source, store, runs, cfg.Planfix.PageSize)

	consumers := inats.NewConsumerManager(natsClient.JetStream())
	consumer, err := consumers.EnsureConsumer(ctx, inats.StreamSync, "sync-worker",
		inats.SubjectSyncJobs, cfg.Sync.JobTimeout+time.Minute)
	if err != nil {
		slog.Error("creating sync consumer", "error", err)
		os.Exit(1)
	}

	applyChanges := func(ctx context.Context, cs *entity.ChangeSet) error {
		if _, err := idx.Apply(ctx, cs); err != nil {
			return err
		}
		if err := ix.SaveSnapshot(cfg.Index.Path); err != nil {
			slog.Warn("saving index snapshot", "error", err)
		}
		return nil
	}
	worker := sync.NewWorker(engine, applyChanges, publisher, consumer, cfg.Sync.JobTimeout)
	go worker.Start(ctx)

	scheduler := sync.NewScheduler(publisher, cfg.Sync.Interval)
	go scheduler.Start(ctx)

	// Query pipeline
	asm := assembler.New(cfg.Query.ContextBudget, cfg.Query.MaxPerKind)
	cache := query.NewCache(redisClient, cfg.Query.CacheTTL)
	history := chat.NewHistory(redisClient, cfg.Query.HistoryTurns, cfg.Query.HistoryTTL)
	orch := query.New(embedder, ix, store, asm, gateway, cache, history, cfg.Query.TopK)
	queryHandler := query.NewHandler(orch, cfg.Query.Timeout)

	adminHandler := admin.NewHandler(runs, publisher, idx, ix, records, store, cfg.Index.Path)

	// Router
	rateLimiter := mw.NewRateLimiter(redisClient, cfg.RateLimit.MaxReqs, cfg.RateLimit.WindowSec)
	router := api.NewRouter(pool, natsClient, api.RouterConfig{
		CORSAllowedOrigins: cfg.CORS.AllowedOrigins,
		QueryRateLimiter:   rateLimiter.Middleware,
	}, api.HandlerSet{
		Query: queryHandler.Query,

		TriggerSync:  adminHandler.TriggerSync,
		SyncStatus:   adminHandler.SyncStatus,
		IndexStatus:  adminHandler.IndexStatus,
		RebuildIndex: adminHandler.RebuildIndex,

		RedisHealthy: func() bool { return redisClient.Ping(context.Background()).Err() == nil },
		IndexReady:   func() bool { return indexReady },
	})

	// Start server
	srv := server.New(cfg.Server, router)
	if err := srv.Start(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
