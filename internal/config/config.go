package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig
	DB        DBConfig
	Redis     RedisConfig
	NATS      NATSConfig
	Planfix   PlanfixConfig
	Embedding EmbeddingConfig
	LLM       LLMConfig
	Index     IndexConfig
	Query     QueryConfig
	Sync      SyncConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type DBConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Name           string
	SSLMode        string
	MaxConns       int32
	MigrationsPath string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type NATSConfig struct {
	URL string
}

// PlanfixConfig configures the outbound project-management API client.
type PlanfixConfig struct {
	BaseURL     string
	APIKey      string
	Account     string
	PageSize    int
	PageTimeout time.Duration
}

// EmbeddingConfig configures the embedding provider adapter.
type EmbeddingConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	BatchSize int
	Workers   int
	RPS       float64
	Timeout   time.Duration
}

// LLMConfig configures the chat-completion provider adapter.
type LLMConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	MaxTokens  int
	MaxRetries int
	Timeout    time.Duration
}

// IndexConfig configures the embedding index snapshot file.
type IndexConfig struct {
	Path string
}

// QueryConfig bounds the interactive query pipeline.
type QueryConfig struct {
	TopK          int
	ContextBudget int
	MaxPerKind    int
	CacheTTL      time.Duration
	Timeout       time.Duration
	HistoryTurns  int
	HistoryTTL    time.Duration
}

// SyncConfig schedules background synchronization.
type SyncConfig struct {
	Interval   time.Duration
	JobTimeout time.Duration
}

type RateLimitConfig struct {
	MaxReqs   int
	WindowSec int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: k.String("server.host"),
			Port: k.Int("server.port"),
		},
		DB: DBConfig{
			Host:           k.String("db.host"),
			Port:           k.Int("db.port"),
			User:           k.String("db.user"),
			Password:       k.String("db.password"),
			Name:           k.String("db.name"),
			SSLMode:        k.String("db.sslmode"),
			MaxConns:       int32(k.Int("db.max.conns")),
			MigrationsPath: k.String("db.migrations.path"),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			URL: k.String("nats.url"),
		},
		Planfix: PlanfixConfig{
			BaseURL:  k.String("planfix.base.url"),
			APIKey:   k.String("planfix.api.key"),
			Account:  k.String("planfix.account"),
			PageSize: k.Int("planfix.page.size"),
		},
		Embedding: EmbeddingConfig{
			BaseURL:   k.String("embedding.base.url"),
			APIKey:    k.String("embedding.api.key"),
			Model:     k.String("embedding.model"),
			BatchSize: k.Int("embedding.batch.size"),
			Workers:   k.Int("embedding.workers"),
			RPS:       k.Float64("embedding.rps"),
		},
		LLM: LLMConfig{
			BaseURL:    k.String("llm.base.url"),
			APIKey:     k.String("llm.api.key"),
			Model:      k.String("llm.model"),
			MaxTokens:  k.Int("llm.max.tokens"),
			MaxRetries: k.Int("llm.max.retries"),
		},
		Index: IndexConfig{
			Path: k.String("index.path"),
		},
		Query: QueryConfig{
			TopK:          k.Int("query.top.k"),
			ContextBudget: k.Int("query.context.budget"),
			MaxPerKind:    k.Int("query.max.per.kind"),
			HistoryTurns:  k.Int("query.history.turns"),
		},
		RateLimit: RateLimitConfig{
			MaxReqs:   k.Int("ratelimit.max.reqs"),
			WindowSec: k.Int("ratelimit.window.sec"),
		},
		CORS: CORSConfig{
			AllowedOrigins: k.Strings("cors.allowed.origins"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "planpilot"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "planpilot"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.DB.MigrationsPath == "" {
		cfg.DB.MigrationsPath = "migrations"
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.Planfix.BaseURL == "" {
		cfg.Planfix.BaseURL = "https://api.planfix.example.com/v1"
	}
	if cfg.Planfix.PageSize == 0 {
		cfg.Planfix.PageSize = 100
	}
	if cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = "http://localhost:11434/v1"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "nomic-embed-text"
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 32
	}
	if cfg.Embedding.Workers == 0 {
		cfg.Embedding.Workers = 4
	}
	if cfg.Embedding.RPS == 0 {
		cfg.Embedding.RPS = 10
	}
	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = "https://api.anthropic.com"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "claude-3-5-sonnet-latest"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4000
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 3
	}
	if cfg.Index.Path == "" {
		cfg.Index.Path = "data/index.snapshot"
	}
	if cfg.Query.TopK == 0 {
		cfg.Query.TopK = 8
	}
	if cfg.Query.ContextBudget == 0 {
		cfg.Query.ContextBudget = 8000
	}
	if cfg.Query.MaxPerKind == 0 {
		cfg.Query.MaxPerKind = 4
	}
	if cfg.Query.HistoryTurns == 0 {
		cfg.Query.HistoryTurns = 10
	}
	if cfg.RateLimit.MaxReqs == 0 {
		cfg.RateLimit.MaxReqs = 30
	}
	if cfg.RateLimit.WindowSec == 0 {
		cfg.RateLimit.WindowSec = 60
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	// Parse durations
	durations := []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"planfix.page.timeout", "30s", &cfg.Planfix.PageTimeout},
		{"embedding.timeout", "60s", &cfg.Embedding.Timeout},
		{"llm.timeout", "90s", &cfg.LLM.Timeout},
		{"query.cache.ttl", "10m", &cfg.Query.CacheTTL},
		{"query.timeout", "2m", &cfg.Query.Timeout},
		{"query.history.ttl", "24h", &cfg.Query.HistoryTTL},
		{"sync.interval", "15m", &cfg.Sync.Interval},
		{"sync.job.timeout", "30m", &cfg.Sync.JobTimeout},
	}
	for _, d := range durations {
		raw := k.String(d.key)
		if raw == "" {
			raw = d.fallback
		}
		*d.dst, err = time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", d.key, err)
		}
	}

	return cfg, nil
}
