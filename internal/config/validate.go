package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	// External credentials
	if c.Planfix.APIKey == "" {
		errs = append(errs, "PLANFIX_API_KEY is required")
	}
	if c.Planfix.Account == "" {
		errs = append(errs, "PLANFIX_ACCOUNT is required")
	}
	if c.LLM.APIKey == "" {
		errs = append(errs, "LLM_API_KEY is required")
	}
	if c.Embedding.APIKey == "" {
		slog.Warn("EMBEDDING_API_KEY is empty — embedding requests are unauthenticated")
	}

	// URLs
	for _, u := range []struct{ name, value string }{
		{"PLANFIX_BASE_URL", c.Planfix.BaseURL},
		{"EMBEDDING_BASE_URL", c.Embedding.BaseURL},
		{"LLM_BASE_URL", c.LLM.BaseURL},
	} {
		if _, err := url.ParseRequestURI(u.value); err != nil {
			errs = append(errs, fmt.Sprintf("%s is not a valid URL: %q", u.name, u.value))
		}
	}

	// DB password
	if c.DB.Password == "" {
		errs = append(errs, "DB_PASSWORD is required")
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1–65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1–65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1–65535, got %d", c.Redis.Port))
	}

	// Pipeline bounds
	if c.Query.ContextBudget < 256 {
		errs = append(errs, fmt.Sprintf("QUERY_CONTEXT_BUDGET must be at least 256, got %d", c.Query.ContextBudget))
	}
	if c.Embedding.BatchSize < 1 {
		errs = append(errs, fmt.Sprintf("EMBEDDING_BATCH_SIZE must be positive, got %d", c.Embedding.BatchSize))
	}
	if c.Embedding.Workers < 1 {
		errs = append(errs, fmt.Sprintf("EMBEDDING_WORKERS must be positive, got %d", c.Embedding.Workers))
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
