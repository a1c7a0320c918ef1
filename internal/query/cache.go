package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedAnswer is one stored query result.
type CachedAnswer struct {
	Answer    string     `json:"answer"`
	Citations []Citation `json:"citations"`
	CreatedAt time.Time  `json:"created_at"`
}

// Cache stores answers in Redis keyed by result fingerprint. The
// fingerprint covers the normalized question and the content hashes of
// every cited entity, so any change to the underlying data changes the
// key and the stale entry is simply never read again.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache creates an answer cache with the given TTL.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func answerKey(fingerprint string) string {
	return "query:answer:" + fingerprint
}

// Get returns the cached answer for the fingerprint, or nil on a miss.
func (c *Cache) Get(ctx context.Context, fingerprint string) (*CachedAnswer, error) {
	data, err := c.client.Get(ctx, answerKey(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cached answer: %w", err)
	}

	var cached CachedAnswer
	if err := json.Unmarshal(data, &cached); err != nil {
		// A malformed entry is treated as a miss and overwritten.
		return nil, nil
	}
	return &cached, nil
}

// Set stores the answer under the fingerprint.
func (c *Cache) Set(ctx context.Context, fingerprint string, answer *CachedAnswer) error {
	data, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("marshaling cached answer: %w", err)
	}
	if err := c.client.Set(ctx, answerKey(fingerprint), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("writing cached answer: %w", err)
	}
	return nil
}
