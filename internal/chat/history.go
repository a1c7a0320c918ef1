// Package chat keeps per-session conversation history in Redis lists,
// so follow-up questions reach the language model with their preceding
// turns.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Turn is one question/answer exchange in a session.
type Turn struct {
	Role      string    `json:"role"` // user or assistant
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// History stores session turns in Redis.
type History struct {
	client   *redis.Client
	maxTurns int
	ttl      time.Duration
}

// NewHistory creates a history keeping at most maxTurns entries per
// session, expiring after ttl of inactivity.
func NewHistory(client *redis.Client, maxTurns int, ttl time.Duration) *History {
	return &History{client: client, maxTurns: maxTurns, ttl: ttl}
}

func sessionKey(sessionID uuid.UUID) string {
	return "chat:session:" + sessionID.String()
}

// Recent returns the session's stored turns, oldest first.
func (h *History) Recent(ctx context.Context, sessionID uuid.UUID) ([]Turn, error) {
	key := sessionKey(sessionID)
	vals, err := h.client.LRange(ctx, key, int64(-h.maxTurns), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}

	turns := make([]Turn, 0, len(vals))
	for _, v := range vals {
		var turn Turn
		if err := json.Unmarshal([]byte(v), &turn); err != nil {
			continue // skip malformed entries
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// Append records one turn and trims the session to its cap. The TTL is
// refreshed on every append so active sessions survive and idle ones
// age out.
func (h *History) Append(ctx context.Context, sessionID uuid.UUID, turn Turn) error {
	key := sessionKey(sessionID)

	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshaling turn: %w", err)
	}

	pipe := h.client.Pipeline()
	pipe.RPush(ctx, key, string(data))
	pipe.LTrim(ctx, key, int64(-h.maxTurns), -1)
	pipe.Expire(ctx, key, h.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipeline exec for %s: %w", key, err)
	}
	return nil
}

// Clear deletes the session's history.
func (h *History) Clear(ctx context.Context, sessionID uuid.UUID) error {
	return h.client.Del(ctx, sessionKey(sessionID)).Err()
}
