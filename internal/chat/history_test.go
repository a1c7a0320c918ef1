package chat

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHistory(t *testing.T, maxTurns int, ttl time.Duration) (*History, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewHistory(client, maxTurns, ttl), mr
}

func TestHistory_AppendAndRecent(t *testing.T) {
	h, _ := setupHistory(t, 20, time.Hour)
	ctx := context.Background()
	session := uuid.New()

	require.NoError(t, h.Append(ctx, session, Turn{
		Role: "user", Content: "what is blocking the release?", Timestamp: time.Now(),
	}))
	require.NoError(t, h.Append(ctx, session, Turn{
		Role: "assistant", Content: "two open tasks", Timestamp: time.Now(),
	}))

	turns, err := h.Recent(ctx, session)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, "what is blocking the release?", turns[0].Content)
	assert.Equal(t, "assistant", turns[1].Role)
}

func TestHistory_TrimsToCap(t *testing.T) {
	h, _ := setupHistory(t, 3, time.Hour)
	ctx := context.Background()
	session := uuid.New()

	for i := 0; i < 5; i++ {
		require.NoError(t, h.Append(ctx, session, Turn{
			Role: "user", Content: string(rune('A' + i)),
		}))
	}

	turns, err := h.Recent(ctx, session)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "C", turns[0].Content)
	assert.Equal(t, "E", turns[2].Content)
}

func TestHistory_ExpiresAfterTTL(t *testing.T) {
	h, mr := setupHistory(t, 20, time.Minute)
	ctx := context.Background()
	session := uuid.New()

	require.NoError(t, h.Append(ctx, session, Turn{Role: "user", Content: "hello"}))

	mr.FastForward(61 * time.Second)

	turns, err := h.Recent(ctx, session)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestHistory_Clear(t *testing.T) {
	h, _ := setupHistory(t, 20, time.Hour)
	ctx := context.Background()
	session := uuid.New()

	require.NoError(t, h.Append(ctx, session, Turn{Role: "user", Content: "hello"}))
	require.NoError(t, h.Clear(ctx, session))

	turns, err := h.Recent(ctx, session)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestHistory_SessionsIsolated(t *testing.T) {
	h, _ := setupHistory(t, 20, time.Hour)
	ctx := context.Background()
	s1, s2 := uuid.New(), uuid.New()

	require.NoError(t, h.Append(ctx, s1, Turn{Role: "user", Content: "first session"}))
	require.NoError(t, h.Append(ctx, s2, Turn{Role: "user", Content: "second session"}))

	turns, err := h.Recent(ctx, s1)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "first session", turns[0].Content)
}
