package dedup

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func TestNewRedisGuard_BadURL(t *testing.T) {
	_, err := NewRedisGuard(context.Background(), "not a url", time.Minute, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse Redis URL")
}

func TestKey(t *testing.T) {
	assert.Equal(t, "companion:update:12345", key(12345))
}

func TestNewRedisGuard_DefaultTTL(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	g := newRedisGuard(client, 0, testLogger())
	assert.Equal(t, 24*time.Hour, g.ttl)
}

// Runs against a real server when COMPANION_TEST_REDIS_URL is set.
func TestRedisGuard_FirstSeen(t *testing.T) {
	url := os.Getenv("COMPANION_TEST_REDIS_URL")
	if url == "" {
		t.Skip("COMPANION_TEST_REDIS_URL not set")
	}
	ctx := context.Background()

	g, err := NewRedisGuard(ctx, url, time.Minute, testLogger())
	require.NoError(t, err)
	defer g.Close()

	id := time.Now().UnixNano()
	t.Cleanup(func() { g.client.Del(context.Background(), key(id)) })

	first, err := g.FirstSeen(ctx, id)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := g.FirstSeen(ctx, id)
	require.NoError(t, err)
	assert.False(t, again)

	ttl, err := g.client.TTL(ctx, key(id)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, g.Release(ctx, id))
	retry, err := g.FirstSeen(ctx, id)
	require.NoError(t, err)
	assert.True(t, retry, "released id is claimable again")
}

func TestRedisGuard_ReleaseUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	defer client.Close()

	g := newRedisGuard(client, time.Minute, testLogger())
	err := g.Release(context.Background(), 7)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to release update 7")
}
