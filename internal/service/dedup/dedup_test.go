package dedup

import (
	"context"
	"os"
	"testing"
	"time"

	"FunnelBot/internal/config"
	"FunnelBot/internal/lib/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_ClaimWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemory(time.Minute)
	m.now = func() time.Time { return now }

	ok, err := m.Claim(ctx, "t:b:1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = m.Claim(ctx, "t:b:1")
	assert.False(t, ok, "second claim inside the window")

	ok, _ = m.Claim(ctx, "t:b:2")
	assert.True(t, ok, "other key")

	now = now.Add(2 * time.Minute)
	ok, _ = m.Claim(ctx, "t:b:1")
	assert.True(t, ok, "window elapsed")
}

func TestMemory_ReleaseAndSweep(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemory(time.Minute)
	m.now = func() time.Time { return now }

	_, _ = m.Claim(ctx, "a")
	require.NoError(t, m.Release(ctx, "a"))
	ok, _ := m.Claim(ctx, "a")
	assert.True(t, ok)

	_, _ = m.Claim(ctx, "b")
	now = now.Add(time.Hour)
	assert.Equal(t, 2, m.Sweep())
}

func TestRedis_Claim(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	conf := &config.Config{}
	conf.Redis.Addr = addr
	conf.Redis.Prefix = "test:" + uuid.NewString() + ":"

	r, err := NewRedis(conf, time.Minute, logger.SetupLogger("local", ""))
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	ok, err := r.Claim(ctx, "t:b:1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Claim(ctx, "t:b:1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Release(ctx, "t:b:1"))
	ok, err = r.Claim(ctx, "t:b:1")
	require.NoError(t, err)
	assert.True(t, ok)
}
