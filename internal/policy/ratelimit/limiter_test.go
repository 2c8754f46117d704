package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlfleet/internal/metrics"
)

func TestLimiterThrottlesOneHost(t *testing.T) {
	t.Parallel()
	metrics.Init()

	// 10 RPS = 1 token every 100ms, starting with a single token.
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://shop.example/a"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://SHOP.example/b"))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.Equal(t, 1, l.Hosts())
}

func TestLimiterSeparatesHosts(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.example/1"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.example/1"))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "host b blocked by a")
	assert.Equal(t, 2, l.Hosts())
}

func TestLimiterHonoursContext(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.001, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.example"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "https://slow.example")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slow.example")
}

func TestLimiterDisabled(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	start := time.Now()
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Wait(context.Background(), "not a url"))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 1, l.Hosts())
}

func TestLimiterPrunesIdleHosts(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	l := New(Config{DefaultRPS: 100, DefaultBurst: 5, IdleTTL: time.Minute})
	l.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.example"))
	require.NoError(t, l.Wait(ctx, "https://b.example"))
	require.Equal(t, 2, l.Hosts())

	now = now.Add(30 * time.Second)
	require.NoError(t, l.Wait(ctx, "https://b.example"))

	now = now.Add(45 * time.Second)
	require.NoError(t, l.Wait(ctx, "https://c.example"))
	assert.Equal(t, 2, l.Hosts(), "a idle for 75s is dropped, b used 45s ago is kept")
}
