package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/solemn/internal/kvstore"
)

func TestLimiterFixedWindow(t *testing.T) {
	now := time.Unix(1700000000, 0).Truncate(time.Hour).Add(10 * time.Minute)
	clock := func() time.Time { return now }
	store := kvstore.NewMemoryStore(0, 0, kvstore.WithClock(clock))
	l := New(store, "form", 3, time.Hour).WithClock(clock)
	ctx := context.Background()

	for want := 2; want >= 0; want-- {
		d, err := l.Allow(ctx, "1.2.3.4")
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.Equal(t, want, d.Remaining)
	}
	d, err := l.Allow(ctx, "1.2.3.4")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, 50*time.Minute, d.RetryAfter)

	other, err := l.Allow(ctx, "5.6.7.8")
	require.NoError(t, err)
	require.True(t, other.Allowed)

	now = now.Add(51 * time.Minute)
	d, err = l.Allow(ctx, "1.2.3.4")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestLimiterDisabled(t *testing.T) {
	l := New(nil, "x", 0, time.Minute)
	d, err := l.Allow(context.Background(), "a")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}
