package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tiered-scraper/internal/clock/manual"
	"github.com/JakeFAU/tiered-scraper/internal/crawler"
)

func TestCacheExpiry(t *testing.T) {
	t.Parallel()

	clk := manual.New(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	c := New(clk)
	ctx := context.Background()

	_, err := c.Get(ctx, "https://example.com/")
	require.ErrorIs(t, err, crawler.ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "https://example.com/", crawler.Result{Title: "Example"}, time.Hour))
	got, err := c.Get(ctx, "https://example.com/")
	require.NoError(t, err)
	require.Equal(t, "Example", got.Title)

	clk.Advance(time.Hour)
	_, err = c.Get(ctx, "https://example.com/")
	require.ErrorIs(t, err, crawler.ErrCacheMiss)
	require.Zero(t, c.Len())
}

func TestCacheSweep(t *testing.T) {
	t.Parallel()

	clk := manual.New(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	c := New(clk)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "a", crawler.Result{}, time.Minute))
	require.NoError(t, c.Set(ctx, "b", crawler.Result{}, time.Hour))
	require.NoError(t, c.Set(ctx, "c", crawler.Result{}, 0))

	clk.Advance(2 * time.Minute)
	require.Equal(t, 1, c.Sweep())
	require.Equal(t, 2, c.Len())
}
