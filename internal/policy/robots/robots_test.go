package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/tiered-scraper/internal/clock/manual"
)

func TestAllowedHonoursDisallow(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			hits.Add(1)
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	clk := manual.New(time.Now())
	c := New(Options{Client: srv.Client(), CacheTTL: time.Minute, Clock: clk}, zap.NewNop())
	ctx := context.Background()

	ok, err := c.Allowed(ctx, srv.URL+"/public/page", "scraperd")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.Allowed(ctx, srv.URL+"/private/data", "scraperd")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, int32(1), hits.Load(), "robots.txt is cached per host")

	clk.Advance(2 * time.Minute)
	_, err = c.Allowed(ctx, srv.URL+"/", "scraperd")
	require.NoError(t, err)
	require.Equal(t, int32(2), hits.Load(), "stale entries are refetched")
}

func TestAllowedStatusSemantics(t *testing.T) {
	t.Parallel()

	notFound := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(notFound.Close)
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(broken.Close)

	c := New(Options{}, zap.NewNop())
	ok, err := c.Allowed(context.Background(), notFound.URL+"/x", "scraperd")
	require.NoError(t, err)
	require.True(t, ok, "missing robots.txt allows all")

	ok, err = c.Allowed(context.Background(), broken.URL+"/x", "scraperd")
	require.NoError(t, err)
	require.False(t, ok, "server errors disallow all")
}

func TestAllowedFetchFailureAllows(t *testing.T) {
	t.Parallel()

	c := New(Options{Client: &http.Client{Timeout: 100 * time.Millisecond}}, zap.NewNop())
	ok, err := c.Allowed(context.Background(), "http://127.0.0.1:1/x", "scraperd")
	require.NoError(t, err)
	require.True(t, ok)

	var nilChecker *Checker
	ok, err = nilChecker.Allowed(context.Background(), "http://example.com", "ua")
	require.NoError(t, err)
	require.True(t, ok)
}
