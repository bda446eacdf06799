package proxy

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/tiered-scraper/internal/clock/manual"
	"github.com/JakeFAU/tiered-scraper/internal/crawler"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestTracker(t *testing.T, endpoints ...string) (*Tracker, *manual.Clock) {
	t.Helper()
	clk := manual.New(epoch)
	tr := NewTracker(endpoints, Options{
		FailureThreshold: 3,
		Cooldown:         5 * time.Minute,
		Clock:            clk,
		Intn:             func(int) int { return 0 },
	}, zap.NewNop())
	return tr, clk
}

func TestCooldownAfterThreeConsecutiveFailures(t *testing.T) {
	t.Parallel()

	tr, clk := newTestTracker(t, "http://a:1", "http://b:1")
	for i := 0; i < 3; i++ {
		tr.ReportFailure("http://a:1")
	}

	for i := 0; i < 20; i++ {
		got, ok := tr.Next()
		require.True(t, ok)
		require.Equal(t, "http://b:1", got)
	}
	recs := tr.List()
	require.False(t, recs[0].Active)
	require.Equal(t, 0, recs[0].Failures, "counter resets when the cooldown starts")

	clk.Advance(5*time.Minute + time.Nanosecond)
	got, ok := tr.Next()
	require.True(t, ok)
	require.Equal(t, "http://a:1", got)
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker(t, "http://a:1")
	tr.ReportFailure("http://a:1")
	tr.ReportFailure("http://a:1")
	tr.ReportSuccess("http://a:1")
	require.Equal(t, 0, tr.List()[0].Failures)

	tr.ReportFailure("http://a:1")
	tr.ReportFailure("http://a:1")
	require.True(t, tr.List()[0].Active, "two failures after a success must not cool down")
}

func TestNextFallsBackToSoonestRecovery(t *testing.T) {
	t.Parallel()

	tr, clk := newTestTracker(t, "http://a:1", "http://b:1")
	for i := 0; i < 3; i++ {
		tr.ReportFailure("http://a:1")
	}
	clk.Advance(time.Minute)
	for i := 0; i < 3; i++ {
		tr.ReportFailure("http://b:1")
	}

	got, ok := tr.Next()
	require.True(t, ok)
	require.Equal(t, "http://a:1", got)
}

func TestNextPrefersProxiesNotYetUsed(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker(t, "http://a:1", "http://b:1", "http://c:1")
	got, ok := tr.Next("http://a:1", "http://b:1")
	require.True(t, ok)
	require.Equal(t, "http://c:1", got)

	got, ok = tr.Next("http://a:1", "http://b:1", "http://c:1")
	require.True(t, ok)
	require.Equal(t, "http://a:1", got, "all used: any active proxy is acceptable")
}

func TestNextOnEmptyPool(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker(t)
	_, ok := tr.Next()
	require.False(t, ok)
}

func TestSelectionIsRandomized(t *testing.T) {
	t.Parallel()

	tr := NewTracker([]string{"http://a:1", "http://b:1", "http://c:1"}, Options{}, zap.NewNop())
	seen := map[string]bool{}
	for i := 0; i < 300; i++ {
		got, _ := tr.Next()
		seen[got] = true
	}
	require.Len(t, seen, 3)
}

func TestAddRemove(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker(t, "http://a:1", "not a url", "ftp://x:21")
	require.Len(t, tr.List(), 1)

	require.NoError(t, tr.Add("socks5://user:pw@b:1080"))
	require.ErrorIs(t, tr.Add("http://a:1"), crawler.ErrProxyExists)
	require.ErrorIs(t, tr.Add("::"), crawler.ErrInvalidEndpoint)
	require.True(t, tr.Remove("http://a:1"))
	require.False(t, tr.Remove("http://a:1"))
	require.Equal(t, "socks5://user:pw@b:1080", tr.List()[0].Endpoint)
}

func TestConcurrentReports(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker(t, "http://a:1", "http://b:1")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, _ := tr.Next()
			if p == "http://a:1" {
				tr.ReportSuccess(p)
				return
			}
			tr.ReportFailure(p)
		}()
	}
	wg.Wait()
	require.Len(t, tr.List(), 2)
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "proxies.txt")
	require.NoError(t, os.WriteFile(path, []byte("# pool\nhttp://a:1\n\n  http://b:1  \n"), 0o600))
	got, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, []string{"http://a:1", "http://b:1"}, got)

	_, err = LoadFile(filepath.Join(t.TempDir(), "none.txt"))
	require.Error(t, err)
}
