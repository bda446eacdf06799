package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tiered-scraper/internal/crawler"
)

func TestFetcherBuildCollector(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "coverage-agent", Timeout: time.Second, MaxBodyBytes: 1024})
	req := crawler.FetchRequest{URL: "https://example.com"}

	collector, err := f.buildCollector(req, time.Unix(0, 0), &crawler.FetchResponse{}, new(error))
	require.NoError(t, err)
	require.Equal(t, "coverage-agent", collector.UserAgent)
	require.True(t, collector.IgnoreRobotsTxt)
	require.Equal(t, 1024, collector.MaxBodySize)

	req.UserAgent = "per-request"
	collector, err = f.buildCollector(req, time.Unix(0, 0), &crawler.FetchResponse{}, new(error))
	require.NoError(t, err)
	require.Equal(t, "per-request", collector.UserAgent)

	req.Mobile = true
	collector, err = f.buildCollector(req, time.Unix(0, 0), &crawler.FetchResponse{}, new(error))
	require.NoError(t, err)
	require.Equal(t, "per-request", collector.UserAgent)

	req.UserAgent = ""
	collector, err = f.buildCollector(req, time.Unix(0, 0), &crawler.FetchResponse{}, new(error))
	require.NoError(t, err)
	require.Equal(t, crawler.MobileUserAgent, collector.UserAgent)
}

func TestTransportForCachesPerProxy(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	direct, err := f.transportFor("")
	require.NoError(t, err)
	again, err := f.transportFor("")
	require.NoError(t, err)
	require.Same(t, direct, again)

	proxied, err := f.transportFor("http://proxy.local:8080")
	require.NoError(t, err)
	require.NotSame(t, direct, proxied)

	_, err = f.transportFor("http://[::1")
	require.Error(t, err)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	req := crawler.FetchRequest{
		URL:     "https://example.com",
		Headers: http.Header{"X-Trace": {"yes"}},
	}
	var result crawler.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	configureCollectorHooks(hooks, req, time.Unix(0, 0), &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	require.Equal(t, http.StatusCreated, result.StatusCode)
	require.Equal(t, "body", string(result.Body))
	require.Equal(t, "ok", result.Headers.Get("X-Resp"))

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func TestFetchAgainstServer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><title>" + r.UserAgent() + "</title></html>"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{UserAgent: "scraper-test"})
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/page"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(resp.Body), "scraper-test")
	require.Equal(t, srv.URL+"/page", resp.URL)

	resp, err = f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/m", Mobile: true})
	require.NoError(t, err)
	require.Contains(t, string(resp.Body), "iPhone")
}

func TestFetchReturnsBlockedStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("Access Denied"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{})
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "Access Denied", string(resp.Body))
}

func TestFetchCanceledContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(Config{}).Fetch(ctx, crawler.FetchRequest{URL: srv.URL})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIsTransientTLSError(t *testing.T) {
	t.Parallel()

	require.False(t, isTransientTLSError(nil))
	require.True(t, isTransientTLSError(errors.New("net/http: TLS handshake timeout")))
	require.False(t, isTransientTLSError(errors.New("connection refused")))
}

func TestRetryTransportRetriesTLSTimeout(t *testing.T) {
	t.Parallel()

	calls := 0
	rt := &retryTransport{base: roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("net/http: TLS handshake timeout")
		}
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
	})}
	req, err := http.NewRequest(http.MethodGet, "https://example.com", nil)
	require.NoError(t, err)
	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 2, calls)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback)   { s.onRequest = cb }
func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }
func (s *stubHooks) OnError(cb colly.ErrorCallback)       { s.onError = cb }

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}
