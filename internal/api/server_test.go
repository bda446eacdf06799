package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/tiered-scraper/internal/clock/manual"
	"github.com/JakeFAU/tiered-scraper/internal/crawler"
	"github.com/JakeFAU/tiered-scraper/internal/hash/sha256"
	"github.com/JakeFAU/tiered-scraper/internal/id/uuid"
	"github.com/JakeFAU/tiered-scraper/internal/proxy"
	memorypub "github.com/JakeFAU/tiered-scraper/internal/publisher/memory"
	"github.com/JakeFAU/tiered-scraper/internal/queue"
	memqueue "github.com/JakeFAU/tiered-scraper/internal/queue/memory"
	memstore "github.com/JakeFAU/tiered-scraper/internal/storage/memory"
)

type denyPrivate struct{}

func (denyPrivate) Check(_ context.Context, rawURL string) error {
	if strings.Contains(rawURL, "127.0.0.1") {
		return crawler.ErrUnsafeURL
	}
	return nil
}

type testEnv struct {
	server  *Server
	mgr     *queue.Manager
	proxies *proxy.Tracker
	pub     *memorypub.Publisher
}

func newTestEnv(t *testing.T, opts Options) testEnv {
	t.Helper()
	mgr, err := queue.New(queue.Deps{
		Store:  memstore.NewJobStore(),
		Ready:  memqueue.NewQueue(32),
		Hasher: sha256.New(),
		IDs:    uuid.New(),
		Clock:  manual.New(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		Safety: denyPrivate{},
	}, queue.DefaultOptions())
	require.NoError(t, err)
	env := testEnv{
		mgr:     mgr,
		proxies: proxy.NewTracker(nil, proxy.Options{}, nil),
		pub:     memorypub.New(),
	}
	env.server = NewServer(mgr, env.proxies, env.pub, opts, zap.NewNop())
	return env
}

func (e testEnv) do(t *testing.T, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	rec := env.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReadyzReportsDependencyFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{Ready: func(context.Context) error { return context.DeadlineExceeded }})
	rec := env.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSubmitScrapeAcceptsAndCoalesces(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	body := `{"url":"https://example.com/a?utm_source=x","options":{"maxDepth":2,"forceTier":"stealth","hydrationDelay":1500}}`
	rec := env.do(t, http.MethodPost, "/v1/scrape", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	first := decode[submitResponse](t, rec)
	require.Len(t, first.JobID, 64)
	require.Equal(t, crawler.JobStatusQueued, first.Status)
	require.False(t, first.Existing)

	rec = env.do(t, http.MethodPost, "/v1/scrape", `{"url":"https://EXAMPLE.com/a"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	second := decode[submitResponse](t, rec)
	require.Equal(t, first.JobID, second.JobID)
	require.True(t, second.Existing)

	job, err := env.mgr.GetStatus(context.Background(), first.JobID)
	require.NoError(t, err)
	require.Equal(t, crawler.TierStealth, *job.Options.ForceTier)
	require.Equal(t, 1500*time.Millisecond, job.Options.HydrationDelay)
}

func TestSubmitScrapeRejectsBadInput(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	cases := map[string]struct {
		body   string
		target string
		status int
	}{
		"invalid json":  {body: `{invalid`, status: http.StatusBadRequest},
		"missing url":   {body: `{}`, status: http.StatusBadRequest},
		"not http":      {body: `{"url":"ftp://example.com"}`, status: http.StatusBadRequest},
		"depth bound":   {body: `{"url":"https://example.com","options":{"maxDepth":9}}`, status: http.StatusBadRequest},
		"unknown tier":  {body: `{"url":"https://example.com","options":{"forceTier":"quantum"}}`, status: http.StatusBadRequest},
		"bad wait":      {body: `{"url":"https://example.com"}`, target: "/v1/scrape?wait=soon", status: http.StatusBadRequest},
		"unsafe target": {body: `{"url":"http://127.0.0.1/admin"}`, status: http.StatusForbidden},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			target := tc.target
			if target == "" {
				target = "/v1/scrape"
			}
			rec := env.do(t, http.MethodPost, target, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			require.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestSubmitScrapeWaitReturnsFinishedJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		lease, err := env.mgr.Dequeue(ctx)
		if err != nil {
			return
		}
		_ = env.mgr.Complete(ctx, lease.Job.ID, lease.Token, crawler.Result{Title: "OK", Tier: crawler.TierStatic}, 1, false)
	}()

	rec := env.do(t, http.MethodPost, "/v1/scrape?wait=2s", `{"url":"https://example.com/wait"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[submitResponse](t, rec)
	require.Equal(t, crawler.JobStatusCompleted, resp.Status)
	require.NotNil(t, resp.Job)
	require.Equal(t, "OK", resp.Job.Result.Title)
}

func TestSubmitScrapeWaitTimesOutWithCurrentStatus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	rec := env.do(t, http.MethodPost, "/v1/scrape?wait=50ms", `{"url":"https://example.com/slow"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decode[submitResponse](t, rec)
	require.Equal(t, crawler.JobStatusQueued, resp.Status)
	require.Nil(t, resp.Job)
}

func TestWaitDurationParsing(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, nil, nil, Options{DefaultWait: 60 * time.Second, MaxWait: 120 * time.Second}, nil)
	cases := map[string]time.Duration{
		"":      0,
		"false": 0,
		"true":  60 * time.Second,
		"30s":   30 * time.Second,
		"45":    45 * time.Second,
		"10m":   120 * time.Second,
	}
	for raw, want := range cases {
		got, err := s.waitDuration(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}
	_, err := s.waitDuration("-5s")
	require.Error(t, err)
}

func TestGetJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	rec := env.do(t, http.MethodGet, "/v1/jobs/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	handle, err := env.mgr.Submit(context.Background(), "https://example.com/job", crawler.JobOptions{})
	require.NoError(t, err)
	rec = env.do(t, http.MethodGet, "/v1/jobs/"+handle.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[jobView](t, rec)
	require.Equal(t, handle.ID, view.ID)
	require.Equal(t, "https://example.com/job", view.URL)
	require.Equal(t, crawler.JobStatusQueued, view.Status)
}

func TestAdminQueueListRetryClean(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	ctx := context.Background()
	handle, err := env.mgr.Submit(ctx, "https://example.com/one", crawler.JobOptions{})
	require.NoError(t, err)
	_, err = env.mgr.Submit(ctx, "https://example.com/two", crawler.JobOptions{})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/v1/admin/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	counts := decode[map[string]int](t, rec)
	require.Equal(t, 2, counts["queued"])
	require.Equal(t, 2, counts["ready"])

	rec = env.do(t, http.MethodGet, "/v1/admin/jobs?status=waiting&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[struct {
		Count int `json:"count"`
	}](t, rec)
	require.Equal(t, 1, listed.Count)

	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/admin/jobs?status=bogus", "").Code)
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/admin/jobs?limit=0", "").Code)

	rec = env.do(t, http.MethodPost, "/v1/admin/jobs/"+handle.ID+"/retry", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/v1/admin/jobs/nope/retry", "").Code)

	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodDelete, "/v1/admin/jobs", "").Code)
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodDelete, "/v1/admin/jobs?status=active", "").Code)
	rec = env.do(t, http.MethodDelete, "/v1/admin/jobs?status=queued", "")
	require.Equal(t, http.StatusOK, rec.Code)
	cleaned := decode[struct {
		Removed int `json:"removed"`
	}](t, rec)
	require.Equal(t, 2, cleaned.Removed)
}

func TestAdminRetryFailedJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := env.mgr.Submit(ctx, "https://example.com/flaky", crawler.JobOptions{})
	require.NoError(t, err)
	lease, err := env.mgr.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, env.mgr.Fail(ctx, lease.Job.ID, lease.Token, crawler.ErrExhausted, 3))

	rec := env.do(t, http.MethodPost, "/v1/admin/jobs/"+lease.Job.ID+"/retry", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, crawler.JobStatusQueued, decode[jobView](t, rec).Status)
}

func TestAdminProxies(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	rec := env.do(t, http.MethodPost, "/v1/admin/proxies", `{"endpoint":"http://user:pw@proxy.example:8080"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotContains(t, rec.Body.String(), "pw@")

	rec = env.do(t, http.MethodPost, "/v1/admin/proxies", `{"endpoint":"http://user:pw@proxy.example:8080"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	rec = env.do(t, http.MethodPost, "/v1/admin/proxies", `{"endpoint":"ftp://proxy.example:21"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/admin/proxies", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), ":pw@")
	require.Len(t, env.proxies.List(), 1)

	rec = env.do(t, http.MethodDelete, "/v1/admin/proxies?endpoint=http://user:pw@proxy.example:8080", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, env.proxies.List())
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/v1/admin/proxies?endpoint=http://gone:1", "").Code)
}

func TestAdminCompletions(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	_, err := env.pub.Publish(context.Background(), "scrape-results", map[string]string{"jobId": "abc"})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/v1/admin/completions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"jobId":"abc"`)
}

func TestAPIKeys(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{APIKey: "user-key", AdminAPIKey: "admin-key"})
	require.Equal(t, http.StatusForbidden, env.do(t, http.MethodGet, "/v1/jobs/x", "").Code)
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/jobs/x", "", "X-API-Key", "user-key").Code)
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/jobs/x?api_key=user-key", "").Code)

	require.Equal(t, http.StatusForbidden, env.do(t, http.MethodGet, "/v1/admin/queue", "", "X-API-Key", "user-key").Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/admin/queue", "", "X-API-Key", "admin-key").Code)

	env = newTestEnv(t, Options{APIKey: "shared"})
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/admin/queue", "", "X-API-Key", "shared").Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "").Code)
}
