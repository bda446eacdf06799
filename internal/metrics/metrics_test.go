package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		input    string
		expected string
	}{
		{"https://Example.com/path", "example.com"},
		{"example.com:8080", "example.com"},
		{"http://%", "unknown"},
		{"", "unknown"},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.expected, SanitizeSite(tc.input), tc.input)
	}
}

func TestObserversAreSafeBeforeInit(t *testing.T) {
	ObserveSubmit(true)
	ObserveSubmit(false)
	ObserveAttempt("stealth", "success", "https://example.com/a", time.Second)
	ObserveCache(true)

	require.GreaterOrEqual(t, testutil.ToFloat64(jobsSubmittedTotal.WithLabelValues("coalesced")), 1.0)
	require.GreaterOrEqual(t,
		testutil.ToFloat64(fetchAttemptsTotal.WithLabelValues("stealth", "success", "example.com")), 1.0)
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/jobs/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	counter := httpRequestsTotal.WithLabelValues(http.MethodGet, "418")
	before := testutil.ToFloat64(counter)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/abc", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
	require.InDelta(t, before+1, testutil.ToFloat64(counter), 1e-9)
}
