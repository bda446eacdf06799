package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/tiered-scraper/internal/crawler"
	"github.com/JakeFAU/tiered-scraper/internal/proxy"
)

type scrapeRequest struct {
	URL     string        `json:"url" validate:"required,http_url"`
	Options scrapeOptions `json:"options"`
}

type scrapeOptions struct {
	Selectors        map[string]string `json:"selectors,omitempty"`
	Recursive        bool              `json:"recursive"`
	MaxDepth         int               `json:"maxDepth" validate:"gte=0,lte=5"`
	MaxPages         int               `json:"maxPages" validate:"gte=0,lte=100"`
	Proxy            string            `json:"proxy,omitempty" validate:"omitempty,url"`
	UserAgent        string            `json:"userAgent,omitempty"`
	Mobile           bool              `json:"mobile"`
	UseAI            bool              `json:"useAI"`
	WebhookURL       string            `json:"webhookUrl,omitempty" validate:"omitempty,http_url"`
	WebhookSecret    string            `json:"webhookSecret,omitempty"`
	IgnoreRobots     bool              `json:"ignoreRobotsTxt"`
	ForceTier        string            `json:"forceTier,omitempty" validate:"omitempty,oneof=static headless stealth 0 1 2"`
	HydrationDelayMs int               `json:"hydrationDelay" validate:"gte=0,lte=10000"`
	MaxContentLength int               `json:"maxContentLength" validate:"gte=0"`
}

func (o scrapeOptions) jobOptions() (crawler.JobOptions, error) {
	opts := crawler.JobOptions{
		Selectors:        o.Selectors,
		Recursive:        o.Recursive,
		MaxDepth:         o.MaxDepth,
		MaxPages:         o.MaxPages,
		Proxy:            o.Proxy,
		UserAgent:        o.UserAgent,
		Mobile:           o.Mobile,
		UseAI:            o.UseAI,
		WebhookURL:       o.WebhookURL,
		WebhookSecret:    o.WebhookSecret,
		IgnoreRobots:     o.IgnoreRobots,
		HydrationDelay:   time.Duration(o.HydrationDelayMs) * time.Millisecond,
		MaxContentLength: o.MaxContentLength,
	}
	if o.ForceTier != "" {
		tier, err := crawler.ParseTier(o.ForceTier)
		if err != nil {
			return crawler.JobOptions{}, errors.Join(crawler.ErrInvalidOptions, err)
		}
		opts.ForceTier = &tier
	}
	return opts, nil
}

type submitResponse struct {
	JobID    string            `json:"jobId"`
	Status   crawler.JobStatus `json:"status"`
	Existing bool              `json:"existing"`
	Job      *jobView          `json:"job,omitempty"`
}

type jobView struct {
	ID         string            `json:"id"`
	URL        string            `json:"url"`
	Status     crawler.JobStatus `json:"status"`
	Attempts   int               `json:"attempts"`
	Runs       int               `json:"runs"`
	Stalls     int               `json:"stalls"`
	Tier       *crawler.Tier     `json:"tier,omitempty"`
	FromCache  bool              `json:"fromCache"`
	RootID     string            `json:"rootId,omitempty"`
	Depth      int               `json:"depth"`
	Result     *crawler.Result   `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
	StartedAt  *time.Time        `json:"startedAt,omitempty"`
	FinishedAt *time.Time        `json:"finishedAt,omitempty"`
}

func viewOf(job crawler.Job) *jobView {
	return &jobView{
		ID:         job.ID,
		URL:        job.URL,
		Status:     job.Status,
		Attempts:   job.Attempts,
		Runs:       job.Runs,
		Stalls:     job.Stalls,
		Tier:       job.Tier,
		FromCache:  job.FromCache,
		RootID:     job.RootID,
		Depth:      job.Depth,
		Result:     job.Result,
		Error:      job.LastError,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
	}
}

func (s *Server) submitScrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.fail(w, r, err)
		return
	}
	wait, err := s.waitDuration(r.URL.Query().Get("wait"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts, err := req.Options.jobOptions()
	if err != nil {
		s.fail(w, r, err)
		return
	}

	handle, err := s.jobs.Submit(r.Context(), req.URL, opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := submitResponse{JobID: handle.ID, Status: handle.Status, Existing: handle.Existing}
	if wait <= 0 {
		s.writeJSON(w, http.StatusAccepted, resp)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	job, err := s.jobs.Wait(ctx, handle.ID)
	switch {
	case err == nil:
		resp.Status = job.Status
		resp.Job = viewOf(job)
		s.writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		if job.ID != "" {
			resp.Status = job.Status
		}
		s.writeJSON(w, http.StatusAccepted, resp)
	default:
		s.fail(w, r, err)
	}
}

// waitDuration parses ?wait as a Go duration or whole seconds. A bare
// "true" uses the default; results are capped at MaxWait.
func (s *Server) waitDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	switch raw {
	case "", "0", "false":
		return 0, nil
	case "true":
		return s.opts.DefaultWait, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, convErr := strconv.Atoi(raw)
		if convErr != nil || secs < 0 {
			return 0, errors.New("wait must be a duration such as 30s")
		}
		d = time.Duration(secs) * time.Second
	}
	if d < 0 {
		return 0, errors.New("wait must not be negative")
	}
	return min(d, s.opts.MaxWait), nil
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(job))
}

func (s *Server) queueCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.jobs.Counts(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{
		"queued":    counts.Queued,
		"active":    counts.Active,
		"completed": counts.Completed,
		"failed":    counts.Failed,
		"ready":     counts.Ready,
	})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	status, err := parseStatus(r.URL.Query().Get("status"), true)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, convErr := strconv.Atoi(raw)
		if convErr != nil || n <= 0 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	jobs, err := s.jobs.List(r.Context(), status, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]*jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, viewOf(job))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": views, "count": len(views)})
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("job retried via API", zap.String("job_id", job.ID))
	s.writeJSON(w, http.StatusAccepted, viewOf(job))
}

func (s *Server) cleanJobs(w http.ResponseWriter, r *http.Request) {
	status, err := parseStatus(r.URL.Query().Get("status"), false)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	removed, err := s.jobs.Clean(r.Context(), status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("jobs cleaned via API", zap.String("status", string(status)), zap.Int("removed", removed))
	s.writeJSON(w, http.StatusOK, map[string]any{"status": status, "removed": removed})
}

func parseStatus(raw string, optional bool) (crawler.JobStatus, error) {
	if raw == "" {
		if optional {
			return "", nil
		}
		return "", errors.Join(crawler.ErrInvalidStatus, errors.New("status is required"))
	}
	status, ok := crawler.ParseJobStatus(raw)
	if !ok {
		return "", errors.Join(crawler.ErrInvalidStatus, errors.New("unknown status "+strconv.Quote(raw)))
	}
	return status, nil
}

type proxyRequest struct {
	Endpoint string `json:"endpoint" validate:"required,url"`
}

func (s *Server) listProxies(w http.ResponseWriter, _ *http.Request) {
	records := s.proxies.List()
	out := make([]proxy.Record, 0, len(records))
	for _, rec := range records {
		rec.Endpoint = proxy.Redact(rec.Endpoint)
		out = append(out, rec)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"proxies": out, "count": len(out)})
}

func (s *Server) addProxy(w http.ResponseWriter, r *http.Request) {
	var req proxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.proxies.Add(req.Endpoint); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"endpoint": proxy.Redact(req.Endpoint)})
}

func (s *Server) removeProxy(w http.ResponseWriter, r *http.Request) {
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		s.writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}
	if !s.proxies.Remove(endpoint) {
		s.writeError(w, http.StatusNotFound, "proxy not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"removed": proxy.Redact(endpoint)})
}

func (s *Server) listCompletions(w http.ResponseWriter, _ *http.Request) {
	msgs := s.completions.Messages()
	s.writeJSON(w, http.StatusOK, map[string]any{"completions": msgs, "count": len(msgs)})
}
