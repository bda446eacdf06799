// Package service implements the static tier by delegating to a remote
// scraping service that accepts jobs over HTTP and is polled for results.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tiered-scraper/internal/crawler"
	"github.com/JakeFAU/tiered-scraper/internal/extract"
)

// Remote job states.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Config controls the remote client.
type Config struct {
	BaseURL         string
	PollInterval    time.Duration
	PollMaxAttempts int
	RequestTimeout  time.Duration
	HealthTimeout   time.Duration
}

// Client implements crawler.Fetcher and crawler.HealthChecker against the
// remote service.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

type submitRequest struct {
	URL              string `json:"url"`
	Proxy            string `json:"proxy,omitempty"`
	UserAgent        string `json:"userAgent,omitempty"`
	IgnoreRobotsTxt  bool   `json:"ignoreRobotsTxt"`
	MaxContentLength int    `json:"maxContentLength"`
}

type submitResponse struct {
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// JobStatus is the polled state of a remote job.
type JobStatus struct {
	JobID  string        `json:"jobId"`
	Status string        `json:"status"`
	Result *remoteResult `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

type remoteResult struct {
	URL        string            `json:"url"`
	FinalURL   string            `json:"finalUrl"`
	StatusCode int               `json:"statusCode"`
	Title      string            `json:"title"`
	Content    string            `json:"content"`
	Links      []string          `json:"links"`
	Meta       map[string]string `json:"meta"`
	HTML       string            `json:"html"`
}

// New builds a Client.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("service base url is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.PollMaxAttempts <= 0 {
		cfg.PollMaxAttempts = 60
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 5 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger}, nil
}

// Healthy probes GET /health.
func (c *Client) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("static service unreachable: %w", crawler.ErrTierUnavailable)
	}
	defer drain(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("static service health returned %d: %w", resp.StatusCode, crawler.ErrTierUnavailable)
	}
	return nil
}

// Fetch submits a job and polls until it settles. The service extracts the
// page itself so the response carries a ready Page.
func (c *Client) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	start := time.Now()
	maxContent := request.MaxContentLength
	if maxContent <= 0 {
		maxContent = extract.DefaultMaxContent
	}
	jobID, err := c.submit(ctx, submitRequest{
		URL:              request.URL,
		Proxy:            request.Proxy,
		UserAgent:        request.UserAgent,
		IgnoreRobotsTxt:  request.IgnoreRobots,
		MaxContentLength: maxContent,
	})
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	c.logger.Debug("static service job created", zap.String("remote_job_id", jobID), zap.String("url", request.URL))

	status, err := c.poll(ctx, jobID)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	if status.Status == StatusFailed || status.Result == nil {
		msg := status.Error
		if msg == "" {
			msg = "scrape failed"
		}
		return crawler.FetchResponse{}, fmt.Errorf("static service job %s: %s", jobID, msg)
	}
	return toResponse(request, *status.Result, time.Since(start)), nil
}

func (c *Client) submit(ctx context.Context, body submitRequest) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode submit: %w", err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL+"/scrape", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit to static service: %w", err)
	}
	defer drain(resp.Body)
	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("static service submit returned %d", resp.StatusCode)
	}
	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if out.JobID == "" {
		return "", errors.New("static service returned empty job id")
	}
	return out.JobID, nil
}

// poll keeps going through transient poll errors until attempts run out.
func (c *Client) poll(ctx context.Context, jobID string) (JobStatus, error) {
	for attempt := 0; attempt < c.cfg.PollMaxAttempts; attempt++ {
		status, err := c.status(ctx, jobID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return JobStatus{}, fmt.Errorf("poll static service: %w", ctx.Err())
			}
			c.logger.Debug("static service poll failed", zap.String("remote_job_id", jobID), zap.Error(err))
		case status.Status == StatusCompleted || status.Status == StatusFailed:
			return status, nil
		}
		timer := time.NewTimer(c.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return JobStatus{}, fmt.Errorf("poll static service: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return JobStatus{}, fmt.Errorf("static service job %s: polling timed out after %d attempts", jobID, c.cfg.PollMaxAttempts)
}

func (c *Client) status(ctx context.Context, jobID string) (JobStatus, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.cfg.BaseURL+"/job/"+jobID, nil)
	if err != nil {
		return JobStatus{}, fmt.Errorf("build status request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return JobStatus{}, fmt.Errorf("get job status: %w", err)
	}
	defer drain(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return JobStatus{}, fmt.Errorf("job status returned %d", resp.StatusCode)
	}
	var out JobStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return JobStatus{}, fmt.Errorf("decode job status: %w", err)
	}
	return out, nil
}

func toResponse(request crawler.FetchRequest, r remoteResult, elapsed time.Duration) crawler.FetchResponse {
	finalURL := r.FinalURL
	if finalURL == "" {
		finalURL = request.URL
	}
	status := r.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	page := crawler.Result{
		URL:        request.URL,
		FinalURL:   finalURL,
		StatusCode: status,
		Title:      r.Title,
		Content:    extract.Truncate(r.Content, request.MaxContentLength),
		Links:      crawler.ResolveLinks(finalURL, r.Links),
		Meta:       r.Meta,
		Tier:       crawler.TierStatic,
	}
	if r.HTML != "" && len(request.Selectors) > 0 {
		if parsed, err := extract.Page([]byte(r.HTML), finalURL, request.Selectors, request.MaxContentLength); err == nil {
			page.Fields = parsed.Fields
		}
	}
	body := r.HTML
	if body == "" {
		body = r.Content
	}
	return crawler.FetchResponse{
		URL:        finalURL,
		StatusCode: status,
		Headers:    http.Header{},
		Body:       []byte(body),
		Page:       &page,
		Duration:   elapsed,
	}
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}
