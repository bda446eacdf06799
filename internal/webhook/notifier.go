// Package webhook delivers job results to client callbacks with an optional
// HMAC-SHA256 signature.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/tiered-scraper/internal/crawler"
	"github.com/JakeFAU/tiered-scraper/internal/metrics"
)

// SignatureHeader carries "sha256=<hex hmac>" of the request body.
const SignatureHeader = "X-Webhook-Signature"

// Payload is the JSON body posted to the callback.
type Payload struct {
	JobID  string          `json:"jobId"`
	URL    string          `json:"url"`
	Status string          `json:"status"`
	Data   *crawler.Result `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// PayloadFor builds the payload describing a finished job.
func PayloadFor(job crawler.Job) Payload {
	p := Payload{
		JobID:  job.ID,
		URL:    job.URL,
		Status: string(job.Status),
		Data:   job.Result,
	}
	if job.Status == crawler.JobStatusFailed {
		p.Error = job.LastError
		p.Data = nil
	}
	return p
}

// Config tunes delivery.
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	Timeout     time.Duration
	MaxInFlight int64
	UserAgent   string
}

// Notifier posts payloads in background goroutines, bounded by MaxInFlight.
type Notifier struct {
	cfg    Config
	client *http.Client
	safety crawler.SafetyChecker
	logger *zap.Logger
	sem    *semaphore.Weighted
	sleep  func(ctx context.Context, d time.Duration) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Notifier. safety may be nil.
func New(cfg Config, client *http.Client, safety crawler.SafetyChecker, logger *zap.Logger) *Notifier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 16
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Ultra-Scraper-Webhook/1.0"
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{
		cfg:    cfg,
		client: client,
		safety: safety,
		logger: logger,
		sem:    semaphore.NewWeighted(cfg.MaxInFlight),
		sleep:  sleepContext,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Notify delivers the job's outcome asynchronously when the job has a
// webhook URL. Failures are logged; they never affect the job.
func (n *Notifier) Notify(job crawler.Job) {
	if n == nil || job.Options.WebhookURL == "" {
		return
	}
	target := job.Options.WebhookURL
	secret := job.Options.WebhookSecret
	payload := PayloadFor(job)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.sem.Acquire(n.ctx, 1); err != nil {
			return
		}
		defer n.sem.Release(1)
		if err := n.Deliver(n.ctx, target, secret, payload); err != nil {
			n.logger.Warn("webhook delivery gave up",
				zap.String("job_id", payload.JobID),
				zap.String("target", target),
				zap.Error(err))
		}
	}()
}

// Deliver posts payload to target, retrying with exponential backoff.
func (n *Notifier) Deliver(ctx context.Context, target, secret string, payload Payload) error {
	if n.safety != nil {
		if err := n.safety.Check(ctx, target); err != nil {
			metrics.ObserveWebhook("rejected")
			return fmt.Errorf("webhook target rejected: %w", err)
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= n.cfg.MaxAttempts; attempt++ {
		lastErr = n.post(ctx, target, secret, body)
		if lastErr == nil {
			metrics.ObserveWebhook("delivered")
			n.logger.Info("webhook delivered",
				zap.String("job_id", payload.JobID),
				zap.Int("attempt", attempt))
			return nil
		}
		n.logger.Debug("webhook attempt failed",
			zap.String("job_id", payload.JobID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		if attempt == n.cfg.MaxAttempts {
			break
		}
		delay := n.cfg.BackoffBase << (attempt - 1)
		if err := n.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}
	metrics.ObserveWebhook("failed")
	return fmt.Errorf("webhook failed after %d attempts: %w", n.cfg.MaxAttempts, lastErr)
}

func (n *Notifier) post(ctx context.Context, target, secret string, body []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", n.cfg.UserAgent)
	if secret != "" {
		req.Header.Set(SignatureHeader, Sign(secret, body))
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // drained below
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook responded with %s", resp.Status)
	}
	return nil
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// Close stops accepting new work once ctx ends and waits for in-flight
// deliveries. Pending retries are abandoned when ctx expires.
func (n *Notifier) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		n.cancel()
		return nil
	case <-ctx.Done():
		n.cancel()
		<-done
		return fmt.Errorf("webhook drain: %w", ctx.Err())
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

