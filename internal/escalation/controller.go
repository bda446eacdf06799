// Package escalation drives a URL through the fetch tiers, cheapest first,
// rotating proxies and backing off between attempts until a page passes the
// block detector or the attempt budget is spent.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tiered-scraper/internal/analyzer"
	"github.com/JakeFAU/tiered-scraper/internal/crawler"
	"github.com/JakeFAU/tiered-scraper/internal/detector"
	"github.com/JakeFAU/tiered-scraper/internal/extract"
	"github.com/JakeFAU/tiered-scraper/internal/metrics"
	"github.com/JakeFAU/tiered-scraper/internal/progress"
	"github.com/JakeFAU/tiered-scraper/internal/proxy"
)

// Tiers maps each tier to its fetcher. A nil fetcher marks the tier as not
// configured.
type Tiers struct {
	Static   crawler.Fetcher
	Headless crawler.Fetcher
	Stealth  crawler.Fetcher
}

func (t Tiers) fetcher(tier crawler.Tier) crawler.Fetcher {
	switch tier {
	case crawler.TierStatic:
		return t.Static
	case crawler.TierHeadless:
		return t.Headless
	case crawler.TierStealth:
		return t.Stealth
	default:
		return nil
	}
}

// Planner picks the starting tier. *analyzer.Analyzer satisfies it.
type Planner interface {
	Plan(rawURL string) analyzer.Plan
	StartTier(plan analyzer.Plan) crawler.Tier
}

// HostWaiter enforces per-host politeness before each fetch.
type HostWaiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config tunes the escalation loop.
type Config struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	StaticTimeout  time.Duration
	Backoff        crawler.ExponentialBackoff
	// Forensics stores HTML and a screenshot of failed browser attempts.
	Forensics      bool
	SnapshotPrefix string
}

// Deps are the controller's collaborators. Only Tiers and Detector are
// required.
type Deps struct {
	Tiers     Tiers
	Detector  *detector.Detector
	Planner   Planner
	Pool      proxy.Pool
	Safety    crawler.SafetyChecker
	Robots    crawler.RobotsChecker
	Hosts     HostWaiter
	Snapshots crawler.BlobStore
	Events    progress.Emitter
	Clock     crawler.Clock
	// Sleep waits between attempts; tests replace it.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *zap.Logger
}

// Request is one escalation run. JobID is optional and only used for
// events and snapshot paths.
type Request struct {
	JobID   string
	URL     string
	Options crawler.JobOptions
}

// Report describes a finished run.
type Report struct {
	Result   crawler.Result    `json:"result"`
	Tier     crawler.Tier      `json:"tier"`
	Plan     analyzer.Plan     `json:"plan"`
	Attempts []crawler.Attempt `json:"attempts"`
}

// Fetches counts attempts that reached a fetcher.
func (r Report) Fetches() int {
	n := 0
	for _, a := range r.Attempts {
		if a.Outcome != crawler.OutcomeSkipped {
			n++
		}
	}
	return n
}

// Controller executes escalation runs. It is safe for concurrent use.
type Controller struct {
	cfg  Config
	deps Deps
}

// New validates cfg and deps.
func New(cfg Config, deps Deps) (*Controller, error) {
	if deps.Detector == nil {
		return nil, errors.New("detector is required")
	}
	if deps.Tiers.Static == nil && deps.Tiers.Headless == nil && deps.Tiers.Stealth == nil {
		return nil, errors.New("at least one fetch tier is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 45 * time.Second
	}
	if cfg.StaticTimeout <= 0 {
		cfg.StaticTimeout = 30 * time.Second
	}
	if cfg.Backoff.BaseDelay <= 0 {
		cfg.Backoff = crawler.NewExponentialBackoff(cfg.Backoff.BaseDelay, cfg.Backoff.MaxDelay)
	}
	if cfg.SnapshotPrefix == "" {
		cfg.SnapshotPrefix = "snapshots"
	}
	if deps.Events == nil {
		deps.Events = progress.Nop{}
	}
	if deps.Sleep == nil {
		deps.Sleep = sleep
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Controller{cfg: cfg, deps: deps}, nil
}

// Execute runs the escalation loop for a URL without a job context.
func (c *Controller) Execute(ctx context.Context, rawURL string, opts crawler.JobOptions) (Report, error) {
	return c.Run(ctx, Request{URL: rawURL, Options: opts})
}

// Run executes req. Safety and robots rejections return immediately without
// consuming an attempt. When every attempt fails the error wraps
// crawler.ErrExhausted together with the last attempt's error.
func (c *Controller) Run(ctx context.Context, req Request) (Report, error) {
	logger := c.deps.Logger.With(zap.String("job_id", req.JobID), zap.String("url", req.URL))
	opts := req.Options

	if c.deps.Safety != nil {
		if err := c.deps.Safety.Check(ctx, req.URL); err != nil {
			return Report{}, err
		}
	}
	if !opts.IgnoreRobots && c.deps.Robots != nil {
		allowed, err := c.deps.Robots.Allowed(ctx, req.URL, opts.UserAgent)
		if err != nil {
			logger.Warn("robots check failed, allowing", zap.Error(err))
		} else if !allowed {
			return Report{}, fmt.Errorf("%w: %s", crawler.ErrRobotsDisallowed, req.URL)
		}
	}

	report := Report{}
	tier := crawler.TierStatic
	switch {
	case opts.ForceTier != nil:
		tier = *opts.ForceTier
		report.Plan = analyzer.Plan{Tier: tier, Confidence: 1, Reason: "forced"}
	case c.deps.Planner != nil:
		report.Plan = c.deps.Planner.Plan(req.URL)
		tier = c.deps.Planner.StartTier(report.Plan)
	default:
		report.Plan = analyzer.Plan{Tier: tier, Confidence: 1, Reason: "no planner"}
	}
	logger.Debug("escalation planned",
		zap.String("tier", tier.String()),
		zap.Float64("confidence", report.Plan.Confidence),
		zap.String("reason", report.Plan.Reason))

	var (
		used    []string
		lastErr error
		fetches int
	)
	for fetches < c.cfg.MaxAttempts {
		fetcher, err := c.available(ctx, tier)
		if err != nil {
			report.Attempts = append(report.Attempts, crawler.Attempt{
				Number:  len(report.Attempts) + 1,
				Tier:    tier,
				Outcome: crawler.OutcomeSkipped,
				Err:     err.Error(),
			})
			lastErr = err
			logger.Info("tier unavailable, skipping", zap.String("tier", tier.String()), zap.Error(err))
			if tier.Next() == tier {
				break
			}
			tier = c.escalate(tier)
			continue
		}

		fetches++
		endpoint := c.pickProxy(opts, used)
		if endpoint != "" {
			used = append(used, endpoint)
		}
		attempt, result, err := c.attempt(ctx, req, tier, fetcher, endpoint, len(report.Attempts)+1)
		report.Attempts = append(report.Attempts, attempt)
		c.observe(req, attempt)

		if err == nil {
			if endpoint != "" && c.deps.Pool != nil {
				c.deps.Pool.ReportSuccess(endpoint)
			}
			report.Result = result
			report.Tier = tier
			logger.Info("scrape succeeded",
				zap.String("tier", tier.String()),
				zap.Int("attempt", fetches),
				zap.Duration("elapsed", attempt.Elapsed))
			return report, nil
		}
		if ctx.Err() != nil {
			return report, fmt.Errorf("escalation canceled: %w", ctx.Err())
		}

		lastErr = err
		if endpoint != "" && c.deps.Pool != nil {
			c.deps.Pool.ReportFailure(endpoint)
		}
		logger.Warn("scrape attempt failed",
			zap.String("tier", tier.String()),
			zap.Int("attempt", fetches),
			zap.String("outcome", string(attempt.Outcome)),
			zap.String("proxy", proxy.Redact(endpoint)),
			zap.Error(err))

		tier = c.escalate(tier)
		if fetches < c.cfg.MaxAttempts {
			if err := c.deps.Sleep(ctx, c.cfg.Backoff.Backoff(fetches)); err != nil {
				return report, fmt.Errorf("escalation canceled: %w", err)
			}
		}
	}

	if lastErr == nil {
		lastErr = errors.New("no attempts made")
	}
	return report, fmt.Errorf("%w after %d attempts: %w", crawler.ErrExhausted, fetches, lastErr)
}

// available returns the tier's fetcher if it is configured and healthy.
func (c *Controller) available(ctx context.Context, tier crawler.Tier) (crawler.Fetcher, error) {
	fetcher := c.deps.Tiers.fetcher(tier)
	if fetcher == nil {
		return nil, fmt.Errorf("%w: %s not configured", crawler.ErrTierUnavailable, tier)
	}
	if hc, ok := fetcher.(crawler.HealthChecker); ok {
		if err := hc.Healthy(ctx); err != nil {
			if errors.Is(err, crawler.ErrTierUnavailable) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %s: %w", crawler.ErrTierUnavailable, tier, err)
		}
	}
	return fetcher, nil
}

func (c *Controller) escalate(tier crawler.Tier) crawler.Tier {
	next := tier.Next()
	if next != tier {
		metrics.ObserveEscalation(tier.String(), next.String())
	}
	return next
}

func (c *Controller) pickProxy(opts crawler.JobOptions, used []string) string {
	if opts.Proxy != "" {
		return opts.Proxy
	}
	if c.deps.Pool == nil {
		return ""
	}
	endpoint, ok := c.deps.Pool.Next(used...)
	if !ok {
		return ""
	}
	return endpoint
}

func (c *Controller) attempt(
	ctx context.Context,
	req Request,
	tier crawler.Tier,
	fetcher crawler.Fetcher,
	endpoint string,
	number int,
) (crawler.Attempt, crawler.Result, error) {
	attempt := crawler.Attempt{Number: number, Tier: tier, Proxy: proxy.Redact(endpoint)}
	start := c.now()

	if c.deps.Hosts != nil {
		if err := c.deps.Hosts.Wait(ctx, req.URL); err != nil {
			attempt.Outcome = crawler.OutcomeError
			attempt.Err = err.Error()
			return attempt, crawler.Result{}, err
		}
	}

	timeout := c.cfg.AttemptTimeout
	if tier == crawler.TierStatic {
		timeout = c.cfg.StaticTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := req.Options
	resp, err := fetcher.Fetch(attemptCtx, crawler.FetchRequest{
		JobID:             req.JobID,
		URL:               req.URL,
		Proxy:             endpoint,
		UserAgent:         opts.UserAgent,
		Mobile:            opts.Mobile,
		Selectors:         opts.Selectors,
		Timeout:           timeout,
		HydrationDelay:    opts.HydrationDelay,
		IgnoreRobots:      opts.IgnoreRobots,
		MaxContentLength:  opts.MaxContentLength,
		CaptureScreenshot: c.cfg.Forensics && tier.Browser(),
	})
	attempt.Elapsed = c.now().Sub(start)
	if err != nil {
		attempt.Outcome = detector.ClassifyError(err)
		attempt.Err = err.Error()
		return attempt, crawler.Result{}, fmt.Errorf("%s fetch: %w", tier, err)
	}

	page, err := c.page(req, tier, resp)
	if err != nil {
		attempt.Outcome = crawler.OutcomeError
		attempt.Err = err.Error()
		return attempt, crawler.Result{}, err
	}
	verdict := c.deps.Detector.Classify(tier, resp, page)
	attempt.Outcome = verdict.Outcome
	if verdictErr := verdict.Err(); verdictErr != nil {
		attempt.Err = verdictErr.Error()
		if tier.Browser() {
			attempt.Snapshot = c.snapshot(ctx, req, attempt, resp)
		}
		return attempt, crawler.Result{}, verdictErr
	}
	return attempt, page, nil
}

func (c *Controller) page(req Request, tier crawler.Tier, resp crawler.FetchResponse) (crawler.Result, error) {
	var page crawler.Result
	if resp.Page != nil {
		page = *resp.Page
	} else {
		finalURL := resp.URL
		if finalURL == "" {
			finalURL = req.URL
		}
		extracted, err := extract.Page(resp.Body, finalURL, req.Options.Selectors, req.Options.MaxContentLength)
		if err != nil {
			return crawler.Result{}, fmt.Errorf("extract page: %w", err)
		}
		page = extracted
	}
	page.URL = req.URL
	if resp.URL != "" {
		page.FinalURL = resp.URL
	}
	if page.StatusCode == 0 {
		page.StatusCode = resp.StatusCode
	}
	page.Tier = tier
	page.FetchedAt = c.now()
	return page, nil
}

// snapshot stores the failed page for later inspection and returns the HTML
// URI. Storage errors are logged and never fail the attempt.
func (c *Controller) snapshot(ctx context.Context, req Request, attempt crawler.Attempt, resp crawler.FetchResponse) string {
	if !c.cfg.Forensics || c.deps.Snapshots == nil {
		return ""
	}
	base := path.Join(c.cfg.SnapshotPrefix, snapshotKey(req), fmt.Sprintf("%d-%s-%d", attempt.Number, attempt.Tier, c.now().UnixMilli()))
	var uri string
	if len(resp.Body) > 0 {
		stored, err := c.deps.Snapshots.PutObject(ctx, base+".html", "text/html; charset=utf-8", resp.Body)
		if err != nil {
			c.deps.Logger.Warn("snapshot html failed", zap.String("job_id", req.JobID), zap.Error(err))
		} else {
			uri = stored
		}
	}
	if len(resp.Screenshot) > 0 {
		stored, err := c.deps.Snapshots.PutObject(ctx, base+".png", "image/png", resp.Screenshot)
		if err != nil {
			c.deps.Logger.Warn("snapshot screenshot failed", zap.String("job_id", req.JobID), zap.Error(err))
		} else if uri == "" {
			uri = stored
		}
	}
	return uri
}

func (c *Controller) observe(req Request, attempt crawler.Attempt) {
	metrics.ObserveAttempt(attempt.Tier.String(), string(attempt.Outcome), req.URL, attempt.Elapsed)
	if req.JobID == "" {
		return
	}
	c.deps.Events.Emit(progress.Event{
		JobID:   req.JobID,
		TS:      c.now(),
		Stage:   progress.StageAttempt,
		URL:     req.URL,
		Site:    metrics.SanitizeSite(req.URL),
		Tier:    attempt.Tier.String(),
		Outcome: attempt.Outcome,
		Attempt: attempt.Number,
		Dur:     attempt.Elapsed,
		Note:    attempt.Err,
	})
}

func (c *Controller) now() time.Time {
	if c.deps.Clock != nil {
		return c.deps.Clock.Now().UTC()
	}
	return time.Now().UTC()
}

func snapshotKey(req Request) string {
	if req.JobID != "" {
		return req.JobID
	}
	if u, err := url.Parse(req.URL); err == nil && u.Hostname() != "" {
		return strings.ToLower(u.Hostname())
	}
	return "adhoc"
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
