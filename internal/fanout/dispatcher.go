// Package fanout turns the links discovered by a completed recursive job
// into child jobs, bounded by depth and by a page budget shared across the
// whole crawl tree. Each root submission gets its own budget.
package fanout

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/tiered-scraper/internal/crawler"
	"github.com/JakeFAU/tiered-scraper/internal/metrics"
	"github.com/JakeFAU/tiered-scraper/internal/queue"
)

// Submitter admits child jobs.
type Submitter interface {
	SubmitChild(ctx context.Context, parent crawler.Job, rawURL string) (queue.Handle, error)
}

// Config bounds fan-out.
type Config struct {
	MaxChildren  int
	SameHostOnly bool
	BudgetTTL    time.Duration
}

type budget struct {
	sem     *semaphore.Weighted
	touched time.Time
}

// Dispatcher submits children and tracks per-root page budgets.
type Dispatcher struct {
	cfg    Config
	jobs   Submitter
	clock  crawler.Clock
	logger *zap.Logger

	mu      sync.Mutex
	budgets map[string]*budget
}

// New builds a Dispatcher.
func New(cfg Config, jobs Submitter, clock crawler.Clock, logger *zap.Logger) *Dispatcher {
	if cfg.MaxChildren <= 0 {
		cfg.MaxChildren = 5
	}
	if cfg.BudgetTTL <= 0 {
		cfg.BudgetTTL = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:     cfg,
		jobs:    jobs,
		clock:   clock,
		logger:  logger,
		budgets: make(map[string]*budget),
	}
}

// Dispatch submits up to MaxChildren links from result as children of
// parent and returns how many new jobs were created.
func (d *Dispatcher) Dispatch(ctx context.Context, parent crawler.Job, result crawler.Result) (int, error) {
	if d == nil || !parent.Options.Recursive || parent.Depth <= 0 {
		return 0, nil
	}
	links := d.candidates(parent, result)
	if len(links) == 0 {
		return 0, nil
	}

	rootID := parent.RootID
	if rootID == "" {
		rootID = parent.ID
	}
	crawlID := parent.CrawlID
	if crawlID == "" {
		crawlID = rootID
	}
	sem := d.budgetFor(crawlID, parent.Options.MaxPages)

	created := 0
	for _, link := range links {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		if !sem.TryAcquire(1) {
			metrics.ObserveFanout("budget_exhausted")
			d.logger.Debug("page budget exhausted",
				zap.String("root_id", rootID),
				zap.String("crawl_id", crawlID),
				zap.String("job_id", parent.ID))
			break
		}
		handle, err := d.jobs.SubmitChild(ctx, parent, link)
		if err != nil {
			sem.Release(1)
			metrics.ObserveFanout("rejected")
			d.logger.Debug("child submission rejected",
				zap.String("job_id", parent.ID),
				zap.String("url", link),
				zap.Error(err))
			continue
		}
		if handle.Existing {
			sem.Release(1)
			metrics.ObserveFanout("coalesced")
			continue
		}
		metrics.ObserveFanout("submitted")
		created++
	}
	if created > 0 {
		d.logger.Info("recursive children submitted",
			zap.String("job_id", parent.ID),
			zap.String("root_id", rootID),
			zap.Int("children", created),
			zap.Int("depth", parent.Depth-1))
	}
	return created, nil
}

// candidates picks normalized, deduplicated links, skipping the parent.
func (d *Dispatcher) candidates(parent crawler.Job, result crawler.Result) []string {
	base := result.FinalURL
	if base == "" {
		base = parent.URL
	}
	self := parent.NormalizedURL
	if self == "" {
		self, _ = crawler.NormalizeURL(parent.URL)
	}

	seen := map[string]struct{}{self: {}}
	out := make([]string, 0, d.cfg.MaxChildren)
	for _, link := range crawler.ResolveLinks(base, result.Links) {
		if d.cfg.SameHostOnly && !crawler.SameHost(parent.URL, link) {
			continue
		}
		normalized, err := crawler.NormalizeURL(link)
		if err != nil {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, link)
		if len(out) == d.cfg.MaxChildren {
			break
		}
	}
	return out
}

func (d *Dispatcher) budgetFor(crawlID string, maxPages int) *semaphore.Weighted {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.budgets[crawlID]
	if !ok {
		// The root page is already spent.
		size := int64(maxPages - 1)
		sem := semaphore.NewWeighted(size)
		if size <= 0 {
			sem = semaphore.NewWeighted(1)
			_ = sem.TryAcquire(1)
		}
		b = &budget{sem: sem}
		d.budgets[crawlID] = b
	}
	b.touched = d.clock.Now()
	return b.sem
}

// Prune forgets budgets untouched for longer than the TTL.
func (d *Dispatcher) Prune() int {
	if d == nil {
		return 0
	}
	cutoff := d.clock.Now().Add(-d.cfg.BudgetTTL)
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for id, b := range d.budgets {
		if b.touched.Before(cutoff) {
			delete(d.budgets, id)
			removed++
		}
	}
	return removed
}

// Budgets reports how many crawl trees are tracked.
func (d *Dispatcher) Budgets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.budgets)
}
