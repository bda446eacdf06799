// Package proxy tracks proxy health and hands out usable endpoints.
//
// A proxy is active while its cooldown has passed. Consecutive failures past
// the threshold cool it down for a fixed window and reset its counter; any
// success resets the counter. Proxies are never dropped for failing, only by
// Remove.
package proxy

import (
	"bufio"
	"fmt"
	"math/rand/v2"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tiered-scraper/internal/crawler"
	"github.com/JakeFAU/tiered-scraper/internal/metrics"
)

// Pool is the proxy health tracker consumed by the escalation controller.
type Pool interface {
	// Next picks a proxy, preferring active ones not listed in avoid. It
	// returns false only when the pool is empty.
	Next(avoid ...string) (string, bool)
	ReportSuccess(endpoint string)
	ReportFailure(endpoint string)
	Add(endpoint string) error
	Remove(endpoint string) bool
	List() []Record
}

// Record is a snapshot of one proxy's health.
type Record struct {
	Endpoint      string    `json:"endpoint"`
	Failures      int       `json:"failures"`
	LastUsed      time.Time `json:"last_used,omitempty"`
	DisabledUntil time.Time `json:"disabled_until,omitempty"`
	Active        bool      `json:"active"`
}

// Options configures a Tracker.
type Options struct {
	FailureThreshold int
	Cooldown         time.Duration
	Clock            crawler.Clock
	// Intn returns a value in [0,n). Tests pin it for deterministic picks.
	Intn func(n int) int
}

// Tracker is the mutex-guarded Pool implementation.
type Tracker struct {
	mu        sync.Mutex
	records   []*Record
	threshold int
	cooldown  time.Duration
	clock     crawler.Clock
	intn      func(int) int
	logger    *zap.Logger
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// NewTracker builds a tracker seeded with endpoints. Invalid or duplicate
// endpoints are skipped with a warning.
func NewTracker(endpoints []string, opts Options, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 5 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = wallClock{}
	}
	if opts.Intn == nil {
		opts.Intn = rand.IntN
	}
	t := &Tracker{
		threshold: opts.FailureThreshold,
		cooldown:  opts.Cooldown,
		clock:     opts.Clock,
		intn:      opts.Intn,
		logger:    logger,
	}
	for _, endpoint := range endpoints {
		if err := t.Add(endpoint); err != nil {
			logger.Warn("skipping proxy", zap.String("proxy", Redact(endpoint)), zap.Error(err))
		}
	}
	logger.Info("proxy pool loaded", zap.Int("count", len(t.records)))
	return t
}

// LoadFile reads one endpoint per line, ignoring blanks and # comments.
func LoadFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open proxy file: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read proxy file: %w", err)
	}
	return out, nil
}

// Next implements Pool.
func (t *Tracker) Next(avoid ...string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.records) == 0 {
		return "", false
	}

	now := t.clock.Now()
	skip := make(map[string]struct{}, len(avoid))
	for _, a := range avoid {
		skip[a] = struct{}{}
	}

	var fresh, active []*Record
	for _, r := range t.records {
		if !r.DisabledUntil.Before(now) {
			continue
		}
		active = append(active, r)
		if _, used := skip[r.Endpoint]; !used {
			fresh = append(fresh, r)
		}
	}

	var pick *Record
	switch {
	case len(fresh) > 0:
		pick = fresh[t.intn(len(fresh))]
	case len(active) > 0:
		pick = active[t.intn(len(active))]
	default:
		pick = t.records[0]
		for _, r := range t.records[1:] {
			if r.DisabledUntil.Before(pick.DisabledUntil) {
				pick = r
			}
		}
		t.logger.Warn("no active proxies, using soonest to recover",
			zap.String("proxy", Redact(pick.Endpoint)),
			zap.Time("disabled_until", pick.DisabledUntil))
	}
	pick.LastUsed = now
	return pick.Endpoint, true
}

// ReportSuccess implements Pool.
func (t *Tracker) ReportSuccess(endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r := t.find(endpoint); r != nil {
		r.Failures = 0
	}
}

// ReportFailure implements Pool.
func (t *Tracker) ReportFailure(endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.find(endpoint)
	if r == nil {
		return
	}
	r.Failures++
	if r.Failures < t.threshold {
		return
	}
	r.DisabledUntil = t.clock.Now().Add(t.cooldown)
	r.Failures = 0
	metrics.ObserveProxyCooldown()
	t.logger.Warn("proxy cooled down",
		zap.String("proxy", Redact(endpoint)),
		zap.Time("disabled_until", r.DisabledUntil))
}

// Add implements Pool.
func (t *Tracker) Add(endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: %q", crawler.ErrInvalidEndpoint, Redact(endpoint))
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return fmt.Errorf("%w: unsupported scheme %q", crawler.ErrInvalidEndpoint, u.Scheme)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.find(endpoint) != nil {
		return crawler.ErrProxyExists
	}
	t.records = append(t.records, &Record{Endpoint: endpoint})
	return nil
}

// Remove implements Pool.
func (t *Tracker) Remove(endpoint string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, r := range t.records {
		if r.Endpoint == endpoint {
			t.records = append(t.records[:i], t.records[i+1:]...)
			return true
		}
	}
	return false
}

// List implements Pool. Records are sorted by endpoint.
func (t *Tracker) List() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		snapshot := *r
		snapshot.Active = r.DisabledUntil.Before(now)
		out = append(out, snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

func (t *Tracker) find(endpoint string) *Record {
	for _, r := range t.records {
		if r.Endpoint == endpoint {
			return r
		}
	}
	return nil
}

// Redact hides proxy credentials in logs.
func Redact(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.User == nil {
		return endpoint
	}
	return u.Redacted()
}
