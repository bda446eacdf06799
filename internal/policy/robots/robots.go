// Package robots enforces robots.txt directives per host.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/tiered-scraper/internal/crawler"
)

// Checker fetches, caches and evaluates robots.txt files. A nil *Checker
// allows everything.
type Checker struct {
	client *http.Client
	ttl    time.Duration
	clock  crawler.Clock
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]cachedRobots
}

type cachedRobots struct {
	data        *robotstxt.RobotsData
	disallowAll bool
	fetched     time.Time
}

// Options configures a Checker.
type Options struct {
	Client   *http.Client
	CacheTTL time.Duration
	Clock    crawler.Clock
}

// New builds a Checker.
func New(opts Options, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	return &Checker{
		client: opts.Client,
		ttl:    opts.CacheTTL,
		clock:  opts.Clock,
		logger: logger,
		cache:  make(map[string]cachedRobots),
	}
}

// Allowed implements crawler.RobotsChecker. Fetch failures allow access;
// robots.txt 4xx allows everything and 5xx disallows everything.
func (c *Checker) Allowed(ctx context.Context, rawURL, userAgent string) (bool, error) {
	if c == nil {
		return true, nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false, fmt.Errorf("parse url: %w", err)
	}
	entry, err := c.load(ctx, parsed, userAgent)
	if err != nil {
		c.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		return true, nil
	}
	if entry.disallowAll {
		return false, nil
	}
	if entry.data == nil {
		return true, nil
	}
	group := entry.data.FindGroup(userAgent)
	if group == nil {
		return true, nil
	}
	target := parsed.EscapedPath()
	if target == "" {
		target = "/"
	}
	if parsed.RawQuery != "" {
		target += "?" + parsed.RawQuery
	}
	return group.Test(target), nil
}

func (c *Checker) now() time.Time {
	if c.clock != nil {
		return c.clock.Now()
	}
	return time.Now()
}

func (c *Checker) load(ctx context.Context, parsed *url.URL, userAgent string) (cachedRobots, error) {
	key := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	c.mu.Lock()
	entry, ok := c.cache[key]
	c.mu.Unlock()
	if ok && c.now().Sub(entry.fetched) < c.ttl {
		return entry, nil
	}

	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return cachedRobots{}, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := c.client.Do(req)
	if err != nil {
		return cachedRobots{}, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()
	fresh := cachedRobots{fetched: c.now()}
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		fresh.disallowAll = true
	case resp.StatusCode >= http.StatusBadRequest:
		// No usable robots.txt: everything is allowed.
	default:
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return cachedRobots{}, fmt.Errorf("read robots body: %w", err)
		}
		data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
		if err != nil {
			return cachedRobots{}, fmt.Errorf("parse robots: %w", err)
		}
		fresh.data = data
	}

	c.mu.Lock()
	c.cache[key] = fresh
	c.mu.Unlock()
	return fresh, nil
}
