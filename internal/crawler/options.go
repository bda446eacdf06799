package crawler

import (
	"fmt"
	"net/url"
	"time"
)

// Option bounds applied at submission.
const (
	DefaultMaxDepth         = 1
	MaxMaxDepth             = 5
	DefaultMaxPages         = 10
	MaxMaxPages             = 100
	DefaultMaxContentLength = 20000
	MaxHydrationDelay       = 10 * time.Second
)

// Normalize fills defaults and enforces bounds. Errors wrap ErrInvalidOptions.
func (o JobOptions) Normalize() (JobOptions, error) {
	if o.MaxDepth == 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.MaxDepth < 1 || o.MaxDepth > MaxMaxDepth {
		return o, fmt.Errorf("%w: max_depth must be within [1,%d]", ErrInvalidOptions, MaxMaxDepth)
	}
	if o.MaxPages == 0 {
		o.MaxPages = DefaultMaxPages
	}
	if o.MaxPages < 1 || o.MaxPages > MaxMaxPages {
		return o, fmt.Errorf("%w: max_pages must be within [1,%d]", ErrInvalidOptions, MaxMaxPages)
	}
	if o.MaxContentLength == 0 {
		o.MaxContentLength = DefaultMaxContentLength
	}
	if o.MaxContentLength < 0 {
		return o, fmt.Errorf("%w: max_content_length must be > 0", ErrInvalidOptions)
	}
	if o.HydrationDelay < 0 || o.HydrationDelay > MaxHydrationDelay {
		return o, fmt.Errorf("%w: hydration_delay must be within [0,%s]", ErrInvalidOptions, MaxHydrationDelay)
	}
	if o.ForceTier != nil && !o.ForceTier.Valid() {
		return o, fmt.Errorf("%w: unknown tier %d", ErrInvalidOptions, int(*o.ForceTier))
	}
	if o.WebhookURL != "" {
		u, err := url.Parse(o.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return o, fmt.Errorf("%w: webhook_url must be an absolute http(s) url", ErrInvalidOptions)
		}
	}
	if o.Proxy != "" {
		u, err := url.Parse(o.Proxy)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return o, fmt.Errorf("%w: proxy must be a url such as http://host:port", ErrInvalidOptions)
		}
	}
	return o, nil
}

// JobID derives the content-addressed identifier of a normalized URL.
func JobID(hasher Hasher, normalizedURL string) (string, error) {
	id, err := hasher.Hash([]byte(normalizedURL))
	if err != nil {
		return "", fmt.Errorf("hash url: %w", err)
	}
	return id, nil
}
