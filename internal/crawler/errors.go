package crawler

import "errors"

// Safety rejections fail fast and are never retried.
var (
	ErrUnsafeURL        = errors.New("url rejected by safety guard")
	ErrRobotsDisallowed = errors.New("url disallowed by robots.txt")
)

// Escalation outcomes.
var (
	ErrAntiBot         = errors.New("anti-bot protection detected")
	ErrSoftBlock       = errors.New("suspected soft block")
	ErrExhausted       = errors.New("all fetch attempts exhausted")
	ErrTierUnavailable = errors.New("fetch tier unavailable")
)

// Queue errors.
var (
	ErrJobNotFound     = errors.New("job not found")
	ErrLeaseLost       = errors.New("job lease lost")
	ErrNotRetryable    = errors.New("job is not in a retryable state")
	ErrInvalidOptions  = errors.New("invalid job options")
	ErrInvalidStatus   = errors.New("invalid job status")
	ErrQueueClosed     = errors.New("queue closed")
	ErrCacheMiss       = errors.New("cache miss")
	ErrProxyExists     = errors.New("proxy already registered")
	ErrInvalidEndpoint = errors.New("invalid proxy endpoint")
)
