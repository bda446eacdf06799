package headless

import (
	"context"
	"fmt"

	"github.com/JakeFAU/tiered-scraper/internal/crawler"
)

// Noop stands in for a browser tier that is disabled in configuration.
type Noop struct {
	Tier crawler.Tier
}

// NewNoop creates a Noop fetcher for tier.
func NewNoop(tier crawler.Tier) *Noop {
	return &Noop{Tier: tier}
}

// Fetch always fails with crawler.ErrTierUnavailable.
func (n Noop) Fetch(_ context.Context, _ crawler.FetchRequest) (crawler.FetchResponse, error) {
	return crawler.FetchResponse{}, fmt.Errorf("%s fetcher not configured: %w", n.Tier, crawler.ErrTierUnavailable)
}

// Healthy always reports the tier as unavailable.
func (n Noop) Healthy(context.Context) error {
	return fmt.Errorf("%s: %w", n.Tier, crawler.ErrTierUnavailable)
}
