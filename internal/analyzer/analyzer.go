// Package analyzer recommends the first fetch tier for a URL so cheap tiers
// are not wasted on domains known to need a browser.
package analyzer

import (
	"net/url"
	"path"
	"strings"

	"github.com/JakeFAU/tiered-scraper/internal/crawler"
)

// Plan is the analyzer's recommendation for a URL.
type Plan struct {
	Tier       crawler.Tier `json:"tier"`
	Confidence float64      `json:"confidence"`
	Reason     string       `json:"reason"`
}

// Options lists domain reputation sets. Patterns accept "*.example.com".
type Options struct {
	JSHeavyDomains []string
	AntiBotDomains []string
	SearchDomains  []string
	// StaticThreshold is the confidence a static plan must exceed before
	// tier 0 is attempted.
	StaticThreshold float64
}

// Analyzer inspects URLs against domain lists and routing patterns.
type Analyzer struct {
	jsHeavy   *crawler.DomainMatcher
	antiBot   *crawler.DomainMatcher
	search    *crawler.DomainMatcher
	messaging *crawler.DomainMatcher
	threshold float64
}

var (
	staticExtensions = []string{".html", ".htm", ".php", ".asp", ".aspx"}
	staticSegments   = []string{"/blog/", "/post/", "/article/", "/news/"}
	appSegments      = []string{"/app/", "/dashboard/"}
)

// New builds an Analyzer.
func New(opts Options) *Analyzer {
	return &Analyzer{
		jsHeavy:   crawler.NewDomainMatcher(opts.JSHeavyDomains),
		antiBot:   crawler.NewDomainMatcher(opts.AntiBotDomains),
		search:    crawler.NewDomainMatcher(opts.SearchDomains),
		messaging: crawler.NewDomainMatcher([]string{"t.me", "telegram.me", "telegram.dog"}),
		threshold: opts.StaticThreshold,
	}
}

// Plan recommends a tier with a confidence in [0,1].
func (a *Analyzer) Plan(rawURL string) Plan {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return Plan{Tier: crawler.TierHeadless, Confidence: 0.5, Reason: "unparseable url"}
	}
	host := u.Hostname()
	p := strings.ToLower(u.EscapedPath())

	switch {
	case a.antiBot.Match(host):
		return Plan{Tier: crawler.TierStealth, Confidence: 0.9, Reason: "anti-bot protected domain"}
	case a.messaging.Match(host):
		return Plan{Tier: crawler.TierHeadless, Confidence: 1.0, Reason: "messaging channel"}
	case a.search.Match(host) && isSearchPath(u):
		return Plan{Tier: crawler.TierHeadless, Confidence: 1.0, Reason: "search results page"}
	case a.jsHeavy.Match(host):
		return Plan{Tier: crawler.TierHeadless, Confidence: 0.9, Reason: "javascript-heavy domain"}
	case strings.HasPrefix(u.Fragment, "!") || strings.HasPrefix(u.Fragment, "/"):
		return Plan{Tier: crawler.TierHeadless, Confidence: 0.8, Reason: "hash-routed single page app"}
	case containsAny(p+"/", appSegments):
		return Plan{Tier: crawler.TierHeadless, Confidence: 0.8, Reason: "application route"}
	case p == "" || p == "/":
		return Plan{Tier: crawler.TierStatic, Confidence: 0.9, Reason: "site root"}
	case hasStaticExtension(p) || containsAny(p+"/", staticSegments):
		return Plan{Tier: crawler.TierStatic, Confidence: 0.9, Reason: "static content path"}
	default:
		return Plan{Tier: crawler.TierStatic, Confidence: 0.7, Reason: "no special handling"}
	}
}

// StartTier applies the static confidence threshold to the plan: tier 0 is
// only used when the analyzer is confident enough, otherwise tier 1.
func (a *Analyzer) StartTier(plan Plan) crawler.Tier {
	if plan.Tier == crawler.TierStatic && plan.Confidence <= a.threshold {
		return crawler.TierHeadless
	}
	return plan.Tier
}

func isSearchPath(u *url.URL) bool {
	p := strings.ToLower(u.Path)
	if strings.HasPrefix(p, "/search") || strings.HasPrefix(p, "/html") {
		return true
	}
	return u.Query().Get("q") != ""
}

func hasStaticExtension(p string) bool {
	ext := path.Ext(p)
	for _, candidate := range staticExtensions {
		if ext == candidate {
			return true
		}
	}
	return false
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
