// Package detector classifies fetch results as usable, blocked by anti-bot
// protection, or suspiciously empty.
package detector

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/tiered-scraper/internal/crawler"
)

// Verdict is the classification of one attempt.
type Verdict struct {
	Outcome crawler.Outcome
	Reason  string
}

// Err converts a failing verdict into an error wrapping the matching sentinel.
func (v Verdict) Err() error {
	switch v.Outcome {
	case crawler.OutcomeSuccess:
		return nil
	case crawler.OutcomeAntiBot:
		return fmt.Errorf("%w: %s", crawler.ErrAntiBot, v.Reason)
	case crawler.OutcomeSoftBlock:
		return fmt.Errorf("%w: %s", crawler.ErrSoftBlock, v.Reason)
	default:
		return errors.New(v.Reason)
	}
}

var (
	blockTitles = []string{
		"just a moment",
		"access denied",
		"attention required",
		"are you a robot",
		"robot check",
		"security check",
		"pardon our interruption",
		"captcha",
	}
	blockBodyMarkers = []string{
		"please verify you are a human",
		"verify you are human",
		"cf-browser-verification",
		"/cdn-cgi/challenge-platform",
		"px-captcha",
		"captcha-delivery.com",
	}
	errorKeywords = []string{
		"captcha",
		"anti_bot",
		"anti-bot",
		"blocked",
		"access denied",
		"cloudflare",
		"bot detection",
		"status 403",
		"status 429",
	}
	spaMarkers = [][]byte{
		[]byte("__next"),
		[]byte(`id="root"`),
		[]byte(`id="app"`),
		[]byte("data-reactroot"),
		[]byte("ng-version"),
	}
)

// Detector holds the soft-block thresholds.
type Detector struct {
	// MinContent is the content length below which an untitled page is a soft block.
	MinContent int
	// ShellContent is the content length below which a static page carrying
	// SPA markers or dense scripts is treated as an unrendered shell.
	ShellContent int
}

// New creates a detector. Zero values fall back to 50 and 500 characters.
func New(minContent int) *Detector {
	if minContent <= 0 {
		minContent = 50
	}
	return &Detector{MinContent: minContent, ShellContent: 500}
}

// Classify inspects the response and its extracted page.
func (d *Detector) Classify(tier crawler.Tier, resp crawler.FetchResponse, page crawler.Result) Verdict {
	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		return Verdict{Outcome: crawler.OutcomeAntiBot, Reason: fmt.Sprintf("http status %d", resp.StatusCode)}
	case resp.StatusCode >= http.StatusBadRequest:
		return Verdict{Outcome: crawler.OutcomeError, Reason: fmt.Sprintf("http status %d", resp.StatusCode)}
	}

	if sig, ok := matchAny(page.Title, blockTitles); ok {
		return Verdict{Outcome: crawler.OutcomeAntiBot, Reason: fmt.Sprintf("block page title %q", sig)}
	}
	if sig, ok := matchAny(page.Content, blockBodyMarkers); ok {
		return Verdict{Outcome: crawler.OutcomeAntiBot, Reason: fmt.Sprintf("block page marker %q", sig)}
	}
	if sig, ok := matchAny(string(resp.Body), blockBodyMarkers); ok {
		return Verdict{Outcome: crawler.OutcomeAntiBot, Reason: fmt.Sprintf("block page marker %q", sig)}
	}

	contentLen := utf8.RuneCountInString(strings.TrimSpace(page.Content))
	if strings.TrimSpace(page.Title) == "" && contentLen < d.MinContent {
		return Verdict{
			Outcome: crawler.OutcomeSoftBlock,
			Reason:  fmt.Sprintf("empty title and %d chars of content", contentLen),
		}
	}
	if tier == crawler.TierStatic && contentLen < d.ShellContent && LooksLikeShell(resp.Body) {
		return Verdict{Outcome: crawler.OutcomeSoftBlock, Reason: "static fetch returned a javascript shell"}
	}
	return Verdict{Outcome: crawler.OutcomeSuccess}
}

// ClassifyError maps a fetch error onto an outcome, recognising ban messages
// reported by tiers that surface blocks as errors.
func ClassifyError(err error) crawler.Outcome {
	if err == nil {
		return crawler.OutcomeSuccess
	}
	if errors.Is(err, crawler.ErrAntiBot) {
		return crawler.OutcomeAntiBot
	}
	if errors.Is(err, crawler.ErrSoftBlock) {
		return crawler.OutcomeSoftBlock
	}
	if _, ok := matchAny(err.Error(), errorKeywords); ok {
		return crawler.OutcomeAntiBot
	}
	return crawler.OutcomeError
}

// LooksLikeShell reports whether markup is a client-rendered application
// shell that a static fetch cannot see into.
func LooksLikeShell(body []byte) bool {
	if len(body) == 0 {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return scriptDensityHigh(body)
}

func matchAny(haystack string, needles []string) (string, bool) {
	if haystack == "" {
		return "", false
	}
	lower := strings.ToLower(haystack)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return n, true
		}
	}
	return "", false
}

// scriptDensityHigh reports whether at least a quarter of the document is
// inside <script> elements.
func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered, pos := 0, 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			covered += total - start
			break
		}
		contentStart := start + tagClose + 1
		end := total
		if relEnd := strings.Index(lower[contentStart:], closeTag); relEnd != -1 {
			end = contentStart + relEnd + len(closeTag)
		}
		covered += end - start
		pos = end
	}
	return covered > 0 && covered*100/total >= 25
}
