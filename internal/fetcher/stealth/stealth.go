// Package stealth implements the hardened browser tier with go-rod and its
// fingerprint-masking stealth scripts.
package stealth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/devices"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/ysmood/gson"
	"go.uber.org/zap"

	"github.com/JakeFAU/tiered-scraper/internal/crawler"
	"github.com/JakeFAU/tiered-scraper/internal/proxy"
)

const defaultHydrationDelay = time.Second

// Config controls the stealth browser.
type Config struct {
	MaxParallel       int
	UserAgent         string
	BrowserPath       string
	NavigationTimeout time.Duration
}

// LaunchFunc starts a browser routed through proxyServer ("" for direct).
type LaunchFunc func(proxyServer string) (*rod.Browser, error)

// Fetcher implements crawler.Fetcher with a pool of rod browsers, one per proxy.
type Fetcher struct {
	cfg     Config
	logger  *zap.Logger
	launch  LaunchFunc
	limiter chan struct{}

	mu       sync.Mutex
	browsers map[string]*rod.Browser
}

// New builds a stealth Fetcher. Browsers are launched lazily on first use.
func New(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	f := &Fetcher{
		cfg:      cfg,
		logger:   logger,
		limiter:  limiter,
		browsers: make(map[string]*rod.Browser),
	}
	f.launch = f.launchBrowser
	return f, nil
}

// Healthy reports whether the fetcher can accept work.
func (f *Fetcher) Healthy(context.Context) error {
	return nil
}

// Close shuts down every launched browser.
func (f *Fetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, b := range f.browsers {
		if err := b.Close(); err != nil {
			f.logger.Warn("close stealth browser", zap.Error(err))
		}
		delete(f.browsers, key)
	}
}

// Fetch renders the page in a stealth tab and returns its DOM.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := f.acquire(ctx); err != nil {
		return crawler.FetchResponse{}, err
	}
	defer f.release()

	proxyServer, creds, err := proxy.SplitCredentials(request.Proxy)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	browser, err := f.browserFor(proxyServer)
	if err != nil {
		return crawler.FetchResponse{}, err
	}

	timeout := f.cfg.NavigationTimeout
	if request.Timeout > 0 {
		timeout = request.Timeout
	}
	start := time.Now()

	tab, err := stealth.Page(browser)
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("open stealth page: %w", err)
	}
	defer func() { _ = tab.Close() }()
	page := tab.Context(ctx).Timeout(timeout)
	defer page.CancelTimeout()

	meta := &documentMeta{}
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("enable network: %w", err)
	}
	go page.EachEvent(meta.capture)()
	if creds != nil {
		password, _ := creds.Password()
		auth := proxyAuth{client: page, username: creds.Username(), password: password, logger: f.logger}
		if err := (proto.FetchEnable{HandleAuthRequests: true}).Call(page); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("enable proxy auth: %w", err)
		}
		go page.EachEvent(auth.paused, auth.challenged)()
	}

	if err := f.prepare(page, request); err != nil {
		return crawler.FetchResponse{}, err
	}
	if err := page.Navigate(request.URL); err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("navigate: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("wait load: %w", err)
	}
	delay := request.HydrationDelay
	if delay <= 0 {
		delay = defaultHydrationDelay
	}
	if err := sleepWithContext(ctx, delay); err != nil {
		return crawler.FetchResponse{}, err
	}

	html, err := page.HTML()
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("read html: %w", err)
	}
	finalURL := request.URL
	if loc, err := page.Eval(`() => ({href: location.href, ready: document.readyState})`); err == nil {
		if href := documentHref(loc.Value); href != "" {
			finalURL = href
		}
	}

	var screenshot []byte
	if request.CaptureScreenshot {
		screenshot, err = page.Screenshot(true, &proto.PageCaptureScreenshot{
			Format: proto.PageCaptureScreenshotFormatPng,
		})
		if err != nil {
			f.logger.Debug("stealth screenshot failed", zap.String("url", request.URL), zap.Error(err))
		}
	}

	status, headers := meta.snapshot()
	return crawler.FetchResponse{
		URL:        finalURL,
		StatusCode: status,
		Headers:    headers,
		Body:       []byte(html),
		Screenshot: screenshot,
		Duration:   time.Since(start),
	}, nil
}

func (f *Fetcher) prepare(page *rod.Page, request crawler.FetchRequest) error {
	if request.Mobile {
		if err := page.Emulate(devices.IPhoneX); err != nil {
			return fmt.Errorf("emulate device: %w", err)
		}
	}
	ua := request.UserAgent
	if ua == "" && !request.Mobile {
		ua = f.cfg.UserAgent
	}
	if ua != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua}); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
	}
	if pairs := headerPairs(request.Headers); len(pairs) > 0 {
		if _, err := page.SetExtraHeaders(pairs); err != nil {
			return fmt.Errorf("set extra headers: %w", err)
		}
	}
	return nil
}

func (f *Fetcher) browserFor(proxyServer string) (*rod.Browser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.browsers[proxyServer]; ok {
		return b, nil
	}
	b, err := f.launch(proxyServer)
	if err != nil {
		return nil, err
	}
	f.browsers[proxyServer] = b
	return b, nil
}

func (f *Fetcher) launchBrowser(proxyServer string) (*rod.Browser, error) {
	l := launcher.New().
		Headless(true).
		NoSandbox(true).
		Set("disable-blink-features", "AutomationControlled")
	if f.cfg.BrowserPath != "" {
		l = l.Bin(f.cfg.BrowserPath)
	}
	if proxyServer != "" {
		l = l.Proxy(proxyServer)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	f.logger.Info("stealth browser started", zap.Bool("proxied", proxyServer != ""))
	return browser, nil
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stealth slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

// proxyAuth answers proxy challenges for one page. Fetch interception is
// enabled on the page session, so tabs sharing a browser never see each
// other's paused requests.
type proxyAuth struct {
	client   proto.Client
	username string
	password string
	logger   *zap.Logger
}

func (a proxyAuth) paused(e *proto.FetchRequestPaused) {
	if err := (proto.FetchContinueRequest{RequestID: e.RequestID}).Call(a.client); err != nil {
		a.logger.Debug("continue paused request", zap.Error(err))
	}
}

func (a proxyAuth) challenged(e *proto.FetchAuthRequired) {
	err := proto.FetchContinueWithAuth{
		RequestID: e.RequestID,
		AuthChallengeResponse: &proto.FetchAuthChallengeResponse{
			Response: proto.FetchAuthChallengeResponseResponseProvideCredentials,
			Username: a.username,
			Password: a.password,
		},
	}.Call(a.client)
	if err != nil {
		a.logger.Debug("answer proxy challenge", zap.Error(err))
	}
}

// documentHref reads the location from an in-page evaluation, ignoring
// about:blank and error pages.
func documentHref(v gson.JSON) string {
	href := v.Get("href")
	if href.Nil() {
		return ""
	}
	s := href.Str()
	if s == "" || s == "about:blank" || strings.HasPrefix(s, "chrome-error://") {
		return ""
	}
	return s
}

type documentMeta struct {
	mu      sync.Mutex
	status  int
	headers http.Header
}

func (m *documentMeta) capture(e *proto.NetworkResponseReceived) {
	if e.Type != proto.NetworkResourceTypeDocument || e.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range e.Response.Headers {
		headers.Add(key, value.String())
	}
	m.mu.Lock()
	m.status = e.Response.Status
	m.headers = headers
	m.mu.Unlock()
}

func (m *documentMeta) snapshot() (int, http.Header) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := m.status
	if status == 0 {
		status = http.StatusOK
	}
	headers := m.headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	return status, headers
}

func headerPairs(h http.Header) []string {
	pairs := make([]string, 0, len(h)*2)
	for _, key := range crawler.SortedKeys(h) {
		for _, v := range h[key] {
			pairs = append(pairs, key, v)
		}
	}
	return pairs
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("hydration wait canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
