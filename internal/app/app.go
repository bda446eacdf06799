// Package app wires configuration into the long-lived scraper services and
// owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	gcsstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/tiered-scraper/internal/analyzer"
	"github.com/JakeFAU/tiered-scraper/internal/api"
	memorycache "github.com/JakeFAU/tiered-scraper/internal/cache/memory"
	rediscache "github.com/JakeFAU/tiered-scraper/internal/cache/redis"
	"github.com/JakeFAU/tiered-scraper/internal/clock/system"
	"github.com/JakeFAU/tiered-scraper/internal/config"
	"github.com/JakeFAU/tiered-scraper/internal/crawler"
	"github.com/JakeFAU/tiered-scraper/internal/detector"
	"github.com/JakeFAU/tiered-scraper/internal/dispatcher"
	"github.com/JakeFAU/tiered-scraper/internal/escalation"
	"github.com/JakeFAU/tiered-scraper/internal/fanout"
	collyfetcher "github.com/JakeFAU/tiered-scraper/internal/fetcher/colly"
	"github.com/JakeFAU/tiered-scraper/internal/fetcher/headless"
	"github.com/JakeFAU/tiered-scraper/internal/fetcher/service"
	"github.com/JakeFAU/tiered-scraper/internal/fetcher/stealth"
	"github.com/JakeFAU/tiered-scraper/internal/hash/sha256"
	"github.com/JakeFAU/tiered-scraper/internal/id/uuid"
	"github.com/JakeFAU/tiered-scraper/internal/maintenance"
	"github.com/JakeFAU/tiered-scraper/internal/policy/ratelimit"
	"github.com/JakeFAU/tiered-scraper/internal/policy/robots"
	"github.com/JakeFAU/tiered-scraper/internal/policy/safety"
	"github.com/JakeFAU/tiered-scraper/internal/progress"
	"github.com/JakeFAU/tiered-scraper/internal/progress/sinks"
	"github.com/JakeFAU/tiered-scraper/internal/proxy"
	memorypub "github.com/JakeFAU/tiered-scraper/internal/publisher/memory"
	pubsubpub "github.com/JakeFAU/tiered-scraper/internal/publisher/pubsub"
	"github.com/JakeFAU/tiered-scraper/internal/queue"
	memoryqueue "github.com/JakeFAU/tiered-scraper/internal/queue/memory"
	"github.com/JakeFAU/tiered-scraper/internal/storage/gcs"
	"github.com/JakeFAU/tiered-scraper/internal/storage/local"
	memorystorage "github.com/JakeFAU/tiered-scraper/internal/storage/memory"
	"github.com/JakeFAU/tiered-scraper/internal/storage/postgres"
	"github.com/JakeFAU/tiered-scraper/internal/webhook"
	"github.com/JakeFAU/tiered-scraper/internal/worker"
)

// completionBacklog bounds the in-process completion log when Pub/Sub is off.
const completionBacklog = 200

// Options adjusts wiring for embedding and tests.
type Options struct {
	// Registerer receives the progress collectors. Defaults to the global registry.
	Registerer prometheus.Registerer
	// Listener replaces the TCP listener opened by Run.
	Listener net.Listener
}

// App holds every long-lived service of a running scraper.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	Manager    *queue.Manager
	Controller *escalation.Controller
	Proxies    *proxy.Tracker

	ready      *memoryqueue.Queue
	hub        *progress.Hub
	webhooks   *webhook.Notifier
	fanout     *fanout.Dispatcher
	dispatcher *dispatcher.Dispatcher
	janitor    *maintenance.Janitor
	server     *http.Server
	listener   net.Listener

	closers []func() error
}

// New builds the full service graph. Anything opened before a failure is
// released again.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, listener: opts.Listener}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	clock := system.New()

	guard, err := a.safety()
	if err != nil {
		return nil, err
	}

	store, err := a.jobStore(ctx)
	if err != nil {
		return nil, err
	}

	cache, sweeper, err := a.resultCache(ctx, clock)
	if err != nil {
		return nil, err
	}

	var publisher crawler.Publisher
	var completions api.Completions
	if cfg.PubSub.Enabled {
		p, perr := pubsubpub.Connect(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName, logger.Named("pubsub"))
		if perr != nil {
			return nil, fmt.Errorf("connect pubsub: %w", perr)
		}
		a.closers = append(a.closers, p.Close)
		publisher = p
	} else {
		p := memorypub.NewBounded(completionBacklog)
		a.closers = append(a.closers, p.Close)
		publisher = p
		completions = p
	}

	promSink, err := sinks.NewPrometheusSink(opts.Registerer)
	if err != nil {
		return nil, err
	}
	a.hub = progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.BatchSize,
		MaxBatchWait:   config.Millis(cfg.Progress.FlushIntervalMs),
		Logger:         logger.Named("progress"),
	},
		sinks.NewLogSink(logger.Named("events")),
		promSink,
		sinks.NewPublisherSink(publisher, cfg.PubSub.TopicName, logger.Named("completions")),
	)

	if err := a.proxies(clock); err != nil {
		return nil, err
	}

	a.ready = memoryqueue.NewQueue(cfg.Queue.Capacity)
	a.Manager, err = queue.New(queue.Deps{
		Store:     store,
		Ready:     a.ready,
		Hasher:    sha256.New(),
		IDs:       uuid.New(),
		Clock:     clock,
		Safety:    guard,
		Admission: ratelimit.NewAdmission(cfg.Queue.AdmissionMax, cfg.AdmissionWindow()),
		Events:    a.hub,
		Logger:    logger.Named("queue"),
	}, queue.Options{
		LeaseDuration: cfg.LeaseDuration(),
		MaxStalls:     cfg.Queue.MaxStalls,
		KeepCompleted: cfg.Queue.KeepCompleted,
		KeepFailed:    cfg.Queue.KeepFailed,
	})
	if err != nil {
		return nil, fmt.Errorf("build job manager: %w", err)
	}
	if cfg.Storage.JobBackend == "postgres" {
		restored, rerr := a.Manager.Restore(ctx)
		if rerr != nil {
			return nil, fmt.Errorf("restore jobs: %w", rerr)
		}
		logger.Info("restored persisted jobs", zap.Int("count", restored))
	}

	snapshots, err := a.blobStore(ctx)
	if err != nil {
		return nil, err
	}
	a.Controller, err = a.controller(clock, guard, snapshots)
	if err != nil {
		return nil, err
	}

	a.webhooks = webhook.New(webhook.Config{
		MaxAttempts: cfg.Webhook.MaxAttempts,
		BackoffBase: config.Millis(cfg.Webhook.BackoffBaseMs),
		Timeout:     config.Seconds(cfg.Webhook.TimeoutSeconds),
		MaxInFlight: cfg.Webhook.MaxInFlight,
		UserAgent:   cfg.Webhook.UserAgent,
	}, nil, guard, logger.Named("webhook"))

	a.fanout = fanout.New(fanout.Config{
		MaxChildren:  cfg.Fanout.MaxChildren,
		SameHostOnly: cfg.Fanout.SameHostOnly,
		BudgetTTL:    time.Duration(cfg.Fanout.BudgetTTLMinutes) * time.Minute,
	}, a.Manager, clock, logger.Named("fanout"))

	count := cfg.Workers.WorkerCount()
	runners := make([]dispatcher.Runner, 0, count)
	for i := range count {
		runners = append(runners, worker.New(worker.Config{
			CacheTTL: cfg.CacheTTL(),
		}, worker.Deps{
			Jobs:     a.Manager,
			Runner:   a.Controller,
			Cache:    cache,
			Webhooks: a.webhooks,
			Fanout:   a.fanout,
			Logger:   logger.Named("worker").With(zap.Int("index", i)),
		}))
	}
	a.dispatcher = dispatcher.New(runners, logger.Named("dispatcher"))

	a.janitor, err = maintenance.New(maintenance.Config{
		ReapSchedule:      cfg.Maintenance.ReapSchedule,
		RetentionSchedule: cfg.Maintenance.RetentionSchedule,
	}, a.Manager, sweeper, a.fanout, logger.Named("janitor"))
	if err != nil {
		return nil, fmt.Errorf("build janitor: %w", err)
	}

	apiKey, adminKey := "", ""
	if cfg.Auth.Enabled {
		apiKey, adminKey = cfg.Auth.APIKey, cfg.Auth.AdminAPIKey
	}
	srv := api.NewServer(a.Manager, a.Proxies, completions, api.Options{
		RequestTimeout: config.Seconds(cfg.Server.RequestTimeoutSeconds),
		DefaultWait:    config.Seconds(cfg.Queue.DefaultWaitSeconds),
		MaxWait:        config.Seconds(cfg.Queue.MaxWaitSeconds),
		APIKey:         apiKey,
		AdminAPIKey:    adminKey,
	}, logger.Named("api"))
	a.server = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("scraper assembled",
		zap.Int("workers", count),
		zap.Int("proxies", len(a.Proxies.List())),
		zap.String("job_backend", cfg.Storage.JobBackend),
		zap.String("blob_backend", cfg.Storage.BlobBackend),
		zap.String("cache_backend", cfg.Cache.Backend),
	)
	return a, nil
}

// NewScraper builds only the escalation controller and its collaborators for
// one-off scrapes that bypass the job queue. release shuts the browsers down.
func NewScraper(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *escalation.Controller, release func() error, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.release()
		}
	}()

	clock := system.New()
	guard, err := a.safety()
	if err != nil {
		return nil, nil, err
	}
	if err := a.proxies(clock); err != nil {
		return nil, nil, err
	}
	snapshots, err := a.blobStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	ctrl, err := a.controller(clock, guard, snapshots)
	if err != nil {
		return nil, nil, err
	}
	return ctrl, a.release, nil
}

// Handler exposes the HTTP surface without binding a port.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Run serves HTTP and drives the workers until ctx ends, then shuts down.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.server.Addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", a.server.Addr, err)
		}
	}

	a.janitor.Start()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.dispatcher.Run(gctx)
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), config.Seconds(a.cfg.Server.ShutdownSeconds))
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.Seconds(a.cfg.Server.ShutdownSeconds))
	defer cancel()
	if cerr := a.Close(closeCtx); cerr != nil {
		a.logger.Warn("close services", zap.Error(cerr))
	}
	a.logger.Info("shutdown complete")
	return err
}

// Close stops background services and releases every backend.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.janitor != nil {
		errs = append(errs, a.janitor.Stop(ctx))
		a.janitor = nil
	}
	if a.webhooks != nil {
		errs = append(errs, a.webhooks.Close(ctx))
		a.webhooks = nil
	}
	if a.hub != nil {
		errs = append(errs, a.hub.Close(ctx))
		a.hub = nil
	}
	errs = append(errs, a.release())
	return errors.Join(errs...)
}

func (a *App) release() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	if a.ready != nil {
		a.ready.Close()
		a.ready = nil
	}
	return errors.Join(errs...)
}

func (a *App) safety() (crawler.SafetyChecker, error) {
	if !a.cfg.Safety.Enabled {
		return nil, nil
	}
	g, err := safety.New(safety.Options{
		DenyDomains:  a.cfg.Safety.DenyDomains,
		AllowedCIDRs: a.cfg.Safety.AllowedCIDRs,
	}, a.logger.Named("safety"))
	if err != nil {
		return nil, fmt.Errorf("build safety guard: %w", err)
	}
	return g, nil
}

func (a *App) proxies(clock crawler.Clock) error {
	endpoints := append([]string(nil), a.cfg.Proxy.Endpoints...)
	if a.cfg.Proxy.File != "" {
		fromFile, err := proxy.LoadFile(a.cfg.Proxy.File)
		if err != nil {
			return fmt.Errorf("load proxy file: %w", err)
		}
		endpoints = append(endpoints, fromFile...)
	}
	a.Proxies = proxy.NewTracker(endpoints, proxy.Options{
		FailureThreshold: a.cfg.Proxy.FailureThreshold,
		Cooldown:         config.Seconds(a.cfg.Proxy.CooldownSeconds),
		Clock:            clock,
	}, a.logger.Named("proxy"))
	return nil
}

func (a *App) jobStore(ctx context.Context) (crawler.JobStore, error) {
	if a.cfg.Storage.JobBackend != "postgres" {
		return memorystorage.NewJobStore(), nil
	}
	store, err := postgres.NewJobStore(ctx, postgres.JobStoreConfig{
		DSN:      a.cfg.Postgres.DSN,
		Table:    a.cfg.Postgres.Table,
		MaxConns: a.cfg.Postgres.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure job schema: %w", err)
	}
	return store, nil
}

func (a *App) resultCache(ctx context.Context, clock crawler.Clock) (crawler.ResultCache, maintenance.Sweeper, error) {
	switch a.cfg.Cache.Backend {
	case "redis":
		client, err := rediscache.NewClient(ctx, rediscache.Config{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
			Timeout:  config.Seconds(a.cfg.Redis.TimeoutSeconds),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return rediscache.New(client, a.logger.Named("cache")), nil, nil
	case "memory":
		c := memorycache.New(clock)
		return c, c, nil
	default:
		return nil, nil, nil
	}
}

func (a *App) blobStore(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.BlobBackend {
	case "gcs":
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("build gcs blob store: %w", err)
		}
		return store, nil
	case "local":
		store, err := local.New(local.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("build local blob store: %w", err)
		}
		return store, nil
	default:
		return memorystorage.NewBlobStore(), nil
	}
}

// controller assembles the tier fetchers and the escalation loop around them.
func (a *App) controller(clock crawler.Clock, guard crawler.SafetyChecker, snapshots crawler.BlobStore) (*escalation.Controller, error) {
	cfg := a.cfg
	tiers, err := a.tiers()
	if err != nil {
		return nil, err
	}

	var robotsChecker crawler.RobotsChecker
	if cfg.Robots.Enabled {
		robotsChecker = robots.New(robots.Options{
			Client:   &http.Client{Timeout: config.Seconds(cfg.Robots.TimeoutSeconds)},
			CacheTTL: config.Seconds(cfg.Robots.CacheTTLSeconds),
			Clock:    clock,
		}, a.logger.Named("robots"))
	}

	var events progress.Emitter
	if a.hub != nil {
		events = a.hub
	}
	ctrl, err := escalation.New(escalation.Config{
		MaxAttempts:    cfg.Escalation.MaxAttempts,
		AttemptTimeout: config.Seconds(cfg.Escalation.AttemptTimeoutSeconds),
		StaticTimeout:  config.Seconds(cfg.Escalation.StaticTimeoutSeconds),
		Backoff: crawler.NewExponentialBackoff(
			config.Millis(cfg.Escalation.BackoffBaseMs),
			config.Millis(cfg.Escalation.BackoffMaxMs),
		),
		Forensics:      cfg.Escalation.Forensics,
		SnapshotPrefix: cfg.Storage.Prefix,
	}, escalation.Deps{
		Tiers:    tiers,
		Detector: detector.New(cfg.Escalation.SoftBlockMinContent),
		Planner: analyzer.New(analyzer.Options{
			JSHeavyDomains:  cfg.Analyzer.JSHeavyDomains,
			AntiBotDomains:  cfg.Analyzer.AntiBotDomains,
			SearchDomains:   cfg.Analyzer.SearchDomains,
			StaticThreshold: cfg.Escalation.StaticConfidenceThreshold,
		}),
		Pool:      a.Proxies,
		Safety:    guard,
		Robots:    robotsChecker,
		Hosts:     ratelimit.NewHostLimiter(cfg.Escalation.HostRPS, cfg.Escalation.HostBurst),
		Snapshots: snapshots,
		Events:    events,
		Clock:     clock,
		Logger:    a.logger.Named("escalation"),
	})
	if err != nil {
		return nil, fmt.Errorf("build escalation controller: %w", err)
	}
	return ctrl, nil
}

// tiers builds one fetcher per enabled tier. Disabled tiers are left nil so
// the controller skips them.
func (a *App) tiers() (escalation.Tiers, error) {
	cfg := a.cfg
	userAgent := cfg.Escalation.UserAgent
	var tiers escalation.Tiers

	if cfg.Fetchers.Static.Enabled {
		switch cfg.Fetchers.Static.Mode {
		case "service":
			client, err := service.New(service.Config{
				BaseURL:         cfg.Fetchers.Static.ServiceURL,
				PollInterval:    config.Millis(cfg.Fetchers.Static.PollIntervalMs),
				PollMaxAttempts: cfg.Fetchers.Static.PollMaxAttempts,
				RequestTimeout:  config.Seconds(cfg.Escalation.StaticTimeoutSeconds),
				HealthTimeout:   config.Millis(cfg.Fetchers.Static.HealthTimeoutMs),
			}, nil, a.logger.Named("static-service"))
			if err != nil {
				return tiers, fmt.Errorf("build static service client: %w", err)
			}
			tiers.Static = client
		default:
			tiers.Static = collyfetcher.New(collyfetcher.Config{
				UserAgent:    userAgent,
				Timeout:      config.Seconds(cfg.Escalation.StaticTimeoutSeconds),
				MaxBodyBytes: cfg.Fetchers.Static.MaxBodyBytes,
			})
		}
	}

	if cfg.Fetchers.Headless.Enabled {
		f, err := headless.NewChromedp(headless.Config{
			MaxParallel:       cfg.Fetchers.Headless.MaxParallel,
			UserAgent:         userAgent,
			BrowserPath:       cfg.Fetchers.Headless.BrowserPath,
			NavigationTimeout: config.Seconds(cfg.Fetchers.Headless.NavTimeoutSec),
		})
		if err != nil {
			return tiers, fmt.Errorf("build headless fetcher: %w", err)
		}
		a.closers = append(a.closers, func() error {
			f.Close()
			return nil
		})
		tiers.Headless = f
	}

	if cfg.Fetchers.Stealth.Enabled {
		f, err := stealth.New(stealth.Config{
			MaxParallel:       cfg.Fetchers.Stealth.MaxParallel,
			UserAgent:         userAgent,
			BrowserPath:       cfg.Fetchers.Stealth.BrowserPath,
			NavigationTimeout: config.Seconds(cfg.Fetchers.Stealth.NavTimeoutSec),
		}, a.logger.Named("stealth"))
		if err != nil {
			return tiers, fmt.Errorf("build stealth fetcher: %w", err)
		}
		a.closers = append(a.closers, func() error {
			f.Close()
			return nil
		})
		tiers.Stealth = f
	}
	return tiers, nil
}
