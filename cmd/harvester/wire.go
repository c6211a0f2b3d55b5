package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/api"
	"github.com/JakeFAU/listing-harvester/internal/campaign"
	"github.com/JakeFAU/listing-harvester/internal/clock/system"
	"github.com/JakeFAU/listing-harvester/internal/config"
	"github.com/JakeFAU/listing-harvester/internal/detector"
	"github.com/JakeFAU/listing-harvester/internal/engine"
	"github.com/JakeFAU/listing-harvester/internal/executor"
	collyfetcher "github.com/JakeFAU/listing-harvester/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/listing-harvester/internal/fetcher/headless"
	"github.com/JakeFAU/listing-harvester/internal/extract"
	"github.com/JakeFAU/listing-harvester/internal/governor"
	"github.com/JakeFAU/listing-harvester/internal/hash/sha256"
	idgen "github.com/JakeFAU/listing-harvester/internal/id/uuid"
	"github.com/JakeFAU/listing-harvester/internal/identity"
	"github.com/JakeFAU/listing-harvester/internal/progress"
	"github.com/JakeFAU/listing-harvester/internal/progress/sinks"
	"github.com/JakeFAU/listing-harvester/internal/scrape"
	"github.com/JakeFAU/listing-harvester/internal/session"
	"github.com/JakeFAU/listing-harvester/internal/storage/local"
	"github.com/JakeFAU/listing-harvester/internal/storage/memory"
	"github.com/JakeFAU/listing-harvester/internal/storage/postgres"
	"github.com/JakeFAU/listing-harvester/internal/storage/sqlite"
	"github.com/JakeFAU/listing-harvester/internal/store"
	"github.com/JakeFAU/listing-harvester/internal/strategy"
)

// application is everything run needs, plus teardown in reverse build order.
type application struct {
	campaignID  uuid.UUID
	coordinator *campaign.Coordinator
	server      *api.Server
	closers     []func(context.Context) error
}

func (a *application) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *application) close(logger *zap.Logger, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			logger.Warn("shutdown step failed", zap.Error(err))
		}
	}
}

// storageSet is what the configured sink kind provides.
type storageSet struct {
	sink   scrape.RecordSink
	ledger store.AbandonLedger
	repo   store.CampaignRepository
	ready  api.ReadyFunc
}

func wire(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *application, err error) {
	app := &application{}
	defer func() {
		if err != nil {
			app.close(logger, cfg.Server.ShutdownTimeout)
		}
	}()

	campaignID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("mint campaign id: %w", err)
	}
	app.campaignID = campaignID

	clock := system.New()
	ids := idgen.New()

	stores, err := buildStorage(ctx, cfg, campaignID, clock, logger, app)
	if err != nil {
		return nil, err
	}

	hub, err := buildHub(cfg, stores.repo, logger)
	if err != nil {
		return nil, err
	}
	app.onClose(hub.Close)
	recorder := progress.NewRecorder(campaignID, hub)

	var proxies identity.ProxySource
	if len(cfg.Identity.Proxies) > 0 {
		proxies = identity.NewStaticProxies(cfg.Identity.Proxies, logger.Named("proxies"))
	}
	pool, err := identity.NewPool(ctx, identityConfig(cfg.Identity), headerProfiles(cfg), proxies, clock, logger.Named("identity"))
	if err != nil {
		return nil, fmt.Errorf("init identity pool: %w", err)
	}

	sessions := session.NewManager(session.Config{
		MaxPerTarget: cfg.Session.MaxPerTarget,
		MaxUses:      cfg.Session.MaxUses,
		TTL:          cfg.Session.TTL,
		MaxAge:       cfg.Session.MaxAge,
	}, pool, clock, ids, logger.Named("session"))
	app.onClose(func(context.Context) error { sessions.Close(); return nil })

	gov := governor.New(governorConfig(cfg.Governor), logger.Named("governor"))

	det := detector.New(detectorConfig(cfg.Detector))
	backends, err := buildBackends(cfg, det, logger, app)
	if err != nil {
		return nil, err
	}

	tiers, err := cfg.Strategy.Parsed()
	if err != nil {
		return nil, err
	}
	ladder, err := strategy.NewLadder(tiers, strategy.Availability{
		Automation:      backends.Automation != nil,
		Proxies:         proxies != nil,
		ChallengeSolver: backends.Solver != nil,
	})
	if err != nil {
		return nil, fmt.Errorf("build strategy ladder: %w", err)
	}
	logger.Info("strategy ladder ready", zap.Stringers("tiers", ladder.Tiers()))

	pipeline, err := extract.New(extractConfig(cfg.Extract), sha256.New(), clock)
	if err != nil {
		return nil, fmt.Errorf("init extract pipeline: %w", err)
	}

	exec := executor.New(executorConfig(cfg.Executor), backends, det, pipeline, recorder, clock, ids, logger.Named("executor"))

	policy, err := cfg.Retry.RetryPolicy()
	if err != nil {
		return nil, err
	}
	eng := engine.New(engine.Config{
		Policy:              policy,
		MaxAttemptsPerChain: cfg.Retry.MaxAttemptsPerChain,
	}, ladder, gov, sessions, pool, exec, pipeline, logger.Named("engine"))

	coordinator, err := campaign.New(campaign.Config{
		Workers:         cfg.Workers(),
		RecordBatchSize: cfg.Sink.BatchSize,
		AbandonCooldown: cfg.Campaign.AbandonCooldown,
		SinkTimeout:     cfg.Sink.Timeout,
	}, eng, stores.sink, stores.ledger, hub, clock, logger.Named("campaign"))
	if err != nil {
		return nil, fmt.Errorf("init coordinator: %w", err)
	}
	app.coordinator = coordinator

	app.server = api.NewServer(
		api.Config{APIKey: cfg.Server.APIKey, RequestTimeout: cfg.Server.RequestTimeout},
		coordinator,
		api.NewProgressHandler(stores.repo, logger.Named("progress")),
		stores.ready,
		logger.Named("api"),
	)
	return app, nil
}

func buildStorage(
	ctx context.Context,
	cfg config.Config,
	campaignID uuid.UUID,
	clock scrape.Clock,
	logger *zap.Logger,
	app *application,
) (storageSet, error) {
	set := storageSet{
		ledger: memory.NewLedger(),
		repo:   memory.NewCampaignStore(),
	}
	switch cfg.Sink.Kind {
	case config.SinkMemory:
		set.sink = memory.NewRecordStore()
	case config.SinkJSONL:
		sink, err := local.New(local.Config{
			BaseDir:    cfg.Sink.JSONL.BaseDir,
			FileName:   cfg.Sink.JSONL.FileName,
			MaxSizeMB:  cfg.Sink.JSONL.MaxSizeMB,
			MaxBackups: cfg.Sink.JSONL.MaxBackups,
			Compress:   cfg.Sink.JSONL.Compress,
		}, campaignID.String(), clock)
		if err != nil {
			return storageSet{}, fmt.Errorf("init jsonl sink: %w", err)
		}
		logger.Info("writing records", zap.String("path", sink.Path()))
		set.sink = sink
	case config.SinkSQLite:
		db, err := sqlite.Open(cfg.Sink.SQLite.Path, logger.Named("sqlite"))
		if err != nil {
			return storageSet{}, fmt.Errorf("init sqlite sink: %w", err)
		}
		set.sink = db
		set.ledger = db
	case config.SinkPostgres:
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
			DSN:             cfg.Sink.Postgres.DSN,
			MaxConns:        cfg.Sink.Postgres.MaxConns,
			MinConns:        cfg.Sink.Postgres.MinConns,
			MaxConnLifetime: cfg.Sink.Postgres.MaxConnLifetime,
		})
		if err != nil {
			return storageSet{}, fmt.Errorf("init postgres pool: %w", err)
		}
		records, err := postgres.NewRecordStore(pool, cfg.Sink.Postgres.Table)
		if err != nil {
			pool.Close()
			return storageSet{}, err
		}
		ledger, err := postgres.NewLedger(pool)
		if err != nil {
			pool.Close()
			return storageSet{}, err
		}
		repo, err := postgres.NewCampaignStore(pool)
		if err != nil {
			pool.Close()
			return storageSet{}, err
		}
		set.sink, set.ledger, set.repo = records, ledger, repo
		set.ready = pool.Ping
	default:
		return storageSet{}, fmt.Errorf("unsupported sink kind %q", cfg.Sink.Kind)
	}
	sink := set.sink
	app.onClose(func(context.Context) error { return sink.Close() })
	return set, nil
}

func buildHub(cfg config.Config, repo store.CampaignRepository, logger *zap.Logger) (*progress.Hub, error) {
	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, fmt.Errorf("init progress metrics: %w", err)
	}
	return progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   cfg.Progress.MaxBatchWait,
		SinkTimeout:    cfg.Progress.SinkTimeout,
		Logger:         logger.Named("progress"),
	},
		sinks.NewLogSink(logger.Named("progress")),
		promSink,
		sinks.NewStoreSink(repo, logger.Named("progress")),
	), nil
}

func buildBackends(cfg config.Config, det *detector.Detector, logger *zap.Logger, app *application) (executor.Backends, error) {
	backends := executor.Backends{
		Fetcher: collyfetcher.New(collyfetcher.Config{
			DefaultUserAgent: cfg.HTTP.UserAgent,
			RespectRobots:    cfg.HTTP.RespectRobots,
			Timeout:          cfg.HTTP.Timeout,
			MaxBodySize:      cfg.HTTP.MaxBodySize,
		}, logger.Named("http")),
	}
	if !cfg.Headless.Enabled {
		return backends, nil
	}
	browser, err := headlessfetcher.New(headlessfetcher.Config{
		MaxParallel:       cfg.Headless.MaxParallel,
		SlotWait:          cfg.Headless.SlotWait,
		NavigationTimeout: cfg.Headless.NavigationTimeout,
		Settle:            cfg.Headless.Settle,
		ExecPath:          cfg.Headless.ExecPath,
		Headful:           cfg.Headless.Headful,
	}, logger.Named("headless"))
	if err != nil {
		if cfg.Challenge.Policy == config.ChallengeSolve {
			return executor.Backends{}, fmt.Errorf("init headless backend: %w", err)
		}
		// Browser tiers drop out of the ladder; plain tiers still work.
		logger.Warn("headless backend init failed", zap.Error(err))
		return backends, nil
	}
	app.onClose(func(context.Context) error { browser.Close(); return nil })
	backends.Automation = browser

	if cfg.Challenge.Policy == config.ChallengeSolve {
		challenged := func(p *scrape.Payload) bool {
			return det.Inspect(p, true).Verdict == detector.VerdictChallenge
		}
		backends.Solver = headlessfetcher.NewClearanceWaiter(browser, challenged, cfg.Challenge.Timeout, cfg.Challenge.Poll)
	}
	return backends, nil
}

func headerProfiles(cfg config.Config) []scrape.HeaderProfile {
	if len(cfg.Identity.Profiles) == 0 {
		return []scrape.HeaderProfile{{Name: "default", UserAgent: cfg.HTTP.UserAgent}}
	}
	out := make([]scrape.HeaderProfile, 0, len(cfg.Identity.Profiles))
	for i, p := range cfg.Identity.Profiles {
		name := p.Name
		if name == "" {
			name = fmt.Sprintf("profile-%d", i)
		}
		out = append(out, scrape.HeaderProfile{Name: name, UserAgent: p.UserAgent, Headers: p.Headers})
	}
	return out
}

func identityConfig(c config.IdentityConfig) identity.Config {
	return identity.Config{
		Rotation:          c.Rotation,
		BanWeight:         c.BanWeight,
		SuccessDecay:      c.SuccessDecay,
		HalfLife:          c.HalfLife,
		BlockThreshold:    c.BlockThreshold,
		CooldownBase:      c.CooldownBase,
		CooldownMax:       c.CooldownMax,
		QuarantineOnScore: c.QuarantineOnScore,
	}
}

func governorConfig(c config.GovernorConfig) governor.Config {
	bucket := func(b config.BucketConfig) governor.Bucket {
		return governor.Bucket{Capacity: b.Capacity, MinDelay: b.MinDelay, MaxDelay: b.MaxDelay}
	}
	targets := make(map[string]governor.Bucket, len(c.Targets))
	for domain, b := range c.TargetBuckets() {
		targets[domain] = bucket(b)
	}
	return governor.Config{MaxConcurrent: c.MaxConcurrent, Default: bucket(c.Default), Targets: targets}
}

func detectorConfig(c config.DetectorConfig) detector.Config {
	out := detector.DefaultConfig()
	if len(c.BlockKeywords) > 0 {
		out.BlockKeywords = c.BlockKeywords
	}
	if len(c.BlockSelectors) > 0 {
		out.BlockSelectors = c.BlockSelectors
	}
	if len(c.ChallengeKeywords) > 0 {
		out.ChallengeKeywords = c.ChallengeKeywords
	}
	if len(c.ChallengeSelectors) > 0 {
		out.ChallengeSelectors = c.ChallengeSelectors
	}
	out.ShellThreshold = c.ShellThreshold
	return out
}

func extractConfig(c config.ExtractConfig) extract.Config {
	return extract.Config{
		Format: extract.Format(c.Format),
		HTML: extract.HTMLRules{
			Container:    c.HTML.Container,
			Item:         c.HTML.Item,
			Title:        c.HTML.Title,
			Organization: c.HTML.Organization,
			Location:     c.HTML.Location,
			Link:         c.HTML.Link,
			LinkAttr:     c.HTML.LinkAttr,
			Empty:        c.HTML.Empty,
		},
		JSON: extract.JSONRules{
			Items:        c.JSON.Items,
			Title:        c.JSON.Title,
			Organization: c.JSON.Organization,
			Location:     c.JSON.Location,
			URL:          c.JSON.URL,
		},
	}
}

func executorConfig(c config.ExecutorConfig) executor.Config {
	out := executor.Config{AttemptTimeout: c.AttemptTimeout, WaitFor: c.WaitFor}
	if len(c.Form.Fields) > 0 || c.Form.Submit != "" {
		out.Form = &scrape.FormStep{Fields: c.Form.Fields, Submit: c.Form.Submit}
	}
	return out
}
