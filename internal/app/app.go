package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/MrSnakeDoc/linkfeed/internal/auth"
	"github.com/MrSnakeDoc/linkfeed/internal/config"
	"github.com/MrSnakeDoc/linkfeed/internal/feed"
	"github.com/MrSnakeDoc/linkfeed/internal/httpserver"
	"github.com/MrSnakeDoc/linkfeed/internal/httpserver/deps"
	"github.com/MrSnakeDoc/linkfeed/internal/logger"
	"github.com/MrSnakeDoc/linkfeed/internal/redis"
	"github.com/MrSnakeDoc/linkfeed/internal/scheduler"
	"github.com/MrSnakeDoc/linkfeed/internal/sources/seed"
	redisstore "github.com/MrSnakeDoc/linkfeed/internal/store/redis"
	"github.com/MrSnakeDoc/linkfeed/internal/store/sqlite"
	"github.com/MrSnakeDoc/linkfeed/internal/upstream"
	"github.com/MrSnakeDoc/linkfeed/internal/utils"
	"github.com/MrSnakeDoc/linkfeed/internal/version"
)

type App struct {
	cfg      *config.Config
	logger   logger.Logger
	server   *httpserver.Server
	feed     *feed.Feed
	snapshot scheduler.SnapshotStore
	closer   io.Closer
	syncer   *scheduler.SnapshotSyncer
	flusher  *scheduler.SnapshotFlusher
	reaper   *scheduler.Reaper
}

// backend bundles what the feed talks to upstream.
type backend struct {
	kind    string
	fetcher feed.Fetcher
	mutator feed.Mutator
	sources []feed.Source
}

func newBackend(cfg *config.Config, tokens *auth.TokenAuth, log logger.Logger) (backend, error) {
	if cfg.SeedFile != "" {
		up, err := seed.Load(cfg.SeedFile, tokens.Viewer)
		if err != nil {
			return backend{}, fmt.Errorf("load seed file: %w", err)
		}
		log.Info("serving links from seed file",
			logger.String("file", cfg.SeedFile),
			logger.Int("links", up.Count()))
		return backend{kind: "seed", fetcher: up, mutator: up, sources: up.Sources()}, nil
	}

	client := upstream.NewClient(cfg.UpstreamURL, tokens, log)
	subs := upstream.NewSubscriptions(cfg.UpstreamWSURL, tokens, upstream.DefaultSubscriptionSettings(), log)
	return backend{kind: "graphql", fetcher: client, mutator: client, sources: subs.Sources()}, nil
}

// openSnapshot returns the configured store and what must be closed with it.
func openSnapshot(cfg *config.Config, log logger.Logger) (scheduler.SnapshotStore, io.Closer, error) {
	switch cfg.SnapshotBackend {
	case config.BackendRedis:
		client, err := redis.Connect(context.Background(), redis.ConnectOptions{
			Addr:           cfg.RedisAddr,
			User:           cfg.RedisUser,
			Password:       cfg.RedisPassword,
			DB:             cfg.RedisDB,
			DialTimeout:    cfg.RedisDT,
			ReadTimeout:    cfg.RedisRT,
			WriteTimeout:   cfg.RedisWT,
			PoolSize:       cfg.RedisPoolSize,
			ConnectTimeout: cfg.RedisConnectTimeout,
			RetryInterval:  cfg.RedisRetryInterval,
			MaxWait:        cfg.RedisMaxWait,
			PingTimeout:    cfg.RedisPingTimeout,
			WarnThreshold:  cfg.RedisWarnThreshold,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return redisstore.NewStore(client).WithTTL(cfg.SnapshotTTL), client, nil
	case config.BackendSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		return store, store, nil
	default:
		return nil, nil, nil
	}
}

func New() *App {
	cfg := config.Load()

	loggerClient := logger.New(cfg.LogLevel, cfg.PrettyLog)

	tokens, err := auth.NewTokenAuth(cfg.AuthToken)
	if err != nil {
		loggerClient.Error("invalid FEED_AUTH_TOKEN", logger.Error(err))
		os.Exit(1)
	}
	if tokens.Authenticated() {
		loggerClient.Info("authenticated", logger.String("viewer", tokens.Viewer().ID))
	} else {
		loggerClient.Info("no auth token, feed is read-only")
	}

	be, err := newBackend(cfg, tokens, loggerClient)
	if err != nil {
		loggerClient.Error("failed to initialize upstream", logger.Error(err))
		os.Exit(1)
	}

	f := feed.New(feed.Config{
		PageSize: cfg.PageSize,
		TopN:     cfg.TopN,
		Engine: feed.EngineConfig{
			MaxPendingItems:        cfg.MaxPendingItems,
			MaxPendingVotesPerItem: cfg.MaxPendingVotes,
			MaxFlushAttempts:       cfg.MaxFlushAttempts,
			PendingTTL:             cfg.PendingTTL,
		},
		RevocationTimeout: cfg.RevocationTimeout,
		FetchRate:         rate.Limit(cfg.FetchRate),
		FetchBurst:        cfg.FetchBurst,
	}, feed.Deps{
		Fetcher: be.fetcher,
		Sources: be.sources,
		Mutator: be.mutator,
		Auth:    tokens,
		Logger:  loggerClient.Named("feed"),
	})

	// Snapshot store is optional; a configured one must be reachable.
	snap, closer, err := openSnapshot(cfg, loggerClient)
	if err != nil {
		loggerClient.Error("failed to open snapshot store", logger.Error(err))
		os.Exit(1)
	}

	a := &App{
		cfg:      cfg,
		logger:   loggerClient,
		feed:     f,
		snapshot: snap,
		closer:   closer,
		reaper:   scheduler.NewReaper(f, loggerClient.Named("reaper"), cfg.SweepInterval),
	}

	info := version.Get()
	d := deps.Deps{
		Logger:        loggerClient,
		StartTime:     time.Now(),
		Build:         info,
		TimeNow:       time.Now,
		AllowedCIDRS:  cfg.AllowedCIDRS,
		TrustProxy:    cfg.TrustProxy,
		Feed:          f,
		UpstreamKind:  be.kind,
		UpstreamURL:   cfg.UpstreamURL,
		MutationRate:  cfg.MutationRate,
		MutationBurst: cfg.MutationBurst,
	}

	if snap != nil {
		trigger := make(chan struct{}, 1)
		a.syncer = scheduler.NewSnapshotSyncer(snap, f, loggerClient.Named("snapshot"))
		a.flusher = scheduler.NewSnapshotFlusher(snap, f, loggerClient.Named("snapshot"), cfg.SnapshotInterval, trigger).
			WithRetention(cfg.SnapshotTTL)
		d.Snapshot = snap
		d.SnapshotTrigger = trigger
	} else {
		loggerClient.Info("snapshot backend disabled, restarts start cold")
	}

	a.server = httpserver.New(cfg.ListenPort, d)
	return a
}

func (a *App) Run() error {
	info := version.Get()
	a.logger.Info("🚀 Starting linkfeed",
		logger.String("version", info.Version),
		logger.String("commit", info.Commit),
		logger.String("built", info.BuildDate),
		logger.String("go", info.GoVersion),
		logger.String("addr", a.cfg.ListenPort))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Restore before the first fetch so upstream data merges on top.
	if a.syncer != nil {
		if _, err := a.syncer.Sync(ctx); err != nil {
			a.logger.Warn("failed to restore snapshot, starting cold", logger.Error(err))
		}
	}

	if err := a.feed.Start(ctx); err != nil {
		return fmt.Errorf("failed to start feed: %w", err)
	}

	if err := a.reaper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start reaper: %w", err)
	}
	a.logger.Info("reaper started", logger.Duration("interval", a.cfg.SweepInterval))

	if a.flusher != nil {
		if err := a.flusher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start snapshot flusher: %w", err)
		}
		a.logger.Info("snapshot flusher started",
			logger.String("backend", a.snapshot.Name()),
			logger.Duration("interval", a.cfg.SnapshotInterval))
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("⏳ Shutting down gracefully...")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.server.Stop(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to stop server: %w", err)
	}

	a.reaper.Stop()
	a.feed.Stop()

	// Final flush runs after the feed stopped, so it sees the last state.
	if a.flusher != nil {
		a.flusher.Stop()
	}
	if a.closer != nil {
		utils.MustClose(a.closer, a.logger)
		a.logger.Info("✅ Snapshot store closed")
	}

	a.logger.Info("✅ linkfeed stopped cleanly")
	_ = a.logger.Sync()
	return runErr
}
