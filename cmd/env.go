package main

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-ingest/internal/db"
	"github.com/sells-group/catalog-ingest/internal/events"
	"github.com/sells-group/catalog-ingest/internal/feeds"
	"github.com/sells-group/catalog-ingest/internal/fetcher"
	"github.com/sells-group/catalog-ingest/internal/ingest"
	"github.com/sells-group/catalog-ingest/internal/jobs"
	"github.com/sells-group/catalog-ingest/internal/metrics"
	"github.com/sells-group/catalog-ingest/internal/normalize"
	"github.com/sells-group/catalog-ingest/internal/offers"
	"github.com/sells-group/catalog-ingest/internal/override"
	"github.com/sells-group/catalog-ingest/internal/queue"
	"github.com/sells-group/catalog-ingest/internal/resilience"
	"github.com/sells-group/catalog-ingest/internal/sources"
	"github.com/sells-group/catalog-ingest/internal/summary"
	"github.com/sells-group/catalog-ingest/internal/worker"
)

// appEnv holds the store handle and the components built on it. The
// process owns the pool; every component receives it explicitly.
type appEnv struct {
	Pool    *pgxpool.Pool
	Queue   queue.Queue
	Metrics *metrics.Metrics
	Events  events.Publisher
	Cache   *summary.RedisCache // nil when redis is not configured

	Sources   *sources.PostgresStore
	Runs      *ingest.PostgresRunLog
	Snapshots *ingest.PostgresStore
	Ingestor  *ingest.Ingestor
	Summaries *summary.Aggregator
}

// Close releases everything the env opened.
func (e *appEnv) Close() {
	if e.Events != nil {
		if err := e.Events.Close(); err != nil {
			zap.L().Warn("close event publisher", zap.Error(err))
		}
	}
	if e.Cache != nil {
		_ = e.Cache.Close()
	}
	if e.Queue != nil {
		e.Queue.Close()
	}
	if e.Pool != nil {
		e.Pool.Close()
	}
}

// initEnv connects to Postgres and wires the shared components. The queue
// uses the configured driver; every other store needs Postgres.
func initEnv(ctx context.Context) (*appEnv, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}
	if cfg.Store.DatabaseURL == "" {
		return nil, eris.New("store.database_url is required (CATALOG_STORE_DATABASE_URL)")
	}

	pool, err := db.Connect(ctx, cfg.Store.DatabaseURL, &db.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
	if err != nil {
		return nil, err
	}
	env := &appEnv{Pool: pool, Metrics: metrics.New(nil)}

	env.Queue, err = openQueue(ctx, pool)
	if err != nil {
		env.Close()
		return nil, err
	}

	env.Events = events.New(cfg.Kafka.Brokers, cfg.Kafka.Topic)

	var cache summary.Cache
	if cfg.Redis.Addr != "" {
		env.Cache, err = summary.NewRedisCache(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			time.Duration(cfg.Summary.CacheTTLSecs)*time.Second)
		if err != nil {
			zap.L().Warn("redis unavailable, summary cache disabled", zap.Error(err))
		} else {
			cache = env.Cache
		}
	}

	env.Sources = sources.NewPostgresStore(pool)
	env.Runs = ingest.NewRunLog(pool)
	env.Snapshots = ingest.NewPostgresStore(pool)
	env.Ingestor = ingest.NewIngestor(env.Snapshots, env.Sources, env.Metrics)
	env.Summaries = summary.New(pool, summary.Options{
		StaleAfter: time.Duration(cfg.Summary.StaleAfterHours) * time.Hour,
		Cache:      cache,
		Metrics:    env.Metrics,
	})
	return env, nil
}

func openQueue(ctx context.Context, pool *pgxpool.Pool) (queue.Queue, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return queue.NewSQLite(ctx, cfg.Store.SQLitePath)
	case "postgres":
		return queue.NewPostgres(pool), nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// normalizer builds a Normalizer over the env's stores.
func (e *appEnv) normalizer() *normalize.Normalizer {
	return normalize.New(normalize.Deps{
		Store:     normalize.NewPostgresStore(e.Pool),
		Snapshots: e.Snapshots,
		Sources:   e.Sources,
		Events:    e.Events,
		Metrics:   e.Metrics,
	})
}

// overrides builds the admin override store.
func (e *appEnv) overrides() *override.Store {
	return override.NewStore(e.Pool, e.Events)
}

// registry wires one handler per job kind.
func (e *appEnv) registry() (*jobs.Registry, error) {
	httpClient := fetcher.NewHTTPClient(fetcher.HTTPOptions{
		UserAgent:  cfg.Fetcher.UserAgent,
		Timeout:    time.Duration(cfg.Fetcher.TimeoutSecs) * time.Second,
		PerHostRPS: cfg.Fetcher.PerHostRPS,
		Retry:      resilience.RetryConfig{MaxAttempts: cfg.Fetcher.MaxRetries + 1},
	})
	offerHandlers := offers.NewHandlers(offers.Deps{
		Offers:    offers.NewPostgresStore(e.Pool),
		Pager:     httpClient,
		Ingester:  e.Ingestor,
		Snapshots: e.Snapshots,
		Summaries: e.Summaries,
	})
	feed := feeds.NewHandler(e.Sources,
		fetcher.NewFTPFetcher(fetcher.FTPOptions{Timeout: time.Duration(cfg.Fetcher.TimeoutSecs) * time.Second}),
		e.Ingestor)

	return jobs.NewRegistry(append(offerHandlers.All(), feed)...)
}

// worker builds a Worker from config.
func (e *appEnv) worker() (*worker.Worker, error) {
	if err := cfg.Validate("worker"); err != nil {
		return nil, err
	}
	reg, err := e.registry()
	if err != nil {
		return nil, err
	}
	return worker.New(e.Queue, reg, e.Runs, e.Metrics, worker.Options{
		ID:             workerID(),
		BatchSize:      cfg.Worker.BatchSize,
		Concurrency:    cfg.Worker.Concurrency,
		DefaultTimeout: time.Duration(cfg.Worker.DefaultTimeoutMs) * time.Millisecond,
		LockTTL:        time.Duration(cfg.Queue.ReapAfterMinutes) * time.Minute,
		PollInterval:   time.Duration(cfg.Worker.PollIntervalSecs) * time.Second,
	}), nil
}

// workerID is the configured id, or the hostname plus a random suffix so concurrent
// processes never share one.
func workerID() string {
	if cfg.Worker.ID != "" {
		return cfg.Worker.ID
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}
