// Command server runs the chatroom backend: the HTTP API, the generation
// worker pool, or both, depending on RUN_MODE.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/go-chatroom-backend/internal/cache"
	"github.com/tbourn/go-chatroom-backend/internal/config"
	"github.com/tbourn/go-chatroom-backend/internal/generation"
	httpapi "github.com/tbourn/go-chatroom-backend/internal/http"
	"github.com/tbourn/go-chatroom-backend/internal/identity"
	"github.com/tbourn/go-chatroom-backend/internal/observability"
	"github.com/tbourn/go-chatroom-backend/internal/queue"
	"github.com/tbourn/go-chatroom-backend/internal/repo"
	"github.com/tbourn/go-chatroom-backend/internal/sysutil"
	"github.com/tbourn/go-chatroom-backend/internal/worker"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	shutdownTimeout  = 15 * time.Second
	purgeInterval    = 10 * time.Minute
	redisQueuePrefix = "chatroom:queue"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component and blocks until SIGINT/SIGTERM or a component
// fails. Deferred closes run in reverse order before it returns.
func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log := sysutil.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogPretty, cfg.RunMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version, cfg.RunMode)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()

	var bdb *badger.DB
	if cfg.Queue.Backend == "badger" || cfg.Cache.Backend == "badger" {
		bdb, err = openBadger(cfg.Queue.BadgerPath)
		if err != nil {
			return err
		}
		defer func() {
			log.Info().Msg("closing badger")
			_ = bdb.Close()
		}()
	}

	var rdb redis.UniversalClient
	if cfg.Queue.Backend == "redis" || cfg.Cache.Backend == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
	}

	q := newQueue(cfg, bdb, rdb, log)
	listings := newListingCache(cfg, bdb, rdb)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.RunMode == "all" || cfg.RunMode == "api" {
		idp := newIdentity(cfg, db, log)
		srv := newHTTPServer(cfg, httpapi.Deps{
			DB:       db,
			Queue:    q,
			Cache:    listings,
			Identity: idp,
			Log:      log,
		})

		g.Go(func() error {
			log.Info().Str("addr", srv.Addr).Str("version", version).Msg("http server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			log.Info().Msg("http server shutting down")
			return srv.Shutdown(sctx)
		})
		g.Go(func() error {
			purgeIdempotency(gctx, db, log)
			return nil
		})
	}

	if cfg.RunMode == "all" || cfg.RunMode == "worker" {
		model, err := generation.New(ctx, cfg.Model)
		if err != nil {
			return fmt.Errorf("generation model: %w", err)
		}
		pool := &worker.Pool{
			Queue:        q,
			DB:           db,
			Model:        model,
			Concurrency:  cfg.WorkerConcurrency,
			ModelTimeout: cfg.Model.Timeout,
			Log:          log.With().Str("component", "worker").Logger(),
		}
		g.Go(func() error { return pool.Run(gctx) })
	}

	err = g.Wait()
	log.Info().Err(err).Msg("stopped")
	return err
}

func openStore(cfg config.Config) (*gorm.DB, error) {
	dsn := cfg.DBPath
	if cfg.DBDriver == "postgres" {
		dsn = cfg.DatabaseURL
	}
	db, err := repo.Open(cfg.DBDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.DBDriver, err)
	}
	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, fmt.Errorf("gorm tracing plugin: %w", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// openBadger opens the embedded KV at path, or an in-memory instance when
// path is empty.
func openBadger(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %q: %w", path, err)
	}
	return bdb, nil
}

func newQueue(cfg config.Config, bdb *badger.DB, rdb redis.UniversalClient, log zerolog.Logger) queue.Queue {
	opts := queue.Options{
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		MaxAttempts:       cfg.Queue.MaxAttempts,
		RetryBackoff:      cfg.Queue.RetryBackoff,
		PollInterval:      cfg.Queue.PollInterval,
	}
	qlog := log.With().Str("component", "queue").Str("backend", cfg.Queue.Backend).Logger()
	if cfg.Queue.Backend == "redis" {
		return queue.NewRedisQueue(rdb, redisQueuePrefix, opts, qlog)
	}
	return queue.NewBadgerQueue(bdb, opts, qlog)
}

func newListingCache(cfg config.Config, bdb *badger.DB, rdb redis.UniversalClient) cache.ListingCache {
	switch cfg.Cache.Backend {
	case "redis":
		return cache.NewRedisCache(rdb)
	case "badger":
		return cache.NewBadgerCache(bdb)
	default:
		return cache.Noop{}
	}
}

func newIdentity(cfg config.Config, db *gorm.DB, log zerolog.Logger) identity.Provider {
	if cfg.JWTSecret != "" {
		return identity.NewJWTProvider(db, cfg.JWTSecret)
	}
	log.Warn().Msg("JWT_SECRET is empty: trusting the X-User-ID header, do not expose this instance")
	return identity.HeaderProvider{DB: db}
}

func newHTTPServer(cfg config.Config, deps httpapi.Deps) *http.Server {
	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, deps, cfg)

	return &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}
}

// purgeIdempotency drops expired idempotency records until ctx is done.
func purgeIdempotency(ctx context.Context, db *gorm.DB, log zerolog.Logger) {
	t := time.NewTicker(purgeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := repo.PurgeExpiredIdempotency(ctx, db, time.Now().UTC())
			if err != nil {
				log.Warn().Err(err).Msg("purge idempotency")
				continue
			}
			if n > 0 {
				log.Debug().Int64("purged", n).Msg("expired idempotency keys removed")
			}
		}
	}
}
