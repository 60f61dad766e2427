package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/operations-engine/internal/config"
	"github.com/atmx/operations-engine/internal/connection"
	"github.com/atmx/operations-engine/internal/dispatch"
	"github.com/atmx/operations-engine/internal/events"
	"github.com/atmx/operations-engine/internal/ingest"
	"github.com/atmx/operations-engine/internal/normalize"
	"github.com/atmx/operations-engine/internal/server"
	"github.com/atmx/operations-engine/internal/source"
	"github.com/atmx/operations-engine/internal/source/demo"
	"github.com/atmx/operations-engine/internal/source/rest"
	"github.com/atmx/operations-engine/internal/store"
)

// dataSource is what the engine and the HTTP endpoints need from a data source.
type dataSource interface {
	ingest.Source
	normalize.InstrumentResolver
	server.Connector
	source.Accounts
}

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.Storage.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Storage.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.Storage.RedisURL)
			if err != nil {
				slog.Error("invalid redis url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Storage.CacheTTL.Duration)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("database url not set, using in-memory store (snapshots will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Notification delivery ---
	serial := dispatch.NewSerial(256)
	state := connection.NewState(serial)

	// --- Data source ---
	var src dataSource
	if cfg.DemoMode() {
		d := demo.New(demo.WithState(state))
		if err := d.Connect(ctx); err != nil {
			slog.Error("demo connect failed", "err", err)
			os.Exit(1)
		}
		src = d
		slog.Warn("broker token not set, serving demo operations")
	} else {
		src = rest.NewClient(cfg.Broker.BaseURL, cfg.Broker.Token, state,
			rest.WithRateLimit(cfg.Broker.RateLimit),
			rest.WithTimeout(cfg.Broker.Timeout.Duration),
			rest.WithOperationState(cfg.Broker.OperationState),
			rest.WithLogger(logger),
		)
	}

	// --- Engine ---
	resolver := normalize.NewCachedResolver(src, cfg.Broker.InstrumentCacheTTL.Duration)
	normalizer := normalize.New(normalize.Options{
		ChunkSize:        cfg.Engine.ChunkSize,
		ChunkYield:       cfg.Engine.ChunkYield.Duration,
		FallbackCurrency: cfg.Engine.FallbackCurrency,
		Resolver:         resolver,
		Logger:           logger,
	})
	engine := ingest.New(src, normalizer, ingest.Options{
		PageSize:     cfg.Engine.PageSize,
		PageLimit:    cfg.Engine.PageLimit,
		Timeout:      cfg.Engine.LoadTimeout.Duration,
		RegroupDelay: cfg.Engine.RegroupDelay.Duration,
		Location:     cfg.Location(),
		Dispatcher:   serial,
		Logger:       logger,
	})

	// --- Cycle events ---
	var pub events.Publisher = events.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		pub = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		slog.Info("kafka publisher enabled", "topic", cfg.Kafka.Topic)
	}
	defer pub.Close()

	// --- WebSocket hub and recorder ---
	wsHub := server.NewWSHub()
	rec := server.NewRecorder(wsHub, st, pub, logger)
	engine.Subscribe(rec)
	state.Subscribe(rec.OnConnection)

	svc := server.NewService(server.Deps{
		Engine:      engine,
		Store:       st,
		State:       state,
		Connector:   src,
		Accounts:    src,
		Resolver:    resolver,
		Location:    cfg.Location(),
		BaseContext: ctx,
		Logger:      logger,
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server.NewRouter(svc, wsHub),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serial.Run(gctx) })
	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		rec.Run(gctx)
		return nil
	})
	g.Go(func() error {
		slog.Info("operations-engine listening", "port", cfg.Server.Port, "demo", cfg.DemoMode())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down operations-engine...")
		engine.Cancel()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server error", "err", err)
	}
	serial.Close()
	rec.Flush()
	src.Disconnect()
	fmt.Println("operations-engine stopped")
}
