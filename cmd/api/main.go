package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/apdarr/lace/internal/api"
	"github.com/apdarr/lace/internal/auth"
	"github.com/apdarr/lace/internal/config"
	"github.com/apdarr/lace/internal/logger"
	"github.com/apdarr/lace/internal/matching"
	"github.com/apdarr/lace/internal/outbox"
	persistence "github.com/apdarr/lace/internal/persistence/postgres"
	httptransport "github.com/apdarr/lace/internal/transport/http"
)

const dlqBatchSize = 50

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("api exited", "error", err)
	}
}

func run(cfg config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	repo := persistence.NewRepository(pool)
	engine, err := matching.NewEngine(cfg.Matcher)
	if err != nil {
		return err
	}
	matcher := matching.NewMatcher(engine, repo, matching.WithLogger(log), matching.WithBatchSize(cfg.MatchBatchSize))

	producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
	defer producer.Close()
	registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL)
	dispatcher := outbox.NewDispatcher(pool, producer, registry, cfg.OutboxPollInterval, cfg.OutboxBatchSize, outbox.WithLogger(log))
	dlq := outbox.NewDLQManager(pool, cfg.DLQMaxRetries, cfg.DLQBaseDelay, outbox.WithLogger(log))

	handler := api.NewHandler(repo, matcher, log)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})
	server := httptransport.NewServer(
		httptransport.DefaultServerConfig(cfg.HTTPAddress),
		httptransport.WithRequestLogging(log, authMiddleware.Wrap(mux)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("api listening", "address", cfg.HTTPAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		dispatcher.Start(gctx)
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.DLQPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
			stats, err := dlq.RunOnce(gctx, dlqBatchSize)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("dlq replay failed", "error", err)
				continue
			}
			if stats.Requeued+stats.Retried+stats.Quarantined > 0 {
				log.Info("dlq replay", "requeued", stats.Requeued, "retried", stats.Retried, "quarantined", stats.Quarantined, "backlog", stats.Backlog)
			}
		}
	})

	err = g.Wait()
	dispatcher.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
