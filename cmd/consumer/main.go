package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/apdarr/lace/internal/config"
	"github.com/apdarr/lace/internal/consumer"
	"github.com/apdarr/lace/internal/logger"
	"github.com/apdarr/lace/internal/matching"
	persistence "github.com/apdarr/lace/internal/persistence/postgres"
	httptransport "github.com/apdarr/lace/internal/transport/http"
)

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
		log.Fatal("consumer exited", "error", err)
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
	matcher := matching.NewMatcher(engine, repo, matching.WithLogger(log))
	handler := consumer.NewIngestHandler(repo, matcher, log)

	metricsSrv := httptransport.NewMetricsServer(cfg.MetricsAddress)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("consumer metrics listening", "address", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	for _, topic := range cfg.ConsumerTopics {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.KafkaBrokers,
			GroupID:        cfg.ConsumerGroupID,
			Topic:          topic,
			MinBytes:       1e3,
			MaxBytes:       10e6,
			CommitInterval: time.Second,
			RetentionTime:  24 * time.Hour,
		})
		proc := consumer.NewProcessor(reader, handler, consumer.WithLogger(log.With("topic", topic)))

		g.Go(func() error {
			defer reader.Close()
			log.Info("consumer started", "topic", topic, "group_id", cfg.ConsumerGroupID)
			if err := proc.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	return g.Wait()
}
