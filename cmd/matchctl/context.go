package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apdarr/lace/internal/config"
	"github.com/apdarr/lace/internal/domain"
	"github.com/apdarr/lace/internal/logger"
	"github.com/apdarr/lace/internal/matching"
	"github.com/apdarr/lace/internal/outbox"
	persistence "github.com/apdarr/lace/internal/persistence/postgres"
)

type activityGetter interface {
	GetActivity(ctx context.Context, tenantID, activityID string) (*domain.ExternalActivity, error)
}

type matchOps interface {
	Candidates(ctx context.Context, activity domain.ExternalActivity) ([]matching.Candidate, error)
	Match(ctx context.Context, activity *domain.ExternalActivity) (bool, error)
	Unmatch(ctx context.Context, activity *domain.ExternalActivity) (bool, error)
	BatchMatch(ctx context.Context, tenantID, planID string) (matching.BatchResult, error)
}

type dlqReplayer interface {
	RunOnce(ctx context.Context, batchSize int) (outbox.ReplayStats, error)
}

// services bundles what the subcommands operate on.
type services struct {
	activities activityGetter
	matcher    matchOps
	dlq        dlqReplayer
	close      func()
}

type opener func(ctx context.Context) (*services, error)

type commandContext struct {
	tenantID string
	output   string
	open     opener
}

func newCommandContext(open opener) *commandContext {
	return &commandContext{output: outputAuto, open: open}
}

func (c *commandContext) withServices(ctx context.Context, fn func(*services) error) error {
	svc, err := c.open(ctx)
	if err != nil {
		return err
	}
	if svc.close != nil {
		defer svc.close()
	}
	return fn(svc)
}

// openServices connects to Postgres with the same environment the services use.
func openServices(ctx context.Context) (*services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, err
	}

	repo := persistence.NewRepository(pool)
	engine, err := matching.NewEngine(cfg.Matcher)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &services{
		activities: repo,
		matcher:    matching.NewMatcher(engine, repo, matching.WithLogger(log), matching.WithBatchSize(cfg.MatchBatchSize)),
		dlq:        outbox.NewDLQManager(pool, cfg.DLQMaxRetries, cfg.DLQBaseDelay, outbox.WithLogger(log)),
		close: func() {
			pool.Close()
			log.Sync()
		},
	}, nil
}
