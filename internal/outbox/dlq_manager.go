package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apdarr/lace/internal/logger"
)

const quarantineReason = "retry limit reached"

// DLQManager replays dead-lettered events into the outbox. Entries that keep failing back off
// exponentially and are quarantined after maxRetries attempts.
type DLQManager struct {
	pool       *pgxpool.Pool
	maxRetries int
	baseDelay  time.Duration
	logger     *logger.Logger
}

// ReplayStats summarises one RunOnce pass.
type ReplayStats struct {
	Requeued    int `json:"requeued"`
	Retried     int `json:"retried"`
	Quarantined int `json:"quarantined"`
	Backlog     int `json:"backlog"`
}

func (s *ReplayStats) add(outcome entryOutcome) {
	switch outcome {
	case outcomeRequeued:
		s.Requeued++
	case outcomeRetry:
		s.Retried++
	case outcomeQuarantined:
		s.Quarantined++
	}
}

// NewDLQManager defaults to five retries starting at one minute.
func NewDLQManager(pool *pgxpool.Pool, maxRetries int, baseDelay time.Duration, opts ...Option) *DLQManager {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	o := buildOptions(opts)
	return &DLQManager{pool: pool, maxRetries: maxRetries, baseDelay: baseDelay, logger: o.logger.With("component", "dlq_manager")}
}

// RunOnce handles up to batchSize due entries. A failing entry does not stop the pass; its
// error is joined into the result.
func (m *DLQManager) RunOnce(ctx context.Context, batchSize int) (ReplayStats, error) {
	var stats ReplayStats
	entries, err := m.due(ctx, batchSize)
	if err != nil {
		return stats, err
	}

	var errs []error
	for _, entry := range entries {
		outcome, err := m.handleEntry(ctx, entry)
		if err != nil {
			m.logger.Error("dlq entry failed", "dlq_id", entry.ID, "event_type", entry.EventType, "error", err)
			errs = append(errs, fmt.Errorf("dlq entry %d: %w", entry.ID, err))
			continue
		}
		stats.add(outcome)
		recordDLQOutcome(entry, outcome)
	}

	backlog, err := m.backlog(ctx)
	if err != nil {
		errs = append(errs, err)
	} else {
		stats.Backlog = backlog
		dlqBacklogGauge.Set(float64(backlog))
	}

	m.logger.Info("dlq pass completed", "requeued", stats.Requeued, "retried", stats.Retried, "quarantined", stats.Quarantined, "backlog", stats.Backlog)
	return stats, errors.Join(errs...)
}

func (m *DLQManager) due(ctx context.Context, limit int) ([]dlqEntry, error) {
	rows, err := m.pool.Query(ctx, `SELECT dlq_id, tenant_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, retry_count
        FROM outbox_dlq
        WHERE quarantined_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= NOW())
        ORDER BY created_at
        LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select due dlq entries: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[dlqEntry])
}

func (m *DLQManager) backlog(ctx context.Context) (int, error) {
	var n int
	err := m.pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq WHERE quarantined_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count dlq backlog: %w", err)
	}
	return n, nil
}

type entryOutcome int

const (
	outcomeRequeued entryOutcome = iota
	outcomeRetry
	outcomeQuarantined
)

func (o entryOutcome) String() string {
	switch o {
	case outcomeRequeued:
		return "requeued"
	case outcomeRetry:
		return "retry"
	case outcomeQuarantined:
		return "quarantined"
	default:
		return "unknown"
	}
}

func (m *DLQManager) handleEntry(ctx context.Context, entry dlqEntry) (entryOutcome, error) {
	var outcome entryOutcome
	err := inTenantTx(ctx, m.pool, entry.TenantID, func(tx pgx.Tx) error {
		if entry.RetryCount >= m.maxRetries {
			outcome = outcomeQuarantined
			_, err := tx.Exec(ctx, `UPDATE outbox_dlq SET quarantined_at = NOW(), quarantine_reason = $1 WHERE dlq_id = $2`, quarantineReason, entry.ID)
			return err
		}

		if requeueErr := requeue(ctx, tx, entry); requeueErr != nil {
			outcome = outcomeRetry
			_, err := tx.Exec(ctx, `UPDATE outbox_dlq
                    SET retry_count = retry_count + 1,
                        last_attempt_at = NOW(),
                        next_retry_at = NOW() + $1::interval,
                        reason = $2
                  WHERE dlq_id = $3`,
				m.backoffDelay(entry.RetryCount+1), requeueErr.Error(), entry.ID)
			return err
		}

		outcome = outcomeRequeued
		_, err := tx.Exec(ctx, `DELETE FROM outbox_dlq WHERE dlq_id = $1`, entry.ID)
		return err
	})
	return outcome, err
}

// backoffDelay doubles baseDelay per attempt, capped at one hour.
func (m *DLQManager) backoffDelay(attempt int) time.Duration {
	attempt = max(attempt, 1)
	if attempt > 16 {
		return time.Hour
	}
	return min(m.baseDelay<<(attempt-1), time.Hour)
}

// requeue copies entry back into outbox inside a savepoint so a rejected insert leaves tx usable.
func requeue(ctx context.Context, tx pgx.Tx, entry dlqEntry) error {
	if entry.SchemaSubject == "" {
		return fmt.Errorf("missing schema_subject for dlq entry %d", entry.ID)
	}
	if _, ok := schemaCatalog[entry.EventType]; !ok {
		return fmt.Errorf("no schema metadata for event_type=%s", entry.EventType)
	}

	return pgx.BeginFunc(ctx, tx, func(sp pgx.Tx) error {
		_, err := sp.Exec(ctx, `INSERT INTO outbox (tenant_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			entry.TenantID, entry.AggregateType, entry.AggregateID, entry.EventType, entry.Topic, entry.SchemaSubject, entry.PartitionKey, entry.Payload)
		return err
	})
}

// dlqEntry mirrors the column order selected by due.
type dlqEntry struct {
	ID            int64
	TenantID      string
	EventID       int64
	EventType     string
	Topic         string
	Payload       []byte
	Reason        string
	AggregateType string
	AggregateID   string
	SchemaSubject string
	PartitionKey  string
	RetryCount    int
}
