// Package outbox delivers match events recorded in the outbox table to Kafka.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"

	"github.com/apdarr/lace/internal/logger"
)

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

type schemaRegistrar interface {
	EnsureSchema(context.Context, string, string) (int, error)
}

// Option configures optional behaviour for the Dispatcher and DLQManager.
type Option func(*options)

type options struct {
	logger *logger.Logger
}

// WithLogger overrides the component logger.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{logger: logger.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Dispatcher polls the outbox, publishes claimed rows and settles them. A batch that cannot be
// published is moved to outbox_dlq in the same transaction that marks it published.
type Dispatcher struct {
	pool      *pgxpool.Pool
	producer  messageWriter
	registry  schemaRegistrar
	logger    *logger.Logger
	interval  time.Duration
	batchSize int

	mu        sync.Mutex
	schemaIDs map[string]int

	done chan struct{}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(pool *pgxpool.Pool, producer messageWriter, registry schemaRegistrar, interval time.Duration, batchSize int, opts ...Option) *Dispatcher {
	o := buildOptions(opts)
	return &Dispatcher{
		pool:      pool,
		producer:  producer,
		registry:  registry,
		logger:    o.logger.With("component", "outbox_dispatcher"),
		interval:  interval,
		batchSize: batchSize,
		schemaIDs: make(map[string]int),
		done:      make(chan struct{}),
	}
}

// Start polls until ctx is cancelled. Wait blocks until it has returned.
func (d *Dispatcher) Start(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if err := d.processBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("outbox pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until Start returns.
func (d *Dispatcher) Wait() {
	<-d.done
}

func (d *Dispatcher) processBatch(ctx context.Context) error {
	started := time.Now()
	messages, err := d.claim(ctx)
	if err != nil || len(messages) == 0 {
		return err
	}
	defer func() { batchDuration.Observe(time.Since(started).Seconds()) }()

	deliveryErr := d.deliver(ctx, messages)
	if deliveryErr != nil {
		d.logger.Warn("publish failed, dead-lettering batch", "events", len(messages), "error", deliveryErr)
	}
	if err := d.settle(ctx, messages, deliveryErr); err != nil {
		return err
	}
	if deliveryErr != nil {
		recordDeadLettered(messages)
	} else {
		recordPublished(messages)
	}
	return nil
}

// claim stamps claimed_at on the oldest unpublished rows. SKIP LOCKED lets several
// dispatchers share one outbox.
func (d *Dispatcher) claim(ctx context.Context) ([]Message, error) {
	var claimed []Message
	err := pgx.BeginTxFunc(ctx, d.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT event_id, tenant_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload
            FROM outbox
            WHERE published_at IS NULL
            ORDER BY event_id
            LIMIT $1
            FOR UPDATE SKIP LOCKED`, d.batchSize)
		if err != nil {
			return err
		}
		claimed, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
			var m Message
			err := row.Scan(&m.EventID, &m.TenantID, &m.AggregateType, &m.AggregateID, &m.EventType, &m.Topic, &m.SchemaSubject, &m.PartitionKey, &m.Payload)
			return m, err
		})
		if err != nil || len(claimed) == 0 {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE outbox SET claimed_at = NOW() WHERE event_id = ANY($1)`, eventIDs(claimed))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("claim outbox rows: %w", err)
	}
	return claimed, nil
}

// deliver writes one call per topic, keeping outbox order within each topic.
func (d *Dispatcher) deliver(ctx context.Context, messages []Message) error {
	var order []string
	perTopic := make(map[string][]kafka.Message)

	for _, msg := range messages {
		id, err := d.schemaID(ctx, msg)
		if err != nil {
			return err
		}
		if _, seen := perTopic[msg.Topic]; !seen {
			order = append(order, msg.Topic)
		}
		perTopic[msg.Topic] = append(perTopic[msg.Topic], msg.record(id))
	}

	for _, topic := range order {
		if err := d.producer.WriteMessages(ctx, topic, perTopic[topic]...); err != nil {
			return fmt.Errorf("publish to %s: %w", topic, err)
		}
	}
	return nil
}

func (d *Dispatcher) schemaID(ctx context.Context, msg Message) (int, error) {
	entry, ok := schemaCatalog[msg.EventType]
	if !ok {
		return 0, fmt.Errorf("no schema metadata for event_type=%s", msg.EventType)
	}

	key := msg.SchemaSubject + "::" + entry.Schema
	d.mu.Lock()
	id, cached := d.schemaIDs[key]
	d.mu.Unlock()
	if cached {
		return id, nil
	}

	id, err := d.registry.EnsureSchema(ctx, msg.SchemaSubject, entry.Schema)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	d.schemaIDs[key] = id
	d.mu.Unlock()
	return id, nil
}

// settle marks the batch published, first copying it into outbox_dlq when deliveryErr is set.
// Rows are grouped per tenant so each transaction runs under that tenant's RLS scope.
func (d *Dispatcher) settle(ctx context.Context, messages []Message, deliveryErr error) error {
	for tenantID, group := range byTenant(messages) {
		err := inTenantTx(ctx, d.pool, tenantID, func(tx pgx.Tx) error {
			if deliveryErr != nil {
				if err := deadLetter(ctx, tx, group, deliveryErr.Error()); err != nil {
					return err
				}
			}
			_, err := tx.Exec(ctx, `UPDATE outbox SET published_at = NOW() WHERE event_id = ANY($1)`, eventIDs(group))
			return err
		})
		if err != nil {
			return fmt.Errorf("settle outbox rows for tenant %s: %w", tenantID, err)
		}
	}
	return nil
}

func deadLetter(ctx context.Context, tx pgx.Tx, messages []Message, reason string) error {
	const stmt = `INSERT INTO outbox_dlq (tenant_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, next_retry_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, NOW())`

	batch := &pgx.Batch{}
	for _, m := range messages {
		batch.Queue(stmt, m.TenantID, m.EventID, m.EventType, m.Topic, m.Payload,
			fmt.Sprintf("%s (topic=%s)", reason, m.Topic), m.AggregateType, m.AggregateID, m.SchemaSubject, m.PartitionKey)
	}
	return tx.SendBatch(ctx, batch).Close()
}

func inTenantTx(ctx context.Context, pool *pgxpool.Pool, tenantID string, fn func(pgx.Tx) error) error {
	return pgx.BeginTxFunc(ctx, pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", tenantID); err != nil {
			return err
		}
		return fn(tx)
	})
}
