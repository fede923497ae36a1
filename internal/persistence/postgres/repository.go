// Package postgres implements the matcher's storage on top of pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apdarr/lace/internal/events"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"

	matchedWorkoutIndex = "external_activities_matched_workout_key"
)

// Repository provides Postgres-backed persistence for activities, planned workouts and outbox events.
// Every statement runs inside a transaction scoped to the caller's tenant so row level security applies.
type Repository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

func (r *Repository) inTenantTx(ctx context.Context, tenantID string, fn func(pgx.Tx) error) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", tenantID); err != nil {
		return err
	}
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) insertOutbox(ctx context.Context, tx pgx.Tx, tenantID, activityID, eventType string, payload any, occurredAt time.Time) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	meta, ok := eventCatalog[eventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	dedupeKey := fmt.Sprintf("%s:%s:%d", activityID, eventType, occurredAt.UnixNano())

	const stmt = `INSERT INTO outbox (tenant_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (dedupe_key) DO NOTHING`

	_, err = tx.Exec(ctx, stmt,
		tenantID,
		"external_activity",
		activityID,
		eventType,
		meta.Topic,
		meta.SchemaSubject,
		meta.PartitionKeyFn(tenantID, activityID),
		body,
		dedupeKey,
	)
	return err
}

func (r *Repository) recordUnmatched(ctx context.Context, tx pgx.Tx, tenantID, activityID, workoutID, reason string) error {
	occurredAt := r.now()
	return r.insertOutbox(ctx, tx, tenantID, activityID, events.TypeActivityUnmatched, events.ActivityUnmatched{
		ActivityID: activityID,
		TenantID:   tenantID,
		WorkoutID:  workoutID,
		Reason:     reason,
		OccurredAt: occurredAt,
	}, occurredAt)
}

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic          string
	SchemaSubject  string
	PartitionKeyFn func(tenantID, activityID string) string
}

// MatchTopic carries activity.matched and activity.unmatched so both stay ordered per activity.
const MatchTopic = "activity_matches"

var eventCatalog = map[string]EventMetadata{
	events.TypeActivityMatched: {
		Topic:         MatchTopic,
		SchemaSubject: MatchTopic + "-value",
		PartitionKeyFn: func(tenantID, activityID string) string {
			return fmt.Sprintf("%s:%s", tenantID, activityID)
		},
	},
	events.TypeActivityUnmatched: {
		Topic:         MatchTopic,
		SchemaSubject: MatchTopic + "-value",
		PartitionKeyFn: func(tenantID, activityID string) string {
			return fmt.Sprintf("%s:%s", tenantID, activityID)
		},
	},
}

// validID reports whether id can be compared against a UUID column.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func pgErrorCode(err error) (code, constraint string) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName
	}
	return "", ""
}

// wallClock drops the zone so timestamp columns keep the local wall-clock reading.
func wallClock(t *time.Time) any {
	if t == nil {
		return nil
	}
	y, mo, d := t.Date()
	return time.Date(y, mo, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
