package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/apdarr/lace/internal/domain"
	"github.com/apdarr/lace/internal/observability"
)

const activityColumns = `activity_id::text, tenant_id, user_id, source, source_id, distance, activity_type, start_date_local, description,
        matched_workout_id::text, match_confidence, matched_at, created_at, updated_at`

func scanActivity(row pgx.Row) (domain.ExternalActivity, error) {
	var (
		a            domain.ExternalActivity
		activityType *string
		description  *string
		workoutID    *string
		confidence   *float64
		matchedAt    *time.Time
	)
	if err := row.Scan(&a.ID, &a.TenantID, &a.UserID, &a.Source, &a.SourceID, &a.Distance, &activityType, &a.StartDateLocal, &description,
		&workoutID, &confidence, &matchedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return domain.ExternalActivity{}, err
	}
	a.ActivityType = derefString(activityType)
	a.Description = derefString(description)
	if workoutID != nil && confidence != nil && matchedAt != nil {
		a.Match = &domain.Match{WorkoutID: *workoutID, Confidence: *confidence, MatchedAt: matchedAt.UTC()}
	}
	return a, nil
}

// GetActivity retrieves an external activity by ID.
func (r *Repository) GetActivity(ctx context.Context, tenantID, activityID string) (*domain.ExternalActivity, error) {
	if !validID(activityID) {
		return nil, domain.ErrActivityNotFound
	}

	var activity domain.ExternalActivity
	err := r.inTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		var scanErr error
		activity, scanErr = scanActivity(tx.QueryRow(ctx,
			`SELECT `+activityColumns+` FROM external_activities WHERE tenant_id=$1 AND activity_id=$2`,
			tenantID, activityID))
		return scanErr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrActivityNotFound
	}
	if err != nil {
		return nil, err
	}
	return &activity, nil
}

// FindBySource looks an activity up by the tracker's identifier.
func (r *Repository) FindBySource(ctx context.Context, tenantID, source, sourceID string) (*domain.ExternalActivity, error) {
	var activity domain.ExternalActivity
	err := r.inTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		var scanErr error
		activity, scanErr = scanActivity(tx.QueryRow(ctx,
			`SELECT `+activityColumns+` FROM external_activities WHERE tenant_id=$1 AND source=$2 AND source_id=$3`,
			tenantID, source, sourceID))
		return scanErr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrActivityNotFound
	}
	if err != nil {
		return nil, err
	}
	return &activity, nil
}

// ListActivities returns activities newest first. Activities without a start date sort last.
func (r *Repository) ListActivities(ctx context.Context, tenantID string, filter domain.ActivityFilter, cursor *domain.Cursor, limit int) ([]domain.ExternalActivity, *domain.Cursor, error) {
	args := []any{tenantID, limit}
	query := `SELECT ` + activityColumns + ` FROM external_activities WHERE tenant_id=$1`

	if filter.Matched != nil {
		if *filter.Matched {
			query += ` AND matched_workout_id IS NOT NULL`
		} else {
			query += ` AND matched_workout_id IS NULL`
		}
	}
	if cursor != nil {
		args = append(args, wallClock(&cursor.StartDateLocal), cursor.ID)
		query += fmt.Sprintf(` AND (COALESCE(start_date_local, 'epoch'::timestamp), activity_id::text) < ($%d, $%d)`, len(args)-1, len(args))
	}
	query += ` ORDER BY COALESCE(start_date_local, 'epoch'::timestamp) DESC, activity_id::text DESC LIMIT $2`

	results := make([]domain.ExternalActivity, 0, limit)
	err := r.inTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			activity, err := scanActivity(rows)
			if err != nil {
				return err
			}
			results = append(results, activity)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, nil, err
	}

	var next *domain.Cursor
	if len(results) == limit && limit > 0 {
		last := results[len(results)-1]
		ts := time.Unix(0, 0).UTC()
		if last.StartDateLocal != nil {
			ts = *last.StartDateLocal
		}
		next = &domain.Cursor{StartDateLocal: ts, ID: last.ID}
	}
	return results, next, nil
}

// UpsertExternalActivity creates the activity or refreshes its tracker fields, keyed by
// (tenant, source, source_id). Match fields are never touched here.
func (r *Repository) UpsertExternalActivity(ctx context.Context, in domain.ExternalActivity) (*domain.ExternalActivity, error) {
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}

	const stmt = `INSERT INTO external_activities (activity_id, tenant_id, user_id, source, source_id, distance, activity_type, start_date_local, description)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (tenant_id, source, source_id) DO UPDATE SET
            user_id = EXCLUDED.user_id,
            distance = EXCLUDED.distance,
            activity_type = EXCLUDED.activity_type,
            start_date_local = EXCLUDED.start_date_local,
            description = EXCLUDED.description,
            updated_at = NOW()
        RETURNING ` + activityColumns

	var stored domain.ExternalActivity
	err := r.inTenantTx(ctx, in.TenantID, func(tx pgx.Tx) error {
		var scanErr error
		stored, scanErr = scanActivity(tx.QueryRow(ctx, stmt,
			id, in.TenantID, in.UserID, in.Source, in.SourceID, in.Distance,
			nullIfEmpty(in.ActivityType), wallClock(in.StartDateLocal), nullIfEmpty(in.Description)))
		return scanErr
	})
	if err != nil {
		return nil, err
	}
	observability.RecordActivityIngested(stored.UpdatedAt)
	return &stored, nil
}

// DeleteExternalActivity removes the activity. A matched activity is unmatched first, in the
// same transaction, and an activity.unmatched event is recorded.
func (r *Repository) DeleteExternalActivity(ctx context.Context, tenantID, activityID string) error {
	if !validID(activityID) {
		return domain.ErrActivityNotFound
	}
	return r.inTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		var workoutID *string
		err := tx.QueryRow(ctx,
			`SELECT matched_workout_id::text FROM external_activities WHERE tenant_id=$1 AND activity_id=$2 FOR UPDATE`,
			tenantID, activityID).Scan(&workoutID)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrActivityNotFound
		}
		if err != nil {
			return err
		}
		if workoutID != nil {
			if err := r.recordUnmatched(ctx, tx, tenantID, activityID, *workoutID, "activity_deleted"); err != nil {
				return err
			}
		}
		_, err = tx.Exec(ctx, `DELETE FROM external_activities WHERE tenant_id=$1 AND activity_id=$2`, tenantID, activityID)
		return err
	})
}
