package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/apdarr/lace/internal/domain"
	"github.com/apdarr/lace/internal/events"
	"github.com/apdarr/lace/internal/matching"
)

var _ matching.Store = (*Repository)(nil)

// CandidatePool returns the unlinked planned workouts dated inside the window, oldest first.
func (r *Repository) CandidatePool(ctx context.Context, q matching.PoolQuery) ([]domain.CandidateWorkout, error) {
	args := []any{q.TenantID, wallClock(&q.From), wallClock(&q.To)}
	query := `SELECT ` + workoutColumns + `
        FROM planned_workouts w
        WHERE w.tenant_id = $1
          AND w.start_date_local >= $2
          AND w.start_date_local < $3
          AND NOT EXISTS (
              SELECT 1 FROM external_activities a
              WHERE a.tenant_id = w.tenant_id AND a.matched_workout_id = w.workout_id
          )`
	if q.PlanID != "" {
		args = append(args, q.PlanID)
		query += ` AND w.plan_id = $4`
	}
	query += ` ORDER BY w.start_date_local, w.workout_id`

	var pool []domain.CandidateWorkout
	err := r.inTenantTx(ctx, q.TenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			w, err := scanWorkout(rows)
			if err != nil {
				return err
			}
			pool = append(pool, w)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// PersistMatch writes the three match fields together and records an activity.matched event.
// The update only applies to an activity that is still unmatched; the partial unique index on
// matched_workout_id rejects a workout that another activity claimed first.
func (r *Repository) PersistMatch(ctx context.Context, activity domain.ExternalActivity, match domain.Match) error {
	if !validID(activity.ID) {
		return domain.ErrActivityNotFound
	}
	if !validID(match.WorkoutID) {
		return domain.ErrWorkoutNotFound
	}

	err := r.inTenantTx(ctx, activity.TenantID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE external_activities
                SET matched_workout_id = $3, match_confidence = $4, matched_at = $5, updated_at = NOW()
              WHERE tenant_id = $1 AND activity_id = $2 AND matched_workout_id IS NULL`,
			activity.TenantID, activity.ID, match.WorkoutID, match.Confidence, match.MatchedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM external_activities WHERE tenant_id = $1 AND activity_id = $2)`,
				activity.TenantID, activity.ID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return domain.ErrActivityNotFound
			}
			return domain.ErrAlreadyMatched
		}

		return r.insertOutbox(ctx, tx, activity.TenantID, activity.ID, events.TypeActivityMatched, events.ActivityMatched{
			ActivityID: activity.ID,
			TenantID:   activity.TenantID,
			WorkoutID:  match.WorkoutID,
			Confidence: match.Confidence,
			MatchedAt:  match.MatchedAt,
		}, match.MatchedAt)
	})
	return translateMatchError(err)
}

func translateMatchError(err error) error {
	if err == nil {
		return nil
	}
	switch code, constraint := pgErrorCode(err); {
	case code == uniqueViolation && constraint == matchedWorkoutIndex:
		return fmt.Errorf("%w: %w", domain.ErrWorkoutAlreadyMatched, err)
	case code == foreignKeyViolation:
		return fmt.Errorf("%w: %w", domain.ErrWorkoutNotFound, err)
	}
	return err
}

// PersistUnmatch clears the three match fields together and records an activity.unmatched event.
// Clearing an activity that is already unmatched changes nothing.
func (r *Repository) PersistUnmatch(ctx context.Context, activity domain.ExternalActivity) error {
	if !validID(activity.ID) {
		return domain.ErrActivityNotFound
	}
	return r.inTenantTx(ctx, activity.TenantID, func(tx pgx.Tx) error {
		var workoutID *string
		err := tx.QueryRow(ctx,
			`SELECT matched_workout_id::text FROM external_activities WHERE tenant_id = $1 AND activity_id = $2 FOR UPDATE`,
			activity.TenantID, activity.ID).Scan(&workoutID)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrActivityNotFound
		}
		if err != nil {
			return err
		}
		if workoutID == nil {
			return nil
		}

		if _, err := tx.Exec(ctx,
			`UPDATE external_activities
                SET matched_workout_id = NULL, match_confidence = NULL, matched_at = NULL, updated_at = NOW()
              WHERE tenant_id = $1 AND activity_id = $2`,
			activity.TenantID, activity.ID); err != nil {
			return err
		}
		return r.recordUnmatched(ctx, tx, activity.TenantID, activity.ID, *workoutID, "unmatched")
	})
}

// UnmatchedActivities pages through the tenant's unmatched activities in ascending ID order.
func (r *Repository) UnmatchedActivities(ctx context.Context, q matching.UnmatchedQuery) ([]domain.ExternalActivity, error) {
	args := []any{q.TenantID, q.Limit}
	query := `SELECT ` + activityColumns + ` FROM external_activities WHERE tenant_id = $1 AND matched_workout_id IS NULL`
	if q.AfterID != "" {
		args = append(args, q.AfterID)
		query += ` AND activity_id::text > $3`
	}
	query += ` ORDER BY activity_id::text LIMIT $2`

	var out []domain.ExternalActivity
	err := r.inTenantTx(ctx, q.TenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			a, err := scanActivity(rows)
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
