package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/apdarr/lace/internal/domain"
)

const workoutColumns = `w.workout_id::text, w.tenant_id, w.plan_id, w.distance, w.activity_type, w.start_date_local, w.description, w.updated_at`

func scanWorkout(row pgx.Row) (domain.CandidateWorkout, error) {
	var (
		w            domain.CandidateWorkout
		activityType *string
		description  *string
	)
	if err := row.Scan(&w.ID, &w.TenantID, &w.PlanID, &w.Distance, &activityType, &w.StartDateLocal, &description, &w.UpdatedAt); err != nil {
		return domain.CandidateWorkout{}, err
	}
	w.Origin = domain.OriginPlanned
	w.ActivityType = derefString(activityType)
	w.Description = derefString(description)
	return w, nil
}

// UpsertPlannedWorkout creates or replaces a planned workout. An existing row is only
// overwritten by its own tenant.
func (r *Repository) UpsertPlannedWorkout(ctx context.Context, in domain.CandidateWorkout) (*domain.CandidateWorkout, error) {
	if !validID(in.ID) {
		return nil, domain.ErrWorkoutNotFound
	}

	const stmt = `INSERT INTO planned_workouts AS w (workout_id, tenant_id, plan_id, distance, activity_type, start_date_local, description)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT (workout_id) DO UPDATE SET
            plan_id = EXCLUDED.plan_id,
            distance = EXCLUDED.distance,
            activity_type = EXCLUDED.activity_type,
            start_date_local = EXCLUDED.start_date_local,
            description = EXCLUDED.description,
            updated_at = NOW()
        WHERE w.tenant_id = EXCLUDED.tenant_id
        RETURNING ` + workoutColumns

	var stored domain.CandidateWorkout
	err := r.inTenantTx(ctx, in.TenantID, func(tx pgx.Tx) error {
		var scanErr error
		stored, scanErr = scanWorkout(tx.QueryRow(ctx, stmt,
			in.ID, in.TenantID, in.PlanID, in.Distance, nullIfEmpty(in.ActivityType), wallClock(in.StartDateLocal), nullIfEmpty(in.Description)))
		return scanErr
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrWorkoutNotFound
		}
		return nil, err
	}
	return &stored, nil
}

// DeletePlannedWorkout removes the workout. Any activity matched to it loses all three match
// fields in the same transaction and an activity.unmatched event is recorded for it.
func (r *Repository) DeletePlannedWorkout(ctx context.Context, tenantID, workoutID string) (released []string, err error) {
	if !validID(workoutID) {
		return nil, domain.ErrWorkoutNotFound
	}
	err = r.inTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`UPDATE external_activities
                SET matched_workout_id = NULL, match_confidence = NULL, matched_at = NULL, updated_at = NOW()
              WHERE tenant_id = $1 AND matched_workout_id = $2
              RETURNING activity_id::text`,
			tenantID, workoutID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			released = append(released, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, activityID := range released {
			if err := r.recordUnmatched(ctx, tx, tenantID, activityID, workoutID, "workout_deleted"); err != nil {
				return err
			}
		}

		tag, err := tx.Exec(ctx, `DELETE FROM planned_workouts WHERE tenant_id = $1 AND workout_id = $2`, tenantID, workoutID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrWorkoutNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}
