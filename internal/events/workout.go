package events

import "time"

// PlannedWorkoutUpserted carries a workout authored in a training plan.
type PlannedWorkoutUpserted struct {
	WorkoutID      string     `json:"workout_id"`
	TenantID       string     `json:"tenant_id"`
	PlanID         string     `json:"plan_id"`
	Distance       *float64   `json:"distance,omitempty"`
	ActivityType   string     `json:"activity_type,omitempty"`
	StartDateLocal *time.Time `json:"start_date_local,omitempty"`
	Description    string     `json:"description,omitempty"`
}

// PlannedWorkoutDeleted is published when a workout is removed from its plan.
type PlannedWorkoutDeleted struct {
	WorkoutID string `json:"workout_id"`
	TenantID  string `json:"tenant_id"`
}
