// Package events defines the payloads exchanged over Kafka.
package events

import "time"

// Event types carried in the event_type header.
const (
	TypeExternalActivityUpserted = "external_activity.upserted"
	TypeExternalActivityDeleted  = "external_activity.deleted"
	TypePlannedWorkoutUpserted   = "planned_workout.upserted"
	TypePlannedWorkoutDeleted    = "planned_workout.deleted"
	TypeActivityMatched          = "activity.matched"
	TypeActivityUnmatched        = "activity.unmatched"
)

// ExternalActivityUpserted is published by a tracker sync when an activity is created or edited.
// Distance is in metres.
type ExternalActivityUpserted struct {
	TenantID       string     `json:"tenant_id"`
	UserID         string     `json:"user_id"`
	Source         string     `json:"source"`
	SourceID       string     `json:"source_id"`
	Distance       *float64   `json:"distance,omitempty"`
	ActivityType   string     `json:"activity_type,omitempty"`
	StartDateLocal *time.Time `json:"start_date_local,omitempty"`
	Description    string     `json:"description,omitempty"`
}

// ExternalActivityDeleted is published when the tracker no longer has the activity.
type ExternalActivityDeleted struct {
	TenantID string `json:"tenant_id"`
	Source   string `json:"source"`
	SourceID string `json:"source_id"`
}

// ActivityMatched is emitted after an activity is linked to a planned workout.
type ActivityMatched struct {
	ActivityID string    `json:"activity_id"`
	TenantID   string    `json:"tenant_id"`
	WorkoutID  string    `json:"workout_id"`
	Confidence float64   `json:"confidence"`
	MatchedAt  time.Time `json:"matched_at"`
}

// ActivityUnmatched is emitted after a match is cleared.
type ActivityUnmatched struct {
	ActivityID string    `json:"activity_id"`
	TenantID   string    `json:"tenant_id"`
	WorkoutID  string    `json:"workout_id"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
