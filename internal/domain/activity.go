// Package domain defines the records reconciled by the matching engine.
package domain

import "time"

// Origin identifies where an activity-like record came from.
type Origin string

const (
	// OriginPlanned marks a workout authored in a training plan.
	OriginPlanned Origin = "planned"
	// OriginExternal marks an activity imported from an outside tracker such as Strava.
	OriginExternal Origin = "external"
)

// ExternalActivity is an activity recorded by an outside source. Distance is in metres.
type ExternalActivity struct {
	ID             string
	TenantID       string
	UserID         string
	Source         string
	SourceID       string
	Distance       *float64
	ActivityType   string
	StartDateLocal *time.Time
	Description    string
	Match          *Match
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Match holds the three fields that are always set and cleared together.
type Match struct {
	WorkoutID  string
	Confidence float64
	MatchedAt  time.Time
}

// Matched reports whether the activity is linked to a planned workout.
func (a *ExternalActivity) Matched() bool {
	return a != nil && a.Match != nil && a.Match.WorkoutID != ""
}

// CandidateWorkout is a planned workout considered for a match.
type CandidateWorkout struct {
	ID             string
	TenantID       string
	PlanID         string
	Origin         Origin
	Distance       *float64
	ActivityType   string
	StartDateLocal *time.Time
	Description    string
	// MatchedActivityIDs lists external activities already linked to the workout.
	MatchedActivityIDs []string
	UpdatedAt          time.Time
}

// Linked reports whether any external activity already references the workout.
func (w CandidateWorkout) Linked() bool {
	return len(w.MatchedActivityIDs) > 0
}

// Cursor models the pagination token for activity listings.
type Cursor struct {
	StartDateLocal time.Time
	ID             string
}

// ActivityFilter narrows activity listings.
type ActivityFilter struct {
	// Matched filters by match state when non-nil.
	Matched *bool
}
