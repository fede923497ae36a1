package matching

import (
	"fmt"
	"sort"
	"time"

	"github.com/apdarr/lace/internal/domain"
)

// Engine scores external activities against candidate workouts. It holds no mutable state.
type Engine struct {
	cfg Config
}

// NewEngine validates cfg and returns an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

// Config returns the tolerances the engine was built with.
func (e *Engine) Config() Config {
	return e.cfg
}

// Candidate is a scored workout.
type Candidate struct {
	Workout domain.CandidateWorkout
	Score   Breakdown
}

// Decision is the accepted best match for an activity.
type Decision struct {
	WorkoutID  string
	Confidence float64
	Score      Breakdown
}

// Score computes the breakdown for a single pair.
func (e *Engine) Score(activity domain.ExternalActivity, workout domain.CandidateWorkout) Breakdown {
	return e.cfg.score(activity, workout)
}

// Rank scores every candidate and orders them by confidence, highest first.
// Candidates with equal confidence keep their pool order.
func (e *Engine) Rank(activity domain.ExternalActivity, pool []domain.CandidateWorkout) ([]Candidate, error) {
	ranked := make([]Candidate, 0, len(pool))
	for _, workout := range pool {
		if err := checkCandidate(activity, workout); err != nil {
			return nil, err
		}
		ranked = append(ranked, Candidate{Workout: workout, Score: e.cfg.score(activity, workout)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score.Confidence > ranked[j].Score.Confidence
	})
	return ranked, nil
}

// FindBestMatch returns the highest-confidence unlinked workout inside the date
// window and at or above the threshold, or nil when there is none. Already matched
// activities, activities without a date and empty pools yield nil without an error.
func (e *Engine) FindBestMatch(activity *domain.ExternalActivity, pool []domain.CandidateWorkout) (*Decision, error) {
	if activity == nil || activity.Matched() {
		return nil, nil
	}
	if activity.StartDateLocal == nil || len(pool) == 0 {
		return nil, nil
	}

	ranked, err := e.Rank(*activity, pool)
	if err != nil {
		return nil, err
	}
	for _, c := range ranked {
		if c.Workout.Linked() || !e.inWindow(*activity.StartDateLocal, c.Workout) {
			continue
		}
		if c.Score.Confidence < e.cfg.MinConfidence {
			return nil, nil
		}
		return &Decision{WorkoutID: c.Workout.ID, Confidence: c.Score.Confidence, Score: c.Score}, nil
	}
	return nil, nil
}

// inWindow re-checks the pool window so an unfiltered pool cannot produce a match outside it.
func (e *Engine) inWindow(activityDate time.Time, workout domain.CandidateWorkout) bool {
	if workout.StartDateLocal == nil {
		return false
	}
	return calendarDayDiff(activityDate, *workout.StartDateLocal) <= e.cfg.DateToleranceDays
}

func checkCandidate(activity domain.ExternalActivity, workout domain.CandidateWorkout) error {
	if workout.Origin == domain.OriginExternal {
		return fmt.Errorf("%w: workout %s", domain.ErrExternalCandidate, workout.ID)
	}
	if workout.ID != "" && workout.ID == activity.ID {
		return fmt.Errorf("%w: %s", domain.ErrSelfMatch, activity.ID)
	}
	return nil
}
