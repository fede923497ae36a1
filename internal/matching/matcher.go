package matching

import (
	"context"
	"fmt"
	"time"

	"github.com/apdarr/lace/internal/domain"
	"github.com/apdarr/lace/internal/logger"
	"github.com/apdarr/lace/internal/observability"
)

// PoolQuery describes the candidate window for one activity.
type PoolQuery struct {
	TenantID string
	// From is inclusive, To is exclusive.
	From time.Time
	To   time.Time
	// PlanID restricts the pool to a single plan's workouts when set.
	PlanID string
}

// UnmatchedQuery pages through unmatched activities in ascending ID order.
type UnmatchedQuery struct {
	TenantID string
	AfterID  string
	Limit    int
}

// Store is the persistence collaborator of the Matcher.
type Store interface {
	// CandidatePool returns planned workouts dated inside the window that are not linked to any activity.
	CandidatePool(ctx context.Context, q PoolQuery) ([]domain.CandidateWorkout, error)
	// PersistMatch sets all three match fields or none. It fails with domain.ErrAlreadyMatched
	// or domain.ErrWorkoutAlreadyMatched when the optimistic checks do not hold.
	PersistMatch(ctx context.Context, activity domain.ExternalActivity, match domain.Match) error
	// PersistUnmatch clears all three match fields.
	PersistUnmatch(ctx context.Context, activity domain.ExternalActivity) error
	UnmatchedActivities(ctx context.Context, q UnmatchedQuery) ([]domain.ExternalActivity, error)
}

// Option configures optional behaviour for the Matcher.
type Option func(*Matcher)

// WithLogger overrides the logger used to report outcomes.
func WithLogger(l *logger.Logger) Option {
	return func(m *Matcher) { m.logger = l }
}

// WithClock overrides the source of match timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Matcher) { m.now = now }
}

// WithBatchSize sets how many activities a batch sweep loads per page.
func WithBatchSize(n int) Option {
	return func(m *Matcher) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

// Matcher applies engine decisions through a Store.
type Matcher struct {
	engine    *Engine
	store     Store
	logger    *logger.Logger
	now       func() time.Time
	batchSize int
}

// NewMatcher constructs a Matcher.
func NewMatcher(engine *Engine, store Store, opts ...Option) *Matcher {
	m := &Matcher{
		engine:    engine,
		store:     store,
		logger:    logger.Nop(),
		now:       func() time.Time { return time.Now().UTC() },
		batchSize: 100,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Engine exposes the scoring engine.
func (m *Matcher) Engine() *Engine {
	return m.engine
}

// Window returns the candidate window around the activity date, whole days on either side.
func (m *Matcher) Window(activity domain.ExternalActivity, planID string) (PoolQuery, bool) {
	if activity.StartDateLocal == nil {
		return PoolQuery{}, false
	}
	tol := m.engine.cfg.DateToleranceDays
	start := *activity.StartDateLocal
	y, mo, d := start.Date()
	return PoolQuery{
		TenantID: activity.TenantID,
		From:     time.Date(y, mo, d-tol, 0, 0, 0, 0, start.Location()),
		To:       time.Date(y, mo, d+tol+1, 0, 0, 0, 0, start.Location()),
		PlanID:   planID,
	}, true
}

// LoadPool fetches the candidate pool for an activity. Activities without a date get an empty pool.
func (m *Matcher) LoadPool(ctx context.Context, activity domain.ExternalActivity, planID string) ([]domain.CandidateWorkout, error) {
	q, ok := m.Window(activity, planID)
	if !ok {
		return nil, nil
	}
	pool, err := m.store.CandidatePool(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("load candidate pool: %w", err)
	}
	return pool, nil
}

// Candidates ranks the activity's current pool without changing anything. The pool only
// holds unlinked workouts, so a matched activity's own workout is not listed.
func (m *Matcher) Candidates(ctx context.Context, activity domain.ExternalActivity) ([]Candidate, error) {
	pool, err := m.LoadPool(ctx, activity, "")
	if err != nil {
		return nil, err
	}
	return m.engine.Rank(activity, pool)
}

// FindBestMatch loads the pool and returns the engine's decision.
func (m *Matcher) FindBestMatch(ctx context.Context, activity *domain.ExternalActivity) (*Decision, error) {
	if activity == nil || activity.Matched() {
		return nil, nil
	}
	pool, err := m.LoadPool(ctx, *activity, "")
	if err != nil {
		return nil, err
	}
	return m.engine.FindBestMatch(activity, pool)
}

// Match finds and persists the best match for the activity. It returns false without
// side effects when the activity is already matched or nothing qualifies.
func (m *Matcher) Match(ctx context.Context, activity *domain.ExternalActivity) (bool, error) {
	return m.matchInPlan(ctx, activity, "")
}

func (m *Matcher) matchInPlan(ctx context.Context, activity *domain.ExternalActivity, planID string) (bool, error) {
	if activity == nil {
		return false, nil
	}
	if activity.Matched() {
		observability.RecordMatchAttempt(observability.OutcomeSkipped)
		m.logger.Debug("activity already matched", "activity_id", activity.ID, "workout_id", activity.Match.WorkoutID)
		return false, nil
	}
	pool, err := m.LoadPool(ctx, *activity, planID)
	if err != nil {
		observability.RecordMatchAttempt(observability.OutcomeError)
		return false, err
	}
	return m.MatchWithPool(ctx, activity, pool)
}

// MatchWithPool is Match against a caller-supplied pool.
func (m *Matcher) MatchWithPool(ctx context.Context, activity *domain.ExternalActivity, pool []domain.CandidateWorkout) (bool, error) {
	if activity == nil {
		return false, nil
	}
	if activity.Matched() {
		observability.RecordMatchAttempt(observability.OutcomeSkipped)
		return false, nil
	}

	decision, err := m.engine.FindBestMatch(activity, pool)
	if err != nil {
		observability.RecordMatchAttempt(observability.OutcomeError)
		return false, err
	}
	if decision == nil {
		observability.RecordMatchAttempt(observability.OutcomeNoMatch)
		m.logger.Info("no suitable match", "activity_id", activity.ID, "tenant_id", activity.TenantID, "candidates", len(pool))
		return false, nil
	}

	match := domain.Match{
		WorkoutID:  decision.WorkoutID,
		Confidence: decision.Confidence,
		MatchedAt:  m.now(),
	}
	if err := m.store.PersistMatch(ctx, *activity, match); err != nil {
		observability.RecordMatchAttempt(observability.OutcomeError)
		return false, fmt.Errorf("persist match for activity %s: %w", activity.ID, err)
	}
	activity.Match = &match

	observability.RecordMatchAttempt(observability.OutcomeMatched)
	observability.RecordMatchConfidence(match.Confidence)
	observability.RecordActivityMatched(match.MatchedAt)
	m.logger.Info("activity matched",
		"activity_id", activity.ID,
		"tenant_id", activity.TenantID,
		"workout_id", match.WorkoutID,
		"confidence", match.Confidence,
	)
	return true, nil
}

// Unmatch clears the activity's match. It returns false when there was nothing to clear.
func (m *Matcher) Unmatch(ctx context.Context, activity *domain.ExternalActivity) (bool, error) {
	if !activity.Matched() {
		return false, nil
	}
	if err := m.store.PersistUnmatch(ctx, *activity); err != nil {
		return false, fmt.Errorf("persist unmatch for activity %s: %w", activity.ID, err)
	}
	previous := activity.Match.WorkoutID
	activity.Match = nil

	observability.RecordUnmatch()
	m.logger.Info("activity unmatched", "activity_id", activity.ID, "tenant_id", activity.TenantID, "workout_id", previous)
	return true, nil
}
