package matching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apdarr/lace/internal/domain"
)

var today = time.Date(2025, time.October, 20, 6, 45, 0, 0, time.UTC)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(DefaultConfig())
	require.NoError(t, err)
	return engine
}

func runActivity(id string, distance float64, date time.Time) *domain.ExternalActivity {
	return &domain.ExternalActivity{
		ID:             id,
		TenantID:       "tenant-1",
		Source:         "strava",
		Distance:       ptr(distance),
		ActivityType:   "Run",
		StartDateLocal: timePtr(date),
	}
}

func plannedRun(id string, distance float64, date time.Time) domain.CandidateWorkout {
	return domain.CandidateWorkout{
		ID:             id,
		TenantID:       "tenant-1",
		PlanID:         "plan-1",
		Origin:         domain.OriginPlanned,
		Distance:       ptr(distance),
		ActivityType:   "Run",
		StartDateLocal: timePtr(date),
	}
}

func TestFindBestMatchPrefersSameDay(t *testing.T) {
	engine := newTestEngine(t)
	activity := runActivity("act-1", 5000, today)
	pool := []domain.CandidateWorkout{
		plannedRun("w-next-day", 5000, today.AddDate(0, 0, 1)),
		plannedRun("w-same-day", 5000, today),
	}

	decision, err := engine.FindBestMatch(activity, pool)
	require.NoError(t, err)
	require.NotNil(t, decision)
	require.Equal(t, "w-same-day", decision.WorkoutID)
	require.Greater(t, decision.Confidence, 0.7)
	require.InDelta(t, 0.9, decision.Confidence, 1e-9)
}

func TestFindBestMatchOutsideDateTolerance(t *testing.T) {
	engine := newTestEngine(t)
	activity := runActivity("act-1", 5000, today)

	decision, err := engine.FindBestMatch(activity, []domain.CandidateWorkout{
		plannedRun("w-far", 5000, today.AddDate(0, 0, 3)),
	})
	require.NoError(t, err)
	require.Nil(t, decision)
}

func TestFindBestMatchNoMatchConditions(t *testing.T) {
	engine := newTestEngine(t)
	pool := []domain.CandidateWorkout{plannedRun("w-1", 5000, today)}

	t.Run("already matched", func(t *testing.T) {
		activity := runActivity("act-1", 5000, today)
		activity.Match = &domain.Match{WorkoutID: "w-0", Confidence: 0.9, MatchedAt: today}
		decision, err := engine.FindBestMatch(activity, pool)
		require.NoError(t, err)
		require.Nil(t, decision)
	})

	t.Run("missing date", func(t *testing.T) {
		activity := runActivity("act-1", 5000, today)
		activity.StartDateLocal = nil
		decision, err := engine.FindBestMatch(activity, pool)
		require.NoError(t, err)
		require.Nil(t, decision)
	})

	t.Run("empty pool", func(t *testing.T) {
		decision, err := engine.FindBestMatch(runActivity("act-1", 5000, today), nil)
		require.NoError(t, err)
		require.Nil(t, decision)
	})

	t.Run("below threshold", func(t *testing.T) {
		activity := runActivity("act-1", 20000, today)
		activity.ActivityType = "Ride"
		decision, err := engine.FindBestMatch(activity, []domain.CandidateWorkout{
			plannedRun("w-1", 5000, today.AddDate(0, 0, -1)),
		})
		require.NoError(t, err)
		require.Nil(t, decision)
	})

	t.Run("nil activity", func(t *testing.T) {
		decision, err := engine.FindBestMatch(nil, pool)
		require.NoError(t, err)
		require.Nil(t, decision)
	})
}

func TestFindBestMatchThresholdIsInclusive(t *testing.T) {
	activity := runActivity("act-1", 5000, today)
	workout := plannedRun("w-1", 5000, today)

	cfg := DefaultConfig()
	cfg.MinConfidence = newTestEngine(t).Score(*activity, workout).Confidence
	engine, err := NewEngine(cfg)
	require.NoError(t, err)

	decision, err := engine.FindBestMatch(activity, []domain.CandidateWorkout{workout})
	require.NoError(t, err)
	require.NotNil(t, decision)
}

func TestFindBestMatchTieKeepsPoolOrder(t *testing.T) {
	engine := newTestEngine(t)
	activity := runActivity("act-1", 5000, today)
	pool := []domain.CandidateWorkout{
		plannedRun("w-first", 5000, today),
		plannedRun("w-second", 5000, today),
	}

	decision, err := engine.FindBestMatch(activity, pool)
	require.NoError(t, err)
	require.Equal(t, "w-first", decision.WorkoutID)

	pool[0], pool[1] = pool[1], pool[0]
	decision, err = engine.FindBestMatch(activity, pool)
	require.NoError(t, err)
	require.Equal(t, "w-second", decision.WorkoutID)
}

func TestFindBestMatchSkipsLinkedWorkouts(t *testing.T) {
	engine := newTestEngine(t)
	linked := plannedRun("w-linked", 5000, today)
	linked.MatchedActivityIDs = []string{"act-other"}
	linked.Description = "Run 2"
	free := plannedRun("w-free", 5000, today)

	decision, err := engine.FindBestMatch(runActivity("act-1", 5000, today), []domain.CandidateWorkout{linked, free})
	require.NoError(t, err)
	require.NotNil(t, decision)
	require.Equal(t, "w-free", decision.WorkoutID)
}

func TestFindBestMatchRejectsExternalCandidates(t *testing.T) {
	engine := newTestEngine(t)
	external := plannedRun("act-2", 5000, today)
	external.Origin = domain.OriginExternal

	decision, err := engine.FindBestMatch(runActivity("act-1", 5000, today), []domain.CandidateWorkout{external})
	require.ErrorIs(t, err, domain.ErrExternalCandidate)
	require.True(t, domain.IsInvariantViolation(err))
	require.Nil(t, decision)
}

func TestFindBestMatchRejectsSelf(t *testing.T) {
	engine := newTestEngine(t)
	self := plannedRun("act-1", 5000, today)

	_, err := engine.FindBestMatch(runActivity("act-1", 5000, today), []domain.CandidateWorkout{self})
	require.ErrorIs(t, err, domain.ErrSelfMatch)
}

func TestConfidenceDecreasesWithDistanceVariance(t *testing.T) {
	engine := newTestEngine(t)
	pool := []domain.CandidateWorkout{plannedRun("w-1", 5000, today)}

	exact, err := engine.FindBestMatch(runActivity("act-1", 5000, today), pool)
	require.NoError(t, err)
	off, err := engine.FindBestMatch(runActivity("act-2", 5250, today), pool)
	require.NoError(t, err)

	require.NotNil(t, off)
	require.Greater(t, exact.Confidence, off.Confidence)
}

func TestTypeAndDescriptionRaiseConfidence(t *testing.T) {
	engine := newTestEngine(t)
	workout := plannedRun("w-1", 5000, today)
	workout.Description = "Easy run in the morning"

	easy := runActivity("act-1", 5000, today)
	easy.Description = "Easy run"
	random := runActivity("act-2", 5000, today)
	random.Description = "Random activity"
	ride := runActivity("act-3", 5000, today)
	ride.ActivityType = "Ride"
	ride.Description = "Easy run"

	e := engine.Score(*easy, workout)
	r := engine.Score(*random, workout)
	rd := engine.Score(*ride, workout)
	require.Greater(t, e.Confidence, r.Confidence)
	require.Greater(t, e.Confidence, rd.Confidence)
}

func TestRankOrdersByConfidence(t *testing.T) {
	engine := newTestEngine(t)
	pool := []domain.CandidateWorkout{
		plannedRun("w-far", 5000, today.AddDate(0, 0, 1)),
		plannedRun("w-short", 3000, today),
		plannedRun("w-exact", 5000, today),
	}

	ranked, err := engine.Rank(*runActivity("act-1", 5000, today), pool)
	require.NoError(t, err)
	require.Len(t, ranked, 3)
	require.Equal(t, "w-exact", ranked[0].Workout.ID)
	require.Equal(t, "w-far", ranked[1].Workout.ID)
	require.Equal(t, "w-short", ranked[2].Workout.ID)
	require.Equal(t, 0.5, ranked[1].Score.Date)
}

func TestNewEngineRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinConfidence = -0.1
	_, err := NewEngine(cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
}
