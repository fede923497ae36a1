package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apdarr/lace/internal/auth"
	"github.com/apdarr/lace/internal/domain"
	"github.com/apdarr/lace/internal/matching"
	"github.com/apdarr/lace/internal/persistence"
)

type stubActivities struct {
	byID       map[string]domain.ExternalActivity
	page       []domain.ExternalActivity
	next       *domain.Cursor
	lastFilter domain.ActivityFilter
	lastCursor *domain.Cursor
	lastLimit  int
	lastTenant string
}

func (s *stubActivities) GetActivity(_ context.Context, tenantID, activityID string) (*domain.ExternalActivity, error) {
	s.lastTenant = tenantID
	a, ok := s.byID[activityID]
	if !ok || a.TenantID != tenantID {
		return nil, domain.ErrActivityNotFound
	}
	return &a, nil
}

func (s *stubActivities) ListActivities(_ context.Context, tenantID string, filter domain.ActivityFilter, cursor *domain.Cursor, limit int) ([]domain.ExternalActivity, *domain.Cursor, error) {
	s.lastTenant = tenantID
	s.lastFilter = filter
	s.lastCursor = cursor
	s.lastLimit = limit
	return s.page, s.next, nil
}

type stubMatchService struct {
	candidates []matching.Candidate
	matchTo    *domain.Match
	matchErr   error
	batch      matching.BatchResult
	batchPlan  string
	unmatched  bool
}

func (s *stubMatchService) Candidates(context.Context, domain.ExternalActivity) ([]matching.Candidate, error) {
	return s.candidates, nil
}

func (s *stubMatchService) Match(_ context.Context, a *domain.ExternalActivity) (bool, error) {
	if s.matchErr != nil {
		return false, s.matchErr
	}
	if a.Matched() || s.matchTo == nil {
		return false, nil
	}
	a.Match = s.matchTo
	return true, nil
}

func (s *stubMatchService) Unmatch(_ context.Context, a *domain.ExternalActivity) (bool, error) {
	if !a.Matched() {
		return false, nil
	}
	a.Match = nil
	s.unmatched = true
	return true, nil
}

func (s *stubMatchService) BatchMatch(_ context.Context, _ string, planID string) (matching.BatchResult, error) {
	s.batchPlan = planID
	return s.batch, nil
}

var testDay = time.Date(2025, time.October, 20, 6, 45, 0, 0, time.UTC)

func fixture() *stubActivities {
	distance := 5000.0
	return &stubActivities{byID: map[string]domain.ExternalActivity{
		"act-1": {ID: "act-1", TenantID: "tenant-1", Source: "strava", SourceID: "1", Distance: &distance, ActivityType: "Run", StartDateLocal: &testDay},
		"act-2": {
			ID: "act-2", TenantID: "tenant-1", Source: "strava", SourceID: "2", StartDateLocal: &testDay,
			Match: &domain.Match{WorkoutID: "w-9", Confidence: 0.7, MatchedAt: testDay},
		},
		"act-3": {ID: "act-3", TenantID: "tenant-2", Source: "strava", SourceID: "3"},
	}}
}

func serve(t *testing.T, h *Handler, method, target, body string, scopes ...string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if scopes != nil {
		claims := auth.NewClaims("tester", "tenant-1", time.Hour, scopes...)
		req = req.WithContext(auth.WithClaims(req.Context(), &claims))
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestGetActivity(t *testing.T) {
	h := NewHandler(fixture(), &stubMatchService{}, nil)

	rr := serve(t, h, http.MethodGet, "/v1/activities/act-2", "", auth.ScopeActivitiesRead)
	require.Equal(t, http.StatusOK, rr.Code)
	view := decode[ActivityView](t, rr)
	require.True(t, view.Matched)
	require.Equal(t, "w-9", view.WorkoutID)
	require.InDelta(t, 0.7, *view.Confidence, 1e-9)

	rr = serve(t, h, http.MethodGet, "/v1/activities/act-3", "", auth.ScopeActivitiesRead)
	require.Equal(t, http.StatusNotFound, rr.Code, "other tenants' activities are invisible")
}

func TestScopesAreEnforced(t *testing.T) {
	h := NewHandler(fixture(), &stubMatchService{}, nil)

	require.Equal(t, http.StatusUnauthorized, serve(t, h, http.MethodGet, "/v1/activities", "").Code)
	require.Equal(t, http.StatusForbidden, serve(t, h, http.MethodGet, "/v1/activities", "", "profile:read").Code)
	require.Equal(t, http.StatusForbidden, serve(t, h, http.MethodPost, "/v1/activities/act-1/match", "", auth.ScopeActivitiesRead).Code)
	require.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/v1/activities/act-1", "", auth.ScopeActivitiesWrite).Code)
}

func TestListActivitiesParsesQuery(t *testing.T) {
	store := fixture()
	store.page = []domain.ExternalActivity{store.byID["act-2"]}
	store.next = &domain.Cursor{StartDateLocal: testDay, ID: "act-2"}
	h := NewHandler(store, &stubMatchService{}, nil)

	cursor := persistence.EncodeCursor(&domain.Cursor{StartDateLocal: testDay.AddDate(0, 0, 1), ID: "act-0"})
	rr := serve(t, h, http.MethodGet, "/v1/activities?matched=true&limit=500&cursor="+cursor, "", auth.ScopeActivitiesRead)
	require.Equal(t, http.StatusOK, rr.Code)

	resp := decode[ListActivitiesResponse](t, rr)
	require.Len(t, resp.Items, 1)
	require.Equal(t, persistence.EncodeCursor(store.next), resp.NextCursor)
	require.Equal(t, "tenant-1", store.lastTenant)
	require.Equal(t, maxPageSize, store.lastLimit)
	require.NotNil(t, store.lastFilter.Matched)
	require.True(t, *store.lastFilter.Matched)
	require.Equal(t, "act-0", store.lastCursor.ID)
}

func TestListActivitiesValidation(t *testing.T) {
	h := NewHandler(fixture(), &stubMatchService{}, nil)
	for _, target := range []string{
		"/v1/activities?limit=0",
		"/v1/activities?limit=abc",
		"/v1/activities?matched=maybe",
		"/v1/activities?cursor=***",
	} {
		rr := serve(t, h, http.MethodGet, target, "", auth.ScopeActivitiesRead)
		require.Equal(t, http.StatusBadRequest, rr.Code, target)
	}
	require.Equal(t, http.StatusMethodNotAllowed, serve(t, h, http.MethodPut, "/v1/activities", "", auth.ScopeActivitiesWrite).Code)
}

func TestCandidatesIncludeBreakdown(t *testing.T) {
	distance := 5000.0
	matcher := &stubMatchService{candidates: []matching.Candidate{{
		Workout: domain.CandidateWorkout{ID: "w-1", PlanID: "plan-1", Distance: &distance, ActivityType: "Run", StartDateLocal: &testDay},
		Score:   matching.Breakdown{Date: 1, Distance: 1, ActivityType: 1, Description: 0, Confidence: 0.9},
	}}}
	h := NewHandler(fixture(), matcher, nil)

	rr := serve(t, h, http.MethodGet, "/v1/activities/act-1/candidates", "", auth.ScopeActivitiesRead)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[CandidatesResponse](t, rr)
	require.Equal(t, "act-1", resp.ActivityID)
	require.Len(t, resp.Candidates, 1)
	require.Equal(t, "w-1", resp.Candidates[0].WorkoutID)
	require.InDelta(t, 0.9, resp.Candidates[0].Score.Confidence, 1e-9)
}

func TestMatchAndUnmatch(t *testing.T) {
	matcher := &stubMatchService{matchTo: &domain.Match{WorkoutID: "w-1", Confidence: 0.9, MatchedAt: testDay}}
	h := NewHandler(fixture(), matcher, nil)

	rr := serve(t, h, http.MethodPost, "/v1/activities/act-1/match", "", auth.ScopeActivitiesWrite)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[MatchResponse](t, rr)
	require.True(t, resp.Matched)
	require.Equal(t, "w-1", resp.WorkoutID)

	// Already matched: no change, existing link reported.
	rr = serve(t, h, http.MethodPost, "/v1/activities/act-2/match", "", auth.ScopeActivitiesWrite)
	require.Equal(t, http.StatusOK, rr.Code)
	resp = decode[MatchResponse](t, rr)
	require.False(t, resp.Matched)
	require.Equal(t, "w-9", resp.WorkoutID)

	rr = serve(t, h, http.MethodDelete, "/v1/activities/act-2/match", "", auth.ScopeActivitiesWrite)
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, decode[UnmatchResponse](t, rr).Unmatched)

	rr = serve(t, h, http.MethodDelete, "/v1/activities/act-1/match", "", auth.ScopeActivitiesWrite)
	require.Equal(t, http.StatusOK, rr.Code)
	require.False(t, decode[UnmatchResponse](t, rr).Unmatched)
}

func TestMatchConflictMapsTo409(t *testing.T) {
	h := NewHandler(fixture(), &stubMatchService{matchErr: domain.ErrWorkoutAlreadyMatched}, nil)
	rr := serve(t, h, http.MethodPost, "/v1/activities/act-1/match", "", auth.ScopeActivitiesWrite)
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, "conflict", decode[map[string]string](t, rr)["type"])
}

func TestBatchMatch(t *testing.T) {
	matcher := &stubMatchService{batch: matching.BatchResult{RunID: "run-1", Matched: 2, Unmatched: 1}}
	h := NewHandler(fixture(), matcher, nil)

	rr := serve(t, h, http.MethodPost, "/v1/matches/batch", `{"plan_id":" plan-7 "}`, auth.ScopeActivitiesWrite)
	require.Equal(t, http.StatusOK, rr.Code)
	result := decode[matching.BatchResult](t, rr)
	require.Equal(t, 2, result.Matched)
	require.Equal(t, 1, result.Unmatched)
	require.Equal(t, "plan-7", matcher.batchPlan)

	rr = serve(t, h, http.MethodPost, "/v1/matches/batch", "", auth.ScopeActivitiesWrite)
	require.Equal(t, http.StatusOK, rr.Code, "body is optional")
	require.Empty(t, matcher.batchPlan)

	rr = serve(t, h, http.MethodPost, "/v1/matches/batch", "{", auth.ScopeActivitiesWrite)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestUnknownRoutes(t *testing.T) {
	h := NewHandler(fixture(), &stubMatchService{}, nil)
	require.Equal(t, http.StatusNotFound, serve(t, h, http.MethodGet, "/v1/activities/act-1/laps", "", auth.ScopeActivitiesRead).Code)
	require.Equal(t, http.StatusMethodNotAllowed, serve(t, h, http.MethodPut, "/v1/activities/act-1/match", "", auth.ScopeActivitiesWrite).Code)
	require.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/healthz", "").Code)
}
