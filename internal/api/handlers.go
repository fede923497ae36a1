// Package api exposes HTTP handlers for browsing external activities and managing their matches.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/apdarr/lace/internal/auth"
	"github.com/apdarr/lace/internal/domain"
	"github.com/apdarr/lace/internal/logger"
	"github.com/apdarr/lace/internal/matching"
	"github.com/apdarr/lace/internal/persistence"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ActivityReader loads external activities for the caller's tenant.
type ActivityReader interface {
	GetActivity(ctx context.Context, tenantID, activityID string) (*domain.ExternalActivity, error)
	ListActivities(ctx context.Context, tenantID string, filter domain.ActivityFilter, cursor *domain.Cursor, limit int) ([]domain.ExternalActivity, *domain.Cursor, error)
}

// MatchService runs the matcher operations exposed over HTTP.
type MatchService interface {
	Candidates(ctx context.Context, activity domain.ExternalActivity) ([]matching.Candidate, error)
	Match(ctx context.Context, activity *domain.ExternalActivity) (bool, error)
	Unmatch(ctx context.Context, activity *domain.ExternalActivity) (bool, error)
	BatchMatch(ctx context.Context, tenantID, planID string) (matching.BatchResult, error)
}

// Handler coordinates HTTP requests with the repository and matcher.
type Handler struct {
	activities ActivityReader
	matcher    MatchService
	logger     *logger.Logger
}

// NewHandler builds a Handler.
func NewHandler(activities ActivityReader, matcher MatchService, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{activities: activities, matcher: matcher, logger: log.With("component", "api")}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/activities", h.listActivities)
	mux.HandleFunc("/v1/activities/", h.activityRoutes)
	mux.HandleFunc("/v1/matches/batch", h.batchMatch)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// activityRoutes dispatches /v1/activities/{id}[/candidates|/match].
func (h *Handler) activityRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/activities/"), "/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing activity id")
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		h.getActivity(w, r, id)
	case sub == "candidates" && r.Method == http.MethodGet:
		h.candidates(w, r, id)
	case sub == "match" && r.Method == http.MethodPost:
		h.match(w, r, id)
	case sub == "match" && r.Method == http.MethodDelete:
		h.unmatch(w, r, id)
	case sub == "" || sub == "candidates" || sub == "match":
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown resource")
	}
}

func (h *Handler) listActivities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := h.authorize(w, r, false)
	if !ok {
		return
	}

	query := r.URL.Query()
	limit := defaultPageSize
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "validation_failed", "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxPageSize)
	}

	var filter domain.ActivityFilter
	if raw := query.Get("matched"); raw != "" {
		matched, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", "matched must be true or false")
			return
		}
		filter.Matched = &matched
	}

	cursor, err := persistence.DecodeCursor(query.Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	activities, next, err := h.activities.ListActivities(r.Context(), claims.TenantID, filter, cursor, limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	items := make([]ActivityView, 0, len(activities))
	for _, activity := range activities {
		items = append(items, toActivityView(activity))
	}
	writeJSON(w, http.StatusOK, ListActivitiesResponse{Items: items, NextCursor: persistence.EncodeCursor(next)})
}

func (h *Handler) getActivity(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := h.authorize(w, r, false)
	if !ok {
		return
	}
	activity, err := h.activities.GetActivity(r.Context(), claims.TenantID, id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toActivityView(*activity))
}

// candidates previews the scored pool for an activity. Only unlinked workouts are listed;
// the workout a matched activity is linked to is reported by GET /v1/activities/{id}.
func (h *Handler) candidates(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := h.authorize(w, r, false)
	if !ok {
		return
	}
	activity, err := h.activities.GetActivity(r.Context(), claims.TenantID, id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	ranked, err := h.matcher.Candidates(r.Context(), *activity)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := CandidatesResponse{ActivityID: activity.ID, Candidates: make([]CandidateView, 0, len(ranked))}
	for _, c := range ranked {
		resp.Candidates = append(resp.Candidates, CandidateView{
			WorkoutID:      c.Workout.ID,
			PlanID:         c.Workout.PlanID,
			ActivityType:   c.Workout.ActivityType,
			Distance:       c.Workout.Distance,
			StartDateLocal: c.Workout.StartDateLocal,
			Description:    c.Workout.Description,
			Score:          c.Score,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) match(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := h.authorize(w, r, true)
	if !ok {
		return
	}
	activity, err := h.activities.GetActivity(r.Context(), claims.TenantID, id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	matched, err := h.matcher.Match(r.Context(), activity)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := MatchResponse{ActivityID: activity.ID, Matched: matched}
	if activity.Matched() {
		resp.WorkoutID = activity.Match.WorkoutID
		resp.Confidence = activity.Match.Confidence
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) unmatch(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := h.authorize(w, r, true)
	if !ok {
		return
	}
	activity, err := h.activities.GetActivity(r.Context(), claims.TenantID, id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	unmatched, err := h.matcher.Unmatch(r.Context(), activity)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UnmatchResponse{ActivityID: activity.ID, Unmatched: unmatched})
}

func (h *Handler) batchMatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := h.authorize(w, r, true)
	if !ok {
		return
	}

	var req BatchMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	result, err := h.matcher.BatchMatch(r.Context(), claims.TenantID, strings.TrimSpace(req.PlanID))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// authorize resolves the caller's claims and checks the read or write scope.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, write bool) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	if write && !claims.CanWrite() {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+auth.ScopeActivitiesWrite+" required")
		return nil, false
	}
	if !write && !claims.CanRead() {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+auth.ScopeActivitiesRead+" required")
		return nil, false
	}
	return claims, true
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrActivityNotFound):
		writeError(w, http.StatusNotFound, "not_found", "activity not found")
	case errors.Is(err, domain.ErrWorkoutNotFound):
		writeError(w, http.StatusNotFound, "not_found", "workout not found")
	case domain.IsInvariantViolation(err):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "cancelled", "request cancelled")
	default:
		h.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

// ActivityView exposes an external activity and its match state.
type ActivityView struct {
	ActivityID     string     `json:"activity_id"`
	TenantID       string     `json:"tenant_id"`
	UserID         string     `json:"user_id,omitempty"`
	Source         string     `json:"source"`
	SourceID       string     `json:"source_id"`
	ActivityType   string     `json:"activity_type,omitempty"`
	Distance       *float64   `json:"distance,omitempty"`
	StartDateLocal *time.Time `json:"start_date_local,omitempty"`
	Description    string     `json:"description,omitempty"`
	Matched        bool       `json:"matched"`
	WorkoutID      string     `json:"matched_workout_id,omitempty"`
	Confidence     *float64   `json:"match_confidence,omitempty"`
	MatchedAt      *time.Time `json:"matched_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ListActivitiesResponse packages list results.
type ListActivitiesResponse struct {
	Items      []ActivityView `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// CandidateView is one ranked workout with its score breakdown.
type CandidateView struct {
	WorkoutID      string             `json:"workout_id"`
	PlanID         string             `json:"plan_id"`
	ActivityType   string             `json:"activity_type,omitempty"`
	Distance       *float64           `json:"distance,omitempty"`
	StartDateLocal *time.Time         `json:"start_date_local,omitempty"`
	Description    string             `json:"description,omitempty"`
	Score          matching.Breakdown `json:"score"`
}

// CandidatesResponse lists the ranked pool for an activity.
type CandidatesResponse struct {
	ActivityID string          `json:"activity_id"`
	Candidates []CandidateView `json:"candidates"`
}

// MatchResponse reports the outcome of POST /v1/activities/{id}/match.
type MatchResponse struct {
	ActivityID string  `json:"activity_id"`
	Matched    bool    `json:"matched"`
	WorkoutID  string  `json:"workout_id,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// UnmatchResponse reports the outcome of DELETE /v1/activities/{id}/match.
type UnmatchResponse struct {
	ActivityID string `json:"activity_id"`
	Unmatched  bool   `json:"unmatched"`
}

// BatchMatchRequest is the optional body of POST /v1/matches/batch.
type BatchMatchRequest struct {
	PlanID string `json:"plan_id"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func toActivityView(a domain.ExternalActivity) ActivityView {
	view := ActivityView{
		ActivityID:     a.ID,
		TenantID:       a.TenantID,
		UserID:         a.UserID,
		Source:         a.Source,
		SourceID:       a.SourceID,
		ActivityType:   a.ActivityType,
		Distance:       a.Distance,
		StartDateLocal: a.StartDateLocal,
		Description:    a.Description,
		Matched:        a.Matched(),
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
	if a.Matched() {
		confidence := a.Match.Confidence
		matchedAt := a.Match.MatchedAt
		view.WorkoutID = a.Match.WorkoutID
		view.Confidence = &confidence
		view.MatchedAt = &matchedAt
	}
	return view
}
