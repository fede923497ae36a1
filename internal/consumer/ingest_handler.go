package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/apdarr/lace/internal/domain"
	"github.com/apdarr/lace/internal/events"
	"github.com/apdarr/lace/internal/logger"
	"github.com/apdarr/lace/internal/observability"
)

// ErrUnsupportedEvent is returned for event types the ingest handler does not route.
var ErrUnsupportedEvent = errors.New("unsupported event type")

// ErrInvalidPayload is returned when a payload is missing identifying fields.
var ErrInvalidPayload = errors.New("invalid payload")

// Ingest outcomes used as metric labels.
const (
	outcomeStored    = "stored"
	outcomeMatched   = "matched"
	outcomeUnmatched = "unmatched"
	outcomeDeleted   = "deleted"
	outcomeIgnored   = "ignored"
	outcomeConflict  = "conflict"
)

// IngestStore is the persistence used by the ingest handler.
type IngestStore interface {
	UpsertExternalActivity(ctx context.Context, activity domain.ExternalActivity) (*domain.ExternalActivity, error)
	FindBySource(ctx context.Context, tenantID, source, sourceID string) (*domain.ExternalActivity, error)
	DeleteExternalActivity(ctx context.Context, tenantID, activityID string) error
	UpsertPlannedWorkout(ctx context.Context, workout domain.CandidateWorkout) (*domain.CandidateWorkout, error)
	DeletePlannedWorkout(ctx context.Context, tenantID, workoutID string) ([]string, error)
}

// ActivityMatcher matches and unmatches stored activities.
type ActivityMatcher interface {
	Match(ctx context.Context, activity *domain.ExternalActivity) (bool, error)
	Unmatch(ctx context.Context, activity *domain.ExternalActivity) (bool, error)
}

// IngestHandler keeps external activities and planned workouts in sync with their sources and
// matches newly ingested activities.
type IngestHandler struct {
	store   IngestStore
	matcher ActivityMatcher
	logger  *logger.Logger
}

// NewIngestHandler constructs an IngestHandler.
func NewIngestHandler(store IngestStore, matcher ActivityMatcher, log *logger.Logger) *IngestHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &IngestHandler{store: store, matcher: matcher, logger: log}
}

// Handle routes msg by its event type.
func (h *IngestHandler) Handle(ctx context.Context, msg Message) error {
	switch msg.EventType {
	case events.TypeExternalActivityUpserted:
		return h.activityUpserted(ctx, msg)
	case events.TypeExternalActivityDeleted:
		return h.activityDeleted(ctx, msg)
	case events.TypePlannedWorkoutUpserted:
		return h.workoutUpserted(ctx, msg)
	case events.TypePlannedWorkoutDeleted:
		return h.workoutDeleted(ctx, msg)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedEvent, msg.EventType)
	}
}

func (h *IngestHandler) activityUpserted(ctx context.Context, msg Message) error {
	var evt events.ExternalActivityUpserted
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	evt.TenantID = tenantOf(evt.TenantID, msg)
	if evt.TenantID == "" || strings.TrimSpace(evt.Source) == "" || strings.TrimSpace(evt.SourceID) == "" {
		return fmt.Errorf("%w: tenant_id, source and source_id are required", ErrInvalidPayload)
	}
	if evt.Distance != nil && *evt.Distance < 0 {
		return fmt.Errorf("%w: negative distance", ErrInvalidPayload)
	}

	activity, err := h.store.UpsertExternalActivity(ctx, domain.ExternalActivity{
		TenantID:       evt.TenantID,
		UserID:         evt.UserID,
		Source:         evt.Source,
		SourceID:       evt.SourceID,
		Distance:       evt.Distance,
		ActivityType:   evt.ActivityType,
		StartDateLocal: evt.StartDateLocal,
		Description:    evt.Description,
	})
	if err != nil {
		return fmt.Errorf("upsert activity %s/%s: %w", evt.Source, evt.SourceID, err)
	}
	if activity.Matched() {
		recordIngested(msg.EventType, outcomeStored)
		return nil
	}

	matched, err := h.matcher.Match(ctx, activity)
	switch {
	case err != nil && domain.IsInvariantViolation(err):
		// Another writer linked the activity or the workout first; the record stays as they left it.
		h.logger.Warn("match conflict during ingest", "activity_id", activity.ID, "tenant_id", activity.TenantID, "error", err)
		recordIngested(msg.EventType, outcomeConflict)
		return nil
	case err != nil:
		return fmt.Errorf("match activity %s: %w", activity.ID, err)
	case matched:
		recordIngested(msg.EventType, outcomeMatched)
	default:
		recordIngested(msg.EventType, outcomeStored)
	}
	return nil
}

func (h *IngestHandler) activityDeleted(ctx context.Context, msg Message) error {
	var evt events.ExternalActivityDeleted
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	evt.TenantID = tenantOf(evt.TenantID, msg)
	if evt.TenantID == "" || evt.Source == "" || evt.SourceID == "" {
		return fmt.Errorf("%w: tenant_id, source and source_id are required", ErrInvalidPayload)
	}

	activity, err := h.store.FindBySource(ctx, evt.TenantID, evt.Source, evt.SourceID)
	if errors.Is(err, domain.ErrActivityNotFound) {
		recordIngested(msg.EventType, outcomeIgnored)
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := h.matcher.Unmatch(ctx, activity); err != nil {
		return err
	}
	if err := h.store.DeleteExternalActivity(ctx, activity.TenantID, activity.ID); err != nil && !errors.Is(err, domain.ErrActivityNotFound) {
		return fmt.Errorf("delete activity %s: %w", activity.ID, err)
	}
	h.logger.Info("external activity deleted", "activity_id", activity.ID, "tenant_id", activity.TenantID, "source", evt.Source)
	recordIngested(msg.EventType, outcomeDeleted)
	return nil
}

func (h *IngestHandler) workoutUpserted(ctx context.Context, msg Message) error {
	var evt events.PlannedWorkoutUpserted
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	evt.TenantID = tenantOf(evt.TenantID, msg)
	if evt.TenantID == "" || evt.WorkoutID == "" || evt.PlanID == "" {
		return fmt.Errorf("%w: tenant_id, workout_id and plan_id are required", ErrInvalidPayload)
	}
	if err := checkWorkoutID(evt.WorkoutID); err != nil {
		return err
	}
	if evt.Distance != nil && *evt.Distance < 0 {
		return fmt.Errorf("%w: negative distance", ErrInvalidPayload)
	}

	if _, err := h.store.UpsertPlannedWorkout(ctx, domain.CandidateWorkout{
		ID:             evt.WorkoutID,
		TenantID:       evt.TenantID,
		PlanID:         evt.PlanID,
		Origin:         domain.OriginPlanned,
		Distance:       evt.Distance,
		ActivityType:   evt.ActivityType,
		StartDateLocal: evt.StartDateLocal,
		Description:    evt.Description,
	}); err != nil {
		return fmt.Errorf("upsert workout %s: %w", evt.WorkoutID, err)
	}
	recordIngested(msg.EventType, outcomeStored)
	return nil
}

func (h *IngestHandler) workoutDeleted(ctx context.Context, msg Message) error {
	var evt events.PlannedWorkoutDeleted
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	evt.TenantID = tenantOf(evt.TenantID, msg)
	if evt.TenantID == "" || evt.WorkoutID == "" {
		return fmt.Errorf("%w: tenant_id and workout_id are required", ErrInvalidPayload)
	}
	if err := checkWorkoutID(evt.WorkoutID); err != nil {
		return err
	}

	released, err := h.store.DeletePlannedWorkout(ctx, evt.TenantID, evt.WorkoutID)
	if errors.Is(err, domain.ErrWorkoutNotFound) {
		recordIngested(msg.EventType, outcomeIgnored)
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete workout %s: %w", evt.WorkoutID, err)
	}
	for _, activityID := range released {
		h.logger.Info("match released by workout deletion", "activity_id", activityID, "workout_id", evt.WorkoutID, "tenant_id", evt.TenantID)
		observability.RecordUnmatch()
		recordIngested(msg.EventType, outcomeUnmatched)
	}
	recordIngested(msg.EventType, outcomeDeleted)
	return nil
}

// checkWorkoutID rejects ids the planned_workouts key cannot hold.
func checkWorkoutID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: workout_id %q is not a UUID", ErrInvalidPayload, id)
	}
	return nil
}

// permanent reports whether a handler error will recur on every redelivery.
func permanent(err error) bool {
	return errors.Is(err, ErrInvalidPayload) || errors.Is(err, ErrUnsupportedEvent)
}

// tenantOf prefers the payload's tenant and falls back to the tenant_id header.
func tenantOf(payloadTenant string, msg Message) string {
	if payloadTenant != "" {
		return payloadTenant
	}
	return msg.TenantID
}
