package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/apdarr/lace/internal/observability"
)

// BatchResult tallies a sweep. Activities whose match attempt errored are counted
// as Failed, not as Unmatched.
type BatchResult struct {
	RunID     string `json:"run_id"`
	Matched   int    `json:"matched"`
	Unmatched int    `json:"unmatched"`
	Failed    int    `json:"failed"`
}

// BatchMatch attempts a match for every unmatched activity of the tenant, in ascending
// ID order. When planID is set only that plan's workouts are candidates. A failure on
// one activity is logged and the sweep moves on; only listing failures and context
// cancellation stop it.
func (m *Matcher) BatchMatch(ctx context.Context, tenantID, planID string) (BatchResult, error) {
	start := time.Now()
	defer func() { observability.ObserveBatch(time.Since(start)) }()

	result := BatchResult{RunID: uuid.NewString()}
	log := m.logger.With("run_id", result.RunID, "tenant_id", tenantID, "plan_id", planID)

	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		page, err := m.store.UnmatchedActivities(ctx, UnmatchedQuery{TenantID: tenantID, AfterID: afterID, Limit: m.batchSize})
		if err != nil {
			return result, fmt.Errorf("list unmatched activities: %w", err)
		}

		for i := range page {
			activity := page[i]
			matched, err := m.matchInPlan(ctx, &activity, planID)
			switch {
			case err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
				return result, err
			case err != nil:
				result.Failed++
				log.Error("batch match failed for activity", "activity_id", activity.ID, "error", err)
			case matched:
				result.Matched++
			default:
				result.Unmatched++
			}
		}

		if len(page) < m.batchSize {
			break
		}
		afterID = page[len(page)-1].ID
	}

	log.Info("batch match completed", "matched", result.Matched, "unmatched", result.Unmatched, "failed", result.Failed)
	return result, nil
}
