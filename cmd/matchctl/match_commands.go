package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/apdarr/lace/internal/domain"
	"github.com/apdarr/lace/internal/matching"
)

func newBatchCommand(ctx *commandContext) *cobra.Command {
	var planID string
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Match every unmatched activity of the tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(cmd.Context(), func(svc *services) error {
				result, err := svc.matcher.BatchMatch(cmd.Context(), ctx.tenantID, strings.TrimSpace(planID))
				if err != nil {
					return err
				}
				rows := [][]string{
					{"Matched", strconv.Itoa(result.Matched)},
					{"Unmatched", strconv.Itoa(result.Unmatched)},
					{"Failed", strconv.Itoa(result.Failed)},
				}
				return ctx.emit(cmd, result, []string{"Outcome", "Count"}, rows, []columnAlignment{alignLeft, alignRight})
			})
		},
	}
	cmd.Flags().StringVar(&planID, "plan", "", "Only consider workouts from this training plan")
	return cmd
}

type matchOutput struct {
	ActivityID string     `json:"activity_id"`
	Matched    bool       `json:"matched"`
	WorkoutID  string     `json:"workout_id,omitempty"`
	Confidence float64    `json:"confidence,omitempty"`
	MatchedAt  *time.Time `json:"matched_at,omitempty"`
}

func newMatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "match <activity-id>",
		Short: "Find and persist the best workout for one activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(cmd.Context(), func(svc *services) error {
				activity, err := svc.activities.GetActivity(cmd.Context(), ctx.tenantID, args[0])
				if err != nil {
					return err
				}
				matched, err := svc.matcher.Match(cmd.Context(), activity)
				if err != nil {
					return err
				}

				out := matchOutput{ActivityID: activity.ID, Matched: matched}
				if activity.Matched() {
					out.WorkoutID = activity.Match.WorkoutID
					out.Confidence = activity.Match.Confidence
					out.MatchedAt = &activity.Match.MatchedAt
				}
				status := "no match"
				switch {
				case matched:
					status = "matched"
				case activity.Matched():
					status = "already matched"
				}
				rows := [][]string{{out.ActivityID, status, out.WorkoutID, confidenceCell(activity)}}
				return ctx.emit(cmd, out, []string{"Activity", "Status", "Workout", "Confidence"}, rows, []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight})
			})
		},
	}
}

func newUnmatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "unmatch <activity-id>",
		Short: "Clear the match of one activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(cmd.Context(), func(svc *services) error {
				activity, err := svc.activities.GetActivity(cmd.Context(), ctx.tenantID, args[0])
				if err != nil {
					return err
				}
				previous := ""
				if activity.Matched() {
					previous = activity.Match.WorkoutID
				}
				unmatched, err := svc.matcher.Unmatch(cmd.Context(), activity)
				if err != nil {
					return err
				}
				out := struct {
					ActivityID      string `json:"activity_id"`
					Unmatched       bool   `json:"unmatched"`
					PreviousWorkout string `json:"previous_workout_id,omitempty"`
				}{activity.ID, unmatched, previous}
				rows := [][]string{{activity.ID, yesNo(unmatched), previous}}
				return ctx.emit(cmd, out, []string{"Activity", "Unmatched", "Previous workout"}, rows, nil)
			})
		},
	}
}

type candidateOutput struct {
	WorkoutID      string             `json:"workout_id"`
	PlanID         string             `json:"plan_id"`
	StartDateLocal *time.Time         `json:"start_date_local,omitempty"`
	Score          matching.Breakdown `json:"score"`
}

func newCandidatesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "candidates <activity-id>",
		Short: "Rank the workouts an activity could match, with score breakdowns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(cmd.Context(), func(svc *services) error {
				activity, err := svc.activities.GetActivity(cmd.Context(), ctx.tenantID, args[0])
				if err != nil {
					return err
				}
				ranked, err := svc.matcher.Candidates(cmd.Context(), *activity)
				if err != nil {
					return err
				}
				if len(ranked) == 0 && !ctx.wantJSON(cmd.OutOrStdout()) {
					fmt.Fprintln(cmd.OutOrStdout(), "No candidate workouts in the date window")
					return nil
				}

				out := make([]candidateOutput, 0, len(ranked))
				rows := make([][]string, 0, len(ranked))
				for _, c := range ranked {
					out = append(out, candidateOutput{WorkoutID: c.Workout.ID, PlanID: c.Workout.PlanID, StartDateLocal: c.Workout.StartDateLocal, Score: c.Score})
					rows = append(rows, []string{
						c.Workout.ID,
						dateCell(c.Workout.StartDateLocal),
						formatScore(c.Score.Date),
						formatScore(c.Score.Distance),
						formatScore(c.Score.ActivityType),
						formatScore(c.Score.Description),
						formatScore(c.Score.Confidence),
					})
				}
				headers := []string{"Workout", "Date", "Date score", "Distance", "Type", "Description", "Confidence"}
				aligns := []columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight}
				return ctx.emit(cmd, out, headers, rows, aligns)
			})
		},
	}
}

func confidenceCell(activity *domain.ExternalActivity) string {
	if !activity.Matched() {
		return ""
	}
	return formatScore(activity.Match.Confidence)
}

func dateCell(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
