package matching

import (
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/apdarr/lace/internal/domain"
)

// maxDistanceFraction is the share of the planned distance beyond which the distance score is zero.
const maxDistanceFraction = 0.5

var runningTypes = []string{"run", "running", "long run", "easy run", "tempo run", "workout"}

var descriptionKeywords = map[string]struct{}{
	"easy":     {},
	"tempo":    {},
	"interval": {},
	"long":     {},
	"recovery": {},
	"hill":     {},
	"fartlek":  {},
	"speed":    {},
	"workout":  {},
}

// Breakdown is the per-factor score of one candidate plus the blended confidence.
type Breakdown struct {
	Date         float64 `json:"date"`
	Distance     float64 `json:"distance"`
	ActivityType float64 `json:"activity_type"`
	Description  float64 `json:"description"`
	Confidence   float64 `json:"confidence"`
}

func (c Config) score(activity domain.ExternalActivity, workout domain.CandidateWorkout) Breakdown {
	b := Breakdown{
		Date:         dateScore(activity.StartDateLocal, workout.StartDateLocal, c.DateToleranceDays),
		Distance:     distanceScore(activity.Distance, workout.Distance, c.DistanceTolerancePercent),
		ActivityType: activityTypeScore(activity.ActivityType, workout.ActivityType),
		Description:  descriptionScore(activity.Description, workout.Description),
	}
	w := c.Weights
	confidence := b.Date*w.Date + b.Distance*w.Distance + b.ActivityType*w.ActivityType + b.Description*w.Description
	b.Confidence = clamp01(confidence)
	return b
}

// dateScore is a step function over whole calendar days.
func dateScore(activity, workout *time.Time, toleranceDays int) float64 {
	if activity == nil || workout == nil {
		return 0
	}
	switch days := calendarDayDiff(*activity, *workout); {
	case days == 0:
		return 1
	case days == 1 && toleranceDays >= 1:
		return 0.5
	default:
		return 0
	}
}

// calendarDayDiff compares the wall-clock dates, ignoring time of day and zone offsets.
func calendarDayDiff(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	days := int(da.Sub(db).Hours() / 24)
	if days < 0 {
		return -days
	}
	return days
}

// distanceScore decays linearly from 1.0 to 0.5 across the tolerance band and from 0.5 to 0 up to maxDiff.
func distanceScore(activity, workout *float64, tolerancePercent float64) float64 {
	if activity == nil || workout == nil {
		return 0
	}
	a, w := *activity, *workout
	if a < 0 || w < 0 || math.IsNaN(a) || math.IsNaN(w) {
		return 0
	}
	// Rest days carry no distance and are compatible with anything.
	if a == 0 || w == 0 {
		return 1
	}

	tolerance := w * tolerancePercent
	diff := math.Abs(a - w)
	if diff <= tolerance {
		return 1 - (diff/tolerance)*0.5
	}

	maxDiff := w * maxDistanceFraction
	if diff <= maxDiff {
		return 0.5 * (1 - (diff-tolerance)/(maxDiff-tolerance))
	}
	return 0
}

func activityTypeScore(activity, workout string) float64 {
	a := strings.ToLower(strings.TrimSpace(activity))
	w := strings.ToLower(strings.TrimSpace(workout))
	if a == "" || w == "" {
		return 0.5
	}
	if a == w {
		return 1
	}
	if runningLike(a) && runningLike(w) {
		return 0.7
	}
	return 0
}

func runningLike(activityType string) bool {
	for _, t := range runningTypes {
		if strings.Contains(activityType, t) {
			return true
		}
	}
	return false
}

func descriptionScore(activity, workout string) float64 {
	activity = strings.TrimSpace(activity)
	workout = strings.TrimSpace(workout)
	switch {
	case activity == "" && workout == "":
		return 0
	case activity == "" || workout == "":
		return 0.5
	}

	keywords := make([]string, 0, len(descriptionKeywords))
	seen := make(map[string]struct{})
	for _, token := range tokenize(workout) {
		if _, ok := descriptionKeywords[token]; !ok {
			continue
		}
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		keywords = append(keywords, token)
	}
	if len(keywords) == 0 {
		return 1
	}

	present := make(map[string]struct{})
	for _, token := range tokenize(activity) {
		present[token] = struct{}{}
	}
	hits := 0
	for _, kw := range keywords {
		if _, ok := present[kw]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(keywords))
}

// tokenize lowercases, splits on whitespace, and strips surrounding punctuation.
func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := fields[:0]
	for _, f := range fields {
		f = strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
