// Package matching reconciles external activities against planned workouts.
//
// The Engine is pure: it scores an activity against a candidate pool and picks the
// best workout. The Matcher adds persistence through a Store and owns the
// match/unmatch transitions and the batch sweep.
package matching

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidConfig wraps every validation failure returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid matcher config")

// Weights blends the four sub-scores into a confidence. The weights must sum to 1.
type Weights struct {
	Date         float64 `toml:"date"`
	Distance     float64 `toml:"distance"`
	ActivityType float64 `toml:"activity_type"`
	Description  float64 `toml:"description"`
}

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	return w.Date + w.Distance + w.ActivityType + w.Description
}

// Config carries the tolerances used when scoring candidates.
type Config struct {
	// DateToleranceDays bounds the candidate window on either side of the activity date.
	DateToleranceDays int `toml:"date_tolerance_days"`
	// DistanceTolerancePercent is the fraction of the planned distance treated as a near match.
	DistanceTolerancePercent float64 `toml:"distance_tolerance_percent"`
	// MinConfidence is the lowest confidence accepted as a match.
	MinConfidence float64 `toml:"min_confidence"`
	Weights       Weights `toml:"weights"`
}

// DefaultWeights is the canonical 40/40/10/10 blend.
func DefaultWeights() Weights {
	return Weights{Date: 0.4, Distance: 0.4, ActivityType: 0.1, Description: 0.1}
}

// DefaultConfig returns the production tolerances.
func DefaultConfig() Config {
	return Config{
		DateToleranceDays:        1,
		DistanceTolerancePercent: 0.10,
		MinConfidence:            0.3,
		Weights:                  DefaultWeights(),
	}
}

// Validate checks that the config keeps every confidence inside [0, 1].
func (c Config) Validate() error {
	if c.DateToleranceDays < 0 {
		return fmt.Errorf("%w: date tolerance must be >= 0, got %d", ErrInvalidConfig, c.DateToleranceDays)
	}
	// maxDiff is half the planned distance, so the near-match band has to sit below it.
	if c.DistanceTolerancePercent <= 0 || c.DistanceTolerancePercent >= maxDistanceFraction {
		return fmt.Errorf("%w: distance tolerance must be in (0, %.1f), got %v", ErrInvalidConfig, maxDistanceFraction, c.DistanceTolerancePercent)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("%w: min confidence must be in [0, 1], got %v", ErrInvalidConfig, c.MinConfidence)
	}
	w := c.Weights
	if w.Date < 0 || w.Distance < 0 || w.ActivityType < 0 || w.Description < 0 {
		return fmt.Errorf("%w: weights must be non-negative", ErrInvalidConfig)
	}
	if math.Abs(w.Sum()-1) > 1e-9 {
		return fmt.Errorf("%w: weights must sum to 1, got %v", ErrInvalidConfig, w.Sum())
	}
	return nil
}
