package domain

import "errors"

var (
	// ErrActivityNotFound is returned when an external activity cannot be located.
	ErrActivityNotFound = errors.New("activity not found")
	// ErrWorkoutNotFound is returned when a planned workout cannot be located.
	ErrWorkoutNotFound = errors.New("workout not found")
	// ErrAlreadyMatched indicates the activity was linked by someone else before the write landed.
	ErrAlreadyMatched = errors.New("activity already matched")
	// ErrWorkoutAlreadyMatched indicates the chosen workout is linked to another activity.
	ErrWorkoutAlreadyMatched = errors.New("workout already matched to another activity")
	// ErrExternalCandidate is returned when an externally sourced record shows up in a candidate pool.
	ErrExternalCandidate = errors.New("candidate is not a planned workout")
	// ErrSelfMatch is returned when a candidate shares the activity's identifier.
	ErrSelfMatch = errors.New("activity cannot be matched to itself")
)

// IsInvariantViolation reports whether err signals caller misuse rather than the absence of a match.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrAlreadyMatched) ||
		errors.Is(err, ErrWorkoutAlreadyMatched) ||
		errors.Is(err, ErrExternalCandidate) ||
		errors.Is(err, ErrSelfMatch)
}
