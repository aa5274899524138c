// Package event defines the append-only metric records an experiment
// accumulates: exposures and conversions.
package event

import "time"

// Exposure marks a user's irrevocable assignment into a variant. At most one
// exists per (experiment, user); the storage layer enforces the uniqueness.
type Exposure struct {
	ExperimentID string    `json:"experiment_id" db:"experiment_id"`
	VariantID    string    `json:"variant_id" db:"variant_id"`
	UserID       string    `json:"user_id" db:"user_id"`
	AssignedAt   time.Time `json:"assigned_at" db:"assigned_at"`
}

// Conversion records one occurrence of the target metric for an exposed user.
// A user may convert any number of times; events are never deleted.
type Conversion struct {
	ID           string    `json:"id"`
	ExperimentID string    `json:"experiment_id"`
	VariantID    string    `json:"variant_id"`
	UserID       string    `json:"user_id"`
	Value        float64   `json:"value"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// VariantCounts aggregates a variant's lifetime metrics. ConvertedUsers is the
// number of distinct users with at least one conversion and is what the
// evaluator's Beta posterior consumes; Conversions and ValueSum report raw
// event volume for operators.
type VariantCounts struct {
	VariantID      string  `json:"variant_id"`
	Exposures      int64   `json:"exposures"`
	ConvertedUsers int64   `json:"converted_users"`
	Conversions    int64   `json:"conversions"`
	ValueSum       float64 `json:"value_sum"`
}
