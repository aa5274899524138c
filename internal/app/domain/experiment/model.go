// Package experiment defines the registry records driving assignment,
// evaluation, and promotion.
package experiment

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of an experiment.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusRunning   Status = "running"
	StatusConcluded Status = "concluded"
)

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusRunning, StatusConcluded:
		return true
	}
	return false
}

// Variant is one treatment arm of an experiment. Config is opaque to the
// engine and passed through to callers verbatim.
type Variant struct {
	ID      string          `json:"id"`
	Label   string          `json:"label"`
	Weight  float64         `json:"weight"`
	Control bool            `json:"control"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// Experiment is a registry record. While Status is running the variant list,
// weights, and traffic fraction are immutable; the assignment engine's
// determinism depends on that.
type Experiment struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Hypothesis          string    `json:"hypothesis,omitempty"`
	Metric              string    `json:"metric"`
	ConfigKey           string    `json:"config_key"`
	Variants            []Variant `json:"variants"`
	TrafficFraction     float64   `json:"traffic_fraction"`
	MinSampleSize       int64     `json:"min_sample_size"`
	ConfidenceThreshold float64   `json:"confidence_threshold"`
	Status              Status    `json:"status"`
	Winner              string    `json:"winner,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
	ConcludedAt         time.Time `json:"concluded_at,omitempty"`
}

// Validate checks the definition invariants. A failing definition is rejected
// whole; nothing is partially applied.
func (e Experiment) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if strings.TrimSpace(e.Metric) == "" {
		return fmt.Errorf("%w: metric is required", ErrInvalidDefinition)
	}
	if len(e.Variants) < 2 {
		return fmt.Errorf("%w: at least 2 variants required, got %d", ErrInvalidDefinition, len(e.Variants))
	}
	if e.TrafficFraction < 0 || e.TrafficFraction > 1 {
		return fmt.Errorf("%w: traffic_fraction %v outside [0,1]", ErrInvalidDefinition, e.TrafficFraction)
	}
	if e.MinSampleSize < 0 {
		return fmt.Errorf("%w: min_sample_size must not be negative", ErrInvalidDefinition)
	}
	if e.ConfidenceThreshold <= 0.5 || e.ConfidenceThreshold >= 1 {
		return fmt.Errorf("%w: confidence_threshold %v outside (0.5,1)", ErrInvalidDefinition, e.ConfidenceThreshold)
	}

	seen := make(map[string]bool, len(e.Variants))
	controls := 0
	for _, v := range e.Variants {
		id := strings.TrimSpace(v.ID)
		if id == "" {
			return fmt.Errorf("%w: variant id is required", ErrInvalidDefinition)
		}
		if seen[id] {
			return fmt.Errorf("%w: duplicate variant id %q", ErrInvalidDefinition, id)
		}
		seen[id] = true
		if v.Weight <= 0 {
			return fmt.Errorf("%w: variant %q weight must be positive, got %v", ErrInvalidDefinition, id, v.Weight)
		}
		if v.Control {
			controls++
		}
	}
	if controls > 1 {
		return fmt.Errorf("%w: at most one control variant allowed", ErrInvalidDefinition)
	}
	return nil
}

// Variant returns the variant with the given id.
func (e Experiment) Variant(id string) (Variant, bool) {
	for _, v := range e.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// ControlVariant returns the variant flagged as control, falling back to the
// first variant when none is flagged. Control is a reporting concept only; it
// carries no statistical weight.
func (e Experiment) ControlVariant() Variant {
	for _, v := range e.Variants {
		if v.Control {
			return v
		}
	}
	return e.Variants[0]
}

// TotalWeight sums the variant weights for bucket normalization.
func (e Experiment) TotalWeight() float64 {
	total := 0.0
	for _, v := range e.Variants {
		total += v.Weight
	}
	return total
}

// ActiveConfig is the versioned default-configuration pointer for a routing
// surface. Non-experiment traffic reads this record; the promotion controller
// is its only writer and every write is a compare-and-swap on Version.
type ActiveConfig struct {
	Key          string          `json:"key"`
	ExperimentID string          `json:"experiment_id"`
	VariantID    string          `json:"variant_id"`
	Config       json.RawMessage `json:"config,omitempty"`
	Version      int64           `json:"version"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
