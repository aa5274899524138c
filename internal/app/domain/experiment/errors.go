package experiment

import "errors"

var (
	// ErrNotFound is returned when an experiment id is unknown.
	ErrNotFound = errors.New("experiment not found")

	// ErrInvalidDefinition is returned when a definition violates the
	// registry invariants (variant count, weights, thresholds).
	ErrInvalidDefinition = errors.New("invalid experiment definition")

	// ErrNotRunning is returned by lifecycle transitions that require a
	// running experiment. Assignment and conversion recording never surface
	// it to callers; they degrade to out-of-experiment results instead.
	ErrNotRunning = errors.New("experiment not running")

	// ErrRunningImmutable is returned when a mutation would change the
	// variants, weights, or traffic fraction of a running experiment.
	ErrRunningImmutable = errors.New("experiment definition is immutable while running")

	// ErrStatusConflict is returned when a compare-and-swap lifecycle
	// transition observes a different current state. Callers racing on
	// conclusion treat it as "someone else already won".
	ErrStatusConflict = errors.New("experiment lifecycle state changed concurrently")

	// ErrVersionConflict is returned when an active-configuration
	// compare-and-swap observes a different version.
	ErrVersionConflict = errors.New("active configuration version conflict")
)
