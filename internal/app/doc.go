// Package app composes the experiment engine into a running application.
//
// The package wires the domain services together and owns their lifecycle; it
// carries no experiment logic of its own.
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── experiment/     # Definitions, variants, active configs
//	│   └── event/          # Exposures, conversions, aggregated counts
//	├── storage/            # Storage interfaces and implementations
//	│   ├── interfaces.go   # ExperimentStore, EventStore, ActiveConfigStore
//	│   ├── memory/         # In-memory implementation for tests and dev
//	│   └── postgres/       # PostgreSQL implementation for production
//	├── services/
//	│   ├── experiments/    # Registry: definition CRUD and lifecycle guards
//	│   ├── assignment/     # Deterministic hashing and exposure recording
//	│   ├── evaluator/      # Bayesian probability-of-best evaluation
//	│   └── promotion/      # Promotion cycles and the cron scheduler
//	├── httpapi/            # REST handlers, auth, rate limiting, audit trail
//	├── system/             # Service lifecycle management
//	└── metrics/            # Prometheus collectors
//
// Assignment, evaluation, and promotion only touch storage through the
// interfaces in storage/, so every service runs unchanged against the memory
// store in tests and postgres in production.
package app
