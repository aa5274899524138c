// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/peptide-ai/experiment-layer/internal/app/domain/event"
	"github.com/peptide-ai/experiment-layer/internal/app/domain/experiment"
	"github.com/peptide-ai/experiment-layer/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.ExperimentStore = (*Store)(nil)
var _ storage.EventStore = (*Store)(nil)
var _ storage.ActiveConfigStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

type experimentRow struct {
	ID                  string         `db:"id"`
	Name                string         `db:"name"`
	Hypothesis          sql.NullString `db:"hypothesis"`
	Metric              string         `db:"metric"`
	ConfigKey           string         `db:"config_key"`
	Variants            []byte         `db:"variants"`
	TrafficFraction     float64        `db:"traffic_fraction"`
	MinSampleSize       int64          `db:"min_sample_size"`
	ConfidenceThreshold float64        `db:"confidence_threshold"`
	Status              string         `db:"status"`
	Winner              sql.NullString `db:"winner"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
	ConcludedAt         sql.NullTime   `db:"concluded_at"`
}

func (r experimentRow) toDomain() (experiment.Experiment, error) {
	var variants []experiment.Variant
	if err := json.Unmarshal(r.Variants, &variants); err != nil {
		return experiment.Experiment{}, fmt.Errorf("decode variants for %s: %w", r.ID, err)
	}
	exp := experiment.Experiment{
		ID:                  r.ID,
		Name:                r.Name,
		Hypothesis:          r.Hypothesis.String,
		Metric:              r.Metric,
		ConfigKey:           r.ConfigKey,
		Variants:            variants,
		TrafficFraction:     r.TrafficFraction,
		MinSampleSize:       r.MinSampleSize,
		ConfidenceThreshold: r.ConfidenceThreshold,
		Status:              experiment.Status(r.Status),
		Winner:              r.Winner.String,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
	if r.ConcludedAt.Valid {
		exp.ConcludedAt = r.ConcludedAt.Time
	}
	return exp, nil
}

const experimentColumns = `id, name, hypothesis, metric, config_key, variants,
	traffic_fraction, min_sample_size, confidence_threshold, status, winner,
	created_at, updated_at, concluded_at`

// --- ExperimentStore --------------------------------------------------------

func (s *Store) CreateExperiment(ctx context.Context, exp experiment.Experiment) (experiment.Experiment, error) {
	if exp.ID == "" {
		exp.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	exp.CreatedAt = now
	exp.UpdatedAt = now

	variantsJSON, err := json.Marshal(exp.Variants)
	if err != nil {
		return experiment.Experiment{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO experiments (id, name, hypothesis, metric, config_key, variants,
			traffic_fraction, min_sample_size, confidence_threshold, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, exp.ID, exp.Name, nullString(exp.Hypothesis), exp.Metric, exp.ConfigKey, variantsJSON,
		exp.TrafficFraction, exp.MinSampleSize, exp.ConfidenceThreshold, string(exp.Status),
		exp.CreatedAt, exp.UpdatedAt)
	if err != nil {
		return experiment.Experiment{}, err
	}
	return exp, nil
}

func (s *Store) UpdateExperiment(ctx context.Context, exp experiment.Experiment) (experiment.Experiment, error) {
	existing, err := s.GetExperiment(ctx, exp.ID)
	if err != nil {
		return experiment.Experiment{}, err
	}
	exp.CreatedAt = existing.CreatedAt
	exp.UpdatedAt = time.Now().UTC()

	variantsJSON, err := json.Marshal(exp.Variants)
	if err != nil {
		return experiment.Experiment{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE experiments
		SET name = $2, hypothesis = $3, metric = $4, config_key = $5, variants = $6,
			traffic_fraction = $7, min_sample_size = $8, confidence_threshold = $9,
			status = $10, updated_at = $11
		WHERE id = $1
	`, exp.ID, exp.Name, nullString(exp.Hypothesis), exp.Metric, exp.ConfigKey, variantsJSON,
		exp.TrafficFraction, exp.MinSampleSize, exp.ConfidenceThreshold, string(exp.Status),
		exp.UpdatedAt)
	if err != nil {
		return experiment.Experiment{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return experiment.Experiment{}, experiment.ErrNotFound
	}
	return exp, nil
}

func (s *Store) GetExperiment(ctx context.Context, id string) (experiment.Experiment, error) {
	var row experimentRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+experimentColumns+`
		FROM experiments WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return experiment.Experiment{}, experiment.ErrNotFound
	}
	if err != nil {
		return experiment.Experiment{}, err
	}
	return row.toDomain()
}

func (s *Store) ListExperiments(ctx context.Context, status experiment.Status) ([]experiment.Experiment, error) {
	query := `SELECT ` + experimentColumns + ` FROM experiments`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, id`

	var rows []experimentRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	exps := make([]experiment.Experiment, 0, len(rows))
	for _, row := range rows {
		exp, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		exps = append(exps, exp)
	}
	return exps, nil
}

func (s *Store) TransitionStatus(ctx context.Context, id string, from, to experiment.Status) (experiment.Experiment, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE experiments SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to), time.Now().UTC())
	if err != nil {
		return experiment.Experiment{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		if _, getErr := s.GetExperiment(ctx, id); getErr != nil {
			return experiment.Experiment{}, getErr
		}
		return experiment.Experiment{}, experiment.ErrStatusConflict
	}
	return s.GetExperiment(ctx, id)
}

func (s *Store) ConcludeExperiment(ctx context.Context, id, winner string) (experiment.Experiment, bool, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE experiments
		SET status = $2, winner = $3, concluded_at = $4, updated_at = $4
		WHERE id = $1 AND status <> $2
	`, id, string(experiment.StatusConcluded), winner, now)
	if err != nil {
		return experiment.Experiment{}, false, err
	}

	applied := false
	if rows, _ := result.RowsAffected(); rows > 0 {
		applied = true
	}

	exp, err := s.GetExperiment(ctx, id)
	if err != nil {
		return experiment.Experiment{}, false, err
	}
	return exp, applied, nil
}

// --- EventStore -------------------------------------------------------------

func (s *Store) RecordExposure(ctx context.Context, exposure event.Exposure) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO experiment_exposures (experiment_id, user_id, variant_id, assigned_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (experiment_id, user_id) DO NOTHING
	`, exposure.ExperimentID, exposure.UserID, exposure.VariantID, exposure.AssignedAt)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func (s *Store) GetExposure(ctx context.Context, experimentID, userID string) (event.Exposure, error) {
	var exposure event.Exposure
	err := s.db.GetContext(ctx, &exposure, `
		SELECT experiment_id, variant_id, user_id, assigned_at
		FROM experiment_exposures
		WHERE experiment_id = $1 AND user_id = $2
	`, experimentID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Exposure{}, experiment.ErrNotFound
	}
	if err != nil {
		return event.Exposure{}, err
	}
	return exposure, nil
}

func (s *Store) ListUserExposures(ctx context.Context, userID string) ([]event.Exposure, error) {
	exposures := []event.Exposure{}
	err := s.db.SelectContext(ctx, &exposures, `
		SELECT experiment_id, variant_id, user_id, assigned_at
		FROM experiment_exposures
		WHERE user_id = $1
		ORDER BY assigned_at, experiment_id
	`, userID)
	if err != nil {
		return nil, err
	}
	return exposures, nil
}

func (s *Store) RecordConversion(ctx context.Context, conv event.Conversion) (event.Conversion, error) {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO experiment_conversions (id, experiment_id, variant_id, user_id, value, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, conv.ID, conv.ExperimentID, conv.VariantID, conv.UserID, conv.Value, conv.OccurredAt)
	if err != nil {
		if isUniqueViolation(err) {
			return event.Conversion{}, fmt.Errorf("conversion %s already recorded", conv.ID)
		}
		return event.Conversion{}, err
	}
	return conv, nil
}

func (s *Store) AggregateCounts(ctx context.Context, experimentID string) ([]event.VariantCounts, error) {
	var exposureRows []struct {
		VariantID string `db:"variant_id"`
		Exposures int64  `db:"exposures"`
	}
	err := s.db.SelectContext(ctx, &exposureRows, `
		SELECT variant_id, COUNT(*) AS exposures
		FROM experiment_exposures
		WHERE experiment_id = $1
		GROUP BY variant_id
		ORDER BY variant_id
	`, experimentID)
	if err != nil {
		return nil, err
	}

	var conversionRows []struct {
		VariantID      string  `db:"variant_id"`
		ConvertedUsers int64   `db:"converted_users"`
		Conversions    int64   `db:"conversions"`
		ValueSum       float64 `db:"value_sum"`
	}
	err = s.db.SelectContext(ctx, &conversionRows, `
		SELECT variant_id,
			COUNT(DISTINCT user_id) AS converted_users,
			COUNT(*) AS conversions,
			COALESCE(SUM(value), 0) AS value_sum
		FROM experiment_conversions
		WHERE experiment_id = $1
		GROUP BY variant_id
	`, experimentID)
	if err != nil {
		return nil, err
	}

	byVariant := make(map[string]*event.VariantCounts, len(exposureRows))
	counts := make([]event.VariantCounts, 0, len(exposureRows))
	for _, row := range exposureRows {
		counts = append(counts, event.VariantCounts{VariantID: row.VariantID, Exposures: row.Exposures})
	}
	for i := range counts {
		byVariant[counts[i].VariantID] = &counts[i]
	}
	for _, row := range conversionRows {
		c, ok := byVariant[row.VariantID]
		if !ok {
			// Conversion without a surviving exposure row; report it anyway.
			counts = append(counts, event.VariantCounts{VariantID: row.VariantID})
			c = &counts[len(counts)-1]
			byVariant[row.VariantID] = c
		}
		c.ConvertedUsers = row.ConvertedUsers
		c.Conversions = row.Conversions
		c.ValueSum = row.ValueSum
	}
	return counts, nil
}

// --- ActiveConfigStore ------------------------------------------------------

func (s *Store) GetActiveConfig(ctx context.Context, key string) (experiment.ActiveConfig, error) {
	var row struct {
		Key          string    `db:"key"`
		ExperimentID string    `db:"experiment_id"`
		VariantID    string    `db:"variant_id"`
		Config       []byte    `db:"config"`
		Version      int64     `db:"version"`
		UpdatedAt    time.Time `db:"updated_at"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT key, experiment_id, variant_id, config, version, updated_at
		FROM active_configs WHERE key = $1
	`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return experiment.ActiveConfig{}, experiment.ErrNotFound
	}
	if err != nil {
		return experiment.ActiveConfig{}, err
	}
	return experiment.ActiveConfig{
		Key:          row.Key,
		ExperimentID: row.ExperimentID,
		VariantID:    row.VariantID,
		Config:       row.Config,
		Version:      row.Version,
		UpdatedAt:    row.UpdatedAt,
	}, nil
}

func (s *Store) CompareAndSwapActiveConfig(ctx context.Context, cfg experiment.ActiveConfig, expectedVersion int64) (experiment.ActiveConfig, error) {
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = time.Now().UTC()
	}

	if expectedVersion == 0 {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO active_configs (key, experiment_id, variant_id, config, version, updated_at)
			VALUES ($1, $2, $3, $4, 1, $5)
		`, cfg.Key, cfg.ExperimentID, cfg.VariantID, []byte(cfg.Config), cfg.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return experiment.ActiveConfig{}, experiment.ErrVersionConflict
			}
			return experiment.ActiveConfig{}, err
		}
		cfg.Version = 1
		return cfg, nil
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE active_configs
		SET experiment_id = $2, variant_id = $3, config = $4, version = version + 1, updated_at = $5
		WHERE key = $1 AND version = $6
	`, cfg.Key, cfg.ExperimentID, cfg.VariantID, []byte(cfg.Config), cfg.UpdatedAt, expectedVersion)
	if err != nil {
		return experiment.ActiveConfig{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return experiment.ActiveConfig{}, experiment.ErrVersionConflict
	}
	cfg.Version = expectedVersion + 1
	return cfg, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
