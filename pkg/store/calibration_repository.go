/*
Copyright 2026 The Codeguard Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"

	"github.com/codeguard-dev/codeguard/internal/apierr"
	"github.com/codeguard-dev/codeguard/pkg/domain"
)

// CalibrationRepository persists per-(generator, kind) calibration
// buckets: the running gap between a generator's self-reported
// confidence and its observed success rate, consulted by stage 5 of
// the fix orchestrator (§4.4) to correct raw_confidence into
// calibrated_confidence.
type CalibrationRepository struct {
	db     *sqlx.DB
	logger logr.Logger
}

func NewCalibrationRepository(db *sqlx.DB, logger logr.Logger) *CalibrationRepository {
	return &CalibrationRepository{db: db, logger: logger}
}

type calibrationBucketRow struct {
	Generator              string  `db:"generator"`
	Kind                   string  `db:"kind"`
	Samples                int     `db:"samples"`
	MeanReportedConfidence float64 `db:"mean_reported_confidence"`
	MeanObservedSuccess    float64 `db:"mean_observed_success"`
	CorrectionFactor       float64 `db:"correction_factor"`
}

func (r calibrationBucketRow) toDomain() *domain.CalibrationBucket {
	return &domain.CalibrationBucket{
		Generator:              domain.Generator(r.Generator),
		Kind:                   domain.IssueKind(r.Kind),
		Samples:                r.Samples,
		MeanReportedConfidence: r.MeanReportedConfidence,
		MeanObservedSuccess:    r.MeanObservedSuccess,
		CorrectionFactor:       r.CorrectionFactor,
	}
}

// Get fetches the bucket for (generator, kind), or a fresh zero-value
// bucket (correction factor 1.0, meaning "no adjustment yet") if none
// exists.
func (r *CalibrationRepository) Get(ctx context.Context, generator domain.Generator, kind domain.IssueKind) (*domain.CalibrationBucket, error) {
	var row calibrationBucketRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`
		SELECT * FROM calibration_buckets WHERE generator = ? AND kind = ?
	`), string(generator), string(kind))
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.CalibrationBucket{Generator: generator, Kind: kind, CorrectionFactor: 1.0}, nil
	}
	if err != nil {
		return nil, apierr.Transient("store_unavailable", "get calibration bucket", err)
	}
	return row.toDomain(), nil
}

// RecordObservation folds one more (reportedConfidence, succeeded)
// sample into the running means using Welford-style incremental
// averaging, then recomputes CorrectionFactor as the ratio of observed
// success to reported confidence, clamped to [0.5, 1.5] so a thin
// sample can't swing calibrated_confidence wildly.
func (r *CalibrationRepository) RecordObservation(ctx context.Context, generator domain.Generator, kind domain.IssueKind, reportedConfidence float64, succeeded bool) (*domain.CalibrationBucket, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apierr.Transient("store_unavailable", "begin calibration tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var row calibrationBucketRow
	err = tx.GetContext(ctx, &row, tx.Rebind(`
		SELECT * FROM calibration_buckets WHERE generator = ? AND kind = ? FOR UPDATE
	`), string(generator), string(kind))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		row = calibrationBucketRow{Generator: string(generator), Kind: string(kind), CorrectionFactor: 1.0}
	case err != nil:
		return nil, apierr.Transient("store_unavailable", "lock calibration bucket", err)
	}

	observed := 0.0
	if succeeded {
		observed = 1.0
	}
	n := float64(row.Samples + 1)
	row.MeanReportedConfidence += (reportedConfidence - row.MeanReportedConfidence) / n
	row.MeanObservedSuccess += (observed - row.MeanObservedSuccess) / n
	row.Samples++

	factor := 1.0
	if row.MeanReportedConfidence > 0 {
		factor = row.MeanObservedSuccess / row.MeanReportedConfidence
	}
	row.CorrectionFactor = clamp(factor, 0.5, 1.5)

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO calibration_buckets
			(generator, kind, samples, mean_reported_confidence, mean_observed_success, correction_factor)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (generator, kind) DO UPDATE SET
			samples                  = EXCLUDED.samples,
			mean_reported_confidence = EXCLUDED.mean_reported_confidence,
			mean_observed_success    = EXCLUDED.mean_observed_success,
			correction_factor        = EXCLUDED.correction_factor
	`), row.Generator, row.Kind, row.Samples, row.MeanReportedConfidence, row.MeanObservedSuccess, row.CorrectionFactor)
	if err != nil {
		return nil, apierr.Transient("store_unavailable", "upsert calibration bucket", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apierr.Transient("store_unavailable", "commit calibration observation", err)
	}
	return row.toDomain(), nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
