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
	"time"

	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"

	"github.com/codeguard-dev/codeguard/internal/apierr"
	"github.com/codeguard-dev/codeguard/pkg/domain"
)

// PatternRepository persists domain.Pattern rows. §3 and §8 property 4
// require that confidence always equal
// (success+1)/(success+failure+2); this repository recomputes it
// in-transaction rather than trusting a caller-supplied value.
type PatternRepository struct {
	db     *sqlx.DB
	logger logr.Logger
}

func NewPatternRepository(db *sqlx.DB, logger logr.Logger) *PatternRepository {
	return &PatternRepository{db: db, logger: logger}
}

type patternRow struct {
	Fingerprint       string    `db:"fingerprint"`
	OccurrenceCount   int       `db:"occurrence_count"`
	SuccessCount      int       `db:"success_count"`
	FailureCount      int       `db:"failure_count"`
	Confidence        float64   `db:"confidence"`
	RepresentativeFix string    `db:"representative_fix"`
	Deprecated        bool      `db:"deprecated"`
	FirstSeen         time.Time `db:"first_seen"`
	LastSeen          time.Time `db:"last_seen"`
}

func (r patternRow) toDomain() *domain.Pattern {
	return &domain.Pattern{
		Fingerprint:       r.Fingerprint,
		OccurrenceCount:   r.OccurrenceCount,
		SuccessCount:      r.SuccessCount,
		FailureCount:      r.FailureCount,
		Confidence:        r.Confidence,
		RepresentativeFix: r.RepresentativeFix,
		Deprecated:        r.Deprecated,
		FirstSeen:         r.FirstSeen,
		LastSeen:          r.LastSeen,
	}
}

// UpsertPattern implements spec.md §4.1: atomically applies
// (deltaSuccess, deltaFailure) to the fingerprint's counters, recomputes
// confidence and the deprecation flag inside the same transaction, and
// optionally refreshes the representative patch text.
func (r *PatternRepository) UpsertPattern(ctx context.Context, fingerprint string, deltaSuccess, deltaFailure int, representativePatch string) (*domain.Pattern, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apierr.Transient("store_unavailable", "begin upsert_pattern tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var row patternRow
	err = tx.GetContext(ctx, &row, tx.Rebind(`SELECT * FROM patterns WHERE fingerprint = ? FOR UPDATE`), fingerprint)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		row = patternRow{Fingerprint: fingerprint}
	case err != nil:
		return nil, apierr.Transient("store_unavailable", "lock pattern row", err)
	}

	row.SuccessCount += deltaSuccess
	row.FailureCount += deltaFailure
	row.OccurrenceCount++

	pattern := row.toDomain()
	pattern.Recompute()
	if representativePatch != "" {
		pattern.RepresentativeFix = representativePatch
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO patterns
			(fingerprint, occurrence_count, success_count, failure_count,
			 confidence, representative_fix, deprecated, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, now())
		ON CONFLICT (fingerprint) DO UPDATE SET
			occurrence_count   = EXCLUDED.occurrence_count,
			success_count      = EXCLUDED.success_count,
			failure_count      = EXCLUDED.failure_count,
			confidence         = EXCLUDED.confidence,
			representative_fix = EXCLUDED.representative_fix,
			deprecated         = EXCLUDED.deprecated,
			last_seen          = now()
	`), pattern.Fingerprint, pattern.OccurrenceCount, pattern.SuccessCount,
		pattern.FailureCount, pattern.Confidence, pattern.RepresentativeFix, pattern.Deprecated)
	if err != nil {
		return nil, apierr.Transient("store_unavailable", "upsert pattern", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apierr.Transient("store_unavailable", "commit upsert_pattern", err)
	}
	return pattern, nil
}

// GetPattern fetches a pattern by fingerprint. Returns (nil, nil) if
// none exists yet — an unseen fingerprint is not an error.
func (r *PatternRepository) GetPattern(ctx context.Context, fingerprint string) (*domain.Pattern, error) {
	var row patternRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT * FROM patterns WHERE fingerprint = ?`), fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apierr.Transient("store_unavailable", "get pattern", err)
	}
	return row.toDomain(), nil
}

// FindUsablePattern returns a pattern only if it is not deprecated and
// meets the stage-4 confidence floor (0.75 per spec.md §4.4), the
// lookup C6 strategy (a) performs. Deprecated patterns are never
// returned (§3, §8 property 5), enforced here rather than trusted to
// callers.
func (r *PatternRepository) FindUsablePattern(ctx context.Context, fingerprint string, minConfidence float64) (*domain.Pattern, error) {
	pattern, err := r.GetPattern(ctx, fingerprint)
	if err != nil || pattern == nil {
		return nil, err
	}
	if pattern.Deprecated || pattern.Confidence < minConfidence {
		return nil, nil
	}
	return pattern, nil
}

// ShareableProjection returns the cross-tenant-safe view of a pattern:
// fingerprint and aggregate counts only, never patch text (SPEC_FULL.md
// Open Question resolution #4).
type ShareableProjection struct {
	Fingerprint     string
	OccurrenceCount int
	SuccessCount    int
	FailureCount    int
	Confidence      float64
}

// ShareableProjectionOf projects a Pattern onto its cross-tenant-safe view.
func ShareableProjectionOf(p *domain.Pattern) ShareableProjection {
	return ShareableProjection{
		Fingerprint:     p.Fingerprint,
		OccurrenceCount: p.OccurrenceCount,
		SuccessCount:    p.SuccessCount,
		FailureCount:    p.FailureCount,
		Confidence:      p.Confidence,
	}
}
