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
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/codeguard-dev/codeguard/internal/apierr"
	"github.com/codeguard-dev/codeguard/pkg/domain"
)

// ExpertGuideRepository persists domain.ExpertGuide rows. At most one
// guide is active per (project, kind) — enforced by the
// idx_expert_guides_active partial unique index — and a revision
// supersedes its predecessor rather than overwriting it, preserving
// the guide's history for §4.7's quality-trend reporting.
type ExpertGuideRepository struct {
	db     *sqlx.DB
	logger logr.Logger
}

func NewExpertGuideRepository(db *sqlx.DB, logger logr.Logger) *ExpertGuideRepository {
	return &ExpertGuideRepository{db: db, logger: logger}
}

type expertGuideRow struct {
	ID           string    `db:"id"`
	ProjectID    string    `db:"project_id"`
	Kind         string    `db:"kind"`
	Body         string    `db:"body"`
	QualityScore float64   `db:"quality_score"`
	UsageCount   int       `db:"usage_count"`
	SuccessCount int       `db:"success_count"`
	Revision     int       `db:"revision"`
	Superseded   bool      `db:"superseded"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r expertGuideRow) toDomain() *domain.ExpertGuide {
	return &domain.ExpertGuide{
		ID:           r.ID,
		ProjectID:    r.ProjectID,
		Kind:         r.Kind,
		Body:         r.Body,
		QualityScore: r.QualityScore,
		UsageCount:   r.UsageCount,
		SuccessCount: r.SuccessCount,
		Revision:     r.Revision,
		Superseded:   r.Superseded,
		CreatedAt:    r.CreatedAt,
	}
}

// Active returns the current (non-superseded) guide for a
// (project, kind), or nil if none has been generated yet.
func (r *ExpertGuideRepository) Active(ctx context.Context, projectID, kind string) (*domain.ExpertGuide, error) {
	var row expertGuideRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`
		SELECT * FROM expert_guides WHERE project_id = ? AND kind = ? AND NOT superseded
	`), projectID, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apierr.Transient("store_unavailable", "get active expert guide", err)
	}
	return row.toDomain(), nil
}

// Create inserts the first guide for a (project, kind). Fails with a
// Logical-class error if one is already active, since generation (not
// Revise) is only valid the first time.
func (r *ExpertGuideRepository) Create(ctx context.Context, guide *domain.ExpertGuide) (string, error) {
	existing, err := r.Active(ctx, guide.ProjectID, guide.Kind)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return "", apierr.New(apierr.ClassLogical, "guide_already_active", "an active guide already exists for this project/kind; use Revise", nil)
	}
	id := guide.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO expert_guides (id, project_id, kind, body, quality_score, usage_count, success_count, revision, superseded)
		VALUES (?, ?, ?, ?, ?, 0, 0, 1, false)
	`), id, guide.ProjectID, guide.Kind, guide.Body, guide.QualityScore)
	if err != nil {
		return "", apierr.Transient("store_unavailable", "create expert guide", err)
	}
	return id, nil
}

// Revise atomically supersedes the active guide for (project, kind)
// and inserts its replacement at revision+1, in a single transaction
// so the partial unique index never observes two simultaneously-active
// rows.
func (r *ExpertGuideRepository) Revise(ctx context.Context, projectID, kind, newBody string, qualityScore float64) (*domain.ExpertGuide, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apierr.Transient("store_unavailable", "begin revise guide tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var row expertGuideRow
	err = tx.GetContext(ctx, &row, tx.Rebind(`
		SELECT * FROM expert_guides WHERE project_id = ? AND kind = ? AND NOT superseded FOR UPDATE
	`), projectID, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.Contract("not_found", "no active guide to revise")
	}
	if err != nil {
		return nil, apierr.Transient("store_unavailable", "lock expert guide", err)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE expert_guides SET superseded = true WHERE id = ?`), row.ID); err != nil {
		return nil, apierr.Transient("store_unavailable", "supersede expert guide", err)
	}

	newID := uuid.NewString()
	newRevision := row.Revision + 1
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO expert_guides (id, project_id, kind, body, quality_score, usage_count, success_count, revision, superseded)
		VALUES (?, ?, ?, ?, ?, 0, 0, ?, false)
	`), newID, projectID, kind, newBody, qualityScore, newRevision); err != nil {
		return nil, apierr.Transient("store_unavailable", "insert revised expert guide", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apierr.Transient("store_unavailable", "commit revise guide", err)
	}
	return &domain.ExpertGuide{
		ID:           newID,
		ProjectID:    projectID,
		Kind:         kind,
		Body:         newBody,
		QualityScore: qualityScore,
		Revision:     newRevision,
	}, nil
}

// RecordUsage increments usage (and success, when the consulted guide's
// fix went on to succeed) counters for §4.7's quality-score recalculation.
func (r *ExpertGuideRepository) RecordUsage(ctx context.Context, id string, succeeded bool) error {
	query := `UPDATE expert_guides SET usage_count = usage_count + 1 WHERE id = ?`
	if succeeded {
		query = `UPDATE expert_guides SET usage_count = usage_count + 1, success_count = success_count + 1 WHERE id = ?`
	}
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), id); err != nil {
		return apierr.Transient("store_unavailable", "record expert guide usage", err)
	}
	return nil
}

// DecrementSuccess undoes the success half of a prior RecordUsage call,
// clamped at zero. Used by stage 10's rollback path (§4.4): a fix that
// consulted guide G and was later rolled back must leave G no better
// off than if it had never been consulted as a success.
func (r *ExpertGuideRepository) DecrementSuccess(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE expert_guides SET success_count = GREATEST(success_count - 1, 0) WHERE id = ?
	`), id); err != nil {
		return apierr.Transient("store_unavailable", "decrement expert guide success", err)
	}
	return nil
}
