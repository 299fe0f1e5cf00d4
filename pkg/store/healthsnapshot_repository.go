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
	"encoding/json"
	"errors"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/codeguard-dev/codeguard/internal/apierr"
	"github.com/codeguard-dev/codeguard/pkg/domain"
)

// HealthSnapshotRepository persists the append-only per-(project, path)
// health score trend spec.md §3 and the crawler's low-health file
// selection order both depend on.
type HealthSnapshotRepository struct {
	db     *sqlx.DB
	logger logr.Logger
}

func NewHealthSnapshotRepository(db *sqlx.DB, logger logr.Logger) *HealthSnapshotRepository {
	return &HealthSnapshotRepository{db: db, logger: logger}
}

type healthSnapshotRow struct {
	ID              string    `db:"id"`
	ProjectID       string    `db:"project_id"`
	Path            string    `db:"path"`
	Score           int       `db:"score"`
	ComponentScores string    `db:"component_scores"`
	RecordedAt      time.Time `db:"recorded_at"`
}

func (r healthSnapshotRow) toDomain() *domain.HealthSnapshot {
	components := map[string]int{}
	_ = json.Unmarshal([]byte(r.ComponentScores), &components)
	return &domain.HealthSnapshot{
		ID:              r.ID,
		ProjectID:       r.ProjectID,
		Path:            r.Path,
		Score:           r.Score,
		ComponentScores: components,
		RecordedAt:      r.RecordedAt,
	}
}

// Record appends a new health snapshot; snapshots are never updated in
// place so the trend line reflects the full history of a path.
func (r *HealthSnapshotRepository) Record(ctx context.Context, snap *domain.HealthSnapshot) (string, error) {
	id := snap.ID
	if id == "" {
		id = uuid.NewString()
	}
	componentJSON, err := json.Marshal(snap.ComponentScores)
	if err != nil {
		return "", apierr.Contract("invalid_component_scores", err.Error())
	}
	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO health_snapshots (id, project_id, path, score, component_scores)
		VALUES (?, ?, ?, ?, ?)
	`), id, snap.ProjectID, snap.Path, snap.Score, string(componentJSON))
	if err != nil {
		return "", apierr.Transient("store_unavailable", "record health snapshot", err)
	}
	return id, nil
}

// Latest returns the most recent snapshot for a (project, path), or nil
// if the path has never been scored.
func (r *HealthSnapshotRepository) Latest(ctx context.Context, projectID, path string) (*domain.HealthSnapshot, error) {
	var row healthSnapshotRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`
		SELECT * FROM health_snapshots
		WHERE project_id = ? AND path = ?
		ORDER BY recorded_at DESC LIMIT 1
	`), projectID, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apierr.Transient("store_unavailable", "get latest health snapshot", err)
	}
	return row.toDomain(), nil
}

// Trend returns every snapshot recorded for a project since the given
// time, oldest first, across all paths. Backs GET /analytics's health
// trend series (spec.md §6).
func (r *HealthSnapshotRepository) Trend(ctx context.Context, projectID string, since time.Time) ([]*domain.HealthSnapshot, error) {
	var rows []healthSnapshotRow
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT * FROM health_snapshots
		WHERE project_id = ? AND recorded_at >= ?
		ORDER BY recorded_at ASC
	`), projectID, since)
	if err != nil {
		return nil, apierr.Transient("store_unavailable", "list health snapshot trend", err)
	}
	out := make([]*domain.HealthSnapshot, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// BelowThreshold returns every path in a project whose latest recorded
// score is below the given threshold, ordered worst-first. This backs
// the crawler's "low-health files" selection tier (spec.md §4's file
// selection order).
func (r *HealthSnapshotRepository) BelowThreshold(ctx context.Context, projectID string, threshold int, limit int) ([]*domain.HealthSnapshot, error) {
	var rows []healthSnapshotRow
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT DISTINCT ON (path) *
		FROM health_snapshots
		WHERE project_id = ?
		ORDER BY path, recorded_at DESC
	`), projectID)
	if err != nil {
		return nil, apierr.Transient("store_unavailable", "list health snapshots", err)
	}
	out := make([]*domain.HealthSnapshot, 0, limit)
	for _, row := range rows {
		if row.Score < threshold {
			out = append(out, row.toDomain())
		}
	}
	// Worst-first: sort ascending by score. The DISTINCT ON query above
	// already gives us only the latest sample per path.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Score < out[j-1].Score; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
