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
	"time"

	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"

	"github.com/codeguard-dev/codeguard/internal/apierr"
	"github.com/codeguard-dev/codeguard/pkg/domain"
)

// AuditRepository is the read side of the audit_rows table. Writes go
// through the owning repositories (e.g. IssueRepository.TransitionIssue)
// so every transition's audit row commits in the same transaction as
// the state change it records; this repository only ever reads.
type AuditRepository struct {
	db     *sqlx.DB
	logger logr.Logger
}

func NewAuditRepository(db *sqlx.DB, logger logr.Logger) *AuditRepository {
	return &AuditRepository{db: db, logger: logger}
}

type auditRowRecord struct {
	ID         string    `db:"id"`
	EntityType string    `db:"entity_type"`
	EntityID   string    `db:"entity_id"`
	FromStatus string    `db:"from_status"`
	ToStatus   string    `db:"to_status"`
	Actor      string    `db:"actor"`
	Reason     string    `db:"reason"`
	At         time.Time `db:"at"`
}

func (r auditRowRecord) toDomain() *domain.AuditRow {
	return &domain.AuditRow{
		ID:         r.ID,
		EntityType: r.EntityType,
		EntityID:   r.EntityID,
		FromStatus: r.FromStatus,
		ToStatus:   r.ToStatus,
		Actor:      r.Actor,
		Reason:     r.Reason,
		At:         r.At,
	}
}

// ForEntity returns the full transition history of one entity, oldest
// first, backing spec.md §6's analytics/audit views.
func (r *AuditRepository) ForEntity(ctx context.Context, entityType, entityID string) ([]*domain.AuditRow, error) {
	var rows []auditRowRecord
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT * FROM audit_rows WHERE entity_type = ? AND entity_id = ? ORDER BY at ASC
	`), entityType, entityID)
	if err != nil {
		return nil, apierr.Transient("store_unavailable", "list audit rows for entity", err)
	}
	out := make([]*domain.AuditRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// RecentByType returns the most recent transitions of a given entity
// type across all entities, capped at limit, for the analytics feed.
func (r *AuditRepository) RecentByType(ctx context.Context, entityType string, limit int) ([]*domain.AuditRow, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []auditRowRecord
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT * FROM audit_rows WHERE entity_type = ? ORDER BY at DESC LIMIT ?
	`), entityType, limit)
	if err != nil {
		return nil, apierr.Transient("store_unavailable", "list recent audit rows", err)
	}
	out := make([]*domain.AuditRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}
