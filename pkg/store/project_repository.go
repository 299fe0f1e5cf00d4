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
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/codeguard-dev/codeguard/internal/apierr"
	"github.com/codeguard-dev/codeguard/pkg/domain"
)

// TenantRepository persists domain.Tenant rows, the top-level isolation
// unit every Project and the cross-tenant pattern-sharing projection
// (SPEC_FULL.md Open Question #4) hang off of.
type TenantRepository struct {
	db     *sqlx.DB
	logger logr.Logger
}

func NewTenantRepository(db *sqlx.DB, logger logr.Logger) *TenantRepository {
	return &TenantRepository{db: db, logger: logger}
}

type tenantRow struct {
	ID       string `db:"id"`
	Name     string `db:"name"`
	PlanTier string `db:"plan_tier"`
}

func (r tenantRow) toDomain() *domain.Tenant {
	return &domain.Tenant{ID: r.ID, Name: r.Name, PlanTier: r.PlanTier}
}

func (r *TenantRepository) Create(ctx context.Context, t *domain.Tenant) (string, error) {
	id := t.ID
	if id == "" {
		id = uuid.NewString()
	}
	planTier := t.PlanTier
	if planTier == "" {
		planTier = "free"
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO tenants (id, name, plan_tier) VALUES (?, ?, ?)
	`), id, t.Name, planTier)
	if err != nil {
		return "", apierr.Transient("store_unavailable", "create tenant", err)
	}
	return id, nil
}

func (r *TenantRepository) Get(ctx context.Context, id string) (*domain.Tenant, error) {
	var row tenantRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT * FROM tenants WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.Contract("not_found", "tenant not found")
	}
	if err != nil {
		return nil, apierr.Transient("store_unavailable", "get tenant", err)
	}
	return row.toDomain(), nil
}

// ProjectRepository persists domain.Project rows: one per crawled
// repository, owned by a Tenant.
type ProjectRepository struct {
	db     *sqlx.DB
	logger logr.Logger
}

func NewProjectRepository(db *sqlx.DB, logger logr.Logger) *ProjectRepository {
	return &ProjectRepository{db: db, logger: logger}
}

type projectRow struct {
	ID                 string  `db:"id"`
	TenantID           string  `db:"tenant_id"`
	DisplayName        string  `db:"display_name"`
	RepositoryURL      string  `db:"repository_url"`
	DefaultBranch      string  `db:"default_branch"`
	WebhookSecret      string  `db:"webhook_secret"`
	AutoApplyThreshold float64 `db:"auto_apply_threshold"`
}

func (r projectRow) toDomain() *domain.Project {
	return &domain.Project{
		ID:                 r.ID,
		TenantID:           r.TenantID,
		DisplayName:        r.DisplayName,
		RepositoryURL:      r.RepositoryURL,
		DefaultBranch:      r.DefaultBranch,
		WebhookSecret:      r.WebhookSecret,
		AutoApplyThreshold: r.AutoApplyThreshold,
	}
}

func (r *ProjectRepository) Create(ctx context.Context, p *domain.Project) (string, error) {
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	branch := p.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO projects (id, tenant_id, display_name, repository_url, default_branch, webhook_secret, auto_apply_threshold)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), id, p.TenantID, p.DisplayName, p.RepositoryURL, branch, p.WebhookSecret, p.AutoApplyThreshold)
	if err != nil {
		return "", apierr.Transient("store_unavailable", "create project", err)
	}
	return id, nil
}

func (r *ProjectRepository) Get(ctx context.Context, id string) (*domain.Project, error) {
	var row projectRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT * FROM projects WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.Contract("not_found", "project not found")
	}
	if err != nil {
		return nil, apierr.Transient("store_unavailable", "get project", err)
	}
	return row.toDomain(), nil
}

// ListByTenant returns every project owned by a tenant.
func (r *ProjectRepository) ListByTenant(ctx context.Context, tenantID string) ([]*domain.Project, error) {
	var rows []projectRow
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT * FROM projects WHERE tenant_id = ? ORDER BY display_name
	`), tenantID)
	if err != nil {
		return nil, apierr.Transient("store_unavailable", "list projects by tenant", err)
	}
	out := make([]*domain.Project, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// EffectiveAutoApplyThreshold returns the project's override if one is
// set (non-zero), else the orchestrator-wide default passed in.
func EffectiveAutoApplyThreshold(p *domain.Project, orchestratorDefault float64) float64 {
	if p.AutoApplyThreshold > 0 {
		return p.AutoApplyThreshold
	}
	return orchestratorDefault
}
