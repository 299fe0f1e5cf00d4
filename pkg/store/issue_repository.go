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

// IssueRepository persists domain.Issue rows and enforces the §3/§4.1
// dedup and state-machine invariants at the SQL boundary.
type IssueRepository struct {
	db     *sqlx.DB
	logger logr.Logger
}

// NewIssueRepository constructs an IssueRepository.
func NewIssueRepository(db *sqlx.DB, logger logr.Logger) *IssueRepository {
	return &IssueRepository{db: db, logger: logger}
}

type issueRow struct {
	ID              string     `db:"id"`
	ProjectID       string     `db:"project_id"`
	Path            string     `db:"path"`
	Line            int        `db:"line"`
	Kind            string     `db:"kind"`
	Severity        string     `db:"severity"`
	Message         string     `db:"message"`
	Fingerprint     string     `db:"fingerprint"`
	Status          string     `db:"status"`
	OccurrenceCount int        `db:"occurrence_count"`
	FixID           *string    `db:"fix_id"`
	DetectorID      string     `db:"detector_id"`
	CreatedAt       time.Time  `db:"created_at"`
	ResolvedAt      *time.Time `db:"resolved_at"`
	ResolvedBy      string     `db:"resolved_by"`
}

func (r issueRow) toDomain() *domain.Issue {
	issue := &domain.Issue{
		ID:              r.ID,
		ProjectID:       r.ProjectID,
		Path:            r.Path,
		Line:            r.Line,
		Kind:            domain.IssueKind(r.Kind),
		Severity:        domain.Severity(r.Severity),
		Message:         r.Message,
		Fingerprint:     r.Fingerprint,
		Status:          domain.ReviewStatus(r.Status),
		OccurrenceCount: r.OccurrenceCount,
		DetectorID:      r.DetectorID,
		CreatedAt:       r.CreatedAt,
		ResolvedAt:      r.ResolvedAt,
		ResolvedBy:      r.ResolvedBy,
	}
	if r.FixID != nil {
		issue.FixID = *r.FixID
	}
	return issue
}

// nonTerminalStatuses lists every status an UpsertIssue dedup check
// must consider "still open" for the same fingerprint.
var nonTerminalStatuses = []string{
	string(domain.StatusPending),
	string(domain.StatusApproved),
	string(domain.StatusDeferred),
}

// UpsertIssue implements spec.md §4.1: if an issue with the same
// (project, fingerprint) exists in a non-terminal status, its
// occurrence count is incremented and its id returned; otherwise a new
// pending issue is inserted. The whole operation runs in one
// transaction so concurrent detectors racing on the same fingerprint
// still produce exactly one row (§8 property 1).
func (r *IssueRepository) UpsertIssue(ctx context.Context, issue *domain.Issue) (string, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", apierr.Transient("store_unavailable", "begin upsert_issue tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var existingID string
	query, args, err := sqlx.In(
		`SELECT id FROM issues WHERE project_id = ? AND fingerprint = ? AND status IN (?) FOR UPDATE`,
		issue.ProjectID, issue.Fingerprint, nonTerminalStatuses,
	)
	if err != nil {
		return "", apierr.Fatal("build upsert_issue query", err)
	}
	query = tx.Rebind(query)

	err = tx.GetContext(ctx, &existingID, query, args...)
	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx,
			tx.Rebind(`UPDATE issues SET occurrence_count = occurrence_count + 1 WHERE id = ?`),
			existingID,
		); err != nil {
			return "", apierr.Transient("store_unavailable", "increment occurrence_count", err)
		}
		if err := tx.Commit(); err != nil {
			return "", apierr.Transient("store_unavailable", "commit upsert_issue", err)
		}
		return existingID, nil

	case errors.Is(err, sql.ErrNoRows):
		id := issue.ID
		if id == "" {
			id = uuid.NewString()
		}
		var fixID *string
		if issue.FixID != "" {
			fixID = &issue.FixID
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO issues
				(id, project_id, path, line, kind, severity, message, fingerprint,
				 status, occurrence_count, fix_id, detector_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`),
			id, issue.ProjectID, issue.Path, issue.Line, string(issue.Kind),
			string(issue.Severity), issue.Message, issue.Fingerprint,
			string(domain.StatusPending), 1, fixID, issue.DetectorID,
		)
		if err != nil {
			return "", apierr.Transient("store_unavailable", "insert issue", err)
		}
		if err := tx.Commit(); err != nil {
			return "", apierr.Transient("store_unavailable", "commit upsert_issue", err)
		}
		return id, nil

	default:
		return "", apierr.Transient("store_unavailable", "lookup existing issue", err)
	}
}

// GetIssue fetches a single issue by id.
func (r *IssueRepository) GetIssue(ctx context.Context, id string) (*domain.Issue, error) {
	var row issueRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT * FROM issues WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.Contract("not_found", "issue not found")
	}
	if err != nil {
		return nil, apierr.Transient("store_unavailable", "get issue", err)
	}
	return row.toDomain(), nil
}

// TransitionIssue moves an issue to a new status, failing with an
// apierr carrying class ClassLogical (code "invalid_transition") if
// the move violates the §4.3 FSM. A successful transition writes an
// AuditRow in the same transaction.
func (r *IssueRepository) TransitionIssue(ctx context.Context, id string, newStatus domain.ReviewStatus, fixID, actor, reason string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return apierr.Transient("store_unavailable", "begin transition tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var row issueRow
	err = tx.GetContext(ctx, &row, tx.Rebind(`SELECT * FROM issues WHERE id = ? FOR UPDATE`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return apierr.Contract("not_found", "issue not found")
	}
	if err != nil {
		return apierr.Transient("store_unavailable", "lock issue row", err)
	}

	from := domain.ReviewStatus(row.Status)
	if !domain.CanTransition(from, newStatus) {
		return apierr.InvalidTransition(string(from), string(newStatus))
	}

	var resolvedAtClause string
	args := []interface{}{string(newStatus)}
	if newStatus.Terminal() {
		resolvedAtClause = ", resolved_at = now(), resolved_by = ?"
		args = append(args, actor)
	}

	var fixIDArg interface{}
	fixIDClause := ""
	if fixID != "" {
		fixIDClause = ", fix_id = ?"
		fixIDArg = fixID
	}

	query := `UPDATE issues SET status = ?` + resolvedAtClause + fixIDClause + ` WHERE id = ?`
	if fixIDArg != nil {
		args = append(args, fixIDArg)
	}
	args = append(args, id)

	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return apierr.Transient("store_unavailable", "update issue status", err)
	}

	auditID := uuid.NewString()
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO audit_rows (id, entity_type, entity_id, from_status, to_status, actor, reason)
		VALUES (?, 'issue', ?, ?, ?, ?, ?)
	`), auditID, id, string(from), string(newStatus), actor, reason); err != nil {
		return apierr.Transient("store_unavailable", "write audit row", err)
	}

	if err := tx.Commit(); err != nil {
		return apierr.Transient("store_unavailable", "commit transition", err)
	}
	return nil
}

// ListIssuesFilter narrows the ListIssues query; zero values mean "no filter".
type ListIssuesFilter struct {
	ProjectID string
	Path      string
	Status    domain.ReviewStatus
	Severity  domain.Severity
	Kind      domain.IssueKind
	Limit     int
	Offset    int
}

// ListIssues implements the GET /issues query of §6, and — filtered by
// Path and one of the non-terminal statuses — the crawler's per-file
// reconciliation query that drives the superseded transition of §4.3.
func (r *IssueRepository) ListIssues(ctx context.Context, f ListIssuesFilter) ([]*domain.Issue, error) {
	query := `SELECT * FROM issues WHERE project_id = ?`
	args := []interface{}{f.ProjectID}

	if f.Path != "" {
		query += ` AND path = ?`
		args = append(args, f.Path)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(f.Severity))
	}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	query += ` ORDER BY created_at DESC`

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	var rows []issueRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, apierr.Transient("store_unavailable", "list issues", err)
	}

	issues := make([]*domain.Issue, 0, len(rows))
	for _, row := range rows {
		issues = append(issues, row.toDomain())
	}
	return issues, nil
}

// ListOpenIssuesByPath returns every non-terminal issue tracked for a
// (project, path) pair, for the crawler's post-detect reconciliation:
// any of these whose fingerprint the current detector pass no longer
// produces has had its defect removed from source independently, and
// should be superseded (§4.3, §2).
func (r *IssueRepository) ListOpenIssuesByPath(ctx context.Context, projectID, path string) ([]*domain.Issue, error) {
	query, args, err := sqlx.In(
		`SELECT * FROM issues WHERE project_id = ? AND path = ? AND status IN (?) ORDER BY created_at`,
		projectID, path, nonTerminalStatuses,
	)
	if err != nil {
		return nil, apierr.Fatal("build list_open_issues_by_path query", err)
	}
	query = r.db.Rebind(query)

	var rows []issueRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, apierr.Transient("store_unavailable", "list open issues by path", err)
	}
	issues := make([]*domain.Issue, 0, len(rows))
	for _, row := range rows {
		issues = append(issues, row.toDomain())
	}
	return issues, nil
}

// FindByFingerprint looks up the current non-terminal issue, if any,
// for a (project, fingerprint) pair. Used by the crawler to decide
// whether a re-detected fingerprint is brand new work.
func (r *IssueRepository) FindByFingerprint(ctx context.Context, projectID, fingerprint string) (*domain.Issue, error) {
	query, args, err := sqlx.In(
		`SELECT * FROM issues WHERE project_id = ? AND fingerprint = ? AND status IN (?) LIMIT 1`,
		projectID, fingerprint, nonTerminalStatuses,
	)
	if err != nil {
		return nil, apierr.Fatal("build find_by_fingerprint query", err)
	}
	query = r.db.Rebind(query)

	var row issueRow
	err = r.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apierr.Transient("store_unavailable", "find issue by fingerprint", err)
	}
	return row.toDomain(), nil
}
