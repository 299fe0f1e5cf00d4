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
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/codeguard-dev/codeguard/internal/apierr"
	"github.com/codeguard-dev/codeguard/pkg/domain"
)

// FixRecordRepository persists domain.FixRecord rows. Per spec.md
// §4.1, a fix record is append-only except for Outcome and Rollback,
// each settable exactly once.
type FixRecordRepository struct {
	db     *sqlx.DB
	logger logr.Logger
}

func NewFixRecordRepository(db *sqlx.DB, logger logr.Logger) *FixRecordRepository {
	return &FixRecordRepository{db: db, logger: logger}
}

type fixRecordRow struct {
	ID                   string     `db:"id"`
	IssueID              string     `db:"issue_id"`
	Generator            string     `db:"generator"`
	CandidatePatch       string     `db:"candidate_patch"`
	PredictedImpact      string     `db:"predicted_impact"`
	CostBenefitRatio     float64    `db:"cost_benefit_ratio"`
	RawConfidence        float64    `db:"raw_confidence"`
	CalibratedConfidence float64    `db:"calibrated_confidence"`
	VerifierVerdict      string     `db:"verifier_verdict"`
	Decision             string     `db:"decision"`
	DecisionReason       string     `db:"decision_reason"`
	Applied              bool       `db:"applied"`
	MonitorHandle        string     `db:"monitor_handle"`
	Rollback             bool       `db:"rollback"`
	Outcome              string     `db:"outcome"`
	ExpertsConsulted     string     `db:"experts_consulted"`
	FileHashAtGenerate   string     `db:"file_hash_at_generate"`
	CreatedAt            time.Time  `db:"created_at"`
	AppliedAt            *time.Time `db:"applied_at"`
	ResolvedAt           *time.Time `db:"resolved_at"`
}

func (r fixRecordRow) toDomain() *domain.FixRecord {
	var experts []string
	if r.ExpertsConsulted != "" {
		experts = strings.Split(r.ExpertsConsulted, ",")
	}
	return &domain.FixRecord{
		ID:                   r.ID,
		IssueID:              r.IssueID,
		Generator:            domain.Generator(r.Generator),
		CandidatePatch:       r.CandidatePatch,
		PredictedImpact:      r.PredictedImpact,
		CostBenefitRatio:     r.CostBenefitRatio,
		RawConfidence:        r.RawConfidence,
		CalibratedConfidence: r.CalibratedConfidence,
		VerifierVerdict:      r.VerifierVerdict,
		Decision:             domain.Decision(r.Decision),
		DecisionReason:       r.DecisionReason,
		Applied:              r.Applied,
		MonitorHandle:        r.MonitorHandle,
		Rollback:             r.Rollback,
		Outcome:              domain.Outcome(r.Outcome),
		ExpertsConsulted:     experts,
		FileHashAtGenerate:   r.FileHashAtGenerate,
		CreatedAt:            r.CreatedAt,
		AppliedAt:            r.AppliedAt,
		ResolvedAt:           r.ResolvedAt,
	}
}

// Append inserts a new, terminal-stage-reached Fix Record. Per §4.4's
// closing note, a fix record is only written once a terminal stage
// outcome (apply/skip/defer) is reached — retriable stage failures
// never reach this call.
func (r *FixRecordRepository) Append(ctx context.Context, fr *domain.FixRecord) (string, error) {
	id := fr.ID
	if id == "" {
		id = uuid.NewString()
	}
	var appliedAt interface{}
	if fr.Applied {
		appliedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO fix_records
			(id, issue_id, generator, candidate_patch, predicted_impact,
			 cost_benefit_ratio, raw_confidence, calibrated_confidence,
			 verifier_verdict, decision, decision_reason, applied,
			 monitor_handle, rollback, outcome, experts_consulted,
			 file_hash_at_generate, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		id, fr.IssueID, string(fr.Generator), fr.CandidatePatch, fr.PredictedImpact,
		fr.CostBenefitRatio, fr.RawConfidence, fr.CalibratedConfidence,
		fr.VerifierVerdict, string(fr.Decision), fr.DecisionReason, fr.Applied,
		fr.MonitorHandle, fr.Rollback, string(fr.Outcome), strings.Join(fr.ExpertsConsulted, ","),
		fr.FileHashAtGenerate, appliedAt,
	)
	if err != nil {
		return "", apierr.Transient("store_unavailable", "append fix record", err)
	}
	return id, nil
}

// Get fetches a fix record by id.
func (r *FixRecordRepository) Get(ctx context.Context, id string) (*domain.FixRecord, error) {
	var row fixRecordRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT * FROM fix_records WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.Contract("not_found", "fix record not found")
	}
	if err != nil {
		return nil, apierr.Transient("store_unavailable", "get fix record", err)
	}
	return row.toDomain(), nil
}

// ListByIssue returns every fix record ever attempted for an issue,
// newest first. Used by the crawler's idempotent-apply check (§8
// property 2): a second orchestration attempt on the same issue sees
// the prior attempt here rather than creating a duplicate.
func (r *FixRecordRepository) ListByIssue(ctx context.Context, issueID string) ([]*domain.FixRecord, error) {
	var rows []fixRecordRow
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(
		`SELECT * FROM fix_records WHERE issue_id = ? ORDER BY created_at DESC`), issueID)
	if err != nil {
		return nil, apierr.Transient("store_unavailable", "list fix records", err)
	}
	out := make([]*domain.FixRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// SetOutcome sets the outcome and rollback flag exactly once (§4.1
// invariant). Calling it twice on the same record is a fatal
// programmer error rather than a silently-accepted overwrite, because
// it would mean the orchestrator evaluated monitoring twice for the
// same fix — an invariant violation per §7.
func (r *FixRecordRepository) SetOutcome(ctx context.Context, id string, outcome domain.Outcome, rollback bool) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE fix_records SET outcome = ?, rollback = ?, resolved_at = now()
		WHERE id = ? AND outcome = 'unknown'
	`), string(outcome), rollback, id)
	if err != nil {
		return apierr.Transient("store_unavailable", "set fix record outcome", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apierr.Transient("store_unavailable", "check rows affected", err)
	}
	if n == 0 {
		return apierr.Fatal("fix record outcome already set", nil)
	}
	return nil
}

// MarkRegression performs the one exceptional second outcome
// transition spec.md §8 property 6 and scenario S4 describe: a fix
// record already resolved `success` discovered, during its monitor
// window, to have regressed. It is distinct from SetOutcome (which
// only ever fires the unknown→terminal transition) because the spec
// explicitly allows outcome to move from success to regression exactly
// once, after the fact.
func (r *FixRecordRepository) MarkRegression(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE fix_records SET outcome = 'regression', rollback = true, resolved_at = now()
		WHERE id = ? AND outcome = 'success'
	`), id)
	if err != nil {
		return apierr.Transient("store_unavailable", "mark fix record regression", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apierr.Transient("store_unavailable", "check rows affected", err)
	}
	if n == 0 {
		return apierr.Fatal("fix record was not in success state; cannot mark regression", nil)
	}
	return nil
}
