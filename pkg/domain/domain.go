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

// Package domain holds the core record types shared by every component
// of the crawl/fix/learn pipeline. Nothing in this package talks to a
// database or a queue; it is pure data plus the small amount of
// invariant-checking logic that has no natural home elsewhere.
package domain

import "time"

// IssueKind is the closed set of defect categories a detector may report.
type IssueKind string

const (
	KindStyle          IssueKind = "style"
	KindErrorHandling  IssueKind = "error-handling"
	KindSecurity       IssueKind = "security"
	KindPerformance    IssueKind = "performance"
	KindSmell          IssueKind = "smell"
	KindArchitecture   IssueKind = "architecture"
	KindOther          IssueKind = "other"
)

// Severity ranks how urgent an issue is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// SeverityWeight returns the cost-benefit weight used in stage 3.
func SeverityWeight(s Severity) float64 {
	switch s {
	case SeverityCritical:
		return 4.0
	case SeverityHigh:
		return 3.0
	case SeverityMedium:
		return 2.0
	case SeverityLow:
		return 1.0
	default:
		return 1.0
	}
}

// ReviewStatus is the issue state machine's state set (spec.md §4.3).
type ReviewStatus string

const (
	StatusPending    ReviewStatus = "pending"
	StatusApproved   ReviewStatus = "approved"
	StatusRejected   ReviewStatus = "rejected"
	StatusDeferred   ReviewStatus = "deferred"
	StatusResolved   ReviewStatus = "resolved"
	StatusSuperseded ReviewStatus = "superseded"
)

// Terminal reports whether a status has no further legal transitions.
func (s ReviewStatus) Terminal() bool {
	switch s {
	case StatusResolved, StatusRejected, StatusSuperseded:
		return true
	default:
		return false
	}
}

// Tenant is the top-level isolation unit.
type Tenant struct {
	ID       string
	Name     string
	PlanTier string
}

// Project is a code repository under analysis, owned by a Tenant.
type Project struct {
	ID             string
	TenantID       string
	DisplayName    string
	RepositoryURL  string
	DefaultBranch  string
	WebhookSecret  string
	AutoApplyThreshold float64 // per-tenant/project override of stage 8's gate, 0 means "use default"
}

// FileSnapshot records that detectors have already run for this exact
// (project, path, hash) triple.
type FileSnapshot struct {
	ID        string
	ProjectID string
	Path      string
	Hash      string
	CreatedAt time.Time
}

// Issue is one detected defect.
type Issue struct {
	ID             string
	ProjectID      string
	Path           string
	Line           int
	Kind           IssueKind
	Severity       Severity
	Message        string
	Fingerprint    string
	Status         ReviewStatus
	OccurrenceCount int
	FixID          string // nullable: empty string means none
	DetectorID     string
	CreatedAt      time.Time
	ResolvedAt     *time.Time
	ResolvedBy     string // empty for automated resolutions
}

// legalTransitions enumerates every (from, to) pair allowed by
// spec.md §4.3. Anything not in this set is an InvalidTransition.
var legalTransitions = map[ReviewStatus]map[ReviewStatus]bool{
	StatusPending: {
		StatusApproved: true,
		StatusRejected: true,
		StatusDeferred: true,
	},
	StatusApproved: {
		StatusResolved: true,
	},
	StatusDeferred: {
		// a deferred issue is picked back up by a later crawl and
		// re-enters the pending→approved/rejected/deferred flow, or is
		// superseded if the defect disappears from source in the meantime.
		StatusPending: true,
	},
	StatusResolved:   {},
	StatusRejected:   {},
	StatusSuperseded: {},
}

// CanTransition reports whether moving an issue from `from` to `to` is
// legal. Every non-terminal state may additionally move to Superseded
// (spec.md: "any non-terminal state → superseded when a later crawl
// finds the same fingerprint already resolved in source").
func CanTransition(from, to ReviewStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusSuperseded {
		return true
	}
	return legalTransitions[from][to]
}

// Pattern is a learned defect-to-fix mapping keyed by fingerprint.
type Pattern struct {
	Fingerprint       string
	OccurrenceCount   int
	SuccessCount      int
	FailureCount      int
	Confidence        float64
	RepresentativeFix string
	Deprecated        bool
	FirstSeen         time.Time
	LastSeen          time.Time
}

// LaplaceConfidence implements spec.md §3's "confidence is derived from
// success/(success+failure) with Laplace smoothing", pinned to the
// exact formula spec.md §8 property 4 tests against:
// confidence = (success+1)/(success+failure+2).
func LaplaceConfidence(success, failure int) float64 {
	return float64(success+1) / float64(success+failure+2)
}

// DeprecationFloor is the success-rate floor below which a pattern with
// at least MinAttemptsForDeprecation attempts is auto-deprecated.
const DeprecationFloor = 0.2

// MinAttemptsForDeprecation is the minimum number of attempts before
// the deprecation rule is evaluated.
const MinAttemptsForDeprecation = 10

// ShouldDeprecate implements spec.md §3's auto-deprecation rule using
// the raw (non-Laplace) success rate, matching S3's expectation that
// failure=10,success=0 deprecates while confidence is still reported
// via LaplaceConfidence.
func ShouldDeprecate(success, failure int) bool {
	attempts := success + failure
	if attempts < MinAttemptsForDeprecation {
		return false
	}
	rate := float64(success) / float64(attempts)
	return rate < DeprecationFloor
}

// Recompute refreshes Confidence and Deprecated from SuccessCount and
// FailureCount. Callers mutate the counts first, then call Recompute
// inside the same store transaction so the two never drift apart.
func (p *Pattern) Recompute() {
	p.Confidence = LaplaceConfidence(p.SuccessCount, p.FailureCount)
	p.Deprecated = ShouldDeprecate(p.SuccessCount, p.FailureCount)
}

// Generator identifies which strategy produced a Fix Record's patch.
type Generator string

const (
	GeneratorPattern Generator = "pattern"
	GeneratorExpert  Generator = "expert"
	GeneratorModel   Generator = "model"
	GeneratorHybrid  Generator = "hybrid"
)

// Decision is the orchestrator's terminal verdict for a Fix Record.
type Decision string

const (
	DecisionApply Decision = "apply"
	DecisionSkip  Decision = "skip"
	DecisionDefer Decision = "defer"
)

// Outcome is the eventual, possibly-delayed result of an applied fix.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeRegression Outcome = "regression"
	OutcomeUnknown    Outcome = "unknown"
)

// FixRecord is one attempted fix, append-only except for Outcome and
// Rollback, each of which is set exactly once (spec.md §4.1).
type FixRecord struct {
	ID                  string
	IssueID             string
	Generator           Generator
	CandidatePatch      string
	PredictedImpact     string // JSON-serialized ImpactPrediction
	CostBenefitRatio    float64
	RawConfidence       float64
	CalibratedConfidence float64
	VerifierVerdict     string // "pass" | "fail:<reason>"
	Decision            Decision
	DecisionReason      string
	Applied             bool
	MonitorHandle       string
	Rollback            bool
	Outcome             Outcome
	ExpertsConsulted    []string
	FileHashAtGenerate  string

	CreatedAt    time.Time
	PrioritizedAt *time.Time
	PredictedAt   *time.Time
	CostedAt      *time.Time
	GeneratedAt   *time.Time
	CalibratedAt  *time.Time
	VerifiedAt    *time.Time
	ExplainedAt   *time.Time
	DecidedAt     *time.Time
	AppliedAt     *time.Time
	MonitorEndsAt *time.Time
	ResolvedAt    *time.Time
}

// HealthSnapshot is one (project, path) health score sample, append-only.
type HealthSnapshot struct {
	ID              string
	ProjectID       string
	Path            string
	Score           int // 0-100
	ComponentScores map[string]int
	RecordedAt      time.Time
}

// ExpertGuide is a per-project, per-stack document injected into model
// prompts, revised through learning (spec.md §4.7).
type ExpertGuide struct {
	ID            string
	ProjectID     string
	Kind          string
	Body          string
	QualityScore  float64
	UsageCount    int
	SuccessCount  int
	Revision      int
	Superseded    bool
	CreatedAt     time.Time
}

// NotificationAudit is an append-only record of a notification attempt
// (SPEC_FULL.md expansion).
type NotificationAudit struct {
	ID             string
	FixRecordID    string
	Channel        string
	Recipient      string
	Status         string
	SentAt         time.Time
	DeliveryStatus string
	ErrorMessage   string
}

// CalibrationBucket tracks, per (generator, kind), the historical gap
// between self-reported and observed confidence (stage 5 of §4.4).
type CalibrationBucket struct {
	Generator            Generator
	Kind                 IssueKind
	Samples              int
	MeanReportedConfidence float64
	MeanObservedSuccess  float64
	CorrectionFactor     float64
}

// AuditRow is one state-transition audit entry (spec.md §4.3: "Each
// transition writes an audit row").
type AuditRow struct {
	ID         string
	EntityType string
	EntityID   string
	FromStatus string
	ToStatus   string
	Actor      string
	Reason     string
	At         time.Time
}
