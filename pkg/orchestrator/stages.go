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

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/codeguard-dev/codeguard/pkg/detect"
	"github.com/codeguard-dev/codeguard/pkg/domain"
	"github.com/codeguard-dev/codeguard/pkg/verify"
)

// priorityClass is stage 1's output, per §4.4.
type priorityClass string

const (
	priorityNow   priorityClass = "now"
	prioritySoon  priorityClass = "soon"
	priorityLater priorityClass = "later"
	priorityDrop  priorityClass = "drop"
)

// stagePrioritize implements §4.4 stage 1: urgency from severity,
// pattern prevalence, and the affected path's health score. A `drop`
// class aborts with decision=skip — the issue is real but not worth
// an automated attempt right now.
func (o *Orchestrator) stagePrioritize(ctx context.Context, r *run) (fr *domain.FixRecord, done bool, err error) {
	var class priorityClass
	o.withSpan(ctx, "prioritize", r.in.Issue.ID, func(ctx context.Context) {
		score := 0.0
		switch r.in.Issue.Severity {
		case domain.SeverityCritical:
			score += 3
		case domain.SeverityHigh:
			score += 2
		case domain.SeverityMedium:
			score += 1
		}

		if pattern, perr := o.patterns.GetPattern(ctx, r.in.Issue.Fingerprint); perr == nil && pattern != nil {
			if pattern.Deprecated {
				score -= 2
			} else if pattern.Confidence >= 0.75 {
				score += 1
			}
		}

		healthPenalty := 0
		if o.health != nil {
			if snap, herr := o.health.Latest(ctx, r.in.Issue.ProjectID, r.in.Issue.Path); herr == nil && snap != nil && snap.Score < 70 {
				healthPenalty = 1
			}
		}
		score += float64(healthPenalty)

		switch {
		case score <= -2:
			class = priorityDrop
		case score >= 3:
			class = priorityNow
		case score >= 1:
			class = prioritySoon
		default:
			class = priorityLater
		}
		r.fr.PrioritizedAt = timestampNow()
	})

	if class == priorityDrop {
		return o.abort(ctx, r, "prioritize", domain.DecisionSkip,
			fmt.Sprintf("priority class %q: deprecated pattern or low severity with no mitigating signal", class))
	}
	return nil, false, nil
}

// ImpactPrediction is stage 2's artifact, JSON-serialized into
// FixRecord.PredictedImpact so it survives for the explain stage and
// for API callers inspecting a fix record after the fact.
type ImpactPrediction struct {
	AffectedFiles  []string `json:"affected_files"`
	BreakingChange bool     `json:"breaking_change"`
	Risk           float64  `json:"risk"`
}

// stagePredictImpact implements §4.4 stage 2. Reachability is textual
// (grep the project tree for the issue's base filename), not a real
// import graph — cheap, bounded by Config.MaxReachabilityFiles, and
// sufficient for a risk estimate rather than a precise blast radius.
func (o *Orchestrator) stagePredictImpact(ctx context.Context, r *run) (fr *domain.FixRecord, done bool, err error) {
	var stageErr error
	o.withSpan(ctx, "predict_impact", r.in.Issue.ID, func(ctx context.Context) {
		deadline, cancel := withDeadline(ctx, o.cfg.PredictDeadline)
		defer cancel()

		affected, breaking, perr := predictAffectedFiles(deadline, r.in.ProjectRoot, r.in.Issue.Path, o.cfg)
		if perr != nil {
			stageErr = perr
			return
		}

		risk := riskScore(r.in.Issue.Severity, breaking, len(affected))
		r.impact = &ImpactPrediction{AffectedFiles: affected, BreakingChange: breaking, Risk: risk}
		r.risk = risk

		blob, _ := json.Marshal(r.impact)
		r.fr.PredictedImpact = string(blob)
		r.fr.PredictedAt = timestampNow()
	})
	if stageErr != nil {
		return nil, true, stageErr
	}

	if r.risk >= o.cfg.RiskAbortThreshold {
		return o.abort(ctx, r, "predict_impact", domain.DecisionDefer,
			fmt.Sprintf("predicted risk %.2f meets or exceeds the abort threshold %.2f", r.risk, o.cfg.RiskAbortThreshold))
	}
	return nil, false, nil
}

// riskScore blends severity, a breaking-change marker, and blast
// radius into [0,1]. It is a heuristic, not a calibrated model: the
// spec asks for "a risk score in [0,1]" without prescribing a formula,
// so this implements the simplest monotonic combination that respects
// the stage's stated inputs.
func riskScore(sev domain.Severity, breaking bool, affectedCount int) float64 {
	base := domain.SeverityWeight(sev) / 4.0
	if breaking {
		base += 0.2
	}
	switch {
	case affectedCount > 5:
		base += 0.15
	case affectedCount > 0:
		base += 0.05
	}
	return clamp01(base)
}

// stageCostBenefit implements §4.4 stage 3: cost = review minutes ×
// risk + generation cost; benefit = severity weight × expected
// recurrence reduction, read from the fingerprint's pattern
// confidence when one exists (a proven pattern reduces recurrence
// more than an as-yet-unseen defect, whose reduction is a flat prior).
func (o *Orchestrator) stageCostBenefit(ctx context.Context, r *run) (fr *domain.FixRecord, done bool, err error) {
	const unseenRecurrenceReductionPrior = 0.5

	var ratio float64
	o.withSpan(ctx, "cost_benefit", r.in.Issue.ID, func(ctx context.Context) {
		reviewMinutes := o.cfg.ReviewMinutesBySeverity[r.in.Issue.Severity]
		if reviewMinutes == 0 {
			reviewMinutes = o.cfg.ReviewMinutesBySeverity[domain.SeverityLow]
		}
		cost := reviewMinutes*r.risk + o.cfg.GenerationCostMinutes

		recurrenceReduction := unseenRecurrenceReductionPrior
		if pattern, perr := o.patterns.GetPattern(ctx, r.in.Issue.Fingerprint); perr == nil && pattern != nil && !pattern.Deprecated {
			recurrenceReduction = pattern.Confidence
		}
		benefit := domain.SeverityWeight(r.in.Issue.Severity) * recurrenceReduction

		if cost <= 0 {
			ratio = benefit // no meaningful cost: treat any positive benefit as worthwhile
		} else {
			ratio = benefit / cost
		}
		r.fr.CostBenefitRatio = ratio
		r.fr.CostedAt = timestampNow()
	})

	if ratio < 1 {
		return o.abort(ctx, r, "cost_benefit", domain.DecisionDefer,
			fmt.Sprintf("cost-benefit ratio %.2f is below 1", ratio))
	}
	return nil, false, nil
}

// stageGenerate implements §4.4 stage 4 by delegating the strategy
// chain to C6 (pkg/fixgen); the orchestrator's only job here is
// building the file slice C6's prompt needs and recording which
// strategy answered.
func (o *Orchestrator) stageGenerate(ctx context.Context, r *run) (fr *domain.FixRecord, done bool, err error) {
	var genErr error
	o.withSpan(ctx, "generate", r.in.Issue.ID, func(ctx context.Context) {
		deadline, cancel := withDeadline(ctx, o.cfg.GenerateDeadline)
		defer cancel()

		content, hash, rerr := readFileHashed(r.in.ProjectRoot, r.in.Issue.Path)
		if rerr != nil {
			genErr = rerr
			return
		}
		r.content = content
		r.hash = hash
		r.fileSlice = fileSliceAround(content, r.in.Issue.Line, 10)

		result, gerr := o.generator.GenerateFix(deadline, r.in.TenantID, r.in.Issue, r.fileSlice)
		if gerr != nil {
			genErr = gerr
			return
		}
		r.result = result
		r.fr.Generator = result.Generator
		r.fr.CandidatePatch = result.Patch
		r.fr.RawConfidence = result.RawConfidence
		r.fr.ExpertsConsulted = result.ExpertsConsulted
		r.fr.FileHashAtGenerate = hash
		r.fr.GeneratedAt = timestampNow()
	})

	if genErr != nil {
		if isNoFixStrategy(genErr) {
			return o.abort(ctx, r, "generate", domain.DecisionDefer, "no fix strategy produced a patch: "+genErr.Error())
		}
		return nil, true, genErr
	}
	return nil, false, nil
}

// stageCalibrate implements §4.4 stage 5: never aborts, only adjusts.
func (o *Orchestrator) stageCalibrate(ctx context.Context, r *run) {
	o.withSpan(ctx, "calibrate", r.in.Issue.ID, func(ctx context.Context) {
		bucket, err := o.calibration.Get(ctx, r.fr.Generator, r.in.Issue.Kind)
		if err != nil || bucket == nil {
			bucket = &domain.CalibrationBucket{CorrectionFactor: 1.0}
		}
		r.bucket = bucket
		r.fr.CalibratedConfidence = clamp01(r.fr.RawConfidence * bucket.CorrectionFactor)
		r.fr.CalibratedAt = timestampNow()
	})
}

// stageVerify implements §4.4 stage 6 by running C7's four gates. It
// never aborts the pipeline directly — stageDecide reads the verdict,
// because stage 7 (explain) needs it first.
func (o *Orchestrator) stageVerify(ctx context.Context, r *run) verify.Verdict {
	var verdict verify.Verdict
	o.withSpan(ctx, "verify", r.in.Issue.ID, func(ctx context.Context) {
		deadline, cancel := withDeadline(ctx, o.cfg.VerifyDeadline)
		defer cancel()

		patch := verify.Patch{
			FilePath:   r.in.Issue.Path,
			IssueLine:  r.in.Issue.Line,
			OldContent: r.content,
			NewContent: []byte(r.fr.CandidatePatch),
		}
		verdict = o.verifier.Verify(deadline, patch, o.detectorRechecker(r.in.Issue.DetectorID))
		r.fr.VerifierVerdict = verdict.String()
		r.fr.VerifiedAt = timestampNow()
	})
	return verdict
}

// detectorRechecker returns the detector that originally raised the
// issue, if it implements detect.Rechecker, so gate 6(c) can confirm
// the patched content no longer reproduces the finding.
func (o *Orchestrator) detectorRechecker(detectorID string) detect.Rechecker {
	d := o.detectors.Get(detectorID)
	if d == nil {
		return nil
	}
	if rc, ok := d.(detect.Rechecker); ok {
		return rc
	}
	return nil
}

// stageExplain implements §4.4 stage 7: a non-gating, human-readable
// rationale referencing the issue, generator, calibrated confidence,
// and predicted impact. It is stored on the Fix Record's
// DecisionReason, which stage 8 only overwrites if it aborts.
func (o *Orchestrator) stageExplain(r *run, verdict verify.Verdict) string {
	explanation := fmt.Sprintf(
		"issue %s (%s/%s) via %s generator: calibrated confidence %s, predicted risk %.2f over %d affected file(s)%s, verifier %s, experts consulted: %s",
		r.in.Issue.ID, r.in.Issue.Kind, r.in.Issue.Severity, r.fr.Generator,
		fmtPct(r.fr.CalibratedConfidence), r.risk, len(impactFiles(r.impact)), breakingSuffix(r.impact),
		verdict, summarizeExperts(r.fr.ExpertsConsulted),
	)
	r.fr.DecisionReason = explanation
	r.fr.ExplainedAt = timestampNow()
	return explanation
}

func impactFiles(impact *ImpactPrediction) []string {
	if impact == nil {
		return nil
	}
	return impact.AffectedFiles
}

func breakingSuffix(impact *ImpactPrediction) string {
	if impact != nil && impact.BreakingChange {
		return " (breaking-change markers present)"
	}
	return ""
}

// stageDecide implements §4.4 stage 8's apply gate. A verifier failure
// is not one of this stage's own defer conditions: §7's "verifier
// failures" taxonomy entry and this package's own gate-chain contract
// (pkg/verify's header) both make it a terminal decision=skip, marking
// the fingerprint's pattern failed rather than leaving the fix
// record's fate to the confidence/risk gates below.
func (o *Orchestrator) stageDecide(ctx context.Context, r *run, verdict verify.Verdict, explanation string) (fr *domain.FixRecord, done bool, err error) {
	if !verdict.Pass {
		o.withSpan(ctx, "decide", r.in.Issue.ID, func(ctx context.Context) {
			r.fr.Decision = domain.DecisionSkip
			r.fr.DecidedAt = timestampNow()
		})
		o.publishVerifyFailed(ctx, r, verdict)
		return o.abort(ctx, r, "decide", domain.DecisionSkip, explanation+" — skipped: verifier failed: "+verdict.Reason)
	}

	threshold := o.cfg.AutoApplyThreshold
	if r.in.AutoApplyThresholdOverride > 0 {
		threshold = r.in.AutoApplyThresholdOverride
	}

	var deferReason string
	switch {
	case r.fr.CalibratedConfidence < threshold:
		deferReason = fmt.Sprintf("calibrated confidence %s is below the apply threshold %s", fmtPct(r.fr.CalibratedConfidence), fmtPct(threshold))
	case r.risk >= o.cfg.AutoApplyRiskCap:
		deferReason = fmt.Sprintf("predicted risk %.2f meets or exceeds the risk cap %.2f", r.risk, o.cfg.AutoApplyRiskCap)
	}

	o.withSpan(ctx, "decide", r.in.Issue.ID, func(ctx context.Context) {
		if deferReason == "" {
			r.fr.Decision = domain.DecisionApply
		} else {
			r.fr.Decision = domain.DecisionDefer
		}
		r.fr.DecidedAt = timestampNow()
	})

	if deferReason != "" {
		return o.abort(ctx, r, "decide", domain.DecisionDefer, explanation+" — deferred: "+deferReason)
	}
	r.fr.DecisionReason = explanation
	return nil, false, nil
}
