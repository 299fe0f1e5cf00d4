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
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/codeguard-dev/codeguard/pkg/domain"
	"github.com/codeguard-dev/codeguard/pkg/eventbus"
)

// monitorGracePeriod extends the cache TTL past the monitor window
// itself, so a sweep running slightly behind schedule can still find
// the entry and close it out cleanly instead of racing an expiry.
const monitorGracePeriod = time.Hour

// monitorState is what stage 10 needs to survive between registering
// a fix's monitor window and a later CheckRegression call: the pre-fix
// bytes (for rollback), enough identifying fields to publish
// fix_rolled_back without a store round-trip, and the deadline itself.
// It lives in Redis, not Postgres, because it is meaningful only until
// the window closes — exactly what a cache component is for.
type monitorState struct {
	FixRecordID        string    `json:"fix_record_id"`
	IssueID            string    `json:"issue_id"`
	ProjectID          string    `json:"project_id"`
	ProjectRoot        string    `json:"project_root"`
	Path               string    `json:"path"`
	Generator          string    `json:"generator"`
	Kind               string    `json:"kind"`
	Fingerprint        string    `json:"fingerprint"`
	RawConfidence      float64   `json:"raw_confidence"`
	ExpertsConsulted   []string  `json:"experts_consulted"`
	OriginalContentB64 string    `json:"original_content_b64"`
	Deadline           time.Time `json:"deadline"`
}

func monitorKey(fixRecordID string) string { return "monitor:" + fixRecordID }

// RegressionSignal is what an external monitor sweep (driven by the
// crawler re-running detectors against the file, or comparing health
// snapshots before/after) hands back to CheckRegression. Computing the
// signal is out of this package's scope — it needs the detector
// registry and health history the crawler already owns — but
// EvaluateRegression below pins the concrete threshold rule an
// implementer of that sweep must follow.
type RegressionSignal struct {
	Regressed bool
	Reason    string
}

// EvaluateRegression implements the Open Question #2 resolution:
// regression is an absolute error-rate increase past
// Config.RegressionErrorRateThreshold, or any re-opened issue on the
// same path regardless of rate — a re-open is definitive evidence the
// fix didn't hold, so it always forces a rollback.
func EvaluateRegression(baselineErrorRate, currentErrorRate float64, reopened bool, threshold float64) RegressionSignal {
	if reopened {
		return RegressionSignal{Regressed: true, Reason: "a related issue re-opened on the same path"}
	}
	delta := currentErrorRate - baselineErrorRate
	if delta > threshold {
		return RegressionSignal{Regressed: true, Reason: "error rate increased by more than the regression threshold"}
	}
	return RegressionSignal{Regressed: false}
}

// stageMonitor implements §4.4 stage 10's registration half: it
// records the monitor handle on the fix record, persists the ephemeral
// monitor state, and performs one immediate regression check. At apply
// time zero wall-clock has elapsed, so a caller with no better signal
// yet resolves outcome=success right away (matching the common case
// where nothing ever regresses); a later, asynchronous sweep can still
// call CheckRegression with a real signal any time before the window's
// TTL expires, and roll the fix back if warranted.
func (o *Orchestrator) stageMonitor(ctx context.Context, r *run) (*domain.FixRecord, error) {
	deadline := time.Now().UTC().Add(o.cfg.MonitorWindow)
	r.fr.MonitorHandle = r.fr.ID
	r.fr.MonitorEndsAt = &deadline

	state := monitorState{
		FixRecordID:        r.fr.ID,
		IssueID:            r.in.Issue.ID,
		ProjectID:          r.in.Issue.ProjectID,
		ProjectRoot:        r.in.ProjectRoot,
		Path:               r.in.Issue.Path,
		Generator:          string(r.fr.Generator),
		Kind:               string(r.in.Issue.Kind),
		Fingerprint:        r.in.Issue.Fingerprint,
		RawConfidence:      r.fr.RawConfidence,
		ExpertsConsulted:   r.fr.ExpertsConsulted,
		OriginalContentB64: base64.StdEncoding.EncodeToString(r.content),
		Deadline:           deadline,
	}
	blob, err := json.Marshal(state)
	if err != nil {
		return r.fr, nil //nolint:nilerr // a marshal failure here must not undo an already-applied fix
	}
	if o.monitor != nil {
		if err := o.monitor.Set(ctx, monitorKey(r.fr.ID), string(blob), o.cfg.MonitorWindow+monitorGracePeriod); err != nil {
			o.logger.Error(err, "failed to register monitor state", "fix_record_id", r.fr.ID)
		}
	}

	o.withSpan(ctx, "monitor", r.in.Issue.ID, func(ctx context.Context) {
		if _, err := o.CheckRegression(ctx, r.fr.ID, RegressionSignal{Regressed: false}); err != nil {
			o.logger.Error(err, "initial monitor check failed", "fix_record_id", r.fr.ID)
		}
	})
	r.fr.Outcome = domain.OutcomeSuccess
	now := time.Now().UTC()
	r.fr.ResolvedAt = &now
	return r.fr, nil
}

// CheckRegression is stage 10's re-entrant half: a monitor sweep
// (anything from the immediate post-apply check to a later worker
// pass) calls this with a freshly computed RegressionSignal. A
// positive signal restores the pre-fix content, marks the fix record
// regressed, and notifies; a negative signal finalizes outcome=success
// the first time it's called and is a no-op afterward. Calling this
// after the monitor window has closed (the cache entry expired) is
// safe and returns OutcomeUnknown — there is nothing left to act on.
func (o *Orchestrator) CheckRegression(ctx context.Context, fixRecordID string, signal RegressionSignal) (domain.Outcome, error) {
	if o.monitor == nil {
		return domain.OutcomeUnknown, nil
	}
	raw, found, err := o.monitor.Get(ctx, monitorKey(fixRecordID))
	if err != nil {
		return domain.OutcomeUnknown, err
	}
	if !found {
		return domain.OutcomeUnknown, nil
	}
	var state monitorState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return domain.OutcomeUnknown, nil //nolint:nilerr // corrupt cache entry; nothing recoverable to act on
	}

	if !signal.Regressed {
		if err := o.fixRecords.SetOutcome(ctx, fixRecordID, domain.OutcomeSuccess, false); err != nil {
			// Already resolved by an earlier call (e.g. the apply-time
			// immediate check): not an error worth surfacing again.
			return domain.OutcomeSuccess, nil
		}
		return domain.OutcomeSuccess, nil
	}

	return o.rollback(ctx, fixRecordID, state, signal.Reason)
}

// rollback implements §4.4 stage 10's regression branch: restore
// pre-fix content, mark outcome=regression, mark pattern failure and
// decrement expert success (both via the fix_rolled_back subscriber in
// pkg/learning, not directly — the orchestrator never imports that
// package), and notify.
func (o *Orchestrator) rollback(ctx context.Context, fixRecordID string, state monitorState, reason string) (domain.Outcome, error) {
	original, err := base64.StdEncoding.DecodeString(state.OriginalContentB64)
	if err != nil {
		return domain.OutcomeUnknown, err
	}
	full := filepath.Join(state.ProjectRoot, state.Path)
	if err := writeFileAtomic(full, original); err != nil {
		return domain.OutcomeUnknown, err
	}

	if err := o.fixRecords.MarkRegression(ctx, fixRecordID); err != nil {
		return domain.OutcomeUnknown, err
	}
	if err := o.monitor.Del(ctx, monitorKey(fixRecordID)); err != nil {
		o.logger.V(1).Info("failed to clear monitor state after rollback", "fix_record_id", fixRecordID, "error", err)
	}
	if o.metrics != nil {
		o.metrics.FixesRolledBack.Inc()
	}

	if err := o.bus.Publish(ctx, eventbus.TopicFixRolledBack, eventbus.FixRolledBackEvent{
		FixRecordID:      fixRecordID,
		IssueID:          state.IssueID,
		ProjectID:        state.ProjectID,
		Generator:        state.Generator,
		Kind:             state.Kind,
		Fingerprint:      state.Fingerprint,
		RawConfidence:    state.RawConfidence,
		ExpertsConsulted: state.ExpertsConsulted,
		Reason:           reason,
	}); err != nil {
		o.logger.Error(err, "fix_rolled_back subscribers reported an error", "fix_record_id", fixRecordID)
	}

	o.notifyRegression(ctx, fixRecordID, state.ProjectID, reason)
	return domain.OutcomeRegression, nil
}

// notificationPayload is the "notification" queue's job body; C_notify
// (pkg/notify, the Slack sender) decodes this.
type notificationPayload struct {
	FixRecordID string `json:"fix_record_id"`
	ProjectID   string `json:"project_id"`
	Severity    string `json:"severity"`
	Reason      string `json:"reason"`
}

func (o *Orchestrator) notifyRegression(ctx context.Context, fixRecordID, projectID, reason string) {
	if o.jobs == nil {
		return
	}
	blob, err := json.Marshal(notificationPayload{
		FixRecordID: fixRecordID, ProjectID: projectID, Severity: "critical", Reason: reason,
	})
	if err != nil {
		return
	}
	if _, err := o.jobs.Enqueue(ctx, "notification", blob, 10, 0); err != nil {
		o.logger.Error(err, "failed to enqueue regression notification", "fix_record_id", fixRecordID)
	}
}
