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
	"os"
	"path/filepath"

	"github.com/codeguard-dev/codeguard/internal/apierr"
	"github.com/codeguard-dev/codeguard/pkg/domain"
	"github.com/codeguard-dev/codeguard/pkg/eventbus"
)

// stageApply implements §4.4 stage 9: re-read the file at the content
// hash seen at stage 4; a mismatch means the file moved under us since
// generation, so the fix record is finalized `defer`/stale rather than
// overwriting a caller's unrelated edit. On a hash match the new
// content is written atomically (temp file in the same directory,
// then rename), `applied=true` is set, the issue is transitioned
// approved→resolved, fix_applied is published for pkg/learning, and
// stage 10 registers the monitor window.
func (o *Orchestrator) stageApply(ctx context.Context, r *run) (*domain.FixRecord, error) {
	var staleErr bool
	var writeErr error
	o.withSpan(ctx, "apply", r.in.Issue.ID, func(ctx context.Context) {
		deadline, cancel := withDeadline(ctx, o.cfg.ApplyDeadline)
		defer cancel()

		current, currentHash, rerr := readFileHashed(r.in.ProjectRoot, r.in.Issue.Path)
		if rerr != nil {
			writeErr = rerr
			return
		}
		if currentHash != r.fr.FileHashAtGenerate {
			staleErr = true
			return
		}

		full := filepath.Join(r.in.ProjectRoot, r.in.Issue.Path)
		if err := writeFileAtomic(full, []byte(r.fr.CandidatePatch)); err != nil {
			writeErr = err
			return
		}
		r.content = current // preserved for the monitor's rollback snapshot
		r.fr.Applied = true
		r.fr.AppliedAt = timestampNow()
	})

	if writeErr != nil {
		return nil, writeErr
	}
	if staleErr {
		// Unlike every earlier abort, a stale hash means someone else's
		// edit got there first, not that the candidate patch itself was
		// bad — so the issue is left exactly where it was (pending) for
		// the next crawl to re-detect and retry against current content,
		// per spec.md S2's "issue remains pending".
		r.fr.Decision = domain.DecisionDefer
		r.fr.DecisionReason = "file hash changed since generation; candidate patch is stale"
		if o.metrics != nil {
			o.metrics.StageAborts.WithLabelValues("apply", string(domain.DecisionDefer)).Inc()
		}
		id, err := o.fixRecords.Append(deadlineCtx(ctx), r.fr)
		if err != nil {
			return nil, err
		}
		r.fr.ID = id
		return r.fr, nil
	}

	r.fr.Outcome = domain.OutcomeUnknown
	id, err := o.fixRecords.Append(ctx, r.fr)
	if err != nil {
		return nil, err
	}
	r.fr.ID = id

	if err := o.issues.TransitionIssue(ctx, r.in.Issue.ID, domain.StatusApproved, id, r.in.Actor,
		"auto-approved: "+r.fr.DecisionReason); err != nil {
		o.logger.Error(err, "failed to transition issue to approved", "issue_id", r.in.Issue.ID)
	}
	if err := o.issues.TransitionIssue(ctx, r.in.Issue.ID, domain.StatusResolved, id, r.in.Actor, "fix applied"); err != nil {
		o.logger.Error(err, "failed to transition issue to resolved", "issue_id", r.in.Issue.ID)
	}

	if o.metrics != nil {
		o.metrics.FixesApplied.Inc()
	}
	if err := o.bus.Publish(ctx, eventbus.TopicFixApplied, eventbus.FixAppliedEvent{
		FixRecordID:      id,
		IssueID:          r.in.Issue.ID,
		ProjectID:        r.in.Issue.ProjectID,
		Generator:        string(r.fr.Generator),
		Kind:             string(r.in.Issue.Kind),
		Fingerprint:      r.in.Issue.Fingerprint,
		RawConfidence:    r.fr.RawConfidence,
		ExpertsConsulted: r.fr.ExpertsConsulted,
	}); err != nil {
		o.logger.Error(err, "fix_applied subscribers reported an error", "fix_record_id", id)
	}

	return o.stageMonitor(ctx, r)
}

// writeFileAtomic implements §4.4 stage 9's "write-to-temp-then-rename
// semantics", grounded on pkg/hashwatch's plain os.* file-handling
// idiom (the teacher's only other component touching the filesystem
// directly): a reader of the target path never observes a partially
// written file, because rename is atomic on the same filesystem.
func writeFileAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".codeguard-apply-*")
	if err != nil {
		return apierr.Transient("fs_unavailable", "create temp file for atomic write", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // no-op once the rename below succeeds

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return apierr.Transient("fs_unavailable", "write temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return apierr.Transient("fs_unavailable", "close temp file", err)
	}
	if info, statErr := os.Stat(path); statErr == nil {
		os.Chmod(tmpPath, info.Mode()) //nolint:errcheck // best effort; a mode mismatch is not fatal
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return apierr.Transient("fs_unavailable", "rename temp file into place", err)
	}
	return nil
}

// deadlineCtx strips any deadline already attached to ctx before a
// terminal abort call, which must not itself be cancelled by a stage
// deadline that just expired.
func deadlineCtx(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
