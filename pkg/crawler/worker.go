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

package crawler

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/codeguard-dev/codeguard/internal/apierr"
	"github.com/codeguard-dev/codeguard/pkg/detect"
	"github.com/codeguard-dev/codeguard/pkg/domain"
	"github.com/codeguard-dev/codeguard/pkg/hashwatch"
	"github.com/codeguard-dev/codeguard/pkg/orchestrator"
)

// processFile implements spec.md §4.5's per-file flow: hash, dedup
// against the snapshot ledger, detect, upsert, and — for brand-new
// issues only — hand off to the orchestrator, all under one
// per-(project, path) advisory lock so a concurrent crawl job never
// races this one to fix the same file. The lock is scoped around the
// whole per-file flow rather than only stages 9-10 of the orchestrator
// (see DESIGN.md): the orchestrator's narrow-interface surface stays
// free of locking concerns, and a lock held for the whole flow still
// satisfies "two concurrent orchestrations on the same (project, path)
// never both reach stage 9".
func (c *Crawler) processFile(ctx context.Context, project *domain.Project, path string) error {
	root := c.projectRoot(project.ID)
	full := filepath.Join(root, path)

	content, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Selected from a stale issue/health reference; the file
			// has since been removed. Nothing to crawl.
			return nil
		}
		return apierr.Transient("fs_unavailable", "read file for crawl", err)
	}
	hash := hashwatch.HashBytes(content)

	alreadyPresent, err := c.snapshots.SnapshotFile(ctx, project.ID, path, hash)
	if err != nil {
		return err
	}
	if alreadyPresent {
		return nil
	}

	meta := detect.ProjectMeta{}
	if c.meta != nil {
		if m, err := c.meta.ProjectMeta(ctx, project.ID); err == nil {
			meta = m
		}
	}

	findings, detErrs := c.detectors.Run(ctx, detect.FileInput{
		ProjectID: project.ID, Path: path, Content: content, Meta: meta,
	})
	for _, derr := range detErrs {
		c.logger.Error(derr, "detector failed", "project_id", project.ID, "path", path)
	}
	if c.metrics != nil {
		byDetector := map[string]int{}
		for _, f := range findings {
			byDetector[f.DetectorID]++
		}
		for id, n := range byDetector {
			c.metrics.IssuesDetected.WithLabelValues(id).Add(float64(n))
		}
	}

	c.supersedeResolvedInSource(ctx, project.ID, path, findings)

	if len(findings) == 0 {
		return nil
	}

	key := lockKey(project.ID, path)
	token, acquired, err := c.locks.Acquire(ctx, key, c.cfg.LockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		// Someone else is already working this file; upsert the
		// re-detected findings so occurrence counts stay accurate, but
		// leave fixing to whoever holds the lock.
		for _, issue := range findings {
			if _, err := c.issues.UpsertIssue(ctx, issue); err != nil {
				c.logger.Error(err, "upsert issue under lock contention", "project_id", project.ID, "path", path)
			}
		}
		return nil
	}
	defer func() {
		if _, err := c.locks.Release(ctx, key, token); err != nil {
			c.logger.V(1).Info("failed to release advisory lock", "project_id", project.ID, "path", path, "error", err)
		}
	}()

	for _, issue := range findings {
		// FindByFingerprint decides whether this is brand-new work: a
		// re-detected fingerprint that's already tracked has either
		// already been fixed, is awaiting review, or was deferred —
		// none of those should trigger another orchestration pass.
		existing, err := c.issues.FindByFingerprint(ctx, project.ID, issue.Fingerprint)
		if err != nil {
			c.logger.Error(err, "lookup existing issue by fingerprint", "project_id", project.ID, "path", path)
			continue
		}
		isNew := existing == nil

		id, err := c.issues.UpsertIssue(ctx, issue)
		if err != nil {
			c.logger.Error(err, "upsert issue", "project_id", project.ID, "path", path)
			continue
		}
		issue.ID = id

		if !isNew || c.orchestrate == nil {
			continue
		}
		if _, err := c.orchestrate.Run(ctx, orchestrator.Input{
			Issue:                      issue,
			ProjectRoot:                root,
			TenantID:                   project.TenantID,
			Actor:                      "crawler",
			AutoApplyThresholdOverride: project.AutoApplyThreshold,
		}); err != nil {
			c.logger.Error(err, "fix orchestration failed", "issue_id", issue.ID, "path", path)
		}
	}
	return nil
}

// supersedeResolvedInSource implements spec.md §4.3/§2: any non-terminal
// issue already on record for (projectID, path) whose fingerprint this
// detector pass did not re-produce has had its defect removed from
// source by something other than the fix pipeline (a manual edit, an
// unrelated refactor) and is superseded rather than left open forever.
func (c *Crawler) supersedeResolvedInSource(ctx context.Context, projectID, path string, findings []*domain.Issue) {
	open, err := c.issues.ListOpenIssuesByPath(ctx, projectID, path)
	if err != nil {
		c.logger.Error(err, "list open issues for supersede reconciliation", "project_id", projectID, "path", path)
		return
	}
	if len(open) == 0 {
		return
	}

	current := make(map[string]bool, len(findings))
	for _, f := range findings {
		current[f.Fingerprint] = true
	}

	for _, issue := range open {
		if current[issue.Fingerprint] {
			continue
		}
		if err := c.issues.TransitionIssue(ctx, issue.ID, domain.StatusSuperseded, "", "crawler", "defect no longer detected in source"); err != nil {
			c.logger.Error(err, "supersede issue no longer reproduced", "issue_id", issue.ID, "project_id", projectID, "path", path)
		}
	}
}
