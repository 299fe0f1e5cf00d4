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
	"os"
	"path/filepath"
	"sort"

	"github.com/codeguard-dev/codeguard/pkg/domain"
	"github.com/codeguard-dev/codeguard/pkg/store"
)

// openStatuses are the non-terminal statuses tier 2 treats as
// "currently open" (spec.md §4.5's "files referenced by currently-open
// issues").
var openStatuses = []domain.ReviewStatus{domain.StatusPending, domain.StatusApproved, domain.StatusDeferred}

// selectFiles implements spec.md §4.5's four-tier file selection
// order, cheapest first, stopping as soon as Config.FileBudget files
// have been chosen. Each tier only contributes paths not already
// picked by an earlier, cheaper tier.
func (c *Crawler) selectFiles(ctx context.Context, projectID string, changedPaths []string) ([]string, error) {
	budget := c.cfg.FileBudget
	if budget <= 0 {
		budget = DefaultConfig().FileBudget
	}
	seen := map[string]bool{}
	var selected []string

	add := func(tier string, paths []string) {
		for _, p := range paths {
			if len(selected) >= budget {
				return
			}
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			selected = append(selected, p)
		}
		if c.metrics != nil && len(paths) > 0 {
			c.metrics.FilesCrawled.WithLabelValues(tier).Add(float64(len(paths)))
		}
	}

	// Tier 1: changed since last crawl (webhook diff or watcher event).
	add("changed", changedPaths)
	if len(selected) >= budget {
		return selected, nil
	}

	// Tier 2: files referenced by currently-open issues.
	openIssuePaths, err := c.openIssuePaths(ctx, projectID)
	if err != nil {
		return nil, err
	}
	add("open_issues", openIssuePaths)
	if len(selected) >= budget {
		return selected, nil
	}

	// Tier 3: files below the health threshold, worst-first.
	if c.health != nil {
		snaps, err := c.health.BelowThreshold(ctx, projectID, c.cfg.HealthThreshold, budget-len(selected))
		if err != nil {
			return nil, err
		}
		paths := make([]string, 0, len(snaps))
		for _, s := range snaps {
			paths = append(paths, s.Path)
		}
		add("low_health", paths)
		if len(selected) >= budget {
			return selected, nil
		}
	}

	// Tier 4: a "semantic neighborhood" query from recent issues.
	neighbors, err := c.neighborhoodPaths(ctx, projectID, openIssuePaths)
	if err != nil {
		return nil, err
	}
	add("neighborhood", neighbors)

	return selected, nil
}

// openIssuePaths fans out ListIssues across every non-terminal status,
// since ListIssuesFilter filters by one status at a time.
func (c *Crawler) openIssuePaths(ctx context.Context, projectID string) ([]string, error) {
	var paths []string
	for _, status := range openStatuses {
		issues, err := c.issues.ListIssues(ctx, store.ListIssuesFilter{ProjectID: projectID, Status: status, Limit: c.cfg.FileBudget})
		if err != nil {
			return nil, err
		}
		for _, issue := range issues {
			paths = append(paths, issue.Path)
		}
	}
	return paths, nil
}

// neighborhoodPaths stands in for spec.md §4.5's "semantic
// neighborhood query": no embedding/vector-search library is
// available to ground a real semantic query on (see DESIGN.md), so
// this uses a directory co-location heuristic instead — files living
// next to a file that already has an open issue are the cheapest
// stdlib-only approximation of "related by topic" available. anchors
// is the set of paths tier 2 already found; their sibling files are
// the candidates, capped at NeighborhoodLimit.
func (c *Crawler) neighborhoodPaths(ctx context.Context, projectID string, anchors []string) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	limit := c.cfg.NeighborhoodLimit
	if limit <= 0 {
		return nil, nil
	}
	root := c.projectRoot(projectID)

	dirs := map[string]bool{}
	for _, a := range anchors {
		dirs[filepath.Dir(a)] = true
	}

	var sortedDirs []string
	for d := range dirs {
		sortedDirs = append(sortedDirs, d)
	}
	sort.Strings(sortedDirs)

	var out []string
	for _, dir := range sortedDirs {
		if len(out) >= limit {
			break
		}
		entries, err := os.ReadDir(filepath.Join(root, dir))
		if err != nil {
			continue // the directory may no longer exist; not worth failing the whole crawl over
		}
		for _, entry := range entries {
			if len(out) >= limit {
				break
			}
			if entry.IsDir() {
				continue
			}
			rel := filepath.Join(dir, entry.Name())
			out = append(out, rel)
		}
	}
	return out, nil
}
