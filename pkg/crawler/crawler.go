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

// Package crawler implements the Crawler (C9): it consumes the "crawl"
// queue, selects a budgeted set of files per spec.md §4.5's four-tier
// order, runs every registered detector (C5) against each selected
// file, upserts the findings (C1), and hands brand-new issues to the
// Fix Orchestrator (C8) — all while holding a per-(project, path)
// advisory lock for the duration of that file's work, so two crawl
// jobs can never race to apply a fix to the same file.
package crawler

import (
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/codeguard-dev/codeguard/internal/apierr"
	"github.com/codeguard-dev/codeguard/pkg/detect"
	"github.com/codeguard-dev/codeguard/pkg/domain"
	"github.com/codeguard-dev/codeguard/pkg/metrics"
	"github.com/codeguard-dev/codeguard/pkg/orchestrator"
	"github.com/codeguard-dev/codeguard/pkg/queue"
	"github.com/codeguard-dev/codeguard/pkg/store"
)

// IssueStore is the slice of IssueRepository the crawler needs.
type IssueStore interface {
	ListIssues(ctx context.Context, f store.ListIssuesFilter) ([]*domain.Issue, error)
	ListOpenIssuesByPath(ctx context.Context, projectID, path string) ([]*domain.Issue, error)
	FindByFingerprint(ctx context.Context, projectID, fingerprint string) (*domain.Issue, error)
	UpsertIssue(ctx context.Context, issue *domain.Issue) (string, error)
	TransitionIssue(ctx context.Context, id string, newStatus domain.ReviewStatus, fixID, actor, reason string) error
}

// SnapshotStore is the slice of FileSnapshotRepository the crawler needs.
type SnapshotStore interface {
	SnapshotFile(ctx context.Context, projectID, path, hash string) (alreadyPresent bool, err error)
}

// HealthReader is the slice of HealthSnapshotRepository the crawler
// needs for file-selection tier 3.
type HealthReader interface {
	BelowThreshold(ctx context.Context, projectID string, threshold int, limit int) ([]*domain.HealthSnapshot, error)
}

// ProjectReader is the slice of ProjectRepository the crawler needs to
// resolve a project's tenant and auto-apply override before handing an
// issue to the orchestrator.
type ProjectReader interface {
	Get(ctx context.Context, id string) (*domain.Project, error)
}

// MetaProvider supplies the detector registry's project metadata (the
// tech-stack facts a detector uses to skip files it has no business
// examining). Left optional and nil-friendly: until pkg/experts' tech
// profiler is wired in, every file is scanned with an empty
// detect.ProjectMeta, which every starter detector already tolerates.
type MetaProvider interface {
	ProjectMeta(ctx context.Context, projectID string) (detect.ProjectMeta, error)
}

// Onboarder is satisfied by *experts.Onboarder. A nil Onboarder skips
// onboarding entirely — useful for a deployment that provisions Expert
// Guides some other way, or not at all.
type Onboarder interface {
	Onboard(ctx context.Context, project *domain.Project) error
}

// Locker is the advisory-locking primitive of spec.md §4.5, satisfied
// by *cache.Cache's Acquire/Renew/Release trio.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, acquired bool, err error)
	Renew(ctx context.Context, key, token string, ttl time.Duration) (renewed bool, err error)
	Release(ctx context.Context, key, token string) (released bool, err error)
}

// FixRunner is satisfied by *orchestrator.Orchestrator. A nil FixRunner
// puts the crawler in crawl-only mode: issues are detected and
// upserted but never handed off for a fix attempt, useful for a
// detection-only worker deployment.
type FixRunner interface {
	Run(ctx context.Context, in orchestrator.Input) (*domain.FixRecord, error)
}

// JobSource is the slice of *queue.Queue the crawler consumes from.
type JobSource interface {
	Dequeue(ctx context.Context, queueName string, visibilityTimeout time.Duration) (*queue.Lease, error)
}

// StatusSink records a crawl job's lifecycle so the API front's
// `GET /crawl/:job_id` (spec.md §6) has something to read back. A nil
// StatusSink is fine: status reporting is observability, not part of
// the crawl itself, so its absence never affects CrawlProject's result.
type StatusSink interface {
	SetStatus(ctx context.Context, jobID, status string, stats map[string]int) error
}

// CrawlJobPayload is the "crawl" queue's job body. ChangedPaths is
// populated by the webhook front (C11) or a hashwatch.Watcher for an
// incremental crawl; it is empty for a scheduled full sweep, in which
// case selection falls straight through to tiers 2-4.
type CrawlJobPayload struct {
	ProjectID    string   `json:"project_id"`
	ChangedPaths []string `json:"changed_paths,omitempty"`
}

// Config holds the crawler's tunables, every one overridable at boot
// via internal/config (CRAWL_FILE_BUDGET, WORKER_CONCURRENCY).
type Config struct {
	// WorkspaceRoot is the local base directory under which each
	// project's checkout lives, at WorkspaceRoot/<project id>. The
	// spec's domain.Project only records a remote RepositoryURL, so a
	// local mirror location has to come from somewhere; this crawler
	// assumes whatever already clones/syncs project checkouts onto
	// disk lays them out by project id under one shared root.
	WorkspaceRoot string
	// FileBudget caps how many files one crawl job selects in total,
	// across all four tiers, per spec.md §4.5.
	FileBudget int
	// HealthThreshold is tier 3's "below a threshold (default 70)".
	HealthThreshold int
	// NeighborhoodLimit caps tier 4's "semantic neighborhood" query.
	NeighborhoodLimit int
	// LockTTL bounds how long one file's advisory lock is held before
	// it must be renewed; renewed alongside VisibilityTimeout so a
	// slow file never loses its lock mid-fix.
	LockTTL time.Duration
	// VisibilityTimeout is the "crawl" queue lease duration for the
	// whole job (every selected file in one crawl).
	VisibilityTimeout time.Duration
	// WorkerConcurrency bounds how many files one crawl job processes
	// concurrently — the W of spec.md §5's "N worker processes, each
	// hosting W concurrent tasks".
	WorkerConcurrency int
	// EmptyPollBackoff is how long Run sleeps after finding the
	// "crawl" queue empty before polling again.
	EmptyPollBackoff time.Duration
}

// DefaultConfig returns the defaults spec.md §4.5/§5 name.
func DefaultConfig() Config {
	return Config{
		FileBudget:        2000,
		HealthThreshold:   70,
		NeighborhoodLimit: 20,
		LockTTL:           30 * time.Second,
		VisibilityTimeout: 5 * time.Minute,
		WorkerConcurrency: 8,
		EmptyPollBackoff:  2 * time.Second,
	}
}

// Crawler drives spec.md §4.5: select, detect, upsert, orchestrate.
type Crawler struct {
	issues      IssueStore
	snapshots   SnapshotStore
	health      HealthReader
	projects    ProjectReader
	meta        MetaProvider
	locks       Locker
	detectors   *detect.Registry
	orchestrate FixRunner
	jobs        JobSource
	status      StatusSink
	onboard     Onboarder
	metrics     *metrics.Registry
	logger      logr.Logger
	cfg         Config
}

// New constructs a Crawler. orchestrate may be nil for a crawl-only
// deployment; meta may be nil until a tech-stack profiler is wired in;
// status may be nil if nothing consumes `GET /crawl/:job_id`; onboard
// may be nil if Expert Guide provisioning happens out of band.
func New(
	issues IssueStore,
	snapshots SnapshotStore,
	health HealthReader,
	projects ProjectReader,
	meta MetaProvider,
	locks Locker,
	detectors *detect.Registry,
	orchestrate FixRunner,
	jobs JobSource,
	status StatusSink,
	onboard Onboarder,
	reg *metrics.Registry,
	logger logr.Logger,
	cfg Config,
) *Crawler {
	return &Crawler{
		issues: issues, snapshots: snapshots, health: health, projects: projects,
		meta: meta, locks: locks, detectors: detectors, orchestrate: orchestrate,
		jobs: jobs, status: status, onboard: onboard, metrics: reg, logger: logger, cfg: cfg,
	}
}

// Run polls the "crawl" queue until ctx is canceled, processing one
// job at a time and backing off briefly when the queue is empty rather
// than busy-spinning. Callers run N of these (one per worker process)
// for spec.md §5's "N worker processes".
func (c *Crawler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		lease, err := c.jobs.Dequeue(ctx, "crawl", c.cfg.VisibilityTimeout)
		if err != nil {
			c.logger.Error(err, "failed to dequeue crawl job")
			time.Sleep(c.cfg.EmptyPollBackoff)
			continue
		}
		if lease == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.cfg.EmptyPollBackoff):
			}
			continue
		}

		c.setStatus(ctx, lease.Job.ID, "running")
		if err := c.handleJob(ctx, lease); err != nil {
			c.logger.Error(err, "crawl job failed", "job_id", lease.Job.ID)
			c.setStatus(ctx, lease.Job.ID, "failed")
			if nackErr := lease.Nack(ctx, err); nackErr != nil {
				c.logger.Error(nackErr, "failed to nack crawl job", "job_id", lease.Job.ID)
			}
			continue
		}
		c.setStatus(ctx, lease.Job.ID, "done")
		if err := lease.Ack(ctx); err != nil {
			c.logger.Error(err, "failed to ack crawl job", "job_id", lease.Job.ID)
		}
	}
}

func (c *Crawler) setStatus(ctx context.Context, jobID, status string) {
	if c.status == nil {
		return
	}
	if err := c.status.SetStatus(ctx, jobID, status, nil); err != nil {
		c.logger.Error(err, "failed to record crawl job status", "job_id", jobID, "status", status)
	}
}

func (c *Crawler) handleJob(ctx context.Context, lease *queue.Lease) error {
	var payload CrawlJobPayload
	if err := json.Unmarshal(lease.Job.Payload, &payload); err != nil {
		return apierr.Fatal("malformed crawl job payload", err)
	}
	project, err := c.projects.Get(ctx, payload.ProjectID)
	if err != nil {
		return err
	}
	return c.CrawlProject(ctx, project, payload.ChangedPaths)
}

// CrawlProject runs one full selection+detect+upsert+orchestrate pass
// for a project. changedPaths seeds tier 1; pass nil for a scheduled
// full sweep that relies on tiers 2-4 alone.
func (c *Crawler) CrawlProject(ctx context.Context, project *domain.Project, changedPaths []string) error {
	if c.onboard != nil {
		if err := c.onboard.Onboard(ctx, project); err != nil {
			c.logger.Error(err, "onboard project before crawl", "project_id", project.ID)
		}
	}

	paths, err := c.selectFiles(ctx, project.ID, changedPaths)
	if err != nil {
		return err
	}
	c.logger.Info("crawl selected files", "project_id", project.ID, "count", len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.WorkerConcurrency)
	for _, path := range paths {
		g.Go(func() error {
			if err := c.processFile(gctx, project, path); err != nil {
				c.logger.Error(err, "failed to process file", "project_id", project.ID, "path", path)
			}
			return nil // a single file's failure must not abort the rest of the crawl
		})
	}
	return g.Wait()
}

func (c *Crawler) projectRoot(projectID string) string {
	return filepath.Join(c.cfg.WorkspaceRoot, projectID)
}

func lockKey(projectID, path string) string {
	return "lock:" + projectID + ":" + path
}
