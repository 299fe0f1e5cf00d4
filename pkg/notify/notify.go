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

// Package notify implements the notification collaborator SPEC_FULL.md
// §6 names: a thin Sender interface, with one concrete Slack
// implementation, consuming the "notification" queue the fix
// orchestrator's monitor stage enqueues onto when a fix is rolled back
// (spec.md §7's "alert via the notification collaborator").
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-logr/logr"

	"github.com/codeguard-dev/codeguard/internal/apierr"
	"github.com/codeguard-dev/codeguard/pkg/queue"
)

// Notification is the decoded form of one "notification" queue job.
// Field names mirror pkg/orchestrator's own (unexported)
// notificationPayload exactly — the queue's JSON wire shape is the
// only contract between the two packages, not a shared Go type, the
// same way pkg/crawler's CrawlJobPayload is never imported by
// whatever eventually enqueues onto "crawl".
type Notification struct {
	FixRecordID string `json:"fix_record_id"`
	ProjectID   string `json:"project_id"`
	Severity    string `json:"severity"`
	Reason      string `json:"reason"`
}

// Sender delivers one notification to whatever channel a deployment
// configures. Kept as an interface so a test or a quiet deployment can
// swap in a no-op sender without touching the Worker.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// JobSource is the slice of *queue.Queue the worker consumes from.
type JobSource interface {
	Dequeue(ctx context.Context, queueName string, visibilityTimeout time.Duration) (*queue.Lease, error)
}

// Config holds the worker's tunables.
type Config struct {
	VisibilityTimeout time.Duration
	EmptyPollBackoff  time.Duration
}

// DefaultConfig returns sensible defaults for a low-volume queue.
func DefaultConfig() Config {
	return Config{VisibilityTimeout: 30 * time.Second, EmptyPollBackoff: 2 * time.Second}
}

// Worker polls the "notification" queue and hands each job to Sender,
// the same Dequeue/Ack/Nack poll-loop shape pkg/crawler's Run uses.
type Worker struct {
	jobs   JobSource
	sender Sender
	logger logr.Logger
	cfg    Config
}

// New constructs a Worker.
func New(jobs JobSource, sender Sender, logger logr.Logger, cfg Config) *Worker {
	return &Worker{jobs: jobs, sender: sender, logger: logger, cfg: cfg}
}

// Run polls the "notification" queue until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		lease, err := w.jobs.Dequeue(ctx, "notification", w.cfg.VisibilityTimeout)
		if err != nil {
			w.logger.Error(err, "failed to dequeue notification job")
			time.Sleep(w.cfg.EmptyPollBackoff)
			continue
		}
		if lease == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.cfg.EmptyPollBackoff):
			}
			continue
		}

		if err := w.handle(ctx, lease); err != nil {
			w.logger.Error(err, "notification job failed", "job_id", lease.Job.ID)
			if nackErr := lease.Nack(ctx, err); nackErr != nil {
				w.logger.Error(nackErr, "failed to nack notification job", "job_id", lease.Job.ID)
			}
			continue
		}
		if err := lease.Ack(ctx); err != nil {
			w.logger.Error(err, "failed to ack notification job", "job_id", lease.Job.ID)
		}
	}
}

func (w *Worker) handle(ctx context.Context, lease *queue.Lease) error {
	var n Notification
	if err := json.Unmarshal(lease.Job.Payload, &n); err != nil {
		return apierr.Fatal("malformed notification job payload", err)
	}
	return w.sender.Send(ctx, n)
}
