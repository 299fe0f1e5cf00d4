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

// Package queue implements the Job Queue component (C3): named,
// prioritized, at-least-once Redis queues with visibility-timeout
// leases, exponential backoff, and a dead-letter queue for jobs that
// exhaust their attempts.
package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/codeguard-dev/codeguard/internal/apierr"
	"github.com/codeguard-dev/codeguard/pkg/metrics"
)

const (
	// DefaultMaxAttempts is how many times a job is retried before it
	// is moved to the dead-letter queue.
	DefaultMaxAttempts = 5
	// DefaultVisibilityTimeout bounds how long a worker may hold a
	// lease before another worker may reclaim the job.
	DefaultVisibilityTimeout = 60 * time.Second

	backoffBase = time.Second
	backoffCap  = 5 * time.Minute
)

// Job is one unit of durable work. Payload is opaque to the queue;
// handlers decode it themselves.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// Lease is a handle to a dequeued job; the holder must Ack, Nack, or
// Renew before it expires or the job becomes eligible for another
// worker to dequeue (§4.2's "a worker that does not renew ... loses the
// lease").
type Lease struct {
	Job       Job
	token     string
	queue     *Queue
	queueName string
}

// Queue is one named Redis-backed priority queue (e.g. "crawl", "fix",
// "analysis", "notification").
type Queue struct {
	rdb     redis.UniversalClient
	logger  logr.Logger
	metrics *metrics.Registry
}

// New constructs a Queue handle sharing a Redis client with other
// components.
func New(rdb redis.UniversalClient, logger logr.Logger, reg *metrics.Registry) *Queue {
	return &Queue{rdb: rdb, logger: logger, metrics: reg}
}

func readyKey(name string) string   { return "queue:{" + name + "}:ready" }
func payloadKey(name string) string { return "queue:{" + name + "}:payloads" }
func leaseKey(name string) string   { return "queue:{" + name + "}:leases" }
func dlqKey(name string) string     { return "queue:{" + name + "}:dlq" }

// maxPriorityMagnitude bounds the priorities this queue supports so
// the priority term of score() always dominates the readyAt term
// (Unix seconds, currently on the order of 1e9).
const maxPriorityMagnitude = 1 << 20

// score encodes priority-first, FIFO-within-priority (at one-second
// resolution) ordering into a single sorted-set score: higher priority
// sorts first (more negative score), and within a priority, earlier
// readyAt sorts first. The priority term is scaled well above the
// largest possible readyAt-in-seconds term so it always dominates.
func score(priority int, readyAt time.Time) float64 {
	return float64(priority)*-1e15 + float64(readyAt.Unix())
}

// Enqueue adds a new job, ready immediately, with priority (larger
// runs first) and a queue-specific max attempt count (0 uses
// DefaultMaxAttempts).
func (q *Queue) Enqueue(ctx context.Context, queueName string, payload json.RawMessage, priority, maxAttempts int) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	job := Job{
		ID:          uuid.NewString(),
		Queue:       queueName,
		Payload:     payload,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}
	return job.ID, q.store(ctx, queueName, job, time.Now())
}

func (q *Queue) store(ctx context.Context, queueName string, job Job, readyAt time.Time) error {
	blob, err := json.Marshal(job)
	if err != nil {
		return apierr.Contract("invalid_job", err.Error())
	}
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, payloadKey(queueName), job.ID, blob)
	pipe.ZAdd(ctx, readyKey(queueName), redis.Z{Score: score(job.Priority, readyAt), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return apierr.Transient("queue_unavailable", "enqueue job", err)
	}
	if q.metrics != nil {
		q.metrics.QueueDepth.WithLabelValues(queueName).Inc()
	}
	return nil
}

// Dequeue pops the highest-priority ready job (if any), granting the
// caller a Lease good for visibilityTimeout. Returns (nil, nil) if the
// queue is currently empty.
func (q *Queue) Dequeue(ctx context.Context, queueName string, visibilityTimeout time.Duration) (*Lease, error) {
	if visibilityTimeout <= 0 {
		visibilityTimeout = DefaultVisibilityTimeout
	}
	now := time.Now()
	ids, err := q.rdb.ZRangeByScore(ctx, readyKey(queueName), &redis.ZRangeBy{
		Min: "-inf", Max: formatScore(score(-maxPriorityMagnitude, now)), Count: 1,
	}).Result()
	if err != nil {
		return nil, apierr.Transient("queue_unavailable", "dequeue", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	jobID := ids[0]

	removed, err := q.rdb.ZRem(ctx, readyKey(queueName), jobID).Result()
	if err != nil {
		return nil, apierr.Transient("queue_unavailable", "claim job", err)
	}
	if removed == 0 {
		// Another worker claimed it between ZRangeByScore and ZRem.
		return nil, nil
	}

	raw, err := q.rdb.HGet(ctx, payloadKey(queueName), jobID).Result()
	if err != nil {
		return nil, apierr.Transient("queue_unavailable", "load job payload", err)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, apierr.Fatal("corrupt job payload in queue", err)
	}
	job.Attempt++

	token := uuid.NewString()
	if err := q.rdb.HSet(ctx, leaseKey(queueName), jobID, token).Err(); err != nil {
		return nil, apierr.Transient("queue_unavailable", "acquire lease", err)
	}
	q.rdb.Expire(ctx, leaseKey(queueName), visibilityTimeout)

	if q.metrics != nil {
		q.metrics.QueueDepth.WithLabelValues(queueName).Dec()
	}
	return &Lease{Job: job, token: token, queue: q, queueName: queueName}, nil
}

// Ack marks the job complete and removes its lease and payload.
func (l *Lease) Ack(ctx context.Context) error {
	pipe := l.queue.rdb.TxPipeline()
	pipe.HDel(ctx, leaseKey(l.queueName), l.Job.ID)
	pipe.HDel(ctx, payloadKey(l.queueName), l.Job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return apierr.Transient("queue_unavailable", "ack job", err)
	}
	if l.queue.metrics != nil {
		l.queue.metrics.JobsProcessed.WithLabelValues(l.queueName, "success").Inc()
	}
	return nil
}

// Nack reports a handler failure. If attempts remain, the job is
// rescheduled after an exponential backoff with full jitter; otherwise
// it is moved to the dead-letter queue carrying lastErr.
func (l *Lease) Nack(ctx context.Context, lastErr error) error {
	l.queue.rdb.HDel(ctx, leaseKey(l.queueName), l.Job.ID)

	l.Job.LastError = lastErr.Error()
	if l.Job.Attempt >= l.Job.MaxAttempts {
		return l.deadLetter(ctx)
	}

	delay := backoffDelay(l.Job.Attempt)
	if err := l.queue.store(ctx, l.queueName, l.Job, time.Now().Add(delay)); err != nil {
		return err
	}
	if l.queue.metrics != nil {
		l.queue.metrics.JobsProcessed.WithLabelValues(l.queueName, "retry").Inc()
	}
	return nil
}

func (l *Lease) deadLetter(ctx context.Context) error {
	blob, err := json.Marshal(l.Job)
	if err != nil {
		return apierr.Contract("invalid_job", err.Error())
	}
	pipe := l.queue.rdb.TxPipeline()
	pipe.LPush(ctx, dlqKey(l.queueName), blob)
	pipe.HDel(ctx, payloadKey(l.queueName), l.Job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return apierr.Transient("queue_unavailable", "dead-letter job", err)
	}
	if l.queue.metrics != nil {
		l.queue.metrics.JobsDeadLettered.WithLabelValues(l.queueName).Inc()
		l.queue.metrics.JobsProcessed.WithLabelValues(l.queueName, "dead_letter").Inc()
	}
	l.queue.logger.Info("job exhausted retries, moved to dead-letter queue",
		"queue", l.queueName, "job_id", l.Job.ID, "last_error", l.Job.LastError)
	return nil
}

// Depth reports how many jobs are currently ready (not yet leased) on a
// queue. The API front (C11) uses this to decide when to return 429
// backpressure on new crawl requests per spec.md §4.9.
func (q *Queue) Depth(ctx context.Context, queueName string) (int64, error) {
	n, err := q.rdb.ZCard(ctx, readyKey(queueName)).Result()
	if err != nil {
		return 0, apierr.Transient("queue_unavailable", "read queue depth", err)
	}
	return n, nil
}

// Renew extends the visibility timeout for a lease still being worked
// on, preventing another worker from reclaiming it mid-flight.
func (l *Lease) Renew(ctx context.Context, visibilityTimeout time.Duration) error {
	if visibilityTimeout <= 0 {
		visibilityTimeout = DefaultVisibilityTimeout
	}
	current, err := l.queue.rdb.HGet(ctx, leaseKey(l.queueName), l.Job.ID).Result()
	if err == redis.Nil || current != l.token {
		return apierr.New(apierr.ClassLogical, "lease_expired", "lease no longer held; job may have been reclaimed", nil)
	}
	if err != nil {
		return apierr.Transient("queue_unavailable", "renew lease", err)
	}
	if err := l.queue.rdb.Expire(ctx, leaseKey(l.queueName), visibilityTimeout).Err(); err != nil {
		return apierr.Transient("queue_unavailable", "renew lease expiry", err)
	}
	return nil
}

// backoffDelay computes the exponential-with-full-jitter delay for a
// given attempt number using cenkalti/backoff/v5's policy, clamped to
// [backoffBase, backoffCap].
func backoffDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = backoffBase
	b.MaxInterval = backoffCap
	b.Multiplier = 2.0
	b.RandomizationFactor = 1.0 // full jitter

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay <= 0 || delay > backoffCap {
		delay = backoffCap
	}
	return delay
}

func formatScore(s float64) string {
	return strconv.FormatFloat(s, 'f', -1, 64)
}
