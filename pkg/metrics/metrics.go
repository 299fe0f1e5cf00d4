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

// Package metrics exposes the Prometheus instrumentation backing the
// backpressure decisions of spec.md §5 (queue depth, breaker state,
// cache hit rate) and general pipeline observability.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups every metric this module emits. A single Registry is
// constructed at boot and threaded through components the same way
// the store/cache/queue are.
type Registry struct {
	QueueDepth        *prometheus.GaugeVec
	JobsProcessed     *prometheus.CounterVec
	JobsDeadLettered  *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	StageAborts       *prometheus.CounterVec
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	CircuitBreakerState *prometheus.GaugeVec
	FixesApplied      prometheus.Counter
	FixesRolledBack   prometheus.Counter
	PatternConfidence *prometheus.GaugeVec
	FilesCrawled      *prometheus.CounterVec
	IssuesDetected    *prometheus.CounterVec
}

// New registers every metric against the given registerer (typically
// prometheus.NewRegistry() so tests don't collide with the global
// DefaultRegisterer).
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "codeguard_queue_depth",
			Help: "Current number of ready jobs per queue.",
		}, []string{"queue"}),
		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codeguard_jobs_processed_total",
			Help: "Total jobs processed, by queue and outcome.",
		}, []string{"queue", "outcome"}),
		JobsDeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codeguard_jobs_dead_lettered_total",
			Help: "Total jobs moved to the dead-letter queue.",
		}, []string{"queue"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "codeguard_orchestrator_stage_duration_seconds",
			Help:    "Duration of each orchestrator stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		StageAborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codeguard_orchestrator_stage_aborts_total",
			Help: "Total stage aborts, by stage and decision.",
		}, []string{"stage", "decision"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codeguard_cache_hits_total",
			Help: "Total cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codeguard_cache_misses_total",
			Help: "Total cache misses.",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "codeguard_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),
		FixesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codeguard_fixes_applied_total",
			Help: "Total fixes applied.",
		}),
		FixesRolledBack: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codeguard_fixes_rolled_back_total",
			Help: "Total fixes rolled back after a regression.",
		}),
		PatternConfidence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "codeguard_pattern_confidence",
			Help: "Current confidence of a pattern, by fingerprint.",
		}, []string{"fingerprint"}),
		FilesCrawled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codeguard_crawler_files_crawled_total",
			Help: "Total files a crawl job selected and processed, by selection tier.",
		}, []string{"tier"}),
		IssuesDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codeguard_crawler_issues_detected_total",
			Help: "Total issues a detector run reported, by detector id.",
		}, []string{"detector"}),
	}

	reg.MustRegister(
		r.QueueDepth, r.JobsProcessed, r.JobsDeadLettered, r.StageDuration,
		r.StageAborts, r.CacheHits, r.CacheMisses, r.CircuitBreakerState,
		r.FixesApplied, r.FixesRolledBack, r.PatternConfidence,
		r.FilesCrawled, r.IssuesDetected,
	)
	return r
}
