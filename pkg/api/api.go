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

// Package api implements the API / Webhook Front (C11): the HTTP
// ingress spec.md §6 names (crawl triggers, review decisions,
// read-only issue/fix/analytics queries) and the repository webhook
// intake of spec.md §4.9. It is the only component in this module that
// speaks HTTP; every other package is reached through its narrow
// interfaces here, the same dependency-injection shape pkg/crawler and
// pkg/orchestrator already use.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"

	"github.com/codeguard-dev/codeguard/internal/apierr"
	"github.com/codeguard-dev/codeguard/pkg/domain"
	"github.com/codeguard-dev/codeguard/pkg/store"
)

// IssueStore is the slice of IssueRepository the front needs.
type IssueStore interface {
	ListIssues(ctx context.Context, f store.ListIssuesFilter) ([]*domain.Issue, error)
	GetIssue(ctx context.Context, id string) (*domain.Issue, error)
	TransitionIssue(ctx context.Context, id string, newStatus domain.ReviewStatus, fixID, actor, reason string) error
}

// FixRecordStore is the slice of FixRecordRepository the front needs.
type FixRecordStore interface {
	Get(ctx context.Context, id string) (*domain.FixRecord, error)
}

// ProjectStore is the slice of ProjectRepository the front needs.
type ProjectStore interface {
	Create(ctx context.Context, p *domain.Project) (string, error)
	Get(ctx context.Context, id string) (*domain.Project, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*domain.Project, error)
}

// TenantStore is the slice of TenantRepository the front needs.
type TenantStore interface {
	Get(ctx context.Context, id string) (*domain.Tenant, error)
}

// HealthStore is the slice of HealthSnapshotRepository the front needs
// for GET /analytics.
type HealthStore interface {
	Trend(ctx context.Context, projectID string, since time.Time) ([]*domain.HealthSnapshot, error)
	BelowThreshold(ctx context.Context, projectID string, threshold, limit int) ([]*domain.HealthSnapshot, error)
}

// JobEnqueuer is the slice of *queue.Queue the front needs to trigger
// crawls, both from POST /crawl and from accepted webhooks.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload json.RawMessage, priority, maxAttempts int) (string, error)
	Depth(ctx context.Context, queueName string) (int64, error)
}

// JobStatusStore is the slice of *cache.Cache the front needs to answer
// GET /crawl/:job_id. See status.go.
type JobStatusStore interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Onboarder is satisfied by *experts.Onboarder: POST /crawl's project
// creation path onboards Expert Guides once a project first appears,
// per SPEC_FULL.md §4.7.
type Onboarder interface {
	Onboard(ctx context.Context, project *domain.Project) error
}

// Config holds the front's tunables.
type Config struct {
	// WebhookDefaultSecret backs HMAC verification for any project that
	// never set its own webhook_secret (spec.md §6's WEBHOOK_SECRET_DEFAULT).
	WebhookDefaultSecret string
	// CORSAllowedOrigins is the go-chi/cors allow-list; "*" allows any origin.
	CORSAllowedOrigins []string
	// JobStatusTTL bounds how long a crawl job's status is kept around
	// after it finishes, so GET /crawl/:job_id doesn't grow unbounded.
	JobStatusTTL time.Duration
	// CrawlQueueHighWaterMark is the "crawl" queue depth past which
	// POST /crawl returns 429 rather than enqueuing (spec.md §4.9);
	// webhook-triggered crawls are exempt (DLQ absorbs their overflow).
	CrawlQueueHighWaterMark int64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CORSAllowedOrigins:      []string{"*"},
		JobStatusTTL:            24 * time.Hour,
		CrawlQueueHighWaterMark: 5000,
	}
}

// Server wires every collaborator above into one chi.Router.
type Server struct {
	issues    IssueStore
	fixes     FixRecordStore
	projects  ProjectStore
	tenants   TenantStore
	health    HealthStore
	jobs      JobEnqueuer
	status    JobStatusStore
	onboard   Onboarder
	providers map[string]webhookProvider
	validate  *validator.Validate
	logger    logr.Logger
	cfg       Config
}

// New constructs a Server. onboard may be nil if project onboarding is
// handled out of band.
func New(
	issues IssueStore,
	fixes FixRecordStore,
	projects ProjectStore,
	tenants TenantStore,
	health HealthStore,
	jobs JobEnqueuer,
	status JobStatusStore,
	onboard Onboarder,
	logger logr.Logger,
	cfg Config,
) *Server {
	return &Server{
		issues: issues, fixes: fixes, projects: projects, tenants: tenants,
		health: health, jobs: jobs, status: status, onboard: onboard,
		providers: defaultWebhookProviders(),
		validate:  validator.New(),
		logger:    logger, cfg: cfg,
	}
}

// Router builds the chi.Router exposing every endpoint of spec.md §6.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "X-Signature"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Post("/crawl", s.handleCrawl)
	r.Get("/crawl/{job_id}", s.handleCrawlStatus)
	r.Get("/issues", s.handleListIssues)
	r.Post("/issues/{id}/review", s.handleReviewIssue)
	r.Get("/fixes/{id}", s.handleGetFix)
	r.Post("/webhook/{tenant_id}", s.handleWebhook)
	r.Get("/analytics", s.handleAnalytics)

	return r
}

// writeProblem renders an apierr.Error (or any error) as RFC 7807
// application/problem+json, per SPEC_FULL.md §4.9.
func writeProblem(w http.ResponseWriter, r *http.Request, err error) {
	apiErr, ok := err.(*apierr.Error)
	if !ok {
		apiErr = apierr.Fatal("unclassified error", err)
	}
	problem := apiErr.ToProblem(r.URL.Path)
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// writeProblemDirect renders a *apierr.Problem built outside the Error
// pipeline (validation and not-found helpers build one directly, since
// they carry extension members an *apierr.Error alone doesn't).
func writeProblemDirect(w http.ResponseWriter, p *apierr.Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apierr.Contract("malformed_body", err.Error())
	}
	return nil
}
