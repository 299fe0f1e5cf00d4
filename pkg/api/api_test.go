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

package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codeguard-dev/codeguard/internal/apierr"
	"github.com/codeguard-dev/codeguard/internal/logging"
	"github.com/codeguard-dev/codeguard/pkg/domain"
	"github.com/codeguard-dev/codeguard/pkg/store"
)

func TestAPI(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "API Suite")
}

type fakeIssues struct {
	byID        map[string]*domain.Issue
	listResult  []*domain.Issue
	transitions []domain.ReviewStatus
}

func (f *fakeIssues) ListIssues(ctx context.Context, filter store.ListIssuesFilter) ([]*domain.Issue, error) {
	return f.listResult, nil
}
func (f *fakeIssues) GetIssue(ctx context.Context, id string) (*domain.Issue, error) {
	issue, ok := f.byID[id]
	if !ok {
		return nil, apierr.Contract("not_found", "issue not found")
	}
	return issue, nil
}
func (f *fakeIssues) TransitionIssue(ctx context.Context, id string, newStatus domain.ReviewStatus, fixID, actor, reason string) error {
	issue, ok := f.byID[id]
	if !ok {
		return apierr.Contract("not_found", "issue not found")
	}
	f.transitions = append(f.transitions, newStatus)
	issue.Status = newStatus
	return nil
}

type fakeFixes struct {
	byID map[string]*domain.FixRecord
}

func (f *fakeFixes) Get(ctx context.Context, id string) (*domain.FixRecord, error) {
	fr, ok := f.byID[id]
	if !ok {
		return nil, apierr.Contract("not_found", "fix record not found")
	}
	return fr, nil
}

type fakeProjects struct {
	byID     map[string]*domain.Project
	byTenant map[string][]*domain.Project
}

func (f *fakeProjects) Create(ctx context.Context, p *domain.Project) (string, error) { return p.ID, nil }
func (f *fakeProjects) Get(ctx context.Context, id string) (*domain.Project, error) {
	p, ok := f.byID[id]
	if !ok {
		return nil, apierr.Contract("not_found", "project not found")
	}
	return p, nil
}
func (f *fakeProjects) ListByTenant(ctx context.Context, tenantID string) ([]*domain.Project, error) {
	return f.byTenant[tenantID], nil
}

type fakeTenants struct{}

func (f *fakeTenants) Get(ctx context.Context, id string) (*domain.Tenant, error) {
	return &domain.Tenant{ID: id}, nil
}

type fakeHealth struct {
	trend []*domain.HealthSnapshot
	worst []*domain.HealthSnapshot
}

func (f *fakeHealth) Trend(ctx context.Context, projectID string, since time.Time) ([]*domain.HealthSnapshot, error) {
	return f.trend, nil
}
func (f *fakeHealth) BelowThreshold(ctx context.Context, projectID string, threshold, limit int) ([]*domain.HealthSnapshot, error) {
	return f.worst, nil
}

type fakeJobs struct {
	enqueued []string
	depth    int64
}

func (f *fakeJobs) Enqueue(ctx context.Context, queueName string, payload json.RawMessage, priority, maxAttempts int) (string, error) {
	f.enqueued = append(f.enqueued, string(payload))
	return "job-1", nil
}
func (f *fakeJobs) Depth(ctx context.Context, queueName string) (int64, error) { return f.depth, nil }

type fakeStatusStore struct {
	data map[string]string
}

func newFakeStatusStore() *fakeStatusStore { return &fakeStatusStore{data: map[string]string{}} }

func (f *fakeStatusStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok := f.data[key]
	return v, ok, nil
}
func (f *fakeStatusStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	f.data[key] = value
	return nil
}

func newTestServer() (*Server, *fakeIssues, *fakeFixes, *fakeProjects, *fakeHealth, *fakeJobs) {
	issues := &fakeIssues{byID: map[string]*domain.Issue{}}
	fixes := &fakeFixes{byID: map[string]*domain.FixRecord{}}
	projects := &fakeProjects{byID: map[string]*domain.Project{}, byTenant: map[string][]*domain.Project{}}
	health := &fakeHealth{}
	jobs := &fakeJobs{}
	cfg := DefaultConfig()
	cfg.WebhookDefaultSecret = "default-secret"
	s := New(issues, fixes, projects, &fakeTenants{}, health, jobs, newFakeStatusStore(), nil, logging.NoOp(), cfg)
	return s, issues, fixes, projects, health, jobs
}

var _ = Describe("POST /crawl", func() {
	It("enqueues a job and returns 202 with a job id", func() {
		s, _, _, projects, _, jobs := newTestServer()
		projects.byID["proj-1"] = &domain.Project{ID: "proj-1"}

		body, _ := json.Marshal(map[string]interface{}{"project_id": "proj-1"})
		req := httptest.NewRequest(http.MethodPost, "/crawl", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusAccepted))
		Expect(jobs.enqueued).To(HaveLen(1))
		var resp map[string]string
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["job_id"]).To(Equal("job-1"))
	})

	It("rejects an unknown project as a problem+json body", func() {
		s, _, _, _, _, _ := newTestServer()
		body, _ := json.Marshal(map[string]interface{}{"project_id": "missing"})
		req := httptest.NewRequest(http.MethodPost, "/crawl", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(rec.Header().Get("Content-Type")).To(Equal("application/problem+json"))
	})

	It("returns 429 when the crawl queue is saturated", func() {
		s, _, _, projects, _, jobs := newTestServer()
		projects.byID["proj-1"] = &domain.Project{ID: "proj-1"}
		jobs.depth = s.cfg.CrawlQueueHighWaterMark

		body, _ := json.Marshal(map[string]interface{}{"project_id": "proj-1"})
		req := httptest.NewRequest(http.MethodPost, "/crawl", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusTooManyRequests))
		Expect(jobs.enqueued).To(BeEmpty())
	})
})

var _ = Describe("GET /crawl/:job_id", func() {
	It("reports a previously recorded status", func() {
		s, _, _, _, _, _ := newTestServer()
		Expect(s.SetStatus(context.Background(), "job-9", "running", nil)).To(Succeed())

		req := httptest.NewRequest(http.MethodGet, "/crawl/job-9", nil)
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
		var cs crawlStatus
		Expect(json.Unmarshal(rec.Body.Bytes(), &cs)).To(Succeed())
		Expect(cs.Status).To(Equal("running"))
	})

	It("404s for an unknown job id", func() {
		s, _, _, _, _, _ := newTestServer()
		req := httptest.NewRequest(http.MethodGet, "/crawl/does-not-exist", nil)
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusNotFound))
	})
})

var _ = Describe("POST /issues/:id/review", func() {
	It("transitions a pending issue to approved", func() {
		s, issues, _, _, _, _ := newTestServer()
		issues.byID["issue-1"] = &domain.Issue{ID: "issue-1", Status: domain.StatusPending}

		body, _ := json.Marshal(map[string]string{"action": "approve"})
		req := httptest.NewRequest(http.MethodPost, "/issues/issue-1/review", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(issues.transitions).To(ConsistOf(domain.StatusApproved))
	})

	It("rejects an unrecognized action before touching the store", func() {
		s, issues, _, _, _, _ := newTestServer()
		issues.byID["issue-1"] = &domain.Issue{ID: "issue-1", Status: domain.StatusPending}

		body, _ := json.Marshal(map[string]string{"action": "nonsense"})
		req := httptest.NewRequest(http.MethodPost, "/issues/issue-1/review", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(issues.transitions).To(BeEmpty())
	})
})

var _ = Describe("GET /fixes/:id", func() {
	It("returns a fix record", func() {
		s, _, fixes, _, _, _ := newTestServer()
		fixes.byID["fix-1"] = &domain.FixRecord{ID: "fix-1", Decision: domain.DecisionApply}

		req := httptest.NewRequest(http.MethodGet, "/fixes/fix-1", nil)
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
		var fr domain.FixRecord
		Expect(json.Unmarshal(rec.Body.Bytes(), &fr)).To(Succeed())
		Expect(fr.ID).To(Equal("fix-1"))
	})
})

var _ = Describe("GET /analytics", func() {
	It("requires a project_id", func() {
		s, _, _, _, _, _ := newTestServer()
		req := httptest.NewRequest(http.MethodGet, "/analytics", nil)
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("returns the trend and worst-path series", func() {
		s, _, _, _, health, _ := newTestServer()
		health.trend = []*domain.HealthSnapshot{{ProjectID: "proj-1", Path: "a.go", Score: 80}}
		health.worst = []*domain.HealthSnapshot{{ProjectID: "proj-1", Path: "b.go", Score: 40}}

		req := httptest.NewRequest(http.MethodGet, "/analytics?project_id=proj-1&range=30d", nil)
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
		var resp map[string]interface{}
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["trend"]).To(HaveLen(1))
		Expect(resp["worst_paths"]).To(HaveLen(1))
	})
})

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

var _ = Describe("POST /webhook/:tenant_id", func() {
	It("accepts a correctly-signed GitHub push and enqueues a scoped crawl", func() {
		s, _, _, projects, _, jobs := newTestServer()
		projects.byTenant["tenant-1"] = []*domain.Project{{ID: "proj-1", TenantID: "tenant-1", WebhookSecret: "s3cr3t"}}

		payload := []byte(`{"repository":{"clone_url":"https://example.com/r.git"},"commits":[{"added":["a.go"],"modified":["b.go"],"removed":[]}]}`)
		req := httptest.NewRequest(http.MethodPost, "/webhook/tenant-1", bytes.NewReader(payload))
		req.Header.Set("X-Signature", signBody("s3cr3t", payload))
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusNoContent))
		Expect(jobs.enqueued).To(HaveLen(1))
		var got crawlJobPayload
		Expect(json.Unmarshal([]byte(jobs.enqueued[0]), &got)).To(Succeed())
		Expect(got.ProjectID).To(Equal("proj-1"))
		Expect(got.ChangedPaths).To(ConsistOf("a.go", "b.go"))
	})

	It("rejects a bad signature with 401 and never enqueues", func() {
		s, _, _, projects, _, jobs := newTestServer()
		projects.byTenant["tenant-1"] = []*domain.Project{{ID: "proj-1", TenantID: "tenant-1", WebhookSecret: "s3cr3t"}}

		payload := []byte(`{"repository":{"clone_url":"https://example.com/r.git"}}`)
		req := httptest.NewRequest(http.MethodPost, "/webhook/tenant-1", bytes.NewReader(payload))
		req.Header.Set("X-Signature", signBody("wrong-secret", payload))
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		Expect(jobs.enqueued).To(BeEmpty())
	})

	It("falls back to the deployment-wide default secret", func() {
		s, _, _, projects, _, jobs := newTestServer()
		projects.byTenant["tenant-1"] = []*domain.Project{{ID: "proj-1", TenantID: "tenant-1"}}

		payload := []byte(`{"repository":{"clone_url":"https://example.com/r.git"},"commits":[]}`)
		req := httptest.NewRequest(http.MethodPost, "/webhook/tenant-1", bytes.NewReader(payload))
		req.Header.Set("X-Signature", signBody("default-secret", payload))
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusNoContent))
		Expect(jobs.enqueued).To(HaveLen(1))
	})
})

var _ = Describe("ValidateSchema", func() {
	It("validates the embedded OpenAPI document", func() {
		Expect(ValidateSchema()).To(Succeed())
	})
})
