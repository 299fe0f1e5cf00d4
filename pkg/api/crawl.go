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
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/codeguard-dev/codeguard/internal/apierr"
)

// crawlOptions is the "options" object of POST /crawl's body.
type crawlOptions struct {
	AutoFix bool `json:"auto_fix"`
	Budget  int  `json:"budget"`
}

// crawlRequest is POST /crawl's body (spec.md §6).
type crawlRequest struct {
	ProjectID string       `json:"project_id" validate:"required"`
	Options   crawlOptions `json:"options"`
}

// crawlJobPayload mirrors pkg/crawler.CrawlJobPayload's JSON shape
// field for field without importing the type: this producer never
// imports its consumer, the same rule pkg/notify's Notification
// documents for the other direction.
type crawlJobPayload struct {
	ProjectID    string   `json:"project_id"`
	ChangedPaths []string `json:"changed_paths,omitempty"`
}

func (s *Server) handleCrawl(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req crawlRequest
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, r, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeProblemDirect(w, apierr.NewValidationProblem("crawl", fieldErrors(err)))
		return
	}

	if _, err := s.projects.Get(ctx, req.ProjectID); err != nil {
		writeProblem(w, r, err)
		return
	}

	if depth, err := s.jobs.Depth(ctx, "crawl"); err == nil && depth >= s.cfg.CrawlQueueHighWaterMark {
		w.Header().Set("Retry-After", "30")
		writeProblemDirect(w, &apierr.Problem{
			Type: "https://codeguard.dev/errors/queue_backpressure", Title: "Crawl Queue Saturated",
			Status: http.StatusTooManyRequests, Detail: "crawl queue depth exceeds the high-water mark", Instance: r.URL.Path,
		})
		return
	}

	payload, err := json.Marshal(crawlJobPayload{ProjectID: req.ProjectID})
	if err != nil {
		writeProblem(w, r, apierr.Fatal("marshal crawl job payload", err))
		return
	}
	jobID, err := s.jobs.Enqueue(ctx, "crawl", payload, 0, 0)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	if s.status != nil {
		_ = s.SetStatus(ctx, jobID, "queued", nil)
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handleCrawlStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	cs, found, err := s.getStatus(r.Context(), jobID)
	if err != nil {
		writeProblem(w, r, apierr.Transient("status_unavailable", "read crawl job status", err))
		return
	}
	if !found {
		writeProblemDirect(w, apierr.NewNotFoundProblem("crawl job", jobID))
		return
	}
	writeJSON(w, http.StatusOK, cs)
}
