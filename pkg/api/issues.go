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
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/codeguard-dev/codeguard/internal/apierr"
	"github.com/codeguard-dev/codeguard/pkg/domain"
	"github.com/codeguard-dev/codeguard/pkg/store"
)

// handleListIssues implements GET /issues of spec.md §6.
func (s *Server) handleListIssues(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ListIssuesFilter{
		ProjectID: q.Get("project_id"),
		Status:    domain.ReviewStatus(q.Get("status")),
		Severity:  domain.Severity(q.Get("severity")),
		Kind:      domain.IssueKind(q.Get("kind")),
		Limit:     atoiOr(q.Get("limit"), 0),
		Offset:    atoiOr(q.Get("offset"), 0),
	}
	if f.ProjectID == "" {
		writeProblemDirect(w, apierr.NewValidationProblem("issues", map[string]string{"project_id": "required"}))
		return
	}

	issues, err := s.issues.ListIssues(r.Context(), f)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"issues": issues})
}

// reviewRequest is POST /issues/:id/review's body (spec.md §6).
type reviewRequest struct {
	Action string `json:"action" validate:"required,oneof=approve reject defer"`
	Notes  string `json:"notes"`
}

var reviewActionTransitions = map[string]domain.ReviewStatus{
	"approve": domain.StatusApproved,
	"reject":  domain.StatusRejected,
	"defer":   domain.StatusDeferred,
}

// handleReviewIssue implements POST /issues/:id/review, translating
// the human-facing action vocabulary onto §4.3's state machine.
func (s *Server) handleReviewIssue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req reviewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, r, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeProblemDirect(w, apierr.NewValidationProblem("issues/review", fieldErrors(err)))
		return
	}

	newStatus := reviewActionTransitions[req.Action]
	if err := s.issues.TransitionIssue(r.Context(), id, newStatus, "", "api", req.Notes); err != nil {
		writeProblem(w, r, err)
		return
	}

	issue, err := s.issues.GetIssue(r.Context(), id)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func atoiOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
