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

	"github.com/go-chi/chi/v5"
)

// handleGetFix implements GET /fixes/:id of spec.md §6: the decision,
// confidence, verifier verdict and monitor state already live directly
// on domain.FixRecord, so this is a straight passthrough.
func (s *Server) handleGetFix(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	fix, err := s.fixes.Get(r.Context(), id)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fix)
}
