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
	"time"

	"github.com/codeguard-dev/codeguard/internal/apierr"
)

// rangeWindows maps the `range` query parameter's closed vocabulary
// onto a lookback duration. An unrecognized or absent value falls back
// to 7d, the dashboard default.
var rangeWindows = map[string]time.Duration{
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
	"90d": 90 * 24 * time.Hour,
}

// handleAnalytics implements GET /analytics of spec.md §6: a project's
// health trend series plus its current worst-scoring paths.
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	projectID := q.Get("project_id")
	if projectID == "" {
		writeProblemDirect(w, apierr.NewValidationProblem("analytics", map[string]string{"project_id": "required"}))
		return
	}

	window, ok := rangeWindows[q.Get("range")]
	if !ok {
		window = rangeWindows["7d"]
	}

	trend, err := s.health.Trend(r.Context(), projectID, time.Now().Add(-window))
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	worst, err := s.health.BelowThreshold(r.Context(), projectID, 70, 10)
	if err != nil {
		writeProblem(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"project_id":  projectID,
		"trend":       trend,
		"worst_paths": worst,
	})
}
