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
	"context"
	"encoding/json"
)

// crawlStatus is what GET /crawl/:job_id renders. It is also what
// pkg/crawler.StatusSink.SetStatus persists, keyed by job id, so the
// two packages agree on a wire shape without importing each other —
// the same queue-payload-as-contract pattern pkg/notify's Notification
// and pkg/crawler's CrawlJobPayload already use.
type crawlStatus struct {
	Status string         `json:"status"`
	Stats  map[string]int `json:"stats,omitempty"`
}

func statusKey(jobID string) string { return "crawl-status:" + jobID }

// SetStatus implements pkg/crawler.StatusSink against the Cache
// component, so a crawl worker process and this API process (which may
// never run in the same binary) agree on job status through Redis
// rather than in-memory state.
func (s *Server) SetStatus(ctx context.Context, jobID, status string, stats map[string]int) error {
	blob, err := json.Marshal(crawlStatus{Status: status, Stats: stats})
	if err != nil {
		return err
	}
	return s.status.Set(ctx, statusKey(jobID), string(blob), s.cfg.JobStatusTTL)
}

func (s *Server) getStatus(ctx context.Context, jobID string) (crawlStatus, bool, error) {
	raw, found, err := s.status.Get(ctx, statusKey(jobID))
	if err != nil || !found {
		return crawlStatus{}, found, err
	}
	var cs crawlStatus
	if err := json.Unmarshal([]byte(raw), &cs); err != nil {
		return crawlStatus{}, false, err
	}
	return cs, true, nil
}
