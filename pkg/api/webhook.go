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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/itchyny/gojq"

	"github.com/codeguard-dev/codeguard/internal/apierr"
	"github.com/codeguard-dev/codeguard/pkg/domain"
)

// maxWebhookBodyBytes bounds how much of a webhook request body is
// read before giving up, so a misbehaving sender can't exhaust memory.
const maxWebhookBodyBytes = 5 << 20 // 5 MiB

// webhookProvider holds one repo provider's compiled extraction
// queries. Adding a provider is a config change (a new map entry in
// defaultWebhookProviders), never a new Go branch, per SPEC_FULL.md
// §4.9's "configured, not hard-coded per provider" requirement.
type webhookProvider struct {
	repoURL      *gojq.Code
	changedPaths *gojq.Code
}

func compileProvider(repoURLQuery, changedPathsQuery string) webhookProvider {
	return webhookProvider{
		repoURL:      mustCompile(repoURLQuery),
		changedPaths: mustCompile(changedPathsQuery),
	}
}

func mustCompile(src string) *gojq.Code {
	query, err := gojq.Parse(src)
	if err != nil {
		panic("api: invalid webhook gojq query " + src + ": " + err.Error())
	}
	code, err := gojq.Compile(query)
	if err != nil {
		panic("api: uncompilable webhook gojq query " + src + ": " + err.Error())
	}
	return code
}

// defaultWebhookProviders ships two providers out of the box; a
// deployment wanting a third (Bitbucket, Gitea, ...) adds an entry
// here rather than touching handleWebhook.
func defaultWebhookProviders() map[string]webhookProvider {
	return map[string]webhookProvider{
		"github": compileProvider(
			".repository.clone_url // .repository.html_url // empty",
			`[.commits[]? | (.added // []), (.removed // []), (.modified // [])] | flatten | unique`,
		),
		"gitlab": compileProvider(
			".project.git_http_url // .project.web_url // empty",
			`[.commits[]? | (.added // []), (.removed // []), (.modified // [])] | flatten | unique`,
		),
	}
}

// runQuery evaluates a compiled query against a decoded JSON value and
// returns its first result, or nil if the query yields nothing.
func runQuery(code *gojq.Code, input interface{}) interface{} {
	iter := code.Run(input)
	v, ok := iter.Next()
	if !ok {
		return nil
	}
	if _, isErr := v.(error); isErr {
		return nil
	}
	return v
}

func stringSlice(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// handleWebhook implements POST /webhook/:tenant_id of spec.md §6 and
// §4.9: verify an HMAC-SHA256 signature against a per-project secret
// (falling back to the deployment-wide default), extract the changed
// paths from the provider-native payload, and enqueue a scoped crawl.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := chi.URLParam(r, "tenant_id")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes+1))
	if err != nil || len(body) > maxWebhookBodyBytes {
		writeProblemDirect(w, apierr.NewValidationProblem("webhook", map[string]string{"body": "unreadable or too large"}))
		return
	}

	sigHex := r.Header.Get("X-Signature")
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		writeUnauthorized(w, r)
		return
	}

	projects, err := s.projects.ListByTenant(ctx, tenantID)
	if err != nil {
		writeProblem(w, r, err)
		return
	}

	var matched *domain.Project
	for _, p := range projects {
		secret := p.WebhookSecret
		if secret == "" {
			secret = s.cfg.WebhookDefaultSecret
		}
		if secret == "" {
			continue
		}
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		if hmac.Equal(mac.Sum(nil), sigBytes) {
			matched = p
			break
		}
	}
	if matched == nil {
		writeUnauthorized(w, r)
		return
	}

	providerName := r.Header.Get("X-Webhook-Provider")
	if providerName == "" {
		providerName = "github"
	}
	provider, ok := s.providers[providerName]
	if !ok {
		writeProblemDirect(w, apierr.NewValidationProblem("webhook", map[string]string{"x-webhook-provider": "unknown provider"}))
		return
	}

	var payload interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeProblemDirect(w, apierr.NewValidationProblem("webhook", map[string]string{"body": "not valid JSON"}))
		return
	}
	changedPaths := stringSlice(runQuery(provider.changedPaths, payload))

	if depth, err := s.jobs.Depth(ctx, "crawl"); err == nil && depth >= s.cfg.CrawlQueueHighWaterMark {
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "retry", "reason": "crawl queue saturated"})
		return
	}

	jobPayload, err := json.Marshal(crawlJobPayload{ProjectID: matched.ID, ChangedPaths: changedPaths})
	if err != nil {
		writeProblem(w, r, apierr.Fatal("marshal webhook crawl job payload", err))
		return
	}
	jobID, err := s.jobs.Enqueue(ctx, "crawl", jobPayload, 1, 0)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	if s.status != nil {
		_ = s.SetStatus(ctx, jobID, "queued", nil)
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request) {
	writeProblemDirect(w, &apierr.Problem{
		Type: "https://codeguard.dev/errors/signature_mismatch", Title: "Signature Mismatch",
		Status: http.StatusUnauthorized, Detail: "webhook signature did not match any project secret", Instance: r.URL.Path,
	})
}
