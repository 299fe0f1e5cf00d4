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

// Package detect defines the pluggable Detector interface (C5) and the
// Registry the crawler runs per file. Detectors are pure functions of
// (path, content, project metadata): no hidden state, so the same
// input always reports the same findings and fingerprint-based
// deduplication holds.
package detect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"

	"github.com/codeguard-dev/codeguard/pkg/domain"
)

// FileInput is everything a detector may look at. ProjectMeta carries
// detected tech-stack facts (e.g. "go", "kubernetes") so a detector can
// skip files it has no business examining.
type FileInput struct {
	ProjectID string
	Path      string
	Content   []byte
	Meta      ProjectMeta
}

// ProjectMeta is ambient project context detectors may consult but
// never mutate.
type ProjectMeta struct {
	Stacks []string // e.g. "go", "kubernetes", "tekton", "docker"
}

// HasStack reports whether a stack tag is present.
func (m ProjectMeta) HasStack(stack string) bool {
	for _, s := range m.Stacks {
		if s == stack {
			return true
		}
	}
	return false
}

// Finding is one issue a detector reports for a file, prior to
// fingerprinting and persistence.
type Finding struct {
	Kind     domain.IssueKind
	Severity domain.Severity
	Line     int
	Message  string
}

// Detector is the pure, stateless unit of analysis every entry in the
// registry implements.
type Detector interface {
	ID() string
	Kinds() []domain.IssueKind
	Detect(ctx context.Context, file FileInput) ([]Finding, error)
}

// Rechecker is an optional capability a Detector may additionally
// implement: stage 6(c) of the fix orchestrator re-runs a detector
// against candidate-patched content to confirm the issue it originally
// reported is actually gone.
type Rechecker interface {
	// Recheck reports whether the original finding this detector made
	// against file.Path still reproduces against the given content.
	Recheck(ctx context.Context, file FileInput) (stillPresent bool, err error)
}

// Registry holds every detector the crawler runs per file, keyed by
// detector id.
type Registry struct {
	detectors map[string]Detector
}

// NewRegistry returns an empty registry; call Register to populate it.
func NewRegistry() *Registry {
	return &Registry{detectors: map[string]Detector{}}
}

// Register adds a detector. Panics on a duplicate id — that is always
// a wiring bug caught at boot, never a runtime condition.
func (r *Registry) Register(d Detector) {
	if _, exists := r.detectors[d.ID()]; exists {
		panic("detect: duplicate detector id " + d.ID())
	}
	r.detectors[d.ID()] = d
}

// Get returns a single detector by id, or nil if unregistered.
func (r *Registry) Get(id string) Detector { return r.detectors[id] }

// IDs returns every registered detector id, sorted for deterministic
// iteration order (tests and the analytics feed both rely on this).
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.detectors))
	for id := range r.detectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Run executes every registered detector against a file and returns
// deduplicated, fingerprinted issues ready for IssueRepository.UpsertIssue.
// A single detector's error does not abort the others; it is returned
// alongside whatever the remaining detectors found.
func (r *Registry) Run(ctx context.Context, file FileInput) ([]*domain.Issue, []error) {
	var issues []*domain.Issue
	var errs []error

	for _, id := range r.IDs() {
		d := r.detectors[id]
		findings, err := d.Detect(ctx, file)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, f := range findings {
			issues = append(issues, &domain.Issue{
				ProjectID:   file.ProjectID,
				Path:        file.Path,
				Line:        f.Line,
				Kind:        f.Kind,
				Severity:    f.Severity,
				Message:     f.Message,
				Fingerprint: Fingerprint(f.Kind, f.Message, file.Path, id),
				DetectorID:  id,
			})
		}
	}
	return issues, errs
}

var numericRun = regexp.MustCompile(`\d+`)

// normalizeMessage makes a human message stable for fingerprinting
// across otherwise-identical occurrences that differ only in an
// embedded number (line length, count, etc).
func normalizeMessage(message string) string {
	m := strings.ToLower(strings.TrimSpace(message))
	m = numericRun.ReplaceAllString(m, "#")
	return strings.Join(strings.Fields(m), " ")
}

// Fingerprint implements spec.md's "stable hash over kind + normalized
// message + path + detector id" — the identity of "the same defect"
// across crawl runs.
func Fingerprint(kind domain.IssueKind, message, path, detectorID string) string {
	sum := sha256.Sum256([]byte(string(kind) + "|" + normalizeMessage(message) + "|" + path + "|" + detectorID))
	return hex.EncodeToString(sum[:])
}
