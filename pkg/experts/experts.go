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

// Package experts implements spec.md §4.7's Expert Guides: tech-stack
// profiling on project onboarding, and the guide bodies that profiling
// feeds into stage 4's expert-guided model generation strategy
// (pkg/fixgen's GuideLookup.Active). Guide generation and revision
// both go through the same fixgen.ModelClient stage 4 calls, per
// SPEC_FULL.md §4.7 — no separate model-client abstraction for this
// package.
package experts

import (
	"context"
	"path/filepath"

	"github.com/go-logr/logr"

	"github.com/codeguard-dev/codeguard/pkg/detect"
	"github.com/codeguard-dev/codeguard/pkg/domain"
	"github.com/codeguard-dev/codeguard/pkg/fixgen"
)

// GuideStore is the slice of ExpertGuideRepository onboarding and
// revision need.
type GuideStore interface {
	Active(ctx context.Context, projectID, kind string) (*domain.ExpertGuide, error)
	Create(ctx context.Context, guide *domain.ExpertGuide) (string, error)
	Revise(ctx context.Context, projectID, kind, newBody string, qualityScore float64) (*domain.ExpertGuide, error)
}

// allKinds is every domain.IssueKind a guide may be generated for. A
// project's tech-stack profile shapes the guide's content, not which
// kinds get one — spec.md's detector set already reports findings
// across all of these regardless of stack, so every project gets a
// house-style guide per kind.
var allKinds = []domain.IssueKind{
	domain.KindStyle,
	domain.KindErrorHandling,
	domain.KindSecurity,
	domain.KindPerformance,
	domain.KindSmell,
	domain.KindArchitecture,
	domain.KindOther,
}

// reviseMinUsage is the minimum number of consultations before a
// guide's success rate is trusted enough to trigger a revision —
// mirrors domain.MinAttemptsForDeprecation's role for patterns, a
// separate floor because guides and patterns fail differently (a
// guide degrades gradually as a codebase's conventions drift; a
// pattern fails outright).
const reviseMinUsage = 10

// reviseFloor is the success-rate floor below which a guide is
// considered stale and due for regeneration.
const reviseFloor = 0.4

// Config holds the profiler's tunables.
type Config struct {
	// WorkspaceRoot is the same local-checkout convention pkg/crawler
	// uses (WorkspaceRoot/<project id>), so onboarding profiles the
	// exact bytes the crawler will later scan.
	WorkspaceRoot string
}

// Onboarder profiles a project's tech stack and generates or revises
// its Expert Guides.
type Onboarder struct {
	guides GuideStore
	model  fixgen.ModelClient
	prompts *PromptBuilder
	logger logr.Logger
	cfg    Config
}

// New constructs an Onboarder. model is whichever fixgen.ModelClient
// MODEL_PROVIDER selects at boot — the same client stage 4 calls.
func New(guides GuideStore, model fixgen.ModelClient, logger logr.Logger, cfg Config) *Onboarder {
	return &Onboarder{
		guides: guides, model: model, prompts: NewPromptBuilder(), logger: logger, cfg: cfg,
	}
}

// projectRoot mirrors crawler.projectRoot's convention; kept as an
// unexported duplicate rather than an import of pkg/crawler, since
// depending on the crawler package just for this one helper would
// invert the two packages' natural direction (the crawler is the one
// that depends on experts, via MetaProvider, not the reverse).
func (o *Onboarder) projectRoot(projectID string) string {
	return filepath.Join(o.cfg.WorkspaceRoot, projectID)
}

// ProjectMeta satisfies pkg/crawler's MetaProvider: it profiles the
// project's checkout and reports the detected stacks so a crawl's
// detector run can use real tech-stack facts instead of an empty
// detect.ProjectMeta.
func (o *Onboarder) ProjectMeta(ctx context.Context, projectID string) (detect.ProjectMeta, error) {
	return ProfileStack(o.projectRoot(projectID))
}

// Onboard generates the initial Expert Guide set for a project: one
// guide per issue kind, each informed by the project's detected tech
// stack. Onboarding is idempotent — a kind that already has an active
// guide is left untouched, since Create refuses to overwrite one.
func (o *Onboarder) Onboard(ctx context.Context, project *domain.Project) error {
	meta, err := ProfileStack(o.projectRoot(project.ID))
	if err != nil {
		o.logger.V(1).Info("tech-stack profiling failed, onboarding without stack context", "project_id", project.ID, "error", err)
	}

	for _, kind := range allKinds {
		existing, err := o.guides.Active(ctx, project.ID, string(kind))
		if err != nil {
			o.logger.Error(err, "check active guide before onboarding", "project_id", project.ID, "kind", kind)
			continue
		}
		if existing != nil {
			continue
		}

		body, confidence, err := o.generate(ctx, project, kind, meta, "")
		if err != nil {
			o.logger.Error(err, "generate expert guide", "project_id", project.ID, "kind", kind)
			continue
		}
		if _, err := o.guides.Create(ctx, &domain.ExpertGuide{
			ProjectID: project.ID, Kind: string(kind), Body: body, QualityScore: confidence,
		}); err != nil {
			o.logger.Error(err, "create expert guide", "project_id", project.ID, "kind", kind)
		}
	}
	return nil
}

// ReviseIfStale regenerates and supersedes a guide once it has
// accumulated enough consultations to trust its success rate and that
// rate has fallen below reviseFloor. Returns whether a revision
// happened.
func (o *Onboarder) ReviseIfStale(ctx context.Context, project *domain.Project, kind domain.IssueKind) (bool, error) {
	guide, err := o.guides.Active(ctx, project.ID, string(kind))
	if err != nil {
		return false, err
	}
	if guide == nil || guide.UsageCount < reviseMinUsage {
		return false, nil
	}
	rate := float64(guide.SuccessCount) / float64(guide.UsageCount)
	if rate >= reviseFloor {
		return false, nil
	}

	meta, err := ProfileStack(o.projectRoot(project.ID))
	if err != nil {
		o.logger.V(1).Info("tech-stack profiling failed, revising without stack context", "project_id", project.ID, "error", err)
	}
	body, confidence, err := o.generate(ctx, project, kind, meta, guide.Body)
	if err != nil {
		return false, err
	}
	if _, err := o.guides.Revise(ctx, project.ID, string(kind), body, confidence); err != nil {
		return false, err
	}
	return true, nil
}

// generate renders the onboarding or revision prompt and calls the
// shared model client; staleBody is non-empty only on a revision, so
// the model sees what it is replacing.
func (o *Onboarder) generate(ctx context.Context, project *domain.Project, kind domain.IssueKind, meta detect.ProjectMeta, staleBody string) (body string, confidence float64, err error) {
	var prompt string
	if staleBody == "" {
		prompt = o.prompts.Onboard(kind, meta)
	} else {
		prompt = o.prompts.Revise(kind, meta, staleBody)
	}
	resp, err := o.model.GenerateFix(ctx, fixgen.ModelRequest{
		Prompt: prompt, TenantID: project.TenantID, ProjectID: project.ID,
	})
	if err != nil {
		return "", 0, err
	}
	return resp.Patch, resp.Confidence, nil
}
