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

// Package fixgen implements the Fix Generator (C6): stage 4 of the
// orchestrator's strategy chain — pattern reuse, then expert-guided
// model generation, then bare model generation — behind a single
// ModelClient interface shared by the Anthropic and Bedrock backends.
package fixgen

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
	"github.com/sony/gobreaker"

	"github.com/codeguard-dev/codeguard/internal/apierr"
	"github.com/codeguard-dev/codeguard/pkg/domain"
)

// patternConfidenceFloor is stage 4 strategy (a)'s threshold, per
// spec.md §4.4: "a non-deprecated pattern with confidence ≥ 0.75".
const patternConfidenceFloor = 0.75

// consecutiveFailuresToTrip opens a tenant/provider's circuit breaker
// after this many back-to-back model call failures.
const consecutiveFailuresToTrip = 5

// PatternLookup is the slice of PatternRepository strategy (a) needs.
// Narrowed to an interface so the generator is testable without a
// database.
type PatternLookup interface {
	GetPattern(ctx context.Context, fingerprint string) (*domain.Pattern, error)
}

// GuideLookup is the slice of ExpertGuideRepository strategy (b) needs.
type GuideLookup interface {
	Active(ctx context.Context, projectID, kind string) (*domain.ExpertGuide, error)
}

// ModelRequest is everything a ModelClient needs to produce a patch.
type ModelRequest struct {
	Prompt      string
	MaxTokens   int
	TenantID    string
	ProjectID   string
}

// ModelResponse is the raw model output before calibration.
type ModelResponse struct {
	Patch      string
	Confidence float64 // the model's own self-reported confidence, [0,1]
}

// ModelClient is the single interface both backends (Anthropic,
// Bedrock) implement, so the strategy chain never knows which
// provider answered.
type ModelClient interface {
	Name() string
	GenerateFix(ctx context.Context, req ModelRequest) (*ModelResponse, error)
}

// Result is what stage 4 hands back to the orchestrator: which
// strategy produced the patch, the patch itself, the generator's
// self-reported confidence (before stage 5 calibration), and which
// expert guides (if any) were consulted — needed later so stage 10's
// rollback can decrement the right experts' success counts.
type Result struct {
	Generator        domain.Generator
	Patch            string
	RawConfidence    float64
	ExpertsConsulted []string
}

// Generator runs the three-strategy chain of spec.md §4.4 stage 4.
type Generator struct {
	patterns PatternLookup
	guides   GuideLookup
	model    ModelClient
	prompts  *PromptBuilder
	logger   logr.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New constructs a fix Generator. model is whichever ModelClient
// MODEL_PROVIDER selects at boot.
func New(patterns PatternLookup, guides GuideLookup, model ModelClient, logger logr.Logger) *Generator {
	return &Generator{
		patterns: patterns,
		guides:   guides,
		model:    model,
		prompts:  NewPromptBuilder(),
		logger:   logger,
		breakers: map[string]*gobreaker.CircuitBreaker{},
	}
}

// GenerateFix attempts, in order, a matching pattern, an expert-guided
// model call, and a bare model call. It returns the first strategy
// that produces a non-empty patch. If every strategy fails it returns
// apierr.ClassLogical "no_fix_strategy" — the orchestrator's stage 4
// then aborts with decision=defer, per spec.
func (g *Generator) GenerateFix(ctx context.Context, tenantID string, issue *domain.Issue, fileSlice string) (*Result, error) {
	if result := g.fromPattern(ctx, issue); result != nil {
		return result, nil
	}

	guide, err := g.guides.Active(ctx, issue.ProjectID, string(issue.Kind))
	if err != nil {
		g.logger.V(1).Info("expert guide lookup failed, falling through to bare model", "error", err)
		guide = nil
	}

	if guide != nil {
		prompt := g.prompts.WithExpertContext(issue, fileSlice, guide.Body)
		resp, err := g.callModel(ctx, tenantID, prompt)
		if err == nil && resp.Patch != "" {
			return &Result{
				Generator:        domain.GeneratorExpert,
				Patch:            resp.Patch,
				RawConfidence:    resp.Confidence,
				ExpertsConsulted: []string{guide.ID},
			}, nil
		}
		g.logger.V(1).Info("expert-guided model strategy produced no patch, falling through", "error", err)
	}

	prompt := g.prompts.BareIssue(issue, fileSlice)
	resp, err := g.callModel(ctx, tenantID, prompt)
	if err == nil && resp.Patch != "" {
		return &Result{Generator: domain.GeneratorModel, Patch: resp.Patch, RawConfidence: resp.Confidence}, nil
	}

	return nil, apierr.New(apierr.ClassLogical, "no_fix_strategy",
		"pattern, expert-guided model, and bare model strategies all failed to produce a patch", err)
}

// fromPattern implements strategy (a): reuse a proven fix verbatim.
// Deprecated or low-confidence patterns never reach here because
// PatternRepository.UpsertPattern enforces the deprecation invariant
// and this check re-verifies it defensively.
func (g *Generator) fromPattern(ctx context.Context, issue *domain.Issue) *Result {
	pattern, err := g.patterns.GetPattern(ctx, issue.Fingerprint)
	if err != nil || pattern == nil {
		return nil
	}
	if pattern.Deprecated || pattern.Confidence < patternConfidenceFloor || pattern.RepresentativeFix == "" {
		return nil
	}
	return &Result{
		Generator:     domain.GeneratorPattern,
		Patch:         pattern.RepresentativeFix,
		RawConfidence: pattern.Confidence,
	}
}

// callModel invokes the model behind a per-(tenant, provider) circuit
// breaker, so a failing backend stops being hammered across every
// issue currently in flight for that tenant.
func (g *Generator) callModel(ctx context.Context, tenantID string, prompt string) (*ModelResponse, error) {
	cb := g.breakerFor(tenantID)
	result, err := cb.Execute(func() (any, error) {
		return g.model.GenerateFix(ctx, ModelRequest{Prompt: prompt, TenantID: tenantID})
	})
	if err != nil {
		return nil, err
	}
	return result.(*ModelResponse), nil
}

func (g *Generator) breakerFor(tenantID string) *gobreaker.CircuitBreaker {
	key := tenantID + ":" + g.model.Name()

	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, ok := g.breakers[key]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: key,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailuresToTrip
		},
	})
	g.breakers[key] = cb
	return cb
}
