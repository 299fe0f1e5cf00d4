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

// Package policy evaluates the shared deny-list bundle: a single
// source of truth for "forbidden token" consumed both by the security
// detector (pkg/detect/detectors) and the stage-6 verifier's deny-list
// gate (pkg/verify), so the two never disagree about what counts as a
// secret.
package policy

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

//go:embed bundle/denylist.rego
var denylistSource string

// Violation is one deny-list rule that matched a piece of content.
type Violation struct {
	Rule string `json:"rule"`
}

// Evaluator holds a prepared rego query; construct once per process
// and reuse across evaluations.
type Evaluator struct {
	query rego.PreparedEvalQuery
}

// NewEvaluator compiles the embedded deny-list bundle.
func NewEvaluator(ctx context.Context) (*Evaluator, error) {
	r := rego.New(
		rego.Query("data.codeguard.denylist.violations"),
		rego.Module("denylist.rego", denylistSource),
	)
	q, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy: compile deny-list bundle: %w", err)
	}
	return &Evaluator{query: q}, nil
}

// Violations evaluates the deny-list against a piece of content
// (typically a file body) and returns every rule that matched.
func (e *Evaluator) Violations(ctx context.Context, content string) ([]Violation, error) {
	rs, err := e.query.Eval(ctx, rego.EvalInput(map[string]any{"content": content}))
	if err != nil {
		return nil, fmt.Errorf("policy: evaluate deny-list: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, nil
	}
	raw, ok := rs[0].Expressions[0].Value.([]any)
	if !ok {
		return nil, nil
	}
	violations := make([]Violation, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		rule, _ := m["rule"].(string)
		violations = append(violations, Violation{Rule: rule})
	}
	return violations, nil
}
