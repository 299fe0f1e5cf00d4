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

package detectors

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"

	"github.com/codeguard-dev/codeguard/pkg/detect"
	"github.com/codeguard-dev/codeguard/pkg/domain"
	"github.com/codeguard-dev/codeguard/pkg/policy"
)

const idSecurity = "security"

// Security reuses the verifier's OPA deny-list bundle to scan file
// content for forbidden tokens, and additionally flags Dockerfile
// FROM lines pinned to a floating tag rather than a digest.
type Security struct {
	policy *policy.Evaluator
}

// NewSecurity constructs the security detector against a shared
// policy evaluator (the same instance the stage-6 verifier uses, so
// detector and gate never disagree).
func NewSecurity(p *policy.Evaluator) *Security {
	return &Security{policy: p}
}

func (*Security) ID() string { return idSecurity }

func (*Security) Kinds() []domain.IssueKind { return []domain.IssueKind{domain.KindSecurity} }

func (s *Security) Detect(ctx context.Context, file detect.FileInput) ([]detect.Finding, error) {
	var findings []detect.Finding

	violations, err := s.policy.Violations(ctx, string(file.Content))
	if err != nil {
		return nil, err
	}
	for _, v := range violations {
		findings = append(findings, detect.Finding{
			Kind:     domain.KindSecurity,
			Severity: domain.SeverityCritical,
			Message:  fmt.Sprintf("content matches denylisted pattern %q", v.Rule),
		})
	}

	if isDockerfile(file.Path) {
		findings = append(findings, floatingTagFindings(file)...)
	}
	return findings, nil
}

func isDockerfile(path string) bool {
	base := filepath.Base(path)
	return base == "Dockerfile" || strings.HasPrefix(base, "Dockerfile.")
}

var fromLineRe = regexp.MustCompile(`(?i)^\s*FROM\s+(\S+)`)

// floatingTagFindings flags base images referenced by a mutable tag
// (including the implicit "latest") instead of an immutable digest.
func floatingTagFindings(file detect.FileInput) []detect.Finding {
	var findings []detect.Finding
	for i, line := range strings.Split(string(file.Content), "\n") {
		m := fromLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		image := m[1]
		if strings.EqualFold(image, "scratch") {
			continue
		}
		ref, err := name.ParseReference(image, name.WeakValidation)
		if err != nil {
			continue
		}
		if _, pinned := ref.(name.Digest); pinned {
			continue
		}
		findings = append(findings, detect.Finding{
			Kind:     domain.KindSecurity,
			Severity: domain.SeverityMedium,
			Line:     i + 1,
			Message:  fmt.Sprintf("base image %q uses a floating tag %q; pin to a digest", image, ref.Identifier()),
		})
	}
	return findings
}
