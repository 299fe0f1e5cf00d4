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

package experts

import (
	"strings"

	"github.com/tmc/langchaingo/prompts"

	"github.com/codeguard-dev/codeguard/pkg/detect"
	"github.com/codeguard-dev/codeguard/pkg/domain"
)

const onboardTemplate = `Write a short house style guide for fixing {{.kind}} issues in a
{{.stacks}} codebase.

The guide is injected into a model prompt alongside a specific defect
and its surrounding code, so keep it to concrete, actionable
conventions this project's code should follow — not general advice.

Reply with only the guide body, no preamble.`

const reviseTemplate = `The following house style guide for {{.kind}} issues in a {{.stacks}}
codebase has a low success rate in practice and needs revising:

{{.staleGuide}}

Write a replacement that keeps what still applies but corrects or
drops whatever is leading fixes astray. Reply with only the guide
body, no preamble.`

// PromptBuilder assembles onboarding/revision prompts via
// langchaingo's template engine, the same tool pkg/fixgen uses for
// stage 4's prompts.
type PromptBuilder struct {
	onboard prompts.PromptTemplate
	revise  prompts.PromptTemplate
}

// NewPromptBuilder compiles the two guide-generation templates once.
func NewPromptBuilder() *PromptBuilder {
	return &PromptBuilder{
		onboard: prompts.NewPromptTemplate(onboardTemplate, []string{"kind", "stacks"}),
		revise:  prompts.NewPromptTemplate(reviseTemplate, []string{"kind", "stacks", "staleGuide"}),
	}
}

// Onboard renders the initial guide-generation prompt for a kind,
// naming whichever stacks were detected (or "general-purpose" if none
// were).
func (b *PromptBuilder) Onboard(kind domain.IssueKind, meta detect.ProjectMeta) string {
	rendered, err := b.onboard.Format(map[string]any{
		"kind":   string(kind),
		"stacks": stackList(meta),
	})
	if err != nil {
		return "Write a house style guide for " + string(kind) + " issues."
	}
	return rendered
}

// Revise renders the revision prompt, handing the model the guide it
// is replacing.
func (b *PromptBuilder) Revise(kind domain.IssueKind, meta detect.ProjectMeta, staleGuide string) string {
	rendered, err := b.revise.Format(map[string]any{
		"kind":       string(kind),
		"stacks":     stackList(meta),
		"staleGuide": staleGuide,
	})
	if err != nil {
		return "Revise this guide for " + string(kind) + " issues:\n\n" + staleGuide
	}
	return rendered
}

func stackList(meta detect.ProjectMeta) string {
	if len(meta.Stacks) == 0 {
		return "general-purpose"
	}
	return strings.Join(meta.Stacks, ", ")
}
