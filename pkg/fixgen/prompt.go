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

package fixgen

import (
	"github.com/tmc/langchaingo/prompts"

	"github.com/codeguard-dev/codeguard/pkg/domain"
)

const bareTemplate = `You are fixing a {{.kind}} issue in {{.path}} at line {{.line}}.

Issue: {{.message}}

Surrounding code:
` + "```" + `
{{.fileSlice}}
` + "```" + `

Reply with only the complete replacement for the shown code, no explanation.`

const expertTemplate = `You are fixing a {{.kind}} issue in {{.path}} at line {{.line}}, using the
project's house style guide for this category of issue.

House style guide:
{{.guide}}

Issue: {{.message}}

Surrounding code:
` + "```" + `
{{.fileSlice}}
` + "```" + `

Reply with only the complete replacement for the shown code, no explanation.`

// PromptBuilder assembles stage 4's model prompts via langchaingo's
// Go-template prompt engine, so Expert Guide bodies and issue
// metadata are interpolated consistently rather than string-concatenated
// ad hoc at each call site.
type PromptBuilder struct {
	bare   prompts.PromptTemplate
	expert prompts.PromptTemplate
}

// NewPromptBuilder compiles the two stage-4 prompt templates once.
func NewPromptBuilder() *PromptBuilder {
	return &PromptBuilder{
		bare:   prompts.NewPromptTemplate(bareTemplate, []string{"kind", "path", "line", "message", "fileSlice"}),
		expert: prompts.NewPromptTemplate(expertTemplate, []string{"kind", "path", "line", "message", "fileSlice", "guide"}),
	}
}

// BareIssue renders strategy (c)'s prompt: the issue and file slice
// alone, no expert context.
func (b *PromptBuilder) BareIssue(issue *domain.Issue, fileSlice string) string {
	rendered, err := b.bare.Format(issueValues(issue, fileSlice))
	if err != nil {
		// A template/value mismatch is a wiring bug, not a runtime
		// condition; fall back to the raw values rather than fail the
		// whole orchestration over a formatting error.
		return issue.Message + "\n\n" + fileSlice
	}
	return rendered
}

// WithExpertContext renders strategy (b)'s prompt: the issue, file
// slice, and the project's active Expert Guide body for this kind.
func (b *PromptBuilder) WithExpertContext(issue *domain.Issue, fileSlice, guideBody string) string {
	values := issueValues(issue, fileSlice)
	values["guide"] = guideBody
	rendered, err := b.expert.Format(values)
	if err != nil {
		return guideBody + "\n\n" + issue.Message + "\n\n" + fileSlice
	}
	return rendered
}

func issueValues(issue *domain.Issue, fileSlice string) map[string]any {
	return map[string]any{
		"kind":      string(issue.Kind),
		"path":      issue.Path,
		"line":      issue.Line,
		"message":   issue.Message,
		"fileSlice": fileSlice,
	}
}
