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
	"strings"

	tektonv1 "github.com/tektoncd/pipeline/pkg/apis/pipeline/v1"
	"sigs.k8s.io/yaml"

	"github.com/codeguard-dev/codeguard/pkg/detect"
	"github.com/codeguard-dev/codeguard/pkg/domain"
)

const idTektonPipeline = "tekton-pipeline"

// TektonPipeline flags Tekton Pipeline/Task smells: a pipeline with no
// timeouts (a stuck TaskRun can then hang forever) and a task step
// script that references a parameter with no default.
type TektonPipeline struct{}

// NewTektonPipeline constructs the tekton-pipeline detector.
func NewTektonPipeline() *TektonPipeline { return &TektonPipeline{} }

func (*TektonPipeline) ID() string { return idTektonPipeline }

func (*TektonPipeline) Kinds() []domain.IssueKind { return []domain.IssueKind{domain.KindOther} }

func (*TektonPipeline) Detect(_ context.Context, file detect.FileInput) ([]detect.Finding, error) {
	if !isYAMLManifest(file.Path) {
		return nil, nil
	}
	var findings []detect.Finding
	for _, doc := range yamlDocSep.Split(string(file.Content), -1) {
		doc = strings.TrimSpace(doc)
		if doc == "" {
			continue
		}
		var probe struct {
			Kind string `json:"kind"`
		}
		if err := yaml.Unmarshal([]byte(doc), &probe); err != nil {
			continue
		}
		switch probe.Kind {
		case "Pipeline":
			var p tektonv1.Pipeline
			if err := yaml.Unmarshal([]byte(doc), &p); err == nil {
				findings = append(findings, pipelineFindings(&p)...)
			}
		case "Task", "ClusterTask":
			var t tektonv1.Task
			if err := yaml.Unmarshal([]byte(doc), &t); err == nil {
				findings = append(findings, taskFindings(&t)...)
			}
		}
	}
	return findings, nil
}

func pipelineFindings(p *tektonv1.Pipeline) []detect.Finding {
	var findings []detect.Finding
	if p.Spec.Timeouts == nil {
		findings = append(findings, detect.Finding{
			Kind:     domain.KindOther,
			Severity: domain.SeverityMedium,
			Message:  fmt.Sprintf("pipeline %q declares no timeouts; a stuck task run can hang indefinitely", p.Name),
		})
	}
	for _, param := range p.Spec.Params {
		if param.Default == nil {
			findings = append(findings, detect.Finding{
				Kind:     domain.KindOther,
				Severity: domain.SeverityLow,
				Message:  fmt.Sprintf("pipeline %q parameter %q has no default", p.Name, param.Name),
			})
		}
	}
	return findings
}

func taskFindings(t *tektonv1.Task) []detect.Finding {
	var findings []detect.Finding
	undefaulted := map[string]bool{}
	for _, param := range t.Spec.Params {
		if param.Default == nil {
			undefaulted[param.Name] = true
		}
	}
	for _, step := range t.Spec.Steps {
		if step.Script == "" {
			continue
		}
		for name := range undefaulted {
			if strings.Contains(step.Script, "$(params."+name+")") {
				findings = append(findings, detect.Finding{
					Kind:     domain.KindOther,
					Severity: domain.SeverityHigh,
					Message:  fmt.Sprintf("task %q step %q script references undefaulted param %q", t.Name, step.Name, name),
				})
			}
		}
	}
	return findings
}
