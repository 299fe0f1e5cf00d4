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
	"regexp"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/yaml"

	"github.com/codeguard-dev/codeguard/pkg/detect"
	"github.com/codeguard-dev/codeguard/pkg/domain"
)

const idK8sManifest = "k8s-manifest"

// yamlDocSep splits a multi-document YAML file on its "---"
// separators; shared with the tekton-pipeline detector.
var yamlDocSep = regexp.MustCompile(`(?m)^---\s*$`)

// workloadKinds are the pod-template-carrying kinds this detector
// knows how to reach into.
var workloadKinds = map[string]bool{
	"Pod": true, "Deployment": true, "StatefulSet": true,
	"DaemonSet": true, "Job": true, "CronJob": true,
}

// K8sManifest flags common Kubernetes workload smells: missing
// resource limits, no liveness or readiness probe, and hostNetwork
// enabled.
type K8sManifest struct{}

// NewK8sManifest constructs the k8s-manifest detector.
func NewK8sManifest() *K8sManifest { return &K8sManifest{} }

func (*K8sManifest) ID() string { return idK8sManifest }

func (*K8sManifest) Kinds() []domain.IssueKind {
	return []domain.IssueKind{domain.KindSecurity, domain.KindOther}
}

func (*K8sManifest) Detect(_ context.Context, file detect.FileInput) ([]detect.Finding, error) {
	if !isYAMLManifest(file.Path) {
		return nil, nil
	}
	var findings []detect.Finding
	for _, doc := range yamlDocSep.Split(string(file.Content), -1) {
		doc = strings.TrimSpace(doc)
		if doc == "" {
			continue
		}
		var raw map[string]any
		if err := yaml.Unmarshal([]byte(doc), &raw); err != nil || raw == nil {
			continue
		}
		u := &unstructured.Unstructured{Object: raw}
		kind := u.GetKind()
		if !workloadKinds[kind] {
			continue
		}
		findings = append(findings, podSpecFindings(u, kind)...)
	}
	return findings, nil
}

func isYAMLManifest(path string) bool {
	return strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")
}

func podSpecFindings(u *unstructured.Unstructured, kind string) []detect.Finding {
	path := []string{"spec"}
	if kind != "Pod" {
		path = []string{"spec", "template", "spec"}
	}
	podSpec, found, err := unstructured.NestedMap(u.Object, path...)
	if err != nil || !found {
		return nil
	}

	var findings []detect.Finding
	if hostNetwork, found, _ := unstructured.NestedBool(podSpec, "hostNetwork"); found && hostNetwork {
		findings = append(findings, detect.Finding{
			Kind:     domain.KindSecurity,
			Severity: domain.SeverityHigh,
			Message:  fmt.Sprintf("%s %q sets hostNetwork: true", kind, u.GetName()),
		})
	}

	containers, found, _ := unstructured.NestedSlice(podSpec, "containers")
	if !found {
		return findings
	}
	for _, raw := range containers {
		c, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _, _ := unstructured.NestedString(c, "name")

		if _, hasLimits, _ := unstructured.NestedMap(c, "resources", "limits"); !hasLimits {
			findings = append(findings, detect.Finding{
				Kind:     domain.KindOther,
				Severity: domain.SeverityMedium,
				Message:  fmt.Sprintf("container %q in %s %q has no resource limits", name, kind, u.GetName()),
			})
		}
		_, hasLiveness, _ := unstructured.NestedMap(c, "livenessProbe")
		_, hasReadiness, _ := unstructured.NestedMap(c, "readinessProbe")
		if !hasLiveness && !hasReadiness {
			findings = append(findings, detect.Finding{
				Kind:     domain.KindOther,
				Severity: domain.SeverityLow,
				Message:  fmt.Sprintf("container %q in %s %q has neither a liveness nor readiness probe", name, kind, u.GetName()),
			})
		}
	}
	return findings
}
