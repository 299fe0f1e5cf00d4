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

// Package detectors holds the concrete Detector implementations the
// crawler registers: style, error-handling, security, k8s-manifest,
// tekton-pipeline, and no-op slots for kinds with no standalone
// analyzer yet.
package detectors

import (
	"github.com/codeguard-dev/codeguard/pkg/detect"
	"github.com/codeguard-dev/codeguard/pkg/domain"
	"github.com/codeguard-dev/codeguard/pkg/policy"
)

// RegisterAll wires every detector (real and no-op) into reg. p is the
// shared deny-list evaluator also used by the stage-6 verifier.
func RegisterAll(reg *detect.Registry, p *policy.Evaluator) {
	reg.Register(NewStyle())
	reg.Register(NewErrorHandling())
	reg.Register(NewSecurity(p))
	reg.Register(NewK8sManifest())
	reg.Register(NewTektonPipeline())
	reg.Register(NewNoop("performance", domain.KindPerformance))
	reg.Register(NewNoop("architecture", domain.KindArchitecture))
	reg.Register(NewNoop("other", domain.KindOther))
}
