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
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/codeguard-dev/codeguard/pkg/detect"
)

// skipDirs are never descended into: vendor trees and VCS/dependency
// caches carry manifest-shaped files (a vendored go.mod, a nested
// node_modules/package.json) that say nothing about the project's own
// stack.
var skipDirs = map[string]bool{
	".git": true, "vendor": true, "node_modules": true, ".terraform": true,
}

// maxManifestBytes bounds how much of a candidate YAML file is parsed
// for a kind/apiVersion sniff — onboarding only needs the document
// header, not a full manifest read.
const maxManifestBytes = 1 << 20 // 1 MiB

// ProfileStack walks a project's checkout and derives the tech-stack
// tags detect.ProjectMeta carries. It implements spec.md §4.7's
// "tech-stack profiling on project onboarding walks manifest files...
// to derive expert kinds" by checking for each stack's canonical
// manifest file, rather than attempting full dependency-graph
// analysis — the crawler's detectors only need to know "is this a Go
// project", "is this Kubernetes-native", not the exact version
// lattice.
func ProfileStack(root string) (detect.ProjectMeta, error) {
	stacks := map[string]bool{}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}

		switch name := d.Name(); {
		case name == "go.mod":
			stacks["go"] = true
		case name == "package.json":
			stacks["nodejs"] = true
		case name == "requirements.txt", name == "pyproject.toml":
			stacks["python"] = true
		case strings.HasPrefix(name, "Dockerfile"), name == "docker-compose.yml", name == "docker-compose.yaml":
			stacks["docker"] = true
		case strings.HasSuffix(name, ".yaml"), strings.HasSuffix(name, ".yml"):
			sniffYAMLStack(path, stacks)
		}
		return nil
	})
	if err != nil {
		return detect.ProjectMeta{}, err
	}

	meta := detect.ProjectMeta{}
	for _, s := range []string{"go", "nodejs", "python", "docker", "kubernetes", "tekton"} {
		if stacks[s] {
			meta.Stacks = append(meta.Stacks, s)
		}
	}
	return meta, nil
}

type manifestHeader struct {
	APIVersion string `json:"apiVersion"`
	Kind       string `json:"kind"`
}

// sniffYAMLStack reads just enough of a YAML file's first document to
// tell a Kubernetes workload manifest from a Tekton Pipeline/Task from
// an unrelated YAML file (CI config, Helm values, etc).
func sniffYAMLStack(path string, stacks map[string]bool) {
	info, err := os.Stat(path)
	if err != nil || info.Size() > maxManifestBytes {
		return
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return
	}

	var header manifestHeader
	if err := yaml.Unmarshal(content, &header); err != nil || header.Kind == "" {
		return
	}
	if strings.Contains(header.APIVersion, "tekton.dev") {
		stacks["tekton"] = true
		return
	}
	if workloadKinds[header.Kind] {
		stacks["kubernetes"] = true
	}
}

// workloadKinds mirrors the k8s-manifest detector's own workload-kind
// set (pkg/detect/detectors): the same definition of "this YAML file
// describes a Kubernetes workload" should hold for both profiling and
// detection, even though the two packages don't share code directly
// to avoid a detect-package → experts-package dependency neither
// otherwise needs.
var workloadKinds = map[string]bool{
	"Pod": true, "Deployment": true, "StatefulSet": true,
	"DaemonSet": true, "Job": true, "CronJob": true,
}
