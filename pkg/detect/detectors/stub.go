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

	"github.com/codeguard-dev/codeguard/pkg/detect"
	"github.com/codeguard-dev/codeguard/pkg/domain"
)

// Noop is a registry slot that never reports a finding. It reserves a
// detector id (and therefore an IssueKind) for a category the fleet
// doesn't yet have a real analyzer for — performance and architecture
// findings today come from the model during fix generation, not from
// a standalone detector — without the crawler treating the kind as
// unknown.
type Noop struct {
	id   string
	kind domain.IssueKind
}

// NewNoop constructs a placeholder detector for kind, registered under id.
func NewNoop(id string, kind domain.IssueKind) *Noop {
	return &Noop{id: id, kind: kind}
}

func (n *Noop) ID() string { return n.id }

func (n *Noop) Kinds() []domain.IssueKind { return []domain.IssueKind{n.kind} }

func (*Noop) Detect(context.Context, detect.FileInput) ([]detect.Finding, error) {
	return nil, nil
}
