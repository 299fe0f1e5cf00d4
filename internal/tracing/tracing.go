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

// Package tracing supplies the OpenTelemetry tracer used to emit one
// span per orchestrator stage (SPEC_FULL.md §4.4 tech binding).
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope for every span this module
// emits; a single name keeps trace backends from fragmenting spans
// across many scopes for what is, conceptually, one pipeline.
const TracerName = "github.com/codeguard-dev/codeguard/orchestrator"

// Tracer returns the global tracer for the orchestrator scope. Tests
// that don't configure a TracerProvider get otel's no-op tracer, which
// is safe to call unconditionally.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartStage begins a span for one of the ten orchestrator stages,
// tagged with the issue id so spans for the same issue can be
// correlated across stage boundaries even though each stage may run in
// a different job/worker invocation.
func StartStage(ctx context.Context, stage string, issueID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "orchestrator."+stage,
		trace.WithAttributes(
			attribute.String("issue_id", issueID),
			attribute.String("stage", stage),
		),
	)
}
