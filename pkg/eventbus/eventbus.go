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

// Package eventbus breaks the cyclic import spec.md's Design Notes call
// out: the fix orchestrator (C8) and the learning subsystem (C10) would
// otherwise import each other directly. The orchestrator emits
// fix_applied / fix_rolled_back / pattern_updated; learning subscribes.
//
// Dispatch is in-process and synchronous — Publish calls every
// subscriber on the caller's own goroutine before returning — so a
// learning handler can do its write inside the same *sql.Tx the
// orchestrator is holding for the fix record update, keeping the two
// atomic per spec.md's "Design Notes" event-bus entry. This is a
// deliberate departure from the teacher pack's channel-based
// "GlassBoxEventBus" idiom (internal/transparency/event_bus.go in the
// wider pack): a buffered-channel dispatch decouples emit from handle
// in time, which is exactly what transactional atomicity rules out
// here, so the bus below borrows that file's subscriber-registry shape
// (a guarded slice, register/unregister) but calls handlers directly
// instead of posting to channels.
package eventbus

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
)

// Topic is the closed set of events the orchestrator emits.
type Topic string

const (
	TopicFixApplied      Topic = "fix_applied"
	TopicFixRolledBack   Topic = "fix_rolled_back"
	TopicFixVerifyFailed Topic = "fix_verify_failed"
	TopicPatternUpdated  Topic = "pattern_updated"
)

// FixAppliedEvent carries what stage 9 (apply) knows about an applied
// fix — everything pkg/learning needs to credit the pattern, the
// calibration bucket, and any expert guides consulted, without
// importing pkg/orchestrator to get it.
type FixAppliedEvent struct {
	FixRecordID      string
	IssueID          string
	ProjectID        string
	Generator        string
	Kind             string
	Fingerprint      string
	RawConfidence    float64
	ExpertsConsulted []string
}

// FixRolledBackEvent carries what stage 10 (monitor) knows when it
// decides to roll a fix back.
type FixRolledBackEvent struct {
	FixRecordID      string
	IssueID          string
	ProjectID        string
	Generator        string
	Kind             string
	Fingerprint      string
	RawConfidence    float64
	ExpertsConsulted []string
	Reason           string
}

// FixVerifyFailedEvent carries what stage 6's gate chain knows when it
// rejects a candidate patch: the run aborts decision=skip before it
// ever reaches stage 9, so there is no generator/kind calibration
// observation or expert guide usage to record — the fingerprint's
// pattern is the only thing a verify failure can still teach.
type FixVerifyFailedEvent struct {
	IssueID       string
	ProjectID     string
	Generator     string
	Kind          string
	Fingerprint   string
	RawConfidence float64
	Reason        string
}

// PatternUpdatedEvent is emitted whenever a pattern's success/failure
// counts change, so cross-process listeners (e.g. a second API
// replica) can invalidate any cache of that pattern without polling.
type PatternUpdatedEvent struct {
	Fingerprint string
	Confidence  float64
	Deprecated  bool
}

// Handler processes one event. A non-nil error is logged by Publish
// but never stops the remaining handlers from running — one
// misbehaving subscriber must not block the others or the publisher.
type Handler func(ctx context.Context, event any) error

// Bus is a synchronous, in-process publish/subscribe dispatcher keyed
// by Topic.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic][]Handler
	logger   logr.Logger
}

// New constructs an empty Bus.
func New(logger logr.Logger) *Bus {
	return &Bus{
		handlers: make(map[Topic][]Handler),
		logger:   logger,
	}
}

// Subscribe registers handler to run, in registration order, every
// time Publish is called for topic.
func (b *Bus) Subscribe(topic Topic, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}

// Publish calls every handler registered for topic, synchronously, in
// registration order, on the calling goroutine. A handler's error is
// logged and collected but does not prevent the next handler from
// running; Publish returns the first error encountered, if any, after
// every handler has had a chance to run.
func (b *Bus) Publish(ctx context.Context, topic Topic, event any) error {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[topic]))
	copy(handlers, b.handlers[topic])
	b.mu.RUnlock()

	var firstErr error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			b.logger.Error(err, "event handler failed", "topic", string(topic))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// SubscriberCount reports how many handlers are registered for topic,
// mainly for tests and health checks.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic])
}
