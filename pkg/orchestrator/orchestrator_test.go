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

package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codeguard-dev/codeguard/internal/logging"
	"github.com/codeguard-dev/codeguard/pkg/detect"
	"github.com/codeguard-dev/codeguard/pkg/domain"
	"github.com/codeguard-dev/codeguard/pkg/eventbus"
	"github.com/codeguard-dev/codeguard/pkg/fixgen"
	"github.com/codeguard-dev/codeguard/pkg/learning"
	"github.com/codeguard-dev/codeguard/pkg/metrics"
	"github.com/codeguard-dev/codeguard/pkg/policy"
	"github.com/codeguard-dev/codeguard/pkg/verify"
)

func TestOrchestrator(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Orchestrator Suite")
}

// --- fakes, one per narrow interface -------------------------------------

type fakeIssueStore struct {
	transitions []transition
	failNext    error
}

type transition struct {
	id, fixID, actor, reason string
	status                   domain.ReviewStatus
}

func (f *fakeIssueStore) TransitionIssue(_ context.Context, id string, newStatus domain.ReviewStatus, fixID, actor, reason string) error {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.transitions = append(f.transitions, transition{id: id, status: newStatus, fixID: fixID, actor: actor, reason: reason})
	return nil
}

type fakeFixRecordStore struct {
	records         map[string]*domain.FixRecord
	nextID          int
	regressionCalls int
}

func newFakeFixRecordStore() *fakeFixRecordStore {
	return &fakeFixRecordStore{records: map[string]*domain.FixRecord{}}
}

func (f *fakeFixRecordStore) Append(_ context.Context, fr *domain.FixRecord) (string, error) {
	f.nextID++
	id := string(rune('a' + f.nextID))
	cp := *fr
	cp.ID = id
	f.records[id] = &cp
	return id, nil
}

func (f *fakeFixRecordStore) SetOutcome(_ context.Context, id string, outcome domain.Outcome, rollback bool) error {
	rec, ok := f.records[id]
	if !ok {
		return nil
	}
	rec.Outcome = outcome
	rec.Rollback = rollback
	return nil
}

func (f *fakeFixRecordStore) MarkRegression(_ context.Context, id string) error {
	f.regressionCalls++
	rec, ok := f.records[id]
	if !ok {
		return nil
	}
	rec.Outcome = domain.OutcomeRegression
	rec.Rollback = true
	return nil
}

func (f *fakeFixRecordStore) ListByIssue(_ context.Context, issueID string) ([]*domain.FixRecord, error) {
	var out []*domain.FixRecord
	for _, r := range f.records {
		if r.IssueID == issueID {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakePatterns struct {
	pattern *domain.Pattern
}

func (f *fakePatterns) GetPattern(_ context.Context, _ string) (*domain.Pattern, error) {
	return f.pattern, nil
}

// fakePatternStore is a read-write in-memory pattern store, shared
// between the orchestrator (as a PatternReader) and a real
// learning.Recorder (as its PatternStore) so a run's fix_verify_failed
// event and the next run's stage 1/3 pattern reads see the same
// fingerprint — exactly as the production wiring shares one
// *store.PatternRepository between both packages via the event bus.
type fakePatternStore struct {
	patterns map[string]*domain.Pattern
}

func newFakePatternStore() *fakePatternStore {
	return &fakePatternStore{patterns: map[string]*domain.Pattern{}}
}

func (f *fakePatternStore) GetPattern(_ context.Context, fingerprint string) (*domain.Pattern, error) {
	return f.patterns[fingerprint], nil
}

func (f *fakePatternStore) UpsertPattern(_ context.Context, fingerprint string, deltaSuccess, deltaFailure int, representativePatch string) (*domain.Pattern, error) {
	p, ok := f.patterns[fingerprint]
	if !ok {
		p = &domain.Pattern{Fingerprint: fingerprint}
		f.patterns[fingerprint] = p
	}
	p.SuccessCount += deltaSuccess
	p.FailureCount += deltaFailure
	p.OccurrenceCount++
	if representativePatch != "" {
		p.RepresentativeFix = representativePatch
	}
	p.Recompute()
	return p, nil
}

type fakeCalibration struct {
	bucket *domain.CalibrationBucket
}

func (f *fakeCalibration) Get(_ context.Context, _ domain.Generator, _ domain.IssueKind) (*domain.CalibrationBucket, error) {
	return f.bucket, nil
}

type fakeHealth struct {
	snapshot *domain.HealthSnapshot
}

func (f *fakeHealth) Latest(_ context.Context, _, _ string) (*domain.HealthSnapshot, error) {
	return f.snapshot, nil
}

type fakeGenerator struct {
	result *fixgen.Result
	err    error
}

func (f *fakeGenerator) GenerateFix(_ context.Context, _ string, _ *domain.Issue, _ string) (*fixgen.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

// fakeMonitorStore is an in-memory stand-in for *cache.Cache, ignoring TTL
// (no test here waits real wall-clock time for a TTL to matter).
type fakeMonitorStore struct {
	data map[string]string
}

func newFakeMonitorStore() *fakeMonitorStore {
	return &fakeMonitorStore{data: map[string]string{}}
}

func (f *fakeMonitorStore) Set(_ context.Context, key, value string, _ time.Duration) error {
	f.data[key] = value
	return nil
}

func (f *fakeMonitorStore) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeMonitorStore) Del(_ context.Context, key string) error {
	delete(f.data, key)
	return nil
}

type fakeJobs struct {
	enqueued []enqueuedJob
}

type enqueuedJob struct {
	queue   string
	payload json.RawMessage
}

func (f *fakeJobs) Enqueue(_ context.Context, queueName string, payload json.RawMessage, _, _ int) (string, error) {
	f.enqueued = append(f.enqueued, enqueuedJob{queue: queueName, payload: payload})
	return "job-1", nil
}

// --- test fixture ---------------------------------------------------------

const sourceFile = "widget.go"

// sourceContent is a minimal, validly-parsing Go file; the issue sits on
// the line naming badName, and the generator's candidate patch renames it,
// well inside the verifier's line window.
const sourceContent = `package widget

func Compute() int {
	badName := 41
	return badName + 1
}
`

const patchedContent = `package widget

func Compute() int {
	goodName := 41
	return goodName + 1
}
`

func writeProjectFile(root, content string) {
	Expect(os.WriteFile(filepath.Join(root, sourceFile), []byte(content), 0o644)).To(Succeed())
}

// testConfig flattens the review-cost table so a moderate-confidence
// pattern on a medium-severity issue clears stage 3's cost-benefit gate
// and stage 8's risk cap without needing an implausibly cheap risk
// estimate — DefaultConfig's review-minutes table is tuned for a real
// fleet of projects, not a single-file fixture.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReviewMinutesBySeverity = map[domain.Severity]float64{
		domain.SeverityCritical: 0,
		domain.SeverityHigh:     0,
		domain.SeverityMedium:   0,
		domain.SeverityLow:      0,
	}
	cfg.GenerationCostMinutes = 1
	return cfg
}

var _ = Describe("Orchestrator", func() {
	var (
		root        string
		issues      *fakeIssueStore
		fixRecords  *fakeFixRecordStore
		patterns    *fakePatterns
		calibration *fakeCalibration
		health      *fakeHealth
		detectors   *detect.Registry
		generator   *fakeGenerator
		verifier    *verify.Verifier
		monitor     *fakeMonitorStore
		jobs        *fakeJobs
		bus         *eventbus.Bus
		reg         *metrics.Registry
		orch        *Orchestrator
		issue       *domain.Issue
	)

	BeforeEach(func() {
		root = GinkgoT().TempDir()
		writeProjectFile(root, sourceContent)

		issues = &fakeIssueStore{}
		fixRecords = newFakeFixRecordStore()
		patterns = &fakePatterns{}
		calibration = &fakeCalibration{bucket: &domain.CalibrationBucket{CorrectionFactor: 1.0}}
		health = &fakeHealth{}
		detectors = detect.NewRegistry()
		generator = &fakeGenerator{result: &fixgen.Result{
			Generator:        domain.GeneratorModel,
			Patch:            patchedContent,
			RawConfidence:    0.9,
			ExpertsConsulted: nil,
		}}
		ev, err := policy.NewEvaluator(context.Background())
		Expect(err).NotTo(HaveOccurred())
		verifier = verify.NewVerifier(ev)
		monitor = newFakeMonitorStore()
		jobs = &fakeJobs{}
		bus = eventbus.New(logging.NoOp())
		reg = metrics.New(prometheus.NewRegistry())

		orch = New(issues, fixRecords, patterns, calibration, health, detectors,
			generator, verifier, monitor, jobs, bus, reg, logging.NoOp(), testConfig())

		issue = &domain.Issue{
			ID:          "issue-1",
			ProjectID:   "proj-1",
			Path:        sourceFile,
			Line:        4,
			Kind:        domain.KindStyle,
			Severity:    domain.SeverityMedium,
			Message:     "variable name is not idiomatic",
			Fingerprint: "fp-1",
			Status:      domain.StatusPending,
			DetectorID:  "style-naming",
		}
		// A confident, non-deprecated pattern: enough to clear stage 1's
		// prioritize and stage 3's cost-benefit gate, but still below
		// stage 8's 0.80 apply threshold on its own (0.9 raw confidence is
		// what gets it there, via stage 5's identity correction factor).
		patterns.pattern = &domain.Pattern{Fingerprint: "fp-1", Confidence: 0.9}
	})

	Context("S1: happy-path apply", func() {
		It("applies the patch, resolves the issue, and finalizes outcome=success", func() {
			fr, err := orch.Run(context.Background(), Input{Issue: issue, ProjectRoot: root, Actor: "codeguard-bot"})
			Expect(err).NotTo(HaveOccurred())
			Expect(fr.Decision).To(Equal(domain.DecisionApply))
			Expect(fr.Applied).To(BeTrue())
			Expect(fr.Outcome).To(Equal(domain.OutcomeSuccess))

			Expect(issues.transitions).To(HaveLen(2))
			Expect(issues.transitions[0].status).To(Equal(domain.StatusApproved))
			Expect(issues.transitions[1].status).To(Equal(domain.StatusResolved))

			on, readErr := os.ReadFile(filepath.Join(root, sourceFile))
			Expect(readErr).NotTo(HaveOccurred())
			Expect(string(on)).To(Equal(patchedContent))

			Expect(reg).NotTo(BeNil())
		})
	})

	Context("S2: stale hash at apply", func() {
		It("defers with reason stale, leaves the file and the issue untouched", func() {
			// Simulate an external edit landing between generation (stage 4,
			// which hashes the file) and apply (stage 9, which re-reads and
			// compares): wrap the generator so the file changes on disk the
			// moment stage 4 is done with it, faithfully reproducing the race
			// within a single synchronous Run call.
			external := "package widget\n\nfunc Compute() int {\n\tbadName := 99\n\treturn badName + 1\n}\n"
			orch.generator = &mutatingGenerator{inner: generator, root: root, newContent: external}

			fr, err := orch.Run(context.Background(), Input{Issue: issue, ProjectRoot: root, Actor: "codeguard-bot"})
			Expect(err).NotTo(HaveOccurred())
			Expect(fr.Decision).To(Equal(domain.DecisionDefer))
			Expect(fr.DecisionReason).To(ContainSubstring("stale"))

			on, readErr := os.ReadFile(filepath.Join(root, sourceFile))
			Expect(readErr).NotTo(HaveOccurred())
			Expect(string(on)).To(Equal(external))

			Expect(issues.transitions).To(BeEmpty())
		})
	})

	Context("S4: regression rollback", func() {
		It("restores the file, marks regression once, and enqueues a critical notification", func() {
			fr, err := orch.Run(context.Background(), Input{Issue: issue, ProjectRoot: root, Actor: "codeguard-bot"})
			Expect(err).NotTo(HaveOccurred())
			Expect(fr.Outcome).To(Equal(domain.OutcomeSuccess))

			outcome, err := orch.CheckRegression(context.Background(), fr.ID, RegressionSignal{Regressed: true, Reason: "error rate regression"})
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(domain.OutcomeRegression))

			on, readErr := os.ReadFile(filepath.Join(root, sourceFile))
			Expect(readErr).NotTo(HaveOccurred())
			Expect(string(on)).To(Equal(sourceContent))

			Expect(fixRecords.regressionCalls).To(Equal(1))
			Expect(fixRecords.records[fr.ID].Outcome).To(Equal(domain.OutcomeRegression))

			Expect(jobs.enqueued).To(HaveLen(1))
			Expect(jobs.enqueued[0].queue).To(Equal("notification"))
			var payload notificationPayload
			Expect(json.Unmarshal(jobs.enqueued[0].payload, &payload)).To(Succeed())
			Expect(payload.Severity).To(Equal("critical"))
			Expect(payload.FixRecordID).To(Equal(fr.ID))
		})
	})

	Context("stage 1: prioritize drops a deprecated, low-severity pattern", func() {
		It("skips without transitioning the issue", func() {
			issue.Severity = domain.SeverityLow
			patterns.pattern = &domain.Pattern{Fingerprint: "fp-1", Deprecated: true}

			fr, err := orch.Run(context.Background(), Input{Issue: issue, ProjectRoot: root, Actor: "codeguard-bot"})
			Expect(err).NotTo(HaveOccurred())
			Expect(fr.Decision).To(Equal(domain.DecisionSkip))
			Expect(issues.transitions).To(BeEmpty())
		})
	})

	Context("S3: a verifier that never passes deprecates its pattern", func() {
		It("skips every run, debits fingerprint F2 ten times, and deprecates it", func() {
			// The orchestrator's PatternReader and the learning Recorder's
			// PatternStore are the same fake store here, exactly as
			// cmd/crawler-worker wires one *store.PatternRepository into
			// both via the event bus — so each run's fix_verify_failed
			// event is visible to the next run's stage 1/3 pattern reads.
			patternStore := newFakePatternStore()
			bus2 := eventbus.New(logging.NoOp())
			learning.New(patternStore, nil, nil, bus2, logging.NoOp()).RegisterSubscriptions()

			// A candidate patch identical to the file's current content
			// fails verify gate (a) ("patch makes no change to the file")
			// on every run, deterministically, without needing a policy
			// or recheck failure.
			noopGenerator := &fakeGenerator{result: &fixgen.Result{
				Generator:     domain.GeneratorModel,
				Patch:         sourceContent,
				RawConfidence: 0.9,
			}}

			// A small flat cost keeps stage 3's ratio above 1 even as the
			// fingerprint's confidence falls toward its Laplace floor over
			// ten straight failures (worst case, run 10: benefit
			// 2*(1/11)=0.18, ratio 1.8) — this scenario exercises stage 6
			// and its pattern-failure side effect, not stage 3's tuning.
			s3Cfg := testConfig()
			s3Cfg.GenerationCostMinutes = 0.1
			failingOrch := New(issues, fixRecords, patternStore, calibration, health, detectors,
				noopGenerator, verifier, monitor, jobs, bus2, reg, logging.NoOp(), s3Cfg)

			s3Issue := &domain.Issue{
				ID: "issue-f2", ProjectID: "proj-1", Path: sourceFile, Line: 4,
				Kind: domain.KindStyle, Severity: domain.SeverityMedium,
				Message: "variable name is not idiomatic", Fingerprint: "fp-f2",
				Status: domain.StatusPending, DetectorID: "style-naming",
			}

			for i := 0; i < 10; i++ {
				fr, err := failingOrch.Run(context.Background(), Input{Issue: s3Issue, ProjectRoot: root, Actor: "codeguard-bot"})
				Expect(err).NotTo(HaveOccurred())
				Expect(fr.Decision).To(Equal(domain.DecisionSkip))
				Expect(fr.VerifierVerdict).To(ContainSubstring("fail:"))
			}

			pattern := patternStore.patterns["fp-f2"]
			Expect(pattern).NotTo(BeNil())
			Expect(pattern.FailureCount).To(Equal(10))
			Expect(pattern.SuccessCount).To(Equal(0))
			Expect(pattern.Confidence).To(BeNumerically("~", 1.0/12.0, 1e-9))
			Expect(pattern.Deprecated).To(BeTrue())

			// A verify failure never reaches stage 9, so nothing ever
			// transitions the issue away from pending.
			Expect(issues.transitions).To(BeEmpty())
		})
	})
})

// mutatingGenerator wraps a FixGenerator and mutates the project file on
// disk right after delegating, reproducing the "external edit lands between
// generation and apply" race S2 describes without needing two Run calls.
type mutatingGenerator struct {
	inner      FixGenerator
	root       string
	newContent string
}

func (m *mutatingGenerator) GenerateFix(ctx context.Context, tenantID string, issue *domain.Issue, fileSlice string) (*fixgen.Result, error) {
	result, err := m.inner.GenerateFix(ctx, tenantID, issue, fileSlice)
	if err != nil {
		return nil, err
	}
	if writeErr := os.WriteFile(filepath.Join(m.root, issue.Path), []byte(m.newContent), 0o644); writeErr != nil {
		return nil, writeErr
	}
	return result, nil
}
