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
	"context"
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codeguard-dev/codeguard/internal/logging"
	"github.com/codeguard-dev/codeguard/pkg/domain"
	"github.com/codeguard-dev/codeguard/pkg/fixgen"
)

func TestExperts(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Experts Suite")
}

type fakeGuideStore struct {
	active map[string]*domain.ExpertGuide
	created []*domain.ExpertGuide
	revised []string
}

func newFakeGuideStore() *fakeGuideStore {
	return &fakeGuideStore{active: map[string]*domain.ExpertGuide{}}
}

func (s *fakeGuideStore) Active(ctx context.Context, projectID, kind string) (*domain.ExpertGuide, error) {
	return s.active[projectID+":"+kind], nil
}

func (s *fakeGuideStore) Create(ctx context.Context, guide *domain.ExpertGuide) (string, error) {
	s.created = append(s.created, guide)
	s.active[guide.ProjectID+":"+guide.Kind] = guide
	return "guide-1", nil
}

func (s *fakeGuideStore) Revise(ctx context.Context, projectID, kind, newBody string, qualityScore float64) (*domain.ExpertGuide, error) {
	s.revised = append(s.revised, projectID+":"+kind)
	guide := &domain.ExpertGuide{ProjectID: projectID, Kind: kind, Body: newBody, QualityScore: qualityScore}
	s.active[projectID+":"+kind] = guide
	return guide, nil
}

type fakeModelClient struct{ calls int }

func (f *fakeModelClient) Name() string { return "fake" }

func (f *fakeModelClient) GenerateFix(ctx context.Context, req fixgen.ModelRequest) (*fixgen.ModelResponse, error) {
	f.calls++
	return &fixgen.ModelResponse{Patch: "generated guide body", Confidence: 0.6}, nil
}

var _ = Describe("ProfileStack", func() {
	It("detects go, docker, and kubernetes stacks from manifest files", func() {
		root := GinkgoT().TempDir()
		Expect(os.WriteFile(filepath.Join(root, "go.mod"), []byte("module example\n"), 0o644)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(root, "Dockerfile"), []byte("FROM golang\n"), 0o644)).To(Succeed())
		manifest := "apiVersion: apps/v1\nkind: Deployment\nmetadata:\n  name: widget\n"
		Expect(os.WriteFile(filepath.Join(root, "deploy.yaml"), []byte(manifest), 0o644)).To(Succeed())

		meta, err := ProfileStack(root)
		Expect(err).NotTo(HaveOccurred())
		Expect(meta.Stacks).To(ConsistOf("go", "docker", "kubernetes"))
	})

	It("detects a tekton pipeline by its apiVersion", func() {
		root := GinkgoT().TempDir()
		pipeline := "apiVersion: tekton.dev/v1\nkind: Pipeline\nmetadata:\n  name: build\n"
		Expect(os.WriteFile(filepath.Join(root, "pipeline.yaml"), []byte(pipeline), 0o644)).To(Succeed())

		meta, err := ProfileStack(root)
		Expect(err).NotTo(HaveOccurred())
		Expect(meta.Stacks).To(ConsistOf("tekton"))
	})

	It("never descends into vendor directories", func() {
		root := GinkgoT().TempDir()
		Expect(os.MkdirAll(filepath.Join(root, "vendor", "example.com", "dep"), 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(root, "vendor", "example.com", "dep", "go.mod"), []byte("module dep\n"), 0o644)).To(Succeed())

		meta, err := ProfileStack(root)
		Expect(err).NotTo(HaveOccurred())
		Expect(meta.Stacks).To(BeEmpty())
	})

	It("returns no error and no stacks for a nonexistent root", func() {
		meta, err := ProfileStack(filepath.Join(GinkgoT().TempDir(), "missing"))
		Expect(err).NotTo(HaveOccurred())
		Expect(meta.Stacks).To(BeEmpty())
	})
})

var _ = Describe("Onboarder", func() {
	var (
		ctx     context.Context
		root    string
		project *domain.Project
	)

	BeforeEach(func() {
		ctx = context.Background()
		base := GinkgoT().TempDir()
		project = &domain.Project{ID: "proj-1", TenantID: "tenant-1"}
		root = filepath.Join(base, project.ID)
		Expect(os.MkdirAll(root, 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(root, "go.mod"), []byte("module example\n"), 0o644)).To(Succeed())
	})

	Describe("Onboard", func() {
		It("creates one guide per issue kind", func() {
			guides := newFakeGuideStore()
			model := &fakeModelClient{}
			o := New(guides, model, logging.NoOp(), Config{WorkspaceRoot: filepath.Dir(root)})

			Expect(o.Onboard(ctx, project)).To(Succeed())

			Expect(guides.created).To(HaveLen(len(allKinds)))
			Expect(model.calls).To(Equal(len(allKinds)))
		})

		It("does not overwrite a kind that already has an active guide", func() {
			guides := newFakeGuideStore()
			guides.active["proj-1:style"] = &domain.ExpertGuide{ProjectID: "proj-1", Kind: "style", Body: "existing"}
			model := &fakeModelClient{}
			o := New(guides, model, logging.NoOp(), Config{WorkspaceRoot: filepath.Dir(root)})

			Expect(o.Onboard(ctx, project)).To(Succeed())

			for _, g := range guides.created {
				Expect(g.Kind).NotTo(Equal("style"))
			}
		})
	})

	Describe("ReviseIfStale", func() {
		It("does nothing below the minimum usage count", func() {
			guides := newFakeGuideStore()
			guides.active["proj-1:style"] = &domain.ExpertGuide{
				ProjectID: "proj-1", Kind: "style", UsageCount: reviseMinUsage - 1, SuccessCount: 0,
			}
			model := &fakeModelClient{}
			o := New(guides, model, logging.NoOp(), Config{WorkspaceRoot: filepath.Dir(root)})

			revised, err := o.ReviseIfStale(ctx, project, domain.KindStyle)
			Expect(err).NotTo(HaveOccurred())
			Expect(revised).To(BeFalse())
			Expect(guides.revised).To(BeEmpty())
		})

		It("does nothing once usage is high but the success rate is healthy", func() {
			guides := newFakeGuideStore()
			guides.active["proj-1:style"] = &domain.ExpertGuide{
				ProjectID: "proj-1", Kind: "style", UsageCount: 20, SuccessCount: 16,
			}
			model := &fakeModelClient{}
			o := New(guides, model, logging.NoOp(), Config{WorkspaceRoot: filepath.Dir(root)})

			revised, err := o.ReviseIfStale(ctx, project, domain.KindStyle)
			Expect(err).NotTo(HaveOccurred())
			Expect(revised).To(BeFalse())
		})

		It("regenerates and supersedes a guide with a low success rate", func() {
			guides := newFakeGuideStore()
			guides.active["proj-1:style"] = &domain.ExpertGuide{
				ProjectID: "proj-1", Kind: "style", UsageCount: 20, SuccessCount: 2, Body: "stale",
			}
			model := &fakeModelClient{}
			o := New(guides, model, logging.NoOp(), Config{WorkspaceRoot: filepath.Dir(root)})

			revised, err := o.ReviseIfStale(ctx, project, domain.KindStyle)
			Expect(err).NotTo(HaveOccurred())
			Expect(revised).To(BeTrue())
			Expect(guides.revised).To(ConsistOf("proj-1:style"))
			Expect(guides.active["proj-1:style"].Body).To(Equal("generated guide body"))
		})
	})

	Describe("ProjectMeta", func() {
		It("profiles the project's checkout under WorkspaceRoot", func() {
			guides := newFakeGuideStore()
			model := &fakeModelClient{}
			o := New(guides, model, logging.NoOp(), Config{WorkspaceRoot: filepath.Dir(root)})

			meta, err := o.ProjectMeta(ctx, project.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(meta.Stacks).To(ContainElement("go"))
		})
	})
})
