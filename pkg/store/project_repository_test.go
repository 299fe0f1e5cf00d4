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

package store

import (
	"context"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codeguard-dev/codeguard/internal/logging"
	"github.com/codeguard-dev/codeguard/pkg/domain"
)

var _ = Describe("ProjectRepository", func() {
	var (
		repo   *ProjectRepository
		mockDB sqlmock.Sqlmock
		ctx    context.Context
	)

	BeforeEach(func() {
		rawDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).NotTo(HaveOccurred())
		db := sqlx.NewDb(rawDB, "postgres")
		repo = NewProjectRepository(db, logging.NoOp())
		mockDB = mock
		ctx = context.Background()
	})

	Describe("Create", func() {
		It("defaults default_branch to main when unset", func() {
			mockDB.ExpectExec(`INSERT INTO projects`).
				WithArgs(sqlmock.AnyArg(), "tenant-1", "demo", "https://example.com/demo.git", "main", "", 0.0).
				WillReturnResult(sqlmock.NewResult(1, 1))

			id, err := repo.Create(ctx, &domain.Project{
				TenantID:      "tenant-1",
				DisplayName:   "demo",
				RepositoryURL: "https://example.com/demo.git",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(id).NotTo(BeEmpty())
		})
	})

	Describe("EffectiveAutoApplyThreshold", func() {
		It("uses the project override when set", func() {
			p := &domain.Project{AutoApplyThreshold: 0.9}
			Expect(EffectiveAutoApplyThreshold(p, 0.8)).To(Equal(0.9))
		})

		It("falls back to the orchestrator default when unset", func() {
			p := &domain.Project{}
			Expect(EffectiveAutoApplyThreshold(p, 0.8)).To(Equal(0.8))
		})
	})
})
