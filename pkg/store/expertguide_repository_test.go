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
)

var _ = Describe("ExpertGuideRepository", func() {
	var (
		repo   *ExpertGuideRepository
		mockDB sqlmock.Sqlmock
		ctx    context.Context
	)

	BeforeEach(func() {
		rawDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).NotTo(HaveOccurred())
		db := sqlx.NewDb(rawDB, "postgres")
		repo = NewExpertGuideRepository(db, logging.NoOp())
		mockDB = mock
		ctx = context.Background()
	})

	Describe("Revise", func() {
		It("supersedes the active guide and inserts the next revision in one transaction", func() {
			mockDB.ExpectBegin()
			mockDB.ExpectQuery(`SELECT \* FROM expert_guides WHERE project_id = \$1 AND kind = \$2 AND NOT superseded FOR UPDATE`).
				WillReturnRows(sqlmock.NewRows([]string{
					"id", "project_id", "kind", "body", "quality_score", "usage_count",
					"success_count", "revision", "superseded", "created_at",
				}).AddRow("guide-1", "proj-1", "go-style", "old body", 0.6, 5, 3, 1, false, nowForTest()))
			mockDB.ExpectExec(`UPDATE expert_guides SET superseded = true`).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mockDB.ExpectExec(`INSERT INTO expert_guides`).
				WillReturnResult(sqlmock.NewResult(1, 1))
			mockDB.ExpectCommit()

			guide, err := repo.Revise(ctx, "proj-1", "go-style", "new body", 0.7)
			Expect(err).NotTo(HaveOccurred())
			Expect(guide.Revision).To(Equal(2))
			Expect(guide.Body).To(Equal("new body"))
			Expect(mockDB.ExpectationsWereMet()).To(Succeed())
		})

		It("fails when no guide is currently active", func() {
			mockDB.ExpectBegin()
			mockDB.ExpectQuery(`SELECT \* FROM expert_guides`).
				WillReturnError(sql_ErrNoRows())
			mockDB.ExpectRollback()

			_, err := repo.Revise(ctx, "proj-1", "go-style", "new body", 0.7)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("DecrementSuccess", func() {
		It("decrements the success counter for a rolled-back fix's consulted guide", func() {
			mockDB.ExpectExec(`UPDATE expert_guides SET success_count = GREATEST\(success_count - 1, 0\) WHERE id = \$1`).
				WithArgs("guide-1").
				WillReturnResult(sqlmock.NewResult(0, 1))

			err := repo.DecrementSuccess(ctx, "guide-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(mockDB.ExpectationsWereMet()).To(Succeed())
		})
	})
})
