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

var _ = Describe("FixRecordRepository", func() {
	var (
		repo   *FixRecordRepository
		mockDB sqlmock.Sqlmock
		ctx    context.Context
	)

	BeforeEach(func() {
		rawDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).NotTo(HaveOccurred())
		db := sqlx.NewDb(rawDB, "postgres")
		repo = NewFixRecordRepository(db, logging.NoOp())
		mockDB = mock
		ctx = context.Background()
	})

	Describe("Append", func() {
		It("inserts a new fix record and returns its id", func() {
			mockDB.ExpectExec(`INSERT INTO fix_records`).
				WillReturnResult(sqlmock.NewResult(1, 1))

			id, err := repo.Append(ctx, &domain.FixRecord{
				IssueID:   "issue-1",
				Generator: domain.GeneratorPattern,
				Decision:  domain.DecisionApply,
				Outcome:   domain.OutcomeUnknown,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(id).NotTo(BeEmpty())
			Expect(mockDB.ExpectationsWereMet()).To(Succeed())
		})
	})

	Describe("SetOutcome", func() {
		Context("when the outcome has never been set", func() {
			It("sets it and succeeds", func() {
				mockDB.ExpectExec(`UPDATE fix_records SET outcome`).
					WillReturnResult(sqlmock.NewResult(0, 1))

				err := repo.SetOutcome(ctx, "fix-1", domain.OutcomeSuccess, false)
				Expect(err).NotTo(HaveOccurred())
			})
		})

		Context("when the outcome was already set", func() {
			It("fails without silently overwriting", func() {
				mockDB.ExpectExec(`UPDATE fix_records SET outcome`).
					WillReturnResult(sqlmock.NewResult(0, 0))

				err := repo.SetOutcome(ctx, "fix-1", domain.OutcomeSuccess, false)
				Expect(err).To(HaveOccurred())
			})
		})
	})

	Describe("MarkRegression", func() {
		It("moves a resolved-success record to regression exactly once", func() {
			mockDB.ExpectExec(`UPDATE fix_records SET outcome = 'regression'`).
				WillReturnResult(sqlmock.NewResult(0, 1))

			err := repo.MarkRegression(ctx, "fix-1")
			Expect(err).NotTo(HaveOccurred())
		})

		It("fails when the record was never resolved success", func() {
			mockDB.ExpectExec(`UPDATE fix_records SET outcome = 'regression'`).
				WillReturnResult(sqlmock.NewResult(0, 0))

			err := repo.MarkRegression(ctx, "fix-1")
			Expect(err).To(HaveOccurred())
		})
	})
})
