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

var _ = Describe("PatternRepository", func() {
	var (
		repo   *PatternRepository
		mockDB sqlmock.Sqlmock
		ctx    context.Context
	)

	BeforeEach(func() {
		rawDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).NotTo(HaveOccurred())
		db := sqlx.NewDb(rawDB, "postgres")
		repo = NewPatternRepository(db, logging.NoOp())
		mockDB = mock
		ctx = context.Background()
	})

	Describe("UpsertPattern", func() {
		Context("first success for a brand new fingerprint", func() {
			It("yields confidence 2/3 per the Laplace formula", func() {
				mockDB.ExpectBegin()
				mockDB.ExpectQuery(`SELECT \* FROM patterns WHERE fingerprint = \$1 FOR UPDATE`).
					WillReturnError(sql_ErrNoRows())
				mockDB.ExpectExec(`INSERT INTO patterns`).
					WillReturnResult(sqlmock.NewResult(1, 1))
				mockDB.ExpectCommit()

				p, err := repo.UpsertPattern(ctx, "F1", 1, 0, "patch body")
				Expect(err).NotTo(HaveOccurred())
				Expect(p.SuccessCount).To(Equal(1))
				Expect(p.FailureCount).To(Equal(0))
				Expect(p.Confidence).To(BeNumerically("~", 2.0/3.0, 1e-9))
				Expect(p.Deprecated).To(BeFalse())
			})
		})

		Context("tenth consecutive failure", func() {
			It("deprecates the pattern at confidence 1/12", func() {
				mockDB.ExpectBegin()
				mockDB.ExpectQuery(`SELECT \* FROM patterns WHERE fingerprint = \$1 FOR UPDATE`).
					WillReturnRows(sqlmock.NewRows([]string{
						"fingerprint", "occurrence_count", "success_count", "failure_count",
						"confidence", "representative_fix", "deprecated", "first_seen", "last_seen",
					}).AddRow("F2", 9, 0, 9, 0.09090909, "", false, nowForTest(), nowForTest()))
				mockDB.ExpectExec(`INSERT INTO patterns`).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mockDB.ExpectCommit()

				p, err := repo.UpsertPattern(ctx, "F2", 0, 1, "")
				Expect(err).NotTo(HaveOccurred())
				Expect(p.FailureCount).To(Equal(10))
				Expect(p.SuccessCount).To(Equal(0))
				Expect(p.Confidence).To(BeNumerically("~", 1.0/12.0, 1e-6))
				Expect(p.Deprecated).To(BeTrue())
			})
		})
	})

	Describe("FindUsablePattern", func() {
		It("returns nil for a deprecated pattern even above the confidence floor", func() {
			mockDB.ExpectQuery(`SELECT \* FROM patterns WHERE fingerprint = \$1`).
				WillReturnRows(sqlmock.NewRows([]string{
					"fingerprint", "occurrence_count", "success_count", "failure_count",
					"confidence", "representative_fix", "deprecated", "first_seen", "last_seen",
				}).AddRow("F3", 10, 9, 1, 0.83, "patch", true, nowForTest(), nowForTest()))

			p, err := repo.FindUsablePattern(ctx, "F3", 0.75)
			Expect(err).NotTo(HaveOccurred())
			Expect(p).To(BeNil())
		})

		It("returns nil when confidence is below the floor", func() {
			mockDB.ExpectQuery(`SELECT \* FROM patterns WHERE fingerprint = \$1`).
				WillReturnRows(sqlmock.NewRows([]string{
					"fingerprint", "occurrence_count", "success_count", "failure_count",
					"confidence", "representative_fix", "deprecated", "first_seen", "last_seen",
				}).AddRow("F4", 3, 1, 2, 0.5, "patch", false, nowForTest(), nowForTest()))

			p, err := repo.FindUsablePattern(ctx, "F4", 0.75)
			Expect(err).NotTo(HaveOccurred())
			Expect(p).To(BeNil())
		})

		It("returns the pattern when non-deprecated and above the floor", func() {
			mockDB.ExpectQuery(`SELECT \* FROM patterns WHERE fingerprint = \$1`).
				WillReturnRows(sqlmock.NewRows([]string{
					"fingerprint", "occurrence_count", "success_count", "failure_count",
					"confidence", "representative_fix", "deprecated", "first_seen", "last_seen",
				}).AddRow("F5", 10, 9, 1, 0.9, "patch body", false, nowForTest(), nowForTest()))

			p, err := repo.FindUsablePattern(ctx, "F5", 0.75)
			Expect(err).NotTo(HaveOccurred())
			Expect(p).NotTo(BeNil())
			Expect(p.RepresentativeFix).To(Equal("patch body"))
		})
	})
})
