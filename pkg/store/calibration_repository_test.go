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

var _ = Describe("CalibrationRepository", func() {
	var (
		repo   *CalibrationRepository
		mockDB sqlmock.Sqlmock
		ctx    context.Context
	)

	BeforeEach(func() {
		rawDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).NotTo(HaveOccurred())
		db := sqlx.NewDb(rawDB, "postgres")
		repo = NewCalibrationRepository(db, logging.NoOp())
		mockDB = mock
		ctx = context.Background()
	})

	Describe("RecordObservation", func() {
		Context("on a brand new bucket", func() {
			It("seeds the means from the single observation", func() {
				mockDB.ExpectBegin()
				mockDB.ExpectQuery(`SELECT \* FROM calibration_buckets WHERE generator = \$1 AND kind = \$2 FOR UPDATE`).
					WillReturnError(sql_ErrNoRows())
				mockDB.ExpectExec(`INSERT INTO calibration_buckets`).
					WillReturnResult(sqlmock.NewResult(1, 1))
				mockDB.ExpectCommit()

				bucket, err := repo.RecordObservation(ctx, domain.GeneratorModel, domain.KindSecurity, 0.8, true)
				Expect(err).NotTo(HaveOccurred())
				Expect(bucket.Samples).To(Equal(1))
				Expect(bucket.MeanReportedConfidence).To(BeNumerically("~", 0.8, 1e-9))
				Expect(bucket.MeanObservedSuccess).To(BeNumerically("~", 1.0, 1e-9))
			})
		})

		Context("when reported confidence consistently overstates observed success", func() {
			It("pulls the correction factor below 1.0", func() {
				mockDB.ExpectBegin()
				mockDB.ExpectQuery(`SELECT \* FROM calibration_buckets`).
					WillReturnRows(sqlmock.NewRows([]string{
						"generator", "kind", "samples", "mean_reported_confidence",
						"mean_observed_success", "correction_factor",
					}).AddRow("model", "security", 9, 0.9, 0.5, 0.56))
				mockDB.ExpectExec(`INSERT INTO calibration_buckets`).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mockDB.ExpectCommit()

				bucket, err := repo.RecordObservation(ctx, domain.GeneratorModel, domain.KindSecurity, 0.9, false)
				Expect(err).NotTo(HaveOccurred())
				Expect(bucket.CorrectionFactor).To(BeNumerically("<", 1.0))
			})
		})
	})
})
