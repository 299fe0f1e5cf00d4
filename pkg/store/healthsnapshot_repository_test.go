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

var _ = Describe("HealthSnapshotRepository", func() {
	var (
		repo   *HealthSnapshotRepository
		mockDB sqlmock.Sqlmock
		ctx    context.Context
	)

	BeforeEach(func() {
		rawDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).NotTo(HaveOccurred())
		db := sqlx.NewDb(rawDB, "postgres")
		repo = NewHealthSnapshotRepository(db, logging.NoOp())
		mockDB = mock
		ctx = context.Background()
	})

	Describe("Record", func() {
		It("inserts a new snapshot row", func() {
			mockDB.ExpectExec(`INSERT INTO health_snapshots`).
				WillReturnResult(sqlmock.NewResult(1, 1))

			id, err := repo.Record(ctx, &domain.HealthSnapshot{
				ProjectID:       "proj-1",
				Path:            "main.go",
				Score:           72,
				ComponentScores: map[string]int{"style": 80, "security": 64},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(id).NotTo(BeEmpty())
		})
	})

	Describe("BelowThreshold", func() {
		It("returns only paths under the threshold, worst first", func() {
			mockDB.ExpectQuery(`SELECT DISTINCT ON \(path\) \*`).
				WillReturnRows(sqlmock.NewRows([]string{
					"id", "project_id", "path", "score", "component_scores", "recorded_at",
				}).
					AddRow("s1", "proj-1", "a.go", 90, "{}", nowForTest()).
					AddRow("s2", "proj-1", "b.go", 30, "{}", nowForTest()).
					AddRow("s3", "proj-1", "c.go", 55, "{}", nowForTest()))

			snaps, err := repo.BelowThreshold(ctx, "proj-1", 60, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(snaps).To(HaveLen(2))
			Expect(snaps[0].Path).To(Equal("b.go"))
			Expect(snaps[1].Path).To(Equal("c.go"))
		})
	})
})
