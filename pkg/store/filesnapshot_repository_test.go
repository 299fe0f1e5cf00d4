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

var _ = Describe("FileSnapshotRepository", func() {
	var (
		repo   *FileSnapshotRepository
		mockDB sqlmock.Sqlmock
		ctx    context.Context
	)

	BeforeEach(func() {
		rawDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).NotTo(HaveOccurred())
		db := sqlx.NewDb(rawDB, "postgres")
		repo = NewFileSnapshotRepository(db, logging.NoOp())
		mockDB = mock
		ctx = context.Background()
	})

	Context("when the (project, path, hash) triple is genuinely new", func() {
		It("inserts it, reports alreadyPresent=false, and emits a NOTIFY", func() {
			mockDB.ExpectExec(`INSERT INTO file_snapshots`).
				WillReturnResult(sqlmock.NewResult(1, 1))
			mockDB.ExpectExec(`SELECT pg_notify\(\$1, \$2\)`).
				WillReturnResult(sqlmock.NewResult(0, 0))

			already, err := repo.SnapshotFile(ctx, "proj-1", "main.go", "hash-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(already).To(BeFalse())
			Expect(mockDB.ExpectationsWereMet()).To(Succeed())
		})
	})

	Context("when the triple was already recorded", func() {
		It("reports alreadyPresent=true and skips the NOTIFY", func() {
			mockDB.ExpectExec(`INSERT INTO file_snapshots`).
				WillReturnResult(sqlmock.NewResult(0, 0))

			already, err := repo.SnapshotFile(ctx, "proj-1", "main.go", "hash-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(already).To(BeTrue())
			Expect(mockDB.ExpectationsWereMet()).To(Succeed())
		})
	})
})
