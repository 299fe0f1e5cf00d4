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

	"github.com/codeguard-dev/codeguard/internal/apierr"
	"github.com/codeguard-dev/codeguard/internal/logging"
	"github.com/codeguard-dev/codeguard/pkg/domain"
)

var _ = Describe("IssueRepository", func() {
	var (
		repo    *IssueRepository
		mockDB  sqlmock.Sqlmock
		ctx     context.Context
		issue   *domain.Issue
	)

	BeforeEach(func() {
		rawDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).NotTo(HaveOccurred())
		db := sqlx.NewDb(rawDB, "postgres")
		repo = NewIssueRepository(db, logging.NoOp())
		mockDB = mock
		ctx = context.Background()

		issue = &domain.Issue{
			ProjectID:   "proj-1",
			Path:        "main.go",
			Line:        10,
			Kind:        domain.KindStyle,
			Severity:    domain.SeverityMedium,
			Message:     "line too long",
			Fingerprint: "fp-1",
			DetectorID:  "style",
		}
	})

	Describe("UpsertIssue", func() {
		Context("when no non-terminal issue exists for the fingerprint", func() {
			It("inserts a new pending issue", func() {
				mockDB.ExpectBegin()
				mockDB.ExpectQuery(`SELECT id FROM issues`).
					WillReturnError(sql_ErrNoRows())
				mockDB.ExpectExec(`INSERT INTO issues`).
					WillReturnResult(sqlmock.NewResult(1, 1))
				mockDB.ExpectCommit()

				id, err := repo.UpsertIssue(ctx, issue)
				Expect(err).NotTo(HaveOccurred())
				Expect(id).NotTo(BeEmpty())
				Expect(mockDB.ExpectationsWereMet()).To(Succeed())
			})
		})

		Context("when a non-terminal issue already exists for the fingerprint", func() {
			It("increments occurrence_count and returns the existing id", func() {
				mockDB.ExpectBegin()
				mockDB.ExpectQuery(`SELECT id FROM issues`).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("existing-id"))
				mockDB.ExpectExec(`UPDATE issues SET occurrence_count`).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mockDB.ExpectCommit()

				id, err := repo.UpsertIssue(ctx, issue)
				Expect(err).NotTo(HaveOccurred())
				Expect(id).To(Equal("existing-id"))
				Expect(mockDB.ExpectationsWereMet()).To(Succeed())
			})
		})
	})

	Describe("TransitionIssue", func() {
		Context("from pending to rejected", func() {
			It("succeeds and writes an audit row", func() {
				mockDB.ExpectBegin()
				mockDB.ExpectQuery(`SELECT \* FROM issues WHERE id = \$1 FOR UPDATE`).
					WillReturnRows(sqlmock.NewRows([]string{
						"id", "project_id", "path", "line", "kind", "severity", "message",
						"fingerprint", "status", "occurrence_count", "fix_id", "detector_id",
						"created_at", "resolved_at", "resolved_by",
					}).AddRow(
						"issue-1", "proj-1", "main.go", 10, "style", "medium", "msg",
						"fp-1", "pending", 1, nil, "style",
						nowForTest(), nil, "",
					))
				mockDB.ExpectExec(`UPDATE issues SET status`).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mockDB.ExpectExec(`INSERT INTO audit_rows`).
					WillReturnResult(sqlmock.NewResult(1, 1))
				mockDB.ExpectCommit()

				err := repo.TransitionIssue(ctx, "issue-1", domain.StatusRejected, "", "reviewer", "not a real bug")
				Expect(err).NotTo(HaveOccurred())
			})
		})

		Context("from a terminal state", func() {
			It("fails with InvalidTransition and rolls back", func() {
				mockDB.ExpectBegin()
				mockDB.ExpectQuery(`SELECT \* FROM issues WHERE id = \$1 FOR UPDATE`).
					WillReturnRows(sqlmock.NewRows([]string{
						"id", "project_id", "path", "line", "kind", "severity", "message",
						"fingerprint", "status", "occurrence_count", "fix_id", "detector_id",
						"created_at", "resolved_at", "resolved_by",
					}).AddRow(
						"issue-1", "proj-1", "main.go", 10, "style", "medium", "msg",
						"fp-1", "resolved", 1, nil, "style",
						nowForTest(), nil, "",
					))
				mockDB.ExpectRollback()

				err := repo.TransitionIssue(ctx, "issue-1", domain.StatusApproved, "", "reviewer", "")
				Expect(err).To(HaveOccurred())

				var apiErr *apierr.Error
				Expect(errorsAs(err, &apiErr)).To(BeTrue())
				Expect(apiErr.Code).To(Equal("invalid_transition"))
			})
		})

		Context("from pending to superseded", func() {
			It("succeeds: every non-terminal status may move to superseded", func() {
				mockDB.ExpectBegin()
				mockDB.ExpectQuery(`SELECT \* FROM issues WHERE id = \$1 FOR UPDATE`).
					WillReturnRows(sqlmock.NewRows([]string{
						"id", "project_id", "path", "line", "kind", "severity", "message",
						"fingerprint", "status", "occurrence_count", "fix_id", "detector_id",
						"created_at", "resolved_at", "resolved_by",
					}).AddRow(
						"issue-1", "proj-1", "main.go", 10, "style", "medium", "msg",
						"fp-1", "pending", 1, nil, "style",
						nowForTest(), nil, "",
					))
				mockDB.ExpectExec(`UPDATE issues SET status`).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mockDB.ExpectExec(`INSERT INTO audit_rows`).
					WillReturnResult(sqlmock.NewResult(1, 1))
				mockDB.ExpectCommit()

				err := repo.TransitionIssue(ctx, "issue-1", domain.StatusSuperseded, "", "crawler", "defect no longer detected in source")
				Expect(err).NotTo(HaveOccurred())
			})
		})
	})

	Describe("ListOpenIssuesByPath", func() {
		It("returns only the non-terminal rows for the (project, path) pair", func() {
			mockDB.ExpectQuery(`SELECT \* FROM issues WHERE project_id = \$1 AND path = \$2 AND status IN`).
				WillReturnRows(sqlmock.NewRows([]string{
					"id", "project_id", "path", "line", "kind", "severity", "message",
					"fingerprint", "status", "occurrence_count", "fix_id", "detector_id",
					"created_at", "resolved_at", "resolved_by",
				}).AddRow(
					"issue-1", "proj-1", "main.go", 10, "style", "medium", "msg",
					"fp-1", "pending", 1, nil, "style",
					nowForTest(), nil, "",
				))

			issues, err := repo.ListOpenIssuesByPath(ctx, "proj-1", "main.go")
			Expect(err).NotTo(HaveOccurred())
			Expect(issues).To(HaveLen(1))
			Expect(issues[0].ID).To(Equal("issue-1"))
			Expect(mockDB.ExpectationsWereMet()).To(Succeed())
		})
	})
})
