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

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/codeguard-dev/codeguard/internal/apierr"
)

// FileSnapshotNotifyChannel is the Postgres LISTEN/NOTIFY channel a
// lib/pq listener can subscribe to (see pkg/store.NewSnapshotListener)
// to learn about newly recorded snapshots without polling.
const FileSnapshotNotifyChannel = "file_snapshot_created"

// FileSnapshotRepository implements the append-only (project, path,
// hash) ledger of spec.md §3/§4.1.
type FileSnapshotRepository struct {
	db     *sqlx.DB
	logger logr.Logger
}

func NewFileSnapshotRepository(db *sqlx.DB, logger logr.Logger) *FileSnapshotRepository {
	return &FileSnapshotRepository{db: db, logger: logger}
}

// SnapshotFile implements spec.md §4.1's snapshot_file: it inserts the
// (project, path, hash) triple and returns alreadyPresent=true without
// erroring if that exact triple was already recorded, satisfying the
// crawler's "must not re-run detectors" invariant (§3). On a genuinely
// new snapshot it also issues a Postgres NOTIFY so a lib/pq listener
// (see NewSnapshotListener) can fan the event out to other processes
// without polling.
func (r *FileSnapshotRepository) SnapshotFile(ctx context.Context, projectID, path, hash string) (alreadyPresent bool, err error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO file_snapshots (id, project_id, path, hash)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (project_id, path, hash) DO NOTHING
	`), uuid.NewString(), projectID, path, hash)
	if err != nil {
		return false, apierr.Transient("store_unavailable", "snapshot file", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apierr.Transient("store_unavailable", "check snapshot insert", err)
	}
	if n == 0 {
		return true, nil
	}

	if _, err := r.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`,
		FileSnapshotNotifyChannel, projectID+":"+path); err != nil {
		// Best-effort fan-out; a missed NOTIFY never affects
		// correctness because snapshot_file is idempotent and
		// pollable, only latency.
		r.logger.V(1).Info("failed to emit file snapshot notification", "error", err)
	}
	return false, nil
}
