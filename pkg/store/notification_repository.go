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
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/codeguard-dev/codeguard/internal/apierr"
	"github.com/codeguard-dev/codeguard/pkg/domain"
)

// NotificationRepository persists the delivery audit trail for every
// notification the pkg/notify collaborator attempts (SPEC_FULL.md
// ambient-stack expansion of the Slack/webhook notification path).
type NotificationRepository struct {
	db     *sqlx.DB
	logger logr.Logger
}

func NewNotificationRepository(db *sqlx.DB, logger logr.Logger) *NotificationRepository {
	return &NotificationRepository{db: db, logger: logger}
}

type notificationAuditRow struct {
	ID             string    `db:"id"`
	FixRecordID    string    `db:"fix_record_id"`
	Channel        string    `db:"channel"`
	Recipient      string    `db:"recipient"`
	Status         string    `db:"status"`
	SentAt         time.Time `db:"sent_at"`
	DeliveryStatus string    `db:"delivery_status"`
	ErrorMessage   string    `db:"error_message"`
}

func (r notificationAuditRow) toDomain() *domain.NotificationAudit {
	return &domain.NotificationAudit{
		ID:             r.ID,
		FixRecordID:    r.FixRecordID,
		Channel:        r.Channel,
		Recipient:      r.Recipient,
		Status:         r.Status,
		SentAt:         r.SentAt,
		DeliveryStatus: r.DeliveryStatus,
		ErrorMessage:   r.ErrorMessage,
	}
}

// Record appends one notification attempt, successful or not.
func (r *NotificationRepository) Record(ctx context.Context, audit *domain.NotificationAudit) (string, error) {
	id := audit.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO notification_audits
			(id, fix_record_id, channel, recipient, status, delivery_status, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), id, audit.FixRecordID, audit.Channel, audit.Recipient, audit.Status,
		audit.DeliveryStatus, audit.ErrorMessage)
	if err != nil {
		return "", apierr.Transient("store_unavailable", "record notification audit", err)
	}
	return id, nil
}

// ListByFixRecord returns every notification attempt for a fix record,
// most recent first — used to avoid double-notifying on retry.
func (r *NotificationRepository) ListByFixRecord(ctx context.Context, fixRecordID string) ([]*domain.NotificationAudit, error) {
	var rows []notificationAuditRow
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT * FROM notification_audits WHERE fix_record_id = ? ORDER BY sent_at DESC
	`), fixRecordID)
	if err != nil {
		return nil, apierr.Transient("store_unavailable", "list notification audits", err)
	}
	out := make([]*domain.NotificationAudit, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}
