// ABOUTME: Pending-send bookkeeping for locally sent messages
// ABOUTME: Rows move pending -> confirmed or failed and are swept after retention

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// CreatePendingSend records a sent message awaiting confirmation.
// Recording the same message twice is a no-op.
func (s *SQLStore) CreatePendingSend(ctx context.Context, p *PendingSend) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.Status == "" {
		p.Status = PendingStatusPending
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO pending_sends (message_id, conversation_id, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (message_id) DO NOTHING
	`), p.MessageID, p.ConversationID, string(p.Status), p.Attempts, formatTime(p.CreatedAt), formatTime(now))
	if err != nil && !isConstraintViolation(err) {
		return storeErr("recording pending send", err)
	}
	return nil
}

// ListDuePendingSends returns pending rows created before olderThan, oldest first.
func (s *SQLStore) ListDuePendingSends(ctx context.Context, olderThan time.Time, limit int) ([]*PendingSend, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT message_id, conversation_id, status, attempts, created_at, updated_at
		FROM pending_sends
		WHERE status = ? AND created_at < ?
		ORDER BY created_at ASC
		LIMIT ?
	`), string(PendingStatusPending), formatTime(olderThan), limit)
	if err != nil {
		return nil, storeErr("listing pending sends", err)
	}
	defer rows.Close()

	var out []*PendingSend
	for rows.Next() {
		var (
			p                    PendingSend
			status               string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&p.MessageID, &p.ConversationID, &status, &p.Attempts, &createdAt, &updatedAt); err != nil {
			return nil, storeErr("scanning pending send", err)
		}
		p.Status = PendingSendStatus(status)
		p.CreatedAt, _ = parseTime(createdAt)
		p.UpdatedAt, _ = parseTime(updatedAt)
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterating pending sends", err)
	}
	return out, nil
}

// ConfirmPendingSend marks a pending send as observed in the provider listing.
func (s *SQLStore) ConfirmPendingSend(ctx context.Context, messageID string) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE pending_sends SET status = ?, updated_at = ? WHERE message_id = ?
	`), string(PendingStatusConfirmed), formatTime(time.Now()), messageID)
	if err != nil {
		return storeErr("confirming pending send", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordPendingAttempt increments the attempt counter and fails the row once
// maxAttempts is reached. It returns the resulting status.
func (s *SQLStore) RecordPendingAttempt(ctx context.Context, messageID string, maxAttempts int) (PendingSendStatus, error) {
	var status PendingSendStatus
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var attempts int
		err := tx.QueryRowContext(ctx, s.q(`SELECT attempts FROM pending_sends WHERE message_id = ?`), messageID).Scan(&attempts)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return storeErr("reading pending send", err)
		}

		attempts++
		status = PendingStatusPending
		if attempts >= maxAttempts {
			status = PendingStatusFailed
		}
		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE pending_sends SET attempts = ?, status = ?, updated_at = ? WHERE message_id = ?
		`), attempts, string(status), formatTime(time.Now()), messageID)
		if err != nil {
			return storeErr("updating pending send", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// DeletePendingSends removes rows in the given status last updated before the cutoff.
func (s *SQLStore) DeletePendingSends(ctx context.Context, status PendingSendStatus, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM pending_sends WHERE status = ? AND updated_at < ?
	`), string(status), formatTime(before))
	if err != nil {
		return 0, storeErr("deleting pending sends", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
