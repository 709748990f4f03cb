// ABOUTME: Deduplicating merge operations for conversations and messages
// ABOUTME: The messages primary key is the only cross-writer dedup gate

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/2389/parley/internal/readstate"
)

// MergeMessage inserts msg if no row with its id exists yet.
//
// The existence check, the insert and the conversation state update run in
// one transaction. A concurrent writer that loses the race on the primary key
// sees zero rows affected and reports a duplicate, never an error.
func (s *SQLStore) MergeMessage(ctx context.Context, msg *Message) (MergeResult, error) {
	if msg.ID == "" || msg.ConversationID == "" {
		return MergeResult{}, fmt.Errorf("merging message: id and conversation id are required")
	}
	if !msg.Direction.Valid() {
		return MergeResult{}, fmt.Errorf("merging message %s: invalid direction %q", msg.ID, msg.Direction)
	}

	attachments, err := marshalList(msg.Attachments)
	if err != nil {
		return MergeResult{}, fmt.Errorf("encoding attachments: %w", err)
	}
	reactions, err := marshalList(msg.Reactions)
	if err != nil {
		return MergeResult{}, fmt.Errorf("encoding reactions: %w", err)
	}

	var result MergeResult
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM messages WHERE id = ?`), msg.ID).Scan(&one)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return storeErr("checking message existence", err)
		}

		var (
			isRead int
			last   sql.NullString
		)
		err = tx.QueryRowContext(ctx, s.q(`SELECT is_read, last_activity FROM conversations WHERE id = ?`),
			msg.ConversationID).Scan(&isRead, &last)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("conversation %s: %w", msg.ConversationID, ErrNotFound)
		}
		if err != nil {
			return storeErr("reading conversation state", err)
		}

		now := time.Now()
		res, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO messages (id, conversation_id, account_id, provider_message_id, sender_id,
				sender_name, direction, ts, body, attachments, reactions, delivered, seen, edited,
				sent_by_autopilot, source, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING
		`),
			msg.ID, msg.ConversationID, msg.AccountID, msg.ProviderMessageID, msg.SenderID,
			msg.SenderName, string(msg.Direction), formatTime(msg.Timestamp), msg.Text, attachments,
			reactions, boolInt(msg.Delivered), boolInt(msg.Seen), boolInt(msg.Edited),
			boolInt(msg.SentByAutopilot), string(msg.Source), formatTime(now),
		)
		if err != nil {
			return storeErr("inserting message", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Lost the race to another writer.
			return nil
		}
		result.Inserted = true

		tr := readstate.ApplyInsert(readstate.Snapshot{
			State:        readstate.FromRead(isRead != 0),
			LastActivity: parseNullTime(last),
		}, msg.Inbound(), msg.Timestamp)
		result.BecameUnread = tr.BecameUnread
		result.Unread = !tr.After.State.IsRead()
		result.LastActivity = tr.After.LastActivity

		if !tr.Changed() {
			return nil
		}
		result.ConversationTouched = true
		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE conversations SET is_read = ?, last_activity = ?, updated_at = ? WHERE id = ?
		`), boolInt(tr.After.State.IsRead()), nullTime(tr.After.LastActivity), formatTime(now), msg.ConversationID)
		if err != nil {
			return storeErr("updating conversation state", err)
		}
		return nil
	})
	if err != nil {
		return MergeResult{}, err
	}
	return result, nil
}

// MergeConversation creates a conversation on first observation or backfills
// its metadata. Existing non-empty names are overwritten only by non-empty
// values, so a stub created from a webhook picks up its name later.
func (s *SQLStore) MergeConversation(ctx context.Context, conv *Conversation) (ConversationMergeResult, error) {
	if conv.ID == "" {
		return ConversationMergeResult{}, fmt.Errorf("merging conversation: id is required")
	}
	mode := conv.Mode
	if mode == "" {
		mode = ModeManual
	}

	var result ConversationMergeResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(time.Now())
		res, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO conversations (id, account_id, name, provider_type, provider_activity,
				is_read, mode, ignored, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, ?, 0, ?, ?)
			ON CONFLICT (id) DO NOTHING
		`), conv.ID, conv.AccountID, conv.Name, conv.ProviderType, nullTime(conv.ProviderActivity),
			string(mode), now, now)
		if err != nil {
			return storeErr("inserting conversation", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			result.Inserted = true
			result.UpdatedTimestamp = !conv.ProviderActivity.IsZero()
			return nil
		}

		var (
			accountID, name, providerType string
			providerActivity              sql.NullString
		)
		err = tx.QueryRowContext(ctx, s.q(`
			SELECT account_id, name, provider_type, provider_activity FROM conversations WHERE id = ?
		`), conv.ID).Scan(&accountID, &name, &providerType, &providerActivity)
		if err != nil {
			return storeErr("reading conversation", err)
		}

		changed := false
		if conv.AccountID != "" && conv.AccountID != accountID {
			accountID, changed = conv.AccountID, true
		}
		if conv.Name != "" && conv.Name != name {
			name, changed = conv.Name, true
		}
		if conv.ProviderType != "" && conv.ProviderType != providerType {
			providerType, changed = conv.ProviderType, true
		}
		activity, advanced := parseNullTime(providerActivity), false
		if !conv.ProviderActivity.IsZero() {
			activity, advanced = readstate.Advance(activity, conv.ProviderActivity)
		}
		if !changed && !advanced {
			return nil
		}
		result.UpdatedTimestamp = advanced

		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE conversations
			SET account_id = ?, name = ?, provider_type = ?, provider_activity = ?, updated_at = ?
			WHERE id = ?
		`), accountID, name, providerType, nullTime(activity), now, conv.ID)
		if err != nil {
			return storeErr("updating conversation", err)
		}
		return nil
	})
	if err != nil {
		return ConversationMergeResult{}, err
	}
	return result, nil
}

// MarkRead moves a conversation to read. It is a no-op for read conversations.
func (s *SQLStore) MarkRead(ctx context.Context, conversationID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var isRead int
		err := tx.QueryRowContext(ctx, s.q(`SELECT is_read FROM conversations WHERE id = ?`), conversationID).Scan(&isRead)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return storeErr("reading conversation state", err)
		}

		before := readstate.FromRead(isRead != 0)
		after := readstate.Next(before, readstate.Acknowledged)
		if before == after {
			return nil
		}
		_, err = tx.ExecContext(ctx, s.q(`UPDATE conversations SET is_read = ?, updated_at = ? WHERE id = ?`),
			boolInt(after.IsRead()), formatTime(time.Now()), conversationID)
		if err != nil {
			return storeErr("marking conversation read", err)
		}
		return nil
	})
}

// MarkSynced records the provider activity observed by a successful reconciliation.
func (s *SQLStore) MarkSynced(ctx context.Context, conversationID string, providerActivity time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE conversations SET synced_activity = ? WHERE id = ?`),
		nullTime(providerActivity), conversationID)
	if err != nil {
		return storeErr("marking conversation synced", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetBackfill records or clears the resume point of an interrupted fetch.
func (s *SQLStore) SetBackfill(ctx context.Context, conversationID string, b *Backfill) error {
	var (
		active int
		after  any
		cursor string
	)
	if b != nil {
		active, after, cursor = 1, nullTime(b.After), b.Cursor
	}
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE conversations SET backfill = ?, backfill_after = ?, backfill_cursor = ? WHERE id = ?`),
		active, after, cursor, conversationID)
	if err != nil {
		return storeErr("recording backfill", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
