// ABOUTME: Cursor-paginated message history queries
// ABOUTME: Cursors are opaque base64(timestamp|id) pairs in chronological order

package store

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 500
)

// ListMessages returns a page of a conversation's messages, oldest first.
func (s *SQLStore) ListMessages(ctx context.Context, p ListMessagesParams) (*ListMessagesResult, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ?`
	args := []any{p.ConversationID}

	if p.Cursor != "" {
		ts, id, err := decodeCursor(p.Cursor)
		if err != nil {
			return nil, err
		}
		query += ` AND (ts > ? OR (ts = ? AND id > ?))`
		args = append(args, formatTime(ts), formatTime(ts), id)
	}

	// Fetch one extra row to learn whether another page exists
	query += ` ORDER BY ts ASC, id ASC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, storeErr("querying messages", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, storeErr("scanning message", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterating messages", err)
	}

	result := &ListMessagesResult{}
	if len(msgs) > limit {
		msgs = msgs[:limit]
		last := msgs[len(msgs)-1]
		result.HasMore = true
		result.NextCursor = encodeCursor(last.Timestamp, last.ID)
	}
	result.Messages = msgs
	return result, nil
}

// encodeCursor creates an opaque cursor string from a timestamp and message ID.
func encodeCursor(ts time.Time, id string) string {
	data := fmt.Sprintf("%s|%s", formatTime(ts), id)
	return base64.StdEncoding.EncodeToString([]byte(data))
}

// decodeCursor parses an opaque cursor string into a timestamp and message ID.
func decodeCursor(cursor string) (time.Time, string, error) {
	decoded, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid cursor encoding: %w", err)
	}

	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("invalid cursor format: expected timestamp|message_id")
	}

	ts, err := parseTime(parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid cursor timestamp: %w", err)
	}
	return ts, parts[1], nil
}
