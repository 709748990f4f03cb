// ABOUTME: database/sql implementation of the Store interface
// ABOUTME: Runs on modernc.org/sqlite by default and on PostgreSQL via lib/pq

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// timeLayout is fixed-width so stored timestamps sort lexically as instants.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLStore implements Store on top of database/sql
type SQLStore struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

var _ Store = (*SQLStore)(nil)

// NewSQLiteStore creates a SQLite store at the given path.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLStore, error) {
	return Open(DriverSQLite, path)
}

// Open connects to the database and creates the schema if it doesn't exist.
func Open(driver, dsn string) (*SQLStore, error) {
	logger := slog.Default().With("component", "store", "driver", driver)

	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		db, err = openSQLite(dsn)
	case DriverPostgres:
		db, err = sql.Open("postgres", dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, err
	}

	s := &SQLStore{
		db:     db,
		driver: driver,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("store initialized")
	return s, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite allows one writer; a single connection keeps merges from
	// tripping over SQLITE_BUSY when both ingestion paths write at once.
	db.SetMaxOpenConns(1)
	return db, nil
}

func (s *SQLStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			provider_type TEXT NOT NULL DEFAULT '',
			last_activity TEXT,
			provider_activity TEXT,
			synced_activity TEXT,
			backfill INTEGER NOT NULL DEFAULT 0,
			backfill_after TEXT,
			backfill_cursor TEXT NOT NULL DEFAULT '',
			is_read INTEGER NOT NULL DEFAULT 1,
			mode TEXT NOT NULL DEFAULT 'manual',
			ignored INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_account ON conversations(account_id, last_activity);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			account_id TEXT NOT NULL DEFAULT '',
			provider_message_id TEXT NOT NULL DEFAULT '',
			sender_id TEXT NOT NULL DEFAULT '',
			sender_name TEXT NOT NULL DEFAULT '',
			direction TEXT NOT NULL,
			ts TEXT NOT NULL,
			body TEXT NOT NULL DEFAULT '',
			attachments TEXT NOT NULL DEFAULT '[]',
			reactions TEXT NOT NULL DEFAULT '[]',
			delivered INTEGER NOT NULL DEFAULT 0,
			seen INTEGER NOT NULL DEFAULT 0,
			edited INTEGER NOT NULL DEFAULT 0,
			sent_by_autopilot INTEGER NOT NULL DEFAULT 0,
			source TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_ts ON messages(conversation_id, ts);

		CREATE TABLE IF NOT EXISTS pending_sends (
			message_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_pending_sends_status ON pending_sends(status, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storeErr("pinging database", err)
	}
	return nil
}

// q rewrites ? placeholders into $n for PostgreSQL.
func (s *SQLStore) q(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// storeErr wraps err so callers can detect a retryable store failure.
func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStore, err)
}

func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed") ||
		strings.Contains(errStr, "duplicate key value")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalList(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return "[]", nil
	}
	return string(data), nil
}

// withTx runs fn inside a transaction, committing on success.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("beginning transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("committing transaction", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const conversationColumns = `id, account_id, name, provider_type, last_activity, provider_activity,
	synced_activity, backfill, backfill_after, backfill_cursor, is_read, mode, ignored, created_at, updated_at`

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		c                                    Conversation
		last, provider, synced, backfillFrom sql.NullString
		backfill, isRead, ignored            int
		backfillCursor                       string
		mode, createdAt, updatedAt           string
	)
	err := row.Scan(&c.ID, &c.AccountID, &c.Name, &c.ProviderType, &last, &provider,
		&synced, &backfill, &backfillFrom, &backfillCursor, &isRead, &mode, &ignored,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.LastActivity = parseNullTime(last)
	c.ProviderActivity = parseNullTime(provider)
	c.SyncedActivity = parseNullTime(synced)
	if backfill != 0 {
		c.Backfill = &Backfill{After: parseNullTime(backfillFrom), Cursor: backfillCursor}
	}
	c.Read = isRead != 0
	c.Ignored = ignored != 0
	c.Mode = ResponseMode(mode)
	c.CreatedAt, _ = parseTime(createdAt)
	c.UpdatedAt, _ = parseTime(updatedAt)
	return &c, nil
}

const messageColumns = `id, conversation_id, account_id, provider_message_id, sender_id, sender_name,
	direction, ts, body, attachments, reactions, delivered, seen, edited, sent_by_autopilot,
	source, created_at`

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m                                     Message
		direction, ts, attachments, reactions string
		delivered, seen, edited, autopilot    int
		source, createdAt                     string
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.AccountID, &m.ProviderMessageID, &m.SenderID,
		&m.SenderName, &direction, &ts, &m.Text, &attachments, &reactions, &delivered, &seen,
		&edited, &autopilot, &source, &createdAt)
	if err != nil {
		return nil, err
	}
	m.Direction = Direction(direction)
	if m.Timestamp, err = parseTime(ts); err != nil {
		return nil, fmt.Errorf("parsing message timestamp: %w", err)
	}
	if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
		return nil, fmt.Errorf("decoding attachments: %w", err)
	}
	if err := json.Unmarshal([]byte(reactions), &m.Reactions); err != nil {
		return nil, fmt.Errorf("decoding reactions: %w", err)
	}
	m.Delivered = delivered != 0
	m.Seen = seen != 0
	m.Edited = edited != 0
	m.SentByAutopilot = autopilot != 0
	m.Source = Source(source)
	m.CreatedAt, _ = parseTime(createdAt)
	return &m, nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`), id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("querying conversation", err)
	}
	return c, nil
}

// ListConversations returns conversations ordered by most recent activity.
func (s *SQLStore) ListConversations(ctx context.Context, p ListConversationsParams) ([]*Conversation, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations`
	args := []any{}
	if p.AccountID != "" {
		query += ` WHERE account_id = ?`
		args = append(args, p.AccountID)
	}
	// NULL last_activity (stubs with no messages) sorts last in both drivers
	query += ` ORDER BY COALESCE(last_activity, '') DESC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, storeErr("listing conversations", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, storeErr("scanning conversation", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterating conversations", err)
	}
	return out, nil
}

// UpdateConversationSettings changes the response mode and/or ignored flag.
func (s *SQLStore) UpdateConversationSettings(ctx context.Context, id string, cs ConversationSettings) error {
	sets := []string{"updated_at = ?"}
	args := []any{formatTime(time.Now())}
	if cs.Mode != nil {
		sets = append(sets, "mode = ?")
		args = append(args, string(*cs.Mode))
	}
	if cs.Ignored != nil {
		sets = append(sets, "ignored = ?")
		args = append(args, boolInt(*cs.Ignored))
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, s.q(`UPDATE conversations SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		return storeErr("updating conversation settings", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMessage retrieves a message by provider id.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+messageColumns+` FROM messages WHERE id = ?`), id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("querying message", err)
	}
	return m, nil
}

// LatestMessageTimestamp returns the newest message timestamp in a conversation.
func (s *SQLStore) LatestMessageTimestamp(ctx context.Context, conversationID string) (*time.Time, error) {
	var latest sql.NullString
	err := s.db.QueryRowContext(ctx, s.q(`SELECT MAX(ts) FROM messages WHERE conversation_id = ?`), conversationID).Scan(&latest)
	if err != nil {
		return nil, storeErr("querying latest message timestamp", err)
	}
	if !latest.Valid {
		return nil, nil
	}
	t, err := parseTime(latest.String)
	if err != nil {
		return nil, fmt.Errorf("parsing latest message timestamp: %w", err)
	}
	return &t, nil
}

// LatestInboundMessageID returns the id of the newest inbound message, or
// ErrNotFound when the conversation has none.
func (s *SQLStore) LatestInboundMessageID(ctx context.Context, conversationID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id FROM messages
		WHERE conversation_id = ? AND direction = ?
		ORDER BY ts DESC, created_at DESC
		LIMIT 1
	`), conversationID, string(DirectionInbound)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", storeErr("querying latest inbound message", err)
	}
	return id, nil
}

// UpdateMessageFlags sets delivery/seen/edited flags. Flags only go false -> true.
func (s *SQLStore) UpdateMessageFlags(ctx context.Context, id string, f MessageFlags) error {
	var sets []string
	var args []any
	add := func(col string, v *bool) {
		if v != nil && *v {
			sets = append(sets, col+" = 1")
		}
	}
	add("delivered", f.Delivered)
	add("seen", f.Seen)
	add("edited", f.Edited)

	if len(sets) == 0 {
		if _, err := s.GetMessage(ctx, id); err != nil {
			return err
		}
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, s.q(`UPDATE messages SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		return storeErr("updating message flags", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateReactions replaces a message's reaction list.
func (s *SQLStore) UpdateReactions(ctx context.Context, id string, reactions []Reaction) error {
	encoded, err := marshalList(reactions)
	if err != nil {
		return fmt.Errorf("encoding reactions: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE messages SET reactions = ? WHERE id = ?`), encoded, id)
	if err != nil {
		return storeErr("updating reactions", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
