// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without a database while keeping merge semantics

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/2389/parley/internal/readstate"
)

// MockStore is an in-memory Store implementation for testing.
// A single mutex stands in for the database's transactions.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string]*Message // keyed by provider id
	pending       map[string]*PendingSend

	// FailMerges makes MergeMessage return an ErrStore failure when set.
	FailMerges bool
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string]*Message),
		pending:       make(map[string]*PendingSend),
	}
}

// MergeMessage stores msg unless its id is already present.
func (m *MockStore) MergeMessage(ctx context.Context, msg *Message) (MergeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailMerges {
		return MergeResult{}, fmt.Errorf("inserting message: %w", ErrStore)
	}
	if _, ok := m.messages[msg.ID]; ok {
		return MergeResult{}, nil
	}
	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		return MergeResult{}, fmt.Errorf("conversation %s: %w", msg.ConversationID, ErrNotFound)
	}

	// Make a copy to avoid external modification
	stored := *msg
	stored.CreatedAt = time.Now()
	m.messages[msg.ID] = &stored

	tr := readstate.ApplyInsert(readstate.Snapshot{
		State:        readstate.FromRead(conv.Read),
		LastActivity: conv.LastActivity,
	}, msg.Inbound(), msg.Timestamp)
	conv.Read = tr.After.State.IsRead()
	conv.LastActivity = tr.After.LastActivity
	if tr.Changed() {
		conv.UpdatedAt = time.Now()
	}

	return MergeResult{
		Inserted:            true,
		ConversationTouched: tr.Changed(),
		BecameUnread:        tr.BecameUnread,
		Unread:              !conv.Read,
		LastActivity:        tr.After.LastActivity,
	}, nil
}

// MergeConversation creates or backfills a conversation.
func (m *MockStore) MergeConversation(ctx context.Context, conv *Conversation) (ConversationMergeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.conversations[conv.ID]
	if !ok {
		c := Conversation{
			ID:               conv.ID,
			AccountID:        conv.AccountID,
			Name:             conv.Name,
			ProviderType:     conv.ProviderType,
			ProviderActivity: conv.ProviderActivity,
			Read:             true,
			Mode:             conv.Mode,
			CreatedAt:        time.Now(),
			UpdatedAt:        time.Now(),
		}
		if c.Mode == "" {
			c.Mode = ModeManual
		}
		m.conversations[c.ID] = &c
		return ConversationMergeResult{Inserted: true, UpdatedTimestamp: !conv.ProviderActivity.IsZero()}, nil
	}

	if conv.AccountID != "" {
		existing.AccountID = conv.AccountID
	}
	if conv.Name != "" {
		existing.Name = conv.Name
	}
	if conv.ProviderType != "" {
		existing.ProviderType = conv.ProviderType
	}
	var advanced bool
	if !conv.ProviderActivity.IsZero() {
		existing.ProviderActivity, advanced = readstate.Advance(existing.ProviderActivity, conv.ProviderActivity)
	}
	return ConversationMergeResult{UpdatedTimestamp: advanced}, nil
}

// MarkRead moves a conversation to read.
func (m *MockStore) MarkRead(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	c.Read = readstate.Next(readstate.FromRead(c.Read), readstate.Acknowledged).IsRead()
	return nil
}

// LatestMessageTimestamp returns the newest message timestamp in a conversation.
func (m *MockStore) LatestMessageTimestamp(ctx context.Context, conversationID string) (*time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *time.Time
	for _, msg := range m.messages {
		if msg.ConversationID != conversationID {
			continue
		}
		if latest == nil || msg.Timestamp.After(*latest) {
			ts := msg.Timestamp
			latest = &ts
		}
	}
	return latest, nil
}

// MarkSynced records the provider activity seen by a successful reconciliation.
func (m *MockStore) MarkSynced(ctx context.Context, conversationID string, providerActivity time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	c.SyncedActivity = providerActivity
	return nil
}

// SetBackfill records or clears the resume point of an interrupted fetch.
func (m *MockStore) SetBackfill(ctx context.Context, conversationID string, b *Backfill) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	if b == nil {
		c.Backfill = nil
		return nil
	}
	cp := *b
	c.Backfill = &cp
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}

	// Return a copy
	result := *c
	if c.Backfill != nil {
		b := *c.Backfill
		result.Backfill = &b
	}
	return &result, nil
}

// ListConversations returns conversations ordered by most recent activity.
func (m *MockStore) ListConversations(ctx context.Context, p ListConversationsParams) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Conversation
	for _, c := range m.conversations {
		if p.AccountID != "" && c.AccountID != p.AccountID {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].ID < out[j].ID
	})
	if p.Limit > 0 && len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out, nil
}

// UpdateConversationSettings changes the response mode and/or ignored flag.
func (m *MockStore) UpdateConversationSettings(ctx context.Context, id string, s ConversationSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if s.Mode != nil {
		c.Mode = *s.Mode
	}
	if s.Ignored != nil {
		c.Ignored = *s.Ignored
	}
	return nil
}

// GetMessage retrieves a message by provider id.
func (m *MockStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *msg
	return &result, nil
}

// ListMessages returns every message in the conversation, oldest first.
// The mock ignores cursors.
func (m *MockStore) ListMessages(ctx context.Context, p ListMessagesParams) (*ListMessagesResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var msgs []*Message
	for _, msg := range m.messages {
		if msg.ConversationID == p.ConversationID {
			cp := *msg
			msgs = append(msgs, &cp)
		}
	}
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return msgs[i].ID < msgs[j].ID
	})
	if p.Limit > 0 && len(msgs) > p.Limit {
		msgs = msgs[:p.Limit]
	}
	return &ListMessagesResult{Messages: msgs}, nil
}

// LatestInboundMessageID returns the id of the newest inbound message.
func (m *MockStore) LatestInboundMessageID(ctx context.Context, conversationID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Message
	for _, msg := range m.messages {
		if msg.ConversationID != conversationID || !msg.Inbound() {
			continue
		}
		if latest == nil || msg.Timestamp.After(latest.Timestamp) {
			latest = msg
		}
	}
	if latest == nil {
		return "", ErrNotFound
	}
	return latest.ID, nil
}

// UpdateMessageFlags sets delivery/seen/edited flags.
func (m *MockStore) UpdateMessageFlags(ctx context.Context, id string, f MessageFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	if f.Delivered != nil && *f.Delivered {
		msg.Delivered = true
	}
	if f.Seen != nil && *f.Seen {
		msg.Seen = true
	}
	if f.Edited != nil && *f.Edited {
		msg.Edited = true
	}
	return nil
}

// UpdateReactions replaces a message's reaction list.
func (m *MockStore) UpdateReactions(ctx context.Context, id string, reactions []Reaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	msg.Reactions = append([]Reaction(nil), reactions...)
	return nil
}

// CreatePendingSend records a sent message awaiting confirmation.
func (m *MockStore) CreatePendingSend(ctx context.Context, p *PendingSend) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pending[p.MessageID]; ok {
		return nil
	}
	cp := *p
	if cp.Status == "" {
		cp.Status = PendingStatusPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = cp.CreatedAt
	m.pending[p.MessageID] = &cp
	return nil
}

// ListDuePendingSends returns pending rows created before olderThan.
func (m *MockStore) ListDuePendingSends(ctx context.Context, olderThan time.Time, limit int) ([]*PendingSend, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*PendingSend
	for _, p := range m.pending {
		if p.Status == PendingStatusPending && p.CreatedAt.Before(olderThan) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ConfirmPendingSend marks a pending send as observed.
func (m *MockStore) ConfirmPendingSend(ctx context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[messageID]
	if !ok {
		return ErrNotFound
	}
	p.Status = PendingStatusConfirmed
	p.UpdatedAt = time.Now()
	return nil
}

// RecordPendingAttempt increments the attempt counter.
func (m *MockStore) RecordPendingAttempt(ctx context.Context, messageID string, maxAttempts int) (PendingSendStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[messageID]
	if !ok {
		return "", ErrNotFound
	}
	p.Attempts++
	if p.Attempts >= maxAttempts {
		p.Status = PendingStatusFailed
	}
	p.UpdatedAt = time.Now()
	return p.Status, nil
}

// DeletePendingSends removes rows in the given status updated before the cutoff.
func (m *MockStore) DeletePendingSends(ctx context.Context, status PendingSendStatus, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, p := range m.pending {
		if p.Status == status && p.UpdatedAt.Before(before) {
			delete(m.pending, id)
			n++
		}
	}
	return n, nil
}

// PendingSend returns a copy of a pending row, for assertions.
func (m *MockStore) PendingSend(messageID string) (*PendingSend, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.pending[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// MessageCount returns the number of stored messages.
func (m *MockStore) MessageCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (m *MockStore) Close() error { return nil }
