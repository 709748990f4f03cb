// ABOUTME: Store interface and data types for parley persistence
// ABOUTME: Defines Conversation, Message, PendingSend and the merge contracts

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrStore marks a store-level failure (connectivity, unexpected constraint).
// Callers treat it as retryable.
var ErrStore = errors.New("store failure")

// Direction is the side of the conversation a message came from
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionInbound || d == DirectionOutbound
}

// ResponseMode controls how replies are produced for a conversation
type ResponseMode string

const (
	ModeManual     ResponseMode = "manual"
	ModeAssisted   ResponseMode = "assisted"
	ModeAutonomous ResponseMode = "autonomous"
)

// ParseResponseMode accepts the canonical names plus the provider-side aliases.
func ParseResponseMode(s string) (ResponseMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "manual":
		return ModeManual, nil
	case "assisted", "ai-assisted":
		return ModeAssisted, nil
	case "autonomous", "autopilot":
		return ModeAutonomous, nil
	default:
		return "", fmt.Errorf("unknown response mode %q", s)
	}
}

// Source records which ingestion path first stored a message
type Source string

const (
	SourceWebhook   Source = "webhook"
	SourceReconcile Source = "reconcile"
	SourceLocal     Source = "local"
	SourceAutopilot Source = "autopilot"
)

// Conversation is a provider chat mirrored locally.
//
// LastActivity is derived from merged messages and never moves backwards.
// ProviderActivity is the last-activity value the provider reported in its
// listing, and SyncedActivity is the ProviderActivity observed by the last
// successful reconciliation of this conversation.
type Conversation struct {
	ID               string       `json:"id"`
	AccountID        string       `json:"account_id"`
	Name             string       `json:"name"`
	ProviderType     string       `json:"provider_type,omitempty"`
	LastActivity     time.Time    `json:"last_activity,omitzero"`
	ProviderActivity time.Time    `json:"-"`
	SyncedActivity   time.Time    `json:"-"`
	Backfill         *Backfill    `json:"-"`
	Read             bool         `json:"read"`
	Mode             ResponseMode `json:"mode"`
	Ignored          bool         `json:"ignored"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Backfill is an unfinished message fetch that the next reconciliation
// resumes. After is the lower bound of the window (zero for the whole
// history). Cursor is the provider cursor of the first page not yet fetched;
// empty restarts the window from its newest page.
type Backfill struct {
	After  time.Time
	Cursor string
}

// Attachment is a file attached to a message. Content is never stored.
type Attachment struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Reaction is an emoji reaction left on a message
type Reaction struct {
	Value    string `json:"value"`
	SenderID string `json:"sender_id,omitempty"`
}

// Message is a single provider message. ID is the provider-assigned id and
// the deduplication key across every ingestion path.
type Message struct {
	ID                string       `json:"id"`
	ConversationID    string       `json:"conversation_id"`
	AccountID         string       `json:"account_id,omitempty"`
	ProviderMessageID string       `json:"provider_message_id,omitempty"`
	SenderID          string       `json:"sender_id,omitempty"`
	SenderName        string       `json:"sender_name,omitempty"`
	Direction         Direction    `json:"direction"`
	Timestamp         time.Time    `json:"timestamp"`
	Text              string       `json:"text"`
	Attachments       []Attachment `json:"attachments,omitempty"`
	Reactions         []Reaction   `json:"reactions,omitempty"`
	Delivered         bool         `json:"delivered"`
	Seen              bool         `json:"seen"`
	Edited            bool         `json:"edited"`
	SentByAutopilot   bool         `json:"sent_by_autopilot"`
	Source            Source       `json:"-"`
	CreatedAt         time.Time    `json:"-"`
}

// Inbound reports whether the message was received from the other party.
func (m *Message) Inbound() bool { return m.Direction == DirectionInbound }

// MergeResult is the outcome of MergeMessage.
type MergeResult struct {
	// Inserted is false when a row with the same id already existed.
	Inserted bool
	// ConversationTouched is true when the conversation's read flag or
	// last-activity timestamp changed as part of the insert.
	ConversationTouched bool
	// BecameUnread is true when the insert moved the conversation read -> unread.
	BecameUnread bool
	// Unread and LastActivity describe the conversation after the merge.
	Unread       bool
	LastActivity time.Time
}

// ConversationMergeResult is the outcome of MergeConversation.
type ConversationMergeResult struct {
	Inserted bool
	// UpdatedTimestamp is true when the provider-reported activity advanced.
	UpdatedTimestamp bool
}

// MessageFlags carries idempotent flag updates. Nil fields are left alone and
// set flags are never cleared.
type MessageFlags struct {
	Delivered *bool
	Seen      *bool
	Edited    *bool
}

// ConversationSettings are the operator-controlled conversation attributes.
type ConversationSettings struct {
	Mode    *ResponseMode
	Ignored *bool
}

// ListConversationsParams filters ListConversations.
type ListConversationsParams struct {
	AccountID string // empty means every account
	Limit     int
}

// ListMessagesParams specifies a page of a conversation's history.
type ListMessagesParams struct {
	ConversationID string
	Limit          int    // defaults to 50, capped at 500
	Cursor         string // opaque cursor from a previous result
}

// ListMessagesResult is one page of messages in chronological order.
type ListMessagesResult struct {
	Messages   []*Message
	NextCursor string
	HasMore    bool
}

// PendingSendStatus tracks a locally sent message until the provider confirms it
type PendingSendStatus string

const (
	PendingStatusPending   PendingSendStatus = "pending"
	PendingStatusConfirmed PendingSendStatus = "confirmed"
	PendingStatusFailed    PendingSendStatus = "failed"
)

// PendingSend records a message sent through the provider that has not yet
// been observed by reconciliation.
type PendingSend struct {
	MessageID      string
	ConversationID string
	Status         PendingSendStatus
	Attempts       int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Store is the persistence contract for the ingestion engine.
type Store interface {
	// MergeMessage inserts msg unless a row with the same id exists. The
	// conversation's read flag and last activity are updated in the same
	// transaction. The conversation must already exist.
	MergeMessage(ctx context.Context, msg *Message) (MergeResult, error)

	// MergeConversation creates conv if unknown (read, manual mode), otherwise
	// backfills empty metadata and advances the provider-reported activity.
	MergeConversation(ctx context.Context, conv *Conversation) (ConversationMergeResult, error)

	// MarkRead applies an explicit client acknowledgement.
	MarkRead(ctx context.Context, conversationID string) error

	// LatestMessageTimestamp returns the newest stored message timestamp, or
	// nil when the conversation has no messages.
	LatestMessageTimestamp(ctx context.Context, conversationID string) (*time.Time, error)

	// MarkSynced records the provider activity seen by a successful reconciliation.
	MarkSynced(ctx context.Context, conversationID string, providerActivity time.Time) error

	// SetBackfill records where an interrupted fetch resumes. Nil clears it.
	SetBackfill(ctx context.Context, conversationID string, b *Backfill) error

	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, p ListConversationsParams) ([]*Conversation, error)
	UpdateConversationSettings(ctx context.Context, id string, s ConversationSettings) error

	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessages(ctx context.Context, p ListMessagesParams) (*ListMessagesResult, error)
	LatestInboundMessageID(ctx context.Context, conversationID string) (string, error)
	UpdateMessageFlags(ctx context.Context, id string, f MessageFlags) error
	UpdateReactions(ctx context.Context, id string, reactions []Reaction) error

	CreatePendingSend(ctx context.Context, p *PendingSend) error
	ListDuePendingSends(ctx context.Context, olderThan time.Time, limit int) ([]*PendingSend, error)
	ConfirmPendingSend(ctx context.Context, messageID string) error
	RecordPendingAttempt(ctx context.Context, messageID string, maxAttempts int) (PendingSendStatus, error)
	DeletePendingSends(ctx context.Context, status PendingSendStatus, before time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
