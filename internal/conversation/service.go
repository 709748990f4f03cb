// ABOUTME: Service is the single write path for messages from every ingestion source
// ABOUTME: Serializes merges per conversation, then publishes inserted messages in merge order

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/parley/internal/metrics"
	"github.com/2389/parley/internal/provider"
	"github.com/2389/parley/internal/store"
)

// ErrEmptyMessage is returned when a local send has no text.
var ErrEmptyMessage = errors.New("message text is empty")

// ConversationStore defines what the service needs from storage
type ConversationStore interface {
	MergeMessage(ctx context.Context, msg *store.Message) (store.MergeResult, error)
	MergeConversation(ctx context.Context, conv *store.Conversation) (store.ConversationMergeResult, error)
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	MarkRead(ctx context.Context, conversationID string) error
	LatestInboundMessageID(ctx context.Context, conversationID string) (string, error)
	UpdateMessageFlags(ctx context.Context, id string, f store.MessageFlags) error
	UpdateReactions(ctx context.Context, id string, reactions []store.Reaction) error
	CreatePendingSend(ctx context.Context, p *store.PendingSend) error
}

// MessageSender defines what the service needs from the provider
type MessageSender interface {
	Send(ctx context.Context, conversationID, text string) (provider.SendResult, error)
}

// Publisher receives every newly inserted message
type Publisher interface {
	Publish(ctx context.Context, ev *Event)
}

// Service funnels webhook, reconciliation and local-send messages through
// one deduplicating merge. Merges for the same conversation never overlap,
// which keeps the read flag and timestamp free of lost updates and makes
// publish order match merge order.
type Service struct {
	store     ConversationStore
	sender    MessageSender
	publisher Publisher
	locks     *keyedMutex
	autopilot *Autopilot
	metrics   *metrics.Metrics
	logger    *slog.Logger

	bg       context.Context
	cancelBg context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a new conversation service. sender and publisher may be nil.
func New(s ConversationStore, sender MessageSender, publisher Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	bg, cancel := context.WithCancel(context.Background())
	return &Service{
		store:     s,
		sender:    sender,
		publisher: publisher,
		locks:     newKeyedMutex(),
		logger:    logger.With("component", "conversation"),
		bg:        bg,
		cancelBg:  cancel,
	}
}

// SetMetrics attaches metrics collectors.
func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// SetAutopilot enables automatic replies for autonomous conversations.
func (s *Service) SetAutopilot(a *Autopilot) { s.autopilot = a }

// EnsureConversation creates a stub conversation if it is unknown. Name and
// other metadata are backfilled by the next reconciliation pass.
func (s *Service) EnsureConversation(ctx context.Context, conv *store.Conversation) (store.ConversationMergeResult, error) {
	res, err := s.store.MergeConversation(ctx, conv)
	if err != nil {
		return res, fmt.Errorf("ensuring conversation %s: %w", conv.ID, err)
	}
	if res.Inserted {
		s.logger.Debug("conversation created", "conversation_id", conv.ID)
	}
	return res, nil
}

// Merge stores msg if it is new and publishes it. Duplicates return
// Inserted=false without error.
func (s *Service) Merge(ctx context.Context, msg *store.Message) (store.MergeResult, error) {
	unlock := s.locks.Lock(msg.ConversationID)
	res, err := s.mergeLocked(ctx, msg)
	unlock()

	if err == nil && res.Inserted && msg.Inbound() && msg.Source == store.SourceWebhook && s.autopilot != nil {
		s.startAutopilot(msg)
	}
	return res, err
}

func (s *Service) mergeLocked(ctx context.Context, msg *store.Message) (store.MergeResult, error) {
	source := string(msg.Source)

	res, err := s.store.MergeMessage(ctx, msg)
	if err != nil {
		s.metrics.Merge(source, metrics.OutcomeError)
		return res, fmt.Errorf("merging message %s: %w", msg.ID, err)
	}
	if !res.Inserted {
		s.metrics.Merge(source, metrics.OutcomeDuplicate)
		s.logger.Debug("duplicate message ignored",
			"message_id", msg.ID,
			"conversation_id", msg.ConversationID,
			"source", source)
		return res, nil
	}

	s.metrics.Merge(source, metrics.OutcomeInserted)
	s.logger.Debug("message merged",
		"message_id", msg.ID,
		"conversation_id", msg.ConversationID,
		"direction", msg.Direction,
		"source", source,
		"became_unread", res.BecameUnread)

	if s.publisher != nil {
		s.publisher.Publish(ctx, &Event{
			Type:           EventMessageNew,
			ConversationID: msg.ConversationID,
			AccountID:      msg.AccountID,
			Unread:         res.Unread,
			LastActivity:   res.LastActivity,
			Message:        msg,
		})
	}
	return res, nil
}

// MarkRead applies an explicit client acknowledgement. It takes the
// conversation lock so it cannot interleave with a merge's state update.
func (s *Service) MarkRead(ctx context.Context, conversationID string) error {
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	if err := s.store.MarkRead(ctx, conversationID); err != nil {
		return fmt.Errorf("marking %s read: %w", conversationID, err)
	}
	return nil
}

// SendLocal sends text through the provider, stores the acknowledged message
// immediately and records it as a pending send. The returned message carries
// the provider id the client uses as its pending-send marker.
func (s *Service) SendLocal(ctx context.Context, conversationID, text string) (*store.Message, error) {
	return s.send(ctx, conversationID, text, store.SourceLocal)
}

func (s *Service) send(ctx context.Context, conversationID, text string, source store.Source) (*store.Message, error) {
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if s.sender == nil {
		return nil, errors.New("no message sender configured")
	}

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("looking up conversation %s: %w", conversationID, err)
	}

	res, err := s.sender.Send(ctx, conversationID, text)
	if err != nil {
		return nil, err
	}

	msg := &store.Message{
		ID:              res.MessageID,
		ConversationID:  conversationID,
		AccountID:       conv.AccountID,
		Direction:       store.DirectionOutbound,
		Timestamp:       time.Now().UTC(),
		Text:            text,
		SentByAutopilot: source == store.SourceAutopilot,
		Source:          source,
	}

	// The provider already accepted the message; a failed local merge is
	// recovered by reconciliation, so it is logged rather than returned.
	if _, err := s.Merge(ctx, msg); err != nil {
		s.logger.Error("failed to store sent message",
			"error", err,
			"message_id", msg.ID,
			"conversation_id", conversationID)
	}

	pending := &store.PendingSend{MessageID: msg.ID, ConversationID: conversationID}
	if err := s.store.CreatePendingSend(ctx, pending); err != nil {
		s.logger.Error("failed to record pending send",
			"error", err,
			"message_id", msg.ID,
			"conversation_id", conversationID)
	} else {
		s.metrics.PendingSend("recorded")
	}

	s.logger.Info("message sent",
		"message_id", msg.ID,
		"conversation_id", conversationID,
		"source", source)
	return msg, nil
}

// ApplyFlags records delivery/seen/edited updates for an existing message.
func (s *Service) ApplyFlags(ctx context.Context, messageID string, f store.MessageFlags) error {
	if err := s.store.UpdateMessageFlags(ctx, messageID, f); err != nil {
		return fmt.Errorf("updating flags on %s: %w", messageID, err)
	}
	return nil
}

// ApplyReactions replaces the reaction list on an existing message.
func (s *Service) ApplyReactions(ctx context.Context, messageID string, reactions []store.Reaction) error {
	if err := s.store.UpdateReactions(ctx, messageID, reactions); err != nil {
		return fmt.Errorf("updating reactions on %s: %w", messageID, err)
	}
	return nil
}

// Close cancels background autopilot work and waits for it to finish.
func (s *Service) Close() {
	s.cancelBg()
	s.wg.Wait()
}
