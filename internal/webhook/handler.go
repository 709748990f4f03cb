// ABOUTME: HTTP ingestor for provider webhook callbacks
// ABOUTME: Always acknowledges with 200 so the provider never retries; failures are logged

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/parley/internal/metrics"
	"github.com/2389/parley/internal/store"
)

const (
	defaultMaxBody = 1 << 20
	defaultMaxSkew = 5 * time.Minute
)

// Ingestor is the write path a webhook feeds.
type Ingestor interface {
	EnsureConversation(ctx context.Context, conv *store.Conversation) (store.ConversationMergeResult, error)
	Merge(ctx context.Context, msg *store.Message) (store.MergeResult, error)
	ApplyFlags(ctx context.Context, messageID string, f store.MessageFlags) error
	ApplyReactions(ctx context.Context, messageID string, reactions []store.Reaction) error
}

// Config configures the webhook handler.
type Config struct {
	// Secret enables signature verification when set.
	Secret  string
	MaxSkew time.Duration
	MaxBody int64
}

// Handler receives webhook deliveries.
type Handler struct {
	ingestor Ingestor
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewHandler creates a webhook handler.
func NewHandler(ing Ingestor, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = defaultMaxSkew
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = defaultMaxBody
	}
	return &Handler{
		ingestor: ing,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With("component", "webhook"),
		now:      time.Now,
	}
}

// ack is the response body for every delivery.
type ack struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBody))
	if err != nil {
		h.logger.Warn("failed to read webhook body", "error", err)
		h.metrics.WebhookEvent("unknown", "unreadable")
		h.respond(w, ack{Status: "error", Message: "unreadable body"})
		return
	}

	if h.cfg.Secret != "" {
		err := Verify(h.cfg.Secret, r.Header.Get(HeaderTimestamp), r.Header.Get(HeaderSignature), body, h.now(), h.cfg.MaxSkew)
		if err != nil {
			h.logger.Warn("rejected webhook", "error", err, "remote", r.RemoteAddr)
			h.metrics.WebhookEvent("unknown", "unauthenticated")
			h.respond(w, ack{Status: "error", Message: "unauthenticated"})
			return
		}
	}

	ev, err := Normalize(body)
	if err != nil {
		h.logger.Error("invalid webhook payload", "error", err)
		h.metrics.WebhookEvent("unknown", "invalid")
		h.respond(w, ack{Status: "error", Message: "invalid payload"})
		return
	}

	outcome, err := h.HandleEvent(r.Context(), ev)
	h.metrics.WebhookEvent(ev.Kind, outcome)
	if err != nil {
		h.logger.Error("failed to process webhook",
			"error", err,
			"event", ev.Kind,
			"conversation_id", ev.Conversation.ID,
			"message_id", ev.MessageID)
		h.respond(w, ack{Status: "error", MessageID: ev.MessageID, Message: "internal processing error"})
		return
	}
	h.respond(w, ack{Status: "success", MessageID: ev.MessageID})
}

func (h *Handler) respond(w http.ResponseWriter, a ack) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(a)
}

// HandleEvent applies one normalized event and returns its metrics outcome.
func (h *Handler) HandleEvent(ctx context.Context, ev *Event) (string, error) {
	switch ev.Kind {
	case KindMessageReceived:
		return h.handleMessage(ctx, ev)
	case KindMessageRead:
		seen := true
		return h.applyFlags(ctx, ev, store.MessageFlags{Seen: &seen})
	case KindMessageDelivered:
		delivered := true
		return h.applyFlags(ctx, ev, store.MessageFlags{Delivered: &delivered})
	case KindMessageEdited:
		edited := true
		return h.applyFlags(ctx, ev, store.MessageFlags{Edited: &edited})
	case KindMessageReaction:
		err := h.ingestor.ApplyReactions(ctx, ev.MessageID, ev.Reactions)
		return h.updateOutcome(ev, err)
	default:
		h.logger.Info("ignoring unknown webhook event", "event", ev.Kind, "message_id", ev.MessageID)
		return "ignored", nil
	}
}

func (h *Handler) handleMessage(ctx context.Context, ev *Event) (string, error) {
	// Stub conversations are backfilled by the next reconciliation pass.
	if _, err := h.ingestor.EnsureConversation(ctx, ev.Conversation); err != nil {
		return metrics.OutcomeError, err
	}

	res, err := h.ingestor.Merge(ctx, ev.Message)
	if err != nil {
		return metrics.OutcomeError, fmt.Errorf("merging webhook message: %w", err)
	}
	if !res.Inserted {
		h.logger.Debug("duplicate webhook delivery", "message_id", ev.MessageID)
		return metrics.OutcomeDuplicate, nil
	}
	h.logger.Info("webhook message stored",
		"message_id", ev.MessageID,
		"conversation_id", ev.Conversation.ID,
		"direction", ev.Message.Direction)
	return metrics.OutcomeInserted, nil
}

func (h *Handler) applyFlags(ctx context.Context, ev *Event, f store.MessageFlags) (string, error) {
	return h.updateOutcome(ev, h.ingestor.ApplyFlags(ctx, ev.MessageID, f))
}

// updateOutcome treats updates for messages we have not stored yet as
// no-ops; reconciliation brings the message in with its flags.
func (h *Handler) updateOutcome(ev *Event, err error) (string, error) {
	if errors.Is(err, store.ErrNotFound) {
		h.logger.Debug("update for unknown message", "event", ev.Kind, "message_id", ev.MessageID)
		return "unknown_message", nil
	}
	if err != nil {
		return metrics.OutcomeError, err
	}
	return "updated", nil
}
