// ABOUTME: Confirms locally sent messages against the provider listing
// ABOUTME: Retries a bounded number of times, then marks the send failed

package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/parley/internal/metrics"
	"github.com/2389/parley/internal/store"
)

// PendingStore is the pending-send bookkeeping the sweeper needs.
type PendingStore interface {
	ListDuePendingSends(ctx context.Context, olderThan time.Time, limit int) ([]*store.PendingSend, error)
	ConfirmPendingSend(ctx context.Context, messageID string) error
	RecordPendingAttempt(ctx context.Context, messageID string, maxAttempts int) (store.PendingSendStatus, error)
	DeletePendingSends(ctx context.Context, status store.PendingSendStatus, before time.Time) (int64, error)
}

// WindowReconciler syncs a conversation from a point in time.
type WindowReconciler interface {
	ReconcileWindow(ctx context.Context, id string, after time.Time) (Stats, map[string]bool, error)
}

// SweeperConfig tunes the pending-send sweeper.
type SweeperConfig struct {
	Interval    time.Duration
	SyncAfter   time.Duration
	MaxAttempts int
	Retention   time.Duration
}

// Provider clocks and ours disagree; look this far before the send.
const windowSkew = time.Minute

const sweepBatch = 100

// Sweeper periodically checks pending sends.
type Sweeper struct {
	store      PendingStore
	reconciler WindowReconciler
	cfg        SweeperConfig
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewSweeper creates a sweeper, filling zero config values with defaults.
func NewSweeper(s PendingStore, r WindowReconciler, cfg SweeperConfig, m *metrics.Metrics, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.SyncAfter <= 0 {
		cfg.SyncAfter = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	return &Sweeper{
		store:      s,
		reconciler: r,
		cfg:        cfg,
		metrics:    m,
		logger:     logger.With("component", "pending-sweeper"),
		now:        time.Now,
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one check over every due pending send and removes old rows.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now()

	due, err := s.store.ListDuePendingSends(ctx, now.Add(-s.cfg.SyncAfter), sweepBatch)
	if err != nil {
		s.logger.Error("listing pending sends", "error", err)
		return
	}

	byConversation := make(map[string][]*store.PendingSend)
	var order []string
	for _, p := range due {
		if _, ok := byConversation[p.ConversationID]; !ok {
			order = append(order, p.ConversationID)
		}
		byConversation[p.ConversationID] = append(byConversation[p.ConversationID], p)
	}

	for _, convID := range order {
		s.check(ctx, convID, byConversation[convID])
	}

	cutoff := now.Add(-s.cfg.Retention)
	for _, status := range []store.PendingSendStatus{store.PendingStatusConfirmed, store.PendingStatusFailed} {
		n, err := s.store.DeletePendingSends(ctx, status, cutoff)
		if err != nil {
			s.logger.Error("deleting old pending sends", "status", status, "error", err)
			continue
		}
		if n > 0 {
			s.logger.Debug("deleted old pending sends", "status", status, "count", n)
		}
	}
}

// check reconciles one conversation and settles its pending sends.
// Rows are oldest first, so the first one bounds the window.
func (s *Sweeper) check(ctx context.Context, convID string, pending []*store.PendingSend) {
	after := pending[0].CreatedAt.Add(-windowSkew)
	_, seen, err := s.reconciler.ReconcileWindow(ctx, convID, after)
	if err != nil {
		s.logger.Warn("pending send check failed", "conversation_id", convID, "error", err)
	}

	for _, p := range pending {
		if err == nil && seen[p.MessageID] {
			if cerr := s.store.ConfirmPendingSend(ctx, p.MessageID); cerr != nil {
				s.logger.Error("confirming pending send", "message_id", p.MessageID, "error", cerr)
				continue
			}
			s.metrics.PendingSend("confirmed")
			continue
		}

		status, aerr := s.store.RecordPendingAttempt(ctx, p.MessageID, s.cfg.MaxAttempts)
		if aerr != nil {
			s.logger.Error("recording pending attempt", "message_id", p.MessageID, "error", aerr)
			continue
		}
		if status == store.PendingStatusFailed {
			s.metrics.PendingSend("failed")
			s.logger.Warn("sent message never appeared at provider",
				"message_id", p.MessageID,
				"conversation_id", convID,
				"attempts", s.cfg.MaxAttempts)
		}
	}
}
