// ABOUTME: Pull reconciliation of provider conversations and messages into the store
// ABOUTME: Skips unchanged conversations and isolates per-conversation failures

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/2389/parley/internal/metrics"
	"github.com/2389/parley/internal/provider"
	"github.com/2389/parley/internal/store"
)

const (
	defaultConcurrency = 4
	defaultMaxPages    = 20
	defaultSyncTimeout = 5 * time.Minute
)

// Provider is the subset of the provider client used for reconciliation.
type Provider interface {
	ListConversations(ctx context.Context, cursor string) (*provider.ConversationPage, error)
	ListMessages(ctx context.Context, conversationID string, after *time.Time, cursor string) (*provider.MessagePage, error)
}

// Merger is the serialized write path shared with webhooks and local sends.
type Merger interface {
	EnsureConversation(ctx context.Context, conv *store.Conversation) (store.ConversationMergeResult, error)
	Merge(ctx context.Context, msg *store.Message) (store.MergeResult, error)
}

// Store is the subset of the store the reconciler reads directly.
type Store interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	LatestMessageTimestamp(ctx context.Context, conversationID string) (*time.Time, error)
	MarkSynced(ctx context.Context, conversationID string, providerActivity time.Time) error
	SetBackfill(ctx context.Context, conversationID string, b *store.Backfill) error
}

// Stats aggregates the outcome of one or more conversation reconciliations.
type Stats struct {
	ConversationsListed  int           `json:"conversations_listed"`
	ConversationsSynced  int           `json:"conversations_synced"`
	ConversationsSkipped int           `json:"conversations_skipped"`
	MessagesFetched      int           `json:"messages_fetched"`
	MessagesInserted     int           `json:"messages_inserted"`
	UnreadTransitions    int           `json:"unread_transitions"`
	Errors               int           `json:"errors"`
	Duration             time.Duration `json:"duration"`
}

func (s *Stats) add(o Stats) {
	s.ConversationsListed += o.ConversationsListed
	s.ConversationsSynced += o.ConversationsSynced
	s.ConversationsSkipped += o.ConversationsSkipped
	s.MessagesFetched += o.MessagesFetched
	s.MessagesInserted += o.MessagesInserted
	s.UnreadTransitions += o.UnreadTransitions
	s.Errors += o.Errors
}

// Options tunes a Reconciler. Zero values select defaults.
type Options struct {
	// Concurrency bounds how many conversations sync in parallel.
	Concurrency int
	// MaxPages bounds message pages fetched per conversation per sync. A
	// window that needs more pages is finished by later syncs.
	MaxPages int
	// SyncTimeout bounds one shared conversation sync. Shared syncs outlive
	// the caller that started them.
	SyncTimeout time.Duration
}

// Reconciler pulls provider state and merges it through the shared write path.
type Reconciler struct {
	provider Provider
	store    Store
	merger   Merger
	opts     Options
	flight   singleflight.Group
	locks    sync.Map // conversation id -> *sync.Mutex
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a reconciler.
func New(p Provider, s Store, m Merger, opts Options, met *metrics.Metrics, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPages
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = defaultSyncTimeout
	}
	return &Reconciler{
		provider: p,
		store:    s,
		merger:   m,
		opts:     opts,
		metrics:  met,
		logger:   logger.With("component", "reconciler"),
	}
}

// ReconcileAll lists every provider conversation and syncs the ones whose
// provider activity moved since their last successful sync.
//
// A failure to list conversations is fatal to the pass and returned. Errors
// for individual conversations are logged and counted in Stats.Errors.
func (r *Reconciler) ReconcileAll(ctx context.Context) (Stats, error) {
	return r.pass(ctx, false)
}

// Resync fetches the full history of every provider conversation.
func (r *Reconciler) Resync(ctx context.Context) (Stats, error) {
	return r.pass(ctx, true)
}

func (r *Reconciler) pass(ctx context.Context, full bool) (Stats, error) {
	start := time.Now()

	var (
		mu    sync.Mutex
		stats Stats
	)
	record := func(s Stats) {
		mu.Lock()
		stats.add(s)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)

	cursor := ""
	var listErr error
	for {
		page, err := r.provider.ListConversations(ctx, cursor)
		if err != nil {
			listErr = fmt.Errorf("listing conversations: %w", err)
			break
		}
		record(Stats{ConversationsListed: len(page.Items)})

		for _, pc := range page.Items {
			g.Go(func() error {
				s, err := r.visit(gctx, pc, full)
				if err != nil {
					r.logger.Warn("conversation reconcile failed",
						"conversation_id", pc.ID,
						"error", err)
					s.Errors++
				}
				record(s)
				return nil
			})
		}

		if page.Cursor == "" || page.Cursor == cursor {
			break
		}
		cursor = page.Cursor
	}
	_ = g.Wait()

	stats.Duration = time.Since(start)
	result := "ok"
	if listErr != nil {
		result = "failed"
		stats.Errors++
	}
	r.metrics.ReconcilePass(result, stats.Duration, stats.Errors)

	r.logger.Info("reconcile pass complete",
		"full", full,
		"listed", stats.ConversationsListed,
		"synced", stats.ConversationsSynced,
		"skipped", stats.ConversationsSkipped,
		"inserted", stats.MessagesInserted,
		"unread", stats.UnreadTransitions,
		"errors", stats.Errors,
		"duration", stats.Duration)
	return stats, listErr
}

// visit records the listed conversation and syncs it if it changed.
func (r *Reconciler) visit(ctx context.Context, pc provider.Conversation, full bool) (Stats, error) {
	res, err := r.merger.EnsureConversation(ctx, &store.Conversation{
		ID:               pc.ID,
		AccountID:        pc.AccountID,
		Name:             pc.Name,
		ProviderType:     pc.AccountType,
		ProviderActivity: pc.Timestamp,
	})
	if err != nil {
		return Stats{}, err
	}

	if !full && !res.Inserted {
		needed, err := r.needsSync(ctx, pc.ID)
		if err != nil {
			return Stats{}, err
		}
		if !needed {
			return Stats{ConversationsSkipped: 1}, nil
		}
	}
	return r.ReconcileConversation(ctx, pc.ID, full)
}

func (r *Reconciler) needsSync(ctx context.Context, id string) (bool, error) {
	conv, err := r.store.GetConversation(ctx, id)
	if err != nil {
		return false, fmt.Errorf("loading conversation: %w", err)
	}
	if conv.Backfill != nil || !conv.ProviderActivity.Equal(conv.SyncedActivity) {
		return true, nil
	}
	latest, err := r.store.LatestMessageTimestamp(ctx, id)
	if err != nil {
		return false, fmt.Errorf("reading latest timestamp: %w", err)
	}
	return latest == nil, nil
}

// ReconcileConversation pulls messages strictly after the newest stored
// timestamp, or the whole history when full is set or nothing is stored. An
// unfinished window from an earlier sync is resumed first.
//
// Concurrent calls with the same id and full flag share one in-flight sync.
// Syncs of one conversation never overlap, so a full request that arrives
// during an incremental one runs after it. A caller whose ctx ends stops
// waiting without cancelling the shared sync.
func (r *Reconciler) ReconcileConversation(ctx context.Context, id string, full bool) (Stats, error) {
	key := id
	if full {
		key += "@full"
	}
	v, err := r.shared(ctx, key, id, func(ctx context.Context) (any, error) {
		return r.syncConversation(ctx, id, full, nil)
	})
	stats, _ := v.(Stats)
	return stats, err
}

// ReconcileWindow syncs one conversation from a fixed point in time and
// returns the ids the provider listed. The pending-send sweeper uses it to
// confirm that locally sent messages reached the provider.
func (r *Reconciler) ReconcileWindow(ctx context.Context, id string, after time.Time) (Stats, map[string]bool, error) {
	key := fmt.Sprintf("%s@window@%d", id, after.UnixNano())
	v, err := r.shared(ctx, key, id, func(ctx context.Context) (any, error) {
		w := &window{after: after, seen: make(map[string]bool)}
		stats, err := r.syncConversation(ctx, id, false, w)
		return windowResult{stats: stats, seen: w.seen}, err
	})
	res, _ := v.(windowResult)
	if res.seen == nil {
		res.seen = make(map[string]bool)
	}
	return res.stats, res.seen, err
}

type window struct {
	after time.Time
	seen  map[string]bool
}

type windowResult struct {
	stats Stats
	seen  map[string]bool
}

// shared runs fn once for every caller waiting on key, holding the
// conversation's sync lock. fn gets a context detached from the callers.
func (r *Reconciler) shared(ctx context.Context, key, id string, fn func(context.Context) (any, error)) (any, error) {
	ch := r.flight.DoChan(key, func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.SyncTimeout)
		defer cancel()

		unlock := r.lockConversation(id)
		defer unlock()
		return fn(runCtx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Reconciler) lockConversation(id string) func() {
	v, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (r *Reconciler) syncConversation(ctx context.Context, id string, full bool, w *window) (Stats, error) {
	start := time.Now()
	stats := Stats{ConversationsSynced: 1}

	conv, err := r.store.GetConversation(ctx, id)
	if err != nil {
		return stats, fmt.Errorf("loading conversation %s: %w", id, err)
	}

	var mergeErrs int
	for {
		from, err := r.startPoint(ctx, conv, full, w)
		if err != nil {
			return stats, err
		}

		res, err := r.fetch(ctx, id, from.after, from.cursor)
		stats.MessagesFetched += len(res.msgs)
		stats.Errors += res.malformed
		if err != nil {
			if from.cursor != "" && !errors.Is(err, provider.ErrNotFound) {
				// The cursor may have expired; walk the window again from its
				// newest page next time.
				r.saveBackfill(ctx, id, &store.Backfill{After: derefTime(from.after)})
			}
			return stats, err
		}

		itemErrs := r.mergeAll(ctx, conv, res.msgs, w, &stats)
		stats.Errors += itemErrs
		mergeErrs += itemErrs

		if res.truncated {
			stats.Errors++
			r.logger.Warn("message page limit reached, resuming on next sync",
				"conversation_id", id,
				"pages", r.opts.MaxPages)
			if w == nil {
				next := res.cursor
				if itemErrs > 0 {
					// Refetch the pages holding the failed messages.
					next = ""
				}
				r.saveBackfill(ctx, id, &store.Backfill{After: derefTime(from.after), Cursor: next})
			}
			return stats, nil
		}

		if from.resumed {
			// The interrupted window is complete. Clear it and catch up on
			// anything newer than what the window started from.
			if err := r.store.SetBackfill(ctx, id, nil); err != nil {
				return stats, fmt.Errorf("clearing backfill: %w", err)
			}
			conv.Backfill = nil
			if !full {
				continue
			}
		}
		break
	}

	// Failed items leave the conversation marked as changed so the next
	// pass retries it.
	if mergeErrs == 0 {
		if err := r.store.MarkSynced(ctx, id, conv.ProviderActivity); err != nil {
			return stats, fmt.Errorf("marking synced: %w", err)
		}
	}

	r.logger.Debug("conversation reconciled",
		"conversation_id", id,
		"full", full,
		"fetched", stats.MessagesFetched,
		"inserted", stats.MessagesInserted,
		"duration", time.Since(start))
	return stats, nil
}

type fetchStart struct {
	after   *time.Time
	cursor  string
	resumed bool
}

// startPoint picks the window the next fetch covers.
func (r *Reconciler) startPoint(ctx context.Context, conv *store.Conversation, full bool, w *window) (fetchStart, error) {
	switch {
	case w != nil:
		return fetchStart{after: &w.after}, nil
	case full:
		// A full fetch covers any unfinished window, so finishing it clears one.
		return fetchStart{resumed: conv.Backfill != nil}, nil
	case conv.Backfill != nil:
		sp := fetchStart{cursor: conv.Backfill.Cursor, resumed: true}
		if !conv.Backfill.After.IsZero() {
			after := conv.Backfill.After
			sp.after = &after
		}
		return sp, nil
	}
	after, err := r.store.LatestMessageTimestamp(ctx, conv.ID)
	if err != nil {
		return fetchStart{}, fmt.Errorf("reading latest timestamp: %w", err)
	}
	return fetchStart{after: after}, nil
}

// mergeAll merges msgs oldest first so live clients receive history in
// order. It returns the number of messages that failed to merge.
func (r *Reconciler) mergeAll(ctx context.Context, conv *store.Conversation, msgs []*store.Message, w *window, stats *Stats) int {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })

	var failed int
	for _, msg := range msgs {
		if w != nil {
			w.seen[msg.ID] = true
		}
		if msg.AccountID == "" {
			msg.AccountID = conv.AccountID
		}
		res, err := r.merger.Merge(ctx, msg)
		if err != nil {
			failed++
			r.logger.Warn("failed to merge message",
				"conversation_id", conv.ID,
				"message_id", msg.ID,
				"error", err)
			continue
		}
		if res.Inserted {
			stats.MessagesInserted++
		}
		if res.BecameUnread {
			stats.UnreadTransitions++
		}
	}
	return failed
}

func (r *Reconciler) saveBackfill(ctx context.Context, id string, b *store.Backfill) {
	if err := r.store.SetBackfill(ctx, id, b); err != nil {
		r.logger.Error("failed to record backfill", "conversation_id", id, "error", err)
	}
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

type fetchResult struct {
	msgs      []*store.Message
	malformed int
	// truncated is set when MaxPages ran out before the last page; cursor
	// then points at the first page not fetched.
	truncated bool
	cursor    string
}

// fetch pages through the provider's messages for one conversation, newest
// page first, starting at cursor.
func (r *Reconciler) fetch(ctx context.Context, id string, after *time.Time, cursor string) (fetchResult, error) {
	var res fetchResult
	for page := 0; page < r.opts.MaxPages; page++ {
		p, err := r.provider.ListMessages(ctx, id, after, cursor)
		if err != nil {
			if errors.Is(err, provider.ErrNotFound) {
				return res, fmt.Errorf("conversation %s gone at provider: %w", id, err)
			}
			return res, fmt.Errorf("listing messages for %s: %w", id, err)
		}
		for _, perr := range p.Malformed {
			r.logger.Warn("dropping malformed provider message", "conversation_id", id, "error", perr)
		}
		res.malformed += len(p.Malformed)
		res.msgs = append(res.msgs, p.Items...)

		if p.Cursor == "" || p.Cursor == cursor {
			return res, nil
		}
		cursor = p.Cursor
	}
	res.truncated = true
	res.cursor = cursor
	return res, nil
}
