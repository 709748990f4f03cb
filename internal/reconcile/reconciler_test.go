// ABOUTME: Tests for the reconciler against a fake provider and a real SQLite store
// ABOUTME: Covers first sync, skip rule, incremental fetch, failure isolation and resync

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/provider"
	"github.com/2389/parley/internal/store"
)

var t1 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const pageSize = 2

type fakeProvider struct {
	mu       sync.Mutex
	convs    []provider.Conversation
	msgs     map[string][]*store.Message
	fail     map[string]error
	listErr  error
	calls    map[string]int
	lastFrom map[string]*time.Time

	// gate, when set, holds the next ListMessages call until closed.
	gate    chan struct{}
	entered chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		msgs:     make(map[string][]*store.Message),
		fail:     make(map[string]error),
		calls:    make(map[string]int),
		lastFrom: make(map[string]*time.Time),
	}
}

func (f *fakeProvider) setConversation(id string, activity time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.convs {
		if f.convs[i].ID == id {
			f.convs[i].Timestamp = activity
			return
		}
	}
	f.convs = append(f.convs, provider.Conversation{ID: id, AccountID: "acct-1", Name: "chat " + id, Timestamp: activity})
}

func (f *fakeProvider) addMessage(conv, id string, ts time.Time, dir store.Direction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs[conv] = append(f.msgs[conv], &store.Message{
		ID:             id,
		ConversationID: conv,
		Direction:      dir,
		Timestamp:      ts,
		Text:           "text " + id,
		Source:         store.SourceReconcile,
	})
}

func (f *fakeProvider) ListConversations(_ context.Context, cursor string) (*provider.ConversationPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	start, _ := strconv.Atoi(cursor)
	end := min(start+pageSize, len(f.convs))
	page := &provider.ConversationPage{Items: append([]provider.Conversation(nil), f.convs[start:end]...)}
	if end < len(f.convs) {
		page.Cursor = strconv.Itoa(end)
	}
	return page, nil
}

// block makes the next ListMessages call wait. entered fires once that call
// is waiting; closing the returned gate releases it.
func (f *fakeProvider) block() (gate chan struct{}, entered chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	f.entered = make(chan struct{}, 1)
	return f.gate, f.entered
}

// ListMessages returns newest first, like the real provider.
func (f *fakeProvider) ListMessages(_ context.Context, conv string, after *time.Time, cursor string) (*provider.MessagePage, error) {
	f.mu.Lock()
	gate, entered := f.gate, f.entered
	f.gate = nil
	f.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[conv]++
	f.lastFrom[conv] = after
	if err := f.fail[conv]; err != nil {
		return nil, err
	}

	var matched []*store.Message
	for _, m := range f.msgs[conv] {
		if after == nil || m.Timestamp.After(*after) {
			cp := *m
			matched = append(matched, &cp)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })

	start, _ := strconv.Atoi(cursor)
	end := min(start+pageSize, len(matched))
	page := &provider.MessagePage{Items: matched[start:end]}
	if end < len(matched) {
		page.Cursor = strconv.Itoa(end)
	}
	return page, nil
}

func (f *fakeProvider) callCount(conv string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[conv]
}

type recordingConn struct {
	mu  sync.Mutex
	ids []string
}

func (c *recordingConn) Write(_ context.Context, ev *conversation.Event) error {
	c.mu.Lock()
	c.ids = append(c.ids, ev.Message.ID)
	c.mu.Unlock()
	return nil
}

func (c *recordingConn) Close(string) {}

func (c *recordingConn) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

type harness struct {
	rec   *Reconciler
	prov  *fakeProvider
	store *store.SQLStore
	conn  *recordingConn
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithOptions(t, Options{Concurrency: 2})
}

func newHarnessWithOptions(t *testing.T, opts Options) *harness {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	b := conversation.NewBroadcaster(time.Second, nil, nil)
	conn := &recordingConn{}
	b.Subscribe(conn, nil)

	svc := conversation.New(s, nil, b, nil)
	t.Cleanup(svc.Close)

	prov := newFakeProvider()
	return &harness{
		rec:   New(prov, s, svc, opts, nil, nil),
		prov:  prov,
		store: s,
		conn:  conn,
	}
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sync")
		var zero T
		return zero
	}
}

type syncResult struct {
	stats Stats
	err   error
}

func (h *harness) storedIDs(t *testing.T, conv string) []string {
	t.Helper()
	res, err := h.store.ListMessages(t.Context(), store.ListMessagesParams{ConversationID: conv, Limit: 100})
	require.NoError(t, err)
	var ids []string
	for _, m := range res.Messages {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	return ids
}

func TestReconcileAll_FirstSyncInsertsEverything(t *testing.T) {
	h := newHarness(t)
	t2, t3 := t1.Add(time.Minute), t1.Add(2*time.Minute)
	h.prov.setConversation("chat-1", t3)
	h.prov.addMessage("chat-1", "m1", t1, store.DirectionInbound)
	h.prov.addMessage("chat-1", "m2", t2, store.DirectionInbound)
	h.prov.addMessage("chat-1", "m3", t3, store.DirectionInbound)

	stats, err := h.rec.ReconcileAll(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ConversationsListed)
	assert.Equal(t, 1, stats.ConversationsSynced)
	assert.Equal(t, 3, stats.MessagesFetched)
	assert.Equal(t, 3, stats.MessagesInserted)
	assert.Equal(t, 1, stats.UnreadTransitions)
	assert.Zero(t, stats.Errors)

	conv, err := h.store.GetConversation(t.Context(), "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "chat chat-1", conv.Name)
	assert.True(t, conv.LastActivity.Equal(t3))
	assert.False(t, conv.Read)

	res, err := h.store.ListMessages(t.Context(), store.ListMessagesParams{ConversationID: "chat-1"})
	require.NoError(t, err)
	assert.Len(t, res.Messages, 3)
	for _, m := range res.Messages {
		assert.Equal(t, "acct-1", m.AccountID)
	}

	assert.Equal(t, []string{"m1", "m2", "m3"}, h.conn.received(), "published oldest first")
}

func TestReconcileAll_SkipsUnchangedConversations(t *testing.T) {
	h := newHarness(t)
	h.prov.setConversation("chat-1", t1)
	h.prov.addMessage("chat-1", "m1", t1, store.DirectionInbound)

	_, err := h.rec.ReconcileAll(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, h.prov.callCount("chat-1"))

	stats, err := h.rec.ReconcileAll(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ConversationsSkipped)
	assert.Equal(t, 0, stats.ConversationsSynced)
	assert.Equal(t, 1, h.prov.callCount("chat-1"), "no provider call for an unchanged conversation")
}

func TestReconcileAll_IncrementalAfterActivity(t *testing.T) {
	h := newHarness(t)
	h.prov.setConversation("chat-1", t1)
	h.prov.addMessage("chat-1", "m1", t1, store.DirectionInbound)

	_, err := h.rec.ReconcileAll(t.Context())
	require.NoError(t, err)

	t2 := t1.Add(time.Minute)
	h.prov.addMessage("chat-1", "m2", t2, store.DirectionOutbound)
	h.prov.setConversation("chat-1", t2)

	stats, err := h.rec.ReconcileAll(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.MessagesFetched)
	assert.Equal(t, 1, stats.MessagesInserted)
	assert.Equal(t, 0, stats.UnreadTransitions)

	h.prov.mu.Lock()
	from := h.prov.lastFrom["chat-1"]
	h.prov.mu.Unlock()
	require.NotNil(t, from)
	assert.True(t, from.Equal(t1), "fetches strictly after the newest stored message")
}

func TestReconcileAll_IsolatesConversationFailures(t *testing.T) {
	h := newHarness(t)
	for i := range 3 {
		id := fmt.Sprintf("chat-%d", i)
		h.prov.setConversation(id, t1)
		h.prov.addMessage(id, "m-"+id, t1, store.DirectionInbound)
	}
	h.prov.fail["chat-1"] = fmt.Errorf("%w: timeout", provider.ErrTransient)

	stats, err := h.rec.ReconcileAll(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.ConversationsListed)
	assert.Equal(t, 2, stats.MessagesInserted)
	assert.Equal(t, 1, stats.Errors)

	// The failed conversation is retried on the next pass.
	delete(h.prov.fail, "chat-1")
	stats, err = h.rec.ReconcileAll(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.MessagesInserted)
	assert.Equal(t, 2, stats.ConversationsSkipped)
}

func TestReconcileAll_ListFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.prov.listErr = provider.ErrUnauthorized

	_, err := h.rec.ReconcileAll(t.Context())
	assert.ErrorIs(t, err, provider.ErrUnauthorized)
}

func TestReconcileAll_ConversationWithoutMessagesIsRechecked(t *testing.T) {
	h := newHarness(t)
	h.prov.setConversation("chat-1", t1)

	_, err := h.rec.ReconcileAll(t.Context())
	require.NoError(t, err)
	_, err = h.rec.ReconcileAll(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, h.prov.callCount("chat-1"))
}

func TestResync_BackfillsOlderMessages(t *testing.T) {
	h := newHarness(t)
	h.prov.setConversation("chat-1", t1.Add(time.Hour))
	h.prov.addMessage("chat-1", "new", t1.Add(time.Hour), store.DirectionInbound)

	_, err := h.rec.ReconcileAll(t.Context())
	require.NoError(t, err)

	// A message older than the newest stored one is only found by a full sync.
	h.prov.addMessage("chat-1", "old", t1, store.DirectionInbound)
	stats, err := h.rec.ReconcileAll(t.Context())
	require.NoError(t, err)
	assert.Zero(t, stats.MessagesInserted)

	stats, err = h.rec.Resync(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.MessagesInserted)
	assert.Equal(t, 2, stats.MessagesFetched)

	conv, err := h.store.GetConversation(t.Context(), "chat-1")
	require.NoError(t, err)
	assert.True(t, conv.LastActivity.Equal(t1.Add(time.Hour)), "an older message never moves last activity back")
}

func TestReconcileConversation_Unknown(t *testing.T) {
	h := newHarness(t)
	_, err := h.rec.ReconcileConversation(t.Context(), "missing", false)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReconcileConversation_GoneAtProvider(t *testing.T) {
	h := newHarness(t)
	h.prov.setConversation("chat-1", t1)
	_, err := h.rec.ReconcileAll(t.Context())
	require.NoError(t, err)

	h.prov.fail["chat-1"] = provider.ErrNotFound
	_, err = h.rec.ReconcileConversation(t.Context(), "chat-1", true)
	assert.True(t, errors.Is(err, provider.ErrNotFound))
}

func TestReconcileWindow_ReportsSeenIDs(t *testing.T) {
	h := newHarness(t)
	h.prov.setConversation("chat-1", t1)
	h.prov.addMessage("chat-1", "before", t1.Add(-time.Hour), store.DirectionInbound)
	h.prov.addMessage("chat-1", "sent-1", t1.Add(time.Second), store.DirectionOutbound)
	_, err := h.rec.ReconcileAll(t.Context())
	require.NoError(t, err)

	_, seen, err := h.rec.ReconcileWindow(t.Context(), "chat-1", t1)
	require.NoError(t, err)
	assert.True(t, seen["sent-1"])
	assert.False(t, seen["before"])
}

func TestReconcileAll_PageLimitResumesOnNextPass(t *testing.T) {
	h := newHarnessWithOptions(t, Options{Concurrency: 1, MaxPages: 2})
	for i := range 6 {
		h.prov.addMessage("chat-1", fmt.Sprintf("m%d", i), t1.Add(time.Duration(i)*time.Minute), store.DirectionInbound)
	}
	h.prov.setConversation("chat-1", t1.Add(5*time.Minute))

	// Two pages of two reach the four newest messages only.
	stats, err := h.rec.ReconcileAll(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 4, stats.MessagesInserted)
	assert.Equal(t, 1, stats.Errors, "an unfinished window is reported")

	conv, err := h.store.GetConversation(t.Context(), "chat-1")
	require.NoError(t, err)
	require.NotNil(t, conv.Backfill)
	assert.True(t, conv.SyncedActivity.IsZero(), "not marked synced while messages are missing")

	// Nothing changed at the provider, but the unfinished window is resumed.
	stats, err = h.rec.ReconcileAll(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.ConversationsSkipped)
	assert.Equal(t, 2, stats.MessagesInserted)
	assert.Zero(t, stats.Errors)
	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4", "m5"}, h.storedIDs(t, "chat-1"))

	conv, err = h.store.GetConversation(t.Context(), "chat-1")
	require.NoError(t, err)
	assert.Nil(t, conv.Backfill)
	assert.True(t, conv.SyncedActivity.Equal(t1.Add(5*time.Minute)))

	stats, err = h.rec.ReconcileAll(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ConversationsSkipped)
}

func TestReconcileConversation_PageLimitKeepsIncrementalLowerBound(t *testing.T) {
	h := newHarnessWithOptions(t, Options{Concurrency: 1, MaxPages: 2})
	h.prov.setConversation("chat-1", t1)
	h.prov.addMessage("chat-1", "first", t1, store.DirectionInbound)
	_, err := h.rec.ReconcileAll(t.Context())
	require.NoError(t, err)

	for i := 1; i <= 6; i++ {
		h.prov.addMessage("chat-1", fmt.Sprintf("m%d", i), t1.Add(time.Duration(i)*time.Minute), store.DirectionInbound)
	}

	stats, err := h.rec.ReconcileConversation(t.Context(), "chat-1", false)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.MessagesInserted)

	stats, err = h.rec.ReconcileConversation(t.Context(), "chat-1", false)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.MessagesInserted)
	assert.Equal(t, []string{"first", "m1", "m2", "m3", "m4", "m5", "m6"}, h.storedIDs(t, "chat-1"))

	// The catch-up after the resumed window asks for anything newer than the
	// newest stored message.
	h.prov.mu.Lock()
	from := h.prov.lastFrom["chat-1"]
	h.prov.mu.Unlock()
	require.NotNil(t, from)
	assert.True(t, from.Equal(t1.Add(6*time.Minute)))
}

func TestReconcileConversation_FullRequestDuringIncrementalRunsFull(t *testing.T) {
	h := newHarness(t)
	h.prov.setConversation("chat-1", t1.Add(time.Hour))
	h.prov.addMessage("chat-1", "new", t1.Add(time.Hour), store.DirectionInbound)
	_, err := h.rec.ReconcileAll(t.Context())
	require.NoError(t, err)

	// Only a full sync reaches a message older than the newest stored one.
	h.prov.addMessage("chat-1", "old", t1, store.DirectionInbound)

	gate, entered := h.prov.block()
	incremental := make(chan syncResult, 1)
	go func() {
		s, err := h.rec.ReconcileConversation(t.Context(), "chat-1", false)
		incremental <- syncResult{s, err}
	}()
	receive(t, entered)

	full := make(chan syncResult, 1)
	go func() {
		s, err := h.rec.ReconcileConversation(t.Context(), "chat-1", true)
		full <- syncResult{s, err}
	}()
	time.Sleep(20 * time.Millisecond)
	close(gate)

	inc := receive(t, incremental)
	require.NoError(t, inc.err)
	assert.Zero(t, inc.stats.MessagesInserted)

	res := receive(t, full)
	require.NoError(t, res.err)
	assert.Equal(t, 2, res.stats.MessagesFetched)
	assert.Equal(t, 1, res.stats.MessagesInserted)
	assert.Equal(t, []string{"new", "old"}, h.storedIDs(t, "chat-1"))
}

func TestReconcileConversation_CancelledCallerDoesNotAbortSharedSync(t *testing.T) {
	h := newHarness(t)
	h.prov.setConversation("chat-1", t1)
	_, err := h.rec.ReconcileAll(t.Context())
	require.NoError(t, err)
	h.prov.addMessage("chat-1", "m1", t1, store.DirectionInbound)

	gate, entered := h.prov.block()
	ctx, cancel := context.WithCancel(t.Context())
	first := make(chan syncResult, 1)
	go func() {
		s, err := h.rec.ReconcileConversation(ctx, "chat-1", false)
		first <- syncResult{s, err}
	}()
	receive(t, entered)

	second := make(chan syncResult, 1)
	go func() {
		s, err := h.rec.ReconcileConversation(t.Context(), "chat-1", false)
		second <- syncResult{s, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	res := receive(t, first)
	assert.ErrorIs(t, res.err, context.Canceled)

	close(gate)
	res = receive(t, second)
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.stats.MessagesInserted)
	assert.Zero(t, res.stats.Errors)
	assert.Equal(t, []string{"m1"}, h.storedIDs(t, "chat-1"))
}

func TestReconcileWindow_JoinedCallersShareSeenIDs(t *testing.T) {
	h := newHarness(t)
	h.prov.setConversation("chat-1", t1)
	_, err := h.rec.ReconcileAll(t.Context())
	require.NoError(t, err)
	h.prov.addMessage("chat-1", "sent-1", t1.Add(time.Second), store.DirectionOutbound)

	type joined struct {
		seen map[string]bool
		err  error
	}
	gate, entered := h.prov.block()
	results := make(chan joined, 2)
	call := func() {
		_, seen, err := h.rec.ReconcileWindow(t.Context(), "chat-1", t1)
		results <- joined{seen, err}
	}
	go call()
	receive(t, entered)
	go call()
	time.Sleep(20 * time.Millisecond)
	close(gate)

	for range 2 {
		res := receive(t, results)
		require.NoError(t, res.err)
		assert.True(t, res.seen["sent-1"])
	}
	assert.Equal(t, 2, h.prov.callCount("chat-1"), "the second caller joined the first window fetch")
}

