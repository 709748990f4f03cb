// ABOUTME: Tests for the conversation merge coordinator
// ABOUTME: Verifies dedup across sources, publish semantics, local sends and autopilot

package conversation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/provider"
	"github.com/2389/parley/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (f *fakeSender) Send(_ context.Context, _ string, text string) (provider.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return provider.SendResult{}, f.err
	}
	f.texts = append(f.texts, text)
	return provider.SendResult{MessageID: fmt.Sprintf("sent-%d", len(f.texts))}, nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type testEnv struct {
	svc    *Service
	store  *store.MockStore
	sender *fakeSender
	conn   *fakeConn
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMockStore()
	sender := &fakeSender{}
	b := NewBroadcaster(time.Second, nil, nil)
	conn := &fakeConn{}
	b.Subscribe(conn, nil)

	svc := New(ms, sender, b, nil)
	t.Cleanup(func() {
		svc.Close()
		b.Close()
	})
	return &testEnv{svc: svc, store: ms, sender: sender, conn: conn}
}

func (e *testEnv) seed(t *testing.T, id string, mode store.ResponseMode) {
	t.Helper()
	_, err := e.svc.EnsureConversation(t.Context(), &store.Conversation{ID: id, AccountID: "acct-1", Mode: mode})
	require.NoError(t, err)
}

func inboundMsg(id, conv string, ts time.Time, source store.Source) *store.Message {
	return &store.Message{
		ID:             id,
		ConversationID: conv,
		AccountID:      "acct-1",
		SenderName:     "Alice",
		Direction:      store.DirectionInbound,
		Timestamp:      ts,
		Text:           "hello " + id,
		Source:         source,
	}
}

func TestMerge_PublishesOnlyNewMessages(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "chat-1", "")

	res, err := env.svc.Merge(t.Context(), inboundMsg("m1", "chat-1", t0, store.SourceWebhook))
	require.NoError(t, err)
	assert.True(t, res.Inserted)
	assert.True(t, res.BecameUnread)

	// Same message seen again by reconciliation.
	res, err = env.svc.Merge(t.Context(), inboundMsg("m1", "chat-1", t0, store.SourceReconcile))
	require.NoError(t, err)
	assert.False(t, res.Inserted)

	evs := env.conn.received()
	require.Len(t, evs, 1)
	assert.Equal(t, "chat-1", evs[0].ConversationID)
	assert.True(t, evs[0].Unread)
	assert.True(t, evs[0].LastActivity.Equal(t0))
	assert.Equal(t, 1, env.store.MessageCount())
}

func TestMerge_UnknownConversationFails(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Merge(t.Context(), inboundMsg("m1", "nope", t0, store.SourceWebhook))
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, env.conn.received())
}

func TestMerge_StoreFailureIsNotPublished(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "chat-1", "")
	env.store.FailMerges = true

	_, err := env.svc.Merge(t.Context(), inboundMsg("m1", "chat-1", t0, store.SourceWebhook))
	assert.ErrorIs(t, err, store.ErrStore)
	assert.Empty(t, env.conn.received())
}

func TestMerge_ConcurrentDuplicatesPublishOnce(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	b := NewBroadcaster(time.Second, nil, nil)
	defer b.Close()
	conn := &fakeConn{}
	b.Subscribe(conn, nil)

	svc := New(s, nil, b, nil)
	defer svc.Close()
	_, err = svc.EnsureConversation(t.Context(), &store.Conversation{ID: "chat-1"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	inserted := 0
	for i := range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			source := store.SourceWebhook
			if i%2 == 1 {
				source = store.SourceReconcile
			}
			res, err := svc.Merge(context.Background(), inboundMsg("m1", "chat-1", t0, source))
			assert.NoError(t, err)
			if res.Inserted {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, inserted)
	assert.Len(t, conn.received(), 1)
}

func TestMerge_PublishOrderMatchesMergeOrder(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "chat-1", "")

	for i := range 10 {
		_, err := env.svc.Merge(t.Context(), inboundMsg(fmt.Sprintf("m%d", i), "chat-1", t0.Add(time.Duration(i)*time.Second), store.SourceWebhook))
		require.NoError(t, err)
	}

	evs := env.conn.received()
	require.Len(t, evs, 10)
	for i, ev := range evs {
		assert.Equal(t, fmt.Sprintf("m%d", i), ev.Message.ID)
	}
}

func TestMarkRead(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "chat-1", "")

	_, err := env.svc.Merge(t.Context(), inboundMsg("m1", "chat-1", t0, store.SourceWebhook))
	require.NoError(t, err)

	require.NoError(t, env.svc.MarkRead(t.Context(), "chat-1"))
	conv, err := env.store.GetConversation(t.Context(), "chat-1")
	require.NoError(t, err)
	assert.True(t, conv.Read)

	assert.ErrorIs(t, env.svc.MarkRead(t.Context(), "missing"), store.ErrNotFound)
}

func TestSendLocal_StoresAndPublishesImmediately(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "chat-1", "")

	msg, err := env.svc.SendLocal(t.Context(), "chat-1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "sent-1", msg.ID)
	assert.Equal(t, store.DirectionOutbound, msg.Direction)
	assert.False(t, msg.SentByAutopilot)

	stored, err := env.store.GetMessage(t.Context(), "sent-1")
	require.NoError(t, err)
	assert.Equal(t, store.SourceLocal, stored.Source)

	pending, err := env.store.PendingSend("sent-1")
	require.NoError(t, err)
	assert.Equal(t, store.PendingStatusPending, pending.Status)

	evs := env.conn.received()
	require.Len(t, evs, 1)
	assert.False(t, evs[0].Unread, "outbound messages never mark a conversation unread")

	// The webhook echo of the same message is a duplicate.
	echo := inboundMsg("sent-1", "chat-1", msg.Timestamp, store.SourceWebhook)
	echo.Direction = store.DirectionOutbound
	res, err := env.svc.Merge(t.Context(), echo)
	require.NoError(t, err)
	assert.False(t, res.Inserted)
	assert.Len(t, env.conn.received(), 1)
}

func TestSendLocal_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "chat-1", "")

	_, err := env.svc.SendLocal(t.Context(), "chat-1", "")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = env.svc.SendLocal(t.Context(), "missing", "hi")
	assert.ErrorIs(t, err, store.ErrNotFound)

	env.sender.err = provider.ErrTransient
	_, err = env.svc.SendLocal(t.Context(), "chat-1", "hi")
	assert.ErrorIs(t, err, provider.ErrTransient)
	assert.Equal(t, 0, env.store.MessageCount())
}

func TestSendLocal_DoesNotClearUnread(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "chat-1", "")

	_, err := env.svc.Merge(t.Context(), inboundMsg("m1", "chat-1", t0, store.SourceWebhook))
	require.NoError(t, err)
	_, err = env.svc.SendLocal(t.Context(), "chat-1", "reply")
	require.NoError(t, err)

	conv, err := env.store.GetConversation(t.Context(), "chat-1")
	require.NoError(t, err)
	assert.False(t, conv.Read)
}

func TestApplyFlagsAndReactions(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "chat-1", "")
	_, err := env.svc.Merge(t.Context(), inboundMsg("m1", "chat-1", t0, store.SourceWebhook))
	require.NoError(t, err)

	seen := true
	require.NoError(t, env.svc.ApplyFlags(t.Context(), "m1", store.MessageFlags{Seen: &seen}))
	require.NoError(t, env.svc.ApplyReactions(t.Context(), "m1", []store.Reaction{{Value: "👍"}}))

	msg, err := env.store.GetMessage(t.Context(), "m1")
	require.NoError(t, err)
	assert.True(t, msg.Seen)
	assert.Equal(t, []store.Reaction{{Value: "👍"}}, msg.Reactions)

	err = env.svc.ApplyFlags(t.Context(), "missing", store.MessageFlags{Seen: &seen})
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestAutopilot_RepliesInAutonomousMode(t *testing.T) {
	env := newTestEnv(t)
	env.svc.SetAutopilot(NewAutopilot(StaticResponder{Text: "Hi {name}, back soon"}, 0))
	env.seed(t, "chat-1", store.ModeAutonomous)

	_, err := env.svc.Merge(t.Context(), inboundMsg("m1", "chat-1", t0, store.SourceWebhook))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(env.sender.sent()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Hi Alice, back soon", env.sender.sent()[0])

	require.Eventually(t, func() bool { return env.store.MessageCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	reply, err := env.store.GetMessage(t.Context(), "sent-1")
	require.NoError(t, err)
	assert.True(t, reply.SentByAutopilot)
	assert.Equal(t, store.SourceAutopilot, reply.Source)
}

func TestAutopilot_SkipsManualIgnoredAndReconciled(t *testing.T) {
	env := newTestEnv(t)
	env.svc.SetAutopilot(NewAutopilot(StaticResponder{Text: "auto"}, 0))
	env.seed(t, "manual", store.ModeManual)
	env.seed(t, "ignored", store.ModeAutonomous)
	env.seed(t, "auto", store.ModeAutonomous)

	ignored := true
	require.NoError(t, env.store.UpdateConversationSettings(t.Context(), "ignored", store.ConversationSettings{Ignored: &ignored}))

	ctx := t.Context()
	_, err := env.svc.Merge(ctx, inboundMsg("m1", "manual", t0, store.SourceWebhook))
	require.NoError(t, err)
	_, err = env.svc.Merge(ctx, inboundMsg("m2", "ignored", t0, store.SourceWebhook))
	require.NoError(t, err)
	_, err = env.svc.Merge(ctx, inboundMsg("m3", "auto", t0, store.SourceReconcile))
	require.NoError(t, err)

	env.svc.Close()
	assert.Empty(t, env.sender.sent())
}

func TestAutopilot_SupersededByNewerMessage(t *testing.T) {
	env := newTestEnv(t)
	env.svc.SetAutopilot(NewAutopilot(StaticResponder{Text: "auto"}, 100*time.Millisecond))
	env.seed(t, "chat-1", store.ModeAutonomous)

	_, err := env.svc.Merge(t.Context(), inboundMsg("m1", "chat-1", t0, store.SourceWebhook))
	require.NoError(t, err)
	_, err = env.svc.Merge(t.Context(), inboundMsg("m2", "chat-1", t0.Add(time.Second), store.SourceWebhook))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(env.sender.sent()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, env.sender.sent(), 1, "only the newest inbound message gets a reply")
}

func TestClose_CancelsPendingAutopilot(t *testing.T) {
	env := newTestEnv(t)
	env.svc.SetAutopilot(NewAutopilot(StaticResponder{Text: "auto"}, time.Hour))
	env.seed(t, "chat-1", store.ModeAutonomous)

	_, err := env.svc.Merge(t.Context(), inboundMsg("m1", "chat-1", t0, store.SourceWebhook))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		env.svc.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not cancel the pending reply")
	}
	assert.Empty(t, env.sender.sent())
}
