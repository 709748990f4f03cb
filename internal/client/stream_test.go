// ABOUTME: Tests for the reconnecting event stream against the real websocket endpoint
// ABOUTME: Covers delivery into a transcript, reconnect after server close and backoff growth

package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/realtime"
	"github.com/2389/parley/internal/store"
)

func TestNextBackoff(t *testing.T) {
	d := DefaultMinBackoff
	var seen []time.Duration
	for range 8 {
		d = nextBackoff(d, DefaultMaxBackoff)
		seen = append(seen, d)
	}
	assert.Equal(t, time.Second, seen[0])
	assert.Equal(t, 2*time.Second, seen[1])
	assert.Equal(t, DefaultMaxBackoff, seen[len(seen)-1])
}

func TestStream_DeliversAndReconnects(t *testing.T) {
	b := conversation.NewBroadcaster(time.Second, nil, nil)
	srv := httptest.NewServer(realtime.NewHandler(b, realtime.Options{}, nil))
	defer srv.Close()

	clock := &fakeClock{now: base}
	tr := newTranscript(t, clock)

	var connects atomic.Int32
	s := NewStream(StreamConfig{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
		OnEvent:    func(ev *conversation.Event) { tr.OnRemoteEvent(ev) },
		OnConnect:  func(context.Context) { connects.Add(1) },
	}, nil)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return b.Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	// The local send is acknowledged first, then the push echoes it.
	sent := &store.Message{ID: "M1", ConversationID: "chat-1", Direction: store.DirectionOutbound, Timestamp: base, Text: "hi"}
	tr.OnLocalSendAcknowledged(sent)
	b.Publish(t.Context(), &conversation.Event{ConversationID: "chat-1", LastActivity: base, Message: sent})

	in := &store.Message{ID: "R1", ConversationID: "chat-1", Direction: store.DirectionInbound, Timestamp: base.Add(time.Second), Text: "yo"}
	b.Publish(t.Context(), &conversation.Event{ConversationID: "chat-1", Unread: true, LastActivity: in.Timestamp, Message: in})

	require.Eventually(t, func() bool { return len(tr.Messages()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "hi", tr.Messages()[0].Text)

	// Server drops every connection; the stream comes back on its own.
	b.Close()
	require.Eventually(t, func() bool { return connects.Load() >= 2 && b.Count() == 1 }, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
