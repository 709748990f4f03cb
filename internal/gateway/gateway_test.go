// ABOUTME: End-to-end tests for the gateway against a fake provider
// ABOUTME: Covers webhook-to-websocket delivery, sends, reads, settings, scope and background sync

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/config"
	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// fakeProvider serves the subset of the provider API the gateway uses.
type fakeProvider struct {
	mu       sync.Mutex
	messages []map[string]any
	sent     int
	webhooks []map[string]any
}

func (f *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/v1/chats":
		_ = json.NewEncoder(w).Encode(map[string]any{"items": []map[string]any{{
			"id":         "chat-1",
			"account_id": "acct-1",
			"name":       "Alice",
			"timestamp":  "2026-03-01T12:05:00.000Z",
		}}})
	case r.Method == http.MethodGet && r.URL.Path == "/api/v1/chats/chat-1/messages":
		_ = json.NewEncoder(w).Encode(map[string]any{"items": f.messages})
	case r.Method == http.MethodPost && r.URL.Path == "/api/v1/chats/chat-1/messages":
		f.sent++
		id := fmt.Sprintf("sent-%d", f.sent)
		f.messages = append([]map[string]any{{
			"id":        id,
			"chat_id":   "chat-1",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"text":      r.FormValue("text"),
			"is_sender": 1,
		}}, f.messages...)
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "MessageSent", "message_id": id})
	case r.Method == http.MethodGet && r.URL.Path == "/api/v1/webhooks":
		_ = json.NewEncoder(w).Encode(map[string]any{"items": f.webhooks})
	case r.Method == http.MethodPost && r.URL.Path == "/api/v1/webhooks":
		var hook map[string]any
		_ = json.NewDecoder(r.Body).Decode(&hook)
		f.webhooks = append(f.webhooks, hook)
		_ = json.NewEncoder(w).Encode(map[string]any{"webhook_id": "wh-1"})
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeProvider) webhookCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.webhooks)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig writes a config file pointing at the fake provider and loads it
// so defaults are applied the same way as in production.
func testConfig(t *testing.T, providerURL, extra string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`
server:
  http_addr: "127.0.0.1:0"
database:
  dsn: %q
provider:
  base_url: %q
  api_key: "test-key"
reconcile:
  on_startup: false
metrics:
  enabled: true
%s`, filepath.Join(dir, "parley.db"), providerURL, extra)

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

type testGateway struct {
	gw       *Gateway
	server   *httptest.Server
	provider *fakeProvider
}

func newTestGateway(t *testing.T, extra string) *testGateway {
	t.Helper()
	fp := &fakeProvider{}
	providerSrv := httptest.NewServer(fp)
	t.Cleanup(providerSrv.Close)

	gw, err := New(testConfig(t, providerSrv.URL, extra), testLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = gw.Shutdown(context.Background())
	})
	return &testGateway{gw: gw, server: srv, provider: fp}
}

func (tg *testGateway) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, tg.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

const webhookPayload = `{
	"event": "message_received",
	"account_id": "acct-1",
	"chat_id": "chat-1",
	"message_id": "msg-1",
	"timestamp": "2026-03-01T12:00:00.000Z",
	"message": "hello",
	"sender": {"attendee_name": "Alice", "attendee_provider_id": "prov-1"}
}`

func TestGateway_Health(t *testing.T) {
	tg := newTestGateway(t, "")

	resp := tg.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = tg.do(t, http.MethodGet, "/health/ready", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = tg.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGateway_WebhookReachesWebsocketOnce(t *testing.T) {
	tg := newTestGateway(t, "")

	wsURL := "ws" + strings.TrimPrefix(tg.server.URL, "http") + "/api/ws"
	c, _, err := websocket.Dial(t.Context(), wsURL, nil)
	require.NoError(t, err)
	defer c.CloseNow()
	require.Eventually(t, func() bool { return tg.gw.broadcaster.Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	// The provider retries the same delivery; only the first is new.
	for range 2 {
		resp := tg.do(t, http.MethodPost, "/webhooks/messages", "", webhookPayload)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		ack := decode[map[string]string](t, resp)
		assert.Equal(t, "success", ack["status"])
	}

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	var ev conversation.Event
	require.NoError(t, wsjson.Read(ctx, c, &ev))
	assert.Equal(t, conversation.EventMessageNew, ev.Type)
	assert.Equal(t, "msg-1", ev.Message.ID)
	assert.True(t, ev.Unread)

	msgs := decode[MessagesResponse](t, tg.do(t, http.MethodGet, "/api/conversations/chat-1/messages", "", ""))
	assert.Len(t, msgs.Messages, 1)

	convs := decode[ConversationsResponse](t, tg.do(t, http.MethodGet, "/api/conversations", "", ""))
	require.Len(t, convs.Conversations, 1)
	assert.False(t, convs.Conversations[0].Read)

	resp := tg.do(t, http.MethodPost, "/api/conversations/chat-1/read", "", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	convs = decode[ConversationsResponse](t, tg.do(t, http.MethodGet, "/api/conversations", "", ""))
	assert.True(t, convs.Conversations[0].Read)
}

func TestGateway_SendMessage(t *testing.T) {
	tg := newTestGateway(t, "")
	tg.do(t, http.MethodPost, "/webhooks/messages", "", webhookPayload)

	resp := tg.do(t, http.MethodPost, "/api/conversations/chat-1/messages", "", `{"text":"hi"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sent := decode[store.Message](t, resp)
	assert.Equal(t, "sent-1", sent.ID)
	assert.Equal(t, store.DirectionOutbound, sent.Direction)

	msgs := decode[MessagesResponse](t, tg.do(t, http.MethodGet, "/api/conversations/chat-1/messages", "", ""))
	assert.Len(t, msgs.Messages, 2)

	pending, err := tg.gw.store.ListDuePendingSends(t.Context(), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "sent-1", pending[0].MessageID)

	resp = tg.do(t, http.MethodPost, "/api/conversations/chat-1/messages", "", `{"text":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = tg.do(t, http.MethodPost, "/api/conversations/nope/messages", "", `{"text":"hi"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGateway_UpdateConversation(t *testing.T) {
	tg := newTestGateway(t, "")
	tg.do(t, http.MethodPost, "/webhooks/messages", "", webhookPayload)

	resp := tg.do(t, http.MethodPatch, "/api/conversations/chat-1", "", `{"mode":"sideways"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = tg.do(t, http.MethodPatch, "/api/conversations/chat-1", "", `{"mode":"autonomous","ignored":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	conv := decode[store.Conversation](t, resp)
	assert.Equal(t, store.ModeAutonomous, conv.Mode)
	assert.True(t, conv.Ignored)
}

func TestGateway_SyncConversation(t *testing.T) {
	tg := newTestGateway(t, "")
	tg.do(t, http.MethodPost, "/webhooks/messages", "", webhookPayload)

	tg.provider.mu.Lock()
	tg.provider.messages = []map[string]any{
		{"id": "msg-2", "chat_id": "chat-1", "timestamp": "2026-03-01T12:05:00.000Z", "text": "are you there?"},
		{"id": "msg-1", "chat_id": "chat-1", "timestamp": "2026-03-01T12:00:00.000Z", "text": "hello"},
	}
	tg.provider.mu.Unlock()

	resp := tg.do(t, http.MethodPost, "/api/conversations/chat-1/sync?full=true", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[map[string]any](t, resp)
	assert.EqualValues(t, 2, stats["messages_fetched"])
	assert.EqualValues(t, 1, stats["messages_inserted"])
}

func TestGateway_AccountScope(t *testing.T) {
	tg := newTestGateway(t, "auth:\n  jwt_secret: \""+testSecret+"\"\n")
	tg.do(t, http.MethodPost, "/webhooks/messages", "", webhookPayload)

	resp := tg.do(t, http.MethodGet, "/api/conversations", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	v := auth.NewJWTVerifier([]byte(testSecret))
	mine, err := v.Generate("ops", "acct-1", time.Hour)
	require.NoError(t, err)
	theirs, err := v.Generate("ops", "acct-2", time.Hour)
	require.NoError(t, err)

	convs := decode[ConversationsResponse](t, tg.do(t, http.MethodGet, "/api/conversations", mine, ""))
	assert.Len(t, convs.Conversations, 1)

	convs = decode[ConversationsResponse](t, tg.do(t, http.MethodGet, "/api/conversations", theirs, ""))
	assert.Empty(t, convs.Conversations)

	resp = tg.do(t, http.MethodGet, "/api/conversations/chat-1/messages", theirs, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = tg.do(t, http.MethodPost, "/api/conversations/chat-1/read", theirs, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGateway_RunSyncsAndRegistersWebhook(t *testing.T) {
	fp := &fakeProvider{messages: []map[string]any{
		{"id": "msg-1", "chat_id": "chat-1", "timestamp": "2026-03-01T12:00:00.000Z", "text": "hello"},
	}}
	providerSrv := httptest.NewServer(fp)
	defer providerSrv.Close()

	cfg := testConfig(t, providerSrv.URL, "webhook:\n  public_url: \"https://parley.example.com\"\n")
	cfg.Reconcile.OnStartup = nil

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	require.Eventually(t, func() bool {
		latest, err := gw.store.LatestMessageTimestamp(t.Context(), "chat-1")
		return err == nil && latest != nil
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return fp.webhookCount() == 1 }, 3*time.Second, 10*time.Millisecond)

	fp.mu.Lock()
	assert.Equal(t, "https://parley.example.com/webhooks/messages", fp.webhooks[0]["request_url"])
	fp.mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
