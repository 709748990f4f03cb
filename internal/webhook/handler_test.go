// ABOUTME: Tests for the webhook ingestor over HTTP
// ABOUTME: Covers duplicate deliveries, stubs, validation, signatures and flag events

package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/store"
)

const receivedPayload = `{
	"event": "message_received",
	"account_id": "acct-1",
	"account_type": "WHATSAPP",
	"chat_id": "chat-1",
	"message_id": "msg-1",
	"timestamp": "2026-03-01T12:00:00.000Z",
	"message": "hello",
	"sender": {"attendee_id": "att-1", "attendee_name": "Alice", "attendee_provider_id": "prov-1"},
	"attachments": [{"id": "a1", "type": "img", "file_name": "pic.png"}]
}`

type testEnv struct {
	handler *Handler
	store   *store.MockStore
	svc     *conversation.Service
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	ms := store.NewMockStore()
	svc := conversation.New(ms, nil, nil, nil)
	t.Cleanup(svc.Close)
	return &testEnv{handler: NewHandler(svc, cfg, nil, nil), store: ms, svc: svc}
}

func (e *testEnv) post(t *testing.T, body string, headers map[string]string) ack {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/provider", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, "webhooks are always acknowledged")
	var a ack
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&a))
	return a
}

func TestWebhook_DuplicateDeliveryStoresOnce(t *testing.T) {
	env := newTestEnv(t, Config{})

	first := env.post(t, receivedPayload, nil)
	second := env.post(t, receivedPayload, nil)

	assert.Equal(t, "success", first.Status)
	assert.Equal(t, "success", second.Status)
	assert.Equal(t, "msg-1", first.MessageID)
	assert.Equal(t, 1, env.store.MessageCount())
}

func TestWebhook_CreatesStubConversationAndMarksUnread(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.post(t, receivedPayload, nil)

	conv, err := env.store.GetConversation(t.Context(), "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", conv.AccountID)
	assert.Equal(t, "WHATSAPP", conv.ProviderType)
	assert.False(t, conv.Read)
	assert.True(t, conv.LastActivity.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))

	msg, err := env.store.GetMessage(t.Context(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, store.DirectionInbound, msg.Direction)
	assert.Equal(t, "prov-1", msg.SenderID)
	assert.Equal(t, "Alice", msg.SenderName)
	assert.Equal(t, store.SourceWebhook, msg.Source)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "pic.png", msg.Attachments[0].Name)
}

func TestWebhook_OutboundEchoKeepsReadState(t *testing.T) {
	env := newTestEnv(t, Config{})
	body := strings.Replace(receivedPayload, `"message": "hello"`, `"message": "hello", "is_sender": 1`, 1)
	env.post(t, body, nil)

	conv, err := env.store.GetConversation(t.Context(), "chat-1")
	require.NoError(t, err)
	assert.True(t, conv.Read)
}

func TestWebhook_InvalidPayloadsAreAcknowledged(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{nope`},
		{"missing chat id", `{"message_id":"m1","timestamp":"2026-03-01T12:00:00Z"}`},
		{"wrong type", `{"chat_id":7,"message_id":"m1","timestamp":"2026-03-01T12:00:00Z"}`},
		{"missing timestamp", `{"chat_id":"c1","message_id":"m1"}`},
		{"bad timestamp", `{"chat_id":"c1","message_id":"m1","timestamp":"yesterday"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Config{})
			a := env.post(t, tt.body, nil)
			assert.Equal(t, "error", a.Status)
			assert.Equal(t, 0, env.store.MessageCount())
		})
	}
}

func TestWebhook_StoreFailureIsAcknowledged(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.store.FailMerges = true

	a := env.post(t, receivedPayload, nil)
	assert.Equal(t, "error", a.Status)
}

func TestWebhook_Signature(t *testing.T) {
	secret := "s3cret"
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ts := now.Format(time.RFC3339)

	env := newTestEnv(t, Config{Secret: secret})
	env.handler.now = func() time.Time { return now }

	a := env.post(t, receivedPayload, nil)
	assert.Equal(t, "error", a.Status)
	assert.Equal(t, 0, env.store.MessageCount())

	a = env.post(t, receivedPayload, map[string]string{
		HeaderTimestamp: ts,
		HeaderSignature: Sign("wrong", ts, []byte(receivedPayload)),
	})
	assert.Equal(t, "error", a.Status)

	a = env.post(t, receivedPayload, map[string]string{
		HeaderTimestamp: ts,
		HeaderSignature: Sign(secret, ts, []byte(receivedPayload)),
	})
	assert.Equal(t, "success", a.Status)
	assert.Equal(t, 1, env.store.MessageCount())
}

func TestWebhook_FlagAndReactionEvents(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.post(t, receivedPayload, nil)

	a := env.post(t, `{"event":"message_read","chat_id":"chat-1","message_id":"msg-1"}`, nil)
	assert.Equal(t, "success", a.Status)
	a = env.post(t, `{"event":"message_reaction","chat_id":"chat-1","message_id":"msg-1","reactions":[{"value":"❤️","sender_id":"u1"}]}`, nil)
	assert.Equal(t, "success", a.Status)

	msg, err := env.store.GetMessage(t.Context(), "msg-1")
	require.NoError(t, err)
	assert.True(t, msg.Seen)
	assert.True(t, msg.Delivered)
	assert.Equal(t, []store.Reaction{{Value: "❤️", SenderID: "u1"}}, msg.Reactions)
}

func TestWebhook_UpdatesForUnknownMessagesAreNoops(t *testing.T) {
	env := newTestEnv(t, Config{})

	a := env.post(t, `{"event":"message_delivered","chat_id":"chat-1","message_id":"ghost"}`, nil)
	assert.Equal(t, "success", a.Status)

	a = env.post(t, `{"event":"chat_archived","chat_id":"chat-1","message_id":"ghost"}`, nil)
	assert.Equal(t, "success", a.Status)
	assert.Equal(t, 0, env.store.MessageCount())
}

func TestWebhook_RejectsOtherMethods(t *testing.T) {
	env := newTestEnv(t, Config{})
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/provider", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
