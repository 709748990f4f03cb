// ABOUTME: HTTP API handlers for conversations, local sends and operator-triggered syncs
// ABOUTME: Every conversation route honours the account scope of the caller's token

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/provider"
	"github.com/2389/parley/internal/reconcile"
	"github.com/2389/parley/internal/store"
)

const maxRequestBody = 64 << 10

// SendMessageRequest is the JSON request body for POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	Text string `json:"text"`
}

// UpdateConversationRequest is the JSON request body for PATCH /api/conversations/{id}.
type UpdateConversationRequest struct {
	Mode    *string `json:"mode,omitempty"`
	Ignored *bool   `json:"ignored,omitempty"`
}

// ConversationsResponse is the JSON response for GET /api/conversations.
type ConversationsResponse struct {
	Conversations []*store.Conversation `json:"conversations"`
}

// MessagesResponse is the JSON response for GET /api/conversations/{id}/messages.
type MessagesResponse struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []*store.Message `json:"messages"`
	NextCursor     string           `json:"next_cursor,omitempty"`
	HasMore        bool             `json:"has_more"`
}

// SyncStatusResponse is the JSON response for the /api/sync endpoints.
type SyncStatusResponse struct {
	Queued  bool             `json:"queued,omitempty"`
	Running bool             `json:"running"`
	Last    *reconcile.Stats `json:"last,omitempty"`
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// scopedConversation loads the {id} conversation and enforces the caller's
// account scope. Conversations outside the scope are reported as missing.
func (g *Gateway) scopedConversation(w http.ResponseWriter, r *http.Request) (*store.Conversation, bool) {
	conv, err := g.store.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeStoreError(w, err)
		return nil, false
	}
	if scope := auth.AccountScope(r.Context()); scope != "" && conv.AccountID != scope {
		sendJSONError(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	return conv, true
}

func (g *Gateway) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	g.logger.Error("store request failed", "error", err)
	sendJSONError(w, http.StatusInternalServerError, "internal error")
}

// handleListConversations handles GET /api/conversations.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	convs, err := g.store.ListConversations(r.Context(), store.ListConversationsParams{
		AccountID: auth.AccountScope(r.Context()),
		Limit:     limit,
	})
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	if convs == nil {
		convs = []*store.Conversation{}
	}
	writeJSON(w, http.StatusOK, ConversationsResponse{Conversations: convs})
}

// handleListMessages handles GET /api/conversations/{id}/messages.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conv, ok := g.scopedConversation(w, r)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	res, err := g.store.ListMessages(r.Context(), store.ListMessagesParams{
		ConversationID: conv.ID,
		Limit:          limit,
		Cursor:         r.URL.Query().Get("cursor"),
	})
	if err != nil {
		g.writeStoreError(w, err)
		return
	}

	msgs := res.Messages
	if msgs == nil {
		msgs = []*store.Message{}
	}
	writeJSON(w, http.StatusOK, MessagesResponse{
		ConversationID: conv.ID,
		Messages:       msgs,
		NextCursor:     res.NextCursor,
		HasMore:        res.HasMore,
	})
}

// handleSendMessage handles POST /api/conversations/{id}/messages.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	conv, ok := g.scopedConversation(w, r)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	msg, err := g.conversation.SendLocal(r.Context(), conv.ID, req.Text)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, msg)
	case errors.Is(err, conversation.ErrEmptyMessage):
		sendJSONError(w, http.StatusBadRequest, "text is required")
	case errors.Is(err, store.ErrNotFound), errors.Is(err, provider.ErrNotFound):
		sendJSONError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, provider.ErrRejected):
		sendJSONError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		g.logger.Error("send failed", "conversation_id", conv.ID, "error", err)
		sendJSONError(w, http.StatusBadGateway, "provider send failed")
	}
}

// handleMarkRead handles POST /api/conversations/{id}/read.
func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	conv, ok := g.scopedConversation(w, r)
	if !ok {
		return
	}
	if err := g.conversation.MarkRead(r.Context(), conv.ID); err != nil {
		g.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUpdateConversation handles PATCH /api/conversations/{id}.
func (g *Gateway) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := g.scopedConversation(w, r)
	if !ok {
		return
	}

	var req UpdateConversationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var settings store.ConversationSettings
	if req.Mode != nil {
		mode, err := store.ParseResponseMode(*req.Mode)
		if err != nil {
			sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		settings.Mode = &mode
	}
	settings.Ignored = req.Ignored

	if err := g.store.UpdateConversationSettings(r.Context(), conv.ID, settings); err != nil {
		g.writeStoreError(w, err)
		return
	}

	updated, err := g.store.GetConversation(r.Context(), conv.ID)
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	g.logger.Info("conversation settings updated",
		"conversation_id", conv.ID,
		"mode", updated.Mode,
		"ignored", updated.Ignored)
	writeJSON(w, http.StatusOK, updated)
}

// handleSyncConversation handles POST /api/conversations/{id}/sync?full=true.
// The sync runs inline so the caller gets its stats.
func (g *Gateway) handleSyncConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := g.scopedConversation(w, r)
	if !ok {
		return
	}
	full, _ := strconv.ParseBool(r.URL.Query().Get("full"))

	stats, err := g.reconciler.ReconcileConversation(r.Context(), conv.ID, full)
	if err != nil {
		g.logger.Warn("conversation sync failed", "conversation_id", conv.ID, "error", err)
		sendJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleSyncAll handles POST /api/sync?full=true by queueing a pass.
func (g *Gateway) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	full, _ := strconv.ParseBool(r.URL.Query().Get("full"))
	g.scheduler.Trigger(full)
	writeJSON(w, http.StatusAccepted, SyncStatusResponse{
		Queued:  true,
		Running: g.scheduler.Running(),
		Last:    g.scheduler.LastStats(),
	})
}

// handleSyncStatus handles GET /api/sync.
func (g *Gateway) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SyncStatusResponse{
		Running: g.scheduler.Running(),
		Last:    g.scheduler.LastStats(),
	})
}
