// ABOUTME: REST handlers exposing conversation, message, read-state and block operations
// ABOUTME: Calls the store directly without live fan-out, for clients that are not connected

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/coven-messenger/internal/auth"
	"github.com/2389/coven-messenger/internal/realtime"
	"github.com/2389/coven-messenger/internal/store"
)

// CreateConversationRequest is the JSON request body for POST /api/conversations.
type CreateConversationRequest struct {
	ParticipantIDs []string `json:"participant_ids"`
	IsGroup        bool     `json:"is_group"`
	Name           string   `json:"name,omitempty"`
}

// ContentRequest is the JSON request body for creating or editing a message.
type ContentRequest struct {
	Content string `json:"content"`
}

// ConversationSummaryResponse is one entry of GET /api/conversations.
type ConversationSummaryResponse struct {
	realtime.ConversationPayload
	LastMessage   *string    `json:"last_message"`
	LastMessageAt *time.Time `json:"last_message_at"`
	UnreadCount   int        `json:"unread_count"`
}

// ListConversationsResponse is the JSON response for GET /api/conversations.
type ListConversationsResponse struct {
	Conversations []ConversationSummaryResponse `json:"conversations"`
	Total         int                           `json:"total"`
}

// ReceiptResponse is one read receipt.
type ReceiptResponse struct {
	UserID string    `json:"user_id"`
	ReadAt time.Time `json:"read_at"`
}

// MessageResponse is a message with the receipts known for it.
type MessageResponse struct {
	realtime.MessagePayload
	ReadBy []ReceiptResponse `json:"read_by,omitempty"`
}

// ListMessagesResponse is the JSON response for GET /api/conversations/{id}/messages.
type ListMessagesResponse struct {
	ConversationID string            `json:"conversation_id"`
	Messages       []MessageResponse `json:"messages"`
	Total          int               `json:"total"`
}

// ReadReceiptsResponse is the JSON response for GET /api/messages/{id}/receipts.
type ReadReceiptsResponse struct {
	MessageID string            `json:"message_id"`
	Receipts  []ReceiptResponse `json:"receipts"`
}

// MarkReadResponse is the JSON response for the read endpoints.
type MarkReadResponse struct {
	MessageID      string `json:"message_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Marked         *bool  `json:"marked,omitempty"`
	MessagesRead   *int   `json:"messages_read,omitempty"`
}

// UnreadResponse is the JSON response for the unread-count endpoints.
type UnreadResponse struct {
	ConversationID string `json:"conversation_id,omitempty"`
	UnreadCount    int    `json:"unread_count"`
}

// BlockResponse is the JSON response for block status and changes.
type BlockResponse struct {
	UserID  string `json:"user_id"`
	Blocked bool   `json:"blocked"`
	Removed *bool  `json:"removed,omitempty"`
}

// ListBlockedResponse is the JSON response for GET /api/blocks.
type ListBlockedResponse struct {
	UserIDs []string `json:"user_ids"`
}

// errorStatus maps store error codes onto HTTP statuses.
var errorStatus = map[string]int{
	store.CodeNotFound:       http.StatusNotFound,
	store.CodeForbidden:      http.StatusForbidden,
	store.CodeInvalidInput:   http.StatusBadRequest,
	store.CodeBlocked:        http.StatusForbidden,
	store.CodeAlreadyDeleted: http.StatusConflict,
	store.CodeInternal:       http.StatusInternalServerError,
}

// registerAPIRoutes registers every /api route behind authMiddleware.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux, authMiddleware func(http.Handler) http.Handler) {
	routes := []struct {
		pattern string
		handler http.HandlerFunc
	}{
		{"POST /api/conversations", g.handleCreateConversation},
		{"GET /api/conversations", g.handleListConversations},
		{"GET /api/conversations/{id}/messages", g.handleListMessages},
		{"POST /api/conversations/{id}/messages", g.handleCreateMessage},
		{"POST /api/conversations/{id}/read", g.handleMarkConversationRead},
		{"GET /api/conversations/{id}/unread", g.handleConversationUnread},
		{"GET /api/unread", g.handleTotalUnread},
		{"PATCH /api/messages/{id}", g.handleUpdateMessage},
		{"DELETE /api/messages/{id}", g.handleDeleteMessage},
		{"POST /api/messages/{id}/read", g.handleMarkMessageRead},
		{"GET /api/messages/{id}/receipts", g.handleReadReceipts},
		{"GET /api/blocks", g.handleListBlocked},
		{"GET /api/blocks/{user_id}", g.handleIsBlocked},
		{"PUT /api/blocks/{user_id}", g.handleBlock},
		{"DELETE /api/blocks/{user_id}", g.handleUnblock},
	}
	for _, rt := range routes {
		mux.Handle(rt.pattern, authMiddleware(rt.handler))
	}
}

// handleCreateConversation handles POST /api/conversations.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body", store.CodeInvalidInput)
		return
	}

	conv, err := g.store.CreateConversation(r.Context(), auth.UserFromContext(r.Context()), req.ParticipantIDs, req.IsGroup, req.Name)
	if err != nil {
		g.sendStoreError(w, err)
		return
	}

	status := http.StatusCreated
	if conv.Reused {
		status = http.StatusOK
	}
	g.writeJSON(w, status, realtime.NewConversationPayload(conv))
}

// handleListConversations handles GET /api/conversations?skip&limit.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error(), store.CodeInvalidInput)
		return
	}

	summaries, total, err := g.store.ListConversations(r.Context(), auth.UserFromContext(r.Context()), page)
	if err != nil {
		g.sendStoreError(w, err)
		return
	}

	response := ListConversationsResponse{
		Conversations: make([]ConversationSummaryResponse, len(summaries)),
		Total:         total,
	}
	for i := range summaries {
		s := &summaries[i]
		response.Conversations[i] = ConversationSummaryResponse{
			ConversationPayload: realtime.NewConversationPayload(&s.Conversation),
			LastMessage:         s.LastMessage,
			LastMessageAt:       s.LastMessageAt,
			UnreadCount:         s.UnreadCount,
		}
	}
	g.writeJSON(w, http.StatusOK, response)
}

// handleListMessages handles GET /api/conversations/{id}/messages?skip&limit&include_deleted.
// Messages are returned newest first.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error(), store.CodeInvalidInput)
		return
	}

	includeDeleted := false
	if v := r.URL.Query().Get("include_deleted"); v != "" {
		includeDeleted, err = strconv.ParseBool(v)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "include_deleted must be a boolean", store.CodeInvalidInput)
			return
		}
	}

	conversationID := r.PathValue("id")
	messages, total, err := g.store.ListMessages(r.Context(), conversationID, auth.UserFromContext(r.Context()), page, includeDeleted)
	if err != nil {
		g.sendStoreError(w, err)
		return
	}

	response := ListMessagesResponse{
		ConversationID: conversationID,
		Messages:       make([]MessageResponse, len(messages)),
		Total:          total,
	}
	for i, msg := range messages {
		response.Messages[i] = MessageResponse{
			MessagePayload: realtime.NewMessagePayload(msg),
			ReadBy:         receiptResponses(msg.ReadBy),
		}
	}
	g.writeJSON(w, http.StatusOK, response)
}

// handleCreateMessage handles POST /api/conversations/{id}/messages.
func (g *Gateway) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var req ContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body", store.CodeInvalidInput)
		return
	}

	msg, err := g.store.CreateMessage(r.Context(), auth.UserFromContext(r.Context()), r.PathValue("id"), req.Content)
	if err != nil {
		g.sendStoreError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, realtime.NewMessagePayload(msg))
}

// handleUpdateMessage handles PATCH /api/messages/{id}.
func (g *Gateway) handleUpdateMessage(w http.ResponseWriter, r *http.Request) {
	var req ContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body", store.CodeInvalidInput)
		return
	}

	msg, err := g.store.UpdateMessage(r.Context(), r.PathValue("id"), auth.UserFromContext(r.Context()), req.Content)
	if err != nil {
		g.sendStoreError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, realtime.NewMessagePayload(msg))
}

// handleDeleteMessage handles DELETE /api/messages/{id}.
func (g *Gateway) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := g.store.DeleteMessage(r.Context(), r.PathValue("id"), auth.UserFromContext(r.Context()))
	if err != nil {
		g.sendStoreError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, realtime.NewMessagePayload(msg))
}

// handleMarkMessageRead handles POST /api/messages/{id}/read.
func (g *Gateway) handleMarkMessageRead(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("id")
	ok, err := g.store.MarkMessageRead(r.Context(), messageID, auth.UserFromContext(r.Context()))
	if err != nil {
		g.sendStoreError(w, err)
		return
	}
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, "message not found", store.CodeNotFound)
		return
	}
	g.writeJSON(w, http.StatusOK, MarkReadResponse{MessageID: messageID, Marked: &ok})
}

// handleMarkConversationRead handles POST /api/conversations/{id}/read.
func (g *Gateway) handleMarkConversationRead(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	n, err := g.store.MarkConversationRead(r.Context(), auth.UserFromContext(r.Context()), conversationID)
	if err != nil {
		g.sendStoreError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, MarkReadResponse{ConversationID: conversationID, MessagesRead: &n})
}

// handleConversationUnread handles GET /api/conversations/{id}/unread.
func (g *Gateway) handleConversationUnread(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	n, err := g.store.UnreadCount(r.Context(), auth.UserFromContext(r.Context()), conversationID)
	if err != nil {
		g.sendStoreError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, UnreadResponse{ConversationID: conversationID, UnreadCount: n})
}

// handleTotalUnread handles GET /api/unread.
func (g *Gateway) handleTotalUnread(w http.ResponseWriter, r *http.Request) {
	n, err := g.store.UnreadCount(r.Context(), auth.UserFromContext(r.Context()), "")
	if err != nil {
		g.sendStoreError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, UnreadResponse{UnreadCount: n})
}

// handleReadReceipts handles GET /api/messages/{id}/receipts.
func (g *Gateway) handleReadReceipts(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("id")
	receipts, err := g.store.ReadReceipts(r.Context(), messageID, auth.UserFromContext(r.Context()))
	if err != nil {
		g.sendStoreError(w, err)
		return
	}

	response := ReadReceiptsResponse{MessageID: messageID, Receipts: receiptResponses(receipts)}
	if response.Receipts == nil {
		response.Receipts = []ReceiptResponse{}
	}
	g.writeJSON(w, http.StatusOK, response)
}

// handleListBlocked handles GET /api/blocks.
func (g *Gateway) handleListBlocked(w http.ResponseWriter, r *http.Request) {
	ids, err := g.store.ListBlocked(r.Context(), auth.UserFromContext(r.Context()))
	if err != nil {
		g.sendStoreError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, ListBlockedResponse{UserIDs: ids})
}

// handleIsBlocked handles GET /api/blocks/{user_id}. Blocks in either direction count.
func (g *Gateway) handleIsBlocked(w http.ResponseWriter, r *http.Request) {
	other := r.PathValue("user_id")
	blocked, err := g.store.IsBlocked(r.Context(), auth.UserFromContext(r.Context()), other)
	if err != nil {
		g.sendStoreError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, BlockResponse{UserID: other, Blocked: blocked})
}

// handleBlock handles PUT /api/blocks/{user_id}.
func (g *Gateway) handleBlock(w http.ResponseWriter, r *http.Request) {
	other := r.PathValue("user_id")
	if err := g.store.Block(r.Context(), auth.UserFromContext(r.Context()), other); err != nil {
		g.sendStoreError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, BlockResponse{UserID: other, Blocked: true})
}

// handleUnblock handles DELETE /api/blocks/{user_id}.
func (g *Gateway) handleUnblock(w http.ResponseWriter, r *http.Request) {
	other := r.PathValue("user_id")
	userID := auth.UserFromContext(r.Context())

	removed, err := g.store.Unblock(r.Context(), userID, other)
	if err != nil {
		g.sendStoreError(w, err)
		return
	}
	blocked, err := g.store.IsBlocked(r.Context(), userID, other)
	if err != nil {
		g.sendStoreError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, BlockResponse{UserID: other, Blocked: blocked, Removed: &removed})
}

func receiptResponses(receipts []store.ReadReceipt) []ReceiptResponse {
	if len(receipts) == 0 {
		return nil
	}
	out := make([]ReceiptResponse, len(receipts))
	for i, rr := range receipts {
		out[i] = ReceiptResponse{UserID: rr.UserID, ReadAt: rr.ReadAt}
	}
	return out
}

// parsePage reads skip and limit. Absent values fall back to the store defaults.
func parsePage(r *http.Request) (store.Page, error) {
	var page store.Page
	q := r.URL.Query()

	if v := q.Get("skip"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return page, errors.New("skip must be a non-negative integer")
		}
		page.Skip = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return page, errors.New("limit must be a positive integer")
		}
		page.Limit = n
	}
	return page, nil
}

// sendStoreError writes a classified store error. Unclassified errors are logged
// and reported without detail.
func (g *Gateway) sendStoreError(w http.ResponseWriter, err error) {
	code := store.ErrorCode(err)
	status := errorStatus[code]
	if code == store.CodeInternal {
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, status, "internal server error", code)
		return
	}
	g.sendJSONError(w, status, err.Error(), code)
}

func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message, code string) {
	g.writeJSON(w, status, map[string]string{"error": message, "code": code})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}
