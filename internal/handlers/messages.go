package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/sofvo/sofvo/internal/api/middleware"
	"github.com/sofvo/sofvo/internal/metrics"
	"github.com/sofvo/sofvo/internal/models"
	"github.com/sofvo/sofvo/internal/realtime"
	"github.com/sofvo/sofvo/internal/store"
)

// Machine-readable error codes returned by the message endpoints.
const (
	CodeNotParticipant  = "not_participant"
	CodeBlocked         = "blocked"
	CodeNotMutualFollow = "not_mutual_follow"
	CodeNotSender       = "not_sender"
	CodeInvalidBody     = "invalid_body"
	CodeInvalidType     = "invalid_type"
	CodeContentRequired = "content_required"
	CodeContentTooLong  = "content_too_long"
	CodeInvalidFileURL  = "invalid_file_url"
)

const maxContentLength = 4000 // runes

// SendMessageRequest represents the send message request.
type SendMessageRequest struct {
	Content string             `json:"content"`
	Type    models.MessageType `json:"type,omitempty"`
	FileURL string             `json:"file_url,omitempty"`
}

// EditMessageRequest represents the edit message request.
type EditMessageRequest struct {
	Content string `json:"content"`
}

// MessagesResponse represents a page of conversation history.
type MessagesResponse struct {
	Messages []models.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

// GetMessages handles fetching conversation history in ascending order.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	viewer := middleware.GetProfileFromContext(r.Context())
	if viewer == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	conv, ok := h.loadConversation(w, r, viewer.ID)
	if !ok {
		return
	}

	limit := store.DefaultMessageLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			h.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if n > store.MaxMessageLimit {
			n = store.MaxMessageLimit
		}
		limit = n
	}

	q := store.MessageQuery{ConversationID: conv.ID, Limit: limit + 1}
	if before := r.URL.Query().Get("before"); before != "" {
		ts, ok := h.resolveCursor(w, r, conv, before)
		if !ok {
			return
		}
		q.Before = ts
	}

	msgs, err := h.store.ListMessages(r.Context(), q)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to fetch messages")
		return
	}

	// One extra row was requested to detect older history.
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[1:]
	}
	if msgs == nil {
		msgs = []models.Message{}
	}

	h.JSON(w, http.StatusOK, MessagesResponse{Messages: msgs, HasMore: hasMore})
}

// resolveCursor turns a before= value, an RFC3339 time or a message id, into a timestamp.
func (h *Handler) resolveCursor(w http.ResponseWriter, r *http.Request, conv *models.Conversation, before string) (time.Time, bool) {
	if ts, err := time.Parse(time.RFC3339Nano, before); err == nil {
		return ts, true
	}
	msg, err := h.store.GetMessage(r.Context(), before)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return time.Time{}, false
	}
	if msg == nil || msg.ConversationID != conv.ID {
		h.Error(w, http.StatusBadRequest, "invalid before cursor")
		return time.Time{}, false
	}
	return msg.CreatedAt, true
}

// validateMessage normalises a send request and reports a validation code, or "".
func validateMessage(req *SendMessageRequest) (string, string) {
	if req.Type == "" {
		req.Type = models.MessageText
	}
	if !req.Type.Valid() {
		return CodeInvalidType, "type must be text, image or file"
	}

	req.Content = strings.TrimSpace(req.Content)
	req.FileURL = strings.TrimSpace(req.FileURL)

	if req.Type == models.MessageText && req.Content == "" {
		return CodeContentRequired, "content is required"
	}
	if req.Type != models.MessageText {
		if req.FileURL == "" {
			return CodeContentRequired, "file_url is required for " + string(req.Type) + " messages"
		}
		u, err := url.Parse(req.FileURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return CodeInvalidFileURL, "file_url must be an http(s) URL"
		}
	} else {
		req.FileURL = ""
	}
	if utf8.RuneCountInString(req.Content) > maxContentLength {
		return CodeContentTooLong, "content too long (max 4000 characters)"
	}
	return "", ""
}

// SendMessage handles posting a message into a conversation.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	sender := middleware.GetProfileFromContext(r.Context())
	if sender == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	conv, ok := h.loadConversation(w, r, sender.ID)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.ErrorCode(w, http.StatusBadRequest, CodeInvalidBody, "invalid JSON body")
		return
	}
	if code, msg := validateMessage(&req); code != "" {
		h.ErrorCode(w, http.StatusUnprocessableEntity, code, msg)
		return
	}

	ctx := r.Context()
	if conv.Type == models.ConversationDirect {
		if other, ok := conv.Other(sender.ID); ok {
			rel, err := h.store.GetRelationship(ctx, sender.ID, other)
			if err != nil {
				h.Error(w, http.StatusInternalServerError, "database error")
				return
			}
			switch {
			case rel.Blocked():
				h.denySend(w, CodeBlocked, "messaging is blocked between these profiles")
				return
			case !rel.Mutual():
				h.denySend(w, CodeNotMutualFollow, "you can only message profiles you mutually follow")
				return
			}
		}
	}

	msg := &models.Message{
		ConversationID: conv.ID,
		SenderID:       sender.ID,
		Content:        req.Content,
		Type:           req.Type,
		FileURL:        req.FileURL,
	}
	if err := h.store.CreateMessage(ctx, msg); err != nil {
		h.logger.Error().Err(err).Str("conversation_id", conv.ID.String()).Msg("store message failed")
		h.Error(w, http.StatusInternalServerError, "failed to store message")
		return
	}
	metrics.MessagesSent.WithLabelValues(string(msg.Type)).Inc()

	h.publishMessage(ctx, realtime.EventMessage, msg)
	h.notifier.MessageSent(ctx, conv, msg)

	h.JSON(w, http.StatusCreated, msg)
}

func (h *Handler) denySend(w http.ResponseWriter, code, message string) {
	metrics.PermissionDenied.WithLabelValues(code).Inc()
	h.ErrorCode(w, http.StatusForbidden, code, message)
}

// EditMessage handles replacing a message's content. Only the sender may edit.
func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	editor := middleware.GetProfileFromContext(r.Context())
	if editor == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	conv, ok := h.loadConversation(w, r, editor.ID)
	if !ok {
		return
	}

	ctx := r.Context()
	existing, err := h.store.GetMessage(ctx, chi.URLParam(r, "messageID"))
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if existing == nil || existing.ConversationID != conv.ID {
		h.Error(w, http.StatusNotFound, "message not found")
		return
	}
	if existing.SenderID != editor.ID {
		h.ErrorCode(w, http.StatusForbidden, CodeNotSender, "only the sender can edit a message")
		return
	}

	var req EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.ErrorCode(w, http.StatusBadRequest, CodeInvalidBody, "invalid JSON body")
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" && existing.Type == models.MessageText {
		h.ErrorCode(w, http.StatusUnprocessableEntity, CodeContentRequired, "content is required")
		return
	}
	if utf8.RuneCountInString(content) > maxContentLength {
		h.ErrorCode(w, http.StatusUnprocessableEntity, CodeContentTooLong, "content too long (max 4000 characters)")
		return
	}

	updated, err := h.store.UpdateMessageContent(ctx, existing.ID, content, time.Now().UTC())
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to update message")
		return
	}
	metrics.MessagesEdited.Inc()

	h.publishMessage(ctx, realtime.EventMessageUpdated, updated)
	h.JSON(w, http.StatusOK, updated)
}

func (h *Handler) publishMessage(ctx context.Context, kind realtime.EventType, msg *models.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("encode message event")
		return
	}
	if err := h.broker.Publish(ctx, realtime.Event{
		Type:           kind,
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Data:           data,
	}); err != nil {
		h.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("message publish failed")
	}
}
