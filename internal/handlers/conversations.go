package handlers

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sofvo/sofvo/internal/api/middleware"
	"github.com/sofvo/sofvo/internal/models"
)

const maxGroupSize = 50

// CreateConversationRequest creates a direct conversation when ParticipantID is
// set and a group otherwise.
type CreateConversationRequest struct {
	ParticipantID  *uuid.UUID  `json:"participant_id,omitempty"`
	Name           string      `json:"name,omitempty"`
	ParticipantIDs []uuid.UUID `json:"participant_ids,omitempty"`
}

// ConversationResponse is a conversation as seen by one viewer.
type ConversationResponse struct {
	ID           uuid.UUID               `json:"id"`
	Type         models.ConversationType `json:"type"`
	Name         string                  `json:"name,omitempty"`
	DisplayName  string                  `json:"display_name"`
	Participants []uuid.UUID             `json:"participants"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

// ConversationListResponse represents the list conversations response.
type ConversationListResponse struct {
	Conversations []ConversationResponse `json:"conversations"`
}

// displayName derives a conversation's title for viewerID. Direct conversations
// take the other participant's name, unnamed groups list their members.
func displayName(c *models.Conversation, viewerID uuid.UUID, profiles map[uuid.UUID]*models.Profile) string {
	if c.Type == models.ConversationDirect {
		if other, ok := c.Other(viewerID); ok {
			if p := profiles[other]; p != nil {
				return p.Name()
			}
		}
		return "Direct message"
	}
	if c.Name != "" {
		return c.Name
	}
	var names []string
	for _, id := range c.Participants {
		if id == viewerID {
			continue
		}
		if p := profiles[id]; p != nil {
			names = append(names, p.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "Group"
	}
	return strings.Join(names, ", ")
}

// describe builds responses for convs, loading every participant profile in one call.
func (h *Handler) describe(ctx context.Context, viewerID uuid.UUID, convs ...models.Conversation) ([]ConversationResponse, error) {
	var ids []uuid.UUID
	for _, c := range convs {
		ids = append(ids, c.Participants...)
	}
	profiles, err := h.store.GetProfiles(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]ConversationResponse, len(convs))
	for i := range convs {
		c := &convs[i]
		out[i] = ConversationResponse{
			ID:           c.ID,
			Type:         c.Type,
			Name:         c.Name,
			DisplayName:  displayName(c, viewerID, profiles),
			Participants: c.Participants,
			CreatedAt:    c.CreatedAt,
			UpdatedAt:    c.UpdatedAt,
		}
	}
	return out, nil
}

// ListConversations handles listing the caller's conversations.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	viewer := middleware.GetProfileFromContext(r.Context())
	if viewer == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	convs, err := h.store.ListConversations(r.Context(), viewer.ID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to fetch conversations")
		return
	}
	resp, err := h.describe(r.Context(), viewer.ID, convs...)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to fetch profiles")
		return
	}
	h.JSON(w, http.StatusOK, ConversationListResponse{Conversations: resp})
}

// CreateConversation handles direct get-or-create and group creation.
func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	viewer := middleware.GetProfileFromContext(r.Context())
	if viewer == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req CreateConversationRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	var members []uuid.UUID
	if req.ParticipantID != nil {
		members = []uuid.UUID{*req.ParticipantID}
	} else {
		members = req.ParticipantIDs
	}
	if len(members) == 0 {
		h.ErrorCode(w, http.StatusBadRequest, "participants_required", "participant_id or participant_ids is required")
		return
	}
	if len(members) > maxGroupSize {
		h.ErrorCode(w, http.StatusUnprocessableEntity, "too_many_participants", "too many participants")
		return
	}

	profiles, err := h.store.GetProfiles(ctx, members)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	for _, id := range members {
		if id == viewer.ID {
			h.ErrorCode(w, http.StatusBadRequest, "invalid_target", "cannot start a conversation with yourself")
			return
		}
		if profiles[id] == nil {
			h.Error(w, http.StatusNotFound, "participant not found")
			return
		}
		rel, err := h.store.GetRelationship(ctx, viewer.ID, id)
		if err != nil {
			h.Error(w, http.StatusInternalServerError, "database error")
			return
		}
		if rel.Blocked() {
			h.ErrorCode(w, http.StatusForbidden, CodeBlocked, "a participant is blocked")
			return
		}
	}

	// Direct conversations are get-or-create, so they answer 200.
	var conv *models.Conversation
	status := http.StatusCreated
	if req.ParticipantID != nil {
		conv, err = h.store.GetOrCreateDirectConversation(ctx, viewer.ID, *req.ParticipantID)
		status = http.StatusOK
	} else {
		conv, err = h.store.CreateGroupConversation(ctx, sanitizeName(req.Name), viewer.ID, members)
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("create conversation failed")
		h.Error(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}

	resp, err := h.describe(ctx, viewer.ID, *conv)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to fetch profiles")
		return
	}
	h.JSON(w, status, resp[0])
}

// loadConversation resolves {id} to a conversation the caller takes part in.
// It reports false after writing an error.
func (h *Handler) loadConversation(w http.ResponseWriter, r *http.Request, viewerID uuid.UUID) (*models.Conversation, bool) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return nil, false
	}
	conv, err := h.store.GetConversation(r.Context(), id)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return nil, false
	}
	if conv == nil {
		h.Error(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	if !conv.HasParticipant(viewerID) {
		h.ErrorCode(w, http.StatusForbidden, CodeNotParticipant, "not a participant of this conversation")
		return nil, false
	}
	return conv, true
}

// GetConversation handles fetching a single conversation.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	viewer := middleware.GetProfileFromContext(r.Context())
	if viewer == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	conv, ok := h.loadConversation(w, r, viewer.ID)
	if !ok {
		return
	}
	resp, err := h.describe(r.Context(), viewer.ID, *conv)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to fetch profiles")
		return
	}
	h.JSON(w, http.StatusOK, resp[0])
}
