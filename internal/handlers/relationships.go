package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/sofvo/sofvo/internal/api/middleware"
	"github.com/sofvo/sofvo/internal/models"
)

// relationshipTarget resolves the {id} route parameter to an existing profile
// other than the caller. It reports false after writing an error.
func (h *Handler) relationshipTarget(w http.ResponseWriter, r *http.Request) (*models.Profile, uuid.UUID, bool) {
	viewer := middleware.GetProfileFromContext(r.Context())
	if viewer == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return nil, uuid.Nil, false
	}

	targetID, ok := h.uuidParam(w, r, "id")
	if !ok {
		return nil, uuid.Nil, false
	}
	if targetID == viewer.ID {
		h.ErrorCode(w, http.StatusBadRequest, "invalid_target", "cannot target yourself")
		return nil, uuid.Nil, false
	}

	target, err := h.store.GetProfileByID(r.Context(), targetID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return nil, uuid.Nil, false
	}
	if target == nil {
		h.Error(w, http.StatusNotFound, "profile not found")
		return nil, uuid.Nil, false
	}
	return viewer, targetID, true
}

func (h *Handler) writeRelationship(ctx context.Context, w http.ResponseWriter, viewerID, targetID uuid.UUID) {
	rel, err := h.store.GetRelationship(ctx, viewerID, targetID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	h.JSON(w, http.StatusOK, rel)
}

// Follow handles following a profile. A blocked pair cannot follow.
func (h *Handler) Follow(w http.ResponseWriter, r *http.Request) {
	viewer, targetID, ok := h.relationshipTarget(w, r)
	if !ok {
		return
	}

	rel, err := h.store.GetRelationship(r.Context(), viewer.ID, targetID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if rel.Blocked() {
		h.ErrorCode(w, http.StatusForbidden, CodeBlocked, "cannot follow a blocked profile")
		return
	}

	if !rel.Following {
		if err := h.store.Follow(r.Context(), viewer.ID, targetID); err != nil {
			h.Error(w, http.StatusInternalServerError, "failed to follow")
			return
		}
		h.notifier.Followed(r.Context(), viewer.ID, targetID)
	}
	h.writeRelationship(r.Context(), w, viewer.ID, targetID)
}

// Unfollow handles removing a follow.
func (h *Handler) Unfollow(w http.ResponseWriter, r *http.Request) {
	viewer, targetID, ok := h.relationshipTarget(w, r)
	if !ok {
		return
	}
	if err := h.store.Unfollow(r.Context(), viewer.ID, targetID); err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to unfollow")
		return
	}
	h.writeRelationship(r.Context(), w, viewer.ID, targetID)
}

// Block handles blocking a profile. Follows in both directions are removed.
func (h *Handler) Block(w http.ResponseWriter, r *http.Request) {
	viewer, targetID, ok := h.relationshipTarget(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	if err := h.store.Block(ctx, viewer.ID, targetID); err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to block")
		return
	}
	if err := h.store.Unfollow(ctx, viewer.ID, targetID); err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to block")
		return
	}
	if err := h.store.Unfollow(ctx, targetID, viewer.ID); err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to block")
		return
	}
	h.writeRelationship(ctx, w, viewer.ID, targetID)
}

// Unblock handles removing a block.
func (h *Handler) Unblock(w http.ResponseWriter, r *http.Request) {
	viewer, targetID, ok := h.relationshipTarget(w, r)
	if !ok {
		return
	}
	if err := h.store.Unblock(r.Context(), viewer.ID, targetID); err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to unblock")
		return
	}
	h.writeRelationship(r.Context(), w, viewer.ID, targetID)
}
