package handlers

import (
	"net/http"
	"strconv"

	"github.com/sofvo/sofvo/internal/api/middleware"
	"github.com/sofvo/sofvo/internal/models"
)

// NotificationListResponse represents the list notifications response.
type NotificationListResponse struct {
	Notifications []models.Notification `json:"notifications"`
}

// MarkReadRequest lists notification ids to mark read. Empty marks all.
type MarkReadRequest struct {
	IDs []string `json:"ids"`
}

// MarkReadResponse reports how many notifications changed.
type MarkReadResponse struct {
	Marked int64 `json:"marked"`
}

// ListNotifications handles fetching the caller's notifications.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	viewer := middleware.GetProfileFromContext(r.Context())
	if viewer == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			h.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	unreadOnly := r.URL.Query().Get("unread") == "true"

	list, err := h.store.ListNotifications(r.Context(), viewer.ID, limit, unreadOnly)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to fetch notifications")
		return
	}
	if list == nil {
		list = []models.Notification{}
	}
	h.JSON(w, http.StatusOK, NotificationListResponse{Notifications: list})
}

// MarkNotificationsRead handles flagging notifications as read.
func (h *Handler) MarkNotificationsRead(w http.ResponseWriter, r *http.Request) {
	viewer := middleware.GetProfileFromContext(r.Context())
	if viewer == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req MarkReadRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	n, err := h.store.MarkNotificationsRead(r.Context(), viewer.ID, req.IDs)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to update notifications")
		return
	}
	h.JSON(w, http.StatusOK, MarkReadResponse{Marked: n})
}
