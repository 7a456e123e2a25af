package handlers

import (
	"net/http"
	"time"

	"github.com/sofvo/sofvo/internal/models"
)

// ProfileResponse represents the public profile response.
type ProfileResponse struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	Online      *bool     `json:"online,omitempty"` // only when presence is tracked
	JoinedAt    time.Time `json:"joined_at"`
}

func profileResponse(p *models.Profile) ProfileResponse {
	return ProfileResponse{
		ID:          p.ID.String(),
		Username:    p.Username,
		DisplayName: p.Name(),
		AvatarURL:   p.AvatarURL,
		JoinedAt:    p.CreatedAt,
	}
}

// GetProfile handles profile lookup.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}

	profile, err := h.store.GetProfileByID(r.Context(), id)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if profile == nil {
		h.Error(w, http.StatusNotFound, "profile not found")
		return
	}

	resp := profileResponse(profile)
	if h.redis != nil {
		if online, err := h.redis.IsOnline(r.Context(), profile.ID); err == nil {
			resp.Online = &online
		}
	}
	h.JSON(w, http.StatusOK, resp)
}
