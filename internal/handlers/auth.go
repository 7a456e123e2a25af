package handlers

import (
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/sofvo/sofvo/internal/crypto"
	"github.com/sofvo/sofvo/internal/metrics"
	"github.com/sofvo/sofvo/internal/store"
)

// Usernames: letters, digits, underscores, dots, 3-32 chars
var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.]{3,32}$`)

const (
	minPasswordLength = 8
	maxPasswordLength = 72 // bcrypt input limit
)

// RegisterRequest represents the registration request body.
type RegisterRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
}

// LoginRequest represents the login request body.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenResponse is returned by register and login.
type TokenResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Token    string `json:"token"`
}

// Register handles profile registration.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if !usernameRegex.MatchString(req.Username) {
		h.ErrorCode(w, http.StatusBadRequest, "invalid_username", "username must be 3-32 letters, digits, dots or underscores")
		return
	}
	if len(req.Password) < minPasswordLength || len(req.Password) > maxPasswordLength {
		h.ErrorCode(w, http.StatusBadRequest, "invalid_password", "password must be 8-72 bytes")
		return
	}

	hash, err := crypto.HashPassword(req.Password)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to hash password")
		return
	}

	profile, err := h.store.CreateProfile(r.Context(), req.Username, sanitizeName(req.DisplayName), hash)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			h.ErrorCode(w, http.StatusConflict, "username_taken", "username already registered")
			return
		}
		h.logger.Error().Err(err).Msg("create profile failed")
		h.Error(w, http.StatusInternalServerError, "failed to create profile")
		return
	}
	metrics.ProfilesRegistered.Inc()

	token, err := h.tokens.Issue(profile.ID, profile.Username)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	h.JSON(w, http.StatusCreated, TokenResponse{
		ID:       profile.ID.String(),
		Username: profile.Username,
		Token:    token,
	})
}

// Login exchanges a username and password for a session token.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}

	profile, err := h.store.GetProfileByUsername(r.Context(), strings.TrimSpace(req.Username))
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if profile == nil || crypto.CheckPassword(profile.PasswordHash, req.Password) != nil {
		h.ErrorCode(w, http.StatusUnauthorized, "invalid_credentials", "invalid username or password")
		return
	}

	token, err := h.tokens.Issue(profile.ID, profile.Username)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	h.JSON(w, http.StatusOK, TokenResponse{
		ID:       profile.ID.String(),
		Username: profile.Username,
		Token:    token,
	})
}
