package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sofvo/sofvo/internal/crypto"
	"github.com/sofvo/sofvo/internal/notify"
	"github.com/sofvo/sofvo/internal/realtime"
	"github.com/sofvo/sofvo/internal/store"
)

const defaultHeartbeat = 25 * time.Second

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	store    store.DataStore
	redis    *store.RedisStore
	broker   *realtime.Broker
	notifier *notify.Notifier
	tokens   *crypto.TokenIssuer
	logger   zerolog.Logger

	// StreamHeartbeat is the interval between keep-alive comments on /stream.
	StreamHeartbeat time.Duration
}

// NewHandler creates a new Handler. redis may be nil.
func NewHandler(ds store.DataStore, redis *store.RedisStore, broker *realtime.Broker, tokens *crypto.TokenIssuer, logger zerolog.Logger) *Handler {
	return &Handler{
		store:           ds,
		redis:           redis,
		broker:          broker,
		notifier:        notify.New(ds, broker, logger),
		tokens:          tokens,
		logger:          logger,
		StreamHeartbeat: defaultHeartbeat,
	}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with a code derived from the status.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.ErrorCode(w, status, codeForStatus(status), message)
}

// ErrorCode sends a JSON error response with an explicit machine-readable code.
func (h *Handler) ErrorCode(w http.ResponseWriter, status int, code, message string) {
	h.JSON(w, status, ErrorResponse{Error: message, Code: code})
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	default:
		return "internal"
	}
}

// decode reads a JSON body into v. It reports false after writing a 400.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.ErrorCode(w, http.StatusBadRequest, "invalid_body", "invalid JSON body")
		return false
	}
	return true
}

// uuidParam parses a UUID route parameter. It reports false after writing a 400.
func (h *Handler) uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// sanitizeName trims and limits name to 100 characters, removing control characters.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)

	// Remove control characters
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)

	// Limit to 100 characters
	if runes := []rune(name); len(runes) > 100 {
		name = string(runes[:100])
	}

	return name
}
