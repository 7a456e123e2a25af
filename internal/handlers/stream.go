package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sofvo/sofvo/internal/api/middleware"
	"github.com/sofvo/sofvo/internal/models"
	"github.com/sofvo/sofvo/internal/realtime"
	"github.com/sofvo/sofvo/internal/store"
)

// Stream handles the server-sent events endpoint.
//
// With conversation_id the stream carries message and message_updated events for
// that conversation plus the viewer's notifications; without it, notifications only.
// A Last-Event-ID header (or last_event_id query parameter) replays messages
// created after that id before live delivery starts.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	viewer := middleware.GetProfileFromContext(r.Context())
	if viewer == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	q := r.URL.Query()
	if raw := q.Get("user_id"); raw != "" {
		uid, err := uuid.Parse(raw)
		if err != nil {
			h.Error(w, http.StatusBadRequest, "invalid user_id")
			return
		}
		if uid != viewer.ID {
			h.ErrorCode(w, http.StatusForbidden, "user_mismatch", "user_id does not match token")
			return
		}
	}

	var conv *models.Conversation
	if raw := q.Get("conversation_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.Error(w, http.StatusBadRequest, "invalid conversation_id")
			return
		}
		conv, err = h.store.GetConversation(r.Context(), id)
		if err != nil {
			h.Error(w, http.StatusInternalServerError, "database error")
			return
		}
		if conv == nil {
			h.Error(w, http.StatusNotFound, "conversation not found")
			return
		}
		if !conv.HasParticipant(viewer.ID) {
			h.ErrorCode(w, http.StatusForbidden, CodeNotParticipant, "not a participant of this conversation")
			return
		}
	}

	lastID := r.Header.Get("Last-Event-ID")
	if lastID == "" {
		lastID = q.Get("last_event_id")
	}

	convID := uuid.Nil
	if conv != nil {
		convID = conv.ID
	}

	// Subscribe before replaying so nothing published in between is lost.
	sub := h.broker.Subscribe(convID, viewer.ID)
	defer h.broker.Unsubscribe(sub)

	rc := http.NewResponseController(w)
	// Streams outlive the server's read and write timeouts.
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	log := h.logger.With().
		Str("user_id", viewer.ID.String()).
		Str("conversation_id", convID.String()).
		Logger()

	fmt.Fprint(w, ": connected\n\n")
	// Ids written by the replay. The live channel may carry some of them again
	// since the subscription started first; each is skipped once.
	var replayed map[string]struct{}
	if conv != nil && lastID != "" {
		var err error
		if replayed, err = h.replay(ctx, w, conv.ID, lastID); err != nil {
			log.Warn().Err(err).Str("last_event_id", lastID).Msg("stream replay failed")
			return
		}
	}
	if err := rc.Flush(); err != nil {
		log.Debug().Err(err).Msg("stream flush unsupported")
		return
	}

	h.touchPresence(ctx, viewer.ID)
	heartbeat := h.StreamHeartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	log.Debug().Msg("stream opened")
	defer log.Debug().Msg("stream closed")

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			// Evicted for falling behind, or the server is shutting down; the client
			// reconnects with Last-Event-ID.
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
			h.touchPresence(ctx, viewer.ID)
		case ev := <-sub.Events():
			id := ""
			if ev.Type == realtime.EventMessage {
				if _, ok := replayed[ev.ID]; ok {
					delete(replayed, ev.ID)
					continue
				}
				id = ev.ID
			}
			if err := writeEvent(w, string(ev.Type), id, ev.Data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// replay writes every message after afterID and returns the ids it wrote.
func (h *Handler) replay(ctx context.Context, w io.Writer, conversationID uuid.UUID, afterID string) (map[string]struct{}, error) {
	written := make(map[string]struct{})
	for {
		msgs, err := h.store.ListMessages(ctx, store.MessageQuery{
			ConversationID: conversationID,
			Limit:          store.MaxMessageLimit,
			AfterID:        afterID,
		})
		if err != nil {
			return written, err
		}
		for i := range msgs {
			data, err := json.Marshal(&msgs[i])
			if err != nil {
				return written, err
			}
			if err := writeEvent(w, string(realtime.EventMessage), msgs[i].ID, data); err != nil {
				return written, err
			}
			written[msgs[i].ID] = struct{}{}
		}
		if len(msgs) < store.MaxMessageLimit {
			return written, nil
		}
		afterID = maxID(msgs)
	}
}

// maxID returns the largest id in a page. Pages are ordered by creation time,
// which need not match id order.
func maxID(msgs []models.Message) string {
	var max string
	for i := range msgs {
		if msgs[i].ID > max {
			max = msgs[i].ID
		}
	}
	return max
}

func (h *Handler) touchPresence(ctx context.Context, userID uuid.UUID) {
	if h.redis == nil {
		return
	}
	if err := h.redis.TouchPresence(ctx, userID); err != nil {
		h.logger.Debug().Err(err).Msg("presence update failed")
	}
}

// writeEvent writes one SSE frame. data must not contain newlines.
func writeEvent(w io.Writer, event, id string, data []byte) error {
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
