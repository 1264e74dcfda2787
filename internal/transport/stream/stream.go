// Package stream bridges one long-lived HTTP connection to the hub using
// text event-stream framing: an event-type line, a JSON data line, and a
// blank line per event.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dkovac/ritmo/internal/hub"
	"github.com/dkovac/ritmo/internal/service"
	"github.com/dkovac/ritmo/internal/transport/http/middleware"
)

// sendBufSize bounds the per-subscriber event queue. A subscriber that falls
// this far behind is treated as dead and pruned by the hub.
const sendBufSize = 64

type Handler struct {
	log          *slog.Logger
	hub          *hub.Hub
	chatService  *service.ChatService
	jwtSecret    string
	keepalive    time.Duration
	catchupLimit int
}

func NewHandler(log *slog.Logger, h *hub.Hub, chatService *service.ChatService, jwtSecret string, keepalive time.Duration, catchupLimit int) *Handler {
	if keepalive <= 0 {
		keepalive = 25 * time.Second
	}
	if catchupLimit <= 0 || catchupLimit > 50 {
		catchupLimit = 50
	}
	return &Handler{
		log:          log,
		hub:          h,
		chatService:  chatService,
		jwtSecret:    jwtSecret,
		keepalive:    keepalive,
		catchupLimit: catchupLimit,
	}
}

// ServeHTTP opens the event stream for one conversation. Auth comes from the
// ?token= query param since EventSource clients cannot set headers.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	userID, err := middleware.ParseToken(tokenStr, h.jwtSecret)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	convID, ok := pathConversationID(r)
	if !ok {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	conv, err := h.chatService.Conversation(ctx, userID, convID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan hub.Event, sendBufSize)
	done := make(chan struct{})
	var closeOnce sync.Once
	closeStream := func() { closeOnce.Do(func() { close(done) }) }

	sub := hub.NewSubscriber(conv.ID, userID,
		func(ev hub.Event) error {
			select {
			case events <- ev:
				return nil
			default:
				return fmt.Errorf("subscriber queue full")
			}
		},
		closeStream,
	)

	// Teardown must run exactly once whether the client aborted, a write
	// failed, or the hub pruned us.
	var teardownOnce sync.Once
	teardown := func() {
		teardownOnce.Do(func() {
			h.hub.RemoveSubscriber(sub)
			closeStream()
			h.log.Debug("stream closed", "conversation", conv.ID, "user", userID)
		})
	}
	defer teardown()

	h.hub.AddSubscriber(sub)
	h.log.Debug("stream opened", "conversation", conv.ID, "user", userID)

	// Catch-up: viewing the conversation reads it, and the peer's recent
	// backlog is now delivered.
	if _, err := h.chatService.MarkRead(ctx, userID, conv.ID); err != nil {
		h.log.Error("stream mark read", "error", err)
	}
	if err := h.chatService.AckDelivered(ctx, userID, conv.ID, h.catchupLimit); err != nil {
		h.log.Error("stream ack delivered", "error", err)
	}

	// Initial presence push for this subscriber; everyone else already got
	// theirs when we registered.
	if err := writeFrame(w, hub.Presence{Conversation: conv.ID, UserIDs: h.hub.Presence(conv.ID)}); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case ev := <-events:
			if err := writeFrame(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if err := writeFrame(w, hub.Ping{}); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeFrame serializes one event in stream framing.
func writeFrame(w io.Writer, ev hub.Event) error {
	env, err := hub.Encode(ev)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Type, data)
	return err
}

func pathConversationID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrConversationNotFound):
		http.Error(w, "conversation not found", http.StatusNotFound)
	case errors.Is(err, service.ErrNotParticipant):
		http.Error(w, "forbidden", http.StatusForbidden)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
