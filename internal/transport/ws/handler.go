package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/dkovac/ritmo/internal/hub"
	"github.com/dkovac/ritmo/internal/service"
	"github.com/dkovac/ritmo/internal/transport/http/middleware"
)

// ServeWS upgrades to WebSocket and attaches the connection to one
// conversation's event stream. Auth is via ?token= query param since the
// browser WebSocket API cannot send headers.
func ServeWS(log *slog.Logger, h *hub.Hub, chatService *service.ChatService, jwtSecret string, catchupLimit int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenStr := r.URL.Query().Get("token")
		if tokenStr == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		userID, err := middleware.ParseToken(tokenStr, jwtSecret)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		convID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			http.Error(w, "invalid conversation id", http.StatusBadRequest)
			return
		}

		ctx := r.Context()
		conv, err := chatService.Conversation(ctx, userID, convID)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true, // dev mode: any origin
		})
		if err != nil {
			log.Error("ws accept", "error", err)
			return
		}

		client := NewClient(log, h, chatService, conn, conv.ID, userID)
		h.AddSubscriber(client.Subscriber())
		log.Debug("ws opened", "conversation", conv.ID, "user", userID)

		if _, err := chatService.MarkRead(ctx, userID, conv.ID); err != nil {
			log.Error("ws mark read", "error", err)
		}
		if err := chatService.AckDelivered(ctx, userID, conv.ID, catchupLimit); err != nil {
			log.Error("ws ack delivered", "error", err)
		}
		client.push(hub.Presence{Conversation: conv.ID, UserIDs: h.Presence(conv.ID)})

		// The request context dies when this handler returns; the pumps
		// live until the socket closes.
		go client.WritePump(context.Background())
		go client.ReadPump(context.Background())
	}
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
