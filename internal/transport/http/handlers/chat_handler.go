package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/dkovac/ritmo/internal/service"
	"github.com/dkovac/ritmo/internal/transport/http/middleware"
	"github.com/dkovac/ritmo/pkg/validator"
)

type ChatHandler struct {
	chatService *service.ChatService
	val         *validator.Validator
	log         *slog.Logger
}

func NewChatHandler(chatService *service.ChatService, val *validator.Validator, log *slog.Logger) *ChatHandler {
	return &ChatHandler{chatService: chatService, val: val, log: log}
}

func (h *ChatHandler) GetOrCreateConversation(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var input struct {
		UserID uuid.UUID `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
		return
	}
	if input.UserID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "MISSING_USER_ID", "user_id is required")
		return
	}

	conv, err := h.chatService.GetOrCreateConversation(r.Context(), userID, input.UserID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrCannotMessageSelf):
			writeError(w, http.StatusBadRequest, "CANNOT_MESSAGE_SELF", "Cannot start a conversation with yourself")
		case errors.Is(err, service.ErrUserNotFound):
			writeError(w, http.StatusNotFound, "NOT_FOUND", "User not found")
		default:
			h.log.Error("get or create conversation", "error", err)
			writeError(w, http.StatusInternalServerError, "INTERNAL", "Something went wrong")
		}
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

func (h *ChatHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	convs, err := h.chatService.ListConversations(r.Context(), userID)
	if err != nil {
		h.log.Error("list conversations", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "Something went wrong")
		return
	}

	writeJSON(w, http.StatusOK, convs)
}

func (h *ChatHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	convID, ok := h.pathConversationID(w, r)
	if !ok {
		return
	}

	conv, err := h.chatService.Conversation(r.Context(), userID, convID)
	if err != nil {
		h.writeServiceError(w, err, "get conversation")
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

func (h *ChatHandler) AcceptRequest(w http.ResponseWriter, r *http.Request) {
	h.resolveRequest(w, r, true)
}

func (h *ChatHandler) DeclineRequest(w http.ResponseWriter, r *http.Request) {
	h.resolveRequest(w, r, false)
}

func (h *ChatHandler) resolveRequest(w http.ResponseWriter, r *http.Request, accept bool) {
	userID := middleware.GetUserID(r.Context())
	convID, ok := h.pathConversationID(w, r)
	if !ok {
		return
	}

	var (
		conv any
		err  error
	)
	if accept {
		conv, err = h.chatService.AcceptRequest(r.Context(), userID, convID)
	} else {
		conv, err = h.chatService.DeclineRequest(r.Context(), userID, convID)
	}
	if err != nil {
		switch {
		case errors.Is(err, service.ErrRequestNotPending):
			writeError(w, http.StatusConflict, "NOT_PENDING", "Conversation request is not pending")
		case errors.Is(err, service.ErrNotRequestRecipient):
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Only the request recipient can do this")
		default:
			h.writeServiceError(w, err, "resolve request")
		}
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

func (h *ChatHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	convID, ok := h.pathConversationID(w, r)
	if !ok {
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	msgs, err := h.chatService.ListMessages(r.Context(), userID, convID, limit)
	if err != nil {
		h.writeServiceError(w, err, "list messages")
		return
	}

	writeJSON(w, http.StatusOK, msgs)
}

func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	convID, ok := h.pathConversationID(w, r)
	if !ok {
		return
	}

	var input service.SendMessageInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
		return
	}
	if errs := h.val.ValidateStruct(&input); len(errs) > 0 {
		writeValidationErrors(w, errs)
		return
	}

	msg, err := h.chatService.SendMessage(r.Context(), userID, convID, input)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrEmptyMessage):
			writeError(w, http.StatusBadRequest, "EMPTY_MESSAGE", "Message needs text or an attachment")
		case errors.Is(err, service.ErrConversationDeclined):
			writeError(w, http.StatusForbidden, "DECLINED", "Conversation request was declined")
		case errors.Is(err, service.ErrRequestNotPending):
			writeError(w, http.StatusForbidden, "REQUEST_PENDING", "Wait until the request is accepted")
		default:
			h.writeServiceError(w, err, "send message")
		}
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}

func (h *ChatHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	convID, ok := h.pathConversationID(w, r)
	if !ok {
		return
	}

	at, err := h.chatService.MarkRead(r.Context(), userID, convID)
	if err != nil {
		h.writeServiceError(w, err, "mark read")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"read_up_to": at})
}

// SetTyping is the non-streaming control companion to the stream endpoints.
func (h *ChatHandler) SetTyping(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	convID, ok := h.pathConversationID(w, r)
	if !ok {
		return
	}

	var input struct {
		Typing bool `json:"typing"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
		return
	}

	if err := h.chatService.SetTyping(r.Context(), userID, convID, input.Typing); err != nil {
		h.writeServiceError(w, err, "set typing")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) ToggleReaction(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	convID, ok := h.pathConversationID(w, r)
	if !ok {
		return
	}
	msgID, err := uuid.Parse(r.PathValue("mid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid message ID")
		return
	}

	var input struct {
		Emoji string `json:"emoji" validate:"required,max=16"`
		Add   bool   `json:"add"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
		return
	}
	if errs := h.val.ValidateStruct(&input); len(errs) > 0 {
		writeValidationErrors(w, errs)
		return
	}

	if err := h.chatService.ToggleReaction(r.Context(), userID, convID, msgID, input.Emoji, input.Add); err != nil {
		if errors.Is(err, service.ErrMessageNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Message not found")
			return
		}
		h.writeServiceError(w, err, "toggle reaction")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetReactions returns the hub's ephemeral reaction snapshot so a newly
// connected client can hydrate before live events arrive.
func (h *ChatHandler) GetReactions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	convID, ok := h.pathConversationID(w, r)
	if !ok {
		return
	}

	reactions, err := h.chatService.Reactions(r.Context(), userID, convID)
	if err != nil {
		h.writeServiceError(w, err, "get reactions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"reactions": reactions})
}

func (h *ChatHandler) pathConversationID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	convID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid conversation ID")
		return uuid.Nil, false
	}
	return convID, true
}

func (h *ChatHandler) writeServiceError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, service.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Conversation not found")
	case errors.Is(err, service.ErrNotParticipant):
		writeError(w, http.StatusForbidden, "FORBIDDEN", "You are not a participant of this conversation")
	default:
		h.log.Error(op, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "Something went wrong")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func writeValidationErrors(w http.ResponseWriter, errs []validator.ValidationError) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error": map[string]any{
			"code":   "VALIDATION_ERROR",
			"fields": errs,
		},
	})
}
