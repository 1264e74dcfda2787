package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/dkovac/ritmo/internal/domain"
	"github.com/dkovac/ritmo/internal/hub"
	"github.com/dkovac/ritmo/internal/repository"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotParticipant       = errors.New("you are not a participant of this conversation")
	ErrCannotMessageSelf    = errors.New("cannot start a conversation with yourself")
	ErrUserNotFound         = errors.New("user not found")
	ErrConversationDeclined = errors.New("conversation request was declined")
	ErrRequestNotPending    = errors.New("conversation request is not pending")
	ErrNotRequestRecipient  = errors.New("only the request recipient can perform this action")
	ErrMessageNotFound      = errors.New("message not found")
	ErrEmptyMessage         = errors.New("message needs text or at least one attachment")
)

// Broadcaster is the hub seam. The service persists facts first, then hands
// them to the broadcaster; it never reaches into hub state directly.
type Broadcaster interface {
	Broadcast(ev hub.Event)
	SetTyping(conversationID, userID uuid.UUID, isTyping bool)
	SetReaction(conversationID, messageID, userID uuid.UUID, emoji string, add bool)
	Reactions(conversationID uuid.UUID) map[uuid.UUID]map[string][]uuid.UUID
	Presence(conversationID uuid.UUID) []uuid.UUID
}

type ChatService struct {
	conversationRepo repository.ConversationRepository
	messageRepo      repository.MessageRepository
	userRepo         repository.UserRepository
	broadcaster      Broadcaster
	now              func() time.Time
}

func NewChatService(
	conversationRepo repository.ConversationRepository,
	messageRepo repository.MessageRepository,
	userRepo repository.UserRepository,
	broadcaster Broadcaster,
) *ChatService {
	return &ChatService{
		conversationRepo: conversationRepo,
		messageRepo:      messageRepo,
		userRepo:         userRepo,
		broadcaster:      broadcaster,
		now:              time.Now,
	}
}

// GetOrCreateConversation finds the pairwise conversation between the two
// users or creates it as a pending request initiated by userID. A declined
// conversation is returned as is: it is never reopened.
func (s *ChatService) GetOrCreateConversation(ctx context.Context, userID, otherUserID uuid.UUID) (*domain.Conversation, error) {
	if userID == otherUserID {
		return nil, ErrCannotMessageSelf
	}

	other, err := s.userRepo.GetByID(ctx, otherUserID)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if other == nil {
		return nil, ErrUserNotFound
	}

	u1, u2 := canonicalPair(userID, otherUserID)
	conv, err := s.conversationRepo.GetByUsers(ctx, u1, u2)
	if err != nil {
		return nil, fmt.Errorf("lookup conversation: %w", err)
	}
	if conv == nil {
		initiator := userID
		now := s.now()
		conv = &domain.Conversation{
			ID:                 uuid.New(),
			User1ID:            u1,
			User2ID:            u2,
			Status:             domain.StatusRequestPending,
			RequestInitiatorID: &initiator,
			LastActivityAt:     now,
			CreatedAt:          now,
		}
		if err := s.conversationRepo.Create(ctx, conv); err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
	}

	conv.OtherUserID = otherUserID
	conv.OtherUserUsername = other.Username
	conv.OtherUserDisplayName = other.DisplayName
	return conv, nil
}

// AcceptRequest moves a pending conversation to ACTIVE. Only the participant
// who did not initiate the request may accept.
func (s *ChatService) AcceptRequest(ctx context.Context, userID, conversationID uuid.UUID) (*domain.Conversation, error) {
	return s.resolveRequest(ctx, userID, conversationID, domain.StatusActive)
}

// DeclineRequest moves a pending conversation to REQUEST_DECLINED, a
// terminal state.
func (s *ChatService) DeclineRequest(ctx context.Context, userID, conversationID uuid.UUID) (*domain.Conversation, error) {
	return s.resolveRequest(ctx, userID, conversationID, domain.StatusRequestDeclined)
}

func (s *ChatService) resolveRequest(ctx context.Context, userID, conversationID uuid.UUID, to domain.ConversationStatus) (*domain.Conversation, error) {
	conv, err := s.participantConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status != domain.StatusRequestPending {
		return nil, ErrRequestNotPending
	}
	if conv.RequestInitiatorID != nil && *conv.RequestInitiatorID == userID {
		return nil, ErrNotRequestRecipient
	}
	if err := s.conversationRepo.UpdateStatus(ctx, conversationID, to); err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	conv.Status = to
	return conv, nil
}

func (s *ChatService) ListConversations(ctx context.Context, userID uuid.UUID) ([]domain.Conversation, error) {
	return s.conversationRepo.ListByUser(ctx, userID)
}

// Conversation fetches a conversation and enforces membership.
func (s *ChatService) Conversation(ctx context.Context, userID, conversationID uuid.UUID) (*domain.Conversation, error) {
	return s.participantConversation(ctx, userID, conversationID)
}

type SendMessageInput struct {
	Text        string              `json:"text"`
	Attachments []domain.Attachment `json:"attachments,omitempty"`
	ClientID    string              `json:"client_id,omitempty" validate:"max=64"`
}

// SendMessage persists the message, bumps the conversation's activity, and
// broadcasts it to connected subscribers. If the recipient currently holds
// an open stream a delivered receipt follows immediately.
func (s *ChatService) SendMessage(ctx context.Context, userID, conversationID uuid.UUID, input SendMessageInput) (*domain.Message, error) {
	if input.Text == "" && len(input.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}

	conv, err := s.participantConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	switch conv.Status {
	case domain.StatusRequestDeclined:
		return nil, ErrConversationDeclined
	case domain.StatusRequestPending:
		// Message requests: only the initiator may keep sending while the
		// recipient has not answered.
		if conv.RequestInitiatorID != nil && *conv.RequestInitiatorID != userID {
			return nil, ErrRequestNotPending
		}
	}

	sender, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lookup sender: %w", err)
	}

	now := s.now()
	msg := &domain.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		SenderID:       userID,
		Text:           input.Text,
		Attachments:    input.Attachments,
		ClientID:       input.ClientID,
		CreatedAt:      now,
	}
	if sender != nil {
		msg.SenderUsername = sender.Username
		msg.SenderDisplayName = sender.DisplayName
	}

	if err := s.messageRepo.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	if err := s.conversationRepo.TouchActivity(ctx, conversationID, now); err != nil {
		return nil, fmt.Errorf("touch activity: %w", err)
	}

	s.broadcaster.Broadcast(hub.MessageNew{Message: *msg})

	recipient := conv.OtherParticipant(userID)
	if slices.Contains(s.broadcaster.Presence(conversationID), recipient) {
		s.broadcaster.Broadcast(hub.Receipt{
			Conversation: conversationID,
			Kind:         hub.ReceiptDelivered,
			UserID:       recipient,
			MessageID:    msg.ID,
		})
	}

	return msg, nil
}

func (s *ChatService) ListMessages(ctx context.Context, userID, conversationID uuid.UUID, limit int) ([]domain.Message, error) {
	if _, err := s.participantConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.messageRepo.ListByConversation(ctx, conversationID, limit)
}

// MarkRead stamps the user's read watermark to now and broadcasts a read
// receipt. It returns the watermark used.
func (s *ChatService) MarkRead(ctx context.Context, userID, conversationID uuid.UUID) (time.Time, error) {
	if _, err := s.participantConversation(ctx, userID, conversationID); err != nil {
		return time.Time{}, err
	}
	now := s.now()
	if err := s.conversationRepo.SetLastRead(ctx, conversationID, userID, now); err != nil {
		return time.Time{}, fmt.Errorf("set last read: %w", err)
	}
	s.broadcaster.Broadcast(hub.Receipt{
		Conversation: conversationID,
		Kind:         hub.ReceiptRead,
		UserID:       userID,
		ReadUpTo:     now,
	})
	return now, nil
}

// AckDelivered broadcasts delivered receipts for the newest messages the
// other participant sent, up to limit. Called when a client connects so the
// peer learns its backlog reached someone.
func (s *ChatService) AckDelivered(ctx context.Context, userID, conversationID uuid.UUID, limit int) error {
	conv, err := s.participantConversation(ctx, userID, conversationID)
	if err != nil {
		return err
	}
	msgs, err := s.messageRepo.ListRecentBySender(ctx, conversationID, conv.OtherParticipant(userID), limit)
	if err != nil {
		return fmt.Errorf("list recent messages: %w", err)
	}
	for _, msg := range msgs {
		s.broadcaster.Broadcast(hub.Receipt{
			Conversation: conversationID,
			Kind:         hub.ReceiptDelivered,
			UserID:       userID,
			MessageID:    msg.ID,
		})
	}
	return nil
}

// SetTyping forwards a typing signal to the hub after a membership check.
func (s *ChatService) SetTyping(ctx context.Context, userID, conversationID uuid.UUID, isTyping bool) error {
	if _, err := s.participantConversation(ctx, userID, conversationID); err != nil {
		return err
	}
	s.broadcaster.SetTyping(conversationID, userID, isTyping)
	return nil
}

// ToggleReaction forwards a reaction toggle to the hub after membership and
// message checks. Reactions live only in hub memory.
func (s *ChatService) ToggleReaction(ctx context.Context, userID, conversationID, messageID uuid.UUID, emoji string, add bool) error {
	if _, err := s.participantConversation(ctx, userID, conversationID); err != nil {
		return err
	}
	msg, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return fmt.Errorf("lookup message: %w", err)
	}
	if msg == nil || msg.ConversationID != conversationID {
		return ErrMessageNotFound
	}
	s.broadcaster.SetReaction(conversationID, messageID, userID, emoji, add)
	return nil
}

// Reactions returns the hub's reaction snapshot for initial-load hydration.
func (s *ChatService) Reactions(ctx context.Context, userID, conversationID uuid.UUID) (map[uuid.UUID]map[string][]uuid.UUID, error) {
	if _, err := s.participantConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return s.broadcaster.Reactions(conversationID), nil
}

func (s *ChatService) participantConversation(ctx context.Context, userID, conversationID uuid.UUID) (*domain.Conversation, error) {
	conv, err := s.conversationRepo.GetByID(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("lookup conversation: %w", err)
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return conv, nil
}

// canonicalPair orders two user ids so each pair maps to one row.
func canonicalPair(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if a.String() > b.String() {
		return b, a
	}
	return a, b
}
