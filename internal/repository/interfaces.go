package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dkovac/ritmo/internal/domain"
)

type UserRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
}

type ConversationRepository interface {
	Create(ctx context.Context, conv *domain.Conversation) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Conversation, error)
	// GetByUsers expects user1 < user2 in canonical order.
	GetByUsers(ctx context.Context, user1ID, user2ID uuid.UUID) (*domain.Conversation, error)
	// ListByUser returns conversations sorted by last activity descending,
	// with the other participant joined in and unread counts computed.
	ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.Conversation, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.ConversationStatus) error
	TouchActivity(ctx context.Context, id uuid.UUID, at time.Time) error
	GetParticipantState(ctx context.Context, conversationID, userID uuid.UUID) (*domain.ParticipantState, error)
	SetLastRead(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) error
}

type MessageRepository interface {
	Create(ctx context.Context, msg *domain.Message) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Message, error)
	// ListByConversation returns messages in creation order ascending,
	// capped to limit (the most recent ones when capped).
	ListByConversation(ctx context.Context, conversationID uuid.UUID, limit int) ([]domain.Message, error)
	// ListRecentBySender returns the newest messages from one sender,
	// newest first, capped to limit.
	ListRecentBySender(ctx context.Context, conversationID, senderID uuid.UUID, limit int) ([]domain.Message, error)
}
