// Package memory holds in-memory repository implementations used by tests
// and local development. They mirror the postgres semantics: canonical user
// ordering, activity-sorted listings, read watermarks.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dkovac/ritmo/internal/domain"
)

type UserRepo struct {
	mu    sync.RWMutex
	users map[uuid.UUID]domain.User
}

func NewUserRepo() *UserRepo {
	return &UserRepo{users: make(map[uuid.UUID]domain.User)}
}

func (r *UserRepo) Add(user domain.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[user.ID] = user
}

func (r *UserRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

type participantKey struct {
	conversationID uuid.UUID
	userID         uuid.UUID
}

type ConversationRepo struct {
	mu     sync.RWMutex
	convs  map[uuid.UUID]domain.Conversation
	states map[participantKey]time.Time
	users  *UserRepo
}

func NewConversationRepo(users *UserRepo) *ConversationRepo {
	return &ConversationRepo{
		convs:  make(map[uuid.UUID]domain.Conversation),
		states: make(map[participantKey]time.Time),
		users:  users,
	}
}

func (r *ConversationRepo) Create(_ context.Context, conv *domain.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.convs[conv.ID] = *conv
	return nil
}

func (r *ConversationRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conv, ok := r.convs[id]
	if !ok {
		return nil, nil
	}
	return &conv, nil
}

func (r *ConversationRepo) GetByUsers(_ context.Context, user1ID, user2ID uuid.UUID) (*domain.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, conv := range r.convs {
		if conv.User1ID == user1ID && conv.User2ID == user2ID {
			cp := conv
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *ConversationRepo) ListByUser(_ context.Context, userID uuid.UUID) ([]domain.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Conversation
	for _, conv := range r.convs {
		if conv.HasParticipant(userID) {
			out = append(out, conv)
		}
	}
	slices.SortFunc(out, func(a, b domain.Conversation) int {
		return b.LastActivityAt.Compare(a.LastActivityAt)
	})
	return out, nil
}

func (r *ConversationRepo) UpdateStatus(_ context.Context, id uuid.UUID, status domain.ConversationStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv := r.convs[id]
	conv.Status = status
	r.convs[id] = conv
	return nil
}

func (r *ConversationRepo) TouchActivity(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv := r.convs[id]
	conv.LastActivityAt = at
	r.convs[id] = conv
	return nil
}

func (r *ConversationRepo) GetParticipantState(_ context.Context, conversationID, userID uuid.UUID) (*domain.ParticipantState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	at, ok := r.states[participantKey{conversationID, userID}]
	if !ok {
		return nil, nil
	}
	return &domain.ParticipantState{ConversationID: conversationID, UserID: userID, LastReadAt: at}, nil
}

func (r *ConversationRepo) SetLastRead(_ context.Context, conversationID, userID uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[participantKey{conversationID, userID}] = at
	return nil
}

type MessageRepo struct {
	mu   sync.RWMutex
	msgs []domain.Message
}

func NewMessageRepo() *MessageRepo {
	return &MessageRepo{}
}

func (r *MessageRepo) Create(_ context.Context, msg *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, *msg)
	return nil
}

func (r *MessageRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.msgs {
		if m.ID == id {
			cp := m
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *MessageRepo) ListByConversation(_ context.Context, conversationID uuid.UUID, limit int) ([]domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Message
	for _, m := range r.msgs {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b domain.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r *MessageRepo) ListRecentBySender(_ context.Context, conversationID, senderID uuid.UUID, limit int) ([]domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Message
	for _, m := range r.msgs {
		if m.ConversationID == conversationID && m.SenderID == senderID {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b domain.Message) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
