package localstore

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dkovac/ritmo/internal/domain"
)

// Memory is a goroutine-safe in-memory Store. It backs tests and sessions
// that do not need persistence across restarts.
type Memory struct {
	mu            sync.RWMutex
	conversations map[uuid.UUID]domain.Conversation
	messages      map[uuid.UUID]domain.Message
	notifications map[string]Notification
	lastSyncAt    time.Time
}

func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[uuid.UUID]domain.Conversation),
		messages:      make(map[uuid.UUID]domain.Message),
		notifications: make(map[string]Notification),
	}
}

func (s *Memory) PutConversation(_ context.Context, conv domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv.LastActivityAt.IsZero() {
		conv.LastActivityAt = time.Now()
	}
	s.conversations[conv.ID] = conv
	return nil
}

func (s *Memory) Conversations(_ context.Context) ([]domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, conv)
	}
	slices.SortFunc(out, func(a, b domain.Conversation) int {
		return b.LastActivityAt.Compare(a.LastActivityAt)
	})
	return out, nil
}

func (s *Memory) PutMessage(_ context.Context, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ID] = msg
	return nil
}

func (s *Memory) Messages(_ context.Context, conversationID uuid.UUID, limit int) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Message
	for _, msg := range s.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	slices.SortFunc(out, func(a, b domain.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Memory) DeleteMessage(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
	return nil
}

func (s *Memory) DeleteMessagesBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int
	for id, msg := range s.messages {
		if msg.CreatedAt.Before(cutoff) {
			delete(s.messages, id)
			removed++
		}
	}
	return removed, nil
}

func (s *Memory) PutNotification(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[n.ID] = n
	return nil
}

func (s *Memory) UnreadNotifications(_ context.Context) ([]Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Notification
	for _, n := range s.notifications {
		if !n.Read {
			out = append(out, n)
		}
	}
	slices.SortFunc(out, func(a, b Notification) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

func (s *Memory) MarkNotificationRead(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.notifications[id]; ok {
		n.Read = true
		s.notifications[id] = n
	}
	return nil
}

func (s *Memory) LastSyncAt(_ context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSyncAt, nil
}

func (s *Memory) SetLastSyncAt(_ context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSyncAt = at
	return nil
}

func (s *Memory) Close() error { return nil }
