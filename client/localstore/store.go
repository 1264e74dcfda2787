// Package localstore is the durable on-device cache behind the sync engine:
// mirrored conversations and messages, unread notifications, and sync
// bookkeeping. Records are upserted by primary key; a configurable retention
// window prunes old messages.
package localstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dkovac/ritmo/internal/domain"
)

// Notification is a locally generated unread-message notice.
type Notification struct {
	ID             string    `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	MessageID      uuid.UUID `json:"message_id"`
	SenderName     string    `json:"sender_name"`
	Excerpt        string    `json:"excerpt"`
	CreatedAt      time.Time `json:"created_at"`
	Read           bool      `json:"read"`
}

// Store is a key/range-indexed local cache. Implementations must give
// upsert semantics on primary keys: saving a record with an existing id
// overwrites in place, never duplicates.
type Store interface {
	// PutConversation upserts and stamps the local last-activity ordering.
	PutConversation(ctx context.Context, conv domain.Conversation) error
	// Conversations returns all cached conversations, most recently active
	// first.
	Conversations(ctx context.Context) ([]domain.Conversation, error)

	PutMessage(ctx context.Context, msg domain.Message) error
	// Messages returns a conversation's messages in creation order
	// ascending, capped to limit.
	Messages(ctx context.Context, conversationID uuid.UUID, limit int) ([]domain.Message, error)
	// DeleteMessage removes one message by id. Used when an optimistic
	// record is replaced by its server-confirmed version under a new id.
	DeleteMessage(ctx context.Context, id uuid.UUID) error
	// DeleteMessagesBefore removes messages created strictly before cutoff
	// and reports how many were removed. Records at or after the cutoff
	// must survive.
	DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int, error)

	PutNotification(ctx context.Context, n Notification) error
	UnreadNotifications(ctx context.Context) ([]Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error

	// LastSyncAt returns the zero time when no sync has completed yet.
	LastSyncAt(ctx context.Context) (time.Time, error)
	SetLastSyncAt(ctx context.Context, at time.Time) error

	Close() error
}
