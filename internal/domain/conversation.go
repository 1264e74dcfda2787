package domain

import (
	"time"

	"github.com/google/uuid"
)

type ConversationStatus string

const (
	StatusActive          ConversationStatus = "ACTIVE"
	StatusRequestPending  ConversationStatus = "REQUEST_PENDING"
	StatusRequestDeclined ConversationStatus = "REQUEST_DECLINED"
)

// Conversation is a pairwise messaging thread. A first contact creates it in
// REQUEST_PENDING with the initiator recorded; the other participant either
// accepts (→ ACTIVE) or declines (→ REQUEST_DECLINED, terminal).
type Conversation struct {
	ID                 uuid.UUID          `json:"id"`
	User1ID            uuid.UUID          `json:"user1_id"`
	User2ID            uuid.UUID          `json:"user2_id"`
	Status             ConversationStatus `json:"status"`
	RequestInitiatorID *uuid.UUID         `json:"request_initiator_id,omitempty"`
	LastActivityAt     time.Time          `json:"last_activity_at"`
	CreatedAt          time.Time          `json:"created_at"`
	// Joined fields for clients
	OtherUserID          uuid.UUID `json:"other_user_id,omitempty"`
	OtherUserUsername    string    `json:"other_username,omitempty"`
	OtherUserDisplayName string    `json:"other_display_name,omitempty"`
	UnreadCount          int       `json:"unread_count"`
}

func (c *Conversation) HasParticipant(userID uuid.UUID) bool {
	return c.User1ID == userID || c.User2ID == userID
}

// OtherParticipant returns the participant that is not userID. The caller is
// expected to have checked membership first.
func (c *Conversation) OtherParticipant(userID uuid.UUID) uuid.UUID {
	if c.User1ID == userID {
		return c.User2ID
	}
	return c.User1ID
}

// ParticipantState tracks per-user read progress inside a conversation and
// drives unread counts.
type ParticipantState struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	LastReadAt     time.Time `json:"last_read_at"`
}
