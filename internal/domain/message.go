package domain

import (
	"time"

	"github.com/google/uuid"
)

type Attachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// Message is immutable once created. ClientID is an optional client-supplied
// correlation id used to reconcile optimistic sends with the persisted record.
type Message struct {
	ID             uuid.UUID    `json:"id"`
	ConversationID uuid.UUID    `json:"conversation_id"`
	SenderID       uuid.UUID    `json:"sender_id"`
	Text           string       `json:"text"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	ClientID       string       `json:"client_id,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	// Joined fields
	SenderUsername    string `json:"sender_username,omitempty"`
	SenderDisplayName string `json:"sender_display_name,omitempty"`
}
