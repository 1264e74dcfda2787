package hub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dkovac/ritmo/internal/domain"
)

// Event types delivered to stream subscribers.
const (
	TypeMessageNew = "message:new"
	TypeTyping     = "typing"
	TypePresence   = "presence"
	TypeReceipt    = "receipt"
	TypeReaction   = "reaction"
	TypePing       = "ping"
)

const (
	ReceiptDelivered = "delivered"
	ReceiptRead      = "read"
)

const (
	ReactionAdd    = "add"
	ReactionRemove = "remove"
)

// Event is one conversation-scoped occurrence routed through the Hub. Each
// kind is its own struct; transports frame the envelope, clients switch on
// the type to get the concrete payload back.
type Event interface {
	Type() string
	ConversationID() uuid.UUID
	payload() any
}

// Envelope is the wire shape of an event: a discriminated record whose
// payload varies by type.
type Envelope struct {
	Type           string          `json:"type"`
	ConversationID uuid.UUID       `json:"conversationId"`
	Payload        json.RawMessage `json:"payload"`
}

type MessageNew struct {
	Message domain.Message
}

func (e MessageNew) Type() string              { return TypeMessageNew }
func (e MessageNew) ConversationID() uuid.UUID { return e.Message.ConversationID }
func (e MessageNew) payload() any              { return e.Message }

type Typing struct {
	Conversation uuid.UUID
	UserID       uuid.UUID
	IsTyping     bool
}

type typingPayload struct {
	UserID uuid.UUID `json:"userId"`
	Typing bool      `json:"typing"`
}

func (e Typing) Type() string              { return TypeTyping }
func (e Typing) ConversationID() uuid.UUID { return e.Conversation }
func (e Typing) payload() any              { return typingPayload{UserID: e.UserID, Typing: e.IsTyping} }

type Presence struct {
	Conversation uuid.UUID
	UserIDs      []uuid.UUID
}

type presencePayload struct {
	UserIDs []uuid.UUID `json:"userIds"`
}

func (e Presence) Type() string              { return TypePresence }
func (e Presence) ConversationID() uuid.UUID { return e.Conversation }
func (e Presence) payload() any {
	ids := e.UserIDs
	if ids == nil {
		ids = []uuid.UUID{}
	}
	return presencePayload{UserIDs: ids}
}

// Receipt acknowledges delivery or reading of messages. Delivered receipts
// reference a single message; read receipts carry the watermark instead.
type Receipt struct {
	Conversation uuid.UUID
	Kind         string
	UserID       uuid.UUID
	MessageID    uuid.UUID // delivered only
	ReadUpTo     time.Time // read only
}

type receiptPayload struct {
	Kind      string     `json:"kind"`
	UserID    uuid.UUID  `json:"userId"`
	MessageID *uuid.UUID `json:"messageId,omitempty"`
	ReadUpTo  *time.Time `json:"readUpTo,omitempty"`
}

func (e Receipt) Type() string              { return TypeReceipt }
func (e Receipt) ConversationID() uuid.UUID { return e.Conversation }
func (e Receipt) payload() any {
	p := receiptPayload{Kind: e.Kind, UserID: e.UserID}
	switch e.Kind {
	case ReceiptDelivered:
		id := e.MessageID
		p.MessageID = &id
	case ReceiptRead:
		t := e.ReadUpTo
		p.ReadUpTo = &t
	}
	return p
}

type Reaction struct {
	Conversation uuid.UUID
	MessageID    uuid.UUID
	UserID       uuid.UUID
	Emoji        string
	Op           string
}

type reactionPayload struct {
	MessageID uuid.UUID `json:"messageId"`
	Emoji     string    `json:"emoji"`
	UserID    uuid.UUID `json:"userId"`
	Op        string    `json:"op"`
}

func (e Reaction) Type() string              { return TypeReaction }
func (e Reaction) ConversationID() uuid.UUID { return e.Conversation }
func (e Reaction) payload() any {
	return reactionPayload{MessageID: e.MessageID, Emoji: e.Emoji, UserID: e.UserID, Op: e.Op}
}

// Ping is the keepalive frame. Consumers must ignore it beyond treating it
// as proof of connection liveness.
type Ping struct{}

func (Ping) Type() string              { return TypePing }
func (Ping) ConversationID() uuid.UUID { return uuid.Nil }
func (Ping) payload() any              { return struct{}{} }

// Encode wraps an event in its wire envelope.
func Encode(ev Event) (Envelope, error) {
	data, err := json.Marshal(ev.payload())
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", ev.Type(), err)
	}
	return Envelope{
		Type:           ev.Type(),
		ConversationID: ev.ConversationID(),
		Payload:        data,
	}, nil
}

// Decode turns a wire envelope back into a concrete event. Unknown types are
// an error so consumers notice protocol drift instead of dropping frames.
func Decode(env Envelope) (Event, error) {
	switch env.Type {
	case TypeMessageNew:
		var msg domain.Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return MessageNew{Message: msg}, nil

	case TypeTyping:
		var p typingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return Typing{Conversation: env.ConversationID, UserID: p.UserID, IsTyping: p.Typing}, nil

	case TypePresence:
		var p presencePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return Presence{Conversation: env.ConversationID, UserIDs: p.UserIDs}, nil

	case TypeReceipt:
		var p receiptPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		ev := Receipt{Conversation: env.ConversationID, Kind: p.Kind, UserID: p.UserID}
		if p.MessageID != nil {
			ev.MessageID = *p.MessageID
		}
		if p.ReadUpTo != nil {
			ev.ReadUpTo = *p.ReadUpTo
		}
		return ev, nil

	case TypeReaction:
		var p reactionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return Reaction{Conversation: env.ConversationID, MessageID: p.MessageID, UserID: p.UserID, Emoji: p.Emoji, Op: p.Op}, nil

	case TypePing:
		return Ping{}, nil

	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}
