// Package hub routes conversation-scoped events to every connected
// subscriber of that conversation and keeps the ephemeral typing, reaction
// and presence state that is never persisted.
//
// Delivery is best effort: there is no replay log, and events broadcast
// while a client is disconnected are lost to it. Clients reconcile through
// the sync engine's pull-based re-fetch, not through the hub.
package hub

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SendFunc pushes one event onto a subscriber's wire. It must not block;
// returning an error marks the subscriber dead.
type SendFunc func(Event) error

// Subscriber is one live stream connection registered for a conversation.
type Subscriber struct {
	UserID         uuid.UUID
	ConversationID uuid.UUID

	send      SendFunc
	closeConn func()
}

func NewSubscriber(conversationID, userID uuid.UUID, send SendFunc, closeConn func()) *Subscriber {
	return &Subscriber{
		UserID:         userID,
		ConversationID: conversationID,
		send:           send,
		closeConn:      closeConn,
	}
}

// Hub is the in-process fan-out registry. Construct it once at process start
// and pass it explicitly to handlers and transport adapters.
type Hub struct {
	log       *slog.Logger
	typingTTL time.Duration
	now       func() time.Time

	mu          sync.RWMutex
	subscribers map[uuid.UUID]map[*Subscriber]struct{}
	// typing maps conversation → user → expiry deadline. Entries expire
	// after typingTTL so a client that vanished mid-typing does not leave a
	// stale indicator forever.
	typing map[uuid.UUID]map[uuid.UUID]time.Time
	// reactions maps conversation → message → emoji → reacting users, in
	// the order the reactions arrived.
	reactions map[uuid.UUID]map[uuid.UUID]map[string][]uuid.UUID
}

func New(log *slog.Logger, typingTTL time.Duration) *Hub {
	if typingTTL <= 0 {
		typingTTL = 30 * time.Second
	}
	return &Hub{
		log:         log,
		typingTTL:   typingTTL,
		now:         time.Now,
		subscribers: make(map[uuid.UUID]map[*Subscriber]struct{}),
		typing:      make(map[uuid.UUID]map[uuid.UUID]time.Time),
		reactions:   make(map[uuid.UUID]map[uuid.UUID]map[string][]uuid.UUID),
	}
}

// AddSubscriber registers a live connection and broadcasts the updated
// presence to every subscriber of the conversation, the new one included.
func (h *Hub) AddSubscriber(sub *Subscriber) {
	var closers []func()
	defer runClosers(&closers)
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subscribers[sub.ConversationID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.subscribers[sub.ConversationID] = set
	}
	set[sub] = struct{}{}
	h.log.Debug("hub: subscriber added", "conversation", sub.ConversationID, "user", sub.UserID, "total", len(set))

	closers = h.broadcastLocked(Presence{Conversation: sub.ConversationID, UserIDs: h.presenceLocked(sub.ConversationID)})
}

// RemoveSubscriber deregisters a connection, drops the conversation's set if
// it is now empty, and broadcasts the updated presence. Removing an already
// removed subscriber is a no-op, so transport teardown can call it freely.
func (h *Hub) RemoveSubscriber(sub *Subscriber) {
	var closers []func()
	defer runClosers(&closers)
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subscribers[sub.ConversationID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subscribers, sub.ConversationID)
	}
	h.log.Debug("hub: subscriber removed", "conversation", sub.ConversationID, "user", sub.UserID, "total", len(set))

	closers = h.broadcastLocked(Presence{Conversation: sub.ConversationID, UserIDs: h.presenceLocked(sub.ConversationID)})
}

// Broadcast delivers ev to every subscriber of its conversation. A failed
// send closes and prunes that subscriber without aborting delivery to the
// rest; Broadcast itself never fails.
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	closers := h.broadcastLocked(ev)
	h.mu.Unlock()
	runClosers(&closers)
}

// broadcastLocked prunes subscribers whose send fails and returns their
// close funcs. Callers must invoke those only after releasing h.mu: a close
// func belongs to the transport and may re-enter the hub during teardown.
func (h *Hub) broadcastLocked(ev Event) []func() {
	set, ok := h.subscribers[ev.ConversationID()]
	if !ok {
		return nil
	}

	var dead []*Subscriber
	for sub := range set {
		if err := sub.send(ev); err != nil {
			dead = append(dead, sub)
		}
	}
	var closers []func()
	for _, sub := range dead {
		delete(set, sub)
		if sub.closeConn != nil {
			closers = append(closers, sub.closeConn)
		}
		h.log.Debug("hub: pruned dead subscriber", "conversation", sub.ConversationID, "user", sub.UserID)
	}
	if len(set) == 0 {
		delete(h.subscribers, ev.ConversationID())
	}
	return closers
}

// runClosers takes a pointer so it can be deferred before h.mu is taken and
// still see the closers collected under the lock; defer LIFO order then runs
// it after the unlock.
func runClosers(closers *[]func()) {
	for _, close := range *closers {
		close()
	}
}

// SetTyping records whether userID is typing in the conversation and always
// broadcasts a typing event, even when the set did not change: the signal is
// idempotent, not edge-triggered.
func (h *Hub) SetTyping(conversationID, userID uuid.UUID, isTyping bool) {
	var closers []func()
	defer runClosers(&closers)
	h.mu.Lock()
	defer h.mu.Unlock()

	h.pruneTypingLocked(conversationID)
	if isTyping {
		set, ok := h.typing[conversationID]
		if !ok {
			set = make(map[uuid.UUID]time.Time)
			h.typing[conversationID] = set
		}
		set[userID] = h.now().Add(h.typingTTL)
	} else {
		if set, ok := h.typing[conversationID]; ok {
			delete(set, userID)
			if len(set) == 0 {
				delete(h.typing, conversationID)
			}
		}
	}

	closers = h.broadcastLocked(Typing{Conversation: conversationID, UserID: userID, IsTyping: isTyping})
}

// TypingUsers returns the users currently typing in the conversation, with
// expired entries dropped.
func (h *Hub) TypingUsers(conversationID uuid.UUID) []uuid.UUID {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.pruneTypingLocked(conversationID)
	set := h.typing[conversationID]
	ids := make([]uuid.UUID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

func (h *Hub) pruneTypingLocked(conversationID uuid.UUID) {
	set, ok := h.typing[conversationID]
	if !ok {
		return
	}
	now := h.now()
	for id, deadline := range set {
		if now.After(deadline) {
			delete(set, id)
		}
	}
	if len(set) == 0 {
		delete(h.typing, conversationID)
	}
}

// SetReaction toggles userID's emoji reaction on a message and broadcasts
// the change. Adding an existing reaction or removing an absent one is not
// an error; it only produces a redundant broadcast.
func (h *Hub) SetReaction(conversationID, messageID, userID uuid.UUID, emoji string, add bool) {
	var closers []func()
	defer runClosers(&closers)
	h.mu.Lock()
	defer h.mu.Unlock()

	if add {
		byMsg, ok := h.reactions[conversationID]
		if !ok {
			byMsg = make(map[uuid.UUID]map[string][]uuid.UUID)
			h.reactions[conversationID] = byMsg
		}
		byEmoji, ok := byMsg[messageID]
		if !ok {
			byEmoji = make(map[string][]uuid.UUID)
			byMsg[messageID] = byEmoji
		}
		if !slices.Contains(byEmoji[emoji], userID) {
			byEmoji[emoji] = append(byEmoji[emoji], userID)
		}
		closers = h.broadcastLocked(Reaction{Conversation: conversationID, MessageID: messageID, UserID: userID, Emoji: emoji, Op: ReactionAdd})
		return
	}

	if byMsg, ok := h.reactions[conversationID]; ok {
		if byEmoji, ok := byMsg[messageID]; ok {
			users := byEmoji[emoji]
			if i := slices.Index(users, userID); i >= 0 {
				users = slices.Delete(users, i, i+1)
			}
			if len(users) == 0 {
				delete(byEmoji, emoji)
			} else {
				byEmoji[emoji] = users
			}
			if len(byEmoji) == 0 {
				delete(byMsg, messageID)
			}
		}
		if len(byMsg) == 0 {
			delete(h.reactions, conversationID)
		}
	}
	closers = h.broadcastLocked(Reaction{Conversation: conversationID, MessageID: messageID, UserID: userID, Emoji: emoji, Op: ReactionRemove})
}

// Reactions returns a deep-copied snapshot of the conversation's reaction
// state, keyed message → emoji → reacting users in arrival order. Newly
// connecting clients hydrate from this; history never carries reactions.
func (h *Hub) Reactions(conversationID uuid.UUID) map[uuid.UUID]map[string][]uuid.UUID {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[uuid.UUID]map[string][]uuid.UUID)
	for msgID, byEmoji := range h.reactions[conversationID] {
		m := make(map[string][]uuid.UUID, len(byEmoji))
		for emoji, users := range byEmoji {
			m[emoji] = slices.Clone(users)
		}
		out[msgID] = m
	}
	return out
}

// Presence returns the de-duplicated user ids currently holding an open
// stream for the conversation.
func (h *Hub) Presence(conversationID uuid.UUID) []uuid.UUID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.presenceLocked(conversationID)
}

func (h *Hub) presenceLocked(conversationID uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{})
	ids := make([]uuid.UUID, 0, 2)
	for sub := range h.subscribers[conversationID] {
		if _, ok := seen[sub.UserID]; ok {
			continue
		}
		seen[sub.UserID] = struct{}{}
		ids = append(ids, sub.UserID)
	}
	sortIDs(ids)
	return ids
}

// SubscriberCount reports the number of live handles for a conversation.
func (h *Hub) SubscriberCount(conversationID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[conversationID])
}

func sortIDs(ids []uuid.UUID) {
	slices.SortFunc(ids, func(a, b uuid.UUID) int {
		return slices.Compare(a[:], b[:])
	})
}
