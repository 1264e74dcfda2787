package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dkovac/ritmo/internal/domain"
	"github.com/dkovac/ritmo/internal/hub"
)

type fakeUserRepo struct {
	users map[uuid.UUID]*domain.User
}

func (r *fakeUserRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.User, error) {
	return r.users[id], nil
}

type fakeConversationRepo struct {
	convs  map[uuid.UUID]*domain.Conversation
	states map[uuid.UUID]map[uuid.UUID]time.Time
}

func newFakeConversationRepo() *fakeConversationRepo {
	return &fakeConversationRepo{
		convs:  make(map[uuid.UUID]*domain.Conversation),
		states: make(map[uuid.UUID]map[uuid.UUID]time.Time),
	}
}

func (r *fakeConversationRepo) Create(_ context.Context, conv *domain.Conversation) error {
	cp := *conv
	r.convs[conv.ID] = &cp
	return nil
}

func (r *fakeConversationRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Conversation, error) {
	conv, ok := r.convs[id]
	if !ok {
		return nil, nil
	}
	cp := *conv
	return &cp, nil
}

func (r *fakeConversationRepo) GetByUsers(_ context.Context, user1ID, user2ID uuid.UUID) (*domain.Conversation, error) {
	for _, conv := range r.convs {
		if conv.User1ID == user1ID && conv.User2ID == user2ID {
			cp := *conv
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeConversationRepo) ListByUser(_ context.Context, userID uuid.UUID) ([]domain.Conversation, error) {
	var out []domain.Conversation
	for _, conv := range r.convs {
		if conv.HasParticipant(userID) {
			out = append(out, *conv)
		}
	}
	return out, nil
}

func (r *fakeConversationRepo) UpdateStatus(_ context.Context, id uuid.UUID, status domain.ConversationStatus) error {
	r.convs[id].Status = status
	return nil
}

func (r *fakeConversationRepo) TouchActivity(_ context.Context, id uuid.UUID, at time.Time) error {
	r.convs[id].LastActivityAt = at
	return nil
}

func (r *fakeConversationRepo) GetParticipantState(_ context.Context, conversationID, userID uuid.UUID) (*domain.ParticipantState, error) {
	if at, ok := r.states[conversationID][userID]; ok {
		return &domain.ParticipantState{ConversationID: conversationID, UserID: userID, LastReadAt: at}, nil
	}
	return nil, nil
}

func (r *fakeConversationRepo) SetLastRead(_ context.Context, conversationID, userID uuid.UUID, at time.Time) error {
	if r.states[conversationID] == nil {
		r.states[conversationID] = make(map[uuid.UUID]time.Time)
	}
	r.states[conversationID][userID] = at
	return nil
}

type fakeMessageRepo struct {
	msgs []domain.Message
}

func (r *fakeMessageRepo) Create(_ context.Context, msg *domain.Message) error {
	r.msgs = append(r.msgs, *msg)
	return nil
}

func (r *fakeMessageRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Message, error) {
	for _, m := range r.msgs {
		if m.ID == id {
			cp := m
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeMessageRepo) ListByConversation(_ context.Context, conversationID uuid.UUID, limit int) ([]domain.Message, error) {
	var out []domain.Message
	for _, m := range r.msgs {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r *fakeMessageRepo) ListRecentBySender(_ context.Context, conversationID, senderID uuid.UUID, limit int) ([]domain.Message, error) {
	var out []domain.Message
	for i := len(r.msgs) - 1; i >= 0 && len(out) < limit; i-- {
		m := r.msgs[i]
		if m.ConversationID == conversationID && m.SenderID == senderID {
			out = append(out, m)
		}
	}
	return out, nil
}

// fakeBroadcaster records hub calls instead of fanning out.
type fakeBroadcaster struct {
	events   []hub.Event
	presence []uuid.UUID
}

func (b *fakeBroadcaster) Broadcast(ev hub.Event) { b.events = append(b.events, ev) }
func (b *fakeBroadcaster) SetTyping(conversationID, userID uuid.UUID, isTyping bool) {
	b.events = append(b.events, hub.Typing{Conversation: conversationID, UserID: userID, IsTyping: isTyping})
}
func (b *fakeBroadcaster) SetReaction(conversationID, messageID, userID uuid.UUID, emoji string, add bool) {
	op := hub.ReactionAdd
	if !add {
		op = hub.ReactionRemove
	}
	b.events = append(b.events, hub.Reaction{Conversation: conversationID, MessageID: messageID, UserID: userID, Emoji: emoji, Op: op})
}
func (b *fakeBroadcaster) Reactions(uuid.UUID) map[uuid.UUID]map[string][]uuid.UUID { return nil }
func (b *fakeBroadcaster) Presence(uuid.UUID) []uuid.UUID                           { return b.presence }

func (b *fakeBroadcaster) ofType(t string) []hub.Event {
	var out []hub.Event
	for _, ev := range b.events {
		if ev.Type() == t {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	svc         *ChatService
	users       *fakeUserRepo
	convs       *fakeConversationRepo
	msgs        *fakeMessageRepo
	broadcaster *fakeBroadcaster
	alice, bob  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		users:       &fakeUserRepo{users: make(map[uuid.UUID]*domain.User)},
		convs:       newFakeConversationRepo(),
		msgs:        &fakeMessageRepo{},
		broadcaster: &fakeBroadcaster{},
		alice:       uuid.New(),
		bob:         uuid.New(),
	}
	f.users.users[f.alice] = &domain.User{ID: f.alice, Username: "alice", DisplayName: "Alice"}
	f.users.users[f.bob] = &domain.User{ID: f.bob, Username: "bob", DisplayName: "Bob"}
	f.svc = NewChatService(f.convs, f.msgs, f.users, f.broadcaster)
	return f
}

func TestChatService_FirstContactCreatesPendingRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, err := f.svc.GetOrCreateConversation(ctx, f.alice, f.bob)
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	if conv.Status != domain.StatusRequestPending {
		t.Errorf("status = %s, want %s", conv.Status, domain.StatusRequestPending)
	}
	if conv.RequestInitiatorID == nil || *conv.RequestInitiatorID != f.alice {
		t.Errorf("initiator = %v, want %s", conv.RequestInitiatorID, f.alice)
	}

	// Second call from either side returns the same conversation.
	again, err := f.svc.GetOrCreateConversation(ctx, f.bob, f.alice)
	if err != nil {
		t.Fatalf("second GetOrCreateConversation: %v", err)
	}
	if again.ID != conv.ID {
		t.Errorf("got a second conversation %s for the same pair", again.ID)
	}
}

func TestChatService_SelfConversationRejected(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.GetOrCreateConversation(context.Background(), f.alice, f.alice); err != ErrCannotMessageSelf {
		t.Errorf("err = %v, want ErrCannotMessageSelf", err)
	}
}

func TestChatService_RequestLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, err := f.svc.GetOrCreateConversation(ctx, f.alice, f.bob)
	if err != nil {
		t.Fatal(err)
	}

	// The initiator cannot answer their own request.
	if _, err := f.svc.AcceptRequest(ctx, f.alice, conv.ID); err != ErrNotRequestRecipient {
		t.Errorf("initiator accept err = %v, want ErrNotRequestRecipient", err)
	}

	accepted, err := f.svc.AcceptRequest(ctx, f.bob, conv.ID)
	if err != nil {
		t.Fatalf("AcceptRequest: %v", err)
	}
	if accepted.Status != domain.StatusActive {
		t.Errorf("status = %s, want %s", accepted.Status, domain.StatusActive)
	}

	// The transition is one-directional.
	if _, err := f.svc.DeclineRequest(ctx, f.bob, conv.ID); err != ErrRequestNotPending {
		t.Errorf("decline after accept err = %v, want ErrRequestNotPending", err)
	}
}

func TestChatService_DeclinedIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, _ := f.svc.GetOrCreateConversation(ctx, f.alice, f.bob)
	if _, err := f.svc.DeclineRequest(ctx, f.bob, conv.ID); err != nil {
		t.Fatalf("DeclineRequest: %v", err)
	}

	if _, err := f.svc.AcceptRequest(ctx, f.bob, conv.ID); err != ErrRequestNotPending {
		t.Errorf("accept after decline err = %v, want ErrRequestNotPending", err)
	}
	if _, err := f.svc.SendMessage(ctx, f.alice, conv.ID, SendMessageInput{Text: "hello?"}); err != ErrConversationDeclined {
		t.Errorf("send after decline err = %v, want ErrConversationDeclined", err)
	}

	// Re-contact returns the declined conversation rather than a fresh one.
	again, err := f.svc.GetOrCreateConversation(ctx, f.alice, f.bob)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != conv.ID || again.Status != domain.StatusRequestDeclined {
		t.Errorf("got conversation %s status %s, want original declined one", again.ID, again.Status)
	}
}

func TestChatService_SendMessageBroadcasts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, _ := f.svc.GetOrCreateConversation(ctx, f.alice, f.bob)
	f.svc.AcceptRequest(ctx, f.bob, conv.ID)

	// Recipient currently connected: delivered receipt expected.
	f.broadcaster.presence = []uuid.UUID{f.bob}

	msg, err := f.svc.SendMessage(ctx, f.alice, conv.ID, SendMessageInput{Text: "hi", ClientID: "c-1"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.SenderUsername != "alice" {
		t.Errorf("sender summary not joined, username = %q", msg.SenderUsername)
	}

	news := f.broadcaster.ofType(hub.TypeMessageNew)
	if len(news) != 1 {
		t.Fatalf("got %d message:new events, want 1", len(news))
	}
	if got := news[0].(hub.MessageNew).Message.Text; got != "hi" {
		t.Errorf("broadcast text = %q, want %q", got, "hi")
	}

	receipts := f.broadcaster.ofType(hub.TypeReceipt)
	if len(receipts) != 1 {
		t.Fatalf("got %d receipts, want 1 delivered", len(receipts))
	}
	r := receipts[0].(hub.Receipt)
	if r.Kind != hub.ReceiptDelivered || r.UserID != f.bob || r.MessageID != msg.ID {
		t.Errorf("delivered receipt = %+v", r)
	}
}

func TestChatService_SendMessageNoReceiptWhenRecipientAway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, _ := f.svc.GetOrCreateConversation(ctx, f.alice, f.bob)
	f.svc.AcceptRequest(ctx, f.bob, conv.ID)

	if _, err := f.svc.SendMessage(ctx, f.alice, conv.ID, SendMessageInput{Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	if receipts := f.broadcaster.ofType(hub.TypeReceipt); len(receipts) != 0 {
		t.Errorf("got %d receipts for an absent recipient, want 0", len(receipts))
	}
}

func TestChatService_EmptyMessageRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv, _ := f.svc.GetOrCreateConversation(ctx, f.alice, f.bob)

	if _, err := f.svc.SendMessage(ctx, f.alice, conv.ID, SendMessageInput{}); err != ErrEmptyMessage {
		t.Errorf("err = %v, want ErrEmptyMessage", err)
	}

	// Attachments without text are fine.
	if _, err := f.svc.SendMessage(ctx, f.alice, conv.ID, SendMessageInput{
		Attachments: []domain.Attachment{{URL: "https://cdn.example/a.jpg", MimeType: "image/jpeg", Size: 1024}},
	}); err != nil {
		t.Errorf("attachment-only send: %v", err)
	}
}

func TestChatService_MarkReadBroadcastsWatermark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv, _ := f.svc.GetOrCreateConversation(ctx, f.alice, f.bob)

	at, err := f.svc.MarkRead(ctx, f.bob, conv.ID)
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}

	receipts := f.broadcaster.ofType(hub.TypeReceipt)
	if len(receipts) != 1 {
		t.Fatalf("got %d receipts, want 1", len(receipts))
	}
	r := receipts[0].(hub.Receipt)
	if r.Kind != hub.ReceiptRead || r.UserID != f.bob || !r.ReadUpTo.Equal(at) {
		t.Errorf("read receipt = %+v, want read up to %s", r, at)
	}

	state, _ := f.convs.GetParticipantState(ctx, conv.ID, f.bob)
	if state == nil || !state.LastReadAt.Equal(at) {
		t.Errorf("participant state not persisted: %+v", state)
	}
}

func TestChatService_AckDeliveredCoversPeerBacklog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv, _ := f.svc.GetOrCreateConversation(ctx, f.alice, f.bob)
	f.svc.AcceptRequest(ctx, f.bob, conv.ID)

	for _, text := range []string{"one", "two", "three"} {
		if _, err := f.svc.SendMessage(ctx, f.alice, conv.ID, SendMessageInput{Text: text}); err != nil {
			t.Fatal(err)
		}
	}
	f.broadcaster.events = nil

	if err := f.svc.AckDelivered(ctx, f.bob, conv.ID, 2); err != nil {
		t.Fatalf("AckDelivered: %v", err)
	}
	receipts := f.broadcaster.ofType(hub.TypeReceipt)
	if len(receipts) != 2 {
		t.Fatalf("got %d delivered receipts, want 2 (capped)", len(receipts))
	}
	for _, ev := range receipts {
		r := ev.(hub.Receipt)
		if r.Kind != hub.ReceiptDelivered || r.UserID != f.bob {
			t.Errorf("receipt = %+v", r)
		}
	}
}

func TestChatService_MembershipEnforced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv, _ := f.svc.GetOrCreateConversation(ctx, f.alice, f.bob)

	mallory := uuid.New()
	f.users.users[mallory] = &domain.User{ID: mallory, Username: "mallory"}

	if _, err := f.svc.ListMessages(ctx, mallory, conv.ID, 10); err != ErrNotParticipant {
		t.Errorf("ListMessages err = %v, want ErrNotParticipant", err)
	}
	if err := f.svc.SetTyping(ctx, mallory, conv.ID, true); err != ErrNotParticipant {
		t.Errorf("SetTyping err = %v, want ErrNotParticipant", err)
	}
	if _, err := f.svc.Reactions(ctx, mallory, conv.ID); err != ErrNotParticipant {
		t.Errorf("Reactions err = %v, want ErrNotParticipant", err)
	}
}

func TestChatService_ReactionRequiresMessageInConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv, _ := f.svc.GetOrCreateConversation(ctx, f.alice, f.bob)

	if err := f.svc.ToggleReaction(ctx, f.alice, conv.ID, uuid.New(), "👍", true); err != ErrMessageNotFound {
		t.Errorf("err = %v, want ErrMessageNotFound", err)
	}
}
