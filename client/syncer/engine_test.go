package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/neilotoole/slogt"

	"github.com/dkovac/ritmo/client/localstore"
	"github.com/dkovac/ritmo/internal/domain"
	"github.com/dkovac/ritmo/internal/hub"
)

type fakeAPI struct {
	mu            sync.Mutex
	conversations []domain.Conversation
	messages      map[uuid.UUID][]domain.Message
	sendErr       error
	sent          []domain.Message
}

func (f *fakeAPI) ListConversations(_ context.Context) ([]domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Conversation(nil), f.conversations...), nil
}

func (f *fakeAPI) ListMessages(_ context.Context, conversationID uuid.UUID, _ int) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Message(nil), f.messages[conversationID]...), nil
}

func (f *fakeAPI) SendMessage(_ context.Context, conversationID uuid.UUID, text string, attachments []domain.Attachment, clientID string) (domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return domain.Message{}, f.sendErr
	}
	m := domain.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Text:           text,
		Attachments:    attachments,
		ClientID:       clientID,
		CreatedAt:      time.Now(),
	}
	f.sent = append(f.sent, m)
	return m, nil
}

func (f *fakeAPI) failSends(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *fakeAPI) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeNotifier struct {
	visible bool
	pushed  []localstore.Notification
}

func (f *fakeNotifier) Visible() bool                  { return f.visible }
func (f *fakeNotifier) Push(n localstore.Notification) { f.pushed = append(f.pushed, n) }

func newTestEngine(t *testing.T) (*Engine, *fakeAPI, *fakeNotifier) {
	t.Helper()
	api := &fakeAPI{messages: make(map[uuid.UUID][]domain.Message)}
	notifier := &fakeNotifier{}
	eng := New(slogt.New(t), localstore.NewMemory(), api, notifier, uuid.New(), Options{})
	return eng, api, notifier
}

func TestOfflineSendStoresLocallyAndQueues(t *testing.T) {
	ctx := context.Background()
	eng, api, _ := newTestEngine(t)
	convID := uuid.New()

	local, err := eng.SaveMessageWithOfflineSupport(ctx, convID, "see you at practice", nil)
	if err != nil {
		t.Fatalf("offline send: %v", err)
	}

	got, err := eng.store.Messages(ctx, convID, 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(got) != 1 || got[0].ID != local.ID {
		t.Fatalf("expected the optimistic record in the store, got %d messages", len(got))
	}
	if eng.PendingCount() != 1 {
		t.Fatalf("expected 1 pending send, got %d", eng.PendingCount())
	}
	if api.sentCount() != 0 {
		t.Fatalf("offline engine must not call the API, sent %d", api.sentCount())
	}

	// Reconnect: the queued send goes out and the confirmed record replaces
	// the optimistic one.
	eng.SetOnline(ctx, true)

	if eng.PendingCount() != 0 {
		t.Errorf("expected empty queue after reconnect, got %d", eng.PendingCount())
	}
	if api.sentCount() != 1 {
		t.Fatalf("expected 1 send after reconnect, got %d", api.sentCount())
	}
	got, err = eng.store.Messages(ctx, convID, 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly one record after reconciliation, got %d", len(got))
	}
	if got[0].ID == local.ID {
		t.Errorf("expected the server id to replace the optimistic id")
	}
	if got[0].ClientID != local.ClientID {
		t.Errorf("correlation id must survive reconciliation")
	}
}

func TestOnlineSendReconcilesImmediately(t *testing.T) {
	ctx := context.Background()
	eng, api, _ := newTestEngine(t)
	eng.SetOnline(ctx, true)
	convID := uuid.New()

	local, err := eng.SaveMessageWithOfflineSupport(ctx, convID, "hi", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if api.sentCount() != 1 {
		t.Fatalf("expected immediate send, got %d", api.sentCount())
	}

	got, err := eng.store.Messages(ctx, convID, 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one record, got %d", len(got))
	}
	if got[0].ID == local.ID {
		t.Errorf("expected server-confirmed record, still have the optimistic one")
	}
	if eng.PendingCount() != 0 {
		t.Errorf("nothing should be queued, got %d", eng.PendingCount())
	}
}

func TestSendFailureNeverSurfacesAndFlushRetries(t *testing.T) {
	ctx := context.Background()
	eng, api, _ := newTestEngine(t)
	eng.SetOnline(ctx, true)
	convID := uuid.New()

	api.failSends(errors.New("gateway timeout"))
	local, err := eng.SaveMessageWithOfflineSupport(ctx, convID, "are you coming", nil)
	if err != nil {
		t.Fatalf("send must not surface network errors, got %v", err)
	}
	if eng.PendingCount() != 1 {
		t.Fatalf("expected failed send queued, got %d pending", eng.PendingCount())
	}

	// Still failing: the op stays queued.
	eng.Flush(ctx)
	if eng.PendingCount() != 1 {
		t.Fatalf("expected op to stay queued while the API fails, got %d", eng.PendingCount())
	}

	api.failSends(nil)
	eng.Flush(ctx)
	if eng.PendingCount() != 0 {
		t.Fatalf("expected queue drained, got %d", eng.PendingCount())
	}
	got, err := eng.store.Messages(ctx, convID, 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(got) != 1 || got[0].ID == local.ID {
		t.Fatalf("expected one server-confirmed record, got %d", len(got))
	}
}

func TestApplyEventMergesIncomingMessage(t *testing.T) {
	ctx := context.Background()
	eng, _, notifier := newTestEngine(t)
	convID := uuid.New()

	incoming := domain.Message{
		ID:             uuid.New(),
		ConversationID: convID,
		SenderID:       uuid.New(),
		SenderUsername: "ana",
		Text:           "hej! jel ima mjesta sutra?",
		CreatedAt:      time.Now(),
	}
	if err := eng.ApplyEvent(ctx, hub.MessageNew{Message: incoming}); err != nil {
		t.Fatalf("apply event: %v", err)
	}
	// The same event arriving twice must not duplicate.
	if err := eng.ApplyEvent(ctx, hub.MessageNew{Message: incoming}); err != nil {
		t.Fatalf("apply event again: %v", err)
	}

	got, err := eng.store.Messages(ctx, convID, 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly one stored message, got %d", len(got))
	}

	unread, err := eng.store.UnreadNotifications(ctx)
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if len(unread) != 1 {
		t.Fatalf("expected one notification, got %d", len(unread))
	}
	if unread[0].SenderName != "ana" {
		t.Errorf("expected sender name on the notification, got %q", unread[0].SenderName)
	}
	// UI hidden: the notifier gets a push too.
	if len(notifier.pushed) != 1 {
		t.Errorf("expected a system push while hidden, got %d", len(notifier.pushed))
	}
}

func TestApplyEventReconcilesOwnEcho(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t)
	convID := uuid.New()

	local, err := eng.SaveMessageWithOfflineSupport(ctx, convID, "stigao sam", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// The send also echoes back over the live stream under the server id.
	echo := domain.Message{
		ID:             uuid.New(),
		ConversationID: convID,
		SenderID:       eng.userID,
		Text:           local.Text,
		ClientID:       local.ClientID,
		CreatedAt:      time.Now(),
	}
	if err := eng.ApplyEvent(ctx, hub.MessageNew{Message: echo}); err != nil {
		t.Fatalf("apply echo: %v", err)
	}

	got, err := eng.store.Messages(ctx, convID, 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one record after the echo, got %d", len(got))
	}
	if got[0].ID != echo.ID {
		t.Errorf("expected the server record to win")
	}
	if eng.PendingCount() != 0 {
		t.Errorf("echo settles the queued send, got %d pending", eng.PendingCount())
	}
}

func TestNotificationsSkipOwnMessagesAndVisibleUI(t *testing.T) {
	ctx := context.Background()
	eng, _, notifier := newTestEngine(t)

	own := domain.Message{ID: uuid.New(), ConversationID: uuid.New(), SenderID: eng.userID, Text: "mine", CreatedAt: time.Now()}
	if err := eng.CreateNotificationForMessage(ctx, own); err != nil {
		t.Fatalf("own message: %v", err)
	}
	unread, err := eng.store.UnreadNotifications(ctx)
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if len(unread) != 0 {
		t.Fatalf("own messages must not notify, got %d", len(unread))
	}

	// UI visible: record the notification but skip the system push.
	notifier.visible = true
	other := domain.Message{ID: uuid.New(), ConversationID: uuid.New(), SenderID: uuid.New(), Text: "theirs", CreatedAt: time.Now()}
	if err := eng.CreateNotificationForMessage(ctx, other); err != nil {
		t.Fatalf("other message: %v", err)
	}
	unread, err = eng.store.UnreadNotifications(ctx)
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if len(unread) != 1 {
		t.Fatalf("expected the notification recorded, got %d", len(unread))
	}
	if len(notifier.pushed) != 0 {
		t.Errorf("no push while the UI is visible, got %d", len(notifier.pushed))
	}
}

func TestSyncWithServerPullsAndPrunes(t *testing.T) {
	ctx := context.Background()
	eng, api, _ := newTestEngine(t)
	convID := uuid.New()

	// Offline sync is a no-op.
	if err := eng.SyncWithServer(ctx); err != nil {
		t.Fatalf("offline sync: %v", err)
	}
	if at, _ := eng.store.LastSyncAt(ctx); !at.IsZero() {
		t.Fatalf("offline sync must not stamp the sync time")
	}

	now := time.Now()
	expired := domain.Message{ID: uuid.New(), ConversationID: convID, SenderID: uuid.New(), Text: "ancient", CreatedAt: now.AddDate(0, 0, -45)}
	if err := eng.store.PutMessage(ctx, expired); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	api.conversations = []domain.Conversation{
		{ID: convID, Status: domain.StatusActive, LastActivityAt: now},
	}
	api.messages[convID] = []domain.Message{
		{ID: uuid.New(), ConversationID: convID, SenderID: uuid.New(), Text: "fresh", CreatedAt: now},
	}

	eng.online = true
	eng.SetActiveConversation(convID)
	if err := eng.SyncWithServer(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	convs, err := eng.store.Conversations(ctx)
	if err != nil {
		t.Fatalf("conversations: %v", err)
	}
	if len(convs) != 1 || convs[0].ID != convID {
		t.Fatalf("expected the pulled conversation cached, got %d", len(convs))
	}

	msgs, err := eng.store.Messages(ctx, convID, 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "fresh" {
		t.Fatalf("expected only the fresh message after pruning, got %d", len(msgs))
	}

	at, err := eng.store.LastSyncAt(ctx)
	if err != nil {
		t.Fatalf("last sync: %v", err)
	}
	if at.IsZero() {
		t.Errorf("expected the sync time stamped")
	}
}
