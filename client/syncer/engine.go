// Package syncer keeps the local store coherent with the server: optimistic
// offline sends with a pending queue, live stream merging, periodic pull
// sync, and locally generated unread notifications.
package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dkovac/ritmo/client/localstore"
	"github.com/dkovac/ritmo/internal/domain"
	"github.com/dkovac/ritmo/internal/hub"
)

const (
	defaultRetention     = 30 * 24 * time.Hour
	defaultMessageLimit  = 100
	defaultFlushInterval = 10 * time.Second
	defaultSyncInterval  = time.Minute
	excerptLimit         = 80
)

// API is the server surface the engine pulls from and pushes to. The HTTP
// client implementing it lives with the app shell, not here.
type API interface {
	ListConversations(ctx context.Context) ([]domain.Conversation, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]domain.Message, error)
	SendMessage(ctx context.Context, conversationID uuid.UUID, text string, attachments []domain.Attachment, clientID string) (domain.Message, error)
}

// Notifier surfaces system notifications. Visible reports whether the app UI
// is in the foreground; the engine only pushes when it is not.
type Notifier interface {
	Visible() bool
	Push(n localstore.Notification)
}

// Options tune the engine. Zero values pick the defaults.
type Options struct {
	Retention     time.Duration
	MessageLimit  int
	FlushInterval time.Duration
	SyncInterval  time.Duration
	// OnEvent receives every stream event after the engine has merged it,
	// for UI state (typing indicators, presence, receipts).
	OnEvent func(ev hub.Event)
}

type pendingSend struct {
	localID        uuid.UUID
	conversationID uuid.UUID
	text           string
	attachments    []domain.Attachment
	clientID       string
}

// Engine coordinates the local store, the server API, and the live event
// stream for one signed-in user.
type Engine struct {
	log      *slog.Logger
	store    localstore.Store
	api      API
	notifier Notifier
	userID   uuid.UUID
	opts     Options

	mu         sync.Mutex
	online     bool
	activeConv uuid.UUID
	pending    []pendingSend
	// optimistic maps a correlation id to the local record it produced, so
	// the server-confirmed copy can replace it instead of duplicating it.
	optimistic map[string]uuid.UUID

	now func() time.Time
}

func New(log *slog.Logger, store localstore.Store, api API, notifier Notifier, userID uuid.UUID, opts Options) *Engine {
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.MessageLimit <= 0 {
		opts.MessageLimit = defaultMessageLimit
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = defaultSyncInterval
	}
	return &Engine{
		log:        log,
		store:      store,
		api:        api,
		notifier:   notifier,
		userID:     userID,
		opts:       opts,
		optimistic: make(map[string]uuid.UUID),
		now:        time.Now,
	}
}

// SetActiveConversation tells the engine which thread the user is looking
// at; pull syncs fetch its message history.
func (e *Engine) SetActiveConversation(id uuid.UUID) {
	e.mu.Lock()
	e.activeConv = id
	e.mu.Unlock()
}

// SetOnline flips connectivity. Coming back online flushes the pending queue
// and runs a full sync so the reconnect converges in one step.
func (e *Engine) SetOnline(ctx context.Context, online bool) {
	e.mu.Lock()
	was := e.online
	e.online = online
	e.mu.Unlock()

	if online && !was {
		e.Flush(ctx)
		if err := e.SyncWithServer(ctx); err != nil {
			e.log.Warn("sync after reconnect failed", "error", err)
		}
	}
}

func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// SaveMessageWithOfflineSupport writes the message locally first so the UI
// can render it immediately, then attempts the network send. A failed or
// impossible send is queued for the flush loop; the network error is never
// surfaced to the caller, only local store failures are.
func (e *Engine) SaveMessageWithOfflineSupport(ctx context.Context, conversationID uuid.UUID, text string, attachments []domain.Attachment) (domain.Message, error) {
	clientID := uuid.NewString()
	local := domain.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		SenderID:       e.userID,
		Text:           text,
		Attachments:    attachments,
		ClientID:       clientID,
		CreatedAt:      e.now(),
	}
	if err := e.store.PutMessage(ctx, local); err != nil {
		return domain.Message{}, err
	}

	e.mu.Lock()
	e.optimistic[clientID] = local.ID
	online := e.online
	e.mu.Unlock()

	if online {
		confirmed, err := e.api.SendMessage(ctx, conversationID, text, attachments, clientID)
		if err == nil {
			if err := e.replaceOptimistic(ctx, confirmed); err != nil {
				e.log.Warn("reconcile sent message", "error", err)
			}
			return local, nil
		}
		e.log.Warn("send failed, queueing for retry", "conversation", conversationID, "error", err)
	}

	e.mu.Lock()
	e.pending = append(e.pending, pendingSend{
		localID:        local.ID,
		conversationID: conversationID,
		text:           text,
		attachments:    attachments,
		clientID:       clientID,
	})
	e.mu.Unlock()
	return local, nil
}

// Flush retries every queued send. Ops that fail again stay queued for the
// next pass.
func (e *Engine) Flush(ctx context.Context) {
	e.mu.Lock()
	if !e.online || len(e.pending) == 0 {
		e.mu.Unlock()
		return
	}
	queue := e.pending
	e.pending = nil
	e.mu.Unlock()

	var retry []pendingSend
	for _, op := range queue {
		confirmed, err := e.api.SendMessage(ctx, op.conversationID, op.text, op.attachments, op.clientID)
		if err != nil {
			e.log.Warn("queued send failed", "conversation", op.conversationID, "error", err)
			retry = append(retry, op)
			continue
		}
		if err := e.replaceOptimistic(ctx, confirmed); err != nil {
			e.log.Warn("reconcile flushed message", "error", err)
		}
	}

	if len(retry) > 0 {
		e.mu.Lock()
		e.pending = append(retry, e.pending...)
		e.mu.Unlock()
	}
}

// PendingCount reports how many sends await retry.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// SyncWithServer pulls the conversation list and the active conversation's
// history, merges them into the store, prunes expired messages, and stamps
// the sync time. It is a no-op while offline.
func (e *Engine) SyncWithServer(ctx context.Context) error {
	e.mu.Lock()
	online := e.online
	active := e.activeConv
	e.mu.Unlock()
	if !online {
		return nil
	}

	convs, err := e.api.ListConversations(ctx)
	if err != nil {
		return err
	}
	for _, conv := range convs {
		if err := e.store.PutConversation(ctx, conv); err != nil {
			return err
		}
	}

	if active != uuid.Nil {
		msgs, err := e.api.ListMessages(ctx, active, e.opts.MessageLimit)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			if err := e.mergeMessage(ctx, msg); err != nil {
				return err
			}
		}
	}

	cutoff := e.now().Add(-e.opts.Retention)
	removed, err := e.store.DeleteMessagesBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if removed > 0 {
		e.log.Debug("pruned expired messages", "count", removed)
	}

	return e.store.SetLastSyncAt(ctx, e.now())
}

// ApplyEvent merges one live stream event. Message events land in the store
// and may raise a notification; everything else is forwarded to the OnEvent
// hook untouched.
func (e *Engine) ApplyEvent(ctx context.Context, ev hub.Event) error {
	if msg, ok := ev.(hub.MessageNew); ok {
		if err := e.mergeMessage(ctx, msg.Message); err != nil {
			return err
		}
		if err := e.CreateNotificationForMessage(ctx, msg.Message); err != nil {
			return err
		}
	}
	if e.opts.OnEvent != nil {
		e.opts.OnEvent(ev)
	}
	return nil
}

// CreateNotificationForMessage records an unread notice for a message from
// someone else, and pushes a system notification when the UI is hidden. Own
// messages never notify.
func (e *Engine) CreateNotificationForMessage(ctx context.Context, msg domain.Message) error {
	if msg.SenderID == e.userID {
		return nil
	}
	sender := msg.SenderDisplayName
	if sender == "" {
		sender = msg.SenderUsername
	}
	n := localstore.Notification{
		ID:             msg.ID.String(),
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		SenderName:     sender,
		Excerpt:        excerpt(msg.Text),
		CreatedAt:      msg.CreatedAt,
	}
	if err := e.store.PutNotification(ctx, n); err != nil {
		return err
	}
	if e.notifier != nil && !e.notifier.Visible() {
		e.notifier.Push(n)
	}
	return nil
}

// Run drives the background flush and sync loops until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	flush := time.NewTicker(e.opts.FlushInterval)
	defer flush.Stop()
	syncT := time.NewTicker(e.opts.SyncInterval)
	defer syncT.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-flush.C:
			e.Flush(ctx)
		case <-syncT.C:
			if err := e.SyncWithServer(ctx); err != nil {
				e.log.Warn("background sync failed", "error", err)
			}
		}
	}
}

// mergeMessage upserts a server-side message, first removing the optimistic
// local copy it confirms. Correlation goes by client id when present,
// otherwise the server id upsert already dedupes.
func (e *Engine) mergeMessage(ctx context.Context, msg domain.Message) error {
	if msg.ClientID != "" {
		return e.replaceOptimistic(ctx, msg)
	}
	return e.store.PutMessage(ctx, msg)
}

func (e *Engine) replaceOptimistic(ctx context.Context, confirmed domain.Message) error {
	e.mu.Lock()
	localID, ok := e.optimistic[confirmed.ClientID]
	if ok {
		delete(e.optimistic, confirmed.ClientID)
		// A queued send for this record is now settled.
		for i, op := range e.pending {
			if op.clientID == confirmed.ClientID {
				e.pending = append(e.pending[:i], e.pending[i+1:]...)
				break
			}
		}
	}
	e.mu.Unlock()

	if ok && localID != confirmed.ID {
		if err := e.store.DeleteMessage(ctx, localID); err != nil {
			return err
		}
	}
	return e.store.PutMessage(ctx, confirmed)
}

func excerpt(text string) string {
	runes := []rune(text)
	if len(runes) <= excerptLimit {
		return text
	}
	return string(runes[:excerptLimit]) + "…"
}
