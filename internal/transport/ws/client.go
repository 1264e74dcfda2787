package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/dkovac/ritmo/internal/hub"
	"github.com/dkovac/ritmo/internal/service"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 25 * time.Second
	sendBufSize  = 64
)

// Client bridges one WebSocket connection to the hub for a single
// conversation.
type Client struct {
	log            *slog.Logger
	hub            *hub.Hub
	chatService    *service.ChatService
	conn           *websocket.Conn
	userID         uuid.UUID
	conversationID uuid.UUID

	sub  *hub.Subscriber
	send chan hub.Event
	done chan struct{}

	teardownOnce sync.Once
}

func NewClient(log *slog.Logger, h *hub.Hub, chatService *service.ChatService, conn *websocket.Conn, conversationID, userID uuid.UUID) *Client {
	c := &Client{
		log:            log,
		hub:            h,
		chatService:    chatService,
		conn:           conn,
		userID:         userID,
		conversationID: conversationID,
		send:           make(chan hub.Event, sendBufSize),
		done:           make(chan struct{}),
	}
	c.sub = hub.NewSubscriber(conversationID, userID, c.push, c.teardown)
	return c
}

// Subscriber exposes the hub handle for registration.
func (c *Client) Subscriber() *hub.Subscriber { return c.sub }

// push queues an event for the write pump without blocking the hub.
func (c *Client) push(ev hub.Event) error {
	select {
	case c.send <- ev:
		return nil
	case <-c.done:
		return context.Canceled
	default:
		return context.DeadlineExceeded
	}
}

// teardown deregisters from the hub and closes the connection. Safe to call
// from any of the three disconnect paths; only the first call acts.
func (c *Client) teardown() {
	c.teardownOnce.Do(func() {
		close(c.done)
		c.hub.RemoveSubscriber(c.sub)
		c.conn.Close(websocket.StatusNormalClosure, "")
		c.log.Debug("ws closed", "conversation", c.conversationID, "user", c.userID)
	})
}

// WritePump forwards hub events to the socket and pings on an interval.
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.teardown()
	}()

	for {
		select {
		case ev := <-c.send:
			env, err := hub.Encode(ev)
			if err != nil {
				c.log.Error("ws encode", "error", err)
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeWait)
			err = wsjson.Write(wctx, c.conn, env)
			cancel()
			if err != nil {
				return
			}

		case <-ticker.C:
			wctx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Ping(wctx)
			cancel()
			if err != nil {
				return
			}

		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

// ReadPump accepts typing control frames from the client. Anything else on
// the inbound side is ignored; sends and reactions go through the REST API.
func (c *Client) ReadPump(ctx context.Context) {
	defer c.teardown()

	for {
		var env hub.Envelope
		if err := wsjson.Read(ctx, c.conn, &env); err != nil {
			return
		}
		ev, err := hub.Decode(env)
		if err != nil {
			c.log.Debug("ws bad frame", "error", err)
			continue
		}
		switch ev := ev.(type) {
		case hub.Typing:
			if err := c.chatService.SetTyping(ctx, c.userID, c.conversationID, ev.IsTyping); err != nil {
				c.log.Debug("ws typing rejected", "error", err)
			}
		case hub.Ping:
			// liveness only
		}
	}
}
