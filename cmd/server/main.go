package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dkovac/ritmo/internal/config"
	"github.com/dkovac/ritmo/internal/database"
	"github.com/dkovac/ritmo/internal/hub"
	postgresrepo "github.com/dkovac/ritmo/internal/repository/postgres"
	"github.com/dkovac/ritmo/internal/service"
	"github.com/dkovac/ritmo/internal/transport/http/handlers"
	"github.com/dkovac/ritmo/internal/transport/http/middleware"
	"github.com/dkovac/ritmo/internal/transport/stream"
	"github.com/dkovac/ritmo/internal/transport/ws"
	"github.com/dkovac/ritmo/pkg/validator"
)

func main() {
	cfg := config.Load()
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := database.Connect(ctx, cfg)
	if err != nil {
		log.Error("database connect", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	log.Info("connected to database")

	// Repositories
	userRepo := postgresrepo.NewUserRepo(pool)
	conversationRepo := postgresrepo.NewConversationRepo(pool)
	messageRepo := postgresrepo.NewMessageRepo(pool)

	// The hub is constructed once and passed explicitly; nothing reaches
	// for a global instance.
	chatHub := hub.New(log, cfg.TypingTTL)

	// Services
	chatService := service.NewChatService(conversationRepo, messageRepo, userRepo, chatHub)

	// Handlers
	val := validator.New()
	chatHandler := handlers.NewChatHandler(chatService, val, log)
	streamHandler := stream.NewHandler(log, chatHub, chatService, cfg.JWTSecret, cfg.KeepaliveInterval, cfg.DeliveredCatchupLimit)

	// Auth middleware
	auth := middleware.Auth(cfg.JWTSecret)

	// Routes
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status": "ok"}`))
	})

	mux.Handle("POST /api/v1/conversations", auth(http.HandlerFunc(chatHandler.GetOrCreateConversation)))
	mux.Handle("GET /api/v1/conversations", auth(http.HandlerFunc(chatHandler.ListConversations)))
	mux.Handle("GET /api/v1/conversations/{id}", auth(http.HandlerFunc(chatHandler.GetConversation)))
	mux.Handle("POST /api/v1/conversations/{id}/accept", auth(http.HandlerFunc(chatHandler.AcceptRequest)))
	mux.Handle("POST /api/v1/conversations/{id}/decline", auth(http.HandlerFunc(chatHandler.DeclineRequest)))
	mux.Handle("GET /api/v1/conversations/{id}/messages", auth(http.HandlerFunc(chatHandler.ListMessages)))
	mux.Handle("POST /api/v1/conversations/{id}/messages", auth(http.HandlerFunc(chatHandler.SendMessage)))
	mux.Handle("POST /api/v1/conversations/{id}/read", auth(http.HandlerFunc(chatHandler.MarkRead)))
	mux.Handle("POST /api/v1/conversations/{id}/typing", auth(http.HandlerFunc(chatHandler.SetTyping)))
	mux.Handle("POST /api/v1/conversations/{id}/messages/{mid}/reactions", auth(http.HandlerFunc(chatHandler.ToggleReaction)))
	mux.Handle("GET /api/v1/conversations/{id}/reactions", auth(http.HandlerFunc(chatHandler.GetReactions)))

	// Stream endpoints auth via ?token= themselves.
	mux.Handle("GET /api/v1/conversations/{id}/stream", streamHandler)
	mux.HandleFunc("GET /api/v1/conversations/{id}/ws", ws.ServeWS(log, chatHub, chatService, cfg.JWTSecret, cfg.DeliveredCatchupLimit))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           middleware.CORS(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}
