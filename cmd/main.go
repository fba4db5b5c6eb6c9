package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/postly/chat-backend/internal/data/db"
	"github.com/postly/chat-backend/internal/data/repos"
	"github.com/postly/chat-backend/internal/generation"
	httphandlers "github.com/postly/chat-backend/internal/http/handlers"
	"github.com/postly/chat-backend/internal/http/middleware"
	"github.com/postly/chat-backend/internal/platform/envutil"
	"github.com/postly/chat-backend/internal/platform/logger"
	"github.com/postly/chat-backend/internal/server"
	"github.com/postly/chat-backend/internal/services"
)

func main() {
	_ = godotenv.Load()

	log, err := logger.New(envutil.String("LOG_MODE", "dev"))
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("postgres connect failed", "error", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Fatal("migration failed", "error", err)
	}
	gdb := pg.DB()

	conversationRepo := repos.NewConversationRepo(gdb, log)
	messageRepo := repos.NewMessageRepo(gdb, log)

	verifier, err := services.NewTokenVerifier(log)
	if err != nil {
		log.Fatal("token verifier init failed", "error", err)
	}

	backend, err := generation.NewOpenAIBackend(log)
	if err != nil {
		log.Fatal("generation backend init failed", "error", err)
	}

	quota, err := services.NewRedisQuota(log)
	if err != nil {
		log.Warn("redis unavailable, generation quota disabled", "error", err)
		quota = services.NewNoopQuota()
	}

	conversationService := services.NewConversationService(gdb, log, conversationRepo, messageRepo)
	streamService := services.NewStreamService(
		gdb, log, conversationRepo, messageRepo,
		backend, quota, services.NewNoopResumeProvider(),
	)

	router := server.NewRouter(server.Deps{
		Auth:   middleware.NewAuthMiddleware(log, verifier),
		Chat:   httphandlers.NewChatHandler(log, conversationService, streamService),
		Health: httphandlers.NewHealthHandler(gdb),
	})

	addr := ":" + envutil.String("PORT", "8080")
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	// In-flight streams get a grace window to finish their terminal frames.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown incomplete", "error", err)
	}
}
