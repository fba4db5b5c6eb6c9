package server

import (
	"github.com/gin-gonic/gin"

	"github.com/postly/chat-backend/internal/http/handlers"
	"github.com/postly/chat-backend/internal/http/middleware"
	"github.com/postly/chat-backend/internal/platform/envutil"
)

type Deps struct {
	Auth   *middleware.AuthMiddleware
	Chat   *handlers.ChatHandler
	Health *handlers.HealthHandler
}

func NewRouter(deps Deps) *gin.Engine {
	if envutil.String("GIN_MODE", "") == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS())

	r.GET("/healthcheck", deps.Health.Healthcheck)

	api := r.Group("/api")
	api.Use(deps.Auth.RequireAuth())
	{
		chat := api.Group("/chat")
		chat.POST("/stream", deps.Chat.Stream)

		chat.GET("/conversations", deps.Chat.ListConversations)
		chat.POST("/conversations", deps.Chat.CreateConversation)
		chat.GET("/conversations/:conversation_id", deps.Chat.GetConversation)
		chat.PATCH("/conversations/:conversation_id", deps.Chat.UpdateConversation)
		chat.DELETE("/conversations/:conversation_id", deps.Chat.DeleteConversation)
		chat.GET("/conversations/:conversation_id/messages", deps.Chat.ListMessages)

		chat.POST("/messages/:message_id/edit", deps.Chat.EditMessage)
		chat.POST("/messages/:message_id/cancel", deps.Chat.CancelMessage)
		chat.GET("/messages/:message_id/versions", deps.Chat.GetMessageVersions)
		chat.POST("/messages/:message_id/activate", deps.Chat.ActivateMessageVersion)
	}

	return r
}
