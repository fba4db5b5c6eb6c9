package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/postly/chat-backend/internal/http/response"
	"github.com/postly/chat-backend/internal/pkg/dbctx"
	"github.com/postly/chat-backend/internal/platform/logger"
	"github.com/postly/chat-backend/internal/services"
)

type ChatHandler struct {
	log           *logger.Logger
	conversations services.ConversationService
	streams       services.StreamService
}

func NewChatHandler(
	log *logger.Logger,
	conversationService services.ConversationService,
	streamService services.StreamService,
) *ChatHandler {
	return &ChatHandler{
		log:           log.With("handler", "ChatHandler"),
		conversations: conversationService,
		streams:       streamService,
	}
}

func (h *ChatHandler) dbc(c *gin.Context) dbctx.Context {
	return dbctx.Context{Ctx: c.Request.Context()}
}

// Stream runs one generation turn over SSE-style frames. Errors before the
// first frame come back as a JSON error body; after that they arrive in-band.
func (h *ChatHandler) Stream(c *gin.Context) {
	var req services.StreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}
	if err := h.streams.Run(h.dbc(c), c.Writer, req); err != nil {
		response.RespondAPIError(c, err)
	}
}

type createConversationRequest struct {
	Title    string     `json:"title"`
	ResumeID *uuid.UUID `json:"resume_id"`
	Model    string     `json:"model"`
}

func (h *ChatHandler) CreateConversation(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	conv, err := h.conversations.Create(h.dbc(c), req.Title, req.ResumeID, req.Model)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation": conv})
}

func (h *ChatHandler) ListConversations(c *gin.Context) {
	includeArchived := c.Query("include_archived") == "true"
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	convs, err := h.conversations.List(h.dbc(c), includeArchived, limit)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"conversations": convs})
}

func (h *ChatHandler) GetConversation(c *gin.Context) {
	id, ok := parseIDParam(c, "conversation_id")
	if !ok {
		return
	}
	conv, messages, err := h.conversations.Get(h.dbc(c), id)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"conversation": conv, "messages": messages})
}

func (h *ChatHandler) UpdateConversation(c *gin.Context) {
	id, ok := parseIDParam(c, "conversation_id")
	if !ok {
		return
	}
	var upd services.ConversationUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	conv, err := h.conversations.Update(h.dbc(c), id, upd)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"conversation": conv})
}

func (h *ChatHandler) DeleteConversation(c *gin.Context) {
	id, ok := parseIDParam(c, "conversation_id")
	if !ok {
		return
	}
	if err := h.conversations.Delete(h.dbc(c), id); err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"deleted": true})
}

func (h *ChatHandler) ListMessages(c *gin.Context) {
	id, ok := parseIDParam(c, "conversation_id")
	if !ok {
		return
	}
	branch, err := h.conversations.ActiveBranch(h.dbc(c), id)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"messages": branch})
}

type editMessageRequest struct {
	Content string `json:"content"`
}

func (h *ChatHandler) EditMessage(c *gin.Context) {
	id, ok := parseIDParam(c, "message_id")
	if !ok {
		return
	}
	var req editMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	msg, err := h.conversations.EditMessage(h.dbc(c), id, req.Content)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"message": msg})
}

func (h *ChatHandler) GetMessageVersions(c *gin.Context) {
	id, ok := parseIDParam(c, "message_id")
	if !ok {
		return
	}
	versions, err := h.conversations.GetMessageVersions(h.dbc(c), id)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"versions": versions})
}

func (h *ChatHandler) ActivateMessageVersion(c *gin.Context) {
	id, ok := parseIDParam(c, "message_id")
	if !ok {
		return
	}
	msg, err := h.conversations.ActivateVersion(h.dbc(c), id)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"message": msg})
}

func (h *ChatHandler) CancelMessage(c *gin.Context) {
	id, ok := parseIDParam(c, "message_id")
	if !ok {
		return
	}
	if err := h.streams.Cancel(h.dbc(c), id); err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"cancelled": true})
}

func parseIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_id", fmt.Errorf("invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}
