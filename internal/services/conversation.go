package services

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/postly/chat-backend/internal/data/repos"
	types "github.com/postly/chat-backend/internal/domain"
	"github.com/postly/chat-backend/internal/domain/chat"
	"github.com/postly/chat-backend/internal/pkg/ctxutil"
	"github.com/postly/chat-backend/internal/pkg/dbctx"
	"github.com/postly/chat-backend/internal/platform/apierr"
	"github.com/postly/chat-backend/internal/platform/logger"
)

type ConversationUpdate struct {
	Title      *string `json:"title"`
	IsArchived *bool   `json:"is_archived"`
	Model      *string `json:"model"`
}

type ConversationService interface {
	Create(dbc dbctx.Context, title string, resumeID *uuid.UUID, model string) (*types.Conversation, error)
	List(dbc dbctx.Context, includeArchived bool, limit int) ([]*types.Conversation, error)
	// Get returns the conversation plus its active-branch thread view.
	Get(dbc dbctx.Context, conversationID uuid.UUID) (*types.Conversation, []*types.Message, error)
	Update(dbc dbctx.Context, conversationID uuid.UUID, upd ConversationUpdate) (*types.Conversation, error)
	// Delete is a hard delete cascading to messages; it is the one
	// destructive administrative operation outside the streaming path.
	Delete(dbc dbctx.Context, conversationID uuid.UUID) error

	// ActiveBranch walks the message tree through is_active pointers; this is
	// what the UI thread view shows and what the generation backend sees.
	ActiveBranch(dbc dbctx.Context, conversationID uuid.UUID) ([]*types.Message, error)

	// EditMessage creates a new sibling of the edited message (same parent,
	// next version), activates it, and deactivates the rest of the group.
	EditMessage(dbc dbctx.Context, messageID uuid.UUID, newContent string) (*types.Message, error)
	// ActivateVersion reactivates an older sibling, switching the visible
	// branch back to it.
	ActivateVersion(dbc dbctx.Context, messageID uuid.UUID) (*types.Message, error)
	// GetMessageVersions returns the sibling group of messageID ordered by
	// version, for history/regeneration UIs.
	GetMessageVersions(dbc dbctx.Context, messageID uuid.UUID) ([]*types.Message, error)
}

type conversationService struct {
	db            *gorm.DB
	log           *logger.Logger
	conversations repos.ConversationRepo
	messages      repos.MessageRepo
}

func NewConversationService(
	db *gorm.DB,
	baseLog *logger.Logger,
	conversationRepo repos.ConversationRepo,
	messageRepo repos.MessageRepo,
) ConversationService {
	return &conversationService{
		db:            db,
		log:           baseLog.With("service", "ConversationService"),
		conversations: conversationRepo,
		messages:      messageRepo,
	}
}

func requireUser(dbc dbctx.Context) (uuid.UUID, error) {
	rd := ctxutil.GetRequestData(dbc.Ctx)
	if rd == nil || rd.UserID == uuid.Nil {
		return uuid.Nil, apierr.New(http.StatusUnauthorized, "unauthorized", fmt.Errorf("not authenticated"))
	}
	return rd.UserID, nil
}

// DeriveTitle builds a conversation title from the first message text.
func DeriveTitle(text string) string {
	title := strings.Join(strings.Fields(text), " ")
	if title == "" {
		return "New chat"
	}
	runes := []rune(title)
	if len(runes) > 60 {
		title = strings.TrimSpace(string(runes[:60])) + "…"
	}
	return title
}

func (s *conversationService) Create(dbc dbctx.Context, title string, resumeID *uuid.UUID, model string) (*types.Conversation, error) {
	userID, err := requireUser(dbc)
	if err != nil {
		return nil, err
	}

	title = strings.TrimSpace(title)
	if title == "" {
		title = "New chat"
	}

	now := time.Now().UTC()
	conv := &types.Conversation{
		ID:            uuid.New(),
		UserID:        userID,
		Title:         title,
		ResumeID:      resumeID,
		Model:         strings.TrimSpace(model),
		State:         chat.StateIdle,
		LastMessageAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.conversations.Create(dbc, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

func (s *conversationService) List(dbc dbctx.Context, includeArchived bool, limit int) ([]*types.Conversation, error) {
	userID, err := requireUser(dbc)
	if err != nil {
		return nil, err
	}
	return s.conversations.ListByUser(dbc, userID, includeArchived, limit)
}

func (s *conversationService) ownedConversation(dbc dbctx.Context, conversationID uuid.UUID) (*types.Conversation, error) {
	userID, err := requireUser(dbc)
	if err != nil {
		return nil, err
	}
	if conversationID == uuid.Nil {
		return nil, apierr.New(http.StatusBadRequest, "invalid_id", fmt.Errorf("missing conversation_id"))
	}
	conv, err := s.conversations.GetByID(dbc, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil || conv.UserID != userID {
		return nil, apierr.New(http.StatusNotFound, "not_found", fmt.Errorf("conversation not found"))
	}
	return conv, nil
}

func (s *conversationService) Get(dbc dbctx.Context, conversationID uuid.UUID) (*types.Conversation, []*types.Message, error) {
	conv, err := s.ownedConversation(dbc, conversationID)
	if err != nil {
		return nil, nil, err
	}
	branch, err := s.ActiveBranch(dbc, conversationID)
	if err != nil {
		return nil, nil, err
	}
	return conv, branch, nil
}

func (s *conversationService) Update(dbc dbctx.Context, conversationID uuid.UUID, upd ConversationUpdate) (*types.Conversation, error) {
	conv, err := s.ownedConversation(dbc, conversationID)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if upd.Title != nil {
		title := strings.TrimSpace(*upd.Title)
		if title == "" {
			return nil, apierr.New(http.StatusBadRequest, "invalid_request", fmt.Errorf("title cannot be empty"))
		}
		updates["title"] = title
		conv.Title = title
	}
	if upd.IsArchived != nil {
		updates["is_archived"] = *upd.IsArchived
		conv.IsArchived = *upd.IsArchived
	}
	if upd.Model != nil {
		model := strings.TrimSpace(*upd.Model)
		updates["model"] = model
		conv.Model = model
	}
	if len(updates) == 0 {
		return conv, nil
	}
	if err := s.conversations.UpdateFields(dbc, conversationID, updates); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *conversationService) Delete(dbc dbctx.Context, conversationID uuid.UUID) error {
	if _, err := s.ownedConversation(dbc, conversationID); err != nil {
		return err
	}
	return s.conversations.HardDelete(dbc, conversationID)
}

func (s *conversationService) ActiveBranch(dbc dbctx.Context, conversationID uuid.UUID) ([]*types.Message, error) {
	all, err := s.messages.ListByConversation(dbc, conversationID)
	if err != nil {
		return nil, err
	}
	return activeBranchOf(all), nil
}

// activeBranchOf walks an in-memory adjacency map: at each level exactly one
// sibling is active, and the walk follows it until a level has no active
// child.
func activeBranchOf(all []*types.Message) []*types.Message {
	children := make(map[uuid.UUID][]*types.Message, len(all))
	for _, m := range all {
		parent := uuid.Nil
		if m.ParentMessageID != nil {
			parent = *m.ParentMessageID
		}
		children[parent] = append(children[parent], m)
	}

	branch := make([]*types.Message, 0, len(all))
	cursor := uuid.Nil
	for {
		var next *types.Message
		for _, m := range children[cursor] {
			if m.IsActive {
				next = m
				break
			}
		}
		if next == nil {
			return branch
		}
		branch = append(branch, next)
		cursor = next.ID
	}
}

func (s *conversationService) ownedMessage(dbc dbctx.Context, messageID uuid.UUID) (*types.Message, error) {
	userID, err := requireUser(dbc)
	if err != nil {
		return nil, err
	}
	if messageID == uuid.Nil {
		return nil, apierr.New(http.StatusBadRequest, "invalid_id", fmt.Errorf("missing message_id"))
	}
	msg, err := s.messages.GetByID(dbc, messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil || msg.UserID != userID {
		return nil, apierr.New(http.StatusNotFound, "not_found", fmt.Errorf("message not found"))
	}
	return msg, nil
}

func (s *conversationService) EditMessage(dbc dbctx.Context, messageID uuid.UUID, newContent string) (*types.Message, error) {
	newContent = strings.TrimSpace(newContent)
	if newContent == "" {
		return nil, apierr.New(http.StatusBadRequest, "invalid_request", fmt.Errorf("missing content"))
	}

	msg, err := s.ownedMessage(dbc, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Role != chat.RoleUser {
		return nil, apierr.New(http.StatusBadRequest, "not_editable", fmt.Errorf("only user messages can be edited"))
	}

	var edited *types.Message
	err = s.db.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		inner := dbctx.Context{Ctx: dbc.Ctx, Tx: txx}

		maxVersion, err := s.messages.MaxSiblingVersion(inner, msg.ConversationID, msg.ParentMessageID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		edited = &types.Message{
			ID:              uuid.New(),
			ConversationID:  msg.ConversationID,
			UserID:          msg.UserID,
			Role:            chat.RoleUser,
			Content:         newContent,
			ParentMessageID: msg.ParentMessageID,
			Version:         maxVersion + 1,
			IsActive:        false,
			Status:          chat.MessageStatusCompleted,
			Metadata:        datatypes.JSON([]byte(`{}`)),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.messages.Create(inner, []*types.Message{edited}); err != nil {
			return err
		}
		// Replies under the old version stay stored but drop off the active
		// branch once the new sibling takes over.
		return s.messages.ActivateSibling(inner, msg.ConversationID, msg.ParentMessageID, edited.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("edit message: %w", err)
	}
	edited.IsActive = true
	return edited, nil
}

func (s *conversationService) ActivateVersion(dbc dbctx.Context, messageID uuid.UUID) (*types.Message, error) {
	msg, err := s.ownedMessage(dbc, messageID)
	if err != nil {
		return nil, err
	}
	if msg.IsActive {
		return msg, nil
	}
	if err := s.messages.ActivateSibling(dbc, msg.ConversationID, msg.ParentMessageID, msg.ID); err != nil {
		return nil, err
	}
	msg.IsActive = true
	return msg, nil
}

func (s *conversationService) GetMessageVersions(dbc dbctx.Context, messageID uuid.UUID) ([]*types.Message, error) {
	msg, err := s.ownedMessage(dbc, messageID)
	if err != nil {
		return nil, err
	}
	return s.messages.Siblings(dbc, msg.ConversationID, msg.ParentMessageID)
}
