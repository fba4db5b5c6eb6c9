package chat

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/postly/chat-backend/internal/domain"
	"github.com/postly/chat-backend/internal/pkg/dbctx"
	"github.com/postly/chat-backend/internal/platform/logger"
)

type ConversationRepo interface {
	Create(dbc dbctx.Context, conv *types.Conversation) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Conversation, error)
	ListByUser(dbc dbctx.Context, userID uuid.UUID, includeArchived bool, limit int) ([]*types.Conversation, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	// HardDelete removes the conversation and every message in it, in one
	// transaction, so no orphaned messages survive.
	HardDelete(dbc dbctx.Context, id uuid.UUID) error
}

type conversationRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewConversationRepo(db *gorm.DB, log *logger.Logger) ConversationRepo {
	return &conversationRepo{db: db, log: log.With("repo", "ConversationRepo")}
}

func (r *conversationRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *conversationRepo) Create(dbc dbctx.Context, conv *types.Conversation) error {
	if conv == nil {
		return fmt.Errorf("missing conversation")
	}
	return r.handle(dbc).WithContext(dbc.Ctx).Create(conv).Error
}

func (r *conversationRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Conversation, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing conversation_id")
	}
	var conv types.Conversation
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("id = ?", id).
		First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *conversationRepo) ListByUser(dbc dbctx.Context, userID uuid.UUID, includeArchived bool, limit int) ([]*types.Conversation, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("missing user_id")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.Conversation{}).
		Where("user_id = ?", userID)
	if !includeArchived {
		q = q.Where("is_archived = ?", false)
	}
	var out []*types.Conversation
	if err := q.Order("last_message_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *conversationRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing conversation_id")
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["updated_at"] = time.Now().UTC()
	return r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.Conversation{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *conversationRepo) HardDelete(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing conversation_id")
	}
	return r.handle(dbc).WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		if err := txx.Where("conversation_id = ?", id).Delete(&types.Message{}).Error; err != nil {
			return err
		}
		return txx.Where("id = ?", id).Delete(&types.Conversation{}).Error
	})
}
