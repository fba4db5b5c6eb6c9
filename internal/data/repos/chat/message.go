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

type MessageRepo interface {
	Create(dbc dbctx.Context, rows []*types.Message) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Message, error)
	ListByConversation(dbc dbctx.Context, conversationID uuid.UUID) ([]*types.Message, error)
	// Siblings returns the messages sharing parentID within the conversation,
	// ordered by version ascending. parentID nil selects the root group.
	Siblings(dbc dbctx.Context, conversationID uuid.UUID, parentID *uuid.UUID) ([]*types.Message, error)
	MaxSiblingVersion(dbc dbctx.Context, conversationID uuid.UUID, parentID *uuid.UUID) (int, error)
	// ActivateSibling flips is_active within one sibling group atomically:
	// every sibling off, then the target on, inside a single transaction.
	ActivateSibling(dbc dbctx.Context, conversationID uuid.UUID, parentID *uuid.UUID, messageID uuid.UUID) error
	FindByIdempotencyKey(dbc dbctx.Context, conversationID, userID uuid.UUID, key string) (*types.Message, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
}

type messageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMessageRepo(db *gorm.DB, log *logger.Logger) MessageRepo {
	return &messageRepo{db: db, log: log.With("repo", "MessageRepo")}
}

func (r *messageRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func siblingScope(q *gorm.DB, conversationID uuid.UUID, parentID *uuid.UUID) *gorm.DB {
	q = q.Where("conversation_id = ?", conversationID)
	if parentID == nil || *parentID == uuid.Nil {
		return q.Where("parent_message_id IS NULL")
	}
	return q.Where("parent_message_id = ?", *parentID)
}

func (r *messageRepo) Create(dbc dbctx.Context, rows []*types.Message) error {
	if len(rows) == 0 {
		return nil
	}
	return r.handle(dbc).WithContext(dbc.Ctx).Create(&rows).Error
}

func (r *messageRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Message, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing message_id")
	}
	var msg types.Message
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("id = ?", id).
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *messageRepo) ListByConversation(dbc dbctx.Context, conversationID uuid.UUID) ([]*types.Message, error) {
	if conversationID == uuid.Nil {
		return nil, fmt.Errorf("missing conversation_id")
	}
	var out []*types.Message
	if err := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.Message{}).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, version ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *messageRepo) Siblings(dbc dbctx.Context, conversationID uuid.UUID, parentID *uuid.UUID) ([]*types.Message, error) {
	if conversationID == uuid.Nil {
		return nil, fmt.Errorf("missing conversation_id")
	}
	var out []*types.Message
	q := siblingScope(
		r.handle(dbc).WithContext(dbc.Ctx).Model(&types.Message{}),
		conversationID, parentID,
	)
	if err := q.Order("version ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *messageRepo) MaxSiblingVersion(dbc dbctx.Context, conversationID uuid.UUID, parentID *uuid.UUID) (int, error) {
	if conversationID == uuid.Nil {
		return 0, fmt.Errorf("missing conversation_id")
	}
	var maxVersion int
	q := siblingScope(
		r.handle(dbc).WithContext(dbc.Ctx).Model(&types.Message{}),
		conversationID, parentID,
	)
	if err := q.Select("COALESCE(MAX(version), 0)").Scan(&maxVersion).Error; err != nil {
		return 0, err
	}
	return maxVersion, nil
}

func (r *messageRepo) ActivateSibling(dbc dbctx.Context, conversationID uuid.UUID, parentID *uuid.UUID, messageID uuid.UUID) error {
	if conversationID == uuid.Nil || messageID == uuid.Nil {
		return fmt.Errorf("missing id")
	}
	now := time.Now().UTC()
	return r.handle(dbc).WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		q := siblingScope(txx.Model(&types.Message{}), conversationID, parentID)
		if err := q.Updates(map[string]interface{}{
			"is_active":  false,
			"updated_at": now,
		}).Error; err != nil {
			return err
		}
		res := txx.Model(&types.Message{}).
			Where("id = ? AND conversation_id = ?", messageID, conversationID).
			Updates(map[string]interface{}{
				"is_active":  true,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("message not found in sibling group")
		}
		return nil
	})
}

func (r *messageRepo) FindByIdempotencyKey(dbc dbctx.Context, conversationID, userID uuid.UUID, key string) (*types.Message, error) {
	if conversationID == uuid.Nil || userID == uuid.Nil || key == "" {
		return nil, nil
	}
	var msg types.Message
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("conversation_id = ? AND user_id = ? AND role = ? AND idempotency_key = ?",
			conversationID, userID, "user", key,
		).
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *messageRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing message_id")
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["updated_at"] = time.Now().UTC()
	return r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.Message{}).
		Where("id = ?", id).
		Updates(updates).Error
}
