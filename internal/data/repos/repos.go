package repos

import (
	"gorm.io/gorm"

	"github.com/postly/chat-backend/internal/data/repos/chat"
	"github.com/postly/chat-backend/internal/platform/logger"
)

type ConversationRepo = chat.ConversationRepo
type MessageRepo = chat.MessageRepo

func NewConversationRepo(db *gorm.DB, log *logger.Logger) ConversationRepo {
	return chat.NewConversationRepo(db, log)
}

func NewMessageRepo(db *gorm.DB, log *logger.Logger) MessageRepo {
	return chat.NewMessageRepo(db, log)
}
