package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/postly/chat-backend/internal/domain"
	"github.com/postly/chat-backend/internal/domain/chat"
)

func SeedConversation(tb testing.TB, ctx context.Context, tx *gorm.DB, userID uuid.UUID) *types.Conversation {
	tb.Helper()
	now := time.Now().UTC()
	c := &types.Conversation{
		ID:            uuid.New(),
		UserID:        userID,
		Title:         "test conversation",
		State:         chat.StateIdle,
		LastMessageAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tx.WithContext(ctx).Create(c).Error; err != nil {
		tb.Fatalf("seed conversation: %v", err)
	}
	return c
}

func SeedMessage(tb testing.TB, ctx context.Context, tx *gorm.DB, conv *types.Conversation, role, content string, parentID *uuid.UUID, version int, active bool) *types.Message {
	tb.Helper()
	now := time.Now().UTC()
	m := &types.Message{
		ID:              uuid.New(),
		ConversationID:  conv.ID,
		UserID:          conv.UserID,
		Role:            role,
		Content:         content,
		ParentMessageID: parentID,
		Version:         version,
		IsActive:        active,
		Status:          chat.MessageStatusCompleted,
		Metadata:        datatypes.JSON([]byte(`{}`)),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := tx.WithContext(ctx).Create(m).Error; err != nil {
		tb.Fatalf("seed message: %v", err)
	}
	return m
}
