package db

import (
	"fmt"

	types "github.com/postly/chat-backend/internal/domain"
)

func (s *PostgresService) AutoMigrateAll() error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres not initialized")
	}
	if err := s.db.AutoMigrate(types.AllModels()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
