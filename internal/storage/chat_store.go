package storage

import (
	"context"

	"meetzap/backend/internal/models"
)

// SaveChatMessage stores a message; msg.ID and msg.CreatedAt are filled by the database.
func (s *Service) SaveChatMessage(ctx context.Context, msg *models.ChatMessage) error {
	return translate(s.DB.WithContext(ctx).Create(msg).Error)
}

// ListChatMessages loads the newest limit messages of a call in ascending order.
func (s *Service) ListChatMessages(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error) {
	var newest []models.ChatMessage
	err := s.DB.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&newest).Error
	if err != nil {
		return nil, translate(err)
	}
	for i, j := 0, len(newest)-1; i < j; i, j = i+1, j-1 {
		newest[i], newest[j] = newest[j], newest[i]
	}
	return newest, nil
}
