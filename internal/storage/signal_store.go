package storage

import (
	"context"

	"meetzap/backend/internal/models"
)

// SaveSignal appends a signal row.
func (s *Service) SaveSignal(ctx context.Context, sig *models.Signal) error {
	return translate(s.DB.WithContext(ctx).Create(sig).Error)
}

// ListSignals returns signals addressed to toSessionID in callID after afterID.
func (s *Service) ListSignals(ctx context.Context, toSessionID, callID, afterID string, limit int) ([]models.Signal, error) {
	q := s.DB.WithContext(ctx).Where("to_session_id = ? AND call_id = ?", toSessionID, callID)
	if afterID != "" {
		q = q.Where("id > ?", afterID)
	}
	var out []models.Signal
	err := q.Order("id ASC").Limit(limit).Find(&out).Error
	return out, translate(err)
}
