package storage

import (
	"context"
	"fmt"
	"time"

	"meetzap/backend/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var activeStatuses = []models.SessionStatus{models.StatusWaiting, models.StatusChatting}

// CreateSession inserts a new session row.
func (s *Service) CreateSession(ctx context.Context, sess *models.Session) error {
	return translate(s.DB.WithContext(ctx).Create(sess).Error)
}

// GetSession loads a session by id.
func (s *Service) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	if err := s.DB.WithContext(ctx).Where("id = ?", id).First(&sess).Error; err != nil {
		return nil, translate(err)
	}
	return &sess, nil
}

// FindActiveSessionForUser returns the newest waiting or chatting session of the user.
func (s *Service) FindActiveSessionForUser(ctx context.Context, userID string) (*models.Session, error) {
	var sess models.Session
	err := s.DB.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, activeStatuses).
		Order("created_at DESC").
		First(&sess).Error
	if err != nil {
		if err = translate(err); err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &sess, nil
}

// ListWaitingSessions returns the candidates a scan can consider.
func (s *Service) ListWaitingSessions(ctx context.Context, freshSince time.Time, limit int) ([]models.Session, error) {
	var out []models.Session
	err := s.DB.WithContext(ctx).
		Where("status = ? AND partner_session_id IS NULL AND last_active >= ?", models.StatusWaiting, freshSince).
		Order("last_active ASC").
		Limit(limit).
		Find(&out).Error
	return out, translate(err)
}

// ClaimSession is the conditional update that prevents double pairing: the
// row only changes if it is still waiting, unpaired and fresh.
func (s *Service) ClaimSession(ctx context.Context, id string, partner *models.Session, callID string, now, freshSince time.Time) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND status = ? AND partner_session_id IS NULL AND last_active >= ?", id, models.StatusWaiting, freshSince).
		Updates(map[string]interface{}{
			"status":             models.StatusChatting,
			"partner_user_id":    partner.UserID,
			"partner_session_id": partner.ID,
			"call_id":            callID,
			"last_active":        now,
		})
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ReleaseSession undoes a claim made for partnerSessionID.
func (s *Service) ReleaseSession(ctx context.Context, id, partnerSessionID string, now time.Time) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND status = ? AND partner_session_id = ?", id, models.StatusChatting, partnerSessionID).
		Updates(map[string]interface{}{
			"status":             models.StatusWaiting,
			"partner_user_id":    nil,
			"partner_session_id": nil,
			"call_id":            nil,
			"last_active":        now,
		})
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ResetToWaiting clears the partner of a live session.
func (s *Service) ResetToWaiting(ctx context.Context, id string, now time.Time, skipUserID string) (*models.Session, error) {
	updates := map[string]interface{}{
		"status":             models.StatusWaiting,
		"partner_user_id":    nil,
		"partner_session_id": nil,
		"call_id":            nil,
		"last_active":        now,
	}
	if skipUserID != "" {
		updates["skipped_user_ids"] = gorm.Expr("array_append(COALESCE(skipped_user_ids, '{}'), ?)", skipUserID)
	}

	res := s.DB.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND status IN ?", id, activeStatuses).
		Updates(updates)
	if res.Error != nil {
		return nil, translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, s.missingOrEnded(ctx, id)
	}
	return s.GetSession(ctx, id)
}

// EndSession marks a session ended and clears its partner.
func (s *Service) EndSession(ctx context.Context, id string) (*models.Session, error) {
	res := s.DB.WithContext(ctx).Model(&models.Session{}).
		Where("id = ?", id).
		Updates(endedColumns())
	if res.Error != nil {
		return nil, translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.GetSession(ctx, id)
}

// TouchSession refreshes last_active of a live session.
func (s *Service) TouchSession(ctx context.Context, id string, now time.Time) (*models.Session, error) {
	res := s.DB.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND status IN ?", id, activeStatuses).
		Update("last_active", now)
	if res.Error != nil {
		return nil, translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, s.missingOrEnded(ctx, id)
	}
	return s.GetSession(ctx, id)
}

func endedColumns() map[string]interface{} {
	return map[string]interface{}{
		"status":             models.StatusEnded,
		"partner_user_id":    nil,
		"partner_session_id": nil,
		"call_id":            nil,
	}
}

// EndStaleSessions ends every live session that missed its heartbeats. The
// rows are locked while read, and the update re-checks staleness, so a
// concurrent heartbeat or claim wins over the sweep.
func (s *Service) EndStaleSessions(ctx context.Context, before time.Time) ([]models.Session, error) {
	var stale []models.Session
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := staleQuery(tx, before).Find(&stale).Error; err != nil {
			return err
		}
		if len(stale) == 0 {
			return nil
		}
		ids := make([]string, 0, len(stale))
		for _, sess := range stale {
			ids = append(ids, sess.ID)
		}
		return endStaleUpdate(tx, ids, before).Error
	})
	if err != nil {
		return nil, fmt.Errorf("end stale sessions: %w", translate(err))
	}
	return stale, nil
}

func staleQuery(tx *gorm.DB, before time.Time) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("status IN ? AND last_active < ?", activeStatuses, before)
}

func endStaleUpdate(tx *gorm.DB, ids []string, before time.Time) *gorm.DB {
	return tx.Model(&models.Session{}).
		Where("id IN ? AND status IN ? AND last_active < ?", ids, activeStatuses, before).
		Updates(endedColumns())
}

// CountOnline counts live sessions with a heartbeat at or after freshSince,
// the same boundary ListWaitingSessions and Session.Fresh use.
func (s *Service) CountOnline(ctx context.Context, freshSince time.Time) (int64, error) {
	var n int64
	err := s.DB.WithContext(ctx).Model(&models.Session{}).
		Where("status IN ? AND last_active >= ?", activeStatuses, freshSince).
		Count(&n).Error
	return n, translate(err)
}

// ListSessions lists sessions, newest first; an empty status lists all.
func (s *Service) ListSessions(ctx context.Context, status models.SessionStatus, limit int) ([]models.Session, error) {
	q := s.DB.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []models.Session
	return out, translate(q.Find(&out).Error)
}

func (s *Service) missingOrEnded(ctx context.Context, id string) error {
	if _, err := s.GetSession(ctx, id); err != nil {
		return err
	}
	return ErrSessionEnded
}
