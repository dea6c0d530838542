package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"meetzap/backend/internal/models"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// MemoryStore implements Storage in process memory. It backs the
// STORAGE_BACKEND=memory development mode and the tests of the packages
// built on Storage; state is lost on restart.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	signals  []models.Signal
	messages []models.ChatMessage
	nextMsg  uint
	users    map[string]*models.User
	revoked  map[string]time.Time

	// Now is the clock used for row timestamps.
	Now func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		users:    make(map[string]*models.User),
		revoked:  make(map[string]time.Time),
		Now:      time.Now,
	}
}

func cloneSession(s *models.Session) *models.Session {
	c := *s
	if s.PartnerUserID != nil {
		v := *s.PartnerUserID
		c.PartnerUserID = &v
	}
	if s.PartnerSessionID != nil {
		v := *s.PartnerSessionID
		c.PartnerSessionID = &v
	}
	if s.CallID != nil {
		v := *s.CallID
		c.CallID = &v
	}
	c.SkippedUserIDs = append([]string(nil), s.SkippedUserIDs...)
	return &c
}

func (m *MemoryStore) CreateSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if _, ok := m.sessions[s.ID]; ok {
		return ErrDuplicate
	}
	now := m.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) FindActiveSessionForUser(_ context.Context, userID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *models.Session
	for _, s := range m.sessions {
		if s.UserID != userID || !s.Status.Active() {
			continue
		}
		if found == nil || s.CreatedAt.After(found.CreatedAt) {
			found = s
		}
	}
	if found == nil {
		return nil, nil
	}
	return cloneSession(found), nil
}

func (m *MemoryStore) ListWaitingSessions(_ context.Context, freshSince time.Time, limit int) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Session
	for _, s := range m.sessions {
		if s.Status == models.StatusWaiting && !s.HasPartner() && !s.LastActive.Before(freshSince) {
			out = append(out, *cloneSession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActive.Equal(out[j].LastActive) {
			return out[i].LastActive.Before(out[j].LastActive)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ClaimSession(_ context.Context, id string, partner *models.Session, callID string, now, freshSince time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status != models.StatusWaiting || s.HasPartner() || s.LastActive.Before(freshSince) {
		return false, nil
	}
	uid, sid := partner.UserID, partner.ID
	s.Status = models.StatusChatting
	s.PartnerUserID = &uid
	s.PartnerSessionID = &sid
	s.CallID = &callID
	s.LastActive = now
	s.UpdatedAt = m.Now()
	return true, nil
}

func (m *MemoryStore) ReleaseSession(_ context.Context, id, partnerSessionID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status != models.StatusChatting || s.PartnerSession() != partnerSessionID {
		return false, nil
	}
	s.Status = models.StatusWaiting
	s.PartnerUserID = nil
	s.PartnerSessionID = nil
	s.CallID = nil
	s.LastActive = now
	s.UpdatedAt = m.Now()
	return true, nil
}

func (m *MemoryStore) ResetToWaiting(_ context.Context, id string, now time.Time, skipUserID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !s.Status.Active() {
		return nil, ErrSessionEnded
	}
	s.Status = models.StatusWaiting
	s.PartnerUserID = nil
	s.PartnerSessionID = nil
	s.CallID = nil
	s.LastActive = now
	if skipUserID != "" {
		s.SkippedUserIDs = append(s.SkippedUserIDs, skipUserID)
	}
	s.UpdatedAt = m.Now()
	return cloneSession(s), nil
}

func (m *MemoryStore) EndSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.Status = models.StatusEnded
	s.PartnerUserID = nil
	s.PartnerSessionID = nil
	s.CallID = nil
	s.UpdatedAt = m.Now()
	return cloneSession(s), nil
}

func (m *MemoryStore) TouchSession(_ context.Context, id string, now time.Time) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !s.Status.Active() {
		return nil, ErrSessionEnded
	}
	s.LastActive = now
	s.UpdatedAt = m.Now()
	return cloneSession(s), nil
}

func (m *MemoryStore) EndStaleSessions(_ context.Context, before time.Time) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []models.Session
	for _, s := range m.sessions {
		if s.Status.Active() && s.LastActive.Before(before) {
			stale = append(stale, *cloneSession(s))
			s.Status = models.StatusEnded
			s.PartnerUserID = nil
			s.PartnerSessionID = nil
			s.CallID = nil
			s.UpdatedAt = m.Now()
		}
	}
	return stale, nil
}

func (m *MemoryStore) CountOnline(_ context.Context, freshSince time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.sessions {
		if s.Status.Active() && !s.LastActive.Before(freshSince) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListSessions(_ context.Context, status models.SessionStatus, limit int) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Session
	for _, s := range m.sessions {
		if status == "" || s.Status == status {
			out = append(out, *cloneSession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SaveSignal(_ context.Context, sig *models.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sig.ID == "" {
		sig.ID = ulid.Make().String()
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = m.Now()
	}
	m.signals = append(m.signals, *sig)
	return nil
}

func (m *MemoryStore) ListSignals(_ context.Context, toSessionID, callID, afterID string, limit int) ([]models.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Signal
	for _, sig := range m.signals {
		if sig.ToSessionID == toSessionID && sig.CallID == callID && sig.ID > afterID {
			out = append(out, sig)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SaveChatMessage(_ context.Context, msg *models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextMsg++
	msg.ID = m.nextMsg
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.Now()
	}
	m.messages = append(m.messages, *msg)
	return nil
}

func (m *MemoryStore) ListChatMessages(_ context.Context, sessionID string, limit int) ([]models.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ChatMessage
	for _, msg := range m.messages {
		if msg.SessionID == sessionID {
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *MemoryStore) CreateUser(_ context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return ErrDuplicate
		}
	}
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	now := m.Now()
	u.CreatedAt, u.UpdatedAt = now, now
	c := *u
	m.users[u.ID] = &c
	return nil
}

func (m *MemoryStore) GetUserByID(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *u
	return &c, nil
}

func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range m.users {
		if u.Email == email {
			c := *u
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) RevokeToken(_ context.Context, tokenID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ttl > 0 {
		m.revoked[tokenID] = m.Now().Add(ttl)
	}
	return nil
}

func (m *MemoryStore) IsTokenRevoked(_ context.Context, tokenID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.revoked[tokenID]
	return ok && m.Now().Before(until), nil
}

// PutSession stores a copy of s as is, bypassing create defaults.
func (m *MemoryStore) PutSession(s *models.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = cloneSession(s)
}

var _ Storage = (*MemoryStore)(nil)
var _ Storage = (*Service)(nil)
