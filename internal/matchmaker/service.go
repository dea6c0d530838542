// Package matchmaker pairs waiting sessions and keeps their partner
// references consistent.
package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meetzap/backend/internal/config"
	"meetzap/backend/internal/localization"
	"meetzap/backend/internal/logging"
	"meetzap/backend/internal/metrics"
	"meetzap/backend/internal/models"
	"meetzap/backend/internal/realtime"
	"meetzap/backend/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyClaimed means the candidate was paired by someone else
	// before our claim landed. Nothing was written.
	ErrAlreadyClaimed = errors.New("candidate already claimed")
	// ErrPartialConnect means the candidate was claimed but our own row
	// could not be; the candidate claim has been rolled back.
	ErrPartialConnect = errors.New("partial connect")
	// ErrSelfMatch is returned when asked to pair a user with itself.
	ErrSelfMatch = errors.New("cannot pair a session with itself")
)

// Candidate is a compatible waiting session and the name to show for it.
type Candidate struct {
	Session     models.Session `json:"session"`
	DisplayName string         `json:"display_name"`
}

// Options tune a Service. Zero values fall back to the config defaults.
type Options struct {
	FreshnessWindow time.Duration
	ScanLimit       int
	Localizer       *localization.Localizer
	Logger          *zap.Logger
	Now             func() time.Time
}

// Service implements the session lifecycle: search, connect, skip, leave
// and heartbeat. Every row it writes is also published on the session's
// realtime channel.
type Service struct {
	sessions storage.SessionStore
	users    storage.UserStore
	broker   realtime.Broker

	window    time.Duration
	scanLimit int
	loc       *localization.Localizer
	log       *zap.Logger
	now       func() time.Time
}

func NewService(sessions storage.SessionStore, users storage.UserStore, broker realtime.Broker, opts Options) *Service {
	s := &Service{
		sessions:  sessions,
		users:     users,
		broker:    broker,
		window:    opts.FreshnessWindow,
		scanLimit: opts.ScanLimit,
		loc:       opts.Localizer,
		log:       logging.OrNop(opts.Logger),
		now:       opts.Now,
	}
	if s.window <= 0 {
		s.window = config.FreshnessWindow
	}
	if s.scanLimit <= 0 {
		s.scanLimit = config.MatchScanLimit
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// FreshnessWindow is the heartbeat age after which a session stops matching.
func (s *Service) FreshnessWindow() time.Duration { return s.window }

// Session loads a session without touching it.
func (s *Service) Session(ctx context.Context, id string) (*models.Session, error) {
	return s.sessions.GetSession(ctx, id)
}

// GetOrCreateSession returns the user's waiting or chatting session,
// refreshing its heartbeat, or creates a new waiting one with filters.
func (s *Service) GetOrCreateSession(ctx context.Context, userID string, filters models.Filters) (*models.Session, error) {
	existing, err := s.sessions.FindActiveSessionForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("find active session: %w", err)
	}
	if existing != nil {
		return s.Heartbeat(ctx, existing.ID)
	}

	filters = filters.Normalize()
	if err := filters.Validate(); err != nil {
		return nil, err
	}

	sess := &models.Session{
		UserID:     userID,
		Status:     models.StatusWaiting,
		Filters:    filters,
		LastActive: s.now(),
	}
	if err := s.sessions.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.log.Info("session created", zap.String("session_id", sess.ID), zap.String("user_id", userID))
	s.publish(ctx, sess, models.ChangeInsert)
	return sess, nil
}

// FindCompatiblePartner returns the first compatible waiting session, oldest
// heartbeat first, or nil when there is none.
func (s *Service) FindCompatiblePartner(ctx context.Context, me *models.Session) (*Candidate, error) {
	candidates, err := s.candidates(ctx, me)
	if err != nil || len(candidates) == 0 {
		return nil, err
	}
	c := candidates[0]
	return &Candidate{Session: c, DisplayName: s.PartnerName(ctx, c.UserID)}, nil
}

func (s *Service) candidates(ctx context.Context, me *models.Session) ([]models.Session, error) {
	if me.Status != models.StatusWaiting || me.HasPartner() {
		return nil, nil
	}
	now := s.now()
	waiting, err := s.sessions.ListWaitingSessions(ctx, now.Add(-s.window), s.scanLimit)
	if err != nil {
		return nil, fmt.Errorf("list waiting sessions: %w", err)
	}
	out := waiting[:0]
	for i := range waiting {
		if Compatible(me, &waiting[i], now, s.window) {
			out = append(out, waiting[i])
		}
	}
	return out, nil
}

// PartnerName is the display name shown for userID. A failed or empty
// profile read degrades to a localized placeholder.
func (s *Service) PartnerName(ctx context.Context, userID string) string {
	if s.users != nil {
		u, err := s.users.GetUserByID(ctx, userID)
		if err == nil && u.DisplayName != "" {
			return u.DisplayName
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("partner profile read failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return s.loc.GetString(localization.LangFrom(ctx), localization.KeyPartnerFallback)
}

// ConnectUsers pairs a and b under a new call id. The partner row is claimed
// first, then a's own row; each claim only succeeds if the row is still
// waiting, unpaired and fresh. If the second claim fails the first is
// released again.
func (s *Service) ConnectUsers(ctx context.Context, a, b *models.Session) error {
	if a.ID == b.ID || a.UserID == b.UserID {
		return ErrSelfMatch
	}
	now := s.now()
	freshSince := now.Add(-s.window)
	callID := uuid.New().String()

	ok, err := s.sessions.ClaimSession(ctx, b.ID, a, callID, now, freshSince)
	if err != nil {
		return fmt.Errorf("claim %s: %w", b.ID, err)
	}
	if !ok {
		metrics.ClaimConflictsTotal.Inc()
		return ErrAlreadyClaimed
	}

	ok, err = s.sessions.ClaimSession(ctx, a.ID, b, callID, now, freshSince)
	if err != nil || !ok {
		metrics.PartialConnectsTotal.Inc()
		if _, rerr := s.sessions.ReleaseSession(ctx, b.ID, a.ID, now); rerr != nil {
			// Heartbeat self-heal on b will finish the job.
			s.log.Error("rollback of partner claim failed",
				zap.String("session_id", b.ID), zap.String("partner_session_id", a.ID), zap.Error(rerr))
		}
		if err != nil {
			return fmt.Errorf("%w: claim %s: %v", ErrPartialConnect, a.ID, err)
		}
		return fmt.Errorf("%w: %s was claimed concurrently", ErrPartialConnect, a.ID)
	}

	metrics.MatchesTotal.Inc()
	s.log.Info("sessions connected",
		zap.String("session_a", a.ID), zap.String("session_b", b.ID), zap.String("call_id", callID))
	s.publishByID(ctx, b.ID)
	s.publishByID(ctx, a.ID)
	return nil
}

// Search runs one scan-and-connect attempt for sessionID and returns the
// session afterwards. It is the only transition from waiting to chatting,
// used both by explicit requests and by the background Runner. A session
// that is already chatting is returned unchanged.
func (s *Service) Search(ctx context.Context, sessionID string) (*models.Session, error) {
	me, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	switch me.Status {
	case models.StatusEnded:
		return nil, storage.ErrSessionEnded
	case models.StatusChatting:
		return me, nil
	}

	candidates, err := s.candidates(ctx, me)
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		err := s.ConnectUsers(ctx, me, &candidates[i])
		switch {
		case err == nil, errors.Is(err, ErrPartialConnect):
			// On a partial connect someone else may have paired us; the
			// stored row is the answer either way.
			return s.sessions.GetSession(ctx, sessionID)
		case errors.Is(err, ErrAlreadyClaimed):
			continue
		default:
			return nil, err
		}
	}
	return me, nil
}

// SkipAndFindNext drops the current partner, remembers them so they are not
// offered again, and puts both sessions back into the waiting pool.
func (s *Service) SkipAndFindNext(ctx context.Context, sessionID string) (*models.Session, error) {
	me, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	partnerSession := me.PartnerSession()
	var partnerUser string
	if me.PartnerUserID != nil {
		partnerUser = *me.PartnerUserID
	}

	now := s.now()
	updated, err := s.sessions.ResetToWaiting(ctx, sessionID, now, partnerUser)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, updated, models.ChangeUpdate)
	s.releasePartner(ctx, partnerSession, sessionID, now)
	s.log.Info("session skipped partner", zap.String("session_id", sessionID), zap.String("partner_session_id", partnerSession))
	return updated, nil
}

// LeaveQueue ends the session and returns its partner, if any, to waiting.
func (s *Service) LeaveQueue(ctx context.Context, sessionID string) error {
	me, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	ended, err := s.sessions.EndSession(ctx, sessionID)
	if err != nil {
		return err
	}
	s.publish(ctx, ended, models.ChangeUpdate)
	s.releasePartner(ctx, me.PartnerSession(), sessionID, s.now())
	s.log.Info("session left", zap.String("session_id", sessionID))
	return nil
}

// Heartbeat refreshes last_active. A chatting session whose partner is
// missing, ended, stale or paired with someone else is reset to waiting.
func (s *Service) Heartbeat(ctx context.Context, sessionID string) (*models.Session, error) {
	now := s.now()
	me, err := s.sessions.TouchSession(ctx, sessionID, now)
	if err != nil {
		return nil, err
	}
	if me.Status != models.StatusChatting {
		return me, nil
	}

	partnerID := me.PartnerSession()
	partner, err := s.sessions.GetSession(ctx, partnerID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load partner %s: %w", partnerID, err)
	case partner.Status == models.StatusChatting && partner.PartnerSession() == me.ID &&
		partner.Call() == me.Call() && partner.Fresh(now, s.window):
		return me, nil
	}

	released, err := s.sessions.ReleaseSession(ctx, sessionID, partnerID, now)
	if err != nil {
		return nil, err
	}
	if released {
		metrics.SelfHealsTotal.Inc()
		s.log.Warn("partner reference not mutual, back to waiting",
			zap.String("session_id", sessionID), zap.String("partner_session_id", partnerID))
	}
	me, err = s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if released {
		s.publish(ctx, me, models.ChangeUpdate)
	}
	return me, nil
}

// CheckIfMatched returns the partner session when sessionID is chatting, or
// nil when it is not matched yet.
func (s *Service) CheckIfMatched(ctx context.Context, sessionID string) (*models.Session, error) {
	me, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if me.Status != models.StatusChatting || !me.HasPartner() {
		return nil, nil
	}
	partner, err := s.sessions.GetSession(ctx, me.PartnerSession())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return partner, err
}

// SweepStale ends every live session that missed its heartbeats and frees
// their partners. It returns how many sessions were ended.
func (s *Service) SweepStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = s.window
	}
	now := s.now()
	stale, err := s.sessions.EndStaleSessions(ctx, now.Add(-olderThan))
	if err != nil {
		return 0, err
	}
	for i := range stale {
		sess := stale[i]
		partnerID := sess.PartnerSession()
		sess.Status = models.StatusEnded
		sess.PartnerUserID, sess.PartnerSessionID = nil, nil
		s.publish(ctx, &sess, models.ChangeUpdate)
		s.releasePartner(ctx, partnerID, sess.ID, now)
	}
	if len(stale) > 0 {
		metrics.StaleSessionsEndedTotal.Add(float64(len(stale)))
		s.log.Info("stale sessions ended", zap.Int("count", len(stale)))
	}
	return len(stale), nil
}

// CountOnline counts sessions with a heartbeat inside the freshness window.
func (s *Service) CountOnline(ctx context.Context) (int64, error) {
	return s.sessions.CountOnline(ctx, s.now().Add(-s.window))
}

func (s *Service) releasePartner(ctx context.Context, partnerID, mySessionID string, now time.Time) {
	if partnerID == "" {
		return
	}
	ok, err := s.sessions.ReleaseSession(ctx, partnerID, mySessionID, now)
	if err != nil {
		s.log.Error("release partner failed", zap.String("session_id", partnerID), zap.Error(err))
		return
	}
	if ok {
		s.publishByID(ctx, partnerID)
	}
}

func (s *Service) publishByID(ctx context.Context, id string) {
	sess, err := s.sessions.GetSession(ctx, id)
	if err != nil {
		s.log.Warn("reload for publish failed", zap.String("session_id", id), zap.Error(err))
		return
	}
	s.publish(ctx, sess, models.ChangeUpdate)
}

// publish only logs failures; the row is already written.
func (s *Service) publish(ctx context.Context, sess *models.Session, typ models.ChangeType) {
	if s.broker == nil {
		return
	}
	err := realtime.PublishRow(ctx, s.broker, models.SessionChannel(sess.ID), models.TableSessions, typ, sess)
	if err != nil {
		s.log.Warn("publish session change failed", zap.String("session_id", sess.ID), zap.Error(err))
	}
}
