package matchmaker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"meetzap/backend/internal/localization"
	"meetzap/backend/internal/matchmaker"
	"meetzap/backend/internal/models"
	"meetzap/backend/internal/realtime"
	"meetzap/backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store  *storage.MemoryStore
	broker *realtime.LocalBroker
	clock  *clock
	svc    *matchmaker.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := &clock{t: now}
	store := storage.NewMemoryStore()
	store.Now = c.Now
	broker := realtime.NewLocalBroker(nil)
	loc := localization.FromMap(map[string]map[string]string{
		"en": {localization.KeyPartnerFallback: "Partner"},
		"pt": {localization.KeyPartnerFallback: "Parceiro"},
	})
	svc := matchmaker.NewService(store, store, broker, matchmaker.Options{
		FreshnessWindow: window,
		Localizer:       loc,
		Now:             c.Now,
	})
	return &fixture{store: store, broker: broker, clock: c, svc: svc}
}

func (f *fixture) create(t *testing.T, userID string, filters models.Filters) *models.Session {
	t.Helper()
	s, err := f.svc.GetOrCreateSession(context.Background(), userID, filters)
	require.NoError(t, err)
	return s
}

func (f *fixture) get(t *testing.T, id string) *models.Session {
	t.Helper()
	s, err := f.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	return s
}

// assertConsistent checks the pairing invariants over every session.
func (f *fixture) assertConsistent(t *testing.T) {
	t.Helper()
	all, err := f.store.ListSessions(context.Background(), "", 0)
	require.NoError(t, err)
	byID := make(map[string]models.Session, len(all))
	for _, s := range all {
		byID[s.ID] = s
	}
	for _, s := range all {
		require.NoError(t, s.CheckInvariant())
		if s.Status == models.StatusChatting {
			p, ok := byID[s.PartnerSession()]
			require.True(t, ok, "partner of %s missing", s.ID)
			assert.Equal(t, s.ID, p.PartnerSession(), "partner of %s does not point back", s.ID)
			assert.Equal(t, models.StatusChatting, p.Status)
			assert.Equal(t, s.Call(), p.Call(), "partners of %s disagree on the call", s.ID)
		}
	}
}

func TestGetOrCreateSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.create(t, "u1", s1Filters())
	assert.Equal(t, models.StatusWaiting, s.Status)
	assert.False(t, s.HasPartner())

	f.clock.Advance(10 * time.Second)
	again, err := f.svc.GetOrCreateSession(ctx, "u1", s2Filters())
	require.NoError(t, err)
	assert.Equal(t, s.ID, again.ID, "an active session is reused")
	assert.Equal(t, f.clock.Now(), again.LastActive)

	require.NoError(t, f.svc.LeaveQueue(ctx, s.ID))
	fresh := f.create(t, "u1", s1Filters())
	assert.NotEqual(t, s.ID, fresh.ID)
}

func TestGetOrCreateSession_InvalidFilters(t *testing.T) {
	f := newFixture(t)
	bad := s1Filters()
	bad.Age = 16

	_, err := f.svc.GetOrCreateSession(context.Background(), "u1", bad)
	assert.ErrorIs(t, err, models.ErrInvalidFilters)
}

func TestLeaveQueue_PublishesUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t, "u1", s1Filters())

	sub, err := f.broker.Subscribe(ctx, models.SessionChannel(s.ID))
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, f.svc.LeaveQueue(ctx, s.ID))

	select {
	case msg := <-sub.Events():
		assert.Equal(t, models.ChangeUpdate, msg.Event.Type)
		assert.Equal(t, models.TableSessions, msg.Event.Table)
		assert.Contains(t, string(msg.Event.Row), `"status":"ended"`)
	case <-time.After(time.Second):
		t.Fatal("no session update published")
	}
}

func TestFindCompatiblePartner_StrictPair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s1 := f.create(t, "u1", s1Filters())
	s2 := f.create(t, "u2", s2Filters())

	c, err := f.svc.FindCompatiblePartner(ctx, s1)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, s2.ID, c.Session.ID)

	c, err = f.svc.FindCompatiblePartner(ctx, s2)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, s1.ID, c.Session.ID)
}

func TestFindCompatiblePartner_NoLocalCandidate(t *testing.T) {
	f := newFixture(t)
	s1 := f.create(t, "u1", s1Filters())
	other := s2Filters()
	other.Country = "Y"
	f.create(t, "u2", other)

	c, err := f.svc.FindCompatiblePartner(context.Background(), s1)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestFindCompatiblePartner_ExcludesStale(t *testing.T) {
	f := newFixture(t)
	f.create(t, "u2", s2Filters())
	f.clock.Advance(window + time.Second)
	s1 := f.create(t, "u1", s1Filters())

	c, err := f.svc.FindCompatiblePartner(context.Background(), s1)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestFindCompatiblePartner_OldestFirst(t *testing.T) {
	f := newFixture(t)
	older := f.create(t, "u2", s2Filters())
	f.clock.Advance(5 * time.Second)
	f.create(t, "u3", s2Filters())
	f.clock.Advance(5 * time.Second)
	s1 := f.create(t, "u1", s1Filters())

	c, err := f.svc.FindCompatiblePartner(context.Background(), s1)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, older.ID, c.Session.ID)
}

func TestFindCompatiblePartner_DisplayName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateUser(ctx, &models.User{ID: "u2", Email: "b@example.com", DisplayName: "Bia"}))
	f.create(t, "u2", s2Filters())
	f.clock.Advance(time.Second)
	f.create(t, "u3", s2Filters())
	f.clock.Advance(time.Second)
	s1 := f.create(t, "u1", s1Filters())

	c, err := f.svc.FindCompatiblePartner(ctx, s1)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "Bia", c.DisplayName)

	// u3 has no profile: the placeholder is localized.
	assert.Equal(t, "Parceiro", f.svc.PartnerName(localization.WithLang(ctx, "pt"), "u3"))
	assert.Equal(t, "Partner", f.svc.PartnerName(ctx, "u3"))
}

func TestConnectUsers_PairsBothSides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s1 := f.create(t, "u1", s1Filters())
	s2 := f.create(t, "u2", s2Filters())

	f.clock.Advance(time.Second)
	require.NoError(t, f.svc.ConnectUsers(ctx, s1, s2))

	a, b := f.get(t, s1.ID), f.get(t, s2.ID)
	assert.Equal(t, models.StatusChatting, a.Status)
	assert.Equal(t, s2.ID, a.PartnerSession())
	assert.Equal(t, "u2", *a.PartnerUserID)
	assert.Equal(t, s1.ID, b.PartnerSession())
	assert.NotEmpty(t, a.Call())
	assert.Equal(t, a.Call(), b.Call(), "both sides share one call id")
	assert.Equal(t, f.clock.Now(), a.LastActive)
	f.assertConsistent(t)
}

func TestConnectUsers_RefusesSelf(t *testing.T) {
	f := newFixture(t)
	s1 := f.create(t, "u1", s1Filters())
	assert.ErrorIs(t, f.svc.ConnectUsers(context.Background(), s1, s1), matchmaker.ErrSelfMatch)
}

func TestConnectUsers_ConcurrentClaimsOnSameCandidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := f.create(t, "u-target", s2Filters())

	const searchers = 8
	sessions := make([]*models.Session, searchers)
	for i := range sessions {
		sessions[i] = f.create(t, "u-"+string(rune('a'+i)), s1Filters())
	}

	var wg sync.WaitGroup
	errs := make([]error, searchers)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.svc.ConnectUsers(ctx, sessions[i], target)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, matchmaker.ErrAlreadyClaimed)
	}
	assert.Equal(t, 1, wins, "exactly one searcher may pair with the target")
	f.assertConsistent(t)
}

// failingClaims makes every claim on one session id fail.
type failingClaims struct {
	*storage.MemoryStore
	failID string
	err    error
}

func (s *failingClaims) ClaimSession(ctx context.Context, id string, partner *models.Session, callID string, now, freshSince time.Time) (bool, error) {
	if id == s.failID {
		return false, s.err
	}
	return s.MemoryStore.ClaimSession(ctx, id, partner, callID, now, freshSince)
}

func TestConnectUsers_RollsBackPartialConnect(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
	}{
		{"self claim error", errors.New("connection reset")},
		{"self claimed concurrently", nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			s1 := f.create(t, "u1", s1Filters())
			s2 := f.create(t, "u2", s2Filters())

			store := &failingClaims{MemoryStore: f.store, failID: s1.ID, err: tc.err}
			svc := matchmaker.NewService(store, store, f.broker, matchmaker.Options{FreshnessWindow: window, Now: f.clock.Now})

			err := svc.ConnectUsers(ctx, s1, s2)
			assert.ErrorIs(t, err, matchmaker.ErrPartialConnect)

			b := f.get(t, s2.ID)
			assert.Equal(t, models.StatusWaiting, b.Status, "partner claim is rolled back")
			assert.False(t, b.HasPartner())
			f.assertConsistent(t)
		})
	}
}

func TestSearch_ConnectsAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s1 := f.create(t, "u1", s1Filters())
	s2 := f.create(t, "u2", s2Filters())

	got, err := f.svc.Search(ctx, s1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusChatting, got.Status)
	assert.Equal(t, s2.ID, got.PartnerSession())

	again, err := f.svc.Search(ctx, s2.ID)
	require.NoError(t, err)
	assert.Equal(t, s1.ID, again.PartnerSession())
	f.assertConsistent(t)
}

func TestSearch_NoCandidateStaysWaiting(t *testing.T) {
	f := newFixture(t)
	s1 := f.create(t, "u1", s1Filters())

	got, err := f.svc.Search(context.Background(), s1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, got.Status)
}

func TestSearch_EndedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s1 := f.create(t, "u1", s1Filters())
	require.NoError(t, f.svc.LeaveQueue(ctx, s1.ID))

	_, err := f.svc.Search(ctx, s1.ID)
	assert.ErrorIs(t, err, storage.ErrSessionEnded)
}

func TestSkipAndFindNext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s1 := f.create(t, "u1", s1Filters())
	s2 := f.create(t, "u2", s2Filters())
	require.NoError(t, f.svc.ConnectUsers(ctx, s1, s2))

	updated, err := f.svc.SkipAndFindNext(ctx, s1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, updated.Status)
	assert.False(t, updated.HasPartner())
	assert.True(t, updated.Skipped("u2"))

	partner := f.get(t, s2.ID)
	assert.Equal(t, models.StatusWaiting, partner.Status, "the former partner goes back to the pool")
	f.assertConsistent(t)

	c, err := f.svc.FindCompatiblePartner(ctx, updated)
	require.NoError(t, err)
	if c != nil {
		assert.NotEqual(t, s1.ID, c.Session.ID)
		assert.NotEqual(t, s2.ID, c.Session.ID, "a skipped partner is not offered again")
	}

	s3 := f.create(t, "u3", s2Filters())
	c, err = f.svc.FindCompatiblePartner(ctx, updated)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, s3.ID, c.Session.ID)
}

func TestSkipAndFindNext_RematchGetsNewCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s1 := f.create(t, "u1", s1Filters())
	s2 := f.create(t, "u2", s2Filters())
	require.NoError(t, f.svc.ConnectUsers(ctx, s1, s2))
	first := f.get(t, s1.ID).Call()

	updated, err := f.svc.SkipAndFindNext(ctx, s1.ID)
	require.NoError(t, err)
	assert.Empty(t, updated.Call())
	assert.Empty(t, f.get(t, s2.ID).Call())

	s3 := f.create(t, "u3", s2Filters())
	require.NoError(t, f.svc.ConnectUsers(ctx, updated, s3))

	second := f.get(t, s1.ID).Call()
	assert.NotEmpty(t, second)
	assert.NotEqual(t, first, second, "the same session starts a new call")
	assert.Equal(t, second, f.get(t, s3.ID).Call())
	f.assertConsistent(t)
}

func TestSkipAndFindNext_NeverReturnsSelf(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fa := s1Filters()
	fa.ExpandSearch = true
	fa.LookingFor = models.LookingAll
	s1 := f.create(t, "u1", fa)

	updated, err := f.svc.SkipAndFindNext(ctx, s1.ID)
	require.NoError(t, err)
	c, err := f.svc.FindCompatiblePartner(ctx, updated)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestLeaveQueue_FreesPartner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s1 := f.create(t, "u1", s1Filters())
	s2 := f.create(t, "u2", s2Filters())
	require.NoError(t, f.svc.ConnectUsers(ctx, s1, s2))

	require.NoError(t, f.svc.LeaveQueue(ctx, s1.ID))

	assert.Equal(t, models.StatusEnded, f.get(t, s1.ID).Status)
	assert.Equal(t, models.StatusWaiting, f.get(t, s2.ID).Status)
	f.assertConsistent(t)

	assert.ErrorIs(t, f.svc.LeaveQueue(ctx, "missing"), storage.ErrNotFound)
}

func TestHeartbeat_SelfHealsOneSidedPair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, ps := "u2", "s2"
	f.store.PutSession(&models.Session{ID: "s1", UserID: "u1", Status: models.StatusChatting, PartnerUserID: &p, PartnerSessionID: &ps, LastActive: now})
	f.store.PutSession(&models.Session{ID: "s2", UserID: "u2", Status: models.StatusWaiting, LastActive: now})

	got, err := f.svc.Heartbeat(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, got.Status)
	assert.False(t, got.HasPartner())
	f.assertConsistent(t)
}

func TestHeartbeat_SelfHealsWhenPartnerMissingOrStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, ps := "u9", "gone"
	f.store.PutSession(&models.Session{ID: "s1", UserID: "u1", Status: models.StatusChatting, PartnerUserID: &p, PartnerSessionID: &ps, LastActive: now})

	got, err := f.svc.Heartbeat(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, got.Status)

	s1 := f.create(t, "u3", s1Filters())
	s2 := f.create(t, "u4", s2Filters())
	require.NoError(t, f.svc.ConnectUsers(ctx, s1, s2))
	f.clock.Advance(window + time.Second)

	got, err = f.svc.Heartbeat(ctx, s1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, got.Status, "a partner that stopped heartbeating is dropped")
}

func TestHeartbeat_KeepsHealthyPair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s1 := f.create(t, "u1", s1Filters())
	s2 := f.create(t, "u2", s2Filters())
	require.NoError(t, f.svc.ConnectUsers(ctx, s1, s2))
	f.clock.Advance(20 * time.Second)

	got, err := f.svc.Heartbeat(ctx, s1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusChatting, got.Status)
	assert.Equal(t, f.clock.Now(), got.LastActive)
}

func TestHeartbeat_EndedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s1 := f.create(t, "u1", s1Filters())
	require.NoError(t, f.svc.LeaveQueue(ctx, s1.ID))

	_, err := f.svc.Heartbeat(ctx, s1.ID)
	assert.ErrorIs(t, err, storage.ErrSessionEnded)
}

func TestCheckIfMatched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s1 := f.create(t, "u1", s1Filters())

	p, err := f.svc.CheckIfMatched(ctx, s1.ID)
	require.NoError(t, err)
	assert.Nil(t, p)

	s2 := f.create(t, "u2", s2Filters())
	require.NoError(t, f.svc.ConnectUsers(ctx, s1, s2))
	p, err = f.svc.CheckIfMatched(ctx, s1.ID)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, s2.ID, p.ID)
}

func TestSweepStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s1 := f.create(t, "u1", s1Filters())
	s2 := f.create(t, "u2", s2Filters())
	require.NoError(t, f.svc.ConnectUsers(ctx, s1, s2))

	f.clock.Advance(40 * time.Second)
	_, err := f.svc.Heartbeat(ctx, s2.ID)
	require.NoError(t, err)
	f.clock.Advance(30 * time.Second)

	n, err := f.svc.SweepStale(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.StatusEnded, f.get(t, s1.ID).Status)
	assert.Equal(t, models.StatusWaiting, f.get(t, s2.ID).Status)
	f.assertConsistent(t)

	online, err := f.svc.CountOnline(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, online)
}
