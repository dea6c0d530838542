package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"meetzap/backend/internal/api/handler"
	"meetzap/backend/internal/auth"
	"meetzap/backend/internal/chat"
	"meetzap/backend/internal/chathub"
	"meetzap/backend/internal/client"
	"meetzap/backend/internal/localization"
	"meetzap/backend/internal/matchmaker"
	"meetzap/backend/internal/models"
	"meetzap/backend/internal/preferences"
	"meetzap/backend/internal/realtime"
	"meetzap/backend/internal/signaling"
	"meetzap/backend/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := storage.NewMemoryStore()
	broker := realtime.NewLocalBroker(nil)
	loc := localization.FromMap(map[string]map[string]string{"en": {}})
	match := matchmaker.NewService(store, store, broker, matchmaker.Options{Localizer: loc})
	relay := signaling.NewRelay(store, broker, nil)
	chatSvc := chat.NewService(store, broker, loc, nil)
	prefs, err := preferences.NewFileRepository(t.TempDir())
	require.NoError(t, err)
	hub, err := chathub.NewManagerService(ctx, broker, match, relay, chatSvc, nil)
	require.NoError(t, err)
	go hub.Run(ctx)

	r := gin.New()
	handler.NewHandler(hub, auth.NewService(store, store, "secret", time.Hour), match, relay, chatSvc, prefs, loc, nil).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func filters(gender string) models.Filters {
	return models.Filters{Country: "BR", City: "Recife", Gender: gender, LookingFor: models.LookingAll, Age: 30, MinAge: 18, MaxAge: 99}
}

func recvEvent(t *testing.T, sub realtime.Subscription) realtime.Message {
	t.Helper()
	select {
	case msg, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return realtime.Message{}
	}
}

func TestClient_UnauthenticatedIsStatusError(t *testing.T) {
	srv := newServer(t)
	c := client.New(srv.URL)

	_, err := c.Me(context.Background())
	require.Error(t, err)
	assert.True(t, client.IsStatus(err, http.StatusUnauthorized))
}

func TestClient_MatchSignalAndChat(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()

	ana := client.New(srv.URL, client.WithLanguage("en"))
	_, err := ana.SignUp(ctx, "ana@example.com", "password123", "Ana")
	require.NoError(t, err)
	bob := client.New(srv.URL)
	_, err = bob.SignUp(ctx, "bob@example.com", "password123", "Bob")
	require.NoError(t, err)
	_, err = bob.SignIn(ctx, "bob@example.com", "password123")
	require.NoError(t, err)

	anaView, err := ana.StartSession(ctx, filters(models.GenderFemale))
	require.NoError(t, err)
	assert.Equal(t, anaView.Session.ID, ana.SessionID())

	bobView, err := bob.StartSession(ctx, filters(models.GenderMale))
	require.NoError(t, err)

	stream, err := ana.Dial(ctx, nil)
	require.NoError(t, err)
	defer stream.Close()
	sub, err := stream.Subscribe(ctx, models.SessionChannel(anaView.Session.ID), models.SignalChannel(anaView.Session.ID))
	require.NoError(t, err)
	watched, err := stream.Watch(ctx, anaView.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, watched.Status)

	_, err = stream.Watch(ctx, bobView.Session.ID)
	assert.ErrorIs(t, err, client.ErrRejected)

	_, err = ana.Heartbeat(ctx, anaView.Session.ID)
	require.NoError(t, err)

	matched, err := bob.Search(ctx, bobView.Session.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusChatting, matched.Session.Status)
	assert.Equal(t, "Ana", matched.PartnerName)
	callID := matched.CallID
	require.NotEmpty(t, callID)

	msg := recvEvent(t, sub)
	assert.Equal(t, models.SessionChannel(anaView.Session.ID), msg.Channel)
	assert.Equal(t, models.TableSessions, msg.Event.Table)

	sig := &models.Signal{FromSessionID: bobView.Session.ID, ToSessionID: anaView.Session.ID, Type: models.SignalOffer, Payload: []byte(`{"sdp":"v=0"}`)}
	require.NoError(t, bob.SendSignal(ctx, sig))
	assert.NotEmpty(t, sig.ID)
	assert.Equal(t, callID, sig.CallID)

	msg = recvEvent(t, sub)
	assert.Equal(t, models.SignalChannel(anaView.Session.ID), msg.Channel)

	pending, err := ana.Pending(ctx, anaView.Session.ID, callID, "")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, sig.ID, pending[0].ID)

	_, err = bob.SendChat(ctx, callID, "olá", "")
	require.NoError(t, err)
	msgs, err := ana.List(ctx, callID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "olá", msgs[0].Text)

	next, err := ana.SkipAndFindNext(ctx, anaView.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, next.Status)
	require.NoError(t, ana.LeaveQueue(ctx, anaView.Session.ID))

	online, err := bob.CountOnline(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, online)
}

func TestStream_CloseEndsSubscriptions(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	c := client.New(srv.URL)
	_, err := c.SignUp(ctx, "ana@example.com", "password123", "")
	require.NoError(t, err)

	stream, err := c.Dial(ctx, nil)
	require.NoError(t, err)
	sub, err := stream.Subscribe(ctx, "session:x")
	require.NoError(t, err)

	require.NoError(t, stream.Close())
	_, open := <-sub.Events()
	assert.False(t, open)
	_, err = stream.Watch(ctx, "x")
	assert.ErrorIs(t, err, client.ErrStreamClosed)
}
