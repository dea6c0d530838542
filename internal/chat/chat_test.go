package chat_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"meetzap/backend/internal/chat"
	"meetzap/backend/internal/localization"
	"meetzap/backend/internal/models"
	"meetzap/backend/internal/realtime"
	"meetzap/backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

func newService() (*chat.Service, *storage.MemoryStore, *realtime.LocalBroker) {
	store := storage.NewMemoryStore()
	broker := realtime.NewLocalBroker(nil)
	loc := localization.FromMap(map[string]map[string]string{
		"en": {localization.KeyAnonymousSender: "Anonymous"},
		"pt": {localization.KeyAnonymousSender: "Anônimo"},
	})
	return chat.NewService(store, broker, loc, nil), store, broker
}

func TestService_SendValidates(t *testing.T) {
	svc, _, _ := newService()
	ctx := context.Background()

	assert.ErrorIs(t, svc.Send(ctx, &models.ChatMessage{SessionID: "call", Text: "   "}), chat.ErrEmptyMessage)
	assert.ErrorIs(t, svc.Send(ctx, &models.ChatMessage{Text: "hi"}), chat.ErrNoCall)
	assert.ErrorIs(t, svc.Send(ctx, &models.ChatMessage{SessionID: "call", Text: strings.Repeat("é", 1001)}), chat.ErrMessageTooLong)
	assert.NoError(t, svc.Send(ctx, &models.ChatMessage{SessionID: "call", Text: strings.Repeat("é", 1000)}))
}

func TestService_SendDefaultsNameAndPublishes(t *testing.T) {
	svc, _, broker := newService()
	ctx := localization.WithLang(context.Background(), "pt")

	sub, err := broker.Subscribe(ctx, models.ChatChannel("call"))
	require.NoError(t, err)
	defer sub.Close()

	msg := &models.ChatMessage{SessionID: "call", SenderID: "u1", Text: "  olá "}
	require.NoError(t, svc.Send(ctx, msg))
	assert.Equal(t, "olá", msg.Text)
	assert.Equal(t, "Anônimo", msg.SenderName)
	assert.NotZero(t, msg.ID)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, models.TableChat, ev.Event.Table)
		assert.Contains(t, string(ev.Event.Row), `"message":"olá"`)
	case <-time.After(time.Second):
		t.Fatal("chat message not published")
	}
}

func TestService_ListNewestAscending(t *testing.T) {
	svc, store, _ := newService()
	ctx := context.Background()
	for i := 0; i < 60; i++ {
		require.NoError(t, store.SaveChatMessage(ctx, &models.ChatMessage{
			SessionID: "call", SenderID: "u1", Text: "m", CreatedAt: t0.Add(time.Duration(i) * time.Second),
		}))
	}

	msgs, err := svc.List(ctx, "call", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 50)
	assert.Equal(t, t0.Add(10*time.Second), msgs[0].CreatedAt)
	assert.Equal(t, t0.Add(59*time.Second), msgs[49].CreatedAt)
}

func msg(id uint, sender string, at time.Duration) models.ChatMessage {
	return models.ChatMessage{ID: id, SessionID: "call", SenderID: sender, Text: "x", CreatedAt: t0.Add(at)}
}

func TestFeed_MergeDedupesAndOrders(t *testing.T) {
	f := chat.NewFeed(nil, "call", "me", nil)

	added := f.Merge(msg(2, "them", 2*time.Second), msg(1, "me", time.Second))
	assert.Len(t, added, 2)
	added = f.Merge(msg(1, "me", time.Second), msg(3, "them", 3*time.Second))
	require.Len(t, added, 1)
	assert.EqualValues(t, 3, added[0].ID)

	f.Merge(models.ChatMessage{ID: 9, SessionID: "other-call"})

	var ids []uint
	for _, m := range f.Messages() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []uint{1, 2, 3}, ids, "newest last")
}

func TestFeed_UnreadCounter(t *testing.T) {
	f := chat.NewFeed(nil, "call", "me", nil)

	f.Merge(msg(1, "them", 0), msg(2, "me", time.Second), msg(3, "them", 2*time.Second))
	assert.Equal(t, 2, f.Unread(), "own messages are never unread")

	f.Open()
	assert.Zero(t, f.Unread())
	f.Merge(msg(4, "them", 3*time.Second))
	assert.Zero(t, f.Unread(), "nothing is unread while open")

	f.Collapse()
	f.Merge(msg(4, "them", 3*time.Second), msg(5, "them", 4*time.Second))
	assert.Equal(t, 1, f.Unread(), "a duplicate is not counted twice")
}

func TestFeed_PushAndPollShareMerge(t *testing.T) {
	svc, _, _ := newService()
	ctx := context.Background()
	f := chat.NewFeed(svc, "call", "me", nil)

	m := &models.ChatMessage{SessionID: "call", SenderID: "them", SenderName: "Bia", Text: "oi"}
	require.NoError(t, svc.Send(ctx, m))

	ev, err := models.NewChangeEvent(models.TableChat, models.ChangeInsert, m)
	require.NoError(t, err)
	added, err := f.HandleEvent(ev)
	require.NoError(t, err)
	assert.Len(t, added, 1)

	added, err = f.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, added, "the polled copy of a pushed message is dropped")
	assert.Len(t, f.Messages(), 1)
	assert.Equal(t, 1, f.Unread())
}

func TestFeed_RunPollsUntilCancelled(t *testing.T) {
	svc, _, _ := newService()
	ctx, cancel := context.WithCancel(context.Background())
	f := chat.NewFeed(svc, "call", "me", nil)

	var mu sync.Mutex
	var got []models.ChatMessage
	done := make(chan struct{})
	go func() {
		f.Run(ctx, 10*time.Millisecond, func(added []models.ChatMessage) {
			mu.Lock()
			got = append(got, added...)
			mu.Unlock()
		})
		close(done)
	}()

	require.NoError(t, svc.Send(context.Background(), &models.ChatMessage{SessionID: "call", SenderID: "them", Text: "hello"}))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("feed did not stop")
	}
}
