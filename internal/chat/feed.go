package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"meetzap/backend/internal/config"
	"meetzap/backend/internal/logging"
	"meetzap/backend/internal/models"

	"go.uber.org/zap"
)

// Feed is the client view of one call's chat. Realtime events and polling
// both go through Merge, so a message seen on both paths shows once.
type Feed struct {
	mu     sync.Mutex
	callID string
	selfID string
	msgs   []models.ChatMessage
	seen   map[uint]struct{}
	open   bool
	unread int

	src Source
	log *zap.Logger
}

// NewFeed starts collapsed. selfID is the local user; their own messages
// never count as unread.
func NewFeed(src Source, callID, selfID string, log *zap.Logger) *Feed {
	return &Feed{
		callID: callID,
		selfID: selfID,
		seen:   make(map[uint]struct{}),
		src:    src,
		log:    logging.OrNop(log),
	}
}

// Merge adds messages not seen before and returns them in display order.
// Messages of other calls are ignored.
func (f *Feed) Merge(msgs ...models.ChatMessage) []models.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	var added []models.ChatMessage
	for _, m := range msgs {
		if m.SessionID != f.callID {
			continue
		}
		if _, ok := f.seen[m.ID]; ok {
			continue
		}
		f.seen[m.ID] = struct{}{}
		f.msgs = append(f.msgs, m)
		added = append(added, m)
		if !f.open && m.SenderID != f.selfID {
			f.unread++
		}
	}
	if len(added) > 0 {
		sortMessages(f.msgs)
		sortMessages(added)
	}
	return added
}

// HandleEvent merges a chat row pushed over the realtime feed.
func (f *Feed) HandleEvent(ev models.ChangeEvent) ([]models.ChatMessage, error) {
	if ev.Table != models.TableChat || ev.Type != models.ChangeInsert {
		return nil, nil
	}
	var m models.ChatMessage
	if err := json.Unmarshal(ev.Row, &m); err != nil {
		return nil, fmt.Errorf("decode chat row: %w", err)
	}
	return f.Merge(m), nil
}

// Poll fetches the newest messages once and merges them.
func (f *Feed) Poll(ctx context.Context) ([]models.ChatMessage, error) {
	msgs, err := f.src.List(ctx, f.callID, config.ChatFetchLimit)
	if err != nil {
		return nil, err
	}
	return f.Merge(msgs...), nil
}

// Run polls every interval until ctx is done, handing new messages to
// onNew. onNew may be nil.
func (f *Feed) Run(ctx context.Context, interval time.Duration, onNew func([]models.ChatMessage)) {
	if interval <= 0 {
		interval = config.ChatPollInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		added, err := f.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			f.log.Warn("chat poll failed", zap.String("call_id", f.callID), zap.Error(err))
		}
		if len(added) > 0 && onNew != nil {
			onNew(added)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Messages returns a copy in display order: oldest first, newest last.
func (f *Feed) Messages() []models.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ChatMessage(nil), f.msgs...)
}

func (f *Feed) Unread() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread
}

// Open expands the panel and clears the unread counter.
func (f *Feed) Open() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = true
	f.unread = 0
}

// Collapse hides the panel; partner messages count as unread again.
func (f *Feed) Collapse() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
}

func sortMessages(msgs []models.ChatMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}
