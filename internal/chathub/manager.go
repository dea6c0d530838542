// Package chathub keeps the WebSocket connections of one server node. Each
// client watches its session, and the hub forwards that session's realtime
// channels (session, incoming signals, current call chat) to it while
// routing the client's commands to the matchmaker, the signal relay and the
// chat service.
package chathub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"meetzap/backend/internal/logging"
	"meetzap/backend/internal/metrics"
	"meetzap/backend/internal/models"
	"meetzap/backend/internal/realtime"
	"meetzap/backend/internal/signaling"

	"go.uber.org/zap"
)

var (
	// ErrForbidden is returned when a client names a session it does not own.
	ErrForbidden = errors.New("session belongs to another user")
	// ErrNotWatching is returned for commands sent before a watch.
	ErrNotWatching = errors.New("no session watched")
	// ErrNotInCall is returned for chat sent while not chatting.
	ErrNotInCall = errors.New("session is not in a call")
	// ErrBadCommand is returned for unknown or incomplete commands.
	ErrBadCommand = errors.New("bad command")
)

// Sessions is the part of the matchmaker the hub needs.
type Sessions interface {
	Session(ctx context.Context, id string) (*models.Session, error)
	Heartbeat(ctx context.Context, id string) (*models.Session, error)
}

// Signals delivers call-setup signals.
type Signals interface {
	SendSignal(ctx context.Context, sig *models.Signal) error
}

// ChatSender stores and publishes chat messages.
type ChatSender interface {
	Send(ctx context.Context, msg *models.ChatMessage) error
}

// ManagerService is the hub. Register and unregister go through channels
// consumed by Run; routing state is guarded by mu so commands can be
// handled on the clients' own goroutines.
type ManagerService struct {
	mu       sync.RWMutex
	Clients  map[string]Client
	watchers map[string]map[Client]struct{}
	watching map[Client]map[string]struct{}

	RegisterCh   chan Client
	UnregisterCh chan Client
	done         chan struct{}
	doneOnce     sync.Once

	sub      realtime.Subscription
	sessions Sessions
	signals  Signals
	chat     ChatSender
	log      *zap.Logger
}

// NewManagerService opens the node's realtime subscription. Channels are
// added to it as clients watch sessions.
func NewManagerService(ctx context.Context, broker realtime.Broker, sessions Sessions, signals Signals, chat ChatSender, log *zap.Logger) (*ManagerService, error) {
	sub, err := broker.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	return &ManagerService{
		Clients:      make(map[string]Client),
		watchers:     make(map[string]map[Client]struct{}),
		watching:     make(map[Client]map[string]struct{}),
		RegisterCh:   make(chan Client),
		UnregisterCh: make(chan Client),
		done:         make(chan struct{}),
		sub:          sub,
		sessions:     sessions,
		signals:      signals,
		chat:         chat,
		log:          logging.OrNop(log),
	}, nil
}

// Run processes registrations and realtime events until ctx is done, then
// closes every client and the subscription.
func (m *ManagerService) Run(ctx context.Context) {
	defer m.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-m.RegisterCh:
			m.register(c)
		case c := <-m.UnregisterCh:
			m.remove(c)
		case msg, ok := <-m.sub.Events():
			if !ok {
				m.log.Warn("realtime subscription closed, hub stopping")
				return
			}
			m.deliver(ctx, msg)
		}
	}
}

// Unregister asks Run to drop c. It does not block once the hub has stopped.
func (m *ManagerService) Unregister(c Client) {
	select {
	case m.UnregisterCh <- c:
	case <-m.done:
	}
}

// Client returns the registered client of userID, if any.
func (m *ManagerService) Client(userID string) (Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.Clients[userID]
	return c, ok
}

// Watchers returns how many clients receive channel.
func (m *ManagerService) Watchers(channel string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.watchers[channel])
}

func (m *ManagerService) register(c Client) {
	m.mu.Lock()
	old := m.Clients[c.GetUserID()]
	m.Clients[c.GetUserID()] = c
	if _, ok := m.watching[c]; !ok {
		m.watching[c] = make(map[string]struct{})
		metrics.HubClients.Inc()
	}
	m.mu.Unlock()

	// One connection per user: a reconnect replaces the old one.
	if old != nil && old != c {
		m.remove(old)
	}
	c.Run()
	m.log.Debug("client registered", zap.String("user_id", c.GetUserID()))
}

func (m *ManagerService) remove(c Client) {
	m.mu.Lock()
	channels, ok := m.watching[c]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.watching, c)
	if m.Clients[c.GetUserID()] == c {
		delete(m.Clients, c.GetUserID())
	}
	var unused []string
	for ch := range channels {
		delete(m.watchers[ch], c)
		if len(m.watchers[ch]) == 0 {
			delete(m.watchers, ch)
			unused = append(unused, ch)
		}
	}
	m.mu.Unlock()

	if len(unused) > 0 {
		if err := m.sub.Remove(context.Background(), unused...); err != nil {
			m.log.Warn("realtime unsubscribe failed", zap.Strings("channels", unused), zap.Error(err))
		}
	}
	metrics.HubClients.Dec()
	c.Close()
	m.log.Debug("client unregistered", zap.String("user_id", c.GetUserID()))
}

func (m *ManagerService) shutdown() {
	m.doneOnce.Do(func() { close(m.done) })
	m.mu.RLock()
	clients := make([]Client, 0, len(m.watching))
	for c := range m.watching {
		clients = append(clients, c)
	}
	m.mu.RUnlock()
	for _, c := range clients {
		m.remove(c)
	}
	if err := m.sub.Close(); err != nil {
		m.log.Warn("closing realtime subscription", zap.Error(err))
	}
}

// watch adds channels for c and subscribes the node to the ones nobody on
// it was watching yet.
func (m *ManagerService) watch(ctx context.Context, c Client, channels ...string) error {
	m.mu.Lock()
	mine, ok := m.watching[c]
	if !ok {
		m.mu.Unlock()
		return ErrNotWatching
	}
	var fresh []string
	for _, ch := range channels {
		if m.watchers[ch] == nil {
			m.watchers[ch] = make(map[Client]struct{})
			fresh = append(fresh, ch)
		}
		m.watchers[ch][c] = struct{}{}
		mine[ch] = struct{}{}
	}
	m.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	return m.sub.Add(ctx, fresh...)
}

// deliver fans a realtime message out to its watchers. A client whose send
// buffer is full is dropped rather than stalling the hub.
func (m *ManagerService) deliver(ctx context.Context, msg realtime.Message) {
	ev := msg.Event
	frame := Frame{Type: FrameEvent, Channel: msg.Channel, Event: &ev}

	var slow, targets []Client
	m.mu.RLock()
	for c := range m.watchers[msg.Channel] {
		targets = append(targets, c)
		select {
		case c.GetSendChannel() <- frame:
		default:
			slow = append(slow, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range slow {
		m.log.Warn("client too slow, disconnecting", zap.String("user_id", c.GetUserID()))
		m.remove(c)
	}

	// A session turning to chatting means a new call: follow its chat.
	if ev.Table != models.TableSessions {
		return
	}
	var sess models.Session
	if err := json.Unmarshal(ev.Row, &sess); err != nil {
		m.log.Warn("malformed session event", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	if sess.Status != models.StatusChatting || sess.Call() == "" {
		return
	}
	for _, c := range targets {
		if c.GetSessionID() != sess.ID {
			continue
		}
		if err := m.watch(ctx, c, models.ChatChannel(sess.Call())); err != nil && !errors.Is(err, ErrNotWatching) {
			m.log.Warn("follow chat failed", zap.String("session_id", sess.ID), zap.Error(err))
		}
	}
}

// Handle executes one command of c and replies on its send channel.
func (m *ManagerService) Handle(ctx context.Context, c Client, cmd Command) {
	reply, err := m.handle(ctx, c, cmd)
	if err != nil {
		m.log.Debug("command rejected",
			zap.String("user_id", c.GetUserID()), zap.String("type", cmd.Type), zap.Error(err))
		reply = Frame{Type: FrameError, Error: err.Error()}
	}
	reply.Ref = cmd.Ref

	// Holding the read lock keeps remove from closing the channel under us.
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.watching[c]; !ok {
		return
	}
	select {
	case c.GetSendChannel() <- reply:
	default:
		m.log.Warn("reply dropped, client buffer full", zap.String("user_id", c.GetUserID()))
	}
}

func (m *ManagerService) handle(ctx context.Context, c Client, cmd Command) (Frame, error) {
	switch cmd.Type {
	case CmdWatch:
		sess, err := m.sessions.Session(ctx, cmd.SessionID)
		if err != nil {
			return Frame{}, err
		}
		if sess.UserID != c.GetUserID() {
			return Frame{}, ErrForbidden
		}
		c.SetSessionID(sess.ID)
		if err := m.watch(ctx, c, sessionChannels(sess)...); err != nil {
			return Frame{}, err
		}
		return Frame{Type: FrameSession, Session: sess}, nil

	case CmdHeartbeat:
		id := c.GetSessionID()
		if id == "" {
			return Frame{}, ErrNotWatching
		}
		sess, err := m.sessions.Heartbeat(ctx, id)
		if err != nil {
			return Frame{}, err
		}
		if err := m.watch(ctx, c, sessionChannels(sess)...); err != nil {
			return Frame{}, err
		}
		return Frame{Type: FrameSession, Session: sess}, nil

	case CmdSignal:
		id := c.GetSessionID()
		if id == "" {
			return Frame{}, ErrNotWatching
		}
		if cmd.Signal == nil {
			return Frame{}, ErrBadCommand
		}
		sess, err := m.sessions.Session(ctx, id)
		if err != nil {
			return Frame{}, err
		}
		sig := *cmd.Signal
		if err := signaling.Bind(sess, &sig); err != nil {
			return Frame{}, err
		}
		if err := m.signals.SendSignal(ctx, &sig); err != nil {
			return Frame{}, err
		}
		return Frame{Type: FrameAck}, nil

	case CmdChat:
		id := c.GetSessionID()
		if id == "" {
			return Frame{}, ErrNotWatching
		}
		if cmd.Message == nil {
			return Frame{}, ErrBadCommand
		}
		sess, err := m.sessions.Session(ctx, id)
		if err != nil {
			return Frame{}, err
		}
		if sess.Status != models.StatusChatting || sess.Call() == "" {
			return Frame{}, ErrNotInCall
		}
		msg := *cmd.Message
		msg.ID = 0
		msg.SessionID = sess.Call()
		msg.SenderID = c.GetUserID()
		if err := m.chat.Send(ctx, &msg); err != nil {
			return Frame{}, err
		}
		return Frame{Type: FrameAck}, nil
	}
	return Frame{}, ErrBadCommand
}

func sessionChannels(sess *models.Session) []string {
	channels := []string{models.SessionChannel(sess.ID), models.SignalChannel(sess.ID)}
	if sess.Status == models.StatusChatting && sess.Call() != "" {
		channels = append(channels, models.ChatChannel(sess.Call()))
	}
	return channels
}
