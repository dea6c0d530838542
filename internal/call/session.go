// Package call runs one video call on the client: local media, the peer
// connection and its handshake, and the call's chat feed.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"meetzap/backend/internal/chat"
	"meetzap/backend/internal/logging"
	"meetzap/backend/internal/models"
	"meetzap/backend/internal/realtime"
	"meetzap/backend/internal/signaling"

	"go.uber.org/zap"
)

var (
	ErrNotChatting    = errors.New("session has no partner")
	ErrAlreadyStarted = errors.New("call already started")
	ErrTornDown       = errors.New("call already torn down")
)

// Subscriber opens realtime subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) (realtime.Subscription, error)
}

// SignalBacklog returns signals that arrived before the subscription.
type SignalBacklog interface {
	Pending(ctx context.Context, toSessionID, callID, afterID string) ([]models.Signal, error)
}

// Queue is the part of the matchmaker a call needs on exit.
type Queue interface {
	SkipAndFindNext(ctx context.Context, sessionID string) (*models.Session, error)
	LeaveQueue(ctx context.Context, sessionID string) error
}

// Deps are the collaborators of a Session. Backlog and Chat are optional.
type Deps struct {
	Media     MediaSource
	Peers     PeerFactory
	Transport signaling.Transport
	Realtime  Subscriber
	Backlog   SignalBacklog
	Chat      chat.Source
	Queue     Queue

	ChatPollInterval time.Duration
	// OnChat receives new chat messages from either the push or poll path.
	OnChat func([]models.ChatMessage)
	Logger *zap.Logger
}

// Session is one call between the local session and its partner. Every
// exit path (Skip, End, Close, or a failed Start) stops all local tracks,
// closes the peer connection and drops every subscription.
type Session struct {
	local  models.Session
	remote string
	callID string
	deps   Deps
	log    *zap.Logger

	mu        sync.Mutex
	started   bool
	torn      bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stream    *MediaStream
	pc        signaling.PeerConnection
	handshake *signaling.Handshake
	sub       realtime.Subscription
	feed      *chat.Feed
}

// New prepares a call for a chatting session. Nothing is acquired until Start.
func New(local *models.Session, deps Deps) (*Session, error) {
	if local.Status != models.StatusChatting || !local.HasPartner() || local.Call() == "" {
		return nil, ErrNotChatting
	}
	remote := local.PartnerSession()
	log := logging.OrNop(deps.Logger).With(zap.String("session_id", local.ID), zap.String("remote_session_id", remote))
	return &Session{
		local:  *local,
		remote: remote,
		callID: local.Call(),
		deps:   deps,
		log:    log,
	}, nil
}

// CallID scopes the call's chat and signals.
func (s *Session) CallID() string { return s.callID }

func (s *Session) Caller() bool { return models.IsCaller(s.local.ID, s.remote) }

// Start acquires media, builds the peer connection, subscribes to signals
// and chat, and sends the offer when this side is the caller. On any error
// everything acquired so far is released.
func (s *Session) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.torn {
		return ErrTornDown
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	defer func() {
		if err != nil {
			s.teardownLocked()
		}
	}()

	s.stream, err = s.deps.Media.Acquire(ctx)
	if err != nil {
		if !errors.Is(err, ErrMediaUnavailable) {
			err = fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
		}
		return err
	}

	s.pc, err = s.deps.Peers.NewPeer()
	if err != nil {
		return err
	}
	for _, t := range s.stream.Tracks {
		if _, err = s.pc.AddTrack(t.Local()); err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
	}

	s.handshake = signaling.NewHandshake(runCtx, s.pc, callTransport{s.deps.Transport, s.callID}, s.local.ID, s.remote, s.log)
	if s.deps.Chat != nil {
		s.feed = chat.NewFeed(s.deps.Chat, s.callID, s.local.UserID, s.log)
	}

	s.sub, err = s.deps.Realtime.Subscribe(ctx, models.SignalChannel(s.local.ID), models.ChatChannel(s.callID))
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.wg.Add(1)
	go s.pump(s.sub, s.handshake, s.feed)

	if s.deps.Backlog != nil {
		backlog, berr := s.deps.Backlog.Pending(ctx, s.local.ID, s.callID, "")
		if berr != nil {
			s.log.Warn("signal catch-up failed", zap.Error(berr))
		}
		for _, sig := range backlog {
			_ = s.handshake.HandleSignal(sig)
		}
	}

	if s.feed != nil {
		s.wg.Add(1)
		go func(feed *chat.Feed) {
			defer s.wg.Done()
			feed.Run(runCtx, s.deps.ChatPollInterval, s.deps.OnChat)
		}(s.feed)
	}

	if err = s.handshake.Start(); err != nil {
		return err
	}
	s.log.Info("call started", zap.Bool("caller", s.Caller()), zap.String("call_id", s.callID))
	return nil
}

// pump routes realtime events until the subscription closes.
func (s *Session) pump(sub realtime.Subscription, hs *signaling.Handshake, feed *chat.Feed) {
	defer s.wg.Done()
	for msg := range sub.Events() {
		switch msg.Event.Table {
		case models.TableSignals:
			var sig models.Signal
			if err := json.Unmarshal(msg.Event.Row, &sig); err != nil {
				s.log.Warn("undecodable signal row", zap.Error(err))
				continue
			}
			if sig.CallID != s.callID {
				continue
			}
			_ = hs.HandleSignal(sig)
		case models.TableChat:
			if feed == nil {
				continue
			}
			added, err := feed.HandleEvent(msg.Event)
			if err != nil {
				s.log.Warn("undecodable chat row", zap.Error(err))
				continue
			}
			if len(added) > 0 && s.deps.OnChat != nil {
				s.deps.OnChat(added)
			}
		}
	}
}

// callTransport stamps outgoing signals with the call they belong to.
type callTransport struct {
	signaling.Transport
	callID string
}

func (t callTransport) SendSignal(ctx context.Context, sig *models.Signal) error {
	sig.CallID = t.callID
	return t.Transport.SendSignal(ctx, sig)
}

// ToggleMute flips the audio tracks and reports whether audio is now muted.
func (s *Session) ToggleMute() bool { return s.toggle(KindAudio) }

// ToggleCamera flips the video tracks and reports whether video is now off.
func (s *Session) ToggleCamera() bool { return s.toggle(KindVideo) }

func (s *Session) toggle(kind string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return false
	}
	tracks := s.stream.Kind(kind)
	off := false
	for _, t := range tracks {
		t.SetEnabled(!t.Enabled())
		off = !t.Enabled()
	}
	return off
}

// Skip tears the call down and returns the session to the waiting pool.
func (s *Session) Skip(ctx context.Context) (*models.Session, error) {
	s.Close()
	return s.deps.Queue.SkipAndFindNext(ctx, s.local.ID)
}

// End tears the call down and leaves the queue.
func (s *Session) End(ctx context.Context) error {
	s.Close()
	return s.deps.Queue.LeaveQueue(ctx, s.local.ID)
}

// Close tears the call down without touching the session row. It is safe to
// call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	s.teardownLocked()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Session) teardownLocked() {
	if s.torn {
		return
	}
	s.torn = true
	if s.cancel != nil {
		s.cancel()
	}
	if s.handshake != nil {
		s.handshake.Close()
	}
	if s.sub != nil {
		if err := s.sub.Close(); err != nil {
			s.log.Warn("close subscription failed", zap.Error(err))
		}
	}
	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			s.log.Warn("close peer connection failed", zap.Error(err))
		}
	}
	s.stream.Stop()
	s.log.Info("call torn down")
}

// LiveTracks counts local tracks still capturing.
func (s *Session) LiveTracks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream.Live()
}

// HandshakeState is idle until Start.
func (s *Session) HandshakeState() signaling.State {
	s.mu.Lock()
	hs := s.handshake
	s.mu.Unlock()
	if hs == nil {
		return signaling.StateIdle
	}
	return hs.State()
}

// Chat is nil when the call was built without a chat source.
func (s *Session) Chat() *chat.Feed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feed
}
