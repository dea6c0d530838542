package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"meetzap/backend/internal/chathub"
	"meetzap/backend/internal/logging"
	"meetzap/backend/internal/models"
	"meetzap/backend/internal/realtime"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const streamBuffer = 256

var (
	// ErrStreamClosed is returned when using a closed Stream.
	ErrStreamClosed = errors.New("stream closed")
	// ErrRejected wraps the error text of a command the hub refused.
	ErrRejected = errors.New("hub rejected command")
)

// Stream is the client's end of the hub's WebSocket. It demultiplexes the
// pushed events into realtime subscriptions, so it can stand in for a
// broker wherever only Subscribe is needed.
type Stream struct {
	conn *websocket.Conn
	log  *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	subs    map[*streamSub]struct{}
	pending map[string]chan chathub.Frame
	nextRef atomic.Uint64
	closed  bool
	done    chan struct{}
}

// Dial opens the WebSocket feed with the client's token.
func (c *Client) Dial(ctx context.Context, log *zap.Logger) (*Stream, error) {
	u, err := url.Parse(c.baseURL + "/ws")
	if err != nil {
		return nil, fmt.Errorf("meetzap: ws url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.RawQuery = url.Values{"token": {c.Token()}}.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, &StatusError{StatusCode: resp.StatusCode, Method: "GET", Path: "/ws", Message: err.Error()}
		}
		return nil, fmt.Errorf("meetzap: dial ws: %w", err)
	}

	s := &Stream{
		conn:    conn,
		log:     logging.OrNop(log),
		subs:    make(map[*streamSub]struct{}),
		pending: make(map[string]chan chathub.Frame),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Watch asks the hub to forward the channels of sessionID. Once it returns,
// every later change of the session is pushed.
func (s *Stream) Watch(ctx context.Context, sessionID string) (*models.Session, error) {
	f, err := s.request(ctx, chathub.Command{Type: chathub.CmdWatch, SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	return f.Session, nil
}

// Heartbeat refreshes the watched session over the socket.
func (s *Stream) Heartbeat(ctx context.Context) (*models.Session, error) {
	f, err := s.request(ctx, chathub.Command{Type: chathub.CmdHeartbeat})
	if err != nil {
		return nil, err
	}
	return f.Session, nil
}

// request sends cmd and waits for the reply carrying its ref.
func (s *Stream) request(ctx context.Context, cmd chathub.Command) (chathub.Frame, error) {
	cmd.Ref = strconv.FormatUint(s.nextRef.Add(1), 10)
	reply := make(chan chathub.Frame, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return chathub.Frame{}, ErrStreamClosed
	}
	s.pending[cmd.Ref] = reply
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, cmd.Ref)
		s.mu.Unlock()
	}()

	s.writeMu.Lock()
	err := s.conn.WriteJSON(cmd)
	s.writeMu.Unlock()
	if err != nil {
		return chathub.Frame{}, fmt.Errorf("meetzap: send %s: %w", cmd.Type, err)
	}

	select {
	case f := <-reply:
		if f.Type == chathub.FrameError {
			return f, fmt.Errorf("%w: %s", ErrRejected, f.Error)
		}
		return f, nil
	case <-s.done:
		return chathub.Frame{}, ErrStreamClosed
	case <-ctx.Done():
		return chathub.Frame{}, ctx.Err()
	}
}

// Done is closed when the connection drops or Close is called.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Subscribe filters the stream down to channels.
func (s *Stream) Subscribe(_ context.Context, channels ...string) (realtime.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStreamClosed
	}
	sub := &streamSub{
		stream:   s,
		out:      make(chan realtime.Message, streamBuffer),
		channels: make(map[string]struct{}),
	}
	for _, ch := range channels {
		sub.channels[ch] = struct{}{}
	}
	s.subs[sub] = struct{}{}
	return sub, nil
}

func (s *Stream) readLoop() {
	defer s.shutdown()
	for {
		var f chathub.Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("ws read ended", zap.Error(err))
			}
			return
		}
		switch {
		case f.Type == chathub.FrameEvent && f.Event != nil:
			s.dispatch(realtime.Message{Channel: f.Channel, Event: *f.Event})
		case f.Ref != "":
			s.reply(f)
		case f.Type == chathub.FrameError:
			s.log.Warn("hub rejected frame", zap.String("error", f.Error))
		}
	}
}

func (s *Stream) dispatch(msg realtime.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		if _, ok := sub.channels[msg.Channel]; !ok {
			continue
		}
		select {
		case sub.out <- msg:
		default:
			s.log.Warn("stream subscriber is full, dropping event", zap.String("channel", msg.Channel))
		}
	}
}

func (s *Stream) reply(f chathub.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.pending[f.Ref]; ok {
		select {
		case ch <- f:
		default:
		}
	}
}

func (s *Stream) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	for sub := range s.subs {
		close(sub.out)
		delete(s.subs, sub)
	}
}

// Close sends a close frame and drops the connection.
func (s *Stream) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	err := s.conn.Close()
	s.shutdown()
	return err
}

type streamSub struct {
	stream   *Stream
	out      chan realtime.Message
	channels map[string]struct{}
}

func (u *streamSub) Events() <-chan realtime.Message { return u.out }

func (u *streamSub) Add(_ context.Context, channels ...string) error {
	u.stream.mu.Lock()
	defer u.stream.mu.Unlock()
	for _, ch := range channels {
		u.channels[ch] = struct{}{}
	}
	return nil
}

func (u *streamSub) Remove(_ context.Context, channels ...string) error {
	u.stream.mu.Lock()
	defer u.stream.mu.Unlock()
	for _, ch := range channels {
		delete(u.channels, ch)
	}
	return nil
}

func (u *streamSub) Close() error {
	s := u.stream
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[u]; ok {
		delete(s.subs, u)
		close(u.out)
	}
	return nil
}
