package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"meetzap/backend/internal/logging"
	"meetzap/backend/internal/models"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

var (
	ErrForeignSignal   = errors.New("signal from a session outside this call")
	ErrUnexpectedState = errors.New("signal not expected in this state")
	ErrMalformed       = errors.New("malformed signal payload")
	ErrClosed          = errors.New("handshake closed")
)

// State is the handshake state.
type State int

const (
	StateIdle State = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
	StateStable
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHaveLocalOffer:
		return "have-local-offer"
	case StateHaveRemoteOffer:
		return "have-remote-offer"
	case StateStable:
		return "stable"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handshake runs the two-party offer/answer exchange for one call.
//
// The caller (see models.IsCaller) goes idle -> have-local-offer -> stable,
// the answerer idle -> have-remote-offer -> stable. ICE candidates that
// arrive before a remote description are queued and applied in arrival
// order once one is set. Signals that do not fit are logged and dropped;
// nothing is retried.
type Handshake struct {
	mu     sync.Mutex
	ctx    context.Context
	pc     PeerConnection
	tr     Transport
	local  string
	remote string
	state  State
	queue  []webrtc.ICECandidateInit
	seen   map[string]struct{}
	closed bool
	log    *zap.Logger
}

// NewHandshake wires pc's local ICE candidates to tr. ctx bounds every send
// the handshake makes, including those triggered by pion callbacks.
func NewHandshake(ctx context.Context, pc PeerConnection, tr Transport, localSessionID, remoteSessionID string, log *zap.Logger) *Handshake {
	h := &Handshake{
		ctx:    ctx,
		pc:     pc,
		tr:     tr,
		local:  localSessionID,
		remote: remoteSessionID,
		seen:   make(map[string]struct{}),
		log: logging.OrNop(log).With(
			zap.String("session_id", localSessionID),
			zap.String("remote_session_id", remoteSessionID)),
	}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := h.send(models.SignalICE, c.ToJSON()); err != nil {
			h.log.Warn("send ice candidate failed", zap.Error(err))
		}
	})
	return h
}

// Caller reports whether this side creates the offer.
func (h *Handshake) Caller() bool { return models.IsCaller(h.local, h.remote) }

func (h *Handshake) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Queued returns how many remote candidates wait for a remote description.
func (h *Handshake) Queued() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

// Start sends the offer on the caller side and does nothing on the answerer.
func (h *Handshake) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if !h.Caller() || h.state != StateIdle {
		return nil
	}

	offer, err := h.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := h.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	if err := h.send(models.SignalOffer, offer); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	h.state = StateHaveLocalOffer
	h.log.Debug("offer sent")
	return nil
}

// HandleSignal applies one incoming signal. A signal seen before (same id)
// is ignored, so the realtime push and a catch-up read may overlap. The
// returned error has already been logged.
func (h *Handshake) HandleSignal(sig models.Signal) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	err := h.handle(sig)
	if err != nil {
		h.log.Warn("signal dropped",
			zap.String("signal_id", sig.ID),
			zap.String("type", string(sig.Type)),
			zap.Stringer("state", h.state),
			zap.Error(err))
	}
	return err
}

func (h *Handshake) handle(sig models.Signal) error {
	if h.closed {
		return ErrClosed
	}
	if sig.FromSessionID != h.remote || sig.ToSessionID != h.local {
		return ErrForeignSignal
	}
	if sig.ID != "" {
		if _, dup := h.seen[sig.ID]; dup {
			return nil
		}
		h.seen[sig.ID] = struct{}{}
	}

	switch sig.Type {
	case models.SignalOffer:
		return h.onOffer(sig.Payload)
	case models.SignalAnswer:
		return h.onAnswer(sig.Payload)
	case models.SignalICE:
		return h.onICE(sig.Payload)
	default:
		return fmt.Errorf("%w: type %q", ErrMalformed, sig.Type)
	}
}

func (h *Handshake) onOffer(payload []byte) error {
	if h.state != StateIdle {
		return fmt.Errorf("%w: offer in %s", ErrUnexpectedState, h.state)
	}
	desc, err := parseDescription(payload, webrtc.SDPTypeOffer)
	if err != nil {
		return err
	}
	if err := h.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	h.state = StateHaveRemoteOffer
	h.flush()

	answer, err := h.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := h.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	if err := h.send(models.SignalAnswer, answer); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	h.state = StateStable
	h.log.Debug("answer sent")
	return nil
}

func (h *Handshake) onAnswer(payload []byte) error {
	if h.state != StateHaveLocalOffer {
		return fmt.Errorf("%w: answer in %s", ErrUnexpectedState, h.state)
	}
	desc, err := parseDescription(payload, webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}
	if err := h.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	h.state = StateStable
	h.flush()
	return nil
}

func (h *Handshake) onICE(payload []byte) error {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &c); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if c.Candidate == "" {
		return fmt.Errorf("%w: empty candidate", ErrMalformed)
	}
	if h.pc.RemoteDescription() == nil {
		h.queue = append(h.queue, c)
		return nil
	}
	if err := h.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// flush applies queued candidates in arrival order. A candidate the peer
// connection rejects is logged and skipped.
func (h *Handshake) flush() {
	for _, c := range h.queue {
		if err := h.pc.AddICECandidate(c); err != nil {
			h.log.Warn("queued ice candidate rejected", zap.Error(err))
		}
	}
	h.queue = nil
}

// Close stops the handshake; later signals are dropped. It does not close
// the peer connection.
func (h *Handshake) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.queue = nil
}

func (h *Handshake) send(typ models.SignalType, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.tr.SendSignal(h.ctx, &models.Signal{
		FromSessionID: h.local,
		ToSessionID:   h.remote,
		Type:          typ,
		Payload:       datatypes.JSON(raw),
	})
}

func parseDescription(payload []byte, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return desc, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if desc.Type != want || desc.SDP == "" {
		return desc, fmt.Errorf("%w: want %s description", ErrMalformed, want)
	}
	return desc, nil
}
