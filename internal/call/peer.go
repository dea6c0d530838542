package call

import (
	"fmt"

	"meetzap/backend/internal/logging"
	"meetzap/backend/internal/signaling"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// PeerFactory creates the peer connection of a call.
type PeerFactory interface {
	NewPeer() (signaling.PeerConnection, error)
}

// PionFactory builds pion peer connections with the given STUN/TURN URLs.
type PionFactory struct {
	ICEServers []string
	Logger     *zap.Logger
}

func (f PionFactory) NewPeer() (signaling.PeerConnection, error) {
	cfg := webrtc.Configuration{}
	if len(f.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: f.ICEServers}}
	}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	log := logging.OrNop(f.Logger)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Info("peer connection state", zap.Stringer("state", state))
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info("remote track", zap.String("kind", remote.Kind().String()), zap.String("codec", remote.Codec().MimeType))
	})
	return pc, nil
}
