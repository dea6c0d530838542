package signaling

import "github.com/pion/webrtc/v4"

// PeerConnection is the part of *webrtc.PeerConnection the handshake and
// the call session use.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	Close() error
}

var _ PeerConnection = (*webrtc.PeerConnection)(nil)
