package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// ErrMediaUnavailable means camera or microphone could not be acquired.
var ErrMediaUnavailable = errors.New("media unavailable")

const (
	KindAudio = "audio"
	KindVideo = "video"
)

// Track is one local media track. Disabling it keeps it attached to the
// peer connection but stops sending.
type Track struct {
	kind    string
	local   webrtc.TrackLocal
	enabled atomic.Bool
	stopped atomic.Bool
	stop    func()
}

// NewTrack wraps local. stop, if set, is called once when the track stops.
func NewTrack(kind string, local webrtc.TrackLocal, stop func()) *Track {
	t := &Track{kind: kind, local: local, stop: stop}
	t.enabled.Store(true)
	return t
}

func (t *Track) Kind() string             { return t.kind }
func (t *Track) Local() webrtc.TrackLocal { return t.local }
func (t *Track) Enabled() bool            { return t.enabled.Load() }
func (t *Track) SetEnabled(v bool)        { t.enabled.Store(v) }
func (t *Track) Live() bool               { return !t.stopped.Load() }

// Stop releases the device behind the track. It is idempotent.
func (t *Track) Stop() {
	if t.stopped.CompareAndSwap(false, true) && t.stop != nil {
		t.stop()
	}
}

// MediaStream is the set of local tracks of a call.
type MediaStream struct {
	Tracks []*Track
}

// Kind returns the tracks of the given kind.
func (m *MediaStream) Kind(kind string) []*Track {
	var out []*Track
	for _, t := range m.Tracks {
		if t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// Live counts tracks that have not been stopped.
func (m *MediaStream) Live() int {
	if m == nil {
		return 0
	}
	n := 0
	for _, t := range m.Tracks {
		if t.Live() {
			n++
		}
	}
	return n
}

func (m *MediaStream) Stop() {
	if m == nil {
		return
	}
	for _, t := range m.Tracks {
		t.Stop()
	}
}

// MediaSource acquires local audio and video.
type MediaSource interface {
	Acquire(ctx context.Context) (*MediaStream, error)
}

// SyntheticSource produces an Opus audio and a VP8 video track fed with
// placeholder samples, for headless clients without capture devices.
type SyntheticSource struct {
	StreamID string
	// Interval between samples; 20ms when zero.
	Interval time.Duration
}

var (
	opusSilence = []byte{0xf8, 0xff, 0xfe}
	vp8Blank    = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x02, 0x00, 0x02, 0x00}
)

func (s SyntheticSource) Acquire(ctx context.Context) (*MediaStream, error) {
	streamID := s.StreamID
	if streamID == "" {
		streamID = "meetzap"
	}
	interval := s.Interval
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}

	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, KindAudio, streamID)
	if err != nil {
		return nil, fmt.Errorf("%w: audio track: %v", ErrMediaUnavailable, err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, KindVideo, streamID)
	if err != nil {
		return nil, fmt.Errorf("%w: video track: %v", ErrMediaUnavailable, err)
	}

	return &MediaStream{Tracks: []*Track{
		feed(KindAudio, audio, opusSilence, interval),
		feed(KindVideo, video, vp8Blank, interval),
	}}, nil
}

// feed writes frame every interval while the track is enabled, until the
// track is stopped.
func feed(kind string, local *webrtc.TrackLocalStaticSample, frame []byte, interval time.Duration) *Track {
	done := make(chan struct{})
	var once sync.Once
	t := NewTrack(kind, local, func() { once.Do(func() { close(done) }) })

	go func() {
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				if !t.Enabled() {
					continue
				}
				// Errors only mean no peer is bound yet.
				_ = local.WriteSample(media.Sample{Data: frame, Duration: interval})
			}
		}
	}()
	return t
}
