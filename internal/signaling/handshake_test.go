package signaling_test

import (
	"context"
	"testing"

	"meetzap/backend/internal/models"
	"meetzap/backend/internal/signaling"

	"github.com/oklog/ulid/v2"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// "a" < "b", so a is the caller.
const callerID, answererID = "a-session", "b-session"

const testCallID = "call-1"

func sig(t *testing.T, from, to string, typ models.SignalType, v any) models.Signal {
	return models.Signal{
		ID:            ulid.Make().String(),
		FromSessionID: from,
		ToSessionID:   to,
		CallID:        testCallID,
		Type:          typ,
		Payload:       payload(t, v),
	}
}

func ice(t *testing.T, from, to, candidate string) models.Signal {
	return sig(t, from, to, models.SignalICE, webrtc.ICECandidateInit{Candidate: candidate})
}

func TestHandshake_CallerFlow(t *testing.T) {
	pc, tr := &fakePeer{}, &recorder{}
	h := signaling.NewHandshake(context.Background(), pc, tr, callerID, answererID, nil)
	require.True(t, h.Caller())

	require.NoError(t, h.Start())
	assert.Equal(t, signaling.StateHaveLocalOffer, h.State())
	offer := tr.last(t)
	assert.Equal(t, models.SignalOffer, offer.Type)
	assert.Equal(t, answererID, offer.ToSessionID)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0 offer"}`, string(offer.Payload))

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}
	require.NoError(t, h.HandleSignal(sig(t, answererID, callerID, models.SignalAnswer, answer)))
	assert.Equal(t, signaling.StateStable, h.State())
	assert.Equal(t, "v=0 answer", pc.RemoteDescription().SDP)
}

func TestHandshake_AnswererFlow(t *testing.T) {
	pc, tr := &fakePeer{}, &recorder{}
	h := signaling.NewHandshake(context.Background(), pc, tr, answererID, callerID, nil)
	require.False(t, h.Caller())

	require.NoError(t, h.Start())
	assert.Empty(t, tr.sent, "the answerer never offers")

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}
	require.NoError(t, h.HandleSignal(sig(t, callerID, answererID, models.SignalOffer, offer)))
	assert.Equal(t, signaling.StateStable, h.State())
	assert.Equal(t, models.SignalAnswer, tr.last(t).Type)
	assert.Equal(t, webrtc.SDPTypeAnswer, pc.local.Type)
}

func TestHandshake_QueuesICEUntilRemoteDescription(t *testing.T) {
	pc, tr := &fakePeer{}, &recorder{}
	h := signaling.NewHandshake(context.Background(), pc, tr, answererID, callerID, nil)

	for _, c := range []string{"c1", "c2", "c3"} {
		require.NoError(t, h.HandleSignal(ice(t, callerID, answererID, c)))
	}
	assert.Equal(t, 3, h.Queued())
	assert.Empty(t, pc.applied())

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}
	require.NoError(t, h.HandleSignal(sig(t, callerID, answererID, models.SignalOffer, offer)))
	assert.Equal(t, []string{"c1", "c2", "c3"}, pc.applied(), "queued candidates apply in arrival order")
	assert.Zero(t, h.Queued())

	require.NoError(t, h.HandleSignal(ice(t, callerID, answererID, "c4")))
	assert.Equal(t, []string{"c1", "c2", "c3", "c4"}, pc.applied())
}

func TestHandshake_QueuedICEFlushedByAnswer(t *testing.T) {
	pc, tr := &fakePeer{rejectICE: "bad"}, &recorder{}
	h := signaling.NewHandshake(context.Background(), pc, tr, callerID, answererID, nil)
	require.NoError(t, h.Start())

	require.NoError(t, h.HandleSignal(ice(t, answererID, callerID, "c1")))
	require.NoError(t, h.HandleSignal(ice(t, answererID, callerID, "bad")))
	require.NoError(t, h.HandleSignal(ice(t, answererID, callerID, "c2")))

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}
	require.NoError(t, h.HandleSignal(sig(t, answererID, callerID, models.SignalAnswer, answer)))
	assert.Equal(t, []string{"c1", "c2"}, pc.applied(), "a rejected candidate does not stop the flush")
}

func TestHandshake_DropsWhatDoesNotFit(t *testing.T) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}

	t.Run("foreign session", func(t *testing.T) {
		h := signaling.NewHandshake(context.Background(), &fakePeer{}, &recorder{}, answererID, callerID, nil)
		err := h.HandleSignal(sig(t, "intruder", answererID, models.SignalOffer, offer))
		assert.ErrorIs(t, err, signaling.ErrForeignSignal)
		assert.Equal(t, signaling.StateIdle, h.State())
	})

	t.Run("answer while idle", func(t *testing.T) {
		h := signaling.NewHandshake(context.Background(), &fakePeer{}, &recorder{}, answererID, callerID, nil)
		err := h.HandleSignal(sig(t, callerID, answererID, models.SignalAnswer, answer))
		assert.ErrorIs(t, err, signaling.ErrUnexpectedState)
	})

	t.Run("offer to the caller", func(t *testing.T) {
		h := signaling.NewHandshake(context.Background(), &fakePeer{}, &recorder{}, callerID, answererID, nil)
		require.NoError(t, h.Start())
		err := h.HandleSignal(sig(t, answererID, callerID, models.SignalOffer, offer))
		assert.ErrorIs(t, err, signaling.ErrUnexpectedState)
		assert.Equal(t, signaling.StateHaveLocalOffer, h.State())
	})

	t.Run("malformed payloads", func(t *testing.T) {
		h := signaling.NewHandshake(context.Background(), &fakePeer{}, &recorder{}, answererID, callerID, nil)
		bad := sig(t, callerID, answererID, models.SignalOffer, nil)
		bad.Payload = []byte(`not json`)
		assert.ErrorIs(t, h.HandleSignal(bad), signaling.ErrMalformed)

		wrongType := sig(t, callerID, answererID, models.SignalOffer, answer)
		assert.ErrorIs(t, h.HandleSignal(wrongType), signaling.ErrMalformed)

		assert.ErrorIs(t, h.HandleSignal(ice(t, callerID, answererID, "")), signaling.ErrMalformed)
		assert.Equal(t, signaling.StateIdle, h.State(), "a bad signal does not move the state")
	})

	t.Run("after close", func(t *testing.T) {
		h := signaling.NewHandshake(context.Background(), &fakePeer{}, &recorder{}, answererID, callerID, nil)
		h.Close()
		assert.ErrorIs(t, h.HandleSignal(sig(t, callerID, answererID, models.SignalOffer, offer)), signaling.ErrClosed)
		assert.ErrorIs(t, h.Start(), signaling.ErrClosed)
	})
}

func TestHandshake_DuplicateSignalIgnored(t *testing.T) {
	pc := &fakePeer{}
	h := signaling.NewHandshake(context.Background(), pc, &recorder{}, answererID, callerID, nil)
	offer := sig(t, callerID, answererID, models.SignalOffer,
		webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"})

	require.NoError(t, h.HandleSignal(offer))
	assert.NoError(t, h.HandleSignal(offer), "replay from catch-up is not an error")
	assert.Equal(t, signaling.StateStable, h.State())
}
