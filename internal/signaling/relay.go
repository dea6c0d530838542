// Package signaling carries call-setup messages (offer, answer, ICE
// candidates) between the two sessions of a call, and drives the
// client-side handshake over a WebRTC peer connection.
package signaling

import (
	"context"
	"errors"
	"fmt"

	"meetzap/backend/internal/logging"
	"meetzap/backend/internal/metrics"
	"meetzap/backend/internal/models"
	"meetzap/backend/internal/realtime"
	"meetzap/backend/internal/storage"

	"go.uber.org/zap"
)

// PendingLimit caps one catch-up read.
const PendingLimit = 200

// ErrNotPaired is returned for a signal whose sender is not in a call with
// its recipient.
var ErrNotPaired = errors.New("signal recipient is not the sender's partner")

// Bind addresses sig from sender to sender's current partner and scopes it
// to their call. Any other recipient is refused.
func Bind(sender *models.Session, sig *models.Signal) error {
	if sender.Status != models.StatusChatting || sender.Call() == "" ||
		sig.ToSessionID == "" || sig.ToSessionID != sender.PartnerSession() {
		return ErrNotPaired
	}
	sig.ID = ""
	sig.FromSessionID = sender.ID
	sig.CallID = sender.Call()
	return nil
}

// Transport delivers a signal to its recipient.
type Transport interface {
	SendSignal(ctx context.Context, sig *models.Signal) error
}

// Relay is the server side Transport: it stores each signal and pushes it on
// the recipient's signal channel.
type Relay struct {
	store  storage.SignalStore
	broker realtime.Broker
	log    *zap.Logger
}

func NewRelay(store storage.SignalStore, broker realtime.Broker, log *zap.Logger) *Relay {
	return &Relay{store: store, broker: broker, log: logging.OrNop(log)}
}

// SendSignal validates, appends and publishes sig. ID and CreatedAt are
// assigned by the store.
func (r *Relay) SendSignal(ctx context.Context, sig *models.Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	if sig.CallID == "" {
		return fmt.Errorf("%w: no call", models.ErrInvalidSignal)
	}
	if err := r.store.SaveSignal(ctx, sig); err != nil {
		return fmt.Errorf("save signal: %w", err)
	}
	metrics.SignalsTotal.WithLabelValues(string(sig.Type)).Inc()

	err := realtime.PublishRow(ctx, r.broker, models.SignalChannel(sig.ToSessionID), models.TableSignals, models.ChangeInsert, sig)
	if err != nil {
		// The recipient still gets it through Pending.
		r.log.Warn("publish signal failed", zap.String("signal_id", sig.ID), zap.Error(err))
	}
	r.log.Debug("signal relayed",
		zap.String("type", string(sig.Type)),
		zap.String("from", sig.FromSessionID),
		zap.String("to", sig.ToSessionID))
	return nil
}

// Pending returns signals for toSessionID in callID newer than afterID,
// oldest first. Signals from earlier calls of the same session never show.
func (r *Relay) Pending(ctx context.Context, toSessionID, callID, afterID string) ([]models.Signal, error) {
	if callID == "" {
		return nil, nil
	}
	return r.store.ListSignals(ctx, toSessionID, callID, afterID, PendingLimit)
}
