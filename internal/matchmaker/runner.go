package matchmaker

import (
	"context"
	"time"

	"meetzap/backend/internal/config"
	"meetzap/backend/internal/logging"
	"meetzap/backend/internal/models"
	"meetzap/backend/internal/storage"

	"go.uber.org/zap"
)

// Runner drives Search for every waiting session on a fixed interval and
// periodically ends stale sessions.
type Runner struct {
	svc        *Service
	sessions   storage.SessionStore
	interval   time.Duration
	sweepEvery time.Duration
	log        *zap.Logger
}

func NewRunner(svc *Service, sessions storage.SessionStore, interval, sweepEvery time.Duration, log *zap.Logger) *Runner {
	if interval <= 0 {
		interval = config.MatchScanInterval
	}
	if sweepEvery <= 0 {
		sweepEvery = config.StaleSweepEvery
	}
	return &Runner{
		svc:        svc,
		sessions:   sessions,
		interval:   interval,
		sweepEvery: sweepEvery,
		log:        logging.OrNop(log),
	}
}

// Run blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	r.log.Info("matchmaker started", zap.Duration("interval", r.interval), zap.Duration("sweep_every", r.sweepEvery))

	scan := time.NewTicker(r.interval)
	defer scan.Stop()
	sweep := time.NewTicker(r.sweepEvery)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("matchmaker stopped")
			return
		case <-scan.C:
			r.ScanOnce(ctx)
		case <-sweep.C:
			if _, err := r.svc.SweepStale(ctx, 0); err != nil {
				r.log.Error("stale sweep failed", zap.Error(err))
			}
		}
	}
}

// ScanOnce tries to pair every waiting session once and returns the number
// of new pairs.
func (r *Runner) ScanOnce(ctx context.Context) int {
	now := r.svc.now()
	waiting, err := r.sessions.ListWaitingSessions(ctx, now.Add(-r.svc.window), r.svc.scanLimit)
	if err != nil {
		r.log.Error("list waiting sessions failed", zap.Error(err))
		return 0
	}

	paired := make(map[string]bool)
	pairs := 0
	for _, w := range waiting {
		if ctx.Err() != nil {
			break
		}
		if paired[w.ID] {
			continue
		}
		sess, err := r.svc.Search(ctx, w.ID)
		if err != nil {
			r.log.Warn("search failed", zap.String("session_id", w.ID), zap.Error(err))
			continue
		}
		if sess.Status == models.StatusChatting {
			paired[sess.ID] = true
			paired[sess.PartnerSession()] = true
			pairs++
		}
	}
	return pairs
}
