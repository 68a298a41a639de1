package checkout

import (
	"context"
	"time"

	"github.com/angelmondragon/kluret-checkout/internal/gateway"
	"github.com/angelmondragon/kluret-checkout/pkg/enums"
)

// startPollLocked starts the status poller for the run unless one is running.
func (s *service) startPollLocked(r *run) {
	if r.pollCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	done := make(chan struct{})
	r.pollCancel = cancel
	r.pollDone.Store(&done)
	go s.pollLoop(ctx, r, done)
}

func (s *service) pollLoop(ctx context.Context, r *run, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.pollTick(ctx, r) {
				return
			}
		}
	}
}

// pollTick performs one status check. Ticks are skipped while another step
// holds the run; the returned flag ends the loop.
func (s *service) pollTick(ctx context.Context, r *run) bool {
	if !r.mu.TryLock() {
		s.metrics.IncPoll("skipped")
		s.logg.Debug(s.logg.WithField(ctx, "user_id", r.userID), "poll tick skipped, run busy")
		return false
	}
	defer r.mu.Unlock()
	if ctx.Err() != nil {
		return true
	}

	sess, err := s.loadLocked(context.WithoutCancel(ctx), r)
	if err != nil {
		s.logg.Warn(s.logg.WithFields(ctx, map[string]any{"user_id": r.userID, "error": err.Error()}), "reload payment session for poll failed")
		return false
	}
	if r.pollCancel == nil {
		// The slot moved on under another process.
		return true
	}
	if sess == nil || sess.State != enums.SessionStateAwaitingConfirmation {
		s.stopPollLocked(r)
		return true
	}
	lctx := s.sessionContext(context.WithoutCancel(ctx), sess)
	if sess.Elapsed(s.now()) > s.opts.PollTimeout {
		s.metrics.IncPoll("timeout")
		if err := s.move(lctx, r, enums.SessionStateExpired); err != nil {
			s.logg.Error(lctx, "expire payment session failed", err)
		}
		return true
	}

	adapter, err := s.gateways.For(sess.Method)
	if err != nil {
		s.logg.Error(lctx, "resolve gateway adapter for poll", err)
		return false
	}
	started := time.Now()
	status, err := adapter.PollStatus(ctx, sess.UserID, sess.IntentID())
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		s.metrics.IncPoll("error")
		s.metrics.ObserveGatewayCall("poll_status", gateway.Classify(err).String(), time.Since(started))
		s.logg.Warn(s.logg.WithField(lctx, "error", err.Error()), "payment status poll failed")
		return false
	}
	s.metrics.ObserveGatewayCall("poll_status", "ok", time.Since(started))
	s.metrics.IncPoll(status.String())
	if !status.IsTerminal() {
		if sess.IntentStatus != status {
			sess.IntentStatus = status
			if err := s.persist(lctx, r); err != nil {
				return false
			}
		}
		return false
	}

	s.stopPollLocked(r)
	if err := s.settleLocked(lctx, r, gateway.OutcomeFromStatus(sess.IntentID(), status, "")); err != nil {
		s.logg.Error(lctx, "settle polled payment status failed", err)
	}
	return true
}

func (s *service) stopPollLocked(r *run) {
	if r.pollCancel != nil {
		r.pollCancel()
		r.pollCancel = nil
	}
}
