package checkout

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/angelmondragon/kluret-checkout/internal/gateway"
	"github.com/angelmondragon/kluret-checkout/internal/popup"
	"github.com/angelmondragon/kluret-checkout/internal/session"
	"github.com/angelmondragon/kluret-checkout/pkg/enums"
	pkgerrors "github.com/angelmondragon/kluret-checkout/pkg/errors"
)

// run owns one user's session inside this process. mu serializes every step
// that talks to the gateway or the store.
type run struct {
	userID string
	mu     sync.Mutex

	session *session.PaymentSession
	intent  *gateway.Intent
	latest  atomic.Pointer[session.PaymentSession]

	pollCancel context.CancelFunc
	pollDone   atomic.Pointer[chan struct{}]
	watch      *popup.Watch
}

func (r *run) pollDoneChan() chan struct{} {
	if p := r.pollDone.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *service) runFor(userID string) (*run, error) {
	id := strings.TrimSpace(userID)
	if id == "" {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, gateway.ErrMissingUser, "user identity required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "checkout coordinator is shutting down")
	}
	r, ok := s.runs[id]
	if !ok {
		r = &run{userID: id}
		s.runs[id] = r
		s.metrics.SetActiveRuns(len(s.runs))
	}
	return r, nil
}

func (s *service) dropRun(r *run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.runs[r.userID]; ok && current == r {
		delete(s.runs, r.userID)
	}
	s.metrics.SetActiveRuns(len(s.runs))
}

// loadLocked re-reads the slot, since another process may have moved the
// session since this run last saw it. The in-memory copy wins only while this
// process is watching the session and the slot holds no newer version.
func (s *service) loadLocked(ctx context.Context, r *run) (*session.PaymentSession, error) {
	stored, err := s.store.Load(ctx, r.userID)
	if err != nil {
		return nil, err
	}
	if s.watchingLocked(r) && r.session != nil && stored != nil &&
		stored.ID == r.session.ID && stored.Version <= r.session.Version {
		return r.session, nil
	}
	if s.watchingLocked(r) {
		s.logg.Info(s.logg.WithField(ctx, "user_id", r.userID), "payment session changed by another process")
		s.stopWatchersLocked(r)
	}
	if r.intent != nil && (stored == nil || stored.IntentID() != r.intent.ID) {
		r.intent = nil
	}
	r.session = stored
	s.publish(r)
	return stored, nil
}

// watchingLocked reports whether this process has a poller or popup watch
// attached to the run.
func (s *service) watchingLocked(r *run) bool {
	return r.pollCancel != nil || r.watch != nil
}

func (s *service) requireLocked(ctx context.Context, r *run) (*session.PaymentSession, error) {
	sess, err := s.loadLocked(ctx, r)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no payment session")
	}
	return sess, nil
}

func (s *service) resetRunLocked(r *run) {
	s.stopWatchersLocked(r)
	r.intent = nil
}

func (s *service) publish(r *run) {
	if r.session == nil {
		r.latest.Store(nil)
		return
	}
	r.latest.Store(r.session.Clone())
}

func (s *service) persist(ctx context.Context, r *run) error {
	if err := s.store.Save(ctx, r.session); err != nil {
		s.logg.Error(ctx, "persist payment session failed", err)
		return err
	}
	s.publish(r)
	return nil
}

// move transitions the session, persists it and tears down watchers once the
// session is terminal.
func (s *service) move(ctx context.Context, r *run, next enums.SessionState) error {
	sess := r.session
	from := sess.State
	if err := sess.Transition(next, s.now()); err != nil {
		return err
	}
	s.metrics.ObserveTransition(sess.Method.String(), from.String(), next.String())
	if next.IsTerminal() {
		s.finishLocked(r)
	}
	if err := s.persist(ctx, r); err != nil {
		return err
	}
	if next.IsTerminal() {
		s.metrics.ObserveOutcome(sess.Method.String(), next.String(), "")
		s.logg.Info(s.logg.WithField(ctx, "state", next), "payment session reached terminal state")
	}
	return nil
}

func (s *service) fail(ctx context.Context, r *run, kind enums.FailureKind, reason string) error {
	sess := r.session
	from := sess.State
	if err := sess.Fail(kind, reason, s.now()); err != nil {
		return err
	}
	s.metrics.ObserveTransition(sess.Method.String(), from.String(), enums.SessionStateFailed.String())
	s.finishLocked(r)
	if err := s.persist(ctx, r); err != nil {
		return err
	}
	s.metrics.ObserveOutcome(sess.Method.String(), enums.SessionStateFailed.String(), kind.String())
	s.logg.Warn(s.logg.WithFields(ctx, map[string]any{"failure_kind": kind, "reason": reason}), "payment session failed")
	return nil
}

func (s *service) finishLocked(r *run) {
	s.stopWatchersLocked(r)
	r.intent = nil
}

func (s *service) stopWatchersLocked(r *run) {
	if r.pollCancel != nil {
		r.pollCancel()
		r.pollCancel = nil
	}
	if r.watch != nil {
		r.watch.Stop()
		r.watch = nil
		s.popups.Release(r.userID)
	}
}

// clearLocked empties the slot and forgets the run.
func (s *service) clearLocked(ctx context.Context, r *run) error {
	s.stopWatchersLocked(r)
	if err := s.store.Clear(ctx, r.userID); err != nil {
		return err
	}
	if _, err := s.store.TakeReturnContext(ctx, r.userID); err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "drop return context failed")
	}
	// The run keeps the final session for the caller's view; later calls
	// resolve a fresh run and find the slot empty.
	r.intent = nil
	s.dropRun(r)
	return nil
}

// settleLocked applies a confirmation outcome to a session awaiting confirmation.
func (s *service) settleLocked(ctx context.Context, r *run, outcome gateway.Outcome) error {
	sess := r.session
	if outcome.Status != "" {
		sess.IntentStatus = outcome.Status
	}
	switch outcome.Kind {
	case gateway.OutcomeSucceeded:
		if err := s.move(ctx, r, enums.SessionStateConfirming); err != nil {
			return err
		}
		return s.reconcileFromConfirming(ctx, r)
	case gateway.OutcomeFailed:
		if err := s.move(ctx, r, enums.SessionStateConfirming); err != nil {
			return err
		}
		return s.fail(ctx, r, enums.FailureKindGatewayDeclined, outcome.Reason)
	case gateway.OutcomeCanceled:
		if err := s.move(ctx, r, enums.SessionStateCancelled); err != nil {
			return err
		}
		s.logg.Info(ctx, "payment abandoned on provider page")
		return nil
	case gateway.OutcomeRequiresRedirect:
		return pkgerrors.New(pkgerrors.CodeInternal, "redirect outcome cannot settle a session")
	default:
		if err := s.persist(ctx, r); err != nil {
			return err
		}
		s.startPollLocked(r)
		return nil
	}
}

func (s *service) reconcileFromConfirming(ctx context.Context, r *run) error {
	if err := s.move(ctx, r, enums.SessionStateReconciling); err != nil {
		return err
	}
	return s.reconcileLocked(ctx, r, s.opts.ReconcileAttempts)
}

// reconcileLocked runs up to attempts reconciliation passes. Success clears
// the slot; exhaustion leaves a partial-reconciliation failure in place.
func (s *service) reconcileLocked(ctx context.Context, r *run, attempts int) error {
	sess := r.session
	intentID := sess.IntentID()
	var summary string
	for attempt := 1; attempt <= attempts; attempt++ {
		sess.ReconcileAttempts++
		res := s.reconciler.Reconcile(ctx, sess, intentID)
		if err := s.persist(ctx, r); err != nil {
			return err
		}
		if res.Complete() {
			s.metrics.IncReconcile("complete")
			if err := s.move(ctx, r, enums.SessionStateSucceeded); err != nil {
				return err
			}
			return s.clearLocked(ctx, r)
		}
		s.metrics.IncReconcile("partial")
		summary = res.Summary()
		s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
			"attempt": attempt,
			"pending": summary,
			"error":   errString(res.Err),
		}), "reconciliation incomplete")
		if attempt < attempts && !s.backoff(ctx) {
			break
		}
	}
	return s.fail(ctx, r, enums.FailureKindPartialReconciliation, summary)
}

func (s *service) backoff(ctx context.Context) bool {
	if s.opts.ReconcileBackoff <= 0 {
		return true
	}
	timer := time.NewTimer(s.opts.ReconcileBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// callWithRetry retries once when the error is transient.
func callWithRetry[T any](ctx context.Context, s *service, op string, fn func(context.Context) (T, error)) (T, error) {
	started := time.Now()
	out, err := fn(ctx)
	if err != nil && gateway.Retryable(err) {
		s.metrics.ObserveGatewayCall(op, "retry", time.Since(started))
		s.logg.Warn(s.logg.WithFields(ctx, map[string]any{"op": op, "error": err.Error()}), "gateway unavailable, retrying once")
		started = time.Now()
		out, err = fn(ctx)
	}
	outcome := "ok"
	if err != nil {
		outcome = gateway.Classify(err).String()
	}
	s.metrics.ObserveGatewayCall(op, outcome, time.Since(started))
	return out, err
}

func (s *service) sessionContext(ctx context.Context, sess *session.PaymentSession) context.Context {
	return s.logg.WithSession(ctx, sess.UserID, sess.ID.String(), sess.Method.String())
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
