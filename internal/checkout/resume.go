package checkout

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/angelmondragon/kluret-checkout/internal/gateway"
	"github.com/angelmondragon/kluret-checkout/internal/session"
	"github.com/angelmondragon/kluret-checkout/pkg/enums"
	pkgerrors "github.com/angelmondragon/kluret-checkout/pkg/errors"
	"go.uber.org/multierr"
)

const (
	paramPaymentIntent = "payment_intent"
	paramRedirectState = "redirect_status"
	paramClientSecret  = "payment_intent_client_secret"
)

// returnParams are the provider's completion parameters on the return url.
type returnParams struct {
	present  bool
	intentID string
	status   enums.IntentStatus
	valid    bool
}

// parseReturnURL extracts the completion parameters and returns the url
// without them.
func parseReturnURL(raw string) (returnParams, string, error) {
	if strings.TrimSpace(raw) == "" {
		return returnParams{}, "", nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return returnParams{}, "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid current url")
	}
	q := u.Query()
	if !q.Has(paramRedirectState) && !q.Has(paramPaymentIntent) {
		return returnParams{}, raw, nil
	}
	params := returnParams{present: true, intentID: strings.TrimSpace(q.Get(paramPaymentIntent))}
	if status, err := enums.ParseIntentStatus(strings.TrimSpace(q.Get(paramRedirectState))); err == nil && status.IsTerminal() {
		params.status = status
		params.valid = true
	}
	q.Del(paramPaymentIntent)
	q.Del(paramRedirectState)
	q.Del(paramClientSecret)
	u.RawQuery = q.Encode()
	return params, u.String(), nil
}

// Resume is the mount path: it re-attaches to a persisted session, consumes
// return-url parameters once and expires sessions past the poll window.
func (s *service) Resume(ctx context.Context, userID, currentURL string) (*View, error) {
	params, cleanURL, err := parseReturnURL(currentURL)
	if err != nil {
		return nil, err
	}
	r, err := s.runFor(userID)
	if err != nil {
		return nil, err
	}
	if !r.mu.TryLock() {
		view := s.latestView(r)
		view.CleanURL = cleanURL
		return view, nil
	}
	defer r.mu.Unlock()
	ctx = context.WithoutCancel(ctx)

	sess, err := s.loadLocked(ctx, r)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return &View{CleanURL: cleanURL}, nil
	}
	ctx = s.sessionContext(ctx, sess)

	var returnTo string
	if s.callbackApplies(sess, params) {
		sess.CallbackConsumed = true
		returnTo, err = s.store.TakeReturnContext(ctx, sess.UserID)
		if err != nil {
			s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "read return context failed")
		}
		s.stopWatchersLocked(r)
		s.logg.Info(s.logg.WithField(ctx, "redirect_status", params.status), "applying return url status")
		outcome := gateway.OutcomeFromStatus(sess.IntentID(), params.status, "")
		if err := s.settleLocked(ctx, r, outcome); err != nil {
			return nil, err
		}
	} else {
		if params.present {
			s.logg.Warn(s.logg.WithField(ctx, "payment_intent", params.intentID), "ignoring return url parameters")
		}
		if err := s.recoverLocked(ctx, r, true); err != nil {
			return nil, err
		}
	}

	view := s.viewOf(r)
	view.CleanURL = cleanURL
	view.ReturnTo = returnTo
	return view, nil
}

func (s *service) callbackApplies(sess *session.PaymentSession, params returnParams) bool {
	if !params.present || !params.valid || sess.CallbackConsumed {
		return false
	}
	if sess.Method != enums.PaymentMethodRedirect || sess.State != enums.SessionStateAwaitingConfirmation {
		return false
	}
	return params.intentID == "" || params.intentID == sess.IntentID()
}

// recoverLocked re-derives progress for a session found without a callback.
// attach controls whether pollers and popup watches are restarted here.
func (s *service) recoverLocked(ctx context.Context, r *run, attach bool) error {
	sess := r.session
	now := s.now()
	switch sess.State {
	case enums.SessionStateCreated, enums.SessionStateAwaitingGatewayIntent:
		if sess.Elapsed(now) > s.opts.PollTimeout {
			return s.move(ctx, r, enums.SessionStateExpired)
		}
		return nil
	case enums.SessionStateAwaitingConfirmation:
		if sess.Elapsed(now) > s.opts.PollTimeout {
			return s.move(ctx, r, enums.SessionStateExpired)
		}
		if !attach {
			return nil
		}
		if sess.Navigation == enums.NavigationModePopup && sess.PopupID != "" && r.watch == nil {
			s.watchPopupLocked(r, s.popups.Adopt(sess.UserID, sess.PopupID))
		}
		s.startPollLocked(r)
		return nil
	case enums.SessionStateConfirming:
		return s.recoverConfirmingLocked(ctx, r)
	case enums.SessionStateReconciling:
		return s.reconcileLocked(ctx, r, s.opts.ReconcileAttempts)
	default:
		return nil
	}
}

// recoverConfirmingLocked finishes a confirmation interrupted before its
// outcome was recorded.
func (s *service) recoverConfirmingLocked(ctx context.Context, r *run) error {
	sess := r.session
	adapter, err := s.gateways.For(sess.Method)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "resolve gateway adapter")
	}
	status, err := callWithRetry(ctx, s, "poll_status", func(ctx context.Context) (enums.IntentStatus, error) {
		return adapter.PollStatus(ctx, sess.UserID, sess.IntentID())
	})
	if err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "status check for confirming session failed")
		return nil
	}
	sess.IntentStatus = status
	switch status {
	case enums.IntentStatusSucceeded:
		return s.reconcileFromConfirming(ctx, r)
	case enums.IntentStatusFailed, enums.IntentStatusCanceled:
		return s.fail(ctx, r, enums.FailureKindGatewayDeclined, "payment "+status.String())
	default:
		return s.persist(ctx, r)
	}
}

// ExpireStale drives one page of sessions older than the stale window to a
// resolution and returns how many were expired. Successive calls walk the
// whole backlog and wrap around once it is exhausted.
func (s *service) ExpireStale(ctx context.Context, now time.Time, limit int) (int, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	page, err := s.store.ListStale(ctx, now.Add(-s.opts.StaleAfter), s.sweepOffset, limit)
	if err != nil {
		return 0, err
	}
	for _, userID := range page.Skipped {
		s.logg.Warn(s.logg.WithField(ctx, "user_id", userID), "skipping undecodable payment session")
	}
	var (
		expired int
		settled int
		errs    error
	)
	for _, candidate := range page.Sessions {
		r, err := s.runFor(candidate.UserID)
		if err != nil {
			return expired, multierr.Append(errs, err)
		}
		if !r.mu.TryLock() {
			continue
		}
		n, err := s.expireOneLocked(ctx, r)
		idle := !s.watchingLocked(r)
		if !r.session.IsActive() {
			settled++
		}
		r.mu.Unlock()
		if idle {
			s.dropRun(r)
		}
		expired += n
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("session for %s: %w", candidate.UserID, err))
		}
	}

	// Settled sessions leave the listing; everything else keeps its place.
	if limit > 0 && page.Covered() >= limit {
		s.sweepOffset += page.Covered() - settled
	} else {
		s.sweepOffset = 0
	}
	return expired, errs
}

func (s *service) expireOneLocked(ctx context.Context, r *run) (int, error) {
	sess, err := s.loadLocked(ctx, r)
	if err != nil || sess == nil || !sess.IsActive() {
		return 0, err
	}
	ctx = s.sessionContext(ctx, sess)
	before := sess.State
	if err := s.recoverLocked(ctx, r, false); err != nil {
		return 0, err
	}
	if r.session.State == enums.SessionStateExpired && before != enums.SessionStateExpired {
		return 1, nil
	}
	return 0, nil
}
