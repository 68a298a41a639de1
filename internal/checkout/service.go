package checkout

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/angelmondragon/kluret-checkout/internal/gateway"
	"github.com/angelmondragon/kluret-checkout/internal/popup"
	"github.com/angelmondragon/kluret-checkout/internal/reconcile"
	"github.com/angelmondragon/kluret-checkout/internal/session"
	"github.com/angelmondragon/kluret-checkout/pkg/config"
	"github.com/angelmondragon/kluret-checkout/pkg/enums"
	pkgerrors "github.com/angelmondragon/kluret-checkout/pkg/errors"
	"github.com/angelmondragon/kluret-checkout/pkg/logger"
	"github.com/angelmondragon/kluret-checkout/pkg/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
)

const (
	DefaultPollInterval      = 2 * time.Second
	DefaultPollTimeout       = 5 * time.Minute
	DefaultReconcileAttempts = 3
	DefaultStaleAfter        = 30 * time.Minute
	defaultReconcileBackoff  = 500 * time.Millisecond
)

// Service drives payment sessions from intent creation to a reconciled order.
type Service interface {
	Begin(ctx context.Context, input BeginInput) (*View, error)
	Resume(ctx context.Context, userID, currentURL string) (*View, error)
	ConfirmEmbedded(ctx context.Context, userID string, input ConfirmInput) (*View, error)
	Cancel(ctx context.Context, userID string) (*View, error)
	Acknowledge(ctx context.Context, userID string) error
	RetryReconciliation(ctx context.Context, userID string) (*View, error)
	Current(ctx context.Context, userID string) (*View, error)
	PopupHeartbeat(ctx context.Context, userID, popupID string) error
	PopupClosed(ctx context.Context, userID, popupID string) (*View, error)
	ExpireStale(ctx context.Context, now time.Time, limit int) (int, error)
	Shutdown(ctx context.Context) error
}

// BeginInput starts a checkout attempt. Amount defaults to the snapshot total.
type BeginInput struct {
	UserID        string
	Snapshot      session.CartSnapshot
	Amount        decimal.Decimal
	Currency      enums.Currency
	Method        enums.PaymentMethod
	ReturnContext string
	PopupCapable  bool
	// PaymentMethodToken lets embedded checkouts confirm in the same call.
	PaymentMethodToken string
}

// ConfirmInput carries the tokenized instrument for embedded confirmation.
type ConfirmInput struct {
	PaymentMethodToken string
}

type gatewayResolver interface {
	For(method enums.PaymentMethod) (gateway.Adapter, error)
}

type reconciler interface {
	Reconcile(ctx context.Context, s *session.PaymentSession, intentID string) reconcile.Result
}

// PopupOpener opens external payment windows and accepts liveness reports for them.
type PopupOpener interface {
	popup.Opener
	Heartbeat(userID, popupID string) error
	ReportClosed(userID, popupID string) error
	Adopt(userID, popupID string) popup.Handle
	Release(userID string)
}

// Options tunes timing and observability.
type Options struct {
	PollInterval       time.Duration
	PollTimeout        time.Duration
	PopupCheckInterval time.Duration
	ReconcileAttempts  int
	ReconcileBackoff   time.Duration
	StaleAfter         time.Duration
	Logger             *logger.Logger
	Metrics            *metrics.CheckoutMetrics
	Clock              func() time.Time
}

// OptionsFromConfig maps service configuration onto coordinator options.
func OptionsFromConfig(cfg config.CheckoutConfig) Options {
	return Options{
		PollInterval:       cfg.PollInterval,
		PollTimeout:        cfg.PollTimeout,
		PopupCheckInterval: cfg.PopupCheckInterval,
		ReconcileAttempts:  cfg.ReconcileAttempts,
		StaleAfter:         cfg.StaleAfter,
	}
}

type service struct {
	store      session.Store
	gateways   gatewayResolver
	reconciler reconciler
	popups     PopupOpener
	monitor    *popup.Monitor
	opts       Options
	logg       *logger.Logger
	metrics    *metrics.CheckoutMetrics
	now        func() time.Time

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu     sync.Mutex
	runs   map[string]*run
	closed bool

	// sweepOffset is where the next stale sweep resumes, so sessions that
	// stay unresolved do not hold back the ones listed after them.
	sweepMu     sync.Mutex
	sweepOffset int
}

// NewService builds the checkout coordinator.
func NewService(store session.Store, gateways gatewayResolver, rec reconciler, popups PopupOpener, opts Options) (Service, error) {
	if store == nil {
		return nil, fmt.Errorf("session store required")
	}
	if gateways == nil {
		return nil, fmt.Errorf("gateway registry required")
	}
	if rec == nil {
		return nil, fmt.Errorf("reconciler required")
	}
	if popups == nil {
		return nil, fmt.Errorf("popup opener required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.ReconcileAttempts <= 0 {
		opts.ReconcileAttempts = DefaultReconcileAttempts
	}
	if opts.StaleAfter < opts.PollTimeout {
		opts.StaleAfter = max(DefaultStaleAfter, opts.PollTimeout)
	}
	if opts.ReconcileBackoff < 0 {
		opts.ReconcileBackoff = 0
	} else if opts.ReconcileBackoff == 0 {
		opts.ReconcileBackoff = defaultReconcileBackoff
	}
	logg := opts.Logger
	if logg == nil {
		logg = logger.New(logger.Options{ServiceName: "checkout", Output: io.Discard})
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &service{
		store:      store,
		gateways:   gateways,
		reconciler: rec,
		popups:     popups,
		monitor:    popup.NewMonitor(opts.PopupCheckInterval),
		opts:       opts,
		logg:       logg,
		metrics:    opts.Metrics,
		now:        func() time.Time { return clock().UTC() },
		baseCtx:    baseCtx,
		cancelBase: cancel,
		runs:       make(map[string]*run),
	}, nil
}

// Begin creates a session, obtains a gateway intent and starts the
// method-specific confirmation. Gateway failures become session states; the
// returned error is reserved for conflicts, bad input and storage failures.
func (s *service) Begin(ctx context.Context, input BeginInput) (*View, error) {
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, gateway.ErrMissingUser, "user identity required")
	}
	r, err := s.runFor(userID)
	if err != nil {
		return nil, err
	}
	if !r.mu.TryLock() {
		return nil, stepInProgress(r)
	}
	defer r.mu.Unlock()

	// In-flight gateway calls outlive the request that started them.
	ctx = context.WithoutCancel(ctx)

	existing, err := s.loadLocked(ctx, r)
	if err != nil {
		return nil, err
	}
	if existing.AwaitsManualRecovery() {
		return nil, pkgerrors.New(pkgerrors.CodeReconciliationPending, "previous payment is awaiting order reconciliation").
			WithDetails(map[string]any{"session_id": existing.ID.String()})
	}
	if existing.IsActive() {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "a payment session is already in progress").
			WithDetails(map[string]any{"session_id": existing.ID.String(), "state": existing.State})
	}

	amount := input.Amount
	if amount.IsZero() {
		amount = input.Snapshot.Total()
	}
	sess, err := session.New(session.NewParams{
		UserID:        userID,
		Method:        input.Method,
		Amount:        amount,
		Currency:      input.Currency,
		Snapshot:      input.Snapshot,
		ReturnContext: input.ReturnContext,
	}, s.now())
	if err != nil {
		return nil, err
	}
	adapter, err := s.gateways.For(sess.Method)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unsupported payment method")
	}

	s.resetRunLocked(r)
	r.session = sess
	ctx = s.logg.WithSession(ctx, userID, sess.ID.String(), sess.Method.String())
	if err := s.persist(ctx, r); err != nil {
		return nil, err
	}
	if err := s.move(ctx, r, enums.SessionStateAwaitingGatewayIntent); err != nil {
		return nil, err
	}

	req := gateway.IntentRequest{UserID: userID, Amount: sess.Amount, Currency: sess.Currency}
	if err := adapter.Validate(req); err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "reason", err.Error()), "checkout rejected before intent creation")
		if ferr := s.fail(ctx, r, enums.FailureKindValidation, publicReason(err)); ferr != nil {
			return nil, ferr
		}
		return s.viewOf(r), nil
	}

	intent, err := callWithRetry(ctx, s, "create_intent", func(ctx context.Context) (*gateway.Intent, error) {
		return adapter.CreateIntent(ctx, req)
	})
	if err != nil {
		kind := gateway.Classify(err)
		s.logg.Error(ctx, "create payment intent failed", err)
		if ferr := s.fail(ctx, r, kind, publicReason(err)); ferr != nil {
			return nil, ferr
		}
		return s.viewOf(r), nil
	}

	sess.SetIntent(intent.ID, intent.Status, intent.RedirectURL, s.now())
	r.intent = intent
	if sess.Method == enums.PaymentMethodEmbedded {
		sess.Navigation = enums.NavigationModeInline
	}
	if err := s.move(ctx, r, enums.SessionStateAwaitingConfirmation); err != nil {
		return nil, err
	}

	switch sess.Method {
	case enums.PaymentMethodRedirect:
		if err := s.startRedirectLocked(ctx, r, adapter, intent, input.PopupCapable); err != nil {
			return nil, err
		}
	case enums.PaymentMethodEmbedded:
		if strings.TrimSpace(input.PaymentMethodToken) != "" {
			if err := s.confirmEmbeddedLocked(ctx, r, adapter, input.PaymentMethodToken); err != nil {
				return nil, err
			}
		}
	}

	view := s.viewOf(r)
	view.ClientSecret = intent.ClientSecret
	view.PublishableKey = intent.PublishableKey
	return view, nil
}

// ConfirmEmbedded confirms an embedded session with the tokenized instrument.
func (s *service) ConfirmEmbedded(ctx context.Context, userID string, input ConfirmInput) (*View, error) {
	r, err := s.runFor(userID)
	if err != nil {
		return nil, err
	}
	if !r.mu.TryLock() {
		return nil, stepInProgress(r)
	}
	defer r.mu.Unlock()
	ctx = context.WithoutCancel(ctx)

	sess, err := s.requireLocked(ctx, r)
	if err != nil {
		return nil, err
	}
	if sess.Method != enums.PaymentMethodEmbedded {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "session does not use embedded confirmation")
	}
	if sess.State != enums.SessionStateAwaitingConfirmation {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "session is not awaiting confirmation").
			WithDetails(map[string]any{"state": sess.State})
	}
	adapter, err := s.gateways.For(sess.Method)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "resolve gateway adapter")
	}
	ctx = s.sessionContext(ctx, sess)
	if err := s.confirmEmbeddedLocked(ctx, r, adapter, input.PaymentMethodToken); err != nil {
		return nil, err
	}
	return s.viewOf(r), nil
}

func (s *service) confirmEmbeddedLocked(ctx context.Context, r *run, adapter gateway.Adapter, token string) error {
	sess := r.session
	if strings.TrimSpace(token) == "" {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, gateway.ErrMissingInstrument, "payment_method_token required")
	}
	intent := r.intent
	if intent == nil || intent.ID != sess.IntentID() {
		intent = &gateway.Intent{ID: sess.IntentID()}
	}
	outcome, err := callWithRetry(ctx, s, "confirm", func(ctx context.Context) (gateway.Outcome, error) {
		return adapter.Confirm(ctx, sess.UserID, intent, &gateway.ConfirmInput{PaymentMethodToken: token})
	})
	if err != nil {
		if gateway.Classify(err) == enums.FailureKindValidation {
			return err
		}
		// The charge may have gone through; keep the session observable.
		s.logg.Error(ctx, "embedded confirmation unavailable", err)
		s.startPollLocked(r)
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "payment provider unavailable, try again").
			WithDetails(map[string]any{"session_id": sess.ID.String(), "retryable": true})
	}
	return s.settleLocked(ctx, r, outcome)
}

// Cancel abandons a session that is awaiting confirmation. While a gateway or
// reconciliation step is outstanding the cancel is deferred and the session
// stays resumable.
func (s *service) Cancel(ctx context.Context, userID string) (*View, error) {
	r, err := s.runFor(userID)
	if err != nil {
		return nil, err
	}
	if !r.mu.TryLock() {
		view := s.latestView(r)
		view.Deferred = true
		return view, nil
	}
	defer r.mu.Unlock()

	sess, err := s.requireLocked(ctx, r)
	if err != nil {
		return nil, err
	}
	switch sess.State {
	case enums.SessionStateAwaitingConfirmation:
		ctx = s.sessionContext(ctx, sess)
		if err := s.move(ctx, r, enums.SessionStateCancelled); err != nil {
			return nil, err
		}
		s.logg.Info(ctx, "payment session cancelled by user")
		return s.viewOf(r), nil
	case enums.SessionStateCreated, enums.SessionStateAwaitingGatewayIntent,
		enums.SessionStateConfirming, enums.SessionStateReconciling:
		view := s.viewOf(r)
		view.Deferred = true
		return view, nil
	default:
		return s.viewOf(r), nil
	}
}

// Acknowledge clears a terminal session from the slot. Paid sessions awaiting
// reconciliation cannot be acknowledged away.
func (s *service) Acknowledge(ctx context.Context, userID string) error {
	r, err := s.runFor(userID)
	if err != nil {
		return err
	}
	if !r.mu.TryLock() {
		return stepInProgress(r)
	}
	defer r.mu.Unlock()

	sess, err := s.loadLocked(ctx, r)
	if err != nil {
		return err
	}
	if sess == nil {
		s.dropRun(r)
		return nil
	}
	if sess.AwaitsManualRecovery() {
		return pkgerrors.New(pkgerrors.CodeReconciliationPending, "payment received but orders are not fully recorded").
			WithDetails(map[string]any{"session_id": sess.ID.String()})
	}
	if sess.IsActive() {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "session is still in progress").
			WithDetails(map[string]any{"state": sess.State})
	}
	return s.clearLocked(ctx, r)
}

// RetryReconciliation runs one manual reconciliation pass for a paid session.
func (s *service) RetryReconciliation(ctx context.Context, userID string) (*View, error) {
	r, err := s.runFor(userID)
	if err != nil {
		return nil, err
	}
	if !r.mu.TryLock() {
		return nil, stepInProgress(r)
	}
	defer r.mu.Unlock()
	ctx = context.WithoutCancel(ctx)

	sess, err := s.requireLocked(ctx, r)
	if err != nil {
		return nil, err
	}
	if !sess.AwaitsManualRecovery() {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "session has no pending reconciliation").
			WithDetails(map[string]any{"state": sess.State})
	}
	ctx = s.sessionContext(ctx, sess)
	if err := s.move(ctx, r, enums.SessionStateReconciling); err != nil {
		return nil, err
	}
	if err := s.reconcileLocked(ctx, r, 1); err != nil {
		return nil, err
	}
	return s.viewOf(r), nil
}

// Current returns the latest known state of the user's session. The slot is
// authoritative; this process's copy is used only when it is not behind it.
func (s *service) Current(ctx context.Context, userID string) (*View, error) {
	id := strings.TrimSpace(userID)
	if id == "" {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, gateway.ErrMissingUser, "user identity required")
	}
	sess, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	r := s.runs[id]
	s.mu.Unlock()
	if r != nil && sess != nil {
		if latest := r.latest.Load(); latest != nil && latest.ID == sess.ID && latest.Version >= sess.Version {
			return newView(latest.Clone()), nil
		}
	}
	return newView(sess), nil
}

// Shutdown stops pollers and popup monitors, then persists every live session.
func (s *service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	runs := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.Unlock()

	s.cancelBase()
	s.monitor.StopAll()

	var errs []error
	for _, r := range runs {
		done := r.pollDoneChan()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		r.mu.Lock()
		if _, err := s.loadLocked(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("reload session for %s: %w", r.userID, err))
			r.mu.Unlock()
			continue
		}
		s.stopWatchersLocked(r)
		if r.session != nil && r.session.IsActive() {
			if err := s.store.Save(ctx, r.session); err != nil {
				errs = append(errs, fmt.Errorf("persist session for %s: %w", r.userID, err))
			}
		}
		r.mu.Unlock()
	}
	s.metrics.SetActiveRuns(0)
	return multierr.Combine(errs...)
}

func stepInProgress(r *run) error {
	details := map[string]any{}
	if latest := r.latest.Load(); latest != nil {
		details["session_id"] = latest.ID.String()
		details["state"] = latest.State
	}
	return pkgerrors.New(pkgerrors.CodeStateConflict, "a checkout step is already in progress").WithDetails(details)
}

// publicReason keeps failure reasons free of transport internals.
func publicReason(err error) string {
	if typed := pkgerrors.As(err); typed != nil {
		return typed.Message()
	}
	return err.Error()
}
