package checkout

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/angelmondragon/kluret-checkout/internal/gateway"
	"github.com/angelmondragon/kluret-checkout/internal/popup"
	"github.com/angelmondragon/kluret-checkout/internal/reconcile"
	"github.com/angelmondragon/kluret-checkout/internal/session"
	"github.com/angelmondragon/kluret-checkout/pkg/backend"
	"github.com/angelmondragon/kluret-checkout/pkg/enums"
	pkgerrors "github.com/angelmondragon/kluret-checkout/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUser = "user-1"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// gatewayBackend fakes the payment endpoints of the storefront backend.
type gatewayBackend struct {
	mu           sync.Mutex
	createCalls  int
	confirmCalls int
	pollCalls    int
	createErrs   []error
	confirmErrs  []error
	confirmState string
	pollState    string
	nextIntent   int

	block   chan struct{}
	entered chan struct{}
}

func newGatewayBackend() *gatewayBackend {
	return &gatewayBackend{confirmState: "succeeded", pollState: "requires_action"}
}

func (g *gatewayBackend) CreateIntent(_ context.Context, req backend.CreateIntentRequest) (*backend.IntentResponse, error) {
	g.mu.Lock()
	g.createCalls++
	block, entered := g.block, g.entered
	var err error
	if len(g.createErrs) > 0 {
		err, g.createErrs = g.createErrs[0], g.createErrs[1:]
	}
	g.nextIntent++
	id := fmt.Sprintf("pi_%d", g.nextIntent)
	g.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	resp := &backend.IntentResponse{Status: "requires_action", IntentID: id}
	if req.Method == enums.PaymentMethodRedirect.String() {
		resp.RedirectURL = "https://pay.example/session/" + id
	} else {
		resp.ClientSecret = id + "_secret"
	}
	return resp, nil
}

func (g *gatewayBackend) ConfirmIntent(_ context.Context, _ string, req backend.ConfirmRequest) (*backend.StatusResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if req.PaymentMethodToken == "" {
		g.pollCalls++
		return &backend.StatusResponse{Status: g.pollState}, nil
	}
	g.confirmCalls++
	if len(g.confirmErrs) > 0 {
		err := g.confirmErrs[0]
		g.confirmErrs = g.confirmErrs[1:]
		return nil, err
	}
	return &backend.StatusResponse{Status: g.confirmState}, nil
}

func (g *gatewayBackend) setPollState(state string) {
	g.mu.Lock()
	g.pollState = state
	g.mu.Unlock()
}

func (g *gatewayBackend) counts() (create, confirm, poll int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.createCalls, g.confirmCalls, g.pollCalls
}

// orderBackend fakes the order and cart endpoints with key-level idempotency.
type orderBackend struct {
	mu          sync.Mutex
	orders      map[string]backend.OrderRequest
	orderCalls  map[int]int
	removeCalls []string
	failLines   map[int]bool
}

func newOrderBackend() *orderBackend {
	return &orderBackend{
		orders:     map[string]backend.OrderRequest{},
		orderCalls: map[int]int{},
		failLines:  map[int]bool{},
	}
}

func (o *orderBackend) CreateOrder(_ context.Context, key string, req backend.OrderRequest) (*backend.StatusResponse, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.orderCalls[req.LineIndex]++
	if o.failLines[req.LineIndex] {
		return nil, &backend.StatusError{Op: "create_order", StatusCode: http.StatusBadGateway}
	}
	if _, ok := o.orders[key]; ok {
		return &backend.StatusResponse{Status: backend.StatusAlreadyRecorded}, nil
	}
	o.orders[key] = req
	return &backend.StatusResponse{Status: "created"}, nil
}

func (o *orderBackend) RemoveFromCart(_ context.Context, req backend.CartRemoveRequest) (*backend.StatusResponse, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removeCalls = append(o.removeCalls, req.ProductRef)
	return &backend.StatusResponse{Status: "removed"}, nil
}

func (o *orderBackend) setFail(line int, fail bool) {
	o.mu.Lock()
	o.failLines[line] = fail
	o.mu.Unlock()
}

type harness struct {
	t       *testing.T
	store   *session.MemoryStore
	gw      *gatewayBackend
	orders  *orderBackend
	popups  *popup.BeaconOpener
	clock   *fakeClock
	opts    Options
	svc     Service
	created []Service
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		store:  session.NewMemoryStore(),
		gw:     newGatewayBackend(),
		orders: newOrderBackend(),
		popups: popup.NewBeaconOpener(time.Minute),
		clock:  &fakeClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)},
	}
	h.opts = Options{
		PollInterval:       time.Hour,
		PollTimeout:        5 * time.Minute,
		PopupCheckInterval: 5 * time.Millisecond,
		ReconcileBackoff:   -1,
	}
	for _, m := range mutate {
		m(&h.opts)
	}
	h.svc = h.restart()
	t.Cleanup(func() {
		for _, svc := range h.created {
			_ = svc.Shutdown(context.Background())
		}
	})
	return h
}

// restart builds a fresh coordinator over the same store, as after a reload.
func (h *harness) restart() Service {
	h.t.Helper()
	embedded, err := gateway.NewEmbedded(h.gw, "pk_test_123")
	require.NoError(h.t, err)
	redirect, err := gateway.NewRedirect(h.gw, "pk_test_123", decimal.NewFromInt(3))
	require.NoError(h.t, err)
	rec, err := reconcile.New(h.orders)
	require.NoError(h.t, err)

	opts := h.opts
	opts.Clock = h.clock.Now
	svc, err := NewService(h.store, gateway.NewRegistryFromAdapters(embedded, redirect), rec, h.popups, opts)
	require.NoError(h.t, err)
	h.created = append(h.created, svc)
	return svc
}

func (h *harness) stored() *session.PaymentSession {
	h.t.Helper()
	sess, err := h.store.Load(context.Background(), testUser)
	require.NoError(h.t, err)
	return sess
}

func snapshot(t *testing.T, prices ...int64) session.CartSnapshot {
	t.Helper()
	if len(prices) == 0 {
		prices = []int64{199, 50}
	}
	lines := make([]session.CartLine, 0, len(prices))
	for i, p := range prices {
		lines = append(lines, session.CartLine{
			ProductRef: fmt.Sprintf("https://shop.example/p/%d", i+1),
			UnitPrice:  decimal.NewFromInt(p),
			Quantity:   1,
		})
	}
	snap, err := session.CaptureSnapshot(lines, time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return snap
}

func beginRedirect(t *testing.T, h *harness, popupCapable bool) *View {
	t.Helper()
	view, err := h.svc.Begin(context.Background(), BeginInput{
		UserID:        testUser,
		Snapshot:      snapshot(t),
		Method:        enums.PaymentMethodRedirect,
		ReturnContext: "/checkout?step=pay",
		PopupCapable:  popupCapable,
	})
	require.NoError(t, err)
	require.Equal(t, enums.SessionStateAwaitingConfirmation, view.State())
	return view
}

func TestEmbeddedCheckoutEndToEnd(t *testing.T) {
	h := newHarness(t)

	view, err := h.svc.Begin(context.Background(), BeginInput{
		UserID:             testUser,
		Snapshot:           snapshot(t, 199, 50),
		Method:             enums.PaymentMethodEmbedded,
		PaymentMethodToken: "tok_visa",
	})
	require.NoError(t, err)
	require.Equal(t, enums.SessionStateSucceeded, view.State())

	sid := view.Session.ID.String()
	assert.Len(t, h.orders.orders, 2)
	assert.Contains(t, h.orders.orders, sid+":0")
	assert.Contains(t, h.orders.orders, sid+":1")
	assert.Equal(t, "pi_1", h.orders.orders[sid+":0"].PaymentIntentID)
	assert.ElementsMatch(t, []string{"https://shop.example/p/1", "https://shop.example/p/2"}, h.orders.removeCalls)
	assert.Nil(t, h.stored(), "slot cleared after success")
	assert.True(t, decimal.NewFromInt(249).Equal(view.Session.Amount))
	assert.Equal(t, "pi_1_secret", view.ClientSecret)
	assert.Equal(t, "pk_test_123", view.PublishableKey)

	create, confirm, poll := h.gw.counts()
	assert.Equal(t, 1, create)
	assert.Equal(t, 1, confirm)
	assert.Zero(t, poll)
}

func TestEmbeddedConfirmAfterBegin(t *testing.T) {
	h := newHarness(t)

	view, err := h.svc.Begin(context.Background(), BeginInput{
		UserID:   testUser,
		Snapshot: snapshot(t),
		Method:   enums.PaymentMethodEmbedded,
	})
	require.NoError(t, err)
	require.Equal(t, enums.SessionStateAwaitingConfirmation, view.State())
	assert.Equal(t, "pi_1_secret", view.ClientSecret)

	stored := h.stored()
	require.NotNil(t, stored)
	assert.Equal(t, "pi_1", stored.IntentID())

	_, err = h.svc.ConfirmEmbedded(context.Background(), testUser, ConfirmInput{})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	view, err = h.svc.ConfirmEmbedded(context.Background(), testUser, ConfirmInput{PaymentMethodToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, enums.SessionStateSucceeded, view.State())
	assert.Nil(t, h.stored())
}

func TestEmbeddedDeclineFailsWithoutRetry(t *testing.T) {
	h := newHarness(t)
	h.gw.confirmErrs = []error{&backend.StatusError{Op: "confirm_intent", StatusCode: http.StatusPaymentRequired}}

	view, err := h.svc.Begin(context.Background(), BeginInput{
		UserID:             testUser,
		Snapshot:           snapshot(t),
		Method:             enums.PaymentMethodEmbedded,
		PaymentMethodToken: "tok_declined",
	})
	require.NoError(t, err)
	require.Equal(t, enums.SessionStateFailed, view.State())
	assert.Equal(t, enums.FailureKindGatewayDeclined, view.Session.Failure.Kind)
	_, confirm, _ := h.gw.counts()
	assert.Equal(t, 1, confirm)
	assert.Empty(t, h.orders.orders)
}

func TestBeginRejectsSecondActiveSession(t *testing.T) {
	h := newHarness(t)
	first := beginRedirect(t, h, false)

	_, err := h.svc.Begin(context.Background(), BeginInput{
		UserID:   testUser,
		Snapshot: snapshot(t, 10),
		Method:   enums.PaymentMethodEmbedded,
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))

	stored := h.stored()
	require.NotNil(t, stored)
	assert.Equal(t, first.Session.ID, stored.ID)
	create, _, _ := h.gw.counts()
	assert.Equal(t, 1, create)
}

func TestBeginBelowMinimumMakesNoNetworkCalls(t *testing.T) {
	h := newHarness(t)

	view, err := h.svc.Begin(context.Background(), BeginInput{
		UserID:   testUser,
		Snapshot: snapshot(t, 2),
		Amount:   decimal.NewFromInt(2),
		Method:   enums.PaymentMethodRedirect,
	})
	require.NoError(t, err)
	require.Equal(t, enums.SessionStateFailed, view.State())
	assert.Equal(t, enums.FailureKindValidation, view.Session.Failure.Kind)

	create, confirm, poll := h.gw.counts()
	assert.Zero(t, create+confirm+poll)
	assert.Empty(t, h.orders.orders)

	// A failed session does not block the next attempt.
	view, err = h.svc.Begin(context.Background(), BeginInput{
		UserID:   testUser,
		Snapshot: snapshot(t, 5),
		Method:   enums.PaymentMethodRedirect,
	})
	require.NoError(t, err)
	assert.Equal(t, enums.SessionStateAwaitingConfirmation, view.State())
}

func TestGatewayUnavailableRetriedOnce(t *testing.T) {
	h := newHarness(t)
	h.gw.createErrs = []error{&backend.TransportError{Op: "create_intent", Err: fmt.Errorf("connection reset")}}

	view := beginRedirect(t, h, false)
	assert.Equal(t, "pi_2", view.Session.IntentID())
	create, _, _ := h.gw.counts()
	assert.Equal(t, 2, create)
}

func TestGatewayUnavailableTwiceFails(t *testing.T) {
	h := newHarness(t)
	unavailable := &backend.StatusError{Op: "create_intent", StatusCode: http.StatusServiceUnavailable}
	h.gw.createErrs = []error{unavailable, unavailable}

	view, err := h.svc.Begin(context.Background(), BeginInput{
		UserID:   testUser,
		Snapshot: snapshot(t),
		Method:   enums.PaymentMethodRedirect,
	})
	require.NoError(t, err)
	require.Equal(t, enums.SessionStateFailed, view.State())
	assert.Equal(t, enums.FailureKindGatewayUnavailable, view.Session.Failure.Kind)
	create, _, _ := h.gw.counts()
	assert.Equal(t, 2, create)
}

func TestGatewayDeclinedIntentNotRetried(t *testing.T) {
	h := newHarness(t)
	h.gw.createErrs = []error{&backend.StatusError{Op: "create_intent", StatusCode: http.StatusUnprocessableEntity}}

	view, err := h.svc.Begin(context.Background(), BeginInput{
		UserID:   testUser,
		Snapshot: snapshot(t),
		Method:   enums.PaymentMethodRedirect,
	})
	require.NoError(t, err)
	assert.Equal(t, enums.FailureKindGatewayDeclined, view.Session.Failure.Kind)
	create, _, _ := h.gw.counts()
	assert.Equal(t, 1, create)
}

func TestResumeWithSucceededReturnURLSkipsPolling(t *testing.T) {
	h := newHarness(t)
	begun := beginRedirect(t, h, false)
	require.Equal(t, enums.NavigationModeFullPage, begun.Navigation)

	reloaded := h.restart()
	view, err := reloaded.Resume(context.Background(), testUser,
		"https://shop.example/checkout?step=pay&payment_intent=pi_1&redirect_status=succeeded")
	require.NoError(t, err)

	assert.Equal(t, enums.SessionStateSucceeded, view.State())
	assert.Equal(t, "https://shop.example/checkout?step=pay", view.CleanURL)
	assert.Equal(t, "/checkout?step=pay", view.ReturnTo)
	assert.Len(t, h.orders.orders, 2)
	assert.Nil(t, h.stored())
	_, _, poll := h.gw.counts()
	assert.Zero(t, poll)
}

func TestResumeWithFailedReturnURL(t *testing.T) {
	h := newHarness(t)
	beginRedirect(t, h, false)

	view, err := h.restart().Resume(context.Background(), testUser,
		"https://shop.example/checkout?payment_intent=pi_1&redirect_status=failed")
	require.NoError(t, err)
	require.Equal(t, enums.SessionStateFailed, view.State())
	assert.Equal(t, enums.FailureKindGatewayDeclined, view.Session.Failure.Kind)
	assert.True(t, view.Session.CallbackConsumed)
	assert.Empty(t, h.orders.orders)
}

func TestResumeWithCanceledReturnURLCancelsSilently(t *testing.T) {
	h := newHarness(t)
	beginRedirect(t, h, false)

	view, err := h.restart().Resume(context.Background(), testUser,
		"https://shop.example/checkout?payment_intent=pi_1&redirect_status=canceled")
	require.NoError(t, err)
	require.Equal(t, enums.SessionStateCancelled, view.State())
	assert.Nil(t, view.Session.Failure)
	assert.Equal(t, enums.IntentStatusCanceled, view.Session.IntentStatus)
	assert.Equal(t, enums.SessionStateCancelled, h.stored().State)
	assert.Empty(t, h.orders.orders)
}

func TestReplicaSeesSessionSettledByAnotherReplica(t *testing.T) {
	h := newHarness(t)
	replicaA := h.svc
	replicaB := h.restart()
	beginRedirect(t, h, false)

	settled, err := replicaB.Resume(context.Background(), testUser,
		"https://shop.example/checkout?payment_intent=pi_1&redirect_status=succeeded")
	require.NoError(t, err)
	require.Equal(t, enums.SessionStateSucceeded, settled.State())
	require.Nil(t, h.stored())

	current, err := replicaA.Current(context.Background(), testUser)
	require.NoError(t, err)
	assert.NotEqual(t, enums.SessionStateAwaitingConfirmation, current.State())
	assert.Nil(t, current.Session)

	again, err := replicaA.Begin(context.Background(), BeginInput{
		UserID:   testUser,
		Snapshot: snapshot(t),
		Method:   enums.PaymentMethodRedirect,
	})
	require.NoError(t, err)
	assert.Equal(t, enums.SessionStateAwaitingConfirmation, again.State())
	assert.Equal(t, "pi_2", again.Session.IntentID())
	assert.NotEqual(t, settled.Session.ID, again.Session.ID)
}

func TestReplicaDoesNotConfirmSessionCancelledElsewhere(t *testing.T) {
	h := newHarness(t)
	replicaA := h.svc
	replicaB := h.restart()

	begun, err := replicaA.Begin(context.Background(), BeginInput{
		UserID:   testUser,
		Snapshot: snapshot(t),
		Method:   enums.PaymentMethodEmbedded,
	})
	require.NoError(t, err)
	require.Equal(t, enums.SessionStateAwaitingConfirmation, begun.State())

	cancelled, err := replicaB.Cancel(context.Background(), testUser)
	require.NoError(t, err)
	require.Equal(t, enums.SessionStateCancelled, cancelled.State())

	_, err = replicaA.ConfirmEmbedded(context.Background(), testUser, ConfirmInput{PaymentMethodToken: "tok"})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))
	_, confirm, _ := h.gw.counts()
	assert.Zero(t, confirm)

	current, err := replicaA.Current(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, enums.SessionStateCancelled, current.State())
}

func TestResumeIgnoresParametersForAnotherIntent(t *testing.T) {
	h := newHarness(t)
	beginRedirect(t, h, false)

	view, err := h.restart().Resume(context.Background(), testUser,
		"https://shop.example/checkout?payment_intent=pi_old&redirect_status=succeeded")
	require.NoError(t, err)
	assert.Equal(t, enums.SessionStateAwaitingConfirmation, view.State())
	assert.Equal(t, "https://shop.example/checkout", view.CleanURL)
	assert.Empty(t, h.orders.orders)
}

func TestResumeAfterTimeoutExpires(t *testing.T) {
	h := newHarness(t)
	beginRedirect(t, h, false)
	h.clock.Advance(5*time.Minute + time.Second)

	view, err := h.restart().Resume(context.Background(), testUser, "https://shop.example/checkout")
	require.NoError(t, err)
	assert.Equal(t, enums.SessionStateExpired, view.State())
	assert.Equal(t, enums.SessionStateExpired, h.stored().State)
	_, _, poll := h.gw.counts()
	assert.Zero(t, poll)
}

func TestResumeWithinWindowPollsToCompletion(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.PollInterval = 5 * time.Millisecond })
	beginRedirect(t, h, false)
	h.clock.Advance(time.Minute)

	reloaded := h.restart()
	view, err := reloaded.Resume(context.Background(), testUser, "https://shop.example/checkout")
	require.NoError(t, err)
	require.Equal(t, enums.SessionStateAwaitingConfirmation, view.State())

	h.gw.setPollState("succeeded")
	require.Eventually(t, func() bool {
		return h.stored() == nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, h.orders.orders, 2)
	_, _, poll := h.gw.counts()
	assert.GreaterOrEqual(t, poll, 1)
}

func TestPollerExpiresAfterTimeout(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.PollInterval = 5 * time.Millisecond })
	beginRedirect(t, h, true)
	h.clock.Advance(6 * time.Minute)

	require.Eventually(t, func() bool {
		sess := h.stored()
		return sess != nil && sess.State == enums.SessionStateExpired
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPopupClosureCancels(t *testing.T) {
	h := newHarness(t)
	view := beginRedirect(t, h, true)
	require.Equal(t, enums.NavigationModePopup, view.Navigation)
	require.NotEmpty(t, view.PopupID)

	require.NoError(t, h.svc.PopupHeartbeat(context.Background(), testUser, view.PopupID))
	err := h.svc.PopupHeartbeat(context.Background(), testUser, "unknown")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	closed, err := h.svc.PopupClosed(context.Background(), testUser, view.PopupID)
	require.NoError(t, err)
	assert.Equal(t, enums.SessionStateCancelled, closed.State())
	assert.Nil(t, closed.Session.Failure)
	assert.Equal(t, enums.SessionStateCancelled, h.stored().State)
}

func TestPopupMonitorCancelsWhenClientReportsClosure(t *testing.T) {
	h := newHarness(t)
	view := beginRedirect(t, h, true)

	require.NoError(t, h.popups.ReportClosed(testUser, view.PopupID))
	require.Eventually(t, func() bool {
		current, err := h.svc.Current(context.Background(), testUser)
		return err == nil && current.State() == enums.SessionStateCancelled
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPopupClosedAfterSuccessIsDiscarded(t *testing.T) {
	h := newHarness(t)
	view := beginRedirect(t, h, true)

	resumed, err := h.svc.Resume(context.Background(), testUser,
		"https://shop.example/checkout?payment_intent=pi_1&redirect_status=succeeded")
	require.NoError(t, err)
	require.Equal(t, enums.SessionStateSucceeded, resumed.State())

	closed, err := h.svc.PopupClosed(context.Background(), testUser, view.PopupID)
	require.NoError(t, err)
	assert.Nil(t, closed.Session)
	assert.Len(t, h.orders.orders, 2)
}

func TestPopupBlockedFallsBackToFullPage(t *testing.T) {
	h := newHarness(t)
	view := beginRedirect(t, h, false)

	assert.Equal(t, enums.NavigationModeFullPage, view.Navigation)
	assert.Equal(t, "https://pay.example/session/pi_1", view.RedirectURL)
	assert.Empty(t, view.PopupID)
	ret, err := h.store.TakeReturnContext(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, "/checkout?step=pay", ret)
}

func TestCancelAwaitingConfirmation(t *testing.T) {
	h := newHarness(t)
	beginRedirect(t, h, false)

	view, err := h.svc.Cancel(context.Background(), testUser)
	require.NoError(t, err)
	assert.False(t, view.Deferred)
	assert.Equal(t, enums.SessionStateCancelled, view.State())

	require.NoError(t, h.svc.Acknowledge(context.Background(), testUser))
	assert.Nil(t, h.stored())
}

func TestCancelDuringIntentCreationIsDeferred(t *testing.T) {
	h := newHarness(t)
	h.gw.block = make(chan struct{})
	h.gw.entered = make(chan struct{}, 1)

	type result struct {
		view *View
		err  error
	}
	done := make(chan result, 1)
	go func() {
		view, err := h.svc.Begin(context.Background(), BeginInput{
			UserID:   testUser,
			Snapshot: snapshot(t),
			Method:   enums.PaymentMethodRedirect,
		})
		done <- result{view, err}
	}()
	<-h.gw.entered

	cancelled, err := h.svc.Cancel(context.Background(), testUser)
	require.NoError(t, err)
	assert.True(t, cancelled.Deferred)
	assert.Equal(t, enums.SessionStateAwaitingGatewayIntent, cancelled.State())

	close(h.gw.block)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, enums.SessionStateAwaitingConfirmation, res.view.State())
}

func TestAcknowledgeRules(t *testing.T) {
	h := newHarness(t)
	beginRedirect(t, h, false)

	err := h.svc.Acknowledge(context.Background(), testUser)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))

	require.NoError(t, h.restart().Acknowledge(context.Background(), "nobody"))
}

func TestPartialReconciliationNeedsManualRetry(t *testing.T) {
	h := newHarness(t)
	h.orders.setFail(1, true)

	view, err := h.svc.Begin(context.Background(), BeginInput{
		UserID:             testUser,
		Snapshot:           snapshot(t),
		Method:             enums.PaymentMethodEmbedded,
		PaymentMethodToken: "tok",
	})
	require.NoError(t, err)
	require.Equal(t, enums.SessionStateFailed, view.State())
	assert.Equal(t, enums.FailureKindPartialReconciliation, view.Session.Failure.Kind)
	assert.Equal(t, 3, view.Session.ReconcileAttempts)
	assert.Equal(t, 3, h.orders.orderCalls[1])
	assert.Equal(t, 1, h.orders.orderCalls[0])
	assert.Empty(t, h.orders.removeCalls)

	err = h.svc.Acknowledge(context.Background(), testUser)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeReconciliationPending))
	_, err = h.svc.Begin(context.Background(), BeginInput{
		UserID:   testUser,
		Snapshot: snapshot(t),
		Method:   enums.PaymentMethodEmbedded,
	})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeReconciliationPending))
	require.NotNil(t, h.stored())

	h.orders.setFail(1, false)
	view, err = h.restart().RetryReconciliation(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, enums.SessionStateSucceeded, view.State())
	assert.Equal(t, 1, h.orders.orderCalls[0], "recorded line is not resubmitted")
	assert.Len(t, h.orders.orders, 2)
	assert.Len(t, h.orders.removeCalls, 2)
	assert.Nil(t, h.stored())
}

func TestRetryReconciliationRequiresPartialFailure(t *testing.T) {
	h := newHarness(t)
	beginRedirect(t, h, false)

	_, err := h.svc.RetryReconciliation(context.Background(), testUser)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))
}

func TestExpireStale(t *testing.T) {
	h := newHarness(t)
	beginRedirect(t, h, false)
	h.clock.Advance(31 * time.Minute)

	sweeper := h.restart()
	n, err := sweeper.ExpireStale(context.Background(), h.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, enums.SessionStateExpired, h.stored().State)

	n, err = sweeper.ExpireStale(context.Background(), h.clock.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// seedSession stores a session for userID created age before the clock and
// walked through states.
func seedSession(t *testing.T, h *harness, userID string, age time.Duration, states ...enums.SessionState) {
	t.Helper()
	created := h.clock.Now().Add(-age)
	sess, err := session.New(session.NewParams{
		UserID:   userID,
		Method:   enums.PaymentMethodEmbedded,
		Snapshot: snapshot(t),
		Amount:   snapshot(t).Total(),
	}, created)
	require.NoError(t, err)
	for _, state := range states {
		if state == enums.SessionStateAwaitingConfirmation {
			sess.SetIntent("pi_"+userID, enums.IntentStatusRequiresAction, "", created)
		}
		require.NoError(t, sess.Transition(state, created))
	}
	require.NoError(t, h.store.Save(context.Background(), sess))
}

func TestExpireStaleDoesNotStallBehindUnresolvedSessions(t *testing.T) {
	h := newHarness(t)
	seedSession(t, h, "stuck", 2*time.Hour,
		enums.SessionStateAwaitingGatewayIntent,
		enums.SessionStateAwaitingConfirmation,
		enums.SessionStateConfirming)
	seedSession(t, h, "late", time.Hour, enums.SessionStateAwaitingGatewayIntent)

	sweeper := h.restart()
	n, err := sweeper.ExpireStale(context.Background(), h.clock.Now(), 1)
	require.NoError(t, err)
	assert.Zero(t, n)
	stuck, err := h.store.Load(context.Background(), "stuck")
	require.NoError(t, err)
	assert.Equal(t, enums.SessionStateConfirming, stuck.State)

	n, err = sweeper.ExpireStale(context.Background(), h.clock.Now(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	late, err := h.store.Load(context.Background(), "late")
	require.NoError(t, err)
	assert.Equal(t, enums.SessionStateExpired, late.State)
}

func TestShutdownPersistsAndRejectsNewWork(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.PollInterval = 5 * time.Millisecond })
	view := beginRedirect(t, h, true)

	require.NoError(t, h.svc.Shutdown(context.Background()))
	stored := h.stored()
	require.NotNil(t, stored)
	assert.Equal(t, view.Session.ID, stored.ID)
	assert.Equal(t, enums.SessionStateAwaitingConfirmation, stored.State)

	_, err := h.svc.Begin(context.Background(), BeginInput{UserID: "user-2", Snapshot: snapshot(t), Method: enums.PaymentMethodEmbedded})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))
}

func TestParseReturnURL(t *testing.T) {
	params, clean, err := parseReturnURL("https://shop.example/checkout?step=pay&payment_intent=pi_9&payment_intent_client_secret=s&redirect_status=canceled")
	require.NoError(t, err)
	assert.True(t, params.present)
	assert.True(t, params.valid)
	assert.Equal(t, "pi_9", params.intentID)
	assert.Equal(t, enums.IntentStatusCanceled, params.status)
	assert.Equal(t, "https://shop.example/checkout?step=pay", clean)

	params, clean, err = parseReturnURL("/checkout?redirect_status=processing")
	require.NoError(t, err)
	assert.True(t, params.present)
	assert.False(t, params.valid)
	assert.Equal(t, "/checkout", clean)

	params, clean, err = parseReturnURL("/checkout?step=1")
	require.NoError(t, err)
	assert.False(t, params.present)
	assert.Equal(t, "/checkout?step=1", clean)
}
