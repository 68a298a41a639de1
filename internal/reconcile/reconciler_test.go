package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/angelmondragon/kluret-checkout/internal/session"
	"github.com/angelmondragon/kluret-checkout/pkg/backend"
	"github.com/angelmondragon/kluret-checkout/pkg/enums"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type fakeBackend struct {
	mu          sync.Mutex
	orders      map[string]backend.OrderRequest
	orderCalls  []string
	removeCalls []string
	cart        map[string]bool
	failOrders  map[int]bool
	failRemoves map[string]bool

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	delay       time.Duration
}

func newFakeBackend(cart ...string) *fakeBackend {
	f := &fakeBackend{
		orders:      map[string]backend.OrderRequest{},
		cart:        map[string]bool{},
		failOrders:  map[int]bool{},
		failRemoves: map[string]bool{},
	}
	for _, ref := range cart {
		f.cart[ref] = true
	}
	return f
}

func (f *fakeBackend) enter() func() {
	n := f.inFlight.Add(1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return func() { f.inFlight.Add(-1) }
}

func (f *fakeBackend) CreateOrder(_ context.Context, key string, req backend.OrderRequest) (*backend.StatusResponse, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orderCalls = append(f.orderCalls, key)
	if f.failOrders[req.LineIndex] {
		return nil, &backend.StatusError{Op: "create_order", StatusCode: 503}
	}
	if _, ok := f.orders[key]; ok {
		return &backend.StatusResponse{Status: backend.StatusAlreadyRecorded}, nil
	}
	f.orders[key] = req
	return &backend.StatusResponse{Status: "created"}, nil
}

func (f *fakeBackend) RemoveFromCart(_ context.Context, req backend.CartRemoveRequest) (*backend.StatusResponse, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls = append(f.removeCalls, req.ProductRef)
	if f.failRemoves[req.ProductRef] {
		return nil, errors.New("connection reset")
	}
	delete(f.cart, req.ProductRef)
	return &backend.StatusResponse{Status: "removed"}, nil
}

func newSession(t *testing.T, lines ...session.CartLine) *session.PaymentSession {
	t.Helper()
	if len(lines) == 0 {
		lines = []session.CartLine{
			{ProductRef: "p-1", UnitPrice: decimal.NewFromInt(199), Quantity: 1},
			{ProductRef: "p-2", UnitPrice: decimal.NewFromInt(50), Quantity: 1},
		}
	}
	snap, err := session.CaptureSnapshot(lines, testNow)
	require.NoError(t, err)
	s, err := session.New(session.NewParams{
		UserID:   "user-1",
		Method:   enums.PaymentMethodEmbedded,
		Amount:   snap.Total(),
		Snapshot: snap,
	}, testNow)
	require.NoError(t, err)
	return s
}

func TestReconcileCreatesOrderPerLineAndClearsSnapshotRefs(t *testing.T) {
	fb := newFakeBackend("p-1", "p-2")
	r, err := New(fb)
	require.NoError(t, err)
	s := newSession(t)

	res := r.Reconcile(context.Background(), s, "pi_123")
	require.True(t, res.Complete(), res.Summary())

	sid := s.ID.String()
	assert.ElementsMatch(t, []string{sid + ":0", sid + ":1"}, fb.orderCalls)
	assert.Equal(t, "pi_123", fb.orders[sid+":0"].PaymentIntentID)
	assert.True(t, decimal.NewFromInt(199).Equal(fb.orders[sid+":0"].Price))
	assert.ElementsMatch(t, []string{"p-1", "p-2"}, fb.removeCalls)
	assert.Equal(t, []int{0, 1}, res.SucceededLines)
	assert.Equal(t, []int{0, 1}, s.ReconciledLines)
	assert.Empty(t, fb.cart)
}

func TestReconcileTwiceCreatesNoDuplicates(t *testing.T) {
	fb := newFakeBackend("p-1", "p-2")
	r, err := New(fb)
	require.NoError(t, err)
	s := newSession(t)

	// A lost ledger (e.g. crash before persist) still converges on the
	// composite key.
	replay := s.Clone()
	require.True(t, r.Reconcile(context.Background(), s, "pi_1").Complete())
	require.True(t, r.Reconcile(context.Background(), replay, "pi_1").Complete())
	assert.Len(t, fb.orders, 2)

	// A persisted ledger skips the backend entirely.
	calls := len(fb.orderCalls)
	require.True(t, r.Reconcile(context.Background(), s, "pi_1").Complete())
	assert.Len(t, fb.orderCalls, calls)
	assert.Len(t, fb.orders, 2)
}

func TestReconcileTouchesOnlySnapshotLines(t *testing.T) {
	fb := newFakeBackend("p-1", "p-2", "p-added-later")
	r, err := New(fb)
	require.NoError(t, err)
	s := newSession(t)

	res := r.Reconcile(context.Background(), s, "pi_1")
	require.True(t, res.Complete())
	assert.NotContains(t, fb.removeCalls, "p-added-later")
	assert.True(t, fb.cart["p-added-later"])
	for _, req := range fb.orders {
		assert.NotEqual(t, "p-added-later", req.ProductRef)
	}
}

func TestReconcilePartialOrdersSkipCartRemoval(t *testing.T) {
	fb := newFakeBackend("p-1", "p-2")
	fb.failOrders[1] = true
	r, err := New(fb)
	require.NoError(t, err)
	s := newSession(t)

	res := r.Reconcile(context.Background(), s, "pi_1")
	require.True(t, res.Partial())
	assert.Equal(t, []int{0}, res.SucceededLines)
	assert.Equal(t, []int{1}, res.FailedLines)
	assert.Empty(t, fb.removeCalls)
	assert.Error(t, res.Err)
	assert.Contains(t, res.Summary(), "[1]")

	fb.failOrders[1] = false
	res = r.Reconcile(context.Background(), s, "pi_1")
	require.True(t, res.Complete(), res.Summary())
	sid := s.ID.String()
	assert.ElementsMatch(t, []string{sid + ":0", sid + ":1", sid + ":1"}, fb.orderCalls)
	assert.Len(t, fb.removeCalls, 2)
}

func TestReconcilePartialCartRemoval(t *testing.T) {
	fb := newFakeBackend("p-1", "p-2")
	fb.failRemoves["p-2"] = true
	r, err := New(fb)
	require.NoError(t, err)
	s := newSession(t)

	res := r.Reconcile(context.Background(), s, "pi_1")
	require.True(t, res.Partial())
	assert.Empty(t, res.FailedLines)
	assert.Equal(t, []string{"p-2"}, res.FailedClears)
	assert.Equal(t, []string{"p-1"}, s.ClearedRefs)

	fb.failRemoves["p-2"] = false
	res = r.Reconcile(context.Background(), s, "pi_1")
	require.True(t, res.Complete())
	assert.ElementsMatch(t, []string{"p-1", "p-2", "p-2"}, fb.removeCalls)
	assert.Equal(t, []string{"p-1", "p-2"}, s.ClearedRefs)
}

func TestReconcileDeduplicatesCartRemoval(t *testing.T) {
	fb := newFakeBackend("p-1")
	r, err := New(fb)
	require.NoError(t, err)
	s := newSession(t,
		session.CartLine{ProductRef: "p-1", UnitPrice: decimal.NewFromInt(10), Quantity: 1},
		session.CartLine{ProductRef: "p-1", UnitPrice: decimal.NewFromInt(10), Quantity: 2},
	)

	res := r.Reconcile(context.Background(), s, "pi_1")
	require.True(t, res.Complete())
	assert.Len(t, fb.orders, 2)
	assert.Equal(t, []string{"p-1"}, fb.removeCalls)
}

func TestReconcileBoundsConcurrency(t *testing.T) {
	fb := newFakeBackend()
	fb.delay = 5 * time.Millisecond
	r, err := New(fb, WithConcurrency(2))
	require.NoError(t, err)

	lines := make([]session.CartLine, 0, 8)
	for i := 0; i < 8; i++ {
		lines = append(lines, session.CartLine{ProductRef: string(rune('a' + i)), UnitPrice: decimal.NewFromInt(1), Quantity: 1})
	}
	s := newSession(t, lines...)

	res := r.Reconcile(context.Background(), s, "pi_1")
	require.True(t, res.Complete())
	assert.LessOrEqual(t, fb.maxInFlight.Load(), int32(2))
	assert.Len(t, fb.orders, 8)
	assert.Len(t, fb.removeCalls, 8)
}

func TestReconcileRequiresIntent(t *testing.T) {
	r, err := New(newFakeBackend())
	require.NoError(t, err)
	res := r.Reconcile(context.Background(), newSession(t), " ")
	assert.False(t, res.Complete())
	assert.Error(t, res.Err)

	_, err = New(nil)
	assert.Error(t, err)
}
