package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/angelmondragon/kluret-checkout/pkg/enums"
	pkgerrors "github.com/angelmondragon/kluret-checkout/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func testSnapshot(t *testing.T) CartSnapshot {
	t.Helper()
	snap, err := CaptureSnapshot([]CartLine{
		{ProductRef: "https://shop.example/p/1", UnitPrice: decimal.NewFromInt(199), Quantity: 1},
		{ProductRef: "https://shop.example/p/2", UnitPrice: decimal.NewFromInt(50), Quantity: 1},
	}, testNow)
	require.NoError(t, err)
	return snap
}

func newTestSession(t *testing.T, method enums.PaymentMethod) *PaymentSession {
	t.Helper()
	snap := testSnapshot(t)
	s, err := New(NewParams{
		UserID:        "user-1",
		Method:        method,
		Amount:        snap.Total(),
		Snapshot:      snap,
		ReturnContext: "/checkout?step=pay",
	}, testNow)
	require.NoError(t, err)
	return s
}

func TestCaptureSnapshotIsIsolatedFromCaller(t *testing.T) {
	lines := []CartLine{{ProductRef: "a", UnitPrice: decimal.NewFromInt(10), Quantity: 2}}
	snap, err := CaptureSnapshot(lines, testNow)
	require.NoError(t, err)

	lines[0].ProductRef = "mutated"
	lines = append(lines, CartLine{ProductRef: "b", UnitPrice: decimal.NewFromInt(1), Quantity: 1})

	assert.Equal(t, 1, snap.Len())
	line, ok := snap.Line(0)
	require.True(t, ok)
	assert.Equal(t, "a", line.ProductRef)

	read := snap.Lines()
	read[0].ProductRef = "also-mutated"
	line, _ = snap.Line(0)
	assert.Equal(t, "a", line.ProductRef)
	assert.True(t, decimal.NewFromInt(20).Equal(snap.Total()))
}

func TestCaptureSnapshotValidation(t *testing.T) {
	cases := map[string][]CartLine{
		"empty":        nil,
		"missing ref":  {{ProductRef: " ", UnitPrice: decimal.NewFromInt(1), Quantity: 1}},
		"zero qty":     {{ProductRef: "a", UnitPrice: decimal.NewFromInt(1), Quantity: 0}},
		"negative amt": {{ProductRef: "a", UnitPrice: decimal.NewFromInt(-1), Quantity: 1}},
	}
	for name, lines := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := CaptureSnapshot(lines, testNow)
			require.Error(t, err)
			assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
		})
	}
}

func TestProductRefsDeduplicates(t *testing.T) {
	snap, err := CaptureSnapshot([]CartLine{
		{ProductRef: "a", UnitPrice: decimal.NewFromInt(1), Quantity: 1},
		{ProductRef: "b", UnitPrice: decimal.NewFromInt(1), Quantity: 1},
		{ProductRef: "a", UnitPrice: decimal.NewFromInt(2), Quantity: 1},
	}, testNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, snap.ProductRefs())
}

func TestNewRequiresUserAndDefaultsCurrency(t *testing.T) {
	_, err := New(NewParams{Method: enums.PaymentMethodEmbedded, Snapshot: testSnapshot(t)}, testNow)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	s := newTestSession(t, enums.PaymentMethodEmbedded)
	assert.Equal(t, enums.CurrencySEK, s.Currency)
	assert.Equal(t, enums.SessionStateCreated, s.State)
	assert.Nil(t, s.GatewayIntentID)
	assert.Equal(t, testNow, s.CreatedAt)
}

func TestTransitionsFollowLifecycle(t *testing.T) {
	s := newTestSession(t, enums.PaymentMethodRedirect)
	later := testNow.Add(time.Second)

	require.NoError(t, s.Transition(enums.SessionStateAwaitingGatewayIntent, later))
	require.NoError(t, s.Transition(enums.SessionStateAwaitingConfirmation, later))
	require.NoError(t, s.Transition(enums.SessionStateConfirming, later))
	require.NoError(t, s.Transition(enums.SessionStateReconciling, later))
	require.NoError(t, s.Transition(enums.SessionStateSucceeded, later))
	assert.False(t, s.IsActive())
	assert.Equal(t, int64(5), s.Version)
	assert.Equal(t, later, s.LastUpdatedAt)

	err := s.Transition(enums.SessionStateAwaitingConfirmation, later)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))
}

func TestCancelOnlyFromAwaitingConfirmation(t *testing.T) {
	s := newTestSession(t, enums.PaymentMethodRedirect)
	require.NoError(t, s.Transition(enums.SessionStateAwaitingGatewayIntent, testNow))
	assert.False(t, s.CanTransition(enums.SessionStateCancelled))

	require.NoError(t, s.Transition(enums.SessionStateAwaitingConfirmation, testNow))
	require.NoError(t, s.Transition(enums.SessionStateConfirming, testNow))
	assert.False(t, s.CanTransition(enums.SessionStateCancelled))
}

func TestPartialReconciliationMayReenterReconciling(t *testing.T) {
	s := newTestSession(t, enums.PaymentMethodEmbedded)
	for _, next := range []enums.SessionState{
		enums.SessionStateAwaitingGatewayIntent,
		enums.SessionStateAwaitingConfirmation,
		enums.SessionStateConfirming,
		enums.SessionStateReconciling,
	} {
		require.NoError(t, s.Transition(next, testNow))
	}
	require.NoError(t, s.Fail(enums.FailureKindPartialReconciliation, "order line 1 failed", testNow))
	assert.True(t, s.AwaitsManualRecovery())
	require.NoError(t, s.Transition(enums.SessionStateReconciling, testNow))
	assert.Nil(t, s.Failure)

	declined := newTestSession(t, enums.PaymentMethodEmbedded)
	require.NoError(t, declined.Transition(enums.SessionStateAwaitingGatewayIntent, testNow))
	require.NoError(t, declined.Fail(enums.FailureKindGatewayDeclined, "card declined", testNow))
	assert.False(t, declined.CanTransition(enums.SessionStateReconciling))
}

func TestLedgerAndClone(t *testing.T) {
	s := newTestSession(t, enums.PaymentMethodEmbedded)
	s.SetIntent("pi_123", enums.IntentStatusRequiresAction, "", testNow)
	s.MarkLineReconciled(1)
	s.MarkLineReconciled(0)
	s.MarkLineReconciled(1)
	s.MarkRefCleared("a")

	clone := s.Clone()
	clone.MarkLineReconciled(5)
	*clone.GatewayIntentID = "pi_other"

	assert.Equal(t, []int{0, 1}, s.ReconciledLines)
	assert.Equal(t, "pi_123", s.IntentID())
	assert.True(t, s.RefCleared("a"))
	assert.False(t, s.RefCleared("b"))
}

func TestSessionJSONRoundTripKeepsSnapshot(t *testing.T) {
	s := newTestSession(t, enums.PaymentMethodRedirect)
	payload, err := json.Marshal(s)
	require.NoError(t, err)
	assert.NotContains(t, string(payload), "client_secret")

	var decoded PaymentSession
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, s.ID, decoded.ID)
	assert.Equal(t, 2, decoded.Snapshot.Len())
	assert.True(t, s.Amount.Equal(decoded.Amount))
	assert.Equal(t, s.Snapshot.ProductRefs(), decoded.Snapshot.ProductRefs())
}
