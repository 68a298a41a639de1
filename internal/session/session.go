package session

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/angelmondragon/kluret-checkout/pkg/enums"
	pkgerrors "github.com/angelmondragon/kluret-checkout/pkg/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Failure describes why a session ended in the failed state.
type Failure struct {
	Kind   enums.FailureKind `json:"kind"`
	Reason string            `json:"reason"`
}

// PaymentSession is the unit of work for one checkout attempt. It carries no
// gateway secrets and is safe to persist as-is.
type PaymentSession struct {
	ID                uuid.UUID            `json:"session_id"`
	UserID            string               `json:"user_id"`
	Method            enums.PaymentMethod  `json:"method"`
	Amount            decimal.Decimal      `json:"amount"`
	Currency          enums.Currency       `json:"currency"`
	State             enums.SessionState   `json:"state"`
	GatewayIntentID   *string              `json:"gateway_intent_id"`
	IntentStatus      enums.IntentStatus   `json:"intent_status,omitempty"`
	RedirectURL       string               `json:"redirect_url,omitempty"`
	ReturnContext     string               `json:"return_context"`
	Navigation        enums.NavigationMode `json:"navigation,omitempty"`
	PopupID           string               `json:"popup_id,omitempty"`
	Snapshot          CartSnapshot         `json:"cart_snapshot"`
	Failure           *Failure             `json:"failure,omitempty"`
	ReconciledLines   []int                `json:"reconciled_lines,omitempty"`
	ClearedRefs       []string             `json:"cleared_refs,omitempty"`
	ReconcileAttempts int                  `json:"reconcile_attempts,omitempty"`
	CallbackConsumed  bool                 `json:"callback_consumed,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	LastUpdatedAt     time.Time            `json:"last_updated_at"`
	Version           int64                `json:"version"`
}

// NewParams carries the immutable inputs of a session.
type NewParams struct {
	UserID        string
	Method        enums.PaymentMethod
	Amount        decimal.Decimal
	Currency      enums.Currency
	Snapshot      CartSnapshot
	ReturnContext string
}

// New creates a session in the created state.
func New(params NewParams, now time.Time) (*PaymentSession, error) {
	userID := strings.TrimSpace(params.UserID)
	if userID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user identity required")
	}
	if !params.Method.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unsupported payment method %q", params.Method))
	}
	currency := params.Currency
	if currency == "" {
		currency = enums.DefaultCurrency
	}
	if !currency.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unsupported currency %q", params.Currency))
	}
	if params.Snapshot.Len() == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "cart snapshot required")
	}
	ts := now.UTC()
	return &PaymentSession{
		ID:            uuid.New(),
		UserID:        userID,
		Method:        params.Method,
		Amount:        params.Amount,
		Currency:      currency,
		State:         enums.SessionStateCreated,
		ReturnContext: params.ReturnContext,
		Snapshot:      params.Snapshot,
		CreatedAt:     ts,
		LastUpdatedAt: ts,
	}, nil
}

var allowedTransitions = map[enums.SessionState][]enums.SessionState{
	enums.SessionStateCreated: {
		enums.SessionStateAwaitingGatewayIntent,
		enums.SessionStateExpired,
	},
	enums.SessionStateAwaitingGatewayIntent: {
		enums.SessionStateAwaitingConfirmation,
		enums.SessionStateFailed,
		enums.SessionStateExpired,
	},
	enums.SessionStateAwaitingConfirmation: {
		enums.SessionStateConfirming,
		enums.SessionStateCancelled,
		enums.SessionStateExpired,
	},
	enums.SessionStateConfirming: {
		enums.SessionStateReconciling,
		enums.SessionStateFailed,
	},
	enums.SessionStateReconciling: {
		enums.SessionStateSucceeded,
		enums.SessionStateFailed,
	},
}

// CanTransition reports whether the move from the current state to next is legal.
// A failed session may re-enter reconciling only when the failure is a partial
// reconciliation.
func (s *PaymentSession) CanTransition(next enums.SessionState) bool {
	if s.State == enums.SessionStateFailed && next == enums.SessionStateReconciling {
		return s.AwaitsManualRecovery()
	}
	return slices.Contains(allowedTransitions[s.State], next)
}

// Transition moves the session to next and stamps LastUpdatedAt.
func (s *PaymentSession) Transition(next enums.SessionState, now time.Time) error {
	if !s.CanTransition(next) {
		return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("transition %s -> %s not allowed", s.State, next)).
			WithDetails(map[string]any{"from": s.State, "to": next})
	}
	s.State = next
	if next != enums.SessionStateFailed {
		s.Failure = nil
	}
	s.touch(now)
	return nil
}

// Fail transitions to failed and records the failure classification.
func (s *PaymentSession) Fail(kind enums.FailureKind, reason string, now time.Time) error {
	if err := s.Transition(enums.SessionStateFailed, now); err != nil {
		return err
	}
	s.Failure = &Failure{Kind: kind, Reason: reason}
	return nil
}

func (s *PaymentSession) touch(now time.Time) {
	s.LastUpdatedAt = now.UTC()
	s.Version++
}

// IsActive reports whether the session is in a non-terminal state.
func (s *PaymentSession) IsActive() bool {
	return s != nil && !s.State.IsTerminal()
}

// AwaitsManualRecovery reports whether the session is a paid-but-unrecorded failure.
func (s *PaymentSession) AwaitsManualRecovery() bool {
	return s != nil && s.State == enums.SessionStateFailed && s.Failure != nil && s.Failure.Kind.RequiresManualRecovery()
}

// IntentID returns the gateway intent id or "".
func (s *PaymentSession) IntentID() string {
	if s == nil || s.GatewayIntentID == nil {
		return ""
	}
	return *s.GatewayIntentID
}

// SetIntent records the gateway acknowledgement of intent creation.
func (s *PaymentSession) SetIntent(intentID string, status enums.IntentStatus, redirectURL string, now time.Time) {
	id := intentID
	s.GatewayIntentID = &id
	s.IntentStatus = status
	s.RedirectURL = redirectURL
	s.touch(now)
}

// Elapsed returns the wall-clock time since creation.
func (s *PaymentSession) Elapsed(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// LineReconciled reports whether the order for line i was already recorded.
func (s *PaymentSession) LineReconciled(i int) bool {
	return slices.Contains(s.ReconciledLines, i)
}

// MarkLineReconciled records a successful order creation for line i.
func (s *PaymentSession) MarkLineReconciled(i int) {
	if s.LineReconciled(i) {
		return
	}
	s.ReconciledLines = append(s.ReconciledLines, i)
	slices.Sort(s.ReconciledLines)
}

// RefCleared reports whether the cart entry for ref was already removed.
func (s *PaymentSession) RefCleared(ref string) bool {
	return slices.Contains(s.ClearedRefs, ref)
}

// MarkRefCleared records a successful cart removal for ref.
func (s *PaymentSession) MarkRefCleared(ref string) {
	if s.RefCleared(ref) {
		return
	}
	s.ClearedRefs = append(s.ClearedRefs, ref)
}

// Clone returns a deep copy safe to hand to callers.
func (s *PaymentSession) Clone() *PaymentSession {
	if s == nil {
		return nil
	}
	out := *s
	if s.GatewayIntentID != nil {
		id := *s.GatewayIntentID
		out.GatewayIntentID = &id
	}
	if s.Failure != nil {
		f := *s.Failure
		out.Failure = &f
	}
	out.ReconciledLines = slices.Clone(s.ReconciledLines)
	out.ClearedRefs = slices.Clone(s.ClearedRefs)
	return &out
}
