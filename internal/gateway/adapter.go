package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/angelmondragon/kluret-checkout/pkg/backend"
	"github.com/angelmondragon/kluret-checkout/pkg/enums"
	pkgerrors "github.com/angelmondragon/kluret-checkout/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrBelowMinimum is returned before any network call when the amount is not chargeable.
	ErrBelowMinimum = errors.New("amount below gateway minimum")
	// ErrMissingUser is returned before any network call when no user identity is present.
	ErrMissingUser = errors.New("user identity required")
	// ErrMissingInstrument is returned when an embedded confirmation carries no instrument.
	ErrMissingInstrument = errors.New("payment instrument required")
)

// Intent is the gateway handle for a not-yet-settled payment. ClientSecret is
// handed to the client once and never persisted.
type Intent struct {
	ID             string
	ClientSecret   string
	RedirectURL    string
	Status         enums.IntentStatus
	PublishableKey string
}

// IntentRequest carries the quoted total of a session.
type IntentRequest struct {
	UserID   string
	Amount   decimal.Decimal
	Currency enums.Currency
}

// ConfirmInput is the payment-instrument input for embedded confirmation.
type ConfirmInput struct {
	PaymentMethodToken string
}

// Adapter is the uniform surface over the embedded and redirect payment styles.
type Adapter interface {
	Method() enums.PaymentMethod
	Minimum() decimal.Decimal
	// Validate applies the pre-network checks CreateIntent performs.
	Validate(req IntentRequest) error
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	Confirm(ctx context.Context, userID string, intent *Intent, input *ConfirmInput) (Outcome, error)
	PollStatus(ctx context.Context, userID, intentID string) (enums.IntentStatus, error)
}

// Backend is the subset of the backend client the adapters call.
type Backend interface {
	CreateIntent(ctx context.Context, req backend.CreateIntentRequest) (*backend.IntentResponse, error)
	ConfirmIntent(ctx context.Context, intentID string, req backend.ConfirmRequest) (*backend.StatusResponse, error)
}

type base struct {
	backend        Backend
	method         enums.PaymentMethod
	minimum        decimal.Decimal
	publishableKey string
}

func (b *base) Method() enums.PaymentMethod { return b.method }

func (b *base) Minimum() decimal.Decimal { return b.minimum }

func (b *base) Validate(req IntentRequest) error {
	if strings.TrimSpace(req.UserID) == "" {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, ErrMissingUser, "user identity required")
	}
	if !req.Amount.IsPositive() || req.Amount.LessThan(b.minimum) {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, ErrBelowMinimum,
			fmt.Sprintf("amount %s is below the %s minimum of %s", req.Amount, b.method, b.minimum)).
			WithDetails(map[string]any{"minimum": b.minimum.String(), "method": b.method})
	}
	return nil
}

func (b *base) createIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	if err := b.Validate(req); err != nil {
		return nil, err
	}
	currency := req.Currency
	if currency == "" {
		currency = enums.DefaultCurrency
	}
	resp, err := b.backend.CreateIntent(ctx, backend.CreateIntentRequest{
		UserID:    req.UserID,
		TotalCost: req.Amount,
		Currency:  currency.String(),
		Method:    b.method.String(),
	})
	if err != nil {
		return nil, err
	}
	status, err := enums.ParseIntentStatus(resp.Status)
	if err != nil {
		status = enums.IntentStatusRequiresAction
	}
	return &Intent{
		ID:             resp.IntentID,
		ClientSecret:   resp.ClientSecret,
		RedirectURL:    resp.RedirectURL,
		Status:         status,
		PublishableKey: b.publishableKey,
	}, nil
}

func (b *base) PollStatus(ctx context.Context, userID, intentID string) (enums.IntentStatus, error) {
	resp, err := b.backend.ConfirmIntent(ctx, intentID, backend.ConfirmRequest{UserID: userID})
	if err != nil {
		return "", err
	}
	status, err := enums.ParseIntentStatus(resp.Status)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "unrecognized intent status")
	}
	return status, nil
}

// Classify maps an adapter or backend error onto the session failure taxonomy.
func Classify(err error) enums.FailureKind {
	switch {
	case errors.Is(err, ErrBelowMinimum), errors.Is(err, ErrMissingUser), errors.Is(err, ErrMissingInstrument):
		return enums.FailureKindValidation
	case backend.IsRejected(err):
		return enums.FailureKindGatewayDeclined
	default:
		return enums.FailureKindGatewayUnavailable
	}
}

// Retryable reports whether a single transparent retry is allowed.
func Retryable(err error) bool {
	return backend.IsUnavailable(err)
}
