package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/angelmondragon/kluret-checkout/pkg/backend"
	"github.com/angelmondragon/kluret-checkout/pkg/enums"
	pkgerrors "github.com/angelmondragon/kluret-checkout/pkg/errors"
	"github.com/shopspring/decimal"
)

// Embedded confirms in-page with a tokenized instrument.
type Embedded struct {
	base
}

func NewEmbedded(b Backend, publishableKey string) (*Embedded, error) {
	if b == nil {
		return nil, fmt.Errorf("backend required")
	}
	return &Embedded{base: base{
		backend:        b,
		method:         enums.PaymentMethodEmbedded,
		minimum:        decimal.Zero,
		publishableKey: publishableKey,
	}}, nil
}

func (e *Embedded) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	return e.createIntent(ctx, req)
}

// Confirm posts the instrument and resolves to Succeeded, Failed or Pending.
// A 4xx from the backend is an explicit decline, not an error.
func (e *Embedded) Confirm(ctx context.Context, userID string, intent *Intent, input *ConfirmInput) (Outcome, error) {
	if intent == nil || strings.TrimSpace(intent.ID) == "" {
		return Outcome{}, pkgerrors.New(pkgerrors.CodeValidation, "intent required")
	}
	if input == nil || strings.TrimSpace(input.PaymentMethodToken) == "" {
		return Outcome{}, pkgerrors.Wrap(pkgerrors.CodeValidation, ErrMissingInstrument, "payment_method_token required")
	}
	resp, err := e.backend.ConfirmIntent(ctx, intent.ID, backend.ConfirmRequest{
		UserID:             userID,
		PaymentMethodToken: input.PaymentMethodToken,
	})
	if backend.IsRejected(err) {
		return Failed(intent.ID, "payment declined"), nil
	}
	if err != nil {
		return Outcome{}, err
	}
	status, err := enums.ParseIntentStatus(resp.Status)
	if err != nil {
		return Outcome{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "unrecognized intent status")
	}
	return OutcomeFromStatus(intent.ID, status, resp.Reason), nil
}
