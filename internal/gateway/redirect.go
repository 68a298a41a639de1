package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/angelmondragon/kluret-checkout/pkg/enums"
	pkgerrors "github.com/angelmondragon/kluret-checkout/pkg/errors"
	"github.com/shopspring/decimal"
)

// Redirect confirms on a third-party page. Completion is learned from the
// return-url parameters or by polling.
type Redirect struct {
	base
}

func NewRedirect(b Backend, publishableKey string, minimum decimal.Decimal) (*Redirect, error) {
	if b == nil {
		return nil, fmt.Errorf("backend required")
	}
	if minimum.IsNegative() {
		return nil, fmt.Errorf("redirect minimum must not be negative")
	}
	return &Redirect{base: base{
		backend:        b,
		method:         enums.PaymentMethodRedirect,
		minimum:        minimum,
		publishableKey: publishableKey,
	}}, nil
}

func (r *Redirect) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	intent, err := r.createIntent(ctx, req)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(intent.RedirectURL) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "redirect intent missing redirect_url").
			WithDetails(map[string]any{"intent_id": intent.ID})
	}
	return intent, nil
}

// Confirm never performs I/O: the customer confirms on the provider page.
func (r *Redirect) Confirm(_ context.Context, _ string, intent *Intent, _ *ConfirmInput) (Outcome, error) {
	if intent == nil || strings.TrimSpace(intent.RedirectURL) == "" {
		return Outcome{}, pkgerrors.New(pkgerrors.CodeValidation, "redirect intent required")
	}
	return RequiresRedirect(intent.ID, intent.RedirectURL), nil
}
