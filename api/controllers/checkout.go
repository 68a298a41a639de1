package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/kluret-checkout/api/middleware"
	"github.com/angelmondragon/kluret-checkout/api/responses"
	"github.com/angelmondragon/kluret-checkout/api/validators"
	checkoutsvc "github.com/angelmondragon/kluret-checkout/internal/checkout"
	"github.com/angelmondragon/kluret-checkout/internal/session"
	"github.com/angelmondragon/kluret-checkout/pkg/enums"
	pkgerrors "github.com/angelmondragon/kluret-checkout/pkg/errors"
	"github.com/angelmondragon/kluret-checkout/pkg/logger"
)

// BeginCheckoutSession snapshots the submitted cart and starts a payment session.
func BeginCheckoutSession(svc checkoutsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "checkout service unavailable"))
			return
		}
		userID, err := requireUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload beginSessionRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		input, err := payload.toInput(userID, time.Now())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		view, err := svc.Begin(r.Context(), input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, newSessionResponse(view))
	}
}

// CurrentCheckoutSession returns the caller's session slot without side effects.
func CurrentCheckoutSession(svc checkoutsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := requireUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		view, err := svc.Current(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newSessionResponse(view))
	}
}

// ResumeCheckoutSession is called when the storefront mounts; it applies any
// provider return parameters carried by current_url.
func ResumeCheckoutSession(svc checkoutsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := requireUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload resumeSessionRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		currentURL, err := validators.SanitizeBounded("current_url", payload.CurrentURL, maxURLLen)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		view, err := svc.Resume(r.Context(), userID, currentURL)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newSessionResponse(view))
	}
}

// ConfirmCheckoutSession submits the tokenized instrument for an embedded session.
func ConfirmCheckoutSession(svc checkoutsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := requireUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload confirmSessionRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		view, err := svc.ConfirmEmbedded(r.Context(), userID, checkoutsvc.ConfirmInput{
			PaymentMethodToken: strings.TrimSpace(payload.PaymentMethodToken),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newSessionResponse(view))
	}
}

// CancelCheckoutSession cancels a session awaiting confirmation. A deferred
// result is returned with 202 while a gateway step is still in flight.
func CancelCheckoutSession(svc checkoutsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := requireUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		view, err := svc.Cancel(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		status := http.StatusOK
		if view.Deferred {
			status = http.StatusAccepted
		}
		responses.WriteSuccessStatus(w, status, newSessionResponse(view))
	}
}

// AcknowledgeCheckoutSession clears a terminal session after the customer saw the outcome.
func AcknowledgeCheckoutSession(svc checkoutsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := requireUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if err := svc.Acknowledge(r.Context(), userID); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]bool{"acknowledged": true})
	}
}

// ReconcileCheckoutSession retries order creation for a paid session whose
// automatic reconciliation gave up.
func ReconcileCheckoutSession(svc checkoutsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := requireUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		view, err := svc.RetryReconciliation(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newSessionResponse(view))
	}
}

// PopupHeartbeat keeps the payment popup lease alive.
func PopupHeartbeat(svc checkoutsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := requireUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload popupRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if err := svc.PopupHeartbeat(r.Context(), userID, payload.PopupID); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteNoContent(w)
	}
}

// PopupClosed reports that the customer closed the payment popup.
func PopupClosed(svc checkoutsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := requireUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload popupRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		view, err := svc.PopupClosed(r.Context(), userID, payload.PopupID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newSessionResponse(view))
	}
}

func requireUserID(r *http.Request) (string, error) {
	userID := strings.TrimSpace(middleware.UserIDFromContext(r.Context()))
	if userID == "" {
		return "", pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing")
	}
	return userID, nil
}

const (
	maxProductRefLen = 128
	maxURLLen        = 4096
)

type beginSessionRequest struct {
	Method             string            `json:"method" validate:"required,oneof=embedded redirect"`
	Currency           string            `json:"currency,omitempty" validate:"omitempty,len=3"`
	Amount             *decimal.Decimal  `json:"amount,omitempty"`
	Lines              []cartLineRequest `json:"lines" validate:"required,min=1,dive"`
	ReturnContext      string            `json:"return_context,omitempty" validate:"omitempty,max=2048"`
	PopupCapable       bool              `json:"popup_capable"`
	PaymentMethodToken string            `json:"payment_method_token,omitempty" validate:"omitempty,max=255"`
}

type cartLineRequest struct {
	ProductRef string          `json:"product_ref" validate:"required,max=128"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Quantity   int             `json:"quantity" validate:"required,min=1"`
}

func (p beginSessionRequest) toInput(userID string, now time.Time) (checkoutsvc.BeginInput, error) {
	method, err := enums.ParsePaymentMethod(p.Method)
	if err != nil {
		return checkoutsvc.BeginInput{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid payment method")
	}
	var currency enums.Currency
	if strings.TrimSpace(p.Currency) != "" {
		currency, err = enums.ParseCurrency(p.Currency)
		if err != nil {
			return checkoutsvc.BeginInput{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid currency")
		}
	}

	lines := make([]session.CartLine, len(p.Lines))
	for i, line := range p.Lines {
		lines[i] = session.CartLine{
			ProductRef: validators.SanitizeString(line.ProductRef, maxProductRefLen),
			UnitPrice:  line.UnitPrice,
			Quantity:   line.Quantity,
		}
	}
	snapshot, err := session.CaptureSnapshot(lines, now)
	if err != nil {
		return checkoutsvc.BeginInput{}, err
	}

	returnContext, err := validators.SanitizeBounded("return_context", p.ReturnContext, maxURLLen)
	if err != nil {
		return checkoutsvc.BeginInput{}, err
	}
	input := checkoutsvc.BeginInput{
		UserID:             userID,
		Snapshot:           snapshot,
		Currency:           currency,
		Method:             method,
		ReturnContext:      returnContext,
		PopupCapable:       p.PopupCapable,
		PaymentMethodToken: strings.TrimSpace(p.PaymentMethodToken),
	}
	if p.Amount != nil {
		if !p.Amount.IsPositive() {
			return checkoutsvc.BeginInput{}, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive").
				WithDetails(map[string]any{"amount": p.Amount.String()})
		}
		input.Amount = *p.Amount
	}
	return input, nil
}

type resumeSessionRequest struct {
	CurrentURL string `json:"current_url" validate:"omitempty,max=4096"`
}

type confirmSessionRequest struct {
	PaymentMethodToken string `json:"payment_method_token" validate:"required,max=255"`
}

type popupRequest struct {
	PopupID string `json:"popup_id" validate:"required,max=64"`
}
