package controllers

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	checkoutsvc "github.com/angelmondragon/kluret-checkout/internal/checkout"
)

type sessionResponse struct {
	Session        *sessionPayload `json:"session"`
	ClientSecret   string          `json:"client_secret,omitempty"`
	PublishableKey string          `json:"publishable_key,omitempty"`
	Navigation     string          `json:"navigation,omitempty"`
	RedirectURL    string          `json:"redirect_url,omitempty"`
	PopupID        string          `json:"popup_id,omitempty"`
	CleanURL       string          `json:"clean_url,omitempty"`
	ReturnTo       string          `json:"return_to,omitempty"`
	Deferred       bool            `json:"deferred,omitempty"`
}

type sessionPayload struct {
	SessionID            uuid.UUID          `json:"session_id"`
	State                string             `json:"state"`
	Method               string             `json:"method"`
	Amount               decimal.Decimal    `json:"amount"`
	Currency             string             `json:"currency"`
	GatewayIntentID      *string            `json:"gateway_intent_id,omitempty"`
	IntentStatus         string             `json:"intent_status,omitempty"`
	Failure              *failurePayload    `json:"failure,omitempty"`
	Lines                []cartLineResponse `json:"lines"`
	ReconciledLines      []int              `json:"reconciled_lines,omitempty"`
	ReconcileAttempts    int                `json:"reconcile_attempts,omitempty"`
	AwaitsManualRecovery bool               `json:"awaits_manual_recovery"`
	CreatedAt            time.Time          `json:"created_at"`
	LastUpdatedAt        time.Time          `json:"last_updated_at"`
}

type failurePayload struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

type cartLineResponse struct {
	ProductRef string          `json:"product_ref"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Quantity   int             `json:"quantity"`
	Subtotal   decimal.Decimal `json:"subtotal"`
}

func newSessionResponse(view *checkoutsvc.View) sessionResponse {
	if view == nil {
		return sessionResponse{}
	}
	resp := sessionResponse{
		ClientSecret:   view.ClientSecret,
		PublishableKey: view.PublishableKey,
		Navigation:     string(view.Navigation),
		RedirectURL:    view.RedirectURL,
		PopupID:        view.PopupID,
		CleanURL:       view.CleanURL,
		ReturnTo:       view.ReturnTo,
		Deferred:       view.Deferred,
	}
	sess := view.Session
	if sess == nil {
		return resp
	}

	lines := sess.Snapshot.Lines()
	lineResp := make([]cartLineResponse, 0, len(lines))
	for _, line := range lines {
		lineResp = append(lineResp, cartLineResponse{
			ProductRef: line.ProductRef,
			UnitPrice:  line.UnitPrice,
			Quantity:   line.Quantity,
			Subtotal:   line.Subtotal(),
		})
	}
	resp.Session = &sessionPayload{
		SessionID:            sess.ID,
		State:                sess.State.String(),
		Method:               sess.Method.String(),
		Amount:               sess.Amount,
		Currency:             sess.Currency.String(),
		GatewayIntentID:      sess.GatewayIntentID,
		IntentStatus:         sess.IntentStatus.String(),
		Lines:                lineResp,
		ReconciledLines:      sess.ReconciledLines,
		ReconcileAttempts:    sess.ReconcileAttempts,
		AwaitsManualRecovery: sess.AwaitsManualRecovery(),
		CreatedAt:            sess.CreatedAt,
		LastUpdatedAt:        sess.LastUpdatedAt,
	}
	if sess.Failure != nil {
		resp.Session.Failure = &failurePayload{
			Kind:   sess.Failure.Kind.String(),
			Reason: sess.Failure.Reason,
		}
	}
	return resp
}
