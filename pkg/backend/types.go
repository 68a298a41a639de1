package backend

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// StatusAlreadyRecorded is synthesized when the backend rejects a replayed order key.
const StatusAlreadyRecorded = "already_recorded"

// CreateIntentRequest is the body of POST /payments/intent.
type CreateIntentRequest struct {
	UserID    string
	TotalCost decimal.Decimal
	Currency  string
	Method    string
}

type createIntentWire struct {
	UserID    string      `json:"user_id"`
	TotalCost json.Number `json:"total_cost"`
	Currency  string      `json:"currency"`
	Method    string      `json:"method"`
}

func (r CreateIntentRequest) wire() createIntentWire {
	return createIntentWire{
		UserID:    r.UserID,
		TotalCost: json.Number(r.TotalCost.String()),
		Currency:  r.Currency,
		Method:    r.Method,
	}
}

// IntentResponse carries either a client secret (embedded) or a redirect url.
type IntentResponse struct {
	Status       string `json:"status"`
	ClientSecret string `json:"client_secret,omitempty"`
	RedirectURL  string `json:"redirect_url,omitempty"`
	IntentID     string `json:"intent_id"`
}

// ConfirmRequest is the body of POST /payments/{intent_id}/confirm.
type ConfirmRequest struct {
	UserID             string `json:"user_id"`
	PaymentMethodToken string `json:"payment_method_token,omitempty"`
}

// StatusResponse is the generic `{status}` reply.
type StatusResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// OrderRequest is the body of POST /orders.
type OrderRequest struct {
	UserID          string
	SessionID       string
	LineIndex       int
	ProductRef      string
	Price           decimal.Decimal
	Quantity        int
	PaymentIntentID string
}

type orderWire struct {
	UserID          string      `json:"user_id"`
	SessionID       string      `json:"session_id"`
	LineIndex       int         `json:"line_index"`
	ProductRef      string      `json:"product_ref"`
	Price           json.Number `json:"price"`
	Quantity        int         `json:"quantity"`
	PaymentIntentID string      `json:"payment_intent_id"`
}

func (r OrderRequest) wire() orderWire {
	return orderWire{
		UserID:          r.UserID,
		SessionID:       r.SessionID,
		LineIndex:       r.LineIndex,
		ProductRef:      r.ProductRef,
		Price:           json.Number(r.Price.String()),
		Quantity:        r.Quantity,
		PaymentIntentID: r.PaymentIntentID,
	}
}

// CartRemoveRequest is the body of POST /cart/remove.
type CartRemoveRequest struct {
	UserID     string `json:"user_id"`
	ProductRef string `json:"product_ref"`
}
