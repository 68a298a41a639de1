package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/angelmondragon/kluret-checkout/pkg/config"
	pkgerrors "github.com/angelmondragon/kluret-checkout/pkg/errors"
	"github.com/sony/gobreaker/v2"
)

const (
	defaultTimeout                = 10 * time.Second
	defaultBreakerFailures uint32 = 5
	defaultBreakerTimeout         = 30 * time.Second
	responseBodyReadLimit  int64  = 1 << 20
	errorBodyReadLimit     int64  = 1024

	// IdempotencyHeader carries the composite order key.
	IdempotencyHeader = "Idempotency-Key"
)

var errBaseURLRequired = errors.New("backend base url is required")

// Client talks JSON to the storefront backend for payment, order and cart calls.
type Client struct {
	httpClient *http.Client
	baseURL    string
	breaker    *gobreaker.CircuitBreaker[[]byte]
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBreaker overrides the circuit breaker thresholds.
func WithBreaker(maxFailures uint32, openTimeout time.Duration) Option {
	return func(c *Client) {
		c.breaker = newBreaker(maxFailures, openTimeout)
	}
}

// NewClient builds a backend client rooted at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errBaseURLRequired
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return nil, fmt.Errorf("invalid backend base url: %w", err)
	}

	client := &Client{
		baseURL:    trimmed,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	if client.breaker == nil {
		client.breaker = newBreaker(defaultBreakerFailures, defaultBreakerTimeout)
	}
	return client, nil
}

// NewFromConfig builds the client from service configuration.
func NewFromConfig(cfg config.BackendConfig) (*Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return NewClient(cfg.BaseURL,
		WithHTTPClient(&http.Client{Timeout: timeout}),
		WithBreaker(cfg.BreakerMaxFailures, cfg.BreakerOpenTimeout),
	)
}

func newBreaker(maxFailures uint32, openTimeout time.Duration) *gobreaker.CircuitBreaker[[]byte] {
	if maxFailures == 0 {
		maxFailures = defaultBreakerFailures
	}
	if openTimeout <= 0 {
		openTimeout = defaultBreakerTimeout
	}
	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "backend",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// 4xx answers mean the backend is healthy and said no.
		IsSuccessful: func(err error) bool {
			return err == nil || IsRejected(err)
		},
	})
}

// CreateIntent calls POST /payments/intent.
func (c *Client) CreateIntent(ctx context.Context, req CreateIntentRequest) (*IntentResponse, error) {
	var resp IntentResponse
	if err := c.post(ctx, "create_intent", "/payments/intent", req.wire(), nil, &resp); err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.IntentID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "create intent response missing intent_id")
	}
	return &resp, nil
}

// ConfirmIntent calls POST /payments/{intent_id}/confirm. It doubles as the
// status poll for redirect flows.
func (c *Client) ConfirmIntent(ctx context.Context, intentID string, req ConfirmRequest) (*StatusResponse, error) {
	trimmed := strings.TrimSpace(intentID)
	if trimmed == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "intent id is required")
	}
	path := fmt.Sprintf("/payments/%s/confirm", url.PathEscape(trimmed))
	var resp StatusResponse
	if err := c.post(ctx, "confirm_intent", path, req, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateOrder calls POST /orders with the composite idempotency key. A 409 is
// the backend reporting that the key was already recorded.
func (c *Client) CreateOrder(ctx context.Context, idempotencyKey string, req OrderRequest) (*StatusResponse, error) {
	headers := map[string]string{IdempotencyHeader: idempotencyKey}
	var resp StatusResponse
	err := c.post(ctx, "create_order", "/orders", req.wire(), headers, &resp)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusConflict {
		return &StatusResponse{Status: StatusAlreadyRecorded}, nil
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// RemoveFromCart calls POST /cart/remove for one product reference.
func (c *Client) RemoveFromCart(ctx context.Context, req CartRemoveRequest) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.post(ctx, "cart_remove", "/cart/remove", req, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, op, path string, body any, headers map[string]string, out any) error {
	if c == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "backend client not configured")
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, fmt.Sprintf("marshal %s request", op))
	}

	raw, err := c.breaker.Execute(func() ([]byte, error) {
		return c.do(ctx, op, path, payload, headers)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, &TransportError{Op: op, Err: err}, fmt.Sprintf("%s: backend circuit open", op))
		}
		return err
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("decode %s response", op))
	}
	return nil
}

func (c *Client) do(ctx context.Context, op, path string, payload []byte, headers map[string]string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, fmt.Sprintf("build %s request", op))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, &TransportError{Op: op, Err: err}, fmt.Sprintf("execute %s request", op))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyReadLimit))
		statusErr := &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		code := pkgerrors.CodeDependency
		if statusErr.ClientError() {
			code = pkgerrors.CodeValidation
		}
		return nil, pkgerrors.Wrap(code, statusErr, fmt.Sprintf("%s request failed", op))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, &TransportError{Op: op, Err: err}, fmt.Sprintf("read %s response", op))
	}
	return raw, nil
}
