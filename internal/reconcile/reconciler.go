package reconcile

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/angelmondragon/kluret-checkout/internal/session"
	"github.com/angelmondragon/kluret-checkout/pkg/backend"
	pkgerrors "github.com/angelmondragon/kluret-checkout/pkg/errors"
	"github.com/angelmondragon/kluret-checkout/pkg/logger"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const DefaultConcurrency = 4

// Backend is the order and cart surface the reconciler writes to.
type Backend interface {
	CreateOrder(ctx context.Context, idempotencyKey string, req backend.OrderRequest) (*backend.StatusResponse, error)
	RemoveFromCart(ctx context.Context, req backend.CartRemoveRequest) (*backend.StatusResponse, error)
}

// Result reports what one reconciliation pass achieved. It is complete only
// when every snapshot line has an order and every snapshot ref left the cart.
type Result struct {
	SucceededLines []int
	FailedLines    []int
	FailedClears   []string
	Err            error
}

// Complete reports whether the pass left nothing to retry.
func (r Result) Complete() bool {
	return len(r.FailedLines) == 0 && len(r.FailedClears) == 0 && r.Err == nil
}

// Partial reports whether some bookkeeping is still outstanding.
func (r Result) Partial() bool {
	return !r.Complete()
}

// Summary renders the outstanding work for failure reasons and logs.
func (r Result) Summary() string {
	if r.Complete() {
		return "complete"
	}
	parts := make([]string, 0, 2)
	if len(r.FailedLines) > 0 {
		parts = append(parts, fmt.Sprintf("orders pending for lines %v", r.FailedLines))
	}
	if len(r.FailedClears) > 0 {
		parts = append(parts, fmt.Sprintf("cart removal pending for %v", r.FailedClears))
	}
	if len(parts) == 0 {
		return "reconciliation incomplete"
	}
	return strings.Join(parts, "; ")
}

// Reconciler turns a confirmed payment into per-line orders and removes the
// paid products from the live cart.
type Reconciler struct {
	backend     Backend
	concurrency int
	logg        *logger.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

func WithConcurrency(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

func WithLogger(logg *logger.Logger) Option {
	return func(r *Reconciler) {
		r.logg = logg
	}
}

func New(b Backend, opts ...Option) (*Reconciler, error) {
	if b == nil {
		return nil, fmt.Errorf("reconcile backend required")
	}
	r := &Reconciler{backend: b, concurrency: DefaultConcurrency}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// IdempotencyKey is the composite order key for one snapshot line.
func IdempotencyKey(sessionID string, lineIndex int) string {
	return fmt.Sprintf("%s:%d", sessionID, lineIndex)
}

// Reconcile records an order for every snapshot line not yet in the session
// ledger, then removes the snapshot refs from the cart once all orders have
// settled. The session ledger is updated in place; callers persist it.
func (r *Reconciler) Reconcile(ctx context.Context, s *session.PaymentSession, intentID string) Result {
	if s == nil {
		return Result{Err: pkgerrors.New(pkgerrors.CodeInternal, "session required")}
	}
	if strings.TrimSpace(intentID) == "" {
		return Result{Err: pkgerrors.New(pkgerrors.CodeValidation, "payment intent id required")}
	}

	result := Result{}
	succeeded, failed, orderErr := r.createOrders(ctx, s, intentID)
	for _, idx := range succeeded {
		s.MarkLineReconciled(idx)
	}
	result.FailedLines = failed
	result.Err = orderErr

	// Cart removal waits for a complete order set so a failed line can still
	// be bought again from the cart.
	if len(failed) == 0 {
		cleared, pending, clearErr := r.clearCart(ctx, s)
		for _, ref := range cleared {
			s.MarkRefCleared(ref)
		}
		result.FailedClears = pending
		result.Err = multierr.Append(result.Err, clearErr)
	}

	result.SucceededLines = slices.Clone(s.ReconciledLines)
	return result
}

func (r *Reconciler) createOrders(ctx context.Context, s *session.PaymentSession, intentID string) ([]int, []int, error) {
	var (
		mu        sync.Mutex
		succeeded []int
		failed    []int
		errs      error
	)
	sessionID := s.ID.String()
	lines := s.Snapshot.Lines()

	g := new(errgroup.Group)
	g.SetLimit(r.concurrency)
	for idx, line := range lines {
		if s.LineReconciled(idx) {
			continue
		}
		g.Go(func() error {
			key := IdempotencyKey(sessionID, idx)
			err := r.createOrder(ctx, key, backend.OrderRequest{
				UserID:          s.UserID,
				SessionID:       sessionID,
				LineIndex:       idx,
				ProductRef:      line.ProductRef,
				Price:           line.UnitPrice,
				Quantity:        line.Quantity,
				PaymentIntentID: intentID,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, idx)
				errs = multierr.Append(errs, fmt.Errorf("order %s: %w", key, err))
				return nil
			}
			succeeded = append(succeeded, idx)
			return nil
		})
	}
	_ = g.Wait()

	slices.Sort(succeeded)
	slices.Sort(failed)
	if errs != nil && r.logg != nil {
		r.logg.Warn(r.logg.WithField(ctx, "failed_lines", failed), "order creation incomplete")
	}
	return succeeded, failed, errs
}

func (r *Reconciler) createOrder(ctx context.Context, key string, req backend.OrderRequest) error {
	resp, err := r.backend.CreateOrder(ctx, key, req)
	if err != nil {
		return err
	}
	if resp != nil && strings.EqualFold(resp.Status, "failed") {
		return pkgerrors.New(pkgerrors.CodeDependency, "order creation reported failed").
			WithDetails(map[string]any{"reason": resp.Reason})
	}
	return nil
}

func (r *Reconciler) clearCart(ctx context.Context, s *session.PaymentSession) ([]string, []string, error) {
	var (
		mu      sync.Mutex
		cleared []string
		pending []string
		errs    error
	)

	g := new(errgroup.Group)
	g.SetLimit(r.concurrency)
	for _, ref := range s.Snapshot.ProductRefs() {
		if s.RefCleared(ref) {
			continue
		}
		g.Go(func() error {
			resp, err := r.backend.RemoveFromCart(ctx, backend.CartRemoveRequest{UserID: s.UserID, ProductRef: ref})
			if err == nil && resp != nil && strings.EqualFold(resp.Status, "failed") {
				err = pkgerrors.New(pkgerrors.CodeDependency, "cart removal reported failed")
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				pending = append(pending, ref)
				errs = multierr.Append(errs, fmt.Errorf("cart remove %s: %w", ref, err))
				return nil
			}
			cleared = append(cleared, ref)
			return nil
		})
	}
	_ = g.Wait()

	slices.Sort(pending)
	return orderLike(s.Snapshot.ProductRefs(), cleared), pending, errs
}

// orderLike returns subset ordered as in reference.
func orderLike(reference, subset []string) []string {
	out := make([]string, 0, len(subset))
	for _, ref := range reference {
		if slices.Contains(subset, ref) {
			out = append(out, ref)
		}
	}
	return out
}
