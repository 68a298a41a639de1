package session

import (
	"encoding/json"
	"strings"
	"time"

	pkgerrors "github.com/angelmondragon/kluret-checkout/pkg/errors"
	"github.com/shopspring/decimal"
)

// CartLine is a single priced cart entry captured for checkout.
type CartLine struct {
	ProductRef string          `json:"product_ref"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Quantity   int             `json:"quantity"`
}

// Subtotal returns UnitPrice * Quantity.
func (l CartLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// CartSnapshot is an immutable copy of the cart taken when a session starts.
// Reconciliation only ever reads the snapshot, never the live cart.
type CartSnapshot struct {
	lines      []CartLine
	capturedAt time.Time
}

// CaptureSnapshot validates and copies the provided lines.
func CaptureSnapshot(lines []CartLine, now time.Time) (CartSnapshot, error) {
	if len(lines) == 0 {
		return CartSnapshot{}, pkgerrors.New(pkgerrors.CodeValidation, "cart contains no items")
	}
	copied := make([]CartLine, len(lines))
	for i, line := range lines {
		ref := strings.TrimSpace(line.ProductRef)
		if ref == "" {
			return CartSnapshot{}, pkgerrors.New(pkgerrors.CodeValidation, "cart line product_ref required").
				WithDetails(map[string]any{"line_index": i})
		}
		if line.Quantity <= 0 {
			return CartSnapshot{}, pkgerrors.New(pkgerrors.CodeValidation, "cart line quantity must be positive").
				WithDetails(map[string]any{"line_index": i})
		}
		if line.UnitPrice.IsNegative() {
			return CartSnapshot{}, pkgerrors.New(pkgerrors.CodeValidation, "cart line unit_price must not be negative").
				WithDetails(map[string]any{"line_index": i})
		}
		copied[i] = CartLine{ProductRef: ref, UnitPrice: line.UnitPrice, Quantity: line.Quantity}
	}
	return CartSnapshot{lines: copied, capturedAt: now.UTC()}, nil
}

// Len returns the number of captured lines.
func (s CartSnapshot) Len() int {
	return len(s.lines)
}

// Lines returns a copy of the captured lines.
func (s CartSnapshot) Lines() []CartLine {
	out := make([]CartLine, len(s.lines))
	copy(out, s.lines)
	return out
}

// Line returns the line at index i.
func (s CartSnapshot) Line(i int) (CartLine, bool) {
	if i < 0 || i >= len(s.lines) {
		return CartLine{}, false
	}
	return s.lines[i], true
}

// CapturedAt reports when the snapshot was taken.
func (s CartSnapshot) CapturedAt() time.Time {
	return s.capturedAt
}

// Total sums all line subtotals.
func (s CartSnapshot) Total() decimal.Decimal {
	total := decimal.Zero
	for _, line := range s.lines {
		total = total.Add(line.Subtotal())
	}
	return total
}

// ProductRefs returns the distinct product references in line order.
func (s CartSnapshot) ProductRefs() []string {
	seen := make(map[string]struct{}, len(s.lines))
	refs := make([]string, 0, len(s.lines))
	for _, line := range s.lines {
		if _, ok := seen[line.ProductRef]; ok {
			continue
		}
		seen[line.ProductRef] = struct{}{}
		refs = append(refs, line.ProductRef)
	}
	return refs
}

type snapshotJSON struct {
	Lines      []CartLine `json:"lines"`
	CapturedAt time.Time  `json:"captured_at"`
}

// MarshalJSON implements json.Marshaler.
func (s CartSnapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshotJSON{Lines: s.lines, CapturedAt: s.capturedAt})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *CartSnapshot) UnmarshalJSON(data []byte) error {
	var raw snapshotJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.lines = raw.Lines
	s.capturedAt = raw.CapturedAt
	return nil
}
