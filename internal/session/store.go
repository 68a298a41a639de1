package session

import (
	"context"
	"time"
)

// Store persists the single in-flight session slot of each user. It must
// survive process restarts because redirect flows leave the application.
type Store interface {
	// Save overwrites the user's slot.
	Save(ctx context.Context, s *PaymentSession) error
	// Load returns nil, nil when the slot is empty.
	Load(ctx context.Context, userID string) (*PaymentSession, error)
	Clear(ctx context.Context, userID string) error

	SaveReturnContext(ctx context.Context, userID, location string) error
	// TakeReturnContext reads and clears the pre-redirect location.
	TakeReturnContext(ctx context.Context, userID string) (string, error)

	// ListStale pages through non-terminal sessions created before the
	// cutoff, oldest first.
	ListStale(ctx context.Context, createdBefore time.Time, offset, limit int) (StalePage, error)
}

// StalePage is one page of stale sessions. Skipped holds the users whose slot
// could not be decoded; they stay listed and still count toward the page.
type StalePage struct {
	Sessions []*PaymentSession
	Skipped  []string
}

// Covered is the number of listed entries the page spanned.
func (p StalePage) Covered() int {
	return len(p.Sessions) + len(p.Skipped)
}
