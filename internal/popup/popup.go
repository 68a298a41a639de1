package popup

import (
	"context"
	"errors"
)

var (
	// ErrPopupBlocked means no external window could be opened; callers fall
	// back to full-page navigation.
	ErrPopupBlocked = errors.New("popup blocked")
	// ErrUnknownPopup is returned for liveness reports about a window this process does not track.
	ErrUnknownPopup = errors.New("unknown popup")
)

// Handle is a live reference to an externally opened payment window.
type Handle interface {
	ID() string
	Closed() bool
}

// OpenRequest describes the window to open.
type OpenRequest struct {
	UserID string
	URL    string
	// ClientCapable is the client's declaration that it pre-opened a window
	// and will report liveness for it.
	ClientCapable bool
}

// Opener opens the external payment page in a new browsing context.
type Opener interface {
	Open(ctx context.Context, req OpenRequest) (Handle, error)
}
