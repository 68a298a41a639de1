package popup

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultLease = 15 * time.Second

// BeaconOpener tracks client-hosted popups through liveness reports. A handle
// is closed when the client says so or when heartbeats stop for longer than
// the lease.
type BeaconOpener struct {
	lease time.Duration
	now   func() time.Time

	mu      sync.Mutex
	handles map[string]*beaconHandle
}

type beaconHandle struct {
	opener *BeaconOpener
	id     string
	userID string
	url    string

	lastBeat time.Time
	closed   bool
}

func NewBeaconOpener(lease time.Duration) *BeaconOpener {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &BeaconOpener{
		lease:   lease,
		now:     time.Now,
		handles: make(map[string]*beaconHandle),
	}
}

// Open registers a window the client pre-opened. Without the client's
// declaration the popup is reported blocked.
func (b *BeaconOpener) Open(_ context.Context, req OpenRequest) (Handle, error) {
	if !req.ClientCapable || strings.TrimSpace(req.URL) == "" {
		return nil, ErrPopupBlocked
	}
	return b.track(req.UserID, uuid.NewString(), req.URL), nil
}

// Adopt re-attaches to a popup after a restart, granting it a fresh lease.
func (b *BeaconOpener) Adopt(userID, popupID string) Handle {
	return b.track(userID, popupID, "")
}

func (b *BeaconOpener) track(userID, popupID, url string) *beaconHandle {
	h := &beaconHandle{
		opener:   b,
		id:       popupID,
		userID:   userID,
		url:      url,
		lastBeat: b.now(),
	}
	b.mu.Lock()
	b.handles[userID] = h
	b.mu.Unlock()
	return h
}

// Heartbeat extends the lease of the user's popup.
func (b *BeaconOpener) Heartbeat(userID, popupID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.handles[userID]
	if !ok || h.id != popupID {
		return ErrUnknownPopup
	}
	h.lastBeat = b.now()
	return nil
}

// ReportClosed marks the user's popup closed.
func (b *BeaconOpener) ReportClosed(userID, popupID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.handles[userID]
	if !ok || h.id != popupID {
		return ErrUnknownPopup
	}
	h.closed = true
	return nil
}

// Release forgets the user's popup.
func (b *BeaconOpener) Release(userID string) {
	b.mu.Lock()
	delete(b.handles, userID)
	b.mu.Unlock()
}

func (h *beaconHandle) ID() string { return h.id }

func (h *beaconHandle) Closed() bool {
	h.opener.mu.Lock()
	defer h.opener.mu.Unlock()
	if h.closed {
		return true
	}
	return h.opener.now().Sub(h.lastBeat) > h.opener.lease
}
