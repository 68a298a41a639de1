package popup

import (
	"sync"
	"time"
)

const DefaultCheckInterval = 500 * time.Millisecond

// Monitor polls popup handles and reports closure.
type Monitor struct {
	interval time.Duration

	mu      sync.Mutex
	watches map[*Watch]struct{}
}

func NewMonitor(interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	return &Monitor{interval: interval, watches: make(map[*Watch]struct{})}
}

// Watch is a running closure check for one handle.
type Watch struct {
	handle   Handle
	onClosed func()

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Watch checks handle on every tick and invokes onClosed exactly once when it
// reports closed. The watch ends after firing or when stopped.
func (m *Monitor) Watch(handle Handle, onClosed func()) *Watch {
	w := &Watch{
		handle:   handle,
		onClosed: onClosed,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	m.mu.Lock()
	m.watches[w] = struct{}{}
	m.mu.Unlock()

	go func() {
		defer close(w.done)
		defer m.forget(w)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				if !handle.Closed() {
					continue
				}
				select {
				case <-w.stop:
					return
				default:
				}
				if w.onClosed != nil {
					w.onClosed()
				}
				return
			}
		}
	}()
	return w
}

// Stop ends the watch without firing. Safe to call more than once and from
// inside onClosed.
func (w *Watch) Stop() {
	if w == nil {
		return
	}
	w.stopOnce.Do(func() { close(w.stop) })
}

// Done is closed once the watch goroutine exits.
func (w *Watch) Done() <-chan struct{} {
	return w.done
}

// HandleID returns the watched popup id.
func (w *Watch) HandleID() string {
	return w.handle.ID()
}

// Active reports the number of running watches.
func (m *Monitor) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watches)
}

// StopAll stops every running watch and waits for them to exit.
func (m *Monitor) StopAll() {
	m.mu.Lock()
	watches := make([]*Watch, 0, len(m.watches))
	for w := range m.watches {
		watches = append(watches, w)
	}
	m.mu.Unlock()
	for _, w := range watches {
		w.Stop()
		<-w.done
	}
}

func (m *Monitor) forget(w *Watch) {
	m.mu.Lock()
	delete(m.watches, w)
	m.mu.Unlock()
}
