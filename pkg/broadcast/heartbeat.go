package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/kafdeck/kafdeck/pkg/metrics"
	"go.uber.org/zap"
)

// Monitor evicts subscriber channel bindings whose heartbeats have gone stale.
// Eviction releases the binding only; it never touches the session that feeds
// it, so a client can reconnect and resume watching a still-running session.
type Monitor struct {
	logger   *zap.Logger
	entries  map[string]*trackedChannel
	window   time.Duration
	interval time.Duration
	mu       sync.Mutex
}

type trackedChannel struct {
	evict    func()
	lastSeen time.Time
}

// NewMonitor returns a monitor that sweeps every interval and evicts bindings
// not touched within window.
func NewMonitor(window, interval time.Duration, logger *zap.Logger) *Monitor {
	return &Monitor{
		logger:   logger,
		entries:  make(map[string]*trackedChannel),
		window:   window,
		interval: interval,
	}
}

// Track registers a channel binding. The evict callback runs outside the
// monitor's lock when the binding goes stale.
func (m *Monitor) Track(channelID string, evict func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[channelID] = &trackedChannel{lastSeen: time.Now(), evict: evict}
}

// Touch records a heartbeat for a channel binding. Unknown ids are ignored.
func (m *Monitor) Touch(channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[channelID]; ok {
		e.lastSeen = time.Now()
	}
}

// Forget removes a binding without evicting it, for channels that close cleanly.
func (m *Monitor) Forget(channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, channelID)
}

// Tracked returns the number of tracked channel bindings.
func (m *Monitor) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Start runs the periodic sweep until ctx is canceled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				m.sweep(now)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *Monitor) sweep(now time.Time) {
	type eviction struct {
		id    string
		evict func()
		age   time.Duration
	}
	var stale []eviction

	m.mu.Lock()
	for id, e := range m.entries {
		if age := now.Sub(e.lastSeen); age > m.window {
			stale = append(stale, eviction{id: id, evict: e.evict, age: age})
			delete(m.entries, id)
		}
	}
	m.mu.Unlock()

	for _, e := range stale {
		metrics.HeartbeatEvictions.Inc()
		m.logger.Info("Evicting stale subscriber channel",
			zap.String("channel", e.id),
			zap.Duration("inactive", e.age))
		if e.evict != nil {
			e.evict()
		}
	}
}
