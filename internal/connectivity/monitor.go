// Package connectivity tracks whether the remote store is actually
// reachable. Link state alone is not trusted: a probe request must
// succeed before the monitor declares the application online.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/nekay/nekaysync/internal/logging"
)

// Event is an online/offline transition notification.
type Event string

const (
	EventOnline  Event = "app-online"
	EventOffline Event = "app-offline"
)

const probeTimeout = 3 * time.Second

// Pinger verifies remote reachability. remote.Store satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor probes the remote on a fixed interval and exposes the current
// reachability state plus transition events. While offline it keeps
// probing up to a maximum attempt count, then pauses until Kick is
// called (typically by a local mutation or an explicit resume).
type Monitor struct {
	pinger      Pinger
	log         logging.Logger
	interval    time.Duration
	maxAttempts int

	mu         sync.Mutex
	online     bool
	lastOnline time.Time
	attempts   int
	exhausted  bool
	started    bool
	cancel     context.CancelFunc
	done       chan struct{}

	events chan Event
}

// NewMonitor returns a stopped Monitor. maxAttempts bounds consecutive
// failed probes before automatic probing pauses; zero or negative means
// probe forever.
func NewMonitor(pinger Pinger, interval time.Duration, maxAttempts int, log logging.Logger) *Monitor {
	if log == nil {
		log = logging.Nop()
	}
	return &Monitor{
		pinger:      pinger,
		log:         log.With("component", "connectivity"),
		interval:    interval,
		maxAttempts: maxAttempts,
		events:      make(chan Event, 8),
	}
}

// Events returns the transition stream. Events are dropped, not blocked
// on, when the consumer lags; the current state is always available via
// Online.
func (m *Monitor) Events() <-chan Event { return m.events }

// Online reports the last probed reachability state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// LastOnlineTime returns when the remote was last confirmed reachable,
// zero if never.
func (m *Monitor) LastOnlineTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastOnline
}

// Attempts returns the consecutive failed probe count since the last
// successful probe.
func (m *Monitor) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Start launches the probe loop. Calling Start on a running monitor is
// a no-op. The first probe runs immediately, not after one interval.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go m.run(ctx, done)
}

// Stop halts probing and waits for the loop to exit. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
}

// Kick resets the attempt counter and resumes automatic probing after
// it was paused by attempt exhaustion. The next tick probes again.
func (m *Monitor) Kick() {
	m.mu.Lock()
	m.attempts = 0
	m.exhausted = false
	m.mu.Unlock()
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.probe(ctx)
	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			skip := m.exhausted
			m.mu.Unlock()
			if skip {
				continue
			}
			m.probe(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	err := m.pinger.Ping(pctx)
	cancel()
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	var fire []Event
	if err == nil {
		m.lastOnline = time.Now()
		m.attempts = 0
		m.exhausted = false
		if !m.online {
			m.online = true
			fire = append(fire, EventOnline)
		}
	} else {
		m.attempts++
		if m.maxAttempts > 0 && m.attempts >= m.maxAttempts {
			m.exhausted = true
		}
		if m.online {
			m.online = false
			fire = append(fire, EventOffline)
		}
	}
	attempts, exhausted := m.attempts, m.exhausted
	m.mu.Unlock()

	if err != nil {
		m.log.Debug(ctx, "probe failed", "error", err, "attempts", attempts, "paused", exhausted)
	}
	for _, ev := range fire {
		m.log.Info(ctx, "connectivity changed", "event", string(ev))
		select {
		case m.events <- ev:
		default:
		}
	}
}
