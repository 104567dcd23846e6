// Package connectivity tracks whether the sync server is reachable. The
// monitor probes the server health endpoint on an interval and reports
// edge-triggered transitions: listeners fire exactly once per change, never
// on repeated identical results.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/skavis/scansync/internal/clock"
	"github.com/skavis/scansync/internal/domain"
	"github.com/skavis/scansync/internal/eventbus"
	"github.com/skavis/scansync/internal/logger"
	"github.com/skavis/scansync/internal/remote"
)

const probeTimeout = 10 * time.Second

// Listener is invoked on every connectivity transition with the new state.
type Listener func(online bool)

// Monitor periodically probes the server and fans out transitions.
type Monitor struct {
	api      remote.API
	bus      eventbus.Publisher
	clk      clock.Clock
	interval time.Duration

	mu        sync.Mutex
	online    bool
	known     bool
	listeners []Listener
	timer     clock.Timer
	stopped   bool
}

// NewMonitor creates a connectivity monitor. Listeners must be registered
// before Start.
func NewMonitor(api remote.API, bus eventbus.Publisher, clk clock.Clock, interval time.Duration) *Monitor {
	return &Monitor{
		api:      api,
		bus:      bus,
		clk:      clk,
		interval: interval,
	}
}

// OnTransition registers a listener for connectivity edges. The first probe
// result counts as a transition so startup work keyed on "came online" runs.
func (m *Monitor) OnTransition(fn Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Current returns the last observed state and whether any probe has finished.
func (m *Monitor) Current() (online, known bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online, m.known
}

// Start schedules the first probe immediately and then every interval.
func (m *Monitor) Start() {
	m.scheduleNext(0)
	logger.Infof("Connectivity monitor started (interval: %s)", m.interval)
}

// Stop cancels the pending probe. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
	}
}

// CheckNow runs one probe synchronously, outside the schedule. Used by the
// manual "check connection" operation.
func (m *Monitor) CheckNow(ctx context.Context) bool {
	return m.probe(ctx)
}

func (m *Monitor) scheduleNext(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.timer = m.clk.AfterFunc(d, func() {
		m.probe(context.Background())
		m.scheduleNext(m.interval)
	})
}

func (m *Monitor) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	err := m.api.Healthz(probeCtx)
	online := err == nil
	if err != nil {
		logger.Debugf("Connectivity probe failed: %v", err)
	}
	m.report(online)
	return online
}

// report records the probe result and, on an edge, notifies listeners and
// publishes a ConnectivityChanged event.
func (m *Monitor) report(online bool) {
	m.mu.Lock()
	if m.known && m.online == online {
		m.mu.Unlock()
		return
	}
	first := !m.known
	m.known = true
	m.online = online
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	if online {
		logger.Infof("Server reachable")
	} else {
		logger.Warnf("Server unreachable")
	}

	if m.bus != nil {
		if err := m.bus.Publish(domain.Event{
			AggregateType: "connectivity",
			AggregateID:   "server",
			EventType:     domain.ConnectivityChanged,
			EventData: map[string]interface{}{
				"online": online,
				"first":  first,
			},
		}); err != nil {
			logger.Errorf("Failed to publish connectivity event: %v", err)
		}
	}

	for _, fn := range listeners {
		fn(online)
	}
}
