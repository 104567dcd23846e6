// Package services contains the orchestration layer: status polling, sync
// batches, processing dispatch, artifact downloads and scheduled
// reconciliation. Services coordinate the store, the server client and the
// event bus; none of them talk to each other directly.
package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/skavis/scansync/internal/clock"
	"github.com/skavis/scansync/internal/domain"
	"github.com/skavis/scansync/internal/eventbus"
	"github.com/skavis/scansync/internal/logger"
	"github.com/skavis/scansync/internal/remote"
	"github.com/skavis/scansync/internal/store"
)

// StatusPoller refreshes a single registered scan from the server until it
// reaches a terminal state, then stops itself.
type StatusPoller struct {
	scanID   string
	store    *store.Store
	api      remote.API
	bus      eventbus.Publisher
	clk      clock.Clock
	interval time.Duration

	mu      sync.Mutex
	timer   clock.Timer
	stopped bool
	onStop  func(scanID string)
}

func newStatusPoller(scanID string, st *store.Store, api remote.API, bus eventbus.Publisher, clk clock.Clock, interval time.Duration, onStop func(string)) *StatusPoller {
	return &StatusPoller{
		scanID:   scanID,
		store:    st,
		api:      api,
		bus:      bus,
		clk:      clk,
		interval: interval,
		onStop:   onStop,
	}
}

func (p *StatusPoller) start() {
	p.scheduleNext(p.interval)
}

func (p *StatusPoller) stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()
	if p.onStop != nil {
		p.onStop(p.scanID)
	}
}

func (p *StatusPoller) scheduleNext(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.timer = p.clk.AfterFunc(d, func() {
		if p.pollOnce(context.Background()) {
			p.scheduleNext(p.interval)
		} else {
			p.stop()
		}
	})
}

// pollOnce refreshes the record once. Returns false when polling should stop,
// either because the record reached a terminal state or disappeared.
func (p *StatusPoller) pollOnce(ctx context.Context) bool {
	rec, ok := p.store.Get(p.scanID)
	if !ok {
		logger.Debugf("Poller %s: record gone, stopping", p.scanID)
		return false
	}
	if rec.Status.IsTerminal() || rec.Status == domain.StatusFailed {
		// Failed scans sit still until an explicit retry re-dispatches them.
		return false
	}
	if !rec.Registered() {
		// Not on the server yet; keep waiting for registration.
		return true
	}

	pollCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	info, err := p.api.GetScanStatus(pollCtx, rec.RemoteID)
	if err != nil {
		// Transient failures leave the local status alone; connectivity
		// handling lives in the monitor, not here. The failure still lands
		// in the sync state's recent errors so the UI can surface it.
		p.store.AppendRecentError(fmt.Sprintf("poll %s: %v", p.scanID, err))
		logger.Debugf("Poller %s: status fetch failed: %v", p.scanID, err)
		return true
	}

	serverStatus := domain.NormalizeStatus(info.Status)
	if serverStatus == rec.Status {
		return !rec.Status.IsTerminal()
	}
	if !domain.CanTransition(rec.Source, rec.Status, serverStatus) {
		logger.Warnf("Poller %s: server reported %q, illegal from %s, ignoring",
			p.scanID, info.Status, rec.Status)
		return true
	}

	var scanErr *domain.ScanError
	if serverStatus == domain.StatusFailed {
		scanErr = domain.NewScanError(domain.ErrServer, "server reported processing failure")
	}
	if err := p.store.UpdateStatus(p.scanID, serverStatus, scanErr); err != nil {
		logger.Errorf("Poller %s: failed to apply server status %s: %v", p.scanID, serverStatus, err)
		return true
	}
	if serverStatus == domain.StatusFailed {
		return false
	}

	if p.bus != nil {
		if err := p.bus.Publish(domain.Event{
			AggregateType: "scan",
			AggregateID:   p.scanID,
			EventType:     domain.StatusRefreshed,
			EventData: map[string]interface{}{
				"status":    string(serverStatus),
				"remote_id": rec.RemoteID,
			},
		}); err != nil {
			logger.Errorf("Poller %s: failed to publish status event: %v", p.scanID, err)
		}
	}

	return !serverStatus.IsTerminal()
}

// PollerSet manages one StatusPoller per in-flight scan.
type PollerSet struct {
	store    *store.Store
	api      remote.API
	bus      eventbus.Publisher
	clk      clock.Clock
	interval time.Duration

	mu      sync.Mutex
	pollers map[string]*StatusPoller
}

// NewPollerSet creates an empty poller set.
func NewPollerSet(st *store.Store, api remote.API, bus eventbus.Publisher, clk clock.Clock, interval time.Duration) *PollerSet {
	return &PollerSet{
		store:    st,
		api:      api,
		bus:      bus,
		clk:      clk,
		interval: interval,
		pollers:  make(map[string]*StatusPoller),
	}
}

// StartPolling begins periodic refresh for the scan. Starting an already
// polled scan is a no-op.
func (ps *PollerSet) StartPolling(scanID string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, exists := ps.pollers[scanID]; exists {
		return
	}
	p := newStatusPoller(scanID, ps.store, ps.api, ps.bus, ps.clk, ps.interval, ps.remove)
	ps.pollers[scanID] = p
	p.start()
	logger.Debugf("Polling started for scan %s", scanID)
}

// StopPolling cancels the poller for the scan, if any.
func (ps *PollerSet) StopPolling(scanID string) {
	ps.mu.Lock()
	p, exists := ps.pollers[scanID]
	ps.mu.Unlock()
	if exists {
		p.stop()
	}
}

// StopAll cancels every active poller.
func (ps *PollerSet) StopAll() {
	ps.mu.Lock()
	active := make([]*StatusPoller, 0, len(ps.pollers))
	for _, p := range ps.pollers {
		active = append(active, p)
	}
	ps.mu.Unlock()
	for _, p := range active {
		p.stop()
	}
}

// ActiveCount returns the number of scans currently being polled.
func (ps *PollerSet) ActiveCount() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.pollers)
}

// ResumeInFlight starts pollers for every registered, non-terminal scan.
// Called once after startup so polls survive restarts.
func (ps *PollerSet) ResumeInFlight() {
	for _, rec := range ps.store.List() {
		if rec.Registered() && !rec.Status.IsTerminal() && rec.Status != domain.StatusFailed {
			ps.StartPolling(rec.ID)
		}
	}
}

func (ps *PollerSet) remove(scanID string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.pollers, scanID)
	logger.Debugf("Polling stopped for scan %s", scanID)
}
