package capture

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/skavis/scansync/internal/clock"
	"github.com/skavis/scansync/internal/domain"
	"github.com/skavis/scansync/internal/eventbus"
	"github.com/skavis/scansync/internal/logger"
)

// doneMarker is the sentinel the capture hardware writes once a scan folder
// is fully flushed. Folders without it are still being written.
const doneMarker = "capture.done"

// Watcher polls the incoming directory for completed scan folders and
// publishes a CaptureComplete event for each new one. Consumers claim a
// folder by moving it out of the incoming directory.
type Watcher struct {
	incomingDir string
	bus         eventbus.Publisher
	clk         clock.Clock
	interval    time.Duration

	mu        sync.Mutex
	announced map[string]bool
	timer     clock.Timer
	stopped   bool
}

// NewWatcher creates a watcher over incomingDir.
func NewWatcher(incomingDir string, bus eventbus.Publisher, clk clock.Clock, interval time.Duration) *Watcher {
	return &Watcher{
		incomingDir: incomingDir,
		bus:         bus,
		clk:         clk,
		interval:    interval,
		announced:   make(map[string]bool),
	}
}

// Start begins polling. The first poll runs immediately.
func (w *Watcher) Start() {
	w.scheduleNext(0)
	logger.Infof("Capture watcher started on %s (interval: %s)", w.incomingDir, w.interval)
}

// Stop cancels the pending poll. Idempotent.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watcher) scheduleNext(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.timer = w.clk.AfterFunc(d, func() {
		w.Poll()
		w.scheduleNext(w.interval)
	})
}

// Poll scans the incoming directory once. Exposed for the manual
// "scan for captures" operation.
func (w *Watcher) Poll() {
	entries, err := os.ReadDir(w.incomingDir)
	if err != nil {
		logger.Warnf("Capture watcher: cannot read %s: %v", w.incomingDir, err)
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		folder := filepath.Join(w.incomingDir, entry.Name())
		if _, err := os.Stat(filepath.Join(folder, doneMarker)); err != nil {
			continue // still being written
		}

		w.mu.Lock()
		seen := w.announced[folder]
		if !seen {
			w.announced[folder] = true
		}
		w.mu.Unlock()
		if seen {
			continue
		}

		logger.Infof("Capture watcher: new scan folder %s", entry.Name())
		if err := w.bus.Publish(domain.Event{
			AggregateType: "capture",
			AggregateID:   entry.Name(),
			EventType:     domain.CaptureComplete,
			EventData: map[string]interface{}{
				"folder_path": folder,
			},
		}); err != nil {
			logger.Errorf("Capture watcher: failed to publish event for %s: %v", folder, err)
			w.mu.Lock()
			delete(w.announced, folder) // retry next poll
			w.mu.Unlock()
		}
	}
}
