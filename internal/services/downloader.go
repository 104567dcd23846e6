package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skavis/scansync/internal/clock"
	"github.com/skavis/scansync/internal/domain"
	"github.com/skavis/scansync/internal/eventbus"
	"github.com/skavis/scansync/internal/logger"
	"github.com/skavis/scansync/internal/remote"
	"github.com/skavis/scansync/internal/store"
)

// DownloadState is the lifecycle of one artifact download session.
type DownloadState string

const (
	DownloadPreparing   DownloadState = "preparing" // waiting for the server to finish the artifact
	DownloadActive      DownloadState = "downloading"
	DownloadComplete    DownloadState = "complete"
	DownloadFailed      DownloadState = "failed"
	DownloadCancelled   DownloadState = "cancelled"
)

// DownloadSession tracks one artifact download from readiness probing through
// transfer. Exactly one terminal callback fires per session.
type DownloadSession struct {
	ID       string
	ScanID   string
	URL      string
	DestDir  string

	mu         sync.Mutex
	state      DownloadState
	received   int64
	total      int64
	retryCount int
	resultPath string
	err        *domain.ScanError
	cancel     context.CancelFunc
	done       bool
}

// Snapshot is a copy of the session's progress for the presentation layer.
type DownloadSnapshot struct {
	ID         string        `json:"id"`
	ScanID     string        `json:"scan_id"`
	State      DownloadState `json:"state"`
	Received   int64         `json:"received_bytes"`
	Total      int64         `json:"total_bytes"` // -1 when the server sends no length
	RetryCount int           `json:"retry_count"` // readiness probes consumed
	Path       string        `json:"path,omitempty"`
	Error      string        `json:"error,omitempty"`
}

func (s *DownloadSession) snapshot() DownloadSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := DownloadSnapshot{
		ID:         s.ID,
		ScanID:     s.ScanID,
		State:      s.state,
		Received:   s.received,
		Total:      s.total,
		RetryCount: s.retryCount,
		Path:       s.resultPath,
	}
	if s.err != nil {
		snap.Error = s.err.Message
	}
	return snap
}

// Downloader runs artifact download sessions. The server prepares artifacts
// asynchronously, so every download starts with a readiness retry loop:
// probe, wait retryDelay, probe again, up to maxAttempts probes.
type Downloader struct {
	store       *store.Store
	api         remote.API
	bus         eventbus.Publisher
	clk         clock.Clock
	retryDelay  time.Duration
	maxAttempts int

	mu       sync.Mutex
	sessions map[string]*DownloadSession
}

// NewDownloader creates a downloader. maxAttempts bounds readiness probes,
// not transfer retries; a failed transfer fails the session.
func NewDownloader(st *store.Store, api remote.API, bus eventbus.Publisher, clk clock.Clock, retryDelay time.Duration, maxAttempts int) *Downloader {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Downloader{
		store:       st,
		api:         api,
		bus:         bus,
		clk:         clk,
		retryDelay:  retryDelay,
		maxAttempts: maxAttempts,
		sessions:    make(map[string]*DownloadSession),
	}
}

// Start launches a download session for the scan's processed artifact and
// returns immediately with the session id. onDone fires exactly once with the
// terminal snapshot.
func (d *Downloader) Start(ctx context.Context, scanID, artifactURL, destDir string, onDone func(DownloadSnapshot)) (string, error) {
	if artifactURL == "" {
		return "", domain.NewScanError(domain.ErrValidation, "scan %s has no artifact URL", scanID)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	session := &DownloadSession{
		ID:      uuid.New().String(),
		ScanID:  scanID,
		URL:     artifactURL,
		DestDir: destDir,
		state:   DownloadPreparing,
		total:   -1,
		cancel:  cancel,
	}

	d.mu.Lock()
	d.sessions[session.ID] = session
	d.mu.Unlock()

	d.publish(domain.DownloadStarted, session, nil)
	go d.run(sessionCtx, session, onDone)
	return session.ID, nil
}

// Cancel stops a session. Idempotent; cancelling a finished session is a
// no-op.
func (d *Downloader) Cancel(sessionID string) {
	d.mu.Lock()
	session, ok := d.sessions[sessionID]
	d.mu.Unlock()
	if ok {
		session.cancel()
	}
}

// Session returns a progress snapshot, or false if unknown.
func (d *Downloader) Session(sessionID string) (DownloadSnapshot, bool) {
	d.mu.Lock()
	session, ok := d.sessions[sessionID]
	d.mu.Unlock()
	if !ok {
		return DownloadSnapshot{}, false
	}
	return session.snapshot(), true
}

// Sessions returns snapshots of all known sessions.
func (d *Downloader) Sessions() []DownloadSnapshot {
	d.mu.Lock()
	all := make([]*DownloadSession, 0, len(d.sessions))
	for _, s := range d.sessions {
		all = append(all, s)
	}
	d.mu.Unlock()

	out := make([]DownloadSnapshot, 0, len(all))
	for _, s := range all {
		out = append(out, s.snapshot())
	}
	return out
}

// Prune drops finished sessions from the registry. Active sessions stay.
func (d *Downloader) Prune() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	pruned := 0
	for id, session := range d.sessions {
		snap := session.snapshot()
		if snap.State == DownloadComplete || snap.State == DownloadFailed || snap.State == DownloadCancelled {
			delete(d.sessions, id)
			pruned++
		}
	}
	return pruned
}

func (d *Downloader) run(ctx context.Context, session *DownloadSession, onDone func(DownloadSnapshot)) {
	if err := d.waitUntilReady(ctx, session); err != nil {
		d.finish(session, "", err, onDone)
		return
	}

	session.mu.Lock()
	session.state = DownloadActive
	session.mu.Unlock()
	d.publish(domain.DownloadProgress, session, nil)

	path, err := d.api.DownloadArtifact(ctx, session.URL, session.DestDir, func(received, total int64) {
		session.mu.Lock()
		session.received = received
		session.total = total
		session.mu.Unlock()
		d.publish(domain.DownloadProgress, session, nil)
	})
	if err != nil {
		d.finish(session, "", domain.ClassifyError(err), onDone)
		return
	}
	d.finish(session, path, nil, onDone)
}

// waitUntilReady probes the artifact until the server reports it ready.
// Returns ErrTimeout after maxAttempts probes, the classified error on a
// definitive failure, and ErrCancelled when the context ends first.
func (d *Downloader) waitUntilReady(ctx context.Context, session *DownloadSession) *domain.ScanError {
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return domain.NewScanError(domain.ErrCancelled, "download cancelled")
		}

		session.mu.Lock()
		session.retryCount = attempt
		session.mu.Unlock()

		result, err := d.api.ProbeArtifact(ctx, session.URL)
		switch {
		case err != nil:
			scanErr := domain.ClassifyError(err)
			if scanErr.Kind == domain.ErrCancelled {
				return scanErr
			}
			// Transient probe failures consume an attempt like a not-ready
			// answer; the server may come back before the budget runs out.
			logger.Debugf("Download %s: probe %d/%d failed: %v", session.ID, attempt, d.maxAttempts, err)
		case result == remote.ProbeReady:
			return nil
		case result == remote.ProbeGone:
			return domain.NewScanError(domain.ErrServer, "artifact permanently unavailable")
		default:
			logger.Debugf("Download %s: artifact not ready (probe %d/%d)", session.ID, attempt, d.maxAttempts)
		}

		if attempt == d.maxAttempts {
			break
		}
		if !d.sleep(ctx, d.retryDelay) {
			return domain.NewScanError(domain.ErrCancelled, "download cancelled")
		}
	}
	return domain.NewScanError(domain.ErrTimeout,
		"artifact not ready after %d attempts", d.maxAttempts)
}

// sleep waits for d.retryDelay on the injected clock, returning false if the
// context is cancelled first.
func (d *Downloader) sleep(ctx context.Context, delay time.Duration) bool {
	done := make(chan struct{})
	timer := d.clk.AfterFunc(delay, func() { close(done) })
	select {
	case <-done:
		return true
	case <-ctx.Done():
		timer.Stop()
		return false
	}
}

// finish marks the session terminal and fires the callback exactly once.
func (d *Downloader) finish(session *DownloadSession, path string, scanErr *domain.ScanError, onDone func(DownloadSnapshot)) {
	session.mu.Lock()
	if session.done {
		session.mu.Unlock()
		return
	}
	session.done = true
	session.resultPath = path
	session.err = scanErr
	switch {
	case scanErr == nil:
		session.state = DownloadComplete
	case scanErr.Kind == domain.ErrCancelled:
		session.state = DownloadCancelled
	default:
		session.state = DownloadFailed
	}
	state := session.state
	session.mu.Unlock()
	session.cancel()

	switch state {
	case DownloadComplete:
		logger.Infof("Download %s: complete (%s)", session.ID, path)
		d.publish(domain.DownloadComplete, session, nil)
	case DownloadCancelled:
		logger.Infof("Download %s: cancelled", session.ID)
		d.publish(domain.DownloadCancelled, session, scanErr)
	default:
		logger.Warnf("Download %s: failed: %s", session.ID, scanErr.Message)
		d.publish(domain.DownloadFailed, session, scanErr)
	}

	if onDone != nil {
		onDone(session.snapshot())
	}
}

func (d *Downloader) publish(eventType domain.EventType, session *DownloadSession, scanErr *domain.ScanError) {
	if d.bus == nil {
		return
	}
	snap := session.snapshot()
	data := map[string]interface{}{
		"session_id":     session.ID,
		"url":            session.URL,
		"received_bytes": snap.Received,
		"total_bytes":    snap.Total,
		"retry_count":    snap.RetryCount,
	}
	if scanErr != nil {
		data["error_kind"] = string(scanErr.Kind)
		data["error"] = scanErr.Message
	}
	if err := d.bus.Publish(domain.Event{
		AggregateType: "scan",
		AggregateID:   session.ScanID,
		EventType:     eventType,
		EventData:     data,
	}); err != nil {
		logger.Errorf("Download %s: failed to publish %s: %v", session.ID, eventType, err)
	}
}
