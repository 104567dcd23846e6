package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/skavis/scansync/internal/db"
	"github.com/skavis/scansync/internal/domain"
	"github.com/skavis/scansync/internal/eventbus"
	"github.com/skavis/scansync/internal/logger"
	"github.com/skavis/scansync/internal/remote"
	"github.com/skavis/scansync/internal/store"
)

// ErrSyncInFlight is returned when SyncAll is called while a batch is
// already running. The caller is rejected, not queued.
var ErrSyncInFlight = errors.New("sync already in progress")

// ErrOffline is returned when a sync is requested while the server is known
// to be unreachable.
var ErrOffline = errors.New("server unreachable")

// SyncResult summarizes one finished sync batch.
type SyncResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

func (r SyncResult) String() string {
	if r.Attempted == 0 {
		return "nothing to sync"
	}
	return fmt.Sprintf("synced %d/%d scans (%d failed)", r.Succeeded, r.Attempted, r.Failed)
}

// Syncer pushes local scans to the server: register, upload the processed
// artifact, confirm. One batch runs at a time; each record fails or succeeds
// on its own without aborting the rest of the batch.
type Syncer struct {
	store *store.Store
	repo  *db.Repository
	api   remote.API
	bus   eventbus.Publisher

	mu      sync.Mutex
	syncing bool
}

// NewSyncer creates the sync orchestrator.
func NewSyncer(st *store.Store, repo *db.Repository, api remote.API, bus eventbus.Publisher) *Syncer {
	return &Syncer{
		store: st,
		repo:  repo,
		api:   api,
		bus:   bus,
	}
}

// OnConnectivityChange is registered with the connectivity monitor. A sync
// batch starts on the offline-to-online edge when auto-sync is enabled;
// going offline does nothing.
func (s *Syncer) OnConnectivityChange(online bool) {
	s.store.SetOnline(online)
	if !online {
		return
	}
	if !s.store.SyncStateSnapshot().AutoSyncEnabled {
		logger.Debugf("Server reachable but auto-sync is disabled, skipping batch")
		return
	}
	go func() {
		if _, err := s.SyncAll(context.Background()); err != nil && !errors.Is(err, ErrSyncInFlight) {
			logger.Warnf("Auto-sync batch failed: %v", err)
		}
	}()
}

// SetAutoSync persists the auto-sync toggle. Enabling it never starts a
// batch by itself; the next connectivity edge or manual trigger does.
func (s *Syncer) SetAutoSync(enabled bool) error {
	if err := s.repo.SetAutoSyncEnabled(enabled); err != nil {
		return err
	}
	s.store.SetAutoSyncEnabled(enabled)
	logger.Infof("Auto-sync %s", map[bool]string{true: "enabled", false: "disabled"}[enabled])
	return nil
}

// SyncAll runs one batch over every record needing sync. A second caller
// while a batch is running gets ErrSyncInFlight immediately.
func (s *Syncer) SyncAll(ctx context.Context) (SyncResult, error) {
	s.mu.Lock()
	if s.syncing {
		s.mu.Unlock()
		return SyncResult{}, ErrSyncInFlight
	}
	s.syncing = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.syncing = false
		s.mu.Unlock()
		s.store.SetSyncing(false)
	}()

	state := s.store.SyncStateSnapshot()
	if state.OnlineKnown && !state.IsOnline {
		return SyncResult{}, ErrOffline
	}

	s.store.SetSyncing(true)
	pending := s.store.ListNeedingSync()
	s.publishBatch(domain.SyncStarted, SyncResult{Attempted: len(pending)}, "")
	logger.Infof("Sync batch: %d scans pending", len(pending))

	var result SyncResult
	for _, rec := range pending {
		if ctx.Err() != nil {
			break
		}
		result.Attempted++
		if err := s.syncOne(ctx, rec.ID); err != nil {
			result.Failed++
			s.store.AppendRecentError(fmt.Sprintf("scan %s: %v", rec.ID, err))
			logger.Warnf("Sync batch: scan %s failed: %v", rec.ID, err)
			continue
		}
		result.Succeeded++
	}

	s.store.RecordSyncOutcome(result.String())
	if result.Failed > 0 {
		s.publishBatch(domain.SyncFailed, result, result.String())
	} else {
		s.publishBatch(domain.SyncCompleted, result, result.String())
	}
	logger.Infof("Sync batch: %s", result)
	return result, nil
}

// SyncOne pushes a single record outside a batch, for the per-scan retry
// action. It shares the in-flight guard with SyncAll.
func (s *Syncer) SyncOne(ctx context.Context, scanID string) error {
	s.mu.Lock()
	if s.syncing {
		s.mu.Unlock()
		return ErrSyncInFlight
	}
	s.syncing = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.syncing = false
		s.mu.Unlock()
	}()
	return s.syncOne(ctx, scanID)
}

// syncOne moves one record from Pending or Failed to Uploaded: server
// registration if needed, then artifact upload, then confirmation. On any
// step failure the record moves to Failed with the classified error.
func (s *Syncer) syncOne(ctx context.Context, scanID string) error {
	rec, ok := s.store.Get(scanID)
	if !ok {
		return domain.NewScanError(domain.ErrValidation, "unknown scan id %s", scanID)
	}
	if !rec.NeedsSync() {
		return domain.NewScanError(domain.ErrValidation, "scan %s has nothing to sync", scanID)
	}

	// A failed record re-enters the pipeline through Pending.
	if rec.Status == domain.StatusFailed {
		if err := s.store.UpdateStatus(scanID, domain.StatusPending, nil); err != nil {
			return err
		}
	}
	if err := s.store.UpdateStatus(scanID, domain.StatusUploading, nil); err != nil {
		return err
	}
	s.publishScan(domain.UploadStarted, scanID, nil)

	if err := s.pushRecord(ctx, scanID); err != nil {
		scanErr := domain.ClassifyError(err)
		if updateErr := s.store.UpdateStatus(scanID, domain.StatusFailed, scanErr); updateErr != nil {
			logger.Errorf("Sync: failed to mark %s failed: %v", scanID, updateErr)
		}
		s.publishScan(domain.UploadFailed, scanID, scanErr)
		return scanErr
	}

	if err := s.store.UpdateStatus(scanID, domain.StatusUploaded, nil); err != nil {
		return err
	}
	s.publishScan(domain.UploadComplete, scanID, nil)
	return nil
}

func (s *Syncer) pushRecord(ctx context.Context, scanID string) error {
	rec, _ := s.store.Get(scanID)

	if !rec.Registered() {
		remoteID, err := s.api.RegisterScan(ctx, &rec)
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}
		if err := s.store.SetRemoteID(scanID, remoteID); err != nil {
			return err
		}
		rec.RemoteID = remoteID
	}

	if rec.Artifacts.ProcessedModel != "" {
		if err := s.api.UploadArtifact(ctx, rec.RemoteID, rec.Artifacts.ProcessedModel); err != nil {
			return fmt.Errorf("artifact upload failed: %w", err)
		}
	}

	if err := s.api.ReportStatus(ctx, rec.RemoteID, domain.StatusUploaded); err != nil {
		return fmt.Errorf("status confirmation failed: %w", err)
	}
	return nil
}

func (s *Syncer) publishBatch(eventType domain.EventType, result SyncResult, message string) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(domain.Event{
		AggregateType: "sync",
		AggregateID:   "batch",
		EventType:     eventType,
		EventData: map[string]interface{}{
			"attempted": result.Attempted,
			"succeeded": result.Succeeded,
			"failed":    result.Failed,
			"message":   message,
		},
	}); err != nil {
		logger.Errorf("Sync: failed to publish %s: %v", eventType, err)
	}
}

func (s *Syncer) publishScan(eventType domain.EventType, scanID string, scanErr *domain.ScanError) {
	if s.bus == nil {
		return
	}
	data := map[string]interface{}{}
	if scanErr != nil {
		data["error_kind"] = string(scanErr.Kind)
		data["error"] = scanErr.Message
	}
	if err := s.bus.Publish(domain.Event{
		AggregateType: "scan",
		AggregateID:   scanID,
		EventType:     eventType,
		EventData:     data,
	}); err != nil {
		logger.Errorf("Sync: failed to publish %s for %s: %v", eventType, scanID, err)
	}
}
