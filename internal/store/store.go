// Package store holds the scan records and the process-wide sync state. It
// is the single source of truth for the presentation layer: every mutation
// goes through the store's serialized update path and is pushed to
// subscribers after commit.
package store

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/skavis/scansync/internal/db"
	"github.com/skavis/scansync/internal/domain"
	"github.com/skavis/scansync/internal/eventbus"
	"github.com/skavis/scansync/internal/logger"
)

// maxRecentErrors caps the bounded most-recent-first error list in SyncState.
const maxRecentErrors = 20

// RecordUpdate is pushed to subscribers after every record mutation.
type RecordUpdate struct {
	Record domain.ScanRecord `json:"record"`
}

// SyncError is one entry in SyncState.RecentErrors.
type SyncError struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// SyncState is the process-wide sync status snapshot. It is never persisted;
// it is rebuilt from the record store on restart.
type SyncState struct {
	IsOnline         bool        `json:"is_online"`
	OnlineKnown      bool        `json:"online_known"`
	IsSyncing        bool        `json:"is_syncing"`
	AutoSyncEnabled  bool        `json:"auto_sync_enabled"`
	PendingCount     int         `json:"pending_count"`
	InitializedCount int         `json:"initialized_count"`
	LastSyncTime     time.Time   `json:"last_sync_time"`
	LastSyncMessage  string      `json:"last_sync_message"`
	RecentErrors     []SyncError `json:"recent_errors"`
}

// Store is the in-memory record collection backed by the sqlite repository.
// All writes are serialized through one mutex (single-writer discipline):
// concurrent updates to the same record are applied in arrival order.
type Store struct {
	mu      sync.Mutex
	repo    *db.Repository
	bus     eventbus.Publisher
	records map[string]*domain.ScanRecord

	state         SyncState
	recordSubs    []chan RecordUpdate
	syncStateSubs []chan SyncState
}

// New loads all persisted records and rebuilds the sync state.
func New(repo *db.Repository, bus eventbus.Publisher, autoSyncEnabled bool) (*Store, error) {
	s := &Store{
		repo:    repo,
		bus:     bus,
		records: make(map[string]*domain.ScanRecord),
		state: SyncState{
			AutoSyncEnabled: autoSyncEnabled,
		},
	}

	if err := s.loadRecords(); err != nil {
		return nil, err
	}
	s.recomputeCountsLocked()
	return s, nil
}

func (s *Store) loadRecords() error {
	rows, err := s.repo.DB.Query(`
		SELECT id, remote_id, source, status, title, description, location,
		       duration_seconds, area_covered, height, data_size_mb, image_count,
		       processed_model_path, snapshot_path, raw_folder_path,
		       last_error_kind, last_error_message, created_at, updated_at
		FROM scans`)
	if err != nil {
		return fmt.Errorf("failed to load scans: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec domain.ScanRecord
		var errKind, errMsg string
		if err := rows.Scan(
			&rec.ID, &rec.RemoteID, &rec.Source, &rec.Status, &rec.Title,
			&rec.Description, &rec.Location, &rec.Duration, &rec.AreaCovered,
			&rec.Height, &rec.DataSizeMB, &rec.ImageCount,
			&rec.Artifacts.ProcessedModel, &rec.Artifacts.Snapshot,
			&rec.Artifacts.RawFolder, &errKind, &errMsg,
			&rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to scan record row: %w", err)
		}
		if errKind != "" {
			rec.LastError = &domain.ScanError{Kind: domain.ErrorKind(errKind), Message: errMsg}
		}
		if err := s.loadGPSTrail(&rec); err != nil {
			logger.Warnf("Failed to load GPS trail for %s: %v", rec.ID, err)
		}
		s.records[rec.ID] = &rec
	}
	return rows.Err()
}

func (s *Store) loadGPSTrail(rec *domain.ScanRecord) error {
	rows, err := s.repo.DB.Query(
		`SELECT latitude, longitude, accuracy, recorded_at FROM gps_points WHERE scan_id = ? ORDER BY id`,
		rec.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.GPSPoint
		if err := rows.Scan(&p.Latitude, &p.Longitude, &p.Accuracy, &p.Timestamp); err != nil {
			return err
		}
		rec.GPSTrail = append(rec.GPSTrail, p)
	}
	return rows.Err()
}

// persistRecord writes the record's current state to sqlite. Called with the
// store lock held.
func (s *Store) persistRecord(rec *domain.ScanRecord) error {
	errKind, errMsg := "", ""
	if rec.LastError != nil {
		errKind = string(rec.LastError.Kind)
		errMsg = rec.LastError.Message
	}

	_, err := db.ExecWithRetry(s.repo.DB, `
		INSERT INTO scans (
			id, remote_id, source, status, title, description, location,
			duration_seconds, area_covered, height, data_size_mb, image_count,
			processed_model_path, snapshot_path, raw_folder_path,
			last_error_kind, last_error_message, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			remote_id = excluded.remote_id,
			status = excluded.status,
			title = excluded.title,
			description = excluded.description,
			location = excluded.location,
			duration_seconds = excluded.duration_seconds,
			area_covered = excluded.area_covered,
			height = excluded.height,
			data_size_mb = excluded.data_size_mb,
			image_count = excluded.image_count,
			processed_model_path = excluded.processed_model_path,
			snapshot_path = excluded.snapshot_path,
			raw_folder_path = excluded.raw_folder_path,
			last_error_kind = excluded.last_error_kind,
			last_error_message = excluded.last_error_message,
			updated_at = excluded.updated_at
	`,
		rec.ID, rec.RemoteID, rec.Source, rec.Status, rec.Title, rec.Description,
		rec.Location, rec.Duration, rec.AreaCovered, rec.Height, rec.DataSizeMB,
		rec.ImageCount, rec.Artifacts.ProcessedModel, rec.Artifacts.Snapshot,
		rec.Artifacts.RawFolder, errKind, errMsg, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to persist scan %s: %w", rec.ID, err)
	}

	// GPS points are append-only per record; rewrite is cheap at trail sizes.
	if len(rec.GPSTrail) > 0 {
		if _, err := db.ExecWithRetry(s.repo.DB, `DELETE FROM gps_points WHERE scan_id = ?`, rec.ID); err != nil {
			return fmt.Errorf("failed to clear GPS trail for %s: %w", rec.ID, err)
		}
		for _, p := range rec.GPSTrail {
			ts := p.Timestamp
			if ts.IsZero() {
				ts = time.Now().UTC()
			}
			if _, err := db.ExecWithRetry(s.repo.DB,
				`INSERT INTO gps_points (scan_id, latitude, longitude, accuracy, recorded_at) VALUES (?, ?, ?, ?, ?)`,
				rec.ID, p.Latitude, p.Longitude, p.Accuracy, ts); err != nil {
				return fmt.Errorf("failed to persist GPS point for %s: %w", rec.ID, err)
			}
		}
	}
	return nil
}

// =============================================================================
// Record access
// =============================================================================

// Get returns a copy of the record, or false if unknown.
func (s *Store) Get(id string) (domain.ScanRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return domain.ScanRecord{}, false
	}
	return *rec, true
}

// GetByRemoteID returns a copy of the record registered under the given
// server id, or false if none.
func (s *Store) GetByRemoteID(remoteID int64) (domain.ScanRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.RemoteID == remoteID {
			return *rec, true
		}
	}
	return domain.ScanRecord{}, false
}

// List returns copies of all records, newest first.
func (s *Store) List() []domain.ScanRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ScanRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ListNeedingSync returns copies of all records in a sync-needed state,
// oldest first so earlier scans upload first.
func (s *Store) ListNeedingSync() []domain.ScanRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ScanRecord
	for _, rec := range s.records {
		if rec.NeedsSync() {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Create inserts a new record. The id must be unique.
func (s *Store) Create(rec domain.ScanRecord) error {
	if rec.ID == "" {
		return domain.NewScanError(domain.ErrValidation, "scan record requires an id")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = domain.StatusPending
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return domain.NewScanError(domain.ErrValidation, "scan %s already exists", rec.ID)
	}
	stored := rec
	s.records[rec.ID] = &stored
	if err := s.persistRecord(&stored); err != nil {
		delete(s.records, rec.ID)
		return err
	}
	s.afterMutationLocked(&stored)
	return nil
}

// Apply runs mutate on the record under the store lock, persists the result
// and pushes the update. Status must not be changed through Apply; use
// UpdateStatus so the state machine is enforced.
func (s *Store) Apply(id string, mutate func(*domain.ScanRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return domain.NewScanError(domain.ErrValidation, "unknown scan id %s", id)
	}

	// Mutate a copy; a failed persist must leave memory matching sqlite.
	updated := *rec
	mutate(&updated)
	updated.Status = rec.Status // status changes only via UpdateStatus
	updated.UpdatedAt = time.Now().UTC()

	if err := s.persistRecord(&updated); err != nil {
		return err
	}
	*rec = updated
	s.afterMutationLocked(rec)
	return nil
}

// UpdateStatus moves a record through the state machine. A nil scanErr
// clears the stored error on a successful transition; moving to Failed
// requires a structured error.
func (s *Store) UpdateStatus(id string, to domain.Status, scanErr *domain.ScanError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return domain.NewScanError(domain.ErrValidation, "unknown scan id %s", id)
	}
	if rec.Status == to {
		return nil // idempotent
	}
	if !domain.CanTransition(rec.Source, rec.Status, to) {
		return domain.NewScanError(domain.ErrValidation,
			"illegal transition %s -> %s for %s scan %s", rec.Status, to, rec.Source, id)
	}

	updated := *rec
	updated.Status = to
	updated.UpdatedAt = time.Now().UTC()
	switch {
	case to == domain.StatusFailed:
		if scanErr == nil {
			scanErr = domain.NewScanError(domain.ErrServer, "unknown failure")
		}
		updated.LastError = scanErr
	case to == domain.StatusPending:
		updated.LastError = nil // retry clears the error
	default:
		updated.LastError = nil
	}

	if err := s.persistRecord(&updated); err != nil {
		return err
	}
	*rec = updated
	logger.Debugf("Scan %s: status %s", id, to)
	s.afterMutationLocked(rec)
	return nil
}

// SetRemoteID records the server id after registration.
func (s *Store) SetRemoteID(id string, remoteID int64) error {
	return s.Apply(id, func(rec *domain.ScanRecord) {
		rec.RemoteID = remoteID
	})
}

// afterMutationLocked recomputes derived counts and notifies subscribers.
// Called with the store lock held.
func (s *Store) afterMutationLocked(rec *domain.ScanRecord) {
	s.recomputeCountsLocked()
	update := RecordUpdate{Record: *rec}
	for _, ch := range s.recordSubs {
		select {
		case ch <- update:
		default:
			// Drop when a subscriber is slow; snapshots via List() stay correct.
		}
	}
	s.notifySyncStateLocked()
}

func (s *Store) recomputeCountsLocked() {
	pending, initialized := 0, 0
	for _, rec := range s.records {
		if rec.NeedsSync() {
			pending++
		}
		if rec.Registered() {
			initialized++
		}
	}
	s.state.PendingCount = pending
	s.state.InitializedCount = initialized
}

// =============================================================================
// Status repair
// =============================================================================

// RepairStatuses checks every local record for an already-present processed
// model (for example from an interrupted prior run) and jumps it straight to
// Uploaded instead of re-running processing. Repaired ids are returned so the
// caller can inform the server asynchronously.
func (s *Store) RepairStatuses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var repaired []string
	for id, rec := range s.records {
		if rec.Source != domain.SourceLocal || rec.Status == domain.StatusUploaded {
			continue
		}
		if rec.Artifacts.ProcessedModel == "" {
			continue
		}
		if _, err := os.Stat(rec.Artifacts.ProcessedModel); err != nil {
			continue
		}
		if !domain.CanTransition(rec.Source, rec.Status, domain.StatusUploaded) {
			continue
		}

		rec.Status = domain.StatusUploaded
		rec.LastError = nil
		rec.UpdatedAt = time.Now().UTC()
		if err := s.persistRecord(rec); err != nil {
			logger.Errorf("Failed to persist repaired status for %s: %v", id, err)
			continue
		}
		logger.Infof("Scan %s: repaired status to uploaded (artifact already present)", id)
		repaired = append(repaired, id)
		s.afterMutationLocked(rec)

		if s.bus != nil {
			if err := s.bus.Publish(domain.Event{
				AggregateType: "scan",
				AggregateID:   id,
				EventType:     domain.StatusRepaired,
				EventData: map[string]interface{}{
					"artifact": rec.Artifacts.ProcessedModel,
				},
			}); err != nil {
				logger.Errorf("Failed to publish StatusRepaired for %s: %v", id, err)
			}
		}
	}
	return repaired
}

// =============================================================================
// Subscriptions
// =============================================================================

// Subscribe returns a channel receiving a RecordUpdate after every mutation.
func (s *Store) Subscribe() chan RecordUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan RecordUpdate, 64)
	s.recordSubs = append(s.recordSubs, ch)
	return ch
}

// Unsubscribe removes and closes a record update channel.
func (s *Store) Unsubscribe(ch chan RecordUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.recordSubs {
		if sub == ch {
			s.recordSubs = append(s.recordSubs[:i], s.recordSubs[i+1:]...)
			close(ch)
			break
		}
	}
}

// SubscribeSyncState returns a channel receiving SyncState snapshots.
func (s *Store) SubscribeSyncState() chan SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan SyncState, 16)
	s.syncStateSubs = append(s.syncStateSubs, ch)
	return ch
}

// UnsubscribeSyncState removes and closes a sync state channel.
func (s *Store) UnsubscribeSyncState(ch chan SyncState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.syncStateSubs {
		if sub == ch {
			s.syncStateSubs = append(s.syncStateSubs[:i], s.syncStateSubs[i+1:]...)
			close(ch)
			break
		}
	}
}

func (s *Store) notifySyncStateLocked() {
	snapshot := s.snapshotLocked()
	for _, ch := range s.syncStateSubs {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

func (s *Store) snapshotLocked() SyncState {
	snapshot := s.state
	snapshot.RecentErrors = make([]SyncError, len(s.state.RecentErrors))
	copy(snapshot.RecentErrors, s.state.RecentErrors)
	return snapshot
}

// =============================================================================
// Sync state mutation (orchestrator and connectivity monitor only)
// =============================================================================

// SyncStateSnapshot returns a copy of the current sync state.
func (s *Store) SyncStateSnapshot() SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// SetOnline records the connectivity monitor's latest signal.
func (s *Store) SetOnline(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.IsOnline = online
	s.state.OnlineKnown = true
	s.notifySyncStateLocked()
}

// SetSyncing flags a sync batch as in flight.
func (s *Store) SetSyncing(syncing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.IsSyncing = syncing
	s.notifySyncStateLocked()
}

// SetAutoSyncEnabled updates the auto-sync toggle in the snapshot. Toggling
// never triggers a sync pass by itself.
func (s *Store) SetAutoSyncEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.AutoSyncEnabled = enabled
	s.notifySyncStateLocked()
}

// RecordSyncOutcome stores the result message of a finished sync batch.
func (s *Store) RecordSyncOutcome(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastSyncTime = time.Now().UTC()
	s.state.LastSyncMessage = message
	s.notifySyncStateLocked()
}

// AppendRecentError pushes an error onto the bounded most-recent-first list.
func (s *Store) AppendRecentError(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := SyncError{Time: time.Now().UTC(), Message: message}
	s.state.RecentErrors = append([]SyncError{entry}, s.state.RecentErrors...)
	if len(s.state.RecentErrors) > maxRecentErrors {
		s.state.RecentErrors = s.state.RecentErrors[:maxRecentErrors]
	}
	s.notifySyncStateLocked()
}
