package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/skavis/scansync/internal/db"
	"github.com/skavis/scansync/internal/domain"
	"github.com/skavis/scansync/internal/eventbus"
	"github.com/skavis/scansync/internal/logger"
	"github.com/skavis/scansync/internal/remote"
	"github.com/skavis/scansync/internal/store"
)

// maintenanceSchedule is fixed; reconciliation cadence comes from config.
const maintenanceSchedule = "@daily"

// Reconciler periodically squares local state with server truth: repairs
// statuses, refreshes registered scans, adopts server-only scans and kicks a
// sync batch when work is pending. It also runs daily database maintenance.
type Reconciler struct {
	store         *store.Store
	repo          *db.Repository
	api           remote.API
	syncer        *Syncer
	pollers       *PollerSet
	downloader    *Downloader
	cron          *cron.Cron
	schedule      string
	retentionDays int
}

// NewReconciler creates the scheduler. schedule is a cron expression
// (robfig syntax, descriptors allowed).
func NewReconciler(st *store.Store, repo *db.Repository, api remote.API, syncer *Syncer, pollers *PollerSet, downloader *Downloader, schedule string, retentionDays int) *Reconciler {
	return &Reconciler{
		store:         st,
		repo:          repo,
		api:           api,
		syncer:        syncer,
		pollers:       pollers,
		downloader:    downloader,
		cron:          cron.New(),
		schedule:      schedule,
		retentionDays: retentionDays,
	}
}

// Start registers the cron jobs and the repaired-status reporter, then
// begins the schedule. An immediate reconcile pass is NOT run; the first one
// fires on schedule after the startup sync settles.
func (r *Reconciler) Start(bus eventbus.Publisher) error {
	if _, err := r.cron.AddFunc(r.schedule, func() {
		r.Reconcile(context.Background())
	}); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", r.schedule, err)
	}
	if _, err := r.cron.AddFunc(maintenanceSchedule, func() {
		if err := r.repo.RunMaintenance(r.retentionDays); err != nil {
			logger.Errorf("Database maintenance failed: %v", err)
		}
		if pruned := r.downloader.Prune(); pruned > 0 {
			logger.Debugf("Pruned %d finished download sessions", pruned)
		}
	}); err != nil {
		return err
	}

	// Repaired scans are reported to the server out of band so a repair never
	// blocks on the network.
	bus.Subscribe(domain.StatusRepaired, func(event domain.Event) {
		rec, ok := r.store.Get(event.AggregateID)
		if !ok || !rec.Registered() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := r.api.ReportStatus(ctx, rec.RemoteID, rec.Status); err != nil {
			logger.Warnf("Failed to report repaired status for %s: %v", rec.ID, err)
		}
	})

	r.cron.Start()
	logger.Infof("Reconciler started (schedule: %s)", r.schedule)
	return nil
}

// Stop halts the cron schedule. Running jobs finish.
func (r *Reconciler) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// Reconcile runs one full pass. Exposed for the manual refresh operation.
func (r *Reconciler) Reconcile(ctx context.Context) {
	logger.Debugf("Reconcile: starting pass")

	repaired := r.store.RepairStatuses()
	if len(repaired) > 0 {
		logger.Infof("Reconcile: repaired %d scan statuses", len(repaired))
	}

	state := r.store.SyncStateSnapshot()
	if !state.OnlineKnown || !state.IsOnline {
		logger.Debugf("Reconcile: offline, skipping server refresh")
		return
	}

	r.refreshFromServer(ctx)

	if state.AutoSyncEnabled && len(r.store.ListNeedingSync()) > 0 {
		if _, err := r.syncer.SyncAll(ctx); err != nil && !errors.Is(err, ErrSyncInFlight) {
			logger.Warnf("Reconcile: sync batch failed: %v", err)
		}
	}
}

// refreshFromServer pulls the server's scan list, applies status updates to
// known records and adopts unknown server scans as remote-tracking records.
func (r *Reconciler) refreshFromServer(ctx context.Context) {
	listCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	serverScans, err := r.api.ListScans(listCtx)
	if err != nil {
		logger.Warnf("Reconcile: server list failed: %v", err)
		return
	}

	for _, info := range serverScans {
		rec, known := r.store.GetByRemoteID(info.RemoteID)
		if !known {
			r.adoptServerScan(info)
			continue
		}

		serverStatus := domain.NormalizeStatus(info.Status)
		if serverStatus == rec.Status || rec.Status.IsTerminal() {
			continue
		}
		if !domain.CanTransition(rec.Source, rec.Status, serverStatus) {
			continue
		}
		var scanErr *domain.ScanError
		if serverStatus == domain.StatusFailed {
			scanErr = domain.NewScanError(domain.ErrServer, "server reported processing failure")
		}
		if err := r.store.UpdateStatus(rec.ID, serverStatus, scanErr); err != nil {
			logger.Warnf("Reconcile: cannot apply server status for %s: %v", rec.ID, err)
		}
	}
}

// adoptServerScan creates a local tracking record for a scan that exists
// only on the server, so its processing can be followed and its artifacts
// downloaded.
func (r *Reconciler) adoptServerScan(info remote.ScanStatusInfo) {
	status := domain.NormalizeStatus(info.Status)
	// Remote-tracking records never hold the local-only upload states.
	switch status {
	case domain.StatusUploading:
		status = domain.StatusSyncing
	case domain.StatusUploaded:
		status = domain.StatusCompleted
	}
	rec := domain.ScanRecord{
		ID:          uuid.New().String(),
		RemoteID:    info.RemoteID,
		Source:      domain.SourceRemote,
		Status:      status,
		Title:       info.Title,
		Description: info.Description,
		Location:    info.Location,
		Duration:    info.Duration,
		AreaCovered: info.AreaCovered,
		Height:      info.Height,
		DataSizeMB:  info.DataSizeMB,
		ImageCount:  info.ImageCount,
	}
	if err := r.store.Create(rec); err != nil {
		logger.Warnf("Reconcile: cannot adopt server scan %d: %v", info.RemoteID, err)
		return
	}
	logger.Infof("Reconcile: adopted server scan %d as %s (%s)", info.RemoteID, rec.ID, status)
	if !status.IsTerminal() && status != domain.StatusFailed {
		r.pollers.StartPolling(rec.ID)
	}
}
