package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/skavis/scansync/internal/capture"
	"github.com/skavis/scansync/internal/domain"
	"github.com/skavis/scansync/internal/eventbus"
	"github.com/skavis/scansync/internal/logger"
	"github.com/skavis/scansync/internal/remote"
	"github.com/skavis/scansync/internal/store"
)

// Dispatcher routes a scan into its processing path by source. Local scans
// are reconstructed on this device and then synced; remote scans are handed
// to the server's processing pipeline and tracked by a status poller.
type Dispatcher struct {
	store     *store.Store
	api       remote.API
	bus       eventbus.Publisher
	processor capture.LocalProcessor
	syncer    *Syncer
	pollers   *PollerSet
	outputDir string
}

// NewDispatcher creates the processing dispatcher. outputDir receives
// locally reconstructed models.
func NewDispatcher(st *store.Store, api remote.API, bus eventbus.Publisher, processor capture.LocalProcessor, syncer *Syncer, pollers *PollerSet, outputDir string) *Dispatcher {
	return &Dispatcher{
		store:     st,
		api:       api,
		bus:       bus,
		processor: processor,
		syncer:    syncer,
		pollers:   pollers,
		outputDir: outputDir,
	}
}

// Dispatch runs the processing path for the scan's source. It blocks until
// local processing finishes or the server job is submitted; callers wanting
// fire-and-forget run it in a goroutine.
func (d *Dispatcher) Dispatch(ctx context.Context, scanID string) error {
	rec, ok := d.store.Get(scanID)
	if !ok {
		return domain.NewScanError(domain.ErrValidation, "unknown scan id %s", scanID)
	}
	if rec.Status.IsTerminal() {
		return domain.NewScanError(domain.ErrValidation, "scan %s is already %s", scanID, rec.Status)
	}

	switch rec.Source {
	case domain.SourceLocal:
		return d.dispatchLocal(ctx, rec)
	case domain.SourceRemote:
		return d.dispatchRemote(ctx, rec)
	default:
		return domain.NewScanError(domain.ErrValidation, "scan %s has unknown source %q", scanID, rec.Source)
	}
}

// RetryProcessing moves a failed scan back to Pending and re-enters the
// processing path for its source.
func (d *Dispatcher) RetryProcessing(ctx context.Context, scanID string) error {
	rec, ok := d.store.Get(scanID)
	if !ok {
		return domain.NewScanError(domain.ErrValidation, "unknown scan id %s", scanID)
	}
	if rec.Status != domain.StatusFailed {
		return domain.NewScanError(domain.ErrValidation, "scan %s is %s, only failed scans can be retried", scanID, rec.Status)
	}
	if err := d.store.UpdateStatus(scanID, domain.StatusPending, nil); err != nil {
		return err
	}
	logger.Infof("Scan %s: retrying processing", scanID)
	return d.Dispatch(ctx, scanID)
}

// dispatchLocal reconstructs the model on this device. The record stays
// Pending during processing; a present artifact is what marks it ready to
// sync.
func (d *Dispatcher) dispatchLocal(ctx context.Context, rec domain.ScanRecord) error {
	if rec.Artifacts.ProcessedModel != "" {
		if _, err := os.Stat(rec.Artifacts.ProcessedModel); err == nil {
			logger.Debugf("Scan %s: model already present, skipping processing", rec.ID)
			return d.afterLocalProcessing(ctx, rec.ID)
		}
	}
	if rec.Artifacts.RawFolder == "" {
		return d.failScan(rec.ID, domain.NewScanError(domain.ErrValidation, "scan %s has no raw data to process", rec.ID))
	}

	d.publishProcessing(domain.ProcessingStarted, rec.ID, nil)
	logger.Infof("Scan %s: local processing started", rec.ID)

	outputDir := filepath.Join(d.outputDir, rec.ID)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return d.failScan(rec.ID, domain.NewScanError(domain.ErrServer, "cannot create output dir: %v", err))
	}

	modelPath, err := d.processor.Process(ctx, rec.Artifacts.RawFolder, outputDir)
	if err != nil {
		scanErr := domain.ClassifyError(err)
		d.publishProcessing(domain.ProcessingFailed, rec.ID, scanErr)
		return d.failScan(rec.ID, scanErr)
	}

	if err := d.store.Apply(rec.ID, func(r *domain.ScanRecord) {
		r.Artifacts.ProcessedModel = modelPath
	}); err != nil {
		return err
	}
	d.publishProcessing(domain.ProcessingComplete, rec.ID, nil)
	logger.Infof("Scan %s: local processing complete (%s)", rec.ID, modelPath)
	return d.afterLocalProcessing(ctx, rec.ID)
}

// afterLocalProcessing pushes the freshly processed scan when auto-sync is
// on and the server is reachable; otherwise it waits for the next batch.
func (d *Dispatcher) afterLocalProcessing(ctx context.Context, scanID string) error {
	state := d.store.SyncStateSnapshot()
	if !state.AutoSyncEnabled || !state.OnlineKnown || !state.IsOnline {
		logger.Debugf("Scan %s: sync deferred (auto-sync %v, online %v)",
			scanID, state.AutoSyncEnabled, state.IsOnline)
		return nil
	}
	if err := d.syncer.SyncOne(ctx, scanID); err != nil {
		if err == ErrSyncInFlight {
			// The running batch will pick it up.
			return nil
		}
		return err
	}
	return nil
}

// dispatchRemote registers the scan, uploads the raw capture and submits a
// server-side processing job, then starts the status poller.
func (d *Dispatcher) dispatchRemote(ctx context.Context, rec domain.ScanRecord) error {
	if rec.Status == domain.StatusPending {
		if err := d.store.UpdateStatus(rec.ID, domain.StatusSyncing, nil); err != nil {
			return err
		}
	}

	if err := d.submitRemote(ctx, rec.ID); err != nil {
		scanErr := domain.ClassifyError(err)
		d.publishProcessing(domain.ProcessingFailed, rec.ID, scanErr)
		return d.failScan(rec.ID, scanErr)
	}

	if err := d.store.UpdateStatus(rec.ID, domain.StatusProcessing, nil); err != nil {
		return err
	}
	d.publishProcessing(domain.ProcessingStarted, rec.ID, nil)
	d.pollers.StartPolling(rec.ID)
	logger.Infof("Scan %s: server processing job submitted", rec.ID)
	return nil
}

func (d *Dispatcher) submitRemote(ctx context.Context, scanID string) error {
	rec, _ := d.store.Get(scanID)

	if !rec.Registered() {
		remoteID, err := d.api.RegisterScan(ctx, &rec)
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}
		if err := d.store.SetRemoteID(scanID, remoteID); err != nil {
			return err
		}
		rec.RemoteID = remoteID
	}

	if rec.Artifacts.RawFolder != "" {
		if err := d.api.UploadArtifact(ctx, rec.RemoteID, rec.Artifacts.RawFolder); err != nil {
			return fmt.Errorf("raw upload failed: %w", err)
		}
	}

	if err := d.api.SubmitProcessingJob(ctx, rec.RemoteID); err != nil {
		return fmt.Errorf("job submission failed: %w", err)
	}
	return nil
}

// failScan marks the record Failed and returns the error for the caller.
func (d *Dispatcher) failScan(scanID string, scanErr *domain.ScanError) error {
	if err := d.store.UpdateStatus(scanID, domain.StatusFailed, scanErr); err != nil {
		logger.Errorf("Scan %s: failed to record failure: %v", scanID, err)
	}
	return scanErr
}

func (d *Dispatcher) publishProcessing(eventType domain.EventType, scanID string, scanErr *domain.ScanError) {
	if d.bus == nil {
		return
	}
	data := map[string]interface{}{}
	if scanErr != nil {
		data["error_kind"] = string(scanErr.Kind)
		data["error"] = scanErr.Message
	}
	if err := d.bus.Publish(domain.Event{
		AggregateType: "scan",
		AggregateID:   scanID,
		EventType:     eventType,
		EventData:     data,
	}); err != nil {
		logger.Errorf("Scan %s: failed to publish %s: %v", scanID, eventType, err)
	}
}
