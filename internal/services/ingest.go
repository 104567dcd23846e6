package services

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/skavis/scansync/internal/capture"
	"github.com/skavis/scansync/internal/domain"
	"github.com/skavis/scansync/internal/eventbus"
	"github.com/skavis/scansync/internal/logger"
	"github.com/skavis/scansync/internal/store"
)

// IngestService turns announced capture folders into scan records. It claims
// a folder by moving it out of the incoming directory, inventories it, and
// hands the new record to the dispatcher.
type IngestService struct {
	store      *store.Store
	capturer   capture.Capturer
	dispatcher *Dispatcher
	rawDir     string
	source     domain.Source
}

// NewIngestService creates the ingest service. source decides the processing
// path given to every new capture.
func NewIngestService(st *store.Store, capturer capture.Capturer, dispatcher *Dispatcher, rawDir string, source domain.Source) *IngestService {
	return &IngestService{
		store:      st,
		capturer:   capturer,
		dispatcher: dispatcher,
		rawDir:     rawDir,
		source:     source,
	}
}

// Start subscribes to capture announcements.
func (s *IngestService) Start(bus eventbus.Publisher) {
	bus.Subscribe(domain.CaptureComplete, func(event domain.Event) {
		data, ok := event.ParseCaptureEventData()
		if !ok {
			logger.Warnf("Ingest: capture event without folder path, ignoring")
			return
		}
		if _, err := s.IngestFolder(context.Background(), data.FolderPath); err != nil {
			logger.Errorf("Ingest: failed to ingest %s: %v", data.FolderPath, err)
		}
	})
	logger.Infof("Ingest service started (%s processing)", s.source)
}

// IngestFolder claims the folder, creates the scan record and dispatches
// processing in the background. Returns the new scan id.
func (s *IngestService) IngestFolder(ctx context.Context, folder string) (string, error) {
	scanID := uuid.New().String()

	claimed := filepath.Join(s.rawDir, scanID)
	if err := os.MkdirAll(s.rawDir, 0o755); err != nil {
		return "", domain.NewScanError(domain.ErrServer, "cannot create raw dir: %v", err)
	}
	if err := os.Rename(folder, claimed); err != nil {
		// Another poll cycle may have claimed it already.
		return "", domain.NewScanError(domain.ErrValidation, "cannot claim capture folder: %v", err)
	}

	result, err := s.capturer.Ingest(ctx, claimed)
	if err != nil {
		s.release(claimed, folder)
		return "", err
	}

	now := time.Now().UTC()
	rec := domain.ScanRecord{
		ID:          scanID,
		Source:      s.source,
		Status:      domain.StatusPending,
		Title:       result.Metadata.Title,
		Description: result.Metadata.Description,
		Location:    result.Metadata.Location,
		Duration:    result.Metadata.DurationSeconds,
		AreaCovered: result.Metadata.AreaCovered,
		Height:      result.Metadata.Height,
		DataSizeMB:  result.DataSizeMB,
		ImageCount:  result.ImageCount,
		GPSTrail:    result.GPSTrail,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	rec.Artifacts.RawFolder = claimed
	rec.Artifacts.Snapshot = result.Snapshot
	if rec.Title == "" {
		rec.Title = "Scan " + now.Format("2006-01-02 15:04")
	}

	if err := s.store.Create(rec); err != nil {
		s.release(claimed, folder)
		return "", err
	}
	logger.Infof("Ingest: created scan %s from %s (%d images, %.1f MB)",
		scanID, filepath.Base(folder), rec.ImageCount, rec.DataSizeMB)

	go func() {
		if err := s.dispatcher.Dispatch(context.Background(), scanID); err != nil {
			logger.Warnf("Ingest: dispatch failed for %s: %v", scanID, err)
		}
	}()
	return scanID, nil
}

// release returns a claimed folder to its announced location so the next
// capture announcement can pick it up again. A folder that cannot be moved
// back would otherwise sit in the raw directory with no record pointing at it.
func (s *IngestService) release(claimed, original string) {
	if err := os.Rename(claimed, original); err != nil {
		logger.Errorf("Ingest: cannot return claimed folder %s to %s: %v", claimed, original, err)
	}
}
