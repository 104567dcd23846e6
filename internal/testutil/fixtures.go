package testutil

import (
	"time"

	"github.com/google/uuid"

	"github.com/skavis/scansync/internal/domain"
)

// ScanOption is a functional option for configuring test scan records.
type ScanOption func(*domain.ScanRecord)

// WithStatus sets the record status without going through the state machine.
func WithStatus(status domain.Status) ScanOption {
	return func(r *domain.ScanRecord) {
		r.Status = status
	}
}

// WithSource sets the record source.
func WithSource(source domain.Source) ScanOption {
	return func(r *domain.ScanRecord) {
		r.Source = source
	}
}

// WithRemoteID marks the record as registered with the server.
func WithRemoteID(remoteID int64) ScanOption {
	return func(r *domain.ScanRecord) {
		r.RemoteID = remoteID
	}
}

// WithProcessedModel sets the processed model artifact path.
func WithProcessedModel(path string) ScanOption {
	return func(r *domain.ScanRecord) {
		r.Artifacts.ProcessedModel = path
	}
}

// WithLastError sets a structured failure on the record.
func WithLastError(kind domain.ErrorKind, message string) ScanOption {
	return func(r *domain.ScanRecord) {
		r.LastError = &domain.ScanError{Kind: kind, Message: message}
	}
}

// WithScanCreatedAt sets the record creation time.
func WithScanCreatedAt(t time.Time) ScanOption {
	return func(r *domain.ScanRecord) {
		r.CreatedAt = t
	}
}

// NewScan builds a local pending scan record with sensible defaults.
func NewScan(opts ...ScanOption) domain.ScanRecord {
	now := time.Now().UTC()
	rec := domain.ScanRecord{
		ID:         uuid.New().String(),
		Source:     domain.SourceLocal,
		Status:     domain.StatusPending,
		Title:      "Test scan",
		Duration:   120,
		DataSizeMB: 42.5,
		ImageCount: 80,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, opt := range opts {
		opt(&rec)
	}
	return rec
}

// NewEvent builds a test event for the given aggregate id.
func NewEvent(eventType domain.EventType, aggregateID string, data map[string]interface{}) domain.Event {
	if data == nil {
		data = make(map[string]interface{})
	}
	return domain.Event{
		AggregateType: "scan",
		AggregateID:   aggregateID,
		EventType:     eventType,
		EventData:     data,
		EventVersion:  1,
		CreatedAt:     time.Now().UTC(),
	}
}
