package domain

import (
	"strings"
	"time"
)

// Source indicates where a scan record originated.
type Source string

const (
	// SourceLocal is a scan captured on this device.
	SourceLocal Source = "local"
	// SourceRemote is a scan fetched from the server.
	SourceRemote Source = "remote"
)

// Status is the canonical lifecycle state of a scan, used internally
// regardless of which vocabulary the raw data arrived in.
type Status string

const (
	StatusPending    Status = "pending"
	StatusUploading  Status = "uploading"
	StatusSyncing    Status = "syncing"
	StatusProcessing Status = "processing"
	StatusUploaded   Status = "uploaded"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// statusSynonyms maps every raw token the two backends emit onto the
// canonical enum. Local capture metadata and the server API use different
// vocabularies for overlapping concepts, so the mapping lives here as one
// table rather than scattered conditionals.
var statusSynonyms = map[string]Status{
	"pending":     StatusPending,
	"new":         StatusPending,
	"created":     StatusPending,
	"queued":      StatusPending,
	"uploading":   StatusUploading,
	"upload":      StatusUploading,
	"in_upload":   StatusUploading,
	"syncing":     StatusSyncing,
	"sync":        StatusSyncing,
	"registered":  StatusSyncing,
	"processing":  StatusProcessing,
	"in_progress": StatusProcessing,
	"running":     StatusProcessing,
	"submitted":   StatusProcessing,
	"uploaded":    StatusUploaded,
	"synced":      StatusUploaded,
	"complete":    StatusCompleted,
	"completed":   StatusCompleted,
	"done":        StatusCompleted,
	"success":     StatusCompleted,
	"processed":   StatusCompleted,
	"failed":      StatusFailed,
	"failure":     StatusFailed,
	"error":       StatusFailed,
}

// NormalizeStatus maps a raw status token from any source onto the canonical
// enum. Unknown or malformed tokens map to StatusPending (fail-open).
func NormalizeStatus(raw string) Status {
	if s, ok := statusSynonyms[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return s
	}
	return StatusPending
}

// IsTerminal reports whether no further automatic transition occurs from s
// without explicit user action.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusUploaded, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// transitions is the scan lifecycle state machine. The two sources have
// disjoint terminal-success states: a local record ends in Uploaded, a
// remote record ends in Completed.
var transitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusUploading:  true, // local path
		StatusProcessing: true, // server path
		StatusSyncing:    true, // registration in flight
		StatusUploaded:   true, // status repair: artifact already present
		StatusFailed:     true,
	},
	StatusUploading: {
		StatusUploaded: true,
		StatusFailed:   true,
	},
	StatusSyncing: {
		StatusUploaded:   true,
		StatusProcessing: true,
		StatusFailed:     true,
	},
	StatusProcessing: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusFailed: {
		StatusPending: true, // explicit retry clears the error
	},
}

// CanTransition reports whether the state machine permits moving a record of
// the given source from one status to another.
func CanTransition(source Source, from, to Status) bool {
	if from == to {
		return false
	}
	if !transitions[from][to] {
		return false
	}
	// Disjoint terminal-success states per source.
	if source == SourceRemote && (to == StatusUploading || to == StatusUploaded) {
		return false
	}
	if source == SourceLocal && to == StatusCompleted {
		return false
	}
	return true
}

// GPSPoint is one coordinate in a scan's GPS trail.
type GPSPoint struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

// ArtifactPaths references locally-stored outputs of a scan.
type ArtifactPaths struct {
	ProcessedModel string `json:"processed_model,omitempty"`
	Snapshot       string `json:"snapshot,omitempty"`
	RawFolder      string `json:"raw_folder,omitempty"`
}

// ScanRecord is a single scan session tracked by the agent. Status is
// mutated only through the store's state machine, never directly.
type ScanRecord struct {
	ID       string `json:"id"`
	RemoteID int64  `json:"remote_id,omitempty"` // 0 until registered with the server
	Source   Source `json:"source"`
	Status   Status `json:"status"`

	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	Duration    int        `json:"duration_seconds"`
	AreaCovered float64    `json:"area_covered_m2"`
	Height      float64    `json:"height_m"`
	DataSizeMB  float64    `json:"data_size_mb"`
	ImageCount  int        `json:"image_count"`
	GPSTrail    []GPSPoint `json:"gps_trail,omitempty"`

	Artifacts ArtifactPaths `json:"artifacts"`
	LastError *ScanError    `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Registered reports whether the record is known to the server.
func (r *ScanRecord) Registered() bool {
	return r.RemoteID != 0
}

// NeedsSync reports whether the record has work the orchestrator should push
// to the server: a failed local record, or a pending local record with a
// completed artifact awaiting registration.
func (r *ScanRecord) NeedsSync() bool {
	if r.Source != SourceLocal {
		return false
	}
	switch r.Status {
	case StatusFailed:
		return true
	case StatusPending:
		return r.Artifacts.ProcessedModel != ""
	}
	return false
}
