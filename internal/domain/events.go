package domain

import (
	"time"
)

type EventType string

const (
	CaptureComplete     EventType = "CaptureComplete"
	ProcessingStarted   EventType = "ProcessingStarted"
	ProcessingComplete  EventType = "ProcessingComplete"
	ProcessingFailed    EventType = "ProcessingFailed"
	UploadStarted       EventType = "UploadStarted"
	UploadComplete      EventType = "UploadComplete"
	UploadFailed        EventType = "UploadFailed"
	StatusRepaired      EventType = "StatusRepaired"
	StatusRefreshed     EventType = "StatusRefreshed"
	SyncStarted         EventType = "SyncStarted"
	SyncCompleted       EventType = "SyncCompleted"
	SyncFailed          EventType = "SyncFailed"
	ConnectivityChanged EventType = "ConnectivityChanged"
	DownloadStarted     EventType = "DownloadStarted"
	DownloadProgress    EventType = "DownloadProgress"
	DownloadComplete    EventType = "DownloadComplete"
	DownloadFailed      EventType = "DownloadFailed"
	DownloadCancelled   EventType = "DownloadCancelled"
	NotificationSent    EventType = "NotificationSent"
	NotificationFailed  EventType = "NotificationFailed"
)

type Event struct {
	ID            int64                  `json:"id"`
	AggregateType string                 `json:"aggregate_type"`
	AggregateID   string                 `json:"aggregate_id"`
	EventType     EventType              `json:"event_type"`
	EventData     map[string]interface{} `json:"event_data"`
	EventVersion  int                    `json:"event_version"`
	CreatedAt     time.Time              `json:"created_at"`
}

// =============================================================================
// Type-safe event data accessors
// These helpers provide compile-time safety when extracting data from events.
// =============================================================================

// GetString safely extracts a string field from EventData.
// Returns the value and true if found and is a string, otherwise empty string and false.
func (e *Event) GetString(key string) (string, bool) {
	if e.EventData == nil {
		return "", false
	}
	v, ok := e.EventData[key].(string)
	return v, ok
}

// GetStringOr extracts a string field or returns the default value.
func (e *Event) GetStringOr(key, defaultVal string) string {
	if v, ok := e.GetString(key); ok {
		return v
	}
	return defaultVal
}

// GetInt64 safely extracts an int64 field from EventData.
// Handles both int64 and float64 (JSON unmarshaling produces float64).
func (e *Event) GetInt64(key string) (int64, bool) {
	if e.EventData == nil {
		return 0, false
	}
	switch v := e.EventData[key].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// GetInt64Or extracts an int64 field or returns the default value.
func (e *Event) GetInt64Or(key string, defaultVal int64) int64 {
	if v, ok := e.GetInt64(key); ok {
		return v
	}
	return defaultVal
}

// GetFloat64 safely extracts a float64 field from EventData.
func (e *Event) GetFloat64(key string) (float64, bool) {
	if e.EventData == nil {
		return 0, false
	}
	switch v := e.EventData[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// GetBool safely extracts a bool field from EventData.
func (e *Event) GetBool(key string) (bool, bool) {
	if e.EventData == nil {
		return false, false
	}
	v, ok := e.EventData[key].(bool)
	return v, ok
}

// GetBoolOr extracts a bool field or returns the default value.
func (e *Event) GetBoolOr(key string, defaultVal bool) bool {
	if v, ok := e.GetBool(key); ok {
		return v
	}
	return defaultVal
}

// =============================================================================
// Typed event data structures for common events
// =============================================================================

// CaptureEventData contains data for CaptureComplete events.
type CaptureEventData struct {
	FolderPath      string  `json:"folder_path"`
	ImageCount      int     `json:"image_count"`
	DurationSeconds int     `json:"duration_seconds"`
	Latitude        float64 `json:"latitude,omitempty"`
	Longitude       float64 `json:"longitude,omitempty"`
}

// ParseCaptureEventData extracts typed capture data from an event.
func (e *Event) ParseCaptureEventData() (CaptureEventData, bool) {
	folder, ok := e.GetString("folder_path")
	if !ok {
		return CaptureEventData{}, false
	}
	lat, _ := e.GetFloat64("latitude")
	lon, _ := e.GetFloat64("longitude")
	return CaptureEventData{
		FolderPath:      folder,
		ImageCount:      int(e.GetInt64Or("image_count", 0)),
		DurationSeconds: int(e.GetInt64Or("duration_seconds", 0)),
		Latitude:        lat,
		Longitude:       lon,
	}, true
}

// SyncResultEventData contains data for SyncCompleted/SyncFailed events.
type SyncResultEventData struct {
	Attempted int    `json:"attempted"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Message   string `json:"message,omitempty"`
}

// ParseSyncResultEventData extracts typed sync result data from an event.
func (e *Event) ParseSyncResultEventData() (SyncResultEventData, bool) {
	attempted, ok := e.GetInt64("attempted")
	if !ok {
		return SyncResultEventData{}, false
	}
	return SyncResultEventData{
		Attempted: int(attempted),
		Succeeded: int(e.GetInt64Or("succeeded", 0)),
		Failed:    int(e.GetInt64Or("failed", 0)),
		Message:   e.GetStringOr("message", ""),
	}, true
}

// DownloadEventData contains data for Download* events.
type DownloadEventData struct {
	SessionID  string  `json:"session_id"`
	URL        string  `json:"url,omitempty"`
	Progress   float64 `json:"progress,omitempty"`
	RetryCount int     `json:"retry_count,omitempty"`
	LocalPath  string  `json:"local_path,omitempty"`
	ErrorKind  string  `json:"error_kind,omitempty"`
}

// ParseDownloadEventData extracts typed download data from an event.
func (e *Event) ParseDownloadEventData() (DownloadEventData, bool) {
	sessionID, ok := e.GetString("session_id")
	if !ok {
		return DownloadEventData{}, false
	}
	progress, _ := e.GetFloat64("progress")
	return DownloadEventData{
		SessionID:  sessionID,
		URL:        e.GetStringOr("url", ""),
		Progress:   progress,
		RetryCount: int(e.GetInt64Or("retry_count", 0)),
		LocalPath:  e.GetStringOr("local_path", ""),
		ErrorKind:  e.GetStringOr("error_kind", ""),
	}, true
}
