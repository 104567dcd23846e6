package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for retry decisions and user messaging.
type ErrorKind string

const (
	ErrValidation ErrorKind = "validation" // bad input, e.g. missing scan id
	ErrNetwork    ErrorKind = "network"    // no connectivity / transport failure
	ErrTimeout    ErrorKind = "timeout"    // readiness retry ceiling exceeded
	ErrPermission ErrorKind = "permission" // camera/storage/server authorization denied
	ErrServer     ErrorKind = "server"     // 5xx or business-rule rejection
	ErrCancelled  ErrorKind = "cancelled"  // user-initiated abort, not a failure
)

// ScanError is the structured error retained on a record for display and
// retry decisions.
type ScanError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewScanError builds a ScanError of the given kind.
func NewScanError(kind ErrorKind, format string, v ...interface{}) *ScanError {
	return &ScanError{Kind: kind, Message: fmt.Sprintf(format, v...)}
}

// Retryable reports whether the user should be offered a retry affordance.
// Cancelled is not an error and Validation/Permission failures will not
// succeed on a blind retry.
func (e *ScanError) Retryable() bool {
	switch e.Kind {
	case ErrNetwork, ErrTimeout, ErrServer:
		return true
	}
	return false
}

// UserMessage returns the human-readable message shown alongside a terminal
// Failed state, distinguishing retryable from non-retryable conditions.
func (e *ScanError) UserMessage() string {
	switch e.Kind {
	case ErrNetwork:
		return "No connection to the scan server — check your connection and try again"
	case ErrTimeout:
		return "The server took too long to prepare the file — try again later"
	case ErrServer:
		return "The scan server reported an error — try again later"
	case ErrPermission:
		return "Permission denied — check camera, storage and account access"
	case ErrValidation:
		return "Scan data incomplete — rescan required"
	case ErrCancelled:
		return "Cancelled"
	}
	return e.Message
}

// ClassifyError maps an arbitrary error onto a ScanError. Existing
// ScanErrors pass through unchanged; everything else becomes a server error.
func ClassifyError(err error) *ScanError {
	if err == nil {
		return nil
	}
	var se *ScanError
	if errors.As(err, &se) {
		return se
	}
	return &ScanError{Kind: ErrServer, Message: err.Error()}
}
