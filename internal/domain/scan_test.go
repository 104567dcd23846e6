package domain

import (
	"testing"
)

func TestNormalizeStatus_SynonymTable(t *testing.T) {
	tests := []struct {
		raw  string
		want Status
	}{
		{"pending", StatusPending},
		{"new", StatusPending},
		{"created", StatusPending},
		{"queued", StatusPending},
		{"uploading", StatusUploading},
		{"in_upload", StatusUploading},
		{"syncing", StatusSyncing},
		{"registered", StatusSyncing},
		{"processing", StatusProcessing},
		{"in_progress", StatusProcessing},
		{"running", StatusProcessing},
		{"submitted", StatusProcessing},
		{"uploaded", StatusUploaded},
		{"synced", StatusUploaded},
		{"complete", StatusCompleted},
		{"completed", StatusCompleted},
		{"done", StatusCompleted},
		{"success", StatusCompleted},
		{"failed", StatusFailed},
		{"error", StatusFailed},
	}

	for _, tt := range tests {
		if got := NormalizeStatus(tt.raw); got != tt.want {
			t.Errorf("NormalizeStatus(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestNormalizeStatus_CaseAndWhitespace(t *testing.T) {
	if got := NormalizeStatus("  UPLOADED  "); got != StatusUploaded {
		t.Errorf("expected case/whitespace insensitive normalization, got %q", got)
	}
}

func TestNormalizeStatus_UnknownFailsOpen(t *testing.T) {
	for _, raw := range []string{"", "garbage", "???", "Uploading2"} {
		if got := NormalizeStatus(raw); got != StatusPending {
			t.Errorf("NormalizeStatus(%q) = %q, want pending (fail-open)", raw, got)
		}
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	terminal := []Status{StatusUploaded, StatusCompleted, StatusFailed}
	nonTerminal := []Status{StatusPending, StatusUploading, StatusSyncing, StatusProcessing}

	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("expected %q to be terminal", s)
		}
	}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("expected %q to be non-terminal", s)
		}
	}
}

// Exhaustive reachability check: a local record can never reach Completed and
// a remote record can never reach Uploading or Uploaded, no matter the path.
func TestCanTransition_DisjointTerminalStates(t *testing.T) {
	all := []Status{
		StatusPending, StatusUploading, StatusSyncing,
		StatusProcessing, StatusUploaded, StatusCompleted, StatusFailed,
	}

	for _, from := range all {
		if CanTransition(SourceLocal, from, StatusCompleted) {
			t.Errorf("local record must never transition %q -> completed", from)
		}
		if CanTransition(SourceRemote, from, StatusUploading) {
			t.Errorf("remote record must never transition %q -> uploading", from)
		}
		if CanTransition(SourceRemote, from, StatusUploaded) {
			t.Errorf("remote record must never transition %q -> uploaded", from)
		}
	}
}

func TestCanTransition_Lifecycle(t *testing.T) {
	tests := []struct {
		source Source
		from   Status
		to     Status
		want   bool
	}{
		{SourceLocal, StatusPending, StatusUploading, true},
		{SourceRemote, StatusPending, StatusProcessing, true},
		{SourceLocal, StatusUploading, StatusUploaded, true},
		{SourceLocal, StatusUploading, StatusFailed, true},
		{SourceRemote, StatusProcessing, StatusCompleted, true},
		{SourceRemote, StatusProcessing, StatusFailed, true},
		{SourceLocal, StatusFailed, StatusPending, true},
		{SourceRemote, StatusFailed, StatusPending, true},
		// Status repair jumps straight to Uploaded for local records.
		{SourceLocal, StatusPending, StatusUploaded, true},

		{SourceLocal, StatusUploaded, StatusPending, false},
		{SourceRemote, StatusCompleted, StatusProcessing, false},
		{SourceLocal, StatusPending, StatusPending, false},
		{SourceLocal, StatusUploaded, StatusFailed, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.source, tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s, %s) = %v, want %v",
				tt.source, tt.from, tt.to, got, tt.want)
		}
	}
}

func TestScanRecord_NeedsSync(t *testing.T) {
	tests := []struct {
		name   string
		record ScanRecord
		want   bool
	}{
		{
			name:   "failed local record needs sync",
			record: ScanRecord{Source: SourceLocal, Status: StatusFailed},
			want:   true,
		},
		{
			name: "pending local record with artifact needs sync",
			record: ScanRecord{
				Source:    SourceLocal,
				Status:    StatusPending,
				Artifacts: ArtifactPaths{ProcessedModel: "/data/scans/s1/model.ply"},
			},
			want: true,
		},
		{
			name:   "pending local record without artifact does not",
			record: ScanRecord{Source: SourceLocal, Status: StatusPending},
			want:   false,
		},
		{
			name:   "uploaded local record does not",
			record: ScanRecord{Source: SourceLocal, Status: StatusUploaded},
			want:   false,
		},
		{
			name:   "remote records never need sync",
			record: ScanRecord{Source: SourceRemote, Status: StatusFailed},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.record.NeedsSync(); got != tt.want {
				t.Errorf("NeedsSync() = %v, want %v", got, tt.want)
			}
		})
	}
}
