// Package testutil provides test utilities including mocks, fixtures, and
// test database helpers.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/skavis/scansync/internal/clock"
	"github.com/skavis/scansync/internal/domain"
	"github.com/skavis/scansync/internal/eventbus"
	"github.com/skavis/scansync/internal/remote"
)

// =============================================================================
// MockClock - Testable time abstraction
// =============================================================================

// MockClock implements clock.Clock for testing, providing deterministic
// control over time-dependent operations like scheduled retries and polls.
type MockClock struct {
	mu           sync.Mutex
	now          time.Time
	pendingFuncs []pendingFunc
}

type pendingFunc struct {
	executeAt time.Time
	fn        func()
	stopped   bool
}

// MockTimer implements clock.Timer for testing.
type MockTimer struct {
	clock *MockClock
	index int
}

var _ clock.Clock = (*MockClock)(nil)

// NewMockClock creates a new MockClock with the current time as initial value.
func NewMockClock() *MockClock {
	return &MockClock{now: time.Now()}
}

// NewMockClockAt creates a new MockClock with a specific initial time.
func NewMockClockAt(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the mock's current time.
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// SetNow sets the mock's current time without triggering pending functions.
func (m *MockClock) SetNow(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// AfterFunc schedules f to be called after duration d.
func (m *MockClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	index := len(m.pendingFuncs)
	m.pendingFuncs = append(m.pendingFuncs, pendingFunc{
		executeAt: m.now.Add(d),
		fn:        f,
	})
	return &MockTimer{clock: m, index: index}
}

// Advance moves time forward by d and executes any functions whose scheduled
// time has passed. Returns the number of functions executed.
func (m *MockClock) Advance(d time.Duration) int {
	m.mu.Lock()
	newTime := m.now.Add(d)
	m.now = newTime

	var toExecute []func()
	for i := range m.pendingFuncs {
		pf := &m.pendingFuncs[i]
		if !pf.stopped && !pf.executeAt.After(newTime) {
			toExecute = append(toExecute, pf.fn)
			pf.stopped = true
		}
	}
	m.mu.Unlock()

	// Execute outside the lock to avoid deadlocks
	for _, fn := range toExecute {
		fn()
	}
	return len(toExecute)
}

// FireAll immediately executes all pending scheduled functions regardless of
// their scheduled time.
func (m *MockClock) FireAll() int {
	m.mu.Lock()
	var toExecute []func()
	for i := range m.pendingFuncs {
		pf := &m.pendingFuncs[i]
		if !pf.stopped {
			toExecute = append(toExecute, pf.fn)
			pf.stopped = true
		}
	}
	m.mu.Unlock()

	for _, fn := range toExecute {
		fn()
	}
	return len(toExecute)
}

// PendingCount returns the number of scheduled functions not yet executed or
// stopped.
func (m *MockClock) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, pf := range m.pendingFuncs {
		if !pf.stopped {
			count++
		}
	}
	return count
}

// Stop prevents the timer from firing. Returns false if it had already fired
// or been stopped.
func (t *MockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.index < len(t.clock.pendingFuncs) && !t.clock.pendingFuncs[t.index].stopped {
		t.clock.pendingFuncs[t.index].stopped = true
		return true
	}
	return false
}

// =============================================================================
// MockRemoteAPI - configurable fake for the server client
// =============================================================================

// MockRemoteAPI implements remote.API for testing. All methods delegate to
// configurable function fields; unset fields return zero values and nil
// errors.
type MockRemoteAPI struct {
	HealthzFunc             func(ctx context.Context) error
	RegisterScanFunc        func(ctx context.Context, rec *domain.ScanRecord) (int64, error)
	GetScanStatusFunc       func(ctx context.Context, remoteID int64) (remote.ScanStatusInfo, error)
	ListScansFunc           func(ctx context.Context) ([]remote.ScanStatusInfo, error)
	SubmitProcessingJobFunc func(ctx context.Context, remoteID int64) error
	UploadArtifactFunc      func(ctx context.Context, remoteID int64, artifactPath string) error
	ReportStatusFunc        func(ctx context.Context, remoteID int64, status domain.Status) error
	ProbeArtifactFunc       func(ctx context.Context, artifactURL string) (remote.ProbeResult, error)
	DownloadArtifactFunc    func(ctx context.Context, artifactURL, destDir string, onProgress func(received, total int64)) (string, error)

	// Call tracking for assertions
	mu    sync.Mutex
	calls map[string]int
}

var _ remote.API = (*MockRemoteAPI)(nil)

// NewMockRemoteAPI creates a mock with call tracking enabled.
func NewMockRemoteAPI() *MockRemoteAPI {
	return &MockRemoteAPI{calls: make(map[string]int)}
}

func (m *MockRemoteAPI) recordCall(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[method]++
}

// CallCount returns how many times the named method was invoked.
func (m *MockRemoteAPI) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MockRemoteAPI) Healthz(ctx context.Context) error {
	m.recordCall("Healthz")
	if m.HealthzFunc != nil {
		return m.HealthzFunc(ctx)
	}
	return nil
}

func (m *MockRemoteAPI) RegisterScan(ctx context.Context, rec *domain.ScanRecord) (int64, error) {
	m.recordCall("RegisterScan")
	if m.RegisterScanFunc != nil {
		return m.RegisterScanFunc(ctx, rec)
	}
	return 1, nil
}

func (m *MockRemoteAPI) GetScanStatus(ctx context.Context, remoteID int64) (remote.ScanStatusInfo, error) {
	m.recordCall("GetScanStatus")
	if m.GetScanStatusFunc != nil {
		return m.GetScanStatusFunc(ctx, remoteID)
	}
	return remote.ScanStatusInfo{RemoteID: remoteID}, nil
}

func (m *MockRemoteAPI) ListScans(ctx context.Context) ([]remote.ScanStatusInfo, error) {
	m.recordCall("ListScans")
	if m.ListScansFunc != nil {
		return m.ListScansFunc(ctx)
	}
	return nil, nil
}

func (m *MockRemoteAPI) SubmitProcessingJob(ctx context.Context, remoteID int64) error {
	m.recordCall("SubmitProcessingJob")
	if m.SubmitProcessingJobFunc != nil {
		return m.SubmitProcessingJobFunc(ctx, remoteID)
	}
	return nil
}

func (m *MockRemoteAPI) UploadArtifact(ctx context.Context, remoteID int64, artifactPath string) error {
	m.recordCall("UploadArtifact")
	if m.UploadArtifactFunc != nil {
		return m.UploadArtifactFunc(ctx, remoteID, artifactPath)
	}
	return nil
}

func (m *MockRemoteAPI) ReportStatus(ctx context.Context, remoteID int64, status domain.Status) error {
	m.recordCall("ReportStatus")
	if m.ReportStatusFunc != nil {
		return m.ReportStatusFunc(ctx, remoteID, status)
	}
	return nil
}

func (m *MockRemoteAPI) ProbeArtifact(ctx context.Context, artifactURL string) (remote.ProbeResult, error) {
	m.recordCall("ProbeArtifact")
	if m.ProbeArtifactFunc != nil {
		return m.ProbeArtifactFunc(ctx, artifactURL)
	}
	return remote.ProbeReady, nil
}

func (m *MockRemoteAPI) DownloadArtifact(ctx context.Context, artifactURL, destDir string, onProgress func(received, total int64)) (string, error) {
	m.recordCall("DownloadArtifact")
	if m.DownloadArtifactFunc != nil {
		return m.DownloadArtifactFunc(ctx, artifactURL, destDir, onProgress)
	}
	return destDir + "/artifact.bin", nil
}

// =============================================================================
// MockLocalProcessor - on-device reconstruction stand-in
// =============================================================================

// MockLocalProcessor implements capture.LocalProcessor. By default it writes
// a model file into outputDir and returns its path.
type MockLocalProcessor struct {
	ProcessFunc func(ctx context.Context, rawFolder, outputDir string) (string, error)

	mu    sync.Mutex
	count int
}

func NewMockLocalProcessor() *MockLocalProcessor {
	return &MockLocalProcessor{}
}

func (m *MockLocalProcessor) Process(ctx context.Context, rawFolder, outputDir string) (string, error) {
	m.mu.Lock()
	m.count++
	m.mu.Unlock()
	if m.ProcessFunc != nil {
		return m.ProcessFunc(ctx, rawFolder, outputDir)
	}
	path := filepath.Join(outputDir, "model.glb")
	if err := os.WriteFile(path, []byte("glb"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// ProcessCount returns how many times Process ran.
func (m *MockLocalProcessor) ProcessCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// =============================================================================
// MockPublisher - event bus stand-in that records published events
// =============================================================================

// MockPublisher implements eventbus.Publisher, recording every published
// event for assertions. Subscribed handlers run synchronously on Publish.
type MockPublisher struct {
	mu       sync.Mutex
	events   []domain.Event
	handlers map[domain.EventType][]func(domain.Event)
}

var _ eventbus.Publisher = (*MockPublisher)(nil)

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{handlers: make(map[domain.EventType][]func(domain.Event))}
}

func (m *MockPublisher) Publish(event domain.Event) error {
	m.mu.Lock()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	m.events = append(m.events, event)
	handlers := append([]func(domain.Event){}, m.handlers[event.EventType]...)
	m.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
	return nil
}

func (m *MockPublisher) Subscribe(eventType domain.EventType, handler func(domain.Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handlers == nil {
		m.handlers = make(map[domain.EventType][]func(domain.Event))
	}
	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// Events returns a copy of all published events.
func (m *MockPublisher) Events() []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Event, len(m.events))
	copy(out, m.events)
	return out
}

// EventsOfType returns published events matching the given type.
func (m *MockPublisher) EventsOfType(eventType domain.EventType) []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, e := range m.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}
