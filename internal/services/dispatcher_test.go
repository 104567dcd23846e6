package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skavis/scansync/internal/db"
	"github.com/skavis/scansync/internal/domain"
	"github.com/skavis/scansync/internal/store"
	"github.com/skavis/scansync/internal/testutil"
)

type dispatcherFixture struct {
	dispatcher *Dispatcher
	store      *store.Store
	api        *testutil.MockRemoteAPI
	processor  *testutil.MockLocalProcessor
	pollers    *PollerSet
	bus        *testutil.MockPublisher
	clk        *testutil.MockClock
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()
	sqlDB, err := testutil.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	repo := &db.Repository{DB: sqlDB}

	bus := testutil.NewMockPublisher()
	st, err := store.New(repo, bus, true)
	require.NoError(t, err)
	st.SetOnline(true)

	api := testutil.NewMockRemoteAPI()
	clk := testutil.NewMockClock()
	processor := testutil.NewMockLocalProcessor()
	pollers := NewPollerSet(st, api, bus, clk, 30*time.Second)
	syncer := NewSyncer(st, repo, api, bus)
	dispatcher := NewDispatcher(st, api, bus, processor, syncer, pollers, t.TempDir())

	return &dispatcherFixture{
		dispatcher: dispatcher,
		store:      st,
		api:        api,
		processor:  processor,
		pollers:    pollers,
		bus:        bus,
		clk:        clk,
	}
}

func newRawScan(t *testing.T, f *dispatcherFixture, source domain.Source) domain.ScanRecord {
	t.Helper()
	rec := testutil.NewScan(testutil.WithSource(source))
	rec.Artifacts.RawFolder = t.TempDir()
	require.NoError(t, f.store.Create(rec))
	return rec
}

func TestLocalDispatchProcessesAndSyncs(t *testing.T) {
	f := newDispatcherFixture(t)
	rec := newRawScan(t, f, domain.SourceLocal)

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), rec.ID))

	got, _ := f.store.Get(rec.ID)
	assert.Equal(t, domain.StatusUploaded, got.Status)
	assert.NotEmpty(t, got.Artifacts.ProcessedModel)
	assert.Equal(t, 1, f.processor.ProcessCount())
	assert.Equal(t, 1, f.api.CallCount("UploadArtifact"))
	assert.Equal(t, 0, f.api.CallCount("SubmitProcessingJob"), "local scans never hit the server pipeline")
	assert.Len(t, f.bus.EventsOfType(domain.ProcessingComplete), 1)
}

func TestLocalDispatchDefersSyncWhenOffline(t *testing.T) {
	f := newDispatcherFixture(t)
	f.store.SetOnline(false)
	rec := newRawScan(t, f, domain.SourceLocal)

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), rec.ID))

	got, _ := f.store.Get(rec.ID)
	assert.Equal(t, domain.StatusPending, got.Status, "processed but waiting for connectivity")
	assert.NotEmpty(t, got.Artifacts.ProcessedModel)
	assert.True(t, got.NeedsSync())
	assert.Equal(t, 0, f.api.CallCount("RegisterScan"))
}

func TestLocalProcessingFailureMarksFailed(t *testing.T) {
	f := newDispatcherFixture(t)
	f.processor.ProcessFunc = func(ctx context.Context, rawFolder, outputDir string) (string, error) {
		return "", domain.NewScanError(domain.ErrServer, "reconstruction diverged")
	}
	rec := newRawScan(t, f, domain.SourceLocal)

	err := f.dispatcher.Dispatch(context.Background(), rec.ID)
	require.Error(t, err)

	got, _ := f.store.Get(rec.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Len(t, f.bus.EventsOfType(domain.ProcessingFailed), 1)
}

func TestRemoteDispatchSubmitsServerJob(t *testing.T) {
	f := newDispatcherFixture(t)
	rec := newRawScan(t, f, domain.SourceRemote)

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), rec.ID))

	got, _ := f.store.Get(rec.ID)
	assert.Equal(t, domain.StatusProcessing, got.Status)
	assert.NotZero(t, got.RemoteID)
	assert.Equal(t, 1, f.api.CallCount("SubmitProcessingJob"))
	assert.Equal(t, 0, f.processor.ProcessCount(), "remote scans never process on device")
	assert.Equal(t, 1, f.pollers.ActiveCount(), "server-side processing is tracked by a poller")
}

func TestRetryProcessingReentersSameSourcePath(t *testing.T) {
	f := newDispatcherFixture(t)
	f.processor.ProcessFunc = func(ctx context.Context, rawFolder, outputDir string) (string, error) {
		return "", domain.NewScanError(domain.ErrServer, "out of memory")
	}
	rec := newRawScan(t, f, domain.SourceLocal)
	require.Error(t, f.dispatcher.Dispatch(context.Background(), rec.ID))

	// Fix the processor and retry.
	f.processor.ProcessFunc = nil
	require.NoError(t, f.dispatcher.RetryProcessing(context.Background(), rec.ID))

	got, _ := f.store.Get(rec.ID)
	assert.Equal(t, domain.StatusUploaded, got.Status)
	assert.Nil(t, got.LastError)
	assert.Equal(t, 2, f.processor.ProcessCount())
}

func TestRetryProcessingRejectsNonFailedScan(t *testing.T) {
	f := newDispatcherFixture(t)
	rec := newRawScan(t, f, domain.SourceLocal)

	err := f.dispatcher.RetryProcessing(context.Background(), rec.ID)
	require.Error(t, err)
	var scanErr *domain.ScanError
	require.ErrorAs(t, err, &scanErr)
	assert.Equal(t, domain.ErrValidation, scanErr.Kind)
}

func TestDispatchSkipsProcessingWhenModelPresent(t *testing.T) {
	f := newDispatcherFixture(t)

	model := filepath.Join(t.TempDir(), "model.glb")
	require.NoError(t, os.WriteFile(model, []byte("glb"), 0o644))
	rec := testutil.NewScan(testutil.WithProcessedModel(model))
	rec.Artifacts.RawFolder = t.TempDir()
	require.NoError(t, f.store.Create(rec))

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), rec.ID))

	assert.Equal(t, 0, f.processor.ProcessCount())
	got, _ := f.store.Get(rec.ID)
	assert.Equal(t, domain.StatusUploaded, got.Status)
}

func TestDispatchRejectsTerminalScan(t *testing.T) {
	f := newDispatcherFixture(t)
	rec := testutil.NewScan(testutil.WithStatus(domain.StatusUploaded))
	require.NoError(t, f.store.Create(rec))

	err := f.dispatcher.Dispatch(context.Background(), rec.ID)
	require.Error(t, err)
}
