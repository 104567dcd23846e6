package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skavis/scansync/internal/db"
	"github.com/skavis/scansync/internal/domain"
	"github.com/skavis/scansync/internal/store"
	"github.com/skavis/scansync/internal/testutil"
)

func newTestSyncer(t *testing.T, api *testutil.MockRemoteAPI) (*Syncer, *store.Store, *testutil.MockPublisher) {
	t.Helper()
	sqlDB, err := testutil.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	repo := &db.Repository{DB: sqlDB}

	bus := testutil.NewMockPublisher()
	st, err := store.New(repo, bus, true)
	require.NoError(t, err)
	st.SetOnline(true)

	return NewSyncer(st, repo, api, bus), st, bus
}

func TestSyncAllUploadsPendingScans(t *testing.T) {
	api := testutil.NewMockRemoteAPI()
	syncer, st, bus := newTestSyncer(t, api)

	first := testutil.NewScan(testutil.WithProcessedModel("/tmp/a.glb"))
	second := testutil.NewScan(testutil.WithProcessedModel("/tmp/b.glb"))
	require.NoError(t, st.Create(first))
	require.NoError(t, st.Create(second))

	result, err := syncer.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Attempted: 2, Succeeded: 2}, result)

	for _, id := range []string{first.ID, second.ID} {
		got, _ := st.Get(id)
		assert.Equal(t, domain.StatusUploaded, got.Status)
		assert.NotZero(t, got.RemoteID, "registration assigns the server id")
	}
	assert.Equal(t, 2, api.CallCount("UploadArtifact"))
	assert.Len(t, bus.EventsOfType(domain.SyncCompleted), 1)
	assert.False(t, st.SyncStateSnapshot().IsSyncing)
}

func TestSyncAllIsolatesRecordFailures(t *testing.T) {
	api := testutil.NewMockRemoteAPI()
	var uploads int
	api.UploadArtifactFunc = func(ctx context.Context, remoteID int64, path string) error {
		uploads++
		if uploads == 1 {
			return domain.NewScanError(domain.ErrNetwork, "connection reset")
		}
		return nil
	}
	syncer, st, bus := newTestSyncer(t, api)

	bad := testutil.NewScan(
		testutil.WithScanCreatedAt(time.Now().Add(-time.Hour)),
		testutil.WithProcessedModel("/tmp/bad.glb"),
	)
	good := testutil.NewScan(testutil.WithProcessedModel("/tmp/good.glb"))
	require.NoError(t, st.Create(bad))
	require.NoError(t, st.Create(good))

	result, err := syncer.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Attempted: 2, Succeeded: 1, Failed: 1}, result)

	gotBad, _ := st.Get(bad.ID)
	assert.Equal(t, domain.StatusFailed, gotBad.Status)
	require.NotNil(t, gotBad.LastError)
	assert.Equal(t, domain.ErrNetwork, gotBad.LastError.Kind)

	gotGood, _ := st.Get(good.ID)
	assert.Equal(t, domain.StatusUploaded, gotGood.Status, "one failure does not abort the batch")

	assert.Len(t, bus.EventsOfType(domain.SyncFailed), 1)
	state := st.SyncStateSnapshot()
	require.NotEmpty(t, state.RecentErrors)
	assert.Contains(t, state.RecentErrors[0].Message, bad.ID)
}

func TestSyncAllSecondCallerRejected(t *testing.T) {
	api := testutil.NewMockRemoteAPI()
	enter := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	api.RegisterScanFunc = func(ctx context.Context, rec *domain.ScanRecord) (int64, error) {
		once.Do(func() { close(enter) })
		<-release
		return 1, nil
	}
	syncer, st, _ := newTestSyncer(t, api)
	require.NoError(t, st.Create(testutil.NewScan(testutil.WithProcessedModel("/tmp/a.glb"))))

	firstDone := make(chan error, 1)
	go func() {
		_, err := syncer.SyncAll(context.Background())
		firstDone <- err
	}()

	<-enter
	_, err := syncer.SyncAll(context.Background())
	assert.ErrorIs(t, err, ErrSyncInFlight, "concurrent caller is rejected, not queued")

	close(release)
	require.NoError(t, <-firstDone)

	// Once the batch finishes the guard is released.
	_, err = syncer.SyncAll(context.Background())
	require.NoError(t, err)
}

func TestSyncAllOfflineRejected(t *testing.T) {
	syncer, st, _ := newTestSyncer(t, testutil.NewMockRemoteAPI())
	st.SetOnline(false)

	_, err := syncer.SyncAll(context.Background())
	assert.ErrorIs(t, err, ErrOffline)
}

func TestFailedScanRetriesThroughPending(t *testing.T) {
	api := testutil.NewMockRemoteAPI()
	syncer, st, _ := newTestSyncer(t, api)

	rec := testutil.NewScan(testutil.WithProcessedModel("/tmp/a.glb"))
	require.NoError(t, st.Create(rec))
	require.NoError(t, st.UpdateStatus(rec.ID, domain.StatusFailed,
		domain.NewScanError(domain.ErrTimeout, "previous attempt timed out")))

	result, err := syncer.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)

	got, _ := st.Get(rec.ID)
	assert.Equal(t, domain.StatusUploaded, got.Status)
	assert.Nil(t, got.LastError)
}

func TestAutoSyncTriggersOnOnlineEdge(t *testing.T) {
	api := testutil.NewMockRemoteAPI()
	syncer, st, _ := newTestSyncer(t, api)
	rec := testutil.NewScan(testutil.WithProcessedModel("/tmp/a.glb"))
	require.NoError(t, st.Create(rec))

	syncer.OnConnectivityChange(true)

	assert.Eventually(t, func() bool {
		got, _ := st.Get(rec.ID)
		return got.Status == domain.StatusUploaded
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAutoSyncSkippedWhenDisabled(t *testing.T) {
	api := testutil.NewMockRemoteAPI()
	syncer, st, _ := newTestSyncer(t, api)
	require.NoError(t, st.Create(testutil.NewScan(testutil.WithProcessedModel("/tmp/a.glb"))))

	require.NoError(t, syncer.SetAutoSync(false))
	syncer.OnConnectivityChange(true)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, api.CallCount("RegisterScan"))
}

func TestGoingOfflineTriggersNothing(t *testing.T) {
	api := testutil.NewMockRemoteAPI()
	syncer, st, _ := newTestSyncer(t, api)
	require.NoError(t, st.Create(testutil.NewScan(testutil.WithProcessedModel("/tmp/a.glb"))))

	syncer.OnConnectivityChange(false)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, api.CallCount("RegisterScan"))
	assert.False(t, st.SyncStateSnapshot().IsOnline)
}

func TestEnablingAutoSyncDoesNotStartBatch(t *testing.T) {
	api := testutil.NewMockRemoteAPI()
	syncer, st, _ := newTestSyncer(t, api)
	require.NoError(t, st.Create(testutil.NewScan(testutil.WithProcessedModel("/tmp/a.glb"))))

	require.NoError(t, syncer.SetAutoSync(false))
	require.NoError(t, syncer.SetAutoSync(true))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, api.CallCount("RegisterScan"), "the toggle itself never syncs")
	assert.True(t, st.SyncStateSnapshot().AutoSyncEnabled)
}

func TestSyncOneRejectsCleanScan(t *testing.T) {
	syncer, st, _ := newTestSyncer(t, testutil.NewMockRemoteAPI())
	rec := testutil.NewScan(testutil.WithStatus(domain.StatusUploaded))
	require.NoError(t, st.Create(rec))

	err := syncer.SyncOne(context.Background(), rec.ID)
	require.Error(t, err)
	var scanErr *domain.ScanError
	require.ErrorAs(t, err, &scanErr)
	assert.Equal(t, domain.ErrValidation, scanErr.Kind)
}

func TestSyncAllNothingPending(t *testing.T) {
	syncer, _, _ := newTestSyncer(t, testutil.NewMockRemoteAPI())

	result, err := syncer.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncResult{}, result)
	assert.Equal(t, "nothing to sync", result.String())
}

func TestClassifyUnknownSyncError(t *testing.T) {
	api := testutil.NewMockRemoteAPI()
	api.RegisterScanFunc = func(ctx context.Context, rec *domain.ScanRecord) (int64, error) {
		return 0, errors.New("something odd")
	}
	syncer, st, _ := newTestSyncer(t, api)
	rec := testutil.NewScan(testutil.WithProcessedModel("/tmp/a.glb"))
	require.NoError(t, st.Create(rec))

	result, err := syncer.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	got, _ := st.Get(rec.ID)
	require.NotNil(t, got.LastError)
	assert.Equal(t, domain.ErrServer, got.LastError.Kind, "unclassified errors default to server kind")
}
