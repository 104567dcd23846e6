package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skavis/scansync/internal/clock"
	"github.com/skavis/scansync/internal/domain"
	"github.com/skavis/scansync/internal/remote"
	"github.com/skavis/scansync/internal/testutil"
)

// downloader tests run on the system clock with a millisecond probe delay so
// the readiness loop executes for real without slowing the suite down.
func newTestDownloader(t *testing.T, api *testutil.MockRemoteAPI, maxAttempts int) (*Downloader, *testutil.MockPublisher) {
	t.Helper()
	bus := testutil.NewMockPublisher()
	d := NewDownloader(newTestStore(t), api, bus, &clock.SystemClock{}, time.Millisecond, maxAttempts)
	return d, bus
}

func waitForDone(t *testing.T, done chan DownloadSnapshot) DownloadSnapshot {
	t.Helper()
	select {
	case snap := <-done:
		return snap
	case <-time.After(5 * time.Second):
		t.Fatal("download did not finish")
		return DownloadSnapshot{}
	}
}

func TestDownloadWaitsForReadiness(t *testing.T) {
	var probes int32
	api := testutil.NewMockRemoteAPI()
	api.ProbeArtifactFunc = func(ctx context.Context, url string) (remote.ProbeResult, error) {
		if atomic.AddInt32(&probes, 1) < 4 {
			return remote.ProbeNotReady, nil
		}
		return remote.ProbeReady, nil
	}
	api.DownloadArtifactFunc = func(ctx context.Context, url, destDir string, onProgress func(int64, int64)) (string, error) {
		onProgress(512, 1024)
		onProgress(1024, 1024)
		return destDir + "/model.glb", nil
	}
	d, bus := newTestDownloader(t, api, 24)

	done := make(chan DownloadSnapshot, 1)
	_, err := d.Start(context.Background(), "scan-1", "http://server/artifacts/1", t.TempDir(),
		func(snap DownloadSnapshot) { done <- snap })
	require.NoError(t, err)

	snap := waitForDone(t, done)
	assert.Equal(t, DownloadComplete, snap.State)
	assert.Equal(t, int64(1024), snap.Received)
	assert.Equal(t, int32(4), atomic.LoadInt32(&probes))
	assert.Equal(t, 4, snap.RetryCount, "snapshot records probes consumed")

	events := bus.EventsOfType(domain.DownloadComplete)
	require.Len(t, events, 1)
	data, ok := events[0].ParseDownloadEventData()
	require.True(t, ok)
	assert.Equal(t, 4, data.RetryCount)
}

func TestDownloadTimesOutAfterMaxProbes(t *testing.T) {
	api := testutil.NewMockRemoteAPI()
	api.ProbeArtifactFunc = func(ctx context.Context, url string) (remote.ProbeResult, error) {
		return remote.ProbeNotReady, nil
	}
	d, bus := newTestDownloader(t, api, 5)

	done := make(chan DownloadSnapshot, 1)
	_, err := d.Start(context.Background(), "scan-1", "http://server/artifacts/1", t.TempDir(),
		func(snap DownloadSnapshot) { done <- snap })
	require.NoError(t, err)

	snap := waitForDone(t, done)
	assert.Equal(t, DownloadFailed, snap.State)
	assert.Contains(t, snap.Error, "not ready after 5 attempts")
	assert.Equal(t, 5, snap.RetryCount, "full probe budget consumed")
	assert.Equal(t, 5, api.CallCount("ProbeArtifact"))
	assert.Equal(t, 0, api.CallCount("DownloadArtifact"))

	events := bus.EventsOfType(domain.DownloadFailed)
	require.Len(t, events, 1)
	assert.Equal(t, string(domain.ErrTimeout), events[0].EventData["error_kind"])
	assert.Equal(t, 5, events[0].EventData["retry_count"])
}

func TestDownloadFailsFastOnGone(t *testing.T) {
	api := testutil.NewMockRemoteAPI()
	api.ProbeArtifactFunc = func(ctx context.Context, url string) (remote.ProbeResult, error) {
		return remote.ProbeGone, nil
	}
	d, _ := newTestDownloader(t, api, 24)

	done := make(chan DownloadSnapshot, 1)
	_, err := d.Start(context.Background(), "scan-1", "http://server/artifacts/1", t.TempDir(),
		func(snap DownloadSnapshot) { done <- snap })
	require.NoError(t, err)

	snap := waitForDone(t, done)
	assert.Equal(t, DownloadFailed, snap.State)
	assert.Equal(t, 1, api.CallCount("ProbeArtifact"), "gone short-circuits the retry budget")
}

func TestDownloadCancelDuringPreparation(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	api := testutil.NewMockRemoteAPI()
	api.ProbeArtifactFunc = func(ctx context.Context, url string) (remote.ProbeResult, error) {
		once.Do(func() { close(started) })
		return remote.ProbeNotReady, nil
	}
	d, bus := newTestDownloader(t, api, 1000)

	done := make(chan DownloadSnapshot, 1)
	sessionID, err := d.Start(context.Background(), "scan-1", "http://server/artifacts/1", t.TempDir(),
		func(snap DownloadSnapshot) { done <- snap })
	require.NoError(t, err)

	<-started
	d.Cancel(sessionID)
	d.Cancel(sessionID) // idempotent

	snap := waitForDone(t, done)
	assert.Equal(t, DownloadCancelled, snap.State)
	assert.Len(t, bus.EventsOfType(domain.DownloadCancelled), 1)
	assert.Empty(t, bus.EventsOfType(domain.DownloadFailed), "cancel is not a failure")
}

func TestDownloadTerminalCallbackFiresOnce(t *testing.T) {
	api := testutil.NewMockRemoteAPI()
	api.ProbeArtifactFunc = func(ctx context.Context, url string) (remote.ProbeResult, error) {
		return remote.ProbeReady, nil
	}
	api.DownloadArtifactFunc = func(ctx context.Context, url, destDir string, onProgress func(int64, int64)) (string, error) {
		return destDir + "/model.glb", nil
	}
	d, _ := newTestDownloader(t, api, 24)

	var calls int32
	done := make(chan DownloadSnapshot, 4)
	sessionID, err := d.Start(context.Background(), "scan-1", "http://server/artifacts/1", t.TempDir(),
		func(snap DownloadSnapshot) {
			atomic.AddInt32(&calls, 1)
			done <- snap
		})
	require.NoError(t, err)

	waitForDone(t, done)
	d.Cancel(sessionID) // late cancel after completion must not re-fire

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	snap, ok := d.Session(sessionID)
	require.True(t, ok)
	assert.Equal(t, DownloadComplete, snap.State)
}

func TestDownloadRejectsEmptyURL(t *testing.T) {
	d, _ := newTestDownloader(t, testutil.NewMockRemoteAPI(), 24)

	_, err := d.Start(context.Background(), "scan-1", "", t.TempDir(), nil)
	require.Error(t, err)
	var scanErr *domain.ScanError
	require.ErrorAs(t, err, &scanErr)
	assert.Equal(t, domain.ErrValidation, scanErr.Kind)
}

func TestDownloaderPruneKeepsActiveSessions(t *testing.T) {
	blocked := make(chan struct{})
	api := testutil.NewMockRemoteAPI()
	api.ProbeArtifactFunc = func(ctx context.Context, url string) (remote.ProbeResult, error) {
		<-blocked
		return remote.ProbeReady, nil
	}
	api.DownloadArtifactFunc = func(ctx context.Context, url, destDir string, onProgress func(int64, int64)) (string, error) {
		return destDir + "/model.glb", nil
	}
	d, _ := newTestDownloader(t, api, 24)

	done := make(chan DownloadSnapshot, 2)
	onDone := func(snap DownloadSnapshot) { done <- snap }
	active, err := d.Start(context.Background(), "scan-1", "http://server/artifacts/1", t.TempDir(), onDone)
	require.NoError(t, err)

	assert.Equal(t, 0, d.Prune(), "active session survives prune")
	_, ok := d.Session(active)
	assert.True(t, ok)

	close(blocked)
	waitForDone(t, done)
	assert.Equal(t, 1, d.Prune())
	_, ok = d.Session(active)
	assert.False(t, ok)
}
