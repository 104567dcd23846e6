package capture

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skavis/scansync/internal/domain"
	"github.com/skavis/scansync/internal/testutil"
)

func writeScanFolder(t *testing.T, dir string, images int) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for i := 0; i < images; i++ {
		path := filepath.Join(dir, "img_"+string(rune('a'+i))+".jpg")
		require.NoError(t, os.WriteFile(path, []byte("jpegdata"), 0o644))
	}
	return dir
}

func TestIngestCountsImagesAndSize(t *testing.T) {
	dir := writeScanFolder(t, filepath.Join(t.TempDir(), "scan1"), 3)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	result, err := NewFolderCapturer().Ingest(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 3, result.ImageCount)
	assert.NotEmpty(t, result.Snapshot)
	assert.Greater(t, result.DataSizeMB, 0.0)
}

func TestIngestReadsMetadataAndGPS(t *testing.T) {
	dir := writeScanFolder(t, filepath.Join(t.TempDir(), "scan2"), 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metadata.json"),
		[]byte(`{"title":"Warehouse east wing","duration_seconds":300,"area_covered_m2":120.5}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gps.csv"),
		[]byte("52.52,13.405,5.0,1700000000\nnot,a,row\n52.53,13.406\n"), 0o644))

	result, err := NewFolderCapturer().Ingest(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "Warehouse east wing", result.Metadata.Title)
	assert.Equal(t, 300, result.Metadata.DurationSeconds)
	require.Len(t, result.GPSTrail, 2)
	assert.Equal(t, 52.52, result.GPSTrail[0].Latitude)
	assert.Equal(t, 5.0, result.GPSTrail[0].Accuracy)
}

func TestIngestRejectsEmptyFolder(t *testing.T) {
	dir := t.TempDir()

	_, err := NewFolderCapturer().Ingest(context.Background(), dir)
	require.Error(t, err)
	var scanErr *domain.ScanError
	require.ErrorAs(t, err, &scanErr)
	assert.Equal(t, domain.ErrValidation, scanErr.Kind)
}

func TestWatcherAnnouncesCompletedFoldersOnce(t *testing.T) {
	incoming := t.TempDir()
	ready := writeScanFolder(t, filepath.Join(incoming, "ready"), 2)
	require.NoError(t, os.WriteFile(filepath.Join(ready, doneMarker), nil, 0o644))
	writeScanFolder(t, filepath.Join(incoming, "partial"), 2) // no marker

	bus := testutil.NewMockPublisher()
	clk := testutil.NewMockClock()
	w := NewWatcher(incoming, bus, clk, 5*time.Second)
	w.Start()
	defer w.Stop()

	clk.Advance(0)
	clk.Advance(5 * time.Second)

	events := bus.EventsOfType(domain.CaptureComplete)
	require.Len(t, events, 1, "completed folder is announced exactly once")
	data, ok := events[0].ParseCaptureEventData()
	require.True(t, ok)
	assert.Equal(t, ready, data.FolderPath)
}

func TestWatcherPicksUpLateMarker(t *testing.T) {
	incoming := t.TempDir()
	folder := writeScanFolder(t, filepath.Join(incoming, "slow"), 1)

	bus := testutil.NewMockPublisher()
	clk := testutil.NewMockClock()
	w := NewWatcher(incoming, bus, clk, 5*time.Second)
	w.Start()
	defer w.Stop()

	clk.Advance(0)
	assert.Empty(t, bus.EventsOfType(domain.CaptureComplete))

	require.NoError(t, os.WriteFile(filepath.Join(folder, doneMarker), nil, 0o644))
	clk.Advance(5 * time.Second)
	assert.Len(t, bus.EventsOfType(domain.CaptureComplete), 1)
}
