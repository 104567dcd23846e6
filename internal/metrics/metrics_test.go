package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skavis/scansync/internal/db"
	"github.com/skavis/scansync/internal/domain"
	"github.com/skavis/scansync/internal/store"
	"github.com/skavis/scansync/internal/testutil"
)

func newMetricsFixture(t *testing.T) (*MetricsService, *testutil.MockPublisher, *store.Store) {
	t.Helper()
	sqlDB, err := testutil.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	bus := testutil.NewMockPublisher()
	st, err := store.New(&db.Repository{DB: sqlDB}, bus, true)
	require.NoError(t, err)

	m := NewMetricsService(bus, st, prometheus.NewRegistry())
	m.Start()
	return m, bus, st
}

func TestCountersFollowEvents(t *testing.T) {
	m, bus, _ := newMetricsFixture(t)

	require.NoError(t, bus.Publish(domain.Event{EventType: domain.UploadComplete, AggregateID: "a"}))
	require.NoError(t, bus.Publish(domain.Event{EventType: domain.UploadComplete, AggregateID: "b"}))
	require.NoError(t, bus.Publish(domain.Event{EventType: domain.UploadFailed, AggregateID: "c"}))
	require.NoError(t, bus.Publish(domain.Event{EventType: domain.DownloadCancelled, AggregateID: "d"}))
	require.NoError(t, bus.Publish(domain.Event{EventType: domain.StatusRepaired, AggregateID: "e"}))

	assert.Equal(t, 2.0, promtest.ToFloat64(m.uploadsTotal.WithLabelValues("complete")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.uploadsTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.downloadsTotal.WithLabelValues("cancelled")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.statusRepairsTotal))
	assert.Equal(t, 0.0, promtest.ToFloat64(m.processingsTotal.WithLabelValues("failed")))
}

func TestGaugesFollowSyncState(t *testing.T) {
	m, _, st := newMetricsFixture(t)

	st.SetOnline(true)
	require.NoError(t, st.Create(testutil.NewScan(testutil.WithProcessedModel("/tmp/m.glb"))))

	assert.Eventually(t, func() bool {
		return promtest.ToFloat64(m.serverOnline) == 1 &&
			promtest.ToFloat64(m.pendingScans) == 1
	}, 2*time.Second, 10*time.Millisecond)

	st.SetOnline(false)
	assert.Eventually(t, func() bool {
		return promtest.ToFloat64(m.serverOnline) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSyncBatchOutcomes(t *testing.T) {
	m, bus, _ := newMetricsFixture(t)

	require.NoError(t, bus.Publish(domain.Event{EventType: domain.SyncCompleted, AggregateID: "batch"}))
	require.NoError(t, bus.Publish(domain.Event{EventType: domain.SyncFailed, AggregateID: "batch"}))
	require.NoError(t, bus.Publish(domain.Event{EventType: domain.SyncCompleted, AggregateID: "batch"}))

	assert.Equal(t, 2.0, promtest.ToFloat64(m.syncBatchesTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.syncBatchesTotal.WithLabelValues("failed")))
}
