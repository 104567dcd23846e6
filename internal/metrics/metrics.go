// Package metrics exposes Prometheus metrics fed from the event bus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skavis/scansync/internal/domain"
	"github.com/skavis/scansync/internal/eventbus"
	"github.com/skavis/scansync/internal/logger"
	"github.com/skavis/scansync/internal/store"
)

// MetricsService registers and maintains the Prometheus metrics for the
// agent.
type MetricsService struct {
	eventBus eventbus.Publisher
	store    *store.Store

	// Counters
	capturesTotal      *prometheus.CounterVec
	processingsTotal   *prometheus.CounterVec
	uploadsTotal       *prometheus.CounterVec
	syncBatchesTotal   *prometheus.CounterVec
	downloadsTotal     *prometheus.CounterVec
	notificationsTotal *prometheus.CounterVec
	statusRepairsTotal prometheus.Counter

	// Gauges
	pendingScans     prometheus.Gauge
	initializedScans prometheus.Gauge
	serverOnline     prometheus.Gauge
	syncInFlight     prometheus.Gauge
}

// NewMetricsService creates and registers the metrics. reg defaults to the
// global registry when nil.
func NewMetricsService(eb eventbus.Publisher, st *store.Store, reg prometheus.Registerer) *MetricsService {
	m := &MetricsService{
		eventBus: eb,
		store:    st,

		capturesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scansync_captures_total",
				Help: "Total number of capture folders ingested",
			},
			[]string{"outcome"}, // complete
		),

		processingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scansync_processings_total",
				Help: "Total number of processing runs by outcome",
			},
			[]string{"outcome"}, // complete, failed
		),

		uploadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scansync_uploads_total",
				Help: "Total number of scan uploads by outcome",
			},
			[]string{"outcome"}, // complete, failed
		),

		syncBatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scansync_sync_batches_total",
				Help: "Total number of sync batches by outcome",
			},
			[]string{"outcome"}, // completed, failed
		),

		downloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scansync_downloads_total",
				Help: "Total number of artifact downloads by outcome",
			},
			[]string{"outcome"}, // complete, failed, cancelled
		),

		notificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scansync_notifications_total",
				Help: "Total number of notifications by outcome",
			},
			[]string{"outcome"}, // sent, failed
		),

		statusRepairsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "scansync_status_repairs_total",
				Help: "Total number of scan statuses repaired at startup or reconcile",
			},
		),

		pendingScans: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "scansync_pending_scans",
				Help: "Number of scans waiting to sync",
			},
		),

		initializedScans: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "scansync_initialized_scans",
				Help: "Number of scans registered with the server",
			},
		),

		serverOnline: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "scansync_server_online",
				Help: "1 when the server is reachable, 0 otherwise",
			},
		),

		syncInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "scansync_sync_in_flight",
				Help: "1 while a sync batch is running",
			},
		),
	}

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.capturesTotal,
		m.processingsTotal,
		m.uploadsTotal,
		m.syncBatchesTotal,
		m.downloadsTotal,
		m.notificationsTotal,
		m.statusRepairsTotal,
		m.pendingScans,
		m.initializedScans,
		m.serverOnline,
		m.syncInFlight,
	)

	return m
}

// Start subscribes to events and mirrors the sync state into gauges.
func (m *MetricsService) Start() {
	m.eventBus.Subscribe(domain.CaptureComplete, func(domain.Event) {
		m.capturesTotal.WithLabelValues("complete").Inc()
	})
	m.eventBus.Subscribe(domain.ProcessingComplete, func(domain.Event) {
		m.processingsTotal.WithLabelValues("complete").Inc()
	})
	m.eventBus.Subscribe(domain.ProcessingFailed, func(domain.Event) {
		m.processingsTotal.WithLabelValues("failed").Inc()
	})
	m.eventBus.Subscribe(domain.UploadComplete, func(domain.Event) {
		m.uploadsTotal.WithLabelValues("complete").Inc()
	})
	m.eventBus.Subscribe(domain.UploadFailed, func(domain.Event) {
		m.uploadsTotal.WithLabelValues("failed").Inc()
	})
	m.eventBus.Subscribe(domain.SyncCompleted, func(domain.Event) {
		m.syncBatchesTotal.WithLabelValues("completed").Inc()
	})
	m.eventBus.Subscribe(domain.SyncFailed, func(domain.Event) {
		m.syncBatchesTotal.WithLabelValues("failed").Inc()
	})
	m.eventBus.Subscribe(domain.DownloadComplete, func(domain.Event) {
		m.downloadsTotal.WithLabelValues("complete").Inc()
	})
	m.eventBus.Subscribe(domain.DownloadFailed, func(domain.Event) {
		m.downloadsTotal.WithLabelValues("failed").Inc()
	})
	m.eventBus.Subscribe(domain.DownloadCancelled, func(domain.Event) {
		m.downloadsTotal.WithLabelValues("cancelled").Inc()
	})
	m.eventBus.Subscribe(domain.NotificationSent, func(domain.Event) {
		m.notificationsTotal.WithLabelValues("sent").Inc()
	})
	m.eventBus.Subscribe(domain.NotificationFailed, func(domain.Event) {
		m.notificationsTotal.WithLabelValues("failed").Inc()
	})
	m.eventBus.Subscribe(domain.StatusRepaired, func(domain.Event) {
		m.statusRepairsTotal.Inc()
	})

	// Gauges follow the store's sync state snapshots.
	go m.followSyncState()

	logger.Infof("Metrics service started")
}

func (m *MetricsService) followSyncState() {
	m.applyState(m.store.SyncStateSnapshot())
	ch := m.store.SubscribeSyncState()
	for state := range ch {
		m.applyState(state)
	}
}

func (m *MetricsService) applyState(state store.SyncState) {
	m.pendingScans.Set(float64(state.PendingCount))
	m.initializedScans.Set(float64(state.InitializedCount))
	if state.IsOnline {
		m.serverOnline.Set(1)
	} else {
		m.serverOnline.Set(0)
	}
	if state.IsSyncing {
		m.syncInFlight.Set(1)
	} else {
		m.syncInFlight.Set(0)
	}
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func (m *MetricsService) Handler() http.Handler {
	return promhttp.Handler()
}
