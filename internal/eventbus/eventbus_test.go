package eventbus

import (
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skavis/scansync/internal/domain"
	_ "modernc.org/sqlite"
)

// dbCounter keeps in-memory database names unique across parallel tests.
var dbCounter atomic.Int64

// newTestDB creates an in-memory SQLite database with the events table.
// This is a local helper to avoid import cycles with testutil.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	name := fmt.Sprintf("file:eventbus_test_%d?mode=memory&cache=shared", dbCounter.Add(1))
	db, err := sql.Open("sqlite", name)
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		t.Fatalf("Failed to set pragma: %v", err)
	}

	_, err = db.Exec(`
		CREATE TABLE events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			aggregate_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_data TEXT,
			event_version INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		t.Fatalf("Failed to create events table: %v", err)
	}

	return db
}

func countEvents(t *testing.T, db *sql.DB, aggregateID string) int {
	t.Helper()
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM events WHERE aggregate_id = ?", aggregateID).Scan(&count); err != nil {
		t.Fatalf("Failed to count events: %v", err)
	}
	return count
}

func TestEventBus_PublishAndSubscribe(t *testing.T) {
	db := newTestDB(t)

	eb := NewEventBus(db)
	defer eb.Shutdown()

	received := make(chan domain.Event, 1)
	eb.Subscribe(domain.CaptureComplete, func(event domain.Event) {
		received <- event
	})

	event := domain.Event{
		AggregateType: "scan",
		AggregateID:   "scan-1",
		EventType:     domain.CaptureComplete,
		EventData:     map[string]interface{}{"title": "Hall B"},
	}
	if err := eb.Publish(event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-received:
		if got.AggregateID != "scan-1" {
			t.Errorf("Expected aggregate_id 'scan-1', got '%s'", got.AggregateID)
		}
		if got.EventData["title"] != "Hall B" {
			t.Errorf("Expected title 'Hall B', got %v", got.EventData["title"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for event delivery")
	}
}

func TestEventBus_PublishPersistsToJournal(t *testing.T) {
	db := newTestDB(t)

	eb := NewEventBus(db)
	defer eb.Shutdown()

	err := eb.Publish(domain.Event{
		AggregateType: "scan",
		AggregateID:   "scan-persist",
		EventType:     domain.SyncStarted,
		EventData:     map[string]interface{}{"attempt": 1},
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if got := countEvents(t, db, "scan-persist"); got != 1 {
		t.Errorf("Expected 1 persisted event, got %d", got)
	}

	var eventType, eventData string
	var version int
	err = db.QueryRow(
		"SELECT event_type, event_data, event_version FROM events WHERE aggregate_id = ?",
		"scan-persist",
	).Scan(&eventType, &eventData, &version)
	if err != nil {
		t.Fatalf("Failed to query event: %v", err)
	}

	if eventType != string(domain.SyncStarted) {
		t.Errorf("Expected event_type %s, got %s", domain.SyncStarted, eventType)
	}
	if version != 1 {
		t.Errorf("Expected default event_version 1, got %d", version)
	}
	if eventData != `{"attempt":1}` {
		t.Errorf("Unexpected event_data: %s", eventData)
	}
}

func TestEventBus_MultipleSubscribers(t *testing.T) {
	db := newTestDB(t)

	eb := NewEventBus(db)
	defer eb.Shutdown()

	var wg sync.WaitGroup
	wg.Add(3)
	var delivered atomic.Int32

	for i := 0; i < 3; i++ {
		eb.Subscribe(domain.ProcessingComplete, func(event domain.Event) {
			delivered.Add(1)
			wg.Done()
		})
	}

	err := eb.Publish(domain.Event{
		AggregateType: "scan",
		AggregateID:   "scan-fanout",
		EventType:     domain.ProcessingComplete,
		EventData:     map[string]interface{}{},
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Expected 3 deliveries, got %d", delivered.Load())
	}
}

func TestEventBus_UnsubscribedEventType(t *testing.T) {
	db := newTestDB(t)

	eb := NewEventBus(db)
	defer eb.Shutdown()

	received := make(chan domain.Event, 1)
	eb.Subscribe(domain.UploadComplete, func(event domain.Event) {
		received <- event
	})

	err := eb.Publish(domain.Event{
		AggregateType: "scan",
		AggregateID:   "scan-other",
		EventType:     domain.UploadFailed,
		EventData:     map[string]interface{}{},
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case <-received:
		t.Error("Handler received an event type it never subscribed to")
	case <-time.After(100 * time.Millisecond):
	}

	// The journal still records it.
	if got := countEvents(t, db, "scan-other"); got != 1 {
		t.Errorf("Expected 1 persisted event, got %d", got)
	}
}

func TestEventBus_NoSubscribers(t *testing.T) {
	db := newTestDB(t)

	eb := NewEventBus(db)
	defer eb.Shutdown()

	err := eb.Publish(domain.Event{
		AggregateType: "scan",
		AggregateID:   "scan-silent",
		EventType:     domain.StatusRefreshed,
		EventData:     map[string]interface{}{},
	})
	if err != nil {
		t.Fatalf("Publish without subscribers failed: %v", err)
	}
}

func TestEventBus_PresetCreatedAtPreserved(t *testing.T) {
	db := newTestDB(t)

	eb := NewEventBus(db)
	defer eb.Shutdown()

	preset := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	err := eb.Publish(domain.Event{
		AggregateType: "scan",
		AggregateID:   "scan-backfill",
		EventType:     domain.StatusRepaired,
		EventData:     map[string]interface{}{},
		EventVersion:  3,
		CreatedAt:     preset,
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	var createdAt time.Time
	var version int
	err = db.QueryRow("SELECT created_at, event_version FROM events WHERE aggregate_id = 'scan-backfill'").Scan(&createdAt, &version)
	if err != nil {
		t.Fatalf("Failed to query created_at: %v", err)
	}
	if version != 3 {
		t.Errorf("Expected preset event_version 3, got %d", version)
	}
	if createdAt.Sub(preset).Abs() > time.Second {
		t.Errorf("Expected created_at near %v, got %v", preset, createdAt)
	}
}

func TestEventBus_ConcurrentPublish(t *testing.T) {
	db := newTestDB(t)

	eb := NewEventBus(db)
	defer eb.Shutdown()

	const publishers = 10
	var wg sync.WaitGroup
	wg.Add(publishers)

	for i := 0; i < publishers; i++ {
		go func(n int) {
			defer wg.Done()
			err := eb.Publish(domain.Event{
				AggregateType: "scan",
				AggregateID:   "scan-concurrent",
				EventType:     domain.DownloadProgress,
				EventData:     map[string]interface{}{"chunk": n},
			})
			if err != nil {
				t.Errorf("Concurrent publish %d failed: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	if got := countEvents(t, db, "scan-concurrent"); got != publishers {
		t.Errorf("Expected %d persisted events, got %d", publishers, got)
	}
}

func TestEventBus_PublishMarshalError(t *testing.T) {
	db := newTestDB(t)

	eb := NewEventBus(db)
	defer eb.Shutdown()

	err := eb.Publish(domain.Event{
		AggregateType: "scan",
		AggregateID:   "scan-bad",
		EventType:     domain.SyncFailed,
		EventData:     map[string]interface{}{"ch": make(chan int)},
	})
	if err == nil {
		t.Fatal("Expected marshal error for unserializable event data")
	}

	if got := countEvents(t, db, "scan-bad"); got != 0 {
		t.Errorf("Expected nothing persisted on marshal failure, got %d", got)
	}
}

func TestEventBus_PublishDatabaseError(t *testing.T) {
	db := newTestDB(t)

	eb := NewEventBus(db)
	defer eb.Shutdown()

	db.Close()

	err := eb.Publish(domain.Event{
		AggregateType: "scan",
		AggregateID:   "scan-closed",
		EventType:     domain.SyncStarted,
		EventData:     map[string]interface{}{},
	})
	if err == nil {
		t.Fatal("Expected error when the journal is unavailable")
	}
}

func TestEventBus_Shutdown(t *testing.T) {
	db := newTestDB(t)

	eb := NewEventBus(db)

	eb.Subscribe(domain.ConnectivityChanged, func(event domain.Event) {})
	eb.Subscribe(domain.DownloadComplete, func(event domain.Event) {})

	done := make(chan struct{})
	go func() {
		eb.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not complete")
	}
}

func TestPublisher_Interface(t *testing.T) {
	var _ Publisher = NewEventBus(newTestDB(t))
}
