package notifier

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skavis/scansync/internal/db"
	"github.com/skavis/scansync/internal/domain"
	"github.com/skavis/scansync/internal/testutil"
)

type sentMessage struct {
	url     string
	message string
}

func newTestNotifier(t *testing.T) (*Notifier, *testutil.MockPublisher, *[]sentMessage) {
	t.Helper()
	sqlDB, err := testutil.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	bus := testutil.NewMockPublisher()
	n := NewNotifier(&db.Repository{DB: sqlDB}, bus)

	var mu sync.Mutex
	sent := &[]sentMessage{}
	n.send = func(url, message string) error {
		mu.Lock()
		defer mu.Unlock()
		*sent = append(*sent, sentMessage{url: url, message: message})
		return nil
	}
	n.Start()
	return n, bus, sent
}

func TestNotifierSendsToSubscribedChannel(t *testing.T) {
	n, bus, sent := newTestNotifier(t)
	require.NoError(t, n.SaveChannels([]Channel{
		{Name: "ops", URL: "ntfy://ntfy.sh/scans", Events: []string{"UploadFailed"}, Enabled: true},
	}))

	require.NoError(t, bus.Publish(domain.Event{
		AggregateID: "scan-1",
		EventType:   domain.UploadFailed,
		EventData:   map[string]interface{}{"error": "connection reset"},
	}))

	require.Len(t, *sent, 1)
	assert.Equal(t, "ntfy://ntfy.sh/scans", (*sent)[0].url)
	assert.Contains(t, (*sent)[0].message, "scan-1")
	assert.Contains(t, (*sent)[0].message, "connection reset")
	assert.Len(t, bus.EventsOfType(domain.NotificationSent), 1)
}

func TestNotifierFiltersEvents(t *testing.T) {
	n, bus, sent := newTestNotifier(t)
	require.NoError(t, n.SaveChannels([]Channel{
		{Name: "ops", URL: "ntfy://ntfy.sh/scans", Events: []string{"UploadFailed"}, Enabled: true},
		{Name: "all", URL: "discord://token@id", Enabled: true},
		{Name: "off", URL: "telegram://token@telegram", Enabled: false},
	}))

	require.NoError(t, bus.Publish(domain.Event{
		AggregateID: "scan-1",
		EventType:   domain.UploadComplete,
	}))

	require.Len(t, *sent, 1, "only the catch-all enabled channel fires")
	assert.Equal(t, "discord://token@id", (*sent)[0].url)
}

func TestNotifierThrottlesRepeats(t *testing.T) {
	n, bus, sent := newTestNotifier(t)
	n.throttle = time.Hour
	require.NoError(t, n.SaveChannels([]Channel{
		{Name: "ops", URL: "ntfy://ntfy.sh/scans", Enabled: true},
	}))

	event := domain.Event{AggregateID: "scan-1", EventType: domain.UploadFailed}
	require.NoError(t, bus.Publish(event))
	require.NoError(t, bus.Publish(event))

	assert.Len(t, *sent, 1)
}

func TestNotifierPublishesFailureOutcome(t *testing.T) {
	n, bus, _ := newTestNotifier(t)
	n.send = func(url, message string) error { return errors.New("webhook gone") }
	require.NoError(t, n.SaveChannels([]Channel{
		{Name: "ops", URL: "ntfy://ntfy.sh/scans", Enabled: true},
	}))

	require.NoError(t, bus.Publish(domain.Event{AggregateID: "scan-1", EventType: domain.SyncFailed}))

	events := bus.EventsOfType(domain.NotificationFailed)
	require.Len(t, events, 1)
	assert.Equal(t, "webhook gone", events[0].EventData["error"])
}

func TestChannelsPersistAcrossRestart(t *testing.T) {
	sqlDB, err := testutil.NewTestDB()
	require.NoError(t, err)
	defer sqlDB.Close()
	repo := &db.Repository{DB: sqlDB}

	first := NewNotifier(repo, testutil.NewMockPublisher())
	require.NoError(t, first.SaveChannels([]Channel{
		{Name: "ops", URL: "ntfy://ntfy.sh/scans", Enabled: true},
	}))

	second := NewNotifier(repo, testutil.NewMockPublisher())
	channels := second.Channels()
	require.Len(t, channels, 1)
	assert.Equal(t, "ops", channels[0].Name)
}

func TestSaveChannelsValidation(t *testing.T) {
	n, _, _ := newTestNotifier(t)

	err := n.SaveChannels([]Channel{{URL: "ntfy://x"}})
	assert.Error(t, err, "channel without a name is rejected")

	err = n.SaveChannels([]Channel{{Name: "ops"}})
	assert.Error(t, err, "channel without a URL is rejected")
}

func TestConnectivityMessages(t *testing.T) {
	up := formatMessage(domain.ConnectivityChanged, domain.Event{
		EventData: map[string]interface{}{"online": true},
	})
	down := formatMessage(domain.ConnectivityChanged, domain.Event{
		EventData: map[string]interface{}{"online": false},
	})
	assert.Equal(t, "Server connection restored", up)
	assert.Equal(t, "Server connection lost", down)
}
