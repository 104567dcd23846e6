// Package notifier pushes scan lifecycle notifications to external services
// via shoutrrr. Channels are stored in the settings table and can be changed
// at runtime through the control API.
package notifier

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/containrrr/shoutrrr"

	"github.com/skavis/scansync/internal/db"
	"github.com/skavis/scansync/internal/domain"
	"github.com/skavis/scansync/internal/eventbus"
	"github.com/skavis/scansync/internal/logger"
)

// channelsSettingKey is where the channel list lives in the settings table.
const channelsSettingKey = "notification_channels"

// defaultThrottle suppresses repeat notifications per channel and event type.
const defaultThrottle = 30 * time.Second

// notifiableEvents are the event types a channel may subscribe to.
var notifiableEvents = []domain.EventType{
	domain.ProcessingComplete,
	domain.ProcessingFailed,
	domain.UploadComplete,
	domain.UploadFailed,
	domain.SyncCompleted,
	domain.SyncFailed,
	domain.DownloadComplete,
	domain.DownloadFailed,
	domain.ConnectivityChanged,
}

// NotifiableEvents returns the event types channels can subscribe to.
func NotifiableEvents() []string {
	out := make([]string, len(notifiableEvents))
	for i, e := range notifiableEvents {
		out[i] = string(e)
	}
	return out
}

// Channel is one notification destination. URL is a shoutrrr service URL
// (discord://, telegram://, ntfy://, smtp:// and so on).
type Channel struct {
	Name    string   `json:"name"`
	URL     string   `json:"url"`
	Events  []string `json:"events"` // empty means all notifiable events
	Enabled bool     `json:"enabled"`
}

func (c *Channel) wants(eventType domain.EventType) bool {
	if !c.Enabled {
		return false
	}
	if len(c.Events) == 0 {
		return true
	}
	for _, e := range c.Events {
		if e == string(eventType) {
			return true
		}
	}
	return false
}

// sendFunc is swapped out in tests.
type sendFunc func(url, message string) error

func shoutrrrSend(url, message string) error {
	return shoutrrr.Send(url, message)
}

// Notifier fans lifecycle events out to the configured channels.
type Notifier struct {
	repo *db.Repository
	bus  eventbus.Publisher
	send sendFunc

	mu       sync.Mutex
	channels []Channel
	lastSent map[string]time.Time // channel name + event type
	throttle time.Duration
}

// NewNotifier creates the notifier and loads the persisted channels.
func NewNotifier(repo *db.Repository, bus eventbus.Publisher) *Notifier {
	n := &Notifier{
		repo:     repo,
		bus:      bus,
		send:     shoutrrrSend,
		lastSent: make(map[string]time.Time),
		throttle: defaultThrottle,
	}
	if err := n.reload(); err != nil {
		logger.Warnf("Notifier: failed to load channels: %v", err)
	}
	return n
}

// Start subscribes to the notifiable events.
func (n *Notifier) Start() {
	for _, eventType := range notifiableEvents {
		et := eventType
		n.bus.Subscribe(et, func(event domain.Event) {
			n.handleEvent(et, event)
		})
	}
	logger.Infof("Notifier started (%d channels)", len(n.Channels()))
}

// Channels returns a copy of the configured channels.
func (n *Notifier) Channels() []Channel {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Channel, len(n.channels))
	copy(out, n.channels)
	return out
}

// SaveChannels validates, persists and applies a new channel list.
func (n *Notifier) SaveChannels(channels []Channel) error {
	for i, c := range channels {
		if c.Name == "" {
			return fmt.Errorf("channel %d has no name", i)
		}
		if c.URL == "" {
			return fmt.Errorf("channel %q has no URL", c.Name)
		}
	}
	data, err := json.Marshal(channels)
	if err != nil {
		return err
	}
	if err := n.repo.SetSetting(channelsSettingKey, string(data)); err != nil {
		return err
	}

	n.mu.Lock()
	n.channels = channels
	n.mu.Unlock()
	logger.Infof("Notifier: %d channels configured", len(channels))
	return nil
}

// Test sends a test message to a single channel URL.
func (n *Notifier) Test(url string) error {
	return n.send(url, "Scansync: test notification")
}

func (n *Notifier) reload() error {
	raw, found, err := n.repo.GetSetting(channelsSettingKey)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	var channels []Channel
	if err := json.Unmarshal([]byte(raw), &channels); err != nil {
		return fmt.Errorf("bad channel config: %w", err)
	}
	n.mu.Lock()
	n.channels = channels
	n.mu.Unlock()
	return nil
}

func (n *Notifier) handleEvent(eventType domain.EventType, event domain.Event) {
	message := formatMessage(eventType, event)
	if message == "" {
		return
	}

	for _, channel := range n.Channels() {
		if !channel.wants(eventType) {
			continue
		}
		if !n.allow(channel.Name, eventType) {
			logger.Debugf("Notifier: throttled %s for %s", eventType, channel.Name)
			continue
		}
		if err := n.send(channel.URL, message); err != nil {
			logger.Warnf("Notifier: send to %s failed: %v", channel.Name, err)
			n.publishOutcome(domain.NotificationFailed, channel.Name, eventType, err)
			continue
		}
		logger.Debugf("Notifier: sent %s to %s", eventType, channel.Name)
		n.publishOutcome(domain.NotificationSent, channel.Name, eventType, nil)
	}
}

// allow enforces the per-channel per-event throttle.
func (n *Notifier) allow(channelName string, eventType domain.EventType) bool {
	key := channelName + "/" + string(eventType)
	now := time.Now()
	n.mu.Lock()
	defer n.mu.Unlock()
	if last, ok := n.lastSent[key]; ok && now.Sub(last) < n.throttle {
		return false
	}
	n.lastSent[key] = now
	return true
}

func (n *Notifier) publishOutcome(outcome domain.EventType, channelName string, eventType domain.EventType, sendErr error) {
	data := map[string]interface{}{
		"channel":    channelName,
		"event_type": string(eventType),
	}
	if sendErr != nil {
		data["error"] = sendErr.Error()
	}
	if err := n.bus.Publish(domain.Event{
		AggregateType: "notification",
		AggregateID:   channelName,
		EventType:     outcome,
		EventData:     data,
	}); err != nil {
		logger.Errorf("Notifier: failed to publish outcome: %v", err)
	}
}

// formatMessage renders the human-readable notification text for an event.
// Unhandled event types produce no message.
func formatMessage(eventType domain.EventType, event domain.Event) string {
	scan := event.AggregateID
	errText := event.GetStringOr("error", "unknown error")

	switch eventType {
	case domain.ProcessingComplete:
		return fmt.Sprintf("Scan %s: processing complete", scan)
	case domain.ProcessingFailed:
		return fmt.Sprintf("Scan %s: processing failed (%s)", scan, errText)
	case domain.UploadComplete:
		return fmt.Sprintf("Scan %s: uploaded to server", scan)
	case domain.UploadFailed:
		return fmt.Sprintf("Scan %s: upload failed (%s)", scan, errText)
	case domain.SyncCompleted:
		return "Sync finished: " + event.GetStringOr("message", "done")
	case domain.SyncFailed:
		return "Sync finished with errors: " + event.GetStringOr("message", "see logs")
	case domain.DownloadComplete:
		return fmt.Sprintf("Scan %s: artifact downloaded", scan)
	case domain.DownloadFailed:
		return fmt.Sprintf("Scan %s: artifact download failed (%s)", scan, errText)
	case domain.ConnectivityChanged:
		if online, _ := event.GetBool("online"); online {
			return "Server connection restored"
		}
		return "Server connection lost"
	}
	return ""
}
