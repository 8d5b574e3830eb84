// Package notify provides the event broadcaster and job status objects the
// file storage and maintenance subsystems report through.
package notify

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/filecellar/filecellar/internal/metrics"
)

const (
	// EventThumbnailsCleared and EventThumbnailsAdded are always published
	// as a pair for the same hashes; consumers treat the pair as a refresh
	// signal for those thumbnails, not as two independent events.
	EventThumbnailsCleared = "thumbnails_cleared"
	EventThumbnailsAdded   = "thumbnails_added"

	EventMaintenanceDone = "maintenance_done"
	EventDeleteNumbers   = "physical_delete_numbers"
	EventMessage         = "message"
	EventCriticalMessage = "critical_message"
	EventPauseAll        = "pause_all"
)

// Event is a named notification with optional payload.
type Event struct {
	Type      string   `json:"type"`
	Hashes    []string `json:"hashes,omitempty"`
	Title     string   `json:"title,omitempty"`
	Text      string   `json:"text,omitempty"`
	StatusKey string   `json:"status_key,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// Broadcaster manages subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(b.Count()))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	close(ch)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(b.Count()))
}

// Publish sends an event to all subscribers. Non-blocking: drops events
// for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Drop event for slow consumer
		}
	}
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// PublishMessage publishes a free-text informational message.
func (b *Broadcaster) PublishMessage(text string) {
	b.Publish(Event{Type: EventMessage, Text: text})
}

// PublishCritical publishes a message demanding operator action.
func (b *Broadcaster) PublishCritical(title, text string) {
	b.Publish(Event{Type: EventCriticalMessage, Title: title, Text: text})
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
