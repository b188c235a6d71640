// Package bus fans events out to connected clients. There is no replay
// buffer: a late subscriber calls the corresponding status/read operation
// once for current truth, then relies on the stream for increments.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event names pushed over the stream.
const (
	EventWifiConnected   = "wifi_connected"
	EventWifiFailed      = "wifi_failed"
	EventModeChanged     = "mode_changed"
	EventSettingsChanged = "settings_changed"
)

// Event is one named notification with a JSON-serializable payload.
type Event struct {
	Name      string    `json:"event"`
	Timestamp time.Time `json:"ts"`
	Payload   any       `json:"payload,omitempty"`
}

// Bus is a fan-out publisher with bounded per-subscriber buffers. A
// subscriber that stops draining is dropped and its channel closed, so a
// stuck client can never block publication to the others.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]chan Event
	bufferSize  int
	logger      *slog.Logger
}

func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string]chan Event),
		bufferSize:  64,
		logger:      logger,
	}
}

// Subscribe registers a new stream. The returned id is used to
// unsubscribe; the channel is closed by the bus on Unsubscribe or when
// the subscriber falls behind.
func (b *Bus) Subscribe() (string, <-chan Event) {
	ch := make(chan Event, b.bufferSize)
	id := uuid.NewString()

	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()

	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call
// for an already-dropped id.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

// Publish delivers an event to every current subscriber. Overflowing a
// subscriber's buffer drops and disconnects that subscriber.
func (b *Bus) Publish(name string, payload any) {
	event := Event{Name: name, Timestamp: time.Now(), Payload: payload}

	b.mu.Lock()
	for id, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.logger.Warn("Event subscriber overflow, disconnecting", "subscriber", id, "event", name)
			close(ch)
			delete(b.subscribers, id)
		}
	}
	b.mu.Unlock()
}

// SubscriberCount reports how many streams are attached.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
