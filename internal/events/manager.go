package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event represents a system event with typed data
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Module    string                 `json:"module"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Typed     EventData              `json:"payload,omitempty"`
}

// Manager handles event emission and fan-out to subscribers.
// Emission never blocks: slow subscribers drop events.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	log         zerolog.Logger
}

// NewManager creates a new event manager
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		subscribers: make(map[int]chan Event),
		log:         log.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers a new subscriber. The returned channel is buffered;
// call the cancel func to unsubscribe.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan Event, 64)
	m.subscribers[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Emit publishes an untyped event.
func (m *Manager) Emit(eventType EventType, module string, data map[string]interface{}) {
	m.publish(Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Module:    module,
		Data:      data,
	})
}

// EmitTyped publishes a typed event.
func (m *Manager) EmitTyped(eventType EventType, module string, data EventData) {
	m.publish(Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Module:    module,
		Typed:     data,
	})
}

func (m *Manager) publish(ev Event) {
	m.log.Debug().
		Str("event", string(ev.Type)).
		Str("module", ev.Module).
		Msg("Event emitted")

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full - drop rather than block the emitter
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (m *Manager) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers)
}
