// Package streaming fans stand events out to in-process subscribers and
// exposes them over gRPC.
package streaming

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType names the kind of stand event.
type EventType string

const (
	EventFrame     EventType = "frame"
	EventValves    EventType = "valves"
	EventMotors    EventType = "motors"
	EventLog       EventType = "log"
	EventInterlock EventType = "interlock"
	EventSequence  EventType = "sequence"
	EventLink      EventType = "link"
	EventRecording EventType = "recording"
	EventCommand   EventType = "command"
)

// Event is one published stand event. Data must be JSON-encodable.
type Event struct {
	Type EventType `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

const subscriberBuffer = 100

type EventStreamer struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID]chan Event
	dropped     atomic.Uint64
}

func NewEventStreamer() *EventStreamer {
	return &EventStreamer{
		subscribers: make(map[uuid.UUID]chan Event),
	}
}

func (s *EventStreamer) Subscribe() (uuid.UUID, <-chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New()
	ch := make(chan Event, subscriberBuffer)
	s.subscribers[id] = ch
	return id, ch
}

func (s *EventStreamer) Unsubscribe(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.subscribers[id]; ok {
		delete(s.subscribers, id)
		close(ch)
	}
}

// Broadcast never blocks; slow subscribers miss events.
func (s *EventStreamer) Broadcast(evt Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ch := range s.subscribers {
		select {
		case ch <- evt:
		default:
			s.dropped.Add(1)
		}
	}
}

// Observe broadcasts an event produced by the engine.
func (s *EventStreamer) Observe(evt Event) {
	s.Broadcast(evt)
}

// Publish stamps and broadcasts an event.
func (s *EventStreamer) Publish(typ EventType, data any) {
	s.Broadcast(Event{Type: typ, Time: time.Now(), Data: data})
}

func (s *EventStreamer) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

func (s *EventStreamer) Dropped() uint64 {
	return s.dropped.Load()
}

// Close disconnects all subscribers.
func (s *EventStreamer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
}
