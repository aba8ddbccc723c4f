// Package mqtt mirrors stand telemetry and events to an MQTT broker.
package mqtt

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenTestStand/internal/streaming"
)

// Topic suffixes below the configured prefix.
const (
	TopicTelemetry = "telemetry"
	TopicValves    = "valves"
	TopicInterlock = "interlock"
	TopicSequence  = "sequence"
	TopicStatus    = "status"
	TopicLink      = "link"
)

// Message is one publish request. Topic is the suffix below the prefix.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Publisher sends messages to a broker.
type Publisher interface {
	Publish(msg Message) error
	IsConnected() bool
	Close() error
}

// Bridge decouples the engine from broker latency. Publish never blocks; when
// the queue is full the oldest message is dropped.
type Bridge struct {
	pub    Publisher
	logger *zap.Logger

	mu      sync.Mutex
	queue   []Message
	cap     int
	signal  chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Uint64
}

func NewBridge(pub Publisher, capacity int, logger *zap.Logger) *Bridge {
	if capacity <= 0 {
		capacity = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		pub:    pub,
		logger: logger,
		cap:    capacity,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (b *Bridge) Start() {
	b.wg.Add(1)
	go b.loop()
}

// Stop publishes what is queued, then closes the publisher.
func (b *Bridge) Stop() error {
	var err error
	b.once.Do(func() {
		close(b.done)
		b.wg.Wait()
		err = b.pub.Close()
	})
	return err
}

func (b *Bridge) Dropped() uint64 {
	return b.dropped.Load()
}

// PublishJSON marshals v and queues it.
func (b *Bridge) PublishJSON(topic string, v any, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("Failed to encode MQTT payload", zap.String("topic", topic), zap.Error(err))
		return
	}
	b.Enqueue(Message{Topic: topic, Payload: payload, Retained: retained})
}

func (b *Bridge) Enqueue(msg Message) {
	b.mu.Lock()
	if len(b.queue) == b.cap {
		b.queue = b.queue[1:]
		b.dropped.Add(1)
	}
	b.queue = append(b.queue, msg)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *Bridge) take() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.queue
	b.queue = nil
	return out
}

func (b *Bridge) loop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.signal:
			b.flush()
		case <-b.done:
			b.flush()
			return
		}
	}
}

func (b *Bridge) flush() {
	for _, msg := range b.take() {
		if err := b.pub.Publish(msg); err != nil {
			b.logger.Warn("MQTT publish failed", zap.String("topic", msg.Topic), zap.Error(err))
		}
	}
}

// Observe maps engine events onto topics. State topics are retained so a
// late subscriber sees the current interlock and link state.
func (b *Bridge) Observe(evt streaming.Event) {
	switch evt.Type {
	case streaming.EventFrame:
		b.PublishJSON(TopicTelemetry, evt.Data, false)
	case streaming.EventValves:
		b.PublishJSON(TopicValves, evt.Data, false)
	case streaming.EventInterlock:
		b.PublishJSON(TopicInterlock, evt.Data, true)
	case streaming.EventSequence:
		b.PublishJSON(TopicSequence, evt.Data, false)
	case streaming.EventLink:
		b.PublishJSON(TopicLink, evt.Data, true)
	}
}
