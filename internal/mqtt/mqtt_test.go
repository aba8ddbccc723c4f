package mqtt

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/KevinKickass/OpenTestStand/internal/streaming"
)

func TestBridge_PublishesInOrder(t *testing.T) {
	pub := NewFakePublisher()
	b := NewBridge(pub, 10, zaptest.NewLogger(t))
	b.Start()

	b.PublishJSON(TopicTelemetry, map[string]float64{"pt1": 1}, false)
	b.PublishJSON(TopicInterlock, map[string]string{"state": "TRIPPED"}, true)

	require.NoError(t, b.Stop())
	assert.True(t, pub.Closed)
	assert.Equal(t, []string{TopicTelemetry, TopicInterlock}, pub.Topics())
	assert.JSONEq(t, `{"pt1":1}`, string(pub.Messages[0].Payload))
	assert.True(t, pub.Messages[1].Retained)
}

func TestBridge_DropsOldestWhenFull(t *testing.T) {
	pub := NewFakePublisher()
	b := NewBridge(pub, 2, nil)

	// not started: the queue only fills
	b.Enqueue(Message{Topic: "a"})
	b.Enqueue(Message{Topic: "b"})
	b.Enqueue(Message{Topic: "c"})
	assert.Equal(t, uint64(1), b.Dropped())

	b.Start()
	require.NoError(t, b.Stop())
	assert.Equal(t, []string{"b", "c"}, pub.Topics())
}

func TestBridge_PublishErrorIsLogged(t *testing.T) {
	pub := NewFakePublisher()
	pub.PublishError = errors.New("broker down")
	b := NewBridge(pub, 4, zaptest.NewLogger(t))
	b.Start()

	b.Enqueue(Message{Topic: TopicValves})
	b.Enqueue(Message{Topic: TopicSequence})

	require.NoError(t, b.Stop())
	assert.Empty(t, pub.Topics())
	assert.True(t, pub.Closed)
}

func TestBridge_ObserveMapsEvents(t *testing.T) {
	pub := NewFakePublisher()
	b := NewBridge(pub, 10, nil)
	b.Start()

	b.Observe(streaming.Event{Type: streaming.EventLog, Data: "not mirrored"})
	b.Observe(streaming.Event{Type: streaming.EventInterlock, Data: map[string]string{"state": "TRIPPED"}})
	b.Observe(streaming.Event{Type: streaming.EventLink, Data: streaming.LinkEvent{Status: "connected", Endpoint: "/dev/ttyUSB0"}})

	require.NoError(t, b.Stop())
	assert.Equal(t, []string{TopicInterlock, TopicLink}, pub.Topics())
	assert.True(t, pub.Messages[0].Retained)
	assert.JSONEq(t, `{"status":"connected","endpoint":"/dev/ttyUSB0"}`, string(pub.Messages[1].Payload))
}
