package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/KevinKickass/OpenTestStand/internal/interlock"
	"github.com/KevinKickass/OpenTestStand/internal/sequence"
	"github.com/KevinKickass/OpenTestStand/internal/streaming"
	"github.com/KevinKickass/OpenTestStand/internal/telemetry"
)

type memArchive struct {
	mu        sync.Mutex
	frames    []FrameRecord
	commands  []CommandRecord
	runs      map[uuid.UUID]*SequenceRunRecord
	interlock []InterlockRecord
}

func newMemArchive() *memArchive {
	return &memArchive{runs: make(map[uuid.UUID]*SequenceRunRecord)}
}

func (m *memArchive) InsertFrames(_ context.Context, frames []FrameRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, frames...)
	return nil
}

func (m *memArchive) InsertCommand(_ context.Context, rec CommandRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, rec)
	return nil
}

func (m *memArchive) InsertSequenceRun(_ context.Context, rec SequenceRunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[rec.ID] = &rec
	return nil
}

func (m *memArchive) CompleteSequenceRun(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[id].CompletedAt = &at
	return nil
}

func (m *memArchive) InsertInterlockEvent(_ context.Context, rec InterlockRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interlock = append(m.interlock, rec)
	return nil
}

func TestFrameFromSensor(t *testing.T) {
	at := time.Unix(10, 0)
	f := telemetry.SensorFrame{}.Merge(telemetry.SensorUpdate{telemetry.PT2: 3.5}, at)

	rec := FrameFromSensor(f)
	assert.Equal(t, at, rec.RecordedAt)
	require.NotNil(t, rec.PT2)
	assert.Equal(t, 3.5, *rec.PT2)
	assert.Nil(t, rec.PT1)
	assert.Nil(t, rec.TC1)
}

func TestWriter_FlushesOnStop(t *testing.T) {
	archive := newMemArchive()
	w := NewWriter(archive, 50, time.Hour, zaptest.NewLogger(t))
	w.Start()

	for i := 0; i < 3; i++ {
		w.RecordFrame(telemetry.SensorFrame{}.Merge(telemetry.SensorUpdate{telemetry.PT1: float64(i)}, time.Now()))
	}
	id := uuid.New()
	w.RecordRunStarted(id, "Emergency Shutdown", 1, time.Now())
	w.RecordRunCompleted(id, time.Now())
	w.RecordCommand("SEQ_SHUTDOWN", time.Now())
	w.RecordInterlock(InterlockRecord{State: "TRIPPED", Readings: map[string]float64{"pt1": 900}})

	w.Stop()
	w.Stop()

	assert.Len(t, archive.frames, 3)
	assert.Len(t, archive.commands, 1)
	require.Contains(t, archive.runs, id)
	assert.NotNil(t, archive.runs[id].CompletedAt)
	assert.Len(t, archive.interlock, 1)
	assert.Zero(t, w.Dropped())
}

func TestWriter_BatchSizeTriggersFlush(t *testing.T) {
	archive := newMemArchive()
	w := NewWriter(archive, 2, time.Hour, nil)
	w.Start()
	defer w.Stop()

	w.RecordFrame(telemetry.SensorFrame{}.Merge(telemetry.SensorUpdate{telemetry.PT1: 1}, time.Now()))
	w.RecordFrame(telemetry.SensorFrame{}.Merge(telemetry.SensorUpdate{telemetry.PT1: 2}, time.Now()))

	assert.Eventually(t, func() bool {
		archive.mu.Lock()
		defer archive.mu.Unlock()
		return len(archive.frames) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestWriter_ObserveEngineEvents(t *testing.T) {
	archive := newMemArchive()
	w := NewWriter(archive, 10, time.Hour, nil)
	w.Start()

	now := time.Now()
	run := sequence.Run{ID: uuid.New(), Name: "System Purge", Steps: 4, StartedAt: now}

	w.Observe(streaming.Event{Type: streaming.EventFrame, Time: now, Data: telemetry.SensorFrame{}.Merge(telemetry.SensorUpdate{telemetry.PT1: 5}, now)})
	w.Observe(streaming.Event{Type: streaming.EventCommand, Time: now, Data: streaming.CommandEvent{Command: "V,0,O", Time: now}})
	w.Observe(streaming.Event{Type: streaming.EventSequence, Time: now, Data: streaming.SequenceEvent{Phase: streaming.PhaseStarted, Run: run}})
	w.Observe(streaming.Event{Type: streaming.EventSequence, Time: now, Data: streaming.SequenceEvent{Phase: streaming.PhaseStep, Run: run}})
	w.Observe(streaming.Event{Type: streaming.EventSequence, Time: now, Data: streaming.SequenceEvent{Phase: streaming.PhaseCompleted, Run: run}})
	w.Observe(streaming.Event{Type: streaming.EventInterlock, Time: now, Data: interlock.Event{
		State:    interlock.StateTripped,
		Readings: map[telemetry.Channel]float64{telemetry.PT1: 901},
	}})
	w.Observe(streaming.Event{Type: streaming.EventLog, Time: now, Data: "ignored"})

	w.Stop()

	assert.Len(t, archive.frames, 1)
	require.Len(t, archive.commands, 1)
	assert.Equal(t, "V,0,O", archive.commands[0].Command)
	require.Contains(t, archive.runs, run.ID)
	assert.NotNil(t, archive.runs[run.ID].CompletedAt)
	require.Len(t, archive.interlock, 1)
	assert.Equal(t, 901.0, archive.interlock[0].Readings["pt1"])
}
