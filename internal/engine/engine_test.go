package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/KevinKickass/OpenTestStand/internal/actuator"
	"github.com/KevinKickass/OpenTestStand/internal/dispatch"
	"github.com/KevinKickass/OpenTestStand/internal/interlock"
	"github.com/KevinKickass/OpenTestStand/internal/link"
	"github.com/KevinKickass/OpenTestStand/internal/recorder"
	"github.com/KevinKickass/OpenTestStand/internal/sequence"
	"github.com/KevinKickass/OpenTestStand/internal/streaming"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []streaming.Event
}

func (r *eventRecorder) Observe(evt streaming.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) ofType(typ streaming.EventType) []streaming.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []streaming.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	engine *Engine
	port   *link.FakePort
	timers *sequence.FakeTimers
	events *eventRecorder
}

func testValves() []actuator.Valve {
	return []actuator.Valve{
		{ID: 1, Name: "LOX Main", Address: actuator.Address{ServoIndex: 0}, State: actuator.ValveClosed},
		{ID: 2, Name: "Fuel Main", Address: actuator.Address{ServoIndex: 1}, State: actuator.ValveClosed},
		{ID: 3, Name: "Purge", Address: actuator.Address{Driver: 1, Channel: 2, ServoIndex: 18, Legacy: true}, State: actuator.ValveClosed},
	}
}

func testMotors() []actuator.Motor {
	return []actuator.Motor{{Name: "throttle", Angle: 90, Address: actuator.Address{ServoIndex: 4}}}
}

func newHarness(t *testing.T, extra ...sequence.Definition) *harness {
	t.Helper()

	valves, motors := testValves(), testMotors()
	catalog := sequence.NewCatalog(sequence.Builtins(valves, motors, 90)...)
	for _, def := range extra {
		require.NoError(t, catalog.Add(def))
	}

	h := &harness{
		port:   link.NewFakePort(),
		timers: sequence.NewFakeTimers(),
		events: &eventRecorder{},
	}
	h.engine = New(Options{
		Valves:       valves,
		Motors:       motors,
		Catalog:      catalog,
		Interlock:    interlock.Config{Limit: interlock.DefaultPressureLimit},
		RecordingDir: t.TempDir(),
		Timers:       h.timers,
		Dial:         link.FakeDialer(h.port, nil),
	}, zaptest.NewLogger(t))
	h.engine.AddObserver(h.events)
	h.engine.Start()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.engine.Stop(ctx)
	})
	return h
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, h.engine.Connect(context.Background(), link.Target{Port: "/dev/ttyTEST"}))
}

// feed delivers a line and waits until the loop has processed it.
func (h *harness) feed(t *testing.T, line string) {
	t.Helper()
	require.NoError(t, h.port.Feed(line))
	require.NoError(t, h.port.Feed(""))
	h.sync(t)
}

func (h *harness) sync(t *testing.T) {
	t.Helper()
	require.NoError(t, h.engine.Do(context.Background(), func() {}))
}

func (h *harness) advance(t *testing.T, d time.Duration) {
	t.Helper()
	require.NoError(t, h.engine.Do(context.Background(), func() { h.timers.Advance(d) }))
}

func (h *harness) pending(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, h.engine.Do(context.Background(), func() { n = h.timers.Pending() }))
	return n
}

func logText(e *Engine) string {
	var b strings.Builder
	for _, entry := range e.Log() {
		b.WriteString(entry.Message)
		b.WriteString("\n")
	}
	return b.String()
}

func TestConnect_LogsLifecycle(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	assert.True(t, h.engine.Connected())
	log := logText(h.engine)
	assert.Contains(t, log, "Connecting to /dev/ttyTEST...")
	assert.Contains(t, log, "Successfully connected to /dev/ttyTEST.")

	err := h.engine.Connect(context.Background(), link.Target{Port: "/dev/ttyTEST"})
	assert.ErrorIs(t, err, link.ErrAlreadyConnected)

	require.NoError(t, h.engine.Disconnect(context.Background()))
	assert.False(t, h.engine.Connected())
	assert.Contains(t, logText(h.engine), "Disconnected from /dev/ttyTEST.")
}

func TestConnect_FailureIsReported(t *testing.T) {
	h := newHarness(t)
	h.engine.link = link.NewManager(link.FakeDialer(nil, errors.New("port busy")), h.engine.onLinkEvent, nil)

	err := h.engine.Connect(context.Background(), link.Target{Port: "/dev/ttyTEST"})
	require.Error(t, err)
	assert.Contains(t, logText(h.engine), "Failed to connect to /dev/ttyTEST.")
	assert.False(t, h.engine.Connected())
}

func TestLinkError_ForcesDisconnected(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.port.Fail(errors.New("device unplugged"))

	require.Eventually(t, func() bool {
		return strings.Contains(logText(h.engine), "SERIAL ERROR: device unplugged")
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, h.engine.Connected())

	links := h.events.ofType(streaming.EventLink)
	require.NotEmpty(t, links)
	last := links[len(links)-1].Data.(streaming.LinkEvent)
	assert.Equal(t, string(link.StatusDisconnected), last.Status)
	assert.Equal(t, "device unplugged", last.Error)
}

func TestHandleLine_UpdatesFrameAndValves(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.feed(t, "pt1:120.5,pt2:80,V1LS_OPEN:1,flow1:abc")

	snap, err := h.engine.Snapshot(context.Background())
	require.NoError(t, err)

	pt1, ok := snap.Frame.Reading("pt1")
	require.True(t, ok)
	assert.Equal(t, 120.5, pt1)
	_, ok = snap.Frame.Reading("flow1")
	assert.False(t, ok)

	assert.Equal(t, actuator.ValveOpen, snap.Valves[0].State)
	assert.True(t, snap.Valves[0].LSOpen)
	assert.Contains(t, logText(h.engine), "Received: pt1:120.5,pt2:80,V1LS_OPEN:1,flow1:abc")

	history, err := h.engine.History(context.Background())
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestHandleLine_NonFiniteReadingsKeepSnapshotEncodable(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.feed(t, "pt1:NaN,pt2:100")

	snap, err := h.engine.Snapshot(context.Background())
	require.NoError(t, err)
	_, ok := snap.Frame.Reading("pt1")
	assert.False(t, ok)
	_, err = json.Marshal(snap)
	require.NoError(t, err)

	history, err := h.engine.History(context.Background())
	require.NoError(t, err)
	_, err = json.Marshal(history)
	require.NoError(t, err)
}

func TestInterlock_TripStartsEmergencyShutdownOnce(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.feed(t, "pt1:900,pt2:100")

	snap, err := h.engine.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, interlock.StateTripped, snap.Interlock.State)
	require.NotNil(t, snap.ActiveSequence)
	assert.Equal(t, sequence.EmergencyShutdown, snap.ActiveSequence.Name)
	assert.Contains(t, logText(h.engine), "!!! CRITICAL PRESSURE DETECTED (PT1: 900, PT2: 100) !!!")

	// still tripped: no further start attempt
	h.feed(t, "pt1:950")
	assert.Len(t, h.events.ofType(streaming.EventSequence), 1)

	h.advance(t, 100*time.Millisecond)
	assert.Equal(t, []string{"SEQ_SHUTDOWN"}, h.port.Lines())

	h.feed(t, "pt1:800,pt2:800")
	snap, err = h.engine.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, interlock.StateArmed, snap.Interlock.State)
	assert.Nil(t, snap.ActiveSequence)

	var starts int
	for _, evt := range h.events.ofType(streaming.EventSequence) {
		if evt.Data.(streaming.SequenceEvent).Phase == streaming.PhaseStarted {
			starts++
		}
	}
	assert.Equal(t, 1, starts)
	assert.Len(t, h.events.ofType(streaming.EventInterlock), 2)
}

func TestInterlock_ConflictIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	_, err := h.engine.StartSequence(context.Background(), sequence.PreLaunchCheck, false)
	require.NoError(t, err)

	h.feed(t, "pt2:870")

	snap, err := h.engine.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, interlock.StateTripped, snap.Interlock.State)
	assert.Equal(t, sequence.PreLaunchCheck, snap.ActiveSequence.Name)

	trips := h.events.ofType(streaming.EventInterlock)
	require.Len(t, trips, 1)
	assert.NotEmpty(t, trips[0].Data.(interlock.Event).StartError)
}

func TestStartSequence_CumulativeOffsets(t *testing.T) {
	h := newHarness(t, sequence.Definition{
		Name: "A",
		Steps: []sequence.StepDefinition{
			{Message: "one", Delay: sequence.Millis(100)},
			{Message: "two", Delay: sequence.Millis(200)},
			{Message: "three", Delay: sequence.Millis(50)},
		},
	})

	_, err := h.engine.StartSequence(context.Background(), "A", false)
	require.NoError(t, err)

	h.advance(t, time.Second)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 350 * time.Millisecond}, h.timers.Fired)
	assert.Contains(t, logText(h.engine), "Sequence A complete.")
}

func TestStartSequence_ConflictLeavesTimersUntouched(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.StartSequence(context.Background(), sequence.PreLaunchCheck, false)
	require.NoError(t, err)
	before := h.pending(t)

	_, err = h.engine.StartSequence(context.Background(), sequence.SystemPurge, false)
	var conflict *sequence.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, sequence.PreLaunchCheck, conflict.Active)
	assert.Equal(t, before, h.pending(t))
}

func TestStartSequence_UnknownAndConfirmation(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.StartSequence(context.Background(), "Launch Party", false)
	var notFound *sequence.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Contains(t, logText(h.engine), `Sequence "Launch Party" is not defined.`)

	_, err = h.engine.StartSequence(context.Background(), sequence.IgnitionSequence, false)
	var confirm *sequence.ConfirmationRequiredError
	require.ErrorAs(t, err, &confirm)

	_, err = h.engine.StartSequence(context.Background(), sequence.IgnitionSequence, true)
	require.NoError(t, err)
}

func TestSendCommand_DisconnectedWritesNothing(t *testing.T) {
	h := newHarness(t)

	err := h.engine.SendCommand(context.Background(), "SEQ_SHUTDOWN")
	assert.ErrorIs(t, err, dispatch.ErrNotConnected)
	assert.Empty(t, h.port.Lines())
	assert.NotContains(t, logText(h.engine), "Sent:")
}

func TestSetValve_SendsAndMarksCommanded(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	require.NoError(t, h.engine.SetValve(context.Background(), 1, true))
	require.NoError(t, h.engine.SetValve(context.Background(), 3, false))

	assert.Equal(t, []string{"V,0,O", "1,2,C"}, h.port.Lines())

	snap, err := h.engine.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, actuator.ValveOpening, snap.Valves[0].State)
	assert.Equal(t, actuator.ValveClosing, snap.Valves[2].State)

	err = h.engine.SetValve(context.Background(), 7, true)
	assert.ErrorIs(t, err, ErrUnknownActuator)
}

func TestSetMotorAngle_Clamps(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	require.NoError(t, h.engine.SetMotorAngle(context.Background(), "throttle", 250))
	assert.Equal(t, []string{"M,4,180"}, h.port.Lines())

	snap, err := h.engine.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 180, snap.Motors[0].Angle)
}

func TestSetMotorAngle_DisconnectedKeepsAngle(t *testing.T) {
	h := newHarness(t)

	err := h.engine.SetMotorAngle(context.Background(), "throttle", 10)
	assert.ErrorIs(t, err, dispatch.ErrNotConnected)

	snap, err := h.engine.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 90, snap.Motors[0].Angle)
}

func TestRecording_WritesRows(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	path, err := h.engine.StartRecording(context.Background())
	require.NoError(t, err)

	h.feed(t, "pt1:10,tc1:21.5")
	require.NoError(t, h.engine.StopRecording(context.Background()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "timestamp,pt1,pt2,pt3,pt4,flow1,flow2,tc1", lines[0])
	assert.True(t, strings.HasSuffix(lines[1], ",10,,,,,,21.5"))
}

func TestRecording_CreateFailureStaysOff(t *testing.T) {
	h := newHarness(t)
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	// a directory below a regular file cannot be created
	h.engine.recorder = recorder.New(filepath.Join(blocker, "logs"), nil)

	_, err := h.engine.StartRecording(context.Background())
	require.Error(t, err)

	snap, err := h.engine.Snapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.Recording.Active)
	assert.Contains(t, logText(h.engine), "Error creating log file")
}

func TestEmergencyStop_StartsInterlockSequence(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.engine.EmergencyStop("gpio")
	h.sync(t)

	snap, err := h.engine.Snapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap.ActiveSequence)
	assert.Equal(t, sequence.EmergencyShutdown, snap.ActiveSequence.Name)
	assert.Contains(t, logText(h.engine), "!!! E-STOP (gpio) !!!")
}

func TestStop_RejectsLaterOperations(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Stop(context.Background()))

	_, err := h.engine.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}
