package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenTestStand/internal/actuator"
	"github.com/KevinKickass/OpenTestStand/internal/eventlog"
	"github.com/KevinKickass/OpenTestStand/internal/interlock"
	"github.com/KevinKickass/OpenTestStand/internal/link"
	"github.com/KevinKickass/OpenTestStand/internal/protocol"
	"github.com/KevinKickass/OpenTestStand/internal/sequence"
	"github.com/KevinKickass/OpenTestStand/internal/streaming"
	"github.com/KevinKickass/OpenTestStand/internal/telemetry"
)

var ErrUnknownActuator = errors.New("unknown actuator")

func valveCommand(addr actuator.Address, open bool) string {
	if addr.Legacy {
		return protocol.EncodeLegacyValveCommand(addr.Driver, addr.Channel, open)
	}
	return protocol.EncodeValveCommand(addr.ServoIndex, open)
}

func motorCommand(addr actuator.Address, angle int) string {
	return protocol.EncodeMotorCommand(addr.ServoIndex, angle)
}

// Connect opens the controller link. The dial runs on the caller's goroutine
// so telemetry keeps flowing meanwhile.
func (e *Engine) Connect(ctx context.Context, target link.Target) error {
	if err := target.Validate(); err != nil {
		return err
	}
	if e.link.Status() != link.StatusDisconnected {
		return link.ErrAlreadyConnected
	}

	if err := e.Do(ctx, func() {
		e.log.Appendf("Connecting to %s...", target)
		e.emit(streaming.EventLink, streaming.LinkEvent{
			Status:   string(link.StatusConnecting),
			Endpoint: target.String(),
		})
	}); err != nil {
		return err
	}

	openErr := e.link.Open(ctx, target)

	if err := e.Do(ctx, func() {
		if openErr != nil {
			e.log.Appendf("Failed to connect to %s.", target)
			e.linkChanged(e.link.Status(), openErr)
			return
		}
		e.log.Appendf("Successfully connected to %s.", target)
		e.linkChanged(link.StatusConnected, nil)
	}); err != nil {
		return err
	}

	if openErr != nil {
		e.logger.Warn("Link connect failed", zap.String("endpoint", target.String()), zap.Error(openErr))
	}
	return openErr
}

// Disconnect closes the link. Disconnecting while idle is a no-op.
func (e *Engine) Disconnect(ctx context.Context) error {
	if e.link.Status() == link.StatusDisconnected {
		return nil
	}

	target := e.link.Target()
	closeErr := e.link.Close()

	if err := e.Do(ctx, func() {
		e.log.Appendf("Disconnected from %s.", target)
		e.linkChanged(link.StatusDisconnected, closeErr)
	}); err != nil {
		return err
	}
	return closeErr
}

// SendCommand sends a raw command line through the dispatcher.
func (e *Engine) SendCommand(ctx context.Context, raw string) error {
	var sendErr error
	if err := e.Do(ctx, func() { sendErr = e.sendCommand(raw) }); err != nil {
		return err
	}
	return sendErr
}

// SetValve commands a valve open or closed and marks it OPENING/CLOSING
// until telemetry reports the final state.
func (e *Engine) SetValve(ctx context.Context, id int, open bool) error {
	var opErr error
	if err := e.Do(ctx, func() { opErr = e.setValve(id, open) }); err != nil {
		return err
	}
	return opErr
}

// SetMotorAngle commands a servo. The angle is clamped to [0,180].
func (e *Engine) SetMotorAngle(ctx context.Context, name string, angle int) error {
	var opErr error
	if err := e.Do(ctx, func() { opErr = e.setMotorAngle(name, angle) }); err != nil {
		return err
	}
	return opErr
}

// StartSequence starts a named sequence from the catalog. Sequences that
// require confirmation fail with *sequence.ConfirmationRequiredError unless
// confirmed is set.
func (e *Engine) StartSequence(ctx context.Context, name string, confirmed bool) (sequence.Run, error) {
	var (
		run   sequence.Run
		opErr error
	)
	if err := e.Do(ctx, func() { run, opErr = e.startSequence(name, confirmed) }); err != nil {
		return sequence.Run{}, err
	}
	return run, opErr
}

// EmergencyStop requests the interlock sequence from outside the telemetry
// path, e.g. a hardware button. It does not wait.
func (e *Engine) EmergencyStop(source string) {
	e.post(func() {
		e.metrics.EStopPresses.Inc()
		name := e.monitor.Config().Sequence
		if _, err := e.startSequence(name, true); err != nil {
			e.logger.Warn("Emergency stop could not start sequence",
				zap.String("source", source),
				zap.String("sequence", name),
				zap.Error(err))
		}
		e.log.Appendf("!!! E-STOP (%s) !!!", source)
	})
}

// Sequences lists the catalog.
func (e *Engine) Sequences() []sequence.Definition {
	return e.catalog.List()
}

// StartRecording opens a new CSV file. On failure recording stays off.
func (e *Engine) StartRecording(ctx context.Context) (string, error) {
	var (
		path  string
		opErr error
	)
	if err := e.Do(ctx, func() {
		path, opErr = e.recorder.Start()
		if opErr != nil {
			e.log.Append("Error creating log file: " + opErr.Error())
			e.recordingChanged(opErr)
			return
		}
		e.log.Append("Logging started: " + path)
		e.recordingChanged(nil)
	}); err != nil {
		return "", err
	}
	return path, opErr
}

func (e *Engine) StopRecording(ctx context.Context) error {
	var opErr error
	if err := e.Do(ctx, func() {
		if !e.recorder.Active() {
			return
		}
		path := e.recorder.Path()
		opErr = e.recorder.Stop()
		e.log.Append("Logging stopped: " + path)
		e.recordingChanged(opErr)
	}); err != nil {
		return err
	}
	return opErr
}

func (e *Engine) recordingChanged(err error) {
	evt := streaming.RecordingEvent{Active: e.recorder.Active(), Path: e.recorder.Path()}
	if err != nil {
		evt.Error = err.Error()
	}
	e.metrics.SetRecording(evt.Active)
	e.emit(streaming.EventRecording, evt)
}

type LinkState struct {
	Status link.Status `json:"status"`
	Target link.Target `json:"target"`
}

type RecordingState struct {
	Active bool   `json:"active"`
	Path   string `json:"path,omitempty"`
	Rows   int    `json:"rows"`
}

type InterlockState struct {
	State      interlock.State     `json:"state"`
	Limit      float64             `json:"limit"`
	ResetLimit float64             `json:"reset_limit"`
	Channels   []telemetry.Channel `json:"channels"`
}

// Snapshot is a consistent view of the stand taken on the loop.
type Snapshot struct {
	Time           time.Time             `json:"time"`
	Link           LinkState             `json:"link"`
	Frame          telemetry.SensorFrame `json:"frame"`
	Valves         []actuator.Valve      `json:"valves"`
	Motors         []actuator.Motor      `json:"motors"`
	Interlock      InterlockState        `json:"interlock"`
	ActiveSequence *sequence.Run         `json:"active_sequence"`
	Recording      RecordingState        `json:"recording"`
}

func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := e.Do(ctx, func() {
		cfg := e.monitor.Config()
		snap = Snapshot{
			Time:   e.now(),
			Link:   LinkState{Status: e.link.Status(), Target: e.link.Target()},
			Frame:  e.store.Current(),
			Valves: e.actuators.Valves(),
			Motors: e.actuators.Motors(),
			Interlock: InterlockState{
				State:      e.monitor.State(),
				Limit:      cfg.Limit,
				ResetLimit: cfg.ResetLimit,
				Channels:   cfg.Channels,
			},
			Recording: RecordingState{
				Active: e.recorder.Active(),
				Path:   e.recorder.Path(),
				Rows:   e.recorder.Rows(),
			},
		}
		if run, ok := e.scheduler.ActiveRun(); ok {
			snap.ActiveSequence = &run
		}
	})
	return snap, err
}

// SnapshotView serves the gRPC snapshot.
func (e *Engine) SnapshotView(ctx context.Context) (any, error) {
	return e.Snapshot(ctx)
}

// History returns the retained frames, oldest first.
func (e *Engine) History(ctx context.Context) ([]telemetry.SensorFrame, error) {
	var frames []telemetry.SensorFrame
	err := e.Do(ctx, func() { frames = e.store.History() })
	return frames, err
}

func (e *Engine) Log() []eventlog.Entry {
	return e.log.Entries()
}

// Connected reports the link status without going through the loop.
func (e *Engine) Connected() bool {
	return e.link.Connected()
}

func (e *Engine) ListPorts() ([]string, error) {
	return link.ListPorts()
}
