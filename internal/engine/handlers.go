package engine

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenTestStand/internal/actuator"
	"github.com/KevinKickass/OpenTestStand/internal/dispatch"
	"github.com/KevinKickass/OpenTestStand/internal/interlock"
	"github.com/KevinKickass/OpenTestStand/internal/link"
	"github.com/KevinKickass/OpenTestStand/internal/sequence"
	"github.com/KevinKickass/OpenTestStand/internal/streaming"
	"github.com/KevinKickass/OpenTestStand/internal/telemetry"
)

// onLinkEvent is called from the link reader goroutine.
func (e *Engine) onLinkEvent(evt link.Event) {
	e.post(func() { e.handleLinkEvent(evt) })
}

func (e *Engine) handleLinkEvent(evt link.Event) {
	switch evt.Kind {
	case link.EventLine:
		e.handleLine(evt.Line)

	case link.EventError:
		e.log.Append("SERIAL ERROR: " + evt.Err.Error())
		e.linkChanged(link.StatusDisconnected, evt.Err)

	case link.EventClosed:
		e.log.Appendf("Disconnected from %s.", e.link.Target())
		e.linkChanged(link.StatusDisconnected, nil)
	}
}

func (e *Engine) linkChanged(status link.Status, err error) {
	payload := streaming.LinkEvent{
		Status:   string(status),
		Endpoint: e.link.Target().String(),
	}
	if err != nil {
		payload.Error = err.Error()
	}
	e.metrics.SetConnected(status == link.StatusConnected)
	e.emit(streaming.EventLink, payload)
}

// handleLine processes one telemetry line to completion. Sensor and valve
// fields from the same line are applied independently.
func (e *Engine) handleLine(raw string) {
	e.metrics.LinesReceived.Inc()
	e.log.Append("Received: " + raw)

	update := telemetry.ParseLine(raw)
	if update.Dropped > 0 {
		e.metrics.FieldsDropped.Add(float64(update.Dropped))
		e.logger.Debug("Dropped telemetry fields",
			zap.String("line", raw),
			zap.Int("dropped", update.Dropped))
	}

	if update.HasSensors() {
		e.applySensors(update.Sensors)
	}
	if update.HasValves() {
		e.applyValves(update.Valves)
	}
}

func (e *Engine) applySensors(update telemetry.SensorUpdate) {
	at := e.now()
	frame, changed := e.store.Apply(update, at)
	if !changed {
		return
	}

	if e.recorder.Active() {
		if err := e.recorder.Write(at, update); err != nil {
			e.logger.Warn("Failed to write log row", zap.Error(err))
		}
	}

	e.metrics.ObserveFrame(frame)
	e.emit(streaming.EventFrame, frame)

	// may start a sequence synchronously
	e.monitor.Observe(frame)
}

func (e *Engine) applyValves(patches map[int]actuator.ValvePatch) {
	changed, unknown := e.actuators.ApplyTelemetry(patches)
	for _, id := range unknown {
		e.logger.Warn("Telemetry for unconfigured valve ignored", zap.Int("valve_id", id))
	}
	if len(changed) > 0 {
		e.emit(streaming.EventValves, changed)
	}
}

func (e *Engine) onSent(cmd string) {
	e.metrics.CommandsSent.Inc()
	e.emit(streaming.EventCommand, streaming.CommandEvent{Command: cmd, Time: e.now()})
}

func (e *Engine) onRunStarted(run sequence.Run) {
	e.metrics.SequencesStarted.WithLabelValues(run.Name).Inc()
	e.emit(streaming.EventSequence, streaming.SequenceEvent{Phase: streaming.PhaseStarted, Run: run})
}

func (e *Engine) onRunStep(run sequence.Run, index int, step sequence.Step, err error) {
	evt := streaming.SequenceEvent{
		Phase:   streaming.PhaseStep,
		Run:     run,
		Step:    index,
		Message: step.Message,
	}
	if err != nil {
		evt.Error = err.Error()
	}
	e.emit(streaming.EventSequence, evt)
}

func (e *Engine) onRunCompleted(run sequence.Run) {
	e.metrics.SequencesCompleted.WithLabelValues(run.Name).Inc()
	e.emit(streaming.EventSequence, streaming.SequenceEvent{Phase: streaming.PhaseCompleted, Run: run})
}

func (e *Engine) onInterlock(evt interlock.Event) {
	tripped := evt.State == interlock.StateTripped
	if tripped {
		e.metrics.InterlockTrips.Inc()
	}
	e.metrics.SetTripped(tripped)
	e.emit(streaming.EventInterlock, evt)
}

// rejected counts a failed send by reason.
func (e *Engine) rejected(err error) {
	var invalid *dispatch.InvalidCommandError
	switch {
	case errors.Is(err, dispatch.ErrNotConnected):
		e.metrics.CommandsRejected.WithLabelValues("not_connected").Inc()
	case errors.As(err, &invalid):
		e.metrics.CommandsRejected.WithLabelValues("invalid").Inc()
	default:
		e.metrics.CommandsRejected.WithLabelValues("write_failed").Inc()
	}
}

// Loop-side command paths. These run on the loop and are used by sequence
// actions, the interlock and the public operations.

func (e *Engine) sendCommand(raw string) error {
	if err := e.dispatcher.Send(raw); err != nil {
		e.rejected(err)
		return err
	}
	return nil
}

func (e *Engine) setValve(id int, open bool) error {
	valve, ok := e.actuators.Valve(id)
	if !ok {
		return fmt.Errorf("%w: valve %d", ErrUnknownActuator, id)
	}

	if err := e.sendCommand(valveCommand(valve.Address, open)); err != nil {
		return err
	}

	updated, err := e.actuators.MarkCommanded(id, open)
	if err != nil {
		return err
	}
	e.emit(streaming.EventValves, []actuator.Valve{updated})
	return nil
}

func (e *Engine) setMotorAngle(name string, angle int) error {
	motor, ok := e.actuators.Motor(name)
	if !ok {
		return fmt.Errorf("%w: motor %q", ErrUnknownActuator, name)
	}

	angle = actuator.ClampAngle(angle)
	if err := e.sendCommand(motorCommand(motor.Address, angle)); err != nil {
		return err
	}

	updated, err := e.actuators.SetMotorAngle(name, angle)
	if err != nil {
		return err
	}
	e.emit(streaming.EventMotors, []actuator.Motor{updated})
	return nil
}

func (e *Engine) startSequence(name string, confirmed bool) (sequence.Run, error) {
	def, err := e.catalog.Lookup(name)
	if err != nil {
		e.log.Appendf("Sequence %q is not defined.", name)
		return sequence.Run{}, err
	}
	if def.RequiresConfirmation && !confirmed {
		return sequence.Run{}, &sequence.ConfirmationRequiredError{Name: name}
	}

	run, err := e.scheduler.Start(def.Name, sequence.Compile(def, loopExecutor{e: e}))
	if err != nil {
		var conflict *sequence.ConflictError
		if errors.As(err, &conflict) {
			e.logger.Warn("Sequence start rejected",
				zap.String("sequence", name),
				zap.String("active", conflict.Active))
		}
		return sequence.Run{}, err
	}
	return run, nil
}

// loopExecutor binds sequence actions to the loop-side command paths.
type loopExecutor struct {
	e *Engine
}

func (x loopExecutor) SendCommand(raw string) error { return x.e.sendCommand(raw) }

func (x loopExecutor) SetValve(id int, open bool) error { return x.e.setValve(id, open) }

func (x loopExecutor) SetMotorAngle(name string, angle int) error {
	return x.e.setMotorAngle(name, angle)
}

// interlockStarter starts the abort sequence without confirmation.
type interlockStarter struct {
	e *Engine
}

func (s interlockStarter) StartSequence(name string) error {
	_, err := s.e.startSequence(name, true)
	return err
}
