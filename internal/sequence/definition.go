package sequence

import (
	"encoding/json"
	"fmt"
	"time"
)

// Definition is the declarative form of a sequence, either built in or loaded
// from a file.
type Definition struct {
	Name                 string           `json:"name"`
	Description          string           `json:"description,omitempty"`
	RequiresConfirmation bool             `json:"requires_confirmation,omitempty"`
	Steps                []StepDefinition `json:"steps"`
	Source               string           `json:"source,omitempty"`
}

type StepDefinition struct {
	Message string   `json:"message"`
	Delay   Duration `json:"delay"`

	// At most one action is set.
	Command string       `json:"command,omitempty"`
	Valve   *ValveAction `json:"valve,omitempty"`
	Motor   *MotorAction `json:"motor,omitempty"`
}

type ValveAction struct {
	ID   int  `json:"id"`
	Open bool `json:"open"`
}

type MotorAction struct {
	Name  string `json:"name"`
	Angle int    `json:"angle"`
}

// Duration accepts either a number of milliseconds or a Go duration string
// like "1.5s".
type Duration struct {
	time.Duration
}

func Millis(ms int) Duration {
	return Duration{time.Duration(ms) * time.Millisecond}
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value * float64(time.Millisecond))
		return nil
	case string:
		var err error
		d.Duration, err = time.ParseDuration(value)
		if err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("invalid duration type: %T", value)
	}
}

// MarshalJSON serializes the duration as whole milliseconds.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Milliseconds())
}

// Executor performs step actions. The engine implements it on top of the
// command dispatcher.
type Executor interface {
	SendCommand(raw string) error
	SetValve(id int, open bool) error
	SetMotorAngle(name string, angle int) error
}

// Compile binds a definition's actions to exec.
func Compile(def Definition, exec Executor) []Step {
	steps := make([]Step, 0, len(def.Steps))
	for _, sd := range def.Steps {
		steps = append(steps, Step{
			Message: sd.Message,
			Delay:   sd.Delay.Duration,
			Action:  sd.action(exec),
		})
	}
	return steps
}

func (sd StepDefinition) action(exec Executor) func() error {
	switch {
	case sd.Command != "":
		cmd := sd.Command
		return func() error { return exec.SendCommand(cmd) }
	case sd.Valve != nil:
		v := *sd.Valve
		return func() error { return exec.SetValve(v.ID, v.Open) }
	case sd.Motor != nil:
		m := *sd.Motor
		return func() error { return exec.SetMotorAngle(m.Name, m.Angle) }
	default:
		return nil
	}
}
