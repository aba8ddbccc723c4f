package actuator

import "fmt"

type ValveState string

const (
	ValveOpen    ValveState = "OPEN"
	ValveClosed  ValveState = "CLOSED"
	ValveOpening ValveState = "OPENING"
	ValveClosing ValveState = "CLOSING"
	ValveError   ValveState = "ERROR"
)

// ParseValveState accepts exactly the five wire tokens.
func ParseValveState(s string) (ValveState, bool) {
	switch ValveState(s) {
	case ValveOpen, ValveClosed, ValveOpening, ValveClosing, ValveError:
		return ValveState(s), true
	default:
		return "", false
	}
}

const (
	MinAngle = 0
	MaxAngle = 180
)

// Address routes a logical actuator to a physical output.
// Driver and Channel are only set for legacy driver/channel firmware.
type Address struct {
	ServoIndex int  `json:"servo_index"`
	Driver     int  `json:"driver,omitempty"`
	Channel    int  `json:"channel,omitempty"`
	Legacy     bool `json:"legacy,omitempty"`
}

func (a Address) String() string {
	if a.Legacy {
		return fmt.Sprintf("driver %d channel %d", a.Driver, a.Channel)
	}
	return fmt.Sprintf("servo %d", a.ServoIndex)
}

type Valve struct {
	ID       int        `json:"id"`
	Name     string     `json:"name"`
	Address  Address    `json:"address"`
	State    ValveState `json:"state"`
	LSOpen   bool       `json:"ls_open"`
	LSClosed bool       `json:"ls_closed"`
}

// ValvePatch is a partial valve update decoded from one telemetry line.
// Nil fields were not reported.
type ValvePatch struct {
	State    *ValveState
	LSOpen   *bool
	LSClosed *bool
}

func (p ValvePatch) Empty() bool {
	return p.State == nil && p.LSOpen == nil && p.LSClosed == nil
}

type Motor struct {
	Name    string  `json:"name"`
	Angle   int     `json:"angle"`
	Address Address `json:"address"`
}

// ClampAngle limits a requested servo angle to [0,180].
func ClampAngle(angle int) int {
	if angle < MinAngle {
		return MinAngle
	}
	if angle > MaxAngle {
		return MaxAngle
	}
	return angle
}
