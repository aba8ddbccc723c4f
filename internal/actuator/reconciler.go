// Package actuator holds the canonical valve and motor collections of the stand.
//
// Valve state has two writers: optimistic local writes when an operator or a
// sequence commands a valve, and authoritative telemetry from the controller.
// Both go through the Reconciler, which applies a fixed precedence rule to
// telemetry. Motor angles are only ever written locally; the firmware does not
// report them.
package actuator

import (
	"fmt"
	"sort"
)

// Reconciler is owned by the engine loop and is not safe for concurrent use.
type Reconciler struct {
	valves     map[int]*Valve
	valveOrder []int
	motors     map[string]*Motor
	motorOrder []string
	ignoredIDs map[int]struct{}
}

func NewReconciler(valves []Valve, motors []Motor) *Reconciler {
	r := &Reconciler{
		valves:     make(map[int]*Valve, len(valves)),
		motors:     make(map[string]*Motor, len(motors)),
		ignoredIDs: make(map[int]struct{}),
	}

	for _, v := range valves {
		valve := v
		if _, ok := ParseValveState(string(valve.State)); !ok {
			valve.State = ValveClosed
		}
		r.valves[valve.ID] = &valve
		r.valveOrder = append(r.valveOrder, valve.ID)
	}
	sort.Ints(r.valveOrder)

	for _, m := range motors {
		motor := m
		motor.Angle = ClampAngle(motor.Angle)
		r.motors[motor.Name] = &motor
		r.motorOrder = append(r.motorOrder, motor.Name)
	}

	return r
}

// ApplyTelemetry merges per-valve partial updates and returns the valves whose
// state or flags changed. Updates for ids outside the configured collection
// are dropped; the collection is fixed at startup.
//
// State precedence: reported state token, then LS open, then LS closed, else
// the previous state. Flags are merged regardless of which branch won.
func (r *Reconciler) ApplyTelemetry(patches map[int]ValvePatch) (changed []Valve, unknown []int) {
	ids := make([]int, 0, len(patches))
	for id := range patches {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		patch := patches[id]
		valve, ok := r.valves[id]
		if !ok {
			if _, seen := r.ignoredIDs[id]; !seen {
				r.ignoredIDs[id] = struct{}{}
				unknown = append(unknown, id)
			}
			continue
		}

		before := *valve
		valve.State = resolveState(valve.State, patch)
		if patch.LSOpen != nil {
			valve.LSOpen = *patch.LSOpen
		}
		if patch.LSClosed != nil {
			valve.LSClosed = *patch.LSClosed
		}

		if *valve != before {
			changed = append(changed, *valve)
		}
	}

	return changed, unknown
}

func resolveState(previous ValveState, patch ValvePatch) ValveState {
	switch {
	case patch.State != nil:
		return *patch.State
	case patch.LSOpen != nil && *patch.LSOpen:
		return ValveOpen
	case patch.LSClosed != nil && *patch.LSClosed:
		return ValveClosed
	default:
		return previous
	}
}

// MarkCommanded records the optimistic transition for a valve command that was
// just sent. Telemetry later settles the final state.
func (r *Reconciler) MarkCommanded(id int, open bool) (Valve, error) {
	valve, ok := r.valves[id]
	if !ok {
		return Valve{}, fmt.Errorf("unknown valve: %d", id)
	}

	if open {
		valve.State = ValveOpening
	} else {
		valve.State = ValveClosing
	}
	return *valve, nil
}

// SetMotorAngle stores the commanded angle after clamping to [0,180].
func (r *Reconciler) SetMotorAngle(name string, angle int) (Motor, error) {
	motor, ok := r.motors[name]
	if !ok {
		return Motor{}, fmt.Errorf("unknown motor: %s", name)
	}
	motor.Angle = ClampAngle(angle)
	return *motor, nil
}

func (r *Reconciler) Valve(id int) (Valve, bool) {
	valve, ok := r.valves[id]
	if !ok {
		return Valve{}, false
	}
	return *valve, true
}

func (r *Reconciler) Motor(name string) (Motor, bool) {
	motor, ok := r.motors[name]
	if !ok {
		return Motor{}, false
	}
	return *motor, true
}

// Valves returns a copy of the collection ordered by id.
func (r *Reconciler) Valves() []Valve {
	out := make([]Valve, 0, len(r.valveOrder))
	for _, id := range r.valveOrder {
		out = append(out, *r.valves[id])
	}
	return out
}

// Motors returns a copy of the collection in configuration order.
func (r *Reconciler) Motors() []Motor {
	out := make([]Motor, 0, len(r.motorOrder))
	for _, name := range r.motorOrder {
		out = append(out, *r.motors[name])
	}
	return out
}
