package sequence

import (
	"fmt"
	"sync"

	"github.com/KevinKickass/OpenTestStand/internal/actuator"
	"github.com/KevinKickass/OpenTestStand/internal/protocol"
)

const (
	PreLaunchCheck       = "Pre-launch Check"
	IgnitionSequence     = "Ignition Sequence"
	SystemPurge          = "System Purge"
	EmergencyShutdown    = "Emergency Shutdown"
	PrecisionDiagnostics = "Precision Diagnostics"
)

const builtinSource = "builtin"

// Builtins returns the stock sequences for the configured actuators.
func Builtins(valves []actuator.Valve, motors []actuator.Motor, restAngle int) []Definition {
	return []Definition{
		preLaunchCheck(),
		ignition(),
		purge(valves),
		emergencyShutdown(),
		diagnostics(motors, restAngle),
	}
}

func preLaunchCheck() Definition {
	return Definition{
		Name:        PreLaunchCheck,
		Description: "Walks the operator through sensor and valve checks",
		Source:      builtinSource,
		Steps: []StepDefinition{
			{Message: "Checking sensor readings...", Delay: Millis(500)},
			{Message: "Verifying valve positions...", Delay: Millis(1000)},
			{Message: "Checking igniter continuity...", Delay: Millis(1000)},
			{Message: "Pre-launch check passed.", Delay: Millis(1000)},
		},
	}
}

func ignition() Definition {
	return Definition{
		Name:                 IgnitionSequence,
		Description:          "Countdown and ignition",
		RequiresConfirmation: true,
		Source:               builtinSource,
		Steps: []StepDefinition{
			{Message: "Arming igniter...", Delay: Millis(1000)},
			{Message: "T-3", Delay: Millis(1000)},
			{Message: "T-2", Delay: Millis(1000)},
			{Message: "T-1", Delay: Millis(1000)},
			{Message: "IGNITION", Delay: Millis(1000), Command: protocol.TokenIgnitionStart},
		},
	}
}

func purge(valves []actuator.Valve) Definition {
	steps := []StepDefinition{{Message: "Starting system purge...", Delay: Millis(500)}}
	for _, v := range valves {
		steps = append(steps, StepDefinition{
			Message: fmt.Sprintf("Opening %s", v.Name),
			Delay:   Millis(500),
			Valve:   &ValveAction{ID: v.ID, Open: true},
		})
	}
	steps = append(steps, StepDefinition{Message: "Purging lines...", Delay: Millis(3000)})
	for _, v := range valves {
		steps = append(steps, StepDefinition{
			Message: fmt.Sprintf("Closing %s", v.Name),
			Delay:   Millis(500),
			Valve:   &ValveAction{ID: v.ID, Open: false},
		})
	}
	steps = append(steps, StepDefinition{Message: "Purge finished.", Delay: Millis(500)})

	return Definition{
		Name:        SystemPurge,
		Description: "Opens every valve, purges, and closes them again",
		Source:      builtinSource,
		Steps:       steps,
	}
}

func emergencyShutdown() Definition {
	return Definition{
		Name:        EmergencyShutdown,
		Description: "Commands the firmware shutdown routine",
		Source:      builtinSource,
		Steps: []StepDefinition{
			{Message: "!!! EMERGENCY SHUTDOWN !!!", Delay: Millis(100), Command: protocol.TokenShutdown},
		},
	}
}

func diagnostics(motors []actuator.Motor, restAngle int) Definition {
	steps := []StepDefinition{{Message: "Initiating Precision Diagnostics...", Delay: Millis(500)}}

	for _, m := range motors {
		steps = append(steps, StepDefinition{
			Message: fmt.Sprintf("Running self-test on %s", m.Name),
			Delay:   Millis(500),
			Command: protocol.EncodeDiagnostic(m.Name),
		})
	}

	for _, angle := range []int{actuator.MinAngle, actuator.MaxAngle, restAngle} {
		for _, m := range motors {
			steps = append(steps, StepDefinition{
				Message: fmt.Sprintf("Sweeping %s to %d°", m.Name, angle),
				Delay:   Millis(300),
				Motor:   &MotorAction{Name: m.Name, Angle: angle},
			})
		}
	}

	steps = append(steps, StepDefinition{Message: "Diagnostics finished.", Delay: Millis(500)})

	return Definition{
		Name:        PrecisionDiagnostics,
		Description: "Per-motor self-test and full range sweep",
		Source:      builtinSource,
		Steps:       steps,
	}
}

// Catalog is the set of sequences an operator may start.
type Catalog struct {
	mu    sync.RWMutex
	defs  map[string]Definition
	order []string
}

func NewCatalog(defs ...Definition) *Catalog {
	c := &Catalog{defs: make(map[string]Definition)}
	for _, def := range defs {
		c.put(def)
	}
	return c
}

func (c *Catalog) put(def Definition) {
	if _, exists := c.defs[def.Name]; !exists {
		c.order = append(c.order, def.Name)
	}
	c.defs[def.Name] = def
}

// Add registers or replaces a definition. The emergency shutdown sequence
// cannot be replaced because the interlock depends on it.
func (c *Catalog) Add(def Definition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if def.Name == EmergencyShutdown {
		if existing, ok := c.defs[def.Name]; ok && existing.Source == builtinSource {
			return fmt.Errorf("sequence %q is built in and cannot be overridden", def.Name)
		}
	}
	c.put(def)
	return nil
}

func (c *Catalog) Lookup(name string) (Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	def, ok := c.defs[name]
	if !ok {
		return Definition{}, &NotFoundError{Name: name}
	}
	return def, nil
}

// List returns all definitions in registration order.
func (c *Catalog) List() []Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Definition, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.defs[name])
	}
	return out
}
