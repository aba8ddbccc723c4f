package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/KevinKickass/OpenTestStand/internal/actuator"
	"github.com/KevinKickass/OpenTestStand/internal/telemetry"
)

// Valve ids travel as a single digit in telemetry keys (V<d>LS_OPEN).
const (
	MinValveID = 0
	MaxValveID = 9
)

// Validate checks everything that would otherwise surface as a silent no-op
// at command time.
func (c *Config) Validate() error {
	var errs []error

	switch c.Serial.Transport {
	case "serial", "tcp":
	default:
		errs = append(errs, fmt.Errorf("serial.transport: unknown transport %q", c.Serial.Transport))
	}
	if c.Serial.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("serial.baud_rate: must be positive"))
	}

	if c.Actuators.ChannelsPerDriver <= 0 {
		errs = append(errs, fmt.Errorf("actuators.channels_per_driver: must be positive"))
	}
	if a := c.Actuators.MotorInitialAngle; a < actuator.MinAngle || a > actuator.MaxAngle {
		errs = append(errs, fmt.Errorf("actuators.motor_initial_angle: %d outside [0,180]", a))
	}

	ids := make(map[int]string)
	names := make(map[string]struct{})
	for i, v := range c.Actuators.Valves {
		path := fmt.Sprintf("actuators.valves[%d]", i)
		if strings.TrimSpace(v.Name) == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", path))
		}
		if v.ID < MinValveID || v.ID > MaxValveID {
			errs = append(errs, fmt.Errorf("%s: id %d outside [%d,%d]", path, v.ID, MinValveID, MaxValveID))
		}
		if prev, dup := ids[v.ID]; dup {
			errs = append(errs, fmt.Errorf("%s: id %d already used by %q", path, v.ID, prev))
		}
		ids[v.ID] = v.Name
		if _, dup := names[v.Name]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate name %q", path, v.Name))
		}
		names[v.Name] = struct{}{}
		if _, err := c.Actuators.address(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}

	motorNames := make(map[string]struct{})
	for i, m := range c.Actuators.Motors {
		path := fmt.Sprintf("actuators.motors[%d]", i)
		if strings.TrimSpace(m.Name) == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", path))
		}
		if _, dup := motorNames[m.Name]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate name %q", path, m.Name))
		}
		motorNames[m.Name] = struct{}{}
		if _, err := c.Actuators.address(m); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}

	if c.Interlock.PressureLimit <= 0 {
		errs = append(errs, fmt.Errorf("interlock.pressure_limit: must be positive"))
	}
	if c.Interlock.ResetLimit < 0 || c.Interlock.ResetLimit > c.Interlock.PressureLimit {
		errs = append(errs, fmt.Errorf("interlock.reset_limit: must be within [0, pressure_limit]"))
	}
	if len(c.Interlock.Channels) == 0 {
		errs = append(errs, fmt.Errorf("interlock.channels: at least one channel is required"))
	}
	for _, ch := range c.Interlock.Channels {
		if _, ok := telemetry.ParseChannel(ch); !ok {
			errs = append(errs, fmt.Errorf("interlock.channels: unknown channel %q", ch))
		}
	}
	if strings.TrimSpace(c.Interlock.Sequence) == "" {
		errs = append(errs, fmt.Errorf("interlock.sequence: is required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func (a ActuatorsConfig) address(ac ActuatorConfig) (actuator.Address, error) {
	switch {
	case ac.ServoIndex != nil:
		if *ac.ServoIndex < 0 {
			return actuator.Address{}, fmt.Errorf("servo_index must not be negative")
		}
		return actuator.Address{ServoIndex: *ac.ServoIndex}, nil
	case ac.Driver != nil && ac.Channel != nil:
		if *ac.Driver < 0 || *ac.Channel < 0 {
			return actuator.Address{}, fmt.Errorf("driver and channel must not be negative")
		}
		if a.ChannelsPerDriver > 0 && *ac.Channel >= a.ChannelsPerDriver {
			return actuator.Address{}, fmt.Errorf("channel %d exceeds channels_per_driver %d", *ac.Channel, a.ChannelsPerDriver)
		}
		return actuator.Address{
			ServoIndex: *ac.Driver*a.ChannelsPerDriver + *ac.Channel,
			Driver:     *ac.Driver,
			Channel:    *ac.Channel,
			Legacy:     true,
		}, nil
	default:
		return actuator.Address{}, fmt.Errorf("%q has no servo_index or driver/channel mapping", ac.Name)
	}
}

// ValveSet returns the configured valves, all starting CLOSED.
func (a ActuatorsConfig) ValveSet() ([]actuator.Valve, error) {
	valves := make([]actuator.Valve, 0, len(a.Valves))
	for _, vc := range a.Valves {
		addr, err := a.address(vc)
		if err != nil {
			return nil, err
		}
		valves = append(valves, actuator.Valve{
			ID:      vc.ID,
			Name:    vc.Name,
			Address: addr,
			State:   actuator.ValveClosed,
		})
	}
	return valves, nil
}

// MotorSet returns the configured motors at the initial angle.
func (a ActuatorsConfig) MotorSet() ([]actuator.Motor, error) {
	motors := make([]actuator.Motor, 0, len(a.Motors))
	for _, mc := range a.Motors {
		addr, err := a.address(mc)
		if err != nil {
			return nil, err
		}
		motors = append(motors, actuator.Motor{
			Name:    mc.Name,
			Angle:   actuator.ClampAngle(a.MotorInitialAngle),
			Address: addr,
		})
	}
	return motors, nil
}

// InterlockChannels returns the parsed monitored channels. Unknown names are
// rejected by Validate.
func (i InterlockConfig) InterlockChannels() []telemetry.Channel {
	out := make([]telemetry.Channel, 0, len(i.Channels))
	for _, name := range i.Channels {
		if ch, ok := telemetry.ParseChannel(name); ok {
			out = append(out, ch)
		}
	}
	return out
}
