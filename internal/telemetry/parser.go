package telemetry

import (
	"math"
	"regexp"
	"strconv"

	"github.com/KevinKickass/OpenTestStand/internal/actuator"
	"github.com/KevinKickass/OpenTestStand/internal/protocol"
)

var (
	limitSwitchKey = regexp.MustCompile(`^V(\d)LS_(OPEN|CLOSED)$`)
	valveStateKey  = regexp.MustCompile(`^V(\d)(?:_STATE)?$`)
)

// Update is everything one inbound line contributed.
type Update struct {
	Sensors SensorUpdate
	Valves  map[int]actuator.ValvePatch
	// Dropped counts fields that were recognised but carried an unusable value.
	Dropped int
}

func (u Update) HasSensors() bool { return len(u.Sensors) > 0 }

func (u Update) HasValves() bool { return len(u.Valves) > 0 }

// Parse classifies decoded fields into sensor readings and per-valve patches.
// Malformed values are dropped individually; the rest of the line still counts.
// Unrecognised keys are ignored.
func Parse(fields []protocol.Field) Update {
	update := Update{
		Sensors: make(SensorUpdate),
		Valves:  make(map[int]actuator.ValvePatch),
	}

	for _, field := range fields {
		if ch, ok := ParseChannel(field.Key); ok {
			value, err := strconv.ParseFloat(field.Value, 64)
			// ParseFloat accepts NaN and Inf; neither is a reading.
			if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
				update.Dropped++
				continue
			}
			update.Sensors[ch] = value
			continue
		}

		if m := limitSwitchKey.FindStringSubmatch(field.Key); m != nil {
			id := int(m[1][0] - '0')
			patch := update.Valves[id]
			flag := field.Value == "1"
			if m[2] == "OPEN" {
				patch.LSOpen = &flag
			} else {
				patch.LSClosed = &flag
			}
			update.Valves[id] = patch
			continue
		}

		if m := valveStateKey.FindStringSubmatch(field.Key); m != nil {
			state, ok := actuator.ParseValveState(field.Value)
			if !ok {
				update.Dropped++
				continue
			}
			id := int(m[1][0] - '0')
			patch := update.Valves[id]
			patch.State = &state
			update.Valves[id] = patch
		}
	}

	return update
}

// ParseLine decodes and parses one raw inbound line.
func ParseLine(raw string) Update {
	return Parse(protocol.DecodeLine(raw))
}
