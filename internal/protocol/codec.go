package protocol

import (
	"fmt"
	"regexp"
	"strings"
)

// Bare tokens interpreted by the stand firmware.
const (
	TokenIgnitionStart = "SEQ_IGNITION_START"
	TokenShutdown      = "SEQ_SHUTDOWN"
	DiagPrefix         = "DIAG_"
)

const (
	motorPrefix = "M"
	valvePrefix = "V"
)

var (
	// driver,channel,(O|C) - the strict valve shape checked before transmission
	outboundValvePattern = regexp.MustCompile(`^\d+,\d+,[OC]$`)
	indexedValvePattern  = regexp.MustCompile(`^V,\d+,[OC]$`)
	motorPattern         = regexp.MustCompile(`^M,\d+,\d+$`)
	diagNamePattern      = regexp.MustCompile(`[^A-Z0-9]+`)
)

// Kind classifies an outbound command line.
type Kind string

const (
	KindMotor Kind = "motor"
	KindValve Kind = "valve"
	KindToken Kind = "token"
)

// Field is one decoded key:value pair of an inbound telemetry line.
type Field struct {
	Key   string
	Value string
}

// EncodeMotorCommand builds "M,<servoIndex>,<angle>". The angle is not clamped.
func EncodeMotorCommand(servoIndex, angle int) string {
	return fmt.Sprintf("%s,%d,%d", motorPrefix, servoIndex, angle)
}

// EncodeValveCommand builds "V,<servoIndex>,<O|C>".
func EncodeValveCommand(servoIndex int, open bool) string {
	return fmt.Sprintf("%s,%d,%s", valvePrefix, servoIndex, valveFlag(open))
}

// EncodeLegacyValveCommand builds the driver/channel addressed form "<driver>,<channel>,<O|C>".
func EncodeLegacyValveCommand(driver, channel int, open bool) string {
	return fmt.Sprintf("%d,%d,%s", driver, channel, valveFlag(open))
}

// EncodeDiagnostic builds a DIAG_<NAME> token from a free-form actuator name.
func EncodeDiagnostic(name string) string {
	upper := strings.ToUpper(strings.TrimSpace(name))
	return DiagPrefix + strings.Trim(diagNamePattern.ReplaceAllString(upper, "_"), "_")
}

func valveFlag(open bool) string {
	if open {
		return "O"
	}
	return "C"
}

// ValidateOutbound reports whether raw has the strict shape digits,digits,(O|C).
func ValidateOutbound(raw string) bool {
	return outboundValvePattern.MatchString(raw)
}

// ValidateMotorCommand reports whether raw is a well formed motor command
// with an angle inside [0,180].
func ValidateMotorCommand(raw string) bool {
	if !motorPattern.MatchString(raw) {
		return false
	}
	var index, angle int
	if _, err := fmt.Sscanf(raw, "M,%d,%d", &index, &angle); err != nil {
		return false
	}
	return angle >= 0 && angle <= 180
}

// Classify decides which validation rule applies to an outbound line.
// Lines starting with a digit use the legacy driver/channel valve addressing.
func Classify(raw string) Kind {
	switch {
	case strings.HasPrefix(raw, motorPrefix+","):
		return KindMotor
	case strings.HasPrefix(raw, valvePrefix+","):
		return KindValve
	case raw != "" && raw[0] >= '0' && raw[0] <= '9':
		return KindValve
	default:
		return KindToken
	}
}

// ValidateValveCommand applies the valve shape rule to either addressing form.
func ValidateValveCommand(raw string) bool {
	if strings.HasPrefix(raw, valvePrefix+",") {
		return indexedValvePattern.MatchString(raw)
	}
	return ValidateOutbound(raw)
}

// DecodeLine splits an inbound line into ordered key/value pairs.
// Parts without a key or without a value are skipped.
func DecodeLine(raw string) []Field {
	parts := strings.Split(strings.TrimSpace(raw), ",")
	fields := make([]Field, 0, len(parts))

	for _, part := range parts {
		key, value, _ := strings.Cut(part, ":")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		fields = append(fields, Field{Key: key, Value: value})
	}

	return fields
}
