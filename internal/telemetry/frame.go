package telemetry

import (
	"encoding/json"
	"time"
)

type Channel string

const (
	PT1   Channel = "pt1"
	PT2   Channel = "pt2"
	PT3   Channel = "pt3"
	PT4   Channel = "pt4"
	Flow1 Channel = "flow1"
	Flow2 Channel = "flow2"
	TC1   Channel = "tc1"
)

// Channels lists all sensor channels in wire and CSV column order.
var Channels = [...]Channel{PT1, PT2, PT3, PT4, Flow1, Flow2, TC1}

const numChannels = len(Channels)

func (c Channel) index() (int, bool) {
	for i, ch := range Channels {
		if ch == c {
			return i, true
		}
	}
	return 0, false
}

// ParseChannel reports whether key names a known sensor channel.
func ParseChannel(key string) (Channel, bool) {
	ch := Channel(key)
	if _, ok := ch.index(); ok {
		return ch, true
	}
	return "", false
}

// SensorUpdate is a partial set of readings decoded from one line.
type SensorUpdate map[Channel]float64

// SensorFrame is an immutable snapshot of all known readings.
// Channels that were never reported are absent.
type SensorFrame struct {
	readings  [numChannels]float64
	present   [numChannels]bool
	Timestamp time.Time
}

// Reading returns the value of ch and whether it has ever been reported.
func (f SensorFrame) Reading(ch Channel) (float64, bool) {
	i, ok := ch.index()
	if !ok || !f.present[i] {
		return 0, false
	}
	return f.readings[i], true
}

// Empty reports whether no channel has been reported yet.
func (f SensorFrame) Empty() bool {
	for _, p := range f.present {
		if p {
			return false
		}
	}
	return true
}

// Merge returns a new frame with the updated channels overwritten and the
// timestamp set to at. An empty update returns f unchanged.
func (f SensorFrame) Merge(update SensorUpdate, at time.Time) SensorFrame {
	if len(update) == 0 {
		return f
	}

	next := f
	for ch, value := range update {
		i, ok := ch.index()
		if !ok {
			continue
		}
		next.readings[i] = value
		next.present[i] = true
	}
	next.Timestamp = at
	return next
}

// Values returns the known readings keyed by channel.
func (f SensorFrame) Values() map[Channel]float64 {
	out := make(map[Channel]float64, numChannels)
	for i, ch := range Channels {
		if f.present[i] {
			out[ch] = f.readings[i]
		}
	}
	return out
}

// MarshalJSON renders absent channels as null and the timestamp in unix milliseconds.
func (f SensorFrame) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, numChannels+1)
	for i, ch := range Channels {
		if f.present[i] {
			out[string(ch)] = f.readings[i]
		} else {
			out[string(ch)] = nil
		}
	}
	if f.Timestamp.IsZero() {
		out["timestamp"] = nil
	} else {
		out["timestamp"] = f.Timestamp.UnixMilli()
	}
	return json.Marshal(out)
}
