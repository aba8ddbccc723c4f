package storage

import (
	"github.com/KevinKickass/OpenTestStand/internal/interlock"
	"github.com/KevinKickass/OpenTestStand/internal/streaming"
	"github.com/KevinKickass/OpenTestStand/internal/telemetry"
)

// Observe archives the engine events that have a table. It never blocks.
func (w *Writer) Observe(evt streaming.Event) {
	switch data := evt.Data.(type) {
	case telemetry.SensorFrame:
		w.RecordFrame(data)

	case streaming.CommandEvent:
		w.RecordCommand(data.Command, data.Time)

	case streaming.SequenceEvent:
		switch data.Phase {
		case streaming.PhaseStarted:
			w.RecordRunStarted(data.Run.ID, data.Run.Name, data.Run.Steps, data.Run.StartedAt)
		case streaming.PhaseCompleted:
			w.RecordRunCompleted(data.Run.ID, evt.Time)
		}

	case interlock.Event:
		readings := make(map[string]float64, len(data.Readings))
		for ch, v := range data.Readings {
			readings[string(ch)] = v
		}
		w.RecordInterlock(InterlockRecord{
			OccurredAt: evt.Time,
			State:      string(data.State),
			Readings:   readings,
			StartError: data.StartError,
		})
	}
}
