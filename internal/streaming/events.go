package streaming

import (
	"time"

	"github.com/KevinKickass/OpenTestStand/internal/sequence"
)

// Payloads carried in Event.Data besides the core types
// (telemetry.SensorFrame, []actuator.Valve, []actuator.Motor,
// eventlog.Entry, interlock.Event).

type LinkEvent struct {
	Status   string `json:"status"`
	Endpoint string `json:"endpoint,omitempty"`
	Error    string `json:"error,omitempty"`
}

type SequencePhase string

const (
	PhaseStarted   SequencePhase = "started"
	PhaseStep      SequencePhase = "step"
	PhaseCompleted SequencePhase = "completed"
)

type SequenceEvent struct {
	Phase   SequencePhase `json:"phase"`
	Run     sequence.Run  `json:"run"`
	Step    int           `json:"step,omitempty"`
	Message string        `json:"message,omitempty"`
	Error   string        `json:"error,omitempty"`
}

type CommandEvent struct {
	Command string    `json:"command"`
	Time    time.Time `json:"time"`
}

type RecordingEvent struct {
	Active bool   `json:"active"`
	Path   string `json:"path,omitempty"`
	Error  string `json:"error,omitempty"`
}
