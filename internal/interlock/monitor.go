// Package interlock watches pressure channels and forces the stand into a safe
// state when a limit is exceeded.
package interlock

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenTestStand/internal/telemetry"
)

type State string

const (
	StateArmed   State = "ARMED"
	StateTripped State = "TRIPPED"
)

const DefaultPressureLimit = 850.0

// Starter requests an autonomous sequence start. A rejected start is not
// retried.
type Starter interface {
	StartSequence(name string) error
}

type Journal interface {
	Append(msg string)
}

type Config struct {
	Limit float64
	// ResetLimit is the level both channels must fall strictly below to
	// re-arm. Zero means Limit.
	ResetLimit float64
	Channels   []telemetry.Channel
	Sequence   string
}

// Event describes a state transition.
type Event struct {
	State    State                         `json:"state"`
	Readings map[telemetry.Channel]float64 `json:"readings"`
	Time     time.Time                     `json:"time"`
	// StartError is set when the abort sequence could not be started.
	StartError string `json:"start_error,omitempty"`
}

// Monitor is owned by the engine loop.
type Monitor struct {
	cfg      Config
	state    State
	starter  Starter
	journal  Journal
	logger   *zap.Logger
	onChange func(Event)
}

func NewMonitor(cfg Config, starter Starter, journal Journal, logger *zap.Logger, onChange func(Event)) *Monitor {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultPressureLimit
	}
	if cfg.ResetLimit <= 0 {
		cfg.ResetLimit = cfg.Limit
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = []telemetry.Channel{telemetry.PT1, telemetry.PT2}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:      cfg,
		state:    StateArmed,
		starter:  starter,
		journal:  journal,
		logger:   logger,
		onChange: onChange,
	}
}

func (m *Monitor) State() State {
	return m.state
}

func (m *Monitor) Tripped() bool {
	return m.state == StateTripped
}

func (m *Monitor) Config() Config {
	return m.cfg
}

// Observe evaluates a freshly merged frame. A channel that has never been
// reported neither breaches nor counts as below the reset limit.
func (m *Monitor) Observe(frame telemetry.SensorFrame) {
	switch m.state {
	case StateArmed:
		if m.breached(frame) {
			m.trip(frame)
		}
	case StateTripped:
		if m.cleared(frame) {
			m.rearm(frame)
		}
	}
}

func (m *Monitor) breached(frame telemetry.SensorFrame) bool {
	for _, ch := range m.cfg.Channels {
		if v, ok := frame.Reading(ch); ok && v > m.cfg.Limit {
			return true
		}
	}
	return false
}

func (m *Monitor) cleared(frame telemetry.SensorFrame) bool {
	for _, ch := range m.cfg.Channels {
		v, ok := frame.Reading(ch)
		if !ok || v >= m.cfg.ResetLimit {
			return false
		}
	}
	return true
}

func (m *Monitor) trip(frame telemetry.SensorFrame) {
	m.state = StateTripped

	event := m.event(frame)
	m.logger.Warn("Interlock tripped",
		zap.Float64("limit", m.cfg.Limit),
		zap.Any("readings", event.Readings))

	// a successful start clears the journal, so the alarm line goes in afterwards
	err := m.starter.StartSequence(m.cfg.Sequence)
	m.journal.Append(fmt.Sprintf("!!! CRITICAL PRESSURE DETECTED (%s) !!!", m.describe(frame)))
	if err != nil {
		event.StartError = err.Error()
		m.logger.Error("Interlock could not start abort sequence",
			zap.String("sequence", m.cfg.Sequence),
			zap.Error(err))
	}

	if m.onChange != nil {
		m.onChange(event)
	}
}

func (m *Monitor) rearm(frame telemetry.SensorFrame) {
	m.state = StateArmed
	m.logger.Info("Interlock re-armed", zap.Float64("reset_limit", m.cfg.ResetLimit))
	if m.onChange != nil {
		m.onChange(m.event(frame))
	}
}

func (m *Monitor) event(frame telemetry.SensorFrame) Event {
	readings := make(map[telemetry.Channel]float64, len(m.cfg.Channels))
	for _, ch := range m.cfg.Channels {
		if v, ok := frame.Reading(ch); ok {
			readings[ch] = v
		}
	}
	return Event{State: m.state, Readings: readings, Time: frame.Timestamp}
}

func (m *Monitor) describe(frame telemetry.SensorFrame) string {
	parts := make([]string, 0, len(m.cfg.Channels))
	for _, ch := range m.cfg.Channels {
		label := strings.ToUpper(string(ch))
		if v, ok := frame.Reading(ch); ok {
			parts = append(parts, fmt.Sprintf("%s: %.0f", label, v))
		} else {
			parts = append(parts, label+": n/a")
		}
	}
	return strings.Join(parts, ", ")
}
