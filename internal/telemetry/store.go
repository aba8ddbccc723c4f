package telemetry

import "time"

// DefaultHistorySize matches the chart window of the operator dashboard.
const DefaultHistorySize = 100

// Store holds the latest merged frame and a bounded history of frames.
// It is owned by the engine loop.
type Store struct {
	current SensorFrame
	history []SensorFrame
	limit   int
}

func NewStore(historySize int) *Store {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Store{
		history: make([]SensorFrame, 0, historySize),
		limit:   historySize,
	}
}

// Apply merges update into the current frame. The boolean is false when the
// update carried no readings and nothing was replaced.
func (s *Store) Apply(update SensorUpdate, at time.Time) (SensorFrame, bool) {
	if len(update) == 0 {
		return s.current, false
	}

	s.current = s.current.Merge(update, at)

	if len(s.history) == s.limit {
		copy(s.history, s.history[1:])
		s.history = s.history[:s.limit-1]
	}
	s.history = append(s.history, s.current)

	return s.current, true
}

func (s *Store) Current() SensorFrame {
	return s.current
}

// History returns the retained frames, oldest first.
func (s *Store) History() []SensorFrame {
	out := make([]SensorFrame, len(s.history))
	copy(out, s.history)
	return out
}
