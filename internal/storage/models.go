package storage

import (
	"time"

	"github.com/google/uuid"
)

// FrameRecord is one merged sensor frame. Nil channels were never reported.
type FrameRecord struct {
	RecordedAt time.Time `json:"recorded_at"`
	PT1        *float64  `json:"pt1"`
	PT2        *float64  `json:"pt2"`
	PT3        *float64  `json:"pt3"`
	PT4        *float64  `json:"pt4"`
	Flow1      *float64  `json:"flow1"`
	Flow2      *float64  `json:"flow2"`
	TC1        *float64  `json:"tc1"`
}

type CommandRecord struct {
	ID      int64     `json:"id"`
	SentAt  time.Time `json:"sent_at"`
	Command string    `json:"command"`
}

type SequenceRunRecord struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	Steps       int        `json:"steps"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

type InterlockRecord struct {
	OccurredAt time.Time          `json:"occurred_at"`
	State      string             `json:"state"`
	Readings   map[string]float64 `json:"readings"`
	StartError string             `json:"start_error,omitempty"`
}
