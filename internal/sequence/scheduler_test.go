package sequence

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type memJournal struct {
	lines   []string
	cleared int
}

func (j *memJournal) Append(msg string) { j.lines = append(j.lines, msg) }

func (j *memJournal) Clear() {
	j.lines = nil
	j.cleared++
}

func newTestScheduler(t *testing.T) (*Scheduler, *FakeTimers, *memJournal) {
	timers := NewFakeTimers()
	journal := &memJournal{}
	return NewScheduler(timers, journal, zaptest.NewLogger(t), Hooks{}), timers, journal
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func TestStart_CumulativeOffsets(t *testing.T) {
	s, timers, journal := newTestScheduler(t)

	var firedAt []time.Duration
	record := func() error { firedAt = append(firedAt, timers.Now()); return nil }

	_, err := s.Start("A", []Step{
		{Message: "one", Delay: ms(100), Action: record},
		{Message: "two", Delay: ms(200), Action: record},
		{Message: "three", Delay: ms(50), Action: record},
	})
	require.NoError(t, err)
	assert.Equal(t, "A", s.Active())

	timers.Advance(ms(1000))

	assert.Equal(t, []time.Duration{ms(100), ms(300), ms(350)}, firedAt)
	assert.Equal(t, "", s.Active())
	assert.Equal(t, []string{
		"Initiating sequence: A",
		"one",
		"two",
		"three",
		"Sequence A complete.",
	}, journal.lines)
}

func TestStart_ConflictLeavesTimersUntouched(t *testing.T) {
	s, timers, _ := newTestScheduler(t)

	_, err := s.Start("A", []Step{{Message: "x", Delay: ms(100)}, {Message: "y", Delay: ms(100)}})
	require.NoError(t, err)
	require.Equal(t, 2, timers.Pending())

	_, err = s.Start("B", []Step{{Message: "z", Delay: ms(10)}})
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "A", conflict.Active)
	assert.Equal(t, 2, timers.Pending())

	timers.Advance(ms(200))
	assert.Equal(t, []time.Duration{ms(100), ms(200)}, timers.Fired)
}

func TestStart_AfterCompletionSucceeds(t *testing.T) {
	s, timers, journal := newTestScheduler(t)

	_, err := s.Start("A", []Step{{Message: "x", Delay: ms(10)}})
	require.NoError(t, err)
	timers.Advance(ms(10))

	_, err = s.Start("B", []Step{{Message: "y", Delay: ms(10)}})
	require.NoError(t, err)
	assert.Equal(t, 2, journal.cleared)
	assert.Equal(t, []string{"Initiating sequence: B"}, journal.lines)
}

func TestCancelAll_StaleCallbacksAreNoops(t *testing.T) {
	s, timers, journal := newTestScheduler(t)

	called := false
	_, err := s.Start("A", []Step{
		{Message: "first", Delay: ms(10)},
		{Message: "second", Delay: ms(10), Action: func() error { called = true; return nil }},
	})
	require.NoError(t, err)

	timers.Advance(ms(10))
	s.CancelAll()
	timers.Advance(ms(100))

	assert.False(t, called)
	assert.Equal(t, "", s.Active())
	// the journal is kept
	assert.Equal(t, []string{"Initiating sequence: A", "first"}, journal.lines)
}

func TestStart_EmptyStepsCompletesImmediately(t *testing.T) {
	s, _, journal := newTestScheduler(t)

	_, err := s.Start("Empty", nil)
	require.NoError(t, err)
	assert.Equal(t, "", s.Active())
	assert.Equal(t, []string{"Initiating sequence: Empty", "Sequence Empty complete."}, journal.lines)
}

func TestStep_ActionErrorIsLogged(t *testing.T) {
	s, timers, journal := newTestScheduler(t)

	_, err := s.Start("A", []Step{{Message: "send", Delay: ms(5), Action: func() error {
		return errors.New("not connected")
	}}})
	require.NoError(t, err)
	timers.Advance(ms(5))

	assert.Contains(t, journal.lines, "Step failed: not connected")
	assert.Equal(t, "", s.Active())
}

func TestStep_ReentrantStartIsRejected(t *testing.T) {
	s, timers, _ := newTestScheduler(t)

	var inner error
	_, err := s.Start("A", []Step{{Message: "last", Delay: ms(5), Action: func() error {
		_, inner = s.Start("B", nil)
		return nil
	}}})
	require.NoError(t, err)
	timers.Advance(ms(5))

	var conflict *ConflictError
	assert.True(t, errors.As(inner, &conflict))
	assert.Equal(t, "", s.Active())
}

func TestHooks(t *testing.T) {
	timers := NewFakeTimers()
	var started, completed []string
	steps := 0
	s := NewScheduler(timers, &memJournal{}, nil, Hooks{
		OnStart:    func(r Run) { started = append(started, r.Name) },
		OnStep:     func(Run, int, Step, error) { steps++ },
		OnComplete: func(r Run) { completed = append(completed, r.Name) },
	})

	_, err := s.Start("A", []Step{{Delay: ms(1)}, {Delay: ms(1)}})
	require.NoError(t, err)
	timers.Advance(ms(5))

	assert.Equal(t, []string{"A"}, started)
	assert.Equal(t, []string{"A"}, completed)
	assert.Equal(t, 2, steps)
}
