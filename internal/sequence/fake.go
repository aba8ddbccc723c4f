package sequence

import (
	"sort"
	"time"
)

// FakeTimers is a manual clock for tests. Callbacks run synchronously inside
// Advance, in due-time order.
type FakeTimers struct {
	now    time.Duration
	seq    int
	timers []*fakeTimer

	// Fired records the elapsed time of every callback that ran.
	Fired []time.Duration
}

type fakeTimer struct {
	due     time.Duration
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func NewFakeTimers() *FakeTimers {
	return &FakeTimers{}
}

func (f *FakeTimers) AfterFunc(d time.Duration, fn func()) Timer {
	f.seq++
	t := &fakeTimer{due: f.now + d, seq: f.seq, fn: fn}
	f.timers = append(f.timers, t)
	return t
}

// Now returns the elapsed fake time.
func (f *FakeTimers) Now() time.Duration {
	return f.now
}

// Pending counts timers that are neither fired nor stopped.
func (f *FakeTimers) Pending() int {
	n := 0
	for _, t := range f.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// Advance moves time forward by d and runs every timer that became due.
// Timers scheduled by callbacks are honoured if they fall inside the window.
func (f *FakeTimers) Advance(d time.Duration) {
	target := f.now + d
	for {
		next := f.nextDue(target)
		if next == nil {
			break
		}
		f.now = next.due
		next.fired = true
		f.Fired = append(f.Fired, f.now)
		next.fn()
	}
	f.now = target
}

func (f *FakeTimers) nextDue(limit time.Duration) *fakeTimer {
	var due []*fakeTimer
	for _, t := range f.timers {
		if !t.stopped && !t.fired && t.due <= limit {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].due != due[j].due {
			return due[i].due < due[j].due
		}
		return due[i].seq < due[j].seq
	})
	return due[0]
}
