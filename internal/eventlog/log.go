// Package eventlog keeps the operator-facing log shown next to the sequence panel.
package eventlog

import (
	"fmt"
	"sync"
	"time"
)

const (
	DefaultCapacity = 500
	StandbyMessage  = "System standby. Select a sequence to begin."
)

type Entry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// String renders the entry as "[15:04:05] message".
func (e Entry) String() string {
	return fmt.Sprintf("[%s] %s", e.Time.Format("15:04:05"), e.Message)
}

// Listener is called synchronously for every appended entry.
type Listener func(Entry)

type Log struct {
	mu        sync.RWMutex
	entries   []Entry
	capacity  int
	now       func() time.Time
	listeners []Listener
}

type Option func(*Log)

// WithClock replaces time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

func WithCapacity(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.capacity = n
		}
	}
}

// New returns a log that already holds the standby entry.
func New(opts ...Option) *Log {
	l := &Log{
		capacity: DefaultCapacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.Append(StandbyMessage)
	return l
}

// Subscribe registers fn for all later entries.
func (l *Log) Subscribe(fn Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

func (l *Log) Append(msg string) {
	entry := Entry{Time: l.now(), Message: msg}

	l.mu.Lock()
	if len(l.entries) == l.capacity {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:l.capacity-1]
	}
	l.entries = append(l.entries, entry)
	listeners := l.listeners
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(entry)
	}
}

func (l *Log) Appendf(format string, args ...any) {
	l.Append(fmt.Sprintf(format, args...))
}

// Clear drops all entries. Listeners are kept.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = l.entries[:0]
}

func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Lines returns the formatted entries, oldest first.
func (l *Log) Lines() []string {
	entries := l.Entries()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.String()
	}
	return out
}
