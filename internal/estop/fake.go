package estop

import (
	"errors"
	"sync"
)

// FakeReader is a test double that returns scripted samples.
type FakeReader struct {
	mu sync.Mutex

	// Samples are returned in order; the last one repeats.
	Samples []bool
	index   int

	// ReadError, if set, will be returned by Pressed().
	ReadError error

	Closed bool
}

func NewFakeReader(samples ...bool) *FakeReader {
	return &FakeReader{Samples: samples}
}

func (f *FakeReader) Pressed() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ReadError != nil {
		return false, f.ReadError
	}
	if len(f.Samples) == 0 {
		return false, errors.New("no samples configured")
	}

	s := f.Samples[f.index]
	if f.index < len(f.Samples)-1 {
		f.index++
	}
	return s, nil
}

func (f *FakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}
