// Package estop watches a hardware emergency-stop button on a GPIO line.
// The real reader uses the Linux GPIO character device; FakeReader allows
// testing without hardware.
package estop

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Reader reports whether the button is pressed (already in logical form).
type Reader interface {
	Pressed() (bool, error)
	Close() error
}

const (
	DefaultPollInterval = 20 * time.Millisecond
	// DebounceSamples consecutive equal samples are needed to accept a change.
	DebounceSamples = 3
)

// Watcher polls a Reader and calls onPress once per debounced press.
type Watcher struct {
	reader   Reader
	interval time.Duration
	onPress  func()
	logger   *zap.Logger

	stable  bool
	pending bool
	count   int
	failing bool
}

func NewWatcher(reader Reader, interval time.Duration, onPress func(), logger *zap.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		reader:   reader,
		interval: interval,
		onPress:  onPress,
		logger:   logger,
	}
}

// Run polls until ctx is done. Read errors are logged once per outage and
// never count as a press.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("E-stop watcher started", zap.Duration("interval", w.interval))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Sample()
		}
	}
}

// Sample takes one reading and applies debouncing.
func (w *Watcher) Sample() {
	pressed, err := w.reader.Pressed()
	if err != nil {
		if !w.failing {
			w.logger.Error("E-stop read failed", zap.Error(err))
			w.failing = true
		}
		return
	}
	if w.failing {
		w.logger.Info("E-stop read recovered")
		w.failing = false
	}

	if pressed != w.pending {
		w.pending = pressed
		w.count = 1
	} else if w.count < DebounceSamples {
		w.count++
	}

	if w.count < DebounceSamples || w.pending == w.stable {
		return
	}

	w.stable = w.pending
	if w.stable {
		w.logger.Warn("E-stop pressed")
		if w.onPress != nil {
			w.onPress()
		}
	} else {
		w.logger.Info("E-stop released")
	}
}

// Pressed returns the debounced state.
func (w *Watcher) Pressed() bool {
	return w.stable
}
