// Package recorder writes sensor updates to CSV files while recording is on.
package recorder

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenTestStand/internal/telemetry"
)

var ErrNotRecording = errors.New("recording is not active")

// Header is the fixed column layout of every log file.
var Header = []string{"timestamp", "pt1", "pt2", "pt3", "pt4", "flow1", "flow2", "tc1"}

// Recorder is owned by the engine loop.
type Recorder struct {
	dir    string
	now    func() time.Time
	logger *zap.Logger

	file *os.File
	w    *csv.Writer
	path string
	rows int
}

func New(dir string, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{dir: dir, now: time.Now, logger: logger}
}

func (r *Recorder) Active() bool {
	return r.file != nil
}

// Path returns the file being written, or "".
func (r *Recorder) Path() string {
	return r.path
}

func (r *Recorder) Rows() int {
	return r.rows
}

// FileName returns rocket-log-YYYYMMDD-HHMMSS.csv for t.
func FileName(t time.Time) string {
	return fmt.Sprintf("rocket-log-%s.csv", t.Format("20060102-150405"))
}

// Start creates a new log file and writes the header. Starting while active
// keeps the current file.
func (r *Recorder) Start() (string, error) {
	if r.file != nil {
		return r.path, nil
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}

	path := filepath.Join(r.dir, FileName(r.now()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create log file: %w", err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(Header); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write header: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write header: %w", err)
	}

	r.file, r.w, r.path, r.rows = f, w, path, 0
	r.logger.Info("Recording started", zap.String("path", path))
	return path, nil
}

// Write appends one row for the channels carried by update. Channels not in
// the update are left blank.
func (r *Recorder) Write(at time.Time, update telemetry.SensorUpdate) error {
	if r.file == nil {
		return ErrNotRecording
	}

	row := make([]string, 0, len(Header))
	row = append(row, strconv.FormatInt(at.UnixMilli(), 10))
	for _, ch := range telemetry.Channels {
		if v, ok := update[ch]; ok {
			row = append(row, strconv.FormatFloat(v, 'f', -1, 64))
		} else {
			row = append(row, "")
		}
	}

	if err := r.w.Write(row); err != nil {
		return err
	}
	r.w.Flush()
	if err := r.w.Error(); err != nil {
		return err
	}
	r.rows++
	return nil
}

// Stop flushes and closes the file. Stopping while idle is a no-op.
func (r *Recorder) Stop() error {
	if r.file == nil {
		return nil
	}

	r.w.Flush()
	flushErr := r.w.Error()
	closeErr := r.file.Close()

	r.logger.Info("Recording stopped", zap.String("path", r.path), zap.Int("rows", r.rows))
	r.file, r.w, r.path = nil, nil, ""

	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
