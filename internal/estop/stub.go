//go:build !linux

package estop

import "errors"

// RealReader is not available on non-Linux platforms.
type RealReader struct{}

// NewRealReader returns an error on non-Linux platforms.
func NewRealReader(chipName string, pin int, activeLow bool) (*RealReader, error) {
	return nil, errors.New("estop: gpio not supported on this platform (requires Linux)")
}

func (r *RealReader) Pressed() (bool, error) {
	return false, errors.New("estop: gpio not supported")
}

func (r *RealReader) Close() error {
	return nil
}
