//go:build linux

package estop

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealReader reads the button from the Linux GPIO character device.
type RealReader struct {
	chip      *gpiocdev.Chip
	line      *gpiocdev.Line
	activeLow bool
}

// NewRealReader requests pin on chip as input. With activeLow the button
// pulls the line to ground and a pull-up is enabled.
func NewRealReader(chipName string, pin int, activeLow bool) (*RealReader, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	bias := gpiocdev.WithPullDown
	if activeLow {
		bias = gpiocdev.WithPullUp
	}

	line, err := chip.RequestLine(pin, gpiocdev.AsInput, bias)
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request e-stop pin %d: %w", pin, err)
	}

	return &RealReader{chip: chip, line: line, activeLow: activeLow}, nil
}

func (r *RealReader) Pressed() (bool, error) {
	raw, err := r.line.Value()
	if err != nil {
		return false, fmt.Errorf("read e-stop pin: %w", err)
	}
	if r.activeLow {
		return raw == 0, nil
	}
	return raw == 1, nil
}

// Close releases the line and the chip.
func (r *RealReader) Close() error {
	var errs []error
	if r.line != nil {
		if err := r.line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pin: %w", err))
		}
	}
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
