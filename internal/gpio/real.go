//go:build linux

package gpio

import (
	"errors"
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealLine drives or samples one line on a Linux GPIO character device.
type RealLine struct {
	line   *gpiocdev.Line
	output bool
}

// OpenOutput requests offset on chip as an output, initially low.
func OpenOutput(chip string, offset int) (*RealLine, error) {
	l, err := gpiocdev.RequestLine(chip, offset, gpiocdev.AsOutput(0), gpiocdev.WithConsumer("roofctl"))
	if err != nil {
		return nil, fmt.Errorf("request output line %d on %s: %w", offset, chip, err)
	}
	return &RealLine{line: l, output: true}, nil
}

// OpenInput requests offset on chip as an input.
func OpenInput(chip string, offset int) (*RealLine, error) {
	l, err := gpiocdev.RequestLine(chip, offset, gpiocdev.AsInput, gpiocdev.WithConsumer("roofctl"))
	if err != nil {
		return nil, fmt.Errorf("request input line %d on %s: %w", offset, chip, err)
	}
	return &RealLine{line: l}, nil
}

// Write sets the output level.
func (r *RealLine) Write(high bool) error {
	if !r.output {
		return fmt.Errorf("write line %d: not an output", r.line.Offset())
	}
	v := 0
	if high {
		v = 1
	}
	if err := r.line.SetValue(v); err != nil {
		return fmt.Errorf("write line %d: %w", r.line.Offset(), err)
	}
	return nil
}

// Read returns the current line level.
func (r *RealLine) Read() (bool, error) {
	v, err := r.line.Value()
	if err != nil {
		return false, fmt.Errorf("read line %d: %w", r.line.Offset(), err)
	}
	return v == 1, nil
}

// Close drives outputs low, returns the line to input and releases it so the
// relay driver is not left energised across a restart.
func (r *RealLine) Close() error {
	var errs []error
	if r.output {
		if err := r.line.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("drive low: %w", err))
		}
	}
	if err := r.line.Reconfigure(gpiocdev.AsInput); err != nil {
		errs = append(errs, fmt.Errorf("reconfigure: %w", err))
	}
	if err := r.line.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close line %d: %w", r.line.Offset(), err)
	}
	return nil
}
