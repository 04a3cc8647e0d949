// Package gpio provides single-line digital I/O with hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import "errors"

// ErrUnsupported is returned by the real constructors on non-Linux platforms.
var ErrUnsupported = errors.New("gpio: not supported on this platform (requires Linux)")

// ErrClosed is returned by operations on a released line.
var ErrClosed = errors.New("gpio: line closed")

// Line is one physical digital line. A Line is owned by exactly one component.
type Line interface {
	// Write drives an output line high (true) or low (false).
	Write(high bool) error

	// Read returns the electrical level of the line. For outputs this is the
	// last driven level.
	Read() (bool, error)

	// Close releases the line.
	Close() error
}
