//go:build !linux

package gpio

// RealLine is not available on non-Linux platforms.
type RealLine struct{}

// OpenOutput returns ErrUnsupported on non-Linux platforms.
func OpenOutput(chip string, offset int) (*RealLine, error) {
	return nil, ErrUnsupported
}

// OpenInput returns ErrUnsupported on non-Linux platforms.
func OpenInput(chip string, offset int) (*RealLine, error) {
	return nil, ErrUnsupported
}

// Write is not implemented on non-Linux platforms.
func (r *RealLine) Write(bool) error {
	return ErrUnsupported
}

// Read is not implemented on non-Linux platforms.
func (r *RealLine) Read() (bool, error) {
	return false, ErrUnsupported
}

// Close is not implemented on non-Linux platforms.
func (r *RealLine) Close() error {
	return nil
}
