package gpio

import (
	"sync"
	"time"
)

// FakeLine is a test double for a single line. It is safe for concurrent use.
type FakeLine struct {
	mu     sync.Mutex
	level  bool
	writes []WriteRecord
	closed bool

	// WriteError, if set, is returned by Write and the level is left unchanged.
	WriteError error
	// ReadError, if set, is returned by Read.
	ReadError error
	// OnWrite, if set, is called after every successful write with the new level.
	// It runs while the writer still holds any caller-side lock, so it observes
	// writes in the order they happened.
	OnWrite func(high bool)
}

// WriteRecord is one recorded Write call.
type WriteRecord struct {
	High bool
	At   time.Time
}

// NewFakeLine creates a FakeLine at the given initial level.
func NewFakeLine(initial bool) *FakeLine {
	return &FakeLine{level: initial}
}

// Write records the write and updates the level.
func (f *FakeLine) Write(high bool) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	if f.WriteError != nil {
		err := f.WriteError
		f.mu.Unlock()
		return err
	}
	f.level = high
	f.writes = append(f.writes, WriteRecord{High: high, At: time.Now()})
	hook := f.OnWrite
	f.mu.Unlock()

	if hook != nil {
		hook(high)
	}
	return nil
}

// Read returns the current level.
func (f *FakeLine) Read() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false, ErrClosed
	}
	if f.ReadError != nil {
		return false, f.ReadError
	}
	return f.level, nil
}

// Close marks the line as released.
func (f *FakeLine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// SetLevel changes the level an input line reports.
func (f *FakeLine) SetLevel(high bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.level = high
}

// SetReadError changes the error returned by Read.
func (f *FakeLine) SetReadError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ReadError = err
}

// SetWriteError changes the error returned by Write.
func (f *FakeLine) SetWriteError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.WriteError = err
}

// Level returns the current level without error handling.
func (f *FakeLine) Level() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.level
}

// Writes returns a copy of all recorded writes.
func (f *FakeLine) Writes() []WriteRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]WriteRecord, len(f.writes))
	copy(out, f.writes)
	return out
}

// Closed reports whether Close was called.
func (f *FakeLine) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
