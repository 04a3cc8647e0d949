// Package tsdb writes sensor readings to time-series storage.
//
// Writes are best effort: a Sink may buffer, batch and report failures
// asynchronously. Callers log returned errors and carry on.
package tsdb

import (
	"errors"
	"sync"

	"github.com/sweeney/roofctl/internal/sensor"
)

// Sink accepts readings.
type Sink interface {
	WriteReading(label, table string, r sensor.Reading) error
	Close() error
}

// Multi fans every reading out to several sinks.
type Multi []Sink

// WriteReading writes r to every sink and joins their errors.
func (m Multi) WriteReading(label, table string, r sensor.Reading) error {
	var errs []error
	for _, s := range m {
		if err := s.WriteReading(label, table, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink and joins their errors.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards readings.
type Nop struct{}

// WriteReading implements Sink.
func (Nop) WriteReading(string, string, sensor.Reading) error { return nil }

// Close implements Sink.
func (Nop) Close() error { return nil }

// Written is one reading recorded by Fake.
type Written struct {
	Label   string
	Table   string
	Reading sensor.Reading
}

// Fake records readings for tests.
type Fake struct {
	mu      sync.Mutex
	written []Written
	err     error
	closed  bool
}

// WriteReading implements Sink.
func (f *Fake) WriteReading(label, table string, r sensor.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.err != nil {
		return f.err
	}
	f.written = append(f.written, Written{Label: label, Table: table, Reading: r})
	return nil
}

// Close implements Sink.
func (f *Fake) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// SetError makes subsequent writes fail with err.
func (f *Fake) SetError(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// Written returns a copy of everything written so far.
func (f *Fake) Written() []Written {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Written(nil), f.written...)
}

// Labels returns the labels written so far, in order.
func (f *Fake) Labels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.written))
	for i, w := range f.written {
		out[i] = w.Label
	}
	return out
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
