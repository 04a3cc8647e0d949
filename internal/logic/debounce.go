package logic

import "time"

// DebounceSample is the debounce state of one digital input.
type DebounceSample struct {
	// Raw is the most recent logical level observed.
	Raw bool
	// Stable is the debounced level.
	Stable bool
	// LastChange is when Raw last changed value.
	LastChange time.Time
}

// Debouncer applies a fixed debounce window to a stream of samples.
// It is not safe for concurrent use; the owner serialises Step calls.
type Debouncer struct {
	window time.Duration
	state  DebounceSample
	seeded bool
}

// NewDebouncer creates a debouncer with the given window.
func NewDebouncer(window time.Duration) *Debouncer {
	if window < 0 {
		window = 0
	}
	return &Debouncer{window: window}
}

// Step feeds one logical sample taken at now and reports whether the stable
// level changed. The first sample seeds both raw and stable levels.
//
// Stable adopts raw only once raw has been unchanged for at least the window.
func (d *Debouncer) Step(raw bool, now time.Time) bool {
	if !d.seeded {
		d.state = DebounceSample{Raw: raw, Stable: raw, LastChange: now}
		d.seeded = true
		return false
	}

	if raw != d.state.Raw {
		d.state.Raw = raw
		d.state.LastChange = now
	}

	if d.state.Stable != d.state.Raw && now.Sub(d.state.LastChange) >= d.window {
		d.state.Stable = d.state.Raw
		return true
	}
	return false
}

// Sample returns the current debounce state.
func (d *Debouncer) Sample() DebounceSample {
	return d.state
}

// Seeded reports whether at least one sample has been processed.
func (d *Debouncer) Seeded() bool {
	return d.seeded
}

// Window returns the configured debounce window.
func (d *Debouncer) Window() time.Duration {
	return d.window
}

// Normalize converts an electrical level to a logical one for the given polarity.
func Normalize(level, activeHigh bool) bool {
	if activeHigh {
		return level
	}
	return !level
}
