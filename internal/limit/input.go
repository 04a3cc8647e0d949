// Package limit samples the roof limit switch and debounces it in the
// background. Readers never block on the sampler beyond a brief read lock.
package limit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/sweeney/roofctl/internal/gpio"
	"github.com/sweeney/roofctl/internal/logic"
	"github.com/sweeney/roofctl/internal/metrics"
)

// Defaults for Options.
const (
	DefaultSampleInterval = 10 * time.Millisecond
	DefaultDebounceWindow = 50 * time.Millisecond
	DefaultJoinTimeout    = 500 * time.Millisecond
)

// ErrJoinTimeout is returned by Close when the sampler did not exit in time.
// The line is left open in that case.
var ErrJoinTimeout = errors.New("limit: sampler did not stop in time")

// Options configures a DebouncedInput.
type Options struct {
	Offset         int
	ActiveHigh     bool
	SampleInterval time.Duration
	// DebounceWindow of zero adopts every sample immediately.
	DebounceWindow time.Duration
	JoinTimeout    time.Duration

	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics *metrics.DoorMetrics
	// OnChange, if set, is called from the sampler after every stable-level change.
	OnChange func(active bool, at time.Time)

	afterSample func()
}

// Snapshot is a point-in-time view of the input.
type Snapshot struct {
	Raw        bool      `json:"raw"`
	Stable     bool      `json:"stable"`
	LastChange time.Time `json:"last_change"`
	ReadErrors uint64    `json:"read_errors"`
}

// Info describes the input for status reporting.
type Info struct {
	Offset     int   `json:"line"`
	ActiveHigh bool  `json:"active_high"`
	DebounceMS int64 `json:"debounce_ms"`
}

// DebouncedInput owns one input line and a sampler goroutine.
type DebouncedInput struct {
	line  gpio.Line
	opts  Options
	clock clockwork.Clock
	log   *slog.Logger
	warn  rate.Sometimes

	mu         sync.RWMutex
	deb        *logic.Debouncer
	readErrors uint64

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New creates a DebouncedInput and starts sampling immediately. The first
// sample is taken synchronously so Read is meaningful on return; if it fails
// the line is not released and the error is returned.
func New(line gpio.Line, opts Options) (*DebouncedInput, error) {
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = DefaultSampleInterval
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = DefaultJoinTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	in := &DebouncedInput{
		line:  line,
		opts:  opts,
		clock: opts.Clock,
		log:   opts.Logger.With("component", "limit", "line", opts.Offset),
		warn:  rate.Sometimes{First: 1, Interval: 30 * time.Second},
		deb:   logic.NewDebouncer(opts.DebounceWindow),
		done:  make(chan struct{}),
	}

	level, err := line.Read()
	if err != nil {
		return nil, fmt.Errorf("initial limit sample: %w", err)
	}
	in.deb.Step(logic.Normalize(level, opts.ActiveHigh), in.clock.Now())
	in.opts.Metrics.SetLimit(in.deb.Sample().Stable)

	ticker := in.clock.NewTicker(opts.SampleInterval)
	ctx, cancel := context.WithCancel(context.Background())
	in.cancel = cancel
	go in.run(ctx, ticker)
	return in, nil
}

func (in *DebouncedInput) run(ctx context.Context, ticker clockwork.Ticker) {
	defer close(in.done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			in.sample()
			if in.opts.afterSample != nil {
				in.opts.afterSample()
			}
		}
	}
}

func (in *DebouncedInput) sample() {
	level, err := in.line.Read()
	if err != nil {
		in.mu.Lock()
		in.readErrors++
		n := in.readErrors
		in.mu.Unlock()
		in.opts.Metrics.LimitReadError()
		in.warn.Do(func() {
			in.log.Warn("limit read failed, keeping last stable level", "error", err, "errors_total", n)
		})
		return
	}

	now := in.clock.Now()
	in.mu.Lock()
	changed := in.deb.Step(logic.Normalize(level, in.opts.ActiveHigh), now)
	stable := in.deb.Sample().Stable
	in.mu.Unlock()

	if changed {
		in.log.Info("limit changed", "active", stable)
		in.opts.Metrics.SetLimit(stable)
		if in.opts.OnChange != nil {
			in.opts.OnChange(stable, now)
		}
	}
}

// Read returns the debounced logical level.
func (in *DebouncedInput) Read() bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.deb.Sample().Stable
}

// Snapshot returns the current debounce state.
func (in *DebouncedInput) Snapshot() Snapshot {
	in.mu.RLock()
	defer in.mu.RUnlock()
	s := in.deb.Sample()
	return Snapshot{
		Raw:        s.Raw,
		Stable:     s.Stable,
		LastChange: s.LastChange,
		ReadErrors: in.readErrors,
	}
}

// Info returns the line metadata.
func (in *DebouncedInput) Info() Info {
	return Info{
		Offset:     in.opts.Offset,
		ActiveHigh: in.opts.ActiveHigh,
		DebounceMS: in.opts.DebounceWindow.Milliseconds(),
	}
}

// Close stops the sampler and releases the line. It waits at most the join
// timeout (or until ctx is done); the line is only released once the sampler
// has exited. Close is idempotent.
func (in *DebouncedInput) Close(ctx context.Context) error {
	in.closeOnce.Do(func() {
		in.cancel()

		timer := time.NewTimer(in.opts.JoinTimeout)
		defer timer.Stop()

		select {
		case <-in.done:
		case <-timer.C:
			in.closeErr = ErrJoinTimeout
			return
		case <-ctx.Done():
			in.closeErr = fmt.Errorf("%w: %w", ErrJoinTimeout, ctx.Err())
			return
		}

		if err := in.line.Close(); err != nil {
			in.closeErr = fmt.Errorf("release limit line: %w", err)
		}
	})
	return in.closeErr
}
