// Package door drives the enclosure roof through two mutually exclusive
// outputs, OPEN and CLOSE.
//
// Operations are serialized: a Pulse or Hold waits until the previous one has
// finished, and a Pulse keeps exclusive ownership of the actuator for its
// whole duration. Stop never waits; it pre-empts an in-flight pulse.
//
// All line writes happen under one lock scoped to the whole actuator, and the
// inactive line is always driven low before the active one is driven high, so
// at no instant are both outputs asserted.
package door

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	apperrors "github.com/sweeney/roofctl/internal/errors"
	"github.com/sweeney/roofctl/internal/gpio"
	"github.com/sweeney/roofctl/internal/logic"
	"github.com/sweeney/roofctl/internal/metrics"
)

// MinPulse is the shortest accepted pulse.
const MinPulse = time.Millisecond

// Options configures an Actuator.
type Options struct {
	// OpenOffset and CloseOffset are reported in Status only.
	OpenOffset  int
	CloseOffset int
	// MaxPulse is the pulse ceiling.
	MaxPulse time.Duration

	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics *metrics.DoorMetrics
	// OnEvent, if set, is called after every state change, outside any lock.
	OnEvent func(logic.Event)
}

// Status is a point-in-time view of the actuator.
type Status struct {
	State       logic.ActuatorState `json:"state"`
	OpenOffset  int                 `json:"line_open"`
	CloseOffset int                 `json:"line_close"`
	OpenLevel   bool                `json:"open_value"`
	CloseLevel  bool                `json:"close_value"`
}

// Actuator owns the OPEN and CLOSE output lines.
type Actuator struct {
	open  gpio.Line
	close gpio.Line
	opts  Options
	clock clockwork.Clock
	log   *slog.Logger

	// sem serializes Pulse and Hold. It is held for the whole pulse.
	sem chan struct{}

	// mu guards every line write and the fields below.
	mu         sync.RWMutex
	state      logic.ActuatorState
	openLevel  bool
	closeLevel bool
	cancel     chan struct{}
	closed     bool
}

// New creates an Actuator. Both lines are driven low before it is returned.
func New(open, close gpio.Line, opts Options) (*Actuator, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxPulse < MinPulse {
		return nil, fmt.Errorf("max pulse %v is below %v", opts.MaxPulse, MinPulse)
	}

	a := &Actuator{
		open:  open,
		close: close,
		opts:  opts,
		clock: opts.Clock,
		log:   opts.Logger.With("component", "door"),
		sem:   make(chan struct{}, 1),
		state: logic.StateIdle,
	}

	a.mu.Lock()
	err := a.releaseLocked()
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	a.opts.Metrics.SetState(string(logic.StateIdle), stateNames())
	return a, nil
}

// ParseTarget parses "open" or "close", returning an InvalidArgument error otherwise.
func ParseTarget(s string) (logic.Target, error) {
	t, err := logic.ParseTarget(s)
	if err != nil {
		return "", apperrors.InvalidArgumentError(err.Error()).WithContext("target", s)
	}
	return t, nil
}

// ValidateDuration checks d against the configured bounds.
func (a *Actuator) ValidateDuration(d time.Duration) error {
	if d < MinPulse || d > a.opts.MaxPulse {
		return apperrors.InvalidArgumentError(
			fmt.Sprintf("pulse duration must be %d..%d ms", MinPulse.Milliseconds(), a.opts.MaxPulse.Milliseconds())).
			WithContext("ms", d.Milliseconds()).
			WithContext("max_ms", a.opts.MaxPulse.Milliseconds())
	}
	return nil
}

// Pulse asserts target for d, then returns both lines low and the state to idle.
//
// If another Pulse or Hold is in progress, Pulse waits for it to finish. It
// returns early without error when Stop pre-empts it, and with ctx.Err() when
// ctx is cancelled; in every case both lines are low on return unless a later
// operation has already taken over.
func (a *Actuator) Pulse(ctx context.Context, target logic.Target, d time.Duration) error {
	if err := a.ValidateDuration(d); err != nil {
		a.opts.Metrics.ObserveOperation("pulse", "invalid")
		return err
	}
	if err := a.acquire(ctx); err != nil {
		return err
	}
	defer a.releaseSem()

	timer := a.clock.NewTimer(d)
	defer timer.Stop()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return apperrors.HardwareError("actuator closed", gpio.ErrClosed)
	}
	if err := a.assertLocked(target); err != nil {
		a.mu.Unlock()
		return a.fail("pulse", target, err)
	}
	cancel := make(chan struct{})
	a.cancel = cancel
	a.state = target.PulseState()
	a.mu.Unlock()

	a.log.Info("pulse started", "target", target, "duration_ms", d.Milliseconds())
	a.changed(logic.EventPulse, target)

	var ctxErr error
	select {
	case <-timer.Chan():
	case <-cancel:
		a.log.Info("pulse pre-empted by stop", "target", target)
		a.opts.Metrics.ObserveOperation("pulse", "stopped")
		return nil
	case <-ctx.Done():
		ctxErr = ctx.Err()
	}

	a.mu.Lock()
	if a.cancel != cancel {
		// Stop won the race against the timer and already released the lines.
		a.mu.Unlock()
		a.opts.Metrics.ObserveOperation("pulse", "stopped")
		return nil
	}
	a.cancel = nil
	err := a.releaseLocked()
	a.mu.Unlock()

	if err != nil {
		return a.fail("pulse", target, err)
	}

	a.changed(logic.EventIdle, target)
	if ctxErr != nil {
		a.log.Warn("pulse cancelled", "target", target, "error", ctxErr)
		a.opts.Metrics.ObserveOperation("pulse", "cancelled")
		return ctxErr
	}
	a.opts.Metrics.ObserveOperation("pulse", "ok")
	return nil
}

// Hold asserts target indefinitely. It waits for an in-flight pulse to finish.
func (a *Actuator) Hold(ctx context.Context, target logic.Target) error {
	if err := a.acquire(ctx); err != nil {
		return err
	}
	defer a.releaseSem()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return apperrors.HardwareError("actuator closed", gpio.ErrClosed)
	}
	if err := a.assertLocked(target); err != nil {
		a.mu.Unlock()
		return a.fail("hold", target, err)
	}
	a.state = target.HoldState()
	a.mu.Unlock()

	a.log.Info("hold", "target", target)
	a.opts.Metrics.ObserveOperation("hold", "ok")
	a.changed(logic.EventHold, target)
	return nil
}

// Stop drives both lines low and returns to idle without waiting for the
// operation lock. An in-flight pulse is pre-empted and will not touch the
// lines again. The state is idle on return even if a line write failed; the
// write error is returned for reporting.
func (a *Actuator) Stop() error {
	a.mu.Lock()
	if a.cancel != nil {
		close(a.cancel)
		a.cancel = nil
	}
	err := a.releaseLocked()
	a.mu.Unlock()

	a.log.Info("stop")
	if err != nil {
		a.opts.Metrics.ObserveOperation("stop", "error")
		a.changed(logic.EventFault, "")
		return apperrors.HardwareError("release lines on stop", err)
	}
	a.opts.Metrics.ObserveOperation("stop", "ok")
	a.changed(logic.EventStop, "")
	return nil
}

// Status returns the current state and last written line levels.
func (a *Actuator) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Status{
		State:       a.state,
		OpenOffset:  a.opts.OpenOffset,
		CloseOffset: a.opts.CloseOffset,
		OpenLevel:   a.openLevel,
		CloseLevel:  a.closeLevel,
	}
}

// MaxPulse returns the configured pulse ceiling.
func (a *Actuator) MaxPulse() time.Duration {
	return a.opts.MaxPulse
}

// Close stops the actuator and releases both lines.
func (a *Actuator) Close() error {
	stopErr := a.Stop()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	var errs []error
	if stopErr != nil {
		errs = append(errs, stopErr)
	}
	if err := a.open.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close open line: %w", err))
	}
	if err := a.close.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close close line: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("close actuator: %v", errs)
	}
	return nil
}

func (a *Actuator) acquire(ctx context.Context) error {
	select {
	case a.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actuator) releaseSem() {
	<-a.sem
}

// assertLocked drives the other line low, then target high. Caller holds mu.
func (a *Actuator) assertLocked(target logic.Target) error {
	on, onLevel := a.open, &a.openLevel
	off, offLevel := a.close, &a.closeLevel
	if target == logic.TargetClose {
		on, onLevel, off, offLevel = off, offLevel, on, onLevel
	}

	if err := off.Write(false); err != nil {
		return err
	}
	*offLevel = false

	if err := on.Write(true); err != nil {
		return err
	}
	*onLevel = true
	return nil
}

// releaseLocked drives both lines low and sets idle. Both writes are attempted
// even if the first fails. Caller holds mu.
func (a *Actuator) releaseLocked() error {
	a.state = logic.StateIdle

	var first error
	if err := a.open.Write(false); err != nil {
		first = fmt.Errorf("open line: %w", err)
	} else {
		a.openLevel = false
	}
	if err := a.close.Write(false); err != nil {
		if first == nil {
			first = fmt.Errorf("close line: %w", err)
		}
	} else {
		a.closeLevel = false
	}
	return first
}

// fail forces the fail-safe state after a hardware error and wraps it.
func (a *Actuator) fail(op string, target logic.Target, cause error) error {
	a.mu.Lock()
	if a.cancel != nil {
		close(a.cancel)
		a.cancel = nil
	}
	if err := a.releaseLocked(); err != nil {
		a.log.Error("fail-safe release failed", "op", op, "error", err)
	}
	a.mu.Unlock()

	a.log.Error("actuator hardware error", "op", op, "target", target, "error", cause)
	a.opts.Metrics.ObserveOperation(op, "hardware_error")
	a.changed(logic.EventFault, target)
	return apperrors.HardwareError(fmt.Sprintf("%s %s", op, target), cause).
		WithContext("target", string(target))
}

func (a *Actuator) changed(e logic.EventType, target logic.Target) {
	st := a.Status()
	a.opts.Metrics.SetState(string(st.State), stateNames())
	if a.opts.OnEvent != nil {
		a.opts.OnEvent(logic.Event{
			Timestamp: a.clock.Now(),
			Type:      e,
			State:     st.State,
			Target:    target,
		})
	}
}

func stateNames() []string {
	out := make([]string, len(logic.AllStates))
	for i, s := range logic.AllStates {
		out[i] = string(s)
	}
	return out
}
