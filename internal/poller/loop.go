// Package poller runs the acquisition loop: read every unit, write readings to
// the time-series sink, and broadcast one payload per tick.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	apperrors "github.com/sweeney/roofctl/internal/errors"
	"github.com/sweeney/roofctl/internal/hub"
	"github.com/sweeney/roofctl/internal/metrics"
	"github.com/sweeney/roofctl/internal/sensor"
	"github.com/sweeney/roofctl/internal/status"
	"github.com/sweeney/roofctl/internal/tsdb"
)

// MinPeriod is the floor applied to the tick period.
const MinPeriod = 200 * time.Millisecond

// Breaker defaults.
const (
	DefaultBreakerFailures = 5
	DefaultBreakerTimeout  = 30 * time.Second
)

// UnitReader reads one unit. *sensor.Reader satisfies it.
type UnitReader interface {
	ReadUnit(ctx context.Context, slaveID int) (sensor.Reading, error)
}

// Options configures a Loop.
type Options struct {
	Units  []sensor.Unit
	Table  string
	Period time.Duration

	// BreakerFailures consecutive transport failures open a unit's breaker for
	// BreakerTimeout, during which the unit is reported without touching the bus.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	// Closer, if set, is closed by Shutdown (normally the Modbus transport).
	Closer io.Closer

	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics *metrics.PollMetrics
	Tracker *status.Tracker

	afterTick func(Payload)
}

type unitState struct {
	unit    sensor.Unit
	breaker *gobreaker.CircuitBreaker
	warn    rate.Sometimes
}

// Loop is the poll/broadcast loop.
type Loop struct {
	reader UnitReader
	hub    *hub.Hub
	sink   tsdb.Sink
	opts   Options
	clock  clockwork.Clock
	log    *slog.Logger

	units    []*unitState
	sinkWarn rate.Sometimes
}

// New creates a Loop. The period is clamped to MinPeriod.
func New(reader UnitReader, h *hub.Hub, sink tsdb.Sink, opts Options) *Loop {
	if opts.Period < MinPeriod {
		opts.Period = MinPeriod
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = DefaultBreakerFailures
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = DefaultBreakerTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if sink == nil {
		sink = tsdb.Nop{}
	}

	l := &Loop{
		reader:   reader,
		hub:      h,
		sink:     sink,
		opts:     opts,
		clock:    opts.Clock,
		log:      opts.Logger.With("component", "poller"),
		sinkWarn: rate.Sometimes{First: 1, Interval: time.Minute},
	}
	for _, u := range opts.Units {
		l.units = append(l.units, &unitState{
			unit:    u,
			breaker: l.newBreaker(u.Label),
			warn:    rate.Sometimes{First: 1, Interval: time.Minute},
		})
	}
	return l
}

func (l *Loop) newBreaker(label string) *gobreaker.CircuitBreaker {
	failures := l.opts.BreakerFailures
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        label,
		MaxRequests: 1,
		Timeout:     l.opts.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		// Only bus failures count; a unit that answers with bad data is alive,
		// and a read abandoned on shutdown says nothing about the unit.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				!errors.Is(err, apperrors.Transport) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.log.Warn("unit breaker state changed", "unit", name, "from", from.String(), "to", to.String())
		},
	})
}

// Period returns the effective tick period.
func (l *Loop) Period() time.Duration {
	return l.opts.Period
}

// Run ticks immediately and then every period until ctx is cancelled.
// Cancellation reaches the tick in progress: the read on the bus is abandoned
// at the next read slice and units not yet read are reported as cancelled, so
// Run returns well within one period. No tick starts after cancellation.
func (l *Loop) Run(ctx context.Context) error {
	ticker := l.clock.NewTicker(l.opts.Period)
	defer ticker.Stop()

	l.log.Info("poll loop started", "period", l.opts.Period, "units", len(l.units))

	l.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			l.log.Info("poll loop stopped")
			return nil
		case <-ticker.Chan():
			if ctx.Err() != nil {
				return nil
			}
			l.runTick(ctx)
		}
	}
}

func (l *Loop) runTick(ctx context.Context) {
	p := l.Tick(ctx)
	if l.opts.afterTick != nil {
		l.opts.afterTick(p)
	}
}

// Tick reads every unit in configured order, broadcasts the payload, then
// writes successful readings to the sink and returns the payload. A failing
// unit never prevents the others from being read. Sink writes come after the
// broadcast so a slow sink cannot delay subscribers.
//
// If ctx is cancelled part way, the remaining units are reported as
// cancelled and the payload is not broadcast.
func (l *Loop) Tick(ctx context.Context) Payload {
	start := l.clock.Now()
	p := Payload{
		Timestamp: start,
		OK:        true,
		Units:     make(map[string]UnitResult, len(l.units)),
	}

	readings := make([]*unitState, 0, len(l.units))
	for _, us := range l.units {
		if err := ctx.Err(); err != nil {
			p.OK = false
			p.Units[us.unit.Label] = UnitResult{
				UnitID: us.unit.SlaveID,
				Err: apperrors.TransportError("poll cancelled", err).
					WithContext("unit_id", us.unit.SlaveID),
			}
			continue
		}

		r, err := l.read(ctx, us)
		if err != nil {
			p.OK = false
			p.Units[us.unit.Label] = UnitResult{UnitID: us.unit.SlaveID, Err: err}
			if ctx.Err() != nil {
				continue
			}
			l.opts.Metrics.ObserveRead(us.unit.Label, resultLabel(err))
			us.warn.Do(func() {
				l.log.Warn("unit read failed", "unit", us.unit.Label, "unit_id", us.unit.SlaveID, "error", err)
			})
			continue
		}

		p.Units[us.unit.Label] = UnitResult{UnitID: us.unit.SlaveID, Reading: &r}
		l.opts.Metrics.ObserveRead(us.unit.Label, "ok")
		l.opts.Metrics.ObserveReading(us.unit.Label, r.TemperatureC, r.HumidityPct)
		readings = append(readings, us)
	}

	if ctx.Err() != nil {
		l.log.Debug("tick cancelled, payload not broadcast")
		return p
	}

	data, err := json.Marshal(p)
	if err != nil {
		l.log.Error("encode payload", "error", err)
		return p
	}

	res := l.hub.Broadcast(ctx, data)
	if l.opts.Tracker != nil {
		l.opts.Tracker.RecordTick(status.Tick{
			At:          start,
			OK:          p.OK,
			Payload:     data,
			Subscribers: res.Delivered,
		})
	}

	for _, us := range readings {
		if err := l.sink.WriteReading(us.unit.Label, l.opts.Table, *p.Units[us.unit.Label].Reading); err != nil {
			l.opts.Metrics.SinkError()
			l.sinkWarn.Do(func() {
				l.log.Warn("sink write failed", "unit", us.unit.Label, "error", err)
			})
		}
	}

	l.opts.Metrics.ObserveTick(l.clock.Since(start))
	return p
}

func (l *Loop) read(ctx context.Context, us *unitState) (sensor.Reading, error) {
	out, err := us.breaker.Execute(func() (interface{}, error) {
		return l.reader.ReadUnit(ctx, us.unit.SlaveID)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return sensor.Reading{}, apperrors.TransportError("unit unavailable", err).
				WithContext("unit_id", us.unit.SlaveID)
		}
		return sensor.Reading{}, err
	}
	return out.(sensor.Reading), nil
}

// Shutdown closes every subscriber, flushes and closes the sink, and closes
// the transport. Call it after Run has returned.
func (l *Loop) Shutdown() error {
	l.hub.CloseAll()

	var errs []error
	if err := l.sink.Close(); err != nil {
		errs = append(errs, apperrors.SinkError("close sink", err))
	}
	if l.opts.Closer != nil {
		if err := l.opts.Closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func resultLabel(err error) string {
	if k := apperrors.KindOf(err); k != "" {
		return string(k)
	}
	return "error"
}
