package poller

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/sweeney/roofctl/internal/errors"
	"github.com/sweeney/roofctl/internal/hub"
	"github.com/sweeney/roofctl/internal/logging"
	"github.com/sweeney/roofctl/internal/logic"
	"github.com/sweeney/roofctl/internal/metrics"
	"github.com/sweeney/roofctl/internal/sensor"
	"github.com/sweeney/roofctl/internal/status"
	"github.com/sweeney/roofctl/internal/tsdb"
)

// fakeReader returns scripted results per slave id and counts calls. With a
// delay set, each read takes that long unless ctx is cancelled first.
type fakeReader struct {
	mu      sync.Mutex
	errs    map[int]error
	calls   map[int]int
	delay   time.Duration
	started chan int
	clock   clockwork.Clock
}

func newFakeReader(clock clockwork.Clock) *fakeReader {
	return &fakeReader{errs: map[int]error{}, calls: map[int]int{}, started: make(chan int, 16), clock: clock}
}

func (f *fakeReader) ReadUnit(ctx context.Context, id int) (sensor.Reading, error) {
	f.mu.Lock()
	f.calls[id]++
	err := f.errs[id]
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		f.started <- id
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return sensor.Reading{}, apperrors.TransportError("read registers", ctx.Err())
		}
	}
	if err != nil {
		return sensor.Reading{}, err
	}
	temp := 20.0 + float64(id)
	return sensor.Reading{
		UnitID:       id,
		Raw:          []uint16{uint16(temp * 10), 500},
		TemperatureC: temp,
		HumidityPct:  50,
		DewPointC:    logic.DewPoint(temp, 50),
		Timestamp:    f.clock.Now(),
	}, nil
}

func (f *fakeReader) setDelay(d time.Duration) {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
}

func (f *fakeReader) setErr(id int, err error) {
	f.mu.Lock()
	f.errs[id] = err
	f.mu.Unlock()
}

func (f *fakeReader) callCount(id int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type closer struct{ closed bool }

func (c *closer) Close() error { c.closed = true; return nil }

type fixture struct {
	loop    *Loop
	reader  *fakeReader
	hub     *hub.Hub
	sink    *tsdb.Fake
	clock   *clockwork.FakeClock
	tracker *status.Tracker
	metrics *metrics.PollMetrics
	closer  *closer
	ticks   chan Payload
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	f := &fixture{
		reader:  newFakeReader(clock),
		hub:     hub.New(logging.Discard(), nil),
		sink:    &tsdb.Fake{},
		clock:   clock,
		tracker: status.NewTracker(clock.Now(), status.Config{}, clock),
		metrics: metrics.NewPollMetrics(prometheus.NewRegistry()),
		closer:  &closer{},
		ticks:   make(chan Payload, 16),
	}
	if opts.Units == nil {
		opts.Units = []sensor.Unit{{Label: "indoor", SlaveID: 1}, {Label: "outdoor", SlaveID: 2}}
	}
	if opts.Table == "" {
		opts.Table = "holding"
	}
	if opts.Period == 0 {
		opts.Period = time.Second
	}
	opts.Clock = clock
	opts.Logger = logging.Discard()
	opts.Metrics = f.metrics
	opts.Tracker = f.tracker
	opts.Closer = f.closer
	opts.afterTick = func(p Payload) { f.ticks <- p }
	f.loop = New(f.reader, f.hub, f.sink, opts)
	return f
}

func (f *fixture) waitTick(t *testing.T) Payload {
	t.Helper()
	select {
	case p := <-f.ticks:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("tick did not run")
		return Payload{}
	}
}

func TestTick_AllUnitsOK(t *testing.T) {
	f := newFixture(t, Options{})
	sub := hub.NewFakeSubscriber()
	f.hub.Add(sub)

	p := f.loop.Tick(context.Background())

	assert.True(t, p.OK)
	require.Len(t, p.Units, 2)
	assert.InDelta(t, 21.0, p.Units["indoor"].Reading.TemperatureC, 1e-9)
	assert.InDelta(t, 22.0, p.Units["outdoor"].Reading.TemperatureC, 1e-9)

	assert.Equal(t, []string{"indoor", "outdoor"}, f.sink.Labels())
	for _, w := range f.sink.Written() {
		assert.Equal(t, "holding", w.Table)
	}

	require.Len(t, sub.Payloads(), 1)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(sub.Payloads()[0], &decoded))
	assert.Equal(t, true, decoded["ok"])
	assert.Equal(t, float64(f.clock.Now().UnixMilli()), decoded["ts"])

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Ticks))
	assert.Equal(t, 21.0, testutil.ToFloat64(f.metrics.Temperature.WithLabelValues("indoor")))
}

func TestTick_UnitFailureIsIsolated(t *testing.T) {
	f := newFixture(t, Options{})
	f.reader.setErr(1, apperrors.TransportError("read unit 1", errors.New("timeout")).WithContext("unit_id", 1))
	sub := hub.NewFakeSubscriber()
	f.hub.Add(sub)

	p := f.loop.Tick(context.Background())

	assert.False(t, p.OK)
	require.Contains(t, p.Units, "indoor")
	require.Contains(t, p.Units, "outdoor")
	assert.Error(t, p.Units["indoor"].Err)
	assert.Nil(t, p.Units["indoor"].Reading)
	require.NotNil(t, p.Units["outdoor"].Reading)

	assert.Equal(t, []string{"outdoor"}, f.sink.Labels(), "only the healthy unit is sunk")

	var decoded struct {
		OK    bool                      `json:"ok"`
		Units map[string]map[string]any `json:"units"`
	}
	require.NoError(t, json.Unmarshal(sub.Payloads()[0], &decoded))
	assert.False(t, decoded.OK)
	assert.Equal(t, "transport", decoded.Units["indoor"]["kind"])
	assert.Equal(t, float64(1), decoded.Units["indoor"]["unit_id"])
	assert.Contains(t, decoded.Units["indoor"]["error"], "read unit 1")
	assert.Equal(t, 22.0, decoded.Units["outdoor"]["temp"])

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Reads.WithLabelValues("indoor", "transport")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Reads.WithLabelValues("outdoor", "ok")))

	snap := f.tracker.Snapshot()
	assert.Equal(t, uint64(1), snap.FailedTicks)
}

func TestTick_SinkErrorsAreSwallowed(t *testing.T) {
	f := newFixture(t, Options{})
	f.sink.SetError(errors.New("influx down"))

	p := f.loop.Tick(context.Background())

	assert.True(t, p.OK, "sink failures do not fail the tick")
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.SinkErrors))
}

func TestTick_PrunesFailedSubscriber(t *testing.T) {
	f := newFixture(t, Options{})
	good, bad := hub.NewFakeSubscriber(), hub.NewFakeSubscriber()
	bad.SetFail(true)
	f.hub.Add(good)
	f.hub.Add(bad)

	f.loop.Tick(context.Background())
	assert.Equal(t, 1, f.hub.Len())
	assert.True(t, bad.Closed())

	f.loop.Tick(context.Background())
	assert.Len(t, good.Payloads(), 2)
	assert.Empty(t, bad.Payloads())
	assert.Equal(t, 1, f.tracker.Snapshot().Subscribers)
}

func TestTick_BreakerSkipsDeadUnit(t *testing.T) {
	f := newFixture(t, Options{BreakerFailures: 2, BreakerTimeout: time.Hour})
	f.reader.setErr(1, apperrors.TransportError("read unit 1", errors.New("timeout")))

	for i := 0; i < 4; i++ {
		p := f.loop.Tick(context.Background())
		assert.True(t, errors.Is(p.Units["indoor"].Err, apperrors.Transport))
	}

	assert.Equal(t, 2, f.reader.callCount(1), "open breaker must not touch the bus")
	assert.Equal(t, 4, f.reader.callCount(2))
}

func TestTick_DataErrorsDoNotTripBreaker(t *testing.T) {
	f := newFixture(t, Options{BreakerFailures: 2, BreakerTimeout: time.Hour})
	f.reader.setErr(1, apperrors.DataError("got 1 registers, need 2"))

	for i := 0; i < 4; i++ {
		p := f.loop.Tick(context.Background())
		assert.True(t, errors.Is(p.Units["indoor"].Err, apperrors.Data))
	}
	assert.Equal(t, 4, f.reader.callCount(1))
}

func TestTick_RecordsStatus(t *testing.T) {
	f := newFixture(t, Options{})
	f.hub.Add(hub.NewFakeSubscriber())

	f.loop.Tick(context.Background())

	snap := f.tracker.Snapshot()
	assert.Equal(t, uint64(1), snap.Ticks)
	assert.True(t, snap.LastOK)
	assert.Equal(t, 1, snap.Subscribers)
	assert.NotEmpty(t, f.tracker.LastPayload())
}

func TestNew_ClampsPeriod(t *testing.T) {
	f := newFixture(t, Options{Period: 50 * time.Millisecond})
	assert.Equal(t, MinPeriod, f.loop.Period())
}

func TestRun_TicksOnPeriodAndStops(t *testing.T) {
	f := newFixture(t, Options{Period: time.Second})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.loop.Run(ctx) }()

	f.waitTick(t) // immediate first tick
	f.clock.BlockUntil(1)
	f.clock.Advance(time.Second)
	f.waitTick(t)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	f.clock.Advance(5 * time.Second)
	select {
	case <-f.ticks:
		t.Fatal("tick after cancellation")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, uint64(2), f.tracker.Snapshot().Ticks)
}

func TestRun_CancelInterruptsTick(t *testing.T) {
	f := newFixture(t, Options{BreakerFailures: 1})
	sub := hub.NewFakeSubscriber()
	f.hub.Add(sub)
	f.reader.setDelay(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.loop.Run(ctx) }()

	select {
	case id := <-f.reader.started:
		require.Equal(t, 1, id)
	case <-time.After(time.Second):
		t.Fatal("first read never started")
	}

	start := time.Now()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Less(t, time.Since(start), 200*time.Millisecond, "shutdown waited for the in-flight read")

	p := f.waitTick(t)
	assert.False(t, p.OK)
	assert.ErrorIs(t, p.Units["indoor"].Err, context.Canceled)
	assert.ErrorIs(t, p.Units["outdoor"].Err, context.Canceled)
	assert.Zero(t, f.reader.callCount(2), "no unit is read after cancellation")
	assert.Empty(t, sub.Payloads(), "a cancelled tick is not broadcast")
	assert.Empty(t, f.sink.Labels())

	// The abandoned read does not count against the unit.
	f.reader.setDelay(0)
	p = f.loop.Tick(context.Background())
	assert.True(t, p.OK)
}

// blockingSink holds every write until release is closed.
type blockingSink struct {
	*tsdb.Fake
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSink) WriteReading(label, table string, r sensor.Reading) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return s.Fake.WriteReading(label, table, r)
}

func TestTick_SlowSinkDoesNotDelayBroadcast(t *testing.T) {
	f := newFixture(t, Options{})
	sink := &blockingSink{Fake: &tsdb.Fake{}, entered: make(chan struct{}, 1), release: make(chan struct{})}
	loop := New(f.reader, f.hub, sink, Options{
		Units:  []sensor.Unit{{Label: "indoor", SlaveID: 1}, {Label: "outdoor", SlaveID: 2}},
		Table:  "holding",
		Clock:  f.clock,
		Logger: logging.Discard(),
	})
	sub := hub.NewFakeSubscriber()
	f.hub.Add(sub)

	done := make(chan Payload, 1)
	go func() { done <- loop.Tick(context.Background()) }()

	select {
	case <-sink.entered:
	case <-time.After(time.Second):
		t.Fatal("sink never written")
	}
	require.Len(t, sub.Payloads(), 1, "payload must be broadcast before the sink is written")

	close(sink.release)
	select {
	case p := <-done:
		assert.True(t, p.OK)
	case <-time.After(time.Second):
		t.Fatal("tick did not finish")
	}
	assert.Equal(t, []string{"indoor", "outdoor"}, sink.Labels())
}

func TestShutdown(t *testing.T) {
	f := newFixture(t, Options{})
	sub := hub.NewFakeSubscriber()
	f.hub.Add(sub)

	require.NoError(t, f.loop.Shutdown())
	assert.True(t, sub.Closed())
	assert.True(t, f.sink.Closed())
	assert.True(t, f.closer.closed)
	assert.Equal(t, 0, f.hub.Len())
}

func TestUnitResultJSON(t *testing.T) {
	data, err := json.Marshal(UnitResult{UnitID: 7, Err: errors.New("boom")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"unit_id":7,"error":"boom"}`, string(data))
}
