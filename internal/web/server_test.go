package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/roofctl/internal/door"
	"github.com/sweeney/roofctl/internal/gpio"
	"github.com/sweeney/roofctl/internal/hub"
	"github.com/sweeney/roofctl/internal/limit"
	"github.com/sweeney/roofctl/internal/logging"
	"github.com/sweeney/roofctl/internal/logic"
	"github.com/sweeney/roofctl/internal/metrics"
	"github.com/sweeney/roofctl/internal/modbus"
	"github.com/sweeney/roofctl/internal/sensor"
	"github.com/sweeney/roofctl/internal/status"
)

type rig struct {
	ts        *httptest.Server
	srv       *Server
	open      *gpio.FakeLine
	close     *gpio.FakeLine
	limitLine *gpio.FakeLine
	act       *door.Actuator
	bus       *modbus.FakeBus
	hub       *hub.Hub
	tracker   *status.Tracker
}

func newRig(t *testing.T, mutate func(*Options)) *rig {
	t.Helper()
	r := &rig{
		open:      gpio.NewFakeLine(false),
		close:     gpio.NewFakeLine(false),
		limitLine: gpio.NewFakeLine(true),
		bus:       modbus.NewFakeBus(),
	}

	act, err := door.New(r.open, r.close, door.Options{
		OpenOffset:  24,
		CloseOffset: 23,
		MaxPulse:    time.Second,
		Logger:      logging.Discard(),
	})
	require.NoError(t, err)
	r.act = act

	in, err := limit.New(r.limitLine, limit.Options{Offset: 17, ActiveHigh: true, DebounceWindow: 50 * time.Millisecond, Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = in.Close(context.Background()) })

	r.bus.Set(1, &modbus.FakeSlave{Registers: []uint16{250, 600}})
	r.bus.Set(2, &modbus.FakeSlave{Registers: []uint16{105, 820}})
	tr := modbus.NewTransport(r.bus.Opener(), 50*time.Millisecond, logging.Discard())
	t.Cleanup(func() { _ = tr.Close() })
	reader, err := sensor.NewReader(tr, sensor.Config{
		Table: modbus.Holding, Count: 2, TempIndex: 0, HumiIndex: 1, ScaleDivisor: 10,
	}, nil)
	require.NoError(t, err)

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start.Add(90 * time.Second))
	r.tracker = status.NewTracker(start, status.Config{
		PollMs: 1000, DebounceMs: 50, MaxPulseMs: 1000, Broker: "tcp://broker:1883", HTTPAddr: ":8000",
		Units: []string{"indoor", "outdoor"},
	}, clock)
	r.hub = hub.New(logging.Discard(), nil)

	opts := Options{
		Version:      "1.2.3",
		DefaultPulse: 20 * time.Millisecond,
		Units:        []sensor.Unit{{Label: "indoor", SlaveID: 1}, {Label: "outdoor", SlaveID: 2}},
		Logger:       logging.Discard(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	r.srv = New(act, in, reader, r.hub, r.tracker, opts)
	r.ts = httptest.NewServer(r.srv.Handler())
	t.Cleanup(r.ts.Close)
	t.Cleanup(func() { r.hub.CloseAll() })
	return r
}

func (r *rig) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, r.ts.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func highWrites(l *gpio.FakeLine) int {
	n := 0
	for _, w := range l.Writes() {
		if w.High {
			n++
		}
	}
	return n
}

func TestHealth(t *testing.T) {
	r := newRig(t, nil)
	resp, body := r.do(t, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, logging.ServiceName, body["service"])
	assert.Equal(t, "1.2.3", body["version"])
	assert.Equal(t, 90.0, body["uptime_seconds"])
	assert.Equal(t, "idle", body["door"])
}

func TestPulse_SyncUsesDefault(t *testing.T) {
	r := newRig(t, nil)
	resp, body := r.do(t, http.MethodPost, "/roof/open", "")

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "open", body["action"])
	assert.Equal(t, 20.0, body["ms"])
	assert.Equal(t, "idle", body["state"])
	assert.Equal(t, 1, highWrites(r.open))
	assert.Zero(t, highWrites(r.close))
	assert.False(t, r.open.Level())
}

func TestPulse_BodyBeatsQuery(t *testing.T) {
	r := newRig(t, nil)
	resp, body := r.do(t, http.MethodPost, "/roof/close?ms=500", `{"ms": 5}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 5.0, body["ms"])
	assert.Equal(t, 1, highWrites(r.close))
}

func TestPulse_QueryBeatsDefault(t *testing.T) {
	r := newRig(t, nil)
	_, body := r.do(t, http.MethodPost, "/roof/close?ms=7", "")
	assert.Equal(t, 7.0, body["ms"])
}

func TestPulse_InvalidDuration(t *testing.T) {
	r := newRig(t, nil)

	for _, path := range []string{"/roof/open?ms=0", "/roof/open?ms=5000", "/roof/open?ms=abc"} {
		resp, body := r.do(t, http.MethodPost, path, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
		assert.Equal(t, false, body["ok"], path)
		assert.Equal(t, "invalid_argument", body["kind"], path)
	}
	assert.Empty(t, r.open.Writes()[1:], "no line writes after construction")
}

func TestPulse_OverflowingDurationRejected(t *testing.T) {
	r := newRig(t, nil)

	// 2^58+500 ms wraps to 500ms when multiplied out to nanoseconds.
	for _, tc := range []struct{ path, body string }{
		{"/roof/open", `{"ms": 288230376151712244}`},
		{"/roof/open?ms=288230376151712244", ""},
		{"/roof/open", `{"ms": -288230376151711244}`},
	} {
		resp, body := r.do(t, http.MethodPost, tc.path, tc.body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, tc)
		assert.Equal(t, "invalid_argument", body["kind"], tc)
	}
	assert.Zero(t, highWrites(r.open))
}

func TestPulse_MalformedBody(t *testing.T) {
	r := newRig(t, nil)
	resp, body := r.do(t, http.MethodPost, "/roof/open", `{"ms":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_argument", body["kind"])
}

func TestPulse_Async(t *testing.T) {
	r := newRig(t, nil)
	resp, body := r.do(t, http.MethodPost, "/roof/open?async=true&ms=30", "")

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["async"])
	require.Eventually(t, func() bool { return highWrites(r.open) == 1 && !r.open.Level() },
		time.Second, 5*time.Millisecond)

	require.NoError(t, r.srv.Shutdown(context.Background()))
}

func TestShutdown_CancelsDetachedPulse(t *testing.T) {
	r := newRig(t, nil)
	resp, _ := r.do(t, http.MethodPost, "/roof/open?async=1&ms=1000", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, r.open.Level, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.NoError(t, r.srv.Shutdown(ctx))

	assert.False(t, r.open.Level())
	assert.Equal(t, logic.StateIdle, r.act.Status().State)
}

func TestHold_QueryAndBody(t *testing.T) {
	r := newRig(t, nil)

	resp, body := r.do(t, http.MethodPost, "/roof/hold?target=open", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "holding_open", body["state"])
	assert.True(t, r.open.Level())

	resp, body = r.do(t, http.MethodPost, "/roof/hold?target=open", `{"target":"close"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "holding_close", body["state"])
	assert.False(t, r.open.Level())
	assert.True(t, r.close.Level())
}

func TestHold_UnknownTarget(t *testing.T) {
	r := newRig(t, nil)
	resp, body := r.do(t, http.MethodPost, "/roof/hold?target=sideways", "")

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	ctx, _ := body["context"].(map[string]any)
	assert.Equal(t, "sideways", ctx["target"])
}

func TestStop(t *testing.T) {
	r := newRig(t, nil)
	r.do(t, http.MethodPost, "/roof/hold?target=close", "")

	resp, body := r.do(t, http.MethodPost, "/roof/stop", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "idle", body["state"])
	assert.False(t, r.close.Level())
}

func TestStop_HardwareError(t *testing.T) {
	r := newRig(t, nil)
	r.open.SetWriteError(assert.AnError)

	resp, body := r.do(t, http.MethodPost, "/roof/stop", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "hardware", body["kind"])
}

func TestDoorStatus(t *testing.T) {
	r := newRig(t, nil)
	r.do(t, http.MethodPost, "/roof/hold?target=open", "")

	_, body := r.do(t, http.MethodGet, "/roof/status", "")
	roof, _ := body["roof"].(map[string]any)
	require.NotNil(t, roof)
	assert.Equal(t, "holding_open", roof["state"])
	assert.Equal(t, 24.0, roof["line_open"])
	assert.Equal(t, 23.0, roof["line_close"])
	assert.Equal(t, true, roof["open_value"])
	assert.Equal(t, false, roof["close_value"])
}

func TestLimitStatus(t *testing.T) {
	r := newRig(t, nil)
	_, body := r.do(t, http.MethodGet, "/roof/limit/status", "")

	lim, _ := body["limit"].(map[string]any)
	require.NotNil(t, lim)
	assert.Equal(t, 17.0, lim["line"])
	assert.Equal(t, true, lim["active_high"])
	assert.Equal(t, 50.0, lim["debounce_ms"])
	assert.Equal(t, "ON", lim["state"])
	assert.Equal(t, 1.0, lim["value"])
}

func TestSensorUnit(t *testing.T) {
	r := newRig(t, nil)
	resp, body := r.do(t, http.MethodGet, "/api/sensor/1", "")

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "indoor", body["name"])
	assert.Equal(t, 1.0, body["unit_id"])
	assert.Equal(t, []any{250.0, 600.0}, body["raw"])
	assert.Equal(t, 25.0, body["temp"])
	assert.Equal(t, 60.0, body["humi"])
	assert.Equal(t, 16.7, body["dewpoint"])
}

func TestSensorUnit_UnknownLabelAndErrors(t *testing.T) {
	r := newRig(t, nil)
	r.bus.Set(9, &modbus.FakeSlave{Exception: 0x02})

	resp, body := r.do(t, http.MethodGet, "/api/sensor/9", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "transport", body["kind"])
	ctx, _ := body["context"].(map[string]any)
	assert.Equal(t, "unit_9", ctx["name"])
	assert.Equal(t, 9.0, ctx["unit_id"])

	resp, _ = r.do(t, http.MethodGet, "/api/sensor/abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = r.do(t, http.MethodGet, "/api/sensor/300", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSensorAll_ReportsFailuresInline(t *testing.T) {
	r := newRig(t, nil)
	r.bus.Set(2, &modbus.FakeSlave{Silent: true})

	resp, body := r.do(t, http.MethodGet, "/api/sensor", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["ok"])

	indoor, _ := body["indoor"].(map[string]any)
	assert.Equal(t, 25.0, indoor["temp"])

	outdoor, _ := body["outdoor"].(map[string]any)
	assert.Equal(t, 2.0, outdoor["unit_id"])
	assert.Equal(t, "transport", outdoor["kind"])
	assert.NotEmpty(t, outdoor["error"])
}

func TestStatusPages(t *testing.T) {
	r := newRig(t, nil)
	r.tracker.UpdateDoor(logic.StateOpening, logic.EventCounts{Pulses: 3})
	r.tracker.SetMQTTConnected(true)

	resp, err := http.Get(r.ts.URL + "/index.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	var sj status.StatusJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sj))
	assert.Equal(t, "opening", sj.Status.Door.State)
	assert.Equal(t, 3, sj.Status.Counts.Pulses)
	assert.True(t, sj.Status.MQTT.Connected)

	for _, path := range []string{"/", "/index.html"} {
		resp, err := http.Get(r.ts.URL + path)
		require.NoError(t, err)
		html, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html"))
		assert.Contains(t, string(html), "opening")
		assert.Contains(t, string(html), `id="unit-outdoor"`)
		assert.Contains(t, string(html), "1m 30s")
	}
}

func TestNotFound(t *testing.T) {
	r := newRig(t, nil)
	resp, err := http.Get(r.ts.URL + "/nonexistent")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewHubMetrics(reg)
	m.SetSubscribers(2)
	r := newRig(t, func(o *Options) { o.Registry = reg })

	resp, err := http.Get(r.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "roofctl_")
}

func dialWS(t *testing.T, r *rig, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(r.ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocket_ReceivesBroadcasts(t *testing.T) {
	r := newRig(t, nil)
	conn := dialWS(t, r, "/api/ws")
	require.Eventually(t, func() bool { return r.hub.Len() == 1 }, time.Second, time.Millisecond)

	res := r.hub.Broadcast(context.Background(), []byte(`{"ts":1,"ok":true,"units":{}}`))
	assert.Equal(t, 1, res.Delivered)

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"ts":1,"ok":true,"units":{}}`, string(msg))
}

func TestWebSocket_SendsLastPayloadOnConnect(t *testing.T) {
	r := newRig(t, nil)
	r.tracker.RecordTick(status.Tick{At: time.Now(), OK: true, Payload: []byte(`{"ts":42}`)})

	conn := dialWS(t, r, "/ws/sensor")
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"ts":42}`, string(msg))
}

func TestWebSocket_UnregistersOnClientClose(t *testing.T) {
	r := newRig(t, nil)
	conn := dialWS(t, r, "/api/ws")
	require.Eventually(t, func() bool { return r.hub.Len() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return r.hub.Len() == 0 }, time.Second, time.Millisecond)
}

func TestWebSocket_RateLimited(t *testing.T) {
	r := newRig(t, func(o *Options) { o.MaxWSPerSec = 1 })
	dialWS(t, r, "/api/ws")

	url := "ws" + strings.TrimPrefix(r.ts.URL, "http") + "/api/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}
