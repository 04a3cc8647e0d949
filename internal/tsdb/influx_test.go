package tsdb

import (
	"context"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/roofctl/internal/config"
	"github.com/sweeney/roofctl/internal/logging"
)

// influxServer captures line protocol bodies posted to the write endpoint.
type influxServer struct {
	*httptest.Server
	mu     sync.Mutex
	bodies []string
	status int
}

func newInfluxServer(t *testing.T) *influxServer {
	t.Helper()
	s := &influxServer{status: http.StatusNoContent}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/write":
			body, _ := io.ReadAll(r.Body)
			s.mu.Lock()
			s.bodies = append(s.bodies, string(body))
			status := s.status
			s.mu.Unlock()
			w.WriteHeader(status)
		case "/ping":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *influxServer) lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, b := range s.bodies {
		for _, l := range strings.Split(strings.TrimSpace(b), "\n") {
			if l != "" {
				out = append(out, l)
			}
		}
	}
	return out
}

func testInfluxConfig(url string) config.InfluxConfig {
	return config.InfluxConfig{
		Enabled:       true,
		URL:           url,
		Token:         "test-token",
		Org:           "obs",
		Bucket:        "enclosure",
		Measurement:   "climate",
		BatchSize:     10,
		FlushInterval: 60000,
	}
}

func TestNewInflux_Disabled(t *testing.T) {
	_, err := NewInflux(config.InfluxConfig{}, logging.Discard())
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestInflux_WritesOnePointPerReading(t *testing.T) {
	srv := newInfluxServer(t)
	sink, err := NewInflux(testInfluxConfig(srv.URL), logging.Discard())
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.WriteReading("indoor", "holding", reading(1)))
	sink.Flush()

	lines := srv.lines()
	require.Len(t, lines, 1)
	line := lines[0]
	assert.True(t, strings.HasPrefix(line, "climate,"), line)
	assert.Contains(t, line, "location=indoor")
	assert.Contains(t, line, "table=holding")
	assert.Contains(t, line, "humi=60")
	assert.Contains(t, line, "temp=25")
	assert.Contains(t, line, "dewpoint=16.7")
}

func TestInflux_SkipsUndefinedDewPoint(t *testing.T) {
	srv := newInfluxServer(t)
	sink, err := NewInflux(testInfluxConfig(srv.URL), logging.Discard())
	require.NoError(t, err)
	defer sink.Close()

	r := reading(2)
	r.HumidityPct = 0
	r.DewPointC = math.NaN()
	require.NoError(t, sink.WriteReading("outdoor", "input", r))
	sink.Flush()

	lines := srv.lines()
	require.Len(t, lines, 1)
	assert.NotContains(t, lines[0], "dewpoint")
	assert.Contains(t, lines[0], "location=outdoor")
}

func TestInflux_AsyncErrorsReachCallback(t *testing.T) {
	srv := newInfluxServer(t)
	srv.mu.Lock()
	srv.status = http.StatusBadRequest
	srv.mu.Unlock()

	sink, err := NewInflux(testInfluxConfig(srv.URL), logging.Discard())
	require.NoError(t, err)
	defer sink.Close()

	errs := make(chan error, 4)
	sink.SetOnError(func(err error) { errs <- err })

	require.NoError(t, sink.WriteReading("indoor", "holding", reading(1)))
	sink.Flush()

	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("write error not delivered")
	}
}

func TestInflux_CloseIsIdempotent(t *testing.T) {
	srv := newInfluxServer(t)
	sink, err := NewInflux(testInfluxConfig(srv.URL), logging.Discard())
	require.NoError(t, err)

	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
	assert.ErrorIs(t, sink.WriteReading("indoor", "holding", reading(1)), ErrClosed)
}

func TestInflux_HealthCheck(t *testing.T) {
	srv := newInfluxServer(t)
	sink, err := NewInflux(testInfluxConfig(srv.URL), logging.Discard())
	require.NoError(t, err)
	defer sink.Close()

	assert.NoError(t, sink.HealthCheck(context.Background()))
}
