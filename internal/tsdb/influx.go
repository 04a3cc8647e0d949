package tsdb

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/sweeney/roofctl/internal/config"
	"github.com/sweeney/roofctl/internal/sensor"
)

// Defaults applied when the configuration leaves batching unset.
const (
	DefaultBatchSize     = 200
	DefaultFlushInterval = 2000 * time.Millisecond
	DefaultMeasurement   = "climate"

	pingTimeout = 5 * time.Second
)

// Influx writes one point per reading through the non-blocking write API.
//
// WriteReading never blocks on the network; points are batched and failures
// are delivered to the error callback.
type Influx struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPI
	measurement string
	log         *slog.Logger

	mu      sync.RWMutex
	closed  bool
	onError func(error)
	done    chan struct{}
}

// NewInflux creates the client and write API. It does not contact the server;
// use HealthCheck for that. It returns ErrDisabled when writes are off.
func NewInflux(cfg config.InfluxConfig, logger *slog.Logger) (*Influx, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if logger == nil {
		logger = slog.Default()
	}

	batch := uint(DefaultBatchSize)
	if cfg.BatchSize > 0 {
		batch = uint(cfg.BatchSize)
	}
	flush := uint(DefaultFlushInterval.Milliseconds())
	if cfg.FlushInterval > 0 {
		flush = uint(cfg.FlushInterval)
	}
	measurement := cfg.Measurement
	if measurement == "" {
		measurement = DefaultMeasurement
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batch).
			SetFlushInterval(flush),
	)
	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)

	i := &Influx{
		client:      client,
		writeAPI:    writeAPI,
		measurement: measurement,
		log:         logger.With("component", "influx"),
		done:        make(chan struct{}),
	}
	go i.handleWriteErrors(writeAPI.Errors())
	return i, nil
}

func (i *Influx) handleWriteErrors(errs <-chan error) {
	defer close(i.done)
	for err := range errs {
		i.mu.RLock()
		cb := i.onError
		i.mu.RUnlock()

		if cb != nil {
			cb(err)
		} else {
			i.log.Warn("influx write failed", "error", err)
		}
	}
}

// SetOnError sets the callback for asynchronous write failures.
func (i *Influx) SetOnError(cb func(error)) {
	i.mu.Lock()
	i.onError = cb
	i.mu.Unlock()
}

// WriteReading queues one point tagged with location and table. Fields are
// humi, temp and, when defined, dewpoint.
func (i *Influx) WriteReading(label, table string, r sensor.Reading) error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return ErrClosed
	}
	i.writeAPI.WritePoint(i.point(label, table, r))
	return nil
}

func (i *Influx) point(label, table string, r sensor.Reading) *write.Point {
	fields := map[string]interface{}{
		"humi": r.HumidityPct,
		"temp": r.TemperatureC,
	}
	if r.HasDewPoint() {
		fields["dewpoint"] = r.DewPointC
	}
	return write.NewPoint(
		i.measurement,
		map[string]string{
			"location": label,
			"table":    table,
		},
		fields,
		r.Timestamp,
	)
}

// Flush blocks until buffered points have been sent. No-op after Close.
func (i *Influx) Flush() {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return
	}
	i.writeAPI.Flush()
}

// HealthCheck pings the server.
func (i *Influx) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	healthy, err := i.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("influx ping: %w", err)
	}
	if !healthy {
		return ErrNotHealthy
	}
	return nil
}

// Close flushes pending points and closes the client. Close is idempotent.
func (i *Influx) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	i.mu.Unlock()

	i.writeAPI.Flush()
	i.client.Close()
	return nil
}
