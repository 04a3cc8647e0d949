package tsdb

import "errors"

// Sentinel errors for sink operations.
var (
	// ErrDisabled indicates InfluxDB writes are disabled in configuration.
	ErrDisabled = errors.New("tsdb: influxdb disabled in configuration")

	// ErrNotHealthy indicates the server answered a ping but reported itself unhealthy.
	ErrNotHealthy = errors.New("tsdb: influxdb not healthy")

	// ErrClosed indicates a write after Close.
	ErrClosed = errors.New("tsdb: sink closed")
)
