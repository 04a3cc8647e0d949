package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/dev/gpiochip0", cfg.Door.Chip)
	assert.Equal(t, 800, cfg.Door.DefaultPulseMS)
	assert.Equal(t, "holding", cfg.Sensor.Table)
	assert.Equal(t, []Unit{{Label: "indoor", SlaveID: 1}, {Label: "outdoor", SlaveID: 2}}, cfg.Units)
	assert.Equal(t, time.Second, cfg.PollPeriod())
	assert.Equal(t, 50*time.Millisecond, cfg.DebounceWindow())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
door:
  line_open: 5
  line_close: 6
  default_pulse_ms: 1500
  max_pulse_ms: 5000
sensor:
  table: input
  count: 4
units:
  - label: roof
    slave_id: 7
http:
  addr: "127.0.0.1:9000"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Door.LineOpen)
	assert.Equal(t, 1500*time.Millisecond, cfg.DefaultPulse())
	assert.Equal(t, 5*time.Second, cfg.MaxPulse())
	assert.Equal(t, "input", cfg.Sensor.Table)
	assert.Equal(t, []Unit{{Label: "roof", SlaveID: 7}}, cfg.Units)
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTP.Addr)
	// Unspecified fields keep their defaults.
	assert.Equal(t, 9600, cfg.Serial.Baud)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
serial:
  port: /dev/ttyUSB0
poll:
  period_ms: 2000
`)
	t.Setenv("SERIAL_PORT", "/dev/ttyS1")
	t.Setenv("PARITY", "e")
	t.Setenv("READ_TABLE", "INPUT")
	t.Setenv("OUTDOOR_ID", "9")
	t.Setenv("DI1_ACTIVE_HIGH", "false")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyS1", cfg.Serial.Port)
	assert.Equal(t, "E", cfg.Serial.Parity)
	assert.Equal(t, "input", cfg.Sensor.Table)
	assert.False(t, cfg.Limit.ActiveHigh)
	assert.Equal(t, 2*time.Second, cfg.PollPeriod())
	assert.Equal(t, []Unit{{Label: "indoor", SlaveID: 1}, {Label: "outdoor", SlaveID: 9}}, cfg.Units)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "door: [line_open: ")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"same door lines", func(c *Config) { c.Door.LineClose = c.Door.LineOpen }, "must differ"},
		{"default above max", func(c *Config) { c.Door.DefaultPulseMS = c.Door.MaxPulseMS + 1 }, "default_pulse_ms"},
		{"bad parity", func(c *Config) { c.Serial.Parity = "X" }, "serial.parity"},
		{"bad table", func(c *Config) { c.Sensor.Table = "coils" }, "sensor.table"},
		{"zero divisor", func(c *Config) { c.Sensor.ScaleDiv = 0 }, "scale_div"},
		{"no units", func(c *Config) { c.Units = nil }, "at least one unit"},
		{"duplicate label", func(c *Config) {
			c.Units = []Unit{{Label: "a", SlaveID: 1}, {Label: "a", SlaveID: 2}}
		}, "duplicate unit label"},
		{"slave out of range", func(c *Config) { c.Units = []Unit{{Label: "a", SlaveID: 248}} }, "must be 1..247"},
		{"negative start", func(c *Config) { c.Sensor.Start = -1 }, "sensor.start"},
		{"start beyond register space", func(c *Config) { c.Sensor.Start = 70000 }, "sensor.start"},
		{"window overflows register space", func(c *Config) { c.Sensor.Start = 65535 }, "sensor.start"},
		{"reserved label", func(c *Config) { c.Units = []Unit{{Label: "ok", SlaveID: 1}} }, "reserved"},
		{"influx incomplete", func(c *Config) { c.Influx.Enabled = true }, "influxdb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Units = []Unit{{Label: "indoor", SlaveID: 1}}
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_LastRegisterWindow(t *testing.T) {
	cfg := Default()
	cfg.Units = []Unit{{Label: "indoor", SlaveID: 1}}
	cfg.Sensor.Start = 1<<16 - cfg.Sensor.Count
	assert.NoError(t, cfg.Validate())
}

func TestPollPeriod_ClampedToFloor(t *testing.T) {
	cfg := Default()
	cfg.Poll.PeriodMS = 50
	assert.Equal(t, MinPollPeriod, cfg.PollPeriod())
}

func TestSerialTimeout_Capped(t *testing.T) {
	cfg := Default()
	cfg.Serial.TimeoutS = 10
	assert.Equal(t, MaxSerialTimeout, cfg.SerialTimeout())

	cfg.Serial.TimeoutS = 0.5
	assert.Equal(t, 500*time.Millisecond, cfg.SerialTimeout())
}
