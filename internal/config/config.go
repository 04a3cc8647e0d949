// Package config loads the controller configuration.
//
// Loading order:
//  1. Defaults (Default)
//  2. Optional YAML file
//  3. Environment variables, optionally seeded from a .env file
//
// Environment variable names match the deployed unit files (GPIO_CHIP,
// LINE_OPEN, SERIAL_PORT, POLL_MS, INFLUX_URL, ...).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
	"gopkg.in/yaml.v3"
)

// MinPollPeriod is the floor applied to the poll period to avoid saturating the bus.
const MinPollPeriod = 200 * time.Millisecond

// ReservedLabel cannot name a unit; it is the status key in multi-unit responses.
const ReservedLabel = "ok"

// MaxSerialTimeout is the hard cap on a single Modbus exchange.
const MaxSerialTimeout = 2 * time.Second

// Config is the root configuration structure.
type Config struct {
	Door    DoorConfig    `yaml:"door"`
	Limit   LimitConfig   `yaml:"limit"`
	Serial  SerialConfig  `yaml:"serial"`
	Sensor  SensorConfig  `yaml:"sensor"`
	Units   []Unit        `yaml:"units"`
	Poll    PollConfig    `yaml:"poll"`
	Influx  InfluxConfig  `yaml:"influxdb"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	HTTP    HTTPConfig    `yaml:"http"`
	Logging LoggingConfig `yaml:"logging"`
}

// DoorConfig describes the two actuator output lines.
type DoorConfig struct {
	Chip           string `yaml:"chip"`
	LineOpen       int    `yaml:"line_open"`
	LineClose      int    `yaml:"line_close"`
	DefaultPulseMS int    `yaml:"default_pulse_ms"`
	MaxPulseMS     int    `yaml:"max_pulse_ms"`
}

// LimitConfig describes the limit-switch input line.
type LimitConfig struct {
	Line       int  `yaml:"line"`
	ActiveHigh bool `yaml:"active_high"`
	DebounceMS int  `yaml:"debounce_ms"`
	SampleMS   int  `yaml:"sample_ms"`
}

// SerialConfig describes the RS-485 port.
type SerialConfig struct {
	Port     string  `yaml:"port"`
	Baud     int     `yaml:"baud"`
	Parity   string  `yaml:"parity"`
	ByteSize int     `yaml:"bytesize"`
	StopBits int     `yaml:"stopbits"`
	TimeoutS float64 `yaml:"timeout_s"`
}

// SensorConfig describes the register window and its conversion.
type SensorConfig struct {
	Table     string  `yaml:"table"` // holding | input
	Start     int     `yaml:"start"`
	Count     int     `yaml:"count"`
	TempIndex int     `yaml:"temp_index"`
	HumiIndex int     `yaml:"humi_index"`
	ScaleDiv  float64 `yaml:"scale_div"`
	Signed    bool    `yaml:"signed"`
}

// Unit maps a label to a Modbus slave address.
type Unit struct {
	Label   string `yaml:"label"`
	SlaveID int    `yaml:"slave_id"`
}

// PollConfig controls the acquisition loop.
type PollConfig struct {
	PeriodMS int `yaml:"period_ms"`
}

// InfluxConfig contains InfluxDB v2 connection settings.
type InfluxConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	Measurement   string `yaml:"measurement"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval_ms"`
}

// MQTTConfig contains MQTT broker settings. An empty Broker disables MQTT.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	HeartbeatS  int    `yaml:"heartbeat_s"`
}

// HTTPConfig contains the command surface listener settings.
type HTTPConfig struct {
	Addr        string `yaml:"addr"`
	MaxWSPerSec int    `yaml:"max_ws_per_sec"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// envOverrides is the flat environment view of Config. Fields are seeded
// from the current configuration so unset variables leave values untouched.
type envOverrides struct {
	GPIOChip       string  `env:"GPIO_CHIP"`
	LineOpen       int     `env:"LINE_OPEN"`
	LineClose      int     `env:"LINE_CLOSE"`
	DefaultPulseMS int     `env:"DEFAULT_PULSE_MS"`
	MaxPulseMS     int     `env:"MAX_PULSE_MS"`
	LineDI1        int     `env:"LINE_DI1"`
	DI1ActiveHigh  bool    `env:"DI1_ACTIVE_HIGH"`
	DI1DebounceMS  int     `env:"DI1_DEBOUNCE_MS"`
	SerialPort     string  `env:"SERIAL_PORT"`
	Baudrate       int     `env:"BAUDRATE"`
	Parity         string  `env:"PARITY"`
	ByteSize       int     `env:"BYTESIZE"`
	StopBits       int     `env:"STOPBITS"`
	TimeoutS       float64 `env:"TIMEOUT_S"`
	ReadTable      string  `env:"READ_TABLE"`
	RegStart       int     `env:"REG_START"`
	RegCount       int     `env:"REG_COUNT"`
	TempIndex      int     `env:"TEMP_INDEX"`
	HumiIndex      int     `env:"HUMI_INDEX"`
	ScaleDiv       float64 `env:"SCALE_DIV"`
	SignedRegs     bool    `env:"SIGNED_REGS"`
	IndoorID       int     `env:"INDOOR_ID"`
	OutdoorID      int     `env:"OUTDOOR_ID"`
	PollMS         int     `env:"POLL_MS"`
	InfluxEnable   bool    `env:"INFLUX_WRITE_ENABLE"`
	InfluxURL      string  `env:"INFLUX_URL"`
	InfluxToken    string  `env:"INFLUX_TOKEN"`
	InfluxOrg      string  `env:"INFLUX_ORG"`
	InfluxBucket   string  `env:"INFLUX_BUCKET"`
	InfluxMeas     string  `env:"INFLUX_MEASUREMENT"`
	InfluxBatch    int     `env:"INFLUX_BATCH_SIZE"`
	InfluxFlushMS  int     `env:"INFLUX_FLUSH_MS"`
	MQTTBroker     string  `env:"MQTT_BROKER"`
	MQTTClientID   string  `env:"MQTT_CLIENT_ID"`
	MQTTPrefix     string  `env:"MQTT_TOPIC_PREFIX"`
	HTTPAddr       string  `env:"HTTP_ADDR"`
	LogLevel       string  `env:"LOG_LEVEL"`
	LogFormat      string  `env:"LOG_FORMAT"`
}

// Default returns a Config populated with the deployment defaults.
func Default() *Config {
	return &Config{
		Door: DoorConfig{
			Chip:           "/dev/gpiochip0",
			LineOpen:       24,
			LineClose:      23,
			DefaultPulseMS: 800,
			MaxPulseMS:     30000,
		},
		Limit: LimitConfig{
			Line:       17,
			ActiveHigh: true,
			DebounceMS: 50,
			SampleMS:   10,
		},
		Serial: SerialConfig{
			Port:     "/dev/ttyACM0",
			Baud:     9600,
			Parity:   "N",
			ByteSize: 8,
			StopBits: 1,
			TimeoutS: 1.0,
		},
		Sensor: SensorConfig{
			Table:     "holding",
			Start:     0,
			Count:     2,
			TempIndex: 0,
			HumiIndex: 1,
			ScaleDiv:  10,
		},
		Poll: PollConfig{PeriodMS: 1000},
		Influx: InfluxConfig{
			URL:           "http://influxdb:8086",
			Measurement:   "climate",
			BatchSize:     200,
			FlushInterval: 2000,
		},
		MQTT: MQTTConfig{
			ClientID:    "roofctl",
			TopicPrefix: "roofctl",
			HeartbeatS:  900,
		},
		HTTP: HTTPConfig{
			Addr:        ":8000",
			MaxWSPerSec: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (skipped
// when path is empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	fromFile := len(c.Units) > 0
	indoor, outdoor := c.unitID("indoor", 1), c.unitID("outdoor", 2)

	o := envOverrides{
		GPIOChip:       c.Door.Chip,
		LineOpen:       c.Door.LineOpen,
		LineClose:      c.Door.LineClose,
		DefaultPulseMS: c.Door.DefaultPulseMS,
		MaxPulseMS:     c.Door.MaxPulseMS,
		LineDI1:        c.Limit.Line,
		DI1ActiveHigh:  c.Limit.ActiveHigh,
		DI1DebounceMS:  c.Limit.DebounceMS,
		SerialPort:     c.Serial.Port,
		Baudrate:       c.Serial.Baud,
		Parity:         c.Serial.Parity,
		ByteSize:       c.Serial.ByteSize,
		StopBits:       c.Serial.StopBits,
		TimeoutS:       c.Serial.TimeoutS,
		ReadTable:      c.Sensor.Table,
		RegStart:       c.Sensor.Start,
		RegCount:       c.Sensor.Count,
		TempIndex:      c.Sensor.TempIndex,
		HumiIndex:      c.Sensor.HumiIndex,
		ScaleDiv:       c.Sensor.ScaleDiv,
		SignedRegs:     c.Sensor.Signed,
		IndoorID:       indoor,
		OutdoorID:      outdoor,
		PollMS:         c.Poll.PeriodMS,
		InfluxEnable:   c.Influx.Enabled,
		InfluxURL:      c.Influx.URL,
		InfluxToken:    c.Influx.Token,
		InfluxOrg:      c.Influx.Org,
		InfluxBucket:   c.Influx.Bucket,
		InfluxMeas:     c.Influx.Measurement,
		InfluxBatch:    c.Influx.BatchSize,
		InfluxFlushMS:  c.Influx.FlushInterval,
		MQTTBroker:     c.MQTT.Broker,
		MQTTClientID:   c.MQTT.ClientID,
		MQTTPrefix:     c.MQTT.TopicPrefix,
		HTTPAddr:       c.HTTP.Addr,
		LogLevel:       c.Logging.Level,
		LogFormat:      c.Logging.Format,
	}

	if err := env.Load(&o, nil); err != nil {
		return fmt.Errorf("loading environment variables: %w", err)
	}

	c.Door = DoorConfig{
		Chip:           o.GPIOChip,
		LineOpen:       o.LineOpen,
		LineClose:      o.LineClose,
		DefaultPulseMS: o.DefaultPulseMS,
		MaxPulseMS:     o.MaxPulseMS,
	}
	c.Limit.Line = o.LineDI1
	c.Limit.ActiveHigh = o.DI1ActiveHigh
	c.Limit.DebounceMS = o.DI1DebounceMS
	c.Serial = SerialConfig{
		Port:     o.SerialPort,
		Baud:     o.Baudrate,
		Parity:   strings.ToUpper(o.Parity),
		ByteSize: o.ByteSize,
		StopBits: o.StopBits,
		TimeoutS: o.TimeoutS,
	}
	c.Sensor = SensorConfig{
		Table:     strings.ToLower(o.ReadTable),
		Start:     o.RegStart,
		Count:     o.RegCount,
		TempIndex: o.TempIndex,
		HumiIndex: o.HumiIndex,
		ScaleDiv:  o.ScaleDiv,
		Signed:    o.SignedRegs,
	}
	c.Poll.PeriodMS = o.PollMS
	c.Influx.Enabled = o.InfluxEnable
	c.Influx.URL = o.InfluxURL
	c.Influx.Token = o.InfluxToken
	c.Influx.Org = o.InfluxOrg
	c.Influx.Bucket = o.InfluxBucket
	c.Influx.Measurement = o.InfluxMeas
	c.Influx.BatchSize = o.InfluxBatch
	c.Influx.FlushInterval = o.InfluxFlushMS
	c.MQTT.Broker = o.MQTTBroker
	c.MQTT.ClientID = o.MQTTClientID
	c.MQTT.TopicPrefix = o.MQTTPrefix
	c.HTTP.Addr = o.HTTPAddr
	c.Logging.Level = o.LogLevel
	c.Logging.Format = o.LogFormat

	c.setUnitID("indoor", o.IndoorID, fromFile)
	c.setUnitID("outdoor", o.OutdoorID, fromFile)
	return nil
}

// unitID returns the slave id configured for label, or def when the unit list
// does not mention it.
func (c *Config) unitID(label string, def int) int {
	for _, u := range c.Units {
		if u.Label == label {
			return u.SlaveID
		}
	}
	return def
}

// setUnitID updates the unit with the given label. When no units were configured
// from file, the indoor/outdoor pair is created in that order.
func (c *Config) setUnitID(label string, id int, fromFile bool) {
	for i := range c.Units {
		if c.Units[i].Label == label {
			c.Units[i].SlaveID = id
			return
		}
	}
	if !fromFile {
		c.Units = append(c.Units, Unit{Label: label, SlaveID: id})
	}
}

// Validate checks the configuration for required fields and consistent ranges.
func (c *Config) Validate() error {
	var errs []error

	if c.Door.LineOpen == c.Door.LineClose {
		errs = append(errs, errors.New("door.line_open and door.line_close must differ"))
	}
	if c.Door.MaxPulseMS < 1 {
		errs = append(errs, errors.New("door.max_pulse_ms must be at least 1"))
	}
	if c.Door.DefaultPulseMS < 1 || c.Door.DefaultPulseMS > c.Door.MaxPulseMS {
		errs = append(errs, fmt.Errorf("door.default_pulse_ms must be 1..%d", c.Door.MaxPulseMS))
	}
	if c.Limit.DebounceMS < 0 {
		errs = append(errs, errors.New("limit.debounce_ms must not be negative"))
	}
	if c.Limit.SampleMS < 1 {
		errs = append(errs, errors.New("limit.sample_ms must be at least 1"))
	}

	switch c.Serial.Parity {
	case "N", "E", "O":
	default:
		errs = append(errs, fmt.Errorf("serial.parity %q must be N, E or O", c.Serial.Parity))
	}
	if c.Serial.Baud <= 0 {
		errs = append(errs, errors.New("serial.baud must be positive"))
	}
	if c.Serial.TimeoutS <= 0 {
		errs = append(errs, errors.New("serial.timeout_s must be positive"))
	}

	switch c.Sensor.Table {
	case "holding", "input":
	default:
		errs = append(errs, fmt.Errorf("sensor.table %q must be holding or input", c.Sensor.Table))
	}
	if c.Sensor.Count < 1 || c.Sensor.Count > 125 {
		errs = append(errs, errors.New("sensor.count must be 1..125"))
	}
	if c.Sensor.Start < 0 || c.Sensor.Start+c.Sensor.Count > 1<<16 {
		errs = append(errs, fmt.Errorf("sensor.start %d with count %d exceeds the 16-bit register space", c.Sensor.Start, c.Sensor.Count))
	}
	if c.Sensor.TempIndex < 0 || c.Sensor.HumiIndex < 0 {
		errs = append(errs, errors.New("sensor register indices must not be negative"))
	}
	if c.Sensor.ScaleDiv == 0 {
		errs = append(errs, errors.New("sensor.scale_div must be non-zero"))
	}

	if len(c.Units) == 0 {
		errs = append(errs, errors.New("at least one unit is required"))
	}
	seen := make(map[string]bool, len(c.Units))
	for _, u := range c.Units {
		if u.Label == "" {
			errs = append(errs, errors.New("unit label is required"))
		}
		if u.Label == ReservedLabel {
			errs = append(errs, fmt.Errorf("unit label %q is reserved", ReservedLabel))
		}
		if seen[u.Label] {
			errs = append(errs, fmt.Errorf("duplicate unit label %q", u.Label))
		}
		seen[u.Label] = true
		if u.SlaveID < 1 || u.SlaveID > 247 {
			errs = append(errs, fmt.Errorf("unit %q slave_id %d must be 1..247", u.Label, u.SlaveID))
		}
	}

	if c.Influx.Enabled {
		if c.Influx.URL == "" || c.Influx.Org == "" || c.Influx.Bucket == "" {
			errs = append(errs, errors.New("influxdb url, org and bucket are required when enabled"))
		}
	}

	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}

	return errors.Join(errs...)
}

// PollPeriod returns the poll period clamped to MinPollPeriod.
func (c *Config) PollPeriod() time.Duration {
	d := time.Duration(c.Poll.PeriodMS) * time.Millisecond
	if d < MinPollPeriod {
		return MinPollPeriod
	}
	return d
}

// SerialTimeout returns the per-exchange timeout clamped to MaxSerialTimeout.
func (c *Config) SerialTimeout() time.Duration {
	d := time.Duration(c.Serial.TimeoutS * float64(time.Second))
	if d > MaxSerialTimeout {
		return MaxSerialTimeout
	}
	return d
}

// DefaultPulse returns the default pulse duration.
func (c *Config) DefaultPulse() time.Duration {
	return time.Duration(c.Door.DefaultPulseMS) * time.Millisecond
}

// MaxPulse returns the pulse ceiling.
func (c *Config) MaxPulse() time.Duration {
	return time.Duration(c.Door.MaxPulseMS) * time.Millisecond
}

// DebounceWindow returns the limit-switch debounce window.
func (c *Config) DebounceWindow() time.Duration {
	return time.Duration(c.Limit.DebounceMS) * time.Millisecond
}

// SampleInterval returns the limit-switch sampling interval.
func (c *Config) SampleInterval() time.Duration {
	return time.Duration(c.Limit.SampleMS) * time.Millisecond
}
