// Command roofctl drives the enclosure roof, watches its limit switch, polls the
// RS-485 climate sensors and serves the HTTP command surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sweeney/roofctl/internal/config"
	"github.com/sweeney/roofctl/internal/door"
	"github.com/sweeney/roofctl/internal/gpio"
	"github.com/sweeney/roofctl/internal/hub"
	"github.com/sweeney/roofctl/internal/limit"
	"github.com/sweeney/roofctl/internal/logging"
	"github.com/sweeney/roofctl/internal/logic"
	"github.com/sweeney/roofctl/internal/metrics"
	"github.com/sweeney/roofctl/internal/modbus"
	"github.com/sweeney/roofctl/internal/mqtt"
	"github.com/sweeney/roofctl/internal/poller"
	"github.com/sweeney/roofctl/internal/sensor"
	"github.com/sweeney/roofctl/internal/status"
	"github.com/sweeney/roofctl/internal/tsdb"
	"github.com/sweeney/roofctl/internal/web"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	eventBuffer       = 64
	lifecycleTick     = time.Second
	shutdownTimeout   = 5 * time.Second
	printStateTimeout = 3 * time.Second
)

func main() {
	configPath := flag.String("config", "", "YAML config file (environment variables override it)")
	printState := flag.Bool("print-state", false, "Print limit switch and sensor readings and exit")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Logging, version)
	slog.SetDefault(logger)

	if err := run(cfg, logger, *printState); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, printState bool) error {
	units := sensorUnits(cfg.Units)

	table, err := modbus.ParseTable(cfg.Sensor.Table)
	if err != nil {
		return fmt.Errorf("sensor table: %w", err)
	}
	opener, err := modbus.SerialOpener(modbus.SerialConfig{
		Port:     cfg.Serial.Port,
		Baud:     cfg.Serial.Baud,
		Parity:   cfg.Serial.Parity,
		DataBits: cfg.Serial.ByteSize,
		StopBits: cfg.Serial.StopBits,
	})
	if err != nil {
		return fmt.Errorf("serial config: %w", err)
	}
	transport := modbus.NewTransport(opener, cfg.SerialTimeout(), logger)
	reader, err := sensor.NewReader(transport, sensor.Config{
		Table:        table,
		Start:        uint16(cfg.Sensor.Start),
		Count:        uint16(cfg.Sensor.Count),
		TempIndex:    cfg.Sensor.TempIndex,
		HumiIndex:    cfg.Sensor.HumiIndex,
		ScaleDivisor: cfg.Sensor.ScaleDiv,
		Signed:       cfg.Sensor.Signed,
	}, nil)
	if err != nil {
		_ = transport.Close()
		return fmt.Errorf("sensor reader: %w", err)
	}

	limitLine, err := gpio.OpenInput(cfg.Door.Chip, cfg.Limit.Line)
	if err != nil {
		_ = transport.Close()
		return fmt.Errorf("open limit line: %w", err)
	}

	if printState {
		defer transport.Close()
		defer limitLine.Close()
		return printCurrentState(os.Stdout, limitLine, cfg.Limit.ActiveHigh, reader, units)
	}

	reg := metrics.NewRegistry()
	doorMetrics := metrics.NewDoorMetrics(reg)

	tracker := status.NewTracker(time.Now(), status.Config{
		PollMs:      cfg.PollPeriod().Milliseconds(),
		DebounceMs:  cfg.DebounceWindow().Milliseconds(),
		MaxPulseMs:  cfg.MaxPulse().Milliseconds(),
		HeartbeatMs: heartbeatInterval(cfg).Milliseconds(),
		Broker:      cfg.MQTT.Broker,
		HTTPAddr:    cfg.HTTP.Addr,
		Units:       unitLabels(units),
	}, nil)
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	events := make(chan logic.Event, eventBuffer)
	emit := func(e logic.Event) {
		select {
		case events <- e:
		default:
			logger.Warn("event queue full, dropping event", "event", e.Type)
		}
	}

	openLine, err := gpio.OpenOutput(cfg.Door.Chip, cfg.Door.LineOpen)
	if err != nil {
		_ = limitLine.Close()
		_ = transport.Close()
		return fmt.Errorf("open OPEN line: %w", err)
	}
	closeLine, err := gpio.OpenOutput(cfg.Door.Chip, cfg.Door.LineClose)
	if err != nil {
		_ = openLine.Close()
		_ = limitLine.Close()
		_ = transport.Close()
		return fmt.Errorf("open CLOSE line: %w", err)
	}
	act, err := door.New(openLine, closeLine, door.Options{
		OpenOffset:  cfg.Door.LineOpen,
		CloseOffset: cfg.Door.LineClose,
		MaxPulse:    cfg.MaxPulse(),
		Logger:      logger,
		Metrics:     doorMetrics,
		OnEvent:     emit,
	})
	if err != nil {
		_ = openLine.Close()
		_ = closeLine.Close()
		_ = limitLine.Close()
		_ = transport.Close()
		return fmt.Errorf("init actuator: %w", err)
	}
	defer func() {
		if err := act.Close(); err != nil {
			logger.Error("close actuator", "error", err)
		}
	}()

	in, err := limit.New(limitLine, limit.Options{
		Offset:         cfg.Limit.Line,
		ActiveHigh:     cfg.Limit.ActiveHigh,
		SampleInterval: cfg.SampleInterval(),
		DebounceWindow: cfg.DebounceWindow(),
		Logger:         logger,
		Metrics:        doorMetrics,
		OnChange: func(active bool, at time.Time) {
			e := logic.Event{Timestamp: at, Type: logic.EventLimitOff, State: act.Status().State}
			if active {
				e.Type = logic.EventLimitOn
			}
			emit(e)
		},
	})
	if err != nil {
		_ = limitLine.Close()
		_ = transport.Close()
		return fmt.Errorf("init limit input: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := in.Close(ctx); err != nil {
			logger.Error("close limit input", "error", err)
		}
	}()
	tracker.SetLimit(in.Read())

	var publisher mqtt.Publisher = mqtt.NopPublisher{}
	var mqttStatus mqtt.ConnectionStatus = mqtt.NopPublisher{}
	if cfg.MQTT.Broker != "" {
		p, err := mqtt.NewRealPublisher(mqtt.Options{
			Broker:             cfg.MQTT.Broker,
			ClientID:           cfg.MQTT.ClientID,
			Topics:             mqtt.NewTopics(cfg.MQTT.TopicPrefix),
			Logger:             logger,
			OnConnectionChange: tracker.SetMQTTConnected,
		})
		if err != nil {
			_ = transport.Close()
			return fmt.Errorf("init mqtt: %w", err)
		}
		publisher, mqttStatus = p, p
	}
	defer publisher.Close()
	tracker.SetMQTTConnected(mqttStatus.IsConnected())

	pollMetrics := metrics.NewPollMetrics(reg)
	sink, err := buildSink(cfg, publisher, pollMetrics.SinkError, logger)
	if err != nil {
		_ = transport.Close()
		return err
	}

	h := hub.New(logger, metrics.NewHubMetrics(reg))
	loop := poller.New(reader, h, sink, poller.Options{
		Units:   units,
		Table:   table.String(),
		Period:  cfg.PollPeriod(),
		Closer:  transport,
		Logger:  logger,
		Metrics: pollMetrics,
		Tracker: tracker,
	})
	defer func() {
		if err := loop.Shutdown(); err != nil {
			logger.Error("poller shutdown", "error", err)
		}
	}()

	srv := web.New(act, in, reader, h, tracker, web.Options{
		Addr:         cfg.HTTP.Addr,
		Version:      version,
		DefaultPulse: cfg.DefaultPulse(),
		Units:        units,
		MaxWSPerSec:  cfg.HTTP.MaxWSPerSec,
		Registry:     reg,
		Logger:       logger,
	})

	// Publish startup event with full status snapshot
	snap := tracker.Snapshot()
	startup := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      string(logic.EventStartup),
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, string(logic.EventStartup), ""),
	}
	if err := publisher.PublishSystem(startup); err != nil {
		logger.Warn("failed to publish startup event", "error", err)
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
	}()

	pollCtx, stopPoll := context.WithCancel(context.Background())
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		_ = loop.Run(pollCtx)
	}()
	defer func() {
		stopPoll()
		<-pollDone
	}()

	logger.Info("started",
		"http", cfg.HTTP.Addr,
		"poll", cfg.PollPeriod(),
		"units", unitLabels(units),
		"broker", cfg.MQTT.Broker,
		"influx", cfg.Influx.Enabled,
	)

	ticker := time.NewTicker(lifecycleTick)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	return runLoop(lifecycle{
		events:     events,
		publisher:  publisher,
		mqttStatus: mqttStatus,
		tracker:    tracker,
		heartbeat:  heartbeatInterval(cfg),
		clock:      clockwork.NewRealClock(),
		tick:       ticker.C,
		sig:        sigCh,
		log:        logger,
	})
}

// buildSink fans readings out to InfluxDB and MQTT, whichever are configured.
// Both write in the background; onWriteError, if set, is called for every
// failed write after it has been logged.
func buildSink(cfg *config.Config, publisher mqtt.Publisher, onWriteError func(), logger *slog.Logger) (tsdb.Sink, error) {
	var onError func(error)
	if onWriteError != nil {
		onError = func(error) { onWriteError() }
	}

	var sinks tsdb.Multi

	influx, err := tsdb.NewInflux(cfg.Influx, logger)
	switch {
	case errors.Is(err, tsdb.ErrDisabled):
	case err != nil:
		return nil, fmt.Errorf("init influxdb: %w", err)
	default:
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := influx.HealthCheck(ctx); err != nil {
			logger.Warn("influxdb not healthy, writes will be retried", "error", err)
		}
		cancel()
		if onError != nil {
			influx.SetOnError(func(err error) {
				logger.Warn("influx write failed", "error", err)
				onError(err)
			})
		}
		sinks = append(sinks, influx)
	}

	if cfg.MQTT.Broker != "" {
		sinks = append(sinks, mqtt.NewReadingSink(publisher, mqtt.SinkOptions{Logger: logger, OnError: onError}))
	}

	if len(sinks) == 0 {
		return tsdb.Nop{}, nil
	}
	return sinks, nil
}

// lifecycle carries runLoop's collaborators.
type lifecycle struct {
	events     <-chan logic.Event
	publisher  mqtt.Publisher
	mqttStatus mqtt.ConnectionStatus
	tracker    *status.Tracker
	heartbeat  time.Duration
	clock      clockwork.Clock
	tick       <-chan time.Time
	sig        <-chan os.Signal
	log        *slog.Logger
}

// runLoop publishes door and limit events, keeps the status tracker current
// and emits heartbeats until a signal arrives.
func runLoop(lc lifecycle) error {
	hb := logic.NewHeartbeat(lc.heartbeat, lc.clock.Now())

	for {
		select {
		case s := <-lc.sig:
			reason := signalName(s)
			lc.log.Info("shutting down", "signal", reason)
			lc.tracker.SetMQTTConnected(lc.mqttStatus.IsConnected())
			snap := lc.tracker.Snapshot()
			event := mqtt.SystemEvent{
				Timestamp:  snap.Now,
				Event:      string(logic.EventShutdown),
				Reason:     reason,
				Retained:   true,
				RawPayload: status.FormatStatusEvent(snap, string(logic.EventShutdown), reason),
			}
			if err := lc.publisher.PublishSystem(event); err != nil {
				lc.log.Warn("failed to publish shutdown event", "error", err)
			}
			return nil

		case e := <-lc.events:
			hb.Record(e.Type)
			switch e.Type {
			case logic.EventLimitOn:
				lc.tracker.SetLimit(true)
			case logic.EventLimitOff:
				lc.tracker.SetLimit(false)
			}
			lc.tracker.UpdateDoor(e.State, hb.Counts())
			lc.log.Info("event", "type", e.Type, "state", e.State, "target", e.Target)
			if err := lc.publisher.PublishDoor(e); err != nil {
				lc.log.Warn("publish error", "event", e.Type, "error", err)
			}

		case <-lc.tick:
			lc.tracker.SetMQTTConnected(lc.mqttStatus.IsConnected())

			hbData := hb.Check(lc.clock.Now())
			if hbData == nil {
				continue
			}
			c := hbData.Counts
			lc.log.Info("heartbeat", "uptime", hbData.Uptime,
				"pulses", c.Pulses, "holds", c.Holds, "stops", c.Stops, "faults", c.Faults, "limit_changes", c.LimitChanges)

			// Refresh network info for heartbeat
			if net := readNetworkInfo(); net != nil {
				lc.tracker.SetNetwork(net)
			}
			snap := lc.tracker.Snapshot()
			event := mqtt.SystemEvent{
				Timestamp:  hbData.Timestamp,
				Event:      string(logic.EventHeartbeat),
				RawPayload: status.FormatStatusEvent(snap, string(logic.EventHeartbeat), ""),
			}
			if err := lc.publisher.PublishSystem(event); err != nil {
				lc.log.Warn("heartbeat publish error", "error", err)
			}
		}
	}
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}

func heartbeatInterval(cfg *config.Config) time.Duration {
	return time.Duration(cfg.MQTT.HeartbeatS) * time.Second
}

func sensorUnits(units []config.Unit) []sensor.Unit {
	out := make([]sensor.Unit, len(units))
	for i, u := range units {
		out[i] = sensor.Unit{Label: u.Label, SlaveID: u.SlaveID}
	}
	return out
}

func unitLabels(units []sensor.Unit) []string {
	out := make([]string, len(units))
	for i, u := range units {
		out[i] = u.Label
	}
	return out
}
