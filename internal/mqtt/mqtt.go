// Package mqtt publishes readings, door events and lifecycle events to a
// broker, with a fake for tests.
package mqtt

import (
	"encoding/json"
	"math"
	"time"

	"github.com/sweeney/roofctl/internal/logic"
	"github.com/sweeney/roofctl/internal/sensor"
)

// DefaultTopicPrefix is used when no prefix is configured.
const DefaultTopicPrefix = "roofctl"

// Topics holds the topic names under one prefix.
type Topics struct {
	prefix string
}

// NewTopics returns the topic set for prefix.
func NewTopics(prefix string) Topics {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{prefix: prefix}
}

// Reading returns the topic for readings from the unit labelled label.
func (t Topics) Reading(label string) string { return t.prefix + "/climate/" + label }

// Door returns the topic for door and limit-switch events.
func (t Topics) Door() string { return t.prefix + "/door/events" }

// System returns the topic for lifecycle events.
func (t Topics) System() string { return t.prefix + "/system" }

// Publisher publishes events to MQTT.
type Publisher interface {
	// PublishReading sends one sensor reading. Failures must not crash the process.
	PublishReading(label, table string, r sensor.Reading) error

	// PublishDoor sends a door or limit-switch event.
	PublishDoor(event logic.Event) error

	// PublishSystem sends a system lifecycle event.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (STARTUP, SHUTDOWN, HEARTBEAT, ...).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string
	Reason     string // e.g. "SIGTERM" (shutdown only)
	RawPayload []byte // pre-formatted payload; FormatSystemPayload returns it unchanged
	Retained   bool
}

// ReadingPayload is the message published for each reading.
type ReadingPayload struct {
	Reading ReadingInner `json:"reading"`
}

// ReadingInner contains the reading values, rounded to one decimal.
type ReadingInner struct {
	Timestamp string   `json:"timestamp"`
	Location  string   `json:"location"`
	Table     string   `json:"table"`
	UnitID    int      `json:"unit_id"`
	Temp      float64  `json:"temp"`
	Humi      float64  `json:"humi"`
	DewPoint  *float64 `json:"dewpoint"`
}

// FormatReadingPayload creates the JSON payload for a reading.
func FormatReadingPayload(label, table string, r sensor.Reading) ([]byte, error) {
	inner := ReadingInner{
		Timestamp: r.Timestamp.UTC().Format(time.RFC3339),
		Location:  label,
		Table:     table,
		UnitID:    r.UnitID,
		Temp:      logic.Round1(r.TemperatureC),
		Humi:      logic.Round1(r.HumidityPct),
	}
	if !math.IsNaN(r.DewPointC) {
		dp := logic.Round1(r.DewPointC)
		inner.DewPoint = &dp
	}
	return json.Marshal(ReadingPayload{Reading: inner})
}

// DoorPayload is the message published for a door event.
type DoorPayload struct {
	Door DoorInner `json:"door"`
}

// DoorInner contains the door event details.
type DoorInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	State     string `json:"state"`
	Target    string `json:"target,omitempty"`
}

// FormatDoorPayload creates the JSON payload for a door event.
func FormatDoorPayload(event logic.Event) ([]byte, error) {
	return json.Marshal(DoorPayload{
		Door: DoorInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     string(event.Type),
			State:     string(event.State),
			Target:    string(event.Target),
		},
	})
}

// SystemPayload is the payload for simple system events (LWT, RECONNECTED)
// that do not carry a status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}
	return json.Marshal(SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	})
}
