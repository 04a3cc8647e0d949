package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string     `json:"event,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	Door          DoorJSON   `json:"door"`
	Limit         LimitJSON  `json:"limit"`
	Poll          PollJSON   `json:"poll"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	StartTime     string     `json:"start_time"`
	Timestamp     string     `json:"timestamp"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Counts        CountsJSON   `json:"event_counts"`
	Network       *NetworkJSON `json:"network,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// DoorJSON reports the actuator state.
type DoorJSON struct {
	State string `json:"state"`
}

// LimitJSON reports the limit switch; Active is null until the first sample.
type LimitJSON struct {
	Active *bool `json:"active"`
}

// PollJSON reports acquisition loop progress.
type PollJSON struct {
	LastTick    string `json:"last_tick,omitempty"`
	LastOK      bool   `json:"last_ok"`
	Ticks       uint64 `json:"ticks"`
	FailedTicks uint64 `json:"failed_ticks"`
	Subscribers int    `json:"subscribers"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of event counts.
type CountsJSON struct {
	Pulses       int `json:"pulses"`
	Holds        int `json:"holds"`
	Stops        int `json:"stops"`
	Faults       int `json:"faults"`
	LimitChanges int `json:"limit_changes"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of controller config.
type ConfigJSON struct {
	PollMs      int64    `json:"poll_ms"`
	DebounceMs  int64    `json:"debounce_ms"`
	MaxPulseMs  int64    `json:"max_pulse_ms"`
	HeartbeatMs int64    `json:"heartbeat_ms"`
	Broker      string   `json:"broker"`
	HTTPAddr    string   `json:"http_addr"`
	Units       []string `json:"units"`
}

func buildInner(snap Snapshot) StatusInner {
	door := string(snap.Door)
	if door == "" {
		door = "unknown"
	}

	inner := StatusInner{
		Door:          DoorJSON{State: door},
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Poll: PollJSON{
			LastOK:      snap.LastOK,
			Ticks:       snap.Ticks,
			FailedTicks: snap.FailedTicks,
			Subscribers: snap.Subscribers,
		},
		Counts: CountsJSON{
			Pulses:       snap.Counts.Pulses,
			Holds:        snap.Counts.Holds,
			Stops:        snap.Counts.Stops,
			Faults:       snap.Counts.Faults,
			LimitChanges: snap.Counts.LimitChanges,
		},
		Config: ConfigJSON{
			PollMs:      snap.Config.PollMs,
			DebounceMs:  snap.Config.DebounceMs,
			MaxPulseMs:  snap.Config.MaxPulseMs,
			HeartbeatMs: snap.Config.HeartbeatMs,
			Broker:      snap.Config.Broker,
			HTTPAddr:    snap.Config.HTTPAddr,
			Units:       snap.Config.Units,
		},
	}
	if snap.LimitKnown {
		active := snap.LimitActive
		inner.Limit.Active = &active
	}
	if n := snap.Network; n != nil {
		inner.Network = &NetworkJSON{
			Type:       n.Type,
			IP:         n.IP,
			Status:     n.Status,
			Gateway:    n.Gateway,
			WifiStatus: n.WifiStatus,
			SSID:       n.SSID,
		}
	}
	if !snap.LastTick.IsZero() {
		inner.Poll.LastTick = snap.LastTick.UTC().Format(time.RFC3339)
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
