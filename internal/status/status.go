// Package status provides a thread-safe status tracker for the controller.
// It is read by HTTP handlers and by the lifecycle events published to MQTT.
package status

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sweeney/roofctl/internal/logic"
)

// Config contains controller configuration for display.
type Config struct {
	PollMs      int64
	DebounceMs  int64
	MaxPulseMs  int64
	HeartbeatMs int64
	Broker      string
	HTTPAddr    string
	Units       []string
}

// NetworkInfo describes the host's network link as reported by the OS helper.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Tick describes one completed poll tick.
type Tick struct {
	At          time.Time
	OK          bool
	Payload     []byte
	Subscribers int
}

// Snapshot is a point-in-time view of controller state.
// It is a value type and safe to use after the lock is released.
type Snapshot struct {
	Door          logic.ActuatorState
	LimitKnown    bool
	LimitActive   bool
	Counts        logic.EventCounts
	LastTick      time.Time
	LastOK        bool
	Ticks         uint64
	FailedTicks   uint64
	Subscribers   int
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the controller started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable controller state behind an RWMutex.
type Tracker struct {
	clock clockwork.Clock

	mu          sync.RWMutex
	snap        Snapshot
	lastPayload []byte
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config, clock clockwork.Clock) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{
		clock: clock,
		snap: Snapshot{
			Door:      logic.StateIdle,
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// UpdateDoor sets the actuator state and event counts.
func (t *Tracker) UpdateDoor(state logic.ActuatorState, counts logic.EventCounts) {
	t.mu.Lock()
	t.snap.Door = state
	t.snap.Counts = counts
	t.mu.Unlock()
}

// SetLimit records the debounced limit-switch level.
func (t *Tracker) SetLimit(active bool) {
	t.mu.Lock()
	t.snap.LimitKnown = true
	t.snap.LimitActive = active
	t.mu.Unlock()
}

// RecordTick records a completed poll tick and keeps its payload.
func (t *Tracker) RecordTick(tick Tick) {
	t.mu.Lock()
	t.snap.LastTick = tick.At
	t.snap.LastOK = tick.OK
	t.snap.Ticks++
	if !tick.OK {
		t.snap.FailedTicks++
	}
	t.snap.Subscribers = tick.Subscribers
	t.lastPayload = tick.Payload
	t.mu.Unlock()
}

// LastPayload returns the payload of the most recent tick, or nil before the
// first one. Callers must not modify it.
func (t *Tracker) LastPayload() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastPayload
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork records the network info. A nil info clears it.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	var cp *NetworkInfo
	if info != nil {
		n := *info
		cp = &n
	}
	t.mu.Lock()
	t.snap.Network = cp
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the controller state.
// The Now field is set from the tracker's clock at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = t.clock.Now()
	return s
}
