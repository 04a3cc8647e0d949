// Package logic contains the pure rules of the enclosure controller: actuator
// states and targets, the debounce step, register conversion and dew point.
// This package has NO external dependencies (no GPIO, serial, MQTT, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import (
	"fmt"
	"strings"
	"time"
)

// ActuatorState is the state of the door actuator.
type ActuatorState string

const (
	StateIdle         ActuatorState = "idle"
	StateOpening      ActuatorState = "opening"
	StateClosing      ActuatorState = "closing"
	StateHoldingOpen  ActuatorState = "holding_open"
	StateHoldingClose ActuatorState = "holding_close"
)

// AllStates lists every actuator state.
var AllStates = []ActuatorState{StateIdle, StateOpening, StateClosing, StateHoldingOpen, StateHoldingClose}

// Target selects one of the two actuator outputs.
type Target string

const (
	TargetOpen  Target = "open"
	TargetClose Target = "close"
)

// ParseTarget accepts "open" or "close" in any case.
func ParseTarget(s string) (Target, error) {
	switch Target(strings.ToLower(strings.TrimSpace(s))) {
	case TargetOpen:
		return TargetOpen, nil
	case TargetClose:
		return TargetClose, nil
	}
	return "", fmt.Errorf("unknown target %q (want open or close)", s)
}

// PulseState returns the state held while a pulse on t runs.
func (t Target) PulseState() ActuatorState {
	if t == TargetOpen {
		return StateOpening
	}
	return StateClosing
}

// HoldState returns the state held while t is held.
func (t Target) HoldState() ActuatorState {
	if t == TargetOpen {
		return StateHoldingOpen
	}
	return StateHoldingClose
}

// EventType identifies a published door event.
type EventType string

const (
	EventPulse     EventType = "PULSE"
	EventHold      EventType = "HOLD"
	EventStop      EventType = "STOP"
	EventIdle      EventType = "IDLE"
	EventFault     EventType = "FAULT"
	EventLimitOn   EventType = "LIMIT_ON"
	EventLimitOff  EventType = "LIMIT_OFF"
	EventStartup   EventType = "STARTUP"
	EventShutdown  EventType = "SHUTDOWN"
	EventHeartbeat EventType = "HEARTBEAT"
)

// Event is a door or limit-switch transition to be published.
type Event struct {
	Timestamp time.Time
	Type      EventType
	State     ActuatorState
	Target    Target
}

// EventCounts tracks the number of door events since startup.
type EventCounts struct {
	Pulses       int
	Holds        int
	Stops        int
	Faults       int
	LimitChanges int
}

// Count increments the counter for e.
func (c *EventCounts) Count(e EventType) {
	switch e {
	case EventPulse:
		c.Pulses++
	case EventHold:
		c.Holds++
	case EventStop:
		c.Stops++
	case EventFault:
		c.Faults++
	case EventLimitOn, EventLimitOff:
		c.LimitChanges++
	}
}

// HeartbeatData contains information for a heartbeat event.
type HeartbeatData struct {
	Timestamp time.Time
	Uptime    time.Duration
	Counts    EventCounts
}
