package logic

import "time"

// Heartbeat decides when a periodic liveness event is due and keeps the
// event counts reported with it.
type Heartbeat struct {
	interval  time.Duration
	startTime time.Time
	last      time.Time
	counts    EventCounts
}

// NewHeartbeat creates a heartbeat with the given interval. The startTime is
// used for calculating uptime.
func NewHeartbeat(interval time.Duration, startTime time.Time) *Heartbeat {
	return &Heartbeat{
		interval:  interval,
		startTime: startTime,
		last:      startTime,
	}
}

// Record counts one event.
func (h *Heartbeat) Record(e EventType) {
	h.counts.Count(e)
}

// Counts returns the event counts since startup.
func (h *Heartbeat) Counts() EventCounts {
	return h.counts
}

// Check returns heartbeat data if the interval has elapsed since the last
// heartbeat (or startup). Returns nil if the interval has not elapsed or if
// the interval is <= 0 (disabled).
func (h *Heartbeat) Check(now time.Time) *HeartbeatData {
	if h.interval <= 0 {
		return nil
	}
	if now.Sub(h.last) < h.interval {
		return nil
	}

	h.last = now
	return &HeartbeatData{
		Timestamp: now,
		Uptime:    now.Sub(h.startTime),
		Counts:    h.counts,
	}
}
