package mqtt

import (
	"sync"

	"github.com/sweeney/roofctl/internal/logic"
	"github.com/sweeney/roofctl/internal/sensor"
)

// PublishedReading is one reading recorded by FakePublisher.
type PublishedReading struct {
	Label   string
	Table   string
	Reading sensor.Reading
}

// FakePublisher records published messages for test assertions.
// It is safe for concurrent use.
type FakePublisher struct {
	mu sync.Mutex

	// Readings contains all readings that were published.
	Readings []PublishedReading

	// DoorEvents contains all door events that were published.
	DoorEvents []logic.Event

	// Payloads contains the JSON payloads of readings and door events.
	Payloads [][]byte

	// SystemEvents contains all system events that were published.
	SystemEvents []SystemEvent

	// SystemPayloads contains the JSON payloads for system events.
	SystemPayloads [][]byte

	// PublishError, if set, is returned by PublishReading and PublishDoor.
	PublishError error

	// PublishSystemError, if set, is returned by PublishSystem.
	PublishSystemError error

	Closed    bool
	Connected bool
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

// PublishReading records the reading.
func (f *FakePublisher) PublishReading(label, table string, r sensor.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}

	payload, err := FormatReadingPayload(label, table, r)
	if err != nil {
		return err
	}
	f.Readings = append(f.Readings, PublishedReading{Label: label, Table: table, Reading: r})
	f.Payloads = append(f.Payloads, payload)
	return nil
}

// PublishDoor records the door event.
func (f *FakePublisher) PublishDoor(event logic.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}

	payload, err := FormatDoorPayload(event)
	if err != nil {
		return err
	}
	f.DoorEvents = append(f.DoorEvents, event)
	f.Payloads = append(f.Payloads, payload)
	return nil
}

// PublishSystem records the system event.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}

	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.SystemEvents = append(f.SystemEvents, event)
	f.SystemPayloads = append(f.SystemPayloads, payload)
	return nil
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// IsConnected reports whether the fake publisher is "connected".
func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// SystemEventNames returns the Event field of every recorded system event.
func (f *FakePublisher) SystemEventNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.SystemEvents))
	for i, e := range f.SystemEvents {
		out[i] = e.Event
	}
	return out
}

// DoorEventTypes returns the types of every recorded door event.
func (f *FakePublisher) DoorEventTypes() []logic.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]logic.EventType, len(f.DoorEvents))
	for i, e := range f.DoorEvents {
		out[i] = e.Type
	}
	return out
}

// ReadingLabels returns the labels of every recorded reading.
func (f *FakePublisher) ReadingLabels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Readings))
	for i, r := range f.Readings {
		out[i] = r.Label
	}
	return out
}

// Reset clears recorded events.
func (f *FakePublisher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Readings = nil
	f.DoorEvents = nil
	f.Payloads = nil
	f.SystemEvents = nil
	f.SystemPayloads = nil
	f.Closed = false
	f.PublishError = nil
	f.PublishSystemError = nil
	f.Connected = false
}
