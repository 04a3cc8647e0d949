package mqtt

import (
	"github.com/sweeney/roofctl/internal/logic"
	"github.com/sweeney/roofctl/internal/sensor"
)

// NopPublisher discards everything. It is used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) PublishReading(string, string, sensor.Reading) error { return nil }
func (NopPublisher) PublishDoor(logic.Event) error                       { return nil }
func (NopPublisher) PublishSystem(SystemEvent) error                     { return nil }
func (NopPublisher) Close() error                                        { return nil }

// IsConnected always reports false.
func (NopPublisher) IsConnected() bool { return false }
