package hub

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrFakeSend is returned by a FakeSubscriber configured to fail.
var ErrFakeSend = errors.New("hub: fake send failure")

// FakeSubscriber records payloads for tests.
type FakeSubscriber struct {
	id uuid.UUID

	mu       sync.Mutex
	payloads [][]byte
	fail     bool
	closed   bool
}

// NewFakeSubscriber creates a FakeSubscriber with a random id.
func NewFakeSubscriber() *FakeSubscriber {
	return &FakeSubscriber{id: uuid.New()}
}

// ID implements Subscriber.
func (f *FakeSubscriber) ID() uuid.UUID { return f.id }

// Send implements Subscriber.
func (f *FakeSubscriber) Send(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail || f.closed {
		return ErrFakeSend
	}
	f.payloads = append(f.payloads, append([]byte(nil), payload...))
	return nil
}

// Close implements Subscriber.
func (f *FakeSubscriber) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

// SetFail makes subsequent sends fail.
func (f *FakeSubscriber) SetFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

// Payloads returns a copy of the received payloads.
func (f *FakeSubscriber) Payloads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.payloads...)
}

// Closed reports whether Close was called.
func (f *FakeSubscriber) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
