package modbus

import (
	"errors"
	"sync"
	"time"
)

// FakeBus simulates slaves on a serial line for tests. Each Opener call
// returns a new port connected to the same bus.
type FakeBus struct {
	mu     sync.Mutex
	slaves map[byte]*FakeSlave
	opens  int
	ports  []*fakePort

	// OpenError, if set, is returned by the opener.
	OpenError error
}

// FakeSlave is one simulated device.
type FakeSlave struct {
	// Registers are returned from the requested start offset.
	Registers []uint16
	// Exception, if non-zero, is returned instead of data.
	Exception byte
	// Silent slaves never answer.
	Silent bool
	// CorruptCRC flips the checksum of every response.
	CorruptCRC bool
	// Short returns only this many registers when > 0.
	Short int
}

// NewFakeBus creates an empty bus.
func NewFakeBus() *FakeBus {
	return &FakeBus{slaves: make(map[byte]*FakeSlave)}
}

// Set installs or replaces a slave.
func (b *FakeBus) Set(id byte, s *FakeSlave) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slaves[id] = s
}

// Opens returns the number of times the opener was called.
func (b *FakeBus) Opens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

// Opener returns an Opener that connects to the bus.
func (b *FakeBus) Opener() Opener {
	return func() (Port, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.OpenError != nil {
			return nil, b.OpenError
		}
		b.opens++
		p := &fakePort{bus: b}
		b.ports = append(b.ports, p)
		return p, nil
	}
}

// Unplug closes every open port so the next exchange fails with an I/O error.
func (b *FakeBus) Unplug() {
	b.mu.Lock()
	ports := b.ports
	b.ports = nil
	b.mu.Unlock()

	for _, p := range ports {
		_ = p.Close()
	}
}

func (b *FakeBus) respond(req []byte) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(req) != 8 || !checkCRC(req) {
		return nil
	}
	s, ok := b.slaves[req[0]]
	if !ok || s.Silent {
		return nil
	}

	fc := req[1]
	if s.Exception != 0 {
		return b.finish(s, []byte{req[0], fc | 0x80, s.Exception})
	}

	start := int(req[2])<<8 | int(req[3])
	count := int(req[4])<<8 | int(req[5])
	if s.Short > 0 && s.Short < count {
		count = s.Short
	}
	if start+count > len(s.Registers) {
		return b.finish(s, []byte{req[0], fc | 0x80, 0x02})
	}

	out := []byte{req[0], fc, byte(count * 2)}
	for _, r := range s.Registers[start : start+count] {
		out = append(out, byte(r>>8), byte(r))
	}
	return b.finish(s, out)
}

func (b *FakeBus) finish(s *FakeSlave, pdu []byte) []byte {
	frame := appendCRC(pdu)
	if s.CorruptCRC {
		frame[len(frame)-1] ^= 0xFF
	}
	return frame
}

// fakePort delivers responses a few bytes at a time to exercise framing.
type fakePort struct {
	mu      sync.Mutex
	bus     *FakeBus
	pending []byte
	timeout time.Duration
	closed  bool
}

var errPortClosed = errors.New("fake port closed")

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errPortClosed
	}
	p.pending = append(p.pending, p.bus.respond(b)...)
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errPortClosed
	}
	if len(p.pending) == 0 {
		timeout := p.timeout
		p.mu.Unlock()
		// Behave like a serial port read timeout.
		time.Sleep(timeout)
		return 0, nil
	}
	defer p.mu.Unlock()

	n := copy(b, p.pending[:min(len(p.pending), 4)])
	p.pending = p.pending[n:]
	return n, nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = t
	return nil
}

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil
	return nil
}
