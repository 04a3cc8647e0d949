package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	apperrors "github.com/sweeney/roofctl/internal/errors"
)

// Port is the byte stream the transport talks over. go.bug.st/serial ports
// satisfy it.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// readSlice is the longest a single port read waits before ctx is checked.
const readSlice = 50 * time.Millisecond

// Opener opens the underlying port. It is called lazily on the first
// exchange and again after any I/O failure.
type Opener func() (Port, error)

// Transport serializes register reads over one half-duplex line.
type Transport struct {
	open    Opener
	timeout time.Duration
	log     *slog.Logger

	// sem guards port and every request/response exchange.
	sem  chan struct{}
	port Port
}

// NewTransport creates a Transport. timeout bounds each request/response
// exchange.
func NewTransport(open Opener, timeout time.Duration, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		open:    open,
		timeout: timeout,
		log:     logger.With("component", "modbus"),
		sem:     make(chan struct{}, 1),
	}
}

// ReadRegisters reads count registers starting at start from slaveID.
//
// Connect failures, timeouts, CRC errors and device exceptions are returned
// as transport errors. The connection is dropped after an I/O failure so the
// next call reconnects.
func (t *Transport) ReadRegisters(ctx context.Context, slaveID byte, table Table, start, count uint16) ([]uint16, error) {
	if count == 0 || count > MaxRegisters {
		return nil, apperrors.InvalidArgumentError(fmt.Sprintf("register count %d must be 1..%d", count, MaxRegisters))
	}

	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, apperrors.TransportError("waiting for bus", ctx.Err())
	}
	defer func() { <-t.sem }()

	if err := ctx.Err(); err != nil {
		return nil, apperrors.TransportError("waiting for bus", err)
	}

	if t.port == nil {
		p, err := t.open()
		if err != nil {
			return nil, transportErr("connect", slaveID, err)
		}
		t.log.Info("serial port opened")
		t.port = p
	}

	regs, err := t.exchange(ctx, slaveID, table, start, count)
	if err != nil {
		if !keepsConnection(err) {
			t.dropLocked(err)
		}
		return nil, transportErr("read registers", slaveID, err)
	}
	return regs, nil
}

func (t *Transport) exchange(ctx context.Context, slaveID byte, table Table, start, count uint16) ([]uint16, error) {
	deadline := time.Now().Add(t.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := t.port.ResetInputBuffer(); err != nil {
		return nil, fmt.Errorf("reset input: %w", err)
	}
	if _, err := t.port.Write(BuildReadRequest(slaveID, table, start, count)); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	frame := make([]byte, 3, 3+2*MaxRegisters+2)
	if err := t.readFull(ctx, frame, deadline); err != nil {
		return nil, err
	}
	n := responseLength(frame)
	if n > cap(frame) {
		return nil, fmt.Errorf("%w: byte count %d", ErrUnexpectedResponse, frame[2])
	}
	frame = frame[:n]
	if err := t.readFull(ctx, frame[3:], deadline); err != nil {
		return nil, err
	}
	return ParseReadResponse(frame, slaveID, table, count)
}

// readFull fills buf or fails with ErrTimeout once deadline passes. Reads
// wait at most readSlice each so cancellation of ctx is noticed promptly.
func (t *Transport) readFull(ctx context.Context, buf []byte, deadline time.Time) error {
	for off := 0; off < len(buf); {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTimeout
		}
		if err := t.port.SetReadTimeout(min(remaining, readSlice)); err != nil {
			return fmt.Errorf("set read timeout: %w", err)
		}
		n, err := t.port.Read(buf[off:])
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		off += n
	}
	return nil
}

func (t *Transport) dropLocked(cause error) {
	if t.port == nil {
		return
	}
	if err := t.port.Close(); err != nil {
		t.log.Debug("close after failure", "error", err)
	}
	t.port = nil
	t.log.Warn("serial exchange failed, will reconnect", "error", cause)
}

// Close releases the port. A later ReadRegisters reopens it.
func (t *Transport) Close() error {
	t.sem <- struct{}{}
	defer func() { <-t.sem }()

	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

// keepsConnection reports whether err came from a device that answered (or a
// silent unit) rather than from the port itself.
func keepsConnection(err error) bool {
	var exc *ExceptionError
	return errors.As(err, &exc) ||
		errors.Is(err, ErrCRC) ||
		errors.Is(err, ErrUnexpectedResponse) ||
		errors.Is(err, ErrTimeout)
}

func transportErr(op string, slaveID byte, err error) error {
	return apperrors.TransportError(op, err).WithContext("unit_id", int(slaveID))
}
