// Package modbus implements the small part of Modbus RTU the controller
// needs: register block reads (function codes 0x03 and 0x04) over one shared
// serial line.
package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Table selects the register class to read.
type Table byte

const (
	// Holding registers, function code 0x03.
	Holding Table = 0x03
	// Input registers, function code 0x04.
	Input Table = 0x04
)

// MaxRegisters is the protocol limit for one read request.
const MaxRegisters = 125

// ParseTable accepts "holding" or "input".
func ParseTable(s string) (Table, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "holding":
		return Holding, nil
	case "input":
		return Input, nil
	}
	return 0, fmt.Errorf("unknown register table %q", s)
}

func (t Table) String() string {
	switch t {
	case Holding:
		return "holding"
	case Input:
		return "input"
	}
	return fmt.Sprintf("table(0x%02x)", byte(t))
}

var (
	// ErrCRC means the response checksum did not match.
	ErrCRC = errors.New("modbus: crc mismatch")
	// ErrTimeout means the device did not answer within the exchange timeout.
	ErrTimeout = errors.New("modbus: response timeout")
	// ErrUnexpectedResponse means the response did not match the request.
	ErrUnexpectedResponse = errors.New("modbus: unexpected response")
)

// ExceptionError is a protocol exception returned by the device.
type ExceptionError struct {
	Function byte
	Code     byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus: exception 0x%02x (%s) for function 0x%02x", e.Code, exceptionText(e.Code), e.Function)
}

func exceptionText(code byte) string {
	switch code {
	case 0x01:
		return "illegal function"
	case 0x02:
		return "illegal data address"
	case 0x03:
		return "illegal data value"
	case 0x04:
		return "server device failure"
	case 0x06:
		return "server device busy"
	case 0x0B:
		return "gateway target failed to respond"
	}
	return "unknown"
}

func computeCRC(data []byte) uint16 {
	var crc uint16 = 0xFFFF
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if (crc & 0x0001) != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

func appendCRC(frame []byte) []byte {
	crc := computeCRC(frame)
	return append(frame, byte(crc&0xFF), byte(crc>>8))
}

func checkCRC(frame []byte) bool {
	if len(frame) < 3 {
		return false
	}
	n := len(frame) - 2
	want := uint16(frame[n]) | uint16(frame[n+1])<<8
	return computeCRC(frame[:n]) == want
}

// BuildReadRequest encodes a register block read. start is the zero-based
// protocol address.
func BuildReadRequest(slaveID byte, table Table, start, count uint16) []byte {
	pdu := []byte{slaveID, byte(table), byte(start >> 8), byte(start), byte(count >> 8), byte(count)}
	return appendCRC(pdu)
}

// responseLength returns the full frame length implied by the first three
// bytes of a response.
func responseLength(header []byte) int {
	if header[1]&0x80 != 0 {
		return 5
	}
	return 3 + int(header[2]) + 2
}

// ParseReadResponse validates a complete response frame and decodes its
// registers (big-endian).
func ParseReadResponse(frame []byte, slaveID byte, table Table, count uint16) ([]uint16, error) {
	if len(frame) < 5 {
		return nil, fmt.Errorf("%w: %d bytes", ErrUnexpectedResponse, len(frame))
	}
	if !checkCRC(frame) {
		return nil, ErrCRC
	}
	if frame[0] != slaveID {
		return nil, fmt.Errorf("%w: slave %d, want %d", ErrUnexpectedResponse, frame[0], slaveID)
	}
	if frame[1] == byte(table)|0x80 {
		return nil, &ExceptionError{Function: byte(table), Code: frame[2]}
	}
	if frame[1] != byte(table) {
		return nil, fmt.Errorf("%w: function 0x%02x, want 0x%02x", ErrUnexpectedResponse, frame[1], byte(table))
	}

	byteCount := int(frame[2])
	if byteCount%2 != 0 || len(frame) != 3+byteCount+2 {
		return nil, fmt.Errorf("%w: byte count %d in %d-byte frame", ErrUnexpectedResponse, byteCount, len(frame))
	}
	if byteCount/2 > int(count) {
		return nil, fmt.Errorf("%w: %d registers, requested %d", ErrUnexpectedResponse, byteCount/2, count)
	}

	regs := make([]uint16, byteCount/2)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(frame[3+i*2:])
	}
	return regs, nil
}
