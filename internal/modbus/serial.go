package modbus

import (
	"fmt"
	"strings"

	"go.bug.st/serial"
)

// SerialConfig describes an RS-485 port.
type SerialConfig struct {
	Port     string
	Baud     int
	Parity   string // N, E or O
	DataBits int
	StopBits int
}

// SerialOpener returns an Opener for the configured serial port.
func SerialOpener(cfg SerialConfig) (Opener, error) {
	mode, err := serialMode(cfg)
	if err != nil {
		return nil, err
	}
	return func() (Port, error) {
		p, err := serial.Open(cfg.Port, mode)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Port, err)
		}
		return p, nil
	}, nil
}

func serialMode(cfg SerialConfig) (*serial.Mode, error) {
	mode := &serial.Mode{BaudRate: cfg.Baud, DataBits: cfg.DataBits}

	switch strings.ToUpper(cfg.Parity) {
	case "", "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("unsupported parity %q", cfg.Parity)
	}

	switch cfg.StopBits {
	case 0, 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("unsupported stop bits %d", cfg.StopBits)
	}

	if mode.DataBits == 0 {
		mode.DataBits = 8
	}
	return mode, nil
}
