// Package sensor reads temperature/humidity units over Modbus and derives
// the dew point.
package sensor

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jonboulle/clockwork"

	apperrors "github.com/sweeney/roofctl/internal/errors"
	"github.com/sweeney/roofctl/internal/logic"
	"github.com/sweeney/roofctl/internal/modbus"
)

// RegisterReader is the bus the reader talks to. *modbus.Transport satisfies it.
type RegisterReader interface {
	ReadRegisters(ctx context.Context, slaveID byte, table modbus.Table, start, count uint16) ([]uint16, error)
}

// Config describes the register window and its conversion.
type Config struct {
	Table        modbus.Table
	Start        uint16
	Count        uint16
	TempIndex    int
	HumiIndex    int
	ScaleDivisor float64
	// Signed decodes registers as int16 so sub-zero temperatures survive.
	Signed bool
}

// Unit maps a label to a slave address.
type Unit struct {
	Label   string
	SlaveID int
}

// Reader acquires readings from units on a shared bus.
type Reader struct {
	bus   RegisterReader
	cfg   Config
	clock clockwork.Clock
}

// NewReader validates cfg and creates a Reader.
func NewReader(bus RegisterReader, cfg Config, clock clockwork.Clock) (*Reader, error) {
	if cfg.ScaleDivisor == 0 {
		return nil, fmt.Errorf("scale divisor must be non-zero")
	}
	if cfg.TempIndex < 0 || cfg.HumiIndex < 0 {
		return nil, fmt.Errorf("register indices must not be negative")
	}
	if cfg.Count == 0 {
		return nil, fmt.Errorf("register count must be positive")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Reader{bus: bus, cfg: cfg, clock: clock}, nil
}

// Table returns the configured register table.
func (r *Reader) Table() modbus.Table {
	return r.cfg.Table
}

// ReadUnit reads one unit and converts its registers.
//
// Transport failures are returned as transport errors; a block with fewer
// registers than the configured indices need is a data error. An undefined
// dew point is not an error.
func (r *Reader) ReadUnit(ctx context.Context, slaveID int) (Reading, error) {
	if slaveID < 1 || slaveID > 247 {
		return Reading{}, apperrors.InvalidArgumentError("unit id must be 1..247").WithContext("unit_id", slaveID)
	}

	regs, err := r.bus.ReadRegisters(ctx, byte(slaveID), r.cfg.Table, r.cfg.Start, r.cfg.Count)
	if err != nil {
		return Reading{}, err
	}

	need := max(r.cfg.TempIndex, r.cfg.HumiIndex) + 1
	if len(regs) < need {
		return Reading{}, apperrors.DataError(fmt.Sprintf("got %d registers, need %d", len(regs), need)).
			WithContext("unit_id", slaveID).
			WithContext("raw", regs)
	}

	temp := logic.ScaleRegister(regs[r.cfg.TempIndex], r.cfg.ScaleDivisor, r.cfg.Signed)
	humi := logic.ScaleRegister(regs[r.cfg.HumiIndex], r.cfg.ScaleDivisor, r.cfg.Signed)

	return Reading{
		UnitID:       slaveID,
		Raw:          regs,
		HumidityPct:  humi,
		TemperatureC: temp,
		DewPointC:    logic.DewPoint(temp, humi),
		Timestamp:    r.clock.Now(),
	}, nil
}

// NameFor returns the label configured for slaveID, or "unit_<id>".
func NameFor(units []Unit, slaveID int) string {
	for _, u := range units {
		if u.SlaveID == slaveID {
			return u.Label
		}
	}
	return "unit_" + strconv.Itoa(slaveID)
}
