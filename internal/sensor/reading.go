package sensor

import (
	"encoding/json"
	"math"
	"time"

	"github.com/sweeney/roofctl/internal/logic"
)

// Reading is one acquisition from one unit. It is immutable once built.
type Reading struct {
	UnitID       int
	Raw          []uint16
	HumidityPct  float64
	TemperatureC float64
	// DewPointC is NaN when humidity is outside (0, 100].
	DewPointC float64
	Timestamp time.Time
}

// readingJSON is the wire form: values rounded to one decimal, NaN as null.
type readingJSON struct {
	UnitID    int       `json:"unit_id"`
	Raw       []uint16  `json:"raw"`
	Humi      *float64  `json:"humi"`
	Temp      *float64  `json:"temp"`
	DewPoint  *float64  `json:"dewpoint"`
	Timestamp time.Time `json:"ts"`
}

// MarshalJSON implements json.Marshaler.
func (r Reading) MarshalJSON() ([]byte, error) {
	raw := r.Raw
	if raw == nil {
		raw = []uint16{}
	}
	return json.Marshal(readingJSON{
		UnitID:    r.UnitID,
		Raw:       raw,
		Humi:      rounded(r.HumidityPct),
		Temp:      rounded(r.TemperatureC),
		DewPoint:  rounded(r.DewPointC),
		Timestamp: r.Timestamp,
	})
}

// HasDewPoint reports whether the dew point is defined.
func (r Reading) HasDewPoint() bool {
	return !math.IsNaN(r.DewPointC)
}

func rounded(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	v = logic.Round1(v)
	return &v
}
