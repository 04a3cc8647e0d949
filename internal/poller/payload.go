package poller

import (
	"encoding/json"
	"time"

	apperrors "github.com/sweeney/roofctl/internal/errors"
	"github.com/sweeney/roofctl/internal/sensor"
)

// Payload is the result of one tick, broadcast to every subscriber.
type Payload struct {
	Timestamp time.Time
	OK        bool
	Units     map[string]UnitResult
}

// UnitResult is either a reading or the error that prevented it.
type UnitResult struct {
	UnitID  int
	Reading *sensor.Reading
	Err     error
}

type payloadJSON struct {
	TS    int64                 `json:"ts"`
	OK    bool                  `json:"ok"`
	Units map[string]UnitResult `json:"units"`
}

type unitErrorJSON struct {
	UnitID int            `json:"unit_id"`
	Error  string         `json:"error"`
	Kind   apperrors.Kind `json:"kind,omitempty"`
}

// MarshalJSON encodes the timestamp as Unix milliseconds.
func (p Payload) MarshalJSON() ([]byte, error) {
	return json.Marshal(payloadJSON{
		TS:    p.Timestamp.UnixMilli(),
		OK:    p.OK,
		Units: p.Units,
	})
}

// MarshalJSON encodes the reading, or {unit_id, error, kind} on failure.
func (u UnitResult) MarshalJSON() ([]byte, error) {
	if u.Err != nil || u.Reading == nil {
		msg := "no reading"
		if u.Err != nil {
			msg = u.Err.Error()
		}
		return json.Marshal(unitErrorJSON{
			UnitID: u.UnitID,
			Error:  msg,
			Kind:   apperrors.KindOf(u.Err),
		})
	}
	return json.Marshal(u.Reading)
}
