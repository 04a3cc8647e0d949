package main

import (
	"context"
	"fmt"
	"io"

	"github.com/sweeney/roofctl/internal/gpio"
	"github.com/sweeney/roofctl/internal/logic"
	"github.com/sweeney/roofctl/internal/poller"
	"github.com/sweeney/roofctl/internal/sensor"
)

// printCurrentState reads the limit line once and every unit once. Unit
// failures are printed, not returned.
func printCurrentState(w io.Writer, line gpio.Line, activeHigh bool, reader poller.UnitReader, units []sensor.Unit) error {
	level, err := line.Read()
	if err != nil {
		return fmt.Errorf("read limit line: %w", err)
	}
	fmt.Fprintf(w, "limit: %s\n", stateString(logic.Normalize(level, activeHigh)))

	ctx, cancel := context.WithTimeout(context.Background(), printStateTimeout)
	defer cancel()
	for _, u := range units {
		rd, err := reader.ReadUnit(ctx, u.SlaveID)
		if err != nil {
			fmt.Fprintf(w, "%s (%d): error: %v\n", u.Label, u.SlaveID, err)
			continue
		}
		dew := "n/a"
		if rd.HasDewPoint() {
			dew = fmt.Sprintf("%.1fC", logic.Round1(rd.DewPointC))
		}
		fmt.Fprintf(w, "%s (%d): temp=%.1fC humi=%.1f%% dewpoint=%s\n",
			u.Label, u.SlaveID, logic.Round1(rd.TemperatureC), logic.Round1(rd.HumidityPct), dew)
	}
	return nil
}

func stateString(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}
