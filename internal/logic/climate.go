package logic

import "math"

// Magnus coefficients over water, valid roughly -45..60 °C.
const (
	magnusA = 17.62
	magnusB = 243.12
)

// DewPoint returns the dew point in °C for tempC and relative humidity rh (%).
// It returns NaN when rh is outside (0, 100].
func DewPoint(tempC, rh float64) float64 {
	if !(rh > 0 && rh <= 100) {
		return math.NaN()
	}
	gamma := (magnusA*tempC)/(magnusB+tempC) + math.Log(rh/100)
	return (magnusB * gamma) / (magnusA - gamma)
}

// ScaleRegister converts a raw register to a physical value. When signed is
// set the register is read as two's-complement int16.
func ScaleRegister(raw uint16, divisor float64, signed bool) float64 {
	if signed {
		return float64(int16(raw)) / divisor
	}
	return float64(raw) / divisor
}

// Round1 rounds v to one decimal place. NaN is returned unchanged.
func Round1(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	return math.Round(v*10) / 10
}
