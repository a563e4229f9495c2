// Package atmosphere derives freestream conditions from the International
// Standard Atmosphere, used to fill Reynolds number, pressure and temperature
// into solver configs per Mach number.
package atmosphere

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/unit"
)

const (
	Gamma         = 1.4     // ratio of specific heats for air
	GasConstant   = 287.05  // J/(kg K)
	Gravity       = 9.80665 // m/s^2
	FeetToMetres  = 0.3048
	SeaLevelTemp  = 288.15   // K
	SeaLevelPress = 101325.0 // Pa
	LapseRate     = -0.00649 // K/m
	Tropopause    = 11000.0  // m

	// Above the tropopause the model holds temperature and pressure constant.
	StratosphereTemp  = 216.65  // K
	StratospherePress = 22632.1 // Pa

	sutherlandMu0 = 1.716e-5 // Pa s at sutherlandT0
	sutherlandT0  = 273.15   // K
	sutherlandS   = 110.4    // K
)

// State is the static atmosphere at one altitude.
type State struct {
	Altitude     unit.Length
	Temperature  unit.Temperature
	Pressure     unit.Pressure
	Density      float64 // kg/m^3
	SpeedOfSound unit.Velocity
	Viscosity    float64 // dynamic, Pa s
}

// At returns the atmosphere at altitudeFt feet.
func At(altitudeFt float64) State {
	h := altitudeFt * FeetToMetres
	var t, p float64
	if h <= Tropopause {
		t = SeaLevelTemp + LapseRate*h
		p = SeaLevelPress * math.Pow(1+LapseRate*h/SeaLevelTemp, -Gravity/(GasConstant*LapseRate))
	} else {
		t = StratosphereTemp
		p = StratospherePress
	}
	return State{
		Altitude:     unit.Length(h),
		Temperature:  unit.Temperature(t),
		Pressure:     unit.Pressure(p),
		Density:      p / (GasConstant * t),
		SpeedOfSound: unit.Velocity(SpeedOfSound(t)),
		Viscosity:    Viscosity(t),
	}
}

// SpeedOfSound returns the speed of sound in m/s at temperature t (K).
func SpeedOfSound(t float64) float64 {
	return math.Sqrt(Gamma * GasConstant * t)
}

// Viscosity returns dynamic viscosity (Pa s) at temperature t (K) by
// Sutherland's law.
func Viscosity(t float64) float64 {
	return sutherlandMu0 * ((sutherlandT0 + sutherlandS) / (t + sutherlandS)) * math.Pow(t/sutherlandT0, 1.5)
}

// Freestream is a flight condition resolved against the atmosphere.
type Freestream struct {
	State
	Mach     float64
	Speed    unit.Velocity
	Length   unit.Length
	Reynolds float64
}

// NewFreestream resolves mach at altitudeFt for a reference length in metres.
func NewFreestream(mach, altitudeFt, length float64) (Freestream, error) {
	var errs []error
	for name, v := range map[string]float64{"mach": mach, "altitude": altitudeFt, "length": length} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			errs = append(errs, fmt.Errorf("%s must be finite", name))
		}
	}
	if mach < 0 {
		errs = append(errs, fmt.Errorf("mach must be >= 0, got %v", mach))
	}
	if length <= 0 {
		errs = append(errs, fmt.Errorf("reference length must be > 0, got %v", length))
	}
	if h := altitudeFt * FeetToMetres; 1+LapseRate*h/SeaLevelTemp <= 0 {
		errs = append(errs, fmt.Errorf("altitude %v ft is outside the model", altitudeFt))
	}
	if err := errors.Join(errs...); err != nil {
		return Freestream{}, err
	}

	st := At(altitudeFt)
	v := mach * float64(st.SpeedOfSound)
	return Freestream{
		State:    st,
		Mach:     mach,
		Speed:    unit.Velocity(v),
		Length:   unit.Length(length),
		Reynolds: st.Density * v * length / st.Viscosity,
	}, nil
}
