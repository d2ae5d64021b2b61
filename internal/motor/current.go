package motor

import (
	"fmt"

	"periph.io/x/conn/v3/analog"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/pin/pinreg"
	"periph.io/x/host/v3"
)

// Hall-effect sensor calibration (5 A module).
const (
	DefaultZeroVolts   = 2.5
	DefaultVoltsPerAmp = 0.185
)

// ADC is the subset of analog.PinADC the sensor reads.
type ADC interface {
	Range() (analog.Sample, analog.Sample)
	Read() (analog.Sample, error)
}

// HallSensor converts an ADC reading from a hall-effect current sensor into
// amps: (V - zero) / sensitivity.
type HallSensor struct {
	adc         ADC
	zero        float64
	voltsPerAmp float64
}

// NewHallSensor wraps adc with the default calibration.
func NewHallSensor(adc ADC) *HallSensor {
	return &HallSensor{adc: adc, zero: DefaultZeroVolts, voltsPerAmp: DefaultVoltsPerAmp}
}

// OpenHallSensor initializes periph.io and finds the named analog pin.
func OpenHallSensor(name string) (*HallSensor, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	adc := findADC(name)
	if adc == nil {
		return nil, fmt.Errorf("analog pin %q not found", name)
	}
	return NewHallSensor(adc), nil
}

func findADC(name string) analog.PinADC {
	if p, ok := gpioreg.ByName(name).(analog.PinADC); ok {
		return p
	}
	for _, header := range pinreg.All() {
		for _, row := range header {
			for _, p := range row {
				if a, ok := p.(analog.PinADC); ok && p.Name() == name {
					return a
				}
			}
		}
	}
	return nil
}

// Amps implements CurrentSensor.
func (h *HallSensor) Amps() (float64, error) {
	s, err := h.adc.Read()
	if err != nil {
		return 0, fmt.Errorf("read adc: %w", err)
	}
	return (h.volts(s) - h.zero) / h.voltsPerAmp, nil
}

// volts uses the sample's tension when the device reports one, otherwise
// scales the raw count against the pin's full range.
func (h *HallSensor) volts(s analog.Sample) float64 {
	if s.V != 0 {
		return float64(s.V) / float64(physic.Volt)
	}
	_, full := h.adc.Range()
	if full.Raw == 0 {
		return 0
	}
	return float64(s.Raw) / float64(full.Raw) * float64(full.V) / float64(physic.Volt)
}
