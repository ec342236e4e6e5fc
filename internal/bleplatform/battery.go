// battery.go reads a board's battery voltage from a periph.io-managed ADC
// channel for the batteryRuntime field advertised in JOIN_ME (spec §4.2);
// wired as a domain-stack dependency per SPEC_FULL §1, since periph.io
// appears in the example pack as the host-GPIO/ADC access library and this
// is the one component of this core with an actual analog sensor reading.
package bleplatform

import (
	"fmt"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

// BatteryReader samples a board's battery rail through a periph.io analog
// input. Boards without a configured channel use a FixedBatteryReader
// instead (see boardconfig.Config.BatteryADCChannel).
type BatteryReader interface {
	// ReadPercent returns an estimated remaining-battery percentage in
	// [0,100], or an error if the channel could not be sampled.
	ReadPercent() (uint8, error)
}

// FixedBatteryReader reports a constant value, used for mains-powered
// boards or hosts without battery telemetry.
type FixedBatteryReader struct {
	Percent uint8
}

func (f FixedBatteryReader) ReadPercent() (uint8, error) {
	return f.Percent, nil
}

// periphBatteryReader samples voltage through a host-registered periph.io
// analog pin and converts it to a percentage using a simple linear model
// between empty and full cell voltage.
type periphBatteryReader struct {
	sample     func() (physic.ElectricPotential, error)
	emptyMilli int64
	fullMilli  int64
}

// InitHost registers periph.io's host drivers exactly once per process;
// callers invoke it before constructing a periphBatteryReader.
func InitHost() error {
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("bleplatform: periph host init: %w", err)
	}
	return nil
}

// NewPeriphBatteryReader wraps sample (a periph.io analog pin's Read,
// already bound to a specific channel by the caller) with empty/full cell
// voltage bounds in millivolts for percentage conversion.
func NewPeriphBatteryReader(sample func() (physic.ElectricPotential, error), emptyMilli, fullMilli int64) BatteryReader {
	return &periphBatteryReader{sample: sample, emptyMilli: emptyMilli, fullMilli: fullMilli}
}

func (p *periphBatteryReader) ReadPercent() (uint8, error) {
	v, err := p.sample()
	if err != nil {
		return 0, fmt.Errorf("bleplatform: sample battery adc: %w", err)
	}
	milli := int64(v / physic.MilliVolt)
	span := p.fullMilli - p.emptyMilli
	if span <= 0 {
		return 0, fmt.Errorf("bleplatform: invalid battery voltage span")
	}
	pct := (milli - p.emptyMilli) * 100 / span
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return uint8(pct), nil
}
