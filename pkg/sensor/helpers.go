package sensor

// Calibration holds the raw-to-engineering conversion factors. Values are
// fixed for the lifetime of a Source.
type Calibration struct {
	BusLSB         float32 `json:"bus_lsb" yaml:"bus_lsb"`                 // V per bus count
	ShuntLSB       float32 `json:"shunt_lsb" yaml:"shunt_lsb"`             // mV per shunt count
	CurrentDivider float32 `json:"current_divider" yaml:"current_divider"` // counts per mA
	CurrentOffset  float32 `json:"current_offset" yaml:"current_offset"`   // mA subtracted after scaling
	PowerLSB       float32 `json:"power_lsb" yaml:"power_lsb"`             // mW per power count
}

// DefaultCalibration matches a 0.1 ohm shunt with the device calibration
// register set to 4096.
func DefaultCalibration() Calibration {
	return Calibration{
		BusLSB:         0.004,
		ShuntLSB:       0.01,
		CurrentDivider: 10,
		CurrentOffset:  6.0,
		PowerLSB:       2,
	}
}

// withDefaults fills unset factors from DefaultCalibration. A zero offset is
// a legitimate value and is kept.
func (c Calibration) withDefaults() Calibration {
	d := DefaultCalibration()
	if c.BusLSB == 0 {
		c.BusLSB = d.BusLSB
	}
	if c.ShuntLSB == 0 {
		c.ShuntLSB = d.ShuntLSB
	}
	if c.CurrentDivider == 0 {
		c.CurrentDivider = d.CurrentDivider
	}
	if c.PowerLSB == 0 {
		c.PowerLSB = d.PowerLSB
	}
	return c
}

// Convert turns the four raw register values into a ChannelSample.
func (c Calibration) Convert(bus, shunt, current, power int16) ChannelSample {
	c = c.withDefaults()
	return ChannelSample{
		RawBus:     bus,
		RawShunt:   shunt,
		RawCurrent: current,
		RawPower:   power,
		BusV:       float32(bus) * c.BusLSB,
		ShuntMV:    float32(shunt) * c.ShuntLSB,
		CurrentMA:  float32(current)/c.CurrentDivider - c.CurrentOffset,
		PowerMW:    float32(power) * c.PowerLSB,
	}
}
