package pins

import (
	"fmt"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// DefaultI2CAddr is the PCF8574 address with A0-A2 tied low.
const DefaultI2CAddr = 0x20

// I2CBus talks to a PCF8574-style expander: a one byte read returns the pin
// levels, a one byte write sets the latches.
type I2CBus struct {
	bus i2c.BusCloser
	dev *i2c.Dev
}

// OpenI2C initializes periph.io and opens the named I2C bus ("" selects the
// first available bus).
func OpenI2C(name string, addr uint16) (*I2CBus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %q: %w", name, err)
	}
	return &I2CBus{
		bus: bus,
		dev: &i2c.Dev{Bus: bus, Addr: addr},
	}, nil
}

// ReadPort reads the port in one transaction.
func (b *I2CBus) ReadPort() (uint8, error) {
	var buf [1]byte
	if err := b.dev.Tx(nil, buf[:]); err != nil {
		return Released, fmt.Errorf("i2c read: %w", err)
	}
	return buf[0], nil
}

// WritePort writes the port in one transaction.
func (b *I2CBus) WritePort(v uint8) error {
	if err := b.dev.Tx([]byte{v}, nil); err != nil {
		return fmt.Errorf("i2c write: %w", err)
	}
	return nil
}

// Close releases the bus.
func (b *I2CBus) Close() error {
	return b.bus.Close()
}
