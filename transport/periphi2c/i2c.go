// Package periphi2c is a minimal periph.io-backed I2C bus, used only to
// talk to an I2C GPIO-expander chip-select backend: an SD-over-SPI
// driver has no I2C leg of its own, but a board may wire its card's
// chip-select line through an expander it already has on the bus,
// which is what transport/mcp23017cs uses this package for.
package periphi2c

import (
	"context"
	"fmt"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// Bus is a real I2C bus opened against a Linux i2c-dev device.
type Bus struct {
	bus i2c.BusCloser
}

// NewBus opens the I2C bus at devPath (e.g. "/dev/i2c-1" or a periph.io
// bus name such as "I2C1").
func NewBus(devPath string) (*Bus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("could not init host: %w", err)
	}
	bus, err := i2creg.Open(devPath)
	if err != nil {
		return nil, fmt.Errorf("could not open i2c bus: %w", err)
	}
	return &Bus{bus: bus}, nil
}

func (b *Bus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	if err := b.bus.Tx(uint16(address), nil, buffer); err != nil {
		return fmt.Errorf("could not read from i2c bus %x: %w", address, err)
	}
	return nil
}

func (b *Bus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	if err := b.bus.Tx(uint16(address), buffer, nil); err != nil {
		return fmt.Errorf("could not write to i2c bus %x: %w", address, err)
	}
	return nil
}

// Close releases the underlying i2c-dev handle.
func (b *Bus) Close() error {
	return b.bus.Close()
}
