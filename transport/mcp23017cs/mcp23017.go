// Package mcp23017cs drives an sdspi.ChipSelect line through one pin of
// an MCP23017 I2C GPIO expander, for boards where the SD card's CS line
// hangs off an expander they already have on the I2C bus rather than a
// native GPIO. It latches a single output bit on port A via OLATA,
// leaving the expander's other seven pins untouched.
package mcp23017cs

import (
	"context"
	"fmt"
	"sync"

	"github.com/mklimuk/sdctl/transport/periphi2c"
)

// DefaultAddress is the I2C address used when the config gives none: an
// MCP23017 with A0 tied high and A1/A2 grounded.
const DefaultAddress = 0x21

const (
	iodirA byte = 0x00
	gpioA  byte = 0x12
	olatA  byte = 0x14
)

// ChipSelect drives one pin of MCP23017 port A as the SD card's CS
// line.
type ChipSelect struct {
	mx      sync.Mutex
	bus     *periphi2c.Bus
	address byte
	pin     byte // 0-7, bit index within port A
	state   byte // cached OLATA value, so SetLow/SetHigh only touch their own bit
}

// NewChipSelect configures pin (0-7) of address's port A as an output
// and returns an sdspi.ChipSelect backed by it. The line starts high
// (deselected).
func NewChipSelect(bus *periphi2c.Bus, address byte, pin byte) (*ChipSelect, error) {
	if pin > 7 {
		return nil, fmt.Errorf("mcp23017cs: pin %d out of range 0-7", pin)
	}
	cs := &ChipSelect{bus: bus, address: address, pin: pin, state: 0xFF}

	current, err := cs.readRegistry(context.Background(), iodirA)
	if err != nil {
		return nil, fmt.Errorf("mcp23017cs: read IODIRA: %w", err)
	}
	iodir := current &^ (1 << pin) // clear bit: 0 means output on MCP23017
	if err := cs.writeRegistry(context.Background(), iodirA, iodir); err != nil {
		return nil, fmt.Errorf("mcp23017cs: configure pin %d as output: %w", pin, err)
	}
	olat, err := cs.readRegistry(context.Background(), olatA)
	if err != nil {
		return nil, fmt.Errorf("mcp23017cs: read OLATA: %w", err)
	}
	cs.state = olat
	if err := cs.SetHigh(); err != nil {
		return nil, err
	}
	return cs, nil
}

func (cs *ChipSelect) writeRegistry(ctx context.Context, reg, value byte) error {
	err := cs.bus.WriteToAddr(ctx, cs.address, []byte{reg, value})
	if err != nil {
		return fmt.Errorf("could not write mcp23017 registry %#02x: %w", reg, err)
	}
	return nil
}

func (cs *ChipSelect) readRegistry(ctx context.Context, reg byte) (byte, error) {
	if err := cs.bus.WriteToAddr(ctx, cs.address, []byte{reg}); err != nil {
		return 0, fmt.Errorf("could not set mcp23017 registry address: %w", err)
	}
	buf := make([]byte, 1)
	if err := cs.bus.ReadFromAddr(ctx, cs.address, buf); err != nil {
		return 0, fmt.Errorf("could not read mcp23017 registry %#02x: %w", reg, err)
	}
	return buf[0], nil
}

func (cs *ChipSelect) setPin(high bool) error {
	cs.mx.Lock()
	defer cs.mx.Unlock()
	next := cs.state
	if high {
		next |= 1 << cs.pin
	} else {
		next &^= 1 << cs.pin
	}
	if err := cs.writeRegistry(context.Background(), olatA, next); err != nil {
		return err
	}
	cs.state = next
	return nil
}

// SetLow implements sdspi.ChipSelect.
func (cs *ChipSelect) SetLow() error { return cs.setPin(false) }

// SetHigh implements sdspi.ChipSelect.
func (cs *ChipSelect) SetHigh() error { return cs.setPin(true) }
