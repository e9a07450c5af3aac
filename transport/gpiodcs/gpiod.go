// Package gpiodcs implements sdspi.ChipSelect over a Linux GPIO
// character device line, the idiomatic way to drive a CS pin on a
// Linux SBC header when the SPI controller doesn't own that pin
// itself. It is the default chip-select backend cmd/sdctl uses.
package gpiodcs

import (
	"fmt"

	"github.com/warthog618/gpiod"
)

// ChipSelect drives a single requested gpiod line as an SD card's CS.
type ChipSelect struct {
	line *gpiod.Line
}

// NewChipSelect requests line on chip (e.g. "gpiochip0") as an output
// and returns an sdspi.ChipSelect backed by it. The line starts high
// (deselected).
func NewChipSelect(chip string, line int) (*ChipSelect, error) {
	c, err := gpiod.NewChip(chip)
	if err != nil {
		return nil, fmt.Errorf("could not open gpio chip %s: %w", chip, err)
	}
	l, err := c.RequestLine(line, gpiod.AsOutput(1))
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("could not request gpio line %d as output: %w", line, err)
	}
	// The chip handle isn't needed once the line is requested; gpiod
	// keeps the line usable independently of it.
	_ = c.Close()
	return &ChipSelect{line: l}, nil
}

// SetLow implements sdspi.ChipSelect.
func (cs *ChipSelect) SetLow() error {
	if err := cs.line.SetValue(0); err != nil {
		return fmt.Errorf("could not drive cs line low: %w", err)
	}
	return nil
}

// SetHigh implements sdspi.ChipSelect.
func (cs *ChipSelect) SetHigh() error {
	if err := cs.line.SetValue(1); err != nil {
		return fmt.Errorf("could not drive cs line high: %w", err)
	}
	return nil
}

// Close releases the underlying gpiod line.
func (cs *ChipSelect) Close() error {
	return cs.line.Close()
}
