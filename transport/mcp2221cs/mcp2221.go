// Package mcp2221cs drives an sdspi.ChipSelect line through an MCP2221
// USB-HID adapter's GPIO pins, for hosts with no free native GPIO.
package mcp2221cs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/karalabe/hid"
)

const vendorID = 0x04D8
const productID = 0x00DD

var ErrCommandFailed = errors.New("mcp2221cs: command failed")

// GPIOMode mirrors the MCP2221's GP pin mode encoding.
type GPIOMode byte

const (
	gpioModeOut GPIOMode = 0b00000000
)

// ChipSelect drives one MCP2221 GPIO pin (0-3) as the SD card's CS line.
type ChipSelect struct {
	mx       sync.Mutex
	line     int
	request  []byte
	response []byte
	wait     time.Duration
}

// NewChipSelect configures GPIO line (0-3) as an output and returns an
// sdspi.ChipSelect backed by it. The line starts high (deselected).
func NewChipSelect(line int) (*ChipSelect, error) {
	if line < 0 || line > 3 {
		return nil, fmt.Errorf("mcp2221cs: line %d out of range 0-3", line)
	}
	cs := &ChipSelect{
		line:     line,
		request:  make([]byte, 64),
		response: make([]byte, 64),
		wait:     50 * time.Millisecond,
	}
	if err := cs.setGPIOOutput(); err != nil {
		return nil, err
	}
	if err := cs.SetHigh(); err != nil {
		return nil, err
	}
	return cs, nil
}

// setGPIOOutput issues "Set GP parameters" (report 0xB1) configuring
// cs.line as a GPIO output, leaving the other three lines untouched as
// no-ops.
func (cs *ChipSelect) setGPIOOutput() error {
	cs.mx.Lock()
	defer cs.mx.Unlock()
	cs.resetBuffers()
	cs.request[0] = 0xB1
	cs.request[1] = 0x01
	for i := 0; i < 4; i++ {
		if i == cs.line {
			cs.request[2+i] = byte(gpioModeOut)
		} else {
			cs.request[2+i] = 0xEF // no-operation: leave this pin's configuration untouched
		}
	}
	if err := cs.send(context.Background()); err != nil {
		return fmt.Errorf("set GP parameters failed: %w", err)
	}
	if cs.response[1] == 0x01 {
		return ErrCommandFailed
	}
	return nil
}

// writeGPIO issues "Set GPIO Output Values" (report 0x50), the MCP2221
// command symmetric with the "Get GPIO Values" read (report 0x51), to
// drive a single pin's output level.
func (cs *ChipSelect) writeGPIO(high bool) error {
	cs.mx.Lock()
	defer cs.mx.Unlock()
	cs.resetBuffers()
	cs.request[0] = 0x50
	// Per-pin "alter this pin" byte pairs start at offset 2: [alter, value].
	offset := 2 + cs.line*2
	cs.request[offset] = 0x01
	if high {
		cs.request[offset+1] = 0x01
	} else {
		cs.request[offset+1] = 0x00
	}
	if err := cs.send(context.Background()); err != nil {
		return fmt.Errorf("set GPIO output values failed: %w", err)
	}
	if cs.response[1] == 0x01 {
		return ErrCommandFailed
	}
	return nil
}

// SetLow implements sdspi.ChipSelect.
func (cs *ChipSelect) SetLow() error { return cs.writeGPIO(false) }

// SetHigh implements sdspi.ChipSelect.
func (cs *ChipSelect) SetHigh() error { return cs.writeGPIO(true) }

func (cs *ChipSelect) resetBuffers() {
	resetBuffer(cs.request)
	resetBuffer(cs.response)
}

func resetBuffer(buf []byte) {
	for i := 0; i < len(buf)-1; i++ {
		buf[i] = 0x00
	}
}

func (cs *ChipSelect) send(ctx context.Context) error {
	devs := hid.Enumerate(vendorID, productID)
	if len(devs) == 0 {
		return fmt.Errorf("mcp2221 device not found")
	}
	dev, err := devs[0].Open()
	if err != nil {
		return fmt.Errorf("error opening device: %w", err)
	}
	defer dev.Close()

	n, err := dev.Write(cs.request)
	if err != nil {
		return fmt.Errorf("could not write request: %w", err)
	}
	if n != 64 {
		return fmt.Errorf("short write: %d", n)
	}
	time.Sleep(cs.wait)
	n, err = dev.Read(cs.response)
	if err != nil {
		return fmt.Errorf("could not read response: %w", err)
	}
	if n != 64 {
		return fmt.Errorf("short read: %d", n)
	}
	return nil
}
