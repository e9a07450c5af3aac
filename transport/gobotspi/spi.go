// Package gobotspi implements sdspi.Transceiver over a Gobot SPI
// connection, issuing ReadCommandData/WriteBytes calls as a raw
// full-duplex byte exchange rather than the fixed-shape command/data
// pairs a memory-chip driver would use.
package gobotspi

import (
	"fmt"

	"gobot.io/x/gobot/v2/drivers/spi"
)

// gobotSPIConnection is the subset of gobot.io/x/gobot/v2's spi.Connection
// this package needs, named here so callers don't have to import gobot
// just to satisfy the New constructor's parameter type.
type gobotSPIConnection interface {
	ReadCommandData(command []byte, data []byte) error
	WriteBytes(data []byte) error
}

// Bus wraps a gobot SPI connection (as obtained from
// spi.NewDriver(adaptor, busName).Connection()) and implements
// sdspi.Transceiver over it.
type Bus struct {
	conn gobotSPIConnection
}

// New wraps an already-started gobot SPI connection.
func New(conn gobotSPIConnection) *Bus {
	return &Bus{conn: conn}
}

// NewFromDriver starts drv and wraps its resulting connection. drv is
// typically spi.NewDriver(adaptor, "spi", opts...).
func NewFromDriver(drv *spi.Driver) (*Bus, error) {
	if err := drv.Start(); err != nil {
		return nil, fmt.Errorf("spi driver start failed: %w", err)
	}
	conn, ok := drv.Connection().(gobotSPIConnection)
	if !ok {
		return nil, fmt.Errorf("spi connection does not support required operations")
	}
	return New(conn), nil
}

// NopClock satisfies sdspi.Clock for transports, such as this one, whose
// underlying adaptor fixes its SPI clock at construction time (e.g.
// gobot's nanopi adaptor has no runtime speed knob). SetFrequency is a
// no-op that always succeeds; the card negotiates whatever rate the
// adaptor was built with.
type NopClock struct{}

func (NopClock) SetFrequency(hz uint32) error { return nil }

// Exchange implements sdspi.Transceiver for a single byte.
func (b *Bus) Exchange(tx byte) (byte, error) {
	var rx [1]byte
	if err := b.ExchangeBlock([]byte{tx}, rx[:]); err != nil {
		return 0, err
	}
	return rx[0], nil
}

// ExchangeBlock implements sdspi.Transceiver. When rx is nil this is a
// write-only transfer (WriteBytes); otherwise it is treated as a
// zero-length command header followed by the full exchange, since the
// underlying gobot connection has no raw full-duplex primitive and
// ReadCommandData's "command" argument is simply an empty prefix here.
func (b *Bus) ExchangeBlock(tx, rx []byte) error {
	if rx == nil {
		if len(tx) == 0 {
			return nil
		}
		if err := b.conn.WriteBytes(tx); err != nil {
			return fmt.Errorf("spi write failed: %w", err)
		}
		return nil
	}

	if tx == nil {
		if err := b.conn.ReadCommandData(nil, rx); err != nil {
			return fmt.Errorf("spi read failed: %w", err)
		}
		return nil
	}

	if len(tx) != len(rx) {
		return fmt.Errorf("tx/rx length mismatch: %d != %d", len(tx), len(rx))
	}
	if err := b.conn.ReadCommandData(tx, rx); err != nil {
		return fmt.Errorf("spi command/data exchange failed: %w", err)
	}
	return nil
}
