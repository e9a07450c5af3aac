// Package periphspi is a periph.io-backed sdspi.Transceiver/sdspi.Clock
// implementation for a Linux spidev character device.
package periphspi

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// Bus is a real SPI transceiver opened against a spidev device. Chip
// select is not driven through this type: the SD SPI protocol needs CS
// held low across several separate Tx calls (command packet, data
// token, data payload, CRC), which periph.io's per-Connect CS handling
// does not support, so callers pair a Bus with one of the transport/*cs
// packages for sdspi.ChipSelect instead.
type Bus struct {
	mx   sync.Mutex
	port spi.PortCloser
	conn spi.Conn
	mode spi.Mode
	bits int
	hz   uint32
}

// NewBus opens the SPI device at devPath (e.g. "/dev/spidev0.0" or the
// periph.io bus/chip-select name such as "SPI0.0") and connects at
// initHz using SPI mode 0, the mode every SD card in SPI mode expects.
func NewBus(devPath string, initHz uint32) (*Bus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("could not init host: %w", err)
	}
	port, err := spireg.Open(devPath)
	if err != nil {
		return nil, fmt.Errorf("could not open spi port: %w", err)
	}
	b := &Bus{port: port, mode: spi.Mode0, bits: 8}
	if err := b.connect(initHz); err != nil {
		_ = port.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bus) connect(hz uint32) error {
	conn, err := b.port.Connect(physic.Frequency(hz)*physic.Hertz, b.mode, b.bits)
	if err != nil {
		return fmt.Errorf("could not connect spi port at %d Hz: %w", hz, err)
	}
	b.conn = conn
	b.hz = hz
	return nil
}

// SetFrequency implements sdspi.Clock. periph.io bakes the clock speed
// into spi.Port.Connect, so a frequency change re-connects the port.
func (b *Bus) SetFrequency(hz uint32) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	if hz == b.hz {
		return nil
	}
	return b.connect(hz)
}

// Exchange implements sdspi.Transceiver for a single byte.
func (b *Bus) Exchange(tx byte) (byte, error) {
	var rx [1]byte
	if err := b.ExchangeBlock([]byte{tx}, rx[:]); err != nil {
		return 0, err
	}
	return rx[0], nil
}

// ExchangeBlock implements sdspi.Transceiver using periph.io's
// full-duplex conn.Conn.Tx as the underlying primitive.
func (b *Bus) ExchangeBlock(tx, rx []byte) error {
	b.mx.Lock()
	defer b.mx.Unlock()

	n := len(tx)
	if tx == nil {
		n = len(rx)
	}
	w := tx
	if w == nil {
		w = make([]byte, n)
		for i := range w {
			w[i] = 0xFF
		}
	}
	r := rx
	if r == nil {
		r = make([]byte, n)
	}
	if err := b.conn.Tx(w, r); err != nil {
		return fmt.Errorf("spi transaction failed: %w", err)
	}
	return nil
}

// Close releases the underlying spidev handle.
func (b *Bus) Close() error {
	return b.port.Close()
}
