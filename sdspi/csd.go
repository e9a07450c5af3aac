package sdspi

import (
	"context"
	"fmt"
	"time"
)

// csdRegister holds the 16 raw bytes of a Card-Specific Data register,
// MSB-first (csd[0] bit 7 is csd[127] of the 128-bit register).
type csdRegister [16]byte

// bits extracts the contiguous field [msb:lsb] (inclusive, MSB-first over
// the 128-bit register) and assembles it LSB-first into a uint64.
func (c csdRegister) bits(msb, lsb int) uint64 {
	var v uint64
	for bit := lsb; bit <= msb; bit++ {
		byteIdx := 15 - bit/8
		bitIdx := bit % 8
		if c[byteIdx]&(1<<bitIdx) != 0 {
			v |= 1 << uint(bit-lsb)
		}
	}
	return v
}

// decode parses the CSD into (sectors, eraseSize).
func (c csdRegister) decode() (sectors uint64, eraseSize uint32, err error) {
	version := c.bits(127, 126)
	switch version {
	case 0:
		readBlLen := c.bits(83, 80)
		cSize := c.bits(73, 62)
		cSizeMult := c.bits(49, 47)
		capacity := (cSize + 1) * (1 << (cSizeMult + 2)) * (1 << readBlLen)
		sectors = capacity / blockSize
		if c.bits(46, 46) == 1 {
			eraseSize = blockSize
		} else {
			eraseSize = uint32(c.bits(45, 39))
			if eraseSize < blockSize {
				eraseSize = blockSize
			}
		}
	case 1:
		cSize := c.bits(69, 48)
		sectors = (cSize + 1) * 1024
		eraseSize = blockSize
	default:
		return 0, 0, fmt.Errorf("sdspi: unsupported CSD structure version %d: %w", version, ErrDevice)
	}
	if sectors == 0 {
		return 0, 0, fmt.Errorf("sdspi: CSD decode yielded zero sectors: %w", ErrDevice)
	}
	return sectors, eraseSize, nil
}

// readRegister issues the given register-read command (CMD9 for CSD,
// CMD10 for CID) and returns the 16-byte payload framed by a 0xFE start
// token and a trailing (discarded) 16-bit CRC.
func (d *Device) readRegister(ctx context.Context, op byte) ([16]byte, error) {
	var reg [16]byte
	if err := d.select_(); err != nil {
		return reg, err
	}
	defer d.deselect()

	resp, err := d.cmdRaw(ctx, op, 0, trailerOther, false)
	if err != nil {
		return reg, err
	}
	if resp.timeout {
		return reg, fmt.Errorf("sdspi: CMD%d: %w", op, ErrDevice)
	}

	if err := d.waitToken(ctx, 0xFE, 300*time.Millisecond); err != nil {
		return reg, fmt.Errorf("sdspi: CMD%d: waiting for register data token: %w", op, err)
	}
	if err := d.tx.ExchangeBlock(nil, reg[:]); err != nil {
		return reg, fmt.Errorf("sdspi: CMD%d: read register payload: %w", op, err)
	}
	var crc [2]byte
	if err := d.tx.ExchangeBlock(nil, crc[:]); err != nil {
		return reg, fmt.Errorf("sdspi: CMD%d: discard register CRC: %w", op, err)
	}
	return reg, nil
}

// readCSD issues CMD9 and populates d.sectors/d.eraseSize.
func (d *Device) readCSD(ctx context.Context) error {
	raw, err := d.readRegister(ctx, cmd9SendCSD)
	if err != nil {
		return err
	}
	sectors, eraseSize, err := csdRegister(raw).decode()
	if err != nil {
		return err
	}
	d.sectors = sectors
	d.eraseSize = eraseSize
	return nil
}

// CID reads the card's 16-byte Card Identification register (CMD10),
// using the same 0xFE-framed register-read path as readCSD.
func (d *Device) CID(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return nil, ErrNoInit
	}
	raw, err := d.readRegister(ctx, cmd10SendCID)
	if err != nil {
		return nil, fmt.Errorf("sdspi: read CID: %w", err)
	}
	out := make([]byte, 16)
	copy(out, raw[:])
	return out, nil
}
