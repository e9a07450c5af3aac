package sdspi

import (
	"context"
	"fmt"
	"time"
)

// Command opcodes used by this driver (mandatory SPI-mode subset).
const (
	cmd0GoIdleState        byte = 0
	cmd8SendIfCond         byte = 8
	cmd9SendCSD            byte = 9
	cmd10SendCID           byte = 10
	cmd12StopTransmission  byte = 12
	cmd13SendStatus        byte = 13
	cmd16SetBlockLen       byte = 16
	cmd17ReadSingleBlock   byte = 17
	cmd18ReadMultipleBlock byte = 18
	cmd24WriteBlock        byte = 24
	cmd25WriteMultiBlock   byte = 25
	cmd32EraseStart        byte = 32
	cmd33EraseEnd          byte = 33
	cmd38Erase             byte = 38
	cmd55AppCmd            byte = 55
	cmd58ReadOCR           byte = 58
	cmd59CRCOnOff          byte = 59

	acmd13SDStatus           byte = 13
	acmd22NumWrBlks          byte = 22
	acmd23SetWrBlkEraseCount byte = 23
	acmd41SendOpCond         byte = 41
)

const (
	trailerCMD0  byte = 0x95
	trailerCMD8  byte = 0x87
	trailerOther byte = 0xFF | 0x01 // LSB always set; only CMD0/CMD8 have a real CRC7
)

// Data-packet framing tokens and the response-token mask, used by the
// program path in device.go.
const (
	startBlock       byte = 0xFE
	startBlkMulWrite byte = 0xFC
	stopTranToken    byte = 0xFD

	dataResponseMask     byte = 0x1F
	dataResponseAccepted byte = 0x05
)

const maxCommandRetries = 3

// Timing budgets shared by the framing and data-path helpers.
const (
	dataTokenDeadline = 300 * time.Millisecond
	busyDrainDeadline = 5000 * time.Millisecond
)

// cmdRaw issues a single command packet (no ACMD prefix, no retry) and
// collects its response, handling each opcode's special-case response
// framing (R1 vs R1b vs R7 vs R3 vs R2). Card selection/deselection is
// the caller's responsibility. isACMD tells
// cmdRaw whether op is being issued as an application command, since
// CMD13 (SEND_STATUS) and ACMD13 (SD_STATUS) share the numeric opcode 13
// but carry different response shapes (plain R1 vs R1 + one R2 byte).
func (d *Device) cmdRaw(ctx context.Context, op byte, arg uint32, trailer byte, isACMD bool) (response, error) {
	buf := [6]byte{
		0x40 | (op & 0x3F),
		byte(arg >> 24), byte(arg >> 16), byte(arg >> 8), byte(arg),
		trailer,
	}
	if err := d.tx.ExchangeBlock(buf[:], nil); err != nil {
		return response{}, fmt.Errorf("sdspi: send command packet (CMD%d): %w", op, err)
	}

	if op == cmd12StopTransmission {
		// Stuff byte: discard before polling for R1.
		if _, err := d.exchange(idleByte); err != nil {
			return response{}, fmt.Errorf("sdspi: discard CMD12 stuff byte: %w", err)
		}
	}

	var r1 byte
	found := false
	for i := 0; i < 16; i++ {
		b, err := d.exchange(idleByte)
		if err != nil {
			return response{}, fmt.Errorf("sdspi: poll R1 (CMD%d): %w", op, err)
		}
		if b&0x80 == 0 {
			r1 = b
			found = true
			break
		}
	}
	if !found {
		d.logf(ctx, "CMD%d: no R1 response within 16 polls", op)
		return response{r1: 0xFF, timeout: true}, nil
	}

	resp := response{r1: r1}

	switch {
	case op == cmd8SendIfCond || op == cmd58ReadOCR:
		var payload [4]byte
		if err := d.tx.ExchangeBlock(nil, payload[:]); err != nil {
			return response{}, fmt.Errorf("sdspi: read R7/R3 payload (CMD%d): %w", op, err)
		}
		resp.payload = uint32(payload[0])<<24 | uint32(payload[1])<<16 | uint32(payload[2])<<8 | uint32(payload[3])
	case isACMD && op == acmd13SDStatus:
		b, err := d.exchange(idleByte)
		if err != nil {
			return response{}, fmt.Errorf("sdspi: read R2 byte (ACMD13): %w", err)
		}
		resp.payload = uint32(b)
	}

	if op == cmd12StopTransmission || op == cmd38Erase {
		if err := d.waitReady(ctx, 5000*time.Millisecond); err != nil {
			return response{}, fmt.Errorf("sdspi: wait busy after CMD%d: %w", op, err)
		}
	}

	return resp, nil
}

// cmd issues op (optionally ACMD-prefixed) with retry and pre-command busy
// discipline, and classifies the resulting R1 error bits into a typed error.
func (d *Device) cmd(ctx context.Context, c command) (response, error) {
	if err := d.waitReady(ctx, 5000*time.Millisecond); err != nil {
		d.logf(ctx, "card still busy before CMD%d, attempting anyway", c.op)
	}

	var resp response
	var err error
	for attempt := 0; attempt < maxCommandRetries; attempt++ {
		if c.isACMD {
			if _, aerr := d.cmdRaw(ctx, cmd55AppCmd, 0, trailerOther, false); aerr != nil {
				d.deselect()
				return response{}, aerr
			}
		}
		resp, err = d.cmdRaw(ctx, c.op, c.arg, c.trailer, c.isACMD)
		if err != nil {
			d.deselect()
			return response{}, err
		}
		if !resp.timeout {
			break
		}
	}
	if resp.timeout {
		d.deselect()
		return response{}, fmt.Errorf("sdspi: CMD%d: %w", c.op, ErrNoDevice)
	}

	if resp.crcError() {
		d.deselect()
		return resp, fmt.Errorf("sdspi: CMD%d: %w", c.op, ErrCRC)
	}
	if resp.illegalCommand() {
		if c.op == cmd8SendIfCond {
			d.cardType = CardUnknown
		}
		d.deselect()
		return resp, fmt.Errorf("sdspi: CMD%d: %w", c.op, ErrUnsupported)
	}
	// Erase/parameter fault bits are recorded but non-fatal; the caller's
	// opcode-specific post-processing still runs.
	if resp.eraseFault() {
		d.logf(ctx, "CMD%d: erase-sequence/reset bit set", c.op)
	}
	if resp.paramFault() {
		d.logf(ctx, "CMD%d: address/parameter bit set", c.op)
	}
	return resp, nil
}
