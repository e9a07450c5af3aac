package sdspi

import (
	"context"
	"fmt"
	"time"
)

const (
	cmd8Pattern  = 0x000001AA
	ocrVoltage33 = 1 << 20
	ocrHCS       = 1 << 30
	acmd41HCS    = 0x40000000
)

// initCard runs the CMD0 -> CMD8 -> CMD59 -> CMD58 -> ACMD41 -> CMD58
// negotiation sequence followed by CMD9 and CMD16, with the clock pinned
// to initClockHz throughout; its last step raises the clock to
// transferClockHz, capped at 25MHz.
func (d *Device) initCard(ctx context.Context) error {
	if err := d.clk.SetFrequency(d.initClockHz); err != nil {
		return fmt.Errorf("sdspi: set init clock: %w", err)
	}

	d.busLock.Lock()
	if err := d.cs.SetHigh(); err != nil {
		d.busLock.Unlock()
		return fmt.Errorf("sdspi: raise CS before priming: %w", err)
	}
	if err := d.idle(10); err != nil {
		d.busLock.Unlock()
		return fmt.Errorf("sdspi: startup priming: %w", err)
	}
	d.busLock.Unlock()

	if err := d.goIdleState(ctx); err != nil {
		return err
	}
	v2, err := d.sendIfCond(ctx)
	if err != nil {
		return err
	}

	if err := d.select_(); err != nil {
		return err
	}
	if _, err := d.cmdRaw(ctx, cmd59CRCOnOff, 0, trailerOther, false); err != nil {
		d.logf(ctx, "CMD59 (CRC on/off) failed, ignoring: %v", err)
	}
	d.deselect()

	if err := d.checkOCRVoltage(ctx); err != nil {
		return err
	}

	if err := d.sendOpCondUntilReady(ctx, v2); err != nil {
		return err
	}

	if v2 {
		if err := d.promoteToHighCapacity(ctx); err != nil {
			return err
		}
	} else {
		d.cardType = CardV1SC
	}

	if err := d.readCSD(ctx); err != nil {
		return err
	}

	if err := d.setBlockLen(ctx); err != nil {
		return err
	}

	if d.transferClockHz > maxTransferClockHz {
		d.transferClockHz = maxTransferClockHz
	}
	if err := d.clk.SetFrequency(d.transferClockHz); err != nil {
		return fmt.Errorf("sdspi: set transfer clock: %w", err)
	}
	return nil
}

// goIdleState issues CMD0 up to 5 times, 1ms apart, requiring R1 to be
// exactly 0x01 (idle bit set, everything else clear).
func (d *Device) goIdleState(ctx context.Context) error {
	for attempt := 0; attempt < 5; attempt++ {
		if err := d.select_(); err != nil {
			return err
		}
		resp, err := d.cmdRaw(ctx, cmd0GoIdleState, 0, trailerCMD0, false)
		d.deselect()
		if err != nil {
			return err
		}
		if !resp.timeout && resp.r1 == 0x01 {
			return nil
		}
		time.Sleep(1 * time.Millisecond)
	}
	return fmt.Errorf("sdspi: CMD0: %w", ErrNoDevice)
}

// sendIfCond issues CMD8 and reports whether the card identified itself
// as SD v2.x (true) or v1.x (false, via the illegal-command response).
func (d *Device) sendIfCond(ctx context.Context) (v2 bool, err error) {
	if err := d.select_(); err != nil {
		return false, err
	}
	resp, err := d.cmdRaw(ctx, cmd8SendIfCond, cmd8Pattern, trailerCMD8, false)
	if err != nil {
		d.deselect()
		return false, err
	}
	defer d.deselect()

	if resp.timeout {
		return false, fmt.Errorf("sdspi: CMD8: %w", ErrNoDevice)
	}
	if resp.illegalCommand() {
		d.cardType = CardUnknown // pending: resolved to V1_SC once ACMD41 converges
		return false, nil
	}
	if resp.payload&0xFFF != cmd8Pattern {
		return false, fmt.Errorf("sdspi: CMD8 pattern mismatch (got %#x): %w", resp.payload, ErrUnusable)
	}
	d.cardType = CardV2SC
	return true, nil
}

// checkOCRVoltage issues CMD58 and requires bit 20 (3.3V support) to be set.
func (d *Device) checkOCRVoltage(ctx context.Context) error {
	if err := d.select_(); err != nil {
		return err
	}
	resp, err := d.cmdRaw(ctx, cmd58ReadOCR, 0, trailerOther, false)
	d.deselect()
	if err != nil {
		return err
	}
	if resp.timeout {
		return fmt.Errorf("sdspi: CMD58: %w", ErrNoDevice)
	}
	if resp.payload&ocrVoltage33 == 0 {
		return fmt.Errorf("sdspi: card does not support 3.3V (OCR %#x): %w", resp.payload, ErrUnusable)
	}
	return nil
}

// sendOpCondUntilReady issues ACMD41 repeatedly until the idle bit clears
// or the 5s deadline fires.
func (d *Device) sendOpCondUntilReady(ctx context.Context, v2 bool) error {
	arg := uint32(0)
	if v2 {
		arg = acmd41HCS
	}
	start := time.Now()
	for {
		if err := d.select_(); err != nil {
			return err
		}
		resp, err := d.cmd(ctx, command{op: acmd41SendOpCond, arg: arg, trailer: trailerOther, isACMD: true})
		if err != nil {
			// d.cmd already deselected on this path.
			return err
		}
		d.deselect()
		if !resp.idle() {
			return nil
		}
		if time.Since(start) >= 5000*time.Millisecond {
			d.cardType = CardUnknown
			return fmt.Errorf("sdspi: ACMD41: %w", ErrNoResponse)
		}
	}
}

// promoteToHighCapacity re-issues CMD58 for a v2 card and promotes
// CardV2SC to CardV2HC if the CCS bit is set.
func (d *Device) promoteToHighCapacity(ctx context.Context) error {
	if err := d.select_(); err != nil {
		return err
	}
	resp, err := d.cmdRaw(ctx, cmd58ReadOCR, 0, trailerOther, false)
	d.deselect()
	if err != nil {
		return err
	}
	if resp.timeout {
		return fmt.Errorf("sdspi: CMD58 (capacity check): %w", ErrNoDevice)
	}
	if resp.payload&ocrHCS != 0 {
		d.cardType = CardV2HC
	}
	return nil
}

// setBlockLen issues CMD16 with a 512-byte argument.
func (d *Device) setBlockLen(ctx context.Context) error {
	if err := d.select_(); err != nil {
		return err
	}
	defer d.deselect()
	resp, err := d.cmdRaw(ctx, cmd16SetBlockLen, blockSize, trailerOther, false)
	if err != nil {
		return err
	}
	if resp.timeout {
		return fmt.Errorf("sdspi: CMD16: %w", ErrDevice)
	}
	return nil
}
