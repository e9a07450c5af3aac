package sdspi

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const idleByte = 0xFF

// exchange transmits one byte and returns the byte clocked in
// simultaneously. Every other framing primitive in this file is built on
// this single operation.
func (d *Device) exchange(tx byte) (byte, error) {
	return d.tx.Exchange(tx)
}

// idle exchanges 0xFF n times, discarding the results. Used to clock the
// card while CS is high during startup priming.
func (d *Device) idle(n int) error {
	for i := 0; i < n; i++ {
		if _, err := d.tx.Exchange(idleByte); err != nil {
			return fmt.Errorf("sdspi: idle clock: %w", err)
		}
	}
	return nil
}

// waitToken repeatedly exchanges 0xFF until the received byte equals tok
// or deadline elapses, returning ErrNoResponse on timeout.
func (d *Device) waitToken(ctx context.Context, tok byte, deadline time.Duration) error {
	start := time.Now()
	for {
		b, err := d.tx.Exchange(idleByte)
		if err != nil {
			return fmt.Errorf("sdspi: wait token %#02x: %w", tok, err)
		}
		if b == tok {
			return nil
		}
		if time.Since(start) >= deadline {
			d.logf(ctx, "wait token %#02x timed out after %s, last byte %#02x", tok, deadline, b)
			return ErrNoResponse
		}
	}
}

// waitReady repeatedly exchanges 0xFF until the received byte is 0xFF (DO
// released high), returning ErrNoResponse on timeout.
func (d *Device) waitReady(ctx context.Context, deadline time.Duration) error {
	start := time.Now()
	for {
		b, err := d.tx.Exchange(idleByte)
		if err != nil {
			return fmt.Errorf("sdspi: wait ready: %w", err)
		}
		if b == idleByte {
			return nil
		}
		if time.Since(start) >= deadline {
			return ErrNoResponse
		}
	}
}

// select acquires the bus lock and drives CS low. Every caller of select
// must call deselect on every exit path, success or error.
func (d *Device) select_() error {
	d.busLock.Lock()
	if err := d.cs.SetLow(); err != nil {
		d.busLock.Unlock()
		return fmt.Errorf("sdspi: chip select low: %w", err)
	}
	return nil
}

// deselect drives CS high then releases the bus lock.
func (d *Device) deselect() {
	if err := d.cs.SetHigh(); err != nil {
		// Nothing useful to do with this error: we're already unwinding.
		// Still release the lock so the bus isn't wedged.
		slog.Debug("sdspi: chip select high failed during deselect", "error", err)
	}
	d.busLock.Unlock()
}

func (d *Device) logf(ctx context.Context, format string, args ...any) {
	if !d.debug {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if label := traceLabel(ctx); label != "" {
		slog.Debug(msg, "op", label)
		return
	}
	slog.Debug(msg)
}
