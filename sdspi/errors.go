package sdspi

import "errors"

// Error taxonomy surfaced to callers. Each is a distinct sentinel so
// callers can discriminate with errors.Is; the public API wraps these
// with context via fmt.Errorf("...: %w", ...).
var (
	// ErrWouldBlock is reserved for future asynchronous variants; this
	// package never returns it.
	ErrWouldBlock = errors.New("sdspi: would block")

	ErrUnsupported = errors.New("sdspi: command not supported by card")
	ErrParameter   = errors.New("sdspi: invalid address or size parameter")
	ErrNoInit      = errors.New("sdspi: device not initialized")
	ErrNoDevice    = errors.New("sdspi: no card detected")
	ErrUnusable    = errors.New("sdspi: card unusable (voltage or CMD8 mismatch)")
	ErrNoResponse  = errors.New("sdspi: card did not respond in time")
	ErrCRC         = errors.New("sdspi: CRC error reported by card")
	ErrErase       = errors.New("sdspi: erase sequence error reported by card")
	ErrWrite       = errors.New("sdspi: write rejected by card")
	ErrDevice      = errors.New("sdspi: device error (CSD decode or CMD16 failure)")
)
