// Package sdspi drives an SD/SDHC/SDXC memory card as a block-addressable
// storage device over a synchronous serial (SPI) link, one byte at a time.
//
// The package owns the card initialization state machine, the SPI-mode
// command/response framing engine, and the single/multi-block read, write
// and erase data paths. Pin configuration, a user-facing block-device
// trait, and compile-time target selection are left to callers; sdspi
// only needs a byte-exchange primitive, a chip-select line and a clock
// knob, which it receives through the Transceiver, ChipSelect and Clock
// interfaces below.
package sdspi

import "context"

// CardType identifies the protocol variant negotiated during Init. It
// determines whether addresses passed on the wire are byte addresses or
// 512-byte block addresses.
type CardType int

const (
	CardNone CardType = iota
	CardV1SC
	CardV2SC
	CardV2HC
	CardUnknown
)

func (t CardType) String() string {
	switch t {
	case CardV1SC:
		return "SDv1-SC"
	case CardV2SC:
		return "SDv2-SC"
	case CardV2HC:
		return "SDv2-HC"
	case CardUnknown:
		return "unknown"
	default:
		return "none"
	}
}

// Transceiver performs full-duplex byte exchanges over the SPI wire. All
// higher layers in this package are built on Exchange; ExchangeBlock is an
// optimization hook transports may implement more efficiently than a loop
// of single-byte exchanges (real SPI controllers move whole buffers), but
// its semantics must be identical to calling Exchange len(tx) times.
type Transceiver interface {
	// Exchange transmits tx and returns the byte clocked in simultaneously.
	Exchange(tx byte) (byte, error)
	// ExchangeBlock transmits tx (or 0xFF idle bytes if tx is nil) and
	// clocks the response into rx (discarding it if rx is nil). Exactly
	// one of tx/rx may be nil; if both are non-nil they must be the same
	// length.
	ExchangeBlock(tx, rx []byte) error
}

// ChipSelect drives the card's chip-select line.
type ChipSelect interface {
	SetLow() error
	SetHigh() error
}

// Clock sets the SPI clock rate in Hz. Implementations that cannot change
// speed after construction may treat this as a no-op validation step.
type Clock interface {
	SetFrequency(hz uint32) error
}

// command is an ephemeral descriptor for a single SD SPI-mode command.
type command struct {
	op      byte
	arg     uint32
	trailer byte
	isACMD  bool
}

// response is the ephemeral result of issuing a command: the R1 status
// byte plus whatever additional payload the opcode carries (R7/R3/R2).
type response struct {
	r1      byte
	payload uint32 // valid iff the opcode carries R7/R3/R2
	timeout bool   // true if no R1 byte arrived within the poll window
}

func (r response) idle() bool           { return r.r1&0x01 != 0 }
func (r response) illegalCommand() bool { return r.r1&0x04 != 0 }
func (r response) crcError() bool       { return r.r1&0x08 != 0 }
func (r response) eraseFault() bool     { return r.r1&(0x02|0x10) != 0 }
func (r response) paramFault() bool     { return r.r1&(0x20|0x40) != 0 }

type ctxKey int

const ctxKeyTrace ctxKey = iota

// WithTrace returns a context that, when passed to Device methods while
// Device.Debug(true) is in effect, is annotated in trace log lines with
// the given label. It has no effect when debug logging is off.
func WithTrace(ctx context.Context, label string) context.Context {
	return context.WithValue(ctx, ctxKeyTrace, label)
}

func traceLabel(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyTrace).(string)
	return v
}
