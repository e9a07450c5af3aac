package sdspi

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

const (
	blockSize = 512

	defaultInitClockHz     = 400_000
	defaultTransferClockHz = 25_000_000
	maxTransferClockHz     = 25_000_000
)

// Device drives a single SD card over the collaborators supplied to New.
// All public methods acquire mu for their full duration, serializing every
// card operation; select/deselect additionally bracket busLock around each
// discrete bus transaction within an operation.
type Device struct {
	tx  Transceiver
	cs  ChipSelect
	clk Clock

	mu      sync.Mutex
	busLock sync.Mutex

	initialized bool
	cardType    CardType
	sectors     uint64
	eraseSize   uint32

	initClockHz     uint32
	transferClockHz uint32
	debug           bool
}

// Option configures a Device at construction time.
type Option func(*Device)

// WithInitClockHz overrides the SPI clock used during the card
// identification sequence (CMD0 through CMD16). The SD specification
// requires this to stay at or below 400kHz.
func WithInitClockHz(hz uint32) Option {
	return func(d *Device) { d.initClockHz = hz }
}

// WithTransferClockHz overrides the SPI clock used for block I/O once the
// card has been identified. Values above 25MHz are clamped to 25MHz when
// Init applies the transfer clock, not here.
func WithTransferClockHz(hz uint32) Option {
	return func(d *Device) { d.transferClockHz = hz }
}

// WithDebug enables verbose framing traces at construction time, equivalent
// to calling Debug(true) immediately after New.
func WithDebug(on bool) Option {
	return func(d *Device) { d.debug = on }
}

// New builds a Device around the given transceiver, chip-select line, and
// clock controller. The card is not touched until Init is called.
func New(tx Transceiver, cs ChipSelect, clk Clock, opts ...Option) *Device {
	d := &Device{
		tx:              tx,
		cs:              cs,
		clk:             clk,
		initClockHz:     defaultInitClockHz,
		transferClockHz: defaultTransferClockHz,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Init runs the card identification sequence and leaves the device ready
// for block I/O. Calling Init on an already-initialized Device re-runs the
// sequence from scratch.
func (d *Device) Init(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.initialized = false
	d.cardType = CardNone
	d.sectors = 0
	d.eraseSize = 0

	if err := d.initCard(ctx); err != nil {
		return err
	}
	d.initialized = true
	return nil
}

// Deinit releases the device's notion of card state. It is idempotent: a
// second call (or a call before Init ever succeeded) is a no-op.
func (d *Device) Deinit(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return nil
	}
	d.initialized = false
	d.cardType = CardNone
	d.sectors = 0
	d.eraseSize = 0
	return nil
}

// GetReadSize returns the minimum granularity of Read, in bytes.
func (d *Device) GetReadSize() uint32 { return blockSize }

// GetProgramSize returns the minimum granularity of Program, in bytes.
func (d *Device) GetProgramSize() uint32 { return blockSize }

// GetEraseSize returns the card's reported erase granularity, in bytes. It
// is zero until Init has completed successfully.
func (d *Device) GetEraseSize() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return 0
	}
	return d.eraseSize
}

// CardType returns the protocol variant negotiated during Init. It is
// CardNone before the first Init and after Deinit; after a failed Init it
// holds whatever the sequence had determined when it stopped (CardUnknown
// if ACMD41 never left the idle state).
func (d *Device) CardType() CardType {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cardType
}

// Size returns the card's total addressable capacity in bytes, or zero if
// the device has not been initialized.
func (d *Device) Size() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return 0
	}
	return d.sectors * blockSize
}

// Frequency sets the transfer clock used for block I/O after Init. Requests
// above 25MHz are clamped to 25MHz and reported back as ErrUnsupported, but
// the clamp still takes effect.
func (d *Device) Frequency(hz uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	capped := hz
	var err error
	if capped > maxTransferClockHz {
		capped = maxTransferClockHz
		err = fmt.Errorf("sdspi: requested frequency %dHz clamped to %dHz: %w", hz, maxTransferClockHz, ErrUnsupported)
	}
	d.transferClockHz = capped
	if d.initialized {
		if serr := d.clk.SetFrequency(capped); serr != nil {
			return fmt.Errorf("sdspi: set frequency: %w", serr)
		}
	}
	return err
}

// Debug toggles verbose framing traces emitted via log/slog.
func (d *Device) Debug(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.debug = on
}

// translateAddr converts a byte address into the form CMD17/18/24/25/32/33
// expect: a byte address for SDSC cards, or a block index for SDHC/SDXC
// cards.
func (d *Device) translateAddr(addr uint64) uint32 {
	if d.cardType == CardV2HC {
		return uint32(addr / blockSize)
	}
	return uint32(addr)
}

func (d *Device) checkBounds(addr, size uint64) error {
	if size == 0 || size%blockSize != 0 || addr%blockSize != 0 {
		return fmt.Errorf("sdspi: addr %d size %d must be non-zero multiples of %d: %w", addr, size, blockSize, ErrParameter)
	}
	if d.sectors != 0 && addr+size > d.sectors*blockSize {
		return fmt.Errorf("sdspi: addr %d size %d exceeds device capacity %d: %w", addr, size, d.sectors*blockSize, ErrParameter)
	}
	return nil
}

// Read fills buf[:size] with data starting at addr, both of which must be
// multiples of GetReadSize.
func (d *Device) Read(ctx context.Context, buf []byte, addr, size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return ErrNoInit
	}
	if err := d.checkBounds(addr, size); err != nil {
		return err
	}
	if uint64(len(buf)) < size {
		return fmt.Errorf("sdspi: destination buffer (%d bytes) shorter than size %d: %w", len(buf), size, ErrParameter)
	}

	n := size / blockSize
	blockAddr := d.translateAddr(addr)
	if n == 1 {
		return d.readSingleBlockRetried(ctx, buf[:blockSize], blockAddr)
	}
	return d.readMultiBlock(ctx, buf[:size], blockAddr, n)
}

// readSingleBlockRetried issues CMD17 and, per the "first block only" retry
// rule, re-issues the whole command while the start token never arrives,
// making at most maxCommandRetries attempts in all.
func (d *Device) readSingleBlockRetried(ctx context.Context, dst []byte, blockAddr uint32) error {
	var err error
	for attempt := 0; attempt < maxCommandRetries; attempt++ {
		err = d.readSingleBlock(ctx, dst, blockAddr)
		if err == nil || !errors.Is(err, ErrNoResponse) {
			return err
		}
	}
	return err
}

func (d *Device) readSingleBlock(ctx context.Context, dst []byte, blockAddr uint32) error {
	if err := d.select_(); err != nil {
		return err
	}
	if _, err := d.cmd(ctx, command{op: cmd17ReadSingleBlock, arg: blockAddr, trailer: trailerOther}); err != nil {
		return err // d.cmd already deselected
	}
	if err := d.waitToken(ctx, 0xFE, dataTokenDeadline); err != nil {
		d.deselect()
		return err
	}
	if err := d.tx.ExchangeBlock(nil, dst); err != nil {
		d.deselect()
		return fmt.Errorf("sdspi: CMD17: read block: %w", err)
	}
	var crc [2]byte
	if err := d.tx.ExchangeBlock(nil, crc[:]); err != nil {
		d.deselect()
		return fmt.Errorf("sdspi: CMD17: discard CRC: %w", err)
	}
	d.deselect()
	return nil
}

// readMultiBlock issues CMD18, retrying only the command-plus-first-block
// unit on a missing start token, then streams the remaining blocks and
// terminates with CMD12.
func (d *Device) readMultiBlock(ctx context.Context, buf []byte, blockAddr uint32, n uint64) error {
	var err error
	for attempt := 0; attempt < maxCommandRetries; attempt++ {
		err = d.beginMultiBlockRead(ctx, buf[:blockSize], blockAddr)
		if err == nil || !errors.Is(err, ErrNoResponse) {
			break
		}
	}
	if err != nil {
		return err
	}

	if err := d.continueMultiBlockRead(ctx, buf, n); err != nil {
		return err
	}

	if _, err := d.cmdRaw(ctx, cmd12StopTransmission, 0, trailerOther, false); err != nil {
		d.deselect()
		return fmt.Errorf("sdspi: CMD12: %w", err)
	}
	d.deselect()
	return nil
}

func (d *Device) beginMultiBlockRead(ctx context.Context, firstBlock []byte, blockAddr uint32) error {
	if err := d.select_(); err != nil {
		return err
	}
	if _, err := d.cmd(ctx, command{op: cmd18ReadMultipleBlock, arg: blockAddr, trailer: trailerOther}); err != nil {
		return err
	}
	if err := d.waitToken(ctx, 0xFE, dataTokenDeadline); err != nil {
		d.deselect()
		return err
	}
	if err := d.tx.ExchangeBlock(nil, firstBlock); err != nil {
		d.deselect()
		return fmt.Errorf("sdspi: CMD18: read first block: %w", err)
	}
	var crc [2]byte
	if err := d.tx.ExchangeBlock(nil, crc[:]); err != nil {
		d.deselect()
		return fmt.Errorf("sdspi: CMD18: discard first-block CRC: %w", err)
	}
	return nil
}

func (d *Device) continueMultiBlockRead(ctx context.Context, buf []byte, n uint64) error {
	for i := uint64(1); i < n; i++ {
		if err := d.waitToken(ctx, 0xFE, dataTokenDeadline); err != nil {
			d.deselect()
			return err
		}
		block := buf[i*blockSize : (i+1)*blockSize]
		if err := d.tx.ExchangeBlock(nil, block); err != nil {
			d.deselect()
			return fmt.Errorf("sdspi: CMD18: read block %d: %w", i, err)
		}
		var crc [2]byte
		if err := d.tx.ExchangeBlock(nil, crc[:]); err != nil {
			d.deselect()
			return fmt.Errorf("sdspi: CMD18: discard CRC for block %d: %w", i, err)
		}
	}
	return nil
}

// Program writes buf[:size] to addr, both of which must be multiples of
// GetProgramSize.
func (d *Device) Program(ctx context.Context, buf []byte, addr, size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return ErrNoInit
	}
	if err := d.checkBounds(addr, size); err != nil {
		return err
	}
	if uint64(len(buf)) < size {
		return fmt.Errorf("sdspi: source buffer (%d bytes) shorter than size %d: %w", len(buf), size, ErrParameter)
	}

	n := size / blockSize
	blockAddr := d.translateAddr(addr)
	if n == 1 {
		return d.programSingleBlock(ctx, buf[:blockSize], blockAddr)
	}
	return d.programMultiBlock(ctx, buf[:size], blockAddr, n)
}

func (d *Device) programSingleBlock(ctx context.Context, src []byte, blockAddr uint32) error {
	if err := d.select_(); err != nil {
		return err
	}
	if _, err := d.cmd(ctx, command{op: cmd24WriteBlock, arg: blockAddr, trailer: trailerOther}); err != nil {
		return err
	}
	d.deselect()

	dr, err := d.writeDataPacket(ctx, startBlock, src)
	if err != nil {
		return err
	}

	var status error
	if dr != dataResponseAccepted {
		status = fmt.Errorf("sdspi: CMD24: block rejected (token %#02x): %w", dr, ErrWrite)
	}

	if err := d.select_(); err != nil {
		if status != nil {
			return status
		}
		return err
	}
	if _, err := d.cmd(ctx, command{op: cmd13SendStatus, trailer: trailerOther}); err != nil {
		if status != nil {
			return status
		}
		return err
	}
	d.deselect()
	return status
}

// programMultiBlock issues ACMD23, CMD25, and each data block as
// independent bus transactions, followed by a standalone stop-tran
// token and a final busy drain performed with CS already high.
func (d *Device) programMultiBlock(ctx context.Context, buf []byte, blockAddr uint32, n uint64) error {
	d.preEraseHint(ctx, n)

	if err := d.select_(); err != nil {
		return err
	}
	if _, err := d.cmd(ctx, command{op: cmd25WriteMultiBlock, arg: blockAddr, trailer: trailerOther}); err != nil {
		return err
	}
	d.deselect()

	var firstErr error
	for i := uint64(0); i < n; i++ {
		block := buf[i*blockSize : (i+1)*blockSize]
		dr, err := d.writeDataPacket(ctx, startBlkMulWrite, block)
		if err != nil {
			firstErr = err
			break
		}
		if dr != dataResponseAccepted {
			firstErr = fmt.Errorf("sdspi: CMD25: block %d rejected (token %#02x): %w", i, dr, ErrWrite)
			break
		}
	}

	if err := d.sendStopTran(ctx); err != nil {
		d.logf(ctx, "stop-tran token failed: %v", err)
	}
	if err := d.waitReady(ctx, busyDrainDeadline); err != nil {
		d.logf(ctx, "card not ready after multi-block write drain: %v", err)
	}

	if firstErr != nil {
		d.logBlocksWrittenWithoutError(ctx)
		return firstErr
	}
	return nil
}

// writeDataPacket performs a single select/wait_ready/token/data/crc/
// response/deselect transaction and returns the masked data-response
// token.
func (d *Device) writeDataPacket(ctx context.Context, token byte, data []byte) (byte, error) {
	if err := d.select_(); err != nil {
		return 0, err
	}
	defer d.deselect()

	if err := d.waitReady(ctx, busyDrainDeadline); err != nil {
		d.logf(ctx, "card not ready before data packet, sending anyway: %v", err)
	}
	if err := d.tx.ExchangeBlock([]byte{token}, nil); err != nil {
		return 0, fmt.Errorf("sdspi: write data token: %w", err)
	}
	if err := d.tx.ExchangeBlock(data, nil); err != nil {
		return 0, fmt.Errorf("sdspi: write data packet: %w", err)
	}
	if err := d.tx.ExchangeBlock([]byte{0xFF, 0xFF}, nil); err != nil {
		return 0, fmt.Errorf("sdspi: write dummy CRC: %w", err)
	}
	b, err := d.exchange(idleByte)
	if err != nil {
		return 0, fmt.Errorf("sdspi: read data response: %w", err)
	}
	return b & dataResponseMask, nil
}

func (d *Device) sendStopTran(ctx context.Context) error {
	if err := d.select_(); err != nil {
		return err
	}
	defer d.deselect()
	if _, err := d.exchange(stopTranToken); err != nil {
		return fmt.Errorf("sdspi: stop-tran token: %w", err)
	}
	return nil
}

// preEraseHint issues ACMD23 so the card can pre-erase the block run before
// CMD25 begins streaming. Its result is advisory; failures are logged and
// otherwise ignored, matching the upstream driver's behavior.
func (d *Device) preEraseHint(ctx context.Context, blocks uint64) {
	if err := d.select_(); err != nil {
		d.logf(ctx, "ACMD23: could not select card: %v", err)
		return
	}
	if _, err := d.cmd(ctx, command{op: acmd23SetWrBlkEraseCount, arg: uint32(blocks), trailer: trailerOther, isACMD: true}); err != nil {
		d.logf(ctx, "ACMD23 failed, ignoring: %v", err)
		return
	}
	d.deselect()
}

// logBlocksWrittenWithoutError issues ACMD22 after a rejected block so the
// number of blocks the card actually committed can be logged. The 4-byte
// payload is big-endian, matching the SD Physical Layer spec (not the
// unshifted assembly some early driver ports used).
func (d *Device) logBlocksWrittenWithoutError(ctx context.Context) {
	if err := d.select_(); err != nil {
		return
	}
	if _, err := d.cmd(ctx, command{op: acmd22NumWrBlks, trailer: trailerOther, isACMD: true}); err != nil {
		d.logf(ctx, "ACMD22 failed, ignoring: %v", err)
		return
	}
	var payload [4]byte
	err := d.tx.ExchangeBlock(nil, payload[:])
	d.deselect()
	if err != nil {
		d.logf(ctx, "ACMD22: read payload: %v", err)
		return
	}
	count := uint32(payload[0])<<24 | uint32(payload[1])<<16 | uint32(payload[2])<<8 | uint32(payload[3])
	d.logf(ctx, "blocks written without error: %d", count)
}

// Erase marks addr through addr+size as erased. Both must be multiples of
// GetEraseSize.
func (d *Device) Erase(ctx context.Context, addr, size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.eraseRange(ctx, addr, size)
}

// Trim hints that addr through addr+size is no longer in use. This driver
// treats Trim identically to Erase, as the upstream block-device interface
// does by default.
func (d *Device) Trim(ctx context.Context, addr, size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.eraseRange(ctx, addr, size)
}

func (d *Device) eraseRange(ctx context.Context, addr, size uint64) error {
	if !d.initialized {
		return ErrNoInit
	}
	if d.eraseSize == 0 || size == 0 || size%uint64(d.eraseSize) != 0 || addr%uint64(d.eraseSize) != 0 {
		return fmt.Errorf("sdspi: addr %d size %d must be non-zero multiples of erase size %d: %w", addr, size, d.eraseSize, ErrParameter)
	}
	if d.sectors != 0 && addr+size > d.sectors*blockSize {
		return fmt.Errorf("sdspi: addr %d size %d exceeds device capacity %d: %w", addr, size, d.sectors*blockSize, ErrParameter)
	}

	endAddr := addr + size - blockSize
	startArg := d.translateAddr(addr)
	endArg := d.translateAddr(endAddr)

	if err := d.select_(); err != nil {
		return err
	}
	if _, err := d.cmd(ctx, command{op: cmd32EraseStart, arg: startArg, trailer: trailerOther}); err != nil {
		return err
	}
	d.deselect()

	if err := d.select_(); err != nil {
		return err
	}
	if _, err := d.cmd(ctx, command{op: cmd33EraseEnd, arg: endArg, trailer: trailerOther}); err != nil {
		return err
	}
	d.deselect()

	if err := d.select_(); err != nil {
		return err
	}
	resp, err := d.cmd(ctx, command{op: cmd38Erase, trailer: trailerOther})
	if err != nil {
		return err // d.cmd already deselected
	}
	d.deselect()
	if resp.eraseFault() {
		return fmt.Errorf("sdspi: CMD38: erase sequence error: %w", ErrErase)
	}
	return nil
}
