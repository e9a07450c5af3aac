package sdspi

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSectors = 204800 // 100MiB, a clean multiple of 1024 for CSD v2 encoding

func newTestDevice(t *testing.T, card *fakeCard) *Device {
	t.Helper()
	return New(card, card, card)
}

func pattern(seed byte, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = seed + byte(i)
	}
	return buf
}

func TestInit_IdentifiesHighCapacityCard(t *testing.T) {
	card := newFakeCard(testSectors)
	d := newTestDevice(t, card)

	require.NoError(t, d.Init(context.Background()))

	assert.Equal(t, CardV2HC, d.cardType)
	assert.Equal(t, uint64(testSectors)*blockSize, d.Size())
	assert.Equal(t, uint32(blockSize), d.GetEraseSize())
	assert.Equal(t, uint32(blockSize), d.GetReadSize())
	assert.Equal(t, uint32(blockSize), d.GetProgramSize())

	require.Len(t, card.freqHistory, 2)
	assert.Equal(t, uint32(defaultInitClockHz), card.freqHistory[0])
	assert.Equal(t, uint32(defaultTransferClockHz), card.freqHistory[1])
}

func TestInit_V1CardFallsBackToByteAddressing(t *testing.T) {
	card := newFakeCard(testSectors)
	card.simulateV1 = true
	d := newTestDevice(t, card)

	require.NoError(t, d.Init(context.Background()))
	assert.Equal(t, CardV1SC, d.cardType)
}

func TestSelectDeselectPairing(t *testing.T) {
	card := newFakeCard(testSectors)
	d := newTestDevice(t, card)
	ctx := context.Background()

	require.NoError(t, d.Init(ctx))
	card.cs = nil // Init's startup priming raises CS without a matching select_; only check post-Init traffic.

	buf := pattern(0x11, blockSize)
	require.NoError(t, d.Program(ctx, buf, 0, blockSize))
	readBack := make([]byte, blockSize)
	require.NoError(t, d.Read(ctx, readBack, 0, blockSize))
	require.NoError(t, d.Erase(ctx, 0, blockSize))

	require.True(t, len(card.cs) > 0)
	require.Zero(t, len(card.cs)%2, "select/deselect calls must pair up")
	for i := 0; i < len(card.cs); i += 2 {
		assert.True(t, card.cs[i], "expected CS low (select) at position %d", i)
		assert.False(t, card.cs[i+1], "expected CS high (deselect) at position %d", i+1)
	}
}

func TestReadProgram_SingleBlockRoundTrip(t *testing.T) {
	card := newFakeCard(testSectors)
	d := newTestDevice(t, card)
	ctx := context.Background()
	require.NoError(t, d.Init(ctx))

	want := pattern(0xA5, blockSize)
	require.NoError(t, d.Program(ctx, want, blockSize*3, blockSize))

	got := make([]byte, blockSize)
	require.NoError(t, d.Read(ctx, got, blockSize*3, blockSize))
	assert.True(t, bytes.Equal(want, got))
}

func TestReadProgram_MultiBlockRoundTrip(t *testing.T) {
	card := newFakeCard(testSectors)
	d := newTestDevice(t, card)
	ctx := context.Background()
	require.NoError(t, d.Init(ctx))

	const blocks = 5
	want := pattern(0x01, blockSize*blocks)
	require.NoError(t, d.Program(ctx, want, 0, blockSize*blocks))

	got := make([]byte, blockSize*blocks)
	require.NoError(t, d.Read(ctx, got, 0, blockSize*blocks))
	assert.True(t, bytes.Equal(want, got))
}

func TestAddressTranslation_HighCapacityUsesBlockUnits(t *testing.T) {
	card := newFakeCard(testSectors)
	d := newTestDevice(t, card)
	ctx := context.Background()
	require.NoError(t, d.Init(ctx))

	addr := uint64(10) * blockSize
	data := pattern(0x42, blockSize)
	require.NoError(t, d.Program(ctx, data, addr, blockSize))

	stored, ok := card.storage[10]
	require.True(t, ok, "expected write to land on block index 10, not byte address")
	assert.True(t, bytes.Equal(data, stored))
}

func TestRead_RetriesOnceOnMissingStartToken(t *testing.T) {
	card := newFakeCard(testSectors)
	d := newTestDevice(t, card)
	ctx := context.Background()
	require.NoError(t, d.Init(ctx))

	want := pattern(0x77, blockSize)
	require.NoError(t, d.Program(ctx, want, 0, blockSize))

	card.missingTokenOnce = true
	got := make([]byte, blockSize)
	require.NoError(t, d.Read(ctx, got, 0, blockSize))
	assert.True(t, bytes.Equal(want, got))
}

func TestProgram_RejectedBlockSurfacesErrWrite(t *testing.T) {
	card := newFakeCard(testSectors)
	d := newTestDevice(t, card)
	ctx := context.Background()
	require.NoError(t, d.Init(ctx))

	card.rejectBlocks[7] = true
	err := d.Program(ctx, pattern(0x09, blockSize), 7*blockSize, blockSize)
	assert.True(t, errors.Is(err, ErrWrite))
}

func TestProgram_MultiBlockAbortsOnRejectedBlock(t *testing.T) {
	card := newFakeCard(testSectors)
	d := newTestDevice(t, card)
	ctx := context.Background()
	require.NoError(t, d.Init(ctx))

	card.rejectBlocks[2] = true
	buf := pattern(0x5A, blockSize*4)
	err := d.Program(ctx, buf, 0, blockSize*4)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWrite))

	// Blocks before the rejected one should have landed; blocks after
	// should never have been attempted.
	_, gotBlock0 := card.storage[0]
	_, gotBlock1 := card.storage[1]
	_, gotBlock3 := card.storage[3]
	assert.True(t, gotBlock0)
	assert.True(t, gotBlock1)
	assert.False(t, gotBlock3)
}

func TestErase_ClearsBlockRange(t *testing.T) {
	card := newFakeCard(testSectors)
	d := newTestDevice(t, card)
	ctx := context.Background()
	require.NoError(t, d.Init(ctx))

	buf := pattern(0x33, blockSize*2)
	require.NoError(t, d.Program(ctx, buf, 4*blockSize, blockSize*2))
	require.NoError(t, d.Erase(ctx, 4*blockSize, blockSize*2))

	_, ok4 := card.storage[4]
	_, ok5 := card.storage[5]
	assert.False(t, ok4)
	assert.False(t, ok5)
}

func TestTrim_BehavesLikeErase(t *testing.T) {
	card := newFakeCard(testSectors)
	d := newTestDevice(t, card)
	ctx := context.Background()
	require.NoError(t, d.Init(ctx))

	require.NoError(t, d.Program(ctx, pattern(0x44, blockSize), 8*blockSize, blockSize))
	require.NoError(t, d.Trim(ctx, 8*blockSize, blockSize))

	_, ok := card.storage[8]
	assert.False(t, ok)
}

func TestCID_ReturnsCardRegister(t *testing.T) {
	card := newFakeCard(testSectors)
	d := newTestDevice(t, card)
	ctx := context.Background()
	require.NoError(t, d.Init(ctx))

	cid, err := d.CID(ctx)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(card.cid[:], cid))
}

func TestOperationsRequireInit(t *testing.T) {
	card := newFakeCard(testSectors)
	d := newTestDevice(t, card)
	ctx := context.Background()

	assert.Equal(t, uint64(0), d.Size())
	assert.Equal(t, uint32(0), d.GetEraseSize())

	buf := make([]byte, blockSize)
	assert.True(t, errors.Is(d.Read(ctx, buf, 0, blockSize), ErrNoInit))
	assert.True(t, errors.Is(d.Program(ctx, buf, 0, blockSize), ErrNoInit))
	assert.True(t, errors.Is(d.Erase(ctx, 0, blockSize), ErrNoInit))
	assert.True(t, errors.Is(d.Trim(ctx, 0, blockSize), ErrNoInit))
	_, err := d.CID(ctx)
	assert.True(t, errors.Is(err, ErrNoInit))
}

func TestDeinit_IsIdempotentAndResetsState(t *testing.T) {
	card := newFakeCard(testSectors)
	d := newTestDevice(t, card)
	ctx := context.Background()
	require.NoError(t, d.Init(ctx))
	require.NotZero(t, d.Size())

	require.NoError(t, d.Deinit(ctx))
	assert.Equal(t, uint64(0), d.Size())
	require.NoError(t, d.Deinit(ctx))
}

func TestParameterValidation_RejectsMisalignedRequests(t *testing.T) {
	card := newFakeCard(testSectors)
	d := newTestDevice(t, card)
	ctx := context.Background()
	require.NoError(t, d.Init(ctx))

	buf := make([]byte, blockSize*2)
	assert.True(t, errors.Is(d.Read(ctx, buf, 1, blockSize), ErrParameter), "misaligned address")
	assert.True(t, errors.Is(d.Read(ctx, buf, 0, blockSize+1), ErrParameter), "misaligned size")
	assert.True(t, errors.Is(d.Read(ctx, buf, 0, 0), ErrParameter), "zero size")

	hugeAddr := uint64(testSectors) * blockSize
	assert.True(t, errors.Is(d.Read(ctx, buf, hugeAddr, blockSize), ErrParameter), "out of range address")
}

func TestFrequency_ClampsAboveTwentyFiveMHz(t *testing.T) {
	card := newFakeCard(testSectors)
	d := newTestDevice(t, card)
	ctx := context.Background()
	require.NoError(t, d.Init(ctx))

	err := d.Frequency(50_000_000)
	assert.True(t, errors.Is(err, ErrUnsupported))

	last := card.freqHistory[len(card.freqHistory)-1]
	assert.Equal(t, uint32(maxTransferClockHz), last)
}
