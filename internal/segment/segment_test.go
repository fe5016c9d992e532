package segment

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tsseg/internal/arena"
)

// readBitsMSB decodes n bits (n<=64) starting at bitOffset from buf,
// treating buf as a flat MSB-first byte stream — the layout Serialize
// emits. It is used to check Serialize's output independently of
// Segment's own ReadData path.
func readBitsMSB(buf []byte, bitOffset, n int) uint64 {
	var v uint64
	for i := 0; i < n; i++ {
		bit := bitOffset + i
		v = v<<1 | uint64(buf[bit/8]>>uint(7-bit%8)&1)
	}
	return v
}

func newTestArena(t *testing.T, blockSize int) *arena.Arena {
	t.Helper()
	a, err := arena.NewArena(1<<20, blockSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestEmptySegmentSerializesToTypeAndZeroCount(t *testing.T) {
	a := newTestArena(t, 256)
	s, err := Create(a, 256, 1000, false)
	require.NoError(t, err)
	s.UpdateHeader()

	require.Equal(t, 2, s.SerializationLength())

	buf := make([]byte, 2)
	n, err := s.Serialize(buf, 0, len(buf))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []byte{TypeGorillaLosslessSeconds, 0x00}, buf)
}

func TestWriteReadRoundTripWithinOneBlock(t *testing.T) {
	a := newTestArena(t, 256)
	s, err := Create(a, 256, 1000, false)
	require.NoError(t, err)

	values := []struct {
		v uint64
		n int
	}{
		{0x1, 1},
		{0x3F, 6},
		{0xABCD, 16},
		{0xFFFFFFFFFFFFFFFF, 64},
		{0, 1},
	}
	for _, tc := range values {
		require.NoError(t, s.WriteData(tc.v, tc.n))
	}
	s.UpdateHeader()

	s.ResetCursor()
	for _, tc := range values {
		got, err := s.ReadData(tc.n)
		require.NoError(t, err)
		mask := uint64(1)<<uint(tc.n) - 1
		if tc.n == 64 {
			mask = ^uint64(0)
		}
		require.Equal(t, tc.v&mask, got)
	}
}

func TestWriteCrossesBlockBoundary(t *testing.T) {
	const blockSize = 64 // 8 words; small enough to force chaining quickly
	a := newTestArena(t, blockSize)
	s, err := Create(a, blockSize, 0, false)
	require.NoError(t, err)

	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, s.WriteData(uint64(i&0x3F), 6))
	}
	s.UpdateHeader()
	require.Greater(t, a.InUse(), 1, "expected the chain to span more than one block")
	require.NoError(t, s.Validate())

	s.ResetCursor()
	for i := 0; i < n; i++ {
		got, err := s.ReadData(6)
		require.NoError(t, err)
		require.Equal(t, uint64(i&0x3F), got)
	}

	s.Free()
	require.Equal(t, 0, a.InUse())
}

func TestValidateRejectsUnreachableTail(t *testing.T) {
	a := newTestArena(t, 256)
	s, err := Create(a, 256, 0, false)
	require.NoError(t, err)
	require.NoError(t, s.WriteData(1, 1))
	s.UpdateHeader()
	require.NoError(t, s.Validate())

	s.setCurrentBlockAddr(s.Addr() + uint64(s.BlockSize()))
	err = s.Validate()
	require.Error(t, err)
}

func TestReadDataBeforeResetCursorPanics(t *testing.T) {
	a := newTestArena(t, 256)
	s, err := Create(a, 256, 0, false)
	require.NoError(t, err)
	require.NoError(t, s.WriteData(1, 1))

	require.Panics(t, func() { _, _ = s.ReadData(1) })
}

func TestSerializeMultiBlockSegmentWithWideCount(t *testing.T) {
	const blockSize = 64 // small enough to force chaining quickly
	a := newTestArena(t, blockSize)
	s, err := Create(a, blockSize, 0, false)
	require.NoError(t, err)

	const n = 200 // exceeds the 1-byte point-count range
	values := make([]uint64, n)
	for i := 0; i < n; i++ {
		v := uint64((i * 37) & 0x3F)
		values[i] = v
		require.NoError(t, s.WriteData(v, 6))
		s.IncrementNumDataPoints()
	}
	s.UpdateHeader()
	require.Greater(t, a.InUse(), 1, "expected the chain to span more than one block")
	require.NoError(t, s.Validate())
	require.Equal(t, uint16(n), s.NumDataPoints())
	require.Equal(t, 2, countLen(s.NumDataPoints()), "200 exceeds the 1-byte count range")

	totalBits := n * 6
	wantLen := 1 + 2 + (totalBits+7)/8
	require.Equal(t, wantLen, s.SerializationLength())

	buf := make([]byte, wantLen)
	written, err := s.Serialize(buf, 0, len(buf))
	require.NoError(t, err)
	require.Equal(t, wantLen, written)

	require.Equal(t, TypeGorillaLosslessSeconds, buf[0])
	require.NotZero(t, buf[1]&flagHighBit, "200 must set the 2-byte count flag")
	gotCount := uint16(buf[1]&zeroCount)<<8 | uint16(buf[2])
	require.Equal(t, uint16(n), gotCount)

	payload := buf[3:]
	bitOff := 0
	for i := 0; i < n; i++ {
		got := readBitsMSB(payload, bitOff, 6)
		require.Equalf(t, values[i], got, "value %d", i)
		bitOff += 6
	}
}

func TestSerializeReturnsErrBufferTooSmall(t *testing.T) {
	const blockSize = 64
	a := newTestArena(t, blockSize)
	s, err := Create(a, blockSize, 0, false)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.NoError(t, s.WriteData(uint64(i&0x3F), 6))
		s.IncrementNumDataPoints()
	}
	s.UpdateHeader()

	full := s.SerializationLength()
	require.Greater(t, full, 1, "expected a multi-byte serialization")

	buf := make([]byte, full-1)
	written, err := s.Serialize(buf, 0, len(buf))
	require.ErrorIs(t, err, ErrBufferTooSmall)
	require.Equal(t, full-1, written)
}

func TestReadPastEndOfStreamErrors(t *testing.T) {
	a := newTestArena(t, 256)
	s, err := Create(a, 256, 0, false)
	require.NoError(t, err)
	require.NoError(t, s.WriteData(1, 1))
	s.UpdateHeader()

	s.ResetCursor()
	_, err = s.ReadData(1)
	require.NoError(t, err)

	// Keep consuming well past the block to force a next-pointer
	// follow that lands on the null sentinel.
	for i := 0; i < 2000; i++ {
		if _, err = s.ReadData(64); err != nil {
			break
		}
	}
	require.ErrorIs(t, err, ErrUnexpectedEndOfStream)
}

func TestDirtyAndOutOfOrderFlagsSurviveReopen(t *testing.T) {
	a := newTestArena(t, 256)
	s, err := Create(a, 256, 1000, false)
	require.NoError(t, err)
	require.False(t, s.IsDirty())
	require.False(t, s.HasDupesOrOutOfOrderData())

	require.NoError(t, s.WriteData(0x2A, 8))
	s.SetOutOfOrder(true)
	s.UpdateHeader()
	require.True(t, s.IsDirty())

	reopened := Open(a, 256, s.Addr(), false)
	require.True(t, reopened.IsDirty())
	require.True(t, reopened.HasDupesOrOutOfOrderData())

	reopened.MarkFlushed()
	require.False(t, reopened.IsDirty())
}

func TestHeaderFieldsRoundTrip(t *testing.T) {
	a := newTestArena(t, 256)
	s, err := Create(a, 256, 42, true)
	require.NoError(t, err)

	s.SetLastTimestamp(4242)
	s.SetLastValueBits(0xDEADBEEFCAFEBABE)
	s.SetLastDelta(-17)
	s.SetLastLeadingZeros(5)
	s.SetLastTrailingZeros(9)
	s.IncrementNumDataPoints()
	s.IncrementNumDataPoints()

	require.Equal(t, int32(42), s.SegmentTime())
	require.Equal(t, int32(4242), s.LastTimestamp())
	require.Equal(t, uint64(0xDEADBEEFCAFEBABE), s.LastValueBits())
	require.Equal(t, int32(-17), s.LastDelta())
	require.Equal(t, 5, s.LastLeadingZeros())
	require.Equal(t, 9, s.LastTrailingZeros())
	require.Equal(t, uint16(2), s.NumDataPoints())
	require.True(t, s.Lossy())
}
