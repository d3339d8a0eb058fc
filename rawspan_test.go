package memspan_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/memspan/memspan"
)

func TestRawSpanOfBytes(t *testing.T) {
	backing := make([]byte, 8)
	span := memspan.RawSpanOfBytes(backing)

	require.Equal(t, 8, span.Len())
	require.False(t, span.IsEmpty())

	span.SetByte(0, 0xAA)
	require.Equal(t, byte(0xAA), span.Byte(0))
	require.Equal(t, byte(0xAA), backing[0])

	require.True(t, memspan.RawSpanOfBytes(nil).IsEmpty())
}

func TestRawSpanSliceRebasing(t *testing.T) {
	backing := make([]byte, 8)
	span := memspan.RawSpanOfBytes(backing)

	sub := span.Slice(2, 6)
	require.Equal(t, 4, sub.Len())

	sub.SetByte(0, 0xBB)
	require.Equal(t, byte(0xBB), backing[2])
}

func TestRawSpanCopy(t *testing.T) {
	backing := make([]byte, 8)
	span := memspan.RawSpanOfBytes(backing)

	n := span.CopyBytes([]byte{1, 2, 3})
	require.Equal(t, 3, n)
	require.Equal(t, []byte{1, 2, 3, 0, 0, 0, 0, 0}, backing)

	// Copies truncate to the shorter of the two spans
	small := span.Slice(0, 2)
	n = small.CopyFrom(memspan.RawSpanOfBytes([]byte{9, 9, 9, 9}))
	require.Equal(t, 2, n)
	require.Equal(t, []byte{9, 9, 3, 0, 0, 0, 0, 0}, backing)

	n = span.CopyFrom(memspan.RawSpan{})
	require.Equal(t, 0, n)
}

func TestRawSpanFill(t *testing.T) {
	raw := memspan.AllocRaw(8, 1)
	span := memspan.RawSpanOf(raw, 8)

	span.Fill(0x5A)
	for i := 0; i < 8; i++ {
		require.Equal(t, byte(0x5A), span.Byte(i))
	}

	raw.Deallocate()
}

func TestRawSpanLoadStoreAt(t *testing.T) {
	raw := memspan.AllocRaw(16, 8)
	span := memspan.RawSpanOf(raw, 16)

	memspan.StoreAt(span, 0, uint64(0x1122334455667788))
	require.Equal(t, uint64(0x1122334455667788), memspan.LoadAt[uint64](span, 0))

	memspan.StoreAt(span, 12, uint32(77))
	require.Equal(t, uint32(77), memspan.LoadAt[uint32](span, 12))

	raw.Deallocate()
}

func TestBindSpanTruncates(t *testing.T) {
	raw := memspan.AllocRaw(10, 4)
	span := memspan.RawSpanOf(raw, 10)

	typed := memspan.BindSpan[uint32](span)
	require.Equal(t, 2, typed.Len())

	typed.InitializeRepeating(3)
	require.Equal(t, uint32(3), typed.Load(1))

	// Too few bytes for even one element yields the empty span
	require.True(t, memspan.BindSpan[uint64](span.Slice(0, 4)).IsEmpty())

	typed.Deinitialize()
	raw.Deallocate()
}

func TestInitializeSpan(t *testing.T) {
	raw := memspan.AllocRaw(10, 4)
	span := memspan.RawSpanOf(raw, 10)

	typed, leftover := memspan.InitializeSpan(span, []int32{1, 2, 3})
	require.Equal(t, 2, typed.Len())
	require.Equal(t, []int32{3}, leftover)
	require.Equal(t, int32(1), typed.Load(0))
	require.Equal(t, int32(2), typed.Load(1))

	typed.Deinitialize()
	raw.Deallocate()
}

func TestInitializeSpanExactFit(t *testing.T) {
	raw := memspan.AllocRaw(8, 4)
	span := memspan.RawSpanOf(raw, 8)

	typed, leftover := memspan.InitializeSpan(span, []int32{4, 5})
	require.Equal(t, 2, typed.Len())
	require.Empty(t, leftover)
	require.Equal(t, int32(5), typed.Load(1))

	typed.Deinitialize()
	raw.Deallocate()
}
