package closure

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blacktop/go-macho/types"
)

func TestWalkChain_Ptr64RebaseSingleEntryTerminates(t *testing.T) {
	arena := make([]byte, 0x100)
	// DYLD_CHAINED_PTR_64 rebase: bit63=0 (rebase), Next()=0 terminates.
	// Target (low 36 bits) = 0x1000, High8 = 0.
	var word uint64 = 0x1000
	binary.LittleEndian.PutUint64(arena[0x10:], word)

	entries, err := WalkChain(arena, 0, 0x10, types.DYLD_CHAINED_PTR_64, 0x100000000, 0x200000000, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.False(t, entries[0].IsBind)
	require.Equal(t, uint64(0x10), entries[0].ImageOffsetInCache)
	// resolveRebaseTarget default case: imageCacheBase + (raw - imagePreferredBase)
	require.Equal(t, uint64(0x200000000+(0x1000-0x100000000)), entries[0].UnslidTarget)
}

func TestWalkChain_Ptr64OffsetFollowsNextDelta(t *testing.T) {
	arena := make([]byte, 0x100)
	// First entry: rebase, Next=2 (stride 4 bytes for PTR_64_OFFSET) -> next slot at +8.
	var first uint64 = (2 << 51) | 0x40 // Next=2, Target=0x40
	binary.LittleEndian.PutUint64(arena[0x0:], first)
	// Second entry: rebase, Next=0 (terminal), Target=0x80
	var second uint64 = 0x80
	binary.LittleEndian.PutUint64(arena[0x8:], second)

	entries, err := WalkChain(arena, 0, 0, types.DYLD_CHAINED_PTR_64_OFFSET, 0, 0x300000000, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, uint64(0), entries[0].ImageOffsetInCache)
	require.Equal(t, uint64(0x300000000+0x40), entries[0].UnslidTarget)
	require.Equal(t, uint64(8), entries[1].ImageOffsetInCache)
	require.Equal(t, uint64(0x300000000+0x80), entries[1].UnslidTarget)
}

func TestWalkChain_Ptr64BindDecodesOrdinalAndAddend(t *testing.T) {
	arena := make([]byte, 0x100)
	var word uint64 = (1 << 63) | (5 << 24) | 3 // bind bit, addend=5, ordinal=3
	binary.LittleEndian.PutUint64(arena[0x8:], word)

	entries, err := WalkChain(arena, 0, 0x8, types.DYLD_CHAINED_PTR_64, 0, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, entries[0].IsBind)
	require.Equal(t, 3, entries[0].LibOrdinal)
	require.Equal(t, int64(5), entries[0].Addend)
}

func TestWalkChain_OutOfBoundsSlotErrors(t *testing.T) {
	arena := make([]byte, 0x8)

	_, err := WalkChain(arena, 0, 0x10, types.DYLD_CHAINED_PTR_64, 0, 0, 0)
	require.Error(t, err)
}

func TestWalkChain_UnsupportedFormatErrors(t *testing.T) {
	arena := make([]byte, 0x10)

	_, err := WalkChain(arena, 0, 0, types.DYLD_CHAINED_PTR_64_KERNEL_CACHE, 0, 0, 0)
	require.Error(t, err)
}
