package fixup

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/appsworld/dyld-shared-cache-builder/internal/aslr"
)

func newOrchestrator(t *testing.T, size int) *Orchestrator {
	t.Helper()
	bitmap := aslr.New(0, uint64(size))
	return NewOrchestrator(make([]byte, size), bitmap, 8)
}

func testSlide(t *testing.T, o *Orchestrator, addr uint64) bool {
	t.Helper()
	set, err := o.ASLR.Test(addr)
	require.NoError(t, err)
	return set
}

func TestOrchestrator_RebaseWritesValueAndMarksSlideSensitive(t *testing.T) {
	o := newOrchestrator(t, 0x1000)

	require.NoError(t, o.Rebase(0x100, 0xdead0000))

	require.True(t, testSlide(t, o, 0x100))
	require.Equal(t, uint64(0xdead0000), readPointer(o, 0x100))
}

func TestOrchestrator_BindWritesTargetAndRecordsPatchTable(t *testing.T) {
	o := newOrchestrator(t, 0x1000)

	require.NoError(t, o.Bind(0x200, 0x5000, TargetInfo{SymbolName: "_foo"}, false, 0))

	require.True(t, testSlide(t, o, 0x200))
	require.Equal(t, uint64(0x5000), readPointer(o, 0x200))
	entries := o.Patch.Entries(0x5000)
	require.Len(t, entries, 1)
	require.Equal(t, uint64(0x200), entries[0].ImageOffsetInCache)
}

func TestOrchestrator_BindIsIdempotentOnSecondPass(t *testing.T) {
	o := newOrchestrator(t, 0x1000)

	require.NoError(t, o.Bind(0x200, 0x5000, TargetInfo{}, false, 0))
	require.NoError(t, o.Bind(0x200, 0x9999, TargetInfo{}, false, 0))

	require.Equal(t, uint64(0x5000), readPointer(o, 0x200))
	require.Len(t, o.Patch.Entries(0x5000), 1)
	require.Empty(t, o.Patch.Entries(0x9999))
}

func TestOrchestrator_AbsoluteBindRecordsMissingWeakImportAndSkipsASLR(t *testing.T) {
	o := newOrchestrator(t, 0x1000)

	require.NoError(t, o.Bind(0x300, 0, TargetInfo{LibraryName: "/usr/lib/libOptional.dylib", SymbolName: "_maybeMissing"}, true, 0))

	require.False(t, testSlide(t, o, 0x300))
	missing := o.MissingWeakImports()
	require.Len(t, missing, 1)
	require.Equal(t, "/usr/lib/libOptional.dylib", missing[0].LibraryName)
	require.Empty(t, o.Patch.Targets())
}

func TestOrchestrator_ChainedBindConvertsRebaseEntriesDirectly(t *testing.T) {
	o := newOrchestrator(t, 0x1000)
	entries := []ChainEntry{
		{ImageOffsetInCache: 0x10, IsBind: false, UnslidTarget: 0x4000},
	}

	resolve := func(ordinal int, addend int64) (uint64, bool, string, string, error) {
		t.Fatal("resolve should not be called for a rebase entry")
		return 0, false, "", "", nil
	}

	require.NoError(t, o.ChainedBind(entries, resolve))
	require.True(t, testSlide(t, o, 0x10))
	require.Equal(t, uint64(0x4000), readPointer(o, 0x10))
}

func TestOrchestrator_ChainedBindResolvesBindEntriesViaResolver(t *testing.T) {
	o := newOrchestrator(t, 0x1000)
	entries := []ChainEntry{
		{ImageOffsetInCache: 0x18, IsBind: true, LibOrdinal: 2, Addend: 4},
	}

	var gotOrdinal int
	var gotAddend int64
	resolve := func(ordinal int, addend int64) (uint64, bool, string, string, error) {
		gotOrdinal, gotAddend = ordinal, addend
		return 0x8000, false, "/usr/lib/libFoo.dylib", "_bar", nil
	}

	require.NoError(t, o.ChainedBind(entries, resolve))
	require.Equal(t, 2, gotOrdinal)
	require.Equal(t, int64(4), gotAddend)
	require.Equal(t, uint64(0x8000), readPointer(o, 0x18))
	require.True(t, testSlide(t, o, 0x18))
	entries2 := o.Patch.Entries(0x8000)
	require.Len(t, entries2, 1)
	require.Equal(t, int64(4), entries2[0].Addend)
}

func TestOrchestrator_WritePointerOutOfBoundsErrors(t *testing.T) {
	o := newOrchestrator(t, 0x10)

	err := o.Rebase(0x100, 0x1)
	require.Error(t, err)
}

func readPointer(o *Orchestrator, offset uint64) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(o.Writable[offset+uint64(i)]) << (8 * i)
	}
	return v
}
