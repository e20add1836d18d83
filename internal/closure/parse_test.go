package closure

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blacktop/go-macho/types"
)

// buildPayload assembles a minimal synthetic LC_DYLD_CHAINED_FIXUPS payload
// with one segment (index segIdx) carrying a single chain start on page 0,
// and one DC_IMPORT-format import named name.
func buildPayload(t *testing.T, segIdx int, pointerFormat types.DCPtrKind, pageStart uint16, importName string) []byte {
	t.Helper()

	const headerSize = 28
	startsInImageSize := 4 + 4*(segIdx+1) // SegCount + one SegInfoOffset entry per segment 0..segIdx
	const startsInSegFixed = 4 + 2 + 2 + 8 + 4 + 2
	const pageCount = 1

	startsOffset := uint32(headerSize)
	segInfoOffset := uint32(startsInImageSize)
	importsOffset := startsOffset + segInfoOffset + startsInSegFixed + pageCount*2
	symbolsOffset := importsOffset + 4

	buf := make([]byte, symbolsOffset+uint32(len(importName))+1)

	binary.LittleEndian.PutUint32(buf[0:4], 0)             // FixupsVersion
	binary.LittleEndian.PutUint32(buf[4:8], startsOffset)   // StartsOffset
	binary.LittleEndian.PutUint32(buf[8:12], importsOffset) // ImportsOffset
	binary.LittleEndian.PutUint32(buf[12:16], symbolsOffset)
	binary.LittleEndian.PutUint32(buf[16:20], 1) // ImportsCount
	binary.LittleEndian.PutUint32(buf[20:24], uint32(types.DC_IMPORT))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(types.DC_SFORMAT_UNCOMPRESSED))

	// DyldChainedStartsInImage
	binary.LittleEndian.PutUint32(buf[startsOffset:startsOffset+4], uint32(segIdx+1))
	offsetsStart := startsOffset + 4
	binary.LittleEndian.PutUint32(buf[offsetsStart+uint32(segIdx)*4:offsetsStart+uint32(segIdx)*4+4], segInfoOffset)

	// DyldChainedStartsInSegment
	segOff := startsOffset + segInfoOffset
	binary.LittleEndian.PutUint32(buf[segOff:segOff+4], uint32(startsInSegFixed+pageCount*2))
	binary.LittleEndian.PutUint16(buf[segOff+4:segOff+6], 0x1000) // PageSize
	binary.LittleEndian.PutUint16(buf[segOff+6:segOff+8], uint16(pointerFormat))
	binary.LittleEndian.PutUint64(buf[segOff+8:segOff+16], 0) // SegmentOffset
	binary.LittleEndian.PutUint32(buf[segOff+16:segOff+20], 0xFFFFFFFF)
	binary.LittleEndian.PutUint16(buf[segOff+20:segOff+22], pageCount)
	binary.LittleEndian.PutUint16(buf[segOff+22:segOff+24], pageStart)

	// Imports (DC_IMPORT format, one entry: lib ordinal 1, not weak, name at offset 0)
	var raw uint32 = 1 // lib ordinal 1, weak bit clear, name offset 0
	binary.LittleEndian.PutUint32(buf[importsOffset:importsOffset+4], raw)

	copy(buf[symbolsOffset:], importName)

	return buf
}

func TestParse_SingleSegmentSingleImport(t *testing.T) {
	data := buildPayload(t, 1, types.DYLD_CHAINED_PTR_64, 0, "_foo")

	parsed, err := Parse(data)
	require.NoError(t, err)

	require.Len(t, parsed.Segments, 1)
	require.Equal(t, 1, parsed.Segments[0].SegmentIndex)
	require.Equal(t, types.DYLD_CHAINED_PTR_64, parsed.Segments[0].PointerFormat)
	require.Equal(t, []uint64{0}, parsed.Segments[0].ChainStartOffsets)

	require.Len(t, parsed.Imports, 1)
	require.Equal(t, "_foo", parsed.Imports[0].Name)
	require.Equal(t, 1, parsed.Imports[0].LibOrdinal)
	require.False(t, parsed.Imports[0].Weak)
}

func TestParse_NoneStartIsSkipped(t *testing.T) {
	data := buildPayload(t, 0, types.DYLD_CHAINED_PTR_64, uint16(types.DYLD_CHAINED_PTR_START_NONE), "_foo")

	parsed, err := Parse(data)
	require.NoError(t, err)

	require.Len(t, parsed.Segments, 1)
	require.Empty(t, parsed.Segments[0].ChainStartOffsets)
}

func TestParse_MultiStartPageIsRejected(t *testing.T) {
	data := buildPayload(t, 0, types.DYLD_CHAINED_PTR_64, uint16(types.DYLD_CHAINED_PTR_START_MULTI)|0x100, "_foo")

	_, err := Parse(data)
	require.Error(t, err)
}

func TestParse_ZlibCompressedSymbolsUnsupported(t *testing.T) {
	data := buildPayload(t, 0, types.DYLD_CHAINED_PTR_64, 0, "_foo")
	binary.LittleEndian.PutUint32(data[24:28], uint32(types.DC_SFORMAT_ZLIB_COMPRESSED))

	_, err := Parse(data)
	require.Error(t, err)
}
