// Package closure implements the Closure Builder Stub (spec.md §4.12): it
// decodes a dylib's raw LC_DYLD_CHAINED_FIXUPS payload (starts-in-image,
// starts-in-segment, imports table) and walks each segment's chained-fixup
// linked list directly against that segment's already-copied bytes in the
// cache arena, converting every entry into a internal/fixup callback
// invocation. It is a stub of dyld's own ClosureBuilder: it builds nothing
// resembling a launch or program closure, only enough state to drive the
// Fixup Orchestrator.
package closure

import (
	"encoding/binary"
	"fmt"

	"github.com/blacktop/go-macho/types"
)

// ImportSymbol is one entry of the chained-fixups import table: the
// (ordinal, weak, name) triple a bind entry references by index.
type ImportSymbol struct {
	LibOrdinal int
	Weak       bool
	Name       string
}

// SegmentStarts is the decoded dyld_chained_starts_in_segment for one
// Mach-O segment, plus the segment-relative byte offset of the first chain
// entry on every page that has one.
type SegmentStarts struct {
	SegmentIndex      int
	PointerFormat     types.DCPtrKind
	PageSize          uint64
	ChainStartOffsets []uint64
}

// Parsed is the fully decoded LC_DYLD_CHAINED_FIXUPS payload of one dylib.
type Parsed struct {
	Imports  []ImportSymbol
	Segments []SegmentStarts
}

// Parse decodes data, the raw bytes returned by
// machoadapter.Analyzer.ChainedFixupsData. Multi-start pages (the
// high-bit-indirection convention some 32-bit formats use to pack more than
// one chain per page) are not supported by this stub; every dyld shared
// cache pointer format this tool targets uses single-start pages.
func Parse(data []byte) (*Parsed, error) {
	if len(data) < 28 {
		return nil, fmt.Errorf("chained fixups payload too short: %d bytes", len(data))
	}
	header := types.DyldChainedFixupsHeader{
		FixupsVersion: binary.LittleEndian.Uint32(data[0:4]),
		StartsOffset:  binary.LittleEndian.Uint32(data[4:8]),
		ImportsOffset: binary.LittleEndian.Uint32(data[8:12]),
		SymbolsOffset: binary.LittleEndian.Uint32(data[12:16]),
		ImportsCount:  binary.LittleEndian.Uint32(data[16:20]),
		ImportsFormat: types.DCImportsFormat(binary.LittleEndian.Uint32(data[20:24])),
		SymbolsFormat: types.DCSymbolsFormat(binary.LittleEndian.Uint32(data[24:28])),
	}
	if header.SymbolsFormat == types.DC_SFORMAT_ZLIB_COMPRESSED {
		return nil, fmt.Errorf("zlib-compressed chained-fixups symbol table is not supported")
	}

	segments, err := parseStartsInImage(data, header.StartsOffset)
	if err != nil {
		return nil, err
	}
	imports, err := parseImports(data, header)
	if err != nil {
		return nil, err
	}
	return &Parsed{Imports: imports, Segments: segments}, nil
}

func parseStartsInImage(data []byte, startsOffset uint32) ([]SegmentStarts, error) {
	if int(startsOffset)+4 > len(data) {
		return nil, fmt.Errorf("starts-in-image offset %#x out of range", startsOffset)
	}
	segCount := binary.LittleEndian.Uint32(data[startsOffset : startsOffset+4])
	offsetsStart := startsOffset + 4
	if int(offsetsStart)+int(segCount)*4 > len(data) {
		return nil, fmt.Errorf("starts-in-image segment offset table of %d entries out of range", segCount)
	}

	var segments []SegmentStarts
	for i := uint32(0); i < segCount; i++ {
		segInfoOffset := binary.LittleEndian.Uint32(data[offsetsStart+i*4 : offsetsStart+i*4+4])
		if segInfoOffset == 0 {
			continue
		}
		seg, err := parseStartsInSegment(data, startsOffset+segInfoOffset, int(i))
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

func parseStartsInSegment(data []byte, offset uint32, segmentIndex int) (SegmentStarts, error) {
	const fixedFields = 4 + 2 + 2 + 8 + 4 + 2 // Size,PageSize,PointerFormat,SegmentOffset,MaxValidPointer,PageCount
	if int(offset)+fixedFields > len(data) {
		return SegmentStarts{}, fmt.Errorf("starts-in-segment at %#x out of range", offset)
	}
	pageSize := binary.LittleEndian.Uint16(data[offset+4 : offset+6])
	pointerFormat := types.DCPtrKind(binary.LittleEndian.Uint16(data[offset+6 : offset+8]))
	pageCount := binary.LittleEndian.Uint16(data[offset+20 : offset+22])

	pageStartArrayOffset := offset + uint32(fixedFields)
	if int(pageStartArrayOffset)+int(pageCount)*2 > len(data) {
		return SegmentStarts{}, fmt.Errorf("page_start array of %d entries out of range", pageCount)
	}

	seg := SegmentStarts{SegmentIndex: segmentIndex, PointerFormat: pointerFormat, PageSize: uint64(pageSize)}
	for p := uint16(0); p < pageCount; p++ {
		raw := binary.LittleEndian.Uint16(data[pageStartArrayOffset+uint32(p)*2 : pageStartArrayOffset+uint32(p)*2+2])
		start := types.DCPtrStart(raw)
		if start == types.DYLD_CHAINED_PTR_START_NONE {
			continue
		}
		if raw&uint16(types.DYLD_CHAINED_PTR_START_MULTI) != 0 {
			return SegmentStarts{}, fmt.Errorf("multi-start page %d in segment %d is not supported", p, segmentIndex)
		}
		seg.ChainStartOffsets = append(seg.ChainStartOffsets, uint64(p)*uint64(pageSize)+uint64(raw))
	}
	return seg, nil
}

func parseImports(data []byte, header types.DyldChainedFixupsHeader) ([]ImportSymbol, error) {
	out := make([]ImportSymbol, 0, header.ImportsCount)
	for i := uint32(0); i < header.ImportsCount; i++ {
		var ordinal uint64
		var weak bool
		var nameOffset uint64
		switch header.ImportsFormat {
		case types.DC_IMPORT:
			off := header.ImportsOffset + i*4
			if int(off)+4 > len(data) {
				return nil, fmt.Errorf("import entry %d out of range", i)
			}
			imp := types.DyldChainedImport(binary.LittleEndian.Uint32(data[off : off+4]))
			ordinal, weak, nameOffset = uint64(imp.LibOrdinal()), imp.WeakImport(), uint64(imp.NameOffset())
		case types.DC_IMPORT_ADDEND:
			off := header.ImportsOffset + i*8
			if int(off)+4 > len(data) {
				return nil, fmt.Errorf("import entry %d out of range", i)
			}
			imp := types.DyldChainedImport(binary.LittleEndian.Uint32(data[off : off+4]))
			ordinal, weak, nameOffset = uint64(imp.LibOrdinal()), imp.WeakImport(), uint64(imp.NameOffset())
		case types.DC_IMPORT_ADDEND64:
			off := header.ImportsOffset + i*16
			if int(off)+8 > len(data) {
				return nil, fmt.Errorf("import entry %d out of range", i)
			}
			imp := types.DyldChainedImport64(binary.LittleEndian.Uint64(data[off : off+8]))
			ordinal, weak, nameOffset = imp.LibOrdinal(), imp.WeakImport(), imp.NameOffset()
		default:
			return nil, fmt.Errorf("unsupported chained-imports format %d", header.ImportsFormat)
		}
		name, err := readCString(data, header.SymbolsOffset+uint32(nameOffset))
		if err != nil {
			return nil, err
		}
		out = append(out, ImportSymbol{LibOrdinal: int(ordinal), Weak: weak, Name: name})
	}
	return out, nil
}

func readCString(data []byte, offset uint32) (string, error) {
	if int(offset) >= len(data) {
		return "", fmt.Errorf("symbol name offset %#x out of range", offset)
	}
	end := offset
	for int(end) < len(data) && data[end] != 0 {
		end++
	}
	if int(end) >= len(data) {
		return "", fmt.Errorf("unterminated symbol name at offset %#x", offset)
	}
	return string(data[offset:end]), nil
}
