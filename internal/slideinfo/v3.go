package slideinfo

import (
	"encoding/binary"
	"fmt"

	"github.com/appsworld/dyld-shared-cache-builder/internal/aslr"
	"github.com/appsworld/dyld-shared-cache-builder/internal/cacheformat"
)

// v3 chains are always 8-byte stride (arm64e) and thread the next link
// through bits 51-61 of the pointer word, the same field real ARM64E
// chained-fixup pointers already reserve for Next(). Because the Fixup
// Orchestrator writes flat absolute cache addresses rather than reconstructed
// auth/diversity/key pointer words, this encoder relies on cache addresses
// never needing more than the low 51 bits (true for any shared region this
// tool targets) and treats bits 51-61 as free for its own chain, leaving
// bits 62-63 (a real ARM64E pointer's bind and auth flags) untouched at zero -
// an acknowledged simplification, not a full ARM64E pointer reconstruction.
const (
	v3NextShift = 51
	v3NextBits  = 11
	v3NextMask  = uint64((1<<v3NextBits)-1) << v3NextShift
	v3Stride    = 8
)

// V3Result is the encoded slide info for the v3 (pointer authentication)
// wire format.
type V3Result struct {
	Header     cacheformat.SlideInfoV3Header
	PageStarts []uint16
}

// Bytes serializes Header followed by PageStarts, spec.md §6.2's v3 layout.
func (r V3Result) Bytes() []byte {
	buf := make([]byte, cacheformat.SlideInfoV3HeaderSize+len(r.PageStarts)*2)
	binary.LittleEndian.PutUint32(buf[0:4], r.Header.Version)
	binary.LittleEndian.PutUint32(buf[4:8], r.Header.PageSize)
	binary.LittleEndian.PutUint32(buf[8:12], r.Header.PageStartsCount)
	binary.LittleEndian.PutUint64(buf[12:20], r.Header.AuthValueAdd)
	off := cacheformat.SlideInfoV3HeaderSize
	for _, v := range r.PageStarts {
		binary.LittleEndian.PutUint16(buf[off:off+2], v)
		off += 2
	}
	return buf
}

// EncodeV3 walks the writable region's bitmap page by page, threading each
// page's rebase sites into a single chain via the Next field reserved in
// bits 51-61 of each arm64e pointer word, and records one start offset per
// page (pageAttrNoRebase for pages with none).
func EncodeV3(arena []byte, bitmap *aslr.Bitmap, regionArenaOffset, regionSize uint64) (V3Result, error) {
	var pageStarts []uint16

	pageCount := (regionSize + pageSize - 1) / pageSize
	for page := uint64(0); page < pageCount; page++ {
		slotIdx := bitmap.PageSlots(page*pageSize, pageSize)
		if len(slotIdx) == 0 {
			pageStarts = append(pageStarts, pageAttrNoRebase)
			continue
		}
		offsets := make([]uint64, len(slotIdx))
		for i, idx := range slotIdx {
			offsets[i] = idx*4 - page*pageSize
		}

		if err := threadV3Chain(arena, regionArenaOffset+page*pageSize, offsets); err != nil {
			return V3Result{}, err
		}
		pageStarts = append(pageStarts, uint16(offsets[0]))
	}

	header := cacheformat.SlideInfoV3Header{
		Version:         3,
		PageSize:        pageSize,
		PageStartsCount: uint32(len(pageStarts)),
	}
	return V3Result{Header: header, PageStarts: pageStarts}, nil
}

// threadV3Chain rewrites each slot's Next field (bits 51-61) to point at the
// following slot, leaving the chain's terminal slot's Next field at zero.
// offsets are page-arena-base-relative byte offsets, strictly increasing.
func threadV3Chain(arena []byte, pageArenaBase uint64, offsets []uint64) error {
	for i, off := range offsets {
		slot := pageArenaBase + off
		if slot+v3Stride > uint64(len(arena)) {
			return fmt.Errorf("slide-info v3 chain slot at arena offset %#x exceeds arena of length %#x", slot, len(arena))
		}
		raw := binary.LittleEndian.Uint64(arena[slot:])
		raw &^= v3NextMask
		if i+1 < len(offsets) {
			delta := (offsets[i+1] - off) / v3Stride
			if delta > (1<<v3NextBits)-1 {
				return fmt.Errorf("slide-info v3 chain gap %#x between slots exceeds the 11-bit next field", offsets[i+1]-off)
			}
			raw |= delta << v3NextShift
		}
		binary.LittleEndian.PutUint64(arena[slot:], raw)
	}
	return nil
}
