package slideinfo

import (
	"encoding/binary"
	"fmt"

	"github.com/appsworld/dyld-shared-cache-builder/internal/aslr"
	"github.com/appsworld/dyld-shared-cache-builder/internal/cacheformat"
)

// V2V4Result is the encoded slide info for the v2 (64-bit) or v4 (32-bit)
// wire format.
type V2V4Result struct {
	Header     cacheformat.SlideInfoV2V4Header
	PageStarts []uint16
	PageExtras []uint16
}

// Bytes serializes Header followed by PageStarts then PageExtras, the exact
// layout spec.md §6.2 describes for the v2/v4 body.
func (r V2V4Result) Bytes() []byte {
	buf := make([]byte, cacheformat.SlideInfoV2V4HeaderSize+len(r.PageStarts)*2+len(r.PageExtras)*2)
	binary.LittleEndian.PutUint32(buf[0:4], r.Header.Version)
	binary.LittleEndian.PutUint32(buf[4:8], r.Header.PageSize)
	binary.LittleEndian.PutUint64(buf[8:16], r.Header.DeltaMask)
	binary.LittleEndian.PutUint64(buf[16:24], r.Header.ValueAdd)
	binary.LittleEndian.PutUint32(buf[24:28], r.Header.PageStartsOffset)
	binary.LittleEndian.PutUint32(buf[28:32], r.Header.PageStartsCount)
	binary.LittleEndian.PutUint32(buf[32:36], r.Header.PageExtrasOffset)
	binary.LittleEndian.PutUint32(buf[36:40], r.Header.PageExtrasCount)
	off := cacheformat.SlideInfoV2V4HeaderSize
	for _, v := range r.PageStarts {
		binary.LittleEndian.PutUint16(buf[off:off+2], v)
		off += 2
	}
	for _, v := range r.PageExtras {
		binary.LittleEndian.PutUint16(buf[off:off+2], v)
		off += 2
	}
	return buf
}

// maskShift returns the bit position of mask's lowest set bit and the
// maximum value its width can hold (the format's max_delta, in 4-byte slot
// units).
func maskShift(mask uint64) (shift uint, maxDelta uint64) {
	if mask == 0 {
		return 0, 0
	}
	for mask&(1<<shift) == 0 {
		shift++
	}
	return shift, mask >> shift
}

// EncodeV2 walks the writable region's bitmap page by page, threading an
// in-place delta chain through each page's rebase sites (weaving the delta
// into the high bits deltaMask selects) and building the page_starts/extras
// wire arrays. arena is the full cache backing buffer; regionArenaOffset is
// the writable region's own offset into it.
func EncodeV2(arena []byte, bitmap *aslr.Bitmap, regionArenaOffset, regionSize, deltaMask, valueAdd uint64) (V2V4Result, error) {
	return encodeV2V4(2, 8, arena, bitmap, regionArenaOffset, regionSize, deltaMask, valueAdd)
}

// EncodeV4 is EncodeV2's 32-bit counterpart: narrower pointer slots, the
// same weaving algorithm.
func EncodeV4(arena []byte, bitmap *aslr.Bitmap, regionArenaOffset, regionSize, deltaMask, valueAdd uint64) (V2V4Result, error) {
	return encodeV2V4(4, 4, arena, bitmap, regionArenaOffset, regionSize, deltaMask, valueAdd)
}

func encodeV2V4(version uint32, width int, arena []byte, bitmap *aslr.Bitmap, regionArenaOffset, regionSize, deltaMask, valueAdd uint64) (V2V4Result, error) {
	shift, maxDelta := maskShift(deltaMask)
	maxDeltaBytes := maxDelta * 4

	var pageStarts []uint16
	var pageExtras []uint16

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
		pageArenaBase := regionArenaOffset + page*pageSize
		chains := chainPage(arena, pageArenaBase, offsets, maxDeltaBytes, width, stealableFor(width))

		for _, chain := range chains {
			if err := threadChain(arena, pageArenaBase, chain, width, shift, deltaMask, valueAdd); err != nil {
				return V2V4Result{}, err
			}
		}

		if len(chains) == 1 {
			pageStarts = append(pageStarts, uint16(chains[0][0].Offset))
			continue
		}
		extraIdx := len(pageExtras)
		if extraIdx > int(pageAttrExtraIdx) {
			return V2V4Result{}, &ErrExtrasOverflow{PageExtrasCount: extraIdx}
		}
		pageStarts = append(pageStarts, pageAttrExtra|uint16(extraIdx))
		for i, chain := range chains {
			v := uint16(chain[0].Offset)
			if i == len(chains)-1 {
				v |= pageExtraEnd
			}
			pageExtras = append(pageExtras, v)
		}
	}

	if len(pageExtras) > int(pageAttrExtraIdx)+1 {
		return V2V4Result{}, &ErrExtrasOverflow{PageExtrasCount: len(pageExtras)}
	}

	header := cacheformat.SlideInfoV2V4Header{
		Version:          version,
		PageSize:         pageSize,
		DeltaMask:        deltaMask,
		ValueAdd:         valueAdd,
		PageStartsOffset: cacheformat.SlideInfoV2V4HeaderSize,
		PageStartsCount:  uint32(len(pageStarts)),
		PageExtrasOffset: cacheformat.SlideInfoV2V4HeaderSize + uint32(len(pageStarts))*2,
		PageExtrasCount:  uint32(len(pageExtras)),
	}
	return V2V4Result{Header: header, PageStarts: pageStarts, PageExtras: pageExtras}, nil
}

// threadChain rewrites each slot in chain (page-arena-base-relative
// offsets) so its delta field points at the next slot in the chain. A real
// rebase slot has valueAdd subtracted from its stored value before the
// delta is woven in; a Hijacked waypoint keeps its pre-existing "small"
// value as-is (besides the delta bits), since it was never a real cache
// pointer to begin with. The chain's terminal slot gets no delta, clearing
// only the delta-mask bits.
func threadChain(arena []byte, pageArenaBase uint64, chain []chainSlot, width int, shift uint, deltaMask, valueAdd uint64) error {
	for i, cs := range chain {
		off := cs.Offset
		slot := pageArenaBase + off
		if slot+uint64(width) > uint64(len(arena)) {
			return fmt.Errorf("slide-info chain slot at arena offset %#x exceeds arena of length %#x", slot, len(arena))
		}
		var raw uint64
		if width == 8 {
			raw = binary.LittleEndian.Uint64(arena[slot:])
		} else {
			raw = uint64(binary.LittleEndian.Uint32(arena[slot:]))
		}
		if cs.Hijacked {
			raw = raw &^ deltaMask
		} else {
			raw = (raw - valueAdd) &^ deltaMask
		}
		if i+1 < len(chain) {
			delta := (chain[i+1].Offset - off) / 4
			raw |= (delta << shift) & deltaMask
		}
		if width == 8 {
			binary.LittleEndian.PutUint64(arena[slot:], raw)
		} else {
			binary.LittleEndian.PutUint32(arena[slot:], uint32(raw))
		}
	}
	return nil
}
