// Package slideinfo implements the Slide-Info Encoder (spec.md §4.8): it
// reads the ASLR bitmap built by internal/fixup's Orchestrator and emits one
// of three wire formats (v2, v3, v4) summarizing which writable-region slots
// the kernel must adjust when the cache is mapped at a slid address. For v2
// and v4 it also mutates the writable bytes themselves, weaving an in-place
// delta chain through each page's rebase sites the way the real format
// requires; v3 (pointer authentication) only rewrites the next field (bits
// 51-61) of the flat cache addresses the Fixup Orchestrator wrote, leaving
// the rest of each word as it is.
package slideinfo

import (
	"encoding/binary"
	"fmt"

	"github.com/appsworld/dyld-shared-cache-builder/internal/archprofile"
)

// Format names one of the three supported wire formats.
type Format int

const (
	V2 Format = iota
	V3
	V4
)

func (f Format) String() string {
	switch f {
	case V2:
		return "v2"
	case V3:
		return "v3"
	case V4:
		return "v4"
	default:
		return "unknown"
	}
}

const pageSize = 0x1000

// pageAttrNoRebase and pageAttrExtra are the DYLD_CACHE_SLIDE_PAGE_ATTR_*
// sentinels used by the v2/v4 page_starts array.
const (
	pageAttrNoRebase uint16 = 0xFFFF
	pageAttrExtra    uint16 = 0x8000
	pageAttrExtraIdx uint16 = 0x3FFF
	pageExtraEnd     uint16 = 0x8000
)

// SelectFormat picks the wire format for profile, or false if the
// architecture carries no ASLR support at all (no slide info is emitted).
func SelectFormat(profile archprofile.Profile) (Format, bool) {
	if !profile.ASLRSupported {
		return 0, false
	}
	if profile.PointerAuth {
		return V3, true
	}
	if profile.PointerBits == 32 {
		return V4, true
	}
	return V2, true
}

// ErrExtrasOverflow is returned when the v2/v4 extras pool would need more
// entries than its 14-bit index field can address.
type ErrExtrasOverflow struct {
	PageExtrasCount int
}

func (e *ErrExtrasOverflow) Error() string {
	return fmt.Sprintf("slide-info extras pool overflow: %d entries exceeds the 14-bit index limit", e.PageExtrasCount)
}

// ErrReservationOverflow is returned when the encoded slide info exceeds the
// planner's reservation. The encoded length is compared as it is; it is not
// rounded up to the region's alignment first.
type ErrReservationOverflow struct {
	Encoded, Reserved uint64
}

func (e *ErrReservationOverflow) Error() string {
	return fmt.Sprintf("slide-info size %#x exceeds its %#x reservation", e.Encoded, e.Reserved)
}

// chainSlot is one link in a page's v2/v4 rebase chain: either a real
// rebase site (Hijacked false) or a borrowed slot whose pre-existing value
// looked "small" enough to steal as a temporary waypoint bridging a gap
// wider than the format's single-delta reach (Hijacked true). Only
// Hijacked slots get their stored value preserved rather than treated as a
// pointer in threadChain.
type chainSlot struct {
	Offset   uint64
	Hijacked bool
}

// stealableFor returns the "can this slot's current value be hijacked as a
// chain waypoint" predicate for width (4 for v4, 8 for v2), mirroring
// CacheBuilder.cpp's two tests: makeRebaseChainV2 steals only exact zero
// values; makeRebaseChainV4's smallValue additionally accepts any value
// that fits in a signed 16-bit field (top 17 bits all 0 or all 1), since
// v4's narrower 32-bit pointers leave more values indistinguishable from
// chain-link encoding.
func stealableFor(width int) func(raw uint64) bool {
	if width == 8 {
		return func(raw uint64) bool { return raw == 0 }
	}
	return func(raw uint64) bool {
		high := uint32(raw) & 0xFFFF8000
		return high == 0 || high == 0xFFFF8000
	}
}

// chainPage groups the slide-sensitive slot offsets (page-relative, in
// bytes) of one page into one or more singly-linked chains. More than one
// chain is needed only when consecutive slots are farther apart than the
// format's maximum delta reach and no hijack bridge can be found; this
// mirrors CacheBuilder.cpp's makeRebaseChainV2/V4: before giving up and
// starting a new chain (an extras-pool entry), it searches the intervening
// range for slots whose current value can be temporarily hijacked to
// thread the chain through. arena/pageArenaBase let it read those
// candidate slots' pre-existing values; it performs no writes of its own,
// only read-only discovery, the same way the original search loop never
// mutates pageContent until a full bridge is confirmed.
func chainPage(arena []byte, pageArenaBase uint64, slotOffsets []uint64, maxDeltaBytes uint64, width int, stealable func(uint64) bool) [][]chainSlot {
	if len(slotOffsets) == 0 {
		return nil
	}
	var chains [][]chainSlot
	current := []chainSlot{{Offset: slotOffsets[0]}}
	for i := 1; i < len(slotOffsets); i++ {
		prev := current[len(current)-1].Offset
		next := slotOffsets[i]
		if next-prev <= maxDeltaBytes {
			current = append(current, chainSlot{Offset: next})
			continue
		}
		if waypoints, ok := hijackBridge(arena, pageArenaBase, prev, next, maxDeltaBytes, width, stealable); ok {
			for _, w := range waypoints {
				current = append(current, chainSlot{Offset: w, Hijacked: true})
			}
			current = append(current, chainSlot{Offset: next})
			continue
		}
		chains = append(chains, current)
		current = []chainSlot{{Offset: next}}
	}
	chains = append(chains, current)
	return chains
}

// hijackBridge searches the page-relative byte range (prev, next] for a
// sequence of stealable slots that bridges the gap in hops no wider than
// maxDeltaBytes, each hop picking the farthest reachable stealable slot
// first (matching the original search's "j counts down from maxDelta"
// preference for fewer hops). Returns the waypoint offsets in order, or
// ok=false if some hop has no stealable slot at all, in which case the
// page must fall back to a second chain.
func hijackBridge(arena []byte, pageArenaBase uint64, prev, next, maxDeltaBytes uint64, width int, stealable func(uint64) bool) ([]uint64, bool) {
	var waypoints []uint64
	i := prev
	for next-i > maxDeltaBytes {
		found := uint64(0)
		for j := int64(maxDeltaBytes); j > 0; j -= 4 {
			pos := i + uint64(j)
			abs := pageArenaBase + pos
			if abs+uint64(width) > uint64(len(arena)) {
				continue
			}
			if stealable(readWidth(arena, abs, width)) {
				found = pos
				break
			}
		}
		if found == 0 {
			return nil, false
		}
		waypoints = append(waypoints, found)
		i = found
	}
	return waypoints, true
}

func readWidth(arena []byte, abs uint64, width int) uint64 {
	if width == 8 {
		return binary.LittleEndian.Uint64(arena[abs:])
	}
	return uint64(binary.LittleEndian.Uint32(arena[abs:]))
}
