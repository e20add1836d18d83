package closure

import (
	"encoding/binary"
	"fmt"

	"github.com/appsworld/dyld-shared-cache-builder/internal/fixup"
	"github.com/blacktop/go-macho/types"
)

// pointerWidth reports the byte width of one chain slot and the stride (in
// bytes) a Next() delta counts in, for the pointer formats this tool
// supports placing into a dyld shared cache. Kernel-cache and firmware
// formats are out of scope: dyld shared caches never use them.
func pointerWidth(format types.DCPtrKind) (width int, stride uint64, err error) {
	switch format {
	case types.DYLD_CHAINED_PTR_ARM64E, types.DYLD_CHAINED_PTR_ARM64E_USERLAND, types.DYLD_CHAINED_PTR_ARM64E_USERLAND24:
		return 8, 8, nil
	case types.DYLD_CHAINED_PTR_ARM64E_OFFSET: // == DYLD_CHAINED_PTR_ARM64E_KERNEL, stride 4
		return 8, 4, nil
	case types.DYLD_CHAINED_PTR_64, types.DYLD_CHAINED_PTR_64_OFFSET:
		return 8, 4, nil
	case types.DYLD_CHAINED_PTR_32, types.DYLD_CHAINED_PTR_32_CACHE:
		return 4, 4, nil
	default:
		return 0, 0, fmt.Errorf("pointer format %d is not supported for dyld shared cache placement", format)
	}
}

// resolveRebaseTarget converts a decoded rebase entry's raw field to a
// cache-absolute address. Three conventions exist in the chained-fixups
// formats this tool supports:
//   - "vmaddr" formats (ARM64E, 64, 32): raw is the image's original
//     preferred-load-address-relative vmaddr.
//   - "vm offset" formats (64_OFFSET, ARM64E_USERLAND, ARM64E_USERLAND24,
//     ARM64E_OFFSET/KERNEL): raw is already an offset from the image's own
//     base.
//   - 32_CACHE: raw is already an offset from the shared region's base.
func resolveRebaseTarget(format types.DCPtrKind, raw, imagePreferredBase, imageCacheBase, sharedRegionBase uint64) uint64 {
	switch format {
	case types.DYLD_CHAINED_PTR_64_OFFSET, types.DYLD_CHAINED_PTR_ARM64E_USERLAND, types.DYLD_CHAINED_PTR_ARM64E_USERLAND24, types.DYLD_CHAINED_PTR_ARM64E_OFFSET:
		return imageCacheBase + raw
	case types.DYLD_CHAINED_PTR_32_CACHE:
		return sharedRegionBase + raw
	default:
		return imageCacheBase + (raw - imagePreferredBase)
	}
}

// decodeWord decodes one raw chain slot value, returning the fixup entry
// (sans ImageOffsetInCache, filled in by the caller) and the Next() delta
// in stride units (0 terminates the chain).
func decodeWord(format types.DCPtrKind, raw uint64, imagePreferredBase, imageCacheBase, sharedRegionBase uint64) (fixup.ChainEntry, uint64, error) {
	switch format {
	case types.DYLD_CHAINED_PTR_ARM64E, types.DYLD_CHAINED_PTR_ARM64E_USERLAND, types.DYLD_CHAINED_PTR_ARM64E_USERLAND24, types.DYLD_CHAINED_PTR_ARM64E_OFFSET:
		auth := types.ExtractBits(raw, 63, 1) != 0
		bind := types.ExtractBits(raw, 62, 1) != 0
		switch {
		case bind && auth:
			v := types.DyldChainedPtrArm64eAuthBind(raw)
			return fixup.ChainEntry{IsBind: true, IsAuth: true, LibOrdinal: int(v.Ordinal())}, v.Next(), nil
		case bind && !auth && format == types.DYLD_CHAINED_PTR_ARM64E_USERLAND24:
			v := types.DyldChainedPtrArm64eBind24(raw)
			return fixup.ChainEntry{IsBind: true, LibOrdinal: int(v.Ordinal()), Addend: int64(v.SignExtendedAddend())}, v.Next(), nil
		case bind && !auth:
			v := types.DyldChainedPtrArm64eBind(raw)
			return fixup.ChainEntry{IsBind: true, LibOrdinal: int(v.Ordinal()), Addend: int64(v.SignExtendedAddend())}, v.Next(), nil
		case !bind && auth:
			v := types.DyldChainedPtrArm64eAuthRebase(raw)
			target := resolveRebaseTarget(format, uint64(v.Offset()), imagePreferredBase, imageCacheBase, sharedRegionBase)
			return fixup.ChainEntry{IsAuth: true, UnslidTarget: target}, v.Next(), nil
		default:
			v := types.DyldChainedPtrArm64eRebase(raw)
			target := resolveRebaseTarget(format, uint64(v.Offset()), imagePreferredBase, imageCacheBase, sharedRegionBase)
			return fixup.ChainEntry{UnslidTarget: target}, v.Next(), nil
		}
	case types.DYLD_CHAINED_PTR_64, types.DYLD_CHAINED_PTR_64_OFFSET:
		if types.ExtractBits(raw, 63, 1) != 0 {
			v := types.DyldChainedPtr64Bind(raw)
			return fixup.ChainEntry{IsBind: true, LibOrdinal: int(v.Ordinal()), Addend: int64(v.Addend())}, v.Next(), nil
		}
		if format == types.DYLD_CHAINED_PTR_64_OFFSET {
			v := types.DyldChainedPtr64RebaseOffset(raw)
			target := resolveRebaseTarget(format, uint64(v.Offset()), imagePreferredBase, imageCacheBase, sharedRegionBase)
			return fixup.ChainEntry{UnslidTarget: target}, v.Next(), nil
		}
		v := types.DyldChainedPtr64Rebase(raw)
		target := resolveRebaseTarget(format, uint64(v.Offset()), imagePreferredBase, imageCacheBase, sharedRegionBase)
		return fixup.ChainEntry{UnslidTarget: target}, v.Next(), nil
	case types.DYLD_CHAINED_PTR_32, types.DYLD_CHAINED_PTR_32_CACHE:
		raw32 := uint32(raw)
		if format == types.DYLD_CHAINED_PTR_32_CACHE {
			v := types.DyldChainedPtr32CacheRebase(raw32)
			target := resolveRebaseTarget(format, uint64(v.Offset()), imagePreferredBase, imageCacheBase, sharedRegionBase)
			return fixup.ChainEntry{UnslidTarget: target}, uint64(v.Next()), nil
		}
		if types.ExtractBits(uint64(raw32), 31, 1) != 0 {
			v := types.DyldChainedPtr32Bind(raw32)
			return fixup.ChainEntry{IsBind: true, LibOrdinal: int(v.Ordinal()), Addend: int64(v.Addend())}, uint64(v.Next()), nil
		}
		v := types.DyldChainedPtr32Rebase(raw32)
		target := resolveRebaseTarget(format, uint64(v.Offset()), imagePreferredBase, imageCacheBase, sharedRegionBase)
		return fixup.ChainEntry{UnslidTarget: target}, uint64(v.Next()), nil
	default:
		return fixup.ChainEntry{}, 0, fmt.Errorf("pointer format %d is not supported for dyld shared cache placement", format)
	}
}

// WalkChain walks one fixup chain starting at segmentRelativeOffset within
// a segment whose copied bytes begin at arena[segmentArenaBase], decoding
// every slot until a zero Next() delta terminates the chain.
func WalkChain(arena []byte, segmentArenaBase, startOffset uint64, format types.DCPtrKind, imagePreferredBase, imageCacheBase, sharedRegionBase uint64) ([]fixup.ChainEntry, error) {
	width, stride, err := pointerWidth(format)
	if err != nil {
		return nil, err
	}

	var entries []fixup.ChainEntry
	offset := startOffset
	for {
		slot := segmentArenaBase + offset
		if slot+uint64(width) > uint64(len(arena)) {
			return nil, fmt.Errorf("chain slot at arena offset %#x exceeds arena of length %#x", slot, len(arena))
		}
		var raw uint64
		if width == 8 {
			raw = binary.LittleEndian.Uint64(arena[slot:])
		} else {
			raw = uint64(binary.LittleEndian.Uint32(arena[slot:]))
		}

		entry, next, err := decodeWord(format, raw, imagePreferredBase, imageCacheBase, sharedRegionBase)
		if err != nil {
			return nil, err
		}
		entry.ImageOffsetInCache = slot
		entries = append(entries, entry)

		if next == 0 {
			break
		}
		offset += next * stride
	}
	return entries, nil
}
