// Package cacheformat defines the on-disk wire structs for the produced
// cache file (spec.md §6.2), read and written with encoding/binary the way
// the teacher's types package reads Mach-O wire structs with binary.Read.
package cacheformat

// Magic is the fixed 16-byte file magic: "dyld_v1" padded with spaces to 15
// bytes followed by the architecture name padded to byte 16 by the caller.
const MagicPrefix = "dyld_v1"

const MagicSize = 16

// CacheType distinguishes a production cache (aggressively stripped,
// locally-built-cache bit clear) from a development cache.
type CacheType uint64

const (
	CacheTypeDevelopment CacheType = 0
	CacheTypeProduction  CacheType = 1
)

// Header is the fixed-size cache header. Field order and widths mirror
// spec.md §6.2's CacheHeader byte-for-byte.
type Header struct {
	Magic [MagicSize]byte

	MappingOffset uint32
	MappingCount  uint32

	ImagesOffset uint32
	ImagesCount  uint32

	DyldBaseAddress uint64

	CodeSignatureOffset uint64
	CodeSignatureSize   uint64

	SlideInfoOffset uint64
	SlideInfoSize   uint64

	LocalSymbolsOffset uint64
	LocalSymbolsSize   uint64

	UUID [16]byte

	CacheType CacheType

	BranchPoolsOffset uint32
	BranchPoolsCount  uint32

	AccelerateInfoAddr uint64
	AccelerateInfoSize uint64

	ImagesTextOffset uint64
	ImagesTextCount  uint64

	DylibsImageGroupAddr uint64 // legacy, always 0
	DylibsImageGroupSize uint64 // legacy, always 0

	OtherImageGroupAddr uint64 // legacy, always 0
	OtherImageGroupSize uint64 // legacy, always 0

	ProgClosuresAddr uint64 // always 0, program closures are out of scope
	ProgClosuresSize uint64

	ProgClosuresTrieAddr uint64
	ProgClosuresTrieSize uint64

	Platform      uint8
	FormatVersion uint32

	DylibsExpectedOnDisk bool
	Simulator            bool
	LocallyBuiltCache    bool

	SharedRegionStart uint64
	SharedRegionSize  uint64
	MaxSlide          uint64
}

// MappingInfo is one of the header's fixed three region mapping records
// (Execute, Write, ReadOnly, always in that order).
type MappingInfo struct {
	Address    uint64
	Size       uint64
	FileOffset uint64
	MaxProt    uint32
	InitProt   uint32
}

const MappingInfoSize = 8 + 8 + 8 + 4 + 4

// ImageInfo locates one admitted dylib's install-name string and its
// timestamp/inode pair, mirroring what dyld records to validate a cached
// dylib still matches the one on disk.
type ImageInfo struct {
	Address        uint64
	ModTime        uint64
	Inode          uint64
	PathFileOffset uint32
	Pad            uint32
}

const ImageInfoSize = 8 + 8 + 8 + 4 + 4

// ImageTextInfo is the per-dylib UUID/load-address/text-size record used by
// the kernel and crash reporters to resolve a cache-relative address back
// to a dylib without walking the Mach-O header.
type ImageTextInfo struct {
	UUID            [16]byte
	LoadAddress     uint64
	TextSegmentSize uint64
	PathOffset      uint32
	Pad             uint32
}

const ImageTextInfoSize = 16 + 8 + 8 + 4 + 4

// HeaderSize is sized generously above the struct's packed size to leave
// room for alignment padding the Go struct layout doesn't need but the
// on-disk format reserves for future header growth, mirroring the real
// cache header's historical practice of over-allocating fixed fields.
const HeaderSize = 0x200

// SlideInfoV2V4Header is the fixed portion shared by the v2 and v4
// slide-info wire formats.
type SlideInfoV2V4Header struct {
	Version          uint32
	PageSize         uint32
	DeltaMask        uint64
	ValueAdd         uint64
	PageStartsOffset uint32
	PageStartsCount  uint32
	PageExtrasOffset uint32
	PageExtrasCount  uint32
}

const SlideInfoV2V4HeaderSize = 4 + 4 + 8 + 8 + 4 + 4 + 4 + 4

// SlideInfoV3Header is the fixed portion of the v3 (pointer-authentication)
// slide-info wire format; it has no extras pool because v3 chains are
// threaded through the chained-fixup `next` fields already present in the
// writable region.
type SlideInfoV3Header struct {
	Version         uint32
	PageSize        uint32
	PageStartsCount uint32
	AuthValueAdd    uint64
}

const SlideInfoV3HeaderSize = 4 + 4 + 4 + 8
