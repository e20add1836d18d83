// Package archprofile holds the per-architecture constants every other
// component consults instead of re-deriving them: region base addresses and
// spans, pointer width, alignment, the slide-info delta mask, and the
// branch-pool geometry for reach-limited architectures.
package archprofile

import "fmt"

// Profile is the immutable per-architecture record. Values are grounded on
// dyld3/shared-cache/CacheBuilder.cpp's _s_archLayout table.
type Profile struct {
	Name string

	SharedMemoryStart uint64
	SharedMemorySize  uint64

	// Discontiguous is true for architectures (macOS x86_64/x86_64h) whose
	// three regions each occupy a fixed-base 1 GiB span inside one 3 GiB
	// window, rather than being packed contiguously from SharedMemoryStart.
	Discontiguous bool

	PointerBits     int
	RegionAlignLog2 uint
	DeltaMask       uint64

	// BranchReach is 0 for architectures with no branch-island requirement.
	BranchReach       uint64
	BranchPoolTextSize uint64

	// SlideInfoBytesPerPage is the per-page reservation multiplier used to
	// size the slide-info region: bytes_per_page * pages(writable region).
	SlideInfoBytesPerPage uint64

	ASLRSupported bool

	// PointerAuth selects the v3 (pointer-authentication) slide-info format
	// instead of v2.
	PointerAuth bool
}

const (
	discontiguousExecuteCap  = 0x60000000
	discontiguousWriteCap    = 0x40000000
	discontiguousReadOnlyCap = 0x3FE00000

	// Overflow heuristic ratios mirroring the downstream LINKEDIT
	// compactor's expected shrinkage, applied to the ReadOnly region's
	// planned size: with local symbols stripped it is assumed to shrink to
	// 37%; otherwise to 80%.
	OverflowRatioLocalsExcluded = 37
	OverflowRatioLocalsIncluded = 80
	OverflowRatioDenominator    = 100

	// MinAdmittedDylibs is the minimum number of admitted dylibs below
	// which a build fails outright (spec.md invariant, TooFewDylibs).
	MinAdmittedDylibs = 30
)

// DiscontiguousCaps returns the three fixed-size caps used by the overflow
// check on discontiguous architectures (Execute, Write, ReadOnly).
func DiscontiguousCaps() (execute, write, readOnly uint64) {
	return discontiguousExecuteCap, discontiguousWriteCap, discontiguousReadOnlyCap
}

// Discontiguous region base offsets from SharedMemoryStart.
const (
	DiscontiguousWriteBaseOffset    = 0x60000000
	DiscontiguousReadOnlyBaseOffset = 0xA0000000
)

var profiles = map[string]Profile{
	"x86_64": {
		Name: "x86_64", SharedMemoryStart: 0x7FFF20000000, SharedMemorySize: 0xEFE00000,
		Discontiguous: true, PointerBits: 64, RegionAlignLog2: 12,
		DeltaMask: 0xFFFF000000000000, ASLRSupported: true,
		SlideInfoBytesPerPage: 2,
	},
	"x86_64h": {
		Name: "x86_64h", SharedMemoryStart: 0x7FFF20000000, SharedMemorySize: 0xEFE00000,
		Discontiguous: true, PointerBits: 64, RegionAlignLog2: 12,
		DeltaMask: 0xFFFF000000000000, ASLRSupported: true,
		SlideInfoBytesPerPage: 2,
	},
	"i386": {
		Name: "i386", SharedMemoryStart: 0x90000000, SharedMemorySize: 0x20000000,
		Discontiguous: false, PointerBits: 32, RegionAlignLog2: 12,
		DeltaMask: 0, ASLRSupported: false,
		SlideInfoBytesPerPage: 2,
	},
	"arm64": {
		Name: "arm64", SharedMemoryStart: 0x180000000, SharedMemorySize: 0x40000000,
		Discontiguous: false, PointerBits: 64, RegionAlignLog2: 14,
		DeltaMask: 0x00FFFF0000000000, ASLRSupported: true,
		BranchReach: 0x07F00000, BranchPoolTextSize: 0x00100000,
		SlideInfoBytesPerPage: 2,
	},
	"arm64e": {
		Name: "arm64e", SharedMemoryStart: 0x180000000, SharedMemorySize: 0x40000000,
		Discontiguous: false, PointerBits: 64, RegionAlignLog2: 14,
		DeltaMask: 0x00FFFF0000000000, ASLRSupported: true,
		BranchReach: 0x07F00000, BranchPoolTextSize: 0x00100000,
		SlideInfoBytesPerPage: 2, PointerAuth: true,
	},
	"arm64_32": {
		Name: "arm64_32", SharedMemoryStart: 0x1A000000, SharedMemorySize: 0x26000000,
		Discontiguous: false, PointerBits: 32, RegionAlignLog2: 14,
		DeltaMask: 0xC0000000, ASLRSupported: false,
		BranchReach: 0x07F00000, BranchPoolTextSize: 0x00100000,
		SlideInfoBytesPerPage: 2,
	},
	"armv7s": {
		Name: "armv7s", SharedMemoryStart: 0x1A000000, SharedMemorySize: 0x26000000,
		Discontiguous: false, PointerBits: 32, RegionAlignLog2: 14,
		DeltaMask: 0xE0000000, ASLRSupported: false,
		SlideInfoBytesPerPage: 2,
	},
	"armv7k": {
		Name: "armv7k", SharedMemoryStart: 0x1A000000, SharedMemorySize: 0x26000000,
		Discontiguous: false, PointerBits: 32, RegionAlignLog2: 14,
		DeltaMask: 0xE0000000, ASLRSupported: false,
		SlideInfoBytesPerPage: 2,
	},
	// sim-x86 is the synthetic alias for the simulator 32-bit variant; it
	// maps to a distinct profile rather than reusing i386's.
	"sim-x86": {
		Name: "sim-x86", SharedMemoryStart: 0x40000000, SharedMemorySize: 0x40000000,
		Discontiguous: false, PointerBits: 32, RegionAlignLog2: 14,
		DeltaMask: 0, ASLRSupported: false,
		SlideInfoBytesPerPage: 2,
	},
}

// aliases maps a requested architecture key to the profile key that backs
// it. Only one alias exists today: the simulator's 32-bit i386 variant maps
// to the distinct "sim-x86" profile instead of native i386's.
var aliases = map[string]string{
	"i386-sim": "sim-x86",
}

// ErrUnsupportedArchitecture is returned by Lookup for an unknown key.
type ErrUnsupportedArchitecture struct {
	Requested string
}

func (e *ErrUnsupportedArchitecture) Error() string {
	return fmt.Sprintf("unsupported architecture %q", e.Requested)
}

// Lookup resolves an architecture key to its Profile. An unknown key is a
// fatal diagnostic for the caller (ErrUnsupportedArchitecture).
func Lookup(key string) (Profile, error) {
	if aliased, ok := aliases[key]; ok {
		key = aliased
	}
	p, ok := profiles[key]
	if !ok {
		return Profile{}, &ErrUnsupportedArchitecture{Requested: key}
	}
	return p, nil
}

// PointerSize returns the pointer width in bytes.
func (p Profile) PointerSize() uint64 {
	return uint64(p.PointerBits / 8)
}

// RegionAlign returns 1 << RegionAlignLog2.
func (p Profile) RegionAlign() uint64 {
	return 1 << p.RegionAlignLog2
}

// BranchPoolCapacity returns the maximum number of branch pools the header's
// branch-pool address table must reserve space for.
func (p Profile) BranchPoolCapacity() int {
	if p.BranchReach == 0 {
		return 0
	}
	return int(p.SharedMemorySize/p.BranchReach) + 1
}
