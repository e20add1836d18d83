// Package layout implements the Region Planner and Overflow Controller
// (spec.md §4.4, §4.5): it places every admitted dylib's segments into a
// worst-case backing arena divided into Execute/Write/ReadOnly regions (plus
// optional LocalSymbols/CodeSignature), in the fixed deterministic order the
// spec describes, then shrinks the admitted set under overflow.
package layout

import "github.com/appsworld/dyld-shared-cache-builder/internal/machoadapter"

// RegionKind names one of the cache's VM regions.
type RegionKind int

const (
	Execute RegionKind = iota
	Write
	ReadOnly
	LocalSymbols
	CodeSignature
)

func (k RegionKind) String() string {
	switch k {
	case Execute:
		return "__TEXT"
	case Write:
		return "__DATA"
	case ReadOnly:
		return "__LINKEDIT"
	case LocalSymbols:
		return "local-symbols"
	case CodeSignature:
		return "code-signature"
	default:
		return "unknown"
	}
}

// Region tracks one VM region's placement inside the backing arena: a fixed
// base address and a bump pointer recording how much of it is used so far.
type Region struct {
	Kind        RegionKind
	BaseAddress uint64 // cache-relative unslid VM address of the region start
	ArenaOffset uint64 // byte offset into the Plan's Arena
	Used        uint64 // bytes used so far, i.e. the bump pointer - BaseAddress
	MaxProt     uint32
	InitProt    uint32
}

// bump reserves size bytes aligned to align (a power of two) and returns the
// destination address of the reservation.
func (r *Region) bump(size, align uint64) uint64 {
	if align == 0 {
		align = 1
	}
	cur := r.BaseAddress + r.Used
	aligned := (cur + align - 1) &^ (align - 1)
	r.Used = (aligned - r.BaseAddress) + size
	return aligned
}

// Candidate is one admitted dylib the planner places, identified by the load
// path other dylibs use to reference it (see internal/verify.Dylib.LoadPath).
type Candidate struct {
	LoadPath string
	Analyzer machoadapter.Analyzer
}

func (c Candidate) installName() string {
	if c.Analyzer != nil {
		return c.Analyzer.InstallName()
	}
	return c.LoadPath
}

// Placement records where one source segment of one candidate landed.
type Placement struct {
	LoadPath     string
	SegmentIndex int
	SegmentName  string
	SourceOffset uint64 // candidate's own file offset for this segment
	Length       uint64
	DestAddress  uint64 // cache-relative unslid VM address
	ArenaOffset  uint64 // byte offset into the Plan's Arena
	Region       RegionKind
}
