package layout

import (
	"fmt"
	"sort"

	"github.com/appsworld/dyld-shared-cache-builder/internal/archprofile"
	"github.com/appsworld/dyld-shared-cache-builder/internal/cacheformat"
)

const (
	pageSize      = 0x1000
	pageAlignLog  = 12
	linkeditAlign = 0x4000 // 16 KiB

	// vmProtRead/vmProtWrite/vmProtExecute mirror the standard Mach VM_PROT_*
	// bit values used throughout the teacher's Segment/Maxprot fields.
	vmProtRead    = 0x1
	vmProtWrite   = 0x2
	vmProtExecute = 0x4

	// dataConstPackingThreshold is the number of __DATA_CONST segments above
	// which __DATA segments are packed as tightly as __DATA_CONST instead of
	// keeping their usual 4 KiB alignment.
	dataConstPackingThreshold = 10

	// perPoolLinkeditReserve is a fixed reservation following the LINKEDIT
	// segments for each branch pool's own minimal unwind-info bookkeeping.
	perPoolLinkeditReserve = 0x4000
)

// Options carries the caller-supplied ordering maps and feature toggles the
// planner consults (spec.md §4.4).
type Options struct {
	ExecOrder           map[string]int
	DirtyDataOrder      map[string]int
	ExcludeLocalSymbols bool
}

// Plan is the complete result of a single planning pass.
type Plan struct {
	Arena   []byte
	Profile archprofile.Profile

	Regions map[RegionKind]*Region

	Placements          []Placement
	BranchPoolAddresses []uint64

	HeaderReserveSize uint64

	SlideInfoReserveOffset uint64
	SlideInfoReserveSize   uint64

	ExcludeLocalSymbols bool
}

func align(v, a uint64) uint64 {
	if a == 0 {
		return v
	}
	return (v + a - 1) &^ (a - 1)
}

// headerReserveSize computes the Execute region's leading reservation: cache
// header, three mapping records, branch-pool-address table, image-info
// table, image-text table, and the install-name string pool, rounded up to
// a 4 KiB boundary (spec.md §4.4 step 1).
func headerReserveSize(profile archprofile.Profile, candidates []Candidate) uint64 {
	size := uint64(cacheformat.HeaderSize)
	size += 3 * cacheformat.MappingInfoSize
	size += uint64(profile.BranchPoolCapacity()) * 8
	size += uint64(len(candidates)) * cacheformat.ImageInfoSize
	size += uint64(len(candidates)) * cacheformat.ImageTextInfoSize
	for _, c := range candidates {
		size += uint64(len(c.installName())) + 1
	}
	return align(size, pageSize)
}

// Plan runs the full Region Planner over candidates, returning the
// placement of every one of their cacheable segments, or an error if the
// worst-case arena could not be sized.
func Plan(candidates []Candidate, profile archprofile.Profile, opts Options) (*Plan, error) {
	arenaSize := profile.SharedMemorySize + profile.SharedMemorySize/2
	if profile.Discontiguous {
		_, _, roCap := archprofile.DiscontiguousCaps()
		if need := archprofile.DiscontiguousReadOnlyBaseOffset + roCap; need > arenaSize {
			arenaSize = need
		}
	}

	plan := &Plan{
		Arena:               make([]byte, arenaSize),
		Profile:             profile,
		Regions:             make(map[RegionKind]*Region),
		ExcludeLocalSymbols: opts.ExcludeLocalSymbols,
	}

	sortedExec := sortDylibs(candidates, opts.ExecOrder)

	plan.HeaderReserveSize = headerReserveSize(profile, candidates)

	execRegion := &Region{Kind: Execute, BaseAddress: profile.SharedMemoryStart, InitProt: vmProtRead | vmProtExecute, MaxProt: vmProtRead | vmProtExecute}
	execRegion.Used = plan.HeaderReserveSize
	plan.Regions[Execute] = execRegion

	if err := placeExecuteRegion(plan, execRegion, sortedExec); err != nil {
		return nil, err
	}

	writeRegion := plan.newFollowingRegion(Write, execRegion, vmProtRead|vmProtWrite, archprofile.DiscontiguousWriteBaseOffset)
	placeWriteRegion(plan, writeRegion, sortedExec, opts.DirtyDataOrder)

	roRegion := plan.newFollowingRegion(ReadOnly, writeRegion, vmProtRead, archprofile.DiscontiguousReadOnlyBaseOffset)
	placeReadOnlyRegion(plan, roRegion, writeRegion, sortedExec)

	resortPlacementsBySourceSegment(plan)

	return plan, nil
}

// newFollowingRegion computes the base address of the region that follows
// prev: a fixed discontiguous offset for discontiguous architectures, or
// immediately after prev's used bytes (aligned to the architecture's region
// alignment) for contiguous ones.
func (p *Plan) newFollowingRegion(kind RegionKind, prev *Region, prot uint32, discontiguousOffset uint64) *Region {
	var base uint64
	if p.Profile.Discontiguous {
		base = p.Profile.SharedMemoryStart + discontiguousOffset
	} else {
		base = align(prev.BaseAddress+prev.Used, p.Profile.RegionAlign())
	}
	r := &Region{Kind: kind, BaseAddress: base, InitProt: prot, MaxProt: prot}
	p.Regions[kind] = r
	return r
}

func (p *Plan) arenaOffset(addr uint64) uint64 {
	return addr - p.Profile.SharedMemoryStart
}

// placeExecuteRegion walks sortedExec, placing every read+execute segment
// of every candidate at the current bump pointer, inserting branch pools as
// needed for reach-limited architectures (spec.md §4.4 step 2).
func placeExecuteRegion(plan *Plan, region *Region, sortedExec []Candidate) error {
	var lastPoolAddress uint64
	havePool := false
	if plan.Profile.BranchReach != 0 {
		lastPoolAddress = region.BaseAddress
		havePool = true
	}

	for _, c := range sortedExec {
		if c.Analyzer == nil {
			continue
		}
		for _, seg := range c.Analyzer.Segments() {
			if seg.InitProt&(vmProtRead|vmProtExecute) != (vmProtRead | vmProtExecute) {
				continue
			}
			segAlign := uint64(1) << maxUint32(seg.P2Align, pageAlignLog)

			if plan.Profile.BranchReach != 0 {
				nextAddr := align(region.BaseAddress+region.Used, segAlign)
				if havePool && nextAddr-lastPoolAddress > plan.Profile.BranchReach {
					poolAddr := region.bump(plan.Profile.BranchPoolTextSize, pageSize)
					plan.BranchPoolAddresses = append(plan.BranchPoolAddresses, poolAddr)
					lastPoolAddress = poolAddr
				} else if !havePool {
					lastPoolAddress = region.BaseAddress
					havePool = true
				}
			}

			dest := region.bump(seg.VMSize, segAlign)
			plan.Placements = append(plan.Placements, Placement{
				LoadPath:     c.LoadPath,
				SegmentIndex: seg.Index,
				SegmentName:  seg.Name,
				SourceOffset: seg.FileOffset,
				Length:       seg.VMSize,
				DestAddress:  dest,
				ArenaOffset:  plan.arenaOffset(dest),
				Region:       Execute,
			})
		}
	}
	if maxPools := plan.Profile.BranchPoolCapacity(); maxPools > 0 && len(plan.BranchPoolAddresses) > maxPools {
		return fmt.Errorf("branch pool count %d exceeds architecture capacity %d", len(plan.BranchPoolAddresses), maxPools)
	}
	return nil
}

func maxUint32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// placeWriteRegion implements the two data-segment sub-passes plus the
// dirty-data sub-pass (spec.md §4.4 step 3).
func placeWriteRegion(plan *Plan, region *Region, sortedExec []Candidate, dirtyOrder map[string]int) {
	dataConstCount := 0
	for _, c := range sortedExec {
		if c.Analyzer == nil {
			continue
		}
		for _, seg := range c.Analyzer.Segments() {
			if seg.Name == "__DATA_CONST" {
				dataConstCount++
			}
		}
	}
	packData := dataConstCount > dataConstPackingThreshold

	placeSegments := func(match func(name string) bool, tight bool) {
		for _, c := range sortedExec {
			if c.Analyzer == nil {
				continue
			}
			for _, seg := range c.Analyzer.Segments() {
				if seg.InitProt&vmProtWrite == 0 || seg.Name == "__DATA_DIRTY" {
					continue
				}
				if !match(seg.Name) {
					continue
				}
				minAlign := uint32(pageAlignLog)
				if tight {
					minAlign = 0
				}
				segAlign := uint64(1) << maxUint32(seg.P2Align, minAlign)
				dest := region.bump(seg.VMSize, segAlign)
				plan.Placements = append(plan.Placements, Placement{
					LoadPath:     c.LoadPath,
					SegmentIndex: seg.Index,
					SegmentName:  seg.Name,
					SourceOffset: seg.FileOffset,
					Length:       seg.VMSize,
					DestAddress:  dest,
					ArenaOffset:  plan.arenaOffset(dest),
					Region:       Write,
				})
			}
		}
	}

	placeSegments(func(name string) bool { return name == "__DATA_CONST" }, true)
	placeSegments(func(name string) bool { return name != "__DATA_CONST" }, packData)

	dirtySorted := sortDylibs(sortedExec, dirtyOrder)
	for _, c := range dirtySorted {
		if c.Analyzer == nil {
			continue
		}
		for _, seg := range c.Analyzer.Segments() {
			if seg.Name != "__DATA_DIRTY" {
				continue
			}
			segAlign := uint64(1) << seg.P2Align
			dest := region.bump(seg.VMSize, segAlign)
			plan.Placements = append(plan.Placements, Placement{
				LoadPath:     c.LoadPath,
				SegmentIndex: seg.Index,
				SegmentName:  seg.Name,
				SourceOffset: seg.FileOffset,
				Length:       seg.VMSize,
				DestAddress:  dest,
				ArenaOffset:  plan.arenaOffset(dest),
				Region:       Write,
			})
		}
	}
}

// placeReadOnlyRegion reserves slide-info space, then places non-LINKEDIT
// read-only segments, then LINKEDIT segments aligned to 16 KiB, then a
// fixed per-branch-pool LINKEDIT reservation (spec.md §4.4 step 4).
func placeReadOnlyRegion(plan *Plan, region *Region, writeRegion *Region, sortedExec []Candidate) {
	pagesInWrite := (writeRegion.Used + pageSize - 1) / pageSize
	maxFixedHeader := uint64(cacheformat.SlideInfoV2V4HeaderSize)
	if cacheformat.SlideInfoV3HeaderSize > maxFixedHeader {
		maxFixedHeader = cacheformat.SlideInfoV3HeaderSize
	}
	plan.SlideInfoReserveSize = maxFixedHeader + plan.Profile.SlideInfoBytesPerPage*pagesInWrite
	plan.SlideInfoReserveOffset = region.bump(plan.SlideInfoReserveSize, pageSize)

	for _, c := range sortedExec {
		if c.Analyzer == nil {
			continue
		}
		for _, seg := range c.Analyzer.Segments() {
			if seg.Name == "__LINKEDIT" {
				continue
			}
			if seg.InitProt&(vmProtWrite|vmProtExecute) != 0 {
				continue
			}
			segAlign := uint64(1) << maxUint32(seg.P2Align, pageAlignLog)
			dest := region.bump(seg.VMSize, segAlign)
			plan.Placements = append(plan.Placements, Placement{
				LoadPath:     c.LoadPath,
				SegmentIndex: seg.Index,
				SegmentName:  seg.Name,
				SourceOffset: seg.FileOffset,
				Length:       seg.VMSize,
				DestAddress:  dest,
				ArenaOffset:  plan.arenaOffset(dest),
				Region:       ReadOnly,
			})
		}
	}

	for _, c := range sortedExec {
		if c.Analyzer == nil {
			continue
		}
		for _, seg := range c.Analyzer.Segments() {
			if seg.Name != "__LINKEDIT" {
				continue
			}
			dest := region.bump(seg.VMSize, linkeditAlign)
			plan.Placements = append(plan.Placements, Placement{
				LoadPath:     c.LoadPath,
				SegmentIndex: seg.Index,
				SegmentName:  seg.Name,
				SourceOffset: seg.FileOffset,
				Length:       seg.VMSize,
				DestAddress:  dest,
				ArenaOffset:  plan.arenaOffset(dest),
				Region:       ReadOnly,
			})
		}
	}

	for range plan.BranchPoolAddresses {
		region.bump(perPoolLinkeditReserve, linkeditAlign)
	}
}

// resortPlacementsBySourceSegment re-sorts Placements so each candidate's
// own placements are grouped and ordered by source segment index, per
// spec.md §4.4 step 5, so callers addressing placements by original segment
// ordinal work correctly regardless of the region-interleaved order they
// were produced in.
func resortPlacementsBySourceSegment(plan *Plan) {
	sort.SliceStable(plan.Placements, func(i, j int) bool {
		a, b := plan.Placements[i], plan.Placements[j]
		if a.LoadPath != b.LoadPath {
			return a.LoadPath < b.LoadPath
		}
		return a.SegmentIndex < b.SegmentIndex
	})
}
