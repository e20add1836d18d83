package layout

import (
	"sort"

	"github.com/appsworld/dyld-shared-cache-builder/internal/archprofile"
)

// sortDylibs implements CacheBuilder.cpp's makeSortedDylibs ordering:
// candidates present in orderMap sort before any candidate absent from it,
// ties among present entries preserve the map's own relative order (its
// integer values), and only candidates absent from the map fall back to
// lexicographic order by load path.
func sortDylibs(candidates []Candidate, orderMap map[string]int) []Candidate {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)

	sort.SliceStable(out, func(i, j int) bool {
		pi, iPresent := orderMap[out[i].LoadPath]
		pj, jPresent := orderMap[out[j].LoadPath]
		switch {
		case iPresent && jPresent:
			return pi < pj
		case iPresent && !jPresent:
			return true
		case !iPresent && jPresent:
			return false
		default:
			return out[i].LoadPath < out[j].LoadPath
		}
	})
	return out
}

// Overflow reports how many bytes a planned cache exceeds its architecture's
// constraints by: 0 when it fits.
func Overflow(plan *Plan) uint64 {
	if plan.Profile.Discontiguous {
		execCap, writeCap, roCap := archprofile.DiscontiguousCaps()
		var worst uint64
		if u := excess(plan.Regions[Execute].Used, execCap); u > worst {
			worst = u
		}
		if u := excess(plan.Regions[Write].Used, writeCap); u > worst {
			worst = u
		}
		if u := excess(plan.Regions[ReadOnly].Used, roCap); u > worst {
			worst = u
		}
		return worst
	}

	vmSize := totalVMSize(plan)
	if vmSize <= plan.Profile.SharedMemorySize {
		return 0
	}
	return vmSize - plan.Profile.SharedMemorySize
}

func excess(used, cap uint64) uint64 {
	if used > cap {
		return used - cap
	}
	return 0
}

// totalVMSize mirrors the heuristic downward adjustment applied to the
// ReadOnly region's raw used-bytes count to account for the LINKEDIT
// compaction the downstream linker performs after this tool runs: with local
// symbols excluded the compactor is assumed to shrink LINKEDIT down to about
// 37% of its pre-compaction size, otherwise about 80%.
func totalVMSize(plan *Plan) uint64 {
	ratio := uint64(archprofile.OverflowRatioLocalsIncluded)
	if plan.ExcludeLocalSymbols {
		ratio = archprofile.OverflowRatioLocalsExcluded
	}
	adjustedReadOnly := plan.Regions[ReadOnly].Used * ratio / archprofile.OverflowRatioDenominator
	return plan.Regions[Execute].Used + plan.Regions[Write].Used + adjustedReadOnly
}

// dylibAndSize pairs a candidate with its non-LINKEDIT segment size total,
// used by the leaf-eviction pass to choose which zero-referenced dylibs to
// drop first.
type dylibAndSize struct {
	Candidate Candidate
	Size      uint64
}

// nonLinkeditSize sums every segment's VM size except __LINKEDIT.
func nonLinkeditSize(c Candidate) uint64 {
	if c.Analyzer == nil {
		return 0
	}
	var total uint64
	for _, seg := range c.Analyzer.Segments() {
		if seg.Name == "__LINKEDIT" {
			continue
		}
		total += seg.VMSize
	}
	return total
}

// EvictForOverflow removes zero-referenced candidates, largest non-LINKEDIT
// size first, until the accumulated evicted size meets or exceeds target.
// The final eviction is allowed to overshoot target: the accumulated-size
// check happens after recording each eviction, not before, mirroring
// CacheBuilder.cpp's cacheOverflowAmount eviction loop exactly.
func EvictForOverflow(candidates []Candidate, refCount map[string]int, target uint64) (evicted []Candidate, remaining []Candidate) {
	var zeroRef []dylibAndSize
	keep := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		keep[c.LoadPath] = true
	}
	for _, c := range candidates {
		if refCount[c.LoadPath] == 0 {
			zeroRef = append(zeroRef, dylibAndSize{Candidate: c, Size: nonLinkeditSize(c)})
		}
	}
	sort.SliceStable(zeroRef, func(i, j int) bool { return zeroRef[i].Size > zeroRef[j].Size })

	var accumulated uint64
	for _, ds := range zeroRef {
		if accumulated >= target {
			break
		}
		keep[ds.Candidate.LoadPath] = false
		evicted = append(evicted, ds.Candidate)
		accumulated += ds.Size
		if accumulated > target {
			break
		}
	}

	for _, c := range candidates {
		if keep[c.LoadPath] {
			remaining = append(remaining, c)
		}
	}
	return evicted, remaining
}
