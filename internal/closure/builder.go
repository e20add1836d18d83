package closure

import (
	"fmt"

	"github.com/appsworld/dyld-shared-cache-builder/internal/fixup"
	"github.com/appsworld/dyld-shared-cache-builder/internal/layout"
	"github.com/appsworld/dyld-shared-cache-builder/internal/machoadapter"
)

// Resolver resolves one chained-fixup import (by ordinal into a dylib's own
// imports table, which names the dependent library and symbol) to a
// cache-absolute address. A real dyld ClosureBuilder does this by walking
// the target dylib's export trie; this stub pushes that lookup out to the
// caller, which has the admitted-set and export data this package does not
// carry.
type Resolver func(imp ImportSymbol, addend int64) (target uint64, absolute bool, err error)

// Builder drives the Fixup Orchestrator over one admitted dylib's chained
// fixups, translating segment-relative chain offsets into arena offsets via
// that dylib's Region Planner placements.
type Builder struct {
	Orchestrator     *fixup.Orchestrator
	SharedRegionBase uint64
}

// placementFor returns the placement covering segment index segIdx of
// loadPath, or false if the planner never placed that segment (e.g. it was
// zero-sized and skipped).
func placementFor(placements []layout.Placement, loadPath string, segIdx int) (layout.Placement, bool) {
	for _, p := range placements {
		if p.LoadPath == loadPath && p.SegmentIndex == segIdx {
			return p, true
		}
	}
	return layout.Placement{}, false
}

// Run walks every chained-fixup segment of analyzer (whose install name /
// load path is loadPath), resolving each entry against resolve and feeding
// the result to b.Orchestrator.
func (b *Builder) Run(loadPath string, analyzer machoadapter.Analyzer, placements []layout.Placement, resolve Resolver) error {
	raw, err := analyzer.ChainedFixupsData()
	if err != nil {
		return fmt.Errorf("closure: %s has no chained fixups to walk: %w", loadPath, err)
	}
	parsed, err := Parse(raw)
	if err != nil {
		return fmt.Errorf("closure: parsing chained fixups for %s: %w", loadPath, err)
	}

	segs := analyzer.Segments()
	if len(segs) == 0 {
		return fmt.Errorf("closure: %s has no segments", loadPath)
	}
	imagePreferredBase := segs[0].VMAddr
	headerPlacement, ok := placementFor(placements, loadPath, segs[0].Index)
	if !ok {
		return fmt.Errorf("closure: %s's first segment was never placed by the region planner", loadPath)
	}
	imageCacheBase := headerPlacement.DestAddress

	for _, segStarts := range parsed.Segments {
		placement, ok := placementFor(placements, loadPath, segStarts.SegmentIndex)
		if !ok {
			// Segment was excluded from the cache placement (e.g.
			// __LINKEDIT before the planner's own reservation runs);
			// nothing to walk.
			continue
		}
		for _, startOffset := range segStarts.ChainStartOffsets {
			entries, err := WalkChain(b.Orchestrator.Writable, placement.ArenaOffset, startOffset, segStarts.PointerFormat, imagePreferredBase, imageCacheBase, b.SharedRegionBase)
			if err != nil {
				return fmt.Errorf("closure: walking %s segment %d: %w", loadPath, segStarts.SegmentIndex, err)
			}
			if err := b.runEntries(entries, parsed.Imports, resolve); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Builder) runEntries(entries []fixup.ChainEntry, imports []ImportSymbol, resolve Resolver) error {
	return b.Orchestrator.ChainedBind(entries, func(ordinal int, addend int64) (uint64, bool, string, string, error) {
		if ordinal < 0 || ordinal >= len(imports) {
			return 0, false, "", "", fmt.Errorf("bind ordinal %d out of range of %d imports", ordinal, len(imports))
		}
		imp := imports[ordinal]
		target, absolute, err := resolve(imp, addend)
		if err != nil {
			return 0, false, imp.Name, "", err
		}
		return target, absolute, imp.Name, imp.Name, nil
	})
}
