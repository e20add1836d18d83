// Package builder implements the top-level phase-sequential orchestrator
// (spec.md §5): Plan, Copy, Adjust (bind/rebase), Encode-Slide, Sign, Write,
// wiring together every other internal package in the fixed order the spec
// describes. It is the one package that knows about all of them; everything
// else stays decoupled from its neighbors.
package builder

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/appsworld/dyld-shared-cache-builder/internal/archprofile"
	"github.com/appsworld/dyld-shared-cache-builder/internal/aslr"
	"github.com/appsworld/dyld-shared-cache-builder/internal/cacheformat"
	"github.com/appsworld/dyld-shared-cache-builder/internal/cachewriter"
	"github.com/appsworld/dyld-shared-cache-builder/internal/closure"
	"github.com/appsworld/dyld-shared-cache-builder/internal/codesign"
	"github.com/appsworld/dyld-shared-cache-builder/internal/diag"
	"github.com/appsworld/dyld-shared-cache-builder/internal/fixup"
	"github.com/appsworld/dyld-shared-cache-builder/internal/layout"
	"github.com/appsworld/dyld-shared-cache-builder/internal/machoadapter"
	"github.com/appsworld/dyld-shared-cache-builder/internal/slideinfo"
	"github.com/appsworld/dyld-shared-cache-builder/internal/verify"
)

// headerUUIDOffset is cacheformat.Header's UUID field byte offset: the sum
// of every field preceding it (Magic 16, two offset/count pairs 16,
// DyldBaseAddress 8, CodeSignatureOffset/Size 16, SlideInfoOffset/Size 16,
// LocalSymbolsOffset/Size 16) = 88. Computed once here rather than via
// reflection since the header's field order is part of the wire contract.
const headerUUIDOffset = 88

// ExportSymbol is one entry of a dylib's export trie: a symbol name and the
// absolute VM address it resolves to within that dylib's own preferred-load-
// address space (what pkg/trie.ParseTrie returns as TrieEntry.Address).
type ExportSymbol struct {
	Name    string
	Address uint64
}

// Image is one candidate dylib's complete input to the Builder, decoupling
// it from how it was discovered: a real on-disk file via gather.Gather and
// machoadapter.Open, or a synthetic double in tests.
type Image struct {
	LoadPath        string
	Analyzer        machoadapter.Analyzer
	Dependencies    []machoadapter.Dependency
	Exports         []ExportSymbol
	MustBeIncluded  bool
	ExcludeIfUnused bool
}

// Options carries the build-wide knobs the Region Planner, Overflow
// Controller, and Code Signer consult.
type Options struct {
	ExecOrder           map[string]int
	DirtyDataOrder      map[string]int
	ExcludeLocalSymbols bool
	LeafEviction        bool

	Platform           uint8
	CacheType           uint8 // cacheformat.CacheType
	CodeSignIdentifier string
	SigningMode        codesign.Mode // {SHA-1-only, SHA-256-only, Agile}; zero value is ModeAgile
}

// Result is the final assembled cache plus the bookkeeping a front end
// reports to its caller.
type Result struct {
	Bytes        []byte
	UUID         [16]byte
	CDHashFirst  string
	CDHashSecond string
	Admitted     []string
	Demoted      []string
	Warnings     []string

	// Placements, Regions, and InstallNames carry enough of the Region
	// Planner's output for a front end to emit a side-channel map file
	// (cachewriter.WriteMapFile) without re-deriving the layout itself.
	Placements   []layout.Placement
	Regions      map[layout.RegionKind]*layout.Region
	InstallNames map[string]string
}

// ErrTooFewDylibs is returned when overflow eviction would shrink the
// admitted set below archprofile.MinAdmittedDylibs.
type ErrTooFewDylibs struct {
	Remaining int
}

func (e *ErrTooFewDylibs) Error() string {
	return fmt.Sprintf("builder: only %d dylibs would remain admitted after overflow eviction, below the minimum of %d", e.Remaining, archprofile.MinAdmittedDylibs)
}

// Build runs the full pipeline over images for the named architecture.
func Build(images []Image, archKey string, opts Options) (*Result, error) {
	profile, err := archprofile.Lookup(archKey)
	if err != nil {
		return nil, &diag.UnsupportedArchitectureError{Requested: archKey}
	}

	sink := diag.New(false)
	byPath := make(map[string]Image, len(images))
	for _, img := range images {
		byPath[img.LoadPath] = img
	}

	dylibs := make([]*verify.Dylib, 0, len(images))
	for _, img := range images {
		dylibs = append(dylibs, &verify.Dylib{
			LoadPath:        img.LoadPath,
			MustBeIncluded:  img.MustBeIncluded,
			ExcludeIfUnused: img.ExcludeIfUnused,
			Deps:            img.Dependencies,
		})
	}
	verifyResult := verify.Verify(dylibs, opts.LeafEviction, sink)
	if sink.Fatal() {
		return nil, sink.Err()
	}

	admitted := make([]string, 0, len(verifyResult.Admitted))
	for _, d := range verifyResult.Admitted {
		admitted = append(admitted, d.LoadPath)
	}
	demoted := make([]string, 0, len(verifyResult.Demoted))
	for _, d := range verifyResult.Demoted {
		demoted = append(demoted, d.LoadPath)
	}

	plan, admitted, err := planWithOverflow(admitted, byPath, profile, opts)
	if err != nil {
		return nil, err
	}

	if err := copySegments(plan, admitted, byPath); err != nil {
		return nil, err
	}

	writeRegion := plan.Regions[layout.Write]
	bitmap := aslr.New(writeRegion.BaseAddress-profile.SharedMemoryStart, writeRegion.Used)
	orchestrator := fixup.NewOrchestrator(plan.Arena, bitmap, profile.PointerSize())
	if err := runFixups(orchestrator, plan, admitted, byPath, profile); err != nil {
		return nil, err
	}

	if err := encodeSlideInfo(plan, bitmap, profile); err != nil {
		return nil, err
	}

	images2 := make([]headerImage, 0, len(admitted))
	for _, path := range admitted {
		img := byPath[path]
		hi, err := buildHeaderImage(img, plan)
		if err != nil {
			return nil, err
		}
		images2 = append(images2, hi)
	}

	bodyEnd := cacheBodyEnd(plan)
	const pageSize = 0x1000
	codeSigOffset := align(bodyEnd, pageSize)

	result, err := signAndAssemble(plan, images2, archKey, opts, codeSigOffset)
	if err != nil {
		return nil, err
	}
	result.Admitted = admitted
	result.Demoted = demoted
	result.Warnings = sink.Warnings()
	result.Placements = plan.Placements
	result.Regions = plan.Regions
	result.InstallNames = make(map[string]string, len(admitted))
	for _, path := range admitted {
		result.InstallNames[path] = byPath[path].Analyzer.InstallName()
	}
	return result, nil
}

func align(v, a uint64) uint64 {
	if a == 0 {
		return v
	}
	return (v + a - 1) &^ (a - 1)
}

// planWithOverflow runs layout.Plan, shrinking the admitted set via
// layout.EvictForOverflow until the plan fits or too few dylibs remain.
func planWithOverflow(admitted []string, byPath map[string]Image, profile archprofile.Profile, opts Options) (*layout.Plan, []string, error) {
	for {
		candidates := make([]layout.Candidate, 0, len(admitted))
		for _, path := range admitted {
			candidates = append(candidates, layout.Candidate{LoadPath: path, Analyzer: byPath[path].Analyzer})
		}

		plan, err := layout.Plan(candidates, profile, layout.Options{
			ExecOrder:           opts.ExecOrder,
			DirtyDataOrder:      opts.DirtyDataOrder,
			ExcludeLocalSymbols: opts.ExcludeLocalSymbols,
		})
		if err != nil {
			return nil, nil, err
		}

		overflow := layout.Overflow(plan)
		if overflow == 0 {
			return plan, admitted, nil
		}

		refCount := make(map[string]int)
		for _, path := range admitted {
			for _, dep := range byPath[path].Dependencies {
				if !dep.Weak {
					refCount[dep.Path]++
				}
			}
		}

		_, remaining := layout.EvictForOverflow(candidates, refCount, overflow)
		if len(remaining) == len(candidates) {
			return nil, nil, fmt.Errorf("builder: cache overflows by %#x bytes with no zero-referenced dylib left to evict", overflow)
		}
		if len(remaining) < archprofile.MinAdmittedDylibs {
			return nil, nil, &ErrTooFewDylibs{Remaining: len(remaining)}
		}

		admitted = admitted[:0]
		for _, c := range remaining {
			admitted = append(admitted, c.LoadPath)
		}
	}
}

// copySegments implements the Copy phase: every placement's source bytes
// are read from its candidate and written into the cache arena at its
// destination arena offset, one goroutine per candidate (spec.md §5).
func copySegments(plan *layout.Plan, admitted []string, byPath map[string]Image) error {
	segmentsByPath := make(map[string][]machoadapter.SegmentInfo, len(admitted))
	for _, path := range admitted {
		segmentsByPath[path] = byPath[path].Analyzer.Segments()
	}

	var g errgroup.Group
	for _, path := range admitted {
		path := path
		analyzer := byPath[path].Analyzer
		segs := segmentsByPath[path]
		g.Go(func() error {
			for _, p := range plan.Placements {
				if p.LoadPath != path {
					continue
				}
				var seg machoadapter.SegmentInfo
				found := false
				for _, s := range segs {
					if s.Index == p.SegmentIndex {
						seg, found = s, true
						break
					}
				}
				if !found {
					continue
				}
				data, err := analyzer.SegmentData(seg)
				if err != nil {
					return fmt.Errorf("builder: copying %s segment %s: %w", path, seg.Name, err)
				}
				n := copy(plan.Arena[p.ArenaOffset:], data)
				_ = n
			}
			return nil
		})
	}
	return g.Wait()
}

// runFixups implements the Adjust phase: every admitted candidate's chained
// fixups are walked and resolved in the order of the admitted list.
func runFixups(orchestrator *fixup.Orchestrator, plan *layout.Plan, admitted []string, byPath map[string]Image, profile archprofile.Profile) error {
	exportsByPath := make(map[string]map[string]uint64, len(admitted))
	preferredBase := make(map[string]uint64, len(admitted))
	cacheBase := make(map[string]uint64, len(admitted))

	for _, path := range admitted {
		img := byPath[path]
		exports := make(map[string]uint64, len(img.Exports))
		for _, e := range img.Exports {
			exports[e.Name] = e.Address
		}
		exportsByPath[path] = exports

		segs := img.Analyzer.Segments()
		if len(segs) > 0 {
			preferredBase[path] = segs[0].VMAddr
		}
		if p, ok := placementFor(plan.Placements, path, 0); ok {
			cacheBase[path] = p.DestAddress
		}
	}

	for _, path := range admitted {
		img := byPath[path]
		resolver := &exportResolver{
			deps:          img.Dependencies,
			exportsByPath: exportsByPath,
			preferredBase: preferredBase,
			cacheBase:     cacheBase,
		}
		cb := &closure.Builder{Orchestrator: orchestrator, SharedRegionBase: profile.SharedMemoryStart}
		if err := cb.Run(path, img.Analyzer, plan.Placements, resolver.resolve); err != nil {
			return err
		}
	}
	return nil
}

func placementFor(placements []layout.Placement, loadPath string, segIdx int) (layout.Placement, bool) {
	for _, p := range placements {
		if p.LoadPath == loadPath && p.SegmentIndex == segIdx {
			return p, true
		}
	}
	return layout.Placement{}, false
}

// encodeSlideInfo implements the Encode-Slide phase: it picks the wire
// format for profile and, if ASLR is supported at all, encodes it into the
// arena's slide-info reservation.
func encodeSlideInfo(plan *layout.Plan, bitmap *aslr.Bitmap, profile archprofile.Profile) error {
	format, ok := slideinfo.SelectFormat(profile)
	if !ok {
		return nil
	}

	writeRegion := plan.Regions[layout.Write]
	regionArenaOffset := writeRegion.BaseAddress - profile.SharedMemoryStart
	valueAdd := profile.SharedMemoryStart

	var encoded []byte
	switch format {
	case slideinfo.V2:
		r, err := slideinfo.EncodeV2(plan.Arena, bitmap, regionArenaOffset, writeRegion.Used, profile.DeltaMask, valueAdd)
		if err != nil {
			return err
		}
		encoded = r.Bytes()
	case slideinfo.V4:
		r, err := slideinfo.EncodeV4(plan.Arena, bitmap, regionArenaOffset, writeRegion.Used, profile.DeltaMask, valueAdd)
		if err != nil {
			return err
		}
		encoded = r.Bytes()
	case slideinfo.V3:
		r, err := slideinfo.EncodeV3(plan.Arena, bitmap, regionArenaOffset, writeRegion.Used)
		if err != nil {
			return err
		}
		encoded = r.Bytes()
	}

	if uint64(len(encoded)) > plan.SlideInfoReserveSize {
		return &slideinfo.ErrReservationOverflow{Encoded: uint64(len(encoded)), Reserved: plan.SlideInfoReserveSize}
	}
	copy(plan.Arena[plan.SlideInfoReserveOffset:], encoded)
	return nil
}

// cacheBodyEnd returns the arena-offset end of the last in-use byte across
// all three regions: the size of the cache body before its trailing code
// signature.
func cacheBodyEnd(plan *layout.Plan) uint64 {
	var end uint64
	for _, kind := range []layout.RegionKind{layout.Execute, layout.Write, layout.ReadOnly} {
		r := plan.Regions[kind]
		if r == nil {
			continue
		}
		regionEnd := (r.BaseAddress - plan.Profile.SharedMemoryStart) + r.Used
		if regionEnd > end {
			end = regionEnd
		}
	}
	return end
}

// signAndAssemble writes the header tables, ad-hoc signs the cache body, and
// concatenates everything through the Cache Writer's Buffer surface. It
// signs twice: the first pass (with a zeroed code-signature size) measures
// the SuperBlob's real length, then the header's CodeSignatureSize field is
// corrected and the body re-signed, since that field is itself covered by
// the signature's own page-0 hash.
func signAndAssemble(plan *layout.Plan, images []headerImage, archKey string, opts Options, codeSigOffset uint64) (*Result, error) {
	bodyLen := codeSigOffset
	body := plan.Arena[:bodyLen]

	cacheType := cacheformat.CacheType(opts.CacheType)

	exec := plan.Regions[layout.Execute]
	execOff := int64(exec.BaseAddress - plan.Profile.SharedMemoryStart)
	execSize := int64(exec.Used)

	if err := writeHeader(body, plan, images, archKey, opts.Platform, cacheType, codeSigOffset, 0); err != nil {
		return nil, err
	}
	probe, err := codesign.Sign(context.Background(), body, opts.SigningMode, opts.CodeSignIdentifier, execOff, execSize, headerUUIDOffset)
	if err != nil {
		return nil, fmt.Errorf("builder: measuring code signature size: %w", err)
	}

	if err := writeHeader(body, plan, images, archKey, opts.Platform, cacheType, codeSigOffset, uint64(len(probe.Blob))); err != nil {
		return nil, err
	}
	final, err := codesign.Sign(context.Background(), body, opts.SigningMode, opts.CodeSignIdentifier, execOff, execSize, headerUUIDOffset)
	if err != nil {
		return nil, fmt.Errorf("builder: signing cache: %w", err)
	}

	sections := []cachewriter.Section{
		{Name: "body", Data: body},
		{Name: "code-signature", Data: final.Blob},
	}
	return &Result{
		Bytes:        cachewriter.WriteBuffer(sections),
		UUID:         final.UUID,
		CDHashFirst:  final.CDHashFirst,
		CDHashSecond: final.CDHashSecond,
	}, nil
}
