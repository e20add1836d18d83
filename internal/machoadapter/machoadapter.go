// Package machoadapter implements this tool's narrow MachOAnalyzer
// interface (spec.md §6.1) over github.com/blacktop/go-macho's *macho.File
// so the rest of the pipeline never imports *macho.File directly. Mach-O
// parsing and per-image fixup rewriting are themselves out of the cache
// builder's core scope; this package is the seam.
package machoadapter

import (
	"fmt"
	"io"
	"sort"

	macho "github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
)

// Kind is the Mach-O header file type, collapsed to the three kinds the
// gatherer distinguishes between (dylib, executable, bundle) plus KindOther
// for everything else.
type Kind int

const (
	KindOther Kind = iota
	KindDylib
	KindExecute
	KindBundle
)

// Dependency describes one entry of an image's dependent-library list.
type Dependency struct {
	Path     string
	Weak     bool
	Upward   bool
	ReExport bool
}

// SegmentInfo mirrors the subset of a Mach-O segment's load command the
// planner needs: name, address/size, file layout, and the alignment
// requirement derived from the segment's sections (Mach-O segment commands
// carry no p2align field of their own; it is the max of the constituent
// sections', floored at 0).
type SegmentInfo struct {
	Index       int
	Name        string
	VMAddr      uint64
	VMSize      uint64
	FileSize    uint64
	FileOffset  uint64
	P2Align     uint32
	MaxProt     uint32
	InitProt    uint32
}

// Analyzer is the narrow read-only view over one Mach-O image this tool's
// pipeline depends on. *Image (below) is the concrete implementation backed
// by the bundled reader.
type Analyzer interface {
	InstallName() string
	UUID() [16]byte
	Kind() Kind
	Dependencies() []Dependency
	Segments() []SegmentInfo
	SectionData(segment, section string) ([]byte, error)
	SegmentData(seg SegmentInfo) ([]byte, error)
	ChainedFixupsData() ([]byte, error)
	CanBePlacedInCache() (bool, string)
	RuntimePath() string
}

// Image adapts *macho.File to the Analyzer interface.
type Image struct {
	File    *macho.File
	Path    string
	ModTime int64
	Inode   uint64
}

// Open reads a Mach-O image from path and wraps it as an Image.
func Open(path string) (*Image, error) {
	f, err := macho.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s as macho: %w", path, err)
	}
	return &Image{File: f, Path: path}, nil
}

func (img *Image) RuntimePath() string { return img.Path }

// InstallName returns the LC_ID_DYLIB name, or the runtime path for
// non-dylib inputs (executables have no install name).
func (img *Image) InstallName() string {
	if id := img.File.DylibID(); id != nil {
		return id.Name
	}
	return img.Path
}

// Kind reports the collapsed Mach-O header file type.
func (img *Image) Kind() Kind {
	switch img.File.Type {
	case types.MH_DYLIB, types.MH_DYLIB_STUB:
		return KindDylib
	case types.MH_EXECUTE:
		return KindExecute
	case types.MH_BUNDLE:
		return KindBundle
	default:
		return KindOther
	}
}

func (img *Image) UUID() [16]byte {
	var out [16]byte
	if u := img.File.UUID(); u != nil {
		copy(out[:], u.UUID[:])
	}
	return out
}

// Dependencies walks the dylib load commands, classifying each by its
// load-command kind (LC_LOAD_DYLIB / LC_LOAD_WEAK_DYLIB /
// LC_REEXPORT_DYLIB / LC_LOAD_UPWARD_DYLIB).
func (img *Image) Dependencies() []Dependency {
	var deps []Dependency
	for _, l := range img.File.Loads {
		switch d := l.(type) {
		case *macho.Dylib:
			deps = append(deps, Dependency{Path: d.Name})
		case *macho.WeakDylib:
			deps = append(deps, Dependency{Path: d.Name, Weak: true})
		case *macho.ReExportDylib:
			deps = append(deps, Dependency{Path: d.Name, ReExport: true})
		case *macho.UpwardDylib:
			deps = append(deps, Dependency{Path: d.Name, Upward: true})
		}
	}
	return deps
}

// Segments returns every LC_SEGMENT(_64) in source order, each segment's
// alignment set to the maximum section Align found within it.
func (img *Image) Segments() []SegmentInfo {
	segs := img.File.Segments()
	out := make([]SegmentInfo, 0, len(segs))
	for i, seg := range segs {
		var maxAlign uint32
		for _, sec := range img.File.GetSectionsForSegment(seg.Name) {
			if sec.Align > maxAlign {
				maxAlign = sec.Align
			}
		}
		out = append(out, SegmentInfo{
			Index:      i,
			Name:       seg.Name,
			VMAddr:     seg.Addr,
			VMSize:     seg.Memsz,
			FileSize:   seg.Filesz,
			FileOffset: seg.Offset,
			P2Align:    maxAlign,
			MaxProt:    uint32(seg.Maxprot),
			InitProt:   uint32(seg.Prot),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// SectionData reads the raw bytes of one section.
func (img *Image) SectionData(segment, section string) ([]byte, error) {
	sec := img.File.Section(segment, section)
	if sec == nil {
		return nil, fmt.Errorf("no section %s,%s", segment, section)
	}
	return sec.Data()
}

// ChainedFixupsData returns the raw LC_DYLD_CHAINED_FIXUPS payload, for
// internal/closure to decode.
func (img *Image) ChainedFixupsData() ([]byte, error) {
	return img.File.ChainedFixupsData()
}

// SegmentData reads seg's on-disk bytes, zero-padded out to seg.VMSize when
// its file size is smaller (e.g. a __DATA segment's trailing zerofill). Used
// by the builder's Copy phase to place a candidate's segments into the cache
// arena.
func (img *Image) SegmentData(seg SegmentInfo) ([]byte, error) {
	out := make([]byte, seg.VMSize)
	if seg.FileSize == 0 {
		return out, nil
	}
	n, err := img.File.ReadAt(out[:minUint64(seg.FileSize, seg.VMSize)], int64(seg.FileOffset))
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("reading segment %s of %s: %w", seg.Name, img.Path, err)
	}
	_ = n
	return out, nil
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// CanBePlacedInCache reports whether this image is structurally eligible
// for cache placement: it must carry chained fixups, the only fixup encoding
// internal/closure walks, and an LC_ID_DYLIB install name.
func (img *Image) CanBePlacedInCache() (bool, string) {
	if !img.File.HasFixups() {
		return false, "image has no LC_DYLD_CHAINED_FIXUPS to rebase/bind from"
	}
	if img.File.DylibID() == nil {
		return false, "image has no LC_ID_DYLIB; not a dylib"
	}
	return true, ""
}
