// Package fixup implements the Fixup Orchestrator (spec.md §4.7): the three
// per-dylib binder callbacks (rebase, bind, chained_bind) that resolve a
// dylib's relocations into cache-absolute pointers, mark the ASLR bitmap,
// and build the patch table. The chain-walking driver that decodes each
// dylib's raw LC_DYLD_CHAINED_FIXUPS payload and feeds entries to these
// callbacks lives in internal/closure, grounded on the complete wire-format
// types in types/dyld_chained_fixups.go.
package fixup

import (
	"encoding/binary"
	"fmt"

	"github.com/appsworld/dyld-shared-cache-builder/internal/aslr"
)

// TargetInfo names the symbol a Bind call is resolving, for diagnostics and
// for recording missing-weak-import slots.
type TargetInfo struct {
	LibraryName string
	SymbolName  string
}

// PatchEntry is one slot bound to a given target, keyed externally by the
// target's cache offset in PatchTable.
type PatchEntry struct {
	ImageOffsetInCache uint64
	Addend             int64
}

// PatchTable accumulates, per cache-relative target offset, every slot that
// binds to it (spec.md §4.7's "append { image_offset_in_cache, addend } to
// the patch-table entry keyed by target's cache offset").
type PatchTable struct {
	entries map[uint64][]PatchEntry
}

// NewPatchTable returns an empty table.
func NewPatchTable() *PatchTable {
	return &PatchTable{entries: make(map[uint64][]PatchEntry)}
}

// Add records that slotOffsetInCache binds to targetCacheOffset with the
// given addend.
func (t *PatchTable) Add(targetCacheOffset, slotOffsetInCache uint64, addend int64) {
	t.entries[targetCacheOffset] = append(t.entries[targetCacheOffset], PatchEntry{ImageOffsetInCache: slotOffsetInCache, Addend: addend})
}

// Entries returns every slot bound to targetCacheOffset, in recording order.
func (t *PatchTable) Entries(targetCacheOffset uint64) []PatchEntry {
	return t.entries[targetCacheOffset]
}

// Targets returns every cache offset that has at least one bound slot.
func (t *PatchTable) Targets() []uint64 {
	out := make([]uint64, 0, len(t.entries))
	for k := range t.entries {
		out = append(out, k)
	}
	return out
}

// MissingWeakImport records a bind whose target could not be resolved
// because it names a missing weak symbol: the slot instead carries a
// literal absolute value and was deliberately left out of the ASLR bitmap.
type MissingWeakImport struct {
	SlotOffsetInCache uint64
	LibraryName       string
	SymbolName        string
}

// ChainEntry is one decoded chained-fixup pointer site, produced by
// internal/closure's walk of a dylib's raw chain data.
type ChainEntry struct {
	ImageOffsetInCache uint64
	IsBind             bool
	IsAuth             bool

	// Rebase fields (IsBind == false): the unslid cache-absolute address
	// this slot should point at.
	UnslidTarget uint64

	// Bind fields (IsBind == true). LibOrdinal indexes the dylib's own
	// chained-fixups imports table, not the classic bind-ordinal load order.
	LibOrdinal int
	Addend     int64
}

// Resolver resolves a chained-fixup bind's (libOrdinal, addend) to a
// cache-absolute target address. absolute is true for a target that must be
// written as a literal value rather than a cache pointer (a missing weak
// import); libraryName/symbolName are used only for diagnostics in that
// case.
type Resolver func(libOrdinal int, addend int64) (target uint64, absolute bool, libraryName, symbolName string, err error)

// Orchestrator writes resolved pointers directly into the cache's writable
// region bytes and tracks which slots are slide-sensitive, implementing
// spec.md §4.7's three binder callbacks.
type Orchestrator struct {
	Writable    []byte // the whole cache arena; slots are addressed by arena offset
	ASLR        *aslr.Bitmap
	Patch       *PatchTable
	PointerSize uint64

	bound       map[uint64]bool // slots already bound, for the idempotent weak-coalescing pass
	missingWeak []MissingWeakImport
}

// NewOrchestrator returns an Orchestrator writing into writable (the whole
// cache arena, indexed by arena offset), tracking slide-sensitive slots in
// bitmap.
func NewOrchestrator(writable []byte, bitmap *aslr.Bitmap, pointerSize uint64) *Orchestrator {
	return &Orchestrator{
		Writable:    writable,
		ASLR:        bitmap,
		Patch:       NewPatchTable(),
		PointerSize: pointerSize,
		bound:       make(map[uint64]bool),
	}
}

func (o *Orchestrator) writePointer(imageOffsetInCache, value uint64) error {
	if imageOffsetInCache+o.PointerSize > uint64(len(o.Writable)) {
		return fmt.Errorf("fixup slot at offset %#x exceeds writable region of length %#x", imageOffsetInCache, len(o.Writable))
	}
	switch o.PointerSize {
	case 8:
		binary.LittleEndian.PutUint64(o.Writable[imageOffsetInCache:], value)
	case 4:
		binary.LittleEndian.PutUint32(o.Writable[imageOffsetInCache:], uint32(value))
	default:
		return fmt.Errorf("unsupported pointer size %d", o.PointerSize)
	}
	return nil
}

// Rebase writes unslidTarget into the slot and marks it slide-sensitive.
func (o *Orchestrator) Rebase(imageOffsetInCache, unslidTarget uint64) error {
	if err := o.writePointer(imageOffsetInCache, unslidTarget); err != nil {
		return err
	}
	return o.ASLR.Set(imageOffsetInCache)
}

// Bind writes target's resolved cache-absolute address into the slot, marks
// it slide-sensitive, and records the binding in the patch table. An
// absolute target writes the literal value without marking slide-sensitive
// and is instead recorded as a missing weak import.
//
// Bind is idempotent with respect to a second, weak-coalescing pass: if the
// slot is already bound, the call is a no-op (spec.md §4.7).
func (o *Orchestrator) Bind(imageOffsetInCache, target uint64, info TargetInfo, absolute bool, addend int64) error {
	if o.bound[imageOffsetInCache] {
		return nil
	}
	if err := o.writePointer(imageOffsetInCache, target); err != nil {
		return err
	}
	if absolute {
		o.missingWeak = append(o.missingWeak, MissingWeakImport{
			SlotOffsetInCache: imageOffsetInCache,
			LibraryName:       info.LibraryName,
			SymbolName:        info.SymbolName,
		})
		o.bound[imageOffsetInCache] = true
		return nil
	}
	if err := o.ASLR.Set(imageOffsetInCache); err != nil {
		return err
	}
	o.Patch.Add(target, imageOffsetInCache, addend)
	o.bound[imageOffsetInCache] = true
	return nil
}

// ChainedBind walks entries (decoded by internal/closure from a dylib's raw
// chained-fixups payload), resolving each bind entry's target via resolve
// and converting it to a rebase-shaped cache pointer (spec.md §4.7).
func (o *Orchestrator) ChainedBind(entries []ChainEntry, resolve Resolver) error {
	for _, e := range entries {
		if !e.IsBind {
			if err := o.Rebase(e.ImageOffsetInCache, e.UnslidTarget); err != nil {
				return err
			}
			continue
		}
		target, absolute, libName, symName, err := resolve(e.LibOrdinal, e.Addend)
		if err != nil {
			return fmt.Errorf("resolving chained bind at offset %#x: %w", e.ImageOffsetInCache, err)
		}
		if err := o.Bind(e.ImageOffsetInCache, target, TargetInfo{LibraryName: libName, SymbolName: symName}, absolute, e.Addend); err != nil {
			return err
		}
	}
	return nil
}

// MissingWeakImports returns every slot recorded as an unresolved weak
// import, in the order they were bound.
func (o *Orchestrator) MissingWeakImports() []MissingWeakImport {
	return o.missingWeak
}
