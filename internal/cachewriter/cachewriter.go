// Package cachewriter implements the Cache Writer (spec.md §4.10): it
// concatenates the header, the mapping/image/branch-pool tables, the
// image-text string pool, each VM region's in-use bytes, and the trailing
// code signature into one contiguous image, either atomically to a file or
// into a single in-memory buffer.
package cachewriter

import (
	"fmt"
	"os"
	"path/filepath"
)

// Section is one contiguous, already-serialized span of the final cache
// image, in emission order. The Cache Writer never mutates Data; callers
// (the builder and its collaborators) own sizing and byte content.
type Section struct {
	Name string
	Data []byte
}

// TotalSize sums every section's length.
func TotalSize(sections []Section) uint64 {
	var total uint64
	for _, s := range sections {
		total += uint64(len(s.Data))
	}
	return total
}

// Offsets returns each section's starting offset within the assembled
// image, in the same order as sections. The code signature, by convention
// the last section, lands at offsets[len(offsets)-1] — "whose file offset
// equals the sum of all preceding regions' in-use sizes."
func Offsets(sections []Section) []uint64 {
	offsets := make([]uint64, len(sections))
	var running uint64
	for i, s := range sections {
		offsets[i] = running
		running += uint64(len(s.Data))
	}
	return offsets
}

// WriteBuffer allocates one contiguous buffer sized to TotalSize and copies
// every section into it — the Buffer surface.
func WriteBuffer(sections []Section) []byte {
	out := make([]byte, TotalSize(sections))
	var off uint64
	for _, s := range sections {
		off += uint64(copy(out[off:], s.Data))
	}
	return out
}

// WriteFile is the File surface: it creates a uniquely-suffixed temp file
// alongside path, writes every section to it in order, fchmods it to perm,
// and renames it atomically into place. On any failure the temp file is
// unlinked and the error reported; path is never left partially written.
func WriteFile(path string, sections []Section, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("cachewriter: creating temp file in %s: %w", dir, err)
	}
	tmpPath := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmpPath)
		}
	}()

	for _, s := range sections {
		if _, err = f.Write(s.Data); err != nil {
			return fmt.Errorf("cachewriter: writing section %q: %w", s.Name, err)
		}
	}

	if err = f.Chmod(perm); err != nil {
		return fmt.Errorf("cachewriter: fchmod %s: %w", tmpPath, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("cachewriter: closing %s: %w", tmpPath, err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("cachewriter: renaming %s to %s: %w", tmpPath, path, err)
	}
	return nil
}
