package cachewriter

import (
	"fmt"
	"io"
	"sort"

	"github.com/appsworld/dyld-shared-cache-builder/internal/layout"
)

// protString renders a VM protection mask the way dyld's own map file does:
// "r-x", "rw-", "r--".
func protString(prot uint32) string {
	const (
		vmProtRead    = 0x1
		vmProtWrite   = 0x2
		vmProtExecute = 0x4
	)
	out := []byte("---")
	if prot&vmProtRead != 0 {
		out[0] = 'r'
	}
	if prot&vmProtWrite != 0 {
		out[1] = 'w'
	}
	if prot&vmProtExecute != 0 {
		out[2] = 'x'
	}
	return string(out)
}

// WriteMapFile writes the side-channel map file: one line per placement,
// sorted by cache address, naming the address range, permissions, install
// name, and segment name that landed there. installNames maps a placement's
// LoadPath to the human-readable name the report should show (typically the
// dylib's own install name, which may differ from its dependents' LoadPath
// string).
func WriteMapFile(w io.Writer, placements []layout.Placement, regions map[layout.RegionKind]*layout.Region, installNames map[string]string) error {
	sorted := make([]layout.Placement, len(placements))
	copy(sorted, placements)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].DestAddress < sorted[j].DestAddress })

	for _, p := range sorted {
		name := installNames[p.LoadPath]
		if name == "" {
			name = p.LoadPath
		}
		prot := "---"
		if r, ok := regions[p.Region]; ok {
			prot = protString(r.InitProt)
		}
		if _, err := fmt.Fprintf(w, "0x%016X - 0x%016X %s %s %s\n", p.DestAddress, p.DestAddress+p.Length, prot, name, p.SegmentName); err != nil {
			return fmt.Errorf("cachewriter: writing map file entry for %s: %w", p.LoadPath, err)
		}
	}
	return nil
}
