package builder

import (
	"fmt"

	"github.com/appsworld/dyld-shared-cache-builder/internal/closure"
	"github.com/appsworld/dyld-shared-cache-builder/internal/machoadapter"
)

// exportResolver answers closure.Resolver calls for one candidate dylib,
// translating its chained-fixup imports (library ordinal + symbol name) to
// cache-absolute addresses via the target dylib's own export table and the
// Region Planner's placement of that target's header segment. This is the
// seam closure.Resolver's doc comment describes: a real dyld ClosureBuilder
// walks export tries itself; here the Builder supplies the lookup since it
// alone holds the full admitted set.
type exportResolver struct {
	deps          []machoadapter.Dependency
	exportsByPath map[string]map[string]uint64 // load path -> symbol name -> own-space address
	preferredBase map[string]uint64            // load path -> header segment's preferred VM address
	cacheBase     map[string]uint64            // load path -> header segment's cache-relative dest address
}

func (r *exportResolver) resolve(imp closure.ImportSymbol, addend int64) (uint64, bool, error) {
	if imp.LibOrdinal < 0 || imp.LibOrdinal >= len(r.deps) {
		return 0, false, fmt.Errorf("bind import %q names library ordinal %d, out of range of %d dependencies", imp.Name, imp.LibOrdinal, len(r.deps))
	}
	dep := r.deps[imp.LibOrdinal]

	exports, ok := r.exportsByPath[dep.Path]
	if !ok {
		if dep.Weak {
			return 0, true, nil
		}
		return 0, false, fmt.Errorf("bind import %q references %q, which is not in the admitted set", imp.Name, dep.Path)
	}

	addr, ok := exports[imp.Name]
	if !ok {
		if dep.Weak || imp.Weak {
			return 0, true, nil
		}
		return 0, false, fmt.Errorf("symbol %q is not exported by %q", imp.Name, dep.Path)
	}

	target := r.cacheBase[dep.Path] + (addr - r.preferredBase[dep.Path])
	return uint64(int64(target) + addend), false, nil
}
