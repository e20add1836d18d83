// Package verify implements the Self-Contained Verifier (spec.md §4.3): a
// fixed-point closure pass over the admitted set that removes any dylib
// whose non-weak dependencies are not themselves admitted, and optionally
// evicts unreferenced leaves before the Region Planner ever runs.
package verify

import (
	"sort"

	"github.com/appsworld/dyld-shared-cache-builder/internal/diag"
	"github.com/appsworld/dyld-shared-cache-builder/internal/gather"
	"github.com/appsworld/dyld-shared-cache-builder/internal/machoadapter"
)

// Dylib is one admitted candidate tracked by the verifier. LoadPath is the
// path other dylibs use in their dependent-library lists (which need not
// equal InstallName, since dependents record whatever string the linker saw
// at link time).
type Dylib struct {
	LoadPath        string
	Input           gather.Input
	MustBeIncluded  bool
	ExcludeIfUnused bool

	// Deps overrides dependency resolution when set, bypassing Input.Image.
	// builder.Build fills it from each image's Dependencies and leaves Input
	// empty; the tests use it the same way, without real Mach-O images.
	Deps []machoadapter.Dependency
}

func (d *Dylib) installName() string {
	if d.Input.Image != nil {
		return d.Input.Image.InstallName()
	}
	return d.LoadPath
}

func (d *Dylib) dependencies() []machoadapter.Dependency {
	if d.Deps != nil {
		return d.Deps
	}
	if d.Input.Image == nil {
		return nil
	}
	return d.Input.Image.Dependencies()
}

// Result is the outcome of Verify: the surviving set, the demoted set (each
// carrying the warning that explains its removal), and the transitive
// must-be-included-for-dependent closure of every must-be-included dylib
// that did not survive.
type Result struct {
	Admitted                   []*Dylib
	Demoted                    []*Dylib
	MustBeIncludedForDependent map[string]bool // keyed by load path
}

// Verify runs the fixed-point removal loop described in spec.md §4.3.
// leafEviction, when true, additionally removes any admitted dylib with no
// remaining in-set dependent that is also marked ExcludeIfUnused.
func Verify(dylibs []*Dylib, leafEviction bool, sink *diag.Sink) Result {
	admitted := make(map[string]*Dylib, len(dylibs))
	order := make([]string, 0, len(dylibs))
	for _, d := range dylibs {
		admitted[d.LoadPath] = d
		order = append(order, d.LoadPath)
	}

	var demoted []*Dylib
	mustBeIncludedForDependent := make(map[string]bool)

	for {
		changed := false

		refCount := make(map[string]int)
		for _, path := range order {
			d, ok := admitted[path]
			if !ok {
				continue
			}
			for _, dep := range d.dependencies() {
				if dep.Weak {
					continue
				}
				refCount[dep.Path]++
			}
		}

		for _, path := range order {
			d, ok := admitted[path]
			if !ok {
				continue
			}

			var missing []string
			for _, dep := range d.dependencies() {
				if dep.Weak {
					continue
				}
				if _, present := admitted[dep.Path]; !present {
					missing = append(missing, dep.Path)
				}
			}
			if len(missing) > 0 {
				for _, m := range missing {
					sink.Warning("dylib %q depends on %q, which is not in the admitted set; demoting %q", d.installName(), m, d.installName())
				}
				delete(admitted, path)
				demoted = append(demoted, d)
				changed = true
				if d.MustBeIncluded {
					markTransitiveMustBeIncluded(d, dylibs, mustBeIncludedForDependent)
				}
				continue
			}

			if leafEviction && d.ExcludeIfUnused && refCount[path] == 0 {
				sink.Warning("dylib %q has no remaining dependent and is marked exclude-if-unused; demoting", d.installName())
				delete(admitted, path)
				demoted = append(demoted, d)
				changed = true
			}
		}

		if !changed {
			break
		}
	}

	result := Result{MustBeIncludedForDependent: mustBeIncludedForDependent}
	for _, path := range order {
		if d, ok := admitted[path]; ok {
			result.Admitted = append(result.Admitted, d)
		}
	}
	sort.SliceStable(demoted, func(i, j int) bool { return demoted[i].LoadPath < demoted[j].LoadPath })
	result.Demoted = demoted
	return result
}

// markTransitiveMustBeIncluded walks d's non-weak dependency closure,
// marking every path reached as must-be-included-for-dependent so the front
// end can later report precisely why each of them mattered.
func markTransitiveMustBeIncluded(d *Dylib, all []*Dylib, marked map[string]bool) {
	byPath := make(map[string]*Dylib, len(all))
	for _, dd := range all {
		byPath[dd.LoadPath] = dd
	}

	var visit func(path string)
	visited := make(map[string]bool)
	visit = func(path string) {
		if visited[path] {
			return
		}
		visited[path] = true
		marked[path] = true
		dd, ok := byPath[path]
		if !ok {
			return
		}
		for _, dep := range dd.dependencies() {
			if dep.Weak {
				continue
			}
			visit(dep.Path)
		}
	}
	for _, dep := range d.dependencies() {
		if dep.Weak {
			continue
		}
		visit(dep.Path)
	}
}
