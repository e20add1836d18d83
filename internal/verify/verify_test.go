package verify

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/appsworld/dyld-shared-cache-builder/internal/diag"
	"github.com/appsworld/dyld-shared-cache-builder/internal/machoadapter"
)

func dep(path string, weak bool) machoadapter.Dependency {
	return machoadapter.Dependency{Path: path, Weak: weak}
}

func TestVerify_RemovesDylibWithMissingNonWeakDependency(t *testing.T) {
	a := &Dylib{LoadPath: "/usr/lib/libA.dylib", Deps: []machoadapter.Dependency{dep("/usr/lib/libMissing.dylib", false)}}
	b := &Dylib{LoadPath: "/usr/lib/libB.dylib"}

	sink := diag.New(false)
	result := Verify([]*Dylib{a, b}, false, sink)

	require.Len(t, result.Admitted, 1)
	require.Equal(t, "/usr/lib/libB.dylib", result.Admitted[0].LoadPath)
	require.Len(t, result.Demoted, 1)
	require.Equal(t, "/usr/lib/libA.dylib", result.Demoted[0].LoadPath)
	require.NotEmpty(t, sink.Warnings())
}

func TestVerify_WeakMissingDependencyIsTolerated(t *testing.T) {
	a := &Dylib{LoadPath: "/usr/lib/libA.dylib", Deps: []machoadapter.Dependency{dep("/usr/lib/libMissing.dylib", true)}}

	sink := diag.New(false)
	result := Verify([]*Dylib{a}, false, sink)

	require.Len(t, result.Admitted, 1)
	require.Empty(t, result.Demoted)
}

func TestVerify_ChainedRemovalReachesFixedPoint(t *testing.T) {
	// A depends on B, B depends on missing C. Both A and B must be demoted.
	a := &Dylib{LoadPath: "/usr/lib/libA.dylib", Deps: []machoadapter.Dependency{dep("/usr/lib/libB.dylib", false)}}
	b := &Dylib{LoadPath: "/usr/lib/libB.dylib", Deps: []machoadapter.Dependency{dep("/usr/lib/libC.dylib", false)}}

	sink := diag.New(false)
	result := Verify([]*Dylib{a, b}, false, sink)

	require.Empty(t, result.Admitted)
	require.Len(t, result.Demoted, 2)
}

func TestVerify_MustBeIncludedMarksTransitiveClosure(t *testing.T) {
	a := &Dylib{
		LoadPath:       "/usr/lib/libA.dylib",
		MustBeIncluded: true,
		Deps: []machoadapter.Dependency{
			dep("/usr/lib/libB.dylib", false),
		},
	}
	b := &Dylib{LoadPath: "/usr/lib/libB.dylib", Deps: []machoadapter.Dependency{dep("/usr/lib/libMissing.dylib", false)}}

	sink := diag.New(false)
	result := Verify([]*Dylib{a, b}, false, sink)

	require.Empty(t, result.Admitted)
	require.True(t, result.MustBeIncludedForDependent["/usr/lib/libB.dylib"])
}

func TestVerify_LeafEvictionRemovesUnreferencedExcludeIfUnused(t *testing.T) {
	a := &Dylib{LoadPath: "/usr/lib/libA.dylib"}
	b := &Dylib{LoadPath: "/usr/lib/libB.dylib", ExcludeIfUnused: true}

	sink := diag.New(false)
	result := Verify([]*Dylib{a, b}, true, sink)

	require.Len(t, result.Admitted, 1)
	require.Equal(t, "/usr/lib/libA.dylib", result.Admitted[0].LoadPath)
	require.Len(t, result.Demoted, 1)
	require.Equal(t, "/usr/lib/libB.dylib", result.Demoted[0].LoadPath)
}

func TestVerify_LeafEvictionDisabledKeepsUnreferencedDylib(t *testing.T) {
	a := &Dylib{LoadPath: "/usr/lib/libA.dylib"}
	b := &Dylib{LoadPath: "/usr/lib/libB.dylib", ExcludeIfUnused: true}

	sink := diag.New(false)
	result := Verify([]*Dylib{a, b}, false, sink)

	require.Len(t, result.Admitted, 2)
	require.Empty(t, result.Demoted)
}

func TestVerify_ReferencedExcludeIfUnusedSurvives(t *testing.T) {
	a := &Dylib{LoadPath: "/usr/lib/libA.dylib", Deps: []machoadapter.Dependency{dep("/usr/lib/libB.dylib", false)}}
	b := &Dylib{LoadPath: "/usr/lib/libB.dylib", ExcludeIfUnused: true}

	sink := diag.New(false)
	result := Verify([]*Dylib{a, b}, true, sink)

	require.Len(t, result.Admitted, 2)
	require.Empty(t, result.Demoted)
}
