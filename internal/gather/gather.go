// Package gather implements the Input Gatherer (spec.md §4.2): it
// classifies each input file into {cacheable dylib, other dylib/bundle,
// executable, unloadable}, de-duplicates by install name, and excludes
// platform-specific paths before anything downstream ever sees them.
package gather

import (
	"path/filepath"

	"github.com/appsworld/dyld-shared-cache-builder/internal/diag"
	"github.com/appsworld/dyld-shared-cache-builder/internal/machoadapter"
)

// Category is the classification an input file is sorted into.
type Category int

const (
	Unloadable Category = iota
	CacheableDylib
	OtherDylibOrBundle
	Executable
)

func (c Category) String() string {
	switch c {
	case CacheableDylib:
		return "cacheable-dylib"
	case OtherDylibOrBundle:
		return "other-dylib-or-bundle"
	case Executable:
		return "executable"
	default:
		return "unloadable"
	}
}

// Platform selects which per-platform install-name/executable-path
// exclusion list applies.
type Platform int

const (
	PlatformMacOS Platform = iota
	PlatformIOS
	PlatformTVOS
	PlatformWatchOS
	PlatformBridgeOS
	PlatformUnknown
)

// excludedInstallNames mirrors platformExcludesInstallName_iOS in
// dyld3/shared-cache/CacheBuilder.cpp: these handheld-platform install
// names are rejected regardless of where else they might be referenced
// from.
var excludedInstallNames = map[Platform][]string{
	PlatformIOS:      {"/System/Library/Caches/com.apple.xpc/sdk.dylib", "/System/Library/Caches/com.apple.xpcd/xpcd_cache.dylib"},
	PlatformTVOS:     {"/System/Library/Caches/com.apple.xpc/sdk.dylib", "/System/Library/Caches/com.apple.xpcd/xpcd_cache.dylib"},
	PlatformWatchOS:  {"/System/Library/Caches/com.apple.xpc/sdk.dylib", "/System/Library/Caches/com.apple.xpcd/xpcd_cache.dylib"},
	PlatformBridgeOS: {"/System/Library/Caches/com.apple.xpc/sdk.dylib", "/System/Library/Caches/com.apple.xpcd/xpcd_cache.dylib"},
}

// excludedExecutablePaths mirrors platformExcludesExecutablePath_iOS: a
// small hand-maintained blocklist of launchd/installd variants that must
// never be cached until their circular dependency on xpcd_cache.dylib is
// resolved elsewhere.
var excludedExecutablePaths = map[Platform][]string{
	PlatformIOS:      {"/sbin/launchd", "/usr/local/sbin/launchd.debug", "/usr/local/sbin/launchd.development", "/usr/libexec/installd"},
	PlatformTVOS:     {"/sbin/launchd", "/usr/local/sbin/launchd.debug", "/usr/local/sbin/launchd.development", "/usr/libexec/installd"},
	PlatformWatchOS:  {"/sbin/launchd", "/usr/local/sbin/launchd.debug", "/usr/local/sbin/launchd.development", "/usr/libexec/installd"},
	PlatformBridgeOS: {"/sbin/launchd", "/usr/local/sbin/launchd.debug", "/usr/local/sbin/launchd.development", "/usr/libexec/installd"},
}

func excludesInstallName(p Platform, installName string) bool {
	for _, n := range excludedInstallNames[p] {
		if n == installName {
			return true
		}
	}
	return false
}

func excludesExecutablePath(p Platform, path string) bool {
	for _, n := range excludedExecutablePaths[p] {
		if n == path {
			return true
		}
	}
	return false
}

// Input is one classified file.
type Input struct {
	Path     string
	Category Category
	Image    *machoadapter.Image // nil for Unloadable
	Reason   string              // why Category is what it is, for diagnostics
}

// Gather classifies paths, applying exclusion rules and install-name
// de-duplication. The returned slice preserves input order among survivors.
func Gather(paths []string, platform Platform, sink *diag.Sink) []Input {
	var inputs []Input
	byInstallName := make(map[string][]int) // installName -> indices into inputs, cacheable-dylib only

	for _, path := range paths {
		img, err := machoadapter.Open(path)
		if err != nil {
			inputs = append(inputs, Input{Path: path, Category: Unloadable, Reason: err.Error()})
			continue
		}

		installName := img.InstallName()
		if excludesInstallName(platform, installName) {
			continue // excluded inputs are unmapped and ignored
		}

		ok, reason := img.CanBePlacedInCache()
		switch {
		case img.Kind() == machoadapter.KindDylib && ok:
			idx := len(inputs)
			inputs = append(inputs, Input{Path: path, Category: CacheableDylib, Image: img})
			byInstallName[installName] = append(byInstallName[installName], idx)
		case img.Kind() == machoadapter.KindDylib && !ok:
			inputs = append(inputs, Input{Path: path, Category: OtherDylibOrBundle, Image: img, Reason: reason})
		default:
			classifyNonDylib(path, img, platform, &inputs, sink)
		}
	}

	resolveDuplicateInstallNames(inputs, byInstallName, sink)

	return inputs
}

func classifyNonDylib(path string, img *machoadapter.Image, platform Platform, inputs *[]Input, sink *diag.Sink) {
	switch img.Kind() {
	case machoadapter.KindExecute:
		if excludesExecutablePath(platform, path) {
			return
		}
		*inputs = append(*inputs, Input{Path: path, Category: Executable, Image: img})
	case machoadapter.KindBundle:
		*inputs = append(*inputs, Input{Path: path, Category: OtherDylibOrBundle, Image: img})
	default:
		*inputs = append(*inputs, Input{Path: path, Category: Unloadable, Reason: "unsupported mach file type"})
	}
}

// resolveDuplicateInstallNames implements spec.md §4.2 rule 3: among dylibs
// sharing an install name, the one whose filesystem path equals the install
// name wins; otherwise the first seen wins. Losers are demoted to
// OtherDylibOrBundle with a warning naming both paths.
func resolveDuplicateInstallNames(inputs []Input, byInstallName map[string][]int, sink *diag.Sink) {
	for installName, idxs := range byInstallName {
		if len(idxs) < 2 {
			continue
		}
		winner := idxs[0]
		for _, i := range idxs {
			if inputs[i].Path == installName {
				winner = i
				break
			}
		}
		for _, i := range idxs {
			if i == winner {
				continue
			}
			sink.Warning("duplicate install name %q: keeping %q, demoting %q", installName, inputs[winner].Path, inputs[i].Path)
			inputs[i].Category = OtherDylibOrBundle
			inputs[i].Reason = "duplicate install name, path did not match"
		}
	}
}

// BaseName is a small convenience used by diagnostics and ordering-map
// fallbacks elsewhere in the pipeline.
func BaseName(path string) string {
	return filepath.Base(path)
}
