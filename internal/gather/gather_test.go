package gather

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/appsworld/dyld-shared-cache-builder/internal/diag"
)

func TestExcludesInstallName(t *testing.T) {
	require.True(t, excludesInstallName(PlatformIOS, "/System/Library/Caches/com.apple.xpcd/xpcd_cache.dylib"))
	require.False(t, excludesInstallName(PlatformMacOS, "/System/Library/Caches/com.apple.xpcd/xpcd_cache.dylib"))
	require.False(t, excludesInstallName(PlatformIOS, "/usr/lib/libSystem.B.dylib"))
}

func TestExcludesExecutablePath(t *testing.T) {
	require.True(t, excludesExecutablePath(PlatformIOS, "/sbin/launchd"))
	require.True(t, excludesExecutablePath(PlatformTVOS, "/usr/libexec/installd"))
	require.False(t, excludesExecutablePath(PlatformMacOS, "/sbin/launchd"))
	require.False(t, excludesExecutablePath(PlatformIOS, "/usr/bin/true"))
}

func TestResolveDuplicateInstallNames_PathMatchWins(t *testing.T) {
	inputs := []Input{
		{Path: "/var/staging/old/libFoo.dylib", Category: CacheableDylib},
		{Path: "/usr/lib/libFoo.dylib", Category: CacheableDylib},
	}
	byInstallName := map[string][]int{"/usr/lib/libFoo.dylib": {0, 1}}
	sink := diag.New(false)

	resolveDuplicateInstallNames(inputs, byInstallName, sink)

	require.Equal(t, OtherDylibOrBundle, inputs[0].Category)
	require.Equal(t, CacheableDylib, inputs[1].Category)
	require.Len(t, sink.Warnings(), 1)
}

func TestResolveDuplicateInstallNames_FirstSeenWinsWithoutPathMatch(t *testing.T) {
	inputs := []Input{
		{Path: "/var/staging/a/libBar.dylib", Category: CacheableDylib},
		{Path: "/var/staging/b/libBar.dylib", Category: CacheableDylib},
	}
	byInstallName := map[string][]int{"/usr/lib/libBar.dylib": {0, 1}}
	sink := diag.New(false)

	resolveDuplicateInstallNames(inputs, byInstallName, sink)

	require.Equal(t, CacheableDylib, inputs[0].Category)
	require.Equal(t, OtherDylibOrBundle, inputs[1].Category)
}

func TestResolveDuplicateInstallNames_NoDuplicateIsNoop(t *testing.T) {
	inputs := []Input{{Path: "/usr/lib/libBaz.dylib", Category: CacheableDylib}}
	byInstallName := map[string][]int{"/usr/lib/libBaz.dylib": {0}}
	sink := diag.New(false)

	resolveDuplicateInstallNames(inputs, byInstallName, sink)

	require.Equal(t, CacheableDylib, inputs[0].Category)
	require.Empty(t, sink.Warnings())
}

func TestCategoryString(t *testing.T) {
	require.Equal(t, "cacheable-dylib", CacheableDylib.String())
	require.Equal(t, "other-dylib-or-bundle", OtherDylibOrBundle.String())
	require.Equal(t, "executable", Executable.String())
	require.Equal(t, "unloadable", Unloadable.String())
}

func TestBaseName(t *testing.T) {
	require.Equal(t, "libFoo.dylib", BaseName("/usr/lib/libFoo.dylib"))
}
