package cachewriter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testSections() []Section {
	return []Section{
		{Name: "header", Data: []byte{0x01, 0x02, 0x03}},
		{Name: "__TEXT", Data: []byte{0xAA, 0xBB}},
		{Name: "__DATA", Data: []byte{0xCC}},
		{Name: "code-signature", Data: []byte{0xFF, 0xFE, 0xFD, 0xFC}},
	}
}

func TestTotalSize(t *testing.T) {
	require.Equal(t, uint64(3+2+1+4), TotalSize(testSections()))
}

func TestOffsets_CodeSignatureLandsAfterAllPrecedingSections(t *testing.T) {
	offsets := Offsets(testSections())
	require.Equal(t, []uint64{0, 3, 5, 6}, offsets)
}

func TestWriteBuffer_ConcatenatesSectionsInOrder(t *testing.T) {
	buf := WriteBuffer(testSections())
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0xAA, 0xBB, 0xCC, 0xFF, 0xFE, 0xFD, 0xFC}, buf)
}

func TestWriteFile_AtomicallyRenamesIntoPlaceWithPermissions(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "dyld_shared_cache_arm64e")

	err := WriteFile(dest, testSections(), 0o644)
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, WriteBuffer(testSections()), got)

	info, err := os.Stat(dest)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o644), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no leftover temp file should remain")
}

func TestWriteFile_FailureLeavesNoTempFileAndNoDestination(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "missing-subdir", "cache")

	err := WriteFile(dest, testSections(), 0o644)
	require.Error(t, err)
	_, statErr := os.Stat(dest)
	require.True(t, os.IsNotExist(statErr))
}
