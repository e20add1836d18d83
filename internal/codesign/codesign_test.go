package codesign

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/appsworld/dyld-shared-cache-builder/internal/diag"
	pkgcodesign "github.com/blacktop/go-macho/pkg/codesign"
)

func TestSign_RoundTripsThroughTeacherParser(t *testing.T) {
	data := make([]byte, 3*pageSize+100)
	for i := range data {
		data[i] = byte(i)
	}
	const uuidOffset = 0x58

	result, err := Sign(context.Background(), data, ModeAgile, "com.apple.dyld.cache.arm64e", 0, pageSize, uuidOffset)
	require.NoError(t, err)
	require.Len(t, result.CDHashFirst, 40)
	require.Len(t, result.CDHashSecond, 40)
	require.Equal(t, byte(0x30), result.UUID[6]&0xF0)
	require.Equal(t, byte(0x80), result.UUID[8]&0xC0)

	cs, err := pkgcodesign.ParseCodeSignature(result.Blob)
	require.NoError(t, err)
	require.Len(t, cs.CodeDirectories, 2)

	primary := cs.CodeDirectories[0]
	require.Equal(t, "com.apple.dyld.cache.arm64e", primary.ID)
	require.Equal(t, uint64(len(data)), primary.CodeLimit)
	require.Len(t, primary.CodeSlots, 4)
	require.NotEmpty(t, primary.CDHash)
}

func TestSign_RejectsUUIDOffsetOutsidePageZero(t *testing.T) {
	data := make([]byte, pageSize)
	_, err := Sign(context.Background(), data, ModeAgile, "id", 0, pageSize, pageSize-8)
	require.Error(t, err)
	var cfgErr *diag.SigningConfigInvalidError
	require.ErrorAs(t, err, &cfgErr)
}

func TestSign_RejectsUnknownMode(t *testing.T) {
	data := make([]byte, pageSize)
	_, err := Sign(context.Background(), data, Mode(99), "id", 0, pageSize, 0x10)
	require.Error(t, err)
	var cfgErr *diag.SigningConfigInvalidError
	require.ErrorAs(t, err, &cfgErr)
}

func TestSign_IsDeterministicAcrossRuns(t *testing.T) {
	data1 := make([]byte, pageSize*2)
	data2 := make([]byte, pageSize*2)
	for i := range data1 {
		data1[i] = byte(i * 7)
		data2[i] = byte(i * 7)
	}

	r1, err := Sign(context.Background(), data1, ModeAgile, "id", 0, pageSize, 0x10)
	require.NoError(t, err)
	r2, err := Sign(context.Background(), data2, ModeAgile, "id", 0, pageSize, 0x10)
	require.NoError(t, err)

	require.Equal(t, r1.UUID, r2.UUID)
	require.Equal(t, r1.CDHashFirst, r2.CDHashFirst)
	require.Equal(t, r1.Blob, r2.Blob)
}

func TestSign_Page0HashDependsOnDerivedUUID(t *testing.T) {
	data := make([]byte, pageSize)
	result, err := Sign(context.Background(), data, ModeAgile, "id", 0, pageSize, 0x10)
	require.NoError(t, err)

	cs, err := pkgcodesign.ParseCodeSignature(result.Blob)
	require.NoError(t, err)
	require.NotEqual(t, SHA1.sum(make([]byte, pageSize)), cs.CodeDirectories[0].CodeSlots[0].Hash)
}

func TestSign_SingleModeOmitsAlternateDirectory(t *testing.T) {
	data := make([]byte, pageSize)
	result, err := Sign(context.Background(), data, ModeSHA256Only, "id", 0, pageSize, 0x10)
	require.NoError(t, err)
	require.Empty(t, result.CDHashSecond)

	cs, err := pkgcodesign.ParseCodeSignature(result.Blob)
	require.NoError(t, err)
	require.Len(t, cs.CodeDirectories, 1)
}
