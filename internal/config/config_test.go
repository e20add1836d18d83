package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_FlagsAloneWhenNoOptionsFile(t *testing.T) {
	dir := t.TempDir()
	listPath := filepath.Join(dir, "inputs.txt")
	require.NoError(t, os.WriteFile(listPath, []byte("/usr/lib/libFake.dylib\n/usr/lib/libOther.dylib\n"), 0o644))

	file, err := Load(Flags{
		Architecture:  "arm64e",
		InputListPath: listPath,
		OutputPath:    "/tmp/out/cache",
	})
	require.NoError(t, err)
	require.Equal(t, "arm64e", file.Architecture)
	require.Equal(t, []string{"/usr/lib/libFake.dylib", "/usr/lib/libOther.dylib"}, file.Inputs)
	require.Equal(t, "/tmp/out/cache", file.OutputPath)
}

func TestLoad_FlagsOverrideOptionsFileValues(t *testing.T) {
	dir := t.TempDir()
	optionsPath := filepath.Join(dir, "options.yaml")
	require.NoError(t, os.WriteFile(optionsPath, []byte(`
architecture: arm64
inputs:
  - /usr/lib/libFromFile.dylib
output_path: /from/file/cache
exec_order:
  /usr/lib/libA.dylib: 0
`), 0o644))

	file, err := Load(Flags{
		Architecture: "arm64e", // overrides the file's arm64
		OptionsPath:  optionsPath,
	})
	require.NoError(t, err)
	require.Equal(t, "arm64e", file.Architecture)
	require.Equal(t, []string{"/usr/lib/libFromFile.dylib"}, file.Inputs)
	require.Equal(t, "/from/file/cache", file.OutputPath)
	require.Equal(t, 0, file.ExecOrder["/usr/lib/libA.dylib"])
}

func TestLoad_InputListFlagOverridesOptionsFileInputs(t *testing.T) {
	dir := t.TempDir()
	optionsPath := filepath.Join(dir, "options.yaml")
	require.NoError(t, os.WriteFile(optionsPath, []byte("architecture: arm64e\ninputs:\n  - /from/file.dylib\n"), 0o644))
	listPath := filepath.Join(dir, "inputs.txt")
	require.NoError(t, os.WriteFile(listPath, []byte("/from/flag.dylib\n"), 0o644))

	file, err := Load(Flags{OptionsPath: optionsPath, InputListPath: listPath})
	require.NoError(t, err)
	require.Equal(t, []string{"/from/flag.dylib"}, file.Inputs)
}

func TestLoad_ErrorsWithNoInputs(t *testing.T) {
	_, err := Load(Flags{Architecture: "arm64e"})
	require.Error(t, err)
}

func TestLoad_ErrorsWithNoArchitecture(t *testing.T) {
	dir := t.TempDir()
	listPath := filepath.Join(dir, "inputs.txt")
	require.NoError(t, os.WriteFile(listPath, []byte("/usr/lib/libFake.dylib\n"), 0o644))

	_, err := Load(Flags{InputListPath: listPath})
	require.Error(t, err)
}
