// Package config implements the Config Loader (SPEC_FULL.md §4.14): input
// list, ordering maps, an exclusion list, and the architecture, platform,
// output and signing settings loaded from a YAML options file and merged over flag defaults,
// with flags winning only where explicitly set.
package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/imdario/mergo"
)

// File is the on-disk shape of an options file.
type File struct {
	Architecture        string            `yaml:"architecture"`
	Platform            string            `yaml:"platform"`
	Inputs              []string          `yaml:"inputs"`
	OutputPath          string            `yaml:"output_path"`
	ExecOrder           map[string]int    `yaml:"exec_order"`
	DirtyDataOrder      map[string]int    `yaml:"dirty_data_order"`
	Exclude             []string          `yaml:"exclude"`
	ExcludeLocalSymbols bool              `yaml:"exclude_local_symbols"`
	JSONReportPath      string            `yaml:"json_report_path"`
	Verbose             bool              `yaml:"verbose"`
	SigningMode         string            `yaml:"signing_mode"`
}

// Flags carries the subset of command-line flags the loader merges over a
// File; zero values mean "not explicitly set" and never override the file.
type Flags struct {
	Architecture        string
	Platform            string
	InputListPath       string
	OutputPath          string
	OptionsPath         string
	JSONReportPath      string
	Verbose             bool
	ExcludeLocalSymbols bool
	SigningMode         string
}

// Load reads the YAML file at path (if non-empty) and merges flags over it:
// any non-zero Flags field wins, file values fill the rest. An empty path
// yields a File built from flags alone.
func Load(flags Flags) (*File, error) {
	file := &File{}
	if flags.OptionsPath != "" {
		data, err := os.ReadFile(flags.OptionsPath)
		if err != nil {
			return nil, fmt.Errorf("config: reading options file %s: %w", flags.OptionsPath, err)
		}
		if err := yaml.Unmarshal(data, file); err != nil {
			return nil, fmt.Errorf("config: parsing options file %s: %w", flags.OptionsPath, err)
		}
	}

	override := &File{
		Architecture:        flags.Architecture,
		Platform:            flags.Platform,
		OutputPath:          flags.OutputPath,
		JSONReportPath:      flags.JSONReportPath,
		Verbose:             flags.Verbose,
		ExcludeLocalSymbols: flags.ExcludeLocalSymbols,
		SigningMode:         flags.SigningMode,
	}
	if flags.InputListPath != "" {
		lines, err := readLines(flags.InputListPath)
		if err != nil {
			return nil, fmt.Errorf("config: reading input list %s: %w", flags.InputListPath, err)
		}
		override.Inputs = lines
	}

	if err := mergo.Merge(file, override, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("config: merging flags over options file: %w", err)
	}

	if len(file.Inputs) == 0 {
		return nil, fmt.Errorf("config: no input dylibs given (neither --input-list nor options file 'inputs')")
	}
	if file.Architecture == "" {
		return nil, fmt.Errorf("config: no --arch given (neither flag nor options file 'architecture')")
	}
	return file, nil
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lines []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			if line := trimCR(data[start:i]); len(line) > 0 {
				lines = append(lines, string(line))
			}
			start = i + 1
		}
	}
	if line := trimCR(data[start:]); len(line) > 0 {
		lines = append(lines, string(line))
	}
	return lines, nil
}

func trimCR(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\r' {
		return b[:len(b)-1]
	}
	return b
}
