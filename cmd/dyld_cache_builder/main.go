// Command dyld_cache_builder packs a list of dylibs for one CPU
// architecture into a single shared-image cache file.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/integrii/flaggy"
	"github.com/sirupsen/logrus"

	"github.com/appsworld/dyld-shared-cache-builder/internal/builder"
	"github.com/appsworld/dyld-shared-cache-builder/internal/cachewriter"
	"github.com/appsworld/dyld-shared-cache-builder/internal/codesign"
	"github.com/appsworld/dyld-shared-cache-builder/internal/config"
	"github.com/appsworld/dyld-shared-cache-builder/internal/diag"
	"github.com/appsworld/dyld-shared-cache-builder/internal/gather"
	"github.com/appsworld/dyld-shared-cache-builder/internal/machoadapter"
)

var version = "unversioned"

func main() {
	flags := parseFlags()

	log := newLogger(flags.jsonLog, flags.verbose)

	file, err := config.Load(flags.config)
	if err != nil {
		log.WithError(err).Fatal("loading configuration")
	}

	platform := platformFromString(file.Platform)

	signingMode, err := signingModeFromString(file.SigningMode)
	if err != nil {
		log.WithError(err).Fatal("resolving signing mode")
	}

	sink := diag.New(file.Verbose)
	inputs := gather.Gather(file.Inputs, platform, sink)
	for _, w := range sink.Warnings() {
		log.Warn(w)
	}

	images, demotedAtGather := imagesFromInputs(inputs)
	for _, path := range demotedAtGather {
		log.WithField("path", path).Debug("not a cacheable dylib, skipped")
	}

	opts := builder.Options{
		ExecOrder:           file.ExecOrder,
		DirtyDataOrder:      file.DirtyDataOrder,
		ExcludeLocalSymbols: file.ExcludeLocalSymbols,
		LeafEviction:        flags.leafEviction,
		Platform:            uint8(platform),
		CacheType:           cacheTypeFromFlag(flags.production),
		CodeSignIdentifier:  flags.identifier,
		SigningMode:         signingMode,
	}

	log.WithFields(logrus.Fields{
		"architecture": file.Architecture,
		"candidates":   len(images),
	}).Info("building cache")

	result, err := builder.Build(images, file.Architecture, opts)
	if err != nil {
		log.WithError(err).Error("build failed")
		fmt.Fprintln(os.Stderr, color.RedString("build failed: %v", err))
		os.Exit(1)
	}

	if err := cachewriter.WriteFile(file.OutputPath, []cachewriter.Section{{Name: "cache", Data: result.Bytes}}, 0o644); err != nil {
		log.WithError(err).Fatal("writing cache file")
	}

	if flags.mapFilePath != "" {
		if err := writeMapFile(flags.mapFilePath, result); err != nil {
			log.WithError(err).Fatal("writing map file")
		}
	}

	if file.JSONReportPath != "" {
		if err := writeJSONReport(file.JSONReportPath, result); err != nil {
			log.WithError(err).Fatal("writing json report")
		}
	}

	printSummary(result, file.OutputPath)
}

// cliFlags carries the flat flag surface config.Flags does not itself own
// (flags that steer this front end rather than the Builder's knobs).
type cliFlags struct {
	config       config.Flags
	mapFilePath  string
	leafEviction bool
	production   bool
	identifier   string
	verbose      bool
	jsonLog      bool
}

func parseFlags() cliFlags {
	var f cliFlags

	flaggy.SetName("dyld_cache_builder")
	flaggy.SetDescription("Packs a list of dylibs for one architecture into a shared-image cache file")
	flaggy.SetVersion(version)

	flaggy.String(&f.config.Architecture, "a", "arch", "target architecture (x86_64, x86_64h, arm64, arm64e, armv7k, arm64_32, armv7s, i386)")
	flaggy.String(&f.config.Platform, "p", "platform", "target platform (macos, ios, tvos, watchos, bridgeos)")
	flaggy.String(&f.config.InputListPath, "i", "input-list", "path to a file listing one dylib path per line")
	flaggy.String(&f.config.OutputPath, "o", "output", "path the assembled cache is written to")
	flaggy.String(&f.config.OptionsPath, "c", "options", "path to a YAML options file merged under these flags")
	flaggy.String(&f.config.JSONReportPath, "", "json-report", "path a machine-readable build report is written to")
	flaggy.String(&f.mapFilePath, "m", "map-file", "path a human-readable placement map is written to")
	flaggy.String(&f.identifier, "", "identifier", "code-signing identifier embedded in the ad-hoc signature")
	flaggy.String(&f.config.SigningMode, "", "signing-mode", "code signing mode: sha1, sha256, or agile (default agile)")
	flaggy.Bool(&f.config.ExcludeLocalSymbols, "", "exclude-local-symbols", "strip local symbols from the LINKEDIT region")
	flaggy.Bool(&f.leafEviction, "", "leaf-eviction", "evict unreferenced exclude-if-unused dylibs before placement")
	flaggy.Bool(&f.production, "", "production", "build a production cache instead of a development cache")
	flaggy.Bool(&f.verbose, "v", "verbose", "log at debug level")
	flaggy.Bool(&f.jsonLog, "", "json-log", "emit logs as JSON instead of text")

	flaggy.Parse()

	f.config.Verbose = f.verbose
	return f
}

// newLogger mirrors the teacher pack's lazydocker/pkg/log convention of a
// TextFormatter for an interactive TTY and a JSONFormatter under an explicit
// machine-readable flag, rather than auto-detecting.
func newLogger(jsonLog, verbose bool) *logrus.Logger {
	log := logrus.New()
	if jsonLog {
		log.Formatter = &logrus.JSONFormatter{}
	} else {
		log.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	}
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
	return log
}

func platformFromString(s string) gather.Platform {
	switch s {
	case "ios":
		return gather.PlatformIOS
	case "tvos":
		return gather.PlatformTVOS
	case "watchos":
		return gather.PlatformWatchOS
	case "bridgeos":
		return gather.PlatformBridgeOS
	case "macos", "":
		return gather.PlatformMacOS
	default:
		return gather.PlatformUnknown
	}
}

// signingModeFromString maps the --signing-mode flag to a codesign.Mode,
// raising diag.SigningConfigInvalidError for anything else so a typo in the
// flag surfaces as a configuration error rather than silently falling back
// to Agile.
func signingModeFromString(s string) (codesign.Mode, error) {
	switch s {
	case "", "agile":
		return codesign.ModeAgile, nil
	case "sha1":
		return codesign.ModeSHA1Only, nil
	case "sha256":
		return codesign.ModeSHA256Only, nil
	default:
		return 0, &diag.SigningConfigInvalidError{Reason: fmt.Sprintf("unknown --signing-mode %q, want sha1, sha256, or agile", s)}
	}
}

func cacheTypeFromFlag(production bool) uint8 {
	if production {
		return 1 // cacheformat.CacheTypeProduction
	}
	return 0 // cacheformat.CacheTypeDevelopment
}

// imagesFromInputs adapts gather.Gather's classified inputs into the
// Builder's own Image type, the seam between file discovery and the pure
// build pipeline. Every explicitly-listed cacheable dylib is treated as
// must-be-included: the caller asked for it by path, so its absence from
// the final admitted set should surface as a missing-dependency warning
// rather than pass silently. Dylibs discovered only transitively (never
// named on the input list) have no representation here at all, since
// gather.Gather only ever sees the paths it was given.
func imagesFromInputs(inputs []gather.Input) (images []builder.Image, skipped []string) {
	for _, in := range inputs {
		if in.Category != gather.CacheableDylib {
			skipped = append(skipped, in.Path)
			continue
		}
		img := builder.Image{
			LoadPath:       in.Image.InstallName(),
			Analyzer:       in.Image,
			Dependencies:   in.Image.Dependencies(),
			MustBeIncluded: true,
			Exports:        exportSymbolsOf(in.Image),
		}
		images = append(images, img)
	}
	return images, skipped
}

// exportSymbolsOf reads img's export trie directly off the underlying
// *macho.File (DyldExports, go-macho's own LC_DYLD_EXPORTS_TRIE parser)
// rather than through the narrower machoadapter.Analyzer interface, since
// exports are only needed here at the gather/builder seam, never by the
// Region Planner or Fixup Orchestrator themselves.
func exportSymbolsOf(img *machoadapter.Image) []builder.ExportSymbol {
	entries, err := img.File.DyldExports()
	if err != nil {
		return nil
	}
	out := make([]builder.ExportSymbol, 0, len(entries))
	for _, e := range entries {
		if e.Flags.ReExport() {
			continue
		}
		out = append(out, builder.ExportSymbol{Name: e.Name, Address: e.Address})
	}
	return out
}

func writeMapFile(path string, result *builder.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating map file %s: %w", path, err)
	}
	defer f.Close()
	return cachewriter.WriteMapFile(f, result.Placements, result.Regions, result.InstallNames)
}

func writeJSONReport(path string, result *builder.Result) error {
	report := struct {
		UUID         string   `json:"uuid"`
		CDHashFirst  string   `json:"cd_hash_first"`
		CDHashSecond string   `json:"cd_hash_second"`
		Admitted     []string `json:"admitted"`
		Demoted      []string `json:"demoted"`
		Warnings     []string `json:"warnings"`
	}{
		UUID:         fmt.Sprintf("%x", result.UUID),
		CDHashFirst:  result.CDHashFirst,
		CDHashSecond: result.CDHashSecond,
		Admitted:     result.Admitted,
		Demoted:      result.Demoted,
		Warnings:     result.Warnings,
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding json report: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func printSummary(result *builder.Result, outputPath string) {
	fmt.Printf("%s %s (%d bytes)\n", color.GreenString("wrote"), outputPath, len(result.Bytes))
	fmt.Printf("  %s %d\n", color.CyanString("admitted:"), len(result.Admitted))
	if len(result.Demoted) > 0 {
		fmt.Printf("  %s %d\n", color.YellowString("demoted:"), len(result.Demoted))
	}
	if len(result.Warnings) > 0 {
		fmt.Printf("  %s %d\n", color.YellowString("warnings:"), len(result.Warnings))
	}
}
