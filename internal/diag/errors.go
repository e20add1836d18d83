package diag

import "fmt"

// UnsupportedArchitectureError wraps archprofile.ErrUnsupportedArchitecture
// at the builder boundary so callers can type-switch on diag's own error
// kinds without reaching into internal/archprofile.
type UnsupportedArchitectureError struct {
	Requested string
}

func (e *UnsupportedArchitectureError) Error() string {
	return fmt.Sprintf("unsupported architecture %q", e.Requested)
}

// AllocationFailureError reports that the worst-case backing buffer could
// not be allocated.
type AllocationFailureError struct {
	RequestedBytes uint64
}

func (e *AllocationFailureError) Error() string {
	return fmt.Sprintf("failed to allocate %d byte cache buffer", e.RequestedBytes)
}

// TooFewDylibsError reports fewer than archprofile.MinAdmittedDylibs
// admitted dylibs.
type TooFewDylibsError struct {
	Admitted int
	Minimum  int
}

func (e *TooFewDylibsError) Error() string {
	return fmt.Sprintf("only %d dylibs admitted to cache (minimum %d)", e.Admitted, e.Minimum)
}

// DependencyMissingError reports a non-weak dependency of dylib that is not
// itself admitted. verify.Verify does not construct it: it reports every
// missing dependency as a sink warning and demotes the dylib, whether or not
// the dylib is marked must-be-included, and never records a fatal error.
type DependencyMissingError struct {
	Dylib      string
	Dependency string
}

func (e *DependencyMissingError) Error() string {
	return fmt.Sprintf("could not find dependency %q of %q", e.Dependency, e.Dylib)
}

// CacheOverflowError reports the cache exceeds its architecture's shared
// memory size by DeltaBytes bytes; Error reports the delta in whole
// mebibytes.
type CacheOverflowError struct {
	DeltaBytes uint64
}

func (e *CacheOverflowError) Error() string {
	return fmt.Sprintf("cache overflow by %dMB", e.DeltaBytes/(1024*1024))
}

// SlideInfoOverflowError reports the slide-info encoder ran out of room,
// either in its extras pool or in its final, aligned size.
type SlideInfoOverflowError struct {
	Reason string
}

func (e *SlideInfoOverflowError) Error() string {
	return fmt.Sprintf("slide info overflow: %s", e.Reason)
}

// SigningConfigInvalidError reports an invalid code-signing mode or layout
// request (an unknown signing mode, or a UUID offset outside the first
// hashed page).
type SigningConfigInvalidError struct {
	Reason string
}

func (e *SigningConfigInvalidError) Error() string {
	return fmt.Sprintf("invalid code signing configuration: %s", e.Reason)
}

// WriteFailedError wraps a failure in the Cache Writer's file or buffer
// surface.
type WriteFailedError struct {
	Path string
	Err  error
}

func (e *WriteFailedError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("failed to write cache: %v", e.Err)
	}
	return fmt.Sprintf("failed to write cache to %s: %v", e.Path, e.Err)
}

func (e *WriteFailedError) Unwrap() error { return e.Err }
