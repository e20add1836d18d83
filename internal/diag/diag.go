// Package diag implements the single Diagnostics sink every component
// reports into. The first error recorded makes the sink sticky: once Fatal
// returns true, later phases are expected to become no-ops rather than keep
// working against a doomed build.
package diag

import (
	"fmt"
	"sync"
)

// Sink accumulates errors and warnings across build phases. It is safe for
// concurrent use by the intra-phase parallel stages (segment copy, per-image
// fixup adjust, page hashing).
type Sink struct {
	mu       sync.Mutex
	err      error
	warnings []string
	verbose  bool
}

// New returns an empty sink. verbose is stored on the sink, but Warning
// records every warning the same way whatever its value; the sink keeps no
// separate verbose log.
func New(verbose bool) *Sink {
	return &Sink{verbose: verbose}
}

// Error records err as the build's fatal error if no error has been
// recorded yet. Subsequent calls are no-ops so the first failure wins.
func (s *Sink) Error(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Errorf is a convenience wrapper around Error(fmt.Errorf(...)).
func (s *Sink) Errorf(format string, args ...any) {
	s.Error(fmt.Errorf(format, args...))
}

// Warning appends a non-fatal diagnostic. Warnings are unbounded and never
// make the sink sticky.
func (s *Sink) Warning(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, fmt.Sprintf(format, args...))
}

// Fatal reports whether a sticky error has already been recorded. Phases
// consult this before starting work so a phase that observed an error in a
// predecessor becomes a no-op.
func (s *Sink) Fatal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err != nil
}

// Err returns the sticky error, or nil on success.
func (s *Sink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ErrorMessage mirrors the builder's errorMessage() accessor: empty string
// on success.
func (s *Sink) ErrorMessage() string {
	if err := s.Err(); err != nil {
		return err.Error()
	}
	return ""
}

// Warnings returns the accumulated warning strings in recording order.
func (s *Sink) Warnings() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.warnings))
	copy(out, s.warnings)
	return out
}
