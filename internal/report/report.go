// Package report accumulates the run-level outcome of a backup or restore
// run. The orchestrators return a Summary instead of flipping process-wide
// warning flags; the caller prints it once at the end and derives the exit
// code from it.
package report

import (
	"fmt"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/kdrag0n/cbackup/internal/logging"
)

var titleCaser = cases.Title(language.English)

// Outcome classifies one app's processing result.
type Outcome string

const (
	// OutcomeCompleted - all stages of the app finished.
	OutcomeCompleted Outcome = "completed"

	// OutcomeFailed - the app was aborted by an error; later apps still ran.
	OutcomeFailed Outcome = "failed"

	// OutcomeInstallFailed - the install session did not commit; the app's
	// data restore was skipped entirely.
	OutcomeInstallFailed Outcome = "install failed"
)

// AppResult records one app's outcome.
type AppResult struct {
	Package  string
	Outcome  Outcome
	Err      error
	Warnings []string
}

// Summary collects per-app results and deferred run-level warnings.
type Summary struct {
	results  []AppResult
	deferred []string
}

// Add records one app's result.
func (s *Summary) Add(result AppResult) {
	s.results = append(s.results, result)
}

// AddDeferred records a run-level warning surfaced only at the end of the run
// (reboot required, restart required, and similar).
func (s *Summary) AddDeferred(format string, args ...interface{}) {
	s.deferred = append(s.deferred, fmt.Sprintf(format, args...))
}

// Results returns the per-app results in processing order.
func (s *Summary) Results() []AppResult {
	return s.results
}

// Deferred returns the deferred run-level warnings.
func (s *Summary) Deferred() []string {
	return s.deferred
}

// Ok reports whether every processed app completed.
func (s *Summary) Ok() bool {
	for _, r := range s.results {
		if r.Outcome != OutcomeCompleted {
			return false
		}
	}
	return true
}

// FailedCount returns how many apps did not complete.
func (s *Summary) FailedCount() int {
	n := 0
	for _, r := range s.results {
		if r.Outcome != OutcomeCompleted {
			n++
		}
	}
	return n
}

// Print writes the end-of-run summary through the logger.
func (s *Summary) Print(logger *logging.Logger) {
	if logger == nil {
		return
	}

	completed := len(s.results) - s.FailedCount()
	logger.Info("%d/%d apps %s", completed, len(s.results), OutcomeCompleted)

	for _, r := range s.results {
		label := titleCaser.String(string(r.Outcome))
		switch {
		case r.Outcome == OutcomeCompleted && len(r.Warnings) == 0:
			logger.Debug("%s: %s", r.Package, label)
		case r.Outcome == OutcomeCompleted:
			logger.Warning("%s: %s with warnings", r.Package, label)
		default:
			logger.Error("%s: %s (%v)", r.Package, label, r.Err)
		}
		for _, w := range r.Warnings {
			logger.Warning("%s: %s", r.Package, w)
		}
	}

	for _, msg := range s.deferred {
		logger.Warning("%s", msg)
	}
}
