package runner

import (
	"fmt"
	"strings"

	"github.com/hazyhaar/storycheck/config"
)

// Process exit codes. Fatal takes precedence over diffs, diffs over
// success.
const (
	// ExitOK: every story passed; new baselines allowed.
	ExitOK = 0
	// ExitFatal: a configuration, auth, or connectivity failure prevented
	// the run from producing a verdict.
	ExitFatal = 1
	// ExitDiffsFound: at least one story had visual mismatches or missing
	// regions.
	ExitDiffsFound = 2
)

// TestResult is the terminal outcome of one story.
type TestResult struct {
	Name            string
	IsNew           bool
	IsPassed        bool
	Mismatches      int
	Missing         int
	Steps           int
	HostDisplaySize config.Viewport
	AppURLs         []string
	// Error holds the failure reason when the story errored rather than
	// mismatched.
	Error string
}

// Failed reports whether the story counts against the exit code.
func (r TestResult) Failed() bool {
	return r.Mismatches+r.Missing > 0
}

// Label returns the human outcome: New, Passed, or "Failed k of n".
func (r TestResult) Label() string {
	switch {
	case r.Failed():
		return fmt.Sprintf("Failed %d of %d", r.Mismatches+r.Missing, r.Steps)
	case r.IsNew:
		return "New"
	default:
		return "Passed"
	}
}

// Verdict is the aggregate outcome of a completed run.
type Verdict struct {
	Results []TestResult
	// DashboardURL points at the remote results page, when available.
	DashboardURL string
}

// Aggregator folds per-story results, in any completion order, into a
// Verdict. The fold is commutative: only set membership matters. Add is
// called from the dispatcher's collection path only; it is not safe for
// direct concurrent use.
type Aggregator struct {
	results []TestResult
}

// NewAggregator returns an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Add records one story outcome.
func (a *Aggregator) Add(r TestResult) {
	a.results = append(a.results, r)
}

// Verdict returns the folded run outcome.
func (a *Aggregator) Verdict(dashboardURL string) *Verdict {
	return &Verdict{Results: a.results, DashboardURL: dashboardURL}
}

// ExitCode applies the exit-code law: ExitDiffsFound iff any story failed,
// ExitOK otherwise. The fatal path never produces a Verdict, so ExitFatal
// is decided by the caller that observed the fatal error.
func (v *Verdict) ExitCode() int {
	for _, r := range v.Results {
		if r.Failed() {
			return ExitDiffsFound
		}
	}
	return ExitOK
}

// Counts returns the passed / failed / new totals.
func (v *Verdict) Counts() (passed, failed, isNew int) {
	for _, r := range v.Results {
		switch {
		case r.Failed():
			failed++
		case r.IsNew:
			isNew++
		default:
			passed++
		}
	}
	return
}

// Summary renders one line per story plus a trailing dashboard pointer.
func (v *Verdict) Summary() string {
	var b strings.Builder
	for _, r := range v.Results {
		size := ""
		if !r.HostDisplaySize.IsZero() {
			size = " [" + r.HostDisplaySize.String() + "]"
		}
		fmt.Fprintf(&b, "%s - %s%s\n", r.Label(), r.Name, size)
		if r.Error != "" {
			fmt.Fprintf(&b, "    error: %s\n", r.Error)
		}
	}
	passed, failed, isNew := v.Counts()
	fmt.Fprintf(&b, "\n%d passed, %d failed, %d new\n", passed, failed, isNew)
	if v.DashboardURL != "" {
		fmt.Fprintf(&b, "See details at %s\n", v.DashboardURL)
	}
	return b.String()
}
