package render

import (
	"fmt"
	"time"
)

// RenderError is a terminal failure of one specific render, reported by
// the service or produced after the resubmission budget is exhausted. It
// fails that story only, never the run.
type RenderError struct {
	RenderID string
	Reason   string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render: %s: %s", e.RenderID, e.Reason)
}

// TimeoutError means a render did not reach a terminal state within the
// polling budget. Treated like RenderError: story-level, not fatal.
type TimeoutError struct {
	RenderID string
	Elapsed  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("render: %s: no terminal state after %s", e.RenderID, e.Elapsed.Round(time.Millisecond))
}
