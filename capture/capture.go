// Package capture produces one visual artifact per story. The two backends,
// a local browser screenshot and the remote batch renderer, sit behind
// the single Capturer interface and are selected once at run configuration
// time, so the dispatcher never branches on the rendering mode.
package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/hazyhaar/storycheck/story"
)

var errBrowserNotStarted = errors.New("browser not started")

// Artifact is the tagged outcome of one capture: either an in-memory PNG
// (local mode) or the URL of a remotely rendered image. Exactly one field
// is set.
type Artifact struct {
	Image    []byte
	ImageURL string
}

// Capturer turns a story into an Artifact. Implementations are safe for
// concurrent use by multiple story tasks.
type Capturer interface {
	Capture(ctx context.Context, st story.Story) (Artifact, error)
	// Close releases backend resources (browser process, idle
	// connections). Idempotent.
	Close() error
}

// Error is a capture failure isolated to one story: navigation timeout,
// crashed page, unreachable story URL. It never aborts sibling stories.
type Error struct {
	Story string
	Stage string
	Cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("capture: %s: %s: %v", e.Story, e.Stage, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }
