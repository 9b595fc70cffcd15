// Package session implements the per-story visual-check context. A Session
// is created when a story is dequeued, owned exclusively by the task
// running that story, performs exactly one checkpoint, and is closed. It is
// never shared between concurrent tasks and never reused.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"

	_ "image/png"

	"github.com/hazyhaar/storycheck/backend"
	"github.com/hazyhaar/storycheck/config"
	"github.com/hazyhaar/storycheck/idgen"
)

var (
	// ErrAlreadyChecked is returned by Check after the session's single
	// checkpoint has been reported.
	ErrAlreadyChecked = errors.New("session: checkpoint already reported")
	// ErrNothingCaptured is returned by Check when neither an image nor
	// an image URL was set.
	ErrNothingCaptured = errors.New("session: nothing captured")
	// ErrClosed is returned by Check on a closed session.
	ErrClosed = errors.New("session: closed")
)

// Options configures Open.
type Options struct {
	// IDs generates session identifiers. Default: "sess_"-prefixed UUIDv7.
	IDs idgen.Generator
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.IDs == nil {
		o.IDs = idgen.Prefixed("sess_", idgen.UUIDv7())
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Session is one isolated visual-check context.
type Session struct {
	id       string
	appName  string
	testName string
	viewport config.Viewport
	svc      backend.Comparer
	log      *slog.Logger

	// Task-owned mutable state, no locking: a session never crosses a
	// task boundary.
	title    string
	image    []byte
	imageURL string
	checked  bool
	closed   bool
}

// Open creates a session for one story execution. viewport may be zero, in
// which case the effective size is inferred from the captured image.
func Open(svc backend.Comparer, appName, testName string, viewport config.Viewport, opts Options) *Session {
	opts.defaults()
	return &Session{
		id:       opts.IDs(),
		appName:  appName,
		testName: testName,
		viewport: viewport,
		svc:      svc,
		log:      opts.Logger,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// TestName returns the story identity the session was opened for.
func (s *Session) TestName() string { return s.testName }

// SetCapturedImage records an in-memory capture. Mutually exclusive with
// the image URL: whichever was set last wins and clears the other.
func (s *Session) SetCapturedImage(img []byte) {
	s.image = img
	s.imageURL = ""
}

// SetCapturedImageURL records a remotely hosted capture. Mutually exclusive
// with the in-memory image: whichever was set last wins and clears the other.
func (s *Session) SetCapturedImageURL(url string) {
	s.imageURL = url
	s.image = nil
}

// Check reports the session's single checkpoint to the comparison backend
// and returns its result. A second call fails with ErrAlreadyChecked; no
// retries happen at this layer.
func (s *Session) Check(ctx context.Context, title string) (*backend.CheckpointResult, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if s.checked {
		return nil, ErrAlreadyChecked
	}
	if s.image == nil && s.imageURL == "" {
		return nil, ErrNothingCaptured
	}
	s.checked = true
	s.title = title

	viewport := s.viewport
	if viewport.IsZero() && s.image != nil {
		if inferred, err := imageSize(s.image); err == nil {
			viewport = inferred
		} else {
			s.log.Warn("session: viewport inference failed", "test", s.testName, "error", err)
		}
	}

	res, err := s.svc.ReportCheckpoint(ctx, backend.CheckpointReport{
		SessionID: s.id,
		AppName:   s.appName,
		TestName:  s.testName,
		Title:     title,
		Viewport:  viewport,
		Image:     s.image,
		ImageURL:  s.imageURL,
	})
	if err != nil {
		return nil, fmt.Errorf("session: checkpoint %s: %w", s.testName, err)
	}
	return res, nil
}

// Close ends the session. There is no multi-checkpoint batch to finalize,
// so closing is bookkeeping only. Idempotent, never reports a checkpoint.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.checked {
		s.log.Debug("session: closed without checkpoint", "test", s.testName, "id", s.id)
	}
	return nil
}

// imageSize decodes just the header of a captured PNG to recover its
// dimensions.
func imageSize(img []byte) (config.Viewport, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return config.Viewport{}, fmt.Errorf("session: decode image: %w", err)
	}
	return config.Viewport{Width: cfg.Width, Height: cfg.Height}, nil
}
