// Package story defines the component-story descriptors consumed by the
// test runner. Stories are produced by an external discovery step (a
// component-development server or a static build) and are immutable once
// constructed.
package story

import (
	"fmt"
	"net/url"
)

// Story identifies one named variant of a UI component to capture and
// compare. Name and Kind together form the test identity reported to the
// comparison backend.
type Story struct {
	// Name is the variant name, e.g. "with long label".
	Name string
	// Kind is the component group, e.g. "Button" or "forms/Input".
	Kind string
	// SourceURL is the address where the story renders in isolation.
	SourceURL string
	// Params carries discovery-provided rendering parameters, opaque to
	// the runner.
	Params map[string]string
}

// TestName returns the identity used for checkpoint reporting,
// "<kind>: <name>".
func (s Story) TestName() string {
	return fmt.Sprintf("%s: %s", s.Kind, s.Name)
}

// Validate checks that the story carries enough information to be captured.
func (s Story) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("story: missing name (kind %q)", s.Kind)
	}
	if s.Kind == "" {
		return fmt.Errorf("story: missing kind (name %q)", s.Name)
	}
	if _, err := url.ParseRequestURI(s.SourceURL); err != nil {
		return fmt.Errorf("story: bad source url for %q: %w", s.TestName(), err)
	}
	return nil
}
