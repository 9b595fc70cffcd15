// Package backend defines the two capability interfaces the runner consumes,
// the remote render service and the checkpoint comparison service, along
// with their wire types and the error taxonomy for calls that cross the
// network. HTTP implementations live in http.go; an in-process fake for
// tests lives in backendtest.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/hazyhaar/storycheck/config"
)

// RenderState is the lifecycle state of a submitted render.
type RenderState string

const (
	// StateNeedMoreResources means the service is missing referenced
	// assets; upload them and resubmit.
	StateNeedMoreResources RenderState = "needMoreResources"
	StateRendering         RenderState = "rendering"
	StateRendered          RenderState = "rendered"
	StateError             RenderState = "error"
)

// Terminal reports whether the state will not change on further polling.
func (s RenderState) Terminal() bool {
	return s == StateRendered || s == StateError
}

// RenderRequest is one unit of remote render work.
type RenderRequest struct {
	// URL is the page to rasterize.
	URL string `json:"url"`
	// ResourceHashes content-addresses every asset the page references.
	ResourceHashes []string `json:"resourceHashes"`
	// Viewport is the requested render size.
	Viewport config.Viewport `json:"viewport"`
	// SelectorsToHide are blanked before capture.
	SelectorsToHide []string `json:"selectorsToHide,omitempty"`
}

// RunningRender is the server-side handle returned on submission.
type RunningRender struct {
	RenderID string      `json:"renderId"`
	State    RenderState `json:"state"`
	// MissingHashes is populated when State is needMoreResources.
	MissingHashes []string `json:"missingHashes,omitempty"`
}

// RenderStatusResult is one polling snapshot.
type RenderStatusResult struct {
	RenderID      string      `json:"renderId"`
	Status        RenderState `json:"status"`
	ImageLocation string      `json:"imageLocation,omitempty"`
	Error         string      `json:"error,omitempty"`
}

// Renderer is the remote render service consumed in remote mode.
type Renderer interface {
	// UploadResource stores one content-addressed asset.
	UploadResource(ctx context.Context, hash string, data []byte) error
	// SubmitRenderBatch submits requests and returns one handle per
	// request, in order.
	SubmitRenderBatch(ctx context.Context, reqs []RenderRequest) ([]RunningRender, error)
	// PollRenderStatus returns one status per render ID, in order.
	PollRenderStatus(ctx context.Context, renderIDs []string) ([]RenderStatusResult, error)
}

// CheckpointReport is one visual comparison submitted for a session.
// Exactly one of Image and ImageURL is set.
type CheckpointReport struct {
	SessionID string          `json:"sessionId"`
	AppName   string          `json:"appName"`
	TestName  string          `json:"testName"`
	Title     string          `json:"title"`
	Viewport  config.Viewport `json:"viewport"`
	Image     []byte          `json:"image,omitempty"`
	ImageURL  string          `json:"imageUrl,omitempty"`
}

// CheckpointResult is the comparison outcome for one checkpoint.
type CheckpointResult struct {
	// IsNew means no prior baseline existed; a baseline was created.
	IsNew bool `json:"isNew"`
	// Mismatches counts regions differing from the baseline.
	Mismatches int `json:"mismatches"`
	// Missing counts baseline regions absent from the capture.
	Missing int `json:"missing"`
	// Steps is the number of comparison steps performed (always 1 here).
	Steps int `json:"steps"`
	// HostDisplaySize is the size the backend compared at.
	HostDisplaySize config.Viewport `json:"hostDisplaySize"`
	// AppURL points at this result in the dashboard.
	AppURL string `json:"appUrl,omitempty"`
}

// Passed reports whether the checkpoint matched its baseline. A new
// baseline counts as passed.
func (r CheckpointResult) Passed() bool {
	return r.Mismatches+r.Missing == 0
}

// Comparer is the checkpoint comparison service. The diff algorithm and
// baseline storage are entirely server-side.
type Comparer interface {
	ReportCheckpoint(ctx context.Context, rep CheckpointReport) (*CheckpointResult, error)
}

// RenderingInfo is the startup handshake payload: where the render service
// lives and the token to talk to it.
type RenderingInfo struct {
	ServiceURL  string `json:"serviceUrl"`
	AccessToken string `json:"accessToken"`
	// ResultsURL is the dashboard address for this run, shown in the
	// final summary.
	ResultsURL string `json:"resultsUrl,omitempty"`
}

// TransportError is a network or authentication failure talking to a
// service. Fatal marks failures in setup common to every story (handshake,
// rejected credentials); those abort the whole run. Non-fatal transport
// errors are isolated to the story whose call failed.
type TransportError struct {
	Op     string
	Status int
	Fatal  bool
	Cause  error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("backend: %s: http %d", e.Op, e.Status)
	}
	return fmt.Sprintf("backend: %s: %v", e.Op, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// IsFatal reports whether err (anywhere in its chain) is a transport error
// that must abort the run.
func IsFatal(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Fatal
}
