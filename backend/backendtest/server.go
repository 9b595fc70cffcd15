// Package backendtest provides an in-process fake of the render and
// comparison services for tests: the full handshake / upload / submit /
// poll / checkpoint surface with configurable outcomes, plus counters for
// asserting protocol properties such as upload dedup.
package backendtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/storycheck/backend"
	"github.com/hazyhaar/storycheck/config"
)

const accessToken = "test-access-token"

// Options shapes the fake's behaviour.
type Options struct {
	// APIKey is the key the fake accepts. Default: "test-key".
	APIKey string
	// PollsUntilRendered is how many status polls a render stays
	// "rendering" before turning "rendered". Default: 1.
	PollsUntilRendered int
	// HoldRenders keeps every render in "rendering" forever, for timeout
	// tests.
	HoldRenders bool
	// FailURLs maps submitted page URLs to a terminal render error.
	FailURLs map[string]bool
	// RequireResubmission makes the first submission of each URL report
	// needMoreResources for its first referenced hash.
	RequireResubmission bool
	// NewTests marks test names that have no baseline yet.
	NewTests map[string]bool
	// MismatchTests maps test names to a mismatch count.
	MismatchTests map[string]int
}

func (o *Options) defaults() {
	if o.APIKey == "" {
		o.APIKey = "test-key"
	}
	if o.PollsUntilRendered <= 0 {
		o.PollsUntilRendered = 1
	}
}

type renderState struct {
	id    string
	url   string
	polls int
	fail  bool
}

// Server is the running fake.
type Server struct {
	opts Options
	srv  *httptest.Server

	mu          sync.Mutex
	nextID      int
	uploads     map[string]int
	renders     map[string]*renderState
	submitted   map[string]bool // URLs seen at least once
	checkpoints []backend.CheckpointReport
}

// New starts the fake. Callers must Close it.
func New(opts Options) *Server {
	opts.defaults()
	s := &Server{
		opts:      opts,
		uploads:   make(map[string]int),
		renders:   make(map[string]*renderState),
		submitted: make(map[string]bool),
	}

	r := chi.NewRouter()
	r.Get("/api/renderinfo", s.handleRenderInfo)
	r.Post("/api/sessions/{sessionID}/checkpoint", s.handleCheckpoint)
	r.Put("/resources/sha256/{hash}", s.handleUpload)
	r.Post("/render", s.handleSubmit)
	r.Post("/render-status", s.handleStatus)

	s.srv = httptest.NewServer(r)
	return s
}

// URL returns the fake's base address, used as both comparison-server and
// render-service endpoint.
func (s *Server) URL() string { return s.srv.URL }

// Close shuts the fake down.
func (s *Server) Close() { s.srv.Close() }

// UploadCount reports how many times a hash was uploaded.
func (s *Server) UploadCount(hash string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads[hash]
}

// Checkpoints returns every checkpoint report received, in arrival order.
func (s *Server) Checkpoints() []backend.CheckpointReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]backend.CheckpointReport(nil), s.checkpoints...)
}

func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("X-API-Key") == s.opts.APIKey || r.Header.Get("X-Access-Token") == accessToken {
		return true
	}
	w.WriteHeader(http.StatusUnauthorized)
	return false
}

func (s *Server) handleRenderInfo(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	writeJSON(w, backend.RenderingInfo{
		ServiceURL:  s.srv.URL,
		AccessToken: accessToken,
		ResultsURL:  s.srv.URL + "/app/batches/1",
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	hash := chi.URLParam(r, "hash")
	io.Copy(io.Discard, r.Body)

	s.mu.Lock()
	s.uploads[hash]++
	s.mu.Unlock()

	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	var reqs []backend.RenderRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]backend.RunningRender, 0, len(reqs))
	for _, req := range reqs {
		if s.opts.RequireResubmission && !s.submitted[req.URL] && len(req.ResourceHashes) > 0 {
			s.submitted[req.URL] = true
			out = append(out, backend.RunningRender{
				RenderID:      s.newIDLocked(),
				State:         backend.StateNeedMoreResources,
				MissingHashes: req.ResourceHashes[:1],
			})
			continue
		}
		s.submitted[req.URL] = true

		rs := &renderState{
			id:   s.newIDLocked(),
			url:  req.URL,
			fail: s.opts.FailURLs[req.URL],
		}
		s.renders[rs.id] = rs
		out = append(out, backend.RunningRender{RenderID: rs.id, State: backend.StateRendering})
	}
	writeJSON(w, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	var ids []string
	if err := json.NewDecoder(r.Body).Decode(&ids); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]backend.RenderStatusResult, 0, len(ids))
	for _, id := range ids {
		rs, ok := s.renders[id]
		if !ok {
			out = append(out, backend.RenderStatusResult{RenderID: id, Status: backend.StateError, Error: "unknown render"})
			continue
		}
		rs.polls++
		switch {
		case s.opts.HoldRenders || rs.polls < s.opts.PollsUntilRendered:
			out = append(out, backend.RenderStatusResult{RenderID: id, Status: backend.StateRendering})
		case rs.fail:
			out = append(out, backend.RenderStatusResult{RenderID: id, Status: backend.StateError, Error: "render crashed"})
		default:
			out = append(out, backend.RenderStatusResult{
				RenderID:      id,
				Status:        backend.StateRendered,
				ImageLocation: fmt.Sprintf("%s/images/%s.png", s.srv.URL, id),
			})
		}
	}
	writeJSON(w, out)
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	var rep backend.CheckpointReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rep.SessionID = chi.URLParam(r, "sessionID")

	s.mu.Lock()
	s.checkpoints = append(s.checkpoints, rep)
	s.mu.Unlock()

	res := backend.CheckpointResult{
		IsNew:           s.opts.NewTests[rep.TestName],
		Mismatches:      s.opts.MismatchTests[rep.TestName],
		Steps:           1,
		HostDisplaySize: rep.Viewport,
		AppURL:          s.srv.URL + "/app/sessions/" + rep.SessionID,
	}
	if res.HostDisplaySize.IsZero() {
		res.HostDisplaySize = config.Viewport{Width: 800, Height: 600}
	}
	writeJSON(w, res)
}

func (s *Server) newIDLocked() string {
	s.nextID++
	return fmt.Sprintf("r-%04d", s.nextID)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
