// Package runner dispatches stories over a bounded worker pool and folds
// their outcomes into the run verdict. Failures inside one story's task are
// caught at the task boundary and become that story's failed result;
// failures in setup common to all tasks (bad credentials, unreachable
// backend) are fatal, cancel every not-yet-started story, and drain the
// in-flight ones, discarding their results.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hazyhaar/storycheck/backend"
	"github.com/hazyhaar/storycheck/capture"
	"github.com/hazyhaar/storycheck/config"
	"github.com/hazyhaar/storycheck/idgen"
	"github.com/hazyhaar/storycheck/session"
	"github.com/hazyhaar/storycheck/story"
)

// Options configures a Runner beyond the run Config.
type Options struct {
	// DashboardURL is shown in the final summary, when known.
	DashboardURL string
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

// Runner executes one test run.
type Runner struct {
	cfg  *config.Config
	capt capture.Capturer
	comp backend.Comparer
	opts Options
}

// New creates a Runner. The Capturer variant (local or remote) is chosen by
// the caller once, at configuration time.
func New(cfg *config.Config, capt capture.Capturer, comp backend.Comparer, opts Options) *Runner {
	opts.defaults()
	return &Runner{cfg: cfg, capt: capt, comp: comp, opts: opts}
}

// Run captures and checks every story with bounded concurrency and returns
// the verdict. Every input story yields exactly one result unless a fatal
// setup error aborts the run, in which case Run returns that error and no
// verdict. Result order is unspecified.
func (r *Runner) Run(ctx context.Context, stories []story.Story) (*Verdict, error) {
	if r.cfg.Concurrency < 1 {
		return nil, &config.Error{Field: "concurrency", Reason: fmt.Sprintf("must be at least 1, got %d", r.cfg.Concurrency)}
	}

	log := r.opts.Logger
	log.Info("runner: starting", "stories", len(stories), "concurrency", r.cfg.Concurrency,
		"remote", r.cfg.RemoteRendering)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, r.cfg.Concurrency)
	var wg sync.WaitGroup

	var mu sync.Mutex
	agg := NewAggregator()
	var fatalErr error

	abort := func(err error) {
		mu.Lock()
		if fatalErr == nil {
			fatalErr = err
		}
		mu.Unlock()
		cancel()
	}

	for _, st := range stories {
		// Acquire a pool slot; a fatal abort stops dequeuing here so
		// not-yet-started stories never run.
		select {
		case sem <- struct{}{}:
		case <-runCtx.Done():
		}
		if runCtx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(st story.Story) {
			defer wg.Done()
			defer func() { <-sem }()

			res, err := r.runStory(runCtx, st)
			if err != nil {
				if backend.IsFatal(err) {
					log.Error("runner: fatal backend error", "story", st.TestName(), "error", err)
					abort(err)
					return
				}
				// Isolated: this story fails, siblings continue.
				log.Warn("runner: story failed", "story", st.TestName(), "error", err)
				res = failedResult(st, err)
			}

			mu.Lock()
			if fatalErr == nil {
				agg.Add(res)
			}
			mu.Unlock()
		}(st)
	}

	// Graceful drain: in-flight tasks finish, their results are discarded
	// on the fatal path.
	wg.Wait()

	if fatalErr != nil {
		return nil, fatalErr
	}

	v := agg.Verdict(r.opts.DashboardURL)
	passed, failed, isNew := v.Counts()
	log.Info("runner: finished", "passed", passed, "failed", failed, "new", isNew)
	return v, nil
}

// runStory executes one story: open session, capture, single check, close.
// A panic in the capture or check path is contained here and surfaces as
// the story's error.
func (r *Runner) runStory(ctx context.Context, st story.Story) (res TestResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("runner: story %s panicked: %v", st.TestName(), p)
		}
	}()

	if err := st.Validate(); err != nil {
		return TestResult{}, err
	}

	sess := session.Open(r.comp, r.cfg.AppName, st.TestName(), r.cfg.Viewport,
		session.Options{IDs: r.opts.IDs, Logger: r.opts.Logger})
	defer sess.Close()

	art, err := r.capt.Capture(ctx, st)
	if err != nil {
		return TestResult{}, err
	}
	if art.ImageURL != "" {
		sess.SetCapturedImageURL(art.ImageURL)
	} else {
		sess.SetCapturedImage(art.Image)
	}

	cp, err := sess.Check(ctx, st.Name)
	if err != nil {
		return TestResult{}, err
	}

	steps := cp.Steps
	if steps < 1 {
		steps = 1
	}
	var urls []string
	if cp.AppURL != "" {
		urls = []string{cp.AppURL}
	}
	return TestResult{
		Name:            st.TestName(),
		IsNew:           cp.IsNew,
		IsPassed:        cp.Passed(),
		Mismatches:      cp.Mismatches,
		Missing:         cp.Missing,
		Steps:           steps,
		HostDisplaySize: cp.HostDisplaySize,
		AppURLs:         urls,
	}, nil
}

// failedResult converts an isolated story error into a failed TestResult,
// counted as one mismatch so the exit-code law sees it.
func failedResult(st story.Story, err error) TestResult {
	return TestResult{
		Name:       st.TestName(),
		Mismatches: 1,
		Steps:      1,
		Error:      err.Error(),
	}
}
