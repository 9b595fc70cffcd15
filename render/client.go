// Package render implements the client side of the remote batch-render
// protocol: content-addressed resource upload with process-wide dedup,
// batched submission with bounded needMoreResources resubmission, and a
// shared polling scheduler that drives every outstanding render to a
// terminal state under a wall-clock budget.
//
// One render moves through an explicit state machine:
//
//	submitted → awaitingResources → rendering → rendered | error
//
// RenderStory drives the submit side synchronously; the rendering→terminal
// transition is observed by a single poller goroutine shared by all
// concurrent stories, so status checks go out as one batched call no
// matter how many renders are in flight.
package render

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/hazyhaar/storycheck/backend"
)

// Options configures a Client.
type Options struct {
	// PollInitial is the first poll delay. Default: 500ms.
	PollInitial time.Duration
	// PollMax caps the poll backoff. Default: 5s.
	PollMax time.Duration
	// RenderTimeout is the wall-clock budget for one render, submission
	// to terminal state. Default: 5m.
	RenderTimeout time.Duration
	// ResubmitAttempts bounds needMoreResources resubmissions. Default: 2.
	ResubmitAttempts int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.PollInitial <= 0 {
		o.PollInitial = 500 * time.Millisecond
	}
	if o.PollMax <= 0 {
		o.PollMax = 5 * time.Second
	}
	if o.RenderTimeout <= 0 {
		o.RenderTimeout = 5 * time.Minute
	}
	if o.ResubmitAttempts <= 0 {
		o.ResubmitAttempts = 2
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Client submits render requests and waits for their results.
type Client struct {
	svc   backend.Renderer
	cache *Cache
	opts  Options

	mu      sync.Mutex
	waiters map[string]chan pollOutcome
	polling bool
	fresh   bool // a waiter registered since the last poll; reset backoff
}

type pollOutcome struct {
	status backend.RenderStatusResult
	err    error
}

// NewClient creates a Client on top of a Renderer. The cache must be the
// single process-wide instance so dedup spans every concurrent story.
func NewClient(svc backend.Renderer, cache *Cache, opts Options) *Client {
	opts.defaults()
	return &Client{
		svc:     svc,
		cache:   cache,
		opts:    opts,
		waiters: make(map[string]chan pollOutcome),
	}
}

// RenderStory runs the full protocol for one request: ensure resources are
// uploaded, submit (resubmitting a bounded number of times when the service
// reports missing resources), then wait for the shared poller to observe a
// terminal state. It returns the rendered image location.
func (c *Client) RenderStory(ctx context.Context, req backend.RenderRequest, resources map[string][]byte) (string, error) {
	log := c.opts.Logger

	// Resource phase: each distinct hash is transmitted at most once per
	// run, regardless of how many stories reference it.
	for hash, data := range resources {
		data := data
		err := c.cache.Ensure(ctx, hash, func(ctx context.Context) error {
			return c.svc.UploadResource(ctx, hash, data)
		})
		if err != nil {
			return "", fmt.Errorf("render: upload %.12s: %w", hash, err)
		}
	}

	// Submission phase.
	rr, err := c.submit(ctx, req, resources)
	if err != nil {
		return "", err
	}
	if rr.State == backend.StateError {
		return "", &RenderError{RenderID: rr.RenderID, Reason: "rejected at submission"}
	}
	log.Debug("render: submitted", "render_id", rr.RenderID, "url", req.URL)

	// Polling phase.
	return c.await(ctx, rr.RenderID)
}

// submit sends the request, uploading whatever the service reports missing
// and resubmitting, up to the configured attempt budget.
func (c *Client) submit(ctx context.Context, req backend.RenderRequest, resources map[string][]byte) (backend.RunningRender, error) {
	var rr backend.RunningRender
	for attempt := 0; ; attempt++ {
		handles, err := c.svc.SubmitRenderBatch(ctx, []backend.RenderRequest{req})
		if err != nil {
			return rr, fmt.Errorf("render: submit: %w", err)
		}
		rr = handles[0]
		if rr.State != backend.StateNeedMoreResources {
			return rr, nil
		}
		if attempt >= c.opts.ResubmitAttempts {
			return rr, &RenderError{RenderID: rr.RenderID, Reason: fmt.Sprintf("resources still missing after %d resubmissions", attempt)}
		}

		c.opts.Logger.Debug("render: service missing resources",
			"render_id", rr.RenderID, "count", len(rr.MissingHashes), "attempt", attempt+1)

		// The service lost or never saw these; upload directly, past the
		// cache, since "present" is what the server just contradicted.
		for _, h := range rr.MissingHashes {
			data, ok := resources[h]
			if !ok {
				return rr, &RenderError{RenderID: rr.RenderID, Reason: fmt.Sprintf("service wants unknown resource %.12s", h)}
			}
			if err := c.svc.UploadResource(ctx, h, data); err != nil {
				return rr, fmt.Errorf("render: reupload %.12s: %w", h, err)
			}
		}
	}
}

// await blocks until the poller delivers a terminal status for renderID,
// the context is cancelled, or the render budget elapses.
func (c *Client) await(ctx context.Context, renderID string) (string, error) {
	ch := make(chan pollOutcome, 1)

	c.mu.Lock()
	c.waiters[renderID] = ch
	c.fresh = true
	if !c.polling {
		c.polling = true
		go c.pollLoop()
	}
	c.mu.Unlock()

	timer := time.NewTimer(c.opts.RenderTimeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		if out.err != nil {
			return "", out.err
		}
		if out.status.Status == backend.StateError {
			reason := out.status.Error
			if reason == "" {
				reason = "render failed"
			}
			return "", &RenderError{RenderID: renderID, Reason: reason}
		}
		return out.status.ImageLocation, nil
	case <-ctx.Done():
		c.unregister(renderID)
		return "", ctx.Err()
	case <-timer.C:
		c.unregister(renderID)
		return "", &TimeoutError{RenderID: renderID, Elapsed: c.opts.RenderTimeout}
	}
}

func (c *Client) unregister(renderID string) {
	c.mu.Lock()
	delete(c.waiters, renderID)
	c.mu.Unlock()
}

// pollLoop is the shared scheduler: one batched status call per tick for
// every outstanding render, backoff doubling from PollInitial to PollMax
// with jitter, reset whenever a new render registers. It exits when no
// waiters remain.
func (c *Client) pollLoop() {
	log := c.opts.Logger
	interval := c.opts.PollInitial

	for {
		sleepJitter(interval)

		c.mu.Lock()
		if c.fresh {
			c.fresh = false
			interval = c.opts.PollInitial
		}
		if len(c.waiters) == 0 {
			c.polling = false
			c.mu.Unlock()
			return
		}
		ids := make([]string, 0, len(c.waiters))
		for id := range c.waiters {
			ids = append(ids, id)
		}
		c.mu.Unlock()

		statuses, err := c.svc.PollRenderStatus(context.Background(), ids)
		if err != nil {
			if backend.IsFatal(err) {
				// Credentials went bad mid-run: every waiter fails now
				// rather than at its timeout.
				c.deliverError(ids, err)
				continue
			}
			log.Warn("render: poll failed", "error", err, "outstanding", len(ids))
		} else {
			for _, st := range statuses {
				if !st.Status.Terminal() {
					continue
				}
				c.deliver(st.RenderID, pollOutcome{status: st})
			}
		}

		interval = min(interval*2, c.opts.PollMax)
	}
}

func (c *Client) deliver(renderID string, out pollOutcome) {
	c.mu.Lock()
	ch, ok := c.waiters[renderID]
	if ok {
		delete(c.waiters, renderID)
	}
	c.mu.Unlock()
	if ok {
		ch <- out
	}
}

func (c *Client) deliverError(ids []string, err error) {
	for _, id := range ids {
		c.deliver(id, pollOutcome{err: err})
	}
}

// sleepJitter sleeps d plus up to 20% random jitter so concurrent runs do
// not synchronize their polling against the service.
func sleepJitter(d time.Duration) {
	j := time.Duration(rand.Int63n(int64(d)/5 + 1))
	time.Sleep(d + j)
}
