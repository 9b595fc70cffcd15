package render_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/storycheck/backend"
	"github.com/hazyhaar/storycheck/render"
)

// fakeRenderer scripts the remote service: uploads are counted, the first
// submission can demand resources, and renders turn terminal after a fixed
// number of polls.
type fakeRenderer struct {
	mu                 sync.Mutex
	nextID             int
	uploads            map[string]int
	submissions        int
	missingOnFirst     []string // hashes reported missing on the first submission
	alwaysMissing      bool     // every submission reports needMoreResources
	pollsUntilRendered int
	failRender         bool
	holdForever        bool
	polls              map[string]int
	pollErr            error
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{
		uploads:            make(map[string]int),
		polls:              make(map[string]int),
		pollsUntilRendered: 1,
	}
}

func (f *fakeRenderer) UploadResource(ctx context.Context, hash string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[hash]++
	return nil
}

func (f *fakeRenderer) SubmitRenderBatch(ctx context.Context, reqs []backend.RenderRequest) ([]backend.RunningRender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions++

	out := make([]backend.RunningRender, 0, len(reqs))
	for range reqs {
		f.nextID++
		id := fmt.Sprintf("r-%d", f.nextID)
		switch {
		case f.alwaysMissing:
			out = append(out, backend.RunningRender{
				RenderID:      id,
				State:         backend.StateNeedMoreResources,
				MissingHashes: []string{"h1"},
			})
		case f.submissions == 1 && len(f.missingOnFirst) > 0:
			out = append(out, backend.RunningRender{
				RenderID:      id,
				State:         backend.StateNeedMoreResources,
				MissingHashes: f.missingOnFirst,
			})
		default:
			out = append(out, backend.RunningRender{RenderID: id, State: backend.StateRendering})
		}
	}
	return out, nil
}

func (f *fakeRenderer) PollRenderStatus(ctx context.Context, ids []string) ([]backend.RenderStatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return nil, f.pollErr
	}

	out := make([]backend.RenderStatusResult, 0, len(ids))
	for _, id := range ids {
		f.polls[id]++
		switch {
		case f.holdForever || f.polls[id] < f.pollsUntilRendered:
			out = append(out, backend.RenderStatusResult{RenderID: id, Status: backend.StateRendering})
		case f.failRender:
			out = append(out, backend.RenderStatusResult{RenderID: id, Status: backend.StateError, Error: "gpu on fire"})
		default:
			out = append(out, backend.RenderStatusResult{RenderID: id, Status: backend.StateRendered, ImageLocation: "https://img/" + id + ".png"})
		}
	}
	return out, nil
}

func fastOptions() render.Options {
	return render.Options{
		PollInitial:   5 * time.Millisecond,
		PollMax:       20 * time.Millisecond,
		RenderTimeout: 2 * time.Second,
	}
}

func TestRenderStorySuccess(t *testing.T) {
	f := newFakeRenderer()
	c := render.NewClient(f, render.NewCache(), fastOptions())

	resources := map[string][]byte{"h1": []byte("css"), "h2": []byte("js")}
	loc, err := c.RenderStory(context.Background(), backend.RenderRequest{
		URL:            "http://app/story",
		ResourceHashes: []string{"h1", "h2"},
	}, resources)
	if err != nil {
		t.Fatal(err)
	}
	if loc == "" {
		t.Fatal("empty image location")
	}
	if f.uploads["h1"] != 1 || f.uploads["h2"] != 1 {
		t.Fatalf("uploads = %v, want each hash once", f.uploads)
	}
}

func TestRenderStoryResubmitsOnMissingResources(t *testing.T) {
	f := newFakeRenderer()
	f.missingOnFirst = []string{"h1"}
	c := render.NewClient(f, render.NewCache(), fastOptions())

	loc, err := c.RenderStory(context.Background(), backend.RenderRequest{
		URL:            "http://app/story",
		ResourceHashes: []string{"h1"},
	}, map[string][]byte{"h1": []byte("css")})
	if err != nil {
		t.Fatal(err)
	}
	if loc == "" {
		t.Fatal("empty image location")
	}
	// Once via the cache, once directly after needMoreResources.
	if f.uploads["h1"] != 2 {
		t.Fatalf("h1 uploaded %d times, want 2 (initial + resubmission)", f.uploads["h1"])
	}
	if f.submissions != 2 {
		t.Fatalf("submissions = %d, want 2", f.submissions)
	}
}

func TestRenderStoryResubmissionBudgetExhausted(t *testing.T) {
	f := newFakeRenderer()
	f.alwaysMissing = true
	c := render.NewClient(f, render.NewCache(), fastOptions())

	_, err := c.RenderStory(context.Background(), backend.RenderRequest{
		URL:            "http://app/story",
		ResourceHashes: []string{"h1"},
	}, map[string][]byte{"h1": []byte("css")})

	var re *render.RenderError
	if !errors.As(err, &re) {
		t.Fatalf("got %v, want RenderError", err)
	}
	// Initial submission + 2 resubmissions.
	if f.submissions != 3 {
		t.Fatalf("submissions = %d, want 3", f.submissions)
	}
}

func TestRenderStoryErrorState(t *testing.T) {
	f := newFakeRenderer()
	f.failRender = true
	c := render.NewClient(f, render.NewCache(), fastOptions())

	_, err := c.RenderStory(context.Background(), backend.RenderRequest{URL: "http://app/story"}, nil)

	var re *render.RenderError
	if !errors.As(err, &re) {
		t.Fatalf("got %v, want RenderError", err)
	}
	if re.Reason != "gpu on fire" {
		t.Fatalf("reason = %q", re.Reason)
	}
}

func TestRenderStoryTimeout(t *testing.T) {
	f := newFakeRenderer()
	f.holdForever = true
	opts := fastOptions()
	opts.RenderTimeout = 100 * time.Millisecond
	c := render.NewClient(f, render.NewCache(), opts)

	start := time.Now()
	_, err := c.RenderStory(context.Background(), backend.RenderRequest{URL: "http://app/story"}, nil)
	elapsed := time.Since(start)

	var te *render.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("got %v, want TimeoutError", err)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("run hung %s past the configured timeout", elapsed)
	}
}

func TestFatalPollErrorFailsWaiterPromptly(t *testing.T) {
	f := newFakeRenderer()
	f.pollErr = &backend.TransportError{Op: "poll", Status: 401, Fatal: true}
	c := render.NewClient(f, render.NewCache(), fastOptions())

	start := time.Now()
	_, err := c.RenderStory(context.Background(), backend.RenderRequest{URL: "http://app/story"}, nil)
	if !backend.IsFatal(err) {
		t.Fatalf("got %v, want fatal transport error", err)
	}
	// Delivered on the next poll tick, not at the render timeout.
	if time.Since(start) > time.Second {
		t.Fatal("fatal poll error held until the render timeout")
	}
}

func TestConcurrentRendersShareUploads(t *testing.T) {
	f := newFakeRenderer()
	f.pollsUntilRendered = 2
	cache := render.NewCache()
	c := render.NewClient(f, cache, fastOptions())

	shared := map[string][]byte{"shared-hash": []byte("common.css")}

	const stories = 8
	var wg sync.WaitGroup
	var failures int32
	for i := 0; i < stories; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.RenderStory(context.Background(), backend.RenderRequest{
				URL:            fmt.Sprintf("http://app/story/%d", i),
				ResourceHashes: []string{"shared-hash"},
			}, shared)
			if err != nil {
				atomic.AddInt32(&failures, 1)
			}
		}(i)
	}
	wg.Wait()

	if failures != 0 {
		t.Fatalf("%d renders failed", failures)
	}
	f.mu.Lock()
	uploads := f.uploads["shared-hash"]
	f.mu.Unlock()
	if uploads != 1 {
		t.Fatalf("shared resource uploaded %d times across run, want 1", uploads)
	}
}
