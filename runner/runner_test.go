package runner_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/hazyhaar/storycheck/backend"
	"github.com/hazyhaar/storycheck/capture"
	"github.com/hazyhaar/storycheck/config"
	"github.com/hazyhaar/storycheck/runner"
	"github.com/hazyhaar/storycheck/story"
)

type fakeCapturer struct {
	mu       sync.Mutex
	failFor  map[string]error
	panicFor map[string]bool
	captured []string
}

func (f *fakeCapturer) Capture(ctx context.Context, st story.Story) (capture.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return capture.Artifact{}, err
	}
	if f.panicFor[st.Name] {
		panic("capture exploded")
	}
	if err, ok := f.failFor[st.Name]; ok {
		return capture.Artifact{}, err
	}
	f.mu.Lock()
	f.captured = append(f.captured, st.TestName())
	f.mu.Unlock()
	return capture.Artifact{ImageURL: "https://img/" + st.Name + ".png"}, nil
}

func (f *fakeCapturer) Close() error { return nil }

type fakeComparer struct {
	mu         sync.Mutex
	mismatches map[string]int
	newTests   map[string]bool
	fatalAfter int // report fatal auth error on the nth call (1-based); 0 = never
	calls      int
}

func (f *fakeComparer) ReportCheckpoint(ctx context.Context, rep backend.CheckpointReport) (*backend.CheckpointResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fatalAfter > 0 && f.calls >= f.fatalAfter {
		return nil, &backend.TransportError{Op: "reportCheckpoint", Status: 401, Fatal: true}
	}
	return &backend.CheckpointResult{
		IsNew:           f.newTests[rep.TestName],
		Mismatches:      f.mismatches[rep.TestName],
		Steps:           1,
		HostDisplaySize: config.Viewport{Width: 800, Height: 600},
	}, nil
}

func stories(n int) []story.Story {
	out := make([]story.Story, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, story.Story{
			Name:      fmt.Sprintf("variant-%d", i),
			Kind:      "Button",
			SourceURL: fmt.Sprintf("http://host:9001/iframe.html?id=button--variant-%d", i),
		})
	}
	return out
}

func testConfig(concurrency int) *config.Config {
	return &config.Config{AppName: "app", Concurrency: concurrency}
}

func TestEveryStoryYieldsOneResult(t *testing.T) {
	sts := stories(7)
	r := runner.New(testConfig(3), &fakeCapturer{}, &fakeComparer{}, runner.Options{})

	v, err := r.Run(context.Background(), sts)
	if err != nil {
		t.Fatal(err)
	}
	if len(v.Results) != len(sts) {
		t.Fatalf("%d results for %d stories", len(v.Results), len(sts))
	}
	if v.ExitCode() != runner.ExitOK {
		t.Fatalf("exit code = %d, want %d", v.ExitCode(), runner.ExitOK)
	}
}

func TestResultsIndependentOfConcurrency(t *testing.T) {
	sts := stories(9)
	comp := func() *fakeComparer {
		return &fakeComparer{mismatches: map[string]int{"Button: variant-4": 2}}
	}

	outcomes := func(v *runner.Verdict) []string {
		out := make([]string, 0, len(v.Results))
		for _, r := range v.Results {
			out = append(out, fmt.Sprintf("%s|%s", r.Name, r.Label()))
		}
		slices.Sort(out)
		return out
	}

	var want []string
	for _, n := range []int{1, 2, 4, 8} {
		r := runner.New(testConfig(n), &fakeCapturer{}, comp(), runner.Options{})
		v, err := r.Run(context.Background(), sts)
		if err != nil {
			t.Fatalf("n=%d: %v", n, err)
		}
		got := outcomes(v)
		if want == nil {
			want = got
			continue
		}
		if !slices.Equal(got, want) {
			t.Fatalf("n=%d: outcomes differ\ngot  %v\nwant %v", n, got, want)
		}
	}
}

func TestZeroConcurrencyRejectedBeforeAnyStory(t *testing.T) {
	capt := &fakeCapturer{}
	r := runner.New(testConfig(0), capt, &fakeComparer{}, runner.Options{})

	v, err := r.Run(context.Background(), stories(3))
	var ce *config.Error
	if !errors.As(err, &ce) {
		t.Fatalf("got %v, want config.Error", err)
	}
	if v != nil {
		t.Fatal("verdict produced despite configuration error")
	}
	if len(capt.captured) != 0 {
		t.Fatalf("%d stories captured before rejection", len(capt.captured))
	}
}

func TestStoryFailureIsIsolated(t *testing.T) {
	capt := &fakeCapturer{failFor: map[string]error{
		"variant-2": &capture.Error{Story: "Button: variant-2", Stage: "navigate", Cause: errors.New("timeout")},
	}}
	r := runner.New(testConfig(2), capt, &fakeComparer{}, runner.Options{})

	v, err := r.Run(context.Background(), stories(5))
	if err != nil {
		t.Fatal(err)
	}
	if len(v.Results) != 5 {
		t.Fatalf("%d results, want 5", len(v.Results))
	}

	var failed int
	for _, res := range v.Results {
		if res.Failed() {
			failed++
			if res.Name != "Button: variant-2" {
				t.Fatalf("wrong story failed: %s", res.Name)
			}
		}
	}
	if failed != 1 {
		t.Fatalf("%d failures, want 1", failed)
	}
	if v.ExitCode() != runner.ExitDiffsFound {
		t.Fatalf("exit code = %d, want %d", v.ExitCode(), runner.ExitDiffsFound)
	}
}

func TestPanicInStoryTaskIsContained(t *testing.T) {
	capt := &fakeCapturer{panicFor: map[string]bool{"variant-1": true}}
	r := runner.New(testConfig(2), capt, &fakeComparer{}, runner.Options{})

	v, err := r.Run(context.Background(), stories(3))
	if err != nil {
		t.Fatal(err)
	}
	if len(v.Results) != 3 {
		t.Fatalf("%d results, want 3", len(v.Results))
	}
	if v.ExitCode() != runner.ExitDiffsFound {
		t.Fatalf("exit code = %d, want diffs", v.ExitCode())
	}
}

func TestFatalErrorAbortsRun(t *testing.T) {
	comp := &fakeComparer{fatalAfter: 1}
	r := runner.New(testConfig(2), &fakeCapturer{}, comp, runner.Options{})

	v, err := r.Run(context.Background(), stories(6))
	if !backend.IsFatal(err) {
		t.Fatalf("got %v, want fatal transport error", err)
	}
	if v != nil {
		t.Fatal("verdict produced despite fatal error")
	}
}

func TestExitCodeLaw(t *testing.T) {
	tests := []struct {
		name       string
		mismatches map[string]int
		newTests   map[string]bool
		want       int
	}{
		{"all passed", nil, nil, runner.ExitOK},
		{"new baselines pass", nil, map[string]bool{"Button: variant-0": true}, runner.ExitOK},
		{"one mismatch", map[string]int{"Button: variant-1": 3}, nil, runner.ExitDiffsFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			comp := &fakeComparer{mismatches: tt.mismatches, newTests: tt.newTests}
			r := runner.New(testConfig(2), &fakeCapturer{}, comp, runner.Options{})
			v, err := r.Run(context.Background(), stories(3))
			if err != nil {
				t.Fatal(err)
			}
			if v.ExitCode() != tt.want {
				t.Fatalf("exit code = %d, want %d", v.ExitCode(), tt.want)
			}
		})
	}
}

func TestSummaryLabels(t *testing.T) {
	comp := &fakeComparer{
		mismatches: map[string]int{"Button: variant-1": 2},
		newTests:   map[string]bool{"Button: variant-2": true},
	}
	r := runner.New(testConfig(1), &fakeCapturer{}, comp, runner.Options{DashboardURL: "https://dash/batch/1"})

	v, err := r.Run(context.Background(), stories(3))
	if err != nil {
		t.Fatal(err)
	}

	labels := map[string]string{}
	for _, res := range v.Results {
		labels[res.Name] = res.Label()
	}
	if labels["Button: variant-0"] != "Passed" {
		t.Fatalf("variant-0 label = %q", labels["Button: variant-0"])
	}
	if labels["Button: variant-1"] != "Failed 2 of 1" {
		t.Fatalf("variant-1 label = %q", labels["Button: variant-1"])
	}
	if labels["Button: variant-2"] != "New" {
		t.Fatalf("variant-2 label = %q", labels["Button: variant-2"])
	}

	sum := v.Summary()
	if !strings.Contains(sum, "https://dash/batch/1") {
		t.Fatalf("summary missing dashboard url:\n%s", sum)
	}
	if !strings.Contains(sum, "1 passed, 1 failed, 1 new") {
		t.Fatalf("summary missing totals:\n%s", sum)
	}
}
