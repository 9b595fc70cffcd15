package capture

import (
	"context"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/storycheck/config"
	"github.com/hazyhaar/storycheck/story"
)

// LocalOptions configures local capture.
type LocalOptions struct {
	// Viewport applied to every page. Zero = browser default, the
	// effective size is then inferred downstream from the image.
	Viewport config.Viewport
	// NavigationTimeout caps navigate + load wait per story. Default: 30s.
	NavigationTimeout time.Duration
	// StabilizeWait is how long the DOM must stay unchanged before the
	// screenshot is taken. Default: 300ms.
	StabilizeWait time.Duration
}

func (o *LocalOptions) defaults() {
	if o.NavigationTimeout <= 0 {
		o.NavigationTimeout = 30 * time.Second
	}
	if o.StabilizeWait <= 0 {
		o.StabilizeWait = 300 * time.Millisecond
	}
}

// Local captures stories by driving a page in the managed browser: open a
// tab, navigate, wait for stability, screenshot. The tab is closed on every
// exit path.
type Local struct {
	browser *Browser
	opts    LocalOptions
}

// NewLocal creates the local-mode Capturer. The Browser must be started.
func NewLocal(browser *Browser, opts LocalOptions) *Local {
	opts.defaults()
	return &Local{browser: browser, opts: opts}
}

// Capture implements Capturer.
func (l *Local) Capture(ctx context.Context, st story.Story) (Artifact, error) {
	name := st.TestName()

	b := l.browser.Handle()
	if b == nil {
		return Artifact{}, &Error{Story: name, Stage: "open", Cause: errBrowserNotStarted}
	}

	page, err := stealth.Page(b)
	if err != nil {
		return Artifact{}, &Error{Story: name, Stage: "open", Cause: err}
	}
	defer page.Close()

	if !l.opts.Viewport.IsZero() {
		err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             l.opts.Viewport.Width,
			Height:            l.opts.Viewport.Height,
			DeviceScaleFactor: 1,
		})
		if err != nil {
			return Artifact{}, &Error{Story: name, Stage: "viewport", Cause: err}
		}
	}

	navCtx, cancel := context.WithTimeout(ctx, l.opts.NavigationTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(st.SourceURL); err != nil {
		return Artifact{}, &Error{Story: name, Stage: "navigate", Cause: err}
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		return Artifact{}, &Error{Story: name, Stage: "load", Cause: err}
	}
	// Animations and async renders settle here; a stability timeout is not
	// fatal, the page is captured as-is.
	_ = page.Context(navCtx).WaitStable(l.opts.StabilizeWait)

	img, err := page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return Artifact{}, &Error{Story: name, Stage: "screenshot", Cause: err}
	}

	return Artifact{Image: img}, nil
}

// Close implements Capturer by shutting down the managed browser.
func (l *Local) Close() error { return l.browser.Close() }
