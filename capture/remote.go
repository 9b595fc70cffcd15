package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/storycheck/backend"
	"github.com/hazyhaar/storycheck/config"
	"github.com/hazyhaar/storycheck/render"
	"github.com/hazyhaar/storycheck/story"
)

// maxResourceSize caps one fetched asset to prevent runaway downloads.
const maxResourceSize = 10 << 20

// RemoteOptions configures remote capture.
type RemoteOptions struct {
	// Viewport requested from the render service.
	Viewport config.Viewport
	// SelectorsToHide are blanked before the remote capture.
	SelectorsToHide []string
	// HTTPClient fetches the story page and its assets. Default: 30s
	// timeout client.
	HTTPClient *http.Client
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *RemoteOptions) defaults() {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Remote captures stories through the batch-render service: fetch the
// story's DOM, collect and hash the assets it references, then hand the
// request to the render client and return the resulting image location.
type Remote struct {
	client *render.Client
	opts   RemoteOptions
}

// NewRemote creates the remote-mode Capturer.
func NewRemote(client *render.Client, opts RemoteOptions) *Remote {
	opts.defaults()
	return &Remote{client: client, opts: opts}
}

// Capture implements Capturer.
func (r *Remote) Capture(ctx context.Context, st story.Story) (Artifact, error) {
	name := st.TestName()
	log := r.opts.Logger

	doc, err := r.fetch(ctx, st.SourceURL)
	if err != nil {
		return Artifact{}, &Error{Story: name, Stage: "fetch dom", Cause: err}
	}

	refs, err := render.ExtractResourceRefs(st.SourceURL, doc)
	if err != nil {
		return Artifact{}, &Error{Story: name, Stage: "extract resources", Cause: err}
	}

	// An asset that cannot be fetched degrades that render, it does not
	// fail the story; the service renders without it.
	resources := make(map[string][]byte, len(refs))
	hashes := make([]string, 0, len(refs))
	for _, ref := range refs {
		data, err := r.fetch(ctx, ref)
		if err != nil {
			log.Warn("capture: skipping unfetchable resource", "story", name, "url", ref, "error", err)
			continue
		}
		h := render.HashBytes(data)
		resources[h] = data
		hashes = append(hashes, h)
	}

	req := backend.RenderRequest{
		URL:             st.SourceURL,
		ResourceHashes:  hashes,
		Viewport:        r.opts.Viewport,
		SelectorsToHide: r.opts.SelectorsToHide,
	}

	loc, err := r.client.RenderStory(ctx, req, resources)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{ImageURL: loc}, nil
}

// Close implements Capturer.
func (r *Remote) Close() error {
	r.opts.HTTPClient.CloseIdleConnections()
	return nil
}

func (r *Remote) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("capture: new request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; storycheck/1.0)")

	resp, err := r.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("capture: get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("capture: get %s: http %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResourceSize))
	if err != nil {
		return nil, fmt.Errorf("capture: read %s: %w", url, err)
	}
	return body, nil
}
