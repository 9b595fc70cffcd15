package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Client talks HTTP to the comparison service and, after the handshake, to
// the render service. It implements both Renderer and Comparer.
type Client struct {
	hc        *http.Client
	serverURL string
	apiKey    string
	logger    *slog.Logger

	// Set by the rendering-info handshake.
	renderURL   string
	accessToken string
	resultsURL  string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a Client for the given comparison-service endpoint.
// Call Handshake before using the Renderer side.
func NewClient(serverURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		hc:        &http.Client{Timeout: 60 * time.Second},
		serverURL: serverURL,
		apiKey:    apiKey,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Handshake performs the one-time rendering-info exchange: it trades the
// API key for the render-service URL, an access token, and the dashboard
// URL. Any failure here is fatal for the run.
func (c *Client) Handshake(ctx context.Context) (*RenderingInfo, error) {
	var info RenderingInfo
	err := c.doJSON(ctx, http.MethodGet, c.serverURL+"/api/renderinfo", nil, &info)
	if err != nil {
		if te, ok := err.(*TransportError); ok {
			te.Fatal = true
			return nil, te
		}
		return nil, &TransportError{Op: "handshake", Fatal: true, Cause: err}
	}
	c.renderURL = info.ServiceURL
	c.accessToken = info.AccessToken
	c.resultsURL = info.ResultsURL
	c.logger.Debug("backend: handshake complete", "render_url", info.ServiceURL)
	return &info, nil
}

// ResultsURL returns the dashboard URL obtained by the handshake, or "".
func (c *Client) ResultsURL() string { return c.resultsURL }

// UploadResource implements Renderer.
func (c *Client) UploadResource(ctx context.Context, hash string, data []byte) error {
	url := fmt.Sprintf("%s/resources/sha256/%s", c.renderURL, hash)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("backend: upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Access-Token", c.accessToken)

	resp, err := c.hc.Do(req)
	if err != nil {
		return &TransportError{Op: "uploadResource", Cause: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return c.statusError("uploadResource", resp.StatusCode)
	}
	return nil
}

// SubmitRenderBatch implements Renderer.
func (c *Client) SubmitRenderBatch(ctx context.Context, reqs []RenderRequest) ([]RunningRender, error) {
	var running []RunningRender
	if err := c.doJSON(ctx, http.MethodPost, c.renderURL+"/render", reqs, &running); err != nil {
		return nil, err
	}
	if len(running) != len(reqs) {
		return nil, fmt.Errorf("backend: submit returned %d handles for %d requests", len(running), len(reqs))
	}
	return running, nil
}

// PollRenderStatus implements Renderer.
func (c *Client) PollRenderStatus(ctx context.Context, renderIDs []string) ([]RenderStatusResult, error) {
	var statuses []RenderStatusResult
	if err := c.doJSON(ctx, http.MethodPost, c.renderURL+"/render-status", renderIDs, &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

// ReportCheckpoint implements Comparer.
func (c *Client) ReportCheckpoint(ctx context.Context, rep CheckpointReport) (*CheckpointResult, error) {
	var res CheckpointResult
	url := fmt.Sprintf("%s/api/sessions/%s/checkpoint", c.serverURL, rep.SessionID)
	if err := c.doJSON(ctx, http.MethodPost, url, rep, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// doJSON performs one JSON round trip. in may be nil; out must be a pointer.
func (c *Client) doJSON(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("backend: marshal: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("backend: new request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-API-Key", c.apiKey)
	if c.accessToken != "" {
		req.Header.Set("X-Access-Token", c.accessToken)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return &TransportError{Op: method + " " + url, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		io.Copy(io.Discard, resp.Body)
		return c.statusError(method+" "+url, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: decode response: %w", err)
	}
	return nil
}

// statusError maps an HTTP status to a TransportError. Credential
// rejections are fatal: they will fail for every story alike.
func (c *Client) statusError(op string, status int) *TransportError {
	return &TransportError{
		Op:     op,
		Status: status,
		Fatal:  status == http.StatusUnauthorized || status == http.StatusForbidden,
	}
}
