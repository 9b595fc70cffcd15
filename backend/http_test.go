package backend_test

import (
	"context"
	"errors"
	"testing"

	"github.com/hazyhaar/storycheck/backend"
	"github.com/hazyhaar/storycheck/backend/backendtest"
	"github.com/hazyhaar/storycheck/config"
)

func newClient(t *testing.T, opts backendtest.Options) (*backend.Client, *backendtest.Server) {
	t.Helper()
	srv := backendtest.New(opts)
	t.Cleanup(srv.Close)
	return backend.NewClient(srv.URL(), "test-key"), srv
}

func TestHandshake(t *testing.T) {
	c, srv := newClient(t, backendtest.Options{})

	info, err := c.Handshake(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if info.ServiceURL != srv.URL() {
		t.Fatalf("service url = %q", info.ServiceURL)
	}
	if info.AccessToken == "" {
		t.Fatal("empty access token")
	}
	if c.ResultsURL() == "" {
		t.Fatal("dashboard url not captured")
	}
}

func TestHandshakeBadCredentials(t *testing.T) {
	srv := backendtest.New(backendtest.Options{APIKey: "right-key"})
	t.Cleanup(srv.Close)
	c := backend.NewClient(srv.URL(), "wrong-key")

	_, err := c.Handshake(context.Background())
	if err == nil {
		t.Fatal("handshake succeeded with wrong key")
	}
	if !backend.IsFatal(err) {
		t.Fatalf("auth failure not fatal: %v", err)
	}
	var te *backend.TransportError
	if !errors.As(err, &te) || te.Status != 401 {
		t.Fatalf("got %v, want 401 transport error", err)
	}
}

func TestHandshakeUnreachable(t *testing.T) {
	c := backend.NewClient("http://127.0.0.1:1", "key")
	_, err := c.Handshake(context.Background())
	if !backend.IsFatal(err) {
		t.Fatalf("unreachable handshake not fatal: %v", err)
	}
}

func TestRenderProtocolRoundTrip(t *testing.T) {
	c, srv := newClient(t, backendtest.Options{})
	ctx := context.Background()

	if _, err := c.Handshake(ctx); err != nil {
		t.Fatal(err)
	}

	if err := c.UploadResource(ctx, "hash-1", []byte("body{}")); err != nil {
		t.Fatal(err)
	}
	if srv.UploadCount("hash-1") != 1 {
		t.Fatalf("upload count = %d", srv.UploadCount("hash-1"))
	}

	running, err := c.SubmitRenderBatch(ctx, []backend.RenderRequest{
		{URL: "http://app/story", ResourceHashes: []string{"hash-1"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(running) != 1 || running[0].RenderID == "" {
		t.Fatalf("running = %+v", running)
	}

	statuses, err := c.PollRenderStatus(ctx, []string{running[0].RenderID})
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 1 {
		t.Fatalf("%d statuses", len(statuses))
	}
	if statuses[0].Status != backend.StateRendered || statuses[0].ImageLocation == "" {
		t.Fatalf("status = %+v", statuses[0])
	}
}

func TestReportCheckpoint(t *testing.T) {
	c, srv := newClient(t, backendtest.Options{
		MismatchTests: map[string]int{"Button: broken": 2},
	})
	ctx := context.Background()
	if _, err := c.Handshake(ctx); err != nil {
		t.Fatal(err)
	}

	res, err := c.ReportCheckpoint(ctx, backend.CheckpointReport{
		SessionID: "sess-1",
		AppName:   "app",
		TestName:  "Button: broken",
		Title:     "broken",
		Viewport:  config.Viewport{Width: 800, Height: 600},
		ImageURL:  "https://img/1.png",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Mismatches != 2 || res.Passed() {
		t.Fatalf("result = %+v", res)
	}
	if res.Steps != 1 {
		t.Fatalf("steps = %d", res.Steps)
	}

	cps := srv.Checkpoints()
	if len(cps) != 1 || cps[0].SessionID != "sess-1" {
		t.Fatalf("checkpoints = %+v", cps)
	}
}
