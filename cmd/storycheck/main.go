// Command storycheck runs visual-regression checks against a catalog of
// component stories.
//
// Usage:
//
//	storycheck -config storycheck.yaml -stories stories.json
//	storycheck -stories stories.json -remote        # remote batch rendering
//	storycheck -log-level debug ...
//
// Stories are discovered by an external step and supplied as a JSON array
// of {name, kind, sourceUrl, params} objects. Exit codes: 0 all passed,
// 1 fatal run error, 2 visual differences found.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/storycheck/backend"
	"github.com/hazyhaar/storycheck/capture"
	"github.com/hazyhaar/storycheck/config"
	"github.com/hazyhaar/storycheck/idgen"
	"github.com/hazyhaar/storycheck/render"
	"github.com/hazyhaar/storycheck/resultstore"
	"github.com/hazyhaar/storycheck/runner"
	"github.com/hazyhaar/storycheck/story"
)

func main() {
	configPath := flag.String("config", "", "path to storycheck.yaml config file")
	storiesPath := flag.String("stories", "", "path to the discovered stories JSON file")
	remote := flag.Bool("remote", false, "force remote batch rendering")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code, err := run(ctx, logger, *configPath, *storiesPath, *remote)
	if err != nil {
		logger.Error("storycheck: fatal", "error", err)
	}
	os.Exit(code)
}

func run(ctx context.Context, logger *slog.Logger, configPath, storiesPath string, forceRemote bool) (int, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return runner.ExitFatal, err
	}
	if forceRemote {
		remote := *cfg
		remote.RemoteRendering = true
		cfg = &remote
	}

	stories, err := loadStories(storiesPath)
	if err != nil {
		return runner.ExitFatal, err
	}

	client := backend.NewClient(cfg.ServerURL, cfg.APIKey, backend.WithLogger(logger))
	// The handshake is setup common to every story; its failure is fatal
	// before any story runs.
	info, err := client.Handshake(ctx)
	if err != nil {
		return runner.ExitFatal, err
	}

	capt, err := buildCapturer(cfg, client, logger)
	if err != nil {
		return runner.ExitFatal, err
	}
	defer capt.Close()

	r := runner.New(cfg, capt, client, runner.Options{
		DashboardURL: info.ResultsURL,
		Logger:       logger,
	})

	startedAt := time.Now()
	verdict, err := r.Run(ctx, stories)
	if err != nil {
		return runner.ExitFatal, err
	}

	fmt.Print(verdict.Summary())
	saveHistory(ctx, logger, cfg, startedAt, verdict)

	return verdict.ExitCode(), nil
}

// buildCapturer selects the capture backend once; the runner never
// branches on the mode again.
func buildCapturer(cfg *config.Config, client *backend.Client, logger *slog.Logger) (capture.Capturer, error) {
	if cfg.RemoteRendering {
		cache := render.NewCache()
		rc := render.NewClient(client, cache, render.Options{
			RenderTimeout: cfg.RenderTimeout,
			Logger:        logger,
		})
		return capture.NewRemote(rc, capture.RemoteOptions{
			Viewport:        cfg.Viewport,
			SelectorsToHide: cfg.SelectorsToHide,
			Logger:          logger,
		}), nil
	}

	browser := capture.NewBrowser(capture.BrowserConfig{
		RemoteURL: cfg.BrowserURL,
		Logger:    logger,
	})
	if err := browser.Start(); err != nil {
		return nil, err
	}
	return capture.NewLocal(browser, capture.LocalOptions{
		Viewport:          cfg.Viewport,
		NavigationTimeout: cfg.NavigationTimeout,
	}), nil
}

func loadStories(path string) ([]story.Story, error) {
	if path == "" {
		return nil, fmt.Errorf("storycheck: -stories is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("storycheck: read stories: %w", err)
	}

	var raw []struct {
		Name      string            `json:"name"`
		Kind      string            `json:"kind"`
		SourceURL string            `json:"sourceUrl"`
		Params    map[string]string `json:"params"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("storycheck: parse stories: %w", err)
	}

	stories := make([]story.Story, 0, len(raw))
	for _, s := range raw {
		stories = append(stories, story.Story{
			Name:      s.Name,
			Kind:      s.Kind,
			SourceURL: s.SourceURL,
			Params:    s.Params,
		})
	}
	if len(stories) == 0 {
		return nil, fmt.Errorf("storycheck: no stories in %s", path)
	}
	return stories, nil
}

// saveHistory records the verdict in the local run history. Best-effort:
// failures are logged, the verdict stands.
func saveHistory(ctx context.Context, logger *slog.Logger, cfg *config.Config, startedAt time.Time, v *runner.Verdict) {
	if cfg.ResultsDB == "" {
		return
	}
	store, err := resultstore.Open(cfg.ResultsDB)
	if err != nil {
		logger.Warn("storycheck: open run history", "error", err)
		return
	}
	defer store.Close()

	runID := idgen.Timestamped(idgen.NanoID(8))()
	if err := store.SaveRun(ctx, runID, cfg.AppName, startedAt, v); err != nil {
		logger.Warn("storycheck: save run history", "error", err)
		return
	}
	logger.Info("storycheck: run recorded", "run_id", runID, "db", cfg.ResultsDB)
}
