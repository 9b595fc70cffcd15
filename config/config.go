// Package config holds the immutable run configuration. A Config is
// constructed once at startup (defaults, then YAML file, then environment
// overrides), validated, and passed by pointer into every component.
// Nothing mutates it after Load returns.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Viewport is a capture viewport in CSS pixels.
type Viewport struct {
	Width  int `yaml:"width" env:"WIDTH"`
	Height int `yaml:"height" env:"HEIGHT"`
}

// IsZero reports whether the viewport was left unset.
func (v Viewport) IsZero() bool { return v.Width == 0 && v.Height == 0 }

func (v Viewport) String() string {
	return fmt.Sprintf("%dx%d", v.Width, v.Height)
}

// Config is the complete run configuration.
type Config struct {
	// AppName is the application name reported to the comparison backend.
	AppName string `yaml:"app_name" env:"STORYCHECK_APP_NAME"`

	// Concurrency bounds the number of stories captured in parallel.
	// Must be at least 1.
	Concurrency int `yaml:"concurrency" env:"STORYCHECK_CONCURRENCY"`

	// RemoteRendering selects the remote batch-render backend instead of
	// a local browser.
	RemoteRendering bool `yaml:"remote_rendering" env:"STORYCHECK_REMOTE_RENDERING"`

	// Viewport applies to every story. When zero, the effective size is
	// inferred from each captured image.
	Viewport Viewport `yaml:"viewport" envPrefix:"STORYCHECK_VIEWPORT_"`

	// APIKey authenticates against the comparison/render service.
	APIKey string `yaml:"api_key" env:"STORYCHECK_API_KEY"`

	// ServerURL is the comparison service endpoint. The render-service
	// URL and access token are obtained from it at startup via the
	// rendering-info handshake.
	ServerURL string `yaml:"server_url" env:"STORYCHECK_SERVER_URL"`

	// BrowserURL is the WebSocket URL of an external Chrome instance for
	// local mode. Empty = launch a local Chrome.
	BrowserURL string `yaml:"browser_url" env:"STORYCHECK_BROWSER_URL"`

	// SelectorsToHide lists CSS selectors blanked out before remote
	// rendering (spinners, carets, clocks).
	SelectorsToHide []string `yaml:"selectors_to_hide" env:"STORYCHECK_SELECTORS_TO_HIDE"`

	// RenderTimeout caps the wall-clock wait for one remote render,
	// polling included.
	RenderTimeout time.Duration `yaml:"render_timeout" env:"STORYCHECK_RENDER_TIMEOUT"`

	// NavigationTimeout caps one local page navigation.
	NavigationTimeout time.Duration `yaml:"navigation_timeout" env:"STORYCHECK_NAVIGATION_TIMEOUT"`

	// ResultsDB is the path of the local run-history database. Empty
	// disables persistence.
	ResultsDB string `yaml:"results_db" env:"STORYCHECK_RESULTS_DB"`
}

// Default returns the baseline configuration. Load starts from it so a
// field explicitly set to a bad value (concurrency: 0) is rejected instead
// of silently repaired.
func Default() Config {
	return Config{
		AppName:           "storycheck",
		Concurrency:       4,
		RenderTimeout:     5 * time.Minute,
		NavigationTimeout: 30 * time.Second,
	}
}

// Error reports an invalid or missing configuration field. It is fatal:
// a run never starts with a bad Config.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Validate checks invariants that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Concurrency < 1 {
		return &Error{Field: "concurrency", Reason: fmt.Sprintf("must be at least 1, got %d", c.Concurrency)}
	}
	if c.Viewport.Width < 0 || c.Viewport.Height < 0 {
		return &Error{Field: "viewport", Reason: fmt.Sprintf("negative dimension %s", c.Viewport)}
	}
	if c.ServerURL != "" && c.APIKey == "" {
		return &Error{Field: "api_key", Reason: "required when server_url is set"}
	}
	if c.RemoteRendering && c.ServerURL == "" {
		return &Error{Field: "server_url", Reason: "required for remote rendering"}
	}
	return nil
}

// Load builds a Config from an optional YAML file plus environment
// overrides, applies defaults, and validates. path may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
