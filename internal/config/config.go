// Package config loads snapvrt's run configuration from
// .snapvrt/config.toml (spec.md §6), applies environment overrides, and
// validates the result, matching the teacher's validate-as-you-load
// pattern in structure if not in format. No CLI flag overrides a field of
// the *Config returned here: cmd/snapvrt's flags (config path, filter,
// UI, logging) are passed alongside it.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/snapvrt/snapvrt/internal/logging"
	"github.com/snapvrt/snapvrt/internal/model"
	"github.com/snapvrt/snapvrt/internal/tools"
	"go.uber.org/zap"
)

// Source is one `[[source]]` table: a Storybook instance to snapshot.
//
// StaticDir is a supplemented feature (internal/storysrv): when set, URL
// is treated as the address of an already-built `storybook-static`
// directory rather than a live dev server, and snapvrt serves it itself
// before discovery runs.
type Source struct {
	Type       string   `toml:"type"`
	URL        string   `toml:"url"`
	Viewports  []string `toml:"viewports"`
	StaticDir  string   `toml:"static_dir"`
	HealthPath string   `toml:"health_path"`
}

// ViewportDef is one `[[viewport]]` table.
type ViewportDef struct {
	Name   string `toml:"name"`
	Width  uint32 `toml:"width"`
	Height uint32 `toml:"height"`
}

// Capture is the `[capture]` table.
type Capture struct {
	Screenshot        string `toml:"screenshot"`
	StabilityAttempts int    `toml:"stability_attempts"`
	StabilityDelayMS  int    `toml:"stability_delay_ms"`
	Parallel          int    `toml:"parallel"`
	ChromeURL         string `toml:"chrome_url"`
	CompatMode        bool   `toml:"compat_mode"`
}

// Diff is the `[diff]` table.
type Diff struct {
	Threshold float64 `toml:"threshold"`
}

// Config is the fully loaded, environment-overridden, and validated
// contents of config.toml.
type Config struct {
	Source   []Source      `toml:"source"`
	Viewport []ViewportDef `toml:"viewport"`
	Capture  Capture       `toml:"capture"`
	Diff     Diff          `toml:"diff"`
}

const (
	defaultStabilityAttempts = 3
	defaultStabilityDelayMS  = 100
	defaultParallel          = 4
)

// Load reads path, applies environment overrides, fills in defaults, and
// validates the result. A validation failure is an ErrConfig per spec.md §7
// and should abort the run immediately.
func Load(path string) (*Config, error) {
	expanded, err := tools.ExpandPath(path)
	if err != nil {
		logging.L.Error("config: failed to expand path", zap.String("path", path), zap.Error(err))
		return nil, &model.CaptureError{Kind: model.ErrConfig, Err: err}
	}

	if !tools.FileExists(expanded) {
		logging.L.Error("config: file does not exist", zap.String("path", expanded))
		return nil, &model.CaptureError{Kind: model.ErrConfig, Err: fmt.Errorf("config file does not exist: %s", expanded)}
	}

	cfg := &Config{}
	if _, err := toml.DecodeFile(expanded, cfg); err != nil {
		logging.L.Error("config: failed to decode", zap.String("path", expanded), zap.Error(err))
		return nil, &model.CaptureError{Kind: model.ErrConfig, Err: fmt.Errorf("decode %s: %w", expanded, err)}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		logging.L.Error("config: validation failed", zap.Error(err))
		return nil, &model.CaptureError{Kind: model.ErrConfig, Err: err}
	}

	return cfg, nil
}

// applyEnv overrides fields from SNAPVRT_STORYBOOK_URL and
// SNAPVRT_DIFF_THRESHOLD (spec.md §6). The storybook URL override applies
// to the first `storybook`-type source, since that's the only adapter in
// scope.
func (c *Config) applyEnv() {
	if u := os.Getenv("SNAPVRT_STORYBOOK_URL"); u != "" {
		for i := range c.Source {
			if c.Source[i].Type == "storybook" {
				c.Source[i].URL = u
				break
			}
		}
	}
	if t := os.Getenv("SNAPVRT_DIFF_THRESHOLD"); t != "" {
		var f float64
		if _, err := fmt.Sscanf(t, "%g", &f); err == nil {
			c.Diff.Threshold = f
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Capture.Screenshot == "" {
		c.Capture.Screenshot = string(model.StrategyStable)
	}
	if c.Capture.StabilityAttempts == 0 {
		c.Capture.StabilityAttempts = defaultStabilityAttempts
	}
	if c.Capture.StabilityDelayMS == 0 {
		c.Capture.StabilityDelayMS = defaultStabilityDelayMS
	}
	if c.Capture.Parallel == 0 {
		c.Capture.Parallel = defaultParallel
	}
	for i := range c.Source {
		if c.Source[i].StaticDir != "" && c.Source[i].HealthPath == "" {
			c.Source[i].HealthPath = "/index.html"
		}
	}
}

func (c *Config) validate() error {
	if len(c.Source) == 0 {
		return fmt.Errorf("at least one [[source]] must be configured")
	}
	for i, s := range c.Source {
		if s.Type != "storybook" {
			return fmt.Errorf("source[%d]: unsupported type %q (only \"storybook\" is in scope)", i, s.Type)
		}
		if s.URL == "" {
			return fmt.Errorf("source[%d]: url must be set", i)
		}
	}

	if len(c.Viewport) == 0 {
		return fmt.Errorf("at least one [[viewport]] must be configured")
	}
	names := make(map[string]bool, len(c.Viewport))
	for i, v := range c.Viewport {
		if v.Name == "" {
			return fmt.Errorf("viewport[%d]: name must be set", i)
		}
		if v.Width == 0 || v.Height == 0 {
			return fmt.Errorf("viewport[%d] %q: width and height must be positive", i, v.Name)
		}
		names[v.Name] = true
	}
	for i, s := range c.Source {
		for _, vn := range s.Viewports {
			if !names[vn] {
				return fmt.Errorf("source[%d]: viewport %q is not defined in [[viewport]]", i, vn)
			}
		}
	}

	switch model.ScreenshotStrategy(c.Capture.Screenshot) {
	case model.StrategyStable, model.StrategySingle:
	default:
		return fmt.Errorf("capture.screenshot: must be %q or %q, got %q", model.StrategyStable, model.StrategySingle, c.Capture.Screenshot)
	}
	if c.Capture.StabilityAttempts < 1 {
		return fmt.Errorf("capture.stability_attempts must be a positive integer")
	}
	if c.Capture.StabilityDelayMS < 0 {
		return fmt.Errorf("capture.stability_delay_ms must be non-negative")
	}
	if c.Capture.Parallel < 1 {
		return fmt.Errorf("capture.parallel must be a positive integer")
	}
	if c.Diff.Threshold < 0.0 || c.Diff.Threshold > 1.0 {
		return fmt.Errorf("diff.threshold must be in [0.0, 1.0], got %v", c.Diff.Threshold)
	}

	return nil
}

// Viewports resolves the viewport names referenced by a source to their
// full definitions; an empty list on the source means "use all defined
// viewports".
func (c *Config) Viewports(s Source) []model.Viewport {
	var names []string
	if len(s.Viewports) > 0 {
		names = s.Viewports
	} else {
		for _, v := range c.Viewport {
			names = append(names, v.Name)
		}
	}

	byName := make(map[string]ViewportDef, len(c.Viewport))
	for _, v := range c.Viewport {
		byName[v.Name] = v
	}

	out := make([]model.Viewport, 0, len(names))
	for _, n := range names {
		v, ok := byName[n]
		if !ok {
			continue
		}
		out = append(out, model.Viewport{Name: v.Name, Width: v.Width, Height: v.Height, DeviceScaleFactor: 1.0})
	}
	return out
}

// StaticPort parses the TCP port snapvrt should serve s.StaticDir on,
// taken from s.URL (e.g. "http://127.0.0.1:6006"). Defaults to 6006,
// Storybook's own default dev port, if URL has none.
func (s Source) StaticPort() int {
	if u, err := url.Parse(s.URL); err == nil && u.Port() != "" {
		if p, err := strconv.Atoi(u.Port()); err == nil {
			return p
		}
	}
	return 6006
}

// StageConfig builds the per-job stage configuration from the capture
// table.
func (c *Config) StageConfig() model.StageConfig {
	return model.StageConfig{
		Strategy:          model.ScreenshotStrategy(c.Capture.Screenshot),
		StabilityAttempts: c.Capture.StabilityAttempts,
		StabilityDelay:    time.Duration(c.Capture.StabilityDelayMS) * time.Millisecond,
		CompatMode:        c.Capture.CompatMode,
		PipelineDeadline:  30 * time.Second,
	}
}
