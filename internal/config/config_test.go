package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/snapvrt/snapvrt/internal/model"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimalValid = `
[[source]]
type = "storybook"
url = "http://localhost:6006"

[[viewport]]
name = "desktop"
width = 1280
height = 800
`

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalValid))
	require.NoError(t, err)

	require.Equal(t, string(model.StrategyStable), cfg.Capture.Screenshot)
	require.Equal(t, defaultStabilityAttempts, cfg.Capture.StabilityAttempts)
	require.Equal(t, defaultStabilityDelayMS, cfg.Capture.StabilityDelayMS)
	require.Equal(t, defaultParallel, cfg.Capture.Parallel)
}

func TestLoad_MissingSourceIsConfigError(t *testing.T) {
	body := `
[[viewport]]
name = "desktop"
width = 1280
height = 800
`
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)

	var ce *model.CaptureError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, model.ErrConfig, ce.Kind)
}

func TestLoad_UnsupportedSourceTypeIsConfigError(t *testing.T) {
	body := `
[[source]]
type = "ladle"
url = "http://localhost:6006"

[[viewport]]
name = "desktop"
width = 1280
height = 800
`
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)
}

func TestLoad_SourceViewportMustBeDefined(t *testing.T) {
	body := `
[[source]]
type = "storybook"
url = "http://localhost:6006"
viewports = ["tablet"]

[[viewport]]
name = "desktop"
width = 1280
height = 800
`
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)
}

func TestLoad_ThresholdOutOfRangeIsConfigError(t *testing.T) {
	body := minimalValid + "\n[diff]\nthreshold = 1.5\n"
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)
}

func TestLoad_NonexistentFileIsConfigError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)

	var ce *model.CaptureError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, model.ErrConfig, ce.Kind)
}

func TestApplyEnv_OverridesStorybookURLAndThreshold(t *testing.T) {
	t.Setenv("SNAPVRT_STORYBOOK_URL", "http://example.test:9000")
	t.Setenv("SNAPVRT_DIFF_THRESHOLD", "0.05")

	cfg, err := Load(writeConfig(t, minimalValid))
	require.NoError(t, err)
	require.Equal(t, "http://example.test:9000", cfg.Source[0].URL)
	require.InDelta(t, 0.05, cfg.Diff.Threshold, 1e-9)
}

func TestViewports_DefaultsToAllWhenSourceListsNone(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalValid+"\n[[viewport]]\nname = \"mobile\"\nwidth = 375\nheight = 667\n"))
	require.NoError(t, err)

	vps := cfg.Viewports(cfg.Source[0])
	require.Len(t, vps, 2)
}

func TestViewports_RestrictsToNamedSubset(t *testing.T) {
	body := `
[[source]]
type = "storybook"
url = "http://localhost:6006"
viewports = ["mobile"]

[[viewport]]
name = "desktop"
width = 1280
height = 800

[[viewport]]
name = "mobile"
width = 375
height = 667
`
	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)

	vps := cfg.Viewports(cfg.Source[0])
	require.Len(t, vps, 1)
	require.Equal(t, "mobile", vps[0].Name)
}

func TestSource_StaticPort_ParsesFromURLOrDefaults(t *testing.T) {
	require.Equal(t, 6007, Source{URL: "http://127.0.0.1:6007"}.StaticPort())
	require.Equal(t, 6006, Source{URL: "http://127.0.0.1"}.StaticPort())
}

func TestApplyDefaults_SetsHealthPathWhenStaticDirConfigured(t *testing.T) {
	body := minimalValid + "\n[[source]]\ntype = \"storybook\"\nurl = \"http://127.0.0.1:6007\"\nstatic_dir = \"./storybook-static\"\n"
	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)

	require.Equal(t, "/index.html", cfg.Source[1].HealthPath)
}
