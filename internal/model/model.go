// Package model holds the data types shared across snapvrt's capture,
// diff, and orchestration layers: viewports, stories, snapshot
// identities, capture jobs/artifacts, stage timings, and the tagged
// snapshot-outcome variant.
package model

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Viewport is a CSS pixel size a story is rendered at. Immutable per job.
type Viewport struct {
	Name              string
	Width             uint32
	Height            uint32
	DeviceScaleFactor float32
}

func (v Viewport) scaleOrDefault() float32 {
	if v.DeviceScaleFactor <= 0 {
		return 1.0
	}
	return v.DeviceScaleFactor
}

// Normalized returns a copy of v with DeviceScaleFactor defaulted to 1.0.
func (v Viewport) Normalized() Viewport {
	v.DeviceScaleFactor = v.scaleOrDefault()
	return v
}

// Story is a single Storybook component variant.
type Story struct {
	ID    string
	Title string
	Name  string
	URL   string
}

// SnapshotID uniquely identifies a baseline across runs.
type SnapshotID struct {
	Source       string
	ViewportName string
	Title        string
	Name         string
}

// pathSegment makes s safe to use as a single path element: it replaces
// each character a filesystem (or a zip/tar entry) would choke on with
// "-" and trims leading and trailing whitespace (inner whitespace is
// kept), without attempting to preserve readability beyond what's
// needed to tell snapshots apart.
func pathSegment(s string) string {
	s = strings.TrimSpace(s)
	replacer := strings.NewReplacer(
		"/", "-", "\\", "-", ":", "-", "*", "-", "?", "-",
		"\"", "-", "<", "-", ">", "-", "|", "-",
	)
	s = replacer.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}

// Path renders the snapshot id to its filesystem-safe relative path,
// {source}/{viewport}/{title}/{name}.png.
func (id SnapshotID) Path() string {
	return filepath.Join(
		pathSegment(id.Source),
		pathSegment(id.ViewportName),
		pathSegment(id.Title),
		pathSegment(id.Name)+".png",
	)
}

func (id SnapshotID) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", id.Source, id.ViewportName, id.Title, id.Name)
}

// StageConfig parameterizes the capture pipeline for one job: stability
// strategy, attempt/delay budget, compat preset, and the whole-pipeline
// deadline. Per-stage deadlines are constants in internal/capture.
type StageConfig struct {
	Strategy          ScreenshotStrategy
	StabilityAttempts int
	StabilityDelay    time.Duration
	CompatMode        bool // "loki" resize-based capture preset, §4.4
	PipelineDeadline  time.Duration
}

// ScreenshotStrategy selects between the stability loop and a single shot.
type ScreenshotStrategy string

const (
	StrategyStable ScreenshotStrategy = "stable"
	StrategySingle ScreenshotStrategy = "single"
)

// CaptureJob is created by the orchestrator and consumed once by a tab
// worker.
type CaptureJob struct {
	SnapshotID  SnapshotID
	URL         string
	Viewport    Viewport
	StageConfig StageConfig
}

// Stage identifies one step of the nine-stage capture pipeline, used as
// the key into an Artifact's Timings map.
type Stage string

const (
	StageSetViewport      Stage = "set_viewport"
	StageNavigate         Stage = "navigate"
	StagePageLoad         Stage = "page_load"
	StageNetworkIdle      Stage = "network_idle"
	StageAnimationDisable Stage = "animation_disable"
	StageReadyWait        Stage = "ready_wait"
	StageStoryRootWait    Stage = "story_root_wait"
	StageClipCompute      Stage = "clip_compute"
	StageScreenshot       Stage = "screenshot"
	StageStabilityLoop    Stage = "stability_loop"
)

// CaptureArtifact is produced by the pipeline on success.
type CaptureArtifact struct {
	SnapshotID          SnapshotID
	PNG                 []byte
	Timings             map[Stage]time.Duration
	EffectiveViewport   Viewport
	StabilityNotReached bool
}

// ErrorKind is the shared failure taxonomy of spec.md §7 — a closed set
// of tags attached to errors routed to the result stream, not a Go error
// type hierarchy.
type ErrorKind string

const (
	ErrConfig            ErrorKind = "config"
	ErrDiscovery         ErrorKind = "discovery"
	ErrBrowserLaunch     ErrorKind = "browser_launch"
	ErrBrowserCrashed    ErrorKind = "browser_crashed"
	ErrNavigationTimeout ErrorKind = "navigation_timeout"
	ErrReadyTimeout      ErrorKind = "ready_timeout"
	ErrStoryRootTimeout  ErrorKind = "story_root_timeout"
	ErrCdpProtocol       ErrorKind = "cdp_protocol"
	ErrDecode            ErrorKind = "decode"
	ErrIO                ErrorKind = "io"
	ErrCancelled         ErrorKind = "cancelled"
)

// CaptureError is an ErrorKind paired with the stage it occurred in (when
// applicable) and the underlying error.
type CaptureError struct {
	Kind  ErrorKind
	Stage Stage
	Err   error
}

func (e *CaptureError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s at stage %s: %v", e.Kind, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// OutcomeStatus tags the variant of a SnapshotOutcome.
type OutcomeStatus string

const (
	OutcomePass  OutcomeStatus = "pass"
	OutcomeFail  OutcomeStatus = "fail"
	OutcomeNew   OutcomeStatus = "new"
	OutcomeError OutcomeStatus = "error"
)

// Symbol returns the single terminal glyph for a status, per spec.md §7.
func (s OutcomeStatus) Symbol() string {
	switch s {
	case OutcomePass:
		return "✓" // ✓
	case OutcomeFail:
		return "✗" // ✗
	case OutcomeNew:
		return "⊕" // ⊕
	case OutcomeError:
		return "!"
	default:
		return "?"
	}
}

// SnapshotOutcome is the tagged result the orchestrator publishes per
// snapshot: exactly one of Pass, Fail{Score,DiffPNG}, New{CurrentPNG}, or
// Error{Kind,Message}, selected by Status.
type SnapshotOutcome struct {
	SnapshotID SnapshotID
	Status     OutcomeStatus
	Timings    map[Stage]time.Duration

	// StabilityNotReached is a soft warning, not a failure: the capture
	// pipeline's stability loop exhausted its attempt budget without two
	// consecutive identical screenshots. The outcome's Status is still
	// decided normally from the (possibly still-settling) capture.
	StabilityNotReached bool

	// Fail fields.
	Score   float64
	DiffPNG []byte

	// New fields.
	CurrentPNG []byte

	// Error fields.
	ErrorKind ErrorKind
	Message   string
}
