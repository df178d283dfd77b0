// Package capture implements the nine-stage screenshot pipeline of
// spec.md §4.4: set viewport, navigate, wait for page load, wait for
// network idle, disable animations, wait ready, wait for the story root,
// compute the capture clip, screenshot, and (by default) loop until two
// consecutive shots are byte-identical.
package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/snapvrt/snapvrt/internal/browser"
	"github.com/snapvrt/snapvrt/internal/cdp"
	"github.com/snapvrt/snapvrt/internal/model"
)

// Per-stage deadlines, per spec.md §4.4. The pipeline as a whole is also
// bounded by StageConfig.PipelineDeadline, enforced by the caller
// (internal/scheduler) around the whole Run call.
const (
	navigateDeadline      = 10 * time.Second
	pageLoadDeadline      = 10 * time.Second
	networkIdleDeadline   = 10 * time.Second
	networkIdleWindow     = 100 * time.Millisecond
	readyWaitDeadline     = 10 * time.Second
	storyRootDeadline     = 10 * time.Second
	storyRootPollInterval = 50 * time.Millisecond
	callTimeout           = 5 * time.Second
	compatResizeSettle    = 500 * time.Millisecond
)

// Run executes the full pipeline for job against tab, returning the
// finished artifact or a *model.CaptureError tagging the failing stage.
func Run(ctx context.Context, tab *browser.Tab, job model.CaptureJob) (*model.CaptureArtifact, error) {
	timings := make(map[model.Stage]time.Duration, 10)
	art := &model.CaptureArtifact{SnapshotID: job.SnapshotID, Timings: timings}

	vp := job.Viewport.Normalized()

	if err := timeStage(timings, model.StageSetViewport, func() error {
		return setViewport(ctx, tab.Conn, vp)
	}); err != nil {
		return nil, err
	}

	if err := timeStage(timings, model.StageNavigate, func() error {
		return navigate(ctx, tab.Conn, job.URL)
	}); err != nil {
		return nil, err
	}

	if err := timeStage(timings, model.StagePageLoad, func() error {
		return waitPageLoad(ctx, tab.Conn)
	}); err != nil {
		return nil, err
	}

	if err := timeStage(timings, model.StageNetworkIdle, func() error {
		return waitNetworkIdle(ctx, tab.Conn)
	}); err != nil {
		return nil, err
	}

	if err := timeStage(timings, model.StageAnimationDisable, func() error {
		return disableAnimations(ctx, tab.Conn)
	}); err != nil {
		return nil, err
	}

	if err := timeStage(timings, model.StageReadyWait, func() error {
		return waitReady(ctx, tab.Conn)
	}); err != nil {
		return nil, err
	}

	if err := timeStage(timings, model.StageStoryRootWait, func() error {
		return waitStoryRoot(ctx, tab.Conn)
	}); err != nil {
		return nil, err
	}

	var clip *clipRect
	if err := timeStage(timings, model.StageClipCompute, func() error {
		c, err := computeClip(ctx, tab.Conn, vp)
		clip = c
		return err
	}); err != nil {
		return nil, err
	}

	effectiveVP := vp
	var firstShot []byte
	if err := timeStage(timings, model.StageScreenshot, func() error {
		if job.StageConfig.CompatMode {
			shot, resized, err := captureCompat(ctx, tab.Conn, vp, clip)
			firstShot, effectiveVP = shot, resized
			return err
		}
		shot, err := captureScreenshot(ctx, tab.Conn, clip, true)
		firstShot = shot
		return err
	}); err != nil {
		return nil, err
	}
	art.EffectiveViewport = effectiveVP

	final := firstShot
	strategy := job.StageConfig.Strategy
	if strategy == "" {
		strategy = model.StrategyStable
	}
	if strategy == model.StrategyStable {
		if err := timeStage(timings, model.StageStabilityLoop, func() error {
			shot, reached, err := stabilityLoop(ctx, tab.Conn, clip, firstShot, job.StageConfig)
			final = shot
			art.StabilityNotReached = !reached
			return err
		}); err != nil {
			return nil, err
		}
	}

	art.PNG = final
	return art, nil
}

func timeStage(timings map[model.Stage]time.Duration, stage model.Stage, fn func() error) error {
	start := time.Now()
	err := fn()
	timings[stage] = time.Since(start)
	if err != nil {
		var ce *model.CaptureError
		if as, ok := err.(*model.CaptureError); ok {
			ce = as
		} else {
			ce = &model.CaptureError{Kind: model.ErrCdpProtocol, Stage: stage, Err: err}
		}
		if ce.Stage == "" {
			ce.Stage = stage
		}
		return ce
	}
	return nil
}

func setViewport(ctx context.Context, conn *cdp.Conn, vp model.Viewport) error {
	params := emulation.SetDeviceMetricsOverride(int64(vp.Width), int64(vp.Height), float64(vp.DeviceScaleFactor), false)
	_, err := conn.Call(ctx, "Emulation.setDeviceMetricsOverride", params, callTimeout)
	if err != nil {
		return &model.CaptureError{Kind: model.ErrCdpProtocol, Err: err}
	}
	return nil
}

func navigate(ctx context.Context, conn *cdp.Conn, url string) error {
	if _, err := conn.Call(ctx, "Page.enable", page.Enable(), callTimeout); err != nil {
		return &model.CaptureError{Kind: model.ErrCdpProtocol, Err: err}
	}
	if _, err := conn.Call(ctx, "Network.enable", network.Enable(), callTimeout); err != nil {
		return &model.CaptureError{Kind: model.ErrCdpProtocol, Err: err}
	}
	navCtx, cancel := context.WithTimeout(ctx, navigateDeadline)
	defer cancel()
	if _, err := conn.Call(navCtx, "Page.navigate", page.Navigate(url), navigateDeadline); err != nil {
		return &model.CaptureError{Kind: model.ErrNavigationTimeout, Err: err}
	}
	return nil
}

func waitPageLoad(ctx context.Context, conn *cdp.Conn) error {
	_, err := conn.WaitEvent(ctx, cdp.MethodIs("Page.loadEventFired"), pageLoadDeadline)
	if err != nil {
		return &model.CaptureError{Kind: model.ErrNavigationTimeout, Err: err}
	}
	return nil
}

// waitNetworkIdle tracks in-flight requests via Network.requestWillBeSent
// / loadingFinished / loadingFailed and settles once no request has been
// in flight for networkIdleWindow, bounded by networkIdleDeadline.
func waitNetworkIdle(ctx context.Context, conn *cdp.Conn) error {
	inFlight := map[string]struct{}{}
	deadline := time.Now().Add(networkIdleDeadline)

	isNetworkEvent := func(method string, _ json.RawMessage) bool {
		switch method {
		case "Network.requestWillBeSent", "Network.loadingFinished", "Network.loadingFailed":
			return true
		default:
			return false
		}
	}

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return &model.CaptureError{Kind: model.ErrNavigationTimeout, Err: fmt.Errorf("network never settled")}
		}

		wait := networkIdleWindow
		if wait > remaining {
			wait = remaining
		}

		ev, err := conn.WaitEvent(ctx, isNetworkEvent, wait)
		if err != nil {
			if len(inFlight) == 0 {
				return nil
			}
			continue
		}

		switch ev.Method {
		case "Network.requestWillBeSent":
			var e network.EventRequestWillBeSent
			if err := cdp.Unmarshal(ev.Params, &e); err == nil {
				inFlight[string(e.RequestID)] = struct{}{}
			}
		case "Network.loadingFinished":
			var e network.EventLoadingFinished
			if err := cdp.Unmarshal(ev.Params, &e); err == nil {
				delete(inFlight, string(e.RequestID))
			}
		case "Network.loadingFailed":
			var e network.EventLoadingFailed
			if err := cdp.Unmarshal(ev.Params, &e); err == nil {
				delete(inFlight, string(e.RequestID))
			}
		}
	}
}

const disableAnimationsScript = `(() => {
  const style = document.createElement('style');
  style.setAttribute('data-snapvrt', 'no-animations');
  style.innerHTML = '*, *::before, *::after { animation-duration: 0s !important; animation-delay: 0s !important; transition-duration: 0s !important; transition-delay: 0s !important; }';
  document.head.appendChild(style);
  if (document.getAnimations) {
    document.getAnimations().forEach(a => { try { a.finish(); } catch (e) {} });
  }
})()`

func disableAnimations(ctx context.Context, conn *cdp.Conn) error {
	_, err := evaluate(ctx, conn, disableAnimationsScript, false)
	if err != nil {
		return &model.CaptureError{Kind: model.ErrCdpProtocol, Err: err}
	}
	return nil
}

const domQuiescentScript = `(() => {
  if (window.__snapvrtQuiet === undefined) {
    window.__snapvrtQuiet = true;
    window.__snapvrtMutCount = 0;
    const obs = new MutationObserver(() => { window.__snapvrtMutCount++; window.__snapvrtLastMut = Date.now(); });
    obs.observe(document.documentElement, {childList: true, subtree: true, attributes: true});
  }
  const last = window.__snapvrtLastMut || 0;
  return Date.now() - last;
})()`

func waitReady(ctx context.Context, conn *cdp.Conn) error {
	readyCtx, cancel := context.WithTimeout(ctx, readyWaitDeadline)
	defer cancel()

	if _, err := evaluate(readyCtx, conn, "document.fonts ? document.fonts.ready.then(() => true) : true", true); err != nil {
		return &model.CaptureError{Kind: model.ErrReadyTimeout, Err: err}
	}

	deadline := time.Now().Add(readyWaitDeadline)
	for time.Now().Before(deadline) {
		res, err := evaluate(readyCtx, conn, domQuiescentScript, false)
		if err != nil {
			return &model.CaptureError{Kind: model.ErrReadyTimeout, Err: err}
		}
		var quietMS float64
		_ = json.Unmarshal(res, &quietMS)
		if quietMS >= float64(networkIdleWindow/time.Millisecond) {
			return nil
		}
		time.Sleep(storyRootPollInterval)
	}
	return &model.CaptureError{Kind: model.ErrReadyTimeout, Err: fmt.Errorf("DOM never quiesced")}
}

const storyRootScript = `(() => {
  const root = document.querySelector('#storybook-root') || document.querySelector('#root');
  return !!(root && root.children && root.children.length > 0);
})()`

func waitStoryRoot(ctx context.Context, conn *cdp.Conn) error {
	deadline := time.Now().Add(storyRootDeadline)
	for {
		res, err := evaluate(ctx, conn, storyRootScript, false)
		if err == nil {
			var present bool
			_ = json.Unmarshal(res, &present)
			if present {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return &model.CaptureError{Kind: model.ErrStoryRootTimeout, Err: fmt.Errorf("story root never populated")}
		}
		time.Sleep(storyRootPollInterval)
	}
}

type clipRect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Scale  float64 `json:"scale"`
}

const clipScript = `(() => {
  const root = document.querySelector('#storybook-root') || document.querySelector('#root') || document.body;
  const r = root.getBoundingClientRect();
  return {x: Math.max(0, r.left), y: Math.max(0, r.top), width: Math.max(1, r.width), height: Math.max(1, r.height)};
})()`

// computeClip returns the bounding box of the story root element itself
// (#storybook-root, else #root, else body), not a union of its children.
// Only the width is clamped to the viewport; the height is left as is,
// so content taller than the viewport stays inside the clip.
func computeClip(ctx context.Context, conn *cdp.Conn, vp model.Viewport) (*clipRect, error) {
	res, err := evaluate(ctx, conn, clipScript, false)
	if err != nil {
		return nil, &model.CaptureError{Kind: model.ErrCdpProtocol, Err: err}
	}
	var c clipRect
	if err := json.Unmarshal(res, &c); err != nil {
		return nil, &model.CaptureError{Kind: model.ErrDecode, Err: err}
	}
	if c.X+c.Width > float64(vp.Width) {
		c.Width = float64(vp.Width) - c.X
	}
	c.Scale = float64(vp.DeviceScaleFactor)
	return &c, nil
}

func evaluate(ctx context.Context, conn *cdp.Conn, expr string, awaitPromise bool) (json.RawMessage, error) {
	params := runtime.Evaluate(expr).WithReturnByValue(true).WithAwaitPromise(awaitPromise)
	raw, err := conn.Call(ctx, "Runtime.evaluate", params, callTimeout)
	if err != nil {
		return nil, err
	}
	var out runtime.EvaluateReturns
	if err := cdp.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out.ExceptionDetails != nil {
		return nil, fmt.Errorf("runtime.evaluate exception: %s", out.ExceptionDetails.Error())
	}
	if out.Result == nil {
		return nil, nil
	}
	return out.Result.Value, nil
}

func captureScreenshot(ctx context.Context, conn *cdp.Conn, clip *clipRect, captureBeyondViewport bool) ([]byte, error) {
	params := page.CaptureScreenshot().
		WithFormat(page.CaptureScreenshotFormatPng).
		WithCaptureBeyondViewport(captureBeyondViewport)
	if clip != nil {
		params = params.WithClip(&page.Viewport{
			X: clip.X, Y: clip.Y, Width: clip.Width, Height: clip.Height, Scale: 1.0,
		})
	}
	raw, err := conn.Call(ctx, "Page.captureScreenshot", params, callTimeout)
	if err != nil {
		return nil, &model.CaptureError{Kind: model.ErrCdpProtocol, Err: err}
	}
	var out page.CaptureScreenshotReturns
	if err := cdp.Unmarshal(raw, &out); err != nil {
		return nil, &model.CaptureError{Kind: model.ErrDecode, Err: err}
	}
	return out.Data, nil
}

// captureCompat implements the "loki" compatibility preset (spec.md
// §4.4): instead of captureBeyondViewport, resize the viewport to the
// content's full height, settle, capture the whole (now-fitting)
// viewport, then restore the original size.
func captureCompat(ctx context.Context, conn *cdp.Conn, vp model.Viewport, clip *clipRect) ([]byte, model.Viewport, error) {
	resized := vp
	contentHeight := uint32(clip.Y + clip.Height)
	if contentHeight > resized.Height {
		resized.Height = contentHeight
	}

	if err := setViewport(ctx, conn, resized); err != nil {
		return nil, vp, err
	}
	time.Sleep(compatResizeSettle)

	shot, err := captureScreenshot(ctx, conn, nil, false)
	if err != nil {
		return nil, vp, err
	}

	if err := setViewport(ctx, conn, vp); err != nil {
		return shot, resized, err
	}
	return shot, resized, nil
}

// stabilityLoop retakes the screenshot until two consecutive shots are
// byte-identical, up to StabilityAttempts tries, to avoid flakes from
// still-settling layout/fonts/animations.
func stabilityLoop(ctx context.Context, conn *cdp.Conn, clip *clipRect, first []byte, cfg model.StageConfig) ([]byte, bool, error) {
	attempts := cfg.StabilityAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := cfg.StabilityDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	prev := first
	for i := 0; i < attempts; i++ {
		time.Sleep(delay)
		next, err := captureScreenshot(ctx, conn, clip, true)
		if err != nil {
			return prev, false, err
		}
		if bytesEqual(prev, next) {
			return next, true, nil
		}
		prev = next
	}
	return prev, false, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
