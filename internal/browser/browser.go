// Package browser manages the lifetime of the Chrome process (or a
// remote connection to one): launching it with the anti-throttling flags
// spec.md §4.1/§9 requires for correct parallel capture, enumerating and
// creating/closing per-target tabs, detecting a crashed session, and
// rewriting host-local job URLs for containerized/remote Chrome.
package browser

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/snapvrt/snapvrt/internal/cdp"
	"github.com/snapvrt/snapvrt/internal/logging"
	"github.com/snapvrt/snapvrt/internal/model"
	"github.com/snapvrt/snapvrt/internal/tools"
	"go.uber.org/zap"
)

// launchFlags are the Chrome flags spec.md §4.1 calls out as required for
// correct parallel behavior — without them, background tabs get their DOM
// timers throttled and parallel capture becomes slower than sequential.
var launchFlags = []string{
	"--headless=new",
	"--disable-gpu",
	"--hide-scrollbars",
	"--mute-audio",
	"--no-sandbox",
	"--disable-background-timer-throttling",
	"--disable-renderer-backgrounding",
	"--disable-backgrounding-occluded-windows",
	"--disable-ipc-flooding-protection",
	"--disable-dev-shm-usage",
	"--no-first-run",
	"--no-default-browser-check",
	"--remote-debugging-address=127.0.0.1",
	"--remote-debugging-port=0",
}

const crashThreshold = 3

// Tab is a single CDP target obtained from Session.NewTab; it owns one
// dedicated WebSocket connection, closed by Session.CloseTab.
//
// CorrelationID is snapvrt's own id (Chrome's target ID is reused across
// a long-running Chrome process and tells you nothing about which
// capture job a tab belonged to); it exists purely to tie together the
// NewTab/CloseTab and capture-pipeline log lines for one job without
// relying on slice position or the job's title, which can repeat across
// viewports.
type Tab struct {
	ID            string
	CorrelationID string
	Conn          *cdp.Conn
}

// Session is a running (or remote) Chrome instance reachable over its
// HTTP DevTools endpoint.
type Session struct {
	debugBase string // e.g. "http://127.0.0.1:9222"
	client    *http.Client
	cmd       *exec.Cmd
	remote    bool // true when debugBase is not on loopback

	mu              sync.Mutex
	consecutiveFail int
	dead            bool
}

// LaunchLocal spawns a local Chrome/Chromium process with the required
// flags plus any caller-supplied extra flags, and waits for its DevTools
// HTTP endpoint to come up.
func LaunchLocal(ctx context.Context, extraFlags []string) (*Session, error) {
	bin, err := findChrome()
	if err != nil {
		logging.L.Error("browser: chrome binary not found", zap.Error(err))
		return nil, &model.CaptureError{Kind: model.ErrBrowserLaunch, Err: err}
	}

	args := append(append([]string{}, launchFlags...), extraFlags...)
	cmd := exec.CommandContext(ctx, bin, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &model.CaptureError{Kind: model.ErrBrowserLaunch, Err: err}
	}

	if err := cmd.Start(); err != nil {
		logging.L.Error("browser: failed to start chrome", zap.String("bin", bin), zap.Error(err))
		return nil, &model.CaptureError{Kind: model.ErrBrowserLaunch, Err: err}
	}

	base, err := readDebugEndpoint(stderr, 10*time.Second)
	if err != nil {
		_ = cmd.Process.Kill()
		logging.L.Error("browser: failed to read devtools endpoint", zap.Error(err))
		return nil, &model.CaptureError{Kind: model.ErrBrowserLaunch, Err: err}
	}

	logging.L.Info("browser: launched local chrome", zap.String("bin", bin), zap.String("debugBase", base))
	return &Session{debugBase: base, client: &http.Client{Timeout: 10 * time.Second}, cmd: cmd}, nil
}

// Connect attaches to an already-running Chrome at chromeURL (spec.md §6
// capture.chrome_url), e.g. "http://127.0.0.1:9222" or a bare
// "host:port". It is considered remote (and job URLs get rewritten by
// RewriteURL) whenever the host is not a loopback address.
func Connect(ctx context.Context, chromeURL string) (*Session, error) {
	base := normalizeDebugBase(chromeURL)
	client := &http.Client{Timeout: 10 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/json/version", nil)
	if err != nil {
		return nil, &model.CaptureError{Kind: model.ErrBrowserLaunch, Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		logging.L.Error("browser: failed to connect", zap.String("url", base), zap.Error(err))
		return nil, &model.CaptureError{Kind: model.ErrBrowserLaunch, Err: fmt.Errorf("connect to %s: %w", base, err)}
	}
	resp.Body.Close()

	remote, err := isRemoteHost(base)
	if err != nil {
		remote = true // fail safe toward rewriting
	}

	logging.L.Info("browser: connected", zap.String("debugBase", base), zap.Bool("remote", remote))
	return &Session{debugBase: base, client: client, remote: remote}, nil
}

func normalizeDebugBase(raw string) string {
	if strings.HasPrefix(raw, "ws://") || strings.HasPrefix(raw, "wss://") {
		raw = "http://" + strings.TrimPrefix(strings.TrimPrefix(raw, "ws://"), "wss://")
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "http://" + raw
	}
	return strings.TrimSuffix(raw, "/")
}

func isRemoteHost(debugBase string) (bool, error) {
	u, err := url.Parse(debugBase)
	if err != nil {
		return false, err
	}
	host := u.Hostname()
	if host == "localhost" {
		return false, nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return true, nil
	}
	return !ip.IsLoopback(), nil
}

// jsonNewResult is the response of PUT /json/new.
type jsonNewResult struct {
	ID                   string `json:"id"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// NewTab creates a fresh target navigated to pageURL and dials its own
// dedicated WebSocket. Tabs are never reused across stories (spec.md
// §3 Lifecycles) — each one is created here and closed by CloseTab.
func (s *Session) NewTab(ctx context.Context, pageURL string) (*Tab, error) {
	endpoint := fmt.Sprintf("%s/json/new?%s", s.debugBase, url.QueryEscape(pageURL))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, nil)
	if err != nil {
		s.recordFailure()
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.recordFailure()
		return nil, fmt.Errorf("browser: create target: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.recordFailure()
		return nil, fmt.Errorf("browser: read create-target response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.recordFailure()
		return nil, fmt.Errorf("browser: create target: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var res jsonNewResult
	if err := json.Unmarshal(body, &res); err != nil {
		s.recordFailure()
		return nil, fmt.Errorf("browser: decode create-target response: %w", err)
	}

	conn, err := cdp.Dial(ctx, res.WebSocketDebuggerURL)
	if err != nil {
		s.recordFailure()
		return nil, fmt.Errorf("browser: dial target: %w", err)
	}

	corrID := uuid.New().String()
	logging.L.Debug("browser: tab opened", zap.String("targetId", res.ID), zap.String("correlationId", corrID))

	s.recordSuccess()
	return &Tab{ID: res.ID, CorrelationID: corrID, Conn: conn}, nil
}

// CloseTab closes the target's WebSocket and tells Chrome to discard the
// target itself.
func (s *Session) CloseTab(ctx context.Context, tab *Tab) error {
	if tab == nil {
		return nil
	}
	if tab.Conn != nil {
		_ = tab.Conn.Close()
	}

	endpoint := fmt.Sprintf("%s/json/close/%s", s.debugBase, tab.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("browser: close target: %w", err)
	}
	resp.Body.Close()
	logging.L.Debug("browser: tab closed", zap.String("targetId", tab.ID), zap.String("correlationId", tab.CorrelationID))
	return nil
}

// recordFailure implements the crash-detection threshold of spec.md §4.2:
// three consecutive new-tab failures declare the session dead.
func (s *Session) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFail++
	if s.consecutiveFail >= crashThreshold {
		s.dead = true
		logging.L.Error("browser: session declared dead after repeated new-tab failures", zap.Int("failures", s.consecutiveFail))
	}
}

func (s *Session) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFail = 0
}

// Dead reports whether the session has been declared crashed.
func (s *Session) Dead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dead
}

// Shutdown terminates a locally-launched Chrome process. A no-op for
// sessions obtained via Connect, since snapvrt does not own that
// process's lifetime.
func (s *Session) Shutdown() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
}

// RewriteURL implements spec.md §4.2's remote-host URL rewriting: when
// Chrome is not on the local loopback, any localhost/127.0.0.1 in a job
// URL is rewritten to this host's LAN IP (falling back to
// host.docker.internal) so a remote/containerized Chrome can reach a
// developer's local Storybook.
func (s *Session) RewriteURL(raw string) string {
	if !s.remote {
		return raw
	}
	replacement := lanIP()
	if replacement == "" {
		replacement = "host.docker.internal"
	}
	out := strings.ReplaceAll(raw, "127.0.0.1", replacement)
	out = strings.ReplaceAll(out, "localhost", replacement)
	return out
}

func lanIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil {
			continue
		}
		return ip4.String()
	}
	return ""
}

// readDebugEndpoint scans Chrome's stderr for the
// "DevTools listening on ws://host:port/devtools/browser/<id>" line
// chromium prints on startup, and returns the HTTP base URL for its
// debug endpoint.
func readDebugEndpoint(r io.Reader, timeout time.Duration) (string, error) {
	type result struct {
		base string
		err  error
	}
	ch := make(chan result, 1)

	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := scanner.Text()
			const marker = "DevTools listening on ws://"
			idx := strings.Index(line, marker)
			if idx < 0 {
				continue
			}
			wsURL := line[idx+len("DevTools listening on "):]
			u, err := url.Parse(strings.TrimSpace(wsURL))
			if err != nil {
				ch <- result{err: fmt.Errorf("parse devtools url %q: %w", wsURL, err)}
				return
			}
			ch <- result{base: "http://" + u.Host}
			return
		}
		ch <- result{err: fmt.Errorf("chrome exited before printing a devtools endpoint")}
	}()

	select {
	case res := <-ch:
		return res.base, res.err
	case <-time.After(timeout):
		return "", fmt.Errorf("timed out waiting for chrome devtools endpoint")
	}
}

func findChrome() (string, error) {
	if bin := os.Getenv("CHROME_BIN"); bin != "" && tools.FileExists(bin) {
		return bin, nil
	}

	var candidates []string
	switch runtime.GOOS {
	case "darwin":
		candidates = []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
			"/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge",
		}
	case "linux":
		candidates = []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "microsoft-edge"}
	case "windows":
		local := os.Getenv("LOCALAPPDATA")
		prog := os.Getenv("ProgramFiles")
		prog86 := os.Getenv("ProgramFiles(x86)")
		candidates = []string{
			filepath.Join(local, `Google\Chrome\Application\chrome.exe`),
			filepath.Join(prog, `Google\Chrome\Application\chrome.exe`),
			filepath.Join(prog86, `Google\Chrome\Application\chrome.exe`),
			filepath.Join(prog, `Microsoft\Edge\Application\msedge.exe`),
			filepath.Join(prog86, `Microsoft\Edge\Application\msedge.exe`),
		}
	}

	for _, c := range candidates {
		if p, err := exec.LookPath(c); err == nil {
			return p, nil
		}
		if tools.FileExists(c) {
			return c, nil
		}
	}
	logging.L.Warn("browser: chrome binary not found in standard paths")
	return "", fmt.Errorf("chrome not found")
}

// portFromBase is a small helper used by tests to assert on the parsed
// debug port.
func portFromBase(base string) (int, error) {
	u, err := url.Parse(base)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(u.Port())
}
