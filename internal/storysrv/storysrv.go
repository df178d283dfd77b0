// Package storysrv is a supplemented feature (see SPEC_FULL.md): a
// convenience static file server for an already-built
// `storybook-static` directory, used only for a configured source that
// sets `static_dir`; the directory is served on the port of that
// source's `http://` URL.
// Building Storybook itself stays out of scope (spec.md §1 treats the
// Storybook server as an external collaborator); this only serves what's
// already built, the way the teacher's internal/storybook package did.
package storysrv

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/snapvrt/snapvrt/internal/logging"
	"go.uber.org/zap"
)

// Controller owns a started static server and can stop it.
type Controller struct {
	srv     *http.Server
	started bool
	port    int
}

// Stop shuts the static server down, if this Controller started one.
func (c *Controller) Stop() {
	if c == nil || c.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = c.srv.Shutdown(ctx)
}

// ServeIfNeeded serves dir on port unless something is already listening
// there (in which case it assumes that's the Storybook server and is a
// no-op). It blocks until the server answers healthPath or wait elapses.
func ServeIfNeeded(parent context.Context, port int, dir, healthPath string, wait time.Duration) (*Controller, bool, error) {
	if isPortOpen(port, 200*time.Millisecond) {
		logging.L.Info("storysrv: assuming already running", zap.Int("port", port))
		return &Controller{started: false, port: port}, false, nil
	}

	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		logging.L.Error("storysrv: build dir missing", zap.String("dir", dir))
		return nil, false, fmt.Errorf("storysrv: build dir %q missing", dir)
	}

	mux := http.NewServeMux()
	mux.Handle("/", withIndexFallback(dir))

	srv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		_ = srv.ListenAndServe()
	}()
	go func() {
		<-parent.Done()
		_ = srv.Close()
	}()

	if !waitHTTP(port, healthPath, wait) {
		_ = srv.Close()
		return nil, false, fmt.Errorf("storysrv: static server not ready on port %d", port)
	}

	logging.L.Info("storysrv: serving static build", zap.Int("port", port), zap.String("dir", dir))
	return &Controller{srv: srv, started: true, port: port}, true, nil
}

func withIndexFallback(dir string) http.Handler {
	fs := http.FileServer(http.Dir(dir))
	indexPath := filepath.Join(dir, "index.html")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := filepath.Join(dir, filepath.Clean(r.URL.Path))
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			fs.ServeHTTP(w, r)
			return
		}
		if _, err := os.Stat(indexPath); err == nil {
			w.Header().Set("Cache-Control", "no-cache")
			http.ServeFile(w, r, indexPath)
			return
		}
		http.NotFound(w, r)
	})
}

func isPortOpen(port int, timeout time.Duration) bool {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func waitHTTP(port int, path string, timeout time.Duration) bool {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d%s", port, path))
		if err == nil && resp.StatusCode >= 200 && resp.StatusCode < 500 {
			_ = resp.Body.Close()
			return true
		}
		if resp != nil {
			_ = resp.Body.Close()
		}
		time.Sleep(250 * time.Millisecond)
	}
	return false
}
