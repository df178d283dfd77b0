package browser

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/stretchr/testify/require"
)

func TestReadDebugEndpoint(t *testing.T) {
	r, w := net.Pipe()
	go func() {
		bw := bufio.NewWriter(w)
		bw.WriteString("[1234:5678:INFO] some banner\n")
		bw.WriteString("DevTools listening on ws://127.0.0.1:9222/devtools/browser/abc-def\n")
		bw.Flush()
	}()

	base, err := readDebugEndpoint(r, time.Second)
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:9222", base)

	port, err := portFromBase(base)
	require.NoError(t, err)
	require.Equal(t, 9222, port)
}

func TestReadDebugEndpoint_Timeout(t *testing.T) {
	r, _ := net.Pipe()
	_, err := readDebugEndpoint(r, 30*time.Millisecond)
	require.Error(t, err)
}

func TestNormalizeDebugBase(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:9222":      "http://127.0.0.1:9222",
		"http://h:1/":         "http://h:1",
		"ws://h:1/devtools/x": "http://h:1/devtools/x",
		"https://h:1":         "https://h:1",
	}
	for in, want := range cases {
		require.Equal(t, want, normalizeDebugBase(in), in)
	}
}

func TestIsRemoteHost(t *testing.T) {
	remote, err := isRemoteHost("http://127.0.0.1:9222")
	require.NoError(t, err)
	require.False(t, remote)

	remote, err = isRemoteHost("http://localhost:9222")
	require.NoError(t, err)
	require.False(t, remote)

	remote, err = isRemoteHost("http://chrome-host:9222")
	require.NoError(t, err)
	require.True(t, remote)
}

func TestRewriteURL(t *testing.T) {
	s := &Session{remote: false}
	require.Equal(t, "http://127.0.0.1:6006/iframe.html", s.RewriteURL("http://127.0.0.1:6006/iframe.html"))

	s = &Session{remote: true}
	rewritten := s.RewriteURL("http://localhost:6006/iframe.html")
	require.NotContains(t, rewritten, "localhost")
}

func TestCrashDetection_ThreeConsecutiveFailures(t *testing.T) {
	// A server that always 500s on /json/new simulates a dead Chrome.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := &Session{debugBase: srv.URL, client: srv.Client()}
	require.False(t, s.Dead())

	for i := 0; i < crashThreshold; i++ {
		_, err := s.NewTab(t.Context(), "http://example.com")
		require.Error(t, err)
	}
	require.True(t, s.Dead())
}

func TestCrashDetection_SuccessResetsCounter(t *testing.T) {
	fail := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/devtools/") {
			// Accept the tab's own WebSocket so NewTab can fully succeed.
			if conn, _, _, err := ws.UpgradeHTTP(r, w); err == nil {
				go func() {
					defer conn.Close()
					_, _ = io.Copy(io.Discard, conn)
				}()
			}
			return
		}
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"t1","webSocketDebuggerUrl":"ws://` + r.Host + `/devtools/page/t1"}`))
	}))
	defer srv.Close()

	s := &Session{debugBase: srv.URL, client: srv.Client()}

	// Two failures leave the counter one short of the threshold.
	for i := 0; i < crashThreshold-1; i++ {
		_, _ = s.NewTab(t.Context(), "http://example.com")
	}
	require.Equal(t, crashThreshold-1, s.consecutiveFail)
	require.False(t, s.Dead())

	fail = false
	tab, err := s.NewTab(t.Context(), "http://example.com")
	require.NoError(t, err)
	defer tab.Conn.Close()
	// A NewTab that creates the target and dials its WebSocket resets the
	// counter, so the session is not dead.
	require.Equal(t, 0, s.consecutiveFail)
	require.False(t, s.Dead())
}
