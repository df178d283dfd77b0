package storybook

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleIndex = `{
  "v": 5,
  "entries": {
    "button--primary": {"id": "button--primary", "type": "story", "title": "Button", "name": "Primary", "tags": ["autodocs"]},
    "button--secondary": {"id": "button--secondary", "type": "story", "title": "Button", "name": "Secondary", "tags": []},
    "button--skipped": {"id": "button--skipped", "type": "story", "title": "Button", "name": "Skipped", "tags": ["snapvrt-skip"]},
    "button--docs": {"id": "button--docs", "type": "docs", "title": "Button", "name": "Docs", "tags": []},
    "header--default": {"id": "header--default", "type": "story", "title": "Header", "name": "Default", "tags": []}
  }
}`

func newIndexServer(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/index.json", r.URL.Path)
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
}

func TestDiscover_FiltersNonStoriesAndSkipTag(t *testing.T) {
	srv := newIndexServer(t, sampleIndex, http.StatusOK)
	defer srv.Close()

	src := NewSource(srv.URL, "")
	stories, err := src.Discover(t.Context())
	require.NoError(t, err)
	require.Len(t, stories, 3)

	require.Equal(t, "Button", stories[0].Title)
	require.Equal(t, "Primary", stories[0].Name)
	require.Equal(t, srv.URL+"/iframe.html?id=button--primary", stories[0].URL)

	require.Equal(t, "Header", stories[2].Title)
}

func TestDiscover_SubstringFilterIsCaseInsensitive(t *testing.T) {
	srv := newIndexServer(t, sampleIndex, http.StatusOK)
	defer srv.Close()

	src := NewSource(srv.URL, "header")
	stories, err := src.Discover(t.Context())
	require.NoError(t, err)
	require.Len(t, stories, 1)
	require.Equal(t, "Header", stories[0].Title)
}

func TestDiscover_EmptyResultIsDiscoveryError(t *testing.T) {
	srv := newIndexServer(t, sampleIndex, http.StatusOK)
	defer srv.Close()

	src := NewSource(srv.URL, "no-such-component")
	_, err := src.Discover(t.Context())
	require.Error(t, err)
}

func TestDiscover_UnreachableIsDiscoveryError(t *testing.T) {
	src := NewSource("http://127.0.0.1:1", "")
	_, err := src.Discover(t.Context())
	require.Error(t, err)
}

func TestDiscover_InvalidSchemaIsDiscoveryError(t *testing.T) {
	srv := newIndexServer(t, `{"not":"an index"}`, http.StatusOK)
	defer srv.Close()

	src := NewSource(srv.URL, "")
	_, err := src.Discover(t.Context())
	require.Error(t, err)
}

func TestDiscover_NonOKStatusIsDiscoveryError(t *testing.T) {
	srv := newIndexServer(t, "server error", http.StatusInternalServerError)
	defer srv.Close()

	src := NewSource(srv.URL, "")
	_, err := src.Discover(t.Context())
	require.Error(t, err)
}
