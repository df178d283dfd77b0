// Package storybook is the Story Source described in spec.md §4.3: it
// turns a running Storybook instance's `index.json` into the flat list of
// stories snapvrt will capture, each resolved to a concrete iframe URL.
package storybook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/snapvrt/snapvrt/internal/model"
)

// skipTag marks a story as opted out of visual regression capture.
const skipTag = "snapvrt-skip"

// indexEntry is one record of Storybook's v5 `index.json` entries map.
type indexEntry struct {
	ID         string   `json:"id"`
	Type       string   `json:"type"`
	Title      string   `json:"title"`
	Name       string   `json:"name"`
	Tags       []string `json:"tags"`
	ImportPath string   `json:"importPath"`
}

// storyIndex mirrors the top-level shape of Storybook's index.json.
type storyIndex struct {
	V       int                   `json:"v"`
	Entries map[string]indexEntry `json:"entries"`
}

// Source fetches and filters a Storybook instance's index.
type Source struct {
	BaseURL string
	Client  *http.Client

	// Filter, when non-empty, is matched case-insensitively against
	// "title/name"; only stories containing it are kept.
	Filter string
}

// NewSource builds a Source against baseURL (no trailing slash assumed),
// defaulting Client to a bounded-timeout http.Client.
func NewSource(baseURL, filter string) *Source {
	return &Source{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 15 * time.Second},
		Filter:  filter,
	}
}

// Discover fetches {BaseURL}/index.json, filters out non-story entries
// and entries tagged snapvrt-skip, and returns the remaining stories in a
// stable (title, name) order. Every returned Story carries the fully
// built job URL ({BaseURL}/iframe.html?id={id}).
func (s *Source) Discover(ctx context.Context) ([]model.Story, error) {
	idx, err := s.fetchIndex(ctx)
	if err != nil {
		return nil, err
	}

	stories := make([]model.Story, 0, len(idx.Entries))
	for _, e := range idx.Entries {
		if e.Type != "story" {
			continue
		}
		if hasTag(e.Tags, skipTag) {
			continue
		}
		story := model.Story{
			ID:    e.ID,
			Title: e.Title,
			Name:  e.Name,
			URL:   fmt.Sprintf("%s/iframe.html?id=%s", s.BaseURL, e.ID),
		}
		if s.Filter != "" && !matchesFilter(story, s.Filter) {
			continue
		}
		stories = append(stories, story)
	}

	if len(stories) == 0 {
		return nil, &model.CaptureError{
			Kind: model.ErrDiscovery,
			Err:  fmt.Errorf("storybook: no stories matched (filter=%q)", s.Filter),
		}
	}

	sort.Slice(stories, func(i, j int) bool {
		if stories[i].Title != stories[j].Title {
			return stories[i].Title < stories[j].Title
		}
		return stories[i].Name < stories[j].Name
	})

	return stories, nil
}

func (s *Source) fetchIndex(ctx context.Context) (*storyIndex, error) {
	url := s.BaseURL + "/index.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &model.CaptureError{Kind: model.ErrDiscovery, Err: err}
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, &model.CaptureError{
			Kind: model.ErrDiscovery,
			Err:  fmt.Errorf("storybook: unreachable at %s: %w", url, err),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, &model.CaptureError{
			Kind: model.ErrDiscovery,
			Err:  fmt.Errorf("storybook: unreachable: %s returned %s", url, resp.Status),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &model.CaptureError{Kind: model.ErrDiscovery, Err: err}
	}

	var idx storyIndex
	if err := json.Unmarshal(body, &idx); err != nil {
		return nil, &model.CaptureError{
			Kind: model.ErrDiscovery,
			Err:  fmt.Errorf("storybook: invalid index schema: %w", err),
		}
	}
	if idx.Entries == nil {
		return nil, &model.CaptureError{
			Kind: model.ErrDiscovery,
			Err:  fmt.Errorf("storybook: invalid index schema: no entries map"),
		}
	}

	return &idx, nil
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}

func matchesFilter(story model.Story, filter string) bool {
	haystack := strings.ToLower(story.Title + "/" + story.Name)
	return strings.Contains(haystack, strings.ToLower(filter))
}
