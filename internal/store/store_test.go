package store

import (
	"path/filepath"
	"testing"

	"github.com/snapvrt/snapvrt/internal/model"
	"github.com/stretchr/testify/require"
)

func id(title, name string) model.SnapshotID {
	return model.SnapshotID{Source: "storybook", ViewportName: "desktop", Title: title, Name: name}
}

func TestWriteAndReadReference(t *testing.T) {
	s := New(t.TempDir())
	require.False(t, s.HasReference(id("Button", "Primary")))

	require.NoError(t, s.WriteReference(id("Button", "Primary"), []byte("png-bytes")))
	require.True(t, s.HasReference(id("Button", "Primary")))

	got, err := s.ReadReference(id("Button", "Primary"))
	require.NoError(t, err)
	require.Equal(t, []byte("png-bytes"), got)
}

func TestWriteCurrentAndDifference(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.WriteCurrent(id("Button", "Primary"), []byte("cur")))
	require.NoError(t, s.WriteDifference(id("Button", "Primary"), []byte("diff")))

	require.FileExists(t, s.CurrentPath(id("Button", "Primary")))
	require.FileExists(t, s.DifferencePath(id("Button", "Primary")))
}

func TestReferencePath_MatchesLayout(t *testing.T) {
	s := New("/base")
	got := s.ReferencePath(id("Button", "Primary"))
	want := filepath.Join("/base", "reference", "storybook", "desktop", "Button", "Primary.png")
	require.Equal(t, want, got)
}

func TestAllReferences_FindsWrittenSnapshots(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.WriteReference(id("Button", "Primary"), []byte("a")))
	require.NoError(t, s.WriteReference(id("Header", "Default"), []byte("b")))

	ids, err := s.AllReferences()
	require.NoError(t, err)
	require.Len(t, ids, 2)
}

func TestPrune_RemovesReferencesNotInKeepSet(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.WriteReference(id("Button", "Primary"), []byte("a")))
	require.NoError(t, s.WriteReference(id("Header", "Default"), []byte("b")))

	keep := map[string]struct{}{id("Button", "Primary").Path(): {}}
	removed, err := s.Prune(keep, false)
	require.NoError(t, err)
	require.Len(t, removed, 1)

	require.True(t, s.HasReference(id("Button", "Primary")))
	require.False(t, s.HasReference(id("Header", "Default")))
}

func TestPrune_DryRunDoesNotDelete(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.WriteReference(id("Header", "Default"), []byte("b")))

	removed, err := s.Prune(map[string]struct{}{}, true)
	require.NoError(t, err)
	require.Len(t, removed, 1)
	require.True(t, s.HasReference(id("Header", "Default")))
}

// TestPrune_KeepsGroupPathTitles guards against reconstructing a
// SnapshotID from its on-disk path segments and comparing it directly
// against a keep set built from raw Storybook titles: a title like
// "Components/Button" is folded to "Components-Button" on disk, so the
// two must be compared via Path(), not struct equality, or every
// grouped story gets pruned as if it were never produced.
func TestPrune_KeepsGroupPathTitles(t *testing.T) {
	s := New(t.TempDir())
	grouped := id("Components/Button", "Primary")
	require.NoError(t, s.WriteReference(grouped, []byte("a")))

	keep := map[string]struct{}{grouped.Path(): {}}
	removed, err := s.Prune(keep, false)
	require.NoError(t, err)
	require.Empty(t, removed)
	require.True(t, s.HasReference(grouped))
}
