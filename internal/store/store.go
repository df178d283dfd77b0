// Package store manages the on-disk snapshot tree: reference, current,
// and difference PNGs laid out at
// .snapvrt/{reference,current,difference}/<source>/<viewport>/<title>/<name>.png,
// per spec.md §3. Writes are atomic (temp file + rename); the reference
// tree is never written to except by an explicit update.
package store

import (
	"os"
	"path/filepath"

	"github.com/snapvrt/snapvrt/internal/model"
	"github.com/snapvrt/snapvrt/internal/tools"
)

const (
	referenceDir  = "reference"
	currentDir    = "current"
	differenceDir = "difference"
)

// Store roots the three snapshot trees under a base directory
// (conventionally ".snapvrt").
type Store struct {
	Root string
}

// New returns a Store rooted at root.
func New(root string) *Store {
	return &Store{Root: root}
}

func (s *Store) path(kind string, id model.SnapshotID) string {
	return filepath.Join(s.Root, kind, id.Path())
}

// ReferencePath is the path a snapshot's accepted baseline lives at.
func (s *Store) ReferencePath(id model.SnapshotID) string { return s.path(referenceDir, id) }

// CurrentPath is the path the most recent capture for a snapshot lives at.
func (s *Store) CurrentPath(id model.SnapshotID) string { return s.path(currentDir, id) }

// DifferencePath is the path a snapshot's diff image lives at, when one
// was generated by a Fail outcome.
func (s *Store) DifferencePath(id model.SnapshotID) string { return s.path(differenceDir, id) }

// HasReference reports whether a baseline already exists for id.
func (s *Store) HasReference(id model.SnapshotID) bool {
	return tools.FileExists(s.ReferencePath(id))
}

// ReadReference loads the accepted baseline PNG for id.
func (s *Store) ReadReference(id model.SnapshotID) ([]byte, error) {
	return os.ReadFile(s.ReferencePath(id))
}

// WriteCurrent atomically writes png as the current capture for id.
func (s *Store) WriteCurrent(id model.SnapshotID, png []byte) error {
	return writeAtomic(s.CurrentPath(id), png)
}

// WriteDifference atomically writes png as the diff image for id.
func (s *Store) WriteDifference(id model.SnapshotID, png []byte) error {
	return writeAtomic(s.DifferencePath(id), png)
}

// WriteReference atomically writes png as the accepted baseline for id —
// used only by the "update" command path (spec.md §5 step 8), which
// bypasses the diff engine entirely.
func (s *Store) WriteReference(id model.SnapshotID, png []byte) error {
	return writeAtomic(s.ReferencePath(id), png)
}

func writeAtomic(path string, data []byte) error {
	if err := tools.WriteFileAtomic(path, data, 0o644); err != nil {
		return &model.CaptureError{Kind: model.ErrIO, Err: err}
	}
	return nil
}

// AllReferences walks the reference tree and returns every SnapshotID
// found there, used by Prune to find baselines no longer produced by the
// current run's story matrix.
func (s *Store) AllReferences() ([]model.SnapshotID, error) {
	root := filepath.Join(s.Root, referenceDir)
	var ids []model.SnapshotID

	if _, err := os.Stat(root); os.IsNotExist(err) {
		return ids, nil
	}

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || filepath.Ext(path) != ".png" {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		parts := splitPath(rel)
		if len(parts) != 4 {
			return nil // not a well-formed snapshot path; skip rather than fail the whole walk
		}
		name := parts[3][:len(parts[3])-len(filepath.Ext(parts[3]))]
		ids = append(ids, model.SnapshotID{
			Source:       parts[0],
			ViewportName: parts[1],
			Title:        parts[2],
			Name:         name,
		})
		return nil
	})
	if err != nil {
		return nil, &model.CaptureError{Kind: model.ErrIO, Err: err}
	}
	return ids, nil
}

// Prune removes reference baselines whose relative path (model.SnapshotID.Path())
// is not present in keep. keep must be keyed by that same normalized path,
// not by a raw SnapshotID: AllReferences rebuilds its ids from path segments
// already run through Storybook-title sanitization, so Title values read
// back off disk only ever round-trip through Path() again, never back to
// the original (possibly "/"-containing) story title.
func (s *Store) Prune(keep map[string]struct{}, dryRun bool) ([]string, error) {
	all, err := s.AllReferences()
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, id := range all {
		if _, ok := keep[id.Path()]; ok {
			continue
		}
		p := s.ReferencePath(id)
		removed = append(removed, p)
		if !dryRun {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return removed, &model.CaptureError{Kind: model.ErrIO, Err: err}
			}
		}
	}
	return removed, nil
}

func splitPath(p string) []string {
	var parts []string
	for {
		dir, file := filepath.Split(p)
		parts = append([]string{file}, parts...)
		if dir == "" {
			break
		}
		p = filepath.Clean(dir)
		if p == "." || p == string(filepath.Separator) {
			break
		}
	}
	return parts
}
