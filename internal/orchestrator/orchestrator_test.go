package orchestrator

import (
	"testing"

	"github.com/snapvrt/snapvrt/internal/config"
	"github.com/snapvrt/snapvrt/internal/model"
	"github.com/snapvrt/snapvrt/internal/scheduler"
	"github.com/snapvrt/snapvrt/internal/store"
	"github.com/stretchr/testify/require"
)

func testOrch(t *testing.T, threshold float64) *Orchestrator {
	t.Helper()
	cfg := &config.Config{Diff: config.Diff{Threshold: threshold}}
	st := store.New(t.TempDir())
	return New(cfg, st, nil, "")
}

func snapID() model.SnapshotID {
	return model.SnapshotID{Source: "storybook", ViewportName: "desktop", Title: "Button", Name: "Primary"}
}

func solidPNG(t *testing.T, w, h int, v byte) []byte {
	t.Helper()
	// A tiny uncompressed-enough PNG is awkward to hand-roll; instead
	// reuse the diff package's own encode path via image/color so both
	// packages agree on what "a PNG" looks like.
	return encodeTestPNG(t, w, h, v)
}

func TestResolve_NoReferenceYieldsNew(t *testing.T) {
	o := testOrch(t, 0.0)
	png := solidPNG(t, 4, 4, 10)

	res := scheduler.Result{
		Job:      model.CaptureJob{SnapshotID: snapID()},
		Artifact: &model.CaptureArtifact{SnapshotID: snapID(), PNG: png},
	}

	outcome := o.resolve(res)
	require.Equal(t, model.OutcomeNew, outcome.Status)
	require.True(t, o.Store.HasReference(snapID()))
}

func TestResolve_IdenticalCaptureIsPass(t *testing.T) {
	o := testOrch(t, 0.0)
	png := solidPNG(t, 4, 4, 20)
	require.NoError(t, o.Store.WriteReference(snapID(), png))

	res := scheduler.Result{
		Job:      model.CaptureJob{SnapshotID: snapID()},
		Artifact: &model.CaptureArtifact{SnapshotID: snapID(), PNG: png},
	}

	outcome := o.resolve(res)
	require.Equal(t, model.OutcomePass, outcome.Status)
	require.Equal(t, 0.0, outcome.Score)
}

func TestResolve_DivergentCaptureIsFailAndWritesDiff(t *testing.T) {
	o := testOrch(t, 0.0)
	ref := solidPNG(t, 10, 10, 0)
	cur := solidPNG(t, 10, 10, 255)
	require.NoError(t, o.Store.WriteReference(snapID(), ref))

	res := scheduler.Result{
		Job:      model.CaptureJob{SnapshotID: snapID()},
		Artifact: &model.CaptureArtifact{SnapshotID: snapID(), PNG: cur},
	}

	outcome := o.resolve(res)
	require.Equal(t, model.OutcomeFail, outcome.Status)
	require.Greater(t, outcome.Score, 0.0)
	require.FileExists(t, o.Store.DifferencePath(snapID()))
}

func TestResolve_CaptureErrorIsErrorOutcome(t *testing.T) {
	o := testOrch(t, 0.0)
	res := scheduler.Result{
		Job: model.CaptureJob{SnapshotID: snapID()},
		Err: &model.CaptureError{Kind: model.ErrNavigationTimeout, Err: errTimeout{}},
	}

	outcome := o.resolve(res)
	require.Equal(t, model.OutcomeError, outcome.Status)
	require.Equal(t, model.ErrNavigationTimeout, outcome.ErrorKind)
}

type errTimeout struct{}

func (errTimeout) Error() string { return "timed out" }
