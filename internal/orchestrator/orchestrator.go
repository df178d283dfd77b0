// Package orchestrator binds the pipeline of spec.md §5 together: load
// config, discover stories, build the story×viewport capture matrix,
// run it through the scheduler, diff each capture against its baseline
// (or accept it as a new one), and stream the aggregate outcomes. It
// also implements the "update" (write straight to reference, skip the
// diff engine) and "prune" (drop baselines no longer produced) command
// paths.
package orchestrator

import (
	"context"

	"github.com/snapvrt/snapvrt/internal/browser"
	"github.com/snapvrt/snapvrt/internal/config"
	"github.com/snapvrt/snapvrt/internal/diff"
	"github.com/snapvrt/snapvrt/internal/logging"
	"github.com/snapvrt/snapvrt/internal/model"
	"github.com/snapvrt/snapvrt/internal/pool"
	"github.com/snapvrt/snapvrt/internal/scheduler"
	"github.com/snapvrt/snapvrt/internal/storybook"
	"github.com/snapvrt/snapvrt/internal/store"
	"go.uber.org/zap"
)

// diffWorkers bounds the CPU-bound PNG decode/diff thread pool, kept
// separate from the cooperative CDP scheduler per spec.md §5's
// "no fan-in of diff work to the CDP threads" requirement.
const diffWorkers = 4

// Mode names the three command paths. Each path is its own method (Run,
// Update, Prune); none of them takes a Mode.
type Mode int

const (
	ModeTest Mode = iota
	ModeUpdate
	ModePrune
)

// Orchestrator owns one run: a loaded config, a story store, and the
// browser session the scheduler will drive.
type Orchestrator struct {
	Config  *config.Config
	Store   *store.Store
	Session *browser.Session
	Filter  string
}

// New builds an Orchestrator. The caller owns Session's lifetime
// (Shutdown) — the Orchestrator only uses it for the duration of Run.
func New(cfg *config.Config, st *store.Store, session *browser.Session, filter string) *Orchestrator {
	return &Orchestrator{Config: cfg, Store: st, Session: session, Filter: filter}
}

// buildJobs discovers stories for every configured source and expands
// the story×viewport matrix into capture jobs.
func (o *Orchestrator) buildJobs(ctx context.Context) ([]model.CaptureJob, error) {
	stageCfg := o.Config.StageConfig()
	var jobs []model.CaptureJob

	for _, src := range o.Config.Source {
		source := storybook.NewSource(src.URL, o.Filter)
		stories, err := source.Discover(ctx)
		if err != nil {
			return nil, err
		}

		viewports := o.Config.Viewports(src)
		for _, story := range stories {
			for _, vp := range viewports {
				jobs = append(jobs, model.CaptureJob{
					SnapshotID: model.SnapshotID{
						Source:       src.Type,
						ViewportName: vp.Name,
						Title:        story.Title,
						Name:         story.Name,
					},
					URL:         story.URL,
					Viewport:    vp,
					StageConfig: stageCfg,
				})
			}
		}
	}

	return jobs, nil
}

// Run executes the test path (ModeTest) and streams one SnapshotOutcome
// per job on the returned channel, closing it once the run (and any
// pending diff work) completes.
func (o *Orchestrator) Run(ctx context.Context) (<-chan model.SnapshotOutcome, error) {
	jobs, err := o.buildJobs(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan model.SnapshotOutcome, len(jobs))
	sched := scheduler.New(o.Session, o.Config.Capture.Parallel)
	results := sched.Run(ctx, jobs)

	diffPool := pool.New(diffWorkers)
	go func() {
		for res := range results {
			res := res
			diffPool.Go(func() {
				out <- o.resolve(res)
			})
		}
		diffPool.Wait()
		close(out)
	}()

	return out, nil
}

// resolve turns one scheduler.Result into a SnapshotOutcome: an
// Error outcome if capture failed, otherwise New (no baseline yet) or
// Pass/Fail via the diff engine, writing current/difference/reference
// artifacts to the store along the way.
func (o *Orchestrator) resolve(res scheduler.Result) model.SnapshotOutcome {
	id := res.Job.SnapshotID

	if res.Err != nil {
		kind, msg := classify(res.Err)
		logging.L.Warn("orchestrator: capture failed", zap.String("snapshot", id.String()), zap.Error(res.Err))
		return model.SnapshotOutcome{SnapshotID: id, Status: model.OutcomeError, ErrorKind: kind, Message: msg}
	}

	art := res.Artifact
	if err := o.Store.WriteCurrent(id, art.PNG); err != nil {
		return model.SnapshotOutcome{SnapshotID: id, Status: model.OutcomeError, ErrorKind: model.ErrIO, Message: err.Error()}
	}

	if !o.Store.HasReference(id) {
		if err := o.Store.WriteReference(id, art.PNG); err != nil {
			return model.SnapshotOutcome{SnapshotID: id, Status: model.OutcomeError, ErrorKind: model.ErrIO, Message: err.Error()}
		}
		return model.SnapshotOutcome{SnapshotID: id, Status: model.OutcomeNew, Timings: art.Timings, CurrentPNG: art.PNG, StabilityNotReached: art.StabilityNotReached}
	}

	refPNG, err := o.Store.ReadReference(id)
	if err != nil {
		return model.SnapshotOutcome{SnapshotID: id, Status: model.OutcomeError, ErrorKind: model.ErrIO, Message: err.Error()}
	}

	result, err := diff.Compare(refPNG, art.PNG, o.Config.Diff.Threshold)
	if err != nil {
		return model.SnapshotOutcome{SnapshotID: id, Status: model.OutcomeError, ErrorKind: model.ErrDecode, Message: err.Error()}
	}

	if result.Pass {
		return model.SnapshotOutcome{SnapshotID: id, Status: model.OutcomePass, Timings: art.Timings, Score: result.Score, StabilityNotReached: art.StabilityNotReached}
	}

	diffPNG, err := diff.EncodePNG(result.Diff)
	if err == nil {
		_ = o.Store.WriteDifference(id, diffPNG)
	}

	return model.SnapshotOutcome{
		SnapshotID:          id,
		Status:              model.OutcomeFail,
		Timings:             art.Timings,
		Score:               result.Score,
		DiffPNG:             diffPNG,
		StabilityNotReached: art.StabilityNotReached,
	}
}

func classify(err error) (model.ErrorKind, string) {
	var ce *model.CaptureError
	if as, ok := err.(*model.CaptureError); ok {
		ce = as
		return ce.Kind, ce.Error()
	}
	return model.ErrCdpProtocol, err.Error()
}

// Update runs every configured job and writes its capture straight to
// the reference tree, bypassing the diff engine entirely (spec.md §5
// step 8's "update" path).
func (o *Orchestrator) Update(ctx context.Context) (<-chan model.SnapshotOutcome, error) {
	jobs, err := o.buildJobs(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan model.SnapshotOutcome, len(jobs))
	sched := scheduler.New(o.Session, o.Config.Capture.Parallel)
	results := sched.Run(ctx, jobs)

	go func() {
		for res := range results {
			id := res.Job.SnapshotID
			if res.Err != nil {
				kind, msg := classify(res.Err)
				out <- model.SnapshotOutcome{SnapshotID: id, Status: model.OutcomeError, ErrorKind: kind, Message: msg}
				continue
			}
			if err := o.Store.WriteReference(id, res.Artifact.PNG); err != nil {
				out <- model.SnapshotOutcome{SnapshotID: id, Status: model.OutcomeError, ErrorKind: model.ErrIO, Message: err.Error()}
				continue
			}
			out <- model.SnapshotOutcome{SnapshotID: id, Status: model.OutcomeNew, Timings: res.Artifact.Timings, CurrentPNG: res.Artifact.PNG, StabilityNotReached: res.Artifact.StabilityNotReached}
		}
		close(out)
	}()

	return out, nil
}

// Prune discovers the current story matrix and removes any reference
// baseline not named by it. dryRun reports what would be removed
// without touching the filesystem.
func (o *Orchestrator) Prune(ctx context.Context, dryRun bool) ([]string, error) {
	jobs, err := o.buildJobs(ctx)
	if err != nil {
		return nil, err
	}

	// Keyed by the normalized on-disk path, not the raw SnapshotID: Storybook
	// titles are group paths ("Components/Button") that pathSegment folds to
	// "Components-Button" on disk, so comparing structs directly against
	// Store.AllReferences' path-reconstructed ids would never match and
	// Prune would delete every live baseline.
	keep := make(map[string]struct{}, len(jobs))
	for _, j := range jobs {
		keep[j.SnapshotID.Path()] = struct{}{}
	}

	removed, err := o.Store.Prune(keep, dryRun)
	if err != nil {
		return nil, err
	}
	for _, p := range removed {
		logging.L.Info("orchestrator: pruned reference", zap.String("path", p), zap.Bool("dryRun", dryRun))
	}
	return removed, nil
}
