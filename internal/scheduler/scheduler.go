// Package scheduler implements the Tab Scheduler of spec.md §4.5: a
// fixed-size pool of workers, each pulling a capture job off a shared
// queue, opening its own tab, running the capture pipeline, and
// streaming results back one at a time rather than batching them. Worker
// concurrency is bounded with golang.org/x/sync/errgroup's SetLimit,
// generalizing the teacher's hand-rolled semaphore pool (kept, and
// repurposed for the CPU-bound diff stage, in internal/orchestrator) to
// a cancellation-aware group.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/snapvrt/snapvrt/internal/browser"
	"github.com/snapvrt/snapvrt/internal/capture"
	"github.com/snapvrt/snapvrt/internal/logging"
	"github.com/snapvrt/snapvrt/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultPipelineDeadline = 30 * time.Second

// errBrowserCrashed is reported to the result stream (as ErrBrowserCrashed)
// once the session's crash detector has declared it dead; it is never
// returned from Run itself, so it never aborts sibling jobs.
var errBrowserCrashed = errors.New("scheduler: browser session declared dead")

// Result is one completed (or failed) capture, as streamed by Run.
type Result struct {
	Job      model.CaptureJob
	Artifact *model.CaptureArtifact
	Err      error
}

// Scheduler runs a batch of capture jobs against a single browser
// Session's tabs, parallel-bounded.
type Scheduler struct {
	session  *browser.Session
	parallel int
}

// New builds a Scheduler over session with the given worker count
// (clamped to at least 1).
func New(session *browser.Session, parallel int) *Scheduler {
	if parallel < 1 {
		parallel = 1
	}
	return &Scheduler{session: session, parallel: parallel}
}

// Run dispatches every job in jobs across the bounded worker group and
// returns a channel of Results, one per job, in completion order (not
// job order). The channel is closed once every job has been accounted
// for. Jobs still queued when ctx is canceled are reported with a
// CaptureError tagged model.ErrCancelled rather than run; a job already
// in flight runs under a context derived from ctx, so its pipeline is
// aborted at its next CDP call or wait, and its tab is still closed.
func (s *Scheduler) Run(ctx context.Context, jobs []model.CaptureJob) <-chan Result {
	out := make(chan Result, len(jobs))

	g := &errgroup.Group{}
	g.SetLimit(s.parallel)

	for _, job := range jobs {
		job := job
		g.Go(func() error {
			select {
			case <-ctx.Done():
				out <- Result{Job: job, Err: &model.CaptureError{Kind: model.ErrCancelled, Err: ctx.Err()}}
				return nil
			default:
			}

			if s.session.Dead() {
				out <- Result{Job: job, Err: &model.CaptureError{Kind: model.ErrBrowserCrashed, Err: errBrowserCrashed}}
				return nil
			}

			out <- s.runOne(ctx, job)
			return nil
		})
	}

	go func() {
		_ = g.Wait()
		close(out)
	}()

	return out
}

func (s *Scheduler) runOne(ctx context.Context, job model.CaptureJob) Result {
	deadline := job.StageConfig.PipelineDeadline
	if deadline <= 0 {
		deadline = defaultPipelineDeadline
	}
	jobCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	tab, err := s.session.NewTab(jobCtx, s.session.RewriteURL(job.URL))
	if err != nil {
		logging.L.Warn("scheduler: new tab failed", zap.String("snapshot", job.SnapshotID.String()), zap.Error(err))
		return Result{Job: job, Err: &model.CaptureError{Kind: model.ErrBrowserLaunch, Err: err}}
	}
	defer func() {
		_ = s.session.CloseTab(context.Background(), tab)
	}()

	logging.L.Info("scheduler: running capture",
		zap.String("snapshot", job.SnapshotID.String()),
		zap.String("correlationId", tab.CorrelationID))

	art, err := capture.Run(jobCtx, tab, job)
	if err != nil {
		logging.L.Warn("scheduler: capture failed",
			zap.String("snapshot", job.SnapshotID.String()),
			zap.String("correlationId", tab.CorrelationID),
			zap.Error(err))
		return Result{Job: job, Err: err}
	}
	return Result{Job: job, Artifact: art}
}
