// Package report turns the orchestrator's stream of model.SnapshotOutcome
// into the two artifacts spec.md §7 calls for: a terminal printer using
// the ✓✗⊕! symbols, and a JSON report file for CI to pick up.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/snapvrt/snapvrt/internal/model"
)

// CaseReport is the JSON-serializable projection of one SnapshotOutcome.
type CaseReport struct {
	Snapshot            string  `json:"snapshot"`
	Status              string  `json:"status"`
	Score               float64 `json:"score,omitempty"`
	ErrorKind           string  `json:"errorKind,omitempty"`
	Message             string  `json:"message,omitempty"`
	DurationMS          int64   `json:"durationMs"`
	StabilityNotReached bool    `json:"stabilityNotReached,omitempty"`
}

// Report is the full run artifact written as JSON.
type Report struct {
	GeneratedAt string       `json:"generatedAt"`
	Total       int          `json:"total"`
	Passed      int          `json:"passed"`
	Failed      int          `json:"failed"`
	New         int          `json:"new"`
	Errored     int          `json:"errored"`
	Cases       []CaseReport `json:"cases"`
}

// Build aggregates a finished run's outcomes into a Report. generatedAt
// is passed in (rather than taken via time.Now here) so the caller
// controls the single source of wall-clock truth for a run.
func Build(generatedAt time.Time, outcomes []model.SnapshotOutcome) Report {
	r := Report{
		GeneratedAt: generatedAt.UTC().Format(time.RFC3339),
		Total:       len(outcomes),
	}
	for _, o := range outcomes {
		var total time.Duration
		for _, d := range o.Timings {
			total += d
		}
		c := CaseReport{
			Snapshot:            o.SnapshotID.String(),
			Status:              string(o.Status),
			DurationMS:          total.Milliseconds(),
			StabilityNotReached: o.StabilityNotReached,
		}
		switch o.Status {
		case model.OutcomePass:
			r.Passed++
		case model.OutcomeFail:
			r.Failed++
			c.Score = o.Score
		case model.OutcomeNew:
			r.New++
		case model.OutcomeError:
			r.Errored++
			c.ErrorKind = string(o.ErrorKind)
			c.Message = o.Message
		}
		r.Cases = append(r.Cases, c)
	}
	return r
}

// Write serializes r as indented JSON to path.
func Write(path string, r Report) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// PrintLine writes one terminal line for a single outcome using the
// spec's status symbols (✓ pass, ✗ fail, ⊕ new, ! error).
func PrintLine(w io.Writer, o model.SnapshotOutcome) {
	warn := ""
	if o.StabilityNotReached {
		warn = "  (stability not reached)"
	}
	switch o.Status {
	case model.OutcomeFail:
		fmt.Fprintf(w, "%s %s  (score %.4f)%s\n", o.Status.Symbol(), o.SnapshotID, o.Score, warn)
	case model.OutcomeError:
		fmt.Fprintf(w, "%s %s  [%s] %s\n", o.Status.Symbol(), o.SnapshotID, o.ErrorKind, o.Message)
	default:
		fmt.Fprintf(w, "%s %s%s\n", o.Status.Symbol(), o.SnapshotID, warn)
	}
}

// PrintSummary writes the run's final tallied line.
func PrintSummary(w io.Writer, r Report) {
	fmt.Fprintf(w, "\n%d total  ✓ %d pass  ✗ %d fail  ⊕ %d new  ! %d error\n",
		r.Total, r.Passed, r.Failed, r.New, r.Errored)
}
