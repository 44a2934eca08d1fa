package scheduler

import (
	"slices"
	"sort"
	"time"

	"certflow/internal/graph"
	"certflow/internal/state"
)

// StageStatus summarizes a stage within its current entry-cycle.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageScheduled StageStatus = "scheduled"
	StageRunning   StageStatus = "running"
	StageRetrying  StageStatus = "retrying"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
)

// StageView is the reported state of one stage.
type StageView struct {
	Name   string
	Status StageStatus
	Cycle  int

	// Attempts counts attempts in the current cycle, TotalAttempts across all cycles.
	Attempts      int
	TotalAttempts int
	Reworks       int

	// Entries counts the entry-cycles in which the stage made an attempt.
	Entries int

	// Cause is the cause recorded by the latest attempt of the current cycle.
	Cause        *state.Cause
	ArtifactHash string

	// Elapsed sums the running time of every attempt.
	Elapsed     time.Duration
	SucceededAt time.Time
}

// View is the reported state of a run.
type View struct {
	RunID         string
	Status        state.RunStatus
	Requirements  string
	Cycle         int
	Version       uint64
	CreatedAt     time.Time
	CompletedAt   time.Time
	Stages        []StageView
	LastArtifacts state.RunState
	Failure       *state.Failure
}

// Stage returns the view of the named stage.
func (v *View) Stage(name string) (StageView, bool) {
	for _, sv := range v.Stages {
		if sv.Name == name {
			return sv, true
		}
	}
	return StageView{}, false
}

// Duration is the wall time from creation to completion, or zero while running.
func (v *View) Duration() time.Duration {
	if v.CompletedAt.IsZero() {
		return 0
	}
	return v.CompletedAt.Sub(v.CreatedAt)
}

func newView(g *graph.Graph, rec *state.Record) *View {
	v := &View{
		RunID:         rec.RunID,
		Status:        rec.Status,
		Requirements:  rec.Config.Requirements,
		Cycle:         rec.Cycle,
		Version:       rec.Version,
		CreatedAt:     rec.CreatedAt,
		CompletedAt:   rec.CompletedAt,
		LastArtifacts: make(state.RunState),
		Failure:       rec.Failure,
	}

	names := g.Names()
	var extra []string
	for name := range rec.Stages {
		if !slices.Contains(names, name) {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)

	for _, name := range append(names, extra...) {
		sr, ok := rec.Stages[name]
		if !ok {
			continue
		}
		v.Stages = append(v.Stages, stageView(name, sr))
		if sr.Artifact != nil {
			v.LastArtifacts[name] = sr.Artifact
		}
	}
	return v
}

func stageView(name string, sr *state.StageRecord) StageView {
	sv := StageView{
		Name:          name,
		Status:        StagePending,
		Cycle:         sr.Cycle,
		Attempts:      sr.CycleAttempts(),
		TotalAttempts: len(sr.Attempts),
		Reworks:       sr.Reworks,
		SucceededAt:   sr.SucceededAt,
	}
	if sr.Artifact != nil {
		sv.ArtifactHash = sr.Artifact.Hash
	}
	cycles := make(map[int]bool)
	for _, a := range sr.Attempts {
		if !cycles[a.Cycle] {
			cycles[a.Cycle] = true
			sv.Entries++
		}
		if !a.StartedAt.IsZero() && !a.EndedAt.IsZero() {
			sv.Elapsed += a.EndedAt.Sub(a.StartedAt)
		}
	}

	cur := sr.Current()
	if cur == nil {
		return sv
	}
	sv.Cause = cur.Cause
	switch cur.Status {
	case state.AttemptScheduled:
		sv.Status = StageScheduled
	case state.AttemptRunning:
		sv.Status = StageRunning
	case state.AttemptRetryable:
		sv.Status = StageRetrying
	case state.AttemptSucceeded:
		sv.Status = StageSucceeded
	case state.AttemptFatal:
		sv.Status = StageFailed
	}
	return sv
}
