// Package state is the versioned, per-run store of stage artifacts and run metadata.
//
// Each run owns one namespace holding its [Record]: run status, the current
// entry-cycle of every stage, every stage attempt, and the latest successful
// [capability.Artifact] per stage. All operations on one run are serialized by a
// per-run lock, so they are linearizable with respect to each other; different runs
// never contend.
//
// The [Store] keeps records in memory and, when given a [Backend], writes every
// mutation through so a run can be inspected from another process or resumed after a
// restart. [FileBackend] keeps one YAML file per run; [RedisBackend] keeps JSON
// documents in Redis.
package state

import (
	"maps"
	"slices"
	"time"

	"certflow/internal/capability"
)

// RunStatus is the overall status of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// IsTerminal reports whether no further transitions are possible.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunAborted:
		return true
	default:
		return false
	}
}

// AttemptStatus is the status of one stage attempt.
type AttemptStatus string

const (
	AttemptScheduled AttemptStatus = "scheduled"
	AttemptRunning   AttemptStatus = "running"
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptRetryable AttemptStatus = "retryable_failure"
	AttemptFatal     AttemptStatus = "fatal_failure"
)

// IsTerminal reports whether the attempt has ended.
func (s AttemptStatus) IsTerminal() bool {
	switch s {
	case AttemptSucceeded, AttemptRetryable, AttemptFatal:
		return true
	default:
		return false
	}
}

// Cause records why an attempt ended without success.
type Cause struct {
	Kind     capability.FailureKind `json:"kind" yaml:"kind"`
	Message  string                 `json:"message,omitempty" yaml:"message,omitempty"`
	Findings []capability.Finding   `json:"findings,omitempty" yaml:"findings,omitempty"`
}

// Attempt is one execution of a stage within one entry-cycle.
type Attempt struct {
	Stage        string        `json:"stage" yaml:"stage"`
	Cycle        int           `json:"cycle" yaml:"cycle"`
	Number       int           `json:"number" yaml:"number"`
	Status       AttemptStatus `json:"status" yaml:"status"`
	ScheduledAt  time.Time     `json:"scheduled_at" yaml:"scheduled_at"`
	StartedAt    time.Time     `json:"started_at,omitzero" yaml:"started_at,omitempty"`
	EndedAt      time.Time     `json:"ended_at,omitzero" yaml:"ended_at,omitempty"`
	Cause        *Cause        `json:"cause,omitempty" yaml:"cause,omitempty"`
	ArtifactHash string        `json:"artifact_hash,omitempty" yaml:"artifact_hash,omitempty"`
}

// StageRecord is the persisted state of one stage within a run.
type StageRecord struct {
	// Cycle is the stage's current entry-cycle, starting at 1.
	Cycle int `json:"cycle" yaml:"cycle"`

	// Reworks counts re-entries caused by gate rejections naming this stage.
	Reworks int `json:"reworks" yaml:"reworks"`

	Attempts    []Attempt            `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	Artifact    *capability.Artifact `json:"artifact,omitempty" yaml:"artifact,omitempty"`
	SucceededAt time.Time            `json:"succeeded_at,omitzero" yaml:"succeeded_at,omitempty"`
}

// Current returns the latest attempt of the current entry-cycle, or nil.
func (s *StageRecord) Current() *Attempt {
	for i := len(s.Attempts) - 1; i >= 0; i-- {
		if s.Attempts[i].Cycle == s.Cycle {
			return &s.Attempts[i]
		}
		if s.Attempts[i].Cycle < s.Cycle {
			break
		}
	}
	return nil
}

// CycleAttempts returns the number of attempts made in the current entry-cycle.
func (s *StageRecord) CycleAttempts() int {
	n := 0
	for _, a := range s.Attempts {
		if a.Cycle == s.Cycle {
			n++
		}
	}
	return n
}

// Succeeded reports whether the stage succeeded in its current entry-cycle.
func (s *StageRecord) Succeeded() bool {
	cur := s.Current()
	return cur != nil && cur.Status == AttemptSucceeded
}

// Failure describes why a run failed.
type Failure struct {
	// Stage is the stage the failure originated from.
	Stage string `json:"stage" yaml:"stage"`

	Cause Cause `json:"cause" yaml:"cause"`

	// Chain lists the messages of the wrapped error chain, outermost first.
	Chain []string `json:"chain,omitempty" yaml:"chain,omitempty"`

	// Cycles is the number of rework cycles the stage consumed.
	Cycles int `json:"cycles" yaml:"cycles"`
}

// Record is the complete persisted state of one run.
type Record struct {
	RunID       string                  `json:"run_id" yaml:"run_id"`
	Status      RunStatus               `json:"status" yaml:"status"`
	Config      capability.RunConfig    `json:"config" yaml:"config"`
	Cycle       int                     `json:"cycle" yaml:"cycle"`
	Version     uint64                  `json:"version" yaml:"version"`
	CreatedAt   time.Time               `json:"created_at" yaml:"created_at"`
	CompletedAt time.Time               `json:"completed_at,omitzero" yaml:"completed_at,omitempty"`
	Stages      map[string]*StageRecord `json:"stages" yaml:"stages"`
	Failure     *Failure                `json:"failure,omitempty" yaml:"failure,omitempty"`
}

// NewRecord returns a pending record with every stage in entry-cycle 1.
func NewRecord(runID string, cfg capability.RunConfig, stages []string, at time.Time) *Record {
	rec := &Record{
		RunID:     runID,
		Status:    RunPending,
		Config:    cfg,
		Cycle:     1,
		CreatedAt: at,
		Stages:    make(map[string]*StageRecord, len(stages)),
	}
	for _, name := range stages {
		rec.Stages[name] = &StageRecord{Cycle: 1}
	}
	return rec
}

// Clone returns a deep copy. Artifacts are shared since they are immutable.
func (r *Record) Clone() *Record {
	out := *r
	out.Config.Values = maps.Clone(r.Config.Values)
	out.Stages = make(map[string]*StageRecord, len(r.Stages))
	for name, sr := range r.Stages {
		cp := *sr
		cp.Attempts = make([]Attempt, len(sr.Attempts))
		for i, a := range sr.Attempts {
			cp.Attempts[i] = a
			if a.Cause != nil {
				c := *a.Cause
				c.Findings = slices.Clone(a.Cause.Findings)
				cp.Attempts[i].Cause = &c
			}
		}
		out.Stages[name] = &cp
	}
	if r.Failure != nil {
		f := *r.Failure
		f.Chain = slices.Clone(r.Failure.Chain)
		f.Cause.Findings = slices.Clone(r.Failure.Cause.Findings)
		out.Failure = &f
	}
	return &out
}

// RunState maps stage names to their latest successful artifact.
type RunState map[string]*capability.Artifact
