package state

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"certflow/internal/capability"
)

var (
	// ErrNotFound is returned when a run has no record.
	ErrNotFound = errors.New("run not found")

	// ErrRunExists is returned when creating a run whose id is already taken.
	ErrRunExists = errors.New("run already exists")

	// ErrRunFinished is returned when mutating a run that reached a terminal status.
	ErrRunFinished = errors.New("run already finished")

	// ErrUnknownStage is returned for stage names the run does not know.
	ErrUnknownStage = errors.New("unknown stage")

	// ErrAttemptRunning is returned when a stage already has an open attempt in its
	// current entry-cycle.
	ErrAttemptRunning = errors.New("attempt already running")

	// ErrAttemptNotRunning is returned when writing on behalf of an attempt that is
	// not running.
	ErrAttemptNotRunning = errors.New("attempt not running")

	// ErrStaleCycle is returned when entering a cycle that is not newer than the
	// stage's current one.
	ErrStaleCycle = errors.New("stale entry-cycle")
)

// Backend persists run records outside the process.
type Backend interface {
	// Save stores rec, replacing any previous version.
	Save(ctx context.Context, rec *Record) error

	// Load returns the record of runID or an error wrapping [ErrNotFound].
	Load(ctx context.Context, runID string) (*Record, error)

	// List returns all known run ids.
	List(ctx context.Context) ([]string, error)
}

type namespace struct {
	mu  sync.Mutex
	rec *Record
}

// Store holds the records of all runs known to this process.
type Store struct {
	mu      sync.RWMutex
	runs    map[string]*namespace
	backend Backend
}

// NewStore creates a store. A nil backend keeps records in memory only.
func NewStore(backend Backend) *Store {
	return &Store{
		runs:    make(map[string]*namespace),
		backend: backend,
	}
}

func (s *Store) namespace(runID string) (*namespace, error) {
	s.mu.RLock()
	ns, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return ns, nil
}

// update applies fn to the run's record under its lock. fn must validate before
// mutating; a backend failure rolls the record back.
func (s *Store) update(ctx context.Context, runID string, fn func(rec *Record) error) error {
	ns, err := s.namespace(runID)
	if err != nil {
		return err
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()

	var prev *Record
	if s.backend != nil {
		prev = ns.rec.Clone()
	}
	if err := fn(ns.rec); err != nil {
		return err
	}
	ns.rec.Version++

	if s.backend != nil {
		if err := s.backend.Save(ctx, ns.rec.Clone()); err != nil {
			ns.rec = prev
			return fmt.Errorf("failed to persist run %s: %w", runID, err)
		}
	}
	return nil
}

func (s *Store) view(runID string, fn func(rec *Record) error) error {
	ns, err := s.namespace(runID)
	if err != nil {
		return err
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return fn(ns.rec)
}

func stageOf(rec *Record, stage string) (*StageRecord, error) {
	sr, ok := rec.Stages[stage]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
	return sr, nil
}

// Create registers a new run. The store keeps its own copy of rec.
func (s *Store) Create(ctx context.Context, rec *Record) error {
	if rec.RunID == "" {
		return errors.New("run id is required")
	}

	s.mu.Lock()
	if _, ok := s.runs[rec.RunID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunExists, rec.RunID)
	}
	ns := &namespace{rec: rec.Clone()}
	ns.rec.Version = 1
	s.runs[rec.RunID] = ns
	s.mu.Unlock()

	if s.backend != nil {
		if err := s.backend.Save(ctx, ns.rec.Clone()); err != nil {
			s.mu.Lock()
			delete(s.runs, rec.RunID)
			s.mu.Unlock()
			return fmt.Errorf("failed to persist run %s: %w", rec.RunID, err)
		}
	}
	return nil
}

// Load returns a copy of the run's record, reading it from the backend if the run
// is not yet known to this process.
func (s *Store) Load(ctx context.Context, runID string) (*Record, error) {
	if rec, err := s.Record(ctx, runID); err == nil {
		return rec, nil
	}
	if s.backend == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}

	rec, err := s.backend.Load(ctx, runID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ns, ok := s.runs[runID]; ok {
		// lost a race with another Load
		ns.mu.Lock()
		defer ns.mu.Unlock()
		return ns.rec.Clone(), nil
	}
	s.runs[runID] = &namespace{rec: rec.Clone()}
	return rec, nil
}

// Record returns a copy of the run's record.
func (s *Store) Record(_ context.Context, runID string) (*Record, error) {
	var out *Record
	err := s.view(runID, func(rec *Record) error {
		out = rec.Clone()
		return nil
	})
	return out, err
}

// List returns the ids of all runs known in memory or to the backend, sorted.
func (s *Store) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	ids := slices.Collect(maps.Keys(s.runs))
	s.mu.RUnlock()

	if s.backend != nil {
		stored, err := s.backend.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list runs: %w", err)
		}
		ids = append(ids, stored...)
	}

	sort.Strings(ids)
	return slices.Compact(ids), nil
}

// SetStatus moves the run to status. A terminal status stamps CompletedAt and is
// final; failure, if non-nil, is recorded.
func (s *Store) SetStatus(ctx context.Context, runID string, status RunStatus, failure *Failure, at time.Time) error {
	return s.update(ctx, runID, func(rec *Record) error {
		if rec.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", ErrRunFinished, runID, rec.Status)
		}
		rec.Status = status
		if status.IsTerminal() {
			rec.CompletedAt = at
		}
		if failure != nil {
			f := *failure
			rec.Failure = &f
		}
		return nil
	})
}

// EnterCycle re-enters stage in cycle. rework charges the stage's rework budget.
// The stage's previous artifact stays readable until a new attempt replaces it.
func (s *Store) EnterCycle(ctx context.Context, runID, stage string, cycle int, rework bool) error {
	return s.update(ctx, runID, func(rec *Record) error {
		sr, err := stageOf(rec, stage)
		if err != nil {
			return err
		}
		if cycle <= sr.Cycle {
			return fmt.Errorf("%w: %s is in cycle %d, asked for %d", ErrStaleCycle, stage, sr.Cycle, cycle)
		}
		if cur := sr.Current(); cur != nil && !cur.Status.IsTerminal() {
			return fmt.Errorf("%w: %s attempt %d", ErrAttemptRunning, stage, cur.Number)
		}
		sr.Cycle = cycle
		if rework {
			sr.Reworks++
		}
		rec.Cycle = max(rec.Cycle, cycle)
		return nil
	})
}

// ScheduleAttempt records attempt number of stage in its current cycle as scheduled.
// Numbers are 1-based and must be consecutive within a cycle.
func (s *Store) ScheduleAttempt(ctx context.Context, runID, stage string, number int, at time.Time) error {
	return s.update(ctx, runID, func(rec *Record) error {
		sr, err := stageOf(rec, stage)
		if err != nil {
			return err
		}
		if cur := sr.Current(); cur != nil && !cur.Status.IsTerminal() {
			return fmt.Errorf("%w: %s attempt %d is %s", ErrAttemptRunning, stage, cur.Number, cur.Status)
		}
		if want := sr.CycleAttempts() + 1; number != want {
			return fmt.Errorf("attempt %d of %s out of order, expected %d", number, stage, want)
		}
		sr.Attempts = append(sr.Attempts, Attempt{
			Stage:       stage,
			Cycle:       sr.Cycle,
			Number:      number,
			Status:      AttemptScheduled,
			ScheduledAt: at,
		})
		return nil
	})
}

// BeginAttempt marks the scheduled attempt number of stage as running. It fails with
// [ErrAttemptRunning] if the stage already has a running attempt in its current cycle.
func (s *Store) BeginAttempt(ctx context.Context, runID, stage string, number int, at time.Time) error {
	return s.update(ctx, runID, func(rec *Record) error {
		sr, err := stageOf(rec, stage)
		if err != nil {
			return err
		}
		cur := sr.Current()
		switch {
		case cur == nil || cur.Number != number:
			return fmt.Errorf("attempt %d of %s was not scheduled", number, stage)
		case cur.Status == AttemptRunning:
			return fmt.Errorf("%w: %s attempt %d", ErrAttemptRunning, stage, number)
		case cur.Status != AttemptScheduled:
			return fmt.Errorf("attempt %d of %s already ended: %s", number, stage, cur.Status)
		}
		cur.Status = AttemptRunning
		cur.StartedAt = at
		return nil
	})
}

// FinishAttempt ends attempt number of stage with a terminal status. Succeeding
// requires that [Store.Put] stored the attempt's artifact first.
func (s *Store) FinishAttempt(ctx context.Context, runID, stage string, number int, status AttemptStatus, cause *Cause, at time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("attempt status %s is not terminal", status)
	}
	return s.update(ctx, runID, func(rec *Record) error {
		sr, err := stageOf(rec, stage)
		if err != nil {
			return err
		}
		cur := sr.Current()
		switch {
		case cur == nil || cur.Number != number:
			return fmt.Errorf("%w: %s attempt %d", ErrAttemptNotRunning, stage, number)
		case cur.Status.IsTerminal():
			return fmt.Errorf("%w: %s attempt %d is %s", ErrAttemptNotRunning, stage, number, cur.Status)
		case status == AttemptSucceeded && cur.ArtifactHash == "":
			return fmt.Errorf("attempt %d of %s has no artifact", number, stage)
		}

		cur.Status = status
		cur.EndedAt = at
		if cause != nil {
			c := *cause
			c.Findings = slices.Clone(cause.Findings)
			cur.Cause = &c
		}
		if status == AttemptSucceeded {
			sr.SucceededAt = at
		}
		return nil
	})
}

// Put stores artifact as the stage's latest output. It is rejected with
// [ErrAttemptNotRunning] unless the stage's current attempt is running.
func (s *Store) Put(ctx context.Context, runID, stage string, artifact *capability.Artifact) error {
	if artifact == nil {
		return errors.New("artifact is required")
	}
	if artifact.Hash == "" {
		return errors.New("artifact has no hash")
	}
	return s.update(ctx, runID, func(rec *Record) error {
		if rec.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", ErrRunFinished, runID, rec.Status)
		}
		sr, err := stageOf(rec, stage)
		if err != nil {
			return err
		}
		cur := sr.Current()
		if cur == nil || cur.Status != AttemptRunning {
			return fmt.Errorf("%w: %s", ErrAttemptNotRunning, stage)
		}
		sr.Artifact = artifact
		cur.ArtifactHash = artifact.Hash
		return nil
	})
}

// Get returns the stage's latest artifact.
func (s *Store) Get(_ context.Context, runID, stage string) (*capability.Artifact, bool, error) {
	var out *capability.Artifact
	err := s.view(runID, func(rec *Record) error {
		sr, err := stageOf(rec, stage)
		if err != nil {
			return err
		}
		out = sr.Artifact
		return nil
	})
	return out, out != nil, err
}

// Snapshot returns the latest artifact of every stage that has one.
func (s *Store) Snapshot(_ context.Context, runID string) (RunState, error) {
	out := make(RunState)
	err := s.view(runID, func(rec *Record) error {
		for name, sr := range rec.Stages {
			if sr.Artifact != nil {
				out[name] = sr.Artifact
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
