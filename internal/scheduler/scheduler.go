// Package scheduler drives runs of a [graph.Graph] from pending to a terminal status.
//
// Every run gets its own decision loop goroutine and worker pool. The loop is the only
// writer of the run's state: it computes ready stages, dispatches attempts to the
// workers, applies the [retry.Policy] to failures, triggers rework when the gate stage
// rejects upstream output, and handles cancellation. Workers only invoke capabilities
// and report back, so two branches finishing at once can never both dispatch the same
// downstream stage.
//
// Key types:
//   - [Scheduler] - the run control surface (StartRun, GetRunStatus, CancelRun, Wait,
//     ResumeRun)
//   - [View] - the status of a run as reported to callers
//   - [Event] - an attempt transition delivered to a [ProgressCallback]
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"certflow/internal/capability"
	"certflow/internal/ctxlog"
	"certflow/internal/graph"
	"certflow/internal/retry"
	"certflow/internal/state"
)

const (
	// DefaultWorkers is the per-run worker pool size.
	DefaultWorkers = 4

	// DefaultCancelGrace bounds how long a cancelled attempt may take to stop.
	DefaultCancelGrace = 5 * time.Second
)

var (
	// ErrRunNotFound is returned for unknown run ids.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunFinished is returned when acting on a run that already reached a
	// terminal status.
	ErrRunFinished = errors.New("run already finished")

	// ErrRunActive is returned when resuming a run this scheduler is already driving.
	ErrRunActive = errors.New("run is already active")
)

// ProgressCallback is invoked on every attempt transition. It runs on the run's
// decision loop and must not block.
type ProgressCallback func(ev Event)

// CompletionCallback is invoked once per run after it reached a terminal status and
// every attempt has been closed.
type CompletionCallback func(view *View)

// Event is one attempt transition.
type Event struct {
	RunID   string
	Stage   string
	Cycle   int
	Attempt int
	Status  state.AttemptStatus
	Cause   *state.Cause
	At      time.Time
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithWorkers sets the per-run worker pool size.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithStageTimeout sets the timeout for stages that do not declare their own.
// Zero disables it.
func WithStageTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.stageTimeout = d }
}

// WithCancelGrace sets how long cancelled attempts may take to acknowledge.
func WithCancelGrace(d time.Duration) Option {
	return func(s *Scheduler) { s.cancelGrace = d }
}

// WithPolicy sets the retry policy.
func WithPolicy(p retry.Policy) Option {
	return func(s *Scheduler) { s.policy = p }
}

// WithClock replaces time.Now as the source of recorded timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithProgressCallback registers a callback for attempt transitions.
func WithProgressCallback(cb ProgressCallback) Option {
	return func(s *Scheduler) { s.progress = cb }
}

// WithCompletionCallback registers a callback for finished runs. It may be given
// more than once.
func WithCompletionCallback(cb CompletionCallback) Option {
	return func(s *Scheduler) { s.completion = append(s.completion, cb) }
}

// WithIDGenerator replaces the random UUID run ids.
func WithIDGenerator(gen func() string) Option {
	return func(s *Scheduler) { s.newID = gen }
}

// Scheduler runs workflow graphs. It is safe for concurrent use.
type Scheduler struct {
	graph        *graph.Graph
	store        *state.Store
	policy       retry.Policy
	workers      int
	stageTimeout time.Duration
	cancelGrace  time.Duration
	now          func() time.Time
	newID        func() string
	progress     ProgressCallback
	completion   []CompletionCallback

	mu   sync.Mutex
	runs map[string]*run
}

// New creates a scheduler for g that records runs in store.
func New(g *graph.Graph, store *state.Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		graph:       g,
		store:       store,
		policy:      retry.DefaultPolicy(),
		workers:     DefaultWorkers,
		cancelGrace: DefaultCancelGrace,
		now:         time.Now,
		newID:       uuid.NewString,
		runs:        make(map[string]*run),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Graph returns the graph the scheduler runs.
func (s *Scheduler) Graph() *graph.Graph {
	return s.graph
}

// StartRun creates a run for cfg, enters every stage into cycle 1 and starts
// dispatching from the entry stage. ctx scopes the call and supplies the logger;
// cancelling it does not cancel the run, use [Scheduler.CancelRun] for that.
func (s *Scheduler) StartRun(ctx context.Context, cfg capability.RunConfig) (string, error) {
	if strings.TrimSpace(cfg.Requirements) == "" {
		return "", errors.New("requirements are required")
	}

	id := s.newID()
	r := s.newRun(ctx, id)
	rec := state.NewRecord(id, cfg, s.graph.Names(), r.tick())
	if err := s.store.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}

	s.mu.Lock()
	s.runs[id] = r
	s.mu.Unlock()

	r.log.Info("run started", "stages", s.graph.Len())
	go s.loop(r, false)
	return id, nil
}

// ResumeRun continues a non-terminal run recorded in the store, typically by a
// process that exited before the run finished. Succeeded stages are kept; attempts
// left open are closed as interrupted and dispatched again.
func (s *Scheduler) ResumeRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	_, active := s.runs[runID]
	s.mu.Unlock()
	if active {
		return fmt.Errorf("%w: %s", ErrRunActive, runID)
	}

	rec, err := s.store.Load(ctx, runID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return err
	}
	if rec.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrRunFinished, runID, rec.Status)
	}
	for _, name := range s.graph.Names() {
		if _, ok := rec.Stages[name]; !ok {
			return fmt.Errorf("run %s was recorded with a different graph: stage %s missing", runID, name)
		}
	}

	r := s.newRun(ctx, runID)
	r.last = latest(rec)

	s.mu.Lock()
	if _, ok := s.runs[runID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunActive, runID)
	}
	s.runs[runID] = r
	s.mu.Unlock()

	r.log.Info("run resumed", "cycle", rec.Cycle)
	go s.loop(r, true)
	return nil
}

// CancelRun aborts a run. It returns once the run is recorded as aborted; attempts
// still in flight are closed as cancelled when they stop or the grace period ends.
func (s *Scheduler) CancelRun(ctx context.Context, runID string) error {
	if r := s.active(runID); r != nil {
		reply := make(chan error, 1)
		select {
		case r.events <- event{kind: eventCancel, reply: reply}:
		case <-r.done:
			return fmt.Errorf("%w: %s", ErrRunFinished, runID)
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case err := <-reply:
			return err
		case <-r.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.cancelDetached(ctx, runID)
}

// cancelDetached aborts a run that no loop in this process is driving.
func (s *Scheduler) cancelDetached(ctx context.Context, runID string) error {
	rec, err := s.store.Load(ctx, runID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return err
	}
	if rec.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrRunFinished, runID, rec.Status)
	}

	at := s.now().Round(0)
	if last := latest(rec); !at.After(last) {
		at = last.Add(time.Nanosecond)
	}
	if err := s.store.SetStatus(ctx, runID, state.RunAborted, nil, at); err != nil {
		return err
	}
	for _, name := range s.graph.Names() {
		sr := rec.Stages[name]
		if sr == nil {
			continue
		}
		if cur := sr.Current(); cur != nil && !cur.Status.IsTerminal() {
			cause := &state.Cause{Kind: capability.KindCancelled, Message: "run cancelled"}
			if err := s.store.FinishAttempt(ctx, runID, name, cur.Number, state.AttemptFatal, cause, at); err != nil {
				return err
			}
		}
	}
	ctxlog.FromContext(ctx).Info("run cancelled", "run", runID)
	return nil
}

// Wait blocks until the run is finished and every completion callback returned.
func (s *Scheduler) Wait(ctx context.Context, runID string) (*View, error) {
	if r := s.active(runID); r != nil {
		select {
		case <-r.settled:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.GetRunStatus(ctx, runID)
}

// GetRunStatus reports the current status of a run known to the store.
func (s *Scheduler) GetRunStatus(ctx context.Context, runID string) (*View, error) {
	rec, err := s.store.Load(ctx, runID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, err
	}
	return newView(s.graph, rec), nil
}

// ListRuns returns the ids of all runs known to the store.
func (s *Scheduler) ListRuns(ctx context.Context) ([]string, error) {
	return s.store.List(ctx)
}

func (s *Scheduler) active(runID string) *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[runID]
}

func (s *Scheduler) forget(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
}

// latest returns the newest timestamp recorded in rec.
func latest(rec *state.Record) time.Time {
	last := rec.CreatedAt
	for _, sr := range rec.Stages {
		for _, a := range sr.Attempts {
			for _, t := range []time.Time{a.ScheduledAt, a.StartedAt, a.EndedAt} {
				if t.After(last) {
					last = t
				}
			}
		}
	}
	return last
}
